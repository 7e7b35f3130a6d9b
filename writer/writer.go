// Package writer writes new table data into a shadow location.
package writer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/spf13/cast"
	"golang.org/x/sync/errgroup"

	"github.com/rudderlabs/rudder-go-kit/bytesize"
	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/rudderlabs/glue-table-swap/catalog"
	"github.com/rudderlabs/glue-table-swap/encoding"
	"github.com/rudderlabs/glue-table-swap/location"
	"github.com/rudderlabs/glue-table-swap/objectstorage"
)

var (
	ErrMissingPartitionValue = errors.New("missing partition value")
	ErrInvalidRequest        = errors.New("invalid write request")
)

// Stores resolves the object store holding a location.
type Stores interface {
	StoreFor(loc location.Location) (*objectstorage.Store, error)
}

// Request describes a write of rows into a shadow location.
type Request struct {
	// Table is the qualified table name, used for logging and stats.
	Table         string
	Location      location.Location
	Columns       []catalog.Column
	PartitionKeys []catalog.Column
	Source        RowSource
}

func (r Request) validate() error {
	if r.Location.IsZero() || r.Location.Key == "" {
		return fmt.Errorf("%w: shadow location %q must be below the bucket root", ErrInvalidRequest, r.Location.String())
	}
	if r.Source == nil {
		return fmt.Errorf("%w: no row source", ErrInvalidRequest)
	}
	if len(r.Columns) == 0 {
		return fmt.Errorf("%w: no columns", ErrInvalidRequest)
	}
	seen := make(map[string]struct{})
	for _, c := range append(append([]catalog.Column{}, r.Columns...), r.PartitionKeys...) {
		if c.Name == "" {
			return fmt.Errorf("%w: empty column name", ErrInvalidRequest)
		}
		if _, ok := seen[c.Name]; ok {
			return fmt.Errorf("%w: duplicate column %s", ErrInvalidRequest, c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}

// PartitionManifest lists the files written for one partition. Values is
// empty for unpartitioned tables.
type PartitionManifest struct {
	Values   []string
	Location location.Location
	Files    []location.Location
	Rows     int
}

// Manifest describes everything written under a shadow location.
type Manifest struct {
	Location   location.Location
	Partitions []PartitionManifest
	Rows       int
}

// Files returns the number of files across all partitions.
func (m Manifest) Files() int {
	return lo.SumBy(m.Partitions, func(p PartitionManifest) int { return len(p.Files) })
}

type Writer struct {
	stores       Stores
	logger       logger.Logger
	statsFactory stats.Stats

	config struct {
		maxRowsPerFile    int
		maxOpenFiles      int
		rowGroupSize      int64
		uploadConcurrency int
		parallelWriters   int64
		tmpDir            string
		cleanupTimeout    time.Duration
	}
}

func New(stores Stores, conf *config.Config, log logger.Logger, statsFactory stats.Stats) *Writer {
	w := &Writer{
		stores:       stores,
		logger:       log.Child("writer"),
		statsFactory: statsFactory,
	}
	w.config.maxRowsPerFile = conf.GetIntVar(1000000, 1, "Writer.maxRowsPerFile")
	w.config.maxOpenFiles = conf.GetIntVar(64, 1, "Writer.maxOpenFiles")
	w.config.rowGroupSize = conf.GetInt64Var(16, bytesize.MB, "Writer.rowGroupSizeInMB")
	w.config.uploadConcurrency = conf.GetIntVar(8, 1, "Writer.uploadConcurrency")
	w.config.parallelWriters = conf.GetInt64Var(4, 1, "Writer.parallelWriters")
	w.config.tmpDir = conf.GetStringVar("", "Writer.tmpDir")
	w.config.cleanupTimeout = conf.GetDurationVar(2, time.Minute, "Writer.cleanupTimeout")
	return w
}

type partitionState struct {
	values   []string
	location location.Location
	writer   *encoding.ParquetWriter
	fileSeq  int
	rows     int
	lastRow  int

	filesMu sync.Mutex
	files   []location.Location
}

// Write reads every row of the request source, writes them as parquet files
// grouped by partition and uploads them under the shadow location. Nothing
// outside the shadow location is modified. On failure the objects uploaded
// so far are deleted. At most Writer.maxOpenFiles files are open at once, the
// least recently written one is closed and uploaded to make room.
func (w *Writer) Write(ctx context.Context, req Request) (manifest Manifest, err error) {
	if err := req.validate(); err != nil {
		return Manifest{}, err
	}
	defer func() { _ = req.Source.Close() }()

	store, err := w.stores.StoreFor(req.Location)
	if err != nil {
		return Manifest{}, fmt.Errorf("resolving store: %w", err)
	}

	log := w.logger.Withn(
		logger.NewStringField("table", req.Table),
		logger.NewStringField("location", req.Location.String()),
	)
	start := time.Now()

	partitions := make(map[string]*partitionState)
	defer func() {
		if err != nil {
			w.cleanup(ctx, store, uploadedKeys(partitions), log)
		}
	}()

	tmpDir, err := os.MkdirTemp(w.config.tmpDir, "tableswap-write-*")
	if err != nil {
		return Manifest{}, fmt.Errorf("creating temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	keys := lo.Map(req.PartitionKeys, func(c catalog.Column, _ int) string { return c.Name })
	columns := lo.Map(req.Columns, func(c catalog.Column, _ int) encoding.Column {
		return encoding.Column{Name: c.Name, Type: c.Type}
	})

	uploadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(uploadCtx)
	g.SetLimit(w.config.uploadConcurrency)

	open := make(map[string]*partitionState)

	// rotate closes the open file of a partition and schedules its upload
	rotate := func(p *partitionState) error {
		pw := p.writer
		p.writer = nil
		delete(open, catalog.PartitionKey(p.values))
		if err := pw.Close(); err != nil {
			return fmt.Errorf("closing parquet file: %w", err)
		}
		filePath := pw.Path()
		g.Go(func() error {
			loc, err := w.upload(gCtx, store, filePath, p.location)
			if err != nil {
				return err
			}
			p.filesMu.Lock()
			p.files = append(p.files, loc)
			p.filesMu.Unlock()
			return nil
		})
		return nil
	}

	writeErr := func() error {
		for rowNum := 1; ; rowNum++ {
			if err := gCtx.Err(); err != nil {
				return err
			}

			row, err := req.Source.Next(gCtx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return fmt.Errorf("reading row %d: %w", rowNum, err)
			}

			values, err := partitionValues(row, keys)
			if err != nil {
				return fmt.Errorf("row %d: %w", rowNum, err)
			}

			key := catalog.PartitionKey(values)
			p, ok := partitions[key]
			if !ok {
				p = &partitionState{values: values, location: req.Location}
				if len(keys) > 0 {
					if p.location, err = location.PartitionPath(req.Location, keys, values); err != nil {
						return fmt.Errorf("row %d: %w", rowNum, err)
					}
				}
				partitions[key] = p
			}

			if p.writer == nil {
				if len(open) >= w.config.maxOpenFiles {
					if err := rotate(leastRecentlyWritten(open)); err != nil {
						return err
					}
				}
				fileName := fmt.Sprintf("part-%05d-%s.parquet", p.fileSeq, uuid.New().String())
				p.fileSeq++
				if p.writer, err = encoding.NewParquetWriter(filepath.Join(tmpDir, fileName), columns, w.config.parallelWriters); err != nil {
					return fmt.Errorf("creating parquet file: %w", err)
				}
				p.writer.SetRowGroupSize(w.config.rowGroupSize)
				open[key] = p
			}
			p.lastRow = rowNum

			if err := p.writer.WriteRow(lo.Map(columns, func(c encoding.Column, _ int) any { return row[c.Name] })); err != nil {
				return fmt.Errorf("row %d: %w", rowNum, err)
			}
			p.rows++

			if p.writer.Rows() >= w.config.maxRowsPerFile {
				if err := rotate(p); err != nil {
					return err
				}
			}
		}

		for _, p := range open {
			if err := rotate(p); err != nil {
				return err
			}
		}
		return nil
	}()
	if writeErr != nil {
		cancel()
		for _, p := range open {
			_ = p.writer.Close()
		}
	}
	waitErr := g.Wait()
	if waitErr != nil && (writeErr == nil || (ctx.Err() == nil && errors.Is(writeErr, context.Canceled))) {
		// a failed upload cancels the read loop, report the upload error instead
		writeErr = fmt.Errorf("uploading: %w", waitErr)
	}
	if writeErr != nil {
		return Manifest{}, writeErr
	}

	manifest = buildManifest(req.Location, partitions)
	if len(keys) == 0 && len(manifest.Partitions) == 0 {
		manifest.Partitions = []PartitionManifest{{Location: req.Location}}
	}

	w.statsFactory.NewTaggedStat("tableswap_rows_written", stats.CountType, stats.Tags{"table": req.Table}).Count(manifest.Rows)
	w.statsFactory.NewTaggedStat("tableswap_files_uploaded", stats.CountType, stats.Tags{"table": req.Table}).Count(manifest.Files())

	log.Infon("Wrote shadow location",
		logger.NewIntField("rows", int64(manifest.Rows)),
		logger.NewIntField("partitions", int64(len(manifest.Partitions))),
		logger.NewIntField("files", int64(manifest.Files())),
		logger.NewDurationField("duration", time.Since(start)),
	)
	return manifest, nil
}

func (w *Writer) upload(ctx context.Context, store *objectstorage.Store, filePath string, dst location.Location) (location.Location, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return location.Location{}, fmt.Errorf("opening %s: %w", filePath, err)
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(filePath)
	}()

	return store.Upload(ctx, f, dst.Prefix())
}

// cleanup removes the objects this write uploaded. Objects of other writers
// under the same location are left alone. It runs even if ctx was cancelled.
func (w *Writer) cleanup(ctx context.Context, store *objectstorage.Store, keys []string, log logger.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.config.cleanupTimeout)
	defer cancel()

	deleted, err := store.Delete(ctx, keys)
	if err != nil {
		log.Warnn("Cleaning up shadow location", obskit.Error(err))
		return
	}
	log.Infon("Cleaned up shadow location", logger.NewIntField("objects", int64(deleted)))
}

// uploadedKeys must only be called once no upload is in flight.
func uploadedKeys(partitions map[string]*partitionState) []string {
	var keys []string
	for _, p := range partitions {
		for _, f := range p.files {
			keys = append(keys, f.Key)
		}
	}
	return keys
}

func leastRecentlyWritten(open map[string]*partitionState) *partitionState {
	var lru *partitionState
	for _, p := range open {
		if lru == nil || p.lastRow < lru.lastRow {
			lru = p
		}
	}
	return lru
}

func partitionValues(row map[string]any, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	values := make([]string, len(keys))
	for i, k := range keys {
		v, ok := row[k]
		if !ok || v == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingPartitionValue, k)
		}
		s, err := cast.ToStringE(v)
		if err != nil {
			return nil, fmt.Errorf("partition key %s: %w", k, err)
		}
		if s == "" {
			return nil, fmt.Errorf("%w: %s is empty", ErrMissingPartitionValue, k)
		}
		values[i] = s
	}
	return values, nil
}

func buildManifest(loc location.Location, partitions map[string]*partitionState) Manifest {
	manifest := Manifest{Location: loc}

	keys := lo.Keys(partitions)
	sort.Strings(keys)
	for _, k := range keys {
		p := partitions[k]
		files := append([]location.Location(nil), p.files...)
		sort.Slice(files, func(i, j int) bool { return files[i].Key < files[j].Key })

		manifest.Partitions = append(manifest.Partitions, PartitionManifest{
			Values:   p.values,
			Location: p.location,
			Files:    files,
			Rows:     p.rows,
		})
		manifest.Rows += p.rows
	}
	return manifest
}

// isDataObject excludes folder markers and hidden files such as _SUCCESS.
func isDataObject(key string) bool {
	if strings.HasSuffix(key, "/") || strings.HasSuffix(key, "_$folder$") {
		return false
	}
	base := key[strings.LastIndex(key, "/")+1:]
	return !strings.HasPrefix(base, "_") && !strings.HasPrefix(base, ".")
}
