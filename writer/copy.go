package writer

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
	"golang.org/x/sync/errgroup"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/glue-table-swap/catalog"
	"github.com/rudderlabs/glue-table-swap/location"
	"github.com/rudderlabs/glue-table-swap/objectstorage"
)

// CatalogSource is an existing catalog table whose objects are copied
// unchanged.
type CatalogSource struct {
	Table      catalog.Table
	Partitions []catalog.Partition
}

type CopyRequest struct {
	Table         string
	Location      location.Location
	PartitionKeys []catalog.Column
	Source        CatalogSource
}

type copyTask struct {
	values []string
	src    location.Location
	dst    location.Location
}

// Copy copies the data objects of the source table into the shadow location,
// keeping each partition's relative layout. Row counts are read from the
// parquet footers when the source table stores parquet.
func (w *Writer) Copy(ctx context.Context, req CopyRequest) (manifest Manifest, err error) {
	if req.Location.IsZero() || req.Location.Key == "" {
		return Manifest{}, fmt.Errorf("%w: shadow location %q must be below the bucket root", ErrInvalidRequest, req.Location.String())
	}
	if got, want := len(req.Source.Table.PartitionKeys), len(req.PartitionKeys); got != want {
		return Manifest{}, fmt.Errorf("%w: source table %s has %d partition keys, target has %d",
			ErrInvalidRequest, req.Source.Table.QualifiedName(), got, want)
	}

	tasks, err := copyTasks(req)
	if err != nil {
		return Manifest{}, err
	}

	dstStore, err := w.stores.StoreFor(req.Location)
	if err != nil {
		return Manifest{}, fmt.Errorf("resolving store: %w", err)
	}

	log := w.logger.Withn(
		logger.NewStringField("table", req.Table),
		logger.NewStringField("source", req.Source.Table.QualifiedName()),
		logger.NewStringField("location", req.Location.String()),
	)
	start := time.Now()

	var mu sync.Mutex
	partitions := make(map[string]*partitionState)
	defer func() {
		if err != nil {
			w.cleanup(ctx, dstStore, uploadedKeys(partitions), log)
		}
	}()

	tmpDir, err := os.MkdirTemp(w.config.tmpDir, "tableswap-copy-*")
	if err != nil {
		return Manifest{}, fmt.Errorf("creating temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	countRows := req.Source.Table.StorageDescriptor.InputFormat == catalog.ParquetInputFormat

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(w.config.uploadConcurrency)

	listErr := func() error {
		for _, task := range tasks {
			if err := w.scheduleCopy(gCtx, g, &mu, partitions, task, dstStore, tmpDir, countRows); err != nil {
				return err
			}
		}
		return nil
	}()
	waitErr := g.Wait()
	if listErr != nil {
		return Manifest{}, listErr
	}
	if waitErr != nil {
		return Manifest{}, fmt.Errorf("copying: %w", waitErr)
	}

	manifest = buildManifest(req.Location, partitions)

	w.statsFactory.NewTaggedStat("tableswap_rows_written", stats.CountType, stats.Tags{"table": req.Table}).Count(manifest.Rows)
	w.statsFactory.NewTaggedStat("tableswap_files_uploaded", stats.CountType, stats.Tags{"table": req.Table}).Count(manifest.Files())

	log.Infon("Copied source table into shadow location",
		logger.NewIntField("rows", int64(manifest.Rows)),
		logger.NewIntField("partitions", int64(len(manifest.Partitions))),
		logger.NewIntField("files", int64(manifest.Files())),
		logger.NewDurationField("duration", time.Since(start)),
	)
	return manifest, nil
}

// scheduleCopy lists the objects of one source location and schedules their
// copies on g.
func (w *Writer) scheduleCopy(
	ctx context.Context,
	g *errgroup.Group,
	mu *sync.Mutex,
	partitions map[string]*partitionState,
	task copyTask,
	dstStore *objectstorage.Store,
	tmpDir string,
	countRows bool,
) error {
	srcStore, err := w.stores.StoreFor(task.src)
	if err != nil {
		return fmt.Errorf("resolving store: %w", err)
	}
	objects, err := srcStore.List(ctx, task.src.Prefix(), 0)
	if err != nil {
		return fmt.Errorf("listing %s: %w", task.src.String(), err)
	}

	p := &partitionState{values: task.values, location: task.dst}
	mu.Lock()
	partitions[catalog.PartitionKey(task.values)] = p
	mu.Unlock()

	for _, object := range objects {
		if !isDataObject(object.Key) {
			continue
		}
		rel := strings.TrimPrefix(object.Key, task.src.Prefix())
		dstDir := task.dst
		if dir := path.Dir(rel); dir != "." {
			dstDir = task.dst.Join(dir)
		}
		key := object.Key

		g.Go(func() error {
			loc, rows, err := w.copyObject(ctx, srcStore, dstStore, key, dstDir, tmpDir, countRows)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			p.files = append(p.files, loc)
			p.rows += rows
			return nil
		})
	}
	return nil
}

func copyTasks(req CopyRequest) ([]copyTask, error) {
	if !req.Source.Table.IsPartitioned() {
		src, err := location.Parse(req.Source.Table.StorageDescriptor.Location)
		if err != nil {
			return nil, fmt.Errorf("source table location: %w", err)
		}
		return []copyTask{{src: src, dst: req.Location}}, nil
	}

	keys := lo.Map(req.PartitionKeys, func(c catalog.Column, _ int) string { return c.Name })
	tasks := make([]copyTask, 0, len(req.Source.Partitions))
	for _, p := range req.Source.Partitions {
		src, err := location.Parse(p.StorageDescriptor.Location)
		if err != nil {
			return nil, fmt.Errorf("source partition %v location: %w", p.Values, err)
		}
		dst, err := location.PartitionPath(req.Location, keys, p.Values)
		if err != nil {
			return nil, fmt.Errorf("source partition %v: %w", p.Values, err)
		}
		tasks = append(tasks, copyTask{values: p.Values, src: src, dst: dst})
	}
	return tasks, nil
}

func (w *Writer) copyObject(
	ctx context.Context,
	srcStore, dstStore *objectstorage.Store,
	key string,
	dst location.Location,
	tmpDir string,
	countRows bool,
) (location.Location, int, error) {
	dir, err := os.MkdirTemp(tmpDir, "object-*")
	if err != nil {
		return location.Location{}, 0, fmt.Errorf("creating temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	f, err := os.Create(filepath.Join(dir, path.Base(key)))
	if err != nil {
		return location.Location{}, 0, fmt.Errorf("creating temp file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := srcStore.Download(ctx, key, f); err != nil {
		return location.Location{}, 0, err
	}

	var rows int
	if countRows {
		if rows, err = parquetRowCount(f.Name()); err != nil {
			return location.Location{}, 0, fmt.Errorf("reading parquet footer of %s: %w", key, err)
		}
	}

	upload, err := os.Open(f.Name())
	if err != nil {
		return location.Location{}, 0, fmt.Errorf("reopening %s: %w", f.Name(), err)
	}
	defer func() { _ = upload.Close() }()

	loc, err := dstStore.Upload(ctx, upload, dst.Prefix())
	if err != nil {
		return location.Location{}, 0, err
	}
	return loc, rows, nil
}

func parquetRowCount(filePath string) (int, error) {
	f, err := local.NewLocalFileReader(filePath)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	pr, err := reader.NewParquetReader(f, nil, 1)
	if err != nil {
		return 0, err
	}
	defer pr.ReadStop()

	return int(pr.GetNumRows()), nil
}

// Discover rebuilds the manifest of data already stored under loc from the
// object keys, parsing partition values from the Hive style paths. Row counts
// are not known and left at zero.
func (w *Writer) Discover(ctx context.Context, loc location.Location, partitionKeys []catalog.Column) (Manifest, error) {
	store, err := w.stores.StoreFor(loc)
	if err != nil {
		return Manifest{}, fmt.Errorf("resolving store: %w", err)
	}
	objects, err := store.List(ctx, loc.Prefix(), 0)
	if err != nil {
		return Manifest{}, fmt.Errorf("listing %s: %w", loc.String(), err)
	}

	keys := lo.Map(partitionKeys, func(c catalog.Column, _ int) string { return c.Name })
	partitions := make(map[string]*partitionState)
	for _, object := range objects {
		if !isDataObject(object.Key) {
			continue
		}

		var values []string
		partitionLoc := loc
		if len(keys) > 0 {
			if values, err = location.ParsePartitionPath(loc, object.Key, keys); err != nil {
				w.logger.Warnn("Skipping object outside the partition layout",
					logger.NewStringField("key", object.Key),
					logger.NewStringField("location", loc.String()),
				)
				continue
			}
			if partitionLoc, err = location.PartitionPath(loc, keys, values); err != nil {
				return Manifest{}, err
			}
		}

		pk := catalog.PartitionKey(values)
		p, ok := partitions[pk]
		if !ok {
			p = &partitionState{values: values, location: partitionLoc}
			partitions[pk] = p
		}
		p.files = append(p.files, location.Location{Bucket: loc.Bucket, Key: object.Key})
	}
	return buildManifest(loc, partitions), nil
}
