// Package swap overwrites catalog tables by writing new data into a shadow
// location and repointing the table and its partitions at it.
package swap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/samber/lo"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	kitsync "github.com/rudderlabs/rudder-go-kit/sync"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/rudderlabs/glue-table-swap/catalog"
	"github.com/rudderlabs/glue-table-swap/location"
	"github.com/rudderlabs/glue-table-swap/writer"
)

var (
	ErrVersionNotFound      = errors.New("version not found")
	ErrNoBaseLocation       = errors.New("no base location")
	ErrLocationOverlap      = errors.New("shadow base overlaps the published location")
	ErrPartitionKeysChanged = errors.New("partition keys changed")
	ErrInvalidRequest       = errors.New("invalid overwrite request")
	ErrFormatMismatch       = errors.New("storage format mismatch")
)

// Stage names the step of an overwrite that failed.
type Stage string

const (
	StageResolve   Stage = "resolve"
	StageAllocate  Stage = "allocate"
	StageWrite     Stage = "write"
	StageValidate  Stage = "validate"
	StagePublish   Stage = "publish"
	StageRetention Stage = "retention"
)

// StageError reports the stage an overwrite or rollback failed in. Failures
// before StagePublish leave the catalog untouched.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// TableRef names a catalog table.
type TableRef struct {
	Database string
	Name     string
}

func (r TableRef) String() string {
	return r.Database + "." + r.Name
}

type OverwriteRequest struct {
	Database string
	Table    string

	// Columns replaces the data columns of the table. Empty keeps the columns
	// of the existing table, or of SourceTable when copying.
	Columns []catalog.Column
	// PartitionKeys is only used when the table does not exist yet. Existing
	// tables keep their partition keys.
	PartitionKeys []catalog.Column

	// Exactly one of Source and SourceTable must be set.
	Source      writer.RowSource
	SourceTable *TableRef

	Validators []Validator
}

func (r OverwriteRequest) validate() error {
	if r.Database == "" || r.Table == "" {
		return fmt.Errorf("%w: database and table are required", ErrInvalidRequest)
	}
	if (r.Source == nil) == (r.SourceTable == nil) {
		return fmt.Errorf("%w: exactly one of rows source and source table must be set", ErrInvalidRequest)
	}
	return nil
}

// Result summarises a published overwrite or rollback.
type Result struct {
	Database         string `json:"database"`
	Table            string `json:"table"`
	Created          bool   `json:"created"`
	PreviousLocation string `json:"previousLocation,omitempty"`
	Location         string `json:"location"`
	Version          int    `json:"version"`

	PartitionsCreated int   `json:"partitionsCreated"`
	PartitionsUpdated int   `json:"partitionsUpdated"`
	PartitionsDeleted int   `json:"partitionsDeleted"`
	Rows              int   `json:"rows"`
	Files             int   `json:"files"`
	VersionsDeleted   []int `json:"versionsDeleted,omitempty"`

	Duration time.Duration `json:"duration"`
}

type Swapper struct {
	catalog      catalog.Catalog
	writer       *writer.Writer
	stores       writer.Stores
	locker       *kitsync.PartitionLocker
	logger       logger.Logger
	statsFactory stats.Stats
	now          func() time.Time
	// owner is written into claim markers
	owner string

	config struct {
		basePath          string
		stageTable        bool
		publishTableFirst bool
		retainVersions    int
		maxProbes         int
		cleanupTimeout    time.Duration
		claimTTL          time.Duration
	}
}

func New(
	cat catalog.Catalog,
	w *writer.Writer,
	stores writer.Stores,
	conf *config.Config,
	log logger.Logger,
	statsFactory stats.Stats,
) *Swapper {
	s := &Swapper{
		catalog:      cat,
		writer:       w,
		stores:       stores,
		locker:       kitsync.NewPartitionLocker(),
		logger:       log.Child("swap"),
		statsFactory: statsFactory,
		now:          time.Now,
	}
	s.config.basePath = conf.GetStringVar("", "Swap.basePath")
	s.config.stageTable = conf.GetBoolVar(true, "Swap.stageTable")
	s.config.publishTableFirst = conf.GetBoolVar(true, "Swap.publishTableFirst")
	s.config.retainVersions = conf.GetIntVar(0, 1, "Swap.retainVersions")
	s.config.maxProbes = conf.GetIntVar(location.DefaultMaxProbes, 1, "Swap.maxProbes")
	s.config.cleanupTimeout = conf.GetDurationVar(2, time.Minute, "Swap.cleanupTimeout")
	s.config.claimTTL = conf.GetDurationVar(24, time.Hour, "Swap.claimTTL")

	hostname, _ := os.Hostname()
	s.owner = fmt.Sprintf("%s/%d", hostname, os.Getpid())
	return s
}

// Overwrite replaces the data of a table. New data is written to a location no
// catalog entry references, optionally validated through a staging table, and
// then published by repointing the table and each of its partitions.
func (s *Swapper) Overwrite(ctx context.Context, req OverwriteRequest) (res Result, err error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}

	ref := TableRef{Database: req.Database, Name: req.Table}
	s.locker.Lock(ref.String())
	defer s.locker.Unlock(ref.String())

	start := s.now()
	log := s.logger.Withn(logger.NewStringField("table", ref.String()))

	defer func() {
		status := lo.Ternary(err == nil, "success", "failure")
		s.statsFactory.NewTaggedStat("tableswap_overwrites_total", stats.CountType, stats.Tags{"status": status}).Count(1)
		s.statsFactory.NewTaggedStat("tableswap_overwrite_duration_seconds", stats.TimerType, stats.Tags{"status": status}).Since(start)
		if err != nil {
			log.Errorn("Overwrite failed", obskit.Error(err))
		}
	}()

	current, exists, err := s.currentTable(ctx, ref)
	if err != nil {
		return Result{}, stageErr(StageResolve, err)
	}

	var source *writer.CatalogSource
	if req.SourceTable != nil {
		if source, err = s.catalogSource(ctx, *req.SourceTable); err != nil {
			return Result{}, stageErr(StageResolve, err)
		}
	}

	def, err := s.tableDefinition(req, current, exists, source)
	if err != nil {
		return Result{}, stageErr(StageResolve, err)
	}

	var oldPartitions []catalog.Partition
	if exists && current.IsPartitioned() {
		if oldPartitions, err = s.catalog.GetPartitions(ctx, ref.Database, ref.Name); err != nil {
			return Result{}, stageErr(StageResolve, err)
		}
	}

	shadow, marker, err := s.allocate(ctx, ref, current, exists, oldPartitions)
	if err != nil {
		return Result{}, stageErr(StageAllocate, err)
	}
	defer s.release(ctx, marker)
	def.StorageDescriptor = def.StorageDescriptor.WithLocation(shadow.String())
	log = log.Withn(logger.NewStringField("shadow", shadow.String()))
	log.Infon("Allocated shadow location")

	var manifest writer.Manifest
	if source != nil {
		manifest, err = s.writer.Copy(ctx, writer.CopyRequest{
			Table:         ref.String(),
			Location:      shadow,
			PartitionKeys: def.PartitionKeys,
			Source:        *source,
		})
	} else {
		manifest, err = s.writer.Write(ctx, writer.Request{
			Table:         ref.String(),
			Location:      shadow,
			Columns:       def.StorageDescriptor.Columns,
			PartitionKeys: def.PartitionKeys,
			Source:        req.Source,
		})
	}
	if err != nil {
		return Result{}, stageErr(StageWrite, err)
	}

	newPartitions := manifestPartitions(manifest, def.StorageDescriptor)

	if err := s.validate(ctx, def, newPartitions, manifest, req.Validators); err != nil {
		s.discardShadow(ctx, shadow, manifestKeys(manifest), log)
		return Result{}, stageErr(StageValidate, err)
	}
	if err := s.verifyExclusive(ctx, shadow, marker, manifest); err != nil {
		s.discardShadow(ctx, shadow, manifestKeys(manifest), log)
		return Result{}, stageErr(StageValidate, err)
	}

	res = Result{
		Database: ref.Database,
		Table:    ref.Name,
		Location: shadow.String(),
		Rows:     manifest.Rows,
		Files:    manifest.Files(),
	}
	res.Version, _ = location.Version(shadow)

	if !exists {
		res.Created = true
		if err := s.create(ctx, def, newPartitions); err != nil {
			return Result{}, stageErr(StagePublish, err)
		}
		res.PartitionsCreated = len(newPartitions)
	} else {
		res.PreviousLocation = current.StorageDescriptor.Location
		published, err := s.publish(ctx, def, current.VersionID, oldPartitions, newPartitions)
		if err != nil {
			return Result{}, stageErr(StagePublish, err)
		}
		res.PartitionsCreated, res.PartitionsUpdated, res.PartitionsDeleted = published.created, published.updated, published.deleted
	}

	if s.config.retainVersions > 0 {
		deleted, err := s.cleanup(ctx, ref, s.config.retainVersions)
		if err != nil {
			// the new data is already published
			log.Warnn("Removing old versions", obskit.Error(stageErr(StageRetention, err)))
		}
		res.VersionsDeleted = deleted.Versions
	}

	res.Duration = s.now().Sub(start)
	log.Infon("Overwrite published",
		logger.NewIntField("version", int64(res.Version)),
		logger.NewIntField("rows", int64(res.Rows)),
		logger.NewIntField("partitionsCreated", int64(res.PartitionsCreated)),
		logger.NewIntField("partitionsUpdated", int64(res.PartitionsUpdated)),
		logger.NewIntField("partitionsDeleted", int64(res.PartitionsDeleted)),
		logger.NewDurationField("duration", res.Duration),
	)
	return res, nil
}

func (s *Swapper) currentTable(ctx context.Context, ref TableRef) (catalog.Table, bool, error) {
	table, err := s.catalog.GetTable(ctx, ref.Database, ref.Name)
	if errors.Is(err, catalog.ErrTableNotFound) {
		return catalog.Table{}, false, nil
	}
	if err != nil {
		return catalog.Table{}, false, err
	}
	return table, true, nil
}

func (s *Swapper) catalogSource(ctx context.Context, ref TableRef) (*writer.CatalogSource, error) {
	table, err := s.catalog.GetTable(ctx, ref.Database, ref.Name)
	if err != nil {
		return nil, fmt.Errorf("source table: %w", err)
	}
	source := &writer.CatalogSource{Table: table}
	if table.IsPartitioned() {
		if source.Partitions, err = s.catalog.GetPartitions(ctx, ref.Database, ref.Name); err != nil {
			return nil, fmt.Errorf("source table partitions: %w", err)
		}
	}
	return source, nil
}

// tableDefinition returns the definition the table will have once published,
// without its location.
func (s *Swapper) tableDefinition(req OverwriteRequest, current catalog.Table, exists bool, source *writer.CatalogSource) (catalog.Table, error) {
	columns := req.Columns
	if len(columns) == 0 {
		switch {
		case source != nil:
			columns = source.Table.StorageDescriptor.Columns
		case exists:
			columns = current.StorageDescriptor.Columns
		}
	}
	if len(columns) == 0 {
		return catalog.Table{}, fmt.Errorf("%w: no columns for %s.%s", ErrInvalidRequest, req.Database, req.Table)
	}

	if exists {
		if len(req.PartitionKeys) > 0 && !samePartitionKeys(req.PartitionKeys, current.PartitionKeys) {
			return catalog.Table{}, fmt.Errorf("%w: table has %v, request has %v",
				ErrPartitionKeysChanged, current.PartitionKeyNames(), lo.Map(req.PartitionKeys, columnName))
		}
		// copied objects keep their format, written rows are parquet
		format := catalog.ParquetStorageDescriptor("", nil)
		if source != nil {
			format = source.Table.StorageDescriptor
		}
		if !current.StorageDescriptor.SameFormat(format) {
			return catalog.Table{}, fmt.Errorf("%w: %s is stored with %s, new data with %s",
				ErrFormatMismatch, current.QualifiedName(), current.StorageDescriptor.SerializationLibrary, format.SerializationLibrary)
		}
		def := current
		def.StorageDescriptor = current.StorageDescriptor.WithLocation("")
		def.StorageDescriptor.Columns = columns
		return def, nil
	}

	partitionKeys := req.PartitionKeys
	if len(partitionKeys) == 0 && source != nil {
		partitionKeys = source.Table.PartitionKeys
	}
	if source != nil {
		sd := source.Table.StorageDescriptor.WithLocation("")
		sd.Columns = columns
		params := map[string]string{"EXTERNAL": "TRUE"}
		if classification, ok := source.Table.Parameters[catalog.ClassificationParam]; ok {
			params[catalog.ClassificationParam] = classification
		}
		return catalog.Table{
			Database:          req.Database,
			Name:              req.Table,
			TableType:         catalog.ExternalTableType,
			Parameters:        params,
			PartitionKeys:     partitionKeys,
			StorageDescriptor: sd,
		}, nil
	}
	return catalog.Table{
		Database:          req.Database,
		Name:              req.Table,
		TableType:         catalog.ExternalTableType,
		Parameters:        map[string]string{"EXTERNAL": "TRUE", catalog.ClassificationParam: "parquet"},
		PartitionKeys:     partitionKeys,
		StorageDescriptor: catalog.ParquetStorageDescriptor("", columns),
	}, nil
}

func samePartitionKeys(a, b []catalog.Column) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name {
			return false
		}
	}
	return true
}

func columnName(c catalog.Column, _ int) string {
	return c.Name
}

// base is the location under which the versions of a table are written.
func (s *Swapper) base(ctx context.Context, ref TableRef, current catalog.Table, exists bool) (location.Location, error) {
	if exists {
		currentLoc, err := location.Parse(current.StorageDescriptor.Location)
		if err != nil {
			return location.Location{}, fmt.Errorf("current table location: %w", err)
		}
		if _, err := location.Version(currentLoc); err == nil {
			return location.Base(currentLoc), nil
		}
	}

	if s.config.basePath != "" {
		basePath, err := location.Parse(s.config.basePath)
		if err != nil {
			return location.Location{}, fmt.Errorf("base path: %w", err)
		}
		return basePath.Join(ref.Database, ref.Name), nil
	}

	db, err := s.catalog.GetDatabase(ctx, ref.Database)
	if err != nil {
		return location.Location{}, err
	}
	if db.LocationURI == "" {
		return location.Location{}, fmt.Errorf("%w: database %s has no location and no base path is configured", ErrNoBaseLocation, ref.Database)
	}
	dbLoc, err := location.Parse(db.LocationURI)
	if err != nil {
		return location.Location{}, fmt.Errorf("database location: %w", err)
	}
	return dbLoc.Join(ref.Name), nil
}

// allocate finds and claims the shadow location: the first version at or
// after the one following the current one that no catalog entry references,
// that holds no objects and that no other overwrite claimed first.
func (s *Swapper) allocate(
	ctx context.Context,
	ref TableRef,
	current catalog.Table,
	exists bool,
	partitions []catalog.Partition,
) (shadow, marker location.Location, err error) {
	base, err := s.base(ctx, ref, current, exists)
	if err != nil {
		return location.Location{}, location.Location{}, err
	}

	start := location.Initial(base)
	var referenced []location.Location
	if exists {
		currentLoc, err := location.Parse(current.StorageDescriptor.Location)
		if err != nil {
			return location.Location{}, location.Location{}, fmt.Errorf("current table location: %w", err)
		}
		if next, err := location.Next(currentLoc); err == nil {
			start = next
		} else if base.Overlaps(currentLoc) {
			return location.Location{}, location.Location{}, fmt.Errorf("%w: %s and %s, configure Swap.basePath", ErrLocationOverlap, base, currentLoc)
		}

		referenced = append(referenced, currentLoc)
		for _, p := range partitions {
			loc, err := location.Parse(p.StorageDescriptor.Location)
			if err != nil {
				return location.Location{}, location.Location{}, fmt.Errorf("partition %v location: %w", p.Values, err)
			}
			referenced = append(referenced, loc)
		}
	}

	store, err := s.stores.StoreFor(base)
	if err != nil {
		return location.Location{}, location.Location{}, err
	}

	shadow, err = location.Allocate(ctx, start, func(ctx context.Context, candidate location.Location) (bool, error) {
		for _, ref := range referenced {
			if candidate.Overlaps(ref) {
				return true, nil
			}
		}
		empty, err := store.IsEmpty(ctx, candidate.Prefix())
		if err != nil || !empty {
			return !empty, err
		}
		claimed, won, err := s.claim(ctx, store, candidate)
		if err != nil {
			return false, err
		}
		marker = claimed
		return !won, nil
	}, s.config.maxProbes)
	if err != nil {
		return location.Location{}, location.Location{}, err
	}
	return shadow, marker, nil
}

func (s *Swapper) create(ctx context.Context, def catalog.Table, partitions []catalog.Partition) error {
	if err := s.catalog.CreateTable(ctx, def); err != nil {
		return err
	}
	if len(partitions) == 0 {
		return nil
	}
	if err := s.catalog.CreatePartitions(ctx, def.Database, def.Name, partitions); err != nil {
		return err
	}
	s.statsFactory.NewTaggedStat("tableswap_partitions_published", stats.CountType, stats.Tags{"op": "create"}).Count(len(partitions))
	return nil
}

// discardShadow removes the unpublished objects of this overwrite. It runs
// even if ctx was cancelled.
func (s *Swapper) discardShadow(ctx context.Context, shadow location.Location, keys []string, log logger.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.cleanupTimeout)
	defer cancel()

	store, err := s.stores.StoreFor(shadow)
	if err == nil {
		_, err = store.Delete(ctx, keys)
	}
	if err != nil {
		log.Warnn("Discarding shadow location", obskit.Error(err))
	}
}

func manifestPartitions(m writer.Manifest, sd catalog.StorageDescriptor) []catalog.Partition {
	var partitions []catalog.Partition
	for _, p := range m.Partitions {
		if len(p.Values) == 0 {
			continue
		}
		partitions = append(partitions, catalog.Partition{
			Values:            p.Values,
			StorageDescriptor: sd.WithLocation(p.Location.String()),
		})
	}
	return partitions
}
