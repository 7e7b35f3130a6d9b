package swap

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/rudderlabs/glue-table-swap/location"
)

// Rollback repoints a table at a version still stored under its base
// location. A negative version selects the newest stored version older than
// the published one.
func (s *Swapper) Rollback(ctx context.Context, database, table string, version int) (res Result, err error) {
	ref := TableRef{Database: database, Name: table}
	s.locker.Lock(ref.String())
	defer s.locker.Unlock(ref.String())

	start := s.now()
	log := s.logger.Withn(logger.NewStringField("table", ref.String()))

	defer func() {
		status := lo.Ternary(err == nil, "success", "failure")
		s.statsFactory.NewTaggedStat("tableswap_rollbacks_total", stats.CountType, stats.Tags{"status": status}).Count(1)
		if err != nil {
			log.Errorn("Rollback failed", obskit.Error(err))
		}
	}()

	ts, err := s.tableState(ctx, ref)
	if err != nil {
		return Result{}, stageErr(StageResolve, err)
	}
	if !ts.versioned {
		return Result{}, stageErr(StageResolve, fmt.Errorf("%w: %s", location.ErrNotVersioned, ts.location))
	}

	versions, err := s.storedVersions(ctx, ts)
	if err != nil {
		return Result{}, stageErr(StageResolve, err)
	}
	target := version
	if target < 0 {
		if target, err = previousVersion(ts, versions); err != nil {
			return Result{}, stageErr(StageResolve, err)
		}
	}
	if target == ts.version {
		return Result{}, stageErr(StageResolve, fmt.Errorf("%w: version %d is already published", ErrInvalidRequest, target))
	}
	if v, ok := lo.Find(versions, func(v StoredVersion) bool { return v.Version == target }); ok && v.Claimed {
		return Result{}, stageErr(StageResolve, fmt.Errorf("%w: version %d is being written by an overwrite", ErrInvalidRequest, target))
	}

	targetLoc := location.AtVersion(ts.base, target)
	manifest, err := s.writer.Discover(ctx, targetLoc, ts.table.PartitionKeys)
	if err != nil {
		return Result{}, stageErr(StageResolve, err)
	}
	if manifest.Files() == 0 {
		return Result{}, stageErr(StageResolve, fmt.Errorf("%w: no data under %s", ErrVersionNotFound, targetLoc))
	}

	def := ts.table
	def.StorageDescriptor = def.StorageDescriptor.WithLocation(targetLoc.String())
	newPartitions := manifestPartitions(manifest, def.StorageDescriptor)

	published, err := s.publish(ctx, def, ts.table.VersionID, ts.partitions, newPartitions)
	if err != nil {
		return Result{}, stageErr(StagePublish, err)
	}

	res = Result{
		Database:          database,
		Table:             table,
		PreviousLocation:  ts.location.String(),
		Location:          targetLoc.String(),
		Version:           target,
		PartitionsCreated: published.created,
		PartitionsUpdated: published.updated,
		PartitionsDeleted: published.deleted,
		Files:             manifest.Files(),
		Duration:          s.now().Sub(start),
	}
	log.Infon("Rolled back",
		logger.NewIntField("version", int64(target)),
		logger.NewStringField("previousLocation", res.PreviousLocation),
	)
	return res, nil
}

func previousVersion(ts tableState, versions []StoredVersion) (int, error) {
	for _, v := range versions {
		if v.Version < ts.version && !v.Claimed {
			return v.Version, nil
		}
	}
	return 0, fmt.Errorf("%w: no version older than %d under %s", ErrVersionNotFound, ts.version, ts.base)
}
