package swap

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/glue-table-swap/catalog"
	"github.com/rudderlabs/glue-table-swap/location"
)

// StoredVersion is a version_<n> directory found under the base location of a
// table.
type StoredVersion struct {
	Version    int    `json:"version"`
	Location   string `json:"location"`
	Objects    int    `json:"objects"`
	Referenced bool   `json:"referenced"`
	// Claimed is set while an overwrite is writing into the version.
	Claimed bool `json:"claimed"`
}

type Status struct {
	Database   string    `json:"database"`
	Table      string    `json:"table"`
	Location   string    `json:"location"`
	Version    int       `json:"version"` // -1 when the table location is not versioned
	VersionID  string    `json:"versionId"`
	UpdateTime time.Time `json:"updateTime"`
	Partitions int       `json:"partitions"`

	// PartitionsByVersion counts partitions per version root location.
	// Partitions outside any version are counted under their own location.
	PartitionsByVersion map[string]int  `json:"partitionsByVersion"`
	StoredVersions      []StoredVersion `json:"storedVersions"`
}

type CleanupResult struct {
	Versions []int `json:"versions"`
	Objects  int   `json:"objects"`
}

type tableState struct {
	table      catalog.Table
	partitions []catalog.Partition
	location   location.Location
	version    int
	base       location.Location
	versioned  bool
}

// referencedVersions returns the versions under the base location the table
// or any of its partitions point into.
func (ts tableState) referencedVersions() map[int]struct{} {
	referenced := make(map[int]struct{})
	if !ts.versioned {
		return referenced
	}
	referenced[ts.version] = struct{}{}
	for _, p := range ts.partitions {
		loc, err := location.Parse(p.StorageDescriptor.Location)
		if err != nil {
			continue
		}
		if root, ok := location.VersionRoot(loc); ok && location.Base(root) == ts.base {
			v, _ := location.Version(root)
			referenced[v] = struct{}{}
		}
	}
	return referenced
}

func (s *Swapper) tableState(ctx context.Context, ref TableRef) (tableState, error) {
	table, err := s.catalog.GetTable(ctx, ref.Database, ref.Name)
	if err != nil {
		return tableState{}, err
	}
	ts := tableState{table: table, version: -1}
	if table.IsPartitioned() {
		if ts.partitions, err = s.catalog.GetPartitions(ctx, ref.Database, ref.Name); err != nil {
			return tableState{}, err
		}
	}
	if ts.location, err = location.Parse(table.StorageDescriptor.Location); err != nil {
		return tableState{}, fmt.Errorf("table location: %w", err)
	}
	if v, err := location.Version(ts.location); err == nil {
		ts.version = v
		ts.versioned = true
		ts.base = location.Base(ts.location)
	}
	return ts, nil
}

// storedVersions lists the versions kept under the base location, newest
// first.
func (s *Swapper) storedVersions(ctx context.Context, ts tableState) ([]StoredVersion, error) {
	store, err := s.stores.StoreFor(ts.base)
	if err != nil {
		return nil, err
	}
	objects, err := store.List(ctx, ts.base.Prefix(), 0)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", ts.base, err)
	}

	counts := make(map[int]int)
	claimed := make(map[int]bool)
	now := s.now()
	for _, o := range objects {
		v, ok := location.VersionOfKey(ts.base, o.Key)
		if !ok {
			continue
		}
		counts[v]++
		if isLiveClaim(o, now, s.config.claimTTL) {
			claimed[v] = true
		}
	}

	referenced := ts.referencedVersions()
	versions := lo.Keys(counts)
	sort.Sort(sort.Reverse(sort.IntSlice(versions)))
	return lo.Map(versions, func(v, _ int) StoredVersion {
		_, ok := referenced[v]
		return StoredVersion{
			Version:    v,
			Location:   location.AtVersion(ts.base, v).String(),
			Objects:    counts[v],
			Referenced: ok,
			Claimed:    claimed[v],
		}
	}), nil
}

// Status describes where a table and its partitions point and which versions
// are stored next to the published one.
func (s *Swapper) Status(ctx context.Context, database, table string) (Status, error) {
	ts, err := s.tableState(ctx, TableRef{Database: database, Name: table})
	if err != nil {
		return Status{}, err
	}

	status := Status{
		Database:            database,
		Table:               table,
		Location:            ts.location.String(),
		Version:             ts.version,
		VersionID:           ts.table.VersionID,
		UpdateTime:          ts.table.UpdateTime,
		Partitions:          len(ts.partitions),
		PartitionsByVersion: make(map[string]int),
	}
	for _, p := range ts.partitions {
		root := p.StorageDescriptor.Location
		if loc, err := location.Parse(root); err == nil {
			if versionRoot, ok := location.VersionRoot(loc); ok {
				root = versionRoot.String()
			}
		}
		status.PartitionsByVersion[root]++
	}

	if ts.versioned {
		if status.StoredVersions, err = s.storedVersions(ctx, ts); err != nil {
			return Status{}, err
		}
	}
	return status, nil
}

// Cleanup deletes stored versions of a table, keeping the newest retain
// versions, every version the table or its partitions still reference and
// every version an overwrite is writing into.
func (s *Swapper) Cleanup(ctx context.Context, database, table string, retain int) (CleanupResult, error) {
	if retain < 1 {
		return CleanupResult{}, fmt.Errorf("%w: at least one version must be retained", ErrInvalidRequest)
	}
	ref := TableRef{Database: database, Name: table}
	s.locker.Lock(ref.String())
	defer s.locker.Unlock(ref.String())

	return s.cleanup(ctx, ref, retain)
}

func (s *Swapper) cleanup(ctx context.Context, ref TableRef, retain int) (CleanupResult, error) {
	var res CleanupResult

	ts, err := s.tableState(ctx, ref)
	if err != nil {
		return res, err
	}
	log := s.logger.Withn(logger.NewStringField("table", ref.String()))
	if !ts.versioned {
		log.Infon("Table location is not versioned, nothing to clean up")
		return res, nil
	}

	versions, err := s.storedVersions(ctx, ts)
	if err != nil {
		return res, err
	}

	store, err := s.stores.StoreFor(ts.base)
	if err != nil {
		return res, err
	}
	for i, v := range versions {
		if i < retain || v.Referenced || v.Claimed {
			continue
		}
		deleted, err := store.DeletePrefix(ctx, location.AtVersion(ts.base, v.Version).Prefix())
		res.Objects += deleted
		if err != nil {
			return res, fmt.Errorf("deleting version %d: %w", v.Version, err)
		}
		res.Versions = append(res.Versions, v.Version)
		log.Infon("Deleted version",
			logger.NewIntField("version", int64(v.Version)),
			logger.NewIntField("objects", int64(deleted)),
		)
	}

	s.statsFactory.NewTaggedStat("tableswap_versions_deleted", stats.CountType, stats.Tags{"table": ref.String()}).Count(len(res.Versions))
	return res, nil
}
