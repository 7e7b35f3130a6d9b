package swap

import (
	"context"
	"fmt"
	"sort"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/glue-table-swap/catalog"
)

type published struct {
	created int
	updated int
	deleted int
}

// partitionDiff splits the partitions of the new data into partitions to
// repoint in place and partitions to create, and lists the current partitions
// the new data no longer has.
func partitionDiff(current, next []catalog.Partition) (create, update []catalog.Partition, remove [][]string) {
	existing := make(map[string]catalog.Partition, len(current))
	for _, p := range current {
		existing[p.Key()] = p
	}

	for _, p := range next {
		old, ok := existing[p.Key()]
		if !ok {
			create = append(create, p)
			continue
		}
		delete(existing, p.Key())
		if len(p.Parameters) == 0 {
			p.Parameters = old.Parameters
		}
		update = append(update, p)
	}

	for _, p := range existing {
		remove = append(remove, p.Values)
	}
	sort.Slice(remove, func(i, j int) bool {
		return catalog.PartitionKey(remove[i]) < catalog.PartitionKey(remove[j])
	})
	return create, update, remove
}

// publish repoints an existing table at new data. Every catalog write moves a
// single entity, the table or one partition, from complete old data to
// complete new data. Partitions that disappear are deleted last, once the new
// data is fully reachable.
func (s *Swapper) publish(
	ctx context.Context,
	def catalog.Table,
	versionID string,
	current, next []catalog.Partition,
) (published, error) {
	var res published
	create, update, remove := partitionDiff(current, next)

	log := s.logger.Withn(
		logger.NewStringField("table", def.QualifiedName()),
		logger.NewStringField("location", def.StorageDescriptor.Location),
	)

	updateTable := func() error {
		if err := s.catalog.UpdateTable(ctx, def, versionID); err != nil {
			return fmt.Errorf("repointing table: %w", err)
		}
		log.Debugn("Repointed table")
		return nil
	}

	if s.config.publishTableFirst {
		if err := updateTable(); err != nil {
			return res, err
		}
	}

	if len(update) > 0 {
		if err := s.catalog.UpdatePartitions(ctx, def.Database, def.Name, update); err != nil {
			return res, fmt.Errorf("repointing partitions: %w", err)
		}
		res.updated = len(update)
		s.partitionsPublished("update", res.updated)
	}
	if len(create) > 0 {
		if err := s.catalog.CreatePartitions(ctx, def.Database, def.Name, create); err != nil {
			return res, fmt.Errorf("creating partitions: %w", err)
		}
		res.created = len(create)
		s.partitionsPublished("create", res.created)
	}

	if !s.config.publishTableFirst {
		if err := updateTable(); err != nil {
			return res, err
		}
	}

	if len(remove) > 0 {
		if err := s.catalog.DeletePartitions(ctx, def.Database, def.Name, remove); err != nil {
			return res, fmt.Errorf("deleting stale partitions: %w", err)
		}
		res.deleted = len(remove)
		s.partitionsPublished("delete", res.deleted)
	}

	log.Infon("Published",
		logger.NewIntField("partitionsCreated", int64(res.created)),
		logger.NewIntField("partitionsUpdated", int64(res.updated)),
		logger.NewIntField("partitionsDeleted", int64(res.deleted)),
	)
	return res, nil
}

func (s *Swapper) partitionsPublished(op string, n int) {
	s.statsFactory.NewTaggedStat("tableswap_partitions_published", stats.CountType, stats.Tags{"op": op}).Count(n)
}
