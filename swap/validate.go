package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rudderlabs/rudder-go-kit/logger"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/rudderlabs/glue-table-swap/catalog"
	"github.com/rudderlabs/glue-table-swap/writer"
)

var ErrValidation = errors.New("validation failed")

// Validator inspects written data before it is published. staging is the
// temporary table registered over the shadow location when staging tables are
// enabled, otherwise the unregistered definition the table will be published
// with.
type Validator func(ctx context.Context, staging catalog.Table, m writer.Manifest) error

// RowCountValidator rejects overwrites with fewer than minRows rows.
func RowCountValidator(minRows int) Validator {
	return func(_ context.Context, staging catalog.Table, m writer.Manifest) error {
		if m.Rows < minRows {
			return fmt.Errorf("%w: %s has %d rows, expected at least %d", ErrValidation, staging.QualifiedName(), m.Rows, minRows)
		}
		return nil
	}
}

// StagingTableName is the name of the temporary table exposing the shadow
// data of table before it is published.
func StagingTableName(table string, now time.Time) string {
	return fmt.Sprintf("%s_version_tmp_%s", table, now.UTC().Format("200601021504"))
}

func (s *Swapper) validate(
	ctx context.Context,
	def catalog.Table,
	partitions []catalog.Partition,
	m writer.Manifest,
	validators []Validator,
) (err error) {
	if !s.config.stageTable {
		return runValidators(ctx, def, m, validators)
	}

	staging := def
	staging.Name = StagingTableName(def.Name, s.now())
	staging.VersionID = ""
	staging.Description = fmt.Sprintf("staging table for %s", def.QualifiedName())

	log := s.logger.Withn(logger.NewStringField("stagingTable", staging.QualifiedName()))

	if err := s.catalog.CreateTable(ctx, staging); err != nil {
		return fmt.Errorf("creating staging table: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.cleanupTimeout)
		defer cancel()

		if deleteErr := s.catalog.DeleteTable(ctx, staging.Database, staging.Name); deleteErr != nil {
			log.Warnn("Deleting staging table", obskit.Error(deleteErr))
		}
	}()

	if len(partitions) > 0 {
		if err := s.catalog.CreatePartitions(ctx, staging.Database, staging.Name, partitions); err != nil {
			return fmt.Errorf("creating staging partitions: %w", err)
		}
	}

	log.Infon("Registered staging table", logger.NewIntField("partitions", int64(len(partitions))))
	return runValidators(ctx, staging, m, validators)
}

func runValidators(ctx context.Context, table catalog.Table, m writer.Manifest, validators []Validator) error {
	for _, v := range validators {
		if err := v(ctx, table, m); err != nil {
			return err
		}
	}
	return nil
}
