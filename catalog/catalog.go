// Package catalog reads and writes table metadata in a data catalog.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDatabaseNotFound       = errors.New("database not found")
	ErrTableNotFound          = errors.New("table not found")
	ErrTableExists            = errors.New("table already exists")
	ErrConcurrentModification = errors.New("concurrent modification")
)

// Catalog is the set of metadata operations needed to publish new table data.
type Catalog interface {
	GetDatabase(ctx context.Context, database string) (Database, error)

	GetTable(ctx context.Context, database, name string) (Table, error)
	CreateTable(ctx context.Context, table Table) error
	// UpdateTable replaces the table definition. A non-empty expectedVersionID
	// makes the update fail with ErrConcurrentModification if the table was
	// changed since it was read.
	UpdateTable(ctx context.Context, table Table, expectedVersionID string) error
	DeleteTable(ctx context.Context, database, name string) error

	GetPartitions(ctx context.Context, database, table string) ([]Partition, error)
	CreatePartitions(ctx context.Context, database, table string, partitions []Partition) error
	// UpdatePartitions rewrites existing partitions, matched by their values.
	UpdatePartitions(ctx context.Context, database, table string, partitions []Partition) error
	DeletePartitions(ctx context.Context, database, table string, values [][]string) error
}

// PartitionFailure is a single failed entry of a batch partition operation.
type PartitionFailure struct {
	Values  []string
	Code    string
	Message string
}

// BatchError is returned when some entries of a batch partition operation
// were rejected by the catalog.
type BatchError struct {
	Operation string
	Failures  []PartitionFailure
}

func (e *BatchError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %d partition(s) failed", e.Operation, len(e.Failures))
	for i, f := range e.Failures {
		if i == 3 {
			fmt.Fprintf(&sb, ", ...")
			break
		}
		fmt.Fprintf(&sb, "; %v: %s: %s", f.Values, f.Code, f.Message)
	}
	return sb.String()
}

func (e *BatchError) add(operation string, failures ...PartitionFailure) {
	e.Operation = operation
	e.Failures = append(e.Failures, failures...)
}

func (e *BatchError) errOrNil() error {
	if e == nil || len(e.Failures) == 0 {
		return nil
	}
	return e
}
