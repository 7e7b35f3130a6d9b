package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/glue"
	"github.com/aws/aws-sdk-go/service/glue/glueiface"
	"github.com/cenkalti/backoff/v4"
	"github.com/samber/lo"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"
)

// glue service limits for batch partition APIs
const (
	maxBatchCreatePartitions = 100
	maxBatchUpdatePartitions = 100
	maxBatchDeletePartitions = 25
)

// Glue is a Catalog backed by the AWS Glue Data Catalog.
type Glue struct {
	client       glueiface.GlueAPI
	logger       logger.Logger
	statsFactory stats.Stats

	config struct {
		pageSize             int
		maxRetries           int
		skipArchive          bool
		retryInitialInterval time.Duration
		retryMaxInterval     time.Duration
	}
}

func NewGlue(client glueiface.GlueAPI, conf *config.Config, log logger.Logger, statsFactory stats.Stats) *Glue {
	g := &Glue{
		client:       client,
		logger:       log.Child("catalog").Child("glue"),
		statsFactory: statsFactory,
	}
	g.config.pageSize = conf.GetIntVar(100, 1, "Catalog.pageSize")
	g.config.maxRetries = conf.GetIntVar(5, 1, "Catalog.maxRetries")
	g.config.skipArchive = conf.GetBoolVar(false, "Catalog.skipArchive")
	g.config.retryInitialInterval = conf.GetDurationVar(200, time.Millisecond, "Catalog.retryInitialInterval")
	g.config.retryMaxInterval = conf.GetDurationVar(10, time.Second, "Catalog.retryMaxInterval")
	return g
}

func (g *Glue) GetDatabase(ctx context.Context, database string) (Database, error) {
	var output *glue.GetDatabaseOutput
	err := g.retry(ctx, "get_database", func() (err error) {
		output, err = g.client.GetDatabaseWithContext(ctx, &glue.GetDatabaseInput{
			Name: aws.String(database),
		})
		return err
	})
	if err != nil {
		return Database{}, fmt.Errorf("get database %s: %w", database, mapError(err, ErrDatabaseNotFound))
	}
	return Database{
		Name:        aws.StringValue(output.Database.Name),
		LocationURI: aws.StringValue(output.Database.LocationUri),
	}, nil
}

func (g *Glue) GetTable(ctx context.Context, database, name string) (Table, error) {
	var output *glue.GetTableOutput
	err := g.retry(ctx, "get_table", func() (err error) {
		output, err = g.client.GetTableWithContext(ctx, &glue.GetTableInput{
			DatabaseName: aws.String(database),
			Name:         aws.String(name),
		})
		return err
	})
	if err != nil {
		return Table{}, fmt.Errorf("get table %s.%s: %w", database, name, mapError(err, ErrTableNotFound))
	}
	return fromTableData(output.Table), nil
}

func (g *Glue) CreateTable(ctx context.Context, table Table) error {
	err := g.retry(ctx, "create_table", func() error {
		_, err := g.client.CreateTableWithContext(ctx, &glue.CreateTableInput{
			DatabaseName: aws.String(table.Database),
			TableInput:   toTableInput(table),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("create table %s: %w", table.QualifiedName(), mapError(err, ErrDatabaseNotFound))
	}
	return nil
}

func (g *Glue) UpdateTable(ctx context.Context, table Table, expectedVersionID string) error {
	input := &glue.UpdateTableInput{
		DatabaseName: aws.String(table.Database),
		TableInput:   toTableInput(table),
		SkipArchive:  aws.Bool(g.config.skipArchive),
	}
	if expectedVersionID != "" {
		input.VersionId = aws.String(expectedVersionID)
	}

	var attempts int
	err := g.retry(ctx, "update_table", func() error {
		attempts++
		_, err := g.client.UpdateTableWithContext(ctx, input)
		return err
	})
	if err != nil && attempts > 1 && g.updateCommitted(ctx, table, err) {
		g.logger.Warnn("Table update committed by an earlier attempt",
			logger.NewStringField("table", table.QualifiedName()),
			obskit.Error(err),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("update table %s: %w", table.QualifiedName(), mapError(err, ErrTableNotFound))
	}
	return nil
}

// updateCommitted reports whether a retried update that failed on the version
// check had already been applied by an attempt whose response was lost.
func (g *Glue) updateCommitted(ctx context.Context, table Table, err error) bool {
	var concurrent *glue.ConcurrentModificationException
	if !errors.As(err, &concurrent) {
		return false
	}
	current, getErr := g.GetTable(ctx, table.Database, table.Name)
	if getErr != nil {
		return false
	}
	return current.StorageDescriptor.Location == table.StorageDescriptor.Location
}

func (g *Glue) DeleteTable(ctx context.Context, database, name string) error {
	err := g.retry(ctx, "delete_table", func() error {
		_, err := g.client.DeleteTableWithContext(ctx, &glue.DeleteTableInput{
			DatabaseName: aws.String(database),
			Name:         aws.String(name),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("delete table %s.%s: %w", database, name, mapError(err, ErrTableNotFound))
	}
	return nil
}

func (g *Glue) GetPartitions(ctx context.Context, database, table string) ([]Partition, error) {
	var (
		partitions []Partition
		nextToken  *string
	)
	for {
		input := &glue.GetPartitionsInput{
			DatabaseName: aws.String(database),
			TableName:    aws.String(table),
			MaxResults:   aws.Int64(int64(g.config.pageSize)),
			// add nextToken to the request if there are multiple list segments
			NextToken: nextToken,
		}

		var output *glue.GetPartitionsOutput
		err := g.retry(ctx, "get_partitions", func() (err error) {
			output, err = g.client.GetPartitionsWithContext(ctx, input)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("get partitions %s.%s: %w", database, table, mapError(err, ErrTableNotFound))
		}

		for _, p := range output.Partitions {
			partitions = append(partitions, fromPartition(p))
		}

		if aws.StringValue(output.NextToken) == "" {
			break
		}
		nextToken = output.NextToken
	}
	return partitions, nil
}

func (g *Glue) CreatePartitions(ctx context.Context, database, table string, partitions []Partition) error {
	batchErr := &BatchError{}
	for _, chunk := range lo.Chunk(partitions, maxBatchCreatePartitions) {
		var output *glue.BatchCreatePartitionOutput
		err := g.retry(ctx, "batch_create_partition", func() (err error) {
			output, err = g.client.BatchCreatePartitionWithContext(ctx, &glue.BatchCreatePartitionInput{
				DatabaseName: aws.String(database),
				TableName:    aws.String(table),
				PartitionInputList: lo.Map(chunk, func(p Partition, _ int) *glue.PartitionInput {
					return toPartitionInput(p)
				}),
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("batch create partitions %s.%s: %w", database, table, mapError(err, ErrTableNotFound))
		}
		batchErr.add("batch create partitions", lo.Map(output.Errors, fromPartitionError)...)
	}
	return batchErr.errOrNil()
}

func (g *Glue) UpdatePartitions(ctx context.Context, database, table string, partitions []Partition) error {
	batchErr := &BatchError{}
	for _, chunk := range lo.Chunk(partitions, maxBatchUpdatePartitions) {
		var output *glue.BatchUpdatePartitionOutput
		err := g.retry(ctx, "batch_update_partition", func() (err error) {
			output, err = g.client.BatchUpdatePartitionWithContext(ctx, &glue.BatchUpdatePartitionInput{
				DatabaseName: aws.String(database),
				TableName:    aws.String(table),
				Entries: lo.Map(chunk, func(p Partition, _ int) *glue.BatchUpdatePartitionRequestEntry {
					return &glue.BatchUpdatePartitionRequestEntry{
						PartitionValueList: aws.StringSlice(p.Values),
						PartitionInput:     toPartitionInput(p),
					}
				}),
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("batch update partitions %s.%s: %w", database, table, mapError(err, ErrTableNotFound))
		}
		batchErr.add("batch update partitions", lo.Map(output.Errors, func(e *glue.BatchUpdatePartitionFailureEntry, _ int) PartitionFailure {
			return fromPartitionError(&glue.PartitionError{
				PartitionValues: e.PartitionValueList,
				ErrorDetail:     e.ErrorDetail,
			}, 0)
		})...)
	}
	return batchErr.errOrNil()
}

func (g *Glue) DeletePartitions(ctx context.Context, database, table string, values [][]string) error {
	batchErr := &BatchError{}
	for _, chunk := range lo.Chunk(values, maxBatchDeletePartitions) {
		var output *glue.BatchDeletePartitionOutput
		err := g.retry(ctx, "batch_delete_partition", func() (err error) {
			output, err = g.client.BatchDeletePartitionWithContext(ctx, &glue.BatchDeletePartitionInput{
				DatabaseName: aws.String(database),
				TableName:    aws.String(table),
				PartitionsToDelete: lo.Map(chunk, func(v []string, _ int) *glue.PartitionValueList {
					return &glue.PartitionValueList{Values: aws.StringSlice(v)}
				}),
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("batch delete partitions %s.%s: %w", database, table, mapError(err, ErrTableNotFound))
		}
		batchErr.add("batch delete partitions", lo.Map(output.Errors, fromPartitionError)...)
	}
	return batchErr.errOrNil()
}

// retry runs fn until it succeeds, fails with a non transient error or the
// retry budget is exhausted.
func (g *Glue) retry(ctx context.Context, operation string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.config.retryInitialInterval
	bo.MaxInterval = g.config.retryMaxInterval
	bo.MaxElapsedTime = 0

	return backoff.RetryNotify(
		func() error {
			err := fn()
			if err == nil || isTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		},
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(g.config.maxRetries)), ctx),
		func(err error, d time.Duration) {
			g.statsFactory.NewTaggedStat("tableswap_catalog_retries", stats.CountType, stats.Tags{
				"operation": operation,
			}).Count(1)
			g.logger.Warnn("Retrying catalog operation",
				logger.NewStringField("operation", operation),
				logger.NewDurationField("backoff", d),
				obskit.Error(err),
			)
		},
	)
}

var transientErrorCodes = map[string]struct{}{
	glue.ErrCodeOperationTimeoutException: {},
	glue.ErrCodeInternalServiceException:  {},
	"ThrottlingException":                 {},
	"RequestLimitExceeded":                {},
	"ServiceUnavailable":                  {},
}

func isTransient(err error) bool {
	var awsErr awserr.Error
	if !errors.As(err, &awsErr) {
		return false
	}
	if _, ok := transientErrorCodes[awsErr.Code()]; ok {
		return true
	}
	return request.IsErrorThrottle(awsErr)
}

func mapError(err error, notFound error) error {
	var (
		entityNotFound *glue.EntityNotFoundException
		alreadyExists  *glue.AlreadyExistsException
		concurrent     *glue.ConcurrentModificationException
	)
	switch {
	case errors.As(err, &entityNotFound):
		return fmt.Errorf("%w: %v", notFound, err)
	case errors.As(err, &alreadyExists):
		return fmt.Errorf("%w: %v", ErrTableExists, err)
	case errors.As(err, &concurrent):
		return fmt.Errorf("%w: %v", ErrConcurrentModification, err)
	}
	return err
}

func toTableInput(t Table) *glue.TableInput {
	input := &glue.TableInput{
		Name:      aws.String(t.Name),
		TableType: aws.String(lo.Ternary(t.TableType == "", ExternalTableType, t.TableType)),
		PartitionKeys: lo.Map(t.PartitionKeys, func(c Column, _ int) *glue.Column {
			return toColumn(c)
		}),
		StorageDescriptor: toStorageDescriptor(t.StorageDescriptor),
		Description:       optionalString(t.Description),
		Owner:             optionalString(t.Owner),
		ViewOriginalText:  optionalString(t.ViewOriginalText),
		ViewExpandedText:  optionalString(t.ViewExpandedText),
		LastAccessTime:    optionalTime(t.LastAccessTime),
		LastAnalyzedTime:  optionalTime(t.LastAnalyzedTime),
	}
	if len(t.Parameters) > 0 {
		input.Parameters = aws.StringMap(t.Parameters)
	}
	if t.Retention != 0 {
		input.Retention = aws.Int64(t.Retention)
	}
	if t.TargetTable != nil {
		input.TargetTable = &glue.TableIdentifier{
			CatalogId:    optionalString(t.TargetTable.CatalogID),
			DatabaseName: optionalString(t.TargetTable.Database),
			Name:         optionalString(t.TargetTable.Name),
			Region:       optionalString(t.TargetTable.Region),
		}
	}
	return input
}

func fromTableData(t *glue.TableData) Table {
	table := Table{
		Database:    aws.StringValue(t.DatabaseName),
		Name:        aws.StringValue(t.Name),
		TableType:   aws.StringValue(t.TableType),
		Description: aws.StringValue(t.Description),
		Owner:       aws.StringValue(t.Owner),
		Parameters:  aws.StringValueMap(t.Parameters),
		PartitionKeys: lo.Map(t.PartitionKeys, func(c *glue.Column, _ int) Column {
			return fromColumn(c)
		}),
		Retention:        aws.Int64Value(t.Retention),
		ViewOriginalText: aws.StringValue(t.ViewOriginalText),
		ViewExpandedText: aws.StringValue(t.ViewExpandedText),
		LastAccessTime:   aws.TimeValue(t.LastAccessTime),
		LastAnalyzedTime: aws.TimeValue(t.LastAnalyzedTime),
		VersionID:        aws.StringValue(t.VersionId),
		CreateTime:       aws.TimeValue(t.CreateTime),
		UpdateTime:       aws.TimeValue(t.UpdateTime),
	}
	if t.StorageDescriptor != nil {
		table.StorageDescriptor = fromStorageDescriptor(t.StorageDescriptor)
	}
	if t.TargetTable != nil {
		table.TargetTable = &TableIdentifier{
			CatalogID: aws.StringValue(t.TargetTable.CatalogId),
			Database:  aws.StringValue(t.TargetTable.DatabaseName),
			Name:      aws.StringValue(t.TargetTable.Name),
			Region:    aws.StringValue(t.TargetTable.Region),
		}
	}
	return table
}

func toPartitionInput(p Partition) *glue.PartitionInput {
	input := &glue.PartitionInput{
		Values:            aws.StringSlice(p.Values),
		StorageDescriptor: toStorageDescriptor(p.StorageDescriptor),
		LastAccessTime:    optionalTime(p.LastAccessTime),
		LastAnalyzedTime:  optionalTime(p.LastAnalyzedTime),
	}
	if len(p.Parameters) > 0 {
		input.Parameters = aws.StringMap(p.Parameters)
	}
	return input
}

func fromPartition(p *glue.Partition) Partition {
	partition := Partition{
		Values:           aws.StringValueSlice(p.Values),
		Parameters:       aws.StringValueMap(p.Parameters),
		CreationTime:     aws.TimeValue(p.CreationTime),
		LastAccessTime:   aws.TimeValue(p.LastAccessTime),
		LastAnalyzedTime: aws.TimeValue(p.LastAnalyzedTime),
	}
	if p.StorageDescriptor != nil {
		partition.StorageDescriptor = fromStorageDescriptor(p.StorageDescriptor)
	}
	return partition
}

func fromPartitionError(e *glue.PartitionError, _ int) PartitionFailure {
	failure := PartitionFailure{Values: aws.StringValueSlice(e.PartitionValues)}
	if e.ErrorDetail != nil {
		failure.Code = aws.StringValue(e.ErrorDetail.ErrorCode)
		failure.Message = aws.StringValue(e.ErrorDetail.ErrorMessage)
	}
	return failure
}

func toStorageDescriptor(sd StorageDescriptor) *glue.StorageDescriptor {
	storageDescriptor := &glue.StorageDescriptor{
		Location: aws.String(sd.Location),
		Columns: lo.Map(sd.Columns, func(c Column, _ int) *glue.Column {
			return toColumn(c)
		}),
		Compressed: aws.Bool(sd.Compressed),
		SerdeInfo: &glue.SerDeInfo{
			Name:                 optionalString(sd.SerdeName),
			SerializationLibrary: optionalString(sd.SerializationLibrary),
			Parameters:           aws.StringMap(sd.SerdeParameters),
		},
		InputFormat:  optionalString(sd.InputFormat),
		OutputFormat: optionalString(sd.OutputFormat),
	}
	if len(sd.Parameters) > 0 {
		storageDescriptor.Parameters = aws.StringMap(sd.Parameters)
	}
	if len(sd.AdditionalLocations) > 0 {
		storageDescriptor.AdditionalLocations = aws.StringSlice(sd.AdditionalLocations)
	}
	if len(sd.BucketColumns) > 0 {
		storageDescriptor.BucketColumns = aws.StringSlice(sd.BucketColumns)
	}
	if sd.NumberOfBuckets != 0 {
		storageDescriptor.NumberOfBuckets = aws.Int64(sd.NumberOfBuckets)
	}
	if len(sd.SortColumns) > 0 {
		storageDescriptor.SortColumns = lo.Map(sd.SortColumns, func(c SortColumn, _ int) *glue.Order {
			return &glue.Order{Column: aws.String(c.Column), SortOrder: aws.Int64(c.SortOrder)}
		})
	}
	if sd.SkewedInfo != nil {
		storageDescriptor.SkewedInfo = &glue.SkewedInfo{
			SkewedColumnNames:             aws.StringSlice(sd.SkewedInfo.ColumnNames),
			SkewedColumnValues:            aws.StringSlice(sd.SkewedInfo.ColumnValues),
			SkewedColumnValueLocationMaps: aws.StringMap(sd.SkewedInfo.ColumnValueLocationMaps),
		}
	}
	if sd.StoredAsSubDirectories {
		storageDescriptor.StoredAsSubDirectories = aws.Bool(true)
	}
	if ref := sd.SchemaReference; ref != nil {
		storageDescriptor.SchemaReference = &glue.SchemaReference{
			SchemaVersionId: optionalString(ref.SchemaVersionID),
		}
		if ref.SchemaVersionNumber != 0 {
			storageDescriptor.SchemaReference.SchemaVersionNumber = aws.Int64(ref.SchemaVersionNumber)
		}
		if ref.RegistryName != "" || ref.SchemaARN != "" || ref.SchemaName != "" {
			storageDescriptor.SchemaReference.SchemaId = &glue.SchemaId{
				RegistryName: optionalString(ref.RegistryName),
				SchemaArn:    optionalString(ref.SchemaARN),
				SchemaName:   optionalString(ref.SchemaName),
			}
		}
	}
	return storageDescriptor
}

func fromStorageDescriptor(sd *glue.StorageDescriptor) StorageDescriptor {
	storageDescriptor := StorageDescriptor{
		Location:            aws.StringValue(sd.Location),
		AdditionalLocations: stringValues(sd.AdditionalLocations),
		Columns: lo.Map(sd.Columns, func(c *glue.Column, _ int) Column {
			return fromColumn(c)
		}),
		InputFormat:            aws.StringValue(sd.InputFormat),
		OutputFormat:           aws.StringValue(sd.OutputFormat),
		Parameters:             aws.StringValueMap(sd.Parameters),
		Compressed:             aws.BoolValue(sd.Compressed),
		BucketColumns:          stringValues(sd.BucketColumns),
		NumberOfBuckets:        aws.Int64Value(sd.NumberOfBuckets),
		StoredAsSubDirectories: aws.BoolValue(sd.StoredAsSubDirectories),
	}
	if len(sd.SortColumns) > 0 {
		storageDescriptor.SortColumns = lo.Map(sd.SortColumns, func(o *glue.Order, _ int) SortColumn {
			return SortColumn{Column: aws.StringValue(o.Column), SortOrder: aws.Int64Value(o.SortOrder)}
		})
	}
	if sd.SerdeInfo != nil {
		storageDescriptor.SerdeName = aws.StringValue(sd.SerdeInfo.Name)
		storageDescriptor.SerializationLibrary = aws.StringValue(sd.SerdeInfo.SerializationLibrary)
		storageDescriptor.SerdeParameters = aws.StringValueMap(sd.SerdeInfo.Parameters)
	}
	if sd.SkewedInfo != nil {
		storageDescriptor.SkewedInfo = &SkewedInfo{
			ColumnNames:             stringValues(sd.SkewedInfo.SkewedColumnNames),
			ColumnValues:            stringValues(sd.SkewedInfo.SkewedColumnValues),
			ColumnValueLocationMaps: aws.StringValueMap(sd.SkewedInfo.SkewedColumnValueLocationMaps),
		}
	}
	if ref := sd.SchemaReference; ref != nil {
		storageDescriptor.SchemaReference = &SchemaReference{
			SchemaVersionID:     aws.StringValue(ref.SchemaVersionId),
			SchemaVersionNumber: aws.Int64Value(ref.SchemaVersionNumber),
		}
		if ref.SchemaId != nil {
			storageDescriptor.SchemaReference.RegistryName = aws.StringValue(ref.SchemaId.RegistryName)
			storageDescriptor.SchemaReference.SchemaARN = aws.StringValue(ref.SchemaId.SchemaArn)
			storageDescriptor.SchemaReference.SchemaName = aws.StringValue(ref.SchemaId.SchemaName)
		}
	}
	return storageDescriptor
}

func toColumn(c Column) *glue.Column {
	column := &glue.Column{
		Name:    aws.String(c.Name),
		Type:    aws.String(c.Type),
		Comment: optionalString(c.Comment),
	}
	if len(c.Parameters) > 0 {
		column.Parameters = aws.StringMap(c.Parameters)
	}
	return column
}

func fromColumn(c *glue.Column) Column {
	column := Column{
		Name:    aws.StringValue(c.Name),
		Type:    aws.StringValue(c.Type),
		Comment: aws.StringValue(c.Comment),
	}
	if len(c.Parameters) > 0 {
		column.Parameters = aws.StringValueMap(c.Parameters)
	}
	return column
}

func stringValues(values []*string) []string {
	if len(values) == 0 {
		return nil
	}
	return aws.StringValueSlice(values)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return aws.Time(t)
}
