// Package fakeglue is an in-memory implementation of the subset of the Glue
// API used by the catalog package.
package fakeglue

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awsutil"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/glue"
	"github.com/aws/aws-sdk-go/service/glue/glueiface"
)

const (
	OpGetDatabase          = "GetDatabase"
	OpGetTable             = "GetTable"
	OpCreateTable          = "CreateTable"
	OpUpdateTable          = "UpdateTable"
	OpDeleteTable          = "DeleteTable"
	OpGetPartitions        = "GetPartitions"
	OpBatchCreatePartition = "BatchCreatePartition"
	OpBatchUpdatePartition = "BatchUpdatePartition"
	OpBatchDeletePartition = "BatchDeletePartition"
)

// Call is a recorded API call.
type Call struct {
	Op    string
	Table string
	Count int
}

// Glue embeds glueiface.GlueAPI so unimplemented operations panic.
type Glue struct {
	glueiface.GlueAPI

	mu         sync.Mutex
	now        func() time.Time
	databases  map[string]*glue.Database
	tables     map[string]*glue.TableData
	partitions map[string]map[string]*glue.Partition
	failures   map[string][]error
	lostAcks   map[string][]error
	calls      []Call
}

func New() *Glue {
	return &Glue{
		now:        time.Now,
		databases:  make(map[string]*glue.Database),
		tables:     make(map[string]*glue.TableData),
		partitions: make(map[string]map[string]*glue.Partition),
		failures:   make(map[string][]error),
		lostAcks:   make(map[string][]error),
	}
}

// AddDatabase registers a database with the given location uri.
func (g *Glue) AddDatabase(name, locationURI string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.databases[name] = &glue.Database{
		Name:        aws.String(name),
		LocationUri: aws.String(locationURI),
	}
}

// FailNext makes the next call of op return err. Multiple errors queue up.
func (g *Glue) FailNext(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.failures[op] = append(g.failures[op], err)
}

// FailAfterCommit makes the next successful call of op apply its change and
// still return err, as when the response of a committed request is lost.
func (g *Glue) FailAfterCommit(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lostAcks[op] = append(g.lostAcks[op], err)
}

// Calls returns the calls made so far, optionally filtered by operation.
func (g *Glue) Calls(ops ...string) []Call {
	g.mu.Lock()
	defer g.mu.Unlock()

	var calls []Call
	for _, c := range g.calls {
		if len(ops) == 0 || slices.Contains(ops, c.Op) {
			calls = append(calls, c)
		}
	}
	return calls
}

// Table returns a copy of the stored table or nil.
func (g *Glue) Table(database, name string) *glue.TableData {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tables[tableKey(database, name)]
	if !ok {
		return nil
	}
	return awsutil.CopyOf(t).(*glue.TableData)
}

// Partitions returns copies of the stored partitions ordered by their values.
func (g *Glue) Partitions(database, table string) []*glue.Partition {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.sortedPartitions(tableKey(database, table))
}

// Tables lists the table names of a database.
func (g *Glue) Tables(database string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var names []string
	for _, t := range g.tables {
		if aws.StringValue(t.DatabaseName) == database {
			names = append(names, aws.StringValue(t.Name))
		}
	}
	sort.Strings(names)
	return names
}

func (g *Glue) GetDatabaseWithContext(_ aws.Context, input *glue.GetDatabaseInput, _ ...request.Option) (*glue.GetDatabaseOutput, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.record(OpGetDatabase, "", 0); err != nil {
		return nil, err
	}
	db, ok := g.databases[aws.StringValue(input.Name)]
	if !ok {
		return nil, entityNotFound("database %s not found", aws.StringValue(input.Name))
	}
	return &glue.GetDatabaseOutput{Database: awsutil.CopyOf(db).(*glue.Database)}, nil
}

func (g *Glue) GetTableWithContext(_ aws.Context, input *glue.GetTableInput, _ ...request.Option) (*glue.GetTableOutput, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := tableKey(aws.StringValue(input.DatabaseName), aws.StringValue(input.Name))
	if err := g.record(OpGetTable, key, 0); err != nil {
		return nil, err
	}
	t, ok := g.tables[key]
	if !ok {
		return nil, entityNotFound("table %s not found", key)
	}
	return &glue.GetTableOutput{Table: awsutil.CopyOf(t).(*glue.TableData)}, nil
}

func (g *Glue) CreateTableWithContext(_ aws.Context, input *glue.CreateTableInput, _ ...request.Option) (*glue.CreateTableOutput, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	database := aws.StringValue(input.DatabaseName)
	key := tableKey(database, aws.StringValue(input.TableInput.Name))
	if err := g.record(OpCreateTable, key, 0); err != nil {
		return nil, err
	}
	if _, ok := g.databases[database]; !ok {
		return nil, entityNotFound("database %s not found", database)
	}
	if _, ok := g.tables[key]; ok {
		return nil, &glue.AlreadyExistsException{Message_: aws.String(fmt.Sprintf("table %s already exists", key))}
	}

	now := g.now()
	g.tables[key] = tableData(database, input.TableInput, "1", now, now)
	g.partitions[key] = make(map[string]*glue.Partition)
	return &glue.CreateTableOutput{}, nil
}

func (g *Glue) UpdateTableWithContext(_ aws.Context, input *glue.UpdateTableInput, _ ...request.Option) (*glue.UpdateTableOutput, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	database := aws.StringValue(input.DatabaseName)
	key := tableKey(database, aws.StringValue(input.TableInput.Name))
	if err := g.record(OpUpdateTable, key, 0); err != nil {
		return nil, err
	}
	current, ok := g.tables[key]
	if !ok {
		return nil, entityNotFound("table %s not found", key)
	}
	if input.VersionId != nil && aws.StringValue(input.VersionId) != aws.StringValue(current.VersionId) {
		return nil, &glue.ConcurrentModificationException{
			Message_: aws.String(fmt.Sprintf("table %s version %s does not match %s", key, aws.StringValue(current.VersionId), aws.StringValue(input.VersionId))),
		}
	}

	version, _ := strconv.Atoi(aws.StringValue(current.VersionId))
	g.tables[key] = tableData(database, input.TableInput, strconv.Itoa(version+1), aws.TimeValue(current.CreateTime), g.now())
	if err := g.lostAck(OpUpdateTable); err != nil {
		return nil, err
	}
	return &glue.UpdateTableOutput{}, nil
}

func (g *Glue) DeleteTableWithContext(_ aws.Context, input *glue.DeleteTableInput, _ ...request.Option) (*glue.DeleteTableOutput, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := tableKey(aws.StringValue(input.DatabaseName), aws.StringValue(input.Name))
	if err := g.record(OpDeleteTable, key, 0); err != nil {
		return nil, err
	}
	if _, ok := g.tables[key]; !ok {
		return nil, entityNotFound("table %s not found", key)
	}
	delete(g.tables, key)
	delete(g.partitions, key)
	return &glue.DeleteTableOutput{}, nil
}

func (g *Glue) GetPartitionsWithContext(_ aws.Context, input *glue.GetPartitionsInput, _ ...request.Option) (*glue.GetPartitionsOutput, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := tableKey(aws.StringValue(input.DatabaseName), aws.StringValue(input.TableName))
	if err := g.record(OpGetPartitions, key, 0); err != nil {
		return nil, err
	}
	if _, ok := g.tables[key]; !ok {
		return nil, entityNotFound("table %s not found", key)
	}

	all := g.sortedPartitions(key)
	start := 0
	if token := aws.StringValue(input.NextToken); token != "" {
		start, _ = strconv.Atoi(token)
	}
	end := len(all)
	if maxResults := int(aws.Int64Value(input.MaxResults)); maxResults > 0 && start+maxResults < end {
		end = start + maxResults
	}

	output := &glue.GetPartitionsOutput{Partitions: all[start:end]}
	if end < len(all) {
		output.NextToken = aws.String(strconv.Itoa(end))
	}
	return output, nil
}

func (g *Glue) BatchCreatePartitionWithContext(_ aws.Context, input *glue.BatchCreatePartitionInput, _ ...request.Option) (*glue.BatchCreatePartitionOutput, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	database := aws.StringValue(input.DatabaseName)
	key := tableKey(database, aws.StringValue(input.TableName))
	if err := g.record(OpBatchCreatePartition, key, len(input.PartitionInputList)); err != nil {
		return nil, err
	}
	if len(input.PartitionInputList) > 100 {
		return nil, invalidInput("at most 100 partitions per batch, got %d", len(input.PartitionInputList))
	}
	partitions, ok := g.partitions[key]
	if !ok {
		return nil, entityNotFound("table %s not found", key)
	}

	output := &glue.BatchCreatePartitionOutput{}
	for _, p := range input.PartitionInputList {
		pk := partitionKey(p.Values)
		if _, exists := partitions[pk]; exists {
			output.Errors = append(output.Errors, &glue.PartitionError{
				PartitionValues: p.Values,
				ErrorDetail: &glue.ErrorDetail{
					ErrorCode:    aws.String(glue.ErrCodeAlreadyExistsException),
					ErrorMessage: aws.String("partition already exists"),
				},
			})
			continue
		}
		partitions[pk] = partitionData(database, aws.StringValue(input.TableName), p, g.now())
	}
	return output, nil
}

func (g *Glue) BatchUpdatePartitionWithContext(_ aws.Context, input *glue.BatchUpdatePartitionInput, _ ...request.Option) (*glue.BatchUpdatePartitionOutput, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	database := aws.StringValue(input.DatabaseName)
	key := tableKey(database, aws.StringValue(input.TableName))
	if err := g.record(OpBatchUpdatePartition, key, len(input.Entries)); err != nil {
		return nil, err
	}
	if len(input.Entries) > 100 {
		return nil, invalidInput("at most 100 partitions per batch, got %d", len(input.Entries))
	}
	partitions, ok := g.partitions[key]
	if !ok {
		return nil, entityNotFound("table %s not found", key)
	}

	output := &glue.BatchUpdatePartitionOutput{}
	for _, entry := range input.Entries {
		pk := partitionKey(entry.PartitionValueList)
		current, exists := partitions[pk]
		if !exists {
			output.Errors = append(output.Errors, &glue.BatchUpdatePartitionFailureEntry{
				PartitionValueList: entry.PartitionValueList,
				ErrorDetail: &glue.ErrorDetail{
					ErrorCode:    aws.String(glue.ErrCodeEntityNotFoundException),
					ErrorMessage: aws.String("partition not found"),
				},
			})
			continue
		}
		delete(partitions, pk)
		updated := partitionData(database, aws.StringValue(input.TableName), entry.PartitionInput, aws.TimeValue(current.CreationTime))
		partitions[partitionKey(updated.Values)] = updated
	}
	return output, nil
}

func (g *Glue) BatchDeletePartitionWithContext(_ aws.Context, input *glue.BatchDeletePartitionInput, _ ...request.Option) (*glue.BatchDeletePartitionOutput, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := tableKey(aws.StringValue(input.DatabaseName), aws.StringValue(input.TableName))
	if err := g.record(OpBatchDeletePartition, key, len(input.PartitionsToDelete)); err != nil {
		return nil, err
	}
	if len(input.PartitionsToDelete) > 25 {
		return nil, invalidInput("at most 25 partitions per batch, got %d", len(input.PartitionsToDelete))
	}
	partitions, ok := g.partitions[key]
	if !ok {
		return nil, entityNotFound("table %s not found", key)
	}

	output := &glue.BatchDeletePartitionOutput{}
	for _, p := range input.PartitionsToDelete {
		pk := partitionKey(p.Values)
		if _, exists := partitions[pk]; !exists {
			output.Errors = append(output.Errors, &glue.PartitionError{
				PartitionValues: p.Values,
				ErrorDetail: &glue.ErrorDetail{
					ErrorCode:    aws.String(glue.ErrCodeEntityNotFoundException),
					ErrorMessage: aws.String("partition not found"),
				},
			})
			continue
		}
		delete(partitions, pk)
	}
	return output, nil
}

// record must be called with the lock held.
func (g *Glue) record(op, table string, count int) error {
	g.calls = append(g.calls, Call{Op: op, Table: table, Count: count})
	if queued := g.failures[op]; len(queued) > 0 {
		g.failures[op] = queued[1:]
		return queued[0]
	}
	return nil
}

// lostAck must be called with the lock held.
func (g *Glue) lostAck(op string) error {
	if queued := g.lostAcks[op]; len(queued) > 0 {
		g.lostAcks[op] = queued[1:]
		return queued[0]
	}
	return nil
}

func (g *Glue) sortedPartitions(key string) []*glue.Partition {
	partitions := g.partitions[key]
	keys := make([]string, 0, len(partitions))
	for k := range partitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make([]*glue.Partition, 0, len(keys))
	for _, k := range keys {
		result = append(result, awsutil.CopyOf(partitions[k]).(*glue.Partition))
	}
	return result
}

func tableData(database string, input *glue.TableInput, versionID string, created, updated time.Time) *glue.TableData {
	in := awsutil.CopyOf(input).(*glue.TableInput)
	return &glue.TableData{
		DatabaseName:      aws.String(database),
		Name:              in.Name,
		Description:       in.Description,
		Owner:             in.Owner,
		TableType:         in.TableType,
		Parameters:        in.Parameters,
		PartitionKeys:     in.PartitionKeys,
		StorageDescriptor: in.StorageDescriptor,
		Retention:         in.Retention,
		ViewOriginalText:  in.ViewOriginalText,
		ViewExpandedText:  in.ViewExpandedText,
		TargetTable:       in.TargetTable,
		LastAccessTime:    in.LastAccessTime,
		LastAnalyzedTime:  in.LastAnalyzedTime,
		VersionId:         aws.String(versionID),
		CreateTime:        aws.Time(created),
		UpdateTime:        aws.Time(updated),
	}
}

func partitionData(database, table string, input *glue.PartitionInput, created time.Time) *glue.Partition {
	in := awsutil.CopyOf(input).(*glue.PartitionInput)
	return &glue.Partition{
		DatabaseName:      aws.String(database),
		TableName:         aws.String(table),
		Values:            in.Values,
		StorageDescriptor: in.StorageDescriptor,
		Parameters:        in.Parameters,
		LastAccessTime:    in.LastAccessTime,
		LastAnalyzedTime:  in.LastAnalyzedTime,
		CreationTime:      aws.Time(created),
	}
}

func entityNotFound(format string, args ...any) error {
	return &glue.EntityNotFoundException{Message_: aws.String(fmt.Sprintf(format, args...))}
}

func invalidInput(format string, args ...any) error {
	return &glue.InvalidInputException{Message_: aws.String(fmt.Sprintf(format, args...))}
}

func tableKey(database, table string) string {
	return database + "." + table
}

func partitionKey(values []*string) string {
	return strings.Join(aws.StringValueSlice(values), "\x00")
}
