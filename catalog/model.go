package catalog

import (
	"strings"
	"time"

	"github.com/samber/lo"
)

const (
	ExternalTableType = "EXTERNAL_TABLE"

	ParquetSerdeName     = "ParquetHiveSerDe"
	ParquetSerdeLibrary  = "org.apache.hadoop.hive.ql.io.parquet.serde.ParquetHiveSerDe"
	ParquetInputFormat   = "org.apache.hadoop.hive.ql.io.parquet.MapredParquetInputFormat"
	ParquetOutputFormat  = "org.apache.hadoop.hive.ql.io.parquet.MapredParquetOutputFormat"
	ClassificationParam  = "classification"
	CompressionTypeParam = "compressionType"
)

type Database struct {
	Name        string
	LocationURI string
}

type Column struct {
	Name       string
	Type       string
	Comment    string
	Parameters map[string]string
}

type SortColumn struct {
	Column    string
	SortOrder int64
}

type SkewedInfo struct {
	ColumnNames             []string
	ColumnValues            []string
	ColumnValueLocationMaps map[string]string
}

// SchemaReference points at a schema registry entry.
type SchemaReference struct {
	RegistryName        string
	SchemaARN           string
	SchemaName          string
	SchemaVersionID     string
	SchemaVersionNumber int64
}

// TableIdentifier is the target of a resource link.
type TableIdentifier struct {
	CatalogID string
	Database  string
	Name      string
	Region    string
}

type StorageDescriptor struct {
	Location             string
	AdditionalLocations  []string
	Columns              []Column
	InputFormat          string
	OutputFormat         string
	SerdeName            string
	SerializationLibrary string
	SerdeParameters      map[string]string
	Parameters           map[string]string
	Compressed           bool

	BucketColumns          []string
	NumberOfBuckets        int64
	SortColumns            []SortColumn
	SkewedInfo             *SkewedInfo
	StoredAsSubDirectories bool
	SchemaReference        *SchemaReference
}

// SameFormat reports whether data written for sd can be read through other.
func (sd StorageDescriptor) SameFormat(other StorageDescriptor) bool {
	return sd.InputFormat == other.InputFormat &&
		sd.SerializationLibrary == other.SerializationLibrary
}

type Table struct {
	Database          string
	Name              string
	TableType         string
	Description       string
	Owner             string
	Parameters        map[string]string
	PartitionKeys     []Column
	StorageDescriptor StorageDescriptor

	Retention        int64
	ViewOriginalText string
	ViewExpandedText string
	TargetTable      *TableIdentifier
	LastAccessTime   time.Time
	LastAnalyzedTime time.Time

	// VersionID is the catalog's optimistic concurrency token. It is empty
	// for tables that were never read from the catalog.
	VersionID  string
	CreateTime time.Time
	UpdateTime time.Time
}

func (t Table) QualifiedName() string {
	return t.Database + "." + t.Name
}

func (t Table) IsPartitioned() bool {
	return len(t.PartitionKeys) > 0
}

func (t Table) PartitionKeyNames() []string {
	return lo.Map(t.PartitionKeys, func(c Column, _ int) string { return c.Name })
}

type Partition struct {
	Values            []string
	StorageDescriptor StorageDescriptor
	Parameters        map[string]string
	CreationTime      time.Time
	LastAccessTime    time.Time
	LastAnalyzedTime  time.Time
}

// partitionKeySeparator cannot appear in partition values written through the
// catalog API.
const partitionKeySeparator = "\x00"

// Key identifies the partition inside its table.
func (p Partition) Key() string {
	return PartitionKey(p.Values)
}

func PartitionKey(values []string) string {
	return strings.Join(values, partitionKeySeparator)
}

// ParquetStorageDescriptor describes parquet data stored under location.
func ParquetStorageDescriptor(location string, columns []Column) StorageDescriptor {
	return StorageDescriptor{
		Location:             location,
		Columns:              columns,
		InputFormat:          ParquetInputFormat,
		OutputFormat:         ParquetOutputFormat,
		SerdeName:            ParquetSerdeName,
		SerializationLibrary: ParquetSerdeLibrary,
		SerdeParameters:      map[string]string{"serialization.format": "1"},
		Parameters: map[string]string{
			ClassificationParam:  "parquet",
			CompressionTypeParam: "none",
		},
	}
}

// WithLocation returns a copy of sd pointing at location.
func (sd StorageDescriptor) WithLocation(location string) StorageDescriptor {
	sd.Location = location
	sd.Columns = append([]Column(nil), sd.Columns...)
	sd.AdditionalLocations = append([]string(nil), sd.AdditionalLocations...)
	sd.BucketColumns = append([]string(nil), sd.BucketColumns...)
	sd.SortColumns = append([]SortColumn(nil), sd.SortColumns...)
	sd.SerdeParameters = lo.Assign(sd.SerdeParameters)
	sd.Parameters = lo.Assign(sd.Parameters)
	return sd
}
