// Package encoding writes parquet data files and reads newline delimited JSON rows.
package encoding

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrUnsupportedType = errors.New("unsupported column type")

const (
	parquetInt32           = "type=INT32, repetitiontype=OPTIONAL"
	parquetInt64           = "type=INT64, repetitiontype=OPTIONAL"
	parquetBoolean         = "type=BOOLEAN, repetitiontype=OPTIONAL"
	parquetFloat           = "type=FLOAT, repetitiontype=OPTIONAL"
	parquetDouble          = "type=DOUBLE, repetitiontype=OPTIONAL"
	parquetString          = "type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"
	parquetTimestampMicros = "type=INT64, convertedtype=TIMESTAMP_MICROS, repetitiontype=OPTIONAL"
	parquetDate            = "type=INT32, convertedtype=DATE, repetitiontype=OPTIONAL"
)

// catalog column types, after normalisation
const (
	BigIntType    = "bigint"
	IntType       = "int"
	IntegerType   = "integer"
	SmallIntType  = "smallint"
	TinyIntType   = "tinyint"
	BooleanType   = "boolean"
	FloatType     = "float"
	DoubleType    = "double"
	StringType    = "string"
	VarcharType   = "varchar"
	CharType      = "char"
	TimestampType = "timestamp"
	DateType      = "date"
)

var catalogTypeToParquetType = map[string]string{
	BigIntType:    parquetInt64,
	IntType:       parquetInt32,
	IntegerType:   parquetInt32,
	SmallIntType:  parquetInt32,
	TinyIntType:   parquetInt32,
	BooleanType:   parquetBoolean,
	FloatType:     parquetFloat,
	DoubleType:    parquetDouble,
	StringType:    parquetString,
	VarcharType:   parquetString,
	CharType:      parquetString,
	TimestampType: parquetTimestampMicros,
	DateType:      parquetDate,
}

// typeParamsRegex matches the length or precision suffix, e.g. varchar(255)
var typeParamsRegex = regexp.MustCompile(`\(.*\)$`)

// NormalizeType lower-cases a catalog column type and strips its parameters.
func NormalizeType(colType string) string {
	return typeParamsRegex.ReplaceAllString(strings.ToLower(strings.TrimSpace(colType)), "")
}

// IsSupportedType reports whether columns of colType can be written to parquet.
func IsSupportedType(colType string) bool {
	_, ok := catalogTypeToParquetType[NormalizeType(colType)]
	return ok
}

// Column is a named, typed parquet column.
type Column struct {
	Name string
	Type string
}

func parquetSchema(columns []Column) ([]string, error) {
	pSchema := make([]string, 0, len(columns))
	for _, col := range columns {
		pType, ok := catalogTypeToParquetType[NormalizeType(col.Type)]
		if !ok {
			return nil, fmt.Errorf("column %s: %w: %s", col.Name, ErrUnsupportedType, col.Type)
		}
		pSchema = append(pSchema, fmt.Sprintf("name=%s, %s", col.Name, pType))
	}
	return pSchema, nil
}
