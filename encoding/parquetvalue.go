package encoding

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/spf13/cast"
	"github.com/xitongsys/parquet-go/types"

	"github.com/rudderlabs/glue-table-swap/jsonrs"
)

// ParquetValue converts a decoded JSON value into the Go value expected by the
// parquet writer for colType. Nil stays nil.
func ParquetValue(val any, colType string) (any, error) {
	if val == nil {
		return nil, nil
	}

	switch NormalizeType(colType) {
	case BigIntType:
		return toInt(val, 64)
	case IntType, IntegerType:
		i, err := toInt(val, 32)
		return int32(i), err
	case SmallIntType:
		i, err := toInt(val, 16)
		return int32(i), err
	case TinyIntType:
		i, err := toInt(val, 8)
		return int32(i), err
	case BooleanType:
		return cast.ToBoolE(val)
	case FloatType:
		return cast.ToFloat32E(val)
	case DoubleType:
		return cast.ToFloat64E(val)
	case StringType, VarcharType, CharType:
		return toString(val)
	case TimestampType:
		t, err := toTime(val)
		if err != nil {
			return nil, err
		}
		return types.TimeToTIMESTAMP_MICROS(t.UTC(), false), nil
	case DateType:
		t, err := toTime(val)
		if err != nil {
			return nil, err
		}
		return int32(floorDiv(t.UTC().Unix(), secondsPerDay)), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, colType)
}

const secondsPerDay = int64(24 * time.Hour / time.Second)

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// toInt reads val as a base 10 integer that fits in bitSize bits.
func toInt(val any, bitSize int) (int64, error) {
	var (
		i   int64
		err error
	)
	switch v := val.(type) {
	case json.Number:
		i, err = strconv.ParseInt(v.String(), 10, 64)
	case string:
		i, err = strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	case float32, float64:
		f := cast.ToFloat64(v)
		if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, fmt.Errorf("%v is not a %d bit integer", val, bitSize)
		}
		i = int64(f)
	case uint, uint64:
		u := cast.ToUint64(v)
		if u > math.MaxInt64 {
			return 0, fmt.Errorf("%v is not a %d bit integer", val, bitSize)
		}
		i = int64(u)
	default:
		i, err = cast.ToInt64E(val)
	}
	if err != nil {
		return 0, fmt.Errorf("parsing %v as integer: %w", val, err)
	}

	limit := int64(1) << (bitSize - 1)
	if bitSize < 64 && (i < -limit || i >= limit) {
		return 0, fmt.Errorf("%d is out of range for a %d bit integer", i, bitSize)
	}
	return i, nil
}

// toString keeps nested objects and arrays as JSON text.
func toString(val any) (string, error) {
	switch v := val.(type) {
	case map[string]any, []any:
		return jsonrs.MarshalToString(v)
	}
	return cast.ToStringE(val)
}

func toTime(val any) (time.Time, error) {
	if n, ok := val.(json.Number); ok {
		i, err := n.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing %q as unix seconds: %w", n, err)
		}
		return time.Unix(i, 0).UTC(), nil
	}
	if s, ok := val.(string); ok {
		// zone-less layouts are read as UTC
		return dateparse.ParseIn(s, time.UTC)
	}
	return cast.ToTimeE(val)
}
