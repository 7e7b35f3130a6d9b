package encoding_test

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"github.com/rudderlabs/glue-table-swap/encoding"
)

func TestParquetWriter(t *testing.T) {
	columns := []encoding.Column{
		{Name: "id", Type: "bigint"},
		{Name: "qty", Type: "int"},
		{Name: "name", Type: "varchar(64)"},
		{Name: "active", Type: "boolean"},
		{Name: "amount", Type: "double"},
		{Name: "ts", Type: "timestamp"},
		{Name: "day", Type: "date"},
		{Name: "meta", Type: "string"},
	}

	input := `{"id": 1234567890123, "qty": 3, "name": "RudderStack", "active": true, "amount": 123.123, "ts": "2022-01-20T13:39:21.033Z", "day": "2022-01-20", "meta": {"k": "v"}}

{"id": 2, "qty": null, "active": "false", "amount": 1, "ts": 1642685961}
`

	t.Run("write and read back", func(t *testing.T) {
		outputFilePath := filepath.Join(t.TempDir(), "part-00000.parquet")

		w, err := encoding.NewParquetWriter(outputFilePath, columns, 2)
		require.NoError(t, err)
		require.Equal(t, outputFilePath, w.Path())

		r := encoding.NewNDJSONReader(strings.NewReader(input), 1)
		for {
			row, err := r.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			require.NoError(t, err)

			values := make([]any, 0, len(columns))
			for _, c := range columns {
				values = append(values, row[c.Name])
			}
			require.NoError(t, w.WriteRow(values))
		}
		require.Equal(t, 2, w.Rows())
		require.NoError(t, w.Close())

		f, err := local.NewLocalFileReader(outputFilePath)
		require.NoError(t, err)
		t.Cleanup(func() {
			require.NoError(t, f.Close())
		})

		type parquetData struct {
			Id     *int64
			Qty    *int32
			Name   *string
			Active *bool
			Amount *float64
			Ts     *int64
			Day    *int32
			Meta   *string
		}

		pr, err := reader.NewParquetReader(f, nil, 2)
		require.NoError(t, err)
		t.Cleanup(pr.ReadStop)
		require.EqualValues(t, 2, pr.GetNumRows())

		data := make([]*parquetData, 2)
		require.NoError(t, pr.Read(&data))

		require.EqualValues(t, 1234567890123, *data[0].Id)
		require.EqualValues(t, 3, *data[0].Qty)
		require.Equal(t, "RudderStack", *data[0].Name)
		require.True(t, *data[0].Active)
		require.Equal(t, 123.123, *data[0].Amount)
		require.EqualValues(t, 1642685961033000, *data[0].Ts)
		require.EqualValues(t, 19012, *data[0].Day)
		require.Equal(t, `{"k":"v"}`, *data[0].Meta)

		require.EqualValues(t, 2, *data[1].Id)
		require.Nil(t, data[1].Qty)
		require.Nil(t, data[1].Name)
		require.False(t, *data[1].Active)
		require.Equal(t, 1.0, *data[1].Amount)
		require.EqualValues(t, 1642685961000000, *data[1].Ts)
		require.Nil(t, data[1].Day)
		require.Nil(t, data[1].Meta)
	})

	t.Run("unsupported type", func(t *testing.T) {
		_, err := encoding.NewParquetWriter(filepath.Join(t.TempDir(), "f.parquet"), []encoding.Column{
			{Name: "price", Type: "decimal(10,2)"},
		}, 1)
		require.ErrorIs(t, err, encoding.ErrUnsupportedType)
	})

	t.Run("invalid file path", func(t *testing.T) {
		_, err := encoding.NewParquetWriter("", columns, 1)
		require.Error(t, err)
	})

	t.Run("row width mismatch", func(t *testing.T) {
		outputFilePath := filepath.Join(t.TempDir(), "f.parquet")
		w, err := encoding.NewParquetWriter(outputFilePath, columns, 1)
		require.NoError(t, err)
		require.Error(t, w.WriteRow([]any{int64(1)}))
		require.NoError(t, w.Close())
		require.NoError(t, os.Remove(outputFilePath))
	})

	t.Run("small row groups", func(t *testing.T) {
		outputFilePath := filepath.Join(t.TempDir(), "f.parquet")
		w, err := encoding.NewParquetWriter(outputFilePath, []encoding.Column{{Name: "id", Type: "bigint"}}, 1)
		require.NoError(t, err)
		w.SetRowGroupSize(1)
		for i := 0; i < 5000; i++ {
			require.NoError(t, w.WriteRow([]any{int64(i)}))
		}
		require.NoError(t, w.Close())

		f, err := local.NewLocalFileReader(outputFilePath)
		require.NoError(t, err)
		t.Cleanup(func() { _ = f.Close() })

		pr, err := reader.NewParquetReader(f, nil, 1)
		require.NoError(t, err)
		t.Cleanup(pr.ReadStop)
		require.EqualValues(t, 5000, pr.GetNumRows())
		require.Greater(t, len(pr.Footer.RowGroups), 1)
	})

	t.Run("invalid value", func(t *testing.T) {
		w, err := encoding.NewParquetWriter(filepath.Join(t.TempDir(), "f.parquet"), []encoding.Column{
			{Name: "id", Type: "bigint"},
		}, 1)
		require.NoError(t, err)
		require.Error(t, w.WriteRow([]any{"not a number"}))
		require.NoError(t, w.Close())
	})
}

func TestParquetValue(t *testing.T) {
	testCases := []struct {
		name     string
		val      any
		colType  string
		expected any
		wantErr  bool
	}{
		{name: "nil", val: nil, colType: "bigint", expected: nil},
		{name: "bigint from number", val: json.Number("42"), colType: "bigint", expected: int64(42)},
		{name: "bigint from float", val: 42.0, colType: "BIGINT", expected: int64(42)},
		{name: "int", val: json.Number("7"), colType: "int", expected: int32(7)},
		{name: "smallint from string", val: "7", colType: "smallint", expected: int32(7)},
		{name: "boolean", val: "true", colType: "boolean", expected: true},
		{name: "float", val: json.Number("1.5"), colType: "float", expected: float32(1.5)},
		{name: "double", val: json.Number("1.25"), colType: "double", expected: 1.25},
		{name: "string from number", val: json.Number("10"), colType: "string", expected: "10"},
		{name: "char", val: "x", colType: "char(1)", expected: "x"},
		{name: "array as json", val: []any{"a", "b"}, colType: "string", expected: `["a","b"]`},
		{name: "timestamp", val: "2022-01-20T13:39:21Z", colType: "timestamp", expected: int64(1642685961000000)},
		{name: "timestamp without zone", val: "2022-01-20 13:39:21", colType: "timestamp", expected: int64(1642685961000000)},
		{name: "timestamp from unix seconds", val: json.Number("1642685961"), colType: "timestamp", expected: int64(1642685961000000)},
		{name: "timestamp with zone offset", val: "2022-01-20T13:39:21+05:00", colType: "timestamp", expected: int64(1642667961000000)},
		{name: "date", val: "1970-01-02", colType: "date", expected: int32(1)},
		{name: "date before epoch", val: "1969-12-31T12:00:00Z", colType: "date", expected: int32(-1)},
		{name: "date from other zone", val: "2022-01-20T02:00:00+05:00", colType: "date", expected: int32(19011)},
		{name: "bigint decimal string", val: "010", colType: "bigint", expected: int64(10)},
		{name: "bigint negative", val: json.Number("-9223372036854775808"), colType: "bigint", expected: int64(-9223372036854775808)},
		{name: "int upper bound", val: json.Number("2147483647"), colType: "int", expected: int32(2147483647)},
		{name: "int out of range", val: json.Number("3000000000"), colType: "int", wantErr: true},
		{name: "int from large float", val: 3000000000.0, colType: "integer", wantErr: true},
		{name: "smallint out of range", val: json.Number("40000"), colType: "smallint", wantErr: true},
		{name: "smallint lower bound", val: json.Number("-32768"), colType: "smallint", expected: int32(-32768)},
		{name: "tinyint out of range", val: json.Number("300"), colType: "tinyint", wantErr: true},
		{name: "tinyint", val: json.Number("-128"), colType: "tinyint", expected: int32(-128)},
		{name: "bigint fractional", val: json.Number("1.5"), colType: "bigint", wantErr: true},
		{name: "bigint from fractional float", val: 1.5, colType: "bigint", wantErr: true},
		{name: "bad bigint", val: "abc", colType: "bigint", wantErr: true},
		{name: "bad timestamp", val: "yesterday", colType: "timestamp", wantErr: true},
		{name: "unsupported", val: "1", colType: "decimal(10,2)", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := encoding.ParquetValue(tc.val, tc.colType)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, v)
		})
	}
}

func TestNDJSONReader(t *testing.T) {
	t.Run("invalid json", func(t *testing.T) {
		r := encoding.NewNDJSONReader(strings.NewReader("{\"id\": 1}\n{oops\n"), 1)

		row, err := r.Read()
		require.NoError(t, err)
		require.Equal(t, json.Number("1"), row["id"])

		_, err = r.Read()
		require.ErrorContains(t, err, "line 2")
	})

	t.Run("line too long", func(t *testing.T) {
		r := encoding.NewNDJSONReader(strings.NewReader(`{"s": "`+strings.Repeat("a", 2048)+`"}`), 1)
		_, err := r.Read()
		require.Error(t, err)
		require.NotErrorIs(t, err, io.EOF)
	})

	t.Run("empty input", func(t *testing.T) {
		r := encoding.NewNDJSONReader(strings.NewReader("\n\n"), 1)
		_, err := r.Read()
		require.ErrorIs(t, err, io.EOF)
	})
}

func TestIsSupportedType(t *testing.T) {
	require.True(t, encoding.IsSupportedType(" VARCHAR(255) "))
	require.True(t, encoding.IsSupportedType("timestamp"))
	require.False(t, encoding.IsSupportedType("array<string>"))
	require.False(t, encoding.IsSupportedType("decimal(10,2)"))
}
