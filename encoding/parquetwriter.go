package encoding

import (
	"bufio"
	"fmt"
	"os"

	"github.com/xitongsys/parquet-go/writer"
)

// ParquetWriter writes rows into a local parquet file.
type ParquetWriter struct {
	writer      *writer.CSVWriter
	file        *os.File
	bufWriter   *bufio.Writer
	columns     []Column
	rowsWritten int
}

// NewParquetWriter creates outputFilePath and prepares it for rows with the
// given columns, in order.
func NewParquetWriter(outputFilePath string, columns []Column, parallelWriters int64) (*ParquetWriter, error) {
	pSchema, err := parquetSchema(columns)
	if err != nil {
		return nil, err
	}

	file, err := os.Create(outputFilePath)
	if err != nil {
		return nil, err
	}
	bufWriter := bufio.NewWriter(file)

	w, err := writer.NewCSVWriterFromWriter(pSchema, bufWriter, parallelWriters)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("creating parquet writer: %w", err)
	}

	return &ParquetWriter{
		writer:    w,
		file:      file,
		bufWriter: bufWriter,
		columns:   columns,
	}, nil
}

// SetRowGroupSize bounds the bytes of rows buffered in memory before a row
// group is flushed to the file.
func (p *ParquetWriter) SetRowGroupSize(size int64) {
	p.writer.RowGroupSize = size
}

// WriteRow writes raw values, converting each with ParquetValue.
func (p *ParquetWriter) WriteRow(row []any) error {
	if len(row) != len(p.columns) {
		return fmt.Errorf("row has %d values, expected %d", len(row), len(p.columns))
	}

	values := make([]any, len(row))
	for i, val := range row {
		v, err := ParquetValue(val, p.columns[i].Type)
		if err != nil {
			return fmt.Errorf("column %s: %w", p.columns[i].Name, err)
		}
		values[i] = v
	}

	if err := p.writer.Write(values); err != nil {
		return err
	}
	p.rowsWritten++
	return nil
}

// Rows returns the number of rows written so far.
func (p *ParquetWriter) Rows() int {
	return p.rowsWritten
}

func (p *ParquetWriter) Path() string {
	return p.file.Name()
}

func (p *ParquetWriter) Close() error {
	if err := p.writer.WriteStop(); err != nil {
		_ = p.file.Close()
		return fmt.Errorf("write stop: %w", err)
	}
	if err := p.bufWriter.Flush(); err != nil {
		_ = p.file.Close()
		return fmt.Errorf("flush: %w", err)
	}
	return p.file.Close()
}
