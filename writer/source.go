package writer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rudderlabs/glue-table-swap/encoding"
)

// RowSource yields rows until it returns io.EOF.
type RowSource interface {
	Next(ctx context.Context) (map[string]any, error)
	Close() error
}

// NDJSONFileSource reads rows from local newline delimited JSON files, one
// file after the other.
type NDJSONFileSource struct {
	paths             []string
	bufferCapacityInK int

	current *os.File
	reader  *encoding.NDJSONReader
}

func NDJSONSource(bufferCapacityInK int, paths ...string) *NDJSONFileSource {
	return &NDJSONFileSource{
		paths:             paths,
		bufferCapacityInK: bufferCapacityInK,
	}
}

func (s *NDJSONFileSource) Next(ctx context.Context) (map[string]any, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if s.reader == nil {
			if len(s.paths) == 0 {
				return nil, io.EOF
			}
			f, err := os.Open(s.paths[0])
			if err != nil {
				return nil, fmt.Errorf("opening %s: %w", s.paths[0], err)
			}
			s.paths = s.paths[1:]
			s.current = f
			s.reader = encoding.NewNDJSONReader(f, s.bufferCapacityInK)
		}

		row, err := s.reader.Read()
		if errors.Is(err, io.EOF) {
			if err := s.closeCurrent(); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.current.Name(), err)
		}
		return row, nil
	}
}

func (s *NDJSONFileSource) Close() error {
	return s.closeCurrent()
}

func (s *NDJSONFileSource) closeCurrent() error {
	s.reader = nil
	if s.current == nil {
		return nil
	}
	f := s.current
	s.current = nil
	return f.Close()
}

// SliceSource yields rows from memory.
type SliceSource struct {
	rows []map[string]any
}

func NewSliceSource(rows []map[string]any) *SliceSource {
	return &SliceSource{rows: rows}
}

func (s *SliceSource) Next(ctx context.Context) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.rows) == 0 {
		return nil, io.EOF
	}
	row := s.rows[0]
	s.rows = s.rows[1:]
	return row, nil
}

func (*SliceSource) Close() error { return nil }
