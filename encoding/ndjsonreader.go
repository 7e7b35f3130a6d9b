package encoding

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/rudderlabs/glue-table-swap/jsonrs"
)

// NDJSONReader reads one JSON object per line.
type NDJSONReader struct {
	scanner *bufio.Scanner
	line    int
}

// NewNDJSONReader returns a new NDJSON reader.
// default scanner buffer maxCapacity is 64K
// set it to higher value to avoid read stop on read size error
func NewNDJSONReader(r io.Reader, bufferCapacityInK int) *NDJSONReader {
	maxCapacity := bufferCapacityInK * 1024

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, maxCapacity), maxCapacity)

	return &NDJSONReader{scanner: scanner}
}

// Read returns the next row, skipping blank lines. It returns io.EOF once the
// input is exhausted.
func (r *NDJSONReader) Read() (map[string]any, error) {
	for {
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return nil, fmt.Errorf("scanner scan: %w", err)
			}
			return nil, io.EOF
		}
		r.line++

		lineBytes := bytes.TrimSpace(r.scanner.Bytes())
		if len(lineBytes) == 0 {
			continue
		}

		dec := jsonrs.NewDecoder(bytes.NewReader(lineBytes))
		dec.UseNumber()

		row := make(map[string]any)
		if err := dec.Decode(&row); err != nil {
			return nil, fmt.Errorf("json unmarshal line %d: %w", r.line, err)
		}
		return row, nil
	}
}
