package testhelper

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/glue-table-swap/jsonrs"
)

// WriteNDJSON writes rows as a newline delimited JSON file inside a test
// temporary directory and returns its path.
func WriteNDJSON(t testing.TB, rows []map[string]any) string {
	t.Helper()

	f, err := os.Create(filepath.Join(t.TempDir(), "rows.ndjson"))
	require.NoError(t, err)
	defer func() { require.NoError(t, f.Close()) }()

	enc := jsonrs.NewEncoder(f)
	for _, row := range rows {
		require.NoError(t, enc.Encode(row))
	}
	return f.Name()
}
