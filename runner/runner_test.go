package runner_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/ory/dockertest/v3"
	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	"github.com/rudderlabs/rudder-go-kit/testhelper/docker/resource/minio"

	"github.com/rudderlabs/glue-table-swap/jsonrs"
	"github.com/rudderlabs/glue-table-swap/location"
	"github.com/rudderlabs/glue-table-swap/runner"
	"github.com/rudderlabs/glue-table-swap/swap"
	"github.com/rudderlabs/glue-table-swap/testhelper"
	"github.com/rudderlabs/glue-table-swap/testhelper/fakeglue"
)

func TestRunner(t *testing.T) {
	pool, err := dockertest.NewPool("")
	require.NoError(t, err)

	minioResource, err := minio.Setup(pool, t)
	require.NoError(t, err)

	ctx := context.Background()

	c := config.New()
	testhelper.SetMinioConfig(c, minioResource)
	c.Set("Writer.tmpDir", t.TempDir())

	dbLoc := location.Location{Bucket: minioResource.BucketName, Key: "warehouse/analytics"}
	fg := fakeglue.New()
	fg.AddDatabase("analytics", dbLoc.String())

	run := func(t *testing.T, args ...string) (int, *bytes.Buffer) {
		t.Helper()

		var out bytes.Buffer
		r := runner.New(runner.ReleaseInfo{Version: "v1.2.3"},
			runner.WithConfig(c),
			runner.WithGlueClient(fg),
			runner.WithStats(stats.NOP),
			runner.WithLogger(logger.NOP),
			runner.WithOutput(&out),
		)
		return r.Run(ctx, append([]string{"tableswap"}, args...)), &out
	}

	input := testhelper.WriteNDJSON(t, []map[string]any{
		{"id": 1, "name": "alice", "country": "de"},
		{"id": 2, "name": "bob", "country": "de"},
		{"id": 3, "name": "carol", "country": "fr"},
	})

	overwrite := func(t *testing.T, extra ...string) (int, swap.Result) {
		t.Helper()

		code, out := run(t, append([]string{"overwrite",
			"--database", "analytics",
			"--table", "users",
			"--input", input,
			"--columns", "id:bigint,name:varchar(64)",
			"--partition-keys", "country:string",
		}, extra...)...)

		var res swap.Result
		if code == 0 {
			require.NoError(t, jsonrs.Unmarshal(out.Bytes(), &res))
		}
		return code, res
	}

	t.Run("overwrite", func(t *testing.T) {
		code, res := overwrite(t, "--min-rows", "3")
		require.Equal(t, 0, code)
		require.True(t, res.Created)
		require.Equal(t, 3, res.Rows)
		require.Equal(t, 2, res.PartitionsCreated)
		require.Equal(t, location.AtVersion(dbLoc.Join("users"), 0).String(), res.Location)

		code, res = overwrite(t, "--no-stage")
		require.Equal(t, 0, code)
		require.Equal(t, 1, res.Version)
		require.Equal(t, 2, res.PartitionsUpdated)
		require.Equal(t, []string{"users"}, fg.Tables("analytics"))
	})

	t.Run("overwrite below minimum rows", func(t *testing.T) {
		code, _ := overwrite(t, "--min-rows", "10")
		require.Equal(t, 1, code)
	})

	t.Run("invalid arguments", func(t *testing.T) {
		code, _ := run(t, "overwrite", "--database", "analytics", "--table", "users")
		require.Equal(t, 1, code)

		code, _ = overwrite(t, "--source-table", "other")
		require.Equal(t, 1, code)

		code, _ = run(t, "overwrite", "--database", "analytics", "--table", "users", "--input", input, "--columns", "price:decimal(10,2)")
		require.Equal(t, 1, code)

		code, _ = run(t, "status", "--database", "analytics")
		require.Equal(t, 1, code)
	})

	t.Run("status", func(t *testing.T) {
		code, out := run(t, "status", "--database", "analytics", "--table", "users")
		require.Equal(t, 0, code)
		require.Contains(t, out.String(), location.AtVersion(dbLoc.Join("users"), 1).String())
		require.Contains(t, out.String(), location.AtVersion(dbLoc.Join("users"), 0).String())

		code, out = run(t, "status", "--database", "analytics", "--table", "users", "--json")
		require.Equal(t, 0, code)

		var status swap.Status
		require.NoError(t, jsonrs.Unmarshal(out.Bytes(), &status))
		require.Equal(t, 1, status.Version)
		require.Equal(t, 2, status.Partitions)
		require.Len(t, status.StoredVersions, 2)
	})

	t.Run("rollback", func(t *testing.T) {
		code, out := run(t, "rollback", "--database", "analytics", "--table", "users")
		require.Equal(t, 0, code)

		var res swap.Result
		require.NoError(t, jsonrs.Unmarshal(out.Bytes(), &res))
		require.Equal(t, 0, res.Version)

		code, _ = run(t, "rollback", "--database", "analytics", "--table", "users", "--version", "5")
		require.Equal(t, 1, code)
	})

	t.Run("copy", func(t *testing.T) {
		code, out := run(t, "overwrite", "--database", "analytics", "--table", "users_copy", "--source-table", "users")
		require.Equal(t, 0, code)

		var res swap.Result
		require.NoError(t, jsonrs.Unmarshal(out.Bytes(), &res))
		require.True(t, res.Created)
		require.Equal(t, 3, res.Rows)
	})

	t.Run("cleanup", func(t *testing.T) {
		code, res := overwrite(t)
		require.Equal(t, 0, code)
		require.Equal(t, 2, res.Version)

		code, out := run(t, "cleanup", "--database", "analytics", "--table", "users", "--retain", "1")
		require.Equal(t, 0, code)

		var cleanup swap.CleanupResult
		require.NoError(t, jsonrs.Unmarshal(out.Bytes(), &cleanup))
		require.Equal(t, []int{1, 0}, cleanup.Versions)
	})

	t.Run("version", func(t *testing.T) {
		code, out := run(t, "version")
		require.Equal(t, 0, code)
		require.Contains(t, out.String(), `"version": "v1.2.3"`)
	})

	t.Run("env file", func(t *testing.T) {
		envFile := filepath.Join(t.TempDir(), ".env")
		require.NoError(t, os.WriteFile(envFile, []byte("TABLESWAP_RUNNER_TEST=loaded\n"), 0o600))
		t.Cleanup(func() { _ = os.Unsetenv("TABLESWAP_RUNNER_TEST") })

		code, _ := run(t, "--env-file", envFile, "version")
		require.Equal(t, 0, code)
		require.Equal(t, "loaded", os.Getenv("TABLESWAP_RUNNER_TEST"))

		code, _ = run(t, "--env-file", filepath.Join(t.TempDir(), "missing.env"), "version")
		require.Equal(t, 1, code)
	})

	t.Run("settings from env files", func(t *testing.T) {
		const bufferEnv = "RSERVER_WRITER_READ_BUFFER_CAPACITY_IN_K"
		envFile := filepath.Join(t.TempDir(), ".env")
		require.NoError(t, os.WriteFile(envFile, []byte(bufferEnv+"=1\n"), 0o600))
		t.Cleanup(func() { _ = os.Unsetenv(bufferEnv) })

		wide := testhelper.WriteNDJSON(t, []map[string]any{
			{"id": 1, "name": strings.Repeat("x", 4096), "country": "de"},
		})
		args := []string{"overwrite",
			"--database", "analytics",
			"--table", "wide",
			"--input", wide,
			"--columns", "id:bigint,name:string",
			"--partition-keys", "country",
		}

		code, _ := run(t, append([]string{"--env-file", envFile}, args...)...)
		require.Equal(t, 1, code, "line is longer than the buffer set in the env file")
		require.Nil(t, fg.Table("analytics", "wide"))

		require.NoError(t, os.Unsetenv(bufferEnv))
		code, _ = run(t, args...)
		require.Equal(t, 0, code)

		table := fg.Table("analytics", "wide")
		require.Len(t, table.PartitionKeys, 1)
		require.Equal(t, "country", aws.StringValue(table.PartitionKeys[0].Name))
		require.Equal(t, "string", aws.StringValue(table.PartitionKeys[0].Type))
	})
}
