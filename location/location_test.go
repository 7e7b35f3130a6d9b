package location_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rudderlabs/glue-table-swap/location"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestParse(t *testing.T) {
	testCases := []struct {
		name     string
		uri      string
		expected location.Location
		wantErr  error
	}{
		{
			name:     "s3 with trailing slash",
			uri:      "s3://bucket/db/table/version_0/",
			expected: location.Location{Bucket: "bucket", Key: "db/table/version_0"},
		},
		{
			name:     "s3a without trailing slash",
			uri:      "s3a://bucket/db/table",
			expected: location.Location{Bucket: "bucket", Key: "db/table"},
		},
		{
			name:     "bucket root",
			uri:      "s3://bucket",
			expected: location.Location{Bucket: "bucket"},
		},
		{
			name:     "virtual hosted url",
			uri:      "https://my.test-bucket.s3.us-west-1.amazonaws.com/folder/object.parquet",
			expected: location.Location{Bucket: "my.test-bucket", Key: "folder/object.parquet"},
		},
		{
			name:     "virtual hosted url without region",
			uri:      "https://test-bucket.s3.amazonaws.com/object.parquet",
			expected: location.Location{Bucket: "test-bucket", Key: "object.parquet"},
		},
		{
			name:     "path style url",
			uri:      "https://s3.amazonaws.com/test-bucket/folder/object.parquet",
			expected: location.Location{Bucket: "test-bucket", Key: "folder/object.parquet"},
		},
		{
			name:    "missing bucket",
			uri:     "s3:///key",
			wantErr: location.ErrInvalidLocation,
		},
		{
			name:    "unsupported scheme",
			uri:     "gs://bucket/key",
			wantErr: location.ErrInvalidLocation,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			loc, err := location.Parse(tc.uri)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, loc)
		})
	}
}

func TestLocation(t *testing.T) {
	loc := location.MustParse("s3://bucket/db/table/")

	require.Equal(t, "s3://bucket/db/table/", loc.String())
	require.Equal(t, "db/table/", loc.Prefix())
	require.Equal(t, "s3://bucket/", location.Location{Bucket: "bucket"}.String())
	require.Equal(t, "", location.Location{Bucket: "bucket"}.Prefix())

	joined := loc.Join("/version_1/", "", "type=fixed")
	require.Equal(t, "s3://bucket/db/table/version_1/type=fixed/", joined.String())

	require.True(t, loc.Contains(joined))
	require.True(t, loc.Contains(loc))
	require.False(t, joined.Contains(loc))
	require.True(t, joined.Overlaps(loc))
	require.False(t, loc.Contains(location.MustParse("s3://bucket/db/table_other/")))
	require.False(t, loc.Contains(location.MustParse("s3://other/db/table/")))
}

func TestVersion(t *testing.T) {
	t.Run("versioned", func(t *testing.T) {
		loc := location.MustParse("s3://bucket/db/table/version_41/")

		version, err := location.Version(loc)
		require.NoError(t, err)
		require.Equal(t, 41, version)

		require.Equal(t, "s3://bucket/db/table/", location.Base(loc).String())

		next, err := location.Next(loc)
		require.NoError(t, err)
		require.Equal(t, "s3://bucket/db/table/version_42/", next.String())
	})

	t.Run("not versioned", func(t *testing.T) {
		loc := location.MustParse("s3://bucket/db/table/")

		_, err := location.Version(loc)
		require.ErrorIs(t, err, location.ErrNotVersioned)

		_, err = location.Next(loc)
		require.ErrorIs(t, err, location.ErrNotVersioned)

		require.Equal(t, loc, location.Base(loc))
		require.Equal(t, "s3://bucket/db/table/version_0/", location.Initial(loc).String())
	})
}

func TestVersionRoot(t *testing.T) {
	root, ok := location.VersionRoot(location.MustParse("s3://bucket/db/table/version_2/type=fixed/year=2021/"))
	require.True(t, ok)
	require.Equal(t, "s3://bucket/db/table/version_2/", root.String())

	root, ok = location.VersionRoot(location.MustParse("s3://bucket/db/table/version_2/"))
	require.True(t, ok)
	require.Equal(t, "s3://bucket/db/table/version_2/", root.String())

	_, ok = location.VersionRoot(location.MustParse("s3://bucket/db/table/type=fixed/"))
	require.False(t, ok)
}

func TestVersionOfKey(t *testing.T) {
	base := location.MustParse("s3://bucket/db/table/")

	version, ok := location.VersionOfKey(base, "db/table/version_12/type=fixed/part-0.parquet")
	require.True(t, ok)
	require.Equal(t, 12, version)

	for _, key := range []string{
		"db/table/part-0.parquet",
		"db/table/version_x/part-0.parquet",
		"db/other/version_1/part-0.parquet",
		"db/table/version_1",
	} {
		_, ok := location.VersionOfKey(base, key)
		require.False(t, ok, key)
	}
}

func TestAllocate(t *testing.T) {
	ctx := context.Background()
	start := location.MustParse("s3://bucket/db/table/version_3/")

	t.Run("first candidate free", func(t *testing.T) {
		loc, err := location.Allocate(ctx, start, func(context.Context, location.Location) (bool, error) {
			return false, nil
		}, 0)
		require.NoError(t, err)
		require.Equal(t, start, loc)
	})

	t.Run("skips used candidates", func(t *testing.T) {
		used := map[string]bool{
			"s3://bucket/db/table/version_3/": true,
			"s3://bucket/db/table/version_4/": true,
		}
		loc, err := location.Allocate(ctx, start, func(_ context.Context, candidate location.Location) (bool, error) {
			return used[candidate.String()], nil
		}, 0)
		require.NoError(t, err)
		require.Equal(t, "s3://bucket/db/table/version_5/", loc.String())
	})

	t.Run("exhausted", func(t *testing.T) {
		_, err := location.Allocate(ctx, start, func(context.Context, location.Location) (bool, error) {
			return true, nil
		}, 3)
		require.ErrorIs(t, err, location.ErrNoFreeLocation)
	})

	t.Run("check error", func(t *testing.T) {
		checkErr := errors.New("list failed")
		_, err := location.Allocate(ctx, start, func(context.Context, location.Location) (bool, error) {
			return false, checkErr
		}, 0)
		require.ErrorIs(t, err, checkErr)
	})

	t.Run("unversioned start", func(t *testing.T) {
		_, err := location.Allocate(ctx, location.MustParse("s3://bucket/db/table/"), nil, 0)
		require.ErrorIs(t, err, location.ErrNotVersioned)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := location.Allocate(ctx, start, func(context.Context, location.Location) (bool, error) {
			return false, nil
		}, 0)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestPartitionPath(t *testing.T) {
	root := location.MustParse("s3://bucket/db/table/version_1/")
	keys := []string{"type", "year", "quarter"}

	loc, err := location.PartitionPath(root, keys, []string{"fixed", "2021", "1"})
	require.NoError(t, err)
	require.Equal(t, "s3://bucket/db/table/version_1/type=fixed/year=2021/quarter=1/", loc.String())

	values, err := location.ParsePartitionPath(root, loc.Prefix()+"part-00000.parquet", keys)
	require.NoError(t, err)
	require.Equal(t, []string{"fixed", "2021", "1"}, values)

	t.Run("escaped values round trip", func(t *testing.T) {
		loc, err := location.PartitionPath(root, []string{"path"}, []string{"a/b c"})
		require.NoError(t, err)
		require.Equal(t, "db/table/version_1/path=a%2Fb%20c/", loc.Prefix())

		values, err := location.ParsePartitionPath(root, loc.Prefix()+"file.parquet", []string{"path"})
		require.NoError(t, err)
		require.Equal(t, []string{"a/b c"}, values)
	})

	t.Run("mismatched keys and values", func(t *testing.T) {
		_, err := location.PartitionPath(root, keys, []string{"fixed"})
		require.ErrorIs(t, err, location.ErrInvalidPartitionPath)
	})

	t.Run("invalid object keys", func(t *testing.T) {
		for _, key := range []string{
			"db/other/type=fixed/year=2021/quarter=1/file.parquet",
			root.Prefix() + "type=fixed/year=2021/file.parquet",
			root.Prefix() + "type=fixed/quarter=1/year=2021/file.parquet",
			root.Prefix() + "fixed/2021/1/file.parquet",
		} {
			_, err := location.ParsePartitionPath(root, key, keys)
			require.ErrorIs(t, err, location.ErrInvalidPartitionPath, key)
		}
	})
}
