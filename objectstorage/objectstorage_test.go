package objectstorage_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ory/dockertest/v3"
	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/testhelper/docker/resource/minio"

	"github.com/rudderlabs/glue-table-swap/objectstorage"
	"github.com/rudderlabs/glue-table-swap/testhelper"
)

func TestStore(t *testing.T) {
	pool, err := dockertest.NewPool("")
	require.NoError(t, err)

	minioResource, err := minio.Setup(pool, t)
	require.NoError(t, err)

	ctx := context.Background()

	c := config.New()
	testhelper.SetMinioConfig(c, minioResource)
	c.Set("ObjectStorage.deleteBatchSize", 3)
	c.Set("ObjectStorage.listPageSize", 2)

	factory := objectstorage.NewFactory(c, logger.NOP)
	store, err := factory.Store(minioResource.BucketName)
	require.NoError(t, err)
	require.Equal(t, minioResource.BucketName, store.Bucket())

	again, err := factory.Store(minioResource.BucketName)
	require.NoError(t, err)
	require.Same(t, store, again)

	upload := func(t *testing.T, keyPrefix, name, content string) string {
		t.Helper()

		filePath := filepath.Join(t.TempDir(), name)
		require.NoError(t, os.WriteFile(filePath, []byte(content), 0o600))

		f, err := os.Open(filePath)
		require.NoError(t, err)
		defer func() { _ = f.Close() }()

		loc, err := store.Upload(ctx, f, keyPrefix)
		require.NoError(t, err)
		require.Equal(t, minioResource.BucketName, loc.Bucket)
		return loc.Key
	}

	t.Run("upload and download", func(t *testing.T) {
		key := upload(t, "db/table/version_0/", "part-0.json", `{"id":1}`)
		require.Equal(t, "db/table/version_0/part-0.json", key)

		dst, err := os.CreateTemp(t.TempDir(), "download")
		require.NoError(t, err)
		require.NoError(t, store.Download(ctx, key, dst))
		require.NoError(t, dst.Close())

		content, err := os.ReadFile(dst.Name())
		require.NoError(t, err)
		require.Equal(t, `{"id":1}`, string(content))
	})

	t.Run("list", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			upload(t, "db/table/version_1/", fmt.Sprintf("part-%d.json", i), "{}")
		}
		upload(t, "db/table/version_10/", "part-0.json", "{}")

		objects, err := store.List(ctx, "db/table/version_1/", 0)
		require.NoError(t, err)
		require.Len(t, objects, 5)
		for _, o := range objects {
			require.Contains(t, o.Key, "db/table/version_1/")
			require.False(t, o.LastModified.IsZero())
		}

		limited, err := store.List(ctx, "db/table/", 3)
		require.NoError(t, err)
		require.Len(t, limited, 3)
	})

	t.Run("is empty", func(t *testing.T) {
		empty, err := store.IsEmpty(ctx, "db/table/version_1/")
		require.NoError(t, err)
		require.False(t, empty)

		empty, err = store.IsEmpty(ctx, "db/table/version_2/")
		require.NoError(t, err)
		require.True(t, empty)
	})

	t.Run("put", func(t *testing.T) {
		loc, err := store.Put(ctx, "db/table/version_3/", "_marker", []byte("owner"))
		require.NoError(t, err)
		require.Equal(t, "db/table/version_3/_marker", loc.Key)

		dst, err := os.CreateTemp(t.TempDir(), "download")
		require.NoError(t, err)
		require.NoError(t, store.Download(ctx, loc.Key, dst))
		require.NoError(t, dst.Close())

		content, err := os.ReadFile(dst.Name())
		require.NoError(t, err)
		require.Equal(t, "owner", string(content))
	})

	t.Run("delete keys", func(t *testing.T) {
		keep := upload(t, "db/table/version_4/", "keep.json", "{}")
		var keys []string
		for i := 0; i < 4; i++ {
			keys = append(keys, upload(t, "db/table/version_4/", fmt.Sprintf("drop-%d.json", i), "{}"))
		}

		deleted, err := store.Delete(ctx, keys)
		require.NoError(t, err)
		require.Equal(t, 4, deleted)

		objects, err := store.List(ctx, "db/table/version_4/", 0)
		require.NoError(t, err)
		require.Len(t, objects, 1)
		require.Equal(t, keep, objects[0].Key)
	})

	t.Run("delete prefix", func(t *testing.T) {
		deleted, err := store.DeletePrefix(ctx, "db/table/version_1/")
		require.NoError(t, err)
		require.Equal(t, 5, deleted)

		empty, err := store.IsEmpty(ctx, "db/table/version_1/")
		require.NoError(t, err)
		require.True(t, empty)

		empty, err = store.IsEmpty(ctx, "db/table/version_10/")
		require.NoError(t, err)
		require.False(t, empty)

		_, err = store.DeletePrefix(ctx, "/")
		require.Error(t, err)
	})
}
