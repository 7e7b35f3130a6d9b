package swap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/glue-table-swap/objectstorage"
)

func TestClaimWinner(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	prefix := "warehouse/analytics/loans/version_2/"

	t.Run("no markers", func(t *testing.T) {
		require.Empty(t, claimWinner(nil))
	})

	t.Run("oldest marker wins", func(t *testing.T) {
		require.Equal(t, prefix+claimMarkerPrefix+"b", claimWinner([]objectstorage.Object{
			{Key: prefix + claimMarkerPrefix + "a", LastModified: now.Add(time.Second)},
			{Key: prefix + claimMarkerPrefix + "b", LastModified: now},
			{Key: prefix + claimMarkerPrefix + "c", LastModified: now.Add(2 * time.Second)},
		}))
	})

	t.Run("same time breaks ties by key", func(t *testing.T) {
		markers := []objectstorage.Object{
			{Key: prefix + claimMarkerPrefix + "f", LastModified: now},
			{Key: prefix + claimMarkerPrefix + "d", LastModified: now},
		}
		require.Equal(t, prefix+claimMarkerPrefix+"d", claimWinner(markers))
		require.Equal(t, prefix+claimMarkerPrefix+"f", markers[0].Key, "input is left unsorted")
	})
}

func TestIsLiveClaim(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ttl := time.Hour
	prefix := "warehouse/analytics/loans/version_2/"

	require.True(t, isLiveClaim(objectstorage.Object{Key: prefix + claimMarkerPrefix + "a", LastModified: now.Add(-time.Minute)}, now, ttl))
	require.False(t, isLiveClaim(objectstorage.Object{Key: prefix + claimMarkerPrefix + "a", LastModified: now.Add(-2 * time.Hour)}, now, ttl), "abandoned marker")
	require.False(t, isLiveClaim(objectstorage.Object{Key: prefix + "part-0.parquet", LastModified: now}, now, ttl))
	require.False(t, isLiveClaim(objectstorage.Object{Key: prefix + "type=" + claimMarkerPrefix + "x/part-0.parquet", LastModified: now}, now, ttl))
	require.True(t, isClaimMarker(prefix+"type=fixed/"+claimMarkerPrefix+"a"))
}
