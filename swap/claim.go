package swap

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/rudderlabs/rudder-go-kit/logger"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/rudderlabs/glue-table-swap/location"
	"github.com/rudderlabs/glue-table-swap/objectstorage"
	"github.com/rudderlabs/glue-table-swap/writer"
)

// ErrShadowContended is returned when objects of another writer show up in a
// claimed shadow location before it is published.
var ErrShadowContended = errors.New("shadow location written by another overwrite")

// claimMarkerPrefix starts the name of the marker objects claiming a shadow
// location. Query engines skip objects starting with an underscore.
const claimMarkerPrefix = "_tableswap_claim_"

func isClaimMarker(key string) bool {
	return strings.HasPrefix(path.Base(key), claimMarkerPrefix)
}

// claimWinner returns the key of the marker owning a location: the oldest one,
// ties broken by key.
func claimWinner(markers []objectstorage.Object) string {
	if len(markers) == 0 {
		return ""
	}
	sorted := append([]objectstorage.Object(nil), markers...)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].LastModified.Equal(sorted[j].LastModified) {
			return sorted[i].LastModified.Before(sorted[j].LastModified)
		}
		return sorted[i].Key < sorted[j].Key
	})
	return sorted[0].Key
}

// isLiveClaim reports whether o is a claim marker written within ttl. Older
// markers are left behind by overwrites that never finished.
func isLiveClaim(o objectstorage.Object, now time.Time, ttl time.Duration) bool {
	return isClaimMarker(o.Key) && now.Sub(o.LastModified) < ttl
}

// claim uploads a marker into candidate and keeps it if no data and no older
// marker is found there. A lost claim removes its marker.
func (s *Swapper) claim(ctx context.Context, store *objectstorage.Store, candidate location.Location) (location.Location, bool, error) {
	marker, err := store.Put(ctx, candidate.Prefix(), claimMarkerPrefix+uuid.New().String(), []byte(s.owner))
	if err != nil {
		return location.Location{}, false, fmt.Errorf("claiming %s: %w", candidate, err)
	}

	objects, err := store.List(ctx, candidate.Prefix(), 0)
	if err != nil {
		s.release(ctx, marker)
		return location.Location{}, false, fmt.Errorf("listing %s: %w", candidate, err)
	}
	markers, data := lo.FilterReject(objects, func(o objectstorage.Object, _ int) bool {
		return isClaimMarker(o.Key)
	})
	if len(data) == 0 && claimWinner(markers) == marker.Key {
		return marker, true, nil
	}

	s.logger.Infon("Shadow location claimed by another overwrite",
		logger.NewStringField("location", candidate.String()),
	)
	s.release(ctx, marker)
	return location.Location{}, false, nil
}

// release deletes a claim marker. It runs even if ctx was cancelled.
func (s *Swapper) release(ctx context.Context, marker location.Location) {
	if marker.IsZero() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.cleanupTimeout)
	defer cancel()

	store, err := s.stores.StoreFor(marker)
	if err == nil {
		_, err = store.Delete(ctx, []string{marker.Key})
	}
	if err != nil {
		s.logger.Warnn("Releasing shadow claim",
			logger.NewStringField("marker", marker.String()),
			obskit.Error(err),
		)
	}
}

// verifyExclusive checks that the shadow location holds nothing but the
// objects of this overwrite.
func (s *Swapper) verifyExclusive(ctx context.Context, shadow, marker location.Location, m writer.Manifest) error {
	store, err := s.stores.StoreFor(shadow)
	if err != nil {
		return err
	}
	objects, err := store.List(ctx, shadow.Prefix(), 0)
	if err != nil {
		return fmt.Errorf("listing %s: %w", shadow, err)
	}

	own := make(map[string]struct{}, m.Files()+1)
	own[marker.Key] = struct{}{}
	for _, p := range m.Partitions {
		for _, f := range p.Files {
			own[f.Key] = struct{}{}
		}
	}
	for _, o := range objects {
		if _, ok := own[o.Key]; !ok {
			return fmt.Errorf("%w: %s", ErrShadowContended, o.Key)
		}
	}
	return nil
}

// manifestKeys lists the objects written for m.
func manifestKeys(m writer.Manifest) []string {
	var keys []string
	for _, p := range m.Partitions {
		for _, f := range p.Files {
			keys = append(keys, f.Key)
		}
	}
	return keys
}
