package lifecycle

import (
	"context"
	"fmt"

	"github.com/hyperengineering/syncstore/internal/blobstore"
)

func watermarkKey(userID string) string {
	return fmt.Sprintf("lastSyncPrefix-%s", userID)
}

// getWatermark returns the last-sync ISO timestamp recorded for userID, or
// "" if none is set.
func getWatermark(ctx context.Context, store *blobstore.Store, userID string) (string, error) {
	raw, err := store.Load(ctx, watermarkKey(userID))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// clearWatermark invalidates userID's last-sync watermark. Called on every
// destructive schema path, unconditionally, regardless of whether a
// snapshot previously existed (spec §4.G "ordering and tie-breaks").
func clearWatermark(ctx context.Context, store *blobstore.Store, userID string) error {
	return store.Delete(ctx, watermarkKey(userID))
}
