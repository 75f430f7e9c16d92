package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hyperengineering/syncstore/internal/blobstore"
)

func backupKey(userID string) string {
	return fmt.Sprintf("outboxBackupPrefix-%s", userID)
}

// Save persists backup under userID's outbox backup key, JSON-encoded.
func Save(ctx context.Context, store *blobstore.Store, userID string, backup *Backup) error {
	data, err := json.Marshal(backup)
	if err != nil {
		return fmt.Errorf("marshal outbox backup: %w", err)
	}
	return store.Save(ctx, backupKey(userID), data)
}

// Load reads userID's outbox backup, validating its shape before
// unmarshaling. Returns (nil, nil) if no backup is stored.
func Load(ctx context.Context, store *blobstore.Store, userID string) (*Backup, error) {
	data, err := store.Load(ctx, backupKey(userID))
	if err != nil {
		return nil, fmt.Errorf("load outbox backup: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	if err := ValidateShape(data); err != nil {
		return nil, err
	}

	var backup Backup
	if err := json.Unmarshal(data, &backup); err != nil {
		return nil, fmt.Errorf("unmarshal outbox backup: %w", err)
	}
	return &backup, nil
}

// Clear removes userID's outbox backup, if any.
func Clear(ctx context.Context, store *blobstore.Store, userID string) error {
	return store.Delete(ctx, backupKey(userID))
}
