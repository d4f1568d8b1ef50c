package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"argumentcoach/pkg/domain"
)

const defaultPresignExpiry = 15 * time.Minute

// ArgumentArchive exports completed arguments as JSON documents.
type ArgumentArchive struct {
	store  ObjectStore
	expiry time.Duration
}

// NewArgumentArchive wraps store. A non-positive expiry defaults to 15m.
func NewArgumentArchive(store ObjectStore, expiry time.Duration) *ArgumentArchive {
	if expiry <= 0 {
		expiry = defaultPresignExpiry
	}
	return &ArgumentArchive{store: store, expiry: expiry}
}

// ArchiveKey is the object key of an argument export.
func ArchiveKey(userID, argumentID string) string {
	return fmt.Sprintf("arguments/%s/%s.json", userID, argumentID)
}

type archiveDocument struct {
	domain.Argument
	ArchivedAt time.Time `json:"archivedAt"`
}

// Save writes arg and returns its key. Saving the same argument twice
// overwrites the previous export.
func (a *ArgumentArchive) Save(ctx context.Context, arg domain.Argument, at time.Time) (string, error) {
	body, err := json.MarshalIndent(archiveDocument{Argument: arg, ArchivedAt: at.UTC()}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode argument: %w", err)
	}
	key := ArchiveKey(arg.UserID, arg.ID)
	if err := a.store.Put(ctx, key, bytes.NewReader(body), int64(len(body)), "application/json"); err != nil {
		return "", err
	}
	return key, nil
}

// URL returns a presigned download URL, or ErrObjectNotFound when the
// export has not been written yet.
func (a *ArgumentArchive) URL(ctx context.Context, userID, argumentID string) (string, time.Time, error) {
	key := ArchiveKey(userID, argumentID)
	ok, err := a.store.Exists(ctx, key)
	if err != nil {
		return "", time.Time{}, err
	}
	if !ok {
		return "", time.Time{}, ErrObjectNotFound
	}
	url, err := a.store.PresignGet(ctx, key, a.expiry)
	if err != nil {
		return "", time.Time{}, err
	}
	return url, time.Now().UTC().Add(a.expiry), nil
}
