package usecase

import (
	"context"

	"exploratory-testing-support/internal/domain"
)

// Keys used in the shared store.
const (
	KeyCurrentSession = "currentSession"
	KeyLastSessionID  = "lastSessionId"
	KeyPendingSync    = "pendingSync"
	KeyAccessToken    = "accessToken"
	KeyRefreshToken   = "refreshToken"
	archivePrefix     = "session/"
)

// ArchiveKey is where a terminated session is retained.
func ArchiveKey(id string) string { return archivePrefix + id }

// Change is delivered to subscribers after every Set, Update or Remove.
// A nil value means the key was absent.
type Change struct {
	Key      string
	OldValue []byte
	NewValue []byte
}

type ChangeFunc func(Change)

// SharedStore is the durable key/value store shared by every execution
// context. Notifications are asynchronous and may lag behind writes.
type SharedStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, keys ...string) error
	// Update applies fn atomically to the current value. Returning
	// (nil, nil) from fn removes the key; returning ErrNoChange leaves it.
	Update(ctx context.Context, key string, fn func(old []byte, ok bool) ([]byte, error)) error
	Subscribe(fn ChangeFunc) (unsubscribe func())
}

// BackendSink receives completed sessions. Retries and auth refresh are
// the implementation's business.
type BackendSink interface {
	SaveSession(ctx context.Context, s domain.Session) error
}
