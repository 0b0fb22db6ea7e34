// Package authstore persists the single session archive of the bot identity.
package authstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultSessionID is the singleton key of the session record.
const DefaultSessionID = "session"

// ErrStoreUnavailable marks connectivity failures of the backing database.
var ErrStoreUnavailable = errors.New("auth store unavailable")

// UnavailableError wraps a driver error classified as a connectivity
// failure. It matches ErrStoreUnavailable with errors.Is.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("auth store %s: %v: %v", e.Op, ErrStoreUnavailable, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrStoreUnavailable }

// Session is the stored session record.
type Session struct {
	ID        string
	Archive   []byte
	Timestamp time.Time
	Size      int64
}

// Store holds at most one Session per identity.
type Store interface {
	// Load returns nil, nil when no session is stored.
	Load(ctx context.Context) (*Session, error)
	// Save upserts the session with a new archive. The last writer wins.
	Save(ctx context.Context, archive []byte) error
	// Clear deletes the session; deleting an absent session is not an error.
	Clear(ctx context.Context) error
	Ping(ctx context.Context) error
}

// NewSession builds the record written by Save.
func NewSession(id string, archive []byte, now time.Time) *Session {
	return &Session{
		ID:        id,
		Archive:   archive,
		Timestamp: now.UTC(),
		Size:      int64(len(archive)),
	}
}
