// Package restore populates the local auth directory from the stored session
// archive at startup.
package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/gdbrns/go-whatsapp-userbot/internal/archive"
	"github.com/gdbrns/go-whatsapp-userbot/internal/authstate"
	"github.com/gdbrns/go-whatsapp-userbot/internal/authstore"
	"github.com/gdbrns/go-whatsapp-userbot/pkg/log"
)

type Result int

const (
	// Absent means no session is stored; fresh pairing is required.
	Absent Result = iota
	Restored
	// CorruptedAndCleared means the stored archive was unusable and has been
	// deleted together with the local auth directory.
	CorruptedAndCleared
)

func (r Result) String() string {
	switch r {
	case Absent:
		return "absent"
	case Restored:
		return "restored"
	case CorruptedAndCleared:
		return "corrupted-and-cleared"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

type Restorer struct {
	store  authstore.Store
	layout *authstate.Layout
	log    *logrus.Entry

	// tempDir holds the transient archive file; empty means os.TempDir.
	tempDir string
}

func New(store authstore.Store, layout *authstate.Layout) *Restorer {
	return &Restorer{
		store:  store,
		layout: layout,
		log:    log.Component("restore"),
	}
}

// Restore loads the stored session into the auth directory. Only store
// failures are returned as errors; a broken archive or manifest degrades to
// CorruptedAndCleared.
func (r *Restorer) Restore(ctx context.Context) (Result, error) {
	sess, err := r.store.Load(ctx)
	if err != nil {
		return Absent, fmt.Errorf("restore: %w", err)
	}
	if sess == nil {
		// The store is authoritative: local leftovers from an earlier run
		// must not resume a device the store no longer knows about.
		if empty, _ := r.layout.Empty(); !empty {
			r.log.Warn("No stored session, discarding leftover local auth state")
			if err := r.layout.Clear(); err != nil {
				return Absent, fmt.Errorf("restore: clearing stale auth dir: %w", err)
			}
		}
		r.log.Info("No stored session, fresh pairing required")
		return Absent, nil
	}

	entry := r.log.WithField("size", sess.Size).WithField("timestamp", sess.Timestamp)

	if err := r.unpack(sess.Archive); err != nil {
		entry.WithError(err).Warn("Stored session archive is unreadable")
		return r.clear(ctx)
	}
	if err := r.layout.Validate(); err != nil {
		entry.WithError(err).Warn("Restored credentials failed integrity check")
		return r.clear(ctx)
	}

	entry.Info("Session restored from store")
	return Restored, nil
}

func (r *Restorer) unpack(blob []byte) error {
	if err := os.MkdirAll(r.layout.Dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(r.tempDir, "wa-session-*.tar")
	if err != nil {
		return err
	}
	defer func() {
		_ = tmp.Close()
		if rmErr := os.Remove(tmp.Name()); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			r.log.WithError(rmErr).Warn("Failed to remove temporary session archive")
		}
	}()

	if _, err := tmp.Write(blob); err != nil {
		return err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return archive.Unpack(tmp, r.layout.Dir)
}

func (r *Restorer) clear(ctx context.Context) (Result, error) {
	if err := r.store.Clear(ctx); err != nil {
		return CorruptedAndCleared, fmt.Errorf("restore: clearing corrupted session: %w", err)
	}
	if err := r.layout.Clear(); err != nil {
		return CorruptedAndCleared, fmt.Errorf("restore: clearing auth dir: %w", err)
	}
	r.log.Warn("Corrupted session cleared, fresh pairing required")
	return CorruptedAndCleared, nil
}
