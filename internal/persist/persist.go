// Package persist writes the local auth directory back to the auth store,
// coalescing bursts of credential updates into one archive upload.
package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/gdbrns/go-whatsapp-userbot/internal/archive"
	"github.com/gdbrns/go-whatsapp-userbot/internal/authstate"
	"github.com/gdbrns/go-whatsapp-userbot/internal/authstore"
	"github.com/gdbrns/go-whatsapp-userbot/pkg/log"
)

const (
	DefaultInterval = 10 * time.Second
	DefaultTimeout  = 30 * time.Second
)

// ErrDisabled is returned by PersistNow after Discard or Close.
var ErrDisabled = errors.New("persister disabled")

// Snapshot describes one successful upload.
type Snapshot struct {
	RunID string
	Size  int
	At    time.Time
}

type Config struct {
	// Interval is the quiet period after the last Trigger.
	Interval time.Duration
	// Timeout bounds a persist started by the debounce timer.
	Timeout time.Duration
	After   AfterFunc
	// Prepare runs before packing, e.g. to checkpoint the key database.
	Prepare func(ctx context.Context) error
}

// Persister packs creds.json and keys/ and saves them to the store.
type Persister struct {
	store  authstore.Store
	layout *authstate.Layout
	sched  *DebounceScheduler
	sem    *semaphore.Weighted
	log    *logrus.Entry

	timeout time.Duration
	prepare func(ctx context.Context) error

	mu          sync.Mutex
	disabled    bool
	onPersisted func(Snapshot)
}

func New(store authstore.Store, layout *authstate.Layout, cfg Config) *Persister {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	p := &Persister{
		store:   store,
		layout:  layout,
		sem:     semaphore.NewWeighted(1),
		log:     log.Component("persist"),
		timeout: cfg.Timeout,
		prepare: cfg.Prepare,
	}
	p.sched = NewDebounceScheduler(cfg.Interval, p.persistFromTimer, cfg.After)
	return p
}

// OnPersisted registers a callback run after every successful upload.
func (p *Persister) OnPersisted(fn func(Snapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onPersisted = fn
}

// Trigger schedules a persist after the quiet interval. It never blocks on
// I/O.
func (p *Persister) Trigger() {
	if p.isDisabled() {
		return
	}
	p.sched.Schedule()
}

// Pending reports whether a debounced persist is waiting.
func (p *Persister) Pending() bool {
	return p.sched.Pending()
}

// PersistNow packs the auth directory and uploads it. Calls are serialized.
// Nothing is uploaded before a credential manifest exists.
func (p *Persister) PersistNow(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	if p.isDisabled() {
		return ErrDisabled
	}

	runID := uuid.NewString()
	entry := p.log.WithField("run_id", runID)

	if !p.layout.HasCredentials() {
		entry.Debug("No credentials yet, skipping persist")
		return nil
	}

	started := time.Now()
	if p.prepare != nil {
		if err := p.prepare(ctx); err != nil {
			entry.WithError(err).Warn("Key store checkpoint failed, packing as is")
		}
	}
	blob, err := archive.Pack(p.layout.Dir, p.layout.ArchivePaths())
	if err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	if err := p.store.Save(ctx, blob); err != nil {
		return fmt.Errorf("persist: %w", err)
	}

	entry.WithField("size", len(blob)).
		WithField("took", time.Since(started).String()).
		Debug("Session persisted")

	p.mu.Lock()
	hook := p.onPersisted
	p.mu.Unlock()
	if hook != nil {
		hook(Snapshot{RunID: runID, Size: len(blob), At: time.Now()})
	}
	return nil
}

func (p *Persister) persistFromTimer() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	err := p.PersistNow(ctx)
	switch {
	case err == nil, errors.Is(err, ErrDisabled):
	case errors.Is(err, authstore.ErrStoreUnavailable):
		p.log.WithError(err).Warn("Auth store unavailable, session not persisted")
	default:
		p.log.WithError(err).Error("Failed to persist session")
	}
}

// Discard drops any pending persist, waits for one in flight and disables
// the persister. Used before the stored session is deleted so that a late
// timer cannot write it back.
func (p *Persister) Discard(ctx context.Context) error {
	p.disable()
	p.sched.Cancel()
	return p.drain(ctx)
}

// Close flushes a pending persist, then disables the persister.
func (p *Persister) Close(ctx context.Context) error {
	var flushErr error
	if p.sched.Cancel() {
		flushErr = p.PersistNow(ctx)
	}
	p.disable()
	if err := p.drain(ctx); err != nil {
		return err
	}
	return flushErr
}

func (p *Persister) drain(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.sem.Release(1)
	return nil
}

func (p *Persister) disable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disabled = true
}

func (p *Persister) isDisabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disabled
}
