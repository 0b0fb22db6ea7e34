package whatsapp

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"golang.org/x/sync/singleflight"
)

// VersionFetcher returns the current WhatsApp Web version.
type VersionFetcher func(ctx context.Context, httpClient *http.Client) (*store.WAVersionContainer, error)

// VersionRefresher keeps the advertised WhatsApp Web version current. QR
// pairing is rejected by the server when the client version is too old.
type VersionRefresher struct {
	fetch       VersionFetcher
	minInterval time.Duration
	group       singleflight.Group

	mu          sync.RWMutex
	lastAttempt time.Time
	lastErr     error
}

func NewVersionRefresher(minInterval time.Duration, fetch VersionFetcher) *VersionRefresher {
	if fetch == nil {
		fetch = whatsmeow.GetLatestVersion
	}
	return &VersionRefresher{fetch: fetch, minInterval: minInterval}
}

// Refresh fetches and applies the latest version. Concurrent calls share one
// request and calls within minInterval of the last attempt are no-ops unless
// force is set.
func (r *VersionRefresher) Refresh(ctx context.Context, force bool) (bool, error) {
	if !force && r.minInterval > 0 {
		r.mu.RLock()
		last := r.lastAttempt
		r.mu.RUnlock()
		if !last.IsZero() && time.Since(last) < r.minInterval {
			return false, nil
		}
	}

	_, err, _ := r.group.Do("refresh", func() (interface{}, error) {
		latest, err := r.fetch(ctx, &http.Client{Timeout: 15 * time.Second})
		if err == nil && latest == nil {
			err = errors.New("latest WhatsApp Web version is nil")
		}
		if err == nil {
			store.SetWAVersion(*latest)
		}

		r.mu.Lock()
		r.lastAttempt = time.Now()
		r.lastErr = err
		r.mu.Unlock()
		return nil, err
	})
	return true, err
}

// LastError is the error of the most recent refresh, nil after a success.
func (r *VersionRefresher) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}
