// Package webhook pushes lifecycle events to an HTTP endpoint with an
// HMAC-SHA256 signature.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gdbrns/go-whatsapp-userbot/pkg/log"
)

const queueSize = 100

type Config struct {
	URL        string
	Secret     string
	SessionID  string
	Workers    int
	RetryLimit int
	Timeout    time.Duration
	// RetryDelay is the wait before the given retry attempt. Defaults to
	// attempt*2 seconds.
	RetryDelay func(attempt int) time.Duration
}

// Engine queues events and delivers them from a fixed worker pool. A nil
// *Engine is a disabled engine.
type Engine struct {
	cfg        Config
	httpClient *http.Client
	queue      chan Event
	log        *logrus.Entry

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	stats  Stats
}

// NewEngine starts the workers. An empty URL yields a nil engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	if err := validateURL(cfg.URL); err != nil {
		return nil, fmt.Errorf("webhook: %w", err)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryDelay == nil {
		cfg.RetryDelay = func(attempt int) time.Duration { return time.Duration(attempt*2) * time.Second }
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		queue:      make(chan Event, queueSize),
		log:        log.Component("webhook"),
		ctx:        ctx,
		cancel:     cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e, nil
}

// Dispatch queues an event without blocking. Events are dropped when the
// queue is full or the engine is shut down.
func (e *Engine) Dispatch(eventType EventType, data map[string]interface{}) {
	if e == nil {
		return
	}
	ev := Event{
		ID:        uuid.NewString(),
		EventType: eventType,
		SessionID: e.cfg.SessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.queue <- ev:
	default:
		e.log.WithField("event", string(eventType)).Warn("Webhook queue full, event dropped")
		e.recordLocked(DeliveryDropped, nil)
	}
}

// Stats returns a copy of the delivery counters.
func (e *Engine) Stats() Stats {
	if e == nil {
		return Stats{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Shutdown stops accepting events, lets workers drain the queue and waits
// for them up to ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return ctx.Err()
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for ev := range e.queue {
		e.deliver(ev)
	}
}

func (e *Engine) deliver(ev Event) {
	entry := e.log.WithField("event", string(ev.EventType)).WithField("delivery_id", ev.ID)

	payload, err := json.Marshal(ev)
	if err != nil {
		entry.WithError(err).Error("Failed to encode webhook event")
		e.record(DeliveryFailed, err)
		return
	}
	signature := Sign(payload, e.cfg.Secret)

	var lastErr error
	for attempt := 1; attempt <= e.cfg.RetryLimit; attempt++ {
		if lastErr = e.post(ev, payload, signature); lastErr == nil {
			entry.WithField("attempt", attempt).Debug("Webhook delivered")
			e.record(DeliverySuccess, nil)
			return
		}
		if attempt == e.cfg.RetryLimit {
			break
		}
		select {
		case <-time.After(e.cfg.RetryDelay(attempt)):
		case <-e.ctx.Done():
			attempt = e.cfg.RetryLimit
		}
	}

	entry.WithError(lastErr).Warn("Webhook delivery failed")
	e.record(DeliveryFailed, lastErr)
}

func (e *Engine) post(ev Event, payload []byte, signature string) error {
	req, err := http.NewRequestWithContext(e.ctx, http.MethodPost, e.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Hub-Signature-256", signature)
	req.Header.Set("X-Webhook-Event", string(ev.EventType))
	req.Header.Set("X-Webhook-Delivery", ev.ID)
	req.Header.Set("User-Agent", "WhatsApp-Userbot/1.0")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (e *Engine) record(status DeliveryStatus, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recordLocked(status, err)
}

func (e *Engine) recordLocked(status DeliveryStatus, err error) {
	switch status {
	case DeliverySuccess:
		e.stats.Delivered++
	case DeliveryFailed:
		e.stats.Failed++
	case DeliveryDropped:
		e.stats.Dropped++
	}
	e.stats.LastStatus = string(status)
	e.stats.LastError = ""
	if err != nil {
		e.stats.LastError = err.Error()
	}
	e.stats.LastAt = time.Now()
}

// Sign returns the X-Webhook-Signature value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header against payload in constant time.
func Verify(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL %q has no host", rawURL)
	}
	return nil
}
