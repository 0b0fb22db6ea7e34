// Package lifecycle drives the socket through connect, backoff and
// permanent logout.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/gdbrns/go-whatsapp-userbot/pkg/log"
)

// ErrPermanentLogout is reported by Err once the session was logged out.
var ErrPermanentLogout = errors.New("session permanently logged out")

var errNotRunning = errors.New("lifecycle manager not running")

// Socket is the protocol connection driven by the Manager.
type Socket interface {
	// Start tears down any previous connection and dials a new one.
	Start(ctx context.Context) error
	Stop()
	// Logout invalidates the session on the remote side.
	Logout(ctx context.Context) error
}

// SessionStore is the stored session deleted on permanent logout.
type SessionStore interface {
	Clear(ctx context.Context) error
}

// AuthDir is the local auth directory emptied on permanent logout.
type AuthDir interface {
	Clear() error
}

// Persister is stopped before the session is deleted.
type Persister interface {
	Discard(ctx context.Context) error
}

// Scheduler runs fn once after d and returns a function cancelling it.
type Scheduler func(d time.Duration, fn func()) (cancel func() bool)

func timeScheduler(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}

type Config struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Jitter         float64
	LoggedOutCodes []int
	// CleanupTimeout bounds the store and persister calls of a logout.
	CleanupTimeout time.Duration
	Scheduler      Scheduler
}

type Deps struct {
	Socket    Socket
	Store     SessionStore
	AuthDir   AuthDir
	Persister Persister
}

type (
	startCmd  struct{ ctx context.Context }
	retryTick struct{ gen uint64 }
	logoutCmd struct {
		ctx  context.Context
		done chan error
	}
	shutdownCmd struct{ done chan struct{} }
)

type Manager struct {
	deps     Deps
	cfg      Config
	schedule Scheduler
	backoff  *backoff.ExponentialBackOff
	log      *logrus.Entry

	inbox      chan any
	quit       chan struct{}
	terminated chan struct{}
	startOnce  sync.Once
	stopOnce   sync.Once

	// loop goroutine only
	ctx         context.Context
	cancelTimer func() bool
	timerGen    uint64

	mu        sync.RWMutex
	snap      Snapshot
	err       error
	onOpen    []func()
	onLogout  []func(CloseReason)
	onQR      []func(QREvent)
	onPairing []func(PairingCodeEvent)
}

func New(deps Deps, cfg Config) *Manager {
	if len(cfg.LoggedOutCodes) == 0 {
		cfg.LoggedOutCodes = DefaultLoggedOutCodes
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 30 * time.Second
	}
	schedule := cfg.Scheduler
	if schedule == nil {
		schedule = timeScheduler
	}

	m := &Manager{
		deps:       deps,
		cfg:        cfg,
		schedule:   schedule,
		backoff:    newBackoff(cfg.BaseDelay, cfg.MaxDelay, cfg.Jitter),
		log:        log.Component("lifecycle"),
		inbox:      make(chan any, 64),
		quit:       make(chan struct{}),
		terminated: make(chan struct{}),
		ctx:        context.Background(),
		snap:       Snapshot{State: Idle, Since: time.Now()},
	}
	go m.loop()
	return m
}

// OnOpen registers a hook run every time the connection opens.
func (m *Manager) OnOpen(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOpen = append(m.onOpen, fn)
}

// OnPermanentLogout registers a hook run once the session has been cleared.
func (m *Manager) OnPermanentLogout(fn func(CloseReason)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLogout = append(m.onLogout, fn)
}

func (m *Manager) OnQR(fn func(QREvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onQR = append(m.onQR, fn)
}

func (m *Manager) OnPairingCode(fn func(PairingCodeEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPairing = append(m.onPairing, fn)
}

// State returns the current connection state.
func (m *Manager) State() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.snap
	if s.LastClose != nil {
		reason := *s.LastClose
		s.LastClose = &reason
	}
	return s
}

// Err returns ErrPermanentLogout after a logout, nil otherwise.
func (m *Manager) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// Terminated is closed when the manager reaches the terminated state.
func (m *Manager) Terminated() <-chan struct{} {
	return m.terminated
}

// Start dials the socket. ctx is used for every socket start, including
// reconnects. Only the first call has an effect.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.send(startCmd{ctx: ctx})
	})
}

// Post hands an event to the loop. Events are processed strictly in order.
// Posting after the loop exited is a no-op.
func (m *Manager) Post(ev Event) {
	m.send(ev)
}

// ForceLogout logs out remotely (best effort) and runs the permanent logout
// cleanup.
func (m *Manager) ForceLogout(ctx context.Context) error {
	done := make(chan error, 1)
	if !m.send(logoutCmd{ctx: ctx, done: done}) {
		return errNotRunning
	}
	select {
	case err := <-done:
		return err
	case <-m.quit:
		select {
		case err := <-done:
			return err
		default:
			return errNotRunning
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the socket and any pending reconnect and returns to idle.
// The stored session is left untouched.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	if !m.send(shutdownCmd{done: done}) {
		return nil
	}
	select {
	case <-done:
	case <-m.quit:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (m *Manager) send(msg any) bool {
	select {
	case <-m.quit:
		return false
	default:
	}
	select {
	case m.inbox <- msg:
		return true
	case <-m.quit:
		return false
	}
}

func (m *Manager) loop() {
	defer m.stopOnce.Do(func() { close(m.quit) })

	for msg := range m.inbox {
		if exit := m.handle(msg); exit {
			return
		}
	}
}

func (m *Manager) handle(msg any) bool {
	switch msg := msg.(type) {
	case startCmd:
		if msg.ctx != nil {
			m.ctx = msg.ctx
		}
		if m.current() == Idle {
			m.connect()
		}
	case retryTick:
		if msg.gen == m.timerGen && m.current() == Backoff {
			m.cancelTimer = nil
			m.connect()
		}
	case logoutCmd:
		m.forceLogout(msg)
		return true
	case shutdownCmd:
		m.shutdown()
		close(msg.done)
		return true
	case Event:
		return m.handleEvent(msg)
	}
	return false
}

func (m *Manager) handleEvent(ev Event) bool {
	switch ev := ev.(type) {
	case ConnectingEvent:
		m.log.Debug("Socket connecting")
	case OpenEvent:
		if st := m.current(); st != Connecting && st != Open {
			m.log.WithField("state", st.String()).Debug("Ignoring open event")
			return false
		}
		m.backoff.Reset()
		m.setState(Open, 0, 0)
		m.log.Info("Connection opened")
		m.runOpenHooks()
	case ClosedEvent:
		return m.handleClosed(ev)
	case QREvent:
		m.runQRHooks(ev)
	case PairingCodeEvent:
		m.runPairingHooks(ev)
	}
	return false
}

func (m *Manager) handleClosed(ev ClosedEvent) bool {
	st := m.current()
	if st != Connecting && st != Open {
		m.log.WithField("state", st.String()).WithField("code", ev.Code).Debug("Ignoring close event")
		return false
	}

	reason := m.classify(ev)
	m.recordClose(reason)

	if reason.Kind == LoggedOut {
		m.terminate(reason)
		return true
	}

	delay := m.backoff.NextBackOff()
	attempt := m.snapAttempt() + 1
	m.armRetry(delay)
	m.setState(Backoff, attempt, delay)

	m.log.WithField("code", reason.Code).
		WithField("reason", reason.Message).
		WithField("attempt", attempt).
		WithField("delay", delay.String()).
		Warn("Connection closed, reconnecting")
	return false
}

func (m *Manager) classify(ev ClosedEvent) CloseReason {
	kind := Transient
	if slices.Contains(m.cfg.LoggedOutCodes, ev.Code) {
		kind = LoggedOut
	}
	return CloseReason{Code: ev.Code, Message: ev.Message, Kind: kind, At: time.Now()}
}

// connect enters connecting: the previous socket is torn down before a new
// one is dialed.
func (m *Manager) connect() {
	m.setState(Connecting, m.snapAttempt(), 0)
	m.deps.Socket.Stop()

	if err := m.deps.Socket.Start(m.ctx); err != nil {
		m.log.WithError(err).Warn("Failed to start socket")
		m.handleClosed(ClosedEvent{Code: 0, Message: err.Error()})
	}
}

func (m *Manager) armRetry(delay time.Duration) {
	m.stopTimer()
	m.timerGen++
	gen := m.timerGen
	m.cancelTimer = m.schedule(delay, func() {
		m.send(retryTick{gen: gen})
	})
}

func (m *Manager) stopTimer() {
	if m.cancelTimer != nil {
		m.cancelTimer()
		m.cancelTimer = nil
	}
	m.timerGen++
}

func (m *Manager) forceLogout(cmd logoutCmd) {
	if err := m.deps.Socket.Logout(cmd.ctx); err != nil {
		m.log.WithError(err).Warn("Remote logout failed, clearing session locally")
	}
	reason := CloseReason{Code: 401, Message: "forced logout", Kind: LoggedOut, At: time.Now()}
	m.recordClose(reason)
	cmd.done <- m.terminate(reason)
}

// terminate clears the persisted and local session and stops for good.
func (m *Manager) terminate(reason CloseReason) error {
	m.stopTimer()
	m.setState(Terminated, 0, 0)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CleanupTimeout)
	defer cancel()

	var errs []error
	if m.deps.Persister != nil {
		if err := m.deps.Persister.Discard(ctx); err != nil {
			errs = append(errs, fmt.Errorf("discarding pending persist: %w", err))
		}
	}
	m.deps.Socket.Stop()
	if err := m.deps.Store.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clearing stored session: %w", err))
	}
	if err := m.deps.AuthDir.Clear(); err != nil {
		errs = append(errs, fmt.Errorf("clearing auth dir: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		m.log.WithError(err).Error("Session cleanup after logout incomplete")
	}

	m.mu.Lock()
	m.err = ErrPermanentLogout
	m.mu.Unlock()

	m.log.WithField("code", reason.Code).
		WithField("reason", reason.Message).
		Error("Session logged out. Re-pair the device by restarting the bot and scanning a new QR code")

	m.runLogoutHooks(reason)
	close(m.terminated)
	return err
}

func (m *Manager) shutdown() {
	m.stopTimer()
	m.deps.Socket.Stop()
	m.setState(Idle, 0, 0)
	m.log.Info("Connection lifecycle stopped")
}

func (m *Manager) current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.State
}

func (m *Manager) snapAttempt() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.Attempt
}

func (m *Manager) setState(st State, attempt int, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap.State != st {
		m.snap.Since = time.Now()
	}
	m.snap.State = st
	m.snap.Attempt = attempt
	m.snap.Delay = delay
}

func (m *Manager) recordClose(reason CloseReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.LastClose = &reason
}

func (m *Manager) runOpenHooks() {
	m.mu.RLock()
	hooks := slices.Clone(m.onOpen)
	m.mu.RUnlock()
	for _, fn := range hooks {
		m.safe("open", fn)
	}
}

func (m *Manager) runLogoutHooks(reason CloseReason) {
	m.mu.RLock()
	hooks := slices.Clone(m.onLogout)
	m.mu.RUnlock()
	for _, fn := range hooks {
		m.safe("logout", func() { fn(reason) })
	}
}

func (m *Manager) runQRHooks(ev QREvent) {
	m.mu.RLock()
	hooks := slices.Clone(m.onQR)
	m.mu.RUnlock()
	for _, fn := range hooks {
		m.safe("qr", func() { fn(ev) })
	}
}

func (m *Manager) runPairingHooks(ev PairingCodeEvent) {
	m.mu.RLock()
	hooks := slices.Clone(m.onPairing)
	m.mu.RUnlock()
	for _, fn := range hooks {
		m.safe("pairing", func() { fn(ev) })
	}
}

func (m *Manager) safe(hook string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("hook", hook).WithField("panic", r).Error("Lifecycle hook panicked")
		}
	}()
	fn()
}
