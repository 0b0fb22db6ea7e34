package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gdbrns/go-whatsapp-userbot/internal/authstore"
)

type fakeSocket struct {
	mu        sync.Mutex
	starts    int
	stops     int
	logouts   int
	startErr  error
	logoutErr error
	calls     []string
}

func (s *fakeSocket) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	s.calls = append(s.calls, "start")
	return s.startErr
}

func (s *fakeSocket) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	s.calls = append(s.calls, "stop")
}

func (s *fakeSocket) Logout(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logouts++
	s.calls = append(s.calls, "logout")
	return s.logoutErr
}

func (s *fakeSocket) startCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

func (s *fakeSocket) history() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type fakeDir struct{ clears atomic.Int32 }

func (d *fakeDir) Clear() error {
	d.clears.Add(1)
	return nil
}

type fakePersister struct{ discards atomic.Int32 }

func (p *fakePersister) Discard(context.Context) error {
	p.discards.Add(1)
	return nil
}

type scheduled struct {
	d         time.Duration
	fn        func()
	cancelled bool
	fired     bool
}

// manualScheduler records delays; timers run only when the test fires them.
type manualScheduler struct {
	mu    sync.Mutex
	items []*scheduled
}

func (s *manualScheduler) Schedule(d time.Duration, fn func()) func() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := &scheduled{d: d, fn: fn}
	s.items = append(s.items, it)
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if it.cancelled || it.fired {
			return false
		}
		it.cancelled = true
		return true
	}
}

func (s *manualScheduler) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it.d)
	}
	return out
}

func (s *manualScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.items {
		if !it.cancelled && !it.fired {
			n++
		}
	}
	return n
}

func (s *manualScheduler) fireLatest() {
	s.mu.Lock()
	var it *scheduled
	for i := len(s.items) - 1; i >= 0; i-- {
		if !s.items[i].cancelled && !s.items[i].fired {
			it = s.items[i]
			break
		}
	}
	if it != nil {
		it.fired = true
	}
	s.mu.Unlock()
	if it != nil {
		it.fn()
	}
}

type harness struct {
	m       *Manager
	socket  *fakeSocket
	store   *authstore.MemoryStore
	dir     *fakeDir
	persist *fakePersister
	sched   *manualScheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		socket:  &fakeSocket{},
		store:   authstore.NewMemoryStore(""),
		dir:     &fakeDir{},
		persist: &fakePersister{},
		sched:   &manualScheduler{},
	}
	require.NoError(t, h.store.Save(context.Background(), []byte("archive")))

	h.m = New(Deps{
		Socket:    h.socket,
		Store:     h.store,
		AuthDir:   h.dir,
		Persister: h.persist,
	}, Config{
		BaseDelay: time.Second,
		MaxDelay:  30 * time.Second,
		Scheduler: h.sched.Schedule,
	})
	t.Cleanup(func() { _ = h.m.Shutdown(context.Background()) })
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.m.State().State == want }, time.Second, time.Millisecond,
		"want state %s, have %s", want, h.m.State().State)
}

func (h *harness) waitStarts(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.socket.startCount() == n }, time.Second, time.Millisecond)
}

func TestManager_StartConnects(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, Idle, h.m.State().State)

	h.m.Start(context.Background())
	h.waitState(t, Connecting)
	h.waitStarts(t, 1)

	// The previous socket is torn down before dialing.
	assert.Equal(t, []string{"stop", "start"}, h.socket.history())

	h.m.Start(context.Background())
	h.m.Post(ConnectingEvent{})
	h.m.Post(OpenEvent{})
	h.waitState(t, Open)
	assert.Equal(t, 1, h.socket.startCount())
}

func TestManager_BackoffSequence(t *testing.T) {
	h := newHarness(t)
	h.m.Start(context.Background())
	h.waitStarts(t, 1)

	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, d := range want {
		h.m.Post(ClosedEvent{Code: 428, Message: "connection lost"})
		h.waitState(t, Backoff)

		snap := h.m.State()
		assert.Equal(t, i+1, snap.Attempt)
		assert.Equal(t, d, snap.Delay)
		require.NotNil(t, snap.LastClose)
		assert.Equal(t, Transient, snap.LastClose.Kind)

		h.sched.fireLatest()
		h.waitStarts(t, i+2)
		h.waitState(t, Connecting)
	}

	assert.Equal(t, want, h.sched.delays())
	assert.Equal(t, 0, h.sched.pending())
}

func TestManager_BackoffResetsOnOpenOnly(t *testing.T) {
	h := newHarness(t)
	h.m.Start(context.Background())
	h.waitStarts(t, 1)

	for i := 0; i < 3; i++ {
		h.m.Post(ClosedEvent{Code: 500})
		h.waitState(t, Backoff)
		h.sched.fireLatest()
		h.waitStarts(t, i+2)
	}
	assert.Equal(t, 4*time.Second, h.sched.delays()[2])

	h.m.Post(OpenEvent{})
	h.waitState(t, Open)
	assert.Equal(t, 0, h.m.State().Attempt)

	h.m.Post(ClosedEvent{Code: 428})
	h.waitState(t, Backoff)
	delays := h.sched.delays()
	assert.Equal(t, time.Second, delays[len(delays)-1])
}

func TestManager_StartFailureBacksOff(t *testing.T) {
	h := newHarness(t)
	h.socket.startErr = errors.New("dial tcp: i/o timeout")

	h.m.Start(context.Background())
	h.waitState(t, Backoff)
	assert.Equal(t, []time.Duration{time.Second}, h.sched.delays())
}

func TestManager_LoggedOutTerminates(t *testing.T) {
	for _, code := range []int{401, 403, 406} {
		h := newHarness(t)
		var hookReason CloseReason
		h.m.OnPermanentLogout(func(r CloseReason) { hookReason = r })

		h.m.Start(context.Background())
		h.m.Post(OpenEvent{})
		h.waitState(t, Open)

		h.m.Post(ClosedEvent{Code: code, Message: "logged out"})

		select {
		case <-h.m.Terminated():
		case <-time.After(time.Second):
			t.Fatalf("code %d: manager did not terminate", code)
		}

		assert.Equal(t, Terminated, h.m.State().State)
		assert.ErrorIs(t, h.m.Err(), ErrPermanentLogout)
		assert.Equal(t, code, hookReason.Code)
		assert.Equal(t, LoggedOut, hookReason.Kind)

		sess, err := h.store.Load(context.Background())
		require.NoError(t, err)
		assert.Nil(t, sess)
		assert.Equal(t, int32(1), h.dir.clears.Load())
		assert.Equal(t, int32(1), h.persist.discards.Load())
		assert.Equal(t, 0, h.sched.pending())

		// Later events are dropped; nothing reconnects.
		h.m.Post(ClosedEvent{Code: 428})
		assert.Equal(t, 1, h.socket.startCount())
		assert.Empty(t, h.sched.delays())
	}
}

func TestManager_LogoutCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t)
	h.m.Start(context.Background())
	h.waitStarts(t, 1)

	h.m.Post(ClosedEvent{Code: 428})
	h.waitState(t, Backoff)
	require.Equal(t, 1, h.sched.pending())

	require.NoError(t, h.m.ForceLogout(context.Background()))
	assert.Equal(t, 0, h.sched.pending())
	assert.Equal(t, Terminated, h.m.State().State)
}

func TestManager_CustomLoggedOutCodes(t *testing.T) {
	sched := &manualScheduler{}
	socket := &fakeSocket{}
	m := New(Deps{Socket: socket, Store: authstore.NewMemoryStore(""), AuthDir: &fakeDir{}}, Config{
		LoggedOutCodes: []int{440},
		Scheduler:      sched.Schedule,
	})
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	m.Start(context.Background())
	m.Post(ClosedEvent{Code: 401})
	require.Eventually(t, func() bool { return m.State().State == Backoff }, time.Second, time.Millisecond)

	sched.fireLatest()
	require.Eventually(t, func() bool { return m.State().State == Connecting }, time.Second, time.Millisecond)

	m.Post(ClosedEvent{Code: 440})
	select {
	case <-m.Terminated():
	case <-time.After(time.Second):
		t.Fatal("manager did not terminate")
	}
}

func TestManager_ShutdownIsNotLogout(t *testing.T) {
	h := newHarness(t)
	h.m.Start(context.Background())
	h.waitStarts(t, 1)
	h.m.Post(ClosedEvent{Code: 428})
	h.waitState(t, Backoff)

	require.NoError(t, h.m.Shutdown(context.Background()))

	assert.Equal(t, Idle, h.m.State().State)
	assert.Equal(t, 0, h.sched.pending())
	assert.NoError(t, h.m.Err())

	sess, err := h.store.Load(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, sess)
	assert.Equal(t, int32(0), h.dir.clears.Load())
	assert.Equal(t, int32(0), h.persist.discards.Load())

	select {
	case <-h.m.Terminated():
		t.Fatal("shutdown must not signal termination")
	default:
	}

	// A timer that fires after shutdown has nowhere to go.
	h.sched.fireLatest()
	assert.Equal(t, 1, h.socket.startCount())
}

func TestManager_QRDoesNotChangeState(t *testing.T) {
	h := newHarness(t)
	qr := make(chan QREvent, 2)
	codes := make(chan PairingCodeEvent, 1)
	h.m.OnQR(func(ev QREvent) { qr <- ev })
	h.m.OnPairingCode(func(ev PairingCodeEvent) { codes <- ev })

	h.m.Start(context.Background())
	h.waitState(t, Connecting)

	h.m.Post(QREvent{Code: "2@abc", Timeout: time.Minute})
	h.m.Post(PairingCodeEvent{Code: "ABCD-EFGH"})

	select {
	case ev := <-qr:
		assert.Equal(t, "2@abc", ev.Code)
	case <-time.After(time.Second):
		t.Fatal("qr hook not called")
	}
	select {
	case ev := <-codes:
		assert.Equal(t, "ABCD-EFGH", ev.Code)
	case <-time.After(time.Second):
		t.Fatal("pairing hook not called")
	}
	assert.Equal(t, Connecting, h.m.State().State)
}

func TestManager_OpenHooksAndPanics(t *testing.T) {
	h := newHarness(t)
	var opened atomic.Int32
	h.m.OnOpen(func() { panic("boom") })
	h.m.OnOpen(func() { opened.Add(1) })

	h.m.Start(context.Background())
	h.m.Post(OpenEvent{})
	h.waitState(t, Open)
	require.Eventually(t, func() bool { return opened.Load() == 1 }, time.Second, time.Millisecond)

	// The loop survives the panicking hook.
	h.m.Post(ClosedEvent{Code: 428})
	h.waitState(t, Backoff)
}

func TestManager_IgnoresCloseWhileBackingOff(t *testing.T) {
	h := newHarness(t)
	h.m.Start(context.Background())
	h.waitStarts(t, 1)

	h.m.Post(ClosedEvent{Code: 428})
	h.m.Post(ClosedEvent{Code: 428})
	h.m.Post(OpenEvent{})
	h.waitState(t, Backoff)

	// Give the loop a chance to drain the queue.
	require.Eventually(t, func() bool { return len(h.m.inbox) == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, []time.Duration{time.Second}, h.sched.delays())
	assert.Equal(t, Backoff, h.m.State().State)
}

func TestManager_ForceLogout(t *testing.T) {
	h := newHarness(t)
	h.socket.logoutErr = errors.New("not connected")
	h.m.Start(context.Background())
	h.m.Post(OpenEvent{})
	h.waitState(t, Open)

	require.NoError(t, h.m.ForceLogout(context.Background()))

	<-h.m.Terminated()
	assert.Equal(t, 1, h.socket.logouts)
	assert.ErrorIs(t, h.m.Err(), ErrPermanentLogout)

	sess, err := h.store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sess)

	assert.ErrorIs(t, h.m.ForceLogout(context.Background()), errNotRunning)
}

func TestNewBackoff_Defaults(t *testing.T) {
	b := newBackoff(0, 0, 2)
	assert.Equal(t, DefaultBaseDelay, b.InitialInterval)
	assert.Equal(t, DefaultMaxDelay, b.MaxInterval)
	assert.Zero(t, b.RandomizationFactor)

	b = newBackoff(time.Minute, time.Second, 0)
	assert.Equal(t, time.Minute, b.MaxInterval)
}

func TestNewBackoff_Jitter(t *testing.T) {
	b := newBackoff(time.Second, 30*time.Second, 0.5)
	for i := 0; i < 20; i++ {
		d := b.NextBackOff()
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 45*time.Second)
	}
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "backoff", Backoff.String())
	assert.Equal(t, "terminated", Terminated.String())
	assert.Equal(t, "transient", Transient.String())
	assert.Equal(t, "loggedOut", LoggedOut.String())
}
