// Package dispatch routes prefixed text commands from incoming messages to
// the registered modules.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"golang.org/x/time/rate"

	"github.com/gdbrns/go-whatsapp-userbot/pkg/log"
)

const DefaultTimeout = 30 * time.Second

// limiterSweepSize is the map size at which idle chat limiters are swept
// inline, on top of the periodic PruneLimiters call.
const limiterSweepSize = 1024

// Sender is the part of the WhatsApp client modules talk back through.
type Sender interface {
	SendText(ctx context.Context, chat types.JID, text string) (string, error)
	SetPresence(ctx context.Context, available bool) error
}

// Command is one parsed command invocation.
type Command struct {
	Name      string
	Args      []string
	Chat      types.JID
	Sender    types.JID
	FromMe    bool
	MessageID string
	SentAt    time.Time
	// ReceivedAt is when the dispatcher saw the message.
	ReceivedAt time.Time

	client Sender
}

// Reply sends text back to the chat the command came from.
func (c *Command) Reply(ctx context.Context, text string) error {
	_, err := c.client.SendText(ctx, c.Chat, text)
	return err
}

// Client exposes the WhatsApp client to modules that need more than Reply.
func (c *Command) Client() Sender {
	return c.client
}

// Handler runs one command.
type Handler func(ctx context.Context, cmd *Command) error

// Module contributes commands to the dispatcher.
type Module interface {
	Name() string
	Commands() map[string]Handler
}

type Config struct {
	Prefix   string
	SelfOnly bool
	// RateLimit is commands per second per chat, RateBurst the bucket size.
	RateLimit float64
	RateBurst int
	Timeout   time.Duration
}

type route struct {
	module  string
	handler Handler
}

type chatLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type Dispatcher struct {
	cfg    Config
	client Sender
	log    *logrus.Entry
	now    func() time.Time

	mu       sync.RWMutex
	routes   map[string]route
	limiters map[string]*chatLimiter

	wg sync.WaitGroup
}

func New(client Sender, cfg Config) *Dispatcher {
	if cfg.Prefix == "" {
		cfg.Prefix = "."
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 1
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Dispatcher{
		cfg:      cfg,
		client:   client,
		log:      log.Component("dispatch"),
		now:      time.Now,
		routes:   make(map[string]route),
		limiters: make(map[string]*chatLimiter),
	}
}

// Register adds the commands of m. A command name already taken is an error.
func (d *Dispatcher) Register(m Module) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for name, h := range m.Commands() {
		name = strings.ToLower(name)
		if r, ok := d.routes[name]; ok {
			return fmt.Errorf("dispatch: command %q of module %s already registered by %s", name, m.Name(), r.module)
		}
		d.routes[name] = route{module: m.Name(), handler: h}
	}
	d.log.WithField("module", m.Name()).Debug("Module registered")
	return nil
}

// Commands lists the registered command names.
func (d *Dispatcher) Commands() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.routes))
	for name := range d.routes {
		names = append(names, name)
	}
	return names
}

// HandleMessage parses evt and runs the matching command in its own
// goroutine. It returns whether a command was started.
func (d *Dispatcher) HandleMessage(evt *events.Message) bool {
	if evt == nil {
		return false
	}
	if d.cfg.SelfOnly && !evt.Info.IsFromMe {
		return false
	}

	name, args, ok := Parse(d.cfg.Prefix, MessageText(evt.Message))
	if !ok {
		return false
	}

	d.mu.RLock()
	r, found := d.routes[name]
	d.mu.RUnlock()
	if !found {
		d.log.WithField("command", name).Debug("Unknown command")
		return false
	}

	entry := d.log.WithField("command", name).WithField("chat", evt.Info.Chat.String())
	if !d.limiter(evt.Info.Chat).Allow() {
		entry.Warn("Command rate limited")
		return false
	}

	cmd := &Command{
		Name:       name,
		Args:       args,
		Chat:       evt.Info.Chat,
		Sender:     evt.Info.Sender,
		FromMe:     evt.Info.IsFromMe,
		MessageID:  evt.Info.ID,
		SentAt:     evt.Info.Timestamp,
		ReceivedAt: d.now(),
		client:     d.client,
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(entry.WithField("module", r.module), r.handler, cmd)
	}()
	return true
}

func (d *Dispatcher) run(entry *logrus.Entry, h Handler, cmd *Command) {
	defer func() {
		if rec := recover(); rec != nil {
			entry.WithField("panic", rec).WithField("stack", string(debug.Stack())).Error("Command panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	if err := h(ctx, cmd); err != nil {
		entry.WithError(err).Error("Command failed")
		return
	}
	entry.Debug("Command handled")
}

func (d *Dispatcher) limiter(chat types.JID) *rate.Limiter {
	key := chat.ToNonAD().String()
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[key]
	if !ok {
		if len(d.limiters) >= limiterSweepSize {
			d.pruneLocked(now)
		}
		l = &chatLimiter{lim: rate.NewLimiter(rate.Limit(d.cfg.RateLimit), d.cfg.RateBurst)}
		d.limiters[key] = l
	}
	l.lastSeen = now
	return l.lim
}

// PruneLimiters drops the limiters of chats idle long enough for their
// bucket to be full again and returns how many were dropped.
func (d *Dispatcher) PruneLimiters() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pruneLocked(d.now())
}

func (d *Dispatcher) pruneLocked(now time.Time) int {
	refill := time.Duration(float64(d.cfg.RateBurst) / d.cfg.RateLimit * float64(time.Second))
	dropped := 0
	for key, l := range d.limiters {
		if now.Sub(l.lastSeen) > refill {
			delete(d.limiters, key)
			dropped++
		}
	}
	return dropped
}

// Limiters is the number of chats currently tracked by the rate limiter.
func (d *Dispatcher) Limiters() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.limiters)
}

// Wait blocks until every running command returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// MessageText extracts plain text from a conversation or extended text
// message. Other message kinds have no text.
func MessageText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if text := msg.GetConversation(); text != "" {
		return text
	}
	return msg.GetExtendedTextMessage().GetText()
}

// Parse splits a prefixed command line into its lower-cased name and args.
func Parse(prefix, text string) (name string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(text, prefix))
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}
