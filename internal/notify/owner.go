package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow/types"

	"github.com/gdbrns/go-whatsapp-userbot/pkg/log"
)

type Sender interface {
	SendText(ctx context.Context, chat types.JID, text string) (string, error)
}

// OwnerNotifier tells the owner the bot is online, once per process.
type OwnerNotifier struct {
	sender  Sender
	owner   types.JID
	started time.Time
	timeout time.Duration
	log     *logrus.Entry

	once sync.Once
	wg   sync.WaitGroup
}

// NewOwnerNotifier returns nil when owner is empty.
func NewOwnerNotifier(sender Sender, owner types.JID) *OwnerNotifier {
	if owner.IsEmpty() {
		return nil
	}
	return &OwnerNotifier{
		sender:  sender,
		owner:   owner,
		started: time.Now(),
		timeout: 30 * time.Second,
		log:     log.Component("notify"),
	}
}

// HandleOpen sends the message in the background on the first call.
func (o *OwnerNotifier) HandleOpen() {
	if o == nil {
		return
	}
	o.once.Do(func() {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.send()
		}()
	})
}

func (o *OwnerNotifier) send() {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	text := fmt.Sprintf("Bot online (started %s)", o.started.Format(time.RFC3339))
	if _, err := o.sender.SendText(ctx, o.owner, text); err != nil {
		o.log.WithError(err).WithField("owner", o.owner.String()).Warn("Failed to notify owner")
		return
	}
	o.log.WithField("owner", o.owner.String()).Debug("Owner notified")
}

// Wait blocks until a pending notification finished.
func (o *OwnerNotifier) Wait() {
	if o == nil {
		return
	}
	o.wg.Wait()
}
