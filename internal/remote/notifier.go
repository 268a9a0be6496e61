package remote

import (
	"context"
	"sync"
	"time"

	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/transport"
)

// ChangeFunc receives the keys a server announced as changed. A nil slice
// means the stream (re)connected and changes may have been missed.
type ChangeFunc func(keys []models.Key)

// Notifier keeps a change subscription open, reconnecting with backoff.
type Notifier struct {
	transport  transport.Transport
	onChange   ChangeFunc
	logger     *events.Logger
	minBackoff time.Duration
	maxBackoff time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNotifier creates a notifier. Call Start to connect.
func NewNotifier(t transport.Transport, onChange ChangeFunc, logger *events.Logger) *Notifier {
	return &Notifier{
		transport:  t,
		onChange:   onChange,
		logger:     logger.WithField("component", "notifier"),
		minBackoff: time.Second,
		maxBackoff: time.Minute,
	}
}

// SetBackoff overrides the reconnect delays.
func (n *Notifier) SetBackoff(min, max time.Duration) {
	n.minBackoff = min
	n.maxBackoff = max
}

// Start subscribes in the background until ctx ends or Stop is called.
func (n *Notifier) Start(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.cancel != nil {
		return
	}
	ctx, n.cancel = context.WithCancel(ctx)

	n.wg.Add(1)
	go n.run(ctx)
}

// Stop ends the subscription and waits for the loop to exit.
func (n *Notifier) Stop() {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	n.wg.Wait()
}

func (n *Notifier) run(ctx context.Context) {
	defer n.wg.Done()

	backoff := n.minBackoff
	for {
		messages, err := n.transport.Subscribe(ctx, pathNotify)
		if err != nil {
			n.logger.WithError(err).WithField("retry_in", backoff.String()).Warn("Change subscription failed")
		} else {
			backoff = n.minBackoff
			n.consume(ctx, messages)
		}

		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > n.maxBackoff {
			backoff = n.maxBackoff
		}
	}
}

func (n *Notifier) consume(ctx context.Context, messages <-chan models.WSMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				n.logger.Debug("Change stream closed")
				return
			}
			n.handle(msg)
		}
	}
}

func (n *Notifier) handle(msg models.WSMessage) {
	if msg.Type == models.WSTypeHello {
		n.onChange(nil)
		return
	}

	data, err := models.ParseMessageData(&msg)
	if err != nil {
		n.logger.WithError(err).Warn("Malformed change notification")
		return
	}

	switch d := data.(type) {
	case *models.ChangedMessage:
		n.onChange(d.Keys)
	case *models.ErrorMessage:
		n.logger.WithField("code", d.Code).Warn(d.Message)
	}
}
