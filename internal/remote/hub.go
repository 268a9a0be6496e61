package remote

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	subscriberSend = 32
)

// Hub fans change notifications out to websocket subscribers.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *events.Logger
	seq      atomic.Int64

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.send) })
}

// NewHub creates an empty hub.
func NewHub(logger *events.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger.WithField("component", "notify_hub"),
		subs:   make(map[*subscriber]struct{}),
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request and registers the subscriber.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	sub := &subscriber{conn: conn, send: make(chan []byte, subscriberSend)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	if hello, err := h.encode(models.WSTypeHello, models.HelloMessage{Server: "recsync", ServerAt: time.Now().UTC()}); err == nil {
		sub.send <- hello
	}

	go h.writeLoop(sub)
	go h.readLoop(sub)

	h.logger.WithField("remote_addr", r.RemoteAddr).Debug("Subscriber connected")
}

// Broadcast announces changed keys to every subscriber. Slow subscribers
// are dropped rather than blocking writers.
func (h *Hub) Broadcast(keys ...models.Key) {
	data, err := h.encode(models.WSTypeChanged, models.ChangedMessage{Keys: keys})
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode change notification")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs {
		select {
		case sub.send <- data:
		default:
			h.logger.Warn("Dropping slow subscriber")
			delete(h.subs, sub)
			sub.close()
		}
	}
}

func (h *Hub) encode(t models.WSMessageType, data interface{}) ([]byte, error) {
	msg, err := models.NewWSMessage(t, h.seq.Add(1), data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	sub.close()
}

// readLoop consumes control frames until the peer goes away.
func (h *Hub) readLoop(sub *subscriber) {
	defer h.remove(sub)

	sub.conn.SetReadLimit(4096)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
		_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (h *Hub) writeLoop(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = sub.conn.Close()
	}()

	for {
		select {
		case data, ok := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		sub.close()
	}
}
