// Package bus implements the in-process publish/subscribe topic bus and
// its WebSocket fan-out (component C2). Publishers never block: a
// subscriber whose outbound buffer is full is dropped rather than
// allowed to stall a publish.
package bus

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Known topics, per spec.md §4.2.
const (
	TopicTaskStarted    = "task_started"
	TopicQueueProgress  = "queue_progress"
	TopicTaskComplete   = "task_complete"
	TopicVerifyProgress = "verify_progress"
	TopicAILookupUpdate = "ai_lookup_update"
	TopicLogEntry       = "log_entry"
)

// Event is the envelope published on every topic and fanned out to
// WebSocket subscribers verbatim as JSON.
type Event struct {
	Topic     string `json:"topic"`
	Payload   any    `json:"payload"`
	Timestamp string `json:"timestamp"`
}

type subscriber struct {
	id   uint64
	out  chan Event
	conn *websocket.Conn
}

// Bus is the shared in-process event bus.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*subscriber
}

func New(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[uint64]*subscriber),
	}
}

// Publish is best-effort and non-blocking; disconnected or slow
// subscribers are dropped silently per spec.md §4.2 ("Contract: events
// are advisory").
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Payload: payload, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.out <- ev:
		default:
			b.remove(s.id)
		}
	}
}

func (b *Bus) add(conn *websocket.Conn) *subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &subscriber{id: b.nextID, out: make(chan Event, 64), conn: conn}
	b.subs[s.id] = s
	return s
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(s.out)
		_ = s.conn.Close()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades the connection and fans out every published event to
// it until the socket errors or closes. Incoming client frames are
// drained and discarded; this is a publish-only channel from the
// server's perspective.
func (b *Bus) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("bus: websocket upgrade failed", "error", err)
		return
	}

	sub := b.add(conn)
	defer b.remove(sub.id)

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				b.remove(sub.id)
				return
			}
		}
	}()

	for ev := range sub.out {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// SubscriberCount reports the number of currently connected WebSocket
// subscribers, used for diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
