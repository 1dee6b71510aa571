package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"sitepush/internal/engine"
)

const (
	defaultSubscriberBuffer = 64
	streamWriteTimeout      = 5 * time.Second
)

// Hub fans job transitions out to live subscribers. A subscriber that falls
// behind loses messages instead of holding up the job runner.
type Hub struct {
	log     logrus.FieldLogger
	buffer  int
	dropped atomic.Int64

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

type subscription struct {
	ch    chan StreamMessage
	jobID string
}

func NewHub(log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{log: log, buffer: defaultSubscriberBuffer, subs: make(map[*subscription]struct{})}
}

// JobTransition implements engine.Notifier.
func (h *Hub) JobTransition(_ context.Context, tr engine.Transition) error {
	msg := streamMessage(tr)
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.jobID != "" && sub.jobID != msg.JobID {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a listener. An empty jobID receives every job.
func (h *Hub) Subscribe(jobID string) (<-chan StreamMessage, func()) {
	sub := &subscription{ch: make(chan StreamMessage, h.buffer), jobID: jobID}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
		})
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped counts messages discarded for slow subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

func (h *Hub) serveStream(allowedOrigins []string) http.HandlerFunc {
	patterns := originPatterns(allowedOrigins)
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: patterns})
		if err != nil {
			h.log.WithError(err).Warn("stream: accept failed")
			return
		}
		defer conn.CloseNow()

		msgs, cancel := h.Subscribe(r.URL.Query().Get("job_id"))
		defer cancel()
		ctx := conn.CloseRead(r.Context())
		log := h.log
		if s, ok := sessionFromContext(r.Context()); ok {
			log = log.WithField("identity", s.Username)
		}
		log.Debug("stream: subscriber connected")
		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return
			case msg := <-msgs:
				if err := writeMessage(ctx, conn, msg); err != nil {
					if !errors.Is(err, context.Canceled) {
						log.WithError(err).Debug("stream: write failed")
					}
					return
				}
			}
		}
	}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg StreamMessage) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

// originPatterns turns configured origins into host patterns for the
// websocket origin check.
func originPatterns(origins []string) []string {
	var out []string
	for _, o := range origins {
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			continue
		}
		out = append(out, u.Host)
	}
	return out
}
