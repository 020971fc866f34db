package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Event is one lock lifecycle event pushed over the metrics stream.
type Event struct {
	ID         string `json:"id"`
	Timestamp  string `json:"timestamp"`
	Type       string `json:"type"`
	Scope      string `json:"scope"`
	DurationMS int64  `json:"duration_ms"`
	Verb       string `json:"verb,omitempty"`
}

// EventHandler is called for each event received on the stream.
type EventHandler func(Event)

// Stream subscribes to the coordinator's live metrics feed over
// websocket. Useful for dashboards watching contention in real time.
type Stream struct {
	baseURL string
	scope   string
	conn    *websocket.Conn

	mu       sync.RWMutex
	handlers []EventHandler
	done     chan struct{}
}

type StreamOption func(*Stream)

// WithStreamScope filters the feed to a single scope ID.
func WithStreamScope(scopeID string) StreamOption {
	return func(s *Stream) {
		s.scope = scopeID
	}
}

func NewStream(baseURL string, opts ...StreamOption) *Stream {
	s := &Stream{
		baseURL: baseURL,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnEvent registers a handler. Register before Connect to avoid
// missing early events.
func (s *Stream) OnEvent(handler EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
}

func (s *Stream) Connect(ctx context.Context) error {
	wsURL, err := s.buildURL()
	if err != nil {
		return fmt.Errorf("build stream url: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("stream dial: %w", err)
	}
	s.conn = conn

	go s.readLoop(ctx)
	return nil
}

func (s *Stream) Close() error {
	close(s.done)
	if s.conn != nil {
		return s.conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}

func (s *Stream) buildURL() (string, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/metrics"
	if s.scope != "" {
		q := u.Query()
		q.Set("scope", s.scope)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (s *Stream) readLoop(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		var ev Event
		if err := wsjson.Read(ctx, s.conn, &ev); err != nil {
			return
		}
		s.dispatch(ev)
	}
}

func (s *Stream) dispatch(ev Event) {
	s.mu.RLock()
	handlers := make([]EventHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
