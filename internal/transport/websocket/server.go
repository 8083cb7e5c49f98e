// Package websocket provides push sessions for vsmbus endpoints.
//
// A client claims an endpoint by opening a WebSocket connection to:
//
//	GET /endpoints/{name}/ws
//
// While the session is open, the delivery dispatcher pushes every message
// addressed to that endpoint down the socket instead of calling its webhook.
// Several sessions may hold the same endpoint; each gets a copy.
//
// Server → client frames:
//
//	{"type":"welcome","session_id":"<ULID>","endpoint":"System5"}
//	{"type":"message","message":{...}}
//	{"type":"ack_result","signal_id":"...","applied":true,"state":"acknowledged"}
//
// Client → server frame:
//
//	{"type":"ack","signal_id":"...","ack_type":"investigating","acknowledger":"System5"}
//
// The acknowledger defaults to the session's endpoint.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/sneh-joshi/vsmbus/internal/algedonic"
	"github.com/sneh-joshi/vsmbus/internal/node"
	"github.com/sneh-joshi/vsmbus/internal/types"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingEvery    = pongWait * 9 / 10
	maxFrameSize = 1 << 20
)

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin upgrade requests. A request is
	// same-origin when its Origin host matches the Host header. Requests
	// without an Origin header (native clients, curl) are allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Acker applies acknowledgments. *bus.Bus satisfies it.
type Acker interface {
	Acknowledge(id string, ack types.Acknowledgment) (algedonic.AckResult, error)
}

// Directory canonicalises endpoint names. *endpoint.Registry satisfies it.
type Directory interface {
	Canonical(types.Endpoint) (types.Endpoint, bool)
}

// ─── Frames ──────────────────────────────────────────────────────────────────

type serverFrame struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id,omitempty"`
	Endpoint  types.Endpoint    `json:"endpoint,omitempty"`
	Message   *types.Message    `json:"message,omitempty"`
	SignalID  string            `json:"signal_id,omitempty"`
	Applied   *bool             `json:"applied,omitempty"`
	State     types.SignalState `json:"state,omitempty"`
	Error     string            `json:"error,omitempty"`
}

type clientFrame struct {
	Type                string         `json:"type"`
	SignalID            string         `json:"signal_id"`
	AckType             types.AckType  `json:"ack_type"`
	Acknowledger        types.Endpoint `json:"acknowledger"`
	EstimatedResolution *time.Time     `json:"estimated_resolution"`
}

// ─── Hub ─────────────────────────────────────────────────────────────────────

// Hub tracks live sessions by endpoint. It implements delivery.Pusher and
// http.Handler.
type Hub struct {
	dir   Directory
	acker Acker

	mu       sync.RWMutex
	sessions map[string]map[string]*session // lower-cased endpoint -> id -> session
	closed   bool
}

type session struct {
	id       string
	endpoint types.Endpoint
	conn     *gorillaws.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

func (s *session) stop() { s.once.Do(func() { close(s.done) }) }

// NewHub returns an empty Hub.
func NewHub(dir Directory, acker Acker) *Hub {
	return &Hub{dir: dir, acker: acker, sessions: make(map[string]map[string]*session)}
}

// Sessions returns the number of live sessions for ep, or for every endpoint
// when ep is empty.
func (h *Hub) Sessions(ep types.Endpoint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if ep != "" {
		return len(h.sessions[strings.ToLower(string(ep))])
	}
	n := 0
	for _, m := range h.sessions {
		n += len(m)
	}
	return n
}

// Push queues msg on every session held for to. ok is false when there is
// none. A session whose buffer is full is skipped; the push fails only when
// every session was skipped.
func (h *Hub) Push(ctx context.Context, to types.Endpoint, msg types.Message) (bool, error) {
	h.mu.RLock()
	targets := make([]*session, 0, len(h.sessions[strings.ToLower(string(to))]))
	for _, s := range h.sessions[strings.ToLower(string(to))] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return false, nil
	}

	data, err := json.Marshal(serverFrame{Type: "message", Message: &msg})
	if err != nil {
		return true, fmt.Errorf("websocket: marshal frame: %w", err)
	}

	queued := 0
	for _, s := range targets {
		select {
		case s.send <- data:
			queued++
		case <-s.done:
		case <-ctx.Done():
			return true, ctx.Err()
		default:
			slog.Warn("websocket: session buffer full, skipping", "session", s.id, "endpoint", s.endpoint)
		}
	}
	if queued == 0 {
		return true, errors.New("websocket: no session accepted the message")
	}
	return true, nil
}

// Close disconnects every session.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	all := h.sessions
	h.sessions = make(map[string]map[string]*session)
	h.mu.Unlock()
	for _, m := range all {
		for _, s := range m {
			s.stop()
		}
	}
}

func (h *Hub) add(s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	k := strings.ToLower(string(s.endpoint))
	if h.sessions[k] == nil {
		h.sessions[k] = make(map[string]*session)
	}
	h.sessions[k][s.id] = s
	return true
}

func (h *Hub) remove(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := strings.ToLower(string(s.endpoint))
	delete(h.sessions[k], s.id)
	if len(h.sessions[k]) == 0 {
		delete(h.sessions, k)
	}
}

// ServeHTTP upgrades the connection and runs the session. The endpoint name
// is read from r.PathValue("name").
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ep, ok := h.dir.Canonical(types.Endpoint(r.PathValue("name")))
	if !ok {
		http.Error(w, `{"error":"unknown endpoint"}`, http.StatusNotFound)
		return
	}
	id, err := node.NewID()
	if err != nil {
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "endpoint", ep, "err", err)
		return
	}
	defer conn.Close()

	s := &session{
		id:       id,
		endpoint: ep,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
	if !h.add(s) {
		return
	}
	defer h.remove(s)
	slog.Info("push session opened", "session", id, "endpoint", ep)
	defer slog.Info("push session closed", "session", id, "endpoint", ep)

	welcome, _ := json.Marshal(serverFrame{Type: "welcome", SessionID: id, Endpoint: ep})
	s.send <- welcome

	go h.readLoop(s)
	h.writeLoop(r.Context(), s)
}

// writeLoop owns all writes to the connection.
func (h *Hub) writeLoop(ctx context.Context, s *session) {
	ping := time.NewTicker(pingEvery)
	defer ping.Stop()
	defer s.stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			_ = s.conn.WriteControl(gorillaws.CloseMessage,
				gorillaws.FormatCloseMessage(gorillaws.CloseGoingAway, ""), time.Now().Add(time.Second))
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop applies acknowledgments until the client goes away.
func (h *Hub) readLoop(s *session) {
	defer s.stop()
	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var cf clientFrame
		if err := json.Unmarshal(raw, &cf); err != nil {
			h.reply(s, serverFrame{Type: "error", Error: "malformed frame"})
			continue
		}
		switch cf.Type {
		case "ack":
			h.reply(s, h.ack(s, cf))
		default:
			h.reply(s, serverFrame{Type: "error", Error: fmt.Sprintf("unknown frame type %q", cf.Type)})
		}
	}
}

func (h *Hub) ack(s *session, cf clientFrame) serverFrame {
	out := serverFrame{Type: "ack_result", SignalID: cf.SignalID}
	if cf.SignalID == "" || !cf.AckType.Valid() {
		out.Error = "signal_id and a valid ack_type are required"
		return out
	}
	by := cf.Acknowledger
	if by == "" {
		by = s.endpoint
	}
	res, err := h.acker.Acknowledge(cf.SignalID, types.Acknowledgment{
		Acknowledger:        by,
		Type:                cf.AckType,
		EstimatedResolution: cf.EstimatedResolution,
	})
	applied := err == nil && res.Applied
	out.Applied = &applied
	out.State = res.State
	if err != nil {
		var ae *algedonic.AckError
		if !errors.As(err, &ae) {
			slog.Warn("websocket: ack failed", "session", s.id, "signal_id", cf.SignalID, "err", err)
		}
		out.Error = err.Error()
	}
	return out
}

// reply queues a frame for this session only.
func (h *Hub) reply(s *session, f serverFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case s.send <- data:
	case <-s.done:
	}
}
