// Package server exposes the event protocol over WebSocket.
//
// Each connection runs two goroutines: a frame pump that reads from the
// socket, and a processing loop that runs admission control (rate limit,
// frame size, envelope validation, session binding) and hands well-formed
// envelopes to the conductor. Keeping the pump on the socket while a turn is
// in flight is what lets a disconnect detach the session — and cancel its
// in-flight provider work — mid-turn. Outbound envelopes from the conductor
// are serialized onto the same connection.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kapellhq/kapell/internal/conductor"
	"github.com/kapellhq/kapell/internal/observe"
	"github.com/kapellhq/kapell/internal/protocol"
	"github.com/kapellhq/kapell/internal/session"
)

const (
	// DefaultMaxEventBytes is the inbound frame-size ceiling.
	DefaultMaxEventBytes = 65536

	// readLimitSlack keeps the transport read limit above the protocol
	// ceiling, so a frame slightly over the limit is answered with an
	// event_too_large envelope instead of a dropped connection. Frames past
	// the slack still kill the connection.
	readLimitSlack = 4096

	// writeTimeout bounds a single outbound frame write.
	writeTimeout = 10 * time.Second

	// frameBacklog bounds buffered inbound frames between the pump and the
	// processing loop. A small buffer keeps the pump on the socket read,
	// where disconnects are observed.
	frameBacklog = 16
)

// Server accepts WebSocket connections and bridges them to the conductor.
type Server struct {
	conductor      *conductor.Service
	sessions       *session.Store
	metrics        *observe.Metrics
	maxEventBytes  int
	originPatterns []string
}

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithMaxEventBytes overrides the inbound frame-size ceiling.
func WithMaxEventBytes(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxEventBytes = n
		}
	}
}

// WithOriginPatterns sets the allowed WebSocket origins. Empty means
// same-origin only.
func WithOriginPatterns(patterns []string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// WithMetrics overrides the metrics sink, mainly for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a Server bridging connections to the given conductor.
func New(cond *conductor.Service, sessions *session.Store, opts ...Option) *Server {
	s := &Server{
		conductor:     cond,
		sessions:      sessions,
		maxEventBytes: DefaultMaxEventBytes,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Register adds the /ws route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.ServeWS)
}

// ServeWS upgrades the request to a WebSocket connection and runs its read
// loop until the client disconnects or the request context ends.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(int64(s.maxEventBytes) + readLimitSlack)

	ctx := r.Context()
	s.metrics.ActiveConnections.Add(ctx, 1)
	defer s.metrics.ActiveConnections.Add(ctx, -1)

	c := &wsConn{ws: ws}
	defer ws.Close(websocket.StatusInternalError, "connection handler exited")

	s.readLoop(ctx, r, c)
}

// readLoop processes inbound frames until the connection closes. Frames
// arrive through a pump goroutine so the socket is watched even while the
// conductor holds the loop for a full turn; when the pump sees the
// connection drop it detaches the bound session immediately, cancelling the
// session's in-flight provider work if this was its last connection.
func (s *Server) readLoop(ctx context.Context, r *http.Request, c *wsConn) {
	limiter := s.sessions.CreateRateLimiter()

	frames := make(chan []byte, frameBacklog)
	go s.pumpFrames(ctx, r, c, frames)

	// The pump's detach can race a late binding from a buffered frame; the
	// deferred detach covers that path. Both are no-ops when already done.
	defer c.detach()

	for data := range frames {
		// Admission before any parsing work; malformed frames count too.
		bound := c.session()
		if !limiter.Allow(time.Now()) {
			s.metrics.RateLimitRejections.Add(ctx, 1)
			if bound == nil {
				slog.Warn("rate limited before session binding", "remote", r.RemoteAddr)
				continue
			}
			s.sendError(ctx, c, bound.ID(),
				protocol.Errorf(protocol.CodeRateLimited, "event rate limit exceeded"))
			continue
		}

		env, perr := protocol.Parse(data, s.maxEventBytes)
		if perr != nil {
			s.sendError(ctx, c, sessionLabel(bound), perr)
			continue
		}

		switch {
		case bound == nil:
			// First well-formed envelope fixes the session this connection
			// serves.
			bound = s.sessions.GetOrCreate(env.SessionID)
			bound.ConnAttach()
			c.bind(bound)
		case env.SessionID != bound.ID():
			s.sendError(ctx, c, bound.ID(), protocol.Errorf(protocol.CodeSessionMismatch,
				"connection is bound to session %s", bound.ID()))
			continue
		}

		s.conductor.HandleEvent(ctx, env, c.emit)
	}
}

// pumpFrames reads socket frames into the channel until the connection
// closes, then detaches the bound session and closes the channel.
func (s *Server) pumpFrames(ctx context.Context, r *http.Request, c *wsConn, frames chan<- []byte) {
	defer close(frames)
	defer c.detach()

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			switch {
			case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
				slog.Debug("client closed connection", "remote", r.RemoteAddr)
			case errors.Is(err, context.Canceled):
			default:
				slog.Debug("websocket read ended", "remote", r.RemoteAddr, "error", err)
			}
			return
		}
		select {
		case frames <- data:
		case <-ctx.Done():
			return
		}
	}
}

// sendError reports an admission or codec failure over the connection. The
// failure never tears the connection down.
func (s *Server) sendError(ctx context.Context, c *wsConn, sessionID string, perr *protocol.Error) {
	env := protocol.New(protocol.TypeError, sessionID, map[string]any{
		"code":    perr.Code,
		"message": perr.Message,
	})
	if err := c.emit(env); err != nil {
		slog.Warn("error envelope emit failed", "code", perr.Code, "error", err)
		return
	}
	s.metrics.RecordEventOut(ctx, protocol.TypeError)
}

// sessionLabel names the session for error envelopes emitted before the
// connection has bound one.
func sessionLabel(bound *session.State) string {
	if bound != nil {
		return bound.ID()
	}
	return "unknown"
}

// wsConn serializes outbound envelope writes onto one WebSocket connection
// and tracks the session the connection is bound to. The bound pointer is
// shared between the frame pump and the processing loop.
type wsConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	stateMu sync.Mutex
	bound   *session.State
}

// bind fixes the session this connection serves.
func (c *wsConn) bind(st *session.State) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.bound = st
}

// session returns the bound session, nil before the first well-formed
// envelope.
func (c *wsConn) session() *session.State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.bound
}

// detach releases the bound session, at most once per binding.
func (c *wsConn) detach() {
	c.stateMu.Lock()
	st := c.bound
	c.bound = nil
	c.stateMu.Unlock()
	if st != nil {
		st.ConnDetach()
	}
}

// emit implements [conductor.Emitter].
func (c *wsConn) emit(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, data)
}
