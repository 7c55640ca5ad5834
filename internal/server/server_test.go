package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/kapellhq/kapell/internal/conductor"
	"github.com/kapellhq/kapell/internal/observe"
	"github.com/kapellhq/kapell/internal/protocol"
	"github.com/kapellhq/kapell/internal/server"
	"github.com/kapellhq/kapell/internal/session"
	"github.com/kapellhq/kapell/pkg/provider/model"
	"github.com/kapellhq/kapell/pkg/provider/model/mock"
)

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// startServer launches a test HTTP server exposing /ws backed by the given
// provider.
func startServer(t *testing.T, p model.Provider, sessOpts []session.Option, srvOpts ...server.Option) *httptest.Server {
	t.Helper()

	met, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	sessions := session.NewStore(sessOpts...)
	cond := conductor.New(sessions, p, conductor.WithMetrics(met))
	srvOpts = append(srvOpts, server.WithMetrics(met))
	s := server.New(cond, sessions, srvOpts...)

	mux := http.NewServeMux()
	s.Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// dial opens a client connection to the test server.
func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

// sendRaw writes one text frame.
func sendRaw(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// sendEnvelope marshals and sends a well-formed envelope.
func sendEnvelope(t *testing.T, conn *websocket.Conn, id, eventType, sessionID string, payload map[string]any) {
	t.Helper()
	env := protocol.New(eventType, sessionID, payload, protocol.WithID(id))
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	sendRaw(t, conn, data)
}

// readEnvelope reads and decodes one outbound envelope.
func readEnvelope(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return &env
}

func TestWS_SessionStartHandshake(t *testing.T) {
	t.Parallel()

	srv := startServer(t, &mock.Provider{}, nil)
	conn := dial(t, srv)

	sendEnvelope(t, conn, "e1", protocol.TypeSessionStart, "S", map[string]any{"sessionId": "S"})

	resp := readEnvelope(t, conn)
	if resp.Type != protocol.TypeSessionStarted {
		t.Fatalf("type = %q, want session.started", resp.Type)
	}
	if resp.SessionID != "S" || resp.Payload["sessionId"] != "S" {
		t.Errorf("session binding: %+v", resp)
	}
}

func TestWS_FullTurnOverWire(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Script: []mock.Step{
		{FullText: "Hello back.", Chunks: []string{"Hello", " back."}},
	}}
	srv := startServer(t, p, nil)
	conn := dial(t, srv)

	sendEnvelope(t, conn, "e1", protocol.TypeTranscriptFinal, "S", map[string]any{"text": "hello"})

	// Drain the turn and collect types until the closing idle setState.
	var types []string
	var finalText string
	for i := 0; i < 20; i++ {
		env := readEnvelope(t, conn)
		types = append(types, env.Type)
		if env.Type == protocol.TypeSpeechFinal {
			finalText = env.String("text")
		}
		if env.Type == protocol.TypeToolCall && env.String("name") == "convo.setState" {
			var args map[string]any
			_ = json.Unmarshal([]byte(env.String("arguments")), &args)
			if args["state"] == "idle" {
				break
			}
		}
	}

	if finalText != "Hello back." {
		t.Errorf("final text = %q", finalText)
	}
	var partials int
	for _, typ := range types {
		if typ == protocol.TypeSpeechPartial {
			partials++
		}
	}
	if partials != 2 {
		t.Errorf("partials = %d, want 2", partials)
	}
}

func TestWS_InvalidJSON(t *testing.T) {
	t.Parallel()

	srv := startServer(t, &mock.Provider{}, nil)
	conn := dial(t, srv)

	sendRaw(t, conn, []byte("{not json"))

	resp := readEnvelope(t, conn)
	if resp.Type != protocol.TypeError || resp.String("code") != protocol.CodeInvalidJSON {
		t.Fatalf("expected invalid_json error, got %+v", resp)
	}

	// The connection survives the bad frame.
	sendEnvelope(t, conn, "e1", protocol.TypeSessionStart, "S", map[string]any{})
	if resp := readEnvelope(t, conn); resp.Type != protocol.TypeSessionStarted {
		t.Errorf("connection did not survive bad frame: %+v", resp)
	}
}

func TestWS_MissingFields(t *testing.T) {
	t.Parallel()

	srv := startServer(t, &mock.Provider{}, nil)
	conn := dial(t, srv)

	sendRaw(t, conn, []byte(`{"type":"session.start","timestamp":"2026-01-01T00:00:00Z","sessionId":"S","payload":{}}`))

	resp := readEnvelope(t, conn)
	if resp.String("code") != protocol.CodeMissingID {
		t.Fatalf("expected missing_id, got %+v", resp)
	}
}

func TestWS_EventTooLarge(t *testing.T) {
	t.Parallel()

	srv := startServer(t, &mock.Provider{}, nil, server.WithMaxEventBytes(512))
	conn := dial(t, srv)

	big := strings.Repeat("x", 600)
	sendEnvelope(t, conn, "e1", protocol.TypeTranscriptFinal, "S", map[string]any{"text": big})

	resp := readEnvelope(t, conn)
	if resp.String("code") != protocol.CodeEventTooLarge {
		t.Fatalf("expected event_too_large, got %+v", resp)
	}
}

func TestWS_SessionMismatch(t *testing.T) {
	t.Parallel()

	srv := startServer(t, &mock.Provider{}, nil)
	conn := dial(t, srv)

	sendEnvelope(t, conn, "e1", protocol.TypeSessionStart, "S1", map[string]any{})
	if resp := readEnvelope(t, conn); resp.Type != protocol.TypeSessionStarted {
		t.Fatalf("handshake failed: %+v", resp)
	}

	sendEnvelope(t, conn, "e2", protocol.TypeSessionStart, "S2", map[string]any{})
	resp := readEnvelope(t, conn)
	if resp.String("code") != protocol.CodeSessionMismatch {
		t.Fatalf("expected session_mismatch, got %+v", resp)
	}
	if resp.SessionID != "S1" {
		t.Errorf("mismatch error must name the bound session, got %q", resp.SessionID)
	}
}

func TestWS_RateLimited(t *testing.T) {
	t.Parallel()

	srv := startServer(t, &mock.Provider{}, []session.Option{
		session.WithRateLimit(2, time.Minute),
	})
	conn := dial(t, srv)

	sendEnvelope(t, conn, "e1", protocol.TypeSessionStart, "S", map[string]any{})
	readEnvelope(t, conn)
	sendEnvelope(t, conn, "e2", protocol.TypeAudioInterrupted, "S", map[string]any{"reason": "x"})

	// Third event inside the window is refused.
	sendEnvelope(t, conn, "e3", protocol.TypeAudioInterrupted, "S", map[string]any{"reason": "y"})
	resp := readEnvelope(t, conn)
	if resp.String("code") != protocol.CodeRateLimited {
		t.Fatalf("expected rate_limited, got %+v", resp)
	}
}

// stallingProvider blocks inside GenerateResponse until its context is
// cancelled, reporting when the call starts and how it ended.
type stallingProvider struct {
	started chan struct{}
	result  chan error
}

func (p *stallingProvider) Name() string { return "stalling" }

func (p *stallingProvider) GenerateResponse(ctx context.Context, _ model.Request) (*model.Response, error) {
	close(p.started)
	<-ctx.Done()
	p.result <- ctx.Err()
	return nil, ctx.Err()
}

func TestWS_DisconnectCancelsInFlightTurn(t *testing.T) {
	t.Parallel()

	p := &stallingProvider{
		started: make(chan struct{}),
		result:  make(chan error, 1),
	}
	srv := startServer(t, p, nil)
	conn := dial(t, srv)

	sendEnvelope(t, conn, "e1", protocol.TypeTranscriptFinal, "S", map[string]any{"text": "hello"})

	select {
	case <-p.started:
	case <-time.After(3 * time.Second):
		t.Fatal("provider call never started")
	}

	// Dropping the only connection for the session must abort the provider
	// call rather than leave it running to completion.
	conn.Close(websocket.StatusNormalClosure, "gone")

	select {
	case err := <-p.result:
		if err == nil {
			t.Fatal("provider context ended without error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("provider call was not cancelled after disconnect")
	}
}

func TestWS_DuplicateAcrossReconnect(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Script: []mock.Step{{FullText: "once"}}}
	srv := startServer(t, p, nil)

	conn1 := dial(t, srv)
	sendEnvelope(t, conn1, "dup", protocol.TypeTranscriptFinal, "S", map[string]any{"text": "hi"})
	// Drain until idle.
	for i := 0; i < 20; i++ {
		env := readEnvelope(t, conn1)
		if env.Type == protocol.TypeToolCall && env.String("name") == "convo.setState" {
			var args map[string]any
			_ = json.Unmarshal([]byte(env.String("arguments")), &args)
			if args["state"] == "idle" {
				break
			}
		}
	}
	conn1.Close(websocket.StatusNormalClosure, "reconnecting")

	// Replay the same event id on a new connection; it must be silently
	// dropped, so a follow-up handshake answers first.
	conn2 := dial(t, srv)
	sendEnvelope(t, conn2, "dup", protocol.TypeTranscriptFinal, "S", map[string]any{"text": "hi"})
	sendEnvelope(t, conn2, "fresh", protocol.TypeSessionStart, "S", map[string]any{})

	resp := readEnvelope(t, conn2)
	if resp.Type != protocol.TypeSessionStarted {
		t.Fatalf("duplicate produced output before handshake ack: %+v", resp)
	}
	if calls := len(p.Calls()); calls != 1 {
		t.Errorf("provider calls = %d, want 1", calls)
	}
}
