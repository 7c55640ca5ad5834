// Package conductor implements the per-event reducer and the multi-turn
// tool-call loop at the heart of the service.
//
// The conductor is a reducer over inbound envelopes with one outbound
// emitter callback. For a final transcript it drives a complete model turn:
// streams speech partials as text is produced, bridges the model's tool-use
// blocks to the client's tool-call protocol, suspends on pending tool
// results, and resumes the same logical turn when they arrive.
package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kapellhq/kapell/internal/observe"
	"github.com/kapellhq/kapell/internal/protocol"
	"github.com/kapellhq/kapell/internal/session"
	"github.com/kapellhq/kapell/pkg/provider/model"
	"github.com/kapellhq/kapell/pkg/store"
	"github.com/kapellhq/kapell/pkg/types"
)

// Client-side tool names the conductor emits on its own behalf.
const (
	toolSetState      = "convo.setState"
	toolAppendMessage = "convo.appendMessage"
	toolSpeak         = "tts.speak"
)

// Emitter delivers one outbound envelope to the client. Implementations
// serialize writes so envelopes arrive in emission order.
type Emitter func(*protocol.Envelope) error

// Service coordinates the session store, the model provider, and the
// outbound emitter. Safe for concurrent use; work for one session is
// serialized by the session's turn lock.
type Service struct {
	sessions *session.Store
	provider model.Provider
	persist  store.PersistentStore
	metrics  *observe.Metrics
	tools    []types.ToolDefinition
}

// Option is a functional option for configuring a Service.
type Option func(*Service)

// WithPersistentStore attaches a durable store; session history and pending
// tool calls are then written through so a suspended turn can survive a
// restart.
func WithPersistentStore(ps store.PersistentStore) Option {
	return func(s *Service) { s.persist = ps }
}

// WithTools sets the tool catalog offered to the model on every invocation.
func WithTools(tools []types.ToolDefinition) Option {
	return func(s *Service) { s.tools = tools }
}

// WithMetrics overrides the metrics sink, mainly for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New creates a conductor Service.
func New(sessions *session.Store, provider model.Provider, opts ...Option) *Service {
	s := &Service{
		sessions: sessions,
		provider: provider,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// HandleEvent runs the reducer for one inbound envelope. Codec and admission
// checks have already happened in the connection handler; everything here is
// session-scoped.
func (s *Service) HandleEvent(ctx context.Context, env *protocol.Envelope, emit Emitter) {
	st := s.sessions.GetOrCreate(env.SessionID)
	st.LockTurn()
	defer st.UnlockTurn()

	s.hydrate(ctx, st)

	// Dedup before any side effect: a reconnecting client replays its
	// recent envelopes.
	if !st.MarkSeen(env.ID) {
		s.metrics.DedupDrops.Add(ctx, 1)
		slog.Debug("duplicate inbound event dropped",
			"session_id", env.SessionID, "event_id", env.ID, "type", env.Type)
		return
	}
	s.metrics.RecordEventIn(ctx, env.Type)

	switch env.Type {
	case protocol.TypeSessionStart:
		// The envelope field is authoritative; a differing payload
		// sessionId usually means a confused client.
		if want := env.String("sessionId"); want != "" && want != st.ID() {
			slog.Debug("session.start payload sessionId differs from envelope",
				"session_id", st.ID(), "payload_session_id", want)
		}
		st.SetAuxToken(env.String("authToken"))
		s.send(ctx, st, emit, protocol.TypeSessionStarted, map[string]any{
			"sessionId": st.ID(),
		})
		s.saveSession(ctx, st)

	case protocol.TypeTranscriptFinal:
		text := env.String("text")
		if strings.TrimSpace(text) == "" {
			s.sendError(ctx, st, emit, protocol.CodeInvalidTranscript, "transcript text is empty")
			return
		}
		s.runTurn(ctx, st, emit, text)

	case protocol.TypeToolResult:
		s.handleToolResult(ctx, st, emit, env)

	case protocol.TypeAudioInterrupted:
		st.RecordTrace("audio.interrupted")
		slog.Info("audio output interrupted",
			"session_id", st.ID(), "reason", env.String("reason"))

	case protocol.TypeTranscriptPartial:
		// UI-only signal; never touches history.

	default:
		slog.Debug("ignoring unknown event type",
			"session_id", st.ID(), "type", env.Type)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Conductor turn
// ─────────────────────────────────────────────────────────────────────────────

// runTurn executes one full turn for a final transcript: history append, the
// thinking/appendMessage preamble, then the first model invocation. The turn
// either finalizes or suspends awaiting tool results.
func (s *Service) runTurn(ctx context.Context, st *session.State, emit Emitter, text string) {
	ctx, span := observe.StartSpan(ctx, "conductor.turn",
		trace.WithAttributes(attribute.String("session_id", st.ID())))
	defer span.End()

	st.IncTranscriptCount()
	st.ResetTrace()
	st.MarkTurnStart(time.Now())

	st.AppendTurn(types.UserText(text))
	s.emitToolCall(ctx, st, emit, toolSetState, map[string]any{"state": "thinking"}, "")
	s.emitToolCall(ctx, st, emit, toolAppendMessage, map[string]any{
		"role": "user", "text": text, "isPartial": false,
	}, "")

	if err := s.modelTurn(ctx, st, emit); err != nil {
		s.failTurn(ctx, st, emit, err)
	}
}

// modelTurn invokes the provider once against the current history and
// consumes the response: partials are streamed as they arrive, then the turn
// either enters the tool-bridging sub-loop (suspending until results come
// back) or finalizes with the closing tool-call sequence.
func (s *Service) modelTurn(ctx context.Context, st *session.State, emit Emitter) error {
	// The cancel hook lets a disconnect abort in-flight provider work when
	// the last connection for the session drops. It stays armed through
	// chunk consumption since the stream shares the same context.
	genCtx, cancel := context.WithCancel(ctx)
	st.SetTurnCancel(cancel)
	defer func() {
		st.SetTurnCancel(nil)
		cancel()
	}()

	start := time.Now()
	resp, err := s.provider.GenerateResponse(genCtx, model.Request{
		History:  st.History(),
		Tools:    s.tools,
		AuxToken: st.AuxToken(),
	})
	s.metrics.ProviderDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		s.metrics.RecordProviderRequest(ctx, s.provider.Name(), "error")
		s.metrics.RecordProviderError(ctx, s.provider.Name())
		return err
	}
	s.metrics.RecordProviderRequest(ctx, s.provider.Name(), "ok")

	// Partials carry the cumulative text, not deltas.
	var responseText strings.Builder
	for chunk := range resp.Chunks {
		responseText.WriteString(chunk)
		st.RecordTrace("speech.partial")
		s.send(ctx, st, emit, protocol.TypeSpeechPartial, map[string]any{
			"text": responseText.String(),
		})
	}
	text := responseText.String()
	if text == "" && resp.FullText != "" {
		text = resp.FullText
	}

	if len(resp.ToolCalls) > 0 {
		return s.bridgeToolCalls(ctx, st, emit, text, resp.ToolCalls)
	}

	s.finalizeTurn(ctx, st, emit, text)
	return nil
}

// bridgeToolCalls relays the model's tool-use blocks to the client and
// suspends the turn. Text that arrived alongside the blocks is kept on the
// assistant turn; its finalization is deferred until bridging completes.
func (s *Service) bridgeToolCalls(ctx context.Context, st *session.State, emit Emitter, text string, blocks []types.ToolUse) error {
	for _, b := range blocks {
		if strings.TrimSpace(b.Name) == "" {
			return protocol.Errorf(protocol.CodeInvalidToolCall,
				"model produced a tool-use block without a name")
		}
	}

	st.AppendTurn(types.AssistantToolUse(text, blocks))

	callIDs := make([]string, 0, len(blocks))
	for _, b := range blocks {
		callIDs = append(callIDs, s.emitToolCall(ctx, st, emit, b.Name, b.Input, b.ID))
	}
	st.BeginBridge(callIDs)
	st.RecordTrace("suspend")
	s.saveSession(ctx, st)

	slog.Debug("turn suspended awaiting tool results",
		"session_id", st.ID(), "outstanding", len(callIDs))
	return nil
}

// finalizeTurn emits the speech final and the closing tool-call sequence,
// then writes the turn's trace summary.
func (s *Service) finalizeTurn(ctx context.Context, st *session.State, emit Emitter, text string) {
	text = strings.TrimSpace(text)

	st.RecordTrace("speech.final")
	s.send(ctx, st, emit, protocol.TypeSpeechFinal, map[string]any{"text": text})
	st.AppendTurn(types.AssistantText(text))

	s.emitToolCall(ctx, st, emit, toolAppendMessage, map[string]any{
		"role": "assistant", "text": text, "isPartial": false,
	}, "")
	s.emitToolCall(ctx, st, emit, toolSetState, map[string]any{"state": "speaking"}, "")
	s.emitToolCall(ctx, st, emit, toolSpeak, map[string]any{"text": text}, "")
	s.emitToolCall(ctx, st, emit, toolSetState, map[string]any{"state": "idle"}, "")

	if start := st.TurnStart(); !start.IsZero() {
		s.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
	}
	s.saveSession(ctx, st)

	slog.Info("turn complete",
		"session_id", st.ID(),
		"transcripts", st.TranscriptCount(),
		"history_len", st.HistoryLen(),
		"trace", strings.Join(st.Trace(), " | "),
	)
}

// handleToolResult resolves one pending tool call. When the last outstanding
// call of a bridging wave resolves, the suspended turn resumes with a fresh
// provider invocation.
func (s *Service) handleToolResult(ctx context.Context, st *session.State, emit Emitter, env *protocol.Envelope) {
	callID := env.String("callId")
	pending, ok := st.TakePending(callID, time.Now())
	if !ok {
		s.sendError(ctx, st, emit, protocol.CodeNoPendingToolCall,
			"no pending tool call for callId "+callID)
		return
	}
	s.deletePending(ctx, st.ID(), callID)

	result := env.NullableString("result")
	errText := env.NullableString("error")

	// Exactly one of result/error is non-null; both null means an empty
	// success.
	content := "{}"
	isError := false
	switch {
	case errText != nil:
		content = *errText
		isError = true
	case result != nil:
		content = *result
	}

	// Only results answering a model tool-use block enter history; results
	// acknowledging conductor-initiated UI calls just clear the pending
	// entry.
	if pending.ProviderToolUseID != "" {
		st.AppendTurn(types.ToolResult(pending.ProviderToolUseID, content, isError))
	}
	st.RecordTrace("tool.result:" + pending.ToolName)

	remaining, awaited := st.ResolveBridge(callID)
	if !awaited {
		return
	}
	if remaining > 0 {
		slog.Debug("tool result received, wave incomplete",
			"session_id", st.ID(), "tool", pending.ToolName, "outstanding", remaining)
		return
	}

	// All expected results arrived: resume the suspended turn.
	if err := s.modelTurn(ctx, st, emit); err != nil {
		s.failTurn(ctx, st, emit, err)
	}
}

// failTurn surfaces a turn failure: an error envelope, cleared pending
// calls, and the closing idle state so the client UI returns to neutral.
func (s *Service) failTurn(ctx context.Context, st *session.State, emit Emitter, err error) {
	code := protocol.CodeConductorError
	message := err.Error()

	var perr *protocol.Error
	var merr *model.Error
	switch {
	case errors.As(err, &perr):
		code = perr.Code
		message = perr.Message
	case errors.As(err, &merr):
		code = protocol.CodeModelProviderFailed
	}

	slog.Error("turn failed",
		"session_id", st.ID(), "code", code, "error", err,
		"trace", strings.Join(st.Trace(), " | "),
	)

	st.ClearPending()
	s.deletePending(ctx, st.ID(), "")

	s.sendError(ctx, st, emit, code, message)
	s.emitToolCall(ctx, st, emit, toolSetState, map[string]any{"state": "idle"}, "")
	s.saveSession(ctx, st)
}

// ─────────────────────────────────────────────────────────────────────────────
// Outbound helpers
// ─────────────────────────────────────────────────────────────────────────────

// send builds and emits one outbound envelope. Emit failures are logged but
// never tear down the turn; the transport owns connection lifecycle.
func (s *Service) send(ctx context.Context, st *session.State, emit Emitter, eventType string, payload map[string]any) {
	env := protocol.New(eventType, st.ID(), payload)
	if err := emit(env); err != nil {
		slog.Warn("outbound emit failed",
			"session_id", st.ID(), "type", eventType, "error", err)
		return
	}
	s.metrics.RecordEventOut(ctx, eventType)
}

// sendError emits an error envelope.
func (s *Service) sendError(ctx context.Context, st *session.State, emit Emitter, code, message string) {
	s.send(ctx, st, emit, protocol.TypeError, map[string]any{
		"code":    code,
		"message": message,
	})
}

// emitToolCall generates a fresh client-facing callId, records the pending
// entry, and emits the tool.call envelope. providerToolUseID is empty for
// conductor-initiated calls and carries the model's block id for bridged
// ones.
func (s *Service) emitToolCall(ctx context.Context, st *session.State, emit Emitter, name string, args map[string]any, providerToolUseID string) string {
	callID := uuid.NewString()
	now := time.Now()

	if args == nil {
		args = map[string]any{}
	}
	rawArgs, err := json.Marshal(args)
	if err != nil {
		// Arguments come from JSON decoding or literal maps, so this only
		// fires on exotic provider input.
		rawArgs = []byte("{}")
		slog.Warn("tool call arguments not serializable",
			"session_id", st.ID(), "tool", name, "error", err)
	}

	st.AddPending(session.PendingToolCall{
		CallID:            callID,
		ToolName:          name,
		EmittedAt:         now,
		ProviderToolUseID: providerToolUseID,
	})
	s.putPending(ctx, st.ID(), callID, name, providerToolUseID, now)
	st.RecordTrace("tool.call:" + name)

	s.send(ctx, st, emit, protocol.TypeToolCall, map[string]any{
		"callId":    callID,
		"name":      name,
		"arguments": string(rawArgs),
	})
	s.metrics.RecordToolCall(ctx, name)
	return callID
}

// ─────────────────────────────────────────────────────────────────────────────
// Durable store (best-effort write-through, one-shot hydration)
// ─────────────────────────────────────────────────────────────────────────────

// hydrate seeds a session from the durable store the first time it is
// referenced in this process. Restored pending calls with a provider block
// id re-open the tool-bridging wave, so a turn suspended across a restart
// resumes when its results arrive.
func (s *Service) hydrate(ctx context.Context, st *session.State) {
	if s.persist == nil || !st.BeginRestore() {
		return
	}

	rec, err := s.persist.GetSession(ctx, st.ID())
	if err != nil {
		slog.Warn("session hydration failed", "session_id", st.ID(), "error", err)
	} else if rec != nil {
		st.RestoreHistory(rec.History, rec.TranscriptCount)
	}

	pend, err := s.persist.GetPendingToolCalls(ctx, st.ID())
	if err != nil {
		slog.Warn("pending hydration failed", "session_id", st.ID(), "error", err)
		return
	}

	var wave []string
	for _, p := range pend {
		st.AddPending(session.PendingToolCall{
			CallID:            p.CallID,
			ToolName:          p.ToolName,
			EmittedAt:         p.EmittedAt,
			ProviderToolUseID: p.ProviderToolUseID,
		})
		if p.ProviderToolUseID != "" {
			wave = append(wave, p.CallID)
		}
	}
	if len(wave) > 0 {
		st.BeginBridge(wave)
	}

	if rec != nil || len(pend) > 0 {
		slog.Info("session hydrated from durable store",
			"session_id", st.ID(),
			"history_len", st.HistoryLen(),
			"pending", len(pend),
			"resumable", len(wave),
		)
	}
}

func (s *Service) saveSession(ctx context.Context, st *session.State) {
	if s.persist == nil {
		return
	}
	err := s.persist.SaveSession(ctx, store.SessionRecord{
		ID:              st.ID(),
		History:         st.History(),
		TranscriptCount: st.TranscriptCount(),
		UpdatedAt:       time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("session write-through failed", "session_id", st.ID(), "error", err)
	}
}

func (s *Service) putPending(ctx context.Context, sessionID, callID, toolName, providerToolUseID string, emittedAt time.Time) {
	if s.persist == nil {
		return
	}
	err := s.persist.PutPendingToolCall(ctx, store.PendingRecord{
		SessionID:         sessionID,
		CallID:            callID,
		ToolName:          toolName,
		ProviderToolUseID: providerToolUseID,
		EmittedAt:         emittedAt,
		ExpiresAt:         emittedAt.Add(session.DefaultPendingTTL),
	})
	if err != nil {
		slog.Warn("pending write-through failed", "session_id", sessionID, "call_id", callID, "error", err)
	}
}

func (s *Service) deletePending(ctx context.Context, sessionID, callID string) {
	if s.persist == nil {
		return
	}
	if err := s.persist.DeletePendingToolCall(ctx, sessionID, callID); err != nil {
		slog.Warn("pending delete failed", "session_id", sessionID, "call_id", callID, "error", err)
	}
}
