// Package session owns the per-session conversation state: bounded history,
// pending tool-call correlations, the diagnostic trace, and the inbound
// dedup window.
//
// Sessions are created lazily on first reference and retained for the
// process lifetime. All mutation of one session's state is serialized by the
// session's own turn lock; independent sessions never contend.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kapellhq/kapell/internal/ratelimit"
	"github.com/kapellhq/kapell/pkg/types"
)

// Defaults for the session invariants.
const (
	// DefaultMaxTurns bounds history to 2×DefaultMaxTurns entries.
	DefaultMaxTurns = 20

	// DefaultPendingTTL bounds the lifetime of an unanswered tool call.
	DefaultPendingTTL = 300 * time.Second

	// traceCapacity bounds the diagnostic trace deque.
	traceCapacity = 24

	// seenCapacity bounds the inbound dedup window.
	seenCapacity = 256
)

// PendingToolCall correlates an outbound tool.call with the tool.result that
// answers it. The client only ever sees CallID; ProviderToolUseID is the
// LLM-side block id needed to build the tool-result turn on resumption.
type PendingToolCall struct {
	CallID            string
	ToolName          string
	EmittedAt         time.Time
	ProviderToolUseID string
}

// State is the mutable per-session record. All methods are safe for
// concurrent use; long-running turn processing is additionally serialized
// via [State.LockTurn].
type State struct {
	id string

	// turnMu enforces that at most one event-processing routine runs for
	// this session at any instant. Held across provider calls.
	turnMu sync.Mutex

	mu              sync.Mutex
	auxToken        string
	history         []types.Turn
	pending         map[string]PendingToolCall
	trace           []string
	transcriptCount int

	// Dedup window: insertion-ordered ring plus membership set.
	seen     map[string]struct{}
	seenRing []string
	seenHead int

	// Outstanding client-facing call ids of the current tool-bridging wave.
	awaiting map[string]struct{}

	// Live connections serving this session, and the cancel hook for
	// in-flight provider work.
	conns      int
	turnCancel context.CancelFunc

	// turnStart stamps the beginning of the current logical turn; it spans
	// suspension so the recorded duration covers tool bridging.
	turnStart time.Time

	// restored marks that durable-store hydration ran for this state, so
	// it happens at most once per process lifetime.
	restored bool

	maxTurns   int
	pendingTTL time.Duration
}

// ID returns the session identifier.
func (s *State) ID() string { return s.id }

// LockTurn acquires the session's turn serializer.
func (s *State) LockTurn() { s.turnMu.Lock() }

// UnlockTurn releases the session's turn serializer.
func (s *State) UnlockTurn() { s.turnMu.Unlock() }

// SetAuxToken records the per-session auxiliary credential from session.start.
func (s *State) SetAuxToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token != "" {
		s.auxToken = token
	}
}

// AuxToken returns the recorded auxiliary credential, if any.
func (s *State) AuxToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auxToken
}

// AppendTurn appends a conversation turn, dropping the oldest turns when the
// 2×maxTurns bound is exceeded.
func (s *State) AppendTurn(turn types.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, turn)
	if limit := 2 * s.maxTurns; len(s.history) > limit {
		s.history = append(s.history[:0], s.history[len(s.history)-limit:]...)
	}
}

// History returns a copy of the conversation so far.
func (s *State) History() []types.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Turn, len(s.history))
	copy(out, s.history)
	return out
}

// HistoryLen returns the current history length.
func (s *State) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// AddPending records an outbound tool.call awaiting its result.
func (s *State) AddPending(p PendingToolCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[p.CallID] = p
}

// TakePending removes and returns the pending entry for callID. Entries
// older than the TTL behave as absent: the late tool.result then yields
// no_pending_tool_call.
func (s *State) TakePending(callID string, now time.Time) (PendingToolCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[callID]
	if !ok {
		return PendingToolCall{}, false
	}
	delete(s.pending, callID)
	if s.pendingTTL > 0 && now.Sub(p.EmittedAt) > s.pendingTTL {
		return PendingToolCall{}, false
	}
	return p, true
}

// PendingCount returns the number of unanswered tool calls.
func (s *State) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ClearPending drops all pending entries and any bridging wave. Called when
// a turn errors out.
func (s *State) ClearPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.pending)
	clear(s.awaiting)
}

// sweepPending evicts entries older than the TTL and returns the eviction
// count.
func (s *State) sweepPending(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingTTL <= 0 {
		return 0
	}
	n := 0
	for id, p := range s.pending {
		if now.Sub(p.EmittedAt) > s.pendingTTL {
			delete(s.pending, id)
			n++
		}
	}
	return n
}

// RecordTrace appends a marker to the bounded diagnostic trace.
func (s *State) RecordTrace(marker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trace = append(s.trace, marker)
	if len(s.trace) > traceCapacity {
		s.trace = append(s.trace[:0], s.trace[len(s.trace)-traceCapacity:]...)
	}
}

// ResetTrace clears the trace at the start of a new turn.
func (s *State) ResetTrace() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trace = s.trace[:0]
}

// Trace returns a copy of the trace markers in emission order.
func (s *State) Trace() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.trace))
	copy(out, s.trace)
	return out
}

// IncTranscriptCount bumps and returns the transcript counter.
func (s *State) IncTranscriptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcriptCount++
	return s.transcriptCount
}

// TranscriptCount returns the number of final transcripts seen.
func (s *State) TranscriptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcriptCount
}

// MarkSeen records an inbound event id in the dedup window. It reports false
// when the id was already present, in which case the event must be dropped
// before any side effect.
func (s *State) MarkSeen(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[eventID]; dup {
		return false
	}
	if len(s.seenRing) < seenCapacity {
		s.seenRing = append(s.seenRing, eventID)
	} else {
		delete(s.seen, s.seenRing[s.seenHead])
		s.seenRing[s.seenHead] = eventID
		s.seenHead = (s.seenHead + 1) % seenCapacity
	}
	s.seen[eventID] = struct{}{}
	return true
}

// BeginBridge starts a tool-bridging wave: the turn stays suspended until a
// tool.result has arrived for every given call id.
func (s *State) BeginBridge(callIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.awaiting)
	for _, id := range callIDs {
		s.awaiting[id] = struct{}{}
	}
}

// ResolveBridge marks one awaited call as answered. It reports whether the
// call belonged to the current wave and how many calls remain outstanding.
func (s *State) ResolveBridge(callID string) (remaining int, wasAwaited bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.awaiting[callID]; !ok {
		return len(s.awaiting), false
	}
	delete(s.awaiting, callID)
	return len(s.awaiting), true
}

// Awaiting reports whether the session has a suspended turn waiting on tool
// results.
func (s *State) Awaiting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.awaiting) > 0
}

// ConnAttach records a live connection serving this session and returns the
// new count.
func (s *State) ConnAttach() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns++
	return s.conns
}

// ConnDetach records a connection drop. When the last connection goes away,
// any in-flight provider work for the session is cancelled.
func (s *State) ConnDetach() int {
	s.mu.Lock()
	cancel := s.turnCancel
	s.conns--
	n := s.conns
	s.mu.Unlock()

	if n <= 0 && cancel != nil {
		cancel()
	}
	return n
}

// MarkTurnStart stamps the beginning of a logical turn.
func (s *State) MarkTurnStart(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnStart = t
}

// TurnStart returns the stamp of the current logical turn, zero when no turn
// has started.
func (s *State) TurnStart() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnStart
}

// SetTurnCancel installs the cancel hook for the turn currently in flight.
// Pass nil when the turn completes.
func (s *State) SetTurnCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnCancel = cancel
}

// BeginRestore marks the state as hydrated from durable storage and reports
// whether this call was the first. Callers skip hydration on false.
func (s *State) BeginRestore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.restored {
		return false
	}
	s.restored = true
	return true
}

// RestoreHistory seeds the conversation from a durable record. Live state
// wins: a session that already accumulated history in this process is left
// untouched.
func (s *State) RestoreHistory(history []types.Turn, transcriptCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) > 0 {
		return
	}
	s.history = append(s.history[:0], history...)
	if limit := 2 * s.maxTurns; len(s.history) > limit {
		s.history = append(s.history[:0], s.history[len(s.history)-limit:]...)
	}
	s.transcriptCount = transcriptCount
}

// ─────────────────────────────────────────────────────────────────────────────
// Store
// ─────────────────────────────────────────────────────────────────────────────

// Store owns all session states, keyed by session id, and acts as the
// factory for per-connection rate limiters.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*State

	maxTurns   int
	pendingTTL time.Duration
	rateLimit  int
	rateWindow time.Duration

	// onCreate fires once for every session created, outside the store
	// lock. Used for the live-session gauge.
	onCreate func()
}

// Option is a functional option for configuring a Store.
type Option func(*Store)

// WithMaxTurns overrides the history bound (history holds 2×n turns).
func WithMaxTurns(n int) Option {
	return func(st *Store) {
		if n > 0 {
			st.maxTurns = n
		}
	}
}

// WithPendingTTL overrides the pending tool-call time-to-live.
func WithPendingTTL(ttl time.Duration) Option {
	return func(st *Store) {
		if ttl > 0 {
			st.pendingTTL = ttl
		}
	}
}

// WithCreateHook registers a callback invoked each time a new session is
// created.
func WithCreateHook(fn func()) Option {
	return func(st *Store) { st.onCreate = fn }
}

// WithRateLimit overrides the per-connection admission limit and window.
func WithRateLimit(n int, window time.Duration) Option {
	return func(st *Store) {
		if n > 0 {
			st.rateLimit = n
		}
		if window > 0 {
			st.rateWindow = window
		}
	}
}

// NewStore creates a session store with the given options.
func NewStore(opts ...Option) *Store {
	st := &Store{
		sessions:   make(map[string]*State),
		maxTurns:   DefaultMaxTurns,
		pendingTTL: DefaultPendingTTL,
		rateLimit:  ratelimit.DefaultLimit,
		rateWindow: ratelimit.DefaultWindow,
	}
	for _, o := range opts {
		o(st)
	}
	return st
}

// GetOrCreate returns the session state for id, creating it on first
// reference.
func (st *Store) GetOrCreate(id string) *State {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	if ok {
		return s
	}

	st.mu.Lock()
	if s, ok := st.sessions[id]; ok {
		st.mu.Unlock()
		return s
	}
	s = &State{
		id:         id,
		pending:    make(map[string]PendingToolCall),
		seen:       make(map[string]struct{}),
		awaiting:   make(map[string]struct{}),
		maxTurns:   st.maxTurns,
		pendingTTL: st.pendingTTL,
	}
	st.sessions[id] = s
	hook := st.onCreate
	st.mu.Unlock()

	if hook != nil {
		hook()
	}
	return s
}

// Get returns the session state for id if it exists.
func (st *Store) Get(id string) (*State, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// CreateRateLimiter builds a fresh per-connection limiter with the store's
// configured admission policy.
func (st *Store) CreateRateLimiter() *ratelimit.SlidingWindow {
	return ratelimit.NewSlidingWindow(st.rateLimit, st.rateWindow)
}

// StartSweeper runs a background loop evicting expired pending tool calls
// every interval until ctx is cancelled. The lazy TTL check on lookup is
// authoritative; the sweeper only keeps the maps from accumulating garbage.
func (st *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				st.mu.RLock()
				states := make([]*State, 0, len(st.sessions))
				for _, s := range st.sessions {
					states = append(states, s)
				}
				st.mu.RUnlock()

				evicted := 0
				for _, s := range states {
					evicted += s.sweepPending(now)
				}
				if evicted > 0 {
					slog.Debug("swept expired pending tool calls", "evicted", evicted)
				}
			}
		}
	}()
}
