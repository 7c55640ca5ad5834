package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/kapellhq/kapell/pkg/types"
)

func TestGetOrCreate_SameInstance(t *testing.T) {
	t.Parallel()

	st := NewStore()
	a := st.GetOrCreate("S")
	b := st.GetOrCreate("S")
	if a != b {
		t.Error("same id must yield the same state instance")
	}
	if st.Len() != 1 {
		t.Errorf("store size: want 1, got %d", st.Len())
	}
	if a.ID() != "S" {
		t.Errorf("id: want S, got %q", a.ID())
	}
}

func TestHistoryBound(t *testing.T) {
	t.Parallel()

	st := NewStore(WithMaxTurns(3))
	s := st.GetOrCreate("S")

	for i := 0; i < 20; i++ {
		s.AppendTurn(types.UserText(fmt.Sprintf("turn %d", i)))
		if n := s.HistoryLen(); n > 6 {
			t.Fatalf("history exceeded 2×maxTurns: %d", n)
		}
	}

	h := s.History()
	if len(h) != 6 {
		t.Fatalf("history length: want 6, got %d", len(h))
	}
	if h[0].Text != "turn 14" || h[5].Text != "turn 19" {
		t.Errorf("oldest turns not dropped: first=%q last=%q", h[0].Text, h[5].Text)
	}
}

func TestPendingLifecycle(t *testing.T) {
	t.Parallel()

	st := NewStore()
	s := st.GetOrCreate("S")
	now := time.Now()

	s.AddPending(PendingToolCall{CallID: "c1", ToolName: "agent.spawn", EmittedAt: now, ProviderToolUseID: "u1"})

	p, ok := s.TakePending("c1", now)
	if !ok {
		t.Fatal("expected pending entry")
	}
	if p.ProviderToolUseID != "u1" || p.ToolName != "agent.spawn" {
		t.Errorf("wrong entry: %+v", p)
	}

	if _, ok := s.TakePending("c1", now); ok {
		t.Error("second take must miss")
	}
	if _, ok := s.TakePending("never", now); ok {
		t.Error("unknown call id must miss")
	}
}

func TestPendingTTLExpiry(t *testing.T) {
	t.Parallel()

	st := NewStore(WithPendingTTL(time.Minute))
	s := st.GetOrCreate("S")
	emitted := time.Now()

	s.AddPending(PendingToolCall{CallID: "c1", ToolName: "x", EmittedAt: emitted})

	// Past the TTL the entry behaves as absent.
	if _, ok := s.TakePending("c1", emitted.Add(2*time.Minute)); ok {
		t.Error("expired entry must behave as absent")
	}
	if s.PendingCount() != 0 {
		t.Error("expired entry must be removed on lookup")
	}
}

func TestSweepPending(t *testing.T) {
	t.Parallel()

	st := NewStore(WithPendingTTL(time.Minute))
	s := st.GetOrCreate("S")
	now := time.Now()

	s.AddPending(PendingToolCall{CallID: "old", EmittedAt: now.Add(-2 * time.Minute)})
	s.AddPending(PendingToolCall{CallID: "fresh", EmittedAt: now})

	if n := s.sweepPending(now); n != 1 {
		t.Errorf("swept: want 1, got %d", n)
	}
	if s.PendingCount() != 1 {
		t.Errorf("remaining: want 1, got %d", s.PendingCount())
	}
	if _, ok := s.TakePending("fresh", now); !ok {
		t.Error("fresh entry must survive the sweep")
	}
}

func TestTraceBounded(t *testing.T) {
	t.Parallel()

	s := NewStore().GetOrCreate("S")
	for i := 0; i < 100; i++ {
		s.RecordTrace(fmt.Sprintf("m%d", i))
	}
	trace := s.Trace()
	if len(trace) != traceCapacity {
		t.Fatalf("trace length: want %d, got %d", traceCapacity, len(trace))
	}
	if trace[len(trace)-1] != "m99" {
		t.Errorf("trace must keep the newest markers, last=%q", trace[len(trace)-1])
	}

	s.ResetTrace()
	if len(s.Trace()) != 0 {
		t.Error("reset must clear the trace")
	}
}

func TestMarkSeen_DedupWindow(t *testing.T) {
	t.Parallel()

	s := NewStore().GetOrCreate("S")

	if !s.MarkSeen("e1") {
		t.Fatal("first sighting must be fresh")
	}
	if s.MarkSeen("e1") {
		t.Fatal("second sighting must be a duplicate")
	}

	// Fill the window so e1 is evicted, then it counts as fresh again.
	for i := 0; i < seenCapacity; i++ {
		s.MarkSeen(fmt.Sprintf("fill-%d", i))
	}
	if !s.MarkSeen("e1") {
		t.Error("evicted id must count as fresh")
	}
}

func TestBridgeWave(t *testing.T) {
	t.Parallel()

	s := NewStore().GetOrCreate("S")
	s.BeginBridge([]string{"c1", "c2"})

	if !s.Awaiting() {
		t.Fatal("session must be awaiting after BeginBridge")
	}

	if _, awaited := s.ResolveBridge("stranger"); awaited {
		t.Error("unknown call must not count toward the wave")
	}

	remaining, awaited := s.ResolveBridge("c1")
	if !awaited || remaining != 1 {
		t.Errorf("first resolve: awaited=%v remaining=%d", awaited, remaining)
	}
	remaining, awaited = s.ResolveBridge("c2")
	if !awaited || remaining != 0 {
		t.Errorf("second resolve: awaited=%v remaining=%d", awaited, remaining)
	}
	if s.Awaiting() {
		t.Error("wave must be complete")
	}
}

func TestConnDetach_CancelsOnLastDrop(t *testing.T) {
	t.Parallel()

	s := NewStore().GetOrCreate("S")
	cancelled := false
	s.SetTurnCancel(func() { cancelled = true })

	s.ConnAttach()
	s.ConnAttach()

	if s.ConnDetach() != 1 || cancelled {
		t.Fatal("first detach must not cancel while another connection lives")
	}
	if s.ConnDetach() != 0 || !cancelled {
		t.Fatal("last detach must cancel in-flight work")
	}
}

func TestCreateRateLimiter_UsesStorePolicy(t *testing.T) {
	t.Parallel()

	st := NewStore(WithRateLimit(2, time.Minute))
	lim := st.CreateRateLimiter()
	now := time.Now()

	if !lim.Allow(now) || !lim.Allow(now) {
		t.Fatal("first two admissions must pass")
	}
	if lim.Allow(now) {
		t.Error("third admission must be refused")
	}
}

func TestCreateHook_FiresOncePerSession(t *testing.T) {
	t.Parallel()

	created := 0
	st := NewStore(WithCreateHook(func() { created++ }))

	st.GetOrCreate("A")
	st.GetOrCreate("A")
	st.GetOrCreate("B")

	if created != 2 {
		t.Errorf("create hook fired %d times, want 2", created)
	}
}

func TestRestoreHistory_LiveStateWins(t *testing.T) {
	t.Parallel()

	s := NewStore().GetOrCreate("S")
	if !s.BeginRestore() {
		t.Fatal("first BeginRestore must report true")
	}
	if s.BeginRestore() {
		t.Fatal("second BeginRestore must report false")
	}

	s.RestoreHistory([]types.Turn{types.UserText("old")}, 3)
	if s.HistoryLen() != 1 || s.TranscriptCount() != 3 {
		t.Fatalf("restore on empty state: len=%d count=%d", s.HistoryLen(), s.TranscriptCount())
	}

	// A later restore never clobbers history accumulated in this process.
	s.AppendTurn(types.UserText("new"))
	s.RestoreHistory([]types.Turn{types.UserText("stale")}, 9)
	if s.HistoryLen() != 2 || s.TranscriptCount() != 3 {
		t.Errorf("restore overwrote live state: len=%d count=%d", s.HistoryLen(), s.TranscriptCount())
	}
}
