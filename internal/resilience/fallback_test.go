package resilience

import (
	"errors"
	"testing"
	"time"
)

func newStringGroup(maxFailures int, resetTimeout time.Duration) *FallbackGroup[string] {
	fg := NewFallbackGroup("anthropic", "anthropic", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:  maxFailures,
			ResetTimeout: resetTimeout,
		},
	})
	fg.AddFallback("gateway", "gateway")
	return fg
}

func TestFallbackGroup_PrimaryWins(t *testing.T) {
	t.Parallel()

	fg := newStringGroup(3, 0)

	var called string
	err := fg.Execute(func(v string) error {
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if called != "anthropic" {
		t.Fatalf("called = %q, want the primary", called)
	}
}

func TestFallbackGroup_FailsOverInOrder(t *testing.T) {
	t.Parallel()

	fg := newStringGroup(3, 0)

	var called string
	err := fg.Execute(func(v string) error {
		if v == "anthropic" {
			return errUpstream
		}
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if called != "gateway" {
		t.Fatalf("called = %q, want the fallback", called)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	t.Parallel()

	fg := newStringGroup(3, 0)

	err := fg.Execute(func(string) error { return errUpstream })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestFallbackGroup_OpenBreakerSkipsEntry(t *testing.T) {
	t.Parallel()

	fg := newStringGroup(2, time.Hour)

	// Open the primary's breaker.
	for i := 0; i < 2; i++ {
		_ = fg.Execute(func(v string) error {
			if v == "anthropic" {
				return errUpstream
			}
			return nil
		})
	}

	// The primary must now be skipped without being called.
	var calls []string
	err := fg.Execute(func(v string) error {
		calls = append(calls, v)
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(calls) != 1 || calls[0] != "gateway" {
		t.Fatalf("calls = %v, want only the fallback", calls)
	}
}

func TestExecuteWithResult(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		primaryErr error
		want       string
	}{
		{name: "primary wins", want: "from-anthropic"},
		{name: "failover", primaryErr: errUpstream, want: "from-gateway"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fg := newStringGroup(3, 0)
			got, err := ExecuteWithResult(fg, func(v string) (string, error) {
				if v == "anthropic" && tc.primaryErr != nil {
					return "", tc.primaryErr
				}
				return "from-" + v, nil
			})
			if err != nil {
				t.Fatalf("ExecuteWithResult: %v", err)
			}
			if got != tc.want {
				t.Fatalf("result = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestExecuteWithResult_AllFail(t *testing.T) {
	t.Parallel()

	fg := NewFallbackGroup("anthropic", "anthropic", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})

	_, err := ExecuteWithResult(fg, func(string) (string, error) {
		return "", errUpstream
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
