package resilience

import (
	"context"

	"github.com/kapellhq/kapell/pkg/provider/model"
)

// ModelFallback implements [model.Provider] with automatic failover across
// multiple model backends. Each backend has its own circuit breaker; when the
// primary fails or its breaker is open, the next healthy fallback is tried.
//
// Failures — including an open circuit with no healthy fallback — surface as
// [*model.Error], so callers report them uniformly as provider failures.
type ModelFallback struct {
	group *FallbackGroup[model.Provider]
}

// Compile-time interface assertion.
var _ model.Provider = (*ModelFallback)(nil)

// NewModelFallback creates a [ModelFallback] with primary as the preferred
// backend.
func NewModelFallback(primary model.Provider, cfg FallbackConfig) *ModelFallback {
	return &ModelFallback{
		group: NewFallbackGroup(primary, primary.Name(), cfg),
	}
}

// AddFallback registers an additional model provider as a fallback. Fallbacks
// are tried in registration order.
func (f *ModelFallback) AddFallback(provider model.Provider) {
	f.group.AddFallback(provider.Name(), provider)
}

// Name returns the primary provider's name.
func (f *ModelFallback) Name() string {
	if len(f.group.entries) > 0 {
		return f.group.entries[0].name
	}
	return "fallback"
}

// GenerateResponse sends the request to the first healthy provider and
// returns its response. Note: only the request itself is covered by failover;
// once a chunk stream is handed out, mid-stream errors are the caller's
// responsibility.
func (f *ModelFallback) GenerateResponse(ctx context.Context, req model.Request) (*model.Response, error) {
	resp, err := ExecuteWithResult(f.group, func(p model.Provider) (*model.Response, error) {
		return p.GenerateResponse(ctx, req)
	})
	if err != nil {
		return nil, model.NewError(f.Name(), err)
	}
	return resp, nil
}
