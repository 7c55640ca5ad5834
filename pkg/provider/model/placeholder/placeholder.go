// Package placeholder implements a model provider that returns a fixed
// narrative. It is selected when no live backend is configured, which keeps
// the whole conductor pipeline exercisable without credentials.
package placeholder

import (
	"context"
	"time"

	"github.com/kapellhq/kapell/pkg/chunk"
	"github.com/kapellhq/kapell/pkg/provider/model"
)

// defaultNarrative is returned for every request when no custom narrative is
// configured.
const defaultNarrative = "I'm running without a language model right now, so this is a canned reply. " +
	"Configure a model provider to get real answers."

// Compile-time assertion that Provider satisfies the model.Provider interface.
var _ model.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithNarrative overrides the canned reply.
func WithNarrative(text string) Option {
	return func(p *Provider) { p.narrative = text }
}

// WithPartialDelay sets the pause between emitted chunks, simulating the
// cadence of a streaming backend. Zero (the default) disables the pause.
func WithPartialDelay(d time.Duration) Option {
	return func(p *Provider) { p.partialDelay = d }
}

// Provider returns a fixed narrative as both the full text and a chunk
// stream. It never fails and never requests tools.
type Provider struct {
	narrative    string
	partialDelay time.Duration
}

// New creates a placeholder Provider.
func New(opts ...Option) *Provider {
	p := &Provider{narrative: defaultNarrative}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements model.Provider.
func (p *Provider) Name() string { return "placeholder" }

// GenerateResponse implements model.Provider. The narrative is chunked so
// clients still observe the progressive speech-partial cadence.
func (p *Provider) GenerateResponse(ctx context.Context, _ model.Request) (*model.Response, error) {
	chunks := chunk.Split(p.narrative, chunk.DefaultMin, chunk.DefaultMax)
	return &model.Response{
		FullText: p.narrative,
		Chunks:   chunk.Stream(ctx, chunks, p.partialDelay),
	}, nil
}
