// Package mock provides a scripted model.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/kapellhq/kapell/pkg/chunk"
	"github.com/kapellhq/kapell/pkg/provider/model"
	"github.com/kapellhq/kapell/pkg/types"
)

// Step describes the outcome of one scripted GenerateResponse call.
type Step struct {
	// FullText is the complete assistant text for the turn.
	FullText string

	// Chunks is the chunk stream content. When nil and FullText is
	// non-empty, a single chunk equal to FullText is emitted.
	Chunks []string

	// ToolCalls are the structured tool-use requests for the turn.
	ToolCalls []types.ToolUse

	// Err, when non-nil, is returned instead of a response.
	Err error
}

// Compile-time assertion that Provider satisfies the model.Provider interface.
var _ model.Provider = (*Provider)(nil)

// Provider replays a script of [Step] values, one per GenerateResponse call,
// and records every request it receives. Safe for concurrent use.
//
// When the script is exhausted, further calls return an empty response so
// sloppy tests fail on assertions rather than panics.
type Provider struct {
	// Script is consumed front to back, one entry per call.
	Script []Step

	mu    sync.Mutex
	calls []model.Request
	next  int
}

// Name implements model.Provider.
func (p *Provider) Name() string { return "mock" }

// GenerateResponse implements model.Provider.
func (p *Provider) GenerateResponse(ctx context.Context, req model.Request) (*model.Response, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	var step Step
	if p.next < len(p.Script) {
		step = p.Script[p.next]
		p.next++
	}
	p.mu.Unlock()

	if step.Err != nil {
		return nil, model.NewError("mock", step.Err)
	}

	chunks := step.Chunks
	if chunks == nil && step.FullText != "" {
		chunks = []string{step.FullText}
	}
	return &model.Response{
		FullText:  step.FullText,
		Chunks:    chunk.Stream(ctx, chunks, 0),
		ToolCalls: step.ToolCalls,
	}, nil
}

// Calls returns a copy of the recorded requests in arrival order.
func (p *Provider) Calls() []model.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Request, len(p.calls))
	copy(out, p.calls)
	return out
}
