// Package model defines the Provider interface for LLM text-generation
// backends.
//
// A model provider wraps a remote or local LLM API (Anthropic Claude, any
// OpenAI-compatible endpoint, or a canned placeholder) and exposes a single
// uniform operation for the conductor: turn a conversation history into a
// response made of assistant text, a lazy chunk stream, and zero or more
// structured tool-use requests.
//
// Implementors must be safe for concurrent use. The Chunks channel of a
// [Response] must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package model

import (
	"context"
	"fmt"

	"github.com/kapellhq/kapell/pkg/types"
)

// Request carries everything a provider needs to produce one model turn.
type Request struct {
	// History is the ordered conversation so far, ending with either a user
	// turn or a tool-result turn that resumes a suspended model turn.
	History []types.Turn

	// Tools is the optional catalog of client-side tools offered to the
	// model. Names are in their original dotted form; adapters whose
	// upstream rejects dots rewrite them internally and restore them on the
	// way back.
	Tools []types.ToolDefinition

	// AuxToken is an optional per-session auxiliary credential forwarded
	// unchanged to the backend (for providers that act on the caller's
	// behalf). Most providers ignore it.
	AuxToken string
}

// Response is the result of a single provider invocation.
type Response struct {
	// FullText is the complete assistant text for this model turn. Empty
	// when the model responded exclusively with tool-use requests.
	FullText string

	// Chunks is a lazy, single-pass, finite stream of text fragments whose
	// concatenation equals FullText up to whitespace trimming at chunk
	// boundaries. Consumers must drain it exactly once. Providers without
	// true streaming still emit at least one chunk when FullText is
	// non-empty.
	Chunks <-chan string

	// ToolCalls lists the structured tool-use requests in model order.
	// Empty when the model produced only text.
	ToolCalls []types.ToolUse
}

// Provider is the abstraction over any LLM text-generation backend.
//
// GenerateResponse must propagate context cancellation promptly and report
// every failure as a [*Error] so the conductor can surface it uniformly.
type Provider interface {
	// Name returns the stable provider identifier ("anthropic", "anyllm",
	// "placeholder"). Used for configuration routing, logging, and metrics.
	Name() string

	// GenerateResponse sends the history (plus optional tool catalog) to
	// the model and returns the resulting turn. The returned Response is
	// never nil when error is nil, and its Chunks channel is never nil.
	GenerateResponse(ctx context.Context, req Request) (*Response, error)
}

// Error is the typed failure raised by provider adapters. The conductor
// surfaces it as an error envelope with code model_provider_failed.
type Error struct {
	// Provider is the name of the failing adapter.
	Provider string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("model provider %s: %v", e.Provider, e.Err)
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err as a provider failure attributed to provider.
func NewError(provider string, err error) *Error {
	return &Error{Provider: provider, Err: err}
}
