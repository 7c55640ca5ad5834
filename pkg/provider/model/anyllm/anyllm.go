// Package anyllm implements model.Provider on top of
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and
// more. It is the escape hatch for running the conductor against any backend
// the native adapter does not cover.
package anyllm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/kapellhq/kapell/pkg/chunk"
	"github.com/kapellhq/kapell/pkg/provider/model"
	"github.com/kapellhq/kapell/pkg/types"
)

// DefaultTimeout bounds a single model turn.
const DefaultTimeout = 30 * time.Second

// Compile-time assertion that Provider satisfies the model.Provider interface.
var _ model.Provider = (*Provider)(nil)

// Provider wraps an any-llm-go backend behind the model.Provider contract.
type Provider struct {
	backend      anyllmlib.Provider
	backendName  string
	modelID      string
	systemPrompt string
	timeout      time.Duration
	partialDelay time.Duration
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithSystemPrompt prepends a system message to every request.
func WithSystemPrompt(prompt string) Option {
	return func(p *Provider) { p.systemPrompt = prompt }
}

// WithTimeout overrides the per-turn deadline. Non-positive values keep the
// default.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithPartialDelay sets the pause between chunks on the returned stream.
func WithPartialDelay(d time.Duration) Option {
	return func(p *Provider) { p.partialDelay = d }
}

// New creates a Provider backed by the named any-llm-go backend.
//
// backendName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq", "llamacpp", "llamafile". modelID is the
// backend-specific model (e.g. "gpt-4o", "claude-sonnet-4-20250514").
// backendOpts are any-llm-go options such as anyllmlib.WithAPIKey; without an
// API key option the backend falls back to its usual environment variable.
func New(backendName, modelID string, backendOpts []anyllmlib.Option, opts ...Option) (*Provider, error) {
	if backendName == "" {
		return nil, fmt.Errorf("anyllm: backend name must not be empty")
	}
	if modelID == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(backendName, backendOpts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", backendName, err)
	}

	p := &Provider{
		backend:     backend,
		backendName: strings.ToLower(backendName),
		modelID:     modelID,
		timeout:     DefaultTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func createBackend(name string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(name) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported backend %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", name)
	}
}

// Name implements model.Provider.
func (p *Provider) Name() string { return "anyllm" }

// GenerateResponse implements model.Provider.
func (p *Provider) GenerateResponse(ctx context.Context, req model.Request) (*model.Response, error) {
	mapper := model.NewToolNameMapper(req.Tools)
	params := p.buildParams(req)

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.backend.Completion(callCtx, params)
	if err != nil {
		return nil, model.NewError("anyllm", fmt.Errorf("%s completion: %w", p.backendName, err))
	}
	if len(resp.Choices) == 0 {
		return nil, model.NewError("anyllm", fmt.Errorf("%s: empty choices in response", p.backendName))
	}

	choice := resp.Choices[0]
	fullText := choice.Message.ContentString()

	var toolCalls []types.ToolUse
	for _, tc := range choice.Message.ToolCalls {
		input := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				return nil, model.NewError("anyllm", fmt.Errorf("tool %s: invalid arguments JSON: %w", tc.Function.Name, err))
			}
		}
		toolCalls = append(toolCalls, types.ToolUse{
			ID:    tc.ID,
			Name:  mapper.Original(tc.Function.Name),
			Input: input,
		})
	}

	return &model.Response{
		FullText:  fullText,
		Chunks:    chunk.Stream(ctx, chunk.Split(fullText, chunk.DefaultMin, chunk.DefaultMax), p.partialDelay),
		ToolCalls: toolCalls,
	}, nil
}

// buildParams converts a model.Request into anyllm CompletionParams. Tool
// names are rewritten to the underscore wire form since OpenAI-compatible
// backends restrict function identifiers the same way Anthropic does.
func (p *Provider) buildParams(req model.Request) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message

	if p.systemPrompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: p.systemPrompt,
		})
	}

	for _, turn := range req.History {
		messages = append(messages, convertTurn(turn))
	}

	params := anyllmlib.CompletionParams{
		Model:    p.modelID,
		Messages: messages,
	}

	for _, def := range req.Tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        model.WireToolName(def.Name),
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}

	return params
}

// convertTurn maps a conversation turn onto an OpenAI-style chat message.
func convertTurn(turn types.Turn) anyllmlib.Message {
	switch turn.Kind {
	case types.TurnToolResult:
		return anyllmlib.Message{
			Role:       anyllmlib.RoleTool,
			Content:    turn.Text,
			ToolCallID: turn.ToolUseID,
		}

	case types.TurnAssistantToolUse:
		msg := anyllmlib.Message{
			Role:    anyllmlib.RoleAssistant,
			Content: turn.Text,
		}
		for _, use := range turn.ToolUses {
			args, err := json.Marshal(use.Input)
			if err != nil {
				args = []byte("{}")
			}
			msg.ToolCalls = append(msg.ToolCalls, anyllmlib.ToolCall{
				ID:   use.ID,
				Type: "function",
				Function: anyllmlib.FunctionCall{
					Name:      model.WireToolName(use.Name),
					Arguments: string(args),
				},
			})
		}
		return msg

	case types.TurnAssistantText:
		return anyllmlib.Message{Role: anyllmlib.RoleAssistant, Content: turn.Text}

	default:
		return anyllmlib.Message{Role: anyllmlib.RoleUser, Content: turn.Text}
	}
}
