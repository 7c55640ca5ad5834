// Package anthropic implements model.Provider on top of the official
// Anthropic SDK, streaming Claude responses via Server-Sent Events.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kapellhq/kapell/pkg/chunk"
	"github.com/kapellhq/kapell/pkg/provider/model"
	"github.com/kapellhq/kapell/pkg/types"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = "claude-sonnet-4-20250514"

	// DefaultMaxTokens caps the response length when not configured.
	DefaultMaxTokens = 1024

	// DefaultTimeout bounds a single model turn, including streaming.
	DefaultTimeout = 30 * time.Second
)

// Config holds the settings for a live Anthropic provider.
type Config struct {
	// APIKey is the Anthropic API key (required).
	APIKey string

	// BaseURL overrides the default API endpoint. Optional.
	BaseURL string

	// Model is the Claude model ID. Defaults to [DefaultModel].
	Model string

	// MaxTokens caps the response length. Defaults to [DefaultMaxTokens].
	MaxTokens int

	// SystemPrompt is prepended to every request. Optional.
	SystemPrompt string

	// Timeout bounds one GenerateResponse call end to end, covering both
	// the request and the consumption of its event stream. Defaults to
	// [DefaultTimeout].
	Timeout time.Duration

	// PartialDelay is the pause between chunks on the returned stream.
	PartialDelay time.Duration
}

// Compile-time assertion that Provider satisfies the model.Provider interface.
var _ model.Provider = (*Provider)(nil)

// Provider talks to the Anthropic Messages API. Safe for concurrent use;
// every GenerateResponse call runs an independent stream.
type Provider struct {
	client       sdk.Client
	modelID      string
	maxTokens    int
	systemPrompt string
	timeout      time.Duration
	partialDelay time.Duration
}

// New creates a live Anthropic provider from cfg, applying defaults for
// every optional field.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Provider{
		client:       sdk.NewClient(opts...),
		modelID:      cfg.Model,
		maxTokens:    cfg.MaxTokens,
		systemPrompt: cfg.SystemPrompt,
		timeout:      cfg.Timeout,
		partialDelay: cfg.PartialDelay,
	}, nil
}

// Name implements model.Provider.
func (p *Provider) Name() string { return "anthropic" }

// GenerateResponse implements model.Provider. The whole model turn is
// consumed before returning, so FullText and ToolCalls are complete and the
// chunk stream is derived from the final text rather than raced against it.
func (p *Provider) GenerateResponse(ctx context.Context, req model.Request) (*model.Response, error) {
	// Dotted tool names are rewritten for the API and restored on the way
	// back; nothing outside this adapter sees the wire form.
	mapper := model.NewToolNameMapper(req.Tools)

	params, err := p.buildParams(req)
	if err != nil {
		return nil, model.NewError("anthropic", err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	fullText, toolCalls, err := p.consumeStream(streamCtx, params, mapper)
	if err != nil {
		return nil, model.NewError("anthropic", err)
	}

	return &model.Response{
		FullText:  fullText,
		Chunks:    chunk.Stream(ctx, chunk.Split(fullText, chunk.DefaultMin, chunk.DefaultMax), p.partialDelay),
		ToolCalls: toolCalls,
	}, nil
}

// consumeStream runs one streaming Messages request and drains its event
// stream, accumulating text deltas and assembling tool-use blocks from their
// partial-JSON fragments.
func (p *Provider) consumeStream(ctx context.Context, params sdk.MessageNewParams, mapper *model.ToolNameMapper) (string, []types.ToolUse, error) {
	stream := p.client.Messages.NewStreaming(ctx, params)

	var (
		text      strings.Builder
		toolCalls []types.ToolUse

		// Tool-use block currently being assembled. Its input arrives as
		// input_json_delta fragments and is parsed at content_block_stop.
		current      *types.ToolUse
		currentInput strings.Builder
	)

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				current = &types.ToolUse{
					ID:   toolUse.ID,
					Name: mapper.Original(toolUse.Name),
				}
				currentInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				text.WriteString(delta.Text)
			case "input_json_delta":
				currentInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if current == nil {
				continue
			}
			input := map[string]any{}
			if raw := currentInput.String(); raw != "" {
				if err := json.Unmarshal([]byte(raw), &input); err != nil {
					return "", nil, fmt.Errorf("tool %s: invalid input JSON: %w", current.Name, err)
				}
			}
			current.Input = input
			toolCalls = append(toolCalls, *current)
			current = nil

		case "message_stop":
			return text.String(), toolCalls, nil
		}
	}

	if err := stream.Err(); err != nil {
		return "", nil, err
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	// The server is expected to close the stream with message_stop; a bare
	// EOF still yields whatever was accumulated.
	return text.String(), toolCalls, nil
}

// buildParams converts a model.Request into Anthropic API parameters.
func (p *Provider) buildParams(req model.Request) (sdk.MessageNewParams, error) {
	messages, err := convertHistory(req.History)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.modelID),
		Messages:  messages,
		MaxTokens: int64(p.maxTokens),
	}

	if p.systemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Type: "text", Text: p.systemPrompt}}
	}

	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		params.Tools = tools
	}

	return params, nil
}

// convertHistory maps conversation turns onto Anthropic messages. Tool-use
// and tool-result turns become the corresponding content blocks; tool-use
// names are rewritten to their wire form so the API sees the same identifiers
// it originally emitted.
func convertHistory(history []types.Turn) ([]sdk.MessageParam, error) {
	var out []sdk.MessageParam

	for _, turn := range history {
		switch turn.Kind {
		case types.TurnUserText:
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(turn.Text)))

		case types.TurnAssistantText:
			out = append(out, sdk.NewAssistantMessage(sdk.NewTextBlock(turn.Text)))

		case types.TurnAssistantToolUse:
			var content []sdk.ContentBlockParamUnion
			if turn.Text != "" {
				content = append(content, sdk.NewTextBlock(turn.Text))
			}
			for _, use := range turn.ToolUses {
				content = append(content, sdk.NewToolUseBlock(use.ID, use.Input, model.WireToolName(use.Name)))
			}
			out = append(out, sdk.NewAssistantMessage(content...))

		case types.TurnToolResult:
			out = append(out, sdk.NewUserMessage(sdk.NewToolResultBlock(turn.ToolUseID, turn.Text, turn.IsError)))

		default:
			return nil, fmt.Errorf("unsupported turn kind %v", turn.Kind)
		}
	}

	return out, nil
}

// convertTools maps the offered tool catalog onto Anthropic tool definitions,
// rewriting dotted names to the API's restricted identifier form.
func convertTools(tools []types.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	result := make([]sdk.ToolUnionParam, 0, len(tools))

	for _, def := range tools {
		raw, err := json.Marshal(def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("tool %s: invalid parameter schema: %w", def.Name, err)
		}
		var schema sdk.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("tool %s: invalid parameter schema: %w", def.Name, err)
		}

		param := sdk.ToolUnionParamOfTool(schema, model.WireToolName(def.Name))
		if param.OfTool == nil {
			return nil, fmt.Errorf("tool %s: missing tool definition", def.Name)
		}
		param.OfTool.Description = sdk.String(def.Description)
		result = append(result, param)
	}

	return result, nil
}
