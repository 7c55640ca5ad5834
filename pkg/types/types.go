// Package types defines the shared types used across all Kapell packages.
//
// These types form the lingua franca between the protocol layer, the session
// store, the conductor, and the model providers. Each package defines its own
// domain types, but cross-cutting data structures live here to avoid circular
// imports.
package types

// Role identifies the author of a conversation turn.
type Role string

const (
	// RoleUser marks a turn containing a user transcript.
	RoleUser Role = "user"

	// RoleAssistant marks a turn authored by the model — either plain text
	// or a list of tool-use requests.
	RoleAssistant Role = "assistant"

	// RoleTool marks a turn carrying the result of a tool invocation.
	RoleTool Role = "tool"
)

// TurnKind discriminates the closed set of conversation-turn variants.
// Every Turn has exactly one kind; consumers switch exhaustively on it.
type TurnKind int

const (
	// TurnUserText is a user transcript (Role=user, Text set).
	TurnUserText TurnKind = iota

	// TurnAssistantText is a plain assistant reply (Role=assistant, Text set).
	TurnAssistantText

	// TurnAssistantToolUse is an assistant turn whose content is an ordered
	// list of tool-use requests (Role=assistant, ToolUses set).
	TurnAssistantToolUse

	// TurnToolResult answers a prior tool-use request (Role=tool, Text and
	// ToolUseID set, IsError optionally set).
	TurnToolResult
)

// String returns the human-readable name of the turn kind.
func (k TurnKind) String() string {
	switch k {
	case TurnUserText:
		return "user_text"
	case TurnAssistantText:
		return "assistant_text"
	case TurnAssistantToolUse:
		return "assistant_tool_use"
	case TurnToolResult:
		return "tool_result"
	default:
		return "unknown"
	}
}

// Turn is a single entry in a session's conversation history.
//
// Turn is a tagged variant: Kind selects which fields are meaningful.
// History preserves insertion order; the session store bounds its length.
type Turn struct {
	// Kind discriminates the variant.
	Kind TurnKind

	// Role is derived from Kind and kept for provider adapters that think
	// in roles rather than variants.
	Role Role

	// Text is the content for user-text, assistant-text, and tool-result
	// turns. For a tool-use turn it carries any assistant text produced
	// alongside the tool-use blocks; its delivery is deferred until the tool
	// results are in.
	Text string

	// ToolUses is the ordered list of tool-use requests for an
	// assistant-tool-use turn. Nil otherwise.
	ToolUses []ToolUse

	// ToolUseID links a tool-result turn back to the provider-native id of
	// the tool-use block it answers. Empty otherwise.
	ToolUseID string

	// IsError marks a tool-result turn that carries an error payload.
	IsError bool
}

// UserText builds a user-transcript turn.
func UserText(text string) Turn {
	return Turn{Kind: TurnUserText, Role: RoleUser, Text: text}
}

// AssistantText builds a plain assistant-reply turn.
func AssistantText(text string) Turn {
	return Turn{Kind: TurnAssistantText, Role: RoleAssistant, Text: text}
}

// AssistantToolUse builds an assistant turn requesting the given tools. text
// is any assistant prose that accompanied the tool-use blocks; it may be
// empty.
func AssistantToolUse(text string, uses []ToolUse) Turn {
	return Turn{Kind: TurnAssistantToolUse, Role: RoleAssistant, Text: text, ToolUses: uses}
}

// ToolResult builds a tool-result turn answering the tool-use block with the
// given provider-native id.
func ToolResult(toolUseID, content string, isError bool) Turn {
	return Turn{Kind: TurnToolResult, Role: RoleTool, Text: content, ToolUseID: toolUseID, IsError: isError}
}

// ToolUse is a single structured tool invocation requested by the model.
//
// ID is the provider-native block id; it never appears on the wire towards
// the client. The conductor generates a separate client-facing call id and
// keeps the mapping on the pending record.
type ToolUse struct {
	// ID is the provider-assigned tool-use block id.
	ID string

	// Name is the tool name as the client knows it. Provider adapters that
	// had to rewrite restricted characters restore the original name before
	// the ToolUse leaves the adapter.
	Name string

	// Input holds the decoded tool arguments.
	Input map[string]any
}

// ToolDefinition describes a client-side tool that can be offered to a model.
type ToolDefinition struct {
	// Name is the tool's unique identifier (dotted form, e.g. "convo.setState").
	Name string

	// Description explains what the tool does (included in model prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input.
	Parameters map[string]any
}
