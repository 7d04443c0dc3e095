// Package streamjson provides types and a client for the agent's
// stream-json protocol: newline-delimited JSON over stdin/stdout with
// verbose control messages multiplexed onto the same stream.
package streamjson

import "encoding/json"

// Message types from the agent.
const (
	// MessageTypeSystem carries session lifecycle and out-of-band notifications.
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains finalized assistant content blocks.
	MessageTypeAssistant = "assistant"
	// MessageTypeUser carries tool results and context echoes back from the agent.
	MessageTypeUser = "user"
	// MessageTypeResult is the terminal message of a prompt turn.
	MessageTypeResult = "result"
	// MessageTypeStreamEvent is a streaming partial (block start/delta/stop).
	MessageTypeStreamEvent = "stream_event"
	// MessageTypeControlRequest is a control request (either direction).
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse is a response to a control request.
	MessageTypeControlResponse = "control_response"
	// MessageTypeControlCancel cancels an in-flight control request.
	MessageTypeControlCancel = "control_cancel_request"
)

// System message subtypes.
const (
	SubtypeInit             = "init"
	SubtypeCompactBoundary  = "compact_boundary"
	SubtypeTaskNotification = "task_notification"
	SubtypeStatus           = "status"
	SubtypeHookEvent        = "hook_event"
	SubtypeFilesPersisted   = "files_persisted"
	SubtypeAuthStatus       = "auth_status"
)

// Control request subtypes sent to the agent.
const (
	SubtypeInitialize           = "initialize"
	SubtypeInterrupt            = "interrupt"
	SubtypeSetPermissionMode    = "set_permission_mode"
	SubtypeSetModel             = "set_model"
	SubtypeSetMaxThinkingTokens = "set_max_thinking_tokens"
	SubtypeMcpReconnect         = "mcp_reconnect"
	SubtypeMcpToggle            = "mcp_toggle"
	SubtypeSetMcpServers        = "set_mcp_servers"
	SubtypeSupportedModels      = "supported_models"
	SubtypeSupportedCommands    = "supported_commands"
	SubtypeRewindFiles          = "rewind_files"
	SubtypeAccountInfo          = "account_info"
)

// Control request subtypes received from the agent.
const (
	// SubtypeCanUseTool is a permission request for tool use.
	SubtypeCanUseTool = "can_use_tool"
	// SubtypeHookCallback invokes a hook registered at initialize.
	SubtypeHookCallback = "hook_callback"
)

// Result subtypes.
const (
	ResultSubtypeSuccess               = "success"
	ResultSubtypeErrorDuringExecution  = "error_during_execution"
	ResultSubtypeErrorMaxTurns         = "error_max_turns"
	ResultSubtypeErrorMaxBudget        = "error_max_budget_usd"
	ResultSubtypeErrorMaxOutputRetries = "error_max_structured_output_retries"
)

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
	BehaviorAsk   = "ask"
)

// Task notification statuses.
const (
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
)

// Message represents one NDJSON line from the agent's stdout.
// The message type determines which fields are populated.
type Message struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// Present on most message types once a session exists.
	SessionID string `json:"session_id,omitempty"`

	// Set on messages produced inside a subagent (Task tool) context.
	ParentToolUseID string `json:"parent_tool_use_id,omitempty"`

	// For control_request and control_cancel_request messages.
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// For control_response messages (request_id lives inside the response).
	Response *ControlResponseBody `json:"response,omitempty"`

	// For assistant and user messages.
	Message *MessageBody `json:"message,omitempty"`

	// For stream_event messages.
	Event *StreamEvent `json:"event,omitempty"`

	// For system/task_notification messages.
	TaskID     string `json:"task_id,omitempty"`
	Status     string `json:"status,omitempty"`
	Summary    string `json:"summary,omitempty"`
	OutputFile string `json:"output_file,omitempty"`

	// For system/init messages.
	Model         string   `json:"model,omitempty"`
	PermissionMode string  `json:"permissionMode,omitempty"`
	SlashCommands []string `json:"slash_commands,omitempty"`

	// For result messages. Result is either a string or an object.
	Result            json.RawMessage       `json:"result,omitempty"`
	IsError           bool                  `json:"is_error,omitempty"`
	NumTurns          int                   `json:"num_turns,omitempty"`
	DurationMS        int64                 `json:"duration_ms,omitempty"`
	DurationAPIMS     int64                 `json:"duration_api_ms,omitempty"`
	TotalCostUSD      float64               `json:"total_cost_usd,omitempty"`
	Usage             *Usage                `json:"usage,omitempty"`
	ModelUsage        map[string]ModelUsage `json:"modelUsage,omitempty"`
	Errors            []string              `json:"errors,omitempty"`
	PermissionDenials []PermissionDenial    `json:"permission_denials,omitempty"`
	StructuredOutput  json.RawMessage       `json:"structured_output,omitempty"`

	// Raw line for advanced parsing; never serialized.
	Raw json.RawMessage `json:"-"`
}

// MessageBody is the inner message of assistant and user messages.
// Content is either a plain string or an array of content blocks.
type MessageBody struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Model      string          `json:"model,omitempty"`
	ID         string          `json:"id,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
}

// ContentBlocks parses Content as an array of blocks.
// Returns nil if Content is empty or a plain string.
func (b *MessageBody) ContentBlocks() []ContentBlock {
	if len(b.Content) == 0 {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// ContentString parses Content as a plain string.
// Returns "" if Content is empty or an array of blocks.
func (b *MessageBody) ContentString() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err != nil {
		return ""
	}
	return s
}

// Content block types.
const (
	BlockTypeText       = "text"
	BlockTypeThinking   = "thinking"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
	BlockTypeImage      = "image"
)

// ContentBlock represents a block of content in an assistant or user message,
// or the block announced by a content_block_start stream event.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks.
	Text string `json:"text,omitempty"`

	// For thinking blocks.
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks.
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks. Content is a string or an array of blocks.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ResultContentString parses a tool_result block's content as a plain string.
func (b *ContentBlock) ResultContentString() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err != nil {
		return ""
	}
	return s
}

// ResultContentBlocks parses a tool_result block's content as nested blocks.
func (b *ContentBlock) ResultContentBlocks() []ContentBlock {
	if len(b.Content) == 0 {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// Stream event types.
const (
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageStart      = "message_start"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
)

// Delta types inside content_block_delta events.
const (
	DeltaTypeText      = "text_delta"
	DeltaTypeThinking  = "thinking_delta"
	DeltaTypeInputJSON = "input_json_delta"
	DeltaTypeSignature = "signature_delta"
	DeltaTypeCitations = "citations_delta"
)

// StreamEvent is a streaming partial emitted while the assistant message
// is being produced. One block start, zero or more deltas, one stop.
type StreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`

	// For content_block_start events.
	ContentBlock *ContentBlock `json:"content_block,omitempty"`

	// For content_block_delta events.
	Delta *Delta `json:"delta,omitempty"`
}

// Delta is the payload of a content_block_delta event.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Signature   string `json:"signature,omitempty"`
}

// Usage contains token usage information.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ModelUsage contains per-model usage statistics from the result message.
type ModelUsage struct {
	InputTokens   int64  `json:"inputTokens,omitempty"`
	OutputTokens  int64  `json:"outputTokens,omitempty"`
	CostUSD       float64 `json:"costUSD,omitempty"`
	ContextWindow *int64 `json:"contextWindow,omitempty"`
}

// PermissionDenial records a tool use denied during the turn.
type PermissionDenial struct {
	ToolName  string         `json:"tool_name"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
}

// ResultString returns the Result field as a string, or "" if it is an
// object or absent.
func (m *Message) ResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// ControlRequest is the body of a control_request message, in either
// direction. Subtype determines which fields are populated.
type ControlRequest struct {
	Subtype string `json:"subtype"`

	// For can_use_tool requests.
	ToolName              string             `json:"tool_name,omitempty"`
	Input                 map[string]any     `json:"input,omitempty"`
	ToolUseID             string             `json:"tool_use_id,omitempty"`
	PermissionSuggestions []PermissionUpdate `json:"permission_suggestions,omitempty"`
	BlockedPath           string             `json:"blocked_path,omitempty"`

	// For hook_callback requests.
	CallbackID string          `json:"callback_id,omitempty"`
	HookInput  json.RawMessage `json:"input_data,omitempty"`

	// For initialize requests.
	Hooks map[string]any `json:"hooks,omitempty"`

	// For set_permission_mode requests.
	Mode string `json:"mode,omitempty"`

	// For set_model / set_max_thinking_tokens requests.
	Model             string `json:"model,omitempty"`
	MaxThinkingTokens int    `json:"maxThinkingTokens,omitempty"`

	// For mcp_reconnect / mcp_toggle / set_mcp_servers requests.
	ServerName string         `json:"server_name,omitempty"`
	Enabled    *bool          `json:"enabled,omitempty"`
	McpServers map[string]any `json:"mcp_servers,omitempty"`

	// For rewind_files requests.
	UserMessageID string `json:"user_message_id,omitempty"`
}

// PermissionUpdate represents a permission rule update.
type PermissionUpdate struct {
	Type        string   `json:"type"`
	Rules       []Rule   `json:"rules,omitempty"`
	Behavior    string   `json:"behavior,omitempty"`
	Mode        string   `json:"mode,omitempty"`
	Directories []string `json:"directories,omitempty"`
	Destination string   `json:"destination,omitempty"`
}

// Rule names a tool (and optional argument pattern) a permission update applies to.
type Rule struct {
	ToolName    string  `json:"toolName"`
	RuleContent *string `json:"ruleContent,omitempty"`
}

// ControlResponseMessage is the full message written to answer a control request.
type ControlResponseMessage struct {
	Type     string               `json:"type"` // "control_response"
	Response *ControlResponseBody `json:"response"`
}

// ControlResponseBody is the response body of a control_response message.
type ControlResponseBody struct {
	Subtype   string          `json:"subtype"` // "success" or "error"
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// PermissionResult is the success payload for can_use_tool responses.
type PermissionResult struct {
	Behavior           string             `json:"behavior"`
	UpdatedInput       map[string]any     `json:"updatedInput,omitempty"`
	UpdatedPermissions []PermissionUpdate `json:"updatedPermissions,omitempty"`
	Message            string             `json:"message,omitempty"`
	Interrupt          *bool              `json:"interrupt,omitempty"`
}

// HookResult is the success payload for hook_callback responses.
type HookResult struct {
	Decision           string          `json:"decision,omitempty"` // "approve" or "block"
	Reason             string          `json:"reason,omitempty"`
	SystemMessage      string          `json:"systemMessage,omitempty"`
	HookSpecificOutput json.RawMessage `json:"hookSpecificOutput,omitempty"`
}

// ControlRequestMessage is the full message for an outgoing control request.
type ControlRequestMessage struct {
	Type      string          `json:"type"` // "control_request"
	RequestID string          `json:"request_id"`
	Request   *ControlRequest `json:"request"`
}

// InitializeResult is the agent's answer to the initialize control request.
type InitializeResult struct {
	Commands    []CommandInfo `json:"commands,omitempty"`
	Models      []ModelInfo   `json:"models,omitempty"`
	OutputStyle string        `json:"output_style,omitempty"`
}

// CommandInfo describes a slash command supported by the agent.
type CommandInfo struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	ArgumentHint string `json:"argument_hint,omitempty"`
}

// ModelInfo describes a model selectable via set_model.
type ModelInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Description string `json:"description,omitempty"`
}

// UserMessage is the shape pushed onto the agent's stdin for a prompt.
type UserMessage struct {
	Type            string          `json:"type"` // "user"
	Message         UserMessageBody `json:"message"`
	ParentToolUseID *string         `json:"parent_tool_use_id"`
	SessionID       string          `json:"session_id,omitempty"`
}

// UserMessageBody contains the user message content. Content is either a
// plain string or an array of input blocks.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content any    `json:"content"`
}

// Input block shapes for user messages (the agent's vocabulary, not ACP's).

// TextInput is a text content block in a user message.
type TextInput struct {
	Type string `json:"type"` // "text"
	Text string `json:"text"`
}

// ImageInput is an image content block in a user message.
type ImageInput struct {
	Type   string      `json:"type"` // "image"
	Source ImageSource `json:"source"`
}

// ImageSource is either a base64 payload or a URL.
type ImageSource struct {
	Type      string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}
