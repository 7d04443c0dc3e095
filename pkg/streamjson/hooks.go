package streamjson

// Hook callback ids installed at initialize.
const (
	// HookCallbackPreTool runs before each tool invocation; the bridge
	// answers with an allow/deny/ask decision from local settings.
	HookCallbackPreTool = "pre_tool_gate"
	// HookCallbackPostTool runs after each tool invocation with the
	// structured tool response.
	HookCallbackPostTool = "post_tool_observe"
)

// HookConfig describes hook registrations sent in the initialize request.
// Field names follow the agent's hook event names.
type HookConfig struct {
	PreToolUse  []HookEntry
	PostToolUse []HookEntry
	Stop        []HookEntry
}

// HookEntry registers callbacks for tools matching a regex.
// An empty matcher matches every tool.
type HookEntry struct {
	Matcher         string   `json:"matcher,omitempty"`
	HookCallbackIDs []string `json:"hookCallbackIds"`
}

// ToMap converts the config to the wire shape expected by the agent.
// Empty hook lists are omitted entirely.
func (h *HookConfig) ToMap() map[string]any {
	m := make(map[string]any)
	if len(h.PreToolUse) > 0 {
		m["PreToolUse"] = h.PreToolUse
	}
	if len(h.PostToolUse) > 0 {
		m["PostToolUse"] = h.PostToolUse
	}
	if len(h.Stop) > 0 {
		m["Stop"] = h.Stop
	}
	return m
}

// Tool names the bridge needs to recognize for permission routing,
// title synthesis and capability-based allow/disallow lists.
const (
	ToolBash         = "Bash"
	ToolBashOutput   = "BashOutput"
	ToolKillShell    = "KillShell"
	ToolWrite        = "Write"
	ToolEdit         = "Edit"
	ToolMultiEdit    = "MultiEdit"
	ToolNotebookEdit = "NotebookEdit"
	ToolRead         = "Read"
	ToolGlob         = "Glob"
	ToolGrep         = "Grep"
	ToolTask         = "Task"
	ToolTodoWrite    = "TodoWrite"
	ToolWebFetch     = "WebFetch"
	ToolWebSearch    = "WebSearch"
	ToolExitPlanMode = "ExitPlanMode"
)
