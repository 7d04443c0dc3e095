// Package process spawns and supervises agent subprocesses speaking the
// stream-json protocol over stdin/stdout.
package process

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Environment overrides for the agent executable.
const (
	EnvAgentBin  = "AGENTBRIDGE_AGENT_BIN"
	EnvAgentArgs = "AGENTBRIDGE_AGENT_ARGS"
)

// DefaultCommand is the agent executable used when no override is configured.
const DefaultCommand = "claude"

// McpServer is one MCP server definition forwarded to the child via
// --mcp-config. Stdio servers set Command; http/sse servers set URL.
type McpServer struct {
	Type    string            `json:"type,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Options describes everything forwarded to the child on spawn.
type Options struct {
	WorkDir string

	Model             string
	FallbackModel     string
	MaxTurns          int
	MaxBudgetUSD      float64
	MaxThinkingTokens int

	// SystemPrompt replaces the preset prompt; AppendSystemPrompt adds
	// to it instead. Mutually exclusive, append wins when both are set.
	SystemPrompt       string
	AppendSystemPrompt string

	PermissionMode string

	// SkipPermissions maps to --dangerously-skip-permissions. Never
	// applied when running as root.
	SkipPermissions bool

	AllowedTools    []string
	DisallowedTools []string

	McpServers map[string]McpServer

	// ResumeSessionID resumes an existing child session. ForkSession
	// additionally makes the child branch off under a new session id.
	ResumeSessionID string
	ForkSession     bool

	// Command and ExtraArgs override the executable; environment
	// overrides take precedence over both.
	Command   string
	ExtraArgs []string
}

// Executable resolves the agent binary and leading args, honoring the
// environment overrides.
func (o *Options) Executable() (string, []string) {
	bin := o.Command
	if env := os.Getenv(EnvAgentBin); env != "" {
		bin = env
	}
	if bin == "" {
		bin = DefaultCommand
	}

	args := append([]string(nil), o.ExtraArgs...)
	if env := os.Getenv(EnvAgentArgs); env != "" {
		args = append(args, strings.Fields(env)...)
	}
	return bin, args
}

// Args builds the full child argument list.
func (o *Options) Args() []string {
	return o.args(os.Geteuid())
}

// args is the testable core of Args; euid gates the permission bypass.
func (o *Options) args(euid int) []string {
	_, extra := o.Executable()

	args := append(extra,
		"-p",
		"--input-format=stream-json",
		"--output-format=stream-json",
		"--verbose",
		"--include-partial-messages",
		"--permission-prompt-tool=stdio",
	)

	if o.Model != "" {
		args = append(args, "--model", o.Model)
	}
	if o.FallbackModel != "" {
		args = append(args, "--fallback-model", o.FallbackModel)
	}
	if o.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(o.MaxTurns))
	}
	if o.MaxBudgetUSD > 0 {
		args = append(args, "--max-budget-usd", strconv.FormatFloat(o.MaxBudgetUSD, 'f', -1, 64))
	}
	if o.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", o.AppendSystemPrompt)
	} else if o.SystemPrompt != "" {
		args = append(args, "--system-prompt", o.SystemPrompt)
	}
	if o.PermissionMode != "" {
		args = append(args, "--permission-mode", o.PermissionMode)
	}
	if o.SkipPermissions && euid != 0 {
		args = append(args, "--dangerously-skip-permissions")
	}
	if len(o.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(o.AllowedTools, ","))
	}
	if len(o.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(o.DisallowedTools, ","))
	}
	if mcp := o.mcpConfigJSON(); mcp != "" {
		args = append(args, "--mcp-config", mcp)
	}
	if o.ResumeSessionID != "" {
		args = append(args, "--resume", o.ResumeSessionID)
		if o.ForkSession {
			args = append(args, "--fork-session")
		}
	}

	return args
}

// Env builds the child environment: the parent environment plus
// option-derived variables.
func (o *Options) Env() []string {
	env := os.Environ()
	if o.MaxThinkingTokens > 0 {
		env = append(env, fmt.Sprintf("MAX_THINKING_TOKENS=%d", o.MaxThinkingTokens))
	}
	return env
}

// mcpConfigJSON serializes the MCP server set in the agent's expected
// shape: {"mcpServers": {name: {...}}}. Returns "" when empty.
func (o *Options) mcpConfigJSON() string {
	if len(o.McpServers) == 0 {
		return ""
	}
	wrapped := map[string]any{"mcpServers": o.McpServers}
	data, err := json.Marshal(wrapped)
	if err != nil {
		return ""
	}
	return string(data)
}
