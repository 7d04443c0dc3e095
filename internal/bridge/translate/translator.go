// Package translate converts agent stream-json messages into ACP
// session updates. It owns the tool-use cache that deduplicates tool
// announcements between the streaming and finalized message forms, and
// feeds the background-task map when a tool launches deferred work.
package translate

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kdlbs/agentbridge/internal/bridge/bgtask"
	"github.com/kdlbs/agentbridge/internal/common/logger"
	"github.com/kdlbs/agentbridge/pkg/streamjson"
)

// ErrAuthRequired signals that the agent asked the user to log in; the
// caller surfaces this as an ACP auth-required error.
var ErrAuthRequired = errors.New("authentication required, run the agent's /login flow in a terminal")

const loginPrompt = "Please run /login"

// Translator converts one subprocess's output stream into session
// updates. Translate runs on the session turn loop, but NoteToolResponse
// and ResolveTask arrive on hook and intercept goroutines, so access to
// the tool-use records is serialised internally.
type Translator struct {
	logger *logger.Logger
	tasks  *bgtask.Map

	// mu guards cache and the ToolUse records it holds; go-cache only
	// protects its own map, not the entries.
	mu    sync.Mutex
	cache *toolUseCache
}

// New creates a Translator feeding background-task registrations into tasks.
func New(tasks *bgtask.Map, log *logger.Logger) *Translator {
	return &Translator{
		logger: log.WithComponent("translate"),
		cache:  newToolUseCache(),
		tasks:  tasks,
	}
}

// Translate maps one agent message to zero or more session updates.
// Message types without visible representation yield an empty slice.
func (t *Translator) Translate(msg *streamjson.Message) ([]acp.SessionUpdate, error) {
	switch msg.Type {
	case streamjson.MessageTypeStreamEvent:
		return t.translateStreamEvent(msg), nil
	case streamjson.MessageTypeAssistant:
		return t.translateAssistant(msg)
	case streamjson.MessageTypeUser:
		return t.translateUser(msg), nil
	default:
		return nil, nil
	}
}

// translateStreamEvent handles streaming partials. Block starts and
// text/thinking deltas become chunks; tool_use starts announce a
// pending tool call; everything else is bookkeeping with no visible
// counterpart.
func (t *Translator) translateStreamEvent(msg *streamjson.Message) []acp.SessionUpdate {
	ev := msg.Event
	if ev == nil {
		return nil
	}

	switch ev.Type {
	case streamjson.EventContentBlockStart:
		block := ev.ContentBlock
		if block == nil {
			return nil
		}
		switch block.Type {
		case streamjson.BlockTypeText:
			// An empty starting text still yields a chunk; clients use it
			// to open the message bubble.
			return []acp.SessionUpdate{agentChunk(block.Text)}
		case streamjson.BlockTypeThinking:
			return []acp.SessionUpdate{thoughtChunk(block.Thinking)}
		case streamjson.BlockTypeToolUse:
			return t.announceToolUse(block, msg.ParentToolUseID)
		}
		return nil

	case streamjson.EventContentBlockDelta:
		if ev.Delta == nil {
			return nil
		}
		switch ev.Delta.Type {
		case streamjson.DeltaTypeText:
			return []acp.SessionUpdate{agentChunk(ev.Delta.Text)}
		case streamjson.DeltaTypeThinking:
			return []acp.SessionUpdate{thoughtChunk(ev.Delta.Thinking)}
		}
		// input_json_delta, signature_delta and citations_delta carry no
		// renderable content.
		return nil

	default:
		return nil
	}
}

// announceToolUse caches a streaming tool_use block and emits the
// initial pending tool call. TodoWrite is cached but never announced:
// its finalized form becomes a plan update instead.
func (t *Translator) announceToolUse(block *streamjson.ContentBlock, parentID string) []acp.SessionUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := &ToolUse{
		ID:       block.ID,
		Name:     block.Name,
		Input:    block.Input,
		ParentID: parentID,
	}
	if block.Name == streamjson.ToolTodoWrite {
		t.cache.put(entry)
		return nil
	}

	title, kind := SynthesizeTitle(block.Name, block.Input)
	entry.Announced = true
	t.cache.put(entry)

	return []acp.SessionUpdate{{
		ToolCall: &acp.SessionUpdateToolCall{
			ToolCallId: acp.ToolCallId(block.ID),
			Title:      title,
			Kind:       kind,
			Status:     acp.ToolCallStatusPending,
			Locations:  toolLocations(block.Name, block.Input),
			RawInput:   block.Input,
		},
	}}
}

// translateAssistant handles the finalized assistant message. Text and
// thinking blocks were already streamed and are skipped; tool_use
// blocks refresh or announce tool calls with their complete input.
func (t *Translator) translateAssistant(msg *streamjson.Message) ([]acp.SessionUpdate, error) {
	if msg.Message == nil {
		return nil, nil
	}

	var updates []acp.SessionUpdate
	for _, block := range msg.Message.ContentBlocks() {
		switch block.Type {
		case streamjson.BlockTypeText:
			if strings.Contains(block.Text, loginPrompt) {
				return nil, ErrAuthRequired
			}
		case streamjson.BlockTypeToolUse:
			updates = append(updates, t.finalizeToolUse(&block, msg.ParentToolUseID)...)
		}
	}
	return updates, nil
}

// finalizeToolUse processes a tool_use block from the finalized
// assistant message. Already-announced ids get a tool_call_update
// (never a second tool_call); ids the streaming plane never showed get
// a fresh announcement.
func (t *Translator) finalizeToolUse(block *streamjson.ContentBlock, parentID string) []acp.SessionUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, known := t.cache.get(block.ID)
	if !known {
		entry = &ToolUse{ID: block.ID, Name: block.Name, ParentID: parentID}
	}
	entry.Input = block.Input
	entry.Finalized = true
	if background, ok := block.Input["run_in_background"].(bool); ok && background {
		entry.Background = true
	}

	// Canonical TodoWrite becomes a plan; a malformed one falls through
	// to an ordinary tool call.
	if block.Name == streamjson.ToolTodoWrite {
		if entries := todoPlanEntries(block.Input); entries != nil {
			t.cache.evict(block.ID)
			return []acp.SessionUpdate{{Plan: &acp.SessionUpdatePlan{Entries: entries}}}
		}
	}

	title, kind := SynthesizeTitle(block.Name, block.Input)
	locations := toolLocations(block.Name, block.Input)
	content := editDiffContent(block.Name, block.Input)

	if entry.Announced {
		t.cache.put(entry)
		return []acp.SessionUpdate{{
			ToolCallUpdate: &acp.SessionToolCallUpdate{
				ToolCallId: acp.ToolCallId(block.ID),
				Title:      &title,
				Kind:       &kind,
				Content:    content,
				Locations:  locations,
				RawInput:   block.Input,
			},
		}}
	}

	entry.Announced = true
	t.cache.put(entry)
	return []acp.SessionUpdate{{
		ToolCall: &acp.SessionUpdateToolCall{
			ToolCallId: acp.ToolCallId(block.ID),
			Title:      title,
			Kind:       kind,
			Status:     acp.ToolCallStatusPending,
			Content:    content,
			Locations:  locations,
			RawInput:   block.Input,
		},
	}}
}

// translateUser handles user messages the agent echoes back: tool
// results, local command output, and prompt echoes.
func (t *Translator) translateUser(msg *streamjson.Message) []acp.SessionUpdate {
	if msg.Message == nil {
		return nil
	}

	blocks := msg.Message.ContentBlocks()
	if blocks == nil {
		// Plain-string user content is the agent replaying our own
		// prompt; nothing to show.
		return nil
	}

	// Local command output is wrapped in pseudo-tags inside text blocks.
	if updates, handled := t.localCommandOutput(blocks); handled {
		return updates
	}

	// A lone text block is an echo of the prompt we sent.
	if len(blocks) == 1 && blocks[0].Type == streamjson.BlockTypeText {
		return nil
	}

	var updates []acp.SessionUpdate
	for _, block := range blocks {
		if block.Type != streamjson.BlockTypeToolResult {
			continue
		}
		updates = append(updates, t.resolveToolResult(&block)...)
	}
	return updates
}

const (
	stdoutOpen  = "<local-command-stdout>"
	stdoutClose = "</local-command-stdout>"
	stderrOpen  = "<local-command-stderr>"
	stderrClose = "</local-command-stderr>"
)

// localCommandOutput unwraps slash-command output. Stdout is forwarded
// as an agent message chunk, stderr is logged only.
func (t *Translator) localCommandOutput(blocks []streamjson.ContentBlock) ([]acp.SessionUpdate, bool) {
	var updates []acp.SessionUpdate
	handled := false
	for _, block := range blocks {
		if block.Type != streamjson.BlockTypeText {
			continue
		}
		if out, ok := unwrapTag(block.Text, stdoutOpen, stdoutClose); ok {
			handled = true
			if out != "" {
				updates = append(updates, agentChunk(out))
			}
		}
		if errOut, ok := unwrapTag(block.Text, stderrOpen, stderrClose); ok {
			handled = true
			if errOut != "" {
				t.logger.Warn("local command stderr", zap.String("output", errOut))
			}
		}
	}
	return updates, handled
}

func unwrapTag(text, openTag, closeTag string) (string, bool) {
	start := strings.Index(text, openTag)
	if start < 0 {
		return "", false
	}
	rest := text[start+len(openTag):]
	end := strings.Index(rest, closeTag)
	if end < 0 {
		return strings.TrimSpace(rest), true
	}
	return strings.TrimSpace(rest[:end]), true
}

// resolveToolResult turns a tool_result block into the completing
// tool_call_update. Background tool uses additionally register their
// task refs; their cache entry survives until the deferred completion
// notification arrives.
func (t *Translator) resolveToolResult(block *streamjson.ContentBlock) []acp.SessionUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, known := t.cache.get(block.ToolUseID)
	if !known {
		t.logger.Warn("tool result for unknown tool use",
			zap.String("tool_use_id", block.ToolUseID))
		return nil
	}
	if !entry.Announced {
		// TodoWrite results (and any other deliberately unannounced tool)
		// have no visible call to complete.
		t.cache.evict(block.ToolUseID)
		return nil
	}

	status := acp.ToolCallStatusCompleted
	if block.IsError {
		status = acp.ToolCallStatusFailed
	}

	rawOutput := parseResultContent(block)
	var content []acp.ToolCallContent
	if text := resultText(block); text != "" {
		content = []acp.ToolCallContent{{
			Content: &acp.ToolCallContentContent{Type: "content", Content: acp.TextBlock(text)},
		}}
	}

	if entry.Background {
		if refs := bgtask.Extract(rawOutput); !refs.Empty() {
			t.tasks.Insert(refs.TaskID, refs.OutputFile, entry.ID)
		}
		// Keep the entry; the task notification completes it for real.
		t.cache.put(entry)
	} else {
		t.cache.evict(block.ToolUseID)
	}

	return []acp.SessionUpdate{{
		ToolCallUpdate: &acp.SessionToolCallUpdate{
			ToolCallId: acp.ToolCallId(block.ToolUseID),
			Status:     &status,
			Content:    content,
			RawOutput:  rawOutput,
		},
	}}
}

// NoteToolResponse records background-task refs from a post-tool hook
// response, which may fire between turns before any tool_result is
// routed through Translate.
func (t *Translator) NoteToolResponse(toolUseID string, response any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.cache.get(toolUseID)
	if !ok || !entry.Background {
		return
	}
	if refs := bgtask.Extract(response); !refs.Empty() {
		t.tasks.Insert(refs.TaskID, refs.OutputFile, toolUseID)
	}
}

// ResolveTask consumes a task completion notification. Returns false
// when no tool use is registered for the notification's keys.
func (t *Translator) ResolveTask(msg *streamjson.Message) (acp.SessionUpdate, bool) {
	toolUseID, ok := t.tasks.Resolve(msg.TaskID, msg.OutputFile)
	if !ok {
		t.logger.Warn("task notification without matching tool use",
			zap.String("task_id", msg.TaskID),
			zap.String("output_file", msg.OutputFile))
		return acp.SessionUpdate{}, false
	}
	t.mu.Lock()
	t.cache.evict(toolUseID)
	t.mu.Unlock()

	status := acp.ToolCallStatusCompleted
	if msg.Status == streamjson.TaskStatusFailed {
		status = acp.ToolCallStatusFailed
	}

	update := &acp.SessionToolCallUpdate{
		ToolCallId: acp.ToolCallId(toolUseID),
		Status:     &status,
	}
	if msg.Summary != "" {
		summary := msg.Summary
		update.Title = &summary
		update.Content = []acp.ToolCallContent{{
			Content: &acp.ToolCallContentContent{Type: "content", Content: acp.TextBlock(summary)},
		}}
	}
	return acp.SessionUpdate{ToolCallUpdate: update}, true
}

// AuthRequired reports whether a result message names the login prompt.
func AuthRequired(msg *streamjson.Message) bool {
	if strings.Contains(msg.ResultString(), loginPrompt) {
		return true
	}
	for _, e := range msg.Errors {
		if strings.Contains(e, loginPrompt) {
			return true
		}
	}
	return false
}

// parseResultContent decodes tool_result content into a JSON-friendly
// value for RawOutput: string, []any, or nil.
func parseResultContent(block *streamjson.ContentBlock) any {
	if len(block.Content) == 0 {
		return nil
	}
	if s := block.ResultContentString(); s != "" {
		return s
	}
	var v any
	if err := json.Unmarshal(block.Content, &v); err != nil {
		return string(block.Content)
	}
	return v
}

// clip cuts text to max bytes without reflowing it.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// resultText flattens tool_result content to plain text for the
// human-visible content preview.
func resultText(block *streamjson.ContentBlock) string {
	if s := block.ResultContentString(); s != "" {
		return clip(s, 2000)
	}
	var sb strings.Builder
	for _, nested := range block.ResultContentBlocks() {
		if nested.Type == streamjson.BlockTypeText && nested.Text != "" {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(nested.Text)
		}
	}
	if sb.Len() == 0 {
		return ""
	}
	return clip(sb.String(), 2000)
}

func agentChunk(text string) acp.SessionUpdate {
	return acp.SessionUpdate{
		AgentMessageChunk: &acp.SessionUpdateAgentMessageChunk{Content: acp.TextBlock(text)},
	}
}

func thoughtChunk(text string) acp.SessionUpdate {
	return acp.SessionUpdate{
		AgentThoughtChunk: &acp.SessionUpdateAgentThoughtChunk{Content: acp.TextBlock(text)},
	}
}
