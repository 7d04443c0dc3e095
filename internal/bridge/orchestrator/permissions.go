package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kdlbs/agentbridge/internal/bridge/translate"
	"github.com/kdlbs/agentbridge/pkg/streamjson"
)

// Tools auto-approved under acceptEdits mode.
var editTools = map[string]bool{
	streamjson.ToolWrite:        true,
	streamjson.ToolEdit:         true,
	streamjson.ToolMultiEdit:    true,
	streamjson.ToolNotebookEdit: true,
}

// Permission option ids offered to the client.
const (
	optionAllowAlways = "allow-always"
	optionAllowOnce   = "allow"
	optionReject      = "reject"

	optionPlanAcceptEdits = "acceptEdits"
	optionPlanDefault     = "default"
	optionPlanKeep        = "plan"
)

// handleControlRequest serves one agent-to-bridge control request on
// its own goroutine; the reader never waits on the client here.
func (s *Session) handleControlRequest(requestID string, req *streamjson.ControlRequest) {
	ctx, cancel := context.WithCancel(context.Background())
	s.pendingMu.Lock()
	s.pending[requestID] = cancel
	s.pendingMu.Unlock()
	defer func() {
		cancel()
		s.pendingMu.Lock()
		delete(s.pending, requestID)
		s.pendingMu.Unlock()
	}()

	switch req.Subtype {
	case streamjson.SubtypeCanUseTool:
		result := s.decidePermission(ctx, req)
		if err := s.client.SendControlResponse(requestID, result); err != nil {
			s.logger.Warn("permission response not delivered", zap.Error(err))
		}

	case streamjson.SubtypeHookCallback:
		result, err := s.runHook(ctx, req)
		if err != nil {
			if sendErr := s.client.SendControlError(requestID, err.Error()); sendErr != nil {
				s.logger.Warn("hook error response not delivered", zap.Error(sendErr))
			}
			return
		}
		if err := s.client.SendControlResponse(requestID, result); err != nil {
			s.logger.Warn("hook response not delivered", zap.Error(err))
		}

	default:
		if err := s.client.SendControlError(requestID, "unsupported control request subtype: "+req.Subtype); err != nil {
			s.logger.Warn("control error response not delivered", zap.Error(err))
		}
	}
}

// cancelControlRequest handles a control_cancel_request from the child:
// the pending handler's context is cancelled, which resolves any
// in-flight client round-trip as a deny.
func (s *Session) cancelControlRequest(requestID string) {
	s.pendingMu.Lock()
	cancel, ok := s.pending[requestID]
	s.pendingMu.Unlock()
	if ok {
		cancel()
	}
}

// decidePermission is the permission oracle for can_use_tool requests.
func (s *Session) decidePermission(ctx context.Context, req *streamjson.ControlRequest) streamjson.PermissionResult {
	if req.ToolName == streamjson.ToolExitPlanMode {
		return s.decidePlanExit(ctx, req)
	}

	s.mu.Lock()
	mode := s.mode
	s.mu.Unlock()

	switch {
	case mode == ModeBypass:
		return allowResult(req, nil)
	case mode == ModeDontAsk:
		return denyResult("Tool use requires confirmation and the session is in dontAsk mode")
	case mode == ModeAcceptEdits && editTools[req.ToolName]:
		return allowResult(req, nil)
	}

	return s.askClient(ctx, req)
}

// decidePlanExit runs the plan-exit special case: the client chooses
// how to leave plan mode, and accepting flips the session's mode.
func (s *Session) decidePlanExit(ctx context.Context, req *streamjson.ControlRequest) streamjson.PermissionResult {
	options := []acp.PermissionOption{
		{OptionId: optionPlanAcceptEdits, Name: "Yes, and auto-accept edits", Kind: acp.PermissionOptionKindAllowAlways},
		{OptionId: optionPlanDefault, Name: "Yes, and manually approve edits", Kind: acp.PermissionOptionKindAllowOnce},
		{OptionId: optionPlanKeep, Name: "No, keep planning", Kind: acp.PermissionOptionKindRejectOnce},
	}

	choice, err := s.requestPermission(ctx, req, options)
	if err != nil {
		return denyInterruptResult(err)
	}

	var mode string
	switch choice {
	case optionPlanAcceptEdits:
		mode = ModeAcceptEdits
	case optionPlanDefault:
		mode = ModeDefault
	default:
		return denyResult("User chose to keep planning")
	}

	if err := s.setMode(ctx, mode, false); err != nil {
		s.logger.Warn("plan exit mode change failed", zap.Error(err))
	}
	return allowResult(req, []streamjson.PermissionUpdate{
		{Type: "setMode", Mode: mode, Destination: "session"},
	})
}

// askClient runs the standard three-option round-trip.
func (s *Session) askClient(ctx context.Context, req *streamjson.ControlRequest) streamjson.PermissionResult {
	options := []acp.PermissionOption{
		{OptionId: optionAllowAlways, Name: "Always Allow", Kind: acp.PermissionOptionKindAllowAlways},
		{OptionId: optionAllowOnce, Name: "Allow", Kind: acp.PermissionOptionKindAllowOnce},
		{OptionId: optionReject, Name: "Reject", Kind: acp.PermissionOptionKindRejectOnce},
	}

	choice, err := s.requestPermission(ctx, req, options)
	if err != nil {
		return denyInterruptResult(err)
	}

	switch choice {
	case optionAllowAlways:
		updates := req.PermissionSuggestions
		if len(updates) == 0 {
			updates = []streamjson.PermissionUpdate{{
				Type:        "addRules",
				Behavior:    streamjson.BehaviorAllow,
				Rules:       []streamjson.Rule{{ToolName: req.ToolName}},
				Destination: "session",
			}}
		}
		return allowResult(req, updates)
	case optionAllowOnce:
		return allowResult(req, nil)
	default:
		return denyResult("User rejected the tool use")
	}
}

// requestPermission performs the client round-trip and returns the
// selected option id. Cancellation (either side) returns an error.
func (s *Session) requestPermission(ctx context.Context, req *streamjson.ControlRequest, options []acp.PermissionOption) (string, error) {
	conn := s.orch.acpConn()
	if conn == nil {
		return "", context.Canceled
	}

	title, kind := translate.SynthesizeTitle(req.ToolName, req.Input)
	toolCallID := acp.ToolCallId(req.ToolUseID)
	resp, err := conn.RequestPermission(ctx, acp.RequestPermissionRequest{
		SessionId: s.id,
		ToolCall: acp.ToolCallUpdate{
			ToolCallId: toolCallID,
			Title:      &title,
			Kind:       &kind,
			RawInput:   req.Input,
		},
		Options: options,
	})
	if err != nil {
		return "", err
	}
	if resp.Outcome.Cancelled != nil || resp.Outcome.Selected == nil {
		return "", context.Canceled
	}
	return string(resp.Outcome.Selected.OptionId), nil
}

func allowResult(req *streamjson.ControlRequest, updates []streamjson.PermissionUpdate) streamjson.PermissionResult {
	return streamjson.PermissionResult{
		Behavior:           streamjson.BehaviorAllow,
		UpdatedInput:       req.Input,
		UpdatedPermissions: updates,
	}
}

func denyResult(message string) streamjson.PermissionResult {
	return streamjson.PermissionResult{
		Behavior: streamjson.BehaviorDeny,
		Message:  message,
	}
}

// denyInterruptResult answers a failed or cancelled permission query:
// deny plus an interrupt so the child ends the turn.
func denyInterruptResult(err error) streamjson.PermissionResult {
	interrupt := true
	return streamjson.PermissionResult{
		Behavior:  streamjson.BehaviorDeny,
		Message:   fmt.Sprintf("Permission request not granted: %v", err),
		Interrupt: &interrupt,
	}
}

// Hook input payloads, as the child serialises them.
type preToolHookInput struct {
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
}

type postToolHookInput struct {
	ToolName     string          `json:"tool_name"`
	ToolUseID    string          `json:"tool_use_id"`
	ToolResponse json.RawMessage `json:"tool_response"`
}

// runHook serves the two internal hook callbacks registered at child
// initialize.
func (s *Session) runHook(ctx context.Context, req *streamjson.ControlRequest) (streamjson.HookResult, error) {
	switch req.CallbackID {
	case streamjson.HookCallbackPreTool:
		var input preToolHookInput
		if err := json.Unmarshal(req.HookInput, &input); err != nil {
			return streamjson.HookResult{}, err
		}
		return s.preToolHook(input)

	case streamjson.HookCallbackPostTool:
		var input postToolHookInput
		if err := json.Unmarshal(req.HookInput, &input); err != nil {
			return streamjson.HookResult{}, err
		}
		return s.postToolHook(input)

	default:
		s.logger.Warn("unknown hook callback", zap.String("callback_id", req.CallbackID))
		return streamjson.HookResult{}, nil
	}
}

// preToolHook consults the shared settings rules before a tool runs.
func (s *Session) preToolHook(input preToolHookInput) (streamjson.HookResult, error) {
	decision := s.settings.Decide(input.ToolName, input.ToolInput)
	if decision.Rule != "" {
		s.logger.Info("settings rule applied",
			zap.String("tool", input.ToolName),
			zap.String("rule", decision.Rule),
			zap.String("behavior", decision.Behavior))
	}

	output, err := json.Marshal(map[string]any{
		"hookEventName":            "PreToolUse",
		"permissionDecision":       decision.Behavior,
		"permissionDecisionReason": decision.Rule,
	})
	if err != nil {
		return streamjson.HookResult{}, err
	}
	return streamjson.HookResult{HookSpecificOutput: output}, nil
}

// postToolHook records background-task refs; it may fire between turns,
// before any tool_result reaches the translator.
func (s *Session) postToolHook(input postToolHookInput) (streamjson.HookResult, error) {
	if len(input.ToolResponse) > 0 && input.ToolUseID != "" {
		var response any
		if err := json.Unmarshal(input.ToolResponse, &response); err == nil {
			s.translator.NoteToolResponse(input.ToolUseID, response)
		}
	}
	return streamjson.HookResult{}, nil
}
