package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kdlbs/agentbridge/internal/bridge/process"
	"github.com/kdlbs/agentbridge/internal/bridge/tracing"
	"github.com/kdlbs/agentbridge/internal/bridge/translate"
	"github.com/kdlbs/agentbridge/pkg/streamjson"
)

// Prompt runs one turn: push the user message, consume the child's
// stream until its terminal result, forwarding translated updates as
// they arrive.
func (o *Orchestrator) Prompt(ctx context.Context, req acp.PromptRequest) (acp.PromptResponse, error) {
	s, err := o.session(req.SessionId)
	if err != nil {
		return acp.PromptResponse{}, err
	}

	s.promptMu.Lock()
	defer s.promptMu.Unlock()

	if s.dead.Load() {
		o.evict(s.id)
		s.releaseResources(ctx)
		return acp.PromptResponse{}, fmt.Errorf("%w: %s", ErrSessionDead, s.id)
	}

	ctx, span := tracing.TracePromptTurn(ctx, string(s.id))
	defer span.End()

	// Cancellation is monotonic within a turn and resets here.
	s.cancelled.Store(false)
	s.sendAvailableCommands()
	s.maybeAutoRename(req.Prompt)

	content := MapPromptParts(req.Prompt)
	if err := s.client.SendUserMessage(string(s.id), content); err != nil {
		return acp.PromptResponse{}, fmt.Errorf("%w: %v", ErrSessionDead, err)
	}

	resp, err := s.runTurn(ctx)
	tracing.TracePromptResult(span, stopReasonOf(resp), turnsOf(resp), err)
	s.touch()
	o.persist(s)
	if err != nil {
		return acp.PromptResponse{}, err
	}
	return *resp, nil
}

func (s *Session) runTurn(ctx context.Context) (*acp.PromptResponse, error) {
	for {
		msg, err := s.router.Next(ctx)
		if err != nil {
			return nil, s.turnStreamError(err)
		}
		tracing.TraceChildMessage(ctx, msg.Type, string(s.id))

		// A cancel observed here suppresses all further updates; only
		// the terminal result is still consumed, to return cancelled.
		if s.cancelled.Load() {
			if msg.Type == streamjson.MessageTypeResult {
				return s.finishTurn(msg), nil
			}
			continue
		}

		switch msg.Type {
		case streamjson.MessageTypeStreamEvent,
			streamjson.MessageTypeAssistant,
			streamjson.MessageTypeUser:
			updates, err := s.translator.Translate(msg)
			if errors.Is(err, translate.ErrAuthRequired) {
				return nil, authRequiredError()
			}
			if err != nil {
				return nil, err
			}
			s.notify(updates...)

		case streamjson.MessageTypeSystem:
			s.handleSystem(msg)

		case streamjson.MessageTypeResult:
			if translate.AuthRequired(msg) {
				return nil, authRequiredError()
			}
			if msg.IsError || msg.Subtype == streamjson.ResultSubtypeErrorDuringExecution {
				return nil, turnError(msg)
			}
			return s.finishTurn(msg), nil

		default:
			s.logger.Debug("unhandled message type", zap.String("type", msg.Type))
		}
	}
}

func (s *Session) turnStreamError(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, process.ErrTransportDead):
		s.logger.Error("agent subprocess died mid-turn", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrSessionDead, err)
	default:
		// Stream closed without a terminal result.
		return fmt.Errorf("%w: agent stream ended before result", ErrSessionDead)
	}
}

// handleSystem forwards system events as session_info_update
// notifications; init additionally refreshes the command inventory.
func (s *Session) handleSystem(msg *streamjson.Message) {
	switch msg.Subtype {
	case streamjson.SubtypeInit:
		s.mu.Lock()
		if msg.Model != "" {
			s.modelID = msg.Model
		}
		if msg.PermissionMode != "" {
			s.mode = msg.PermissionMode
		}
		s.mu.Unlock()
		s.notify(sessionInfoUpdate(nil, map[string]any{
			"subtype":       msg.Subtype,
			"model":         msg.Model,
			"slashCommands": msg.SlashCommands,
		}))

	case streamjson.SubtypeCompactBoundary,
		streamjson.SubtypeStatus,
		streamjson.SubtypeHookEvent,
		streamjson.SubtypeFilesPersisted,
		streamjson.SubtypeAuthStatus:
		var payload map[string]any
		if len(msg.Raw) > 0 {
			if err := json.Unmarshal(msg.Raw, &payload); err != nil {
				payload = nil
			}
		}
		s.notify(sessionInfoUpdate(nil, payload))

	default:
		s.logger.Debug("unhandled system subtype", zap.String("subtype", msg.Subtype))
	}
}

func sessionInfoUpdate(title *string, meta map[string]any) acp.SessionUpdate {
	return acp.SessionUpdate{
		SessionInfoUpdate: &acp.SessionSessionInfoUpdate{Title: title, Meta: meta},
	}
}

// finishTurn maps the result message to the prompt response: stop
// reason per the turn-failure taxonomy plus a metadata block.
func (s *Session) finishTurn(msg *streamjson.Message) *acp.PromptResponse {
	resp := &acp.PromptResponse{StopReason: acp.StopReasonEndTurn, Meta: resultMeta(msg)}

	switch {
	case s.cancelled.Load():
		resp.StopReason = acp.StopReasonCancelled
	case msg.Subtype == streamjson.ResultSubtypeErrorMaxTurns,
		msg.Subtype == streamjson.ResultSubtypeErrorMaxBudget,
		msg.Subtype == streamjson.ResultSubtypeErrorMaxOutputRetries:
		resp.StopReason = acp.StopReasonMaxTurnRequests
	}
	return resp
}

func resultMeta(msg *streamjson.Message) map[string]any {
	meta := map[string]any{
		"durationMs":    msg.DurationMS,
		"apiDurationMs": msg.DurationAPIMS,
		"numTurns":      msg.NumTurns,
		"totalCostUsd":  msg.TotalCostUSD,
	}
	if msg.Usage != nil {
		meta["usage"] = msg.Usage
	}
	if len(msg.ModelUsage) > 0 {
		meta["modelUsage"] = msg.ModelUsage
	}
	if len(msg.PermissionDenials) > 0 {
		meta["permissionDenials"] = msg.PermissionDenials
	}
	if len(msg.StructuredOutput) > 0 {
		meta["structuredOutput"] = json.RawMessage(msg.StructuredOutput)
	}
	if len(msg.Errors) > 0 {
		meta["errors"] = msg.Errors
	}
	return meta
}

// turnError converts an is_error result into the surfaced error form.
func turnError(msg *streamjson.Message) error {
	parts := make([]string, 0, len(msg.Errors)+1)
	if r := msg.ResultString(); r != "" {
		parts = append(parts, r)
	}
	parts = append(parts, msg.Errors...)
	if len(parts) == 0 {
		parts = append(parts, msg.Subtype)
	}
	return fmt.Errorf("agent turn failed: %s", strings.Join(parts, "; "))
}

// sendAvailableCommands publishes the child's slash commands once per
// session, before the first turn's output.
func (s *Session) sendAvailableCommands() {
	s.mu.Lock()
	if s.commandsSent || s.initResult == nil {
		s.mu.Unlock()
		return
	}
	s.commandsSent = true
	commands := availableCommands(s.initResult.Commands)
	s.mu.Unlock()

	if len(commands) == 0 {
		return
	}
	s.notify(acp.SessionUpdate{
		AvailableCommandsUpdate: &acp.SessionAvailableCommandsUpdate{
			AvailableCommands: commands,
		},
	})
}

func availableCommands(infos []streamjson.CommandInfo) []acp.AvailableCommand {
	commands := make([]acp.AvailableCommand, 0, len(infos))
	for _, c := range infos {
		cmd := acp.AvailableCommand{Name: c.Name, Description: c.Description}
		if c.ArgumentHint != "" {
			cmd.Input = &acp.AvailableCommandInput{
				Unstructured: &acp.UnstructuredCommandInput{Hint: c.ArgumentHint},
			}
		}
		commands = append(commands, cmd)
	}
	return commands
}

// maybeAutoRename titles the session from its first text prompt, via
// the worker pool when available.
func (s *Session) maybeAutoRename(parts []acp.ContentBlock) {
	s.mu.Lock()
	if s.autoRenamed || s.renamed {
		s.mu.Unlock()
		return
	}
	s.autoRenamed = true
	s.mu.Unlock()

	var text string
	for _, part := range parts {
		if part.Text != nil && strings.TrimSpace(part.Text.Text) != "" {
			text = strings.TrimSpace(part.Text.Text)
			break
		}
	}
	if text == "" || strings.HasPrefix(text, "/") {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		title := s.orch.generateTitle(ctx, text)
		if title == "" {
			return
		}
		s.rename(title, true)
	}()
}

// generateTitle asks the worker pool for a short title, degrading to a
// clipped first line when no pool is wired.
func (o *Orchestrator) generateTitle(ctx context.Context, text string) string {
	if o.titles != nil {
		prompt := fmt.Sprintf(
			"Reply with a short title (at most 6 words, no quotes) for a coding session that starts with this request:\n\n%s", text)
		title, err := o.titles.Query(ctx, prompt)
		if err != nil {
			o.logger.Warn("title generation failed", zap.Error(err))
		} else if title = sanitizeTitle(title); title != "" {
			return title
		}
	}
	return sanitizeTitle(text)
}

func sanitizeTitle(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	s = strings.Trim(strings.TrimSpace(s), `"'`)
	if len(s) > 60 {
		s = s[:57] + "..."
	}
	return s
}

// rename records a title change in memory and in the disk index. Manual
// renames stick; auto renames never overwrite a manual one.
func (s *Session) rename(title string, auto bool) {
	s.mu.Lock()
	if auto && s.renamed {
		s.mu.Unlock()
		return
	}
	s.title = title
	if !auto {
		s.renamed = true
	}
	s.mu.Unlock()

	if ix := s.orch.index; ix != nil {
		if err := ix.Rename(string(s.id), title); err != nil {
			// The entry may not be persisted yet; upsert covers it.
			s.orch.persist(s)
		}
	}
	s.notify(sessionInfoUpdate(&title, nil))
}

func stopReasonOf(resp *acp.PromptResponse) string {
	if resp == nil {
		return "error"
	}
	return string(resp.StopReason)
}

func turnsOf(resp *acp.PromptResponse) int {
	if resp == nil || resp.Meta == nil {
		return 0
	}
	n, _ := resp.Meta["numTurns"].(int)
	return n
}
