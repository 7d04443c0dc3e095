package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kdlbs/agentbridge/internal/bridge/sessions"
)

// Extension method names dispatched through ExtMethod.
const (
	ExtSessionsList         = "sessions/list"
	ExtSessionsHistory      = "sessions/getHistory"
	ExtSubagentHistory      = "sessions/getSubagentHistory"
	ExtSessionsRename       = "sessions/rename"
	ExtSessionsDelete       = "sessions/delete"
	ExtAvailableCommands    = "sessions/getAvailableCommands"
	ExtSessionsAutoRename   = "sessions/autoRename"
	ExtTasksList            = "tasks/list"
	ExtSessionsSubagents    = "sessions/getSubagents"
	ExtSessionFork          = "session/fork"
	ExtSessionSetModel      = "session/setModel"
	ExtSetMaxThinkingTokens = "session/setMaxThinkingTokens"
)

// ErrUnknownExtMethod is returned for methods outside the dispatch table.
var ErrUnknownExtMethod = fmt.Errorf("unknown extension method")

type extSessionParams struct {
	SessionID string `json:"sessionId"`
}

type extListParams struct {
	Cwd string `json:"cwd,omitempty"`
}

type extSubagentHistoryParams struct {
	SessionID string `json:"sessionId"`
	ToolUseID string `json:"toolUseId"`
}

type extRenameParams struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title"`
}

type extSetModelParams struct {
	SessionID string `json:"sessionId"`
	ModelID   string `json:"modelId"`
}

type extThinkingParams struct {
	SessionID         string `json:"sessionId"`
	MaxThinkingTokens int    `json:"maxThinkingTokens"`
}

// SessionSummary is one row of the sessions/list response. Teammates
// are collapsed under their team leader.
type SessionSummary struct {
	SessionID string           `json:"sessionId"`
	Title     string           `json:"title,omitempty"`
	Workdir   string           `json:"workdir,omitempty"`
	UpdatedAt string           `json:"updatedAt,omitempty"`
	TeamName  string           `json:"teamName,omitempty"`
	Teammates []SessionSummary `json:"teammates,omitempty"`
}

// PendingTask is one row of the tasks/list response.
type PendingTask struct {
	TaskID    string `json:"taskId"`
	ToolUseID string `json:"toolUseId"`
}

// HandleExtensionMethod adapts the dispatcher to the ACP extension
// namespace, where method names carry a leading underscore.
func (o *Orchestrator) HandleExtensionMethod(ctx context.Context, method string, params json.RawMessage) (any, error) {
	result, err := o.ExtMethod(ctx, strings.TrimPrefix(method, "_"), params)
	if errors.Is(err, ErrUnknownExtMethod) {
		return nil, acp.NewMethodNotFound(method)
	}
	return result, err
}

// ExtMethod dispatches the non-standard methods the bridge exposes
// beyond the core ACP agent interface.
func (o *Orchestrator) ExtMethod(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case ExtSessionsList:
		var p extListParams
		unmarshalParams(params, &p)
		return o.listSessions(ctx, p.Cwd)

	case ExtSessionsHistory:
		var p extSessionParams
		unmarshalParams(params, &p)
		workdir, err := o.sessionWorkdir(p.SessionID)
		if err != nil {
			return nil, err
		}
		entries, err := sessionHistory(workdir, p.SessionID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"entries": entries}, nil

	case ExtSubagentHistory:
		var p extSubagentHistoryParams
		unmarshalParams(params, &p)
		workdir, err := o.sessionWorkdir(p.SessionID)
		if err != nil {
			return nil, err
		}
		entries, err := subagentHistory(workdir, p.SessionID, p.ToolUseID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"entries": entries}, nil

	case ExtSessionsRename:
		var p extRenameParams
		unmarshalParams(params, &p)
		return o.renameSession(p.SessionID, p.Title)

	case ExtSessionsDelete:
		var p extSessionParams
		unmarshalParams(params, &p)
		return o.deleteSession(ctx, p.SessionID)

	case ExtAvailableCommands:
		var p extSessionParams
		unmarshalParams(params, &p)
		s, err := o.session(acp.SessionId(p.SessionID))
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		var commands []acp.AvailableCommand
		if s.initResult != nil {
			commands = availableCommands(s.initResult.Commands)
		}
		s.mu.Unlock()
		return map[string]any{"commands": commands}, nil

	case ExtSessionsAutoRename:
		var p extSessionParams
		unmarshalParams(params, &p)
		return o.autoRenameSession(ctx, p.SessionID)

	case ExtTasksList:
		var p extSessionParams
		unmarshalParams(params, &p)
		s, err := o.session(acp.SessionId(p.SessionID))
		if err != nil {
			return nil, err
		}
		pending := s.tasks.Pending()
		tasks := make([]PendingTask, 0, len(pending))
		for taskID, toolUseID := range pending {
			tasks = append(tasks, PendingTask{TaskID: taskID, ToolUseID: toolUseID})
		}
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].TaskID < tasks[j].TaskID })
		return map[string]any{"tasks": tasks}, nil

	case ExtSessionsSubagents:
		var p extSessionParams
		unmarshalParams(params, &p)
		workdir, err := o.sessionWorkdir(p.SessionID)
		if err != nil {
			return nil, err
		}
		subagents, err := sessionSubagents(workdir, p.SessionID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"subagents": subagents}, nil

	case ExtSessionFork:
		var p extSessionParams
		unmarshalParams(params, &p)
		parent, err := o.session(acp.SessionId(p.SessionID))
		if err != nil {
			return nil, err
		}
		forked, err := o.forkSession(ctx, parent)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"sessionId": forked.id,
			"modes":     forked.modeState(),
			"models":    forked.modelState(),
		}, nil

	case ExtSessionSetModel:
		var p extSetModelParams
		unmarshalParams(params, &p)
		return o.setSessionModel(ctx, p.SessionID, p.ModelID)

	case ExtSetMaxThinkingTokens:
		var p extThinkingParams
		unmarshalParams(params, &p)
		s, err := o.session(acp.SessionId(p.SessionID))
		if err != nil {
			return nil, err
		}
		if err := s.client.SetMaxThinkingTokens(ctx, p.MaxThinkingTokens); err != nil {
			return nil, err
		}
		return map[string]any{}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownExtMethod, method)
}

// unmarshalParams tolerates absent params; each handler validates the
// fields it actually needs.
func unmarshalParams(params json.RawMessage, v any) {
	if len(params) > 0 {
		_ = json.Unmarshal(params, v)
	}
}

// sessionWorkdir resolves a session's working directory from the live
// set first, falling back to the disk index for closed sessions.
func (o *Orchestrator) sessionWorkdir(sessionID string) (string, error) {
	if s, err := o.session(acp.SessionId(sessionID)); err == nil {
		return s.workdir, nil
	}
	if o.index != nil {
		if entry, err := o.index.Get(sessionID); err == nil {
			return entry.Workdir, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
}

// listSessions merges the disk index with live sessions, then collapses
// teammates under their team leaders.
func (o *Orchestrator) listSessions(ctx context.Context, cwd string) (map[string]any, error) {
	byID := make(map[string]sessions.Entry)
	if o.index != nil {
		entries, err := o.index.List(cwd)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			byID[e.ID] = e
		}
	}

	// Live sessions override the persisted copy: in-memory titles and
	// timestamps are fresher, and brand-new sessions may not be on disk
	// yet.
	o.mu.RLock()
	for _, s := range o.live {
		if cwd != "" && s.workdir != cwd {
			continue
		}
		s.mu.Lock()
		byID[string(s.id)] = sessions.Entry{
			ID:        string(s.id),
			Workdir:   s.workdir,
			Title:     s.title,
			UpdatedAt: s.updatedAt,
			Metadata:  sessions.Metadata{TeamName: s.teamName, Model: s.modelID},
		}
		s.mu.Unlock()
	}
	o.mu.RUnlock()

	summaries := o.collapseTeams(ctx, cwd, byID)
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt > summaries[j].UpdatedAt
	})
	return map[string]any{"sessions": summaries}, nil
}

// collapseTeams nests teammate sessions under their leader. A team
// entry without a flagged leader falls back to the cached transcript
// scan for the directory.
func (o *Orchestrator) collapseTeams(ctx context.Context, cwd string, byID map[string]sessions.Entry) []SessionSummary {
	leaderFor := make(map[string]string) // team name -> leader session id
	for _, e := range byID {
		if e.Metadata.TeamName != "" && e.Metadata.Leader {
			leaderFor[e.Metadata.TeamName] = e.ID
		}
	}
	needScan := false
	for _, e := range byID {
		if e.Metadata.TeamName == "" {
			continue
		}
		if _, ok := leaderFor[e.Metadata.TeamName]; !ok {
			needScan = true
		}
	}
	if needScan {
		for team, leader := range o.teamLeaders(ctx, cwd) {
			if _, ok := leaderFor[team]; !ok {
				leaderFor[team] = leader
			}
		}
	}

	teammates := make(map[string][]SessionSummary) // leader id -> teammates
	var roots []SessionSummary
	for _, e := range byID {
		summary := toSummary(e)
		leader, isTeam := leaderFor[e.Metadata.TeamName]
		if isTeam && leader != e.ID {
			teammates[leader] = append(teammates[leader], summary)
			continue
		}
		roots = append(roots, summary)
	}
	for i := range roots {
		mates := teammates[roots[i].SessionID]
		sort.Slice(mates, func(a, b int) bool {
			return mates[a].UpdatedAt > mates[b].UpdatedAt
		})
		roots[i].Teammates = mates
	}
	return roots
}

// teamLeaders runs the transcript scan at most once per directory per
// orchestrator lifetime. A leader created after the scan stays
// undetected until restart.
func (o *Orchestrator) teamLeaders(ctx context.Context, cwd string) map[string]string {
	o.leaderMu.Lock()
	if cached, ok := o.leaderCache[cwd]; ok {
		o.leaderMu.Unlock()
		return cached
	}
	o.leaderMu.Unlock()

	result, err, _ := o.leaderScan.Do(cwd, func() (any, error) {
		leaders, err := scanTeamLeaders(cwd)
		if err != nil {
			return nil, err
		}
		o.leaderMu.Lock()
		o.leaderCache[cwd] = leaders
		o.leaderMu.Unlock()
		return leaders, nil
	})
	if err != nil {
		o.logger.Warn("team leader scan failed", zap.String("cwd", cwd), zap.Error(err))
		return nil
	}
	return result.(map[string]string)
}

func toSummary(e sessions.Entry) SessionSummary {
	summary := SessionSummary{
		SessionID: e.ID,
		Title:     e.Title,
		Workdir:   e.Workdir,
		TeamName:  e.Metadata.TeamName,
	}
	if !e.UpdatedAt.IsZero() {
		summary.UpdatedAt = e.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return summary
}

func (o *Orchestrator) renameSession(sessionID, title string) (map[string]any, error) {
	if s, err := o.session(acp.SessionId(sessionID)); err == nil {
		s.rename(title, false)
		return map[string]any{}, nil
	}
	if o.index != nil {
		if err := o.index.Rename(sessionID, title); err != nil {
			return nil, err
		}
		return map[string]any{}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
}

func (o *Orchestrator) deleteSession(ctx context.Context, sessionID string) (map[string]any, error) {
	if s, err := o.session(acp.SessionId(sessionID)); err == nil {
		o.evict(s.id)
		s.close(ctx)
	}
	if o.index != nil {
		if err := o.index.Delete(sessionID); err != nil {
			return nil, err
		}
	}
	return map[string]any{}, nil
}

// autoRenameSession regenerates a session's title from its transcript's
// first user message; manual renames are never overwritten.
func (o *Orchestrator) autoRenameSession(ctx context.Context, sessionID string) (map[string]any, error) {
	s, err := o.session(acp.SessionId(sessionID))
	if err != nil {
		return nil, err
	}

	text := firstUserText(s.workdir, sessionID)
	if text == "" {
		s.mu.Lock()
		text = s.title
		s.mu.Unlock()
	}
	if text == "" {
		return nil, fmt.Errorf("no prompt text to derive a title from")
	}

	title := o.generateTitle(ctx, text)
	if title == "" {
		return nil, fmt.Errorf("title generation produced nothing")
	}
	s.rename(title, true)
	return map[string]any{"title": title}, nil
}

// firstUserText pulls the first plain-text user message from the
// transcript, for autoRename on sessions whose first prompt predates
// this process.
func firstUserText(workdir, sessionID string) string {
	entries, err := sessionHistory(workdir, sessionID)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if entry.Role != "user" {
			continue
		}
		if text := textOfContent(entry.Content); text != "" {
			return text
		}
	}
	return ""
}

func textOfContent(content json.RawMessage) string {
	var plain string
	if err := json.Unmarshal(content, &plain); err == nil {
		return plain
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &blocks); err == nil {
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				return b.Text
			}
		}
	}
	return ""
}

func (o *Orchestrator) setSessionModel(ctx context.Context, sessionID, modelID string) (map[string]any, error) {
	s, err := o.session(acp.SessionId(sessionID))
	if err != nil {
		return nil, err
	}
	if err := s.client.SetModel(ctx, modelID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.modelID = modelID
	s.mu.Unlock()
	o.persist(s)
	return map[string]any{}, nil
}
