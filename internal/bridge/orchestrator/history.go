package orchestrator

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// The agent records every session as JSONL under its projects
// directory, one file per session id, in a per-workdir subdirectory
// whose name is the workdir path with separators and dots flattened.

const (
	agentStateDir  = ".claude"
	projectsSubdir = "projects"

	// Transcript lines can carry whole file contents inside tool results.
	maxTranscriptLine = 10 * 1024 * 1024

	// Tool that promotes a session to team leader; its invocation is what
	// the leader scan looks for.
	toolTeamCreate = "TeamCreate"
)

// HistoryEntry is one conversation step as returned by the history
// extension methods.
type HistoryEntry struct {
	Role            string          `json:"role"`
	Content         json.RawMessage `json:"content"`
	ParentToolUseID string          `json:"parentToolUseId,omitempty"`
	Timestamp       string          `json:"timestamp,omitempty"`
}

// SubagentInfo describes one delegated task launched during a session.
type SubagentInfo struct {
	ToolUseID   string `json:"toolUseId"`
	AgentType   string `json:"agentType,omitempty"`
	Description string `json:"description,omitempty"`
}

type transcriptLine struct {
	Type            string          `json:"type"`
	UUID            string          `json:"uuid"`
	ParentToolUseID string          `json:"parent_tool_use_id"`
	IsSidechain     bool            `json:"isSidechain"`
	Timestamp       string          `json:"timestamp"`
	Message         json.RawMessage `json:"message"`
}

type transcriptMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type transcriptBlock struct {
	Type  string         `json:"type"`
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

func projectsRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, agentStateDir, projectsSubdir), nil
}

// projectDirName flattens a workdir path into the agent's directory
// naming: path separators and dots become dashes.
func projectDirName(workdir string) string {
	return strings.NewReplacer("/", "-", "\\", "-", ".", "-").Replace(workdir)
}

func transcriptPath(workdir, sessionID string) (string, error) {
	root, err := projectsRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, projectDirName(workdir), sessionID+".jsonl"), nil
}

// readTranscript parses a session transcript. Malformed lines are
// skipped; partial transcripts are normal while a session is live.
func readTranscript(path string) ([]transcriptLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []transcriptLine
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxTranscriptLine)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var line transcriptLine
		if err := json.Unmarshal(raw, &line); err != nil {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading transcript: %w", err)
	}
	return lines, nil
}

// sessionHistory returns the main conversation: user and assistant
// entries that are not part of a delegated subagent thread.
func sessionHistory(workdir, sessionID string) ([]HistoryEntry, error) {
	path, err := transcriptPath(workdir, sessionID)
	if err != nil {
		return nil, err
	}
	lines, err := readTranscript(path)
	if os.IsNotExist(err) {
		return []HistoryEntry{}, nil
	}
	if err != nil {
		return nil, err
	}

	entries := make([]HistoryEntry, 0, len(lines))
	for _, line := range lines {
		if line.IsSidechain || line.ParentToolUseID != "" {
			continue
		}
		if entry, ok := historyEntry(line); ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// subagentHistory returns the thread delegated under one tool use.
func subagentHistory(workdir, sessionID, toolUseID string) ([]HistoryEntry, error) {
	path, err := transcriptPath(workdir, sessionID)
	if err != nil {
		return nil, err
	}
	lines, err := readTranscript(path)
	if os.IsNotExist(err) {
		return []HistoryEntry{}, nil
	}
	if err != nil {
		return nil, err
	}

	entries := make([]HistoryEntry, 0)
	for _, line := range lines {
		if line.ParentToolUseID != toolUseID {
			continue
		}
		if entry, ok := historyEntry(line); ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func historyEntry(line transcriptLine) (HistoryEntry, bool) {
	if line.Type != "user" && line.Type != "assistant" {
		return HistoryEntry{}, false
	}
	var msg transcriptMessage
	if err := json.Unmarshal(line.Message, &msg); err != nil || msg.Role == "" {
		return HistoryEntry{}, false
	}
	return HistoryEntry{
		Role:            msg.Role,
		Content:         msg.Content,
		ParentToolUseID: line.ParentToolUseID,
		Timestamp:       line.Timestamp,
	}, true
}

// sessionSubagents lists the Task tool uses recorded in a transcript.
func sessionSubagents(workdir, sessionID string) ([]SubagentInfo, error) {
	path, err := transcriptPath(workdir, sessionID)
	if err != nil {
		return nil, err
	}
	lines, err := readTranscript(path)
	if os.IsNotExist(err) {
		return []SubagentInfo{}, nil
	}
	if err != nil {
		return nil, err
	}

	subagents := make([]SubagentInfo, 0)
	for _, line := range lines {
		if line.Type != "assistant" {
			continue
		}
		for _, block := range toolUseBlocks(line) {
			if block.Name != "Task" {
				continue
			}
			info := SubagentInfo{ToolUseID: block.ID}
			if v, ok := block.Input["subagent_type"].(string); ok {
				info.AgentType = v
			}
			if v, ok := block.Input["description"].(string); ok {
				info.Description = v
			}
			subagents = append(subagents, info)
		}
	}
	return subagents, nil
}

func toolUseBlocks(line transcriptLine) []transcriptBlock {
	var msg transcriptMessage
	if err := json.Unmarshal(line.Message, &msg); err != nil {
		return nil
	}
	var blocks []transcriptBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return nil
	}
	out := blocks[:0]
	for _, block := range blocks {
		if block.Type == "tool_use" {
			out = append(out, block)
		}
	}
	return out
}

// scanTeamLeaders walks every transcript recorded for a workdir and
// maps team names to the session that invoked the team-create tool.
// Expensive, so callers cache the result for the process lifetime.
func scanTeamLeaders(workdir string) (map[string]string, error) {
	root, err := projectsRoot()
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(root, projectDirName(workdir))
	files, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}

	leaders := make(map[string]string)
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".jsonl") {
			continue
		}
		sessionID := strings.TrimSuffix(file.Name(), ".jsonl")
		lines, err := readTranscript(filepath.Join(dir, file.Name()))
		if err != nil {
			continue
		}
		for _, line := range lines {
			if line.Type != "assistant" {
				continue
			}
			for _, block := range toolUseBlocks(line) {
				if block.Name != toolTeamCreate {
					continue
				}
				if name, ok := block.Input["team_name"].(string); ok && name != "" {
					if _, exists := leaders[name]; !exists {
						leaders[name] = sessionID
					}
				}
			}
		}
	}
	return leaders, nil
}
