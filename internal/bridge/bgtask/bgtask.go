// Package bgtask correlates deferred agent task completions with the
// tool call that launched them. Background tool uses return a task id
// (and sometimes an output file) immediately; the real completion
// arrives later as an out-of-band notification, possibly between turns.
package bgtask

import (
	"sync"

	"github.com/kdlbs/agentbridge/internal/common/logger"
	"go.uber.org/zap"
)

// Map holds two parallel keyspaces, task id and "file:"+path, both
// pointing at the owning tool-use id.
type Map struct {
	mu      sync.Mutex
	entries map[string]string
	logger  *logger.Logger
}

// New creates an empty background-task map.
func New(log *logger.Logger) *Map {
	return &Map{
		entries: make(map[string]string),
		logger:  log.WithComponent("bgtask"),
	}
}

func fileKey(path string) string { return "file:" + path }

// Insert records the tool-use id under both keys. Idempotent: the first
// notification that carried the identifying fields wins, later inserts
// for already-mapped keys are ignored.
func (m *Map) Insert(taskID, outputFile, toolUseID string) {
	if toolUseID == "" || (taskID == "" && outputFile == "") {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if taskID != "" {
		if _, exists := m.entries[taskID]; !exists {
			m.entries[taskID] = toolUseID
		}
	}
	if outputFile != "" {
		if _, exists := m.entries[fileKey(outputFile)]; !exists {
			m.entries[fileKey(outputFile)] = toolUseID
		}
	}
	m.logger.Debug("background task registered",
		zap.String("task_id", taskID),
		zap.String("output_file", outputFile),
		zap.String("tool_use_id", toolUseID))
}

// Resolve looks up a completion notification, task id first then output
// file, and removes both keys for the matched tool use.
func (m *Map) Resolve(taskID, outputFile string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	toolUseID, ok := m.entries[taskID]
	if !ok && outputFile != "" {
		toolUseID, ok = m.entries[fileKey(outputFile)]
	}
	if !ok {
		return "", false
	}

	// Both keys may point at the same tool use; clear every alias.
	for key, id := range m.entries {
		if id == toolUseID {
			delete(m.entries, key)
		}
	}
	return toolUseID, true
}

// Pending lists unresolved task ids with their owning tool-use ids.
// File aliases are folded into their task entry and only surface alone
// when no task id was ever learned for that tool use.
func (m *Map) Pending() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string)
	var fileOnly []string
	for key, id := range m.entries {
		if len(key) > 5 && key[:5] == "file:" {
			fileOnly = append(fileOnly, key)
			continue
		}
		out[key] = id
	}
	for _, key := range fileOnly {
		id := m.entries[key]
		seen := false
		for _, mapped := range out {
			if mapped == id {
				seen = true
				break
			}
		}
		if !seen {
			out[key] = id
		}
	}
	return out
}

// Len reports the number of live keys, for tests and diagnostics.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
