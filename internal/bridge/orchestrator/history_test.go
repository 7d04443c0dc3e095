package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTranscript = `{"type":"user","uuid":"u1","timestamp":"2026-08-24T10:00:00Z","message":{"role":"user","content":"fix the parser"}}
{"type":"assistant","uuid":"a1","timestamp":"2026-08-24T10:00:05Z","message":{"role":"assistant","content":[{"type":"text","text":"Looking at it."},{"type":"tool_use","id":"toolu_task_1","name":"Task","input":{"subagent_type":"explorer","description":"Survey the parser package"}}]}}
{"type":"user","uuid":"s1","parent_tool_use_id":"toolu_task_1","message":{"role":"user","content":"survey instructions"}}
{"type":"assistant","uuid":"s2","parent_tool_use_id":"toolu_task_1","message":{"role":"assistant","content":[{"type":"text","text":"Survey done."}]}}
{"type":"summary","summary":"irrelevant bookkeeping line"}
not even json
{"type":"assistant","uuid":"a2","message":{"role":"assistant","content":[{"type":"tool_use","id":"toolu_team_1","name":"TeamCreate","input":{"team_name":"refactor-crew"}}]}}
`

// writeTranscript installs a transcript under a fake agent home.
func writeTranscript(t *testing.T, workdir, sessionID, content string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, agentStateDir, projectsSubdir, projectDirName(workdir))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, sessionID+".jsonl"), []byte(content), 0o644))
}

func TestProjectDirName(t *testing.T) {
	assert.Equal(t, "-home-dev-my-project", projectDirName("/home/dev/my.project"))
	assert.Equal(t, "relative-path", projectDirName("relative/path"))
}

func TestSessionHistorySkipsSubagentThreads(t *testing.T) {
	writeTranscript(t, "/home/dev/proj", "sess-1", sampleTranscript)

	entries, err := sessionHistory("/home/dev/proj", "sess-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "user", entries[0].Role)
	assert.Equal(t, "assistant", entries[1].Role)
	assert.Equal(t, "assistant", entries[2].Role)
	for _, e := range entries {
		assert.Empty(t, e.ParentToolUseID)
	}
}

func TestSessionHistoryMissingTranscript(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	entries, err := sessionHistory("/home/dev/proj", "never-ran")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSubagentHistory(t *testing.T) {
	writeTranscript(t, "/home/dev/proj", "sess-1", sampleTranscript)

	entries, err := subagentHistory("/home/dev/proj", "sess-1", "toolu_task_1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "user", entries[0].Role)
	assert.Equal(t, "assistant", entries[1].Role)

	none, err := subagentHistory("/home/dev/proj", "sess-1", "toolu_other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSessionSubagents(t *testing.T) {
	writeTranscript(t, "/home/dev/proj", "sess-1", sampleTranscript)

	subagents, err := sessionSubagents("/home/dev/proj", "sess-1")
	require.NoError(t, err)
	require.Len(t, subagents, 1)
	assert.Equal(t, "toolu_task_1", subagents[0].ToolUseID)
	assert.Equal(t, "explorer", subagents[0].AgentType)
	assert.Equal(t, "Survey the parser package", subagents[0].Description)
}

func TestScanTeamLeaders(t *testing.T) {
	writeTranscript(t, "/home/dev/proj", "leader-sess", sampleTranscript)

	leaders, err := scanTeamLeaders("/home/dev/proj")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"refactor-crew": "leader-sess"}, leaders)
}

func TestScanTeamLeadersNoProjects(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	leaders, err := scanTeamLeaders("/nowhere")
	require.NoError(t, err)
	assert.Empty(t, leaders)
}
