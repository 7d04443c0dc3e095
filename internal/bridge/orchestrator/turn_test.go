package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	acp "github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdlbs/agentbridge/pkg/streamjson"
)

func resultMsg(subtype string, isError bool) *streamjson.Message {
	return &streamjson.Message{
		Type:     streamjson.MessageTypeResult,
		Subtype:  subtype,
		IsError:  isError,
		NumTurns: 3,
	}
}

func TestFinishTurnStopReasons(t *testing.T) {
	tests := []struct {
		name      string
		subtype   string
		cancelled bool
		want      acp.StopReason
	}{
		{"success", streamjson.ResultSubtypeSuccess, false, acp.StopReasonEndTurn},
		{"max turns", streamjson.ResultSubtypeErrorMaxTurns, false, acp.StopReasonMaxTurnRequests},
		{"max budget", streamjson.ResultSubtypeErrorMaxBudget, false, acp.StopReasonMaxTurnRequests},
		{"max output retries", streamjson.ResultSubtypeErrorMaxOutputRetries, false, acp.StopReasonMaxTurnRequests},
		{"cancelled wins over success", streamjson.ResultSubtypeSuccess, true, acp.StopReasonCancelled},
		{"cancelled wins over max turns", streamjson.ResultSubtypeErrorMaxTurns, true, acp.StopReasonCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{}
			s.cancelled.Store(tt.cancelled)
			resp := s.finishTurn(resultMsg(tt.subtype, false))
			assert.Equal(t, tt.want, resp.StopReason)
		})
	}
}

func TestResultMeta(t *testing.T) {
	msg := &streamjson.Message{
		Type:          streamjson.MessageTypeResult,
		NumTurns:      4,
		DurationMS:    1200,
		DurationAPIMS: 900,
		TotalCostUSD:  0.42,
		Usage:         &streamjson.Usage{InputTokens: 100, OutputTokens: 50},
		Errors:        []string{"transient thing"},
	}
	meta := resultMeta(msg)
	assert.Equal(t, 4, meta["numTurns"])
	assert.Equal(t, int64(1200), meta["durationMs"])
	assert.Equal(t, 0.42, meta["totalCostUsd"])
	assert.Equal(t, msg.Usage, meta["usage"])
	assert.Equal(t, []string{"transient thing"}, meta["errors"])
	assert.NotContains(t, meta, "modelUsage")
	assert.NotContains(t, meta, "structuredOutput")
}

func TestTurnError(t *testing.T) {
	msg := resultMsg(streamjson.ResultSubtypeErrorDuringExecution, true)
	msg.Result = json.RawMessage(`"the agent fell over"`)
	msg.Errors = []string{"detail one"}

	err := turnError(msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "the agent fell over")
	assert.Contains(t, err.Error(), "detail one")
}

func TestTurnErrorFallsBackToSubtype(t *testing.T) {
	err := turnError(resultMsg(streamjson.ResultSubtypeErrorDuringExecution, true))
	assert.Contains(t, err.Error(), streamjson.ResultSubtypeErrorDuringExecution)
}

func TestSanitizeTitle(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Fix the login bug", "Fix the login bug"},
		{"first line only", "Fix the login bug\nand also the logout one", "Fix the login bug"},
		{"quotes trimmed", `"Fix the login bug"`, "Fix the login bug"},
		{"long input clipped", strings.Repeat("a", 70), strings.Repeat("a", 57) + "..."},
		{"whitespace", "  hi  ", "hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeTitle(tt.in))
		})
	}
}

func TestAvailableCommands(t *testing.T) {
	infos := []streamjson.CommandInfo{
		{Name: "compact", Description: "Compact the conversation"},
		{Name: "review", Description: "Review a PR", ArgumentHint: "[pr number]"},
	}
	commands := availableCommands(infos)
	require.Len(t, commands, 2)
	assert.Equal(t, "compact", commands[0].Name)
	assert.Nil(t, commands[0].Input)
	require.NotNil(t, commands[1].Input)
	require.NotNil(t, commands[1].Input.Unstructured)
	assert.Equal(t, "[pr number]", commands[1].Input.Unstructured.Hint)
}

func TestGenerateTitleFallsBackWithoutPool(t *testing.T) {
	o := newTestOrchestrator(t)
	title := o.generateTitle(context.Background(), "Refactor the settings loader\nplease")
	assert.Equal(t, "Refactor the settings loader", title)
}
