package streamjson

import (
	"encoding/json"
	"testing"
)

func TestMessageBody_ContentForms(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		wantString string
		wantBlocks int
	}{
		{
			name:       "plain string",
			content:    `"just text"`,
			wantString: "just text",
			wantBlocks: 0,
		},
		{
			name:       "block array",
			content:    `[{"type":"text","text":"a"},{"type":"thinking","thinking":"b"}]`,
			wantString: "",
			wantBlocks: 2,
		},
		{
			name:       "empty",
			content:    ``,
			wantString: "",
			wantBlocks: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := MessageBody{Role: "assistant", Content: json.RawMessage(tt.content)}
			if got := body.ContentString(); got != tt.wantString {
				t.Errorf("ContentString() = %q, want %q", got, tt.wantString)
			}
			if got := len(body.ContentBlocks()); got != tt.wantBlocks {
				t.Errorf("len(ContentBlocks()) = %d, want %d", got, tt.wantBlocks)
			}
		})
	}
}

func TestParseAssistantMessage(t *testing.T) {
	line := `{"type":"assistant","session_id":"s1","parent_tool_use_id":"toolu_parent","message":{"role":"assistant","model":"opus","content":[{"type":"tool_use","id":"toolu_1","name":"Bash","input":{"command":"ls -la"}}]}}`

	var msg Message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if msg.Type != MessageTypeAssistant {
		t.Errorf("Type = %q, want assistant", msg.Type)
	}
	if msg.ParentToolUseID != "toolu_parent" {
		t.Errorf("ParentToolUseID = %q, want toolu_parent", msg.ParentToolUseID)
	}
	blocks := msg.Message.ContentBlocks()
	if len(blocks) != 1 {
		t.Fatalf("got %d blocks, want 1", len(blocks))
	}
	b := blocks[0]
	if b.Type != BlockTypeToolUse || b.ID != "toolu_1" || b.Name != "Bash" {
		t.Errorf("block = %+v, want tool_use toolu_1 Bash", b)
	}
	if cmd, _ := b.Input["command"].(string); cmd != "ls -la" {
		t.Errorf("Input[command] = %v, want %q", b.Input["command"], "ls -la")
	}
}

func TestParseToolResultBlock(t *testing.T) {
	line := `{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","is_error":true,"content":"command failed"}]}}`

	var msg Message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	blocks := msg.Message.ContentBlocks()
	if len(blocks) != 1 {
		t.Fatalf("got %d blocks, want 1", len(blocks))
	}
	b := blocks[0]
	if b.ToolUseID != "toolu_1" || !b.IsError {
		t.Errorf("block = %+v, want tool_use_id toolu_1 is_error", b)
	}
	if got := b.ResultContentString(); got != "command failed" {
		t.Errorf("ResultContentString() = %q, want %q", got, "command failed")
	}

	// Nested block form.
	nested := ContentBlock{Content: json.RawMessage(`[{"type":"text","text":"partial"}]`)}
	inner := nested.ResultContentBlocks()
	if len(inner) != 1 || inner[0].Text != "partial" {
		t.Errorf("ResultContentBlocks() = %+v, want one text block", inner)
	}
}

func TestParseStreamEvents(t *testing.T) {
	tests := []struct {
		name string
		line string
		want func(t *testing.T, ev *StreamEvent)
	}{
		{
			name: "text delta",
			line: `{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}}`,
			want: func(t *testing.T, ev *StreamEvent) {
				if ev.Type != EventContentBlockDelta || ev.Delta == nil {
					t.Fatalf("event = %+v", ev)
				}
				if ev.Delta.Type != DeltaTypeText || ev.Delta.Text != "Hel" {
					t.Errorf("delta = %+v, want text_delta Hel", ev.Delta)
				}
			},
		},
		{
			name: "thinking delta",
			line: `{"type":"stream_event","event":{"type":"content_block_delta","index":1,"delta":{"type":"thinking_delta","thinking":"hmm"}}}`,
			want: func(t *testing.T, ev *StreamEvent) {
				if ev.Delta.Type != DeltaTypeThinking || ev.Delta.Thinking != "hmm" {
					t.Errorf("delta = %+v, want thinking_delta hmm", ev.Delta)
				}
			},
		},
		{
			name: "tool_use block start",
			line: `{"type":"stream_event","event":{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_9","name":"Read","input":{}}}}`,
			want: func(t *testing.T, ev *StreamEvent) {
				if ev.Type != EventContentBlockStart || ev.ContentBlock == nil {
					t.Fatalf("event = %+v", ev)
				}
				if ev.ContentBlock.ID != "toolu_9" || ev.ContentBlock.Name != "Read" {
					t.Errorf("content_block = %+v", ev.ContentBlock)
				}
			},
		},
		{
			name: "input json delta",
			line: `{"type":"stream_event","event":{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"file"}}}`,
			want: func(t *testing.T, ev *StreamEvent) {
				if ev.Delta.Type != DeltaTypeInputJSON || ev.Delta.PartialJSON == "" {
					t.Errorf("delta = %+v, want input_json_delta", ev.Delta)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg Message
			if err := json.Unmarshal([]byte(tt.line), &msg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if msg.Type != MessageTypeStreamEvent || msg.Event == nil {
				t.Fatalf("msg = %+v, want stream_event with event", msg)
			}
			tt.want(t, msg.Event)
		})
	}
}

func TestParseResultMessage(t *testing.T) {
	line := `{"type":"result","subtype":"success","session_id":"s1","is_error":false,"num_turns":3,"duration_ms":5120,"duration_api_ms":4100,"total_cost_usd":0.0421,"result":"All done.","usage":{"input_tokens":100,"output_tokens":50},"modelUsage":{"claude-opus":{"inputTokens":100,"outputTokens":50,"costUSD":0.0421,"contextWindow":200000}},"permission_denials":[{"tool_name":"Bash","tool_use_id":"toolu_3"}]}`

	var msg Message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if msg.Subtype != ResultSubtypeSuccess {
		t.Errorf("Subtype = %q, want success", msg.Subtype)
	}
	if msg.NumTurns != 3 || msg.TotalCostUSD != 0.0421 {
		t.Errorf("NumTurns = %d TotalCostUSD = %v", msg.NumTurns, msg.TotalCostUSD)
	}
	if got := msg.ResultString(); got != "All done." {
		t.Errorf("ResultString() = %q, want %q", got, "All done.")
	}
	mu, ok := msg.ModelUsage["claude-opus"]
	if !ok {
		t.Fatal("modelUsage missing claude-opus")
	}
	if mu.ContextWindow == nil || *mu.ContextWindow != 200000 {
		t.Errorf("ContextWindow = %v, want 200000", mu.ContextWindow)
	}
	if len(msg.PermissionDenials) != 1 || msg.PermissionDenials[0].ToolName != "Bash" {
		t.Errorf("PermissionDenials = %+v", msg.PermissionDenials)
	}
}

func TestParseTaskNotification(t *testing.T) {
	line := `{"type":"system","subtype":"task_notification","session_id":"s1","task_id":"task_abc","status":"completed","summary":"Refactor finished","output_file":"/tmp/task.out"}`

	var msg Message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if msg.Subtype != SubtypeTaskNotification {
		t.Errorf("Subtype = %q, want task_notification", msg.Subtype)
	}
	if msg.TaskID != "task_abc" || msg.Status != TaskStatusCompleted {
		t.Errorf("TaskID = %q Status = %q", msg.TaskID, msg.Status)
	}
	if msg.OutputFile != "/tmp/task.out" {
		t.Errorf("OutputFile = %q", msg.OutputFile)
	}
}

func TestParseControlRequestCanUseTool(t *testing.T) {
	line := `{"type":"control_request","request_id":"r1","request":{"subtype":"can_use_tool","tool_name":"Write","input":{"file_path":"/tmp/a"},"tool_use_id":"toolu_5","permission_suggestions":[{"type":"addRules","rules":[{"toolName":"Write"}],"behavior":"allow","destination":"session"}]}}`

	var msg Message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	req := msg.Request
	if req == nil {
		t.Fatal("Request is nil")
	}
	if req.ToolName != "Write" || req.ToolUseID != "toolu_5" {
		t.Errorf("request = %+v", req)
	}
	if len(req.PermissionSuggestions) != 1 {
		t.Fatalf("suggestions = %+v, want 1", req.PermissionSuggestions)
	}
	sug := req.PermissionSuggestions[0]
	if sug.Type != "addRules" || sug.Behavior != BehaviorAllow {
		t.Errorf("suggestion = %+v", sug)
	}
	if len(sug.Rules) != 1 || sug.Rules[0].ToolName != "Write" {
		t.Errorf("rules = %+v", sug.Rules)
	}
}

func TestUserMessageMarshal(t *testing.T) {
	msg := UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role: "user",
			Content: []any{
				TextInput{Type: "text", Text: "look at this"},
				ImageInput{Type: "image", Source: ImageSource{Type: "base64", MediaType: "image/png", Data: "aGk="}},
			},
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var round map[string]any
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	// parent_tool_use_id is serialized explicitly, null when unset.
	if _, ok := round["parent_tool_use_id"]; !ok {
		t.Error("parent_tool_use_id missing from serialized user message")
	}
	inner := round["message"].(map[string]any)
	content := inner["content"].([]any)
	if len(content) != 2 {
		t.Fatalf("content length = %d, want 2", len(content))
	}
	img := content[1].(map[string]any)
	src := img["source"].(map[string]any)
	if src["media_type"] != "image/png" {
		t.Errorf("media_type = %v, want image/png", src["media_type"])
	}
}
