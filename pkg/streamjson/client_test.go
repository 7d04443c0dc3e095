package streamjson

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kdlbs/agentbridge/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	return log
}

// syncBuffer is a goroutine-safe WriteCloser over a bytes.Buffer, standing
// in for the child's stdin pipe.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Close() error { return nil }

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

// startAndFlush starts the client, pushes via fn, then drains the write
// queue so the buffer can be inspected.
func startAndFlush(t *testing.T, client *Client, fn func() error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	<-client.Start(ctx)
	if err := fn(); err != nil {
		t.Fatalf("push error = %v", err)
	}
	client.CloseInput()
}

func TestClient_SendUserMessage(t *testing.T) {
	buf := &syncBuffer{}
	client := NewClient(buf, strings.NewReader(""), newTestLogger())

	startAndFlush(t, client, func() error {
		return client.SendUserMessage("sess123", "Hello!")
	})

	var msg UserMessage
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &msg); err != nil {
		t.Fatalf("failed to parse sent message: %v", err)
	}

	if msg.Type != MessageTypeUser {
		t.Errorf("Type = %q, want %q", msg.Type, MessageTypeUser)
	}
	if msg.Message.Role != "user" {
		t.Errorf("Message.Role = %q, want %q", msg.Message.Role, "user")
	}
	if msg.Message.Content != "Hello!" {
		t.Errorf("Message.Content = %v, want %q", msg.Message.Content, "Hello!")
	}
	if msg.SessionID != "sess123" {
		t.Errorf("SessionID = %q, want %q", msg.SessionID, "sess123")
	}
}

func TestClient_SendControlResponse(t *testing.T) {
	buf := &syncBuffer{}
	client := NewClient(buf, strings.NewReader(""), newTestLogger())

	startAndFlush(t, client, func() error {
		return client.SendControlResponse("req123", &PermissionResult{Behavior: BehaviorAllow})
	})

	var parsed ControlResponseMessage
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &parsed); err != nil {
		t.Fatalf("failed to parse sent message: %v", err)
	}

	if parsed.Response == nil {
		t.Fatal("Response is nil")
	}
	if parsed.Response.RequestID != "req123" {
		t.Errorf("RequestID = %q, want %q", parsed.Response.RequestID, "req123")
	}
	if parsed.Response.Subtype != "success" {
		t.Errorf("Subtype = %q, want %q", parsed.Response.Subtype, "success")
	}

	var result PermissionResult
	if err := json.Unmarshal(parsed.Response.Response, &result); err != nil {
		t.Fatalf("failed to parse result payload: %v", err)
	}
	if result.Behavior != BehaviorAllow {
		t.Errorf("Behavior = %q, want %q", result.Behavior, BehaviorAllow)
	}
}

func TestClient_PushAfterClose(t *testing.T) {
	buf := &syncBuffer{}
	client := NewClient(buf, strings.NewReader(""), newTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	<-client.Start(ctx)
	client.CloseInput()

	if err := client.SendUserMessage("s", "late"); err != ErrInputClosed {
		t.Errorf("Push after CloseInput = %v, want ErrInputClosed", err)
	}
}

func TestClient_HandleMessages(t *testing.T) {
	messages := []string{
		`{"type":"system","subtype":"init","session_id":"sess123"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Hello"}]}}`,
	}
	input := strings.Join(messages, "\n") + "\n"

	client := NewClient(&syncBuffer{}, strings.NewReader(input), newTestLogger())

	received := make(chan *Message, 4)
	client.SetMessageHandler(func(msg *Message) {
		received <- msg
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	<-client.Start(ctx)

	first := waitMessage(t, received)
	if first.Type != MessageTypeSystem || first.Subtype != SubtypeInit {
		t.Errorf("first message = %s/%s, want system/init", first.Type, first.Subtype)
	}
	second := waitMessage(t, received)
	if second.Type != MessageTypeAssistant {
		t.Errorf("second message type = %q, want assistant", second.Type)
	}
	blocks := second.Message.ContentBlocks()
	if len(blocks) != 1 || blocks[0].Text != "Hello" {
		t.Errorf("content blocks = %+v, want one text block %q", blocks, "Hello")
	}
	if len(second.Raw) == 0 {
		t.Error("Raw not preserved on forwarded message")
	}
}

func waitMessage(t *testing.T, ch <-chan *Message) *Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestClient_HandleControlRequest(t *testing.T) {
	input := `{"type":"control_request","request_id":"req123","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"}}}` + "\n"

	client := NewClient(&syncBuffer{}, strings.NewReader(input), newTestLogger())

	type incoming struct {
		id  string
		req *ControlRequest
	}
	got := make(chan incoming, 1)
	client.SetRequestHandler(func(requestID string, req *ControlRequest) {
		got <- incoming{requestID, req}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	<-client.Start(ctx)

	select {
	case in := <-got:
		if in.id != "req123" {
			t.Errorf("requestID = %q, want %q", in.id, "req123")
		}
		if in.req.Subtype != SubtypeCanUseTool {
			t.Errorf("Subtype = %q, want %q", in.req.Subtype, SubtypeCanUseTool)
		}
		if in.req.ToolName != "Bash" {
			t.Errorf("ToolName = %q, want %q", in.req.ToolName, "Bash")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for control request")
	}
}

func TestClient_NoHandlerAutoReject(t *testing.T) {
	input := `{"type":"control_request","request_id":"req123","request":{"subtype":"can_use_tool","tool_name":"Bash"}}` + "\n"

	buf := &syncBuffer{}
	client := NewClient(buf, strings.NewReader(input), newTestLogger())

	// No request handler set, the client must answer with an error itself.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	<-client.Start(ctx)

	deadline := time.Now().Add(time.Second)
	for len(buf.Bytes()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	var resp ControlResponseMessage
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Response == nil || resp.Response.Subtype != "error" {
		t.Error("expected error response")
	}
	if resp.Response != nil && resp.Response.RequestID != "req123" {
		t.Errorf("RequestID = %q, want %q", resp.Response.RequestID, "req123")
	}
}

func TestClient_ControlRequestRoundTrip(t *testing.T) {
	// Wire both directions through pipes and answer the interrupt request
	// with a matching control_response.
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	client := NewClient(stdinW, stdoutR, newTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	<-client.Start(ctx)

	go func() {
		dec := json.NewDecoder(stdinR)
		var msg ControlRequestMessage
		if err := dec.Decode(&msg); err != nil {
			return
		}
		resp := map[string]any{
			"type": "control_response",
			"response": map[string]any{
				"subtype":    "success",
				"request_id": msg.RequestID,
			},
		}
		data, _ := json.Marshal(resp)
		stdoutW.Write(append(data, '\n'))
	}()

	if err := client.Interrupt(ctx); err != nil {
		t.Fatalf("Interrupt() error = %v", err)
	}
}

func TestClient_UnknownResponseID(t *testing.T) {
	// A response nobody asked for is dropped without disturbing the stream.
	messages := []string{
		`{"type":"control_response","response":{"subtype":"success","request_id":"ghost"}}`,
		`{"type":"system","subtype":"status","session_id":"abc"}`,
	}
	input := strings.Join(messages, "\n") + "\n"

	client := NewClient(&syncBuffer{}, strings.NewReader(input), newTestLogger())

	received := make(chan *Message, 1)
	client.SetMessageHandler(func(msg *Message) {
		received <- msg
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	<-client.Start(ctx)

	msg := waitMessage(t, received)
	if msg.Type != MessageTypeSystem {
		t.Errorf("message type = %q, want system", msg.Type)
	}
}

func TestClient_StreamEndFailsPending(t *testing.T) {
	stdoutR, stdoutW := io.Pipe()
	client := NewClient(&syncBuffer{}, stdoutR, newTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	<-client.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Interrupt(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	stdoutW.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("Interrupt() = nil, want error after stream end")
		}
	case <-time.After(time.Second):
		t.Fatal("pending request not released on stream end")
	}
}

func TestClient_DoneSignalsStreamEnd(t *testing.T) {
	stdoutR, stdoutW := io.Pipe()
	client := NewClient(&syncBuffer{}, stdoutR, newTestLogger())

	received := make(chan *Message, 8)
	client.SetMessageHandler(func(msg *Message) {
		received <- msg
	})

	<-client.Start(context.Background())

	// The loop being ready must not read as the stream being over.
	select {
	case <-client.Done():
		t.Fatal("Done() closed while the stream is still open")
	case <-time.After(20 * time.Millisecond):
	}

	lines := []string{
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}`,
		`{"type":"result","subtype":"success","result":"hi"}`,
	}
	go func() {
		for _, line := range lines {
			stdoutW.Write([]byte(line + "\n"))
		}
		stdoutW.Close()
	}()

	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() not closed after stream EOF")
	}

	// Everything on the stream was handed to the handler before Done
	// closed; a terminal result is never lost to the exit signal.
	if got := len(received); got != len(lines) {
		t.Errorf("messages handed over = %d, want %d", got, len(lines))
	}
}

func TestClient_ControlCancel(t *testing.T) {
	input := `{"type":"control_cancel_request","request_id":"req77"}` + "\n"

	client := NewClient(&syncBuffer{}, strings.NewReader(input), newTestLogger())

	got := make(chan string, 1)
	client.SetCancelHandler(func(requestID string) {
		got <- requestID
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	<-client.Start(ctx)

	select {
	case id := <-got:
		if id != "req77" {
			t.Errorf("cancelled request id = %q, want %q", id, "req77")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancel")
	}
}

func TestClient_EmptyLines(t *testing.T) {
	input := "\n\n{\"type\":\"system\",\"session_id\":\"abc\"}\n\n"

	client := NewClient(&syncBuffer{}, strings.NewReader(input), newTestLogger())

	var count int
	var mu sync.Mutex
	client.SetMessageHandler(func(msg *Message) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	<-client.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestClient_InvalidJSON(t *testing.T) {
	input := "{invalid json}\n{\"type\":\"system\"}\n"

	client := NewClient(&syncBuffer{}, strings.NewReader(input), newTestLogger())

	var count int
	var mu sync.Mutex
	client.SetMessageHandler(func(msg *Message) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	<-client.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// The valid message after the garbage line still arrives.
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestClient_Stop(t *testing.T) {
	pr, _ := io.Pipe()
	client := NewClient(&syncBuffer{}, pr, newTestLogger())

	ctx := context.Background()
	<-client.Start(ctx)

	// Stop is idempotent.
	client.Stop()
	client.Stop()
}
