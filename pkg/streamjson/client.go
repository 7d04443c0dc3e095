package streamjson

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/kdlbs/agentbridge/internal/common/logger"
	"go.uber.org/zap"
)

// ErrInputClosed is returned by Push after CloseInput or a fatal write error.
var ErrInputClosed = errors.New("streamjson: input closed")

// RequestHandler handles incoming control requests from the agent
// (can_use_tool, hook_callback). It must answer via SendControlResponse
// or SendControlError.
type RequestHandler func(requestID string, req *ControlRequest)

// MessageHandler handles non-control messages from the agent.
type MessageHandler func(msg *Message)

// CancelHandler is invoked when the agent cancels an in-flight control request.
type CancelHandler func(requestID string)

// pendingRequest tracks a control request waiting for a response.
type pendingRequest struct {
	ch chan *ControlResponseBody
}

// Client speaks the stream-json protocol over an agent's stdin/stdout.
// Outbound writes are serialized through a queue goroutine so callers
// never block on the child's stdin pipe.
type Client struct {
	stdin  io.WriteCloser
	stdout io.Reader
	logger *logger.Logger

	requestHandler RequestHandler
	messageHandler MessageHandler
	cancelHandler  CancelHandler

	// Control requests we sent, waiting for responses.
	pending   map[string]*pendingRequest
	pendingMu sync.Mutex

	writeQ    chan []byte
	writeDone chan struct{}

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	readerDone chan struct{}
}

// NewClient creates a client over the given child pipes.
func NewClient(stdin io.WriteCloser, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:      stdin,
		stdout:     stdout,
		logger:     log.WithComponent("streamjson-client"),
		pending:    make(map[string]*pendingRequest),
		writeQ:     make(chan []byte, 64),
		writeDone:  make(chan struct{}),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
}

// SetRequestHandler sets the handler for incoming control requests.
func (c *Client) SetRequestHandler(handler RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestHandler = handler
}

// SetMessageHandler sets the handler for non-control messages.
func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandler = handler
}

// SetCancelHandler sets the handler for control_cancel_request messages.
func (c *Client) SetCancelHandler(handler CancelHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelHandler = handler
}

// Start launches the read and write loops.
// Returns a channel that is closed when the read loop is ready.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	ready := make(chan struct{})
	go c.writeLoop()
	go c.readLoop(ctx, ready)
	return ready
}

// Done is closed when the read loop has finished: the agent's stdout
// reached EOF (or a read error) and every line already on the stream
// has been handed to the handlers. It is the only reliable signal that
// the agent stopped talking; the channel returned by Start closes as
// soon as the loop begins.
func (c *Client) Done() <-chan struct{} { return c.readerDone }

// shutdown marks the client closed. Returns false if it already was.
func (c *Client) shutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.done)
	return true
}

// Stop stops the client. Pending control requests are failed.
func (c *Client) Stop() {
	if c.shutdown() {
		c.failPending(errors.New("client stopped"))
	}
}

// CloseInput ends the outbound stream: already-queued messages are
// flushed, then the child's stdin is closed. Push fails after this point.
func (c *Client) CloseInput() {
	c.shutdown()
	<-c.writeDone
}

// Push marshals msg and enqueues it for the write loop. It never blocks
// on the child's stdin; backpressure is absorbed by the queue.
func (c *Client) Push(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	select {
	case <-c.done:
		return ErrInputClosed
	default:
	}
	select {
	case c.writeQ <- data:
		return nil
	case <-c.done:
		return ErrInputClosed
	}
}

func (c *Client) writeLoop() {
	defer close(c.writeDone)
	defer c.stdin.Close()
	for {
		select {
		case data := <-c.writeQ:
			if !c.writeOne(data) {
				return
			}
		case <-c.done:
			// Flush whatever was queued before the close.
			for {
				select {
				case data := <-c.writeQ:
					if !c.writeOne(data) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// writeOne writes a single framed line. A write failure marks the
// client dead so later pushes fail fast.
func (c *Client) writeOne(data []byte) bool {
	if _, err := c.stdin.Write(data); err != nil {
		c.logger.Warn("write to agent stdin failed", zap.Error(err))
		c.shutdown()
		return false
	}
	c.logger.Debug("streamjson: sent message", zap.String("data", string(data)))
	return true
}

// SendUserMessage pushes a user message (prompt content) onto the agent's
// stdin. Content is a plain string or a slice of input blocks.
func (c *Client) SendUserMessage(sessionID string, content any) error {
	msg := &UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: content,
		},
		SessionID: sessionID,
	}
	return c.Push(msg)
}

// SendControlResponse answers a control request from the agent with a
// success payload.
func (c *Client) SendControlResponse(requestID string, result any) error {
	var raw json.RawMessage
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal control response: %w", err)
		}
		raw = data
	}
	return c.Push(&ControlResponseMessage{
		Type: MessageTypeControlResponse,
		Response: &ControlResponseBody{
			Subtype:   "success",
			RequestID: requestID,
			Response:  raw,
		},
	})
}

// SendControlError answers a control request from the agent with an error.
func (c *Client) SendControlError(requestID string, message string) error {
	return c.Push(&ControlResponseMessage{
		Type: MessageTypeControlResponse,
		Response: &ControlResponseBody{
			Subtype:   "error",
			RequestID: requestID,
			Error:     message,
		},
	})
}

// request sends a control request and waits for the matching response.
// The context is the only escape; callers impose deadlines.
func (c *Client) request(ctx context.Context, body *ControlRequest) (json.RawMessage, error) {
	requestID := uuid.New().String()

	pend := &pendingRequest{ch: make(chan *ControlResponseBody, 1)}
	c.pendingMu.Lock()
	c.pending[requestID] = pend
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
	}()

	msg := &ControlRequestMessage{
		Type:      MessageTypeControlRequest,
		RequestID: requestID,
		Request:   body,
	}
	c.logger.Debug("sending control request",
		zap.String("request_id", requestID),
		zap.String("subtype", body.Subtype))

	if err := c.Push(msg); err != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", body.Subtype, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("%s request aborted: %w", body.Subtype, ErrInputClosed)
	case resp := <-pend.ch:
		if resp.Subtype == "error" {
			return nil, fmt.Errorf("%s failed: %s", body.Subtype, resp.Error)
		}
		return resp.Response, nil
	}
}

// Initialize performs the initialize handshake, registering hook callbacks
// and retrieving the agent's commands, models and output style.
func (c *Client) Initialize(ctx context.Context, hooks map[string]any) (*InitializeResult, error) {
	raw, err := c.request(ctx, &ControlRequest{Subtype: SubtypeInitialize, Hooks: hooks})
	if err != nil {
		return nil, err
	}
	var result InitializeResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("failed to parse initialize response: %w", err)
		}
	}
	c.logger.Info("initialize response received",
		zap.Int("commands", len(result.Commands)),
		zap.Int("models", len(result.Models)))
	return &result, nil
}

// Interrupt asks the agent to stop the current turn.
func (c *Client) Interrupt(ctx context.Context) error {
	_, err := c.request(ctx, &ControlRequest{Subtype: SubtypeInterrupt})
	return err
}

// SetPermissionMode switches the agent's permission mode.
func (c *Client) SetPermissionMode(ctx context.Context, mode string) error {
	_, err := c.request(ctx, &ControlRequest{Subtype: SubtypeSetPermissionMode, Mode: mode})
	return err
}

// SetModel switches the agent's active model.
func (c *Client) SetModel(ctx context.Context, model string) error {
	_, err := c.request(ctx, &ControlRequest{Subtype: SubtypeSetModel, Model: model})
	return err
}

// SetMaxThinkingTokens sets the agent's extended-thinking budget.
func (c *Client) SetMaxThinkingTokens(ctx context.Context, tokens int) error {
	_, err := c.request(ctx, &ControlRequest{Subtype: SubtypeSetMaxThinkingTokens, MaxThinkingTokens: tokens})
	return err
}

// McpReconnect reconnects a named MCP server.
func (c *Client) McpReconnect(ctx context.Context, serverName string) error {
	_, err := c.request(ctx, &ControlRequest{Subtype: SubtypeMcpReconnect, ServerName: serverName})
	return err
}

// McpToggle enables or disables a named MCP server.
func (c *Client) McpToggle(ctx context.Context, serverName string, enabled bool) error {
	_, err := c.request(ctx, &ControlRequest{Subtype: SubtypeMcpToggle, ServerName: serverName, Enabled: &enabled})
	return err
}

// SetMcpServers replaces the agent's MCP server set.
func (c *Client) SetMcpServers(ctx context.Context, servers map[string]any) (json.RawMessage, error) {
	return c.request(ctx, &ControlRequest{Subtype: SubtypeSetMcpServers, McpServers: servers})
}

// SupportedModels lists the models the agent can switch to.
func (c *Client) SupportedModels(ctx context.Context) ([]ModelInfo, error) {
	raw, err := c.request(ctx, &ControlRequest{Subtype: SubtypeSupportedModels})
	if err != nil {
		return nil, err
	}
	var result struct {
		Models []ModelInfo `json:"models"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse supported_models response: %w", err)
	}
	return result.Models, nil
}

// SupportedCommands lists the agent's slash commands.
func (c *Client) SupportedCommands(ctx context.Context) ([]CommandInfo, error) {
	raw, err := c.request(ctx, &ControlRequest{Subtype: SubtypeSupportedCommands})
	if err != nil {
		return nil, err
	}
	var result struct {
		Commands []CommandInfo `json:"commands"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse supported_commands response: %w", err)
	}
	return result.Commands, nil
}

// RewindFiles restores files to their state at the given user message.
func (c *Client) RewindFiles(ctx context.Context, userMessageID string) error {
	_, err := c.request(ctx, &ControlRequest{Subtype: SubtypeRewindFiles, UserMessageID: userMessageID})
	return err
}

// AccountInfo fetches the agent's account/subscription info.
func (c *Client) AccountInfo(ctx context.Context) (json.RawMessage, error) {
	return c.request(ctx, &ControlRequest{Subtype: SubtypeAccountInfo})
}

func (c *Client) readLoop(ctx context.Context, ready chan<- struct{}) {
	defer close(c.readerDone)

	scanner := bufio.NewScanner(c.stdout)
	// Allow for large JSON messages (up to 10MB)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	c.logger.Debug("streamjson: read loop starting")
	close(ready)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
		c.failPending(err)
		return
	}
	c.failPending(io.EOF)
}

// failPending answers every in-flight control request with an error so
// waiters are released when the stream ends.
func (c *Client) failPending(cause error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, pend := range c.pending {
		select {
		case pend.ch <- &ControlResponseBody{
			Subtype:   "error",
			RequestID: id,
			Error:     fmt.Sprintf("stream closed: %v", cause),
		}:
		default:
		}
		delete(c.pending, id)
	}
}

func (c *Client) handleLine(line []byte) {
	c.logger.Debug("streamjson: received raw line", zap.String("line", string(line)))

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("failed to parse message", zap.Error(err), zap.String("line", string(line)))
		return
	}

	switch {
	case msg.Type == MessageTypeControlRequest && msg.Request != nil:
		c.handleControlRequest(msg.RequestID, msg.Request)
	case msg.Type == MessageTypeControlResponse && msg.Response != nil:
		// request_id lives inside the response object, not at the message level
		c.handleControlResponse(msg.Response)
	case msg.Type == MessageTypeControlCancel:
		c.handleControlCancel(msg.RequestID)
	default:
		c.mu.RLock()
		handler := c.messageHandler
		c.mu.RUnlock()
		if handler != nil {
			msg.Raw = append([]byte(nil), line...)
			handler(&msg)
		}
	}
}

func (c *Client) handleControlRequest(requestID string, req *ControlRequest) {
	c.mu.RLock()
	handler := c.requestHandler
	c.mu.RUnlock()

	if handler == nil {
		c.logger.Warn("received control request but no handler registered",
			zap.String("request_id", requestID),
			zap.String("subtype", req.Subtype))
		if err := c.SendControlError(requestID, "no handler registered"); err != nil {
			c.logger.Warn("failed to send error response", zap.Error(err))
		}
		return
	}
	handler(requestID, req)
}

func (c *Client) handleControlResponse(resp *ControlResponseBody) {
	requestID := resp.RequestID

	c.pendingMu.Lock()
	pend, ok := c.pending[requestID]
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Warn("received control response for unknown request",
			zap.String("request_id", requestID),
			zap.String("subtype", resp.Subtype))
		return
	}

	c.logger.Debug("received control response",
		zap.String("request_id", requestID),
		zap.String("subtype", resp.Subtype))

	select {
	case pend.ch <- resp:
	default:
		c.logger.Warn("pending request channel full", zap.String("request_id", requestID))
	}
}

func (c *Client) handleControlCancel(requestID string) {
	c.mu.RLock()
	handler := c.cancelHandler
	c.mu.RUnlock()

	if handler == nil {
		c.logger.Debug("control cancel with no handler", zap.String("request_id", requestID))
		return
	}
	handler(requestID)
}
