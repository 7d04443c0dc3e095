// Package mcpbridge exposes the ACP client's file-system capabilities
// to the agent as an in-process MCP server. When the client can read or
// write files itself, the child's native file tools are disallowed and
// replaced by these, so file access funnels through the editor (unsaved
// buffers included).
package mcpbridge

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kdlbs/agentbridge/internal/common/logger"
)

// ServerName is the MCP server name the child sees; tool references use
// the mcp__<server>__<tool> form.
const ServerName = "agentbridge-fs"

// Tool names registered on the bridge server.
const (
	ToolReadFile  = "read_text_file"
	ToolWriteFile = "write_text_file"
)

// FileSystem routes file operations to the ACP client.
type FileSystem interface {
	ReadTextFile(ctx context.Context, path string, line, limit *int) (string, error)
	WriteTextFile(ctx context.Context, path, content string) error
}

// Options selects which tools to expose, from the client capabilities.
type Options struct {
	ReadFile  bool
	WriteFile bool
}

// Enabled reports whether any tool would be registered.
func (o Options) Enabled() bool { return o.ReadFile || o.WriteFile }

// Server is the per-session MCP endpoint serving SSE on a loopback port.
type Server struct {
	logger *logger.Logger
	fs     FileSystem

	mcpServer *server.MCPServer
	sseServer *server.SSEServer

	mu         sync.Mutex
	listener   net.Listener
	httpServer *http.Server
	baseURL    string
}

// New builds the server and registers the capability-selected tools.
func New(fs FileSystem, opts Options, log *logger.Logger) *Server {
	s := &Server{
		logger: log.WithComponent("mcpbridge"),
		fs:     fs,
	}
	s.mcpServer = server.NewMCPServer(ServerName, "1.0.0",
		server.WithToolCapabilities(true),
	)

	if opts.ReadFile {
		s.mcpServer.AddTool(
			mcp.NewTool(ToolReadFile,
				mcp.WithDescription("Read a text file through the editor, including unsaved changes."),
				mcp.WithString("path", mcp.Required(), mcp.Description("Absolute path to the file")),
				mcp.WithNumber("line", mcp.Description("1-based line to start reading from")),
				mcp.WithNumber("limit", mcp.Description("Maximum number of lines to read")),
			),
			s.readHandler,
		)
	}
	if opts.WriteFile {
		s.mcpServer.AddTool(
			mcp.NewTool(ToolWriteFile,
				mcp.WithDescription("Write a text file through the editor."),
				mcp.WithString("path", mcp.Required(), mcp.Description("Absolute path to the file")),
				mcp.WithString("content", mcp.Required(), mcp.Description("Full file content")),
			),
			s.writeHandler,
		)
	}
	return s
}

// Start binds a loopback port and serves the SSE transport. Returns the
// SSE URL for the child's MCP configuration.
func (s *Server) Start() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("binding mcp bridge port: %w", err)
	}
	s.listener = listener
	s.baseURL = fmt.Sprintf("http://%s", listener.Addr())

	s.sseServer = server.NewSSEServer(s.mcpServer,
		server.WithBaseURL(s.baseURL),
	)
	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	s.httpServer = &http.Server{Handler: mux}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Warn("mcp bridge server stopped", zap.Error(err))
		}
	}()

	url := s.baseURL + "/sse"
	s.logger.Debug("mcp bridge listening", zap.String("url", url))
	return url, nil
}

// Close shuts the HTTP server down.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	s.httpServer = nil
	return err
}

func (s *Server) readHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("path is required"), nil
	}
	var line, limit *int
	args := req.GetArguments()
	if n, ok := args["line"].(float64); ok {
		v := int(n)
		line = &v
	}
	if n, ok := args["limit"].(float64); ok {
		v := int(n)
		limit = &v
	}

	content, err := s.fs.ReadTextFile(ctx, path, line, limit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(content), nil
}

func (s *Server) writeHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("path is required"), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError("content is required"), nil
	}
	if err := s.fs.WriteTextFile(ctx, path, content); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("ok"), nil
}
