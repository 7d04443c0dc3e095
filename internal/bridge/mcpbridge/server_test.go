package mcpbridge

import (
	"context"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdlbs/agentbridge/internal/common/logger"
)

type fakeFS struct {
	files  map[string]string
	line   *int
	limit  *int
	writes map[string]string
}

func (f *fakeFS) ReadTextFile(ctx context.Context, path string, line, limit *int) (string, error) {
	f.line, f.limit = line, limit
	content, ok := f.files[path]
	if !ok {
		return "", assert.AnError
	}
	return content, nil
}

func (f *fakeFS) WriteTextFile(ctx context.Context, path, content string) error {
	if f.writes == nil {
		f.writes = make(map[string]string)
	}
	f.writes[path] = content
	return nil
}

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	return log
}

func callReq(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func TestServer_ReadHandler(t *testing.T) {
	fs := &fakeFS{files: map[string]string{"/a.txt": "hello"}}
	s := New(fs, Options{ReadFile: true}, newTestLogger())

	res, err := s.readHandler(context.Background(), callReq(ToolReadFile, map[string]any{
		"path": "/a.txt",
		"line": float64(3),
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.NotNil(t, fs.line)
	assert.Equal(t, 3, *fs.line)
	assert.Nil(t, fs.limit)

	res, err = s.readHandler(context.Background(), callReq(ToolReadFile, map[string]any{
		"path": "/missing.txt",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestServer_WriteHandler(t *testing.T) {
	fs := &fakeFS{}
	s := New(fs, Options{WriteFile: true}, newTestLogger())

	res, err := s.writeHandler(context.Background(), callReq(ToolWriteFile, map[string]any{
		"path":    "/b.txt",
		"content": "data",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, "data", fs.writes["/b.txt"])

	res, err = s.writeHandler(context.Background(), callReq(ToolWriteFile, map[string]any{
		"path": "/b.txt",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestServer_StartClose(t *testing.T) {
	s := New(&fakeFS{}, Options{ReadFile: true, WriteFile: true}, newTestLogger())
	url, err := s.Start()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "http://127.0.0.1:"))
	assert.True(t, strings.HasSuffix(url, "/sse"))
	require.NoError(t, s.Close(context.Background()))
	// Idempotent.
	require.NoError(t, s.Close(context.Background()))
}

func TestOptions_Enabled(t *testing.T) {
	assert.False(t, Options{}.Enabled())
	assert.True(t, Options{ReadFile: true}.Enabled())
}
