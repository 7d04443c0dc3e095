// Package orchestrator is the ACP-facing façade: it implements the
// agent side of the ACP connection and manages the fleet of agent
// subprocess sessions behind it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kdlbs/agentbridge/internal/bridge/sessions"
	"github.com/kdlbs/agentbridge/internal/bridge/settings"
	"github.com/kdlbs/agentbridge/internal/common/config"
	"github.com/kdlbs/agentbridge/internal/common/logger"
	"github.com/kdlbs/agentbridge/pkg/streamjson"
)

// Version reported in the initialize handshake.
const Version = "0.1.0"

// ErrSessionNotFound is returned for operations naming an unknown session.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionDead is returned when the session's subprocess has exited.
var ErrSessionDead = errors.New("session subprocess has exited")

func authRequiredError() error {
	return acp.NewAuthRequired(nil)
}

// Conn is the subset of the ACP connection the orchestrator calls back
// into. Satisfied by *acp.AgentSideConnection.
type Conn interface {
	SessionUpdate(ctx context.Context, n acp.SessionNotification) error
	RequestPermission(ctx context.Context, req acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error)
	ReadTextFile(ctx context.Context, req acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error)
	WriteTextFile(ctx context.Context, req acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error)
}

// TitleGenerator produces short titles from prompt text; backed by the
// worker pool.
type TitleGenerator interface {
	Query(ctx context.Context, prompt string) (string, error)
}

// Orchestrator implements the ACP agent interface over a fleet of
// agent subprocesses.
type Orchestrator struct {
	logger   *logger.Logger
	cfg      *config.Config
	settings *settings.Registry
	index    *sessions.Index
	titles   TitleGenerator

	conn   Conn
	connMu sync.RWMutex

	clientCaps   acp.ClientCapabilities
	terminalAuth bool

	mu   sync.RWMutex
	live map[acp.SessionId]*Session

	// One leader scan per orchestrator lifetime, shared across sessions
	// in the same working directory.
	leaderScan  singleflight.Group
	leaderMu    sync.Mutex
	leaderCache map[string]map[string]string // workdir -> team name -> leader session id
}

// New creates an orchestrator. index may be nil (no disk persistence);
// titles may be nil (auto-rename degrades to a truncated prompt).
func New(cfg *config.Config, index *sessions.Index, titles TitleGenerator, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		logger:      log.WithComponent("orchestrator"),
		cfg:         cfg,
		settings:    settings.NewRegistry(log),
		index:       index,
		titles:      titles,
		live:        make(map[acp.SessionId]*Session),
		leaderCache: make(map[string]map[string]string),
	}
}

// SetConn installs the ACP connection once it exists; the connection
// needs the agent first, so wiring happens in two steps.
func (o *Orchestrator) SetConn(conn Conn) {
	o.connMu.Lock()
	o.conn = conn
	o.connMu.Unlock()
}

func (o *Orchestrator) acpConn() Conn {
	o.connMu.RLock()
	defer o.connMu.RUnlock()
	return o.conn
}

// Initialize stores client capabilities and reports ours. Idempotent
// and side-effect free beyond capability storage.
func (o *Orchestrator) Initialize(ctx context.Context, req acp.InitializeRequest) (acp.InitializeResponse, error) {
	o.clientCaps = req.ClientCapabilities
	o.terminalAuth = metaFlag(req.Meta, "terminal-auth")

	if req.ClientInfo != nil {
		o.logger.Info("client connected",
			zap.String("name", req.ClientInfo.Name),
			zap.String("version", req.ClientInfo.Version))
	}

	return acp.InitializeResponse{
		ProtocolVersion: acp.ProtocolVersionNumber,
		AgentInfo:       &acp.Implementation{Name: "agentbridge", Version: Version},
		AgentCapabilities: acp.AgentCapabilities{
			LoadSession: true,
			PromptCapabilities: acp.PromptCapabilities{
				Image:           true,
				EmbeddedContext: true,
			},
			McpCapabilities: acp.McpCapabilities{
				Http: true,
				Sse:  true,
			},
		},
		AuthMethods: []acp.AuthMethod{o.authMethod()},
	}, nil
}

// authMethod describes the terminal login flow. When the client
// advertises terminal-auth support, the method carries the exec spec
// for launching the agent's interactive login.
func (o *Orchestrator) authMethod() acp.AuthMethod {
	desc := "Run the agent's /login flow in a terminal"
	method := acp.AuthMethod{
		Id:          "terminal-login",
		Name:        "Log in with the agent CLI",
		Description: &desc,
	}
	if o.terminalAuth {
		opts := o.agentOptions()
		bin, args := opts.Executable()
		method.Meta = map[string]any{
			"terminal-auth": map[string]any{
				"command": bin,
				"args":    append(args, "/login"),
				"label":   "Log in",
			},
		}
	}
	return method
}

// Authenticate never succeeds; login happens out of band in a terminal.
func (o *Orchestrator) Authenticate(ctx context.Context, req acp.AuthenticateRequest) (acp.AuthenticateResponse, error) {
	return acp.AuthenticateResponse{}, authRequiredError()
}

// Cancel sets the session's cancelled flag and interrupts the child.
// The running prompt loop observes the flag at its next classification
// boundary.
func (o *Orchestrator) Cancel(ctx context.Context, n acp.CancelNotification) error {
	s, err := o.session(n.SessionId)
	if err != nil {
		return err
	}
	s.cancelled.Store(true)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.client.Interrupt(ctx); err != nil {
			s.logger.Warn("interrupt request failed", zap.Error(err))
		}
	}()
	return nil
}

// SetSessionMode switches the session's permission mode. The mode
// switch is always honoured; root restrictions apply only to the
// child's spawn options.
func (o *Orchestrator) SetSessionMode(ctx context.Context, req acp.SetSessionModeRequest) (acp.SetSessionModeResponse, error) {
	s, err := o.session(req.SessionId)
	if err != nil {
		return acp.SetSessionModeResponse{}, err
	}
	if !validMode(string(req.ModeId)) {
		return acp.SetSessionModeResponse{}, fmt.Errorf("unknown permission mode %q", req.ModeId)
	}
	if err := s.setMode(ctx, string(req.ModeId), false); err != nil {
		return acp.SetSessionModeResponse{}, err
	}
	return acp.SetSessionModeResponse{}, nil
}

// SetSessionConfigOption is part of the ACP agent surface but the
// bridge exposes no config options, so the method is rejected outright.
func (o *Orchestrator) SetSessionConfigOption(ctx context.Context, req acp.SetSessionConfigOptionRequest) (acp.SetSessionConfigOptionResponse, error) {
	return acp.SetSessionConfigOptionResponse{}, acp.NewMethodNotFound("session/set_config_option")
}

func (o *Orchestrator) session(id acp.SessionId) (*Session, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.live[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

func (o *Orchestrator) register(s *Session) {
	o.mu.Lock()
	o.live[s.id] = s
	o.mu.Unlock()
}

func (o *Orchestrator) evict(id acp.SessionId) {
	o.mu.Lock()
	delete(o.live, id)
	o.mu.Unlock()
}

// Close shuts down every live session; called when the upstream
// transport closes.
func (o *Orchestrator) Close(ctx context.Context) {
	o.mu.Lock()
	live := make([]*Session, 0, len(o.live))
	for _, s := range o.live {
		live = append(live, s)
	}
	o.live = make(map[acp.SessionId]*Session)
	o.mu.Unlock()

	for _, s := range live {
		s.close(ctx)
	}
}

// toolLists derives the child's allow/disallow tool lists from the
// client capabilities: file and terminal concerns the client can serve
// itself are taken away from the child.
func (o *Orchestrator) toolLists() (allowed, disallowed []string) {
	if o.clientCaps.Fs.ReadTextFile {
		disallowed = append(disallowed, streamjson.ToolRead)
	}
	if o.clientCaps.Fs.WriteTextFile {
		disallowed = append(disallowed,
			streamjson.ToolWrite, streamjson.ToolEdit,
			streamjson.ToolMultiEdit, streamjson.ToolNotebookEdit)
	}
	if o.clientCaps.Terminal {
		allowed = append(allowed, streamjson.ToolBashOutput, streamjson.ToolKillShell)
		disallowed = append(disallowed, streamjson.ToolBash)
	}
	return allowed, disallowed
}

func metaFlag(meta map[string]any, key string) bool {
	if meta == nil {
		return false
	}
	b, _ := meta[key].(bool)
	return b
}
