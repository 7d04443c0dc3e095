package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kdlbs/agentbridge/internal/bridge/bgtask"
	"github.com/kdlbs/agentbridge/internal/bridge/mcpbridge"
	"github.com/kdlbs/agentbridge/internal/bridge/process"
	"github.com/kdlbs/agentbridge/internal/bridge/router"
	"github.com/kdlbs/agentbridge/internal/bridge/sessions"
	"github.com/kdlbs/agentbridge/internal/bridge/settings"
	"github.com/kdlbs/agentbridge/internal/bridge/translate"
	"github.com/kdlbs/agentbridge/internal/common/logger"
	"github.com/kdlbs/agentbridge/pkg/streamjson"
)

// Permission modes the bridge understands.
const (
	ModeDefault     = "default"
	ModeAcceptEdits = "acceptEdits"
	ModeBypass      = "bypassPermissions"
	ModeDontAsk     = "dontAsk"
	ModePlan        = "plan"
	ModeDelegate    = "delegate"
)

func availableModes() []acp.SessionMode {
	describe := func(s string) *string { return &s }
	return []acp.SessionMode{
		{Id: ModeDefault, Name: "Always Ask", Description: describe("Ask before each tool use")},
		{Id: ModeAcceptEdits, Name: "Accept Edits", Description: describe("File edits run without asking")},
		{Id: ModeBypass, Name: "Bypass Permissions", Description: describe("All tool uses run without asking")},
		{Id: ModeDontAsk, Name: "Don't Ask", Description: describe("Deny anything that would require asking")},
		{Id: ModePlan, Name: "Plan Mode", Description: describe("Read-only planning; no changes")},
		{Id: ModeDelegate, Name: "Delegate", Description: describe("Permission decisions delegated to teammates")},
	}
}

func validMode(mode string) bool {
	switch mode {
	case ModeDefault, ModeAcceptEdits, ModeBypass, ModeDontAsk, ModePlan, ModeDelegate:
		return true
	}
	return false
}

// Session owns one agent subprocess, its router and its translation
// state.
type Session struct {
	id      acp.SessionId
	workdir string
	logger  *logger.Logger
	orch    *Orchestrator

	transport  *process.Transport
	client     *streamjson.Client
	router     *router.Router
	translator *translate.Translator
	tasks      *bgtask.Map
	settings   *settings.Handle
	fsBridge   *mcpbridge.Server

	// notifyMu serialises SessionUpdate sends so turn-plane updates keep
	// child stdout order and intercept-plane updates interleave whole.
	notifyMu sync.Mutex

	cancelled atomic.Bool
	dead      atomic.Bool

	mu           sync.Mutex
	mode         string
	modelID      string
	title        string
	renamed      bool
	autoRenamed  bool
	updatedAt    time.Time
	initResult   *streamjson.InitializeResult
	commandsSent bool
	teamName     string

	// In-flight agent-to-bridge control requests, for cancel routing.
	pendingMu sync.Mutex
	pending   map[string]context.CancelFunc

	promptMu sync.Mutex
}

// NewSession spawns a fresh agent session.
func (o *Orchestrator) NewSession(ctx context.Context, req acp.NewSessionRequest) (acp.NewSessionResponse, error) {
	s, err := o.createSession(ctx, uuid.NewString(), req.Cwd, req.McpServers, "", false)
	if err != nil {
		return acp.NewSessionResponse{}, err
	}
	return acp.NewSessionResponse{
		SessionId: s.id,
		Modes:     s.modeState(),
		Models:    s.modelState(),
	}, nil
}

// LoadSession resumes an existing session under its original id.
func (o *Orchestrator) LoadSession(ctx context.Context, req acp.LoadSessionRequest) (acp.LoadSessionResponse, error) {
	s, err := o.createSession(ctx, string(req.SessionId), req.Cwd, req.McpServers, string(req.SessionId), false)
	if err != nil {
		return acp.LoadSessionResponse{}, err
	}
	return acp.LoadSessionResponse{
		Modes:  s.modeState(),
		Models: s.modelState(),
	}, nil
}

// forkSession starts a new session id seeded from a parent's history.
func (o *Orchestrator) forkSession(ctx context.Context, parent *Session) (*Session, error) {
	return o.createSession(ctx, uuid.NewString(), parent.workdir, nil, string(parent.id), true)
}

func (o *Orchestrator) createSession(ctx context.Context, id, workdir string, mcpServers []acp.McpServer, resumeID string, fork bool) (*Session, error) {
	if workdir == "" {
		workdir = o.cfg.Agent.DefaultWorkdir
	}
	log := o.logger.WithSessionID(id)

	handle, err := o.settings.Acquire(workdir)
	if err != nil {
		return nil, fmt.Errorf("acquiring settings: %w", err)
	}

	s := &Session{
		id:       acp.SessionId(id),
		workdir:  workdir,
		logger:   log,
		orch:     o,
		tasks:    bgtask.New(log),
		settings: handle,
		mode:     ModeDefault,
		modelID:  o.cfg.Agent.Model,
		pending:  make(map[string]context.CancelFunc),
	}
	s.translator = translate.New(s.tasks, log)

	opts := o.agentOptions()
	opts.WorkDir = workdir
	opts.ResumeSessionID = resumeID
	opts.ForkSession = fork
	opts.McpServers = toProcessMcpServers(mcpServers)
	opts.AllowedTools, opts.DisallowedTools = o.toolLists()

	if bridgeOpts := (mcpbridge.Options{
		ReadFile:  o.clientCaps.Fs.ReadTextFile,
		WriteFile: o.clientCaps.Fs.WriteTextFile,
	}); bridgeOpts.Enabled() {
		s.fsBridge = mcpbridge.New(&sessionFS{session: s}, bridgeOpts, log)
		url, err := s.fsBridge.Start()
		if err != nil {
			o.settings.Release(handle)
			return nil, err
		}
		if opts.McpServers == nil {
			opts.McpServers = make(map[string]process.McpServer)
		}
		opts.McpServers[mcpbridge.ServerName] = process.McpServer{Type: "sse", URL: url}
	}

	s.transport = process.NewTransport(opts, log)
	if err := s.transport.Start(ctx); err != nil {
		s.releaseResources(ctx)
		return nil, fmt.Errorf("starting agent subprocess: %w", err)
	}

	s.client = streamjson.NewClient(s.transport.Stdin(), s.transport.Stdout(), log)
	s.router = router.New(s.handleIntercept, log)
	s.client.SetMessageHandler(s.router.Feed)
	s.client.SetRequestHandler(func(requestID string, req *streamjson.ControlRequest) {
		// Permission round-trips must not stall the reader.
		go s.handleControlRequest(requestID, req)
	})
	s.client.SetCancelHandler(s.cancelControlRequest)

	s.client.Start(context.Background())
	go func() {
		// client.Done fires only after the read loop drained the child's
		// stdout to EOF, so every message (the terminal result included)
		// has been fed to the router before the terminal error lands.
		<-s.client.Done()
		err := s.transport.Wait()
		s.dead.Store(true)
		s.router.CloseWith(err)
	}()

	if err := s.initializeChild(ctx); err != nil {
		s.close(ctx)
		return nil, err
	}

	o.register(s)
	s.touch()
	o.persist(s)
	log.Info("session started",
		zap.String("workdir", workdir),
		zap.String("resume", resumeID),
		zap.Bool("fork", fork))
	return s, nil
}

// initializeChild performs the child's initialize control handshake and
// captures its command and model inventory.
func (s *Session) initializeChild(ctx context.Context) error {
	hooks := streamjson.HookConfig{
		PreToolUse:  []streamjson.HookEntry{{HookCallbackIDs: []string{streamjson.HookCallbackPreTool}}},
		PostToolUse: []streamjson.HookEntry{{HookCallbackIDs: []string{streamjson.HookCallbackPostTool}}},
	}
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	result, err := s.client.Initialize(ctx, hooks.ToMap())
	if err != nil {
		return fmt.Errorf("agent initialize handshake: %w", err)
	}
	s.mu.Lock()
	s.initResult = result
	s.mu.Unlock()
	return nil
}

func (s *Session) modeState() *acp.SessionModeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &acp.SessionModeState{
		CurrentModeId:  acp.SessionModeId(s.mode),
		AvailableModes: availableModes(),
	}
}

func (s *Session) modelState() *acp.UnstableSessionModelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initResult == nil || len(s.initResult.Models) == 0 {
		return nil
	}
	models := make([]acp.UnstableModelInfo, 0, len(s.initResult.Models))
	for _, m := range s.initResult.Models {
		info := acp.UnstableModelInfo{ModelId: acp.UnstableModelId(m.ID), Name: m.DisplayName}
		if info.Name == "" {
			info.Name = m.ID
		}
		if m.Description != "" {
			desc := m.Description
			info.Description = &desc
		}
		models = append(models, info)
	}
	current := s.modelID
	if current == "" {
		current = s.initResult.Models[0].ID
	}
	return &acp.UnstableSessionModelState{
		CurrentModelId:  acp.UnstableModelId(current),
		AvailableModels: models,
	}
}

// setMode applies a permission mode change. When fromChild is set the
// child already knows; otherwise the change is forwarded to it.
func (s *Session) setMode(ctx context.Context, mode string, fromChild bool) error {
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()

	if !fromChild {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := s.client.SetPermissionMode(ctx, mode); err != nil {
			return fmt.Errorf("forwarding permission mode: %w", err)
		}
	}
	s.notify(acp.SessionUpdate{
		CurrentModeUpdate: &acp.SessionCurrentModeUpdate{CurrentModeId: acp.SessionModeId(mode)},
	})
	return nil
}

// notify pushes one session update to the client, serialised per
// session so ordering follows the child's stdout.
func (s *Session) notify(updates ...acp.SessionUpdate) {
	conn := s.orch.acpConn()
	if conn == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	for _, update := range updates {
		err := conn.SessionUpdate(context.Background(), acp.SessionNotification{
			SessionId: s.id,
			Update:    update,
		})
		if err != nil {
			s.logger.Warn("session update dropped", zap.Error(err))
			return
		}
	}
}

// handleIntercept runs on the router's reader goroutine for
// task-completion notifications; it must return quickly.
func (s *Session) handleIntercept(msg *streamjson.Message) {
	update, ok := s.translator.ResolveTask(msg)
	if !ok {
		return
	}
	s.notify(update)
	s.touch()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.updatedAt = time.Now().UTC()
	s.mu.Unlock()
}

// close tears the session down: child stdin EOF, grace kill, watcher
// release, fs bridge shutdown.
func (s *Session) close(ctx context.Context) {
	s.dead.Store(true)
	s.client.Stop()
	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.transport.Close(closeCtx); err != nil {
		s.logger.Warn("closing agent subprocess", zap.Error(err))
	}
	s.releaseResources(ctx)
	s.logger.Info("session closed")
}

func (s *Session) releaseResources(ctx context.Context) {
	if s.fsBridge != nil {
		if err := s.fsBridge.Close(ctx); err != nil {
			s.logger.Warn("closing mcp bridge", zap.Error(err))
		}
	}
	s.orch.settings.Release(s.settings)
}

// persist mirrors the session into the disk index.
func (o *Orchestrator) persist(s *Session) {
	if o.index == nil {
		return
	}
	s.mu.Lock()
	entry := sessions.Entry{
		ID:        string(s.id),
		Workdir:   s.workdir,
		Title:     s.title,
		UpdatedAt: s.updatedAt,
		Metadata:  sessions.Metadata{TeamName: s.teamName, Model: s.modelID},
	}
	s.mu.Unlock()
	if err := o.index.Upsert(entry); err != nil {
		o.logger.Warn("persisting session", zap.Error(err))
	}
}

// agentOptions builds the base child options from configuration.
func (o *Orchestrator) agentOptions() process.Options {
	return process.Options{
		Command:           o.cfg.Agent.Command,
		ExtraArgs:         o.cfg.Agent.ExtraArgs,
		Model:             o.cfg.Agent.Model,
		FallbackModel:     o.cfg.Agent.FallbackModel,
		MaxTurns:          o.cfg.Agent.MaxTurns,
		MaxBudgetUSD:      o.cfg.Agent.MaxBudgetUSD,
		MaxThinkingTokens: o.cfg.Agent.MaxThinkingTokens,
	}
}

func toProcessMcpServers(servers []acp.McpServer) map[string]process.McpServer {
	if len(servers) == 0 {
		return nil
	}
	out := make(map[string]process.McpServer, len(servers))
	for _, server := range servers {
		switch {
		case server.Sse != nil:
			cfg := process.McpServer{Type: "sse", URL: server.Sse.Url}
			for _, h := range server.Sse.Headers {
				if cfg.Headers == nil {
					cfg.Headers = make(map[string]string)
				}
				cfg.Headers[h.Name] = h.Value
			}
			out[server.Sse.Name] = cfg
		case server.Http != nil:
			cfg := process.McpServer{Type: "http", URL: server.Http.Url}
			for _, h := range server.Http.Headers {
				if cfg.Headers == nil {
					cfg.Headers = make(map[string]string)
				}
				cfg.Headers[h.Name] = h.Value
			}
			out[server.Http.Name] = cfg
		case server.Stdio != nil:
			out[server.Stdio.Name] = process.McpServer{
				Type:    "stdio",
				Command: server.Stdio.Command,
				Args:    server.Stdio.Args,
			}
		}
	}
	return out
}

// sessionFS routes the mcp bridge's file operations to the ACP client.
type sessionFS struct {
	session *Session
}

func (f *sessionFS) ReadTextFile(ctx context.Context, path string, line, limit *int) (string, error) {
	conn := f.session.orch.acpConn()
	if conn == nil {
		return "", fmt.Errorf("acp connection not ready")
	}
	resp, err := conn.ReadTextFile(ctx, acp.ReadTextFileRequest{
		SessionId: f.session.id,
		Path:      path,
		Line:      line,
		Limit:     limit,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (f *sessionFS) WriteTextFile(ctx context.Context, path, content string) error {
	conn := f.session.orch.acpConn()
	if conn == nil {
		return fmt.Errorf("acp connection not ready")
	}
	_, err := conn.WriteTextFile(ctx, acp.WriteTextFileRequest{
		SessionId: f.session.id,
		Path:      path,
		Content:   content,
	})
	return err
}
