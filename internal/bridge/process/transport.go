package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/kdlbs/agentbridge/internal/common/logger"
	"go.uber.org/zap"
)

// ErrTransportDead is returned for operations on a transport whose child
// has already exited.
var ErrTransportDead = errors.New("process: agent subprocess exited")

// StderrFunc receives each line of the child's stderr.
type StderrFunc func(line string)

// Transport owns one agent subprocess and its pipes. Framing is handled
// by the streamjson client layered on top; the transport's job is spawn,
// pipe plumbing, stderr forwarding and orderly teardown.
type Transport struct {
	opts   Options
	logger *logger.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	onStderr StderrFunc

	exited  chan struct{}
	exitErr error

	mu       sync.Mutex
	stopping bool
}

// NewTransport creates a transport for the given options. The child is
// not started until Start.
func NewTransport(opts Options, log *logger.Logger) *Transport {
	return &Transport{
		opts:   opts,
		logger: log.WithComponent("process-transport"),
		exited: make(chan struct{}),
	}
}

// SetStderrFunc installs an optional callback receiving stderr lines in
// addition to the logger. Must be called before Start.
func (t *Transport) SetStderrFunc(fn StderrFunc) {
	t.onStderr = fn
}

// Start spawns the child with the configured options and wires up pipes.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd != nil {
		return fmt.Errorf("agent already running")
	}

	bin, _ := t.opts.Executable()
	args := t.opts.Args()

	t.logger.Info("starting agent subprocess",
		zap.String("binary", bin),
		zap.String("workdir", t.opts.WorkDir),
		zap.Strings("args", args))

	// exec.Command, not CommandContext: shutdown is driven by Close so
	// the child gets a chance to exit cleanly instead of SIGKILL on
	// context cancellation.
	cmd := exec.Command(bin, args...)
	cmd.Dir = t.opts.WorkDir
	cmd.Env = t.opts.Env()
	cmd.SysProcAttr = &syscall.SysProcAttr{
		// Kernel delivers SIGTERM to the child if the bridge dies, and a
		// fresh process group keeps the client's Ctrl+C away from it.
		Pdeathsig: syscall.SIGTERM,
		Setpgid:   true,
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	// Manual pipes instead of StdoutPipe/StderrPipe: cmd.Wait closes
	// exec-owned pipes when the child exits, which can discard buffered
	// output the reader has not drained yet. With os.Pipe the read ends
	// stay valid until their consumers hit EOF.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		_ = stderrR.Close()
		_ = stderrW.Close()
		return fmt.Errorf("failed to start agent: %w", err)
	}
	// The child holds its own copies of the write ends; dropping ours
	// makes the readers see EOF when the child exits.
	_ = stdoutW.Close()
	_ = stderrW.Close()

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = stdoutR

	t.logger.Info("agent process started", zap.Int("pid", cmd.Process.Pid))

	go t.pipeStderr(stderrR)
	go t.monitorExit()

	return nil
}

// Stdin returns the child's stdin pipe.
func (t *Transport) Stdin() io.WriteCloser { return t.stdin }

// Stdout returns the child's stdout pipe.
func (t *Transport) Stdout() io.Reader { return t.stdout }

// Pid returns the child's process id, or 0 before Start.
func (t *Transport) Pid() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// Done is closed when the child exits.
func (t *Transport) Done() <-chan struct{} { return t.exited }

// Running reports whether the child is alive.
func (t *Transport) Running() bool {
	select {
	case <-t.exited:
		return false
	default:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.cmd != nil && t.cmd.Process != nil
	}
}

// Wait blocks until the child exits and returns its exit error, if any.
func (t *Transport) Wait() error {
	<-t.exited
	return t.exitErr
}

// Close shuts the child down: stdin EOF first, then SIGTERM after the
// grace period, then SIGKILL at the context deadline.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.cmd == nil || t.cmd.Process == nil {
		t.mu.Unlock()
		return nil
	}
	select {
	case <-t.exited:
		t.mu.Unlock()
		return nil
	default:
	}
	t.stopping = true
	pid := t.cmd.Process.Pid
	stdin := t.stdin
	t.mu.Unlock()

	t.logger.Info("stopping agent subprocess", zap.Int("pid", pid))

	// EOF on stdin lets the child finish its stream and exit on its own.
	if stdin != nil {
		_ = stdin.Close()
	}

	select {
	case <-t.exited:
		return nil
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		_ = syscall.Kill(pid, syscall.SIGKILL)
		<-t.exited
		return nil
	}

	select {
	case <-t.exited:
		return nil
	case <-ctx.Done():
		t.logger.Warn("graceful shutdown timed out, sending SIGKILL", zap.Int("pid", pid))
		_ = syscall.Kill(pid, syscall.SIGKILL)
		select {
		case <-t.exited:
			return nil
		case <-time.After(2 * time.Second):
			return fmt.Errorf("agent did not exit after SIGKILL")
		}
	}
}

func (t *Transport) pipeStderr(r io.ReadCloser) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		t.logger.Debug(line, zap.String("stream", "stderr"))
		if t.onStderr != nil {
			t.onStderr(line)
		}
	}
}

func (t *Transport) monitorExit() {
	err := t.cmd.Wait()

	t.mu.Lock()
	stopping := t.stopping
	if err != nil {
		t.exitErr = fmt.Errorf("%w: %v", ErrTransportDead, err)
	}
	t.mu.Unlock()

	if err != nil && !stopping {
		t.logger.Error("agent exited unexpectedly",
			zap.Error(err),
			zap.Int("exit_code", t.cmd.ProcessState.ExitCode()))
	} else {
		t.logger.Info("agent exited",
			zap.Int("exit_code", t.cmd.ProcessState.ExitCode()))
	}

	close(t.exited)
}
