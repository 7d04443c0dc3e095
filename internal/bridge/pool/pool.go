// Package pool keeps a small set of pre-warmed auxiliary agent
// subprocesses for short one-shot prompts (title generation, routing
// decisions). Spawning an agent costs seconds; the pool hides that.
package pool

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kdlbs/agentbridge/internal/common/config"
	"github.com/kdlbs/agentbridge/internal/common/logger"
)

// ErrClosed is returned for queries after Shutdown.
var ErrClosed = fmt.Errorf("worker pool is shut down")

// Runner is one auxiliary agent the pool can hand out. The production
// runner wraps a subprocess; tests substitute fakes.
type Runner interface {
	// Warm sends the ready probe and waits for its response.
	Warm(ctx context.Context) error
	// Query pushes one prompt and drains a single response.
	Query(ctx context.Context, prompt string) (string, error)
	// Close tears the runner down.
	Close(ctx context.Context) error
}

// Factory creates a fresh, unwarmed runner.
type Factory func(ctx context.Context) (Runner, error)

type worker struct {
	runner Runner
	uses   int
}

// Pool manages warm workers: a base set spawned at warmup, overflow up
// to a soft cap, and per-worker recycling after a fixed use count.
type Pool struct {
	cfg     config.PoolConfig
	factory Factory
	logger  *logger.Logger

	warmup singleflight.Group

	mu     sync.Mutex
	idle   []*worker
	total  int
	closed bool
	freed  chan struct{}
}

// New creates a pool around the given worker factory. Workers are not
// spawned until Warmup (or the first Query).
func New(cfg config.PoolConfig, factory Factory, log *logger.Logger) *Pool {
	return &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  log.WithComponent("pool"),
		freed:   make(chan struct{}, 1),
	}
}

// NewAgent creates a pool backed by real agent subprocesses configured
// with the pool's fixed system prompt.
func NewAgent(cfg config.PoolConfig, agent config.AgentConfig, log *logger.Logger) *Pool {
	return New(cfg, agentFactory(cfg, agent, log), log)
}

// Warmup spawns and warms the base worker set. Idempotent; concurrent
// callers share one warmup.
func (p *Pool) Warmup(ctx context.Context) error {
	_, err, _ := p.warmup.Do("warmup", func() (any, error) {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		need := p.cfg.Size - p.total
		if need <= 0 {
			p.mu.Unlock()
			return nil, nil
		}
		p.total += need
		p.mu.Unlock()

		g, ctx := errgroup.WithContext(ctx)
		for i := 0; i < need; i++ {
			g.Go(func() error {
				w, err := p.spawn(ctx)
				if err != nil {
					p.forget()
					return err
				}
				p.putIdle(w)
				return nil
			})
		}
		return nil, g.Wait()
	})
	return err
}

// Query runs one prompt on a warm worker and returns its response.
// A worker failure evicts the worker, replaces it, and surfaces the
// original error.
func (p *Pool) Query(ctx context.Context, prompt string) (string, error) {
	if err := p.Warmup(ctx); err != nil {
		return "", err
	}
	w, err := p.acquire(ctx)
	if err != nil {
		return "", err
	}

	out, err := w.runner.Query(ctx, prompt)
	w.uses++
	if err != nil {
		p.evict(ctx, w)
		return "", err
	}
	p.release(ctx, w)
	return out, nil
}

// Shutdown closes every worker. In-flight queries fail on their own
// runners; new queries are rejected.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.total -= len(idle)
	p.mu.Unlock()

	for _, w := range idle {
		if err := w.runner.Close(ctx); err != nil {
			p.logger.Warn("closing pool worker", zap.Error(err))
		}
	}
}

// acquire hands out an idle worker, creating an overflow worker when
// the pool is below its soft cap, otherwise waiting for a release.
func (p *Pool) acquire(ctx context.Context) (*worker, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if n := len(p.idle); n > 0 {
			w := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			return w, nil
		}
		if p.total < p.cfg.MaxSize {
			p.total++
			p.mu.Unlock()
			w, err := p.spawn(ctx)
			if err != nil {
				p.forget()
				return nil, err
			}
			return w, nil
		}
		p.mu.Unlock()

		select {
		case <-p.freed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// release returns a worker to the idle set, recycling it first when its
// use budget is spent.
func (p *Pool) release(ctx context.Context, w *worker) {
	if w.uses >= p.cfg.MaxUses {
		p.recycle(ctx, w)
		return
	}
	p.putIdle(w)
}

// recycle closes a spent worker and warms a replacement off the
// caller's critical path.
func (p *Pool) recycle(ctx context.Context, w *worker) {
	p.logger.Debug("recycling pool worker", zap.Int("uses", w.uses))
	if err := w.runner.Close(ctx); err != nil {
		p.logger.Warn("closing spent worker", zap.Error(err))
	}
	go func() {
		replacement, err := p.spawn(context.Background())
		if err != nil {
			p.logger.Warn("replacing spent worker", zap.Error(err))
			p.forget()
			return
		}
		p.putIdle(replacement)
	}()
}

// evict drops a broken worker and replaces it asynchronously.
func (p *Pool) evict(ctx context.Context, w *worker) {
	p.logger.Warn("evicting failed pool worker")
	p.recycle(ctx, w)
}

// spawn creates and warms one worker. The caller has already counted it
// in total.
func (p *Pool) spawn(ctx context.Context) (*worker, error) {
	runner, err := p.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("spawning pool worker: %w", err)
	}
	if err := runner.Warm(ctx); err != nil {
		closeCtx := context.WithoutCancel(ctx)
		_ = runner.Close(closeCtx)
		return nil, fmt.Errorf("warming pool worker: %w", err)
	}
	return &worker{runner: runner}, nil
}

func (p *Pool) putIdle(w *worker) {
	p.mu.Lock()
	if p.closed {
		p.total--
		p.mu.Unlock()
		_ = w.runner.Close(context.Background())
		return
	}
	p.idle = append(p.idle, w)
	p.mu.Unlock()

	select {
	case p.freed <- struct{}{}:
	default:
	}
}

// forget un-counts a worker that failed to spawn or warm.
func (p *Pool) forget() {
	p.mu.Lock()
	p.total--
	p.mu.Unlock()
	select {
	case p.freed <- struct{}{}:
	default:
	}
}

// stats reports (idle, total) for tests.
func (p *Pool) stats() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), p.total
}
