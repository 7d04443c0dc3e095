package pool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kdlbs/agentbridge/internal/bridge/process"
	"github.com/kdlbs/agentbridge/internal/common/config"
	"github.com/kdlbs/agentbridge/internal/common/logger"
	"github.com/kdlbs/agentbridge/pkg/streamjson"
)

// readyProbe is the deterministic warmup prompt. The content is
// irrelevant; completing one turn proves the worker is serving.
const readyProbe = "Reply with the single word: ready"

const warmTimeout = 120 * time.Second

// agentRunner is the production Runner: one agent subprocess in
// single-shot mode with the pool's fixed system prompt. Workers never
// ask for permissions; they run fully sandboxed prompts.
type agentRunner struct {
	transport *process.Transport
	client    *streamjson.Client
	logger    *logger.Logger

	msgs chan *streamjson.Message
	done <-chan struct{}
}

// agentFactory builds the subprocess-backed runner factory.
func agentFactory(cfg config.PoolConfig, agent config.AgentConfig, log *logger.Logger) Factory {
	return func(ctx context.Context) (Runner, error) {
		opts := process.Options{
			Command:         agent.Command,
			ExtraArgs:       agent.ExtraArgs,
			Model:           agent.Model,
			FallbackModel:   agent.FallbackModel,
			SystemPrompt:    cfg.SystemPrompt,
			MaxTurns:        1,
			SkipPermissions: true,
		}
		return newAgentRunner(ctx, opts, log)
	}
}

func newAgentRunner(ctx context.Context, opts process.Options, log *logger.Logger) (*agentRunner, error) {
	log = log.WithComponent("pool-worker")
	transport := process.NewTransport(opts, log)
	if err := transport.Start(ctx); err != nil {
		return nil, err
	}

	r := &agentRunner{
		transport: transport,
		client:    streamjson.NewClient(transport.Stdin(), transport.Stdout(), log),
		logger:    log,
		msgs:      make(chan *streamjson.Message, 64),
	}
	r.client.SetMessageHandler(func(msg *streamjson.Message) {
		select {
		case r.msgs <- msg:
		default:
			// A stalled drain only ever loses streaming partials; the
			// buffer is far larger than one turn's terminal tail.
			log.Warn("pool worker message dropped")
		}
	})
	r.client.Start(context.Background())
	// Done fires when the child's stdout is drained to EOF, which is the
	// real death signal; the Start ready channel closes immediately.
	r.done = r.client.Done()
	return r, nil
}

// Warm runs the ready probe to absorb the agent's startup cost.
func (r *agentRunner) Warm(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, warmTimeout)
	defer cancel()
	_, err := r.Query(ctx, readyProbe)
	return err
}

// Query pushes one prompt and drains the stream until its terminal
// result, returning the result text (or the accumulated assistant text
// when the result carries none).
func (r *agentRunner) Query(ctx context.Context, prompt string) (string, error) {
	content := []any{streamjson.TextInput{Type: "text", Text: prompt}}
	if err := r.client.SendUserMessage("", content); err != nil {
		return "", err
	}

	var assistant strings.Builder
	for {
		select {
		case msg := <-r.msgs:
			if out, final, err := r.consume(msg, &assistant); final {
				return out, err
			}
		case <-r.done:
			// Stream is at EOF, but messages handed over before the end
			// may still hold the terminal result.
			for {
				select {
				case msg := <-r.msgs:
					if out, final, err := r.consume(msg, &assistant); final {
						return out, err
					}
				default:
					return "", fmt.Errorf("pool worker exited mid-query")
				}
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// consume folds one stream message into the in-flight turn. final is
// true once the terminal result has been seen.
func (r *agentRunner) consume(msg *streamjson.Message, assistant *strings.Builder) (out string, final bool, err error) {
	switch msg.Type {
	case streamjson.MessageTypeAssistant:
		if msg.Message == nil {
			return "", false, nil
		}
		for _, block := range msg.Message.ContentBlocks() {
			if block.Type == streamjson.BlockTypeText {
				assistant.WriteString(block.Text)
			}
		}
	case streamjson.MessageTypeResult:
		if msg.IsError {
			return "", true, fmt.Errorf("pool worker turn failed: %s", msg.ResultString())
		}
		if text := msg.ResultString(); text != "" {
			return text, true, nil
		}
		return assistant.String(), true, nil
	}
	return "", false, nil
}

// Close sends stdin EOF and reaps the subprocess.
func (r *agentRunner) Close(ctx context.Context) error {
	r.client.Stop()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return r.transport.Close(ctx)
}
