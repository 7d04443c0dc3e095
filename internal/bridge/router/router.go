// Package router splits one agent message stream into two planes: an
// intercept plane for out-of-band notifications that must be handled
// even between turns, and a buffered FIFO turn plane consumed by the
// prompt loop.
package router

import (
	"context"
	"errors"
	"sync"

	"github.com/kdlbs/agentbridge/internal/common/logger"
	"github.com/kdlbs/agentbridge/pkg/streamjson"
	"go.uber.org/zap"
)

// ErrStreamClosed is returned by Next once the child stream has ended
// and the buffer is drained.
var ErrStreamClosed = errors.New("router: agent stream closed")

// InterceptFunc handles an intercept-plane message. It runs on the
// reader goroutine and must not block.
type InterceptFunc func(msg *streamjson.Message)

// Router buffers turn-plane messages and dispatches intercept-plane
// messages immediately. Single producer (the client's read loop),
// single consumer (the prompt loop).
type Router struct {
	logger    *logger.Logger
	intercept InterceptFunc

	mu     sync.Mutex
	buf    []*streamjson.Message
	waiter chan *streamjson.Message
	err    error
}

// New creates a router with the given intercept handler. A nil handler
// sends everything to the turn plane.
func New(intercept InterceptFunc, log *logger.Logger) *Router {
	return &Router{
		logger:    log.WithComponent("router"),
		intercept: intercept,
	}
}

// isIntercept reports whether a message belongs to the intercept plane.
// Deferred task completions must reach the client even when no prompt
// is in flight.
func isIntercept(msg *streamjson.Message) bool {
	return msg.Type == streamjson.MessageTypeSystem &&
		msg.Subtype == streamjson.SubtypeTaskNotification
}

// Feed accepts one message from the child stream. Intercept-plane
// messages are dispatched synchronously and never reach Next.
func (r *Router) Feed(msg *streamjson.Message) {
	if isIntercept(msg) {
		if r.intercept != nil {
			r.intercept(msg)
		} else {
			r.logger.Warn("task notification dropped, no intercept handler",
				zap.String("task_id", msg.TaskID))
		}
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		r.logger.Warn("message after stream close dropped", zap.String("type", msg.Type))
		return
	}
	if r.waiter != nil {
		r.waiter <- msg
		r.waiter = nil
		return
	}
	r.buf = append(r.buf, msg)
}

// CloseWith ends the stream. Buffered messages remain readable; after
// the buffer drains Next returns cause (ErrStreamClosed for a normal
// end). The first close wins.
func (r *Router) CloseWith(cause error) {
	if cause == nil {
		cause = ErrStreamClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}
	r.err = cause
	if r.waiter != nil {
		close(r.waiter)
		r.waiter = nil
	}
}

// Next returns the next turn-plane message in child emission order,
// parking until one arrives. Only one consumer may wait at a time.
func (r *Router) Next(ctx context.Context) (*streamjson.Message, error) {
	r.mu.Lock()
	if len(r.buf) > 0 {
		msg := r.buf[0]
		r.buf = r.buf[1:]
		r.mu.Unlock()
		return msg, nil
	}
	if r.err != nil {
		err := r.err
		r.mu.Unlock()
		return nil, err
	}
	if r.waiter != nil {
		r.mu.Unlock()
		return nil, errors.New("router: concurrent Next calls")
	}
	waiter := make(chan *streamjson.Message, 1)
	r.waiter = waiter
	r.mu.Unlock()

	select {
	case msg, ok := <-waiter:
		if !ok {
			r.mu.Lock()
			err := r.err
			r.mu.Unlock()
			return nil, err
		}
		return msg, nil
	case <-ctx.Done():
		r.mu.Lock()
		if r.waiter == waiter {
			r.waiter = nil
		}
		r.mu.Unlock()
		// A message may have been delivered concurrently with the
		// cancellation; put it back so it is not lost.
		select {
		case msg, ok := <-waiter:
			if ok {
				r.mu.Lock()
				r.buf = append([]*streamjson.Message{msg}, r.buf...)
				r.mu.Unlock()
			}
		default:
		}
		return nil, ctx.Err()
	}
}
