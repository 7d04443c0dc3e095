package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kdlbs/agentbridge/internal/common/logger"
	"github.com/kdlbs/agentbridge/pkg/streamjson"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	return log
}

func turnMsg(i int) *streamjson.Message {
	return &streamjson.Message{Type: streamjson.MessageTypeAssistant, SessionID: fmt.Sprintf("m%d", i)}
}

func taskNotification(taskID string) *streamjson.Message {
	return &streamjson.Message{
		Type:    streamjson.MessageTypeSystem,
		Subtype: streamjson.SubtypeTaskNotification,
		TaskID:  taskID,
		Status:  streamjson.TaskStatusCompleted,
	}
}

func TestRouter_OrderPreserved(t *testing.T) {
	r := New(nil, newTestLogger())
	for i := 0; i < 5; i++ {
		r.Feed(turnMsg(i))
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		msg, err := r.Next(ctx)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if want := fmt.Sprintf("m%d", i); msg.SessionID != want {
			t.Errorf("message %d = %q, want %q", i, msg.SessionID, want)
		}
	}
}

func TestRouter_InterceptInvisibleToNext(t *testing.T) {
	var intercepted []*streamjson.Message
	var mu sync.Mutex
	r := New(func(msg *streamjson.Message) {
		mu.Lock()
		intercepted = append(intercepted, msg)
		mu.Unlock()
	}, newTestLogger())

	r.Feed(turnMsg(0))
	r.Feed(taskNotification("task-1"))
	r.Feed(turnMsg(1))
	r.CloseWith(nil)

	ctx := context.Background()
	var seen int
	for {
		msg, err := r.Next(ctx)
		if errors.Is(err, ErrStreamClosed) {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if msg.Subtype == streamjson.SubtypeTaskNotification {
			t.Error("task notification leaked onto turn plane")
		}
		seen++
	}

	if seen != 2 {
		t.Errorf("turn plane saw %d messages, want 2", seen)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(intercepted) != 1 || intercepted[0].TaskID != "task-1" {
		t.Errorf("intercepted = %+v, want one task-1 notification", intercepted)
	}
}

func TestRouter_NextParksUntilFeed(t *testing.T) {
	r := New(nil, newTestLogger())

	got := make(chan *streamjson.Message, 1)
	go func() {
		msg, err := r.Next(context.Background())
		if err != nil {
			return
		}
		got <- msg
	}()

	time.Sleep(20 * time.Millisecond)
	r.Feed(turnMsg(7))

	select {
	case msg := <-got:
		if msg.SessionID != "m7" {
			t.Errorf("got %q, want m7", msg.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("parked Next never resolved")
	}
}

func TestRouter_BufferedThenClosed(t *testing.T) {
	r := New(nil, newTestLogger())
	r.Feed(turnMsg(0))
	r.CloseWith(nil)

	ctx := context.Background()
	if _, err := r.Next(ctx); err != nil {
		t.Fatalf("buffered message should survive close: %v", err)
	}
	if _, err := r.Next(ctx); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Next() after drain = %v, want ErrStreamClosed", err)
	}
}

func TestRouter_FatalErrorPropagates(t *testing.T) {
	r := New(nil, newTestLogger())
	fatal := errors.New("child died")

	done := make(chan error, 1)
	go func() {
		_, err := r.Next(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	r.CloseWith(fatal)

	select {
	case err := <-done:
		if !errors.Is(err, fatal) {
			t.Errorf("Next() = %v, want %v", err, fatal)
		}
	case <-time.After(time.Second):
		t.Fatal("parked Next never resolved after close")
	}
}

func TestRouter_ContextCancel(t *testing.T) {
	r := New(nil, newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := r.Next(ctx)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Next() = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled Next never returned")
	}

	// A message fed after the cancellation is still readable later.
	r.Feed(turnMsg(3))
	msg, err := r.Next(context.Background())
	if err != nil || msg.SessionID != "m3" {
		t.Errorf("Next() = %v, %v; want m3", msg, err)
	}
}
