package action_test

import (
	"context"
	"testing"
	"time"

	"github.com/naojsoft/datasink/internal/action"
	"github.com/naojsoft/datasink/internal/errs"
	"github.com/naojsoft/datasink/internal/job"
)

func TestRegistry_BuiltinsRegistered(t *testing.T) {
	r := action.NewRegistry()
	for _, name := range []string{"ping", "sleep", "window", "debug"} {
		if _, err := r.Lookup(name); err != nil {
			t.Fatalf("expected %q to be registered, got %v", name, err)
		}
	}
}

func TestRegistry_UnknownAction(t *testing.T) {
	r := action.NewRegistry()
	if _, err := r.Lookup("does-not-exist"); err != errs.ErrUnknownAction {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
}

func TestRegistry_CustomRegister(t *testing.T) {
	r := action.NewRegistry()
	called := false
	r.Register("custom", func(ctx context.Context, wu *job.WorkUnit, deps *action.Deps) (bool, error) {
		called = true
		return true, nil
	})

	h, err := r.Lookup("custom")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if ack, err := h(context.Background(), &job.WorkUnit{Job: &job.Job{Action: "custom"}}, nil); err != nil || !ack {
		t.Fatalf("handler: ack=%v err=%v", ack, err)
	}
	if !called {
		t.Fatal("expected custom handler to run")
	}
}

func TestPing_AlwaysSucceeds(t *testing.T) {
	wu := &job.WorkUnit{Job: &job.Job{Action: "ping"}}
	if ack, err := action.Ping(context.Background(), wu, nil); err != nil || !ack {
		t.Fatalf("ping: ack=%v err=%v", ack, err)
	}
}

func TestSleep_RespectsContextCancellation(t *testing.T) {
	wu := &job.WorkUnit{Job: &job.Job{Action: "sleep", Duration: 10}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ack, err := action.Sleep(ctx, wu, nil)
	if err == nil {
		t.Fatal("expected context deadline error")
	}
	if ack {
		t.Fatal("expected ack=false on context cancellation")
	}
}

func TestWindow_MissingSize(t *testing.T) {
	wu := &job.WorkUnit{Job: &job.Job{Action: "window"}}
	if ack, err := action.Window(context.Background(), wu, nil); err == nil || ack {
		t.Fatal("expected ack=false and an error for missing size")
	}
}

func TestWindow_CallsSetPrefetch(t *testing.T) {
	size := int64(16)
	wu := &job.WorkUnit{Job: &job.Job{Action: "window", Size: &size}}

	var got int
	deps := &action.Deps{SetPrefetch: func(n int) error {
		got = n
		return nil
	}}

	if ack, err := action.Window(context.Background(), wu, deps); err != nil || !ack {
		t.Fatalf("window: ack=%v err=%v", ack, err)
	}
	if got != 16 {
		t.Fatalf("expected prefetch 16, got %d", got)
	}
}
