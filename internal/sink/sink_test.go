package sink

import (
	"context"
	"sync"
	"testing"

	"github.com/naojsoft/datasink/internal/action"
	"github.com/naojsoft/datasink/internal/job"
)

func newTestSink(t *testing.T, registry *action.Registry, filter JobFilter) *Sink {
	t.Helper()
	return New(Options{
		NumWorkers: 2,
		QueueSize:  4,
		Filter:     filter,
	}, registry)
}

func TestSink_HandleAcksOnSuccess(t *testing.T) {
	registry := action.NewRegistry()
	s := newTestSink(t, registry, nil)

	var acked bool
	var mu sync.Mutex
	wu := job.NewWorkUnit(&job.Job{Action: "ping"},
		func() error { mu.Lock(); acked = true; mu.Unlock(); return nil },
		func(requeue bool) error { t.Fatal("unexpected nack"); return nil },
	)

	s.handle(context.Background(), 0, wu)

	mu.Lock()
	defer mu.Unlock()
	if !acked {
		t.Fatal("expected ack after successful handler")
	}
}

func TestSink_HandleNacksOnUnknownAction(t *testing.T) {
	registry := action.NewRegistry()
	s := newTestSink(t, registry, nil)

	var nackedNoRequeue bool
	wu := job.NewWorkUnit(&job.Job{Action: "bogus"},
		func() error { t.Fatal("unexpected ack"); return nil },
		func(requeue bool) error {
			if requeue {
				t.Fatal("expected nack without requeue for unknown action")
			}
			nackedNoRequeue = true
			return nil
		},
	)

	s.handle(context.Background(), 0, wu)

	if !nackedNoRequeue {
		t.Fatal("expected nack for unknown action")
	}
}

func TestSink_HandleNacksOnHandlerError(t *testing.T) {
	registry := action.NewRegistry()
	registry.Register("boom", func(ctx context.Context, wu *job.WorkUnit, deps *action.Deps) (bool, error) {
		return false, context.DeadlineExceeded
	})
	s := newTestSink(t, registry, nil)

	var nacked bool
	wu := job.NewWorkUnit(&job.Job{Action: "boom"},
		func() error { t.Fatal("unexpected ack"); return nil },
		func(requeue bool) error { nacked = true; return nil },
	)

	s.handle(context.Background(), 0, wu)
	if !nacked {
		t.Fatal("expected nack when handler returns ack=false")
	}
}

// TestSink_HandleAcksDataPlaneFailure covers a handler that reports a
// data-plane failure (e.g. a failed transfer) but still asks the sink to
// ACK the broker message, matching spec.md's "transfer failure is a
// data-plane outcome, not a message-plane one" rule.
func TestSink_HandleAcksDataPlaneFailure(t *testing.T) {
	registry := action.NewRegistry()
	registry.Register("transfer-like", func(ctx context.Context, wu *job.WorkUnit, deps *action.Deps) (bool, error) {
		return true, context.DeadlineExceeded
	})
	s := newTestSink(t, registry, nil)

	var acked bool
	wu := job.NewWorkUnit(&job.Job{Action: "transfer-like"},
		func() error { acked = true; return nil },
		func(requeue bool) error { t.Fatal("unexpected nack"); return nil },
	)

	s.handle(context.Background(), 0, wu)
	if !acked {
		t.Fatal("expected ack despite handler-reported data-plane error")
	}
}

func TestSink_FilterRejectsDisallowedInstrument(t *testing.T) {
	filter := JobFilter(func(j *job.Job) bool { return j.InsName == "allowed" })

	if filter(&job.Job{Action: "ping", InsName: "blocked"}) {
		t.Fatal("expected filter to reject blocked instrument")
	}
	if !filter(&job.Job{Action: "ping", InsName: "allowed"}) {
		t.Fatal("expected filter to accept allowed instrument")
	}
}
