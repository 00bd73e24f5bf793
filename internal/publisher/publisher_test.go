package publisher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/naojsoft/datasink/internal/job"
)

func TestSubmit_QueuesEncodedPacketWithDefaultTopic(t *testing.T) {
	p := &Publisher{
		opts:    Options{SourceName: "testsrc", DefaultTopic: "general"},
		pending: make(chan pendingMessage, 4),
		stopCh:  make(chan struct{}),
	}

	j := &job.Job{Action: "ping"}
	if err := p.Submit(context.Background(), j, ""); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case m := <-p.pending:
		if m.topic != "general" {
			t.Fatalf("expected default topic, got %q", m.topic)
		}
		var decoded map[string]any
		if err := json.Unmarshal(m.body, &decoded); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if decoded["source_origin"] != "testsrc" {
			t.Fatalf("expected source_origin stamped, got %v", decoded["source_origin"])
		}
		if _, ok := decoded["time_origin"]; !ok {
			t.Fatal("expected time_origin stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for queued message")
	}
}

func TestSubmit_PrefersExplicitTopicOverJobTopic(t *testing.T) {
	p := &Publisher{
		opts:    Options{SourceName: "testsrc", DefaultTopic: "general"},
		pending: make(chan pendingMessage, 4),
		stopCh:  make(chan struct{}),
	}

	j := &job.Job{Action: "ping", Topic: "job-topic"}
	if err := p.Submit(context.Background(), j, "explicit-topic"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	m := <-p.pending
	if m.topic != "explicit-topic" {
		t.Fatalf("expected explicit topic to win, got %q", m.topic)
	}
}

func TestSubmit_FullQueueRespectsContextCancellation(t *testing.T) {
	p := &Publisher{
		opts:    Options{SourceName: "testsrc", DefaultTopic: "general"},
		pending: make(chan pendingMessage, 1),
		stopCh:  make(chan struct{}),
	}

	// Fill the queue.
	if err := p.Submit(context.Background(), &job.Job{Action: "ping"}, ""); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := p.Submit(ctx, &job.Job{Action: "ping"}, ""); err == nil {
		t.Fatal("expected error when queue is full and context expires")
	}
}
