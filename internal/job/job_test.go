package job_test

import (
	"encoding/json"
	"testing"

	"github.com/naojsoft/datasink/internal/job"
)

func TestJob_RoundTripUnknownFields(t *testing.T) {
	raw := `{"action":"transfer","srcpath":"/tmp/a.bin","host":"h1","transfermethod":"copy","size":1024,"custom_field":"kept"}`

	var j job.Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if j.Action != "transfer" || j.SrcPath != "/tmp/a.bin" || *j.Size != 1024 {
		t.Fatalf("unexpected decode: %+v", j)
	}
	if j.Extra["custom_field"] != "kept" {
		t.Fatalf("expected unknown field preserved, got %+v", j.Extra)
	}

	out, err := json.Marshal(&j)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back map[string]any
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("unmarshal round-trip: %v", err)
	}
	if back["custom_field"] != "kept" {
		t.Fatalf("expected custom_field preserved on round-trip, got %v", back)
	}
}

func TestTransferRequest_RoundTrip(t *testing.T) {
	size := int64(2048)
	req := job.NewTransferRequest("/tmp/a.bin", "/data/a.bin", "alice", "host1", "scp", &size, "", nil, nil)

	s, err := req.ToString()
	if err != nil {
		t.Fatalf("to_string: %v", err)
	}

	loaded, err := job.LoadTransferRequest(s)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.ID() != req.ID() {
		t.Fatalf("expected equal id, got %s vs %s", loaded.ID(), req.ID())
	}
	if loaded.Get("host", nil) != "host1" {
		t.Fatalf("expected host1, got %v", loaded.Get("host", nil))
	}
}

func TestTransferRequest_LessUnorderedWithoutPriority(t *testing.T) {
	a := job.NewTransferRequest("/a", "/a", "u", "h", "copy", nil, "", nil, nil)
	b := job.NewTransferRequest("/b", "/b", "u", "h", "copy", nil, "", nil, nil)

	if a.Less(b) {
		t.Fatal("expected unordered comparison to be false when priority is absent")
	}
}

func TestTransferRequest_LessWithPriority(t *testing.T) {
	p1, p2 := 1, 2
	a := job.NewTransferRequest("/a", "/a", "u", "h", "copy", nil, "", &p1, nil)
	b := job.NewTransferRequest("/b", "/b", "u", "h", "copy", nil, "", &p2, nil)

	if !a.Less(b) {
		t.Fatal("expected a (priority 1) to sort before b (priority 2)")
	}
	if b.Less(a) {
		t.Fatal("expected b (priority 2) to not sort before a (priority 1)")
	}
}
