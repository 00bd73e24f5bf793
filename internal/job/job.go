// Package job defines the wire envelope exchanged between publishers and
// sinks, the in-process work unit a sink hands to its worker pool, and the
// publisher-side transfer request builder.
package job

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Job is the JSON object carried as an AMQP message body. Required on the
// wire: Action. TimeOrigin and SourceOrigin are stamped by the publisher on
// submit. Topic, when present, overrides config-provided routing. The
// transfer and sleep fields below are action-specific; any key not promoted
// to a typed field travels in Extra.
type Job struct {
	Action       string  `json:"action"`
	TimeOrigin   float64 `json:"time_origin,omitempty"`
	SourceOrigin string  `json:"source_origin,omitempty"`
	Topic        string  `json:"topic,omitempty"`

	// transfer fields
	SrcPath        string `json:"srcpath,omitempty"`
	Host           string `json:"host,omitempty"`
	TransferMethod string `json:"transfermethod,omitempty"`
	Username       string `json:"username,omitempty"`
	Port           int    `json:"port,omitempty"`
	Password       string `json:"password,omitempty"`
	Size           *int64 `json:"size,omitempty"`
	MD5Sum         string `json:"md5sum,omitempty"`
	PropID         string `json:"propid,omitempty"`
	InsName        string `json:"insname,omitempty"`
	Direction      string `json:"direction,omitempty"`

	// sleep
	Duration float64 `json:"duration,omitempty"`

	// Extra carries any field not promoted above, so that round-tripping a
	// job that came in with unanticipated keys never loses data.
	Extra map[string]any `json:"-"`
}

// MarshalJSON merges the typed fields with Extra so unknown keys survive a
// decode/encode cycle.
func (j *Job) MarshalJSON() ([]byte, error) {
	type alias Job
	base, err := json.Marshal((*alias)(j))
	if err != nil {
		return nil, err
	}
	if len(j.Extra) == 0 {
		return base, nil
	}
	var merged map[string]any
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range j.Extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes known fields via the type's own tags and stashes
// anything else in Extra.
func (j *Job) UnmarshalJSON(data []byte) error {
	type alias Job
	if err := json.Unmarshal(data, (*alias)(j)); err != nil {
		return err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	known := map[string]bool{
		"action": true, "time_origin": true, "source_origin": true, "topic": true,
		"srcpath": true, "host": true, "transfermethod": true, "username": true,
		"port": true, "password": true, "size": true, "md5sum": true,
		"propid": true, "insname": true, "direction": true,
		"duration": true,
	}
	for k, v := range raw {
		if !known[k] {
			if j.Extra == nil {
				j.Extra = make(map[string]any)
			}
			j.Extra[k] = v
		}
	}
	return nil
}

// AckFunc acknowledges a delivery; NackFunc rejects it, optionally
// requesting requeue.
type (
	AckFunc  func() error
	NackFunc func(requeue bool) error
)

// WorkUnit bundles a decoded Job with the broker delivery context needed to
// terminate it (ACK or NACK), plus a correlation ID used only for log
// tracing. Its lifetime runs from message receipt to one terminal call of
// Ack or Nack; the delivery tag it wraps is only valid against the channel
// instance that produced it, which is why Ack/Nack are closures bound to
// that channel rather than parameters the caller supplies later.
type WorkUnit struct {
	Job           *Job
	CorrelationID uuid.UUID
	Ack           AckFunc
	Nack          NackFunc
}

// NewWorkUnit constructs a WorkUnit with a fresh correlation ID.
func NewWorkUnit(j *Job, ack AckFunc, nack NackFunc) *WorkUnit {
	return &WorkUnit{
		Job:           j,
		CorrelationID: uuid.New(),
		Ack:           ack,
		Nack:          nack,
	}
}

// TransferRequest is a publisher-side builder for a transfer job. Its ID is
// derived from the creation timestamp and is collision-free within one
// publisher process as long as two requests aren't built in the same
// microsecond (matching the original datasink.TransferRequest scheme).
type TransferRequest struct {
	d map[string]any
}

// NewTransferRequest builds a TransferRequest with the required transfer
// fields plus any caller-supplied metadata merged in.
func NewTransferRequest(srcpath, dstpath, username, host, transfermethod string, size *int64, md5sum string, priority *int, extra map[string]any) *TransferRequest {
	now := time.Now()
	id := strings.NewReplacer("-", "", ":", "", ".", "_").Replace(now.Format("2006-01-02T15:04:05.000000"))

	d := map[string]any{
		"srcpath":        srcpath,
		"dstpath":        dstpath,
		"username":       username,
		"host":           host,
		"id":             id,
		"transfermethod": transfermethod,
		"size":           size,
		"md5sum":         md5sum,
		"time_created":   now.Format(time.RFC3339Nano),
		"priority":       priority,
	}
	for k, v := range extra {
		d[k] = v
	}
	return &TransferRequest{d: d}
}

// ID returns the request's monotonically-unique identifier.
func (t *TransferRequest) ID() string {
	v, _ := t.d["id"].(string)
	return v
}

// Get returns a field by key, or the default value if absent.
func (t *TransferRequest) Get(key string, def any) any {
	if v, ok := t.d[key]; ok {
		return v
	}
	return def
}

// AsMap returns the underlying field map.
func (t *TransferRequest) AsMap() map[string]any {
	return t.d
}

// ToString serializes the request to a JSON string.
func (t *TransferRequest) ToString() (string, error) {
	buf, err := json.Marshal(t.d)
	if err != nil {
		return "", fmt.Errorf("job: marshal transfer request: %w", err)
	}
	return string(buf), nil
}

// LoadTransferRequest deserializes a TransferRequest from a JSON string,
// the inverse of ToString.
func LoadTransferRequest(s string) (*TransferRequest, error) {
	var d map[string]any
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return nil, fmt.Errorf("job: unmarshal transfer request: %w", err)
	}
	return &TransferRequest{d: d}, nil
}

// SaveToFile writes the request as JSON to filepath, for publishers that
// want to spool a request to disk before submission.
func (t *TransferRequest) SaveToFile(filepath string) error {
	buf, err := json.Marshal(t.d)
	if err != nil {
		return fmt.Errorf("job: marshal transfer request: %w", err)
	}
	return os.WriteFile(filepath, buf, 0o644)
}

// LoadTransferRequestFromFile is the inverse of SaveToFile.
func LoadTransferRequestFromFile(filepath string) (*TransferRequest, error) {
	buf, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("job: read transfer request: %w", err)
	}
	return LoadTransferRequest(string(buf))
}

// Less orders two requests by priority. Per spec.md Invariant 5, ordering is
// unordered (returns false, matching Python's NotImplemented-driven
// fallback to insertion order) when either side lacks a priority.
func (t *TransferRequest) Less(other *TransferRequest) bool {
	tp, tok := t.d["priority"].(*int)
	op, ook := other.d["priority"].(*int)
	if !tok || !ook || tp == nil || op == nil {
		return false
	}
	return *tp < *op
}
