// Package action implements the sink's job dispatch table: a registry of
// named handlers populated once at startup and read by every worker
// goroutine thereafter, mirroring the original worker.py's action_tbl.
// Built-in handlers (ping, sleep, window, debug) are registered by
// NewRegistry; the transfer action is registered by cmd/sink, since it
// depends on internal/transfer which in turn needs sink-level
// configuration the action package itself has no business knowing about.
package action

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/naojsoft/datasink/internal/errs"
	"github.com/naojsoft/datasink/internal/job"
)

// Deps are the capabilities a handler may need beyond the job itself.
type Deps struct {
	// SetPrefetch adjusts the consumer's outstanding-message window. Only
	// the window handler uses this; it is nil-safe to omit in tests that
	// don't exercise window.
	SetPrefetch func(count int) error
	Logger      *zap.Logger
}

// Handler processes one job. ack reports the broker-level outcome the sink
// should apply once the handler returns: true ACKs the message, false NACKs
// it without requeue. err is the job-level outcome reported to the logs and
// metrics; it travels independently of ack because a data-plane failure
// (e.g. a failed file transfer) still resolves to a broker ACK — the job
// was delivered and handled, it just didn't succeed. Handlers that have no
// data-plane distinct from their broker outcome simply return (err == nil,
// err) so ack and success coincide, which is what every built-in here does.
type Handler func(ctx context.Context, wu *job.WorkUnit, deps *Deps) (ack bool, err error)

// Registry is a name -> Handler map. It is built once before Serve is
// called and treated as read-only by every worker goroutine afterward, so
// no internal locking is needed.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns a Registry pre-populated with the built-in actions:
// ping, sleep, window, and debug.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	r.Register("ping", Ping)
	r.Register("sleep", Sleep)
	r.Register("window", Window)
	r.Register("debug", Debug)
	return r
}

// Register adds or replaces the handler for name.
func (r *Registry) Register(name string, h Handler) {
	r.handlers[name] = h
}

// Lookup returns the handler registered for action, or errs.ErrUnknownAction
// if none was registered.
func (r *Registry) Lookup(action string) (Handler, error) {
	h, ok := r.handlers[action]
	if !ok {
		return nil, errs.ErrUnknownAction
	}
	return h, nil
}

// Ping is the trivial liveness-check action: it always succeeds.
func Ping(ctx context.Context, wu *job.WorkUnit, deps *Deps) (bool, error) {
	return true, nil
}

// Sleep blocks for job.Duration seconds, used to exercise worker-pool
// saturation and cooperative cancellation during tests.
func Sleep(ctx context.Context, wu *job.WorkUnit, deps *Deps) (bool, error) {
	d := time.Duration(wu.Job.Duration * float64(time.Second))
	select {
	case <-time.After(d):
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Window adjusts the consumer's prefetch count (the number of outstanding,
// unacknowledged messages the broker will deliver before blocking). The
// job's Size field doubles as the bytes-transferred field for transfer
// jobs and the window size here; both uses are mutually exclusive by
// action name.
func Window(ctx context.Context, wu *job.WorkUnit, deps *Deps) (bool, error) {
	if wu.Job.Size == nil {
		return false, &errs.ConfigError{Key: "size", Msg: "window job missing size"}
	}
	if deps == nil || deps.SetPrefetch == nil {
		return true, nil
	}
	if err := deps.SetPrefetch(int(*wu.Job.Size)); err != nil {
		return false, err
	}
	return true, nil
}

// Debug logs the job at debug level and succeeds; useful for probing queue
// routing and payload shape without side effects.
func Debug(ctx context.Context, wu *job.WorkUnit, deps *Deps) (bool, error) {
	if deps != nil && deps.Logger != nil {
		deps.Logger.Debug("debug action", zap.Any("job", wu.Job))
	}
	return true, nil
}
