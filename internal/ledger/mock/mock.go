// Package mock provides a test double for ledger.Ledger.
package mock

import (
	"context"
	"sync"

	"github.com/naojsoft/datasink/internal/ledger"
	"github.com/naojsoft/datasink/internal/transfer"
)

var _ ledger.Ledger = (*Ledger)(nil)

// Ledger is a test double for ledger.Ledger.
type Ledger struct {
	mu sync.Mutex

	RecordFn func(ctx context.Context, correlationID, action string, res *transfer.Result, errMsg string) error

	Records []Record
}

// Record captures one call to Record for assertions.
type Record struct {
	CorrelationID string
	Action        string
	Result        *transfer.Result
	ErrMessage    string
}

func (m *Ledger) Record(ctx context.Context, correlationID, action string, res *transfer.Result, errMsg string) error {
	m.mu.Lock()
	m.Records = append(m.Records, Record{CorrelationID: correlationID, Action: action, Result: res, ErrMessage: errMsg})
	m.mu.Unlock()
	if m.RecordFn != nil {
		return m.RecordFn(ctx, correlationID, action, res, errMsg)
	}
	return nil
}
