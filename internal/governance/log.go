package governance

import (
	"context"
	"sync"

	"planline/internal/domain"
)

// DecisionLog receives one append per governance evaluation. Implementations
// may persist entries beyond process lifetime; the engine only requires that
// an append either succeeds or reports its error.
type DecisionLog interface {
	Append(ctx context.Context, entry domain.DecisionLogEntry) error
}

// MemoryLog is the in-process append-only log. Safe for concurrent readers.
type MemoryLog struct {
	mu      sync.Mutex
	entries []domain.DecisionLogEntry
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(_ context.Context, entry domain.DecisionLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

// Entries returns a copy of the log, oldest first.
func (l *MemoryLog) Entries() []domain.DecisionLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.DecisionLogEntry(nil), l.entries...)
}
