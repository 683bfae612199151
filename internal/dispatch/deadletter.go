package dispatch

import (
	"context"
	"sync"
	"time"
)

// DeadLetter records a job that exhausted its attempts or failed fatally.
type DeadLetter struct {
	JobID    string    `json:"job_id"`
	NodeID   string    `json:"node_id"`
	Model    string    `json:"model"`
	Attempts int       `json:"attempts"`
	Code     string    `json:"code"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// DeadLetterStore keeps recent dead letters for inspection.
type DeadLetterStore interface {
	Add(ctx context.Context, dl DeadLetter) error
	// List returns up to limit entries, newest first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]DeadLetter, error)
}

// MemoryDeadLetters is a bounded in-process ring of dead letters.
type MemoryDeadLetters struct {
	mu   sync.Mutex
	buf  []DeadLetter
	head int
	full bool
}

// NewMemoryDeadLetters returns a store holding at most size entries.
func NewMemoryDeadLetters(size int) *MemoryDeadLetters {
	if size <= 0 {
		size = 256
	}
	return &MemoryDeadLetters{buf: make([]DeadLetter, size)}
}

func (m *MemoryDeadLetters) Add(_ context.Context, dl DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf[m.head] = dl
	m.head = (m.head + 1) % len(m.buf)
	if m.head == 0 {
		m.full = true
	}
	return nil
}

func (m *MemoryDeadLetters) List(_ context.Context, limit int) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.head
	if m.full {
		n = len(m.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]DeadLetter, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (m.head - 1 - i + len(m.buf)) % len(m.buf)
		out = append(out, m.buf[idx])
	}
	return out, nil
}
