package rules

import (
	"sync"

	"github.com/forkline/automation/pkg/schema"
)

// DefaultHistoryCap bounds the in-memory execution history.
const DefaultHistoryCap = 10000

// History is a fixed-capacity ring buffer of rule executions. Once full,
// each append overwrites the oldest entry in O(1).
type History struct {
	mu      sync.Mutex
	entries []schema.RuleExecution
	next    int
	full    bool
}

// NewHistory creates a History with the given capacity (DefaultHistoryCap
// when size <= 0).
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistoryCap
	}
	return &History{entries: make([]schema.RuleExecution, size)}
}

// Append records one execution, evicting the oldest entry when full.
func (h *History) Append(e schema.RuleExecution) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries[h.next] = e
	h.next++
	if h.next == len(h.entries) {
		h.next = 0
		h.full = true
	}
}

// Len returns the number of retained entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.full {
		return len(h.entries)
	}
	return h.next
}

// Recent returns up to limit entries, most recent first. limit <= 0 returns
// everything retained.
func (h *History) Recent(limit int) []schema.RuleExecution {
	h.mu.Lock()
	defer h.mu.Unlock()

	size := h.next
	if h.full {
		size = len(h.entries)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]schema.RuleExecution, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := h.next - i
		if idx < 0 {
			idx += len(h.entries)
		}
		out = append(out, h.entries[idx])
	}
	return out
}
