package scheduler

import "sync"

// history is a fixed-size ring of recent runs.
type history struct {
	mu   sync.Mutex
	buf  []Run
	next int
	full bool
}

func newHistory(size int) *history {
	return &history{buf: make([]Run, size)}
}

func (h *history) add(r Run) {
	h.mu.Lock()
	h.buf[h.next] = r
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
	h.mu.Unlock()
}

// list returns runs newest first, filtered by task id when id > 0.
func (h *history) list(id int64) []Run {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.next
	if h.full {
		n = len(h.buf)
	}
	out := make([]Run, 0, n)
	for i := 0; i < n; i++ {
		r := h.buf[(h.next-1-i+len(h.buf))%len(h.buf)]
		if id > 0 && r.TaskID != id {
			continue
		}
		out = append(out, r)
	}
	return out
}
