package usecase

import (
	"time"

	"github.com/iujab/vm-terminal-sub000/internal/domain"
)

// historyRing keeps the newest N history entries.
type historyRing struct {
	buf   []domain.HistoryEntry
	start int
	size  int
}

func newHistoryRing(capacity int) *historyRing {
	return &historyRing{buf: make([]domain.HistoryEntry, capacity)}
}

func (h *historyRing) push(e domain.HistoryEntry) {
	if len(h.buf) == 0 {
		return
	}
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = e
		h.size++
		return
	}
	h.buf[h.start] = e
	h.start = (h.start + 1) % len(h.buf)
}

// last returns up to n newest entries, oldest first. n <= 0 means all.
func (h *historyRing) last(n int) []domain.HistoryEntry {
	if n <= 0 || n > h.size {
		n = h.size
	}
	out := make([]domain.HistoryEntry, n)
	skip := h.size - n
	for i := 0; i < n; i++ {
		out[i] = h.buf[(h.start+skip+i)%len(h.buf)]
	}
	return out
}

// nopMetrics is used when no metrics collector is wired.
type nopMetrics struct{}

var _ domain.Metrics = nopMetrics{}

func (nopMetrics) ActionSubmitted(domain.Actor) {}
func (nopMetrics) ActionRejected(domain.Actor, domain.RejectCategory) {}
func (nopMetrics) ActionExecuted(domain.Actor, bool, time.Duration) {}
func (nopMetrics) QueueDepth(int) {}
func (nopMetrics) PlaybackStarted() {}
func (nopMetrics) PlaybackFinished(bool) {}
func (nopMetrics) PlaybackActionFailed() {}
