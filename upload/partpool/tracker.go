package partpool

import (
	"sync"
)

// tracker owns the aggregate progress counter. Workers report absolute
// per-part loaded byte counts here and never touch shared state directly;
// the mutex serializes the recompute and the OnProgress callback.
type tracker struct {
	mu         sync.Mutex
	perPart    map[int]int64
	baseline   int64
	onProgress func(loadedBytes int64)
}

func newTracker(baseline int64, onProgress func(loadedBytes int64)) *tracker {
	return &tracker{
		perPart:    make(map[int]int64),
		baseline:   baseline,
		onProgress: onProgress,
	}
}

// update records the loaded byte count of one part and reports the new
// aggregate. A retried part restarts its own counter; the aggregate is
// recomputed from scratch so it stays truthful.
func (t *tracker) update(partNumber int, loaded int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.perPart[partNumber] = loaded

	if t.onProgress == nil {
		return
	}
	total := t.baseline
	for _, n := range t.perPart {
		total += n
	}
	t.onProgress(total)
}
