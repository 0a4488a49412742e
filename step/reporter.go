package step

import (
	"sync"
	"time"
)

// Reporter throttles progress updates to once per interval or every
// batch items, whichever comes first, so tight walk loops do not flood
// the task record.
type Reporter struct {
	mu       sync.Mutex
	emit     ProgressFunc
	interval time.Duration
	batch    int

	count int
	last  time.Time
	now   func() time.Time
}

// NewReporter builds a reporter with the default cadence (5s or 10
// items). A nil emit makes every call a no-op.
func NewReporter(emit ProgressFunc) *Reporter {
	return &Reporter{
		emit:     emit,
		interval: 5 * time.Second,
		batch:    10,
		now:      time.Now,
	}
}

// Update counts one item and forwards the progress when the cadence
// allows it.
func (r *Reporter) Update(progress float64, message string) {
	if r.emit == nil {
		return
	}

	r.mu.Lock()
	r.count++
	due := r.count >= r.batch || r.now().Sub(r.last) >= r.interval
	if due {
		r.count = 0
		r.last = r.now()
	}
	r.mu.Unlock()

	if due {
		r.emit(progress, message)
	}
}

// Force bypasses the throttle; used for start, phase changes and
// completion.
func (r *Reporter) Force(progress float64, message string) {
	if r.emit == nil {
		return
	}
	r.mu.Lock()
	r.count = 0
	r.last = r.now()
	r.mu.Unlock()
	r.emit(progress, message)
}
