package binder

import (
	"sync"
	"time"
)

// debouncer coalesces a burst of trigger() calls into a single fire,
// firing after quiet has elapsed since the last trigger, or maxWait after
// the first trigger of the burst, whichever comes first (spec.md §4.4.2:
// "debounced 2s quiet / 10s max wait"). It never fires on the leading
// edge and is not externally cancellable.
type debouncer struct {
	quiet   time.Duration
	maxWait time.Duration
	fire    func()

	mu         sync.Mutex
	pending    bool
	quietTimer *time.Timer
	maxTimer   *time.Timer
}

func newDebouncer(quiet, maxWait time.Duration, fire func()) *debouncer {
	return &debouncer{quiet: quiet, maxWait: maxWait, fire: fire}
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.pending {
		d.pending = true
		d.maxTimer = time.AfterFunc(d.maxWait, d.fireOnce)
	}
	if d.quietTimer != nil {
		d.quietTimer.Stop()
	}
	d.quietTimer = time.AfterFunc(d.quiet, d.fireOnce)
}

func (d *debouncer) fireOnce() {
	d.mu.Lock()
	if !d.pending {
		d.mu.Unlock()
		return
	}
	d.pending = false
	if d.quietTimer != nil {
		d.quietTimer.Stop()
	}
	if d.maxTimer != nil {
		d.maxTimer.Stop()
	}
	d.mu.Unlock()

	d.fire()
}
