package feed

import (
	"sync"
	"time"
	"waterfeed/pkg/layout"
)

// ScrollWatcher decides when scrolling has stopped. Every sample re-arms a
// poll; once two consecutive polls see the same viewport, onSettle runs
// with it.
type ScrollWatcher struct {
	interval time.Duration
	onSettle func(layout.Viewport)

	mu       sync.Mutex
	latest   layout.Viewport
	lastPoll layout.Viewport
	polled   bool
	gen      uint64
	timer    *time.Timer
	stopped  bool
}

func NewScrollWatcher(interval time.Duration, onSettle func(layout.Viewport)) *ScrollWatcher {
	if interval <= 0 {
		interval = 5 * time.Millisecond
	}
	return &ScrollWatcher{interval: interval, onSettle: onSettle}
}

// Sample records the current viewport. Pending polls are cancelled.
func (w *ScrollWatcher) Sample(v layout.Viewport) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	w.latest = v
	w.polled = false
	w.arm()
}

func (w *ScrollWatcher) arm() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.timer = time.AfterFunc(w.interval, func() { w.poll(gen) })
}

func (w *ScrollWatcher) poll(gen uint64) {
	w.mu.Lock()
	if w.stopped || gen != w.gen {
		w.mu.Unlock()
		return
	}

	current := w.latest
	if w.polled && current == w.lastPoll {
		w.timer = nil
		w.mu.Unlock()
		w.onSettle(current)
		return
	}

	w.lastPoll = current
	w.polled = true
	w.arm()
	w.mu.Unlock()
}

// Stop cancels any pending poll. Later samples are ignored.
func (w *ScrollWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
