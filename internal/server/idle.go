package server

import (
	"sync"
	"time"
)

// idleSupervisor fires onExpire once after timeout passes without a Touch.
// A zero timeout disables it.
type idleSupervisor struct {
	mu       sync.Mutex
	timeout  time.Duration
	timer    *time.Timer
	gen      uint64
	onExpire func()
	stopped  bool
}

func newIdleSupervisor(timeout time.Duration, onExpire func()) *idleSupervisor {
	return &idleSupervisor{timeout: timeout, onExpire: onExpire}
}

// Touch restarts the inactivity window.
func (i *idleSupervisor) Touch() {
	if i == nil || i.timeout <= 0 {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stopped {
		return
	}
	if i.timer != nil {
		i.timer.Stop()
	}
	i.gen++
	gen := i.gen
	i.timer = time.AfterFunc(i.timeout, func() { i.fire(gen) })
}

// fire ignores timers that a later Touch already replaced.
func (i *idleSupervisor) fire(gen uint64) {
	i.mu.Lock()
	if i.stopped || gen != i.gen {
		i.mu.Unlock()
		return
	}
	i.stopped = true
	i.mu.Unlock()
	i.onExpire()
}

// Stop cancels the timer for good.
func (i *idleSupervisor) Stop() {
	if i == nil {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stopped = true
	if i.timer != nil {
		i.timer.Stop()
	}
}
