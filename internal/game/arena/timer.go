package arena

import (
	"sync"
	"time"
)

// FuseTimer fires a callback after a configurable duration unless stopped.
// It is safe for concurrent use. The callback runs in its own goroutine and
// races with explicit trigger/cancel calls; callers resolve that race through
// the bomb's one-shot status transition, not through the timer.
type FuseTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewFuseTimer creates and starts a timer that calls onFire after duration.
//
// Precondition: duration > 0; onFire must not be nil.
// Postcondition: Returns a running FuseTimer; onFire will be called unless
// Stop is called first.
func NewFuseTimer(duration time.Duration, onFire func()) *FuseTimer {
	ft := &FuseTimer{}
	ft.timer = time.AfterFunc(duration, func() {
		ft.mu.Lock()
		stopped := ft.stopped
		ft.mu.Unlock()
		if !stopped {
			onFire()
		}
	})
	return ft
}

// Stop prevents the callback from firing. Safe to call multiple times.
//
// Postcondition: onFire will not be called after Stop returns, unless it is
// already running.
func (ft *FuseTimer) Stop() {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.stopped = true
	ft.timer.Stop()
}
