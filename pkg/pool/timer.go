package pool

import (
	"sync"
	"time"
)

var timerPool = sync.Pool{}

// GetTimer gets a timer from the pool and resets it to the given duration.
// The caller should call ReleaseTimer after use.
func GetTimer(d time.Duration) *time.Timer {
	timer, ok := timerPool.Get().(*time.Timer)
	if !ok {
		return time.NewTimer(d)
	}
	stopAndDrain(timer)
	timer.Reset(d)
	return timer
}

// ReleaseTimer stops the timer, drains its channel, and returns it to the pool.
func ReleaseTimer(timer *time.Timer) {
	if timer == nil {
		return
	}
	stopAndDrain(timer)
	timerPool.Put(timer)
}

// Sleep blocks for d or until done is closed. It reports whether the full
// duration elapsed.
func Sleep(d time.Duration, done <-chan struct{}) bool {
	if d <= 0 {
		return true
	}
	t := GetTimer(d)
	defer ReleaseTimer(t)
	select {
	case <-t.C:
		return true
	case <-done:
		return false
	}
}

func stopAndDrain(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
