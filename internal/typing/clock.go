package typing

import "time"

// Timer is a cancelable scheduled callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the call prevented the
	// timer from firing; a false return does not guarantee the callback
	// already ran to completion.
	Stop() bool
}

// Clock schedules callbacks. The real implementation wraps
// time.AfterFunc; tests inject a manual clock to make expiry
// deterministic.
type Clock interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// RealClock returns a Clock backed by wall-clock timers.
func RealClock() Clock {
	return realClock{}
}
