// Package clock provides an injectable time source so the detection loops
// can be driven deterministically in tests.
//
// Production code uses Real(). Tests use Fake() and call Advance to move
// time forward; WaitForWaiters blocks until a goroutine has parked on After,
// which removes the race between a loop going to sleep and the test advancing.
package clock

import "time"

// Clock abstracts the time operations used by the telemetry core.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after d elapses.
	// If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time
}

// Seconds returns whole seconds elapsed on c since epoch, clamped at zero.
func Seconds(c Clock, epoch time.Time) uint64 {
	d := c.Now().Sub(epoch)
	if d < 0 {
		return 0
	}
	return uint64(d / time.Second)
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
