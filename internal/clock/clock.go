// Package clock abstracts the monotonic time source used for TTLs,
// backoff, and heartbeat timeout detection.
package clock

import "time"

// Clock supplies the current time and timer scheduling.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

// System returns a Clock backed by the runtime clock.
func System() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
