package events

import (
	"time"

	"golang.org/x/time/rate"
)

// Throttle forwards at most one event per interval to Next.  Events over the
// rate are dropped.
type Throttle struct {
	Next Publisher
	lim  *rate.Limiter
}

// NewThrottle returns a Throttle passing one event per interval, with a burst of one
func NewThrottle(next Publisher, interval time.Duration) *Throttle {
	return &Throttle{Next: OrDiscard(next), lim: rate.NewLimiter(rate.Every(interval), 1)}
}

// Publish forwards e if the rate allows it
func (t *Throttle) Publish(e Event) {
	if t.lim.Allow() {
		t.Next.Publish(e)
	}
}
