// Package randtime provides a ticker whose ticks are spread uniformly over a
// window. Hives use it to retry replies without synchronizing retries across
// peers.
package randtime

import (
	"math/rand"
	"time"
)

// Ticker delivers ticks on C every d, where d is uniformly selected from
// [dur, dur+delta) for each tick.
type Ticker struct {
	C    <-chan time.Time
	stop chan struct{}
	done chan struct{}
}

// NewTicker starts a new Ticker. It panics if dur is not positive.
func NewTicker(dur time.Duration, delta time.Duration) *Ticker {
	if dur <= 0 {
		panic("randtime: non-positive interval for NewTicker")
	}

	ch := make(chan time.Time, 1)
	t := &Ticker{
		C:    ch,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go func() {
		defer close(t.done)
		timer := time.NewTimer(next(dur, delta))
		defer timer.Stop()
		for {
			select {
			case tick := <-timer.C:
				select {
				case ch <- tick:
				default:
					// Drop the tick like time.Ticker does for slow receivers.
				}
				timer.Reset(next(dur, delta))
			case <-t.stop:
				return
			}
		}
	}()
	return t
}

func next(dur, delta time.Duration) time.Duration {
	if delta <= 0 {
		return dur
	}
	return dur + time.Duration(rand.Int63n(int64(delta)))
}

// Stop turns off the ticker and waits for its goroutine to exit. Stop is
// idempotent.
func (t *Ticker) Stop() {
	select {
	case t.stop <- struct{}{}:
	case <-t.done:
	}
	<-t.done
}
