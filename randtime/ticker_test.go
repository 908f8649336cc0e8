package randtime

import (
	"testing"
	"time"
)

func TestTickerWindow(t *testing.T) {
	dur := 5 * time.Millisecond
	delta := 5 * time.Millisecond
	prev := time.Now()
	tk := NewTicker(dur, delta)
	defer tk.Stop()

	for i := 0; i < 5; i++ {
		tick := <-tk.C
		if d := tick.Sub(prev); d < dur {
			t.Errorf("tick %d came after %v; want at least %v", i, d, dur)
		}
		prev = tick
	}
}

func TestTickerStopTwice(t *testing.T) {
	tk := NewTicker(time.Millisecond, 0)
	tk.Stop()
	tk.Stop()
}
