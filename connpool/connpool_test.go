package connpool

import (
	"net"
	"testing"
	"time"
)

func listenForTest(t *testing.T) net.Listener {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("cannot listen: %v", err)
	}
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()
	t.Cleanup(func() { l.Close() })
	return l
}

func TestDialerCapsConnections(t *testing.T) {
	l := listenForTest(t)
	d := &Dialer{
		Dialer:         net.Dialer{Timeout: 50 * time.Millisecond},
		MaxConnPerHost: 1,
	}

	c1, err := d.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("cannot dial: %v", err)
	}

	if _, err := d.Dial("tcp", l.Addr().String()); err != ErrTimeout {
		t.Errorf("second dial = %v; want=%v", err, ErrTimeout)
	}

	c1.Close()
	c1.Close()
	c2, err := d.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("cannot dial after close: %v", err)
	}
	c2.Close()

	if s := d.slotsFor("tcp", l.Addr().String()); len(s) != 0 {
		t.Errorf("%d slots held after closing every connection", len(s))
	}
}

func TestErrTimeoutIsTemporary(t *testing.T) {
	var err net.Error = ErrTimeout
	if !err.Timeout() {
		t.Error("ErrTimeout is not a timeout")
	}
}
