package connpool

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	// DefaultMaxConnsPerHost is the default number of connections towards an
	// address.
	DefaultMaxConnsPerHost = 10
)

var (
	// ErrTimeout represents that no connection slot could be grabbed from the
	// pool before the dial timeout or the context expired.
	ErrTimeout = errTimeout{}
)

type errTimeout struct{}

func (err errTimeout) Error() string {
	return "connpool: dial timeout"
}

func (err errTimeout) Temporary() bool {
	return true
}

func (err errTimeout) Timeout() bool {
	return true
}

// Dialer is a dialer that uses a capped pool of slots to bound the number of
// parallel connections towards each address.
type Dialer struct {
	sync.Mutex
	slots map[netAndAddr]slots
	// MaxConnPerHost is the maximum number of parallel connections dialed for
	// each host. If it is set to 0 we use DefaultMaxConnsPerHost.
	MaxConnPerHost int
	// Dialer is the underlying network dialer.
	Dialer net.Dialer
}

type netAndAddr struct {
	net  string
	addr string
}

type slots chan struct{}

func (d *Dialer) slotsFor(network, addr string) slots {
	d.Lock()
	defer d.Unlock()

	if d.slots == nil {
		d.slots = make(map[netAndAddr]slots)
	}

	k := netAndAddr{network, addr}
	s, ok := d.slots[k]
	if !ok {
		max := d.MaxConnPerHost
		if max <= 0 {
			max = DefaultMaxConnsPerHost
		}
		s = make(slots, max)
		d.slots[k] = s
	}
	return s
}

// DialContext dials addr once a slot for addr is available. The slot is
// returned to the pool when the connection is closed.
func (d *Dialer) DialContext(ctx context.Context, network,
	addr string) (net.Conn, error) {

	s := d.slotsFor(network, addr)

	var timeout <-chan time.Time
	if d.Dialer.Timeout > 0 {
		t := time.NewTimer(d.Dialer.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case s <- struct{}{}:
	case <-timeout:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ErrTimeout
	}

	c, err := d.Dialer.DialContext(ctx, network, addr)
	if err != nil {
		<-s
		return nil, err
	}
	return &conn{Conn: c, slots: s}, nil
}

// Dial is DialContext with a background context.
func (d *Dialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

type conn struct {
	net.Conn
	slots slots
	once  sync.Once
}

func (c *conn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { <-c.slots })
	return err
}

// NewHTTPClient creates an HTTP client with the given timeout. Unlike the
// default client, it never opens more than maxConnPerHost connections towards
// each remote host.
func NewHTTPClient(maxConnPerHost int, timeout time.Duration) *http.Client {
	d := &Dialer{
		Dialer: net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		},
		MaxConnPerHost: maxConnPerHost,
	}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:         d.DialContext,
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: maxConnPerHost,
		},
		Timeout: timeout,
	}
}
