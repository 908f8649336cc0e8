package activebee

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreCurrent())
}

func waitTilStarted(t *testing.T, h Hive) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.WaitStarted(ctx); err != nil {
		t.Fatalf("hive %v did not start: %v", h.Location(), err)
	}
}

func newHiveForTest(t *testing.T, net *InMemNetwork, loc string,
	opts ...HiveOption) Hive {

	opts = append([]HiveOption{
		Location(loc),
		WithTransport(net.Transport(loc)),
		FilterPollInterval(5 * time.Millisecond),
		ConnTimeout(time.Second),
		MigrateTimeout(2 * time.Second),
		ReplyRetries(3, 10*time.Millisecond),
	}, opts...)
	h := NewHiveWithConfig(DefaultCfg, opts...)
	registerTestClasses(h)
	go h.Start()
	waitTilStarted(t, h)
	t.Cleanup(func() {
		h.Stop()
	})
	return h
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// counter is the instance of the "counter" class.
type counter struct {
	N int
}

// journal is the instance of the "journal" class. It records the arguments
// of append in the order they were served.
type journal struct {
	Entries []string
}

var (
	active    atomic.Int32
	maxActive atomic.Int32
)

func registerTestClasses(h Hive) {
	h.NewClass("counter", func() interface{} { return &counter{} }).
		Method("inc", func(ctx Context, args []interface{}) (interface{}, error) {
			c := ctx.Instance().(*counter)
			c.N += args[0].(int)
			return c.N, nil
		}).
		Method("get", func(ctx Context, args []interface{}) (interface{}, error) {
			return ctx.Instance().(*counter).N, nil
		}).
		Method("peek", func(ctx Context, args []interface{}) (interface{}, error) {
			return ctx.Instance().(*counter).N, nil
		}, Bypass()).
		Method("fail", func(ctx Context, args []interface{}) (interface{}, error) {
			return nil, errors.New("boom")
		}).
		Method("panic", func(ctx Context, args []interface{}) (interface{}, error) {
			panic("oops")
		}).
		Method("corrupt", func(ctx Context, args []interface{}) (interface{}, error) {
			return nil, Fatal(errors.New("corrupted"))
		}).
		Method("busy", func(ctx Context, args []interface{}) (interface{}, error) {
			n := active.Add(1)
			defer active.Add(-1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			c := ctx.Instance().(*counter)
			c.N++
			time.Sleep(100 * time.Microsecond)
			return c.N, nil
		}).
		Method("askself", func(ctx Context, args []interface{}) (interface{}, error) {
			f, err := ctx.Self().Call("get")
			if err != nil {
				return nil, err
			}
			actx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return ctx.Await(actx, f, MethodFilter("get"))
		}).
		Method("moveto", func(ctx Context, args []interface{}) (interface{}, error) {
			ctx.MigrateTo(args[0].(string))
			return ctx.Location(), nil
		}).
		Method("caller", func(ctx Context, args []interface{}) (interface{}, error) {
			return ctx.Request().Caller(), nil
		})

	h.NewClass("journal", func() interface{} { return &journal{} }).
		Method("append", func(ctx Context, args []interface{}) (interface{}, error) {
			j := ctx.Instance().(*journal)
			j.Entries = append(j.Entries, args[0].(string))
			return ctx.Request().Seq(), nil
		}).
		Method("entries", func(ctx Context, args []interface{}) (interface{}, error) {
			j := ctx.Instance().(*journal)
			es := make([]string, len(j.Entries))
			copy(es, j.Entries)
			return es, nil
		}).
		Method("ping", func(ctx Context, args []interface{}) (interface{}, error) {
			return "pong", nil
		})
}

// eventRecorder collects events for tests.
type eventRecorder struct {
	sync.Mutex
	events []Event
}

func (r *eventRecorder) Observe(e Event) {
	r.Lock()
	defer r.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) kinds(unit string) []EventKind {
	r.Lock()
	defer r.Unlock()

	var ks []EventKind
	for _, e := range r.events {
		if e.Unit == unit {
			ks = append(ks, e.Kind)
		}
	}
	return ks
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting: %v", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
