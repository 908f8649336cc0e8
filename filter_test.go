package activebee

import (
	"errors"
	"testing"

	"github.com/kandoo/activebee/bucket"
)

type viewForTest struct{}

func (viewForTest) ID() string     { return "u" }
func (viewForTest) Class() string  { return "c" }
func (viewForTest) Status() Status { return Active }
func (viewForTest) Pending() int   { return 0 }

func TestChainShortCircuits(t *testing.T) {
	called := false
	c := chain{
		MethodFilter("a"),
		FilterFunc(func(r *Request, u UnitView) Verdict {
			called = true
			return Reject
		}),
	}

	if v, _ := c.admit(newTestRequest("b"), viewForTest{}); v != Defer {
		t.Errorf("admit(b) = %v; want=%v", v, Defer)
	}
	if called {
		t.Error("chain evaluated a filter after a deferral")
	}

	v, f := c.admit(newTestRequest("a"), viewForTest{})
	if v != Reject || f == nil {
		t.Errorf("admit(a) = %v, %v; want=%v and the rejecting filter", v, f,
			Reject)
	}
}

func TestGate(t *testing.T) {
	g := NewGate(false)
	r := newTestRequest("a")
	if v := g.Admit(r, viewForTest{}); v != Defer {
		t.Errorf("closed gate: Admit() = %v; want=%v", v, Defer)
	}

	woken := 0
	cancel := g.Watch(func() { woken++ })
	g.Open()
	if woken != 1 {
		t.Errorf("Open() woke %d watchers; want=1", woken)
	}
	if v := g.Admit(r, viewForTest{}); v != Accept {
		t.Errorf("open gate: Admit() = %v; want=%v", v, Accept)
	}

	cancel()
	g.Close()
	g.Open()
	if woken != 1 {
		t.Errorf("canceled watcher was woken")
	}
}

func TestCallerFilter(t *testing.T) {
	f := CallerFilter(func(c string) bool { return c == "alice" })

	r := newTestRequest("a")
	r.caller = "alice"
	if v := f.Admit(r, viewForTest{}); v != Accept {
		t.Errorf("Admit(alice) = %v; want=%v", v, Accept)
	}

	r.caller = "mallory"
	if v := f.Admit(r, viewForTest{}); v != Reject {
		t.Errorf("Admit(mallory) = %v; want=%v", v, Reject)
	}
	if err := f.(Reasoner).Reason(r); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Reason() = %v; want=%v", err, ErrUnauthorized)
	}
}

func TestRateFilter(t *testing.T) {
	f := NewRateFilter(bucket.TPS, 1)
	r := newTestRequest("a")
	if v := f.Admit(r, viewForTest{}); v != Accept {
		t.Fatalf("first Admit() = %v; want=%v", v, Accept)
	}
	f.Served(r)
	if v := f.Admit(r, viewForTest{}); v != Defer {
		t.Errorf("Admit() after the burst = %v; want=%v", v, Defer)
	}

	unlimited := NewRateFilter(bucket.Unlimited, 0)
	for i := 0; i < 10; i++ {
		unlimited.Served(r)
	}
	if v := unlimited.Admit(r, viewForTest{}); v != Accept {
		t.Errorf("unlimited Admit() = %v; want=%v", v, Accept)
	}
}

func TestPortableFilters(t *testing.T) {
	pfs, err := portableFilters([]Filter{
		MethodFilter("get", "inc"),
		AllowCallers("alice"),
	})
	if err != nil {
		t.Fatalf("cannot capture filters: %v", err)
	}

	c := newClass("c", nil)
	fs, err := c.rebuildFilters(pfs)
	if err != nil {
		t.Fatalf("cannot rebuild filters: %v", err)
	}
	if len(fs) != 2 {
		t.Fatalf("rebuilt %d filters; want=2", len(fs))
	}

	r := newTestRequest("get")
	r.caller = "alice"
	if v, _ := chain(fs).admit(r, viewForTest{}); v != Accept {
		t.Errorf("admit(alice get) = %v; want=%v", v, Accept)
	}
	r = newTestRequest("del")
	r.caller = "alice"
	if v, _ := chain(fs).admit(r, viewForTest{}); v != Defer {
		t.Errorf("admit(alice del) = %v; want=%v", v, Defer)
	}
	r = newTestRequest("get")
	r.caller = "mallory"
	v, f := chain(fs).admit(r, viewForTest{})
	if v != Reject || !errors.Is(f.(Reasoner).Reason(r), ErrUnauthorized) {
		t.Errorf("admit(mallory get) = %v; want=%v for %v", v, Reject,
			ErrUnauthorized)
	}
}

func TestFiltersThatDoNotTravel(t *testing.T) {
	for _, f := range []Filter{
		CallerFilter(func(string) bool { return true }),
		NewGate(true),
		NewRateFilter(bucket.TPS, 1),
		AcceptAll,
	} {
		if _, err := portableFilters([]Filter{f}); !errors.Is(err,
			ErrNotPortable) {
			t.Errorf("portableFilters(%T) = %v; want=%v", f, err, ErrNotPortable)
		}
	}
}

func TestPortableGate(t *testing.T) {
	g := NewPortableGate("maintenance", false)
	pfs, err := portableFilters([]Filter{g})
	if err != nil {
		t.Fatalf("cannot capture gate: %v", err)
	}
	if GateIsOpen(pfs[0].State) {
		t.Error("closed gate travels as open")
	}

	c := newClass("c", nil)
	if _, err := c.rebuildFilters(pfs); !errors.Is(err, ErrNoSuchFilter) {
		t.Errorf("rebuild without a factory = %v; want=%v", err, ErrNoSuchFilter)
	}

	there := NewGate(true)
	c.PortableFilter("maintenance", func(state []byte) (Filter, error) {
		if !GateIsOpen(state) {
			there.Close()
		}
		return there, nil
	})
	fs, err := c.rebuildFilters(pfs)
	if err != nil || len(fs) != 1 || fs[0] != Filter(there) {
		t.Fatalf("rebuild = %v, %v; want the registered gate", fs, err)
	}
	if there.IsOpen() {
		t.Error("rebuilt gate is open; want closed")
	}
}
