package activebee

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kandoo/activebee/bucket"
	abgob "github.com/kandoo/activebee/gob"
)

// Verdict is the decision of a filter on a queued request.
type Verdict int

// Valid values for Verdict.
const (
	// Accept lets the request be served now.
	Accept Verdict = iota
	// Defer leaves the request queued in place.
	Defer
	// Reject removes the request and fails its future with a DeliveryError.
	Reject
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Defer:
		return "defer"
	case Reject:
		return "reject"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// UnitView is the read-only view of a unit that filters get.
type UnitView interface {
	ID() string
	Class() string
	Status() Status
	Pending() int
}

// Filter decides whether a queued request may be served. Filters run on the
// unit's goroutine and must not block.
type Filter interface {
	Admit(r *Request, u UnitView) Verdict
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(r *Request, u UnitView) Verdict

// Admit calls f(r, u).
func (f FilterFunc) Admit(r *Request, u UnitView) Verdict {
	return f(r, u)
}

// Watcher is implemented by filters whose verdicts change without any new
// request arriving. The unit calls Watch when the filter is installed; the
// filter calls wake whenever a deferred request may now be admitted.
type Watcher interface {
	Watch(wake func()) (cancel func())
}

// Reasoner is implemented by filters that explain their rejections.
type Reasoner interface {
	Reason(r *Request) error
}

// Accounter is implemented by filters that need to know which admitted
// requests were actually served.
type Accounter interface {
	Served(r *Request)
}

// Portable is implemented by filters that travel with their unit when it
// migrates or is spawned on another hive. The receiving hive rebuilds the
// filter from State with the FilterFactory registered for Kind, on the
// unit's class or with RegisterFilter. An empty Kind means the filter does
// not travel.
type Portable interface {
	Filter
	Kind() string
	State() ([]byte, error)
}

// FilterFactory rebuilds a portable filter from its state.
type FilterFactory func(state []byte) (Filter, error)

var (
	filterFactoriesMu sync.RWMutex
	filterFactories   = make(map[string]FilterFactory)
)

// RegisterFilter registers the factory of a kind of portable filter for
// every hive of the process. Class-scoped factories take precedence.
func RegisterFilter(kind string, f FilterFactory) {
	filterFactoriesMu.Lock()
	defer filterFactoriesMu.Unlock()
	filterFactories[kind] = f
}

func filterFactory(kind string) (FilterFactory, bool) {
	filterFactoriesMu.RLock()
	defer filterFactoriesMu.RUnlock()
	f, ok := filterFactories[kind]
	return f, ok
}

// portableFilter is the form of a portable filter on the wire.
type portableFilter struct {
	Kind  string
	State []byte
}

// portableFilters captures fs for another hive. It fails on the first
// filter that cannot travel.
func portableFilters(fs []Filter) ([]portableFilter, error) {
	if len(fs) == 0 {
		return nil, nil
	}
	pfs := make([]portableFilter, 0, len(fs))
	for _, f := range fs {
		p, ok := f.(Portable)
		if !ok || p.Kind() == "" {
			return nil, fmt.Errorf("%w: %T", ErrNotPortable, f)
		}
		b, err := p.State()
		if err != nil {
			return nil, fmt.Errorf("cannot capture filter %v: %w", p.Kind(), err)
		}
		pfs = append(pfs, portableFilter{Kind: p.Kind(), State: b})
	}
	return pfs, nil
}

// chain is an ordered list of filters combined with AND. The first filter
// that does not accept decides.
type chain []Filter

func (c chain) admit(r *Request, u UnitView) (Verdict, Filter) {
	for _, f := range c {
		if v := f.Admit(r, u); v != Accept {
			return v, f
		}
	}
	return Accept, nil
}

func (c chain) served(r *Request) {
	for _, f := range c {
		if a, ok := f.(Accounter); ok {
			a.Served(r)
		}
	}
}

// AcceptAll admits every request.
var AcceptAll Filter = FilterFunc(func(r *Request, u UnitView) Verdict {
	return Accept
})

// MethodFilter admits requests for the given methods and defers the rest.
// It is portable.
func MethodFilter(methods ...string) Filter {
	f := methodFilter{set: make(map[string]bool, len(methods))}
	for _, m := range methods {
		f.set[m] = true
	}
	return f
}

type methodFilter struct {
	set map[string]bool
}

func (f methodFilter) Admit(r *Request, u UnitView) Verdict {
	if f.set[r.Method()] {
		return Accept
	}
	return Defer
}

func (f methodFilter) Kind() string { return "activebee.methods" }

func (f methodFilter) State() ([]byte, error) {
	return abgob.Encode(sortedKeys(f.set))
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Gate defers every request while closed. Opening the gate wakes the units
// it is installed on, and they serve the deferred requests in arrival order.
//
// A gate made by NewGate does not travel. A gate made by NewPortableGate
// travels under its kind; the receiving hive decides which gate the kind
// stands for through the factory it registers.
type Gate struct {
	closed atomic.Bool
	kind   string

	mu      sync.Mutex
	nextID  int
	wakeups map[int]func()
}

// NewGate creates a gate, open or closed.
func NewGate(open bool) *Gate {
	g := &Gate{wakeups: make(map[int]func())}
	g.closed.Store(!open)
	return g
}

// NewPortableGate creates a gate that travels as kind.
func NewPortableGate(kind string, open bool) *Gate {
	g := NewGate(open)
	g.kind = kind
	return g
}

// Kind implements Portable.
func (g *Gate) Kind() string { return g.kind }

// State implements Portable. It is a single byte, 1 when the gate is open.
func (g *Gate) State() ([]byte, error) {
	if g.IsOpen() {
		return []byte{1}, nil
	}
	return []byte{0}, nil
}

// GateIsOpen decodes the state of a portable gate.
func GateIsOpen(state []byte) bool {
	return len(state) == 1 && state[0] == 1
}

// Admit implements Filter.
func (g *Gate) Admit(r *Request, u UnitView) Verdict {
	if g.closed.Load() {
		return Defer
	}
	return Accept
}

// Open opens the gate.
func (g *Gate) Open() {
	g.closed.Store(false)

	g.mu.Lock()
	wakeups := make([]func(), 0, len(g.wakeups))
	for _, w := range g.wakeups {
		wakeups = append(wakeups, w)
	}
	g.mu.Unlock()

	for _, w := range wakeups {
		w()
	}
}

// Close closes the gate.
func (g *Gate) Close() {
	g.closed.Store(true)
}

// IsOpen returns whether the gate is open.
func (g *Gate) IsOpen() bool {
	return !g.closed.Load()
}

// Watch implements Watcher.
func (g *Gate) Watch(wake func()) (cancel func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.nextID
	g.nextID++
	g.wakeups[id] = wake
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.wakeups, id)
	}
}

// CallerFilter rejects requests whose caller is not allowed.
func CallerFilter(allow func(caller string) bool) Filter {
	return callerFilter(allow)
}

type callerFilter func(caller string) bool

func (f callerFilter) Admit(r *Request, u UnitView) Verdict {
	if f(r.Caller()) {
		return Accept
	}
	return Reject
}

func (f callerFilter) Reason(r *Request) error {
	return fmt.Errorf("%w: %q", ErrUnauthorized, r.Caller())
}

// AllowCallers rejects requests whose caller is not one of callers. Unlike
// CallerFilter it is portable.
func AllowCallers(callers ...string) Filter {
	f := callerList{set: make(map[string]bool, len(callers))}
	for _, c := range callers {
		f.set[c] = true
	}
	return f
}

type callerList struct {
	set map[string]bool
}

func (f callerList) Admit(r *Request, u UnitView) Verdict {
	if f.set[r.Caller()] {
		return Accept
	}
	return Reject
}

func (f callerList) Reason(r *Request) error {
	return fmt.Errorf("%w: %q", ErrUnauthorized, r.Caller())
}

func (f callerList) Kind() string { return "activebee.callers" }

func (f callerList) State() ([]byte, error) {
	return abgob.Encode(sortedKeys(f.set))
}

func decodeNames(state []byte) ([]string, error) {
	var names []string
	if err := abgob.Decode(&names, state); err != nil {
		return nil, err
	}
	return names, nil
}

func init() {
	RegisterFilter("activebee.methods", func(state []byte) (Filter, error) {
		ms, err := decodeNames(state)
		if err != nil {
			return nil, err
		}
		return MethodFilter(ms...), nil
	})
	RegisterFilter("activebee.callers", func(state []byte) (Filter, error) {
		cs, err := decodeNames(state)
		if err != nil {
			return nil, err
		}
		return AllowCallers(cs...), nil
	})
}

// RateFilter defers requests when the unit serves faster than a token
// bucket allows. A RateFilter can be shared among units to bound their
// aggregate rate.
type RateFilter struct {
	b *bucket.Bucket
}

// NewRateFilter creates a filter admitting at most rate requests per second
// with the given burst.
func NewRateFilter(rate bucket.Rate, burst uint64) *RateFilter {
	return &RateFilter{b: bucket.New(rate, burst)}
}

// Admit implements Filter.
func (f *RateFilter) Admit(r *Request, u UnitView) Verdict {
	if f.b == nil || f.b.Has(1) {
		return Accept
	}
	return Defer
}

// Served implements Accounter.
func (f *RateFilter) Served(r *Request) {
	if f.b != nil {
		f.b.Take(1)
	}
}
