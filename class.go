package activebee

import (
	"fmt"
	"sort"
	"sync"

	abgob "github.com/kandoo/activebee/gob"
)

// Factory creates a fresh instance of an active object. Instances are
// pointers; unless they implement Snapshotter they must be encodable with
// encoding/gob to migrate.
type Factory func() interface{}

// MethodFunc implements a method of a class. It runs on the goroutine of the
// unit and reaches the instance through ctx.Instance(). Returning an error
// made by Fatal terminates the unit.
type MethodFunc func(ctx Context, args []interface{}) (interface{}, error)

// Snapshotter is implemented by instances that serialize themselves for
// migration instead of relying on encoding/gob.
type Snapshotter interface {
	Snapshot() ([]byte, error)
	Restore(b []byte) error
}

// Class is the capability set of an active object: a factory plus the
// methods callers may invoke. A class with the same name and methods must be
// registered on every hive its units can reach.
type Class interface {
	// Name returns the name of the class.
	Name() string
	// Method adds a method to the class and returns the class.
	Method(name string, fn MethodFunc, opts ...MethodOption) Class
	// Filter appends filters installed on every unit of the class.
	Filter(fs ...Filter) Class
	// PortableFilter registers the factory that rebuilds portable filters of
	// kind for units of the class arriving at this hive.
	PortableFilter(kind string, f FilterFactory) Class
	// Methods returns the sorted names of the methods.
	Methods() []string
}

// MethodOption configures a method.
type MethodOption func(m *method)

// Bypass makes calls to the method non-reifiable: they skip the queue and the
// filters and run on the unit at its next clean point. Bypass methods work
// only on units local to the caller.
func Bypass() MethodOption {
	return func(m *method) {
		m.bypass = true
	}
}

type method struct {
	name   string
	fn     MethodFunc
	bypass bool
}

type class struct {
	sync.RWMutex

	name    string
	factory Factory
	methods map[string]*method
	filters []Filter
	kinds   map[string]FilterFactory
}

func newClass(name string, f Factory) *class {
	return &class{
		name:    name,
		factory: f,
		methods: make(map[string]*method),
		kinds:   make(map[string]FilterFactory),
	}
}

func (c *class) Name() string {
	return c.name
}

func (c *class) String() string {
	return fmt.Sprintf("class %v", c.name)
}

func (c *class) Method(name string, fn MethodFunc, opts ...MethodOption) Class {
	m := &method{name: name, fn: fn}
	for _, opt := range opts {
		opt(m)
	}

	c.Lock()
	defer c.Unlock()
	c.methods[name] = m
	return c
}

func (c *class) Filter(fs ...Filter) Class {
	c.Lock()
	defer c.Unlock()
	c.filters = append(c.filters, fs...)
	return c
}

func (c *class) PortableFilter(kind string, f FilterFactory) Class {
	c.Lock()
	defer c.Unlock()
	c.kinds[kind] = f
	return c
}

func (c *class) Methods() []string {
	c.RLock()
	defer c.RUnlock()

	names := make([]string, 0, len(c.methods))
	for n := range c.methods {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (c *class) method(name string) (*method, error) {
	c.RLock()
	defer c.RUnlock()

	m, ok := c.methods[name]
	if !ok {
		return nil, fmt.Errorf("%w: %v.%v", ErrNoSuchMethod, c.name, name)
	}
	return m, nil
}

func (c *class) defaultFilters() []Filter {
	c.RLock()
	defer c.RUnlock()

	fs := make([]Filter, len(c.filters))
	copy(fs, c.filters)
	return fs
}

// rebuildFilters turns portable filters received from another hive back into
// filters.
func (c *class) rebuildFilters(pfs []portableFilter) ([]Filter, error) {
	fs := make([]Filter, 0, len(pfs))
	for _, pf := range pfs {
		c.RLock()
		fn, ok := c.kinds[pf.Kind]
		c.RUnlock()
		if !ok {
			fn, ok = filterFactory(pf.Kind)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %v for %v", ErrNoSuchFilter, pf.Kind,
				c.name)
		}
		f, err := fn(pf.State)
		if err != nil {
			return nil, fmt.Errorf("cannot rebuild filter %v: %w", pf.Kind, err)
		}
		fs = append(fs, f)
	}
	return fs, nil
}

func (c *class) save(inst interface{}) ([]byte, error) {
	if s, ok := inst.(Snapshotter); ok {
		return s.Snapshot()
	}
	return abgob.Encode(inst)
}

func (c *class) restore(b []byte) (interface{}, error) {
	inst := c.factory()
	if s, ok := inst.(Snapshotter); ok {
		return inst, s.Restore(b)
	}
	if err := abgob.Decode(inst, b); err != nil {
		return nil, err
	}
	return inst, nil
}
