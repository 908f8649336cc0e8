package activebee

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// UnitRef names a unit and where it was last known to live.
type UnitRef struct {
	ID       string
	Class    string
	Location string
}

func (r UnitRef) String() string {
	return fmt.Sprintf("%v/%v@%v", r.Class, r.ID, r.Location)
}

// Stub is the caller-side proxy of a unit. It turns method invocations into
// calls and submits them to the unit wherever it lives. Stubs are safe for
// concurrent use; calls submitted through one stub from one goroutine reach
// the unit in submission order.
//
// Whether a method bypasses the queue is decided by the class on the stub's
// hive. When that hive has neither the class nor the unit, every call is
// queued.
type Stub struct {
	hive   *hive
	caller string

	mu  sync.Mutex
	ref UnitRef
}

// StubOption configures a stub.
type StubOption func(s *Stub)

// AsCaller sets the caller identity the stub attaches to its requests.
func AsCaller(caller string) StubOption {
	return func(s *Stub) {
		s.caller = caller
	}
}

func (s *Stub) String() string {
	return fmt.Sprintf("stub of %v", s.Ref())
}

// Ref returns the reference of the unit, with its last known location.
func (s *Stub) Ref() UnitRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ref
}

// ID returns the id of the unit.
func (s *Stub) ID() string {
	return s.Ref().ID
}

func (s *Stub) location() string {
	return s.Ref().Location
}

func (s *Stub) setLocation(loc string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ref.Location = loc
}

// Call invokes method asynchronously and returns its future. Errors in
// building the call, such as arguments that cannot be snapshotted, are
// returned directly; every later failure is delivered through the future.
func (s *Stub) Call(method string, args ...interface{}) (*Future, error) {
	return s.invoke(method, Async, args)
}

// CallSync invokes method and waits for its result.
func (s *Stub) CallSync(ctx context.Context, method string,
	args ...interface{}) (interface{}, error) {

	f, err := s.invoke(method, Sync, args)
	if err != nil {
		return nil, err
	}
	return f.Await(ctx)
}

// Send invokes method without expecting a result. Only failures to submit
// the call are returned.
func (s *Stub) Send(method string, args ...interface{}) error {
	_, err := s.invoke(method, Oneway, args)
	return err
}

func (s *Stub) invoke(method string, sem Semantics,
	args []interface{}) (*Future, error) {

	reifiable := true
	if c, ok := s.class(); ok {
		m, err := c.method(method)
		if err != nil {
			return nil, err
		}
		reifiable = !m.bypass
	} else {
		glog.V(2).Infof("%v has no class on %v; %v is queued", s,
			s.hive.location, method)
	}

	c, err := newCall(method, sem, reifiable, args, s.hive.config.SnapshotArgs)
	if err != nil {
		return nil, err
	}

	if !reifiable {
		f := s.bypass(c)
		if sem == Oneway {
			return nil, nil
		}
		return f, nil
	}

	var f *Future
	if sem != Oneway {
		f = newFuture()
	}
	r := &Request{call: c, caller: s.caller, future: f}
	if err := s.submit(r); err != nil {
		if f == nil {
			return nil, err
		}
		f.fail(err)
	}
	return f, nil
}

// class returns the class of the unit as known to the stub's hive: the
// class named in the reference, or else the class of the local unit.
func (s *Stub) class() (*class, bool) {
	ref := s.Ref()
	if c, ok := s.hive.class(ref.Class); ok {
		return c, true
	}
	if !s.hive.isLocal(ref.Location) {
		return nil, false
	}
	if u, ok := s.hive.localUnit(ref.ID); ok {
		return u.class, true
	}
	return nil, false
}

// submit hands r to the unit, locally or through the transport.
func (s *Stub) submit(r *Request) error {
	id := s.ID()
	loc := s.location()

	var moved string
	var err error
	if s.hive.isLocal(loc) {
		moved, err = s.hive.deliver(id, r)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(),
			s.hive.config.ConnTimeout)
		moved, err = s.hive.sendRequest(ctx, loc, id, r)
		cancel()
	}
	if err != nil {
		return deliveryErr(id, err)
	}

	if moved != "" && moved != loc {
		s.setLocation(moved)
	}
	return nil
}

// bypass runs a non-reifiable call on the unit's goroutine, ahead of the
// queue and regardless of filters. The unit must be local.
func (s *Stub) bypass(c *call) *Future {
	id := s.ID()
	u, ok := s.hive.localUnit(id)
	if !ok || !s.hive.isLocal(s.location()) {
		return completedFuture(nil, &DeliveryError{Unit: id, Err: ErrNotLocal})
	}

	ctx, cancel := context.WithTimeout(context.Background(),
		s.hive.config.MigrateTimeout)
	defer cancel()
	v, err := u.processCmd(ctx, cmdBypass{Call: c, Caller: s.caller})
	return completedFuture(v, err)
}

// Migrate moves the unit to the hive at location to. It returns a
// MigrationAbort when the unit stays where it is.
func (s *Stub) Migrate(ctx context.Context, to string) error {
	id := s.ID()
	loc := s.location()
	if s.hive.isLocal(loc) {
		err := s.hive.Migrate(ctx, id, to)
		if err == nil {
			s.setLocation(to)
		}
		return err
	}

	ack, err := s.hive.sendPacket(ctx, loc, migratePacket{Unit: id, To: to})
	if err != nil {
		return &MigrationAbort{Unit: id, To: to, Err: err}
	}
	if err := ack.err(); err != nil {
		return err
	}
	s.setLocation(to)
	return nil
}

// Terminate terminates the unit. Requests still queued fail with a
// DeliveryError wrapping ErrTerminated.
func (s *Stub) Terminate(ctx context.Context) error {
	id := s.ID()
	loc := s.location()
	if s.hive.isLocal(loc) {
		return s.hive.Terminate(ctx, id)
	}

	ack, err := s.hive.sendPacket(ctx, loc, terminatePacket{Unit: id})
	if err != nil {
		return deliveryErr(id, err)
	}
	return ack.err()
}
