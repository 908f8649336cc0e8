package activebee

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

// Status is the lifecycle state of a unit.
type Status int32

// Valid values for Status.
const (
	// Active units serve requests.
	Active Status = iota
	// Migrating units are being handed off; requests keep queueing.
	Migrating
	// Moved units are forwarding shells relaying requests to the unit's
	// newer location.
	Moved
	// Terminated units reject every request.
	Terminated
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Migrating:
		return "migrating"
	case Moved:
		return "moved"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// UnitInfo describes a unit hosted or forwarded by a hive.
type UnitInfo struct {
	ID       string `json:"id"`
	Class    string `json:"class"`
	Location string `json:"location"`
	Status   string `json:"status"`
	Pending  int    `json:"pending"`
	Forward  string `json:"forward,omitempty"`
	Err      string `json:"error,omitempty"`
}

// unit is an execution unit: one goroutine owning one instance and one
// request queue. Requests are served one at a time, in queue order, subject
// to the unit's filters.
type unit struct {
	sync.Mutex

	id       string
	class    *class
	hive     *hive
	instance interface{}
	corr     string // Correlation ID of the ticket that installed the unit.
	hold     *time.Timer

	queue  *requestQueue
	ctrlCh chan cmdAndChannel
	done   chan struct{}
	status atomic.Int32

	fwd     string // Guarded by the mutex.
	relayMu sync.Mutex

	// Owned by the unit's goroutine.
	filters chain
	own     []Filter // Filters of this unit on top of the class's.
	cancels []func()
	current *Request
	intent  string
	handoff string // Correlation ID of the ticket whose tail is still relayed.
	stopped bool
	step    func() bool
}

func (h *hive) newUnit(id string, c *class, inst interface{}) *unit {
	u := &unit{
		id:       id,
		class:    c,
		hive:     h,
		instance: inst,
		queue:    newRequestQueue(),
		ctrlCh:   make(chan cmdAndChannel, h.config.CmdChBufSize),
		done:     make(chan struct{}),
	}
	u.becomeActive()
	return u
}

func (u *unit) String() string {
	if u.Status() == Moved {
		return fmt.Sprintf("forwarder %v/%v/%v", u.hive.location, u.class.name,
			u.id)
	}
	return fmt.Sprintf("unit %v/%v/%v", u.hive.location, u.class.name, u.id)
}

func (u *unit) ID() string       { return u.id }
func (u *unit) Class() string    { return u.class.name }
func (u *unit) Location() string { return u.hive.location }
func (u *unit) Pending() int     { return u.queue.len() }

func (u *unit) Status() Status {
	return Status(u.status.Load())
}

func (u *unit) setStatus(s Status) {
	u.status.Store(int32(s))
}

func (u *unit) forwardTo() string {
	u.Lock()
	defer u.Unlock()
	return u.fwd
}

func (u *unit) setForward(loc string) {
	u.Lock()
	defer u.Unlock()
	u.fwd = loc
}

func (u *unit) ref() UnitRef {
	loc := u.hive.location
	if u.Status() == Moved {
		loc = u.forwardTo()
	}
	return UnitRef{ID: u.id, Class: u.class.name, Location: loc}
}

func (u *unit) info() UnitInfo {
	i := UnitInfo{
		ID:       u.id,
		Class:    u.class.name,
		Location: u.hive.location,
		Status:   u.Status().String(),
		Pending:  u.queue.len(),
	}
	if u.Status() == Moved {
		i.Forward = u.forwardTo()
	}
	if err := u.queue.closed(); err != nil && u.Status() == Terminated {
		i.Err = err.Error()
	}
	return i
}

// stopHold releases requests held since the unit was installed.
func (u *unit) stopHold() {
	if u.hold != nil {
		u.hold.Stop()
	}
	u.queue.release()
}

func (u *unit) becomeActive() {
	u.setStatus(Active)
	u.step = u.serveNext
}

func (u *unit) becomeForwarder(to string) {
	u.setForward(to)
	u.setStatus(Moved)
	u.step = u.relayNext
	u.cancelWatches()
	glog.V(2).Infof("%v forwards to %v", u, to)
}

func (u *unit) start() {
	defer u.exit()

	glog.V(2).Infof("%v started", u)
	for !u.stopped {
		select {
		case cc := <-u.ctrlCh:
			u.handleCmd(cc)
			continue
		default:
		}

		if u.step() {
			continue
		}
		u.wait()
	}
}

func (u *unit) exit() {
	u.stopHold()
	u.cancelWatches()
	close(u.done)
	glog.V(2).Infof("%v stopped", u)
}

// wait blocks until a command arrives, the queue changes, or, when requests
// are deferred, the filter poll interval passes.
func (u *unit) wait() {
	var poll <-chan time.Time
	if u.queue.len() > 0 {
		t := time.NewTimer(u.hive.config.FilterPollInterval)
		defer t.Stop()
		poll = t.C
	}

	select {
	case cc := <-u.ctrlCh:
		u.handleCmd(cc)
	case <-u.queue.signal():
	case <-poll:
	}
}

// take removes the first request c admits, failing the rejected requests it
// passes on the way.
func (u *unit) take(c chain) (*Request, bool) {
	type rejection struct {
		r   *Request
		err error
	}
	var rejected []rejection
	r, ok := u.queue.take(func(r *Request) Verdict {
		v, f := c.admit(r, u)
		if v == Reject {
			err := ErrRejected
			if rs, ok := f.(Reasoner); ok {
				err = rs.Reason(r)
			}
			rejected = append(rejected, rejection{r, err})
		}
		return v
	})

	for _, rj := range rejected {
		glog.V(2).Infof("%v rejects %v: %v", u, rj.r, rj.err)
		err := &DeliveryError{Unit: u.id, Err: rj.err}
		u.hive.complete(rj.r, nil, err)
		u.hive.emit(Event{Kind: RequestRejected, Unit: u.id, Class: u.class.name,
			Method: rj.r.Method(), Seq: rj.r.seq, Err: err})
	}

	if ok {
		c.served(r)
	}
	return r, ok
}

func (u *unit) serveNext() bool {
	r, ok := u.take(u.filters)
	if !ok {
		return false
	}

	u.serve(r)
	u.afterServe()
	return true
}

func (u *unit) serve(r *Request) {
	m, err := u.class.method(r.Method())
	if err != nil {
		u.finish(r, nil, err)
		return
	}

	prev := u.current
	u.current = r
	v, err := u.invoke(m, r.call)
	u.current = prev
	u.finish(r, v, err)
}

func (u *unit) invoke(m *method, c *call) (v interface{}, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if e, ok := r.(error); ok && IsFatal(e) {
			err = e
			return
		}
		glog.Errorf("%v recovered from a panic in %v: %v\n%s", u, m.name, r,
			debug.Stack())
		err = fmt.Errorf("panic: %v", r)
	}()

	return m.fn(u, c.CallArgs)
}

// finish completes the future of r according to the outcome of its method.
func (u *unit) finish(r *Request, v interface{}, err error) {
	var fe *FatalError
	switch {
	case errors.As(err, &fe):
		ferr := &FatalError{Unit: u.id, Err: fe.Err}
		u.hive.complete(r, nil, ferr)
		u.terminate(ferr)
	case err != nil:
		err = &ExecutionError{Unit: u.id, Method: r.Method(), Seq: r.seq, Err: err}
		u.hive.complete(r, nil, err)
	default:
		if derr := u.queue.closed(); derr != nil {
			// The unit died while this request was waiting on a nested call.
			err = derr
		}
		u.hive.complete(r, v, err)
	}

	u.hive.emit(Event{
		Kind:    RequestServed,
		Unit:    u.id,
		Class:   u.class.name,
		Method:  r.Method(),
		Seq:     r.seq,
		Latency: time.Since(r.arrival),
		Err:     err,
	})
}

func (u *unit) afterServe() {
	if u.intent == "" || u.stopped {
		return
	}

	to := u.intent
	u.intent = ""
	ctx, cancel := context.WithTimeout(context.Background(),
		u.hive.config.MigrateTimeout)
	defer cancel()
	if err := u.migrate(ctx, to); err != nil {
		glog.Errorf("%v cannot migrate to %v: %v", u, to, err)
	}
}

// terminate stops the unit and fails everything still queued with err. When
// err is fatal, later submissions fail with the same error.
func (u *unit) terminate(err error) {
	u.setStatus(Terminated)
	u.stopped = true
	for _, r := range u.queue.close(err) {
		u.hive.complete(r, nil, err)
	}

	if IsFatal(err) {
		glog.Errorf("%v is dead: %v", u, err)
	} else {
		glog.V(2).Infof("%v is terminated", u)
	}
	u.hive.emit(Event{Kind: UnitTerminated, Unit: u.id, Class: u.class.name,
		Err: err})
}

// deliver enqueues r, or relays it right away when the unit is a forwarding
// shell with nothing left to relay. It returns the newer location of the
// unit when r was relayed.
func (u *unit) deliver(r *Request) (moved string, err error) {
	if u.Status() == Moved {
		u.relayMu.Lock()
		defer u.relayMu.Unlock()
		if u.queue.len() == 0 && u.queue.closed() == nil {
			return u.relay(r)
		}
	}

	if err := u.queue.push(r); err != nil {
		return "", err
	}
	u.hive.emit(Event{Kind: RequestEnqueued, Unit: u.id, Class: u.class.name,
		Method: r.Method(), Seq: r.seq})
	return "", nil
}

func (u *unit) relayNext() bool {
	u.relayMu.Lock()
	defer u.relayMu.Unlock()

	r, ok := u.queue.take(func(*Request) Verdict { return Accept })
	if !ok {
		if u.handoff != "" {
			u.completeHandoff()
		}
		return false
	}
	if _, err := u.relay(r); err != nil {
		u.hive.complete(r, nil, err)
	}
	return true
}

// relay sends r to the unit's newer location. The caller holds relayMu.
func (u *unit) relay(r *Request) (moved string, err error) {
	to := u.forwardTo()
	ctx, cancel := context.WithTimeout(context.Background(),
		u.hive.config.ConnTimeout)
	defer cancel()

	r.relayed = true
	moved, err = u.hive.sendRequest(ctx, to, u.id, r)
	if err != nil {
		err = deliveryErr(u.id, err)
		glog.Errorf("%v cannot relay %v to %v: %v", u, r, to, err)
		return "", err
	}

	glog.V(3).Infof("%v relayed %v to %v", u, r, to)
	if moved == "" || moved == to {
		return to, nil
	}
	u.setForward(moved)
	return moved, nil
}

// completeHandoff tells the unit's new hive that every request queued here
// before the migration has been relayed. The caller holds relayMu.
func (u *unit) completeHandoff() {
	to := u.forwardTo()
	ctx, cancel := context.WithTimeout(context.Background(),
		u.hive.config.ConnTimeout)
	defer cancel()

	ack, err := u.hive.sendPacket(ctx, to, handoffPacket{Unit: u.id,
		CorrelationID: u.handoff})
	if err == nil {
		err = ack.err()
	}
	if err != nil {
		glog.Errorf("%v cannot complete the handoff to %v: %v", u, to, err)
	} else {
		glog.V(2).Infof("%v completed the handoff to %v", u, to)
	}
	u.handoff = ""
}

func (u *unit) addFilters(fs ...Filter) {
	for _, f := range fs {
		if f == nil {
			continue
		}
		u.filters = append(u.filters, f)
		if w, ok := f.(Watcher); ok {
			u.cancels = append(u.cancels, w.Watch(u.queue.notify))
		}
	}
	u.queue.notify()
}

// addOwnFilters installs filters that belong to this unit rather than to its
// class. They travel with the unit.
func (u *unit) addOwnFilters(fs ...Filter) {
	for _, f := range fs {
		if f != nil {
			u.own = append(u.own, f)
		}
	}
	u.addFilters(fs...)
}

func (u *unit) cancelWatches() {
	for _, c := range u.cancels {
		c()
	}
	u.cancels = nil
}

func (u *unit) handleCmd(cc cmdAndChannel) {
	glog.V(3).Infof("%v handles cmd %+v", u, cc.cmd)
	switch cmd := cc.cmd.(type) {
	case cmdStop:
		if u.Status() == Moved {
			u.relayMu.Lock()
			u.terminate(&DeliveryError{Unit: u.id, Err: ErrHiveStopped})
			u.relayMu.Unlock()
		} else {
			u.terminate(&DeliveryError{Unit: u.id, Err: ErrTerminated})
		}
		cc.ch <- cmdResult{}

	case cmdMigrate:
		cc.ch <- cmdResult{Err: u.migrate(cmd.ctx, cmd.To)}

	case cmdBypass:
		v, err := u.bypass(cmd)
		cc.ch <- cmdResult{Data: v, Err: err}
		u.afterServe()

	case cmdAddFilters:
		u.addOwnFilters(cmd.Filters...)
		cc.ch <- cmdResult{}

	case cmdRetire:
		u.retire(cmd.into)
		cc.ch <- cmdResult{}

	case cmdPing:
		cc.ch <- cmdResult{}

	default:
		cc.ch <- cmdResult{Err: ErrInvalidCmd}
	}
}

func (u *unit) bypass(cmd cmdBypass) (interface{}, error) {
	if u.Status() == Moved {
		return nil, &DeliveryError{Unit: u.id, Err: ErrNotLocal}
	}

	m, err := u.class.method(cmd.Call.CallMethod)
	if err != nil {
		return nil, &ExecutionError{Unit: u.id, Method: cmd.Call.CallMethod,
			Err: err}
	}

	prev := u.current
	u.current = &Request{call: cmd.Call, caller: cmd.Caller, arrival: time.Now()}
	v, err := u.invoke(m, cmd.Call)
	u.current = prev

	var fe *FatalError
	switch {
	case errors.As(err, &fe):
		ferr := &FatalError{Unit: u.id, Err: fe.Err}
		u.terminate(ferr)
		return nil, ferr
	case err != nil:
		return nil, &ExecutionError{Unit: u.id, Method: m.name, Err: err}
	}
	return v, nil
}

// retire moves the backlog of a forwarding shell into the unit installed in
// its place and stops the shell.
func (u *unit) retire(into *unit) {
	u.relayMu.Lock()
	defer u.relayMu.Unlock()

	for _, r := range u.queue.close(errRetired) {
		if _, err := into.deliver(r); err != nil {
			u.hive.complete(r, nil, deliveryErr(u.id, err))
		}
	}
	u.setStatus(Terminated)
	u.stopped = true
	glog.V(2).Infof("%v is retired in favor of %v", u, into)
}

// processCmd sends a command to the unit's loop and waits for the result.
func (u *unit) processCmd(ctx context.Context, cmd interface{}) (interface{},
	error) {

	ch := make(chan cmdResult, 1)
	select {
	case u.ctrlCh <- newCmdAndChannel(cmd, ch):
	case <-u.done:
		return nil, u.deadErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-ch:
		return res.get()
	case <-u.done:
		select {
		case res := <-ch:
			return res.get()
		default:
			return nil, u.deadErr()
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (u *unit) deadErr() error {
	if err := u.queue.closed(); err != nil {
		return err
	}
	return &DeliveryError{Unit: u.id, Err: ErrTerminated}
}
