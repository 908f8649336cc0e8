package activebee

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
)

// Context is passed to methods. It is only valid on the goroutine running the
// method and only until the method returns.
type Context interface {
	// ID returns the id of the unit serving the request.
	ID() string
	// Class returns the class name of the unit.
	Class() string
	// Location returns the location of the hive hosting the unit.
	Location() string
	// Hive returns the hive hosting the unit.
	Hive() Hive

	// Instance returns the instance owned by the unit.
	Instance() interface{}
	// Request returns the request being served.
	Request() *Request

	// Self returns a stub to the unit itself, identified as the caller.
	Self() *Stub
	// Stub returns a stub to another unit that identifies this unit as the
	// caller.
	Stub(ref UnitRef) *Stub

	// Await waits for f without releasing the unit. When admit is not empty,
	// queued requests that pass both the unit's filters and admit are served
	// on this goroutine while waiting; everything else waits until the
	// current request finishes. The instance may therefore change across an
	// Await with filters.
	Await(ctx context.Context, f *Future, admit ...Filter) (interface{}, error)

	// MigrateTo moves the unit to location once the current request
	// completes. Requests queued by then move with it.
	MigrateTo(location string)
}

func (u *unit) Hive() Hive {
	return u.hive
}

func (u *unit) Instance() interface{} {
	return u.instance
}

func (u *unit) Request() *Request {
	return u.current
}

func (u *unit) Self() *Stub {
	return u.Stub(UnitRef{ID: u.id, Class: u.class.name, Location: u.hive.location})
}

func (u *unit) Stub(ref UnitRef) *Stub {
	return u.hive.Stub(ref, AsCaller(u.id))
}

func (u *unit) MigrateTo(location string) {
	u.intent = location
}

func (u *unit) Await(ctx context.Context, f *Future,
	admit ...Filter) (interface{}, error) {

	if len(admit) == 0 || u.current == nil {
		return f.Await(ctx)
	}

	c := make(chain, 0, len(u.filters)+len(admit))
	c = append(c, u.filters...)
	c = append(c, admit...)

	glog.V(3).Infof("%v waits on %v serving nested requests", u, f)
	for {
		select {
		case <-f.Done():
			return f.Await(ctx)
		default:
		}

		if err := u.queue.closed(); err != nil {
			return nil, err
		}

		if r, ok := u.take(c); ok {
			u.serve(r)
			continue
		}

		if err := u.waitNested(ctx, f); err != nil {
			return nil, err
		}
	}
}

func (u *unit) waitNested(ctx context.Context, f *Future) error {
	var poll <-chan time.Time
	if u.queue.len() > 0 {
		t := time.NewTimer(u.hive.config.FilterPollInterval)
		defer t.Stop()
		poll = t.C
	}

	select {
	case <-f.Done():
	case <-u.queue.signal():
	case <-poll:
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
	return nil
}
