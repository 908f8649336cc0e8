package activebee

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
)

// FutureState is the state of a future.
type FutureState int32

// Valid values for FutureState.
const (
	Pending FutureState = iota
	Resolved
	Failed
)

func (s FutureState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Future is a write-once cell holding the eventual result of an async call.
// It is resolved or failed exactly once by the unit that serves the call, and
// can be read by any number of goroutines.
type Future struct {
	once  sync.Once
	done  chan struct{}
	state atomic.Int32
	value interface{}
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// completedFuture returns a future that is already resolved or failed.
func completedFuture(v interface{}, err error) *Future {
	f := newFuture()
	f.complete(v, err)
	return f
}

// complete resolves the future with v if err is nil and fails it with err
// otherwise. Only the first completion takes effect; it returns whether this
// call was the one.
func (f *Future) complete(v interface{}, err error) (ok bool) {
	f.once.Do(func() {
		if err != nil {
			f.err = err
			f.state.Store(int32(Failed))
		} else {
			f.value = v
			f.state.Store(int32(Resolved))
		}
		close(f.done)
		ok = true
	})
	return ok
}

func (f *Future) resolve(v interface{}) bool { return f.complete(v, nil) }

func (f *Future) fail(err error) bool {
	if err == nil {
		err = fmt.Errorf("activebee: future failed without an error")
	}
	return f.complete(nil, err)
}

// State returns the current state of the future.
func (f *Future) State() FutureState {
	return FutureState(f.state.Load())
}

// Done returns a channel that is closed once the future completes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Poll returns the outcome of the future without blocking. ok is false while
// the future is pending.
func (f *Future) Poll() (v interface{}, ok bool, err error) {
	select {
	case <-f.done:
		return f.value, true, f.err
	default:
		return nil, false, nil
	}
}

// Await blocks until the future completes or ctx is done. When ctx expires
// first, the returned error wraps both ErrTimeout and ctx.Err() and the
// future remains pending.
func (f *Future) Await(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.value, f.err
	default:
	}

	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
}

func (f *Future) String() string {
	switch s := f.State(); s {
	case Resolved:
		return fmt.Sprintf("future(%v: %v)", s, f.value)
	case Failed:
		return fmt.Sprintf("future(%v: %v)", s, f.err)
	default:
		return fmt.Sprintf("future(%v)", s)
	}
}

// AwaitValue awaits f and asserts its value to T.
func AwaitValue[T any](ctx context.Context, f *Future) (T, error) {
	var zero T
	v, err := f.Await(ctx)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("activebee: future holds %T, not %T", v, zero)
	}
	return t, nil
}

// AwaitAny blocks until one of fs completes and returns its index.
func AwaitAny(ctx context.Context, fs ...*Future) (int, error) {
	if len(fs) == 0 {
		return -1, fmt.Errorf("activebee: no futures to await")
	}

	cases := make([]reflect.SelectCase, 0, len(fs)+1)
	for _, f := range fs {
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(f.done),
		})
	}
	cases = append(cases, reflect.SelectCase{
		Dir:  reflect.SelectRecv,
		Chan: reflect.ValueOf(ctx.Done()),
	})

	i, _, _ := reflect.Select(cases)
	if i == len(fs) {
		return -1, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
	return i, nil
}

// AwaitAll blocks until all of fs complete. It returns their values in order
// and the error of the first failed future, if any.
func AwaitAll(ctx context.Context, fs ...*Future) ([]interface{}, error) {
	vals := make([]interface{}, len(fs))
	var ferr error
	for i, f := range fs {
		v, err := f.Await(ctx)
		if err != nil {
			if ctx.Err() != nil && f.State() == Pending {
				return vals, err
			}
			if ferr == nil {
				ferr = err
			}
			continue
		}
		vals[i] = v
	}
	return vals, ferr
}
