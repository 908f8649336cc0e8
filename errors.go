package activebee

import (
	"errors"
	"fmt"
)

var (
	// ErrTerminated is returned for requests sent to a unit that was explicitly
	// terminated or whose hive stopped.
	ErrTerminated = errors.New("activebee: unit terminated")
	// ErrNoSuchUnit is returned when the target hive does not know the unit.
	ErrNoSuchUnit = errors.New("activebee: no such unit")
	// ErrNoSuchClass is returned when a class is not registered on a hive.
	ErrNoSuchClass = errors.New("activebee: no such class")
	// ErrNoSuchMethod is returned when a call names a method that is not in
	// the class's capability set.
	ErrNoSuchMethod = errors.New("activebee: no such method")
	// ErrNotLocal is returned for operations that need the unit to live on the
	// calling hive, such as bypass calls.
	ErrNotLocal = errors.New("activebee: unit is not local")
	// ErrMoved is returned by operations on a forwarding shell that only the
	// unit itself can perform.
	ErrMoved = errors.New("activebee: unit has moved")
	// ErrUnauthorized is the reason CallerFilter gives for rejected callers.
	ErrUnauthorized = errors.New("activebee: caller is not authorized")
	// ErrRejected is the reason given for requests rejected by a filter that
	// does not explain itself.
	ErrRejected = errors.New("activebee: request rejected by filter")
	// ErrTimeout is wrapped by the error Await returns when its context expires
	// before the future completes. The future stays pending.
	ErrTimeout = errors.New("activebee: await timed out")
	// ErrHiveStopped is returned when the hive is not running.
	ErrHiveStopped = errors.New("activebee: hive stopped")
	// ErrNotPortable is returned when a filter of a unit has to travel to
	// another hive but does not implement Portable.
	ErrNotPortable = errors.New("activebee: filter is not portable")
	// ErrNoSuchFilter is returned when a hive has no factory for the kind of
	// a portable filter.
	ErrNoSuchFilter = errors.New("activebee: no such filter kind")

	errRetired = errors.New("activebee: forwarding shell retired")
)

// sentinels are matched by message when errors are rebuilt after crossing a
// transport.
var sentinels = []error{
	ErrTerminated,
	ErrNoSuchUnit,
	ErrNoSuchClass,
	ErrNoSuchMethod,
	ErrNotLocal,
	ErrMoved,
	ErrUnauthorized,
	ErrRejected,
	ErrHiveStopped,
	ErrNotPortable,
	ErrNoSuchFilter,
}

// DeliveryError reports that a request could not reach its unit: the unit is
// unknown, unreachable or terminated, or a filter rejected the request.
type DeliveryError struct {
	Unit string
	Err  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("activebee: cannot deliver to unit %v: %v", e.Unit, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ExecutionError reports that the method of one request failed. It never
// affects other requests or the unit.
type ExecutionError struct {
	Unit   string
	Method string
	Seq    uint64
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("activebee: unit %v failed in %v (#%d): %v", e.Unit,
		e.Method, e.Seq, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// FatalError reports that the instance of a unit is corrupted. The unit is
// terminated and every pending and later request fails with the same error
// until the unit is recreated.
type FatalError struct {
	Unit string
	Err  error
}

func (e *FatalError) Error() string {
	if e.Unit == "" {
		return fmt.Sprintf("activebee: fatal: %v", e.Err)
	}
	return fmt.Sprintf("activebee: unit %v is dead: %v", e.Unit, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal marks err as fatal to the unit executing the current method. Methods
// return it (or panic with it) to terminate their unit.
func Fatal(err error) error {
	if err == nil {
		err = errors.New("unknown fatal error")
	}
	return &FatalError{Err: err}
}

// IsFatal returns whether err is or wraps a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// MigrationAbort is returned to the initiator of a migration that could not
// be completed. The unit keeps running at its source with its queue intact.
type MigrationAbort struct {
	Unit string
	To   string
	Err  error
}

func (e *MigrationAbort) Error() string {
	return fmt.Sprintf("activebee: migration of unit %v to %v aborted: %v",
		e.Unit, e.To, e.Err)
}

func (e *MigrationAbort) Unwrap() error { return e.Err }

// deliveryErr wraps err as a DeliveryError unless it already carries a
// classified error.
func deliveryErr(unit string, err error) error {
	if err == nil {
		return nil
	}
	var de *DeliveryError
	var fe *FatalError
	if errors.As(err, &de) || errors.As(err, &fe) {
		return err
	}
	return &DeliveryError{Unit: unit, Err: err}
}
