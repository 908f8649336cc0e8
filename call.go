package activebee

import (
	"encoding/gob"
	"fmt"
	"strings"

	abgob "github.com/kandoo/activebee/gob"
)

// Semantics is how the caller of a method observes its completion.
type Semantics int

// Valid values for Semantics.
const (
	// Async calls return a future immediately.
	Async Semantics = iota
	// Sync calls are queued like async ones but the caller waits for the
	// result before the stub returns.
	Sync
	// Oneway calls have no result. Their failures are unobservable.
	Oneway
)

func (s Semantics) String() string {
	switch s {
	case Async:
		return "async"
	case Sync:
		return "sync"
	case Oneway:
		return "oneway"
	}
	return fmt.Sprintf("semantics(%d)", int(s))
}

// Call is the reified form of a method invocation on an active object. Calls
// are immutable once created.
type Call interface {
	// Method returns the name of the invoked method.
	Method() string
	// Args returns a copy of the argument snapshot taken at call time.
	Args() []interface{}
	// Arg returns the i-th argument.
	Arg(i int) interface{}
	// NumArgs returns the number of arguments.
	NumArgs() int
	// Semantics returns whether the call is async, sync or oneway.
	Semantics() Semantics
	// Reifiable returns false for calls that bypass the request queue.
	Reifiable() bool
}

// call is the only implementation of Call. Its fields are exported for gob.
type call struct {
	CallMethod    string
	CallArgs      []interface{}
	CallSemantics Semantics
	CallReifiable bool
}

func (c *call) Method() string       { return c.CallMethod }
func (c *call) NumArgs() int         { return len(c.CallArgs) }
func (c *call) Semantics() Semantics { return c.CallSemantics }
func (c *call) Reifiable() bool      { return c.CallReifiable }

func (c *call) Arg(i int) interface{} {
	return c.CallArgs[i]
}

func (c *call) Args() []interface{} {
	args := make([]interface{}, len(c.CallArgs))
	copy(args, c.CallArgs)
	return args
}

func (c *call) String() string {
	args := make([]string, len(c.CallArgs))
	for i, a := range c.CallArgs {
		args[i] = fmt.Sprintf("%#v", a)
	}
	return fmt.Sprintf("%v %v(%v)", c.CallSemantics, c.CallMethod,
		strings.Join(args, ", "))
}

// newCall captures args for a call. With snapshot, arguments are deep-copied
// through gob so later mutations by the caller are invisible to the unit; an
// argument that cannot be encoded is reported as an error.
func newCall(method string, sem Semantics, reifiable bool, args []interface{},
	snapshot bool) (*call, error) {

	c := &call{
		CallMethod:    method,
		CallSemantics: sem,
		CallReifiable: reifiable,
	}
	if len(args) == 0 {
		return c, nil
	}

	if !snapshot || !reifiable {
		c.CallArgs = make([]interface{}, len(args))
		copy(c.CallArgs, args)
		return c, nil
	}

	if err := abgob.Copy(&c.CallArgs, args); err != nil {
		return nil, fmt.Errorf("activebee: cannot snapshot arguments of %v: %v",
			method, err)
	}
	return c, nil
}

func init() {
	gob.Register(&call{})
}
