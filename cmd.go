package activebee

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidCmd is returned for commands a loop does not understand.
var ErrInvalidCmd = errors.New("activebee: invalid command")

// cmdAndChannel is a control command and the channel its result goes to.
type cmdAndChannel struct {
	cmd interface{}
	ch  chan cmdResult
}

type cmdResult struct {
	Data interface{}
	Err  error
}

func (r cmdResult) get() (interface{}, error) {
	return r.Data, r.Err
}

func newCmdAndChannel(cmd interface{}, ch chan cmdResult) cmdAndChannel {
	return cmdAndChannel{cmd: cmd, ch: ch}
}

// cmdStop stops a hive or terminates a unit.
type cmdStop struct{}

// cmdPing checks that a loop is running.
type cmdPing struct{}

// cmdMigrate moves a unit to another location.
type cmdMigrate struct {
	ctx context.Context
	To  string
}

// cmdBypass runs a non-reifiable call on a unit.
type cmdBypass struct {
	Call   *call
	Caller string
}

// cmdAddFilters installs filters on a unit.
type cmdAddFilters struct {
	Filters []Filter
}

// cmdRetire hands the backlog of a forwarding shell to the unit that
// replaces it and stops the shell.
type cmdRetire struct {
	into *unit
}

func (c cmdMigrate) String() string {
	return fmt.Sprintf("migrate to %v", c.To)
}

func (c cmdBypass) String() string {
	return fmt.Sprintf("bypass %v", c.Call)
}
