package activebee

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"strings"
	"sync"

	abgob "github.com/kandoo/activebee/gob"
)

// Transport carries packets between hives. Send delivers a packet to the
// hive listening at endpoint to and waits for its acknowledgement. Receive
// returns the next inbound packet; the receiver must Respond to every one.
type Transport interface {
	// Endpoint returns the address other hives use to reach this transport.
	Endpoint() string
	// Send sends p to the endpoint and returns the acknowledgement.
	Send(ctx context.Context, to string, p Packet) (Ack, error)
	// Receive blocks until a packet arrives, ctx is done, or the transport is
	// closed.
	Receive(ctx context.Context) (*Inbound, error)
	// Close releases the transport. Pending and later calls fail.
	Close() error
}

// Listener is implemented by transports that must bind before receiving.
// The hive calls Listen when it starts.
type Listener interface {
	Listen() error
}

// ErrTransportClosed is returned by a closed transport.
var ErrTransportClosed = errors.New("activebee: transport closed")

// EncodeError is returned by transports when a packet cannot be encoded.
// Retrying the same packet never helps.
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("activebee: cannot encode packet: %v", e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// Packet is the unit of communication between hives. Data is one of the
// packet types registered with gob in this package.
type Packet struct {
	From string // Location of the sender.
	Data interface{}
}

// Ack acknowledges a packet. Moved is set when the addressed unit has moved
// and the packet was relayed; it names the unit's newer location.
type Ack struct {
	Data  interface{}
	Moved string
	Err   wireError
}

func (a Ack) err() error {
	return a.Err.err()
}

// Inbound is a received packet awaiting its acknowledgement.
type Inbound struct {
	Packet Packet

	once sync.Once
	ack  chan Ack
}

// NewInbound wraps p for a receiver. Transports call it for every packet.
func NewInbound(p Packet) *Inbound {
	return &Inbound{
		Packet: p,
		ack:    make(chan Ack, 1),
	}
}

// Respond acknowledges the packet. Only the first response counts.
func (in *Inbound) Respond(a Ack) {
	in.once.Do(func() {
		in.ack <- a
	})
}

// Acked returns the channel the acknowledgement is delivered on.
func (in *Inbound) Acked() <-chan Ack {
	return in.ack
}

// requestPacket delivers a request to a unit.
type requestPacket struct {
	Unit    string
	Request wireRequest
}

// replyPacket completes a future registered in the reply table of the
// receiving hive.
type replyPacket struct {
	Future uint64
	Value  interface{}
	Err    wireError
}

// ticketPacket installs a migrating unit.
type ticketPacket struct {
	Ticket MigrationTicket
}

// handoffPacket tells the new hive of a unit that the old one relayed every
// request it had queued.
type handoffPacket struct {
	Unit          string
	CorrelationID string
}

// spawnPacket asks a hive to spawn a unit.
type spawnPacket struct {
	Class   string
	ID      string
	Filters []portableFilter
}

// migratePacket asks a hive to migrate one of its units.
type migratePacket struct {
	Unit string
	To   string
}

// terminatePacket asks a hive to terminate one of its units.
type terminatePacket struct {
	Unit string
}

// pingPacket checks whether a hive is alive.
type pingPacket struct{}

type errKind int

const (
	errNone errKind = iota
	errDelivery
	errExecution
	errFatal
	errMigration
	errOther
)

// wireError preserves the classification of an error across transports. Only
// messages survive for wrapped errors, except for the package's sentinels.
type wireError struct {
	Kind   errKind
	Unit   string
	Method string
	To     string
	Seq    uint64
	Msg    string
}

func newWireError(err error) wireError {
	if err == nil {
		return wireError{}
	}

	var fe *FatalError
	var ee *ExecutionError
	var de *DeliveryError
	var ma *MigrationAbort
	switch {
	case errors.As(err, &fe):
		return wireError{Kind: errFatal, Unit: fe.Unit, Msg: message(fe.Err)}
	case errors.As(err, &ee):
		return wireError{Kind: errExecution, Unit: ee.Unit, Method: ee.Method,
			Seq: ee.Seq, Msg: message(ee.Err)}
	case errors.As(err, &de):
		return wireError{Kind: errDelivery, Unit: de.Unit, Msg: message(de.Err)}
	case errors.As(err, &ma):
		return wireError{Kind: errMigration, Unit: ma.Unit, To: ma.To,
			Msg: message(ma.Err)}
	default:
		return wireError{Kind: errOther, Msg: message(err)}
	}
}

func message(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (w wireError) inner() error {
	if w.Msg == "" {
		return nil
	}
	for _, s := range sentinels {
		if w.Msg == s.Error() {
			return s
		}
		if rest, ok := strings.CutPrefix(w.Msg, s.Error()); ok {
			return fmt.Errorf("%w%s", s, rest)
		}
	}
	return abgob.Error(w.Msg)
}

func (w wireError) err() error {
	switch w.Kind {
	case errNone:
		return nil
	case errDelivery:
		return &DeliveryError{Unit: w.Unit, Err: w.inner()}
	case errExecution:
		return &ExecutionError{Unit: w.Unit, Method: w.Method, Seq: w.Seq,
			Err: w.inner()}
	case errFatal:
		return &FatalError{Unit: w.Unit, Err: w.inner()}
	case errMigration:
		return &MigrationAbort{Unit: w.Unit, To: w.To, Err: w.inner()}
	default:
		if err := w.inner(); err != nil {
			return err
		}
		return abgob.Error("activebee: unknown error")
	}
}

func init() {
	gob.Register(requestPacket{})
	gob.Register(replyPacket{})
	gob.Register(ticketPacket{})
	gob.Register(handoffPacket{})
	gob.Register(spawnPacket{})
	gob.Register(migratePacket{})
	gob.Register(terminatePacket{})
	gob.Register(pingPacket{})
	gob.Register(UnitRef{})
}
