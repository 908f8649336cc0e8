package activebee

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/kandoo/activebee/gen"
)

// Request is a Call bound to its future and queued at a unit. Requests are
// read-only for filters.
type Request struct {
	seq     uint64
	call    *call
	caller  string
	arrival time.Time

	// future is set when the caller lives on this hive. replyTo is set when
	// the future lives on another hive. Neither is set for oneway calls.
	future  *Future
	replyTo replyAddr

	// relayed is set on requests a forwarding shell passed on.
	relayed bool
}

// replyAddr addresses a future registered in the reply table of a hive.
type replyAddr struct {
	Endpoint string
	Future   uint64
}

func (a replyAddr) isNil() bool {
	return a.Endpoint == ""
}

// Seq returns the sequence number the unit assigned on arrival.
func (r *Request) Seq() uint64 { return r.seq }

// Call returns the call of this request.
func (r *Request) Call() Call { return r.call }

// Method is a shortcut for r.Call().Method().
func (r *Request) Method() string { return r.call.CallMethod }

// Caller returns the identity of the caller, if the stub carried one.
func (r *Request) Caller() string { return r.caller }

// Arrival returns when the request arrived at its unit.
func (r *Request) Arrival() time.Time { return r.arrival }

// Oneway returns whether nobody awaits the request.
func (r *Request) Oneway() bool {
	return r.future == nil && r.replyTo.isNil()
}

func (r *Request) String() string {
	return fmt.Sprintf("request #%d %v from %q", r.seq, r.call, r.caller)
}

// wireRequest is the form of a request on the wire.
type wireRequest struct {
	Seq     uint64
	Call    *call
	Caller  string
	Arrival time.Time
	ReplyTo replyAddr
	Relayed bool
}

func (r *Request) wire() wireRequest {
	return wireRequest{
		Seq:     r.seq,
		Call:    r.call,
		Caller:  r.caller,
		Arrival: r.arrival,
		ReplyTo: r.replyTo,
		Relayed: r.relayed,
	}
}

func (w wireRequest) request() *Request {
	return &Request{
		seq:     w.Seq,
		call:    w.Call,
		caller:  w.Caller,
		arrival: w.Arrival,
		replyTo: w.ReplyTo,
		relayed: w.Relayed,
	}
}

// requestQueue is the FIFO of requests of a unit. Any goroutine can push;
// only the owning unit takes. Sequence numbers are assigned under the lock
// so list order and seq order agree.
//
// A queue on hold keeps requests that were not relayed aside, without a
// sequence number, until release. Relayed requests are queued right away.
type requestQueue struct {
	sync.Mutex
	items   *list.List
	seq     *gen.Sequencer
	sig     chan struct{}
	err     error
	holding bool
	held    []*Request
	unheld  chan struct{}
}

func newRequestQueue() *requestQueue {
	return &requestQueue{
		items: list.New(),
		seq:   gen.NewSequencer(0),
		sig:   make(chan struct{}, 1),
	}
}

// push appends r with the next sequence number. It fails with the error the
// queue was closed with.
func (q *requestQueue) push(r *Request) error {
	q.Lock()
	if q.err != nil {
		err := q.err
		q.Unlock()
		return err
	}
	if r.arrival.IsZero() {
		r.arrival = time.Now()
	}
	if q.holding && !r.relayed {
		q.held = append(q.held, r)
		q.Unlock()
		return nil
	}
	r.seq = q.seq.Next()
	q.items.PushBack(r)
	q.Unlock()

	q.notify()
	return nil
}

// hold puts the queue on hold.
func (q *requestQueue) hold() {
	q.Lock()
	defer q.Unlock()
	if !q.holding {
		q.holding = true
		q.unheld = make(chan struct{})
	}
}

// released returns a channel closed once the queue is no longer on hold.
func (q *requestQueue) released() <-chan struct{} {
	q.Lock()
	defer q.Unlock()
	if !q.holding {
		return closedCh
	}
	return q.unheld
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// release queues the held requests behind everything queued so far. It
// returns false if the queue was not on hold.
func (q *requestQueue) release() bool {
	q.Lock()
	if !q.holding {
		q.Unlock()
		return false
	}
	q.holding = false
	close(q.unheld)
	for _, r := range q.held {
		r.seq = q.seq.Next()
		q.items.PushBack(r)
	}
	q.held = nil
	q.Unlock()

	q.notify()
	return true
}

// install appends requests that already carry sequence numbers, as received
// in a migration ticket, and moves the sequencer past them.
func (q *requestQueue) install(rs []*Request, last uint64) {
	q.Lock()
	q.seq.SkipTo(last)
	for _, r := range rs {
		q.items.PushBack(r)
		q.seq.SkipTo(r.seq)
	}
	q.Unlock()

	q.notify()
}

// notify wakes up the owner of the queue.
func (q *requestQueue) notify() {
	select {
	case q.sig <- struct{}{}:
	default:
	}
}

func (q *requestQueue) signal() <-chan struct{} {
	return q.sig
}

func (q *requestQueue) len() int {
	q.Lock()
	defer q.Unlock()
	return q.items.Len() + len(q.held)
}

// take scans the queue from the front and removes the first request admit
// accepts. Rejected requests are removed on the way; deferred ones stay in
// place.
func (q *requestQueue) take(admit func(r *Request) Verdict) (*Request, bool) {
	q.Lock()
	defer q.Unlock()

	for e := q.items.Front(); e != nil; {
		next := e.Next()
		r := e.Value.(*Request)
		switch admit(r) {
		case Accept:
			q.items.Remove(e)
			return r, true
		case Reject:
			q.items.Remove(e)
		}
		e = next
	}
	return nil, false
}

// snapshot returns the queued requests in order without removing them, and
// the last sequence number issued.
func (q *requestQueue) snapshot() (rs []*Request, last uint64) {
	q.Lock()
	defer q.Unlock()

	rs = make([]*Request, 0, q.items.Len())
	for e := q.items.Front(); e != nil; e = e.Next() {
		rs = append(rs, e.Value.(*Request))
	}
	return rs, q.seq.Last()
}

// dropFront removes the first n requests.
func (q *requestQueue) dropFront(n int) {
	q.Lock()
	defer q.Unlock()

	for ; n > 0 && q.items.Len() > 0; n-- {
		q.items.Remove(q.items.Front())
	}
}

// close empties the queue and makes every later push fail with err. It
// returns the requests that were still queued.
func (q *requestQueue) close(err error) []*Request {
	q.Lock()
	defer q.Unlock()

	if q.err == nil {
		q.err = err
	}
	rs := make([]*Request, 0, q.items.Len()+len(q.held))
	for e := q.items.Front(); e != nil; e = e.Next() {
		rs = append(rs, e.Value.(*Request))
	}
	rs = append(rs, q.held...)
	q.items.Init()
	q.held = nil
	if q.holding {
		q.holding = false
		close(q.unheld)
	}
	return rs
}

// closed returns the error the queue was closed with, if any.
func (q *requestQueue) closed() error {
	q.Lock()
	defer q.Unlock()
	return q.err
}
