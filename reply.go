package activebee

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/kandoo/activebee/gen"
	"github.com/kandoo/activebee/randtime"
)

// replyTable holds the futures of local callers whose requests are served on
// other hives.
type replyTable struct {
	sync.Mutex
	ids     *gen.Sequencer
	futures map[uint64]*Future
}

func newReplyTable() *replyTable {
	return &replyTable{
		ids:     gen.NewSequencer(0),
		futures: make(map[uint64]*Future),
	}
}

func (t *replyTable) register(f *Future) uint64 {
	t.Lock()
	defer t.Unlock()

	id := t.ids.Next()
	t.futures[id] = f
	return id
}

func (t *replyTable) forget(ids ...uint64) {
	t.Lock()
	defer t.Unlock()

	for _, id := range ids {
		delete(t.futures, id)
	}
}

// complete completes and forgets the future registered as id. It returns
// false for unknown ids, such as duplicate replies.
func (t *replyTable) complete(id uint64, v interface{}, err error) bool {
	t.Lock()
	f, ok := t.futures[id]
	delete(t.futures, id)
	t.Unlock()

	if !ok {
		return false
	}
	f.complete(v, err)
	return true
}

func (t *replyTable) len() int {
	t.Lock()
	defer t.Unlock()
	return len(t.futures)
}

// reply is the completion of a remote future waiting to be sent.
type reply struct {
	To       replyAddr
	Value    interface{}
	Err      wireError
	attempts int
}

func (r reply) packet() replyPacket {
	return replyPacket{Future: r.To.Future, Value: r.Value, Err: r.Err}
}

// outbox sends replies to the hives of remote callers, retrying failed sends
// on a jittered ticker.
type outbox struct {
	h       *hive
	ch      chan reply
	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once
	running atomic.Bool
	pending []reply
}

func newOutbox(h *hive) *outbox {
	return &outbox{
		h:      h,
		ch:     make(chan reply, h.config.CmdChBufSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (o *outbox) send(to replyAddr, v interface{}, err error) {
	if to.Endpoint == o.h.Endpoint() {
		o.h.replies.complete(to.Future, v, err)
		return
	}

	r := reply{To: to, Value: v, Err: newWireError(err)}
	select {
	case o.ch <- r:
	case <-o.stopCh:
		glog.Errorf("%v dropped the reply to %v: outbox stopped", o.h, to)
	}
}

// run starts the outbox goroutine.
func (o *outbox) run() {
	o.running.Store(true)
	go o.start()
}

func (o *outbox) start() {
	defer close(o.doneCh)

	interval := o.h.config.ReplyRetryInterval
	t := randtime.NewTicker(interval, interval/2)
	defer t.Stop()

	for {
		select {
		case r := <-o.ch:
			o.deliver(r)
		case <-t.C:
			o.retry()
		case <-o.stopCh:
			o.flush()
			return
		}
	}
}

// flush makes one last attempt on every reply still queued or pending.
func (o *outbox) flush() {
	for {
		select {
		case r := <-o.ch:
			o.deliver(r)
		default:
			o.retry()
			return
		}
	}
}

func (o *outbox) retry() {
	if len(o.pending) == 0 {
		return
	}
	pending := o.pending
	o.pending = nil
	for _, r := range pending {
		o.deliver(r)
	}
}

func (o *outbox) deliver(r reply) {
	ctx, cancel := context.WithTimeout(context.Background(),
		o.h.config.ConnTimeout)
	defer cancel()

	_, err := o.h.transport.Send(ctx, r.To.Endpoint, Packet{
		From: o.h.location,
		Data: r.packet(),
	})
	if err == nil {
		return
	}

	var ee *EncodeError
	if errors.As(err, &ee) && r.Value != nil {
		glog.Errorf("%v cannot encode the reply to %v: %v", o.h, r.To, err)
		r.Value = nil
		r.Err = newWireError(fmt.Errorf("activebee: cannot encode result: %w",
			ee.Err))
		o.deliver(r)
		return
	}

	r.attempts++
	if r.attempts > o.h.config.ReplyRetries {
		glog.Errorf("%v gives up on the reply to %v: %v", o.h, r.To, err)
		return
	}
	glog.V(2).Infof("%v will retry the reply to %v: %v", o.h, r.To, err)
	o.pending = append(o.pending, r)
}

// stop stops the outbox. Replies sent afterwards are dropped.
func (o *outbox) stop() {
	o.once.Do(func() {
		close(o.stopCh)
	})
	if o.running.Load() {
		<-o.doneCh
	}
}
