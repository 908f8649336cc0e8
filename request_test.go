package activebee

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTestRequest(method string) *Request {
	return &Request{call: &call{CallMethod: method, CallReifiable: true}}
}

func queueMethods(q *requestQueue) []string {
	var ms []string
	rs, _ := q.snapshot()
	for _, r := range rs {
		ms = append(ms, r.Method())
	}
	return ms
}

func TestQueueAssignsSequence(t *testing.T) {
	q := newRequestQueue()
	for _, m := range []string{"a", "b", "c"} {
		if err := q.push(newTestRequest(m)); err != nil {
			t.Fatalf("push(%v) = %v", m, err)
		}
	}

	rs, last := q.snapshot()
	if last != 3 {
		t.Errorf("last seq = %v; want=3", last)
	}
	for i, r := range rs {
		if r.Seq() != uint64(i+1) {
			t.Errorf("seq of %v = %v; want=%v", r.Method(), r.Seq(), i+1)
		}
		if r.Arrival().IsZero() {
			t.Errorf("%v has no arrival time", r.Method())
		}
	}

	select {
	case <-q.signal():
	default:
		t.Error("push did not signal the queue")
	}
}

func TestQueueTake(t *testing.T) {
	q := newRequestQueue()
	for _, m := range []string{"a", "x", "b", "c"} {
		q.push(newTestRequest(m))
	}

	admit := func(r *Request) Verdict {
		switch r.Method() {
		case "x":
			return Reject
		case "c":
			return Accept
		}
		return Defer
	}

	r, ok := q.take(admit)
	if !ok || r.Method() != "c" {
		t.Fatalf("take() = %v, %v; want=c", r, ok)
	}
	if diff := cmp.Diff([]string{"a", "b"}, queueMethods(q)); diff != "" {
		t.Errorf("queue after take (-want +got):\n%s", diff)
	}

	if _, ok := q.take(admit); ok {
		t.Error("take() admitted a deferred request")
	}
}

func TestQueueInstallKeepsSequence(t *testing.T) {
	q := newRequestQueue()
	rs := []*Request{newTestRequest("a"), newTestRequest("b")}
	rs[0].seq, rs[1].seq = 7, 9
	q.install(rs, 5)

	r := newTestRequest("c")
	q.push(r)
	if r.Seq() != 10 {
		t.Errorf("seq after install = %v; want=10", r.Seq())
	}

	empty := newRequestQueue()
	empty.install(nil, 12)
	r = newTestRequest("d")
	empty.push(r)
	if r.Seq() != 13 {
		t.Errorf("seq after an empty install = %v; want=13", r.Seq())
	}

	q.dropFront(2)
	if diff := cmp.Diff([]string{"c"}, queueMethods(q)); diff != "" {
		t.Errorf("queue after dropFront (-want +got):\n%s", diff)
	}
}

func TestQueueClose(t *testing.T) {
	q := newRequestQueue()
	q.push(newTestRequest("a"))

	errDead := errors.New("dead")
	rs := q.close(errDead)
	if len(rs) != 1 || rs[0].Method() != "a" {
		t.Errorf("close() = %v; want=[a]", rs)
	}
	if err := q.push(newTestRequest("b")); err != errDead {
		t.Errorf("push() after close = %v; want=%v", err, errDead)
	}
	if n := q.len(); n != 0 {
		t.Errorf("len() after close = %v; want=0", n)
	}
}

func TestQueueHoldKeepsDirectRequestsBehindRelayed(t *testing.T) {
	q := newRequestQueue()
	q.install([]*Request{{seq: 4, call: &call{CallMethod: "a"}}}, 4)
	q.hold()

	q.push(newTestRequest("direct"))
	relayed := newTestRequest("relayed")
	relayed.relayed = true
	q.push(relayed)

	if diff := cmp.Diff([]string{"a", "relayed"}, queueMethods(q)); diff != "" {
		t.Errorf("queue on hold (-want +got):\n%s", diff)
	}
	select {
	case <-q.released():
		t.Error("queue on hold reports it is released")
	default:
	}

	if !q.release() {
		t.Error("release() = false on a queue on hold")
	}
	if q.release() {
		t.Error("second release() = true")
	}
	<-q.released()

	rs, last := q.snapshot()
	var seqs []uint64
	for _, r := range rs {
		seqs = append(seqs, r.Seq())
	}
	if diff := cmp.Diff([]uint64{4, 5, 6}, seqs); diff != "" {
		t.Errorf("seqs after release (-want +got):\n%s", diff)
	}
	if rs[2].Method() != "direct" || last != 6 {
		t.Errorf("last request = %v (last seq %d); want direct with seq 6",
			rs[2], last)
	}
}

func TestQueueCloseFailsHeldRequests(t *testing.T) {
	q := newRequestQueue()
	q.hold()
	q.push(newTestRequest("a"))

	if rs := q.close(errors.New("dead")); len(rs) != 1 || rs[0].Method() != "a" {
		t.Errorf("close() = %v; want=[a]", rs)
	}
	<-q.released()
}
