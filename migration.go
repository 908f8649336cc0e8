package activebee

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
)

// MigrationTicket carries a unit to another hive: its instance, encoded by
// the class, its own filters, and every request queued when the migration
// started, with the sequence numbers they already have.
type MigrationTicket struct {
	CorrelationID string
	Unit          string
	Class         string
	From          string
	To            string
	Instance      []byte
	Filters       []portableFilter
	Requests      []wireRequest
	LastSeq       uint64
}

func (t MigrationTicket) String() string {
	return fmt.Sprintf("ticket %v for %v/%v (%v -> %v, %d requests)",
		t.CorrelationID, t.Class, t.Unit, t.From, t.To, len(t.Requests))
}

// migrate hands the unit off to the hive at location to. It runs on the
// unit's goroutine between requests. On success the unit becomes a
// forwarding shell; on failure the unit is active again with its queue
// untouched and the returned error is a *MigrationAbort.
func (u *unit) migrate(ctx context.Context, to string) error {
	switch u.Status() {
	case Moved:
		return &MigrationAbort{Unit: u.id, To: to,
			Err: fmt.Errorf("%w to %v", ErrMoved, u.forwardTo())}
	case Terminated:
		return &MigrationAbort{Unit: u.id, To: to, Err: u.deadErr()}
	}

	if u.hive.isLocal(to) {
		return nil
	}
	select {
	case <-u.queue.released():
	case <-ctx.Done():
		return &MigrationAbort{Unit: u.id, To: to,
			Err: fmt.Errorf("previous handoff is not complete: %w", ctx.Err())}
	}

	glog.V(2).Infof("%v starts to migrate to %v", u, to)
	u.setStatus(Migrating)
	u.hive.emit(Event{Kind: MigrationStarted, Unit: u.id, Class: u.class.name,
		Location: to})
	start := time.Now()

	t, regs, err := u.ticket(to)
	if err == nil {
		err = u.hive.sendTicket(ctx, to, t)
	}
	if err != nil {
		u.hive.replies.forget(regs...)
		u.setStatus(Active)
		abort := &MigrationAbort{Unit: u.id, To: to, Err: err}
		glog.Errorf("%v: %v", u, abort)
		u.hive.emit(Event{Kind: MigrationAborted, Unit: u.id,
			Class: u.class.name, Location: to, Err: abort})
		return abort
	}

	u.queue.dropFront(len(t.Requests))
	u.handoff = t.CorrelationID
	u.becomeForwarder(to)
	glog.V(1).Infof("%v migrated to %v with %d requests", u, to,
		len(t.Requests))
	u.hive.emit(Event{Kind: MigrationCompleted, Unit: u.id, Class: u.class.name,
		Location: to, Latency: time.Since(start)})
	return nil
}

// ticket builds the migration ticket. Futures of local callers are
// registered in the reply table so the destination can complete them; their
// ids are returned for cleanup on abort.
func (u *unit) ticket(to string) (*MigrationTicket, []uint64, error) {
	inst, err := u.class.save(u.instance)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot save instance: %w", err)
	}
	filters, err := portableFilters(u.own)
	if err != nil {
		return nil, nil, err
	}

	pending, last := u.queue.snapshot()
	t := &MigrationTicket{
		CorrelationID: uuid.NewString(),
		Unit:          u.id,
		Class:         u.class.name,
		From:          u.hive.location,
		To:            to,
		Instance:      inst,
		Filters:       filters,
		Requests:      make([]wireRequest, 0, len(pending)),
		LastSeq:       last,
	}

	var regs []uint64
	for _, r := range pending {
		w := r.wire()
		if r.future != nil {
			id := u.hive.replies.register(r.future)
			regs = append(regs, id)
			w.ReplyTo = replyAddr{Endpoint: u.hive.Endpoint(), Future: id}
		}
		t.Requests = append(t.Requests, w)
	}
	return t, regs, nil
}

// completeHandoff releases the requests held by a unit installed from the
// ticket with the given correlation ID.
func (h *hive) completeHandoff(id, corr string) error {
	u, ok := h.localUnit(id)
	if !ok {
		return &DeliveryError{Unit: id, Err: ErrNoSuchUnit}
	}
	if u.corr != corr {
		glog.V(2).Infof("%v ignores a stale handoff for %v", h, u)
		return nil
	}
	u.stopHold()
	return nil
}

func (h *hive) sendTicket(ctx context.Context, to string,
	t *MigrationTicket) error {

	ack, err := h.sendPacket(ctx, to, ticketPacket{Ticket: *t})
	if err != nil {
		return err
	}
	return ack.err()
}

// install creates a unit from a migration ticket. Installing the same ticket
// twice is a no-op. A forwarding shell for the unit on this hive is replaced
// and its backlog is queued behind the ticket's requests.
//
// The unit holds requests that reach it directly until the source reports
// that it relayed everything queued there, or until the migrate timeout.
func (h *hive) install(t *MigrationTicket) error {
	c, ok := h.class(t.Class)
	if !ok {
		return fmt.Errorf("%w: %v", ErrNoSuchClass, t.Class)
	}

	inst, err := c.restore(t.Instance)
	if err != nil {
		return fmt.Errorf("activebee: cannot restore %v: %w", t.Unit, err)
	}

	filters, err := c.rebuildFilters(t.Filters)
	if err != nil {
		return err
	}

	rs := make([]*Request, 0, len(t.Requests))
	for _, w := range t.Requests {
		rs = append(rs, w.request())
	}

	h.Lock()
	old := h.units[t.Unit]
	if old != nil {
		if old.corr == t.CorrelationID {
			h.Unlock()
			return nil
		}
		if s := old.Status(); s != Moved && s != Terminated {
			h.Unlock()
			return fmt.Errorf("activebee: unit %v is %v on %v", t.Unit, s,
				h.location)
		}
	}
	if h.status.Load() == hiveStopped {
		h.Unlock()
		return ErrHiveStopped
	}
	u := h.newUnit(t.Unit, c, inst)
	u.addFilters(c.defaultFilters()...)
	u.addOwnFilters(filters...)
	u.corr = t.CorrelationID
	u.queue.hold()
	u.queue.install(rs, t.LastSeq)
	u.hold = time.AfterFunc(h.config.MigrateTimeout, func() {
		if u.queue.release() {
			glog.Warningf("%v released %v without a handoff from %v", h, u,
				t.From)
		}
	})
	h.units[t.Unit] = u
	h.Unlock()

	go u.start()

	if old != nil && old.Status() == Moved {
		ctx, cancel := context.WithTimeout(context.Background(),
			h.config.MigrateTimeout)
		defer cancel()
		if _, err := old.processCmd(ctx, cmdRetire{into: u}); err != nil {
			glog.Errorf("%v cannot retire %v: %v", h, old, err)
		}
	}

	glog.V(1).Infof("%v installed %v", h, t)
	h.emit(Event{Kind: UnitCreated, Unit: u.id, Class: c.name,
		Location: h.location})
	return nil
}
