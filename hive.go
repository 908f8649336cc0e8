package activebee

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	abgob "github.com/kandoo/activebee/gob"
)

// Hive hosts execution units and connects them to units on other hives.
type Hive interface {
	// Location returns the logical location of the hive.
	Location() string
	// Endpoint returns the transport endpoint of the hive.
	Endpoint() string
	// Config returns the hive configuration.
	Config() HiveConfig

	// Start starts the hive. This function blocks.
	Start() error
	// Stop terminates all units and stops the hive. It blocks until the hive
	// is actually stopped.
	Stop() error
	// WaitStarted blocks until the hive is started and serving.
	WaitStarted(ctx context.Context) error

	// NewClass registers a class. Classes must be registered before units of
	// the class are spawned or migrated to the hive.
	NewClass(name string, f Factory) Class
	// RegisterType registers a type that travels in arguments or results.
	RegisterType(v interface{})

	// Spawn creates a unit of the class on this hive.
	Spawn(class string, opts ...SpawnOption) (*Stub, error)
	// SpawnAt creates a unit of the class on the hive at location.
	SpawnAt(ctx context.Context, location, class string,
		opts ...SpawnOption) (*Stub, error)
	// Recreate replaces a terminated unit with a fresh instance under the
	// same id.
	Recreate(id string) (*Stub, error)
	// Stub returns a stub for the unit.
	Stub(ref UnitRef, opts ...StubOption) *Stub

	// Migrate moves a unit of this hive to location to. Units that already
	// left this hive are followed.
	Migrate(ctx context.Context, id, to string) error
	// Terminate terminates a unit.
	Terminate(ctx context.Context, id string) error
	// Ping checks that the hive at location is reachable and serving.
	Ping(ctx context.Context, location string) error
	// AddFilters installs filters on a local unit.
	AddFilters(id string, fs ...Filter) error

	// Units returns the units hosted or forwarded by this hive.
	Units() []UnitInfo
	// Unit returns the information of one unit.
	Unit(id string) (UnitInfo, error)

	// Subscribe registers an observer of lifecycle events.
	Subscribe(o Observer) (cancel func())
}

// SpawnOption configures a spawned unit.
type SpawnOption func(s *spawnSpec)

type spawnSpec struct {
	id      string
	filters []Filter
}

// WithID sets the id of the unit instead of a random UUID.
func WithID(id string) SpawnOption {
	return func(s *spawnSpec) { s.id = id }
}

// WithFilters installs filters on the unit after the class's filters. Units
// spawned on other hives only take filters that implement Portable.
func WithFilters(fs ...Filter) SpawnOption {
	return func(s *spawnSpec) { s.filters = append(s.filters, fs...) }
}

// hiveStatus represents the status of a hive.
type hiveStatus = int32

// Valid values for hiveStatus.
const (
	hiveNew hiveStatus = iota
	hiveStarted
	hiveStopped
)

// NewHive creates a hive configured by command line flags and opts.
func NewHive(opts ...HiveOption) Hive {
	if !flag.Parsed() {
		flag.Parse()
	}

	return NewHiveWithConfig(DefaultCfg, opts...)
}

// NewHiveWithConfig creates a hive from cfg and opts.
func NewHiveWithConfig(cfg HiveConfig, opts ...HiveOption) Hive {
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	t := cfg.Transport
	if t == nil {
		t = NewHTTPTransport(cfg.Addr, cfg.ConnTimeout)
	}
	if cfg.Location == "" {
		cfg.Location = t.Endpoint()
	}
	p := cfg.Placement
	if p == nil {
		p = NewStaticPlacement(cfg.Locations, false)
	}

	h := &hive{
		config:    cfg,
		location:  cfg.Location,
		ctrlCh:    make(chan cmdAndChannel, cfg.CmdChBufSize),
		stopCh:    make(chan struct{}),
		recvDone:  make(chan struct{}),
		classes:   make(map[string]*class),
		units:     make(map[string]*unit),
		transport: t,
		placement: p,
		replies:   newReplyTable(),
		events:    newEventBus(cfg.EventChBufSize),
	}
	h.outbox = newOutbox(h)

	if cfg.Instrument {
		h.registry = prometheus.NewRegistry()
		m, err := NewMetrics(h.registry)
		if err == nil {
			h.Subscribe(m)
			err = h.registry.Register(h.events.droppedCounter())
		}
		if err != nil {
			glog.Errorf("%v cannot register metrics: %v", h, err)
		}
	}
	if r, ok := t.(adminRouter); ok {
		h.mountAdmin(r.Admin())
	}
	return h
}

// The internal implementation of Hive.
type hive struct {
	sync.RWMutex

	config   HiveConfig
	location string
	status   atomic.Int32

	ctrlCh chan cmdAndChannel
	sigCh  chan os.Signal
	stopCh chan struct{}

	classes map[string]*class
	units   map[string]*unit

	transport  Transport
	placement  Placement
	recvCancel context.CancelFunc
	recvDone   chan struct{}
	inflight   sync.WaitGroup

	replies  *replyTable
	outbox   *outbox
	events   *eventBus
	registry *prometheus.Registry
}

func (h *hive) String() string {
	return fmt.Sprintf("hive %v@%v", h.location, h.Endpoint())
}

func (h *hive) Location() string {
	return h.location
}

func (h *hive) Endpoint() string {
	return h.transport.Endpoint()
}

func (h *hive) Config() HiveConfig {
	return h.config
}

func (h *hive) RegisterType(v interface{}) {
	abgob.Register(v)
}

func (h *hive) isLocal(location string) bool {
	return location == h.location
}

func (h *hive) Start() error {
	if !h.status.CompareAndSwap(hiveNew, hiveStarted) {
		return errors.New("activebee: hive is already started")
	}

	if l, ok := h.transport.(Listener); ok {
		if err := l.Listen(); err != nil {
			glog.Errorf("%v cannot start listener: %v", h, err)
			h.status.Store(hiveStopped)
			h.shutdown(false)
			return err
		}
	}
	if h.config.HandleSignals {
		h.registerSignals()
	}

	go h.events.start()
	h.outbox.run()

	ctx, cancel := context.WithCancel(context.Background())
	h.recvCancel = cancel
	go h.receive(ctx)

	glog.V(2).Infof("%v starts control loop", h)
	for h.status.Load() == hiveStarted {
		cc := <-h.ctrlCh
		h.handleCmd(cc)
	}
	return nil
}

func (h *hive) Stop() error {
	if h.status.CompareAndSwap(hiveNew, hiveStopped) {
		h.shutdown(false)
		return nil
	}

	if h.status.Load() == hiveStopped {
		return errors.New("activebee: hive is already stopped")
	}

	_, err := h.processCmd(cmdStop{})
	return err
}

func (h *hive) handleCmd(cc cmdAndChannel) {
	glog.V(2).Infof("%v handles cmd %+v", h, cc.cmd)
	switch cc.cmd.(type) {
	case cmdStop:
		h.status.Store(hiveStopped)
		h.shutdown(true)
		cc.ch <- cmdResult{}

	case cmdPing:
		cc.ch <- cmdResult{}

	default:
		cc.ch <- cmdResult{Err: ErrInvalidCmd}
	}
}

func (h *hive) processCmd(cmd interface{}) (interface{}, error) {
	ch := make(chan cmdResult, 1)
	h.ctrlCh <- newCmdAndChannel(cmd, ch)
	return (<-ch).get()
}

// WaitStarted blocks until the control loop of the hive runs.
func (h *hive) WaitStarted(ctx context.Context) error {
	ch := make(chan cmdResult, 1)
	select {
	case h.ctrlCh <- newCmdAndChannel(cmdPing{}, ch):
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case r := <-ch:
		_, err := r.get()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shutdown stops the units first and flushes their replies before closing
// the transport.
func (h *hive) shutdown(started bool) {
	glog.Infof("%v is stopping...", h)
	if !started {
		// An outbox that never ran has nobody to flush it.
		h.outbox.stop()
	}
	h.stopUnits()

	if started {
		h.recvCancel()
		<-h.recvDone
		h.inflight.Wait()
		h.outbox.stop()
	}
	if err := h.transport.Close(); err != nil {
		glog.Errorf("%v cannot close its transport: %v", h, err)
	}
	if started {
		h.events.stop()
	}
	h.stopSignals()
	close(h.stopCh)
	glog.Infof("%v stopped", h)
}

func (h *hive) stopUnits() {
	h.RLock()
	us := make([]*unit, 0, len(h.units))
	for _, u := range h.units {
		us = append(us, u)
	}
	h.RUnlock()

	var g errgroup.Group
	for _, u := range us {
		u := u
		g.Go(func() error {
			return h.stopUnit(u)
		})
	}
	if err := g.Wait(); err != nil {
		glog.Errorf("%v cannot stop all units: %v", h, err)
	}
}

func (h *hive) stopUnit(u *unit) error {
	tries := 5
	for {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := u.processCmd(ctx, cmdStop{})
		cancel()
		if err == nil || !errors.Is(err, context.DeadlineExceeded) {
			<-u.done
			return nil
		}
		if tries--; tries < 0 {
			glog.Infof("Giving up on %v", u)
			return fmt.Errorf("%v did not stop", u)
		}
		glog.Infof("Still waiting for %v...", u)
	}
}

func (h *hive) receive(ctx context.Context) {
	defer close(h.recvDone)
	for {
		in, err := h.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, ErrTransportClosed) {
				glog.Errorf("%v cannot receive: %v", h, err)
			}
			return
		}

		h.inflight.Add(1)
		go func() {
			defer h.inflight.Done()
			h.handleInbound(in)
		}()
	}
}

func (h *hive) handleInbound(in *Inbound) {
	glog.V(3).Infof("%v received %#v from %v", h, in.Packet.Data, in.Packet.From)

	var ack Ack
	switch p := in.Packet.Data.(type) {
	case requestPacket:
		moved, err := h.deliver(p.Unit, p.Request.request())
		ack = Ack{Moved: moved, Err: newWireError(err)}

	case replyPacket:
		if !h.replies.complete(p.Future, p.Value, p.Err.err()) {
			glog.V(2).Infof("%v drops a reply for unknown future %v", h, p.Future)
		}

	case ticketPacket:
		ack.Err = newWireError(h.install(&p.Ticket))

	case handoffPacket:
		ack.Err = newWireError(h.completeHandoff(p.Unit, p.CorrelationID))

	case spawnPacket:
		s, err := h.spawnRemote(p)
		if err == nil {
			ack.Data = s.Ref()
		}
		ack.Err = newWireError(err)

	case migratePacket:
		ctx, cancel := context.WithTimeout(context.Background(),
			h.config.MigrateTimeout)
		ack.Err = newWireError(h.Migrate(ctx, p.Unit, p.To))
		cancel()

	case terminatePacket:
		ctx, cancel := context.WithTimeout(context.Background(),
			h.config.ConnTimeout)
		ack.Err = newWireError(h.Terminate(ctx, p.Unit))
		cancel()

	case pingPacket:

	default:
		ack.Err = newWireError(fmt.Errorf("activebee: unknown packet %T", p))
	}
	in.Respond(ack)
}

func (h *hive) sendPacket(ctx context.Context, location string,
	data interface{}) (Ack, error) {

	ep, err := h.placement.Resolve(location)
	if err != nil {
		return Ack{}, err
	}
	return h.transport.Send(ctx, ep, Packet{From: h.location, Data: data})
}

// sendRequest submits r to unit id at location. The future of a local caller
// is registered in the reply table for the remote hive to complete.
func (h *hive) sendRequest(ctx context.Context, location, id string,
	r *Request) (moved string, err error) {

	w := r.wire()
	var reg uint64
	if r.future != nil {
		reg = h.replies.register(r.future)
		w.ReplyTo = replyAddr{Endpoint: h.Endpoint(), Future: reg}
	}

	ack, err := h.sendPacket(ctx, location, requestPacket{Unit: id, Request: w})
	if err == nil {
		err = ack.err()
	}
	if err != nil {
		if reg != 0 {
			h.replies.forget(reg)
		}
		return "", err
	}
	return ack.Moved, nil
}

// deliver hands r to a unit of this hive.
func (h *hive) deliver(id string, r *Request) (moved string, err error) {
	for {
		u, ok := h.localUnit(id)
		if !ok {
			return "", &DeliveryError{Unit: id, Err: ErrNoSuchUnit}
		}
		moved, err = u.deliver(r)
		if errors.Is(err, errRetired) {
			continue
		}
		return moved, err
	}
}

// complete resolves or fails the future of r wherever it lives.
func (h *hive) complete(r *Request, v interface{}, err error) {
	switch {
	case r.future != nil:
		r.future.complete(v, err)
	case !r.replyTo.isNil():
		h.outbox.send(r.replyTo, v, err)
	case err != nil:
		glog.V(2).Infof("%v: oneway %v failed: %v", h, r, err)
	}
}

func (h *hive) emit(e Event) {
	e.Hive = h.location
	h.events.emit(e)
}

func (h *hive) Subscribe(o Observer) (cancel func()) {
	return h.events.subscribe(o)
}

func (h *hive) NewClass(name string, f Factory) Class {
	c := newClass(name, f)

	h.Lock()
	defer h.Unlock()
	if _, ok := h.classes[name]; ok {
		glog.Warningf("%v replaces class %v", h, name)
	}
	h.classes[name] = c
	return c
}

func (h *hive) class(name string) (*class, bool) {
	h.RLock()
	defer h.RUnlock()
	c, ok := h.classes[name]
	return c, ok
}

func (h *hive) localUnit(id string) (*unit, bool) {
	h.RLock()
	defer h.RUnlock()
	u, ok := h.units[id]
	return u, ok
}

func (h *hive) Spawn(class string, opts ...SpawnOption) (*Stub, error) {
	c, ok := h.class(class)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNoSuchClass, class)
	}

	var spec spawnSpec
	for _, opt := range opts {
		opt(&spec)
	}
	if spec.id == "" {
		spec.id = uuid.NewString()
	}

	u := h.newUnit(spec.id, c, c.factory())
	u.addFilters(c.defaultFilters()...)
	u.addOwnFilters(spec.filters...)
	if err := h.addUnit(u); err != nil {
		u.cancelWatches()
		return nil, err
	}

	go u.start()
	glog.V(2).Infof("%v spawned %v", h, u)
	h.emit(Event{Kind: UnitCreated, Unit: u.id, Class: c.name,
		Location: h.location})
	return h.Stub(u.ref()), nil
}

// spawnRemote spawns the unit another hive asked for.
func (h *hive) spawnRemote(p spawnPacket) (*Stub, error) {
	c, ok := h.class(p.Class)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNoSuchClass, p.Class)
	}
	fs, err := c.rebuildFilters(p.Filters)
	if err != nil {
		return nil, err
	}
	return h.Spawn(p.Class, WithID(p.ID), WithFilters(fs...))
}

func (h *hive) addUnit(u *unit) error {
	h.Lock()
	defer h.Unlock()

	if h.status.Load() == hiveStopped {
		return ErrHiveStopped
	}
	if old, ok := h.units[u.id]; ok && old.Status() != Terminated {
		return fmt.Errorf("activebee: unit %v already exists on %v", u.id,
			h.location)
	}
	h.units[u.id] = u
	return nil
}

func (h *hive) SpawnAt(ctx context.Context, location, class string,
	opts ...SpawnOption) (*Stub, error) {

	if h.isLocal(location) {
		return h.Spawn(class, opts...)
	}

	var spec spawnSpec
	for _, opt := range opts {
		opt(&spec)
	}
	pfs, err := portableFilters(spec.filters)
	if err != nil {
		return nil, fmt.Errorf("activebee: cannot spawn %v at %v: %w", class,
			location, err)
	}

	ack, err := h.sendPacket(ctx, location, spawnPacket{Class: class,
		ID: spec.id, Filters: pfs})
	if err == nil {
		err = ack.err()
	}
	if err != nil {
		return nil, fmt.Errorf("activebee: cannot spawn %v at %v: %w", class,
			location, err)
	}

	ref, ok := ack.Data.(UnitRef)
	if !ok {
		return nil, fmt.Errorf("activebee: invalid spawn response %#v", ack.Data)
	}
	return h.Stub(ref), nil
}

func (h *hive) Recreate(id string) (*Stub, error) {
	old, ok := h.localUnit(id)
	if !ok {
		return nil, &DeliveryError{Unit: id, Err: ErrNoSuchUnit}
	}
	if s := old.Status(); s != Terminated {
		return nil, fmt.Errorf("activebee: cannot recreate %v unit %v", s, id)
	}
	<-old.done

	u := h.newUnit(id, old.class, old.class.factory())
	u.addFilters(old.class.defaultFilters()...)
	u.addOwnFilters(old.own...)
	if err := h.addUnit(u); err != nil {
		u.cancelWatches()
		return nil, err
	}

	go u.start()
	glog.V(1).Infof("%v recreated %v", h, u)
	h.emit(Event{Kind: UnitCreated, Unit: u.id, Class: u.class.name,
		Location: h.location})
	return h.Stub(u.ref()), nil
}

func (h *hive) Stub(ref UnitRef, opts ...StubOption) *Stub {
	if ref.Location == "" {
		ref.Location = h.location
	}
	s := &Stub{
		hive:   h,
		ref:    ref,
		caller: "hive:" + h.location,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (h *hive) Migrate(ctx context.Context, id, to string) error {
	u, ok := h.localUnit(id)
	if !ok {
		return &MigrationAbort{Unit: id, To: to, Err: ErrNoSuchUnit}
	}

	if u.Status() == Moved {
		if fwd := u.forwardTo(); fwd == to {
			return nil
		}
		ack, err := h.sendPacket(ctx, u.forwardTo(), migratePacket{Unit: id,
			To: to})
		if err != nil {
			return &MigrationAbort{Unit: id, To: to, Err: err}
		}
		return ack.err()
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.config.MigrateTimeout)
		defer cancel()
	}

	_, err := u.processCmd(ctx, cmdMigrate{ctx: ctx, To: to})
	var abort *MigrationAbort
	if err != nil && !errors.As(err, &abort) {
		err = &MigrationAbort{Unit: id, To: to, Err: err}
	}
	return err
}

func (h *hive) Terminate(ctx context.Context, id string) error {
	u, ok := h.localUnit(id)
	if !ok {
		return &DeliveryError{Unit: id, Err: ErrNoSuchUnit}
	}

	if u.Status() == Moved {
		ack, err := h.sendPacket(ctx, u.forwardTo(), terminatePacket{Unit: id})
		if err != nil {
			return deliveryErr(id, err)
		}
		return ack.err()
	}

	if u.Status() == Terminated {
		return nil
	}
	if _, err := u.processCmd(ctx, cmdStop{}); err != nil {
		return err
	}
	select {
	case <-u.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *hive) Ping(ctx context.Context, location string) error {
	if h.isLocal(location) {
		return h.WaitStarted(ctx)
	}

	ack, err := h.sendPacket(ctx, location, pingPacket{})
	if err != nil {
		return err
	}
	return ack.err()
}

func (h *hive) AddFilters(id string, fs ...Filter) error {
	u, ok := h.localUnit(id)
	if !ok {
		return &DeliveryError{Unit: id, Err: ErrNoSuchUnit}
	}
	if u.Status() == Moved {
		return &DeliveryError{Unit: id, Err: ErrNotLocal}
	}
	_, err := u.processCmd(context.Background(), cmdAddFilters{Filters: fs})
	return err
}

func (h *hive) Units() []UnitInfo {
	h.RLock()
	infos := make([]UnitInfo, 0, len(h.units))
	for _, u := range h.units {
		infos = append(infos, u.info())
	}
	h.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})
	return infos
}

func (h *hive) Unit(id string) (UnitInfo, error) {
	u, ok := h.localUnit(id)
	if !ok {
		return UnitInfo{}, &DeliveryError{Unit: id, Err: ErrNoSuchUnit}
	}
	return u.info(), nil
}
