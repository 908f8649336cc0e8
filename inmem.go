package activebee

import (
	"context"
	"fmt"
	"sync"

	abgob "github.com/kandoo/activebee/gob"
)

// FaultFunc decides whether a packet from one endpoint to another is lost.
// A non-nil error is returned to the sender instead of delivering p.
type FaultFunc func(from, to string, p Packet) error

// InMemNetwork connects hives living in one process. Every packet and
// acknowledgement is copied through gob, so hives on the network share no
// memory, exactly as over a real transport.
type InMemNetwork struct {
	sync.RWMutex
	peers map[string]*inMemTransport
	fault FaultFunc
}

// NewInMemNetwork creates an empty network.
func NewInMemNetwork() *InMemNetwork {
	return &InMemNetwork{
		peers: make(map[string]*inMemTransport),
	}
}

// Transport creates the transport of the hive at endpoint. Creating a second
// transport for the same endpoint replaces the first one.
func (n *InMemNetwork) Transport(endpoint string) Transport {
	t := &inMemTransport{
		net:      n,
		endpoint: endpoint,
		inbox:    make(chan *Inbound, 1024),
		done:     make(chan struct{}),
	}

	n.Lock()
	defer n.Unlock()
	n.peers[endpoint] = t
	return t
}

// SetFault installs f to decide the fate of every packet. A nil f delivers
// every packet.
func (n *InMemNetwork) SetFault(f FaultFunc) {
	n.Lock()
	defer n.Unlock()
	n.fault = f
}

func (n *InMemNetwork) peer(endpoint string) (*inMemTransport, FaultFunc) {
	n.RLock()
	defer n.RUnlock()
	return n.peers[endpoint], n.fault
}

func (n *InMemNetwork) remove(t *inMemTransport) {
	n.Lock()
	defer n.Unlock()
	if n.peers[t.endpoint] == t {
		delete(n.peers, t.endpoint)
	}
}

type inMemTransport struct {
	net      *InMemNetwork
	endpoint string
	inbox    chan *Inbound

	closeOnce sync.Once
	done      chan struct{}
}

func (t *inMemTransport) String() string {
	return fmt.Sprintf("in-memory transport %v", t.endpoint)
}

func (t *inMemTransport) Endpoint() string {
	return t.endpoint
}

func (t *inMemTransport) Send(ctx context.Context, to string, p Packet) (Ack,
	error) {

	select {
	case <-t.done:
		return Ack{}, ErrTransportClosed
	default:
	}

	peer, fault := t.net.peer(to)
	if fault != nil {
		if err := fault(t.endpoint, to, p); err != nil {
			return Ack{}, err
		}
	}
	if peer == nil {
		return Ack{}, fmt.Errorf("activebee: no hive at %v", to)
	}

	var cp Packet
	if err := abgob.Copy(&cp, p); err != nil {
		return Ack{}, &EncodeError{Err: err}
	}

	in := NewInbound(cp)
	select {
	case peer.inbox <- in:
	case <-peer.done:
		return Ack{}, fmt.Errorf("activebee: hive at %v is closed", to)
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	}

	select {
	case a := <-in.Acked():
		var ca Ack
		if err := abgob.Copy(&ca, a); err != nil {
			return Ack{}, &EncodeError{Err: err}
		}
		return ca, nil
	case <-peer.done:
		return Ack{}, fmt.Errorf("activebee: hive at %v is closed", to)
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	}
}

func (t *inMemTransport) Receive(ctx context.Context) (*Inbound, error) {
	select {
	case in := <-t.inbox:
		return in, nil
	case <-t.done:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *inMemTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.net.remove(t)
	})
	return nil
}
