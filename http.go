package activebee

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/soheilhy/cmux"

	"github.com/kandoo/activebee/connpool"
)

// Packets travel as gob over HTTP. The admin API is served as json on the
// same port; connections are split by their content type.
const (
	serverV1PacketPath = "/hive/v1/packet"
	gobContentType     = "application/x-gob"
	maxConnPerHost     = 64
)

func buildURL(scheme, addr, path string) string {
	var buffer bytes.Buffer
	buffer.WriteString(scheme)
	buffer.WriteString("://")
	buffer.WriteString(addr)
	buffer.WriteString(path)
	return buffer.String()
}

// adminRouter is implemented by transports that can serve the admin API.
type adminRouter interface {
	Admin() *mux.Router
}

// HTTPTransport is the default transport of hives. It listens once the hive
// starts.
type HTTPTransport struct {
	addr   string
	client *http.Client
	admin  *mux.Router
	inbox  chan *Inbound

	mu       sync.Mutex
	listener net.Listener
	packets  *http.Server
	adminSrv *http.Server

	closeOnce sync.Once
	done      chan struct{}
}

// NewHTTPTransport creates a transport listening on addr. timeout bounds
// dialing other hives.
func NewHTTPTransport(addr string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		addr:   addr,
		client: connpool.NewHTTPClient(maxConnPerHost, timeout),
		admin:  mux.NewRouter(),
		inbox:  make(chan *Inbound, 1024),
		done:   make(chan struct{}),
	}
}

func (t *HTTPTransport) String() string {
	return fmt.Sprintf("http transport %v", t.Endpoint())
}

// Admin returns the router of the admin API.
func (t *HTTPTransport) Admin() *mux.Router {
	return t.admin
}

// Endpoint returns the listening address, or the configured address before
// the transport listens.
func (t *HTTPTransport) Endpoint() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.addr
}

// Listen binds the address and starts serving.
func (t *HTTPTransport) Listen() error {
	l, err := net.Listen("tcp", t.addr)
	if err != nil {
		return err
	}

	r := mux.NewRouter()
	r.HandleFunc(serverV1PacketPath, t.handlePacket).Methods("POST")

	t.mu.Lock()
	t.listener = l
	t.packets = &http.Server{Handler: r}
	t.adminSrv = &http.Server{Handler: t.admin}
	t.mu.Unlock()

	m := cmux.New(l)
	gobL := m.Match(cmux.HTTP1HeaderField("Content-Type", gobContentType))
	anyL := m.Match(cmux.Any())

	go t.serve(t.packets, gobL)
	go t.serve(t.adminSrv, anyL)
	go func() {
		if err := m.Serve(); err != nil && !isClosed(err) {
			glog.Errorf("%v stopped serving: %v", t, err)
		}
	}()
	glog.V(2).Infof("%v is listening", t)
	return nil
}

func (t *HTTPTransport) serve(s *http.Server, l net.Listener) {
	if err := s.Serve(l); err != nil && !isClosed(err) {
		glog.Errorf("%v stopped serving: %v", t, err)
	}
}

func isClosed(err error) bool {
	return errors.Is(err, http.ErrServerClosed) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, cmux.ErrListenerClosed)
}

func (t *HTTPTransport) handlePacket(w http.ResponseWriter, r *http.Request) {
	var p Packet
	if err := gob.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	in := NewInbound(p)
	select {
	case t.inbox <- in:
	case <-t.done:
		http.Error(w, ErrTransportClosed.Error(), http.StatusServiceUnavailable)
		return
	case <-r.Context().Done():
		return
	}

	var ack Ack
	select {
	case ack = <-in.Acked():
	case <-t.done:
		http.Error(w, ErrTransportClosed.Error(), http.StatusServiceUnavailable)
		return
	case <-r.Context().Done():
		return
	}

	w.Header().Set("Content-Type", gobContentType)
	if err := gob.NewEncoder(w).Encode(ack); err != nil {
		glog.Errorf("%v cannot encode ack: %v", t, err)
	}
}

// Send posts the packet to the hive at endpoint to.
func (t *HTTPTransport) Send(ctx context.Context, to string, p Packet) (Ack,
	error) {

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return Ack{}, &EncodeError{Err: err}
	}

	url := buildURL("http", to, serverV1PacketPath)
	req, err := http.NewRequestWithContext(ctx, "POST", url, &buf)
	if err != nil {
		return Ack{}, err
	}
	req.Header.Set("Content-Type", gobContentType)

	res, err := t.client.Do(req)
	if err != nil {
		return Ack{}, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		var msg bytes.Buffer
		msg.ReadFrom(res.Body)
		return Ack{}, fmt.Errorf("activebee: %v responded %v: %s", to,
			res.Status, bytes.TrimSpace(msg.Bytes()))
	}

	var ack Ack
	if err := gob.NewDecoder(res.Body).Decode(&ack); err != nil {
		return Ack{}, err
	}
	return ack, nil
}

// Receive returns the next packet posted to this transport.
func (t *HTTPTransport) Receive(ctx context.Context) (*Inbound, error) {
	select {
	case in := <-t.inbox:
		return in, nil
	case <-t.done:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops listening and closes idle connections.
func (t *HTTPTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)

		t.mu.Lock()
		l, ps, as := t.listener, t.packets, t.adminSrv
		t.mu.Unlock()

		if l != nil {
			l.Close()
		}
		if ps != nil {
			ps.Close()
		}
		if as != nil {
			as.Close()
		}
		t.client.CloseIdleConnections()
	})
	return nil
}
