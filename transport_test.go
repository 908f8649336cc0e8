package activebee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireErrorKeepsClassification(t *testing.T) {
	cases := []struct {
		err    error
		target error
		as     interface{}
	}{
		{
			err:    &DeliveryError{Unit: "u", Err: ErrNoSuchUnit},
			target: ErrNoSuchUnit,
			as:     new(*DeliveryError),
		},
		{
			err: &FatalError{Unit: "u", Err: errors.New("corrupted")},
			as:  new(*FatalError),
		},
		{
			err: &ExecutionError{Unit: "u", Method: "m", Seq: 3,
				Err: errors.New("x")},
			as: new(*ExecutionError),
		},
		{
			err:    &MigrationAbort{Unit: "u", To: "h2", Err: ErrMoved},
			target: ErrMoved,
			as:     new(*MigrationAbort),
		},
		{
			err:    fmt.Errorf("%w: nope", ErrNoSuchClass),
			target: ErrNoSuchClass,
		},
	}

	for _, c := range cases {
		got := newWireError(c.err).err()
		assert.Equal(t, c.err.Error(), got.Error())
		if c.target != nil {
			assert.ErrorIs(t, got, c.target)
		}
		if c.as != nil {
			assert.ErrorAs(t, got, c.as)
		}
	}

	assert.NoError(t, newWireError(nil).err())
	assert.Error(t, wireError{Kind: errOther}.err())
}

func TestInMemTransport(t *testing.T) {
	net := NewInMemNetwork()
	a := net.Transport("a")
	b := net.Transport("b")
	ctx := testContext(t)

	go func() {
		in, err := b.Receive(ctx)
		if err != nil {
			return
		}
		p := in.Packet.Data.(spawnPacket)
		in.Respond(Ack{Data: UnitRef{ID: p.ID, Class: p.Class, Location: "b"}})
	}()

	ack, err := a.Send(ctx, "b", Packet{From: "a",
		Data: spawnPacket{Class: "c", ID: "u"}})
	require.NoError(t, err)
	require.NoError(t, ack.err())
	assert.Equal(t, UnitRef{ID: "u", Class: "c", Location: "b"}, ack.Data)

	_, err = a.Send(ctx, "c", Packet{Data: pingPacket{}})
	assert.Error(t, err, "sent to a missing hive")

	var ee *EncodeError
	_, err = a.Send(ctx, "b", Packet{Data: make(chan int)})
	assert.ErrorAs(t, err, &ee)

	require.NoError(t, b.Close())
	_, err = b.Send(ctx, "a", Packet{Data: pingPacket{}})
	assert.ErrorIs(t, err, ErrTransportClosed)
	_, err = b.Receive(ctx)
	assert.ErrorIs(t, err, ErrTransportClosed)
	require.NoError(t, a.Close())
}

func TestPing(t *testing.T) {
	net := NewInMemNetwork()
	h1 := newHiveForTest(t, net, "h1")
	newHiveForTest(t, net, "h2")
	ctx := testContext(t)

	assert.NoError(t, h1.Ping(ctx, "h1"))
	assert.NoError(t, h1.Ping(ctx, "h2"))
	assert.Error(t, h1.Ping(ctx, "h3"))
}

func newHTTPHiveForTest(t *testing.T, loc string, p *StaticPlacement,
	opts ...HiveOption) Hive {

	opts = append([]HiveOption{
		Location(loc),
		Addr("127.0.0.1:0"),
		WithPlacement(p),
		ConnTimeout(time.Second),
		MigrateTimeout(2 * time.Second),
		ReplyRetries(3, 10*time.Millisecond),
	}, opts...)
	h := NewHiveWithConfig(DefaultCfg, opts...)
	registerTestClasses(h)
	go h.Start()
	waitTilStarted(t, h)
	t.Cleanup(func() {
		h.Stop()
	})
	p.Set(loc, h.Endpoint())
	return h
}

func getJSON(t *testing.T, url string, v interface{}) int {
	res, err := http.Get(url)
	require.NoError(t, err)
	defer res.Body.Close()
	if res.StatusCode == http.StatusOK && v != nil {
		require.NoError(t, json.NewDecoder(res.Body).Decode(v))
	}
	return res.StatusCode
}

func TestHTTPHives(t *testing.T) {
	defer http.DefaultClient.CloseIdleConnections()

	p := NewStaticPlacement(nil, true)
	h1 := newHTTPHiveForTest(t, "a", p, Instrument(true))
	h2 := newHTTPHiveForTest(t, "b", p)
	ctx := testContext(t)

	s, err := h1.Spawn("journal", WithID("j"))
	require.NoError(t, err)
	_, err = s.CallSync(ctx, "append", "x")
	require.NoError(t, err)

	require.NoError(t, h1.Migrate(ctx, "j", "b"))
	remote := h2.Stub(UnitRef{ID: "j", Class: "journal", Location: "a"})
	seq, err := remote.CallSync(ctx, "append", "y")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	assert.Equal(t, "b", remote.Ref().Location)

	v, err := s.CallSync(ctx, "entries")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, v)

	_, err = s.CallSync(ctx, "nope")
	assert.ErrorIs(t, err, ErrNoSuchMethod)

	base := "http://" + h1.Endpoint()
	var hs HiveState
	require.Equal(t, http.StatusOK, getJSON(t, base+serverV1HivePath, &hs))
	assert.Equal(t, HiveState{Location: "a", Endpoint: h1.Endpoint(), Units: 1},
		hs)

	var ui UnitInfo
	require.Equal(t, http.StatusOK, getJSON(t, base+"/api/v1/units/j", &ui))
	assert.Equal(t, Moved.String(), ui.Status)
	assert.Equal(t, "b", ui.Forward)
	assert.Equal(t, http.StatusNotFound, getJSON(t, base+"/api/v1/units/x", nil))

	scrape := func() string {
		res, err := http.Get(base + metricsPath)
		if err != nil {
			return ""
		}
		defer res.Body.Close()
		body, _ := io.ReadAll(res.Body)
		return string(body)
	}
	assert.Eventually(t, func() bool {
		return strings.Contains(scrape(),
			`activebee_migrations_total{class="journal",result="completed"} 1`)
	}, 5*time.Second, 10*time.Millisecond, "metrics do not count the migration")
}

func TestStrictPlacementFailsDelivery(t *testing.T) {
	p := NewStaticPlacement(nil, true)
	h := newHTTPHiveForTest(t, "a", p)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	s := h.Stub(UnitRef{ID: "u", Class: "journal", Location: "nowhere"})
	_, err := s.CallSync(ctx, "ping")
	var de *DeliveryError
	assert.ErrorAs(t, err, &de)
}
