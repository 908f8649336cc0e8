package activebee_test

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/kandoo/activebee"
)

// Greeter is the state of a greeter unit.
type Greeter struct {
	Counts map[string]int // Counts is the number of hellos per name.
}

// Hello is a method of the greeter class. It runs on the unit's own
// goroutine, one request at a time, so it can update the greeter without
// locks.
func Hello(ctx activebee.Context, args []interface{}) (interface{}, error) {
	// The instance of the unit is always the value the factory created, or
	// the one restored after a migration.
	g := ctx.Instance().(*Greeter)
	name := args[0].(string)
	g.Counts[name]++
	return fmt.Sprintf("hello %s (%d) from %s!", name, g.Counts[name],
		ctx.Location()), nil
}

func newGreeterHive(net *activebee.InMemNetwork,
	location string) activebee.Hive {

	// Hives of one process talk through an in-memory network. Every packet is
	// still encoded, exactly as between remote hives.
	h := activebee.NewHiveWithConfig(activebee.DefaultCfg,
		activebee.Location(location),
		activebee.WithTransport(net.Transport(location)))
	// Register the greeter class. Every hive that may host a greeter needs the
	// class.
	h.NewClass("greeter", func() interface{} {
		return &Greeter{Counts: make(map[string]int)}
	}).Method("hello", Hello)
	return h
}

func Example() {
	h := newGreeterHive(activebee.NewInMemNetwork(), "hive1")
	go h.Start()
	defer h.Stop()

	// Spawn returns a stub of the new unit. Calls on the stub are queued on
	// the unit and served in order.
	s, err := h.Spawn("greeter")
	if err != nil {
		glog.Fatalf("cannot spawn: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		// CallSync sends the call and waits for its result.
		res, err := s.CallSync(ctx, "hello", "your name")
		if err != nil {
			glog.Fatalf("error in saying hello: %v", err)
		}
		fmt.Println(res)
	}
	// Output:
	// hello your name (1) from hive1!
	// hello your name (2) from hive1!
}

func Example_migrate() {
	net := activebee.NewInMemNetwork()
	h1 := newGreeterHive(net, "hive1")
	h2 := newGreeterHive(net, "hive2")
	for _, h := range []activebee.Hive{h1, h2} {
		go h.Start()
		defer h.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := h1.Spawn("greeter")
	if err != nil {
		glog.Fatalf("cannot spawn: %v", err)
	}
	res, err := s.CallSync(ctx, "hello", "your name")
	if err != nil {
		glog.Fatalf("error in saying hello: %v", err)
	}
	fmt.Println(res)

	// Migrate moves the unit with its state and its queued calls to hive2.
	// hive1 keeps forwarding calls sent to the old location.
	if err := h1.Migrate(ctx, s.ID(), "hive2"); err != nil {
		glog.Fatalf("cannot migrate: %v", err)
	}

	// Call returns a future right away; Await waits for the result.
	f, err := s.Call("hello", "your name")
	if err != nil {
		glog.Fatalf("cannot call: %v", err)
	}
	res, err = f.Await(ctx)
	if err != nil {
		glog.Fatalf("error in saying hello: %v", err)
	}
	fmt.Println(res)
	// The stub learned the new location from the forwarder.
	fmt.Println(s.Ref().Location)
	// Output:
	// hello your name (1) from hive1!
	// hello your name (2) from hive2!
	// hive2
}
