package activebee

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFutureCompletesOnce(t *testing.T) {
	f := newFuture()
	if s := f.State(); s != Pending {
		t.Fatalf("State() = %v; want=%v", s, Pending)
	}
	if _, ok, _ := f.Poll(); ok {
		t.Fatal("Poll() on a pending future returned ok")
	}

	if !f.resolve(1) {
		t.Fatal("first resolve failed")
	}
	if f.resolve(2) {
		t.Error("second resolve succeeded")
	}
	if f.fail(errors.New("late")) {
		t.Error("fail after resolve succeeded")
	}

	v, ok, err := f.Poll()
	if !ok || err != nil || v != 1 {
		t.Errorf("Poll() = %v, %v, %v; want=1, true, nil", v, ok, err)
	}
	if s := f.State(); s != Resolved {
		t.Errorf("State() = %v; want=%v", s, Resolved)
	}
}

func TestFutureConcurrentCompletion(t *testing.T) {
	f := newFuture()
	const n = 16

	var wg sync.WaitGroup
	wins := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if f.resolve(i) {
				wins <- i
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []int
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("%d goroutines completed the future; want=1", len(winners))
	}

	ctx := testContext(t)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := f.Await(ctx)
			if err != nil || v != winners[0] {
				t.Errorf("Await() = %v, %v; want=%v, nil", v, err, winners[0])
			}
		}()
	}
	wg.Wait()
}

func TestFutureAwaitTimeout(t *testing.T) {
	f := newFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Await(ctx)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Await() error = %v; want=%v", err, ErrTimeout)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Await() error = %v; want it to wrap %v", err,
			context.DeadlineExceeded)
	}
	if s := f.State(); s != Pending {
		t.Errorf("State() after timeout = %v; want=%v", s, Pending)
	}

	f.fail(errors.New("late"))
	if _, err := f.Await(testContext(t)); err == nil || err.Error() != "late" {
		t.Errorf("Await() = %v; want=late", err)
	}
}

func TestAwaitValue(t *testing.T) {
	ctx := testContext(t)
	n, err := AwaitValue[int](ctx, completedFuture(7, nil))
	if err != nil || n != 7 {
		t.Errorf("AwaitValue() = %v, %v; want=7, nil", n, err)
	}

	if _, err := AwaitValue[string](ctx, completedFuture(7, nil)); err == nil {
		t.Error("AwaitValue[string] of an int did not fail")
	}
}

func TestAwaitAnyAndAll(t *testing.T) {
	ctx := testContext(t)
	fs := []*Future{newFuture(), newFuture(), newFuture()}

	go fs[1].resolve("b")
	i, err := AwaitAny(ctx, fs...)
	if err != nil || i != 1 {
		t.Fatalf("AwaitAny() = %v, %v; want=1, nil", i, err)
	}

	fs[0].resolve("a")
	fs[2].fail(errors.New("c"))
	vs, err := AwaitAll(ctx, fs...)
	if err == nil || err.Error() != "c" {
		t.Errorf("AwaitAll() error = %v; want=c", err)
	}
	if vs[0] != "a" || vs[1] != "b" || vs[2] != nil {
		t.Errorf("AwaitAll() = %v; want=[a b <nil>]", vs)
	}

	short, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	if _, err := AwaitAny(short, newFuture()); !errors.Is(err, ErrTimeout) {
		t.Errorf("AwaitAny() on pending futures = %v; want=%v", err, ErrTimeout)
	}
}
