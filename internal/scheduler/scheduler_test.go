package scheduler

import (
	"sync"
	"testing"
	"time"
)

func TestAddActionFiresInjectorWithArgs(t *testing.T) {
	var mu sync.Mutex
	var got []interface{}
	done := make(chan struct{})

	s := New(func(args ...interface{}) {
		mu.Lock()
		got = args
		mu.Unlock()
		close(done)
	})
	defer s.Shutdown()

	s.AddAction(10*time.Millisecond, "agentA-1", "default", "uuid-1", "/raw/%abc")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("injector was not called within 1s")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 4 || got[0] != "agentA-1" || got[3] != "/raw/%abc" {
		t.Fatalf("injector called with unexpected args: %v", got)
	}
}

func TestAddActionRunsInScheduledOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	s := New(func(args ...interface{}) {
		mu.Lock()
		order = append(order, args[0].(string))
		n := len(order)
		mu.Unlock()
		if n == 2 {
			close(done)
		}
	})
	defer s.Shutdown()

	// Schedule the "later" task first to exercise the reschedule-to-sooner
	// path in AddAction.
	s.AddAction(80*time.Millisecond, "second")
	s.AddAction(20*time.Millisecond, "first")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("both injections did not fire within 1s")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("fired out of order: %v", order)
	}
}

func TestAddActionAfterDrainFiresPromptly(t *testing.T) {
	var mu sync.Mutex
	var fired []string

	s := New(func(args ...interface{}) {
		mu.Lock()
		fired = append(fired, args[0].(string))
		mu.Unlock()
	})
	defer s.Shutdown()

	// Drain the heap once so the internal timer falls back to its long
	// idle sleep, then verify a fresh action still re-arms it.
	s.AddAction(5*time.Millisecond, "first")
	time.Sleep(30 * time.Millisecond)

	s.AddAction(5*time.Millisecond, "second")
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 2 || fired[1] != "second" {
		t.Fatalf("fired = %v, want [first second] without waiting out the idle timer", fired)
	}
}

func TestShutdownCancelsPendingTimer(t *testing.T) {
	s := New(func(args ...interface{}) {
		t.Fatal("injector must not run after Shutdown")
	})
	s.AddAction(50*time.Millisecond, "never")
	s.Shutdown()
	time.Sleep(100 * time.Millisecond)
}
