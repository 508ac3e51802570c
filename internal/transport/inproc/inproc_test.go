package inproc_test

import (
	"sync"
	"testing"
	"time"

	"github.com/airbus-seclab/rebus/internal/agent"
	"github.com/airbus-seclab/rebus/internal/descriptor"
	"github.com/airbus-seclab/rebus/internal/store"
	"github.com/airbus-seclab/rebus/internal/transport"
	"github.com/airbus-seclab/rebus/internal/transport/inproc"
)

// recordingBehavior counts Process calls so the tests can assert
// exactly-once processing across redundant agent instances.
type recordingBehavior struct {
	mu    sync.Mutex
	calls int
}

func (b *recordingBehavior) FilterSelector(selector string) bool            { return true }
func (b *recordingBehavior) FilterDescriptor(d *descriptor.Descriptor) bool { return true }
func (b *recordingBehavior) Process(d *descriptor.Descriptor, senderID string) (*descriptor.Descriptor, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	return nil, nil
}
func (b *recordingBehavior) Init(r *agent.Runtime) error { return nil }
func (b *recordingBehavior) GetState() ([]byte, error)   { return nil, nil }
func (b *recordingBehavior) SetState(state []byte) error { return nil }
func (b *recordingBehavior) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func TestPushDeduplicatesByContentHash(t *testing.T) {
	bus := inproc.New(store.NewMemStore(), nil)
	defer bus.Close()

	injectorID, err := bus.Join("injector", "default", transport.AgentOpts{})
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Leave(injectorID)

	d, err := descriptor.New("default", "/raw", "hi", []byte("HELLOWORLD"))
	if err != nil {
		t.Fatal(err)
	}
	added, err := bus.Push(injectorID, d)
	if err != nil || !added {
		t.Fatalf("first push: added=%v err=%v", added, err)
	}

	dup, err := descriptor.New("default", "/raw", "hi", []byte("HELLOWORLD"))
	if err != nil {
		t.Fatal(err)
	}
	added, err = bus.Push(injectorID, dup)
	if err != nil || added {
		t.Fatalf("duplicate push: added=%v err=%v, want false", added, err)
	}

	selectors, err := bus.Find(injectorID, "default", `^/raw/%[a-f0-9]{64}$`, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(selectors) != 1 {
		t.Fatalf("Find returned %d selectors, want 1", len(selectors))
	}

	uuids, err := bus.ListUUIDs(injectorID, "default")
	if err != nil {
		t.Fatal(err)
	}
	if len(uuids) != 1 || uuids[d.UUID] != "hi" {
		t.Fatalf("ListUUIDs = %v, want {%q: \"hi\"}", uuids, d.UUID)
	}
}

func TestTwoIdenticalAgentsProcessEachDescriptorOnce(t *testing.T) {
	bus := inproc.New(store.NewMemStore(), nil)
	defer bus.Close()

	b1 := &recordingBehavior{}
	b2 := &recordingBehavior{}
	r1 := agent.New(bus, b1, agent.Options{Name: "scanner", Domain: "default"})
	r2 := agent.New(bus, b2, agent.Options{Name: "scanner", Domain: "default"})
	done1 := make(chan error, 1)
	done2 := make(chan error, 1)
	go func() { done1 <- r1.Run() }()
	go func() { done2 <- r2.Run() }()
	defer func() {
		bus.Shutdown()
		<-done1
		<-done2
	}()

	injectorID, err := bus.Join("injector", "default", transport.AgentOpts{})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		agents, err := bus.ListAgents(injectorID)
		return err == nil && agents["scanner"] == 2
	})

	d, err := descriptor.New("default", "/raw", "hi", []byte("shared-work"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bus.Push(injectorID, d); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		stats, _, err := bus.ProcessedStats(injectorID, "default")
		if err != nil {
			return false
		}
		for _, s := range stats {
			if s.Agent == "scanner" && s.Count == 1 {
				return true
			}
		}
		return false
	})

	// The lock on (name, output-config, selector) lets exactly one of the
	// two identically-configured instances run Process.
	time.Sleep(30 * time.Millisecond)
	if total := b1.count() + b2.count(); total != 1 {
		t.Fatalf("Process ran %d times across identical instances, want 1", total)
	}
}

func TestInteractiveAgentWaitsForRequestProcessing(t *testing.T) {
	bus := inproc.New(store.NewMemStore(), nil)
	defer bus.Close()

	b := &recordingBehavior{}
	r := agent.New(bus, b, agent.Options{Name: "renderer", Domain: "default", Mode: agent.ModeInteractive})
	done := make(chan error, 1)
	go func() { done <- r.Run() }()
	defer func() {
		bus.Shutdown()
		<-done
	}()

	injectorID, err := bus.Join("injector", "default", transport.AgentOpts{})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		agents, err := bus.ListAgents(injectorID)
		return err == nil && agents["renderer"] == 1
	})

	d, err := descriptor.New("default", "/raw", "hi", []byte("on-demand"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bus.Push(injectorID, d); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		procable, err := bus.GetProcessable(injectorID, "default", d.Selector)
		return err == nil && len(procable) == 1
	})
	if b.count() != 0 {
		t.Fatalf("interactive agent processed without a user request: %d calls", b.count())
	}

	if err := bus.RequestProcessing(injectorID, "default", d.Selector, []string{"renderer"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return b.count() == 1 })

	waitFor(t, func() bool {
		procable, err := bus.GetProcessable(injectorID, "default", d.Selector)
		return err == nil && len(procable) == 0
	})
}
