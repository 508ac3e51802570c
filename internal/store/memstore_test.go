package store

import (
	"testing"

	"github.com/airbus-seclab/rebus/internal/descriptor"
)

func TestMemStoreAddIsUniquePerDomainSelector(t *testing.T) {
	s := NewMemStore()
	d, err := descriptor.New("default", "/raw", "hi", []byte("HELLOWORLD"))
	if err != nil {
		t.Fatal(err)
	}
	added, err := s.Add(d)
	if err != nil || !added {
		t.Fatalf("first Add: added=%v err=%v", added, err)
	}
	added, err = s.Add(d)
	if err != nil || added {
		t.Fatalf("re-add of the same descriptor: added=%v err=%v, want false", added, err)
	}
	selectors, err := s.Find("default", `^/raw/`, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(selectors) != 1 {
		t.Fatalf("Find returned %d selectors, want 1", len(selectors))
	}
}

func TestMemStoreMarkProcessedRemovesFromProcessable(t *testing.T) {
	s := NewMemStore()
	d, _ := descriptor.New("default", "/raw", "hi", []byte("x"))
	s.Add(d)

	isNew, err := s.MarkProcessable("default", d.Selector, "agentA", "cfg1")
	if err != nil || !isNew {
		t.Fatalf("MarkProcessable: isNew=%v err=%v", isNew, err)
	}
	isNew, err = s.MarkProcessed("default", d.Selector, "agentA", "cfg1")
	if err != nil || !isNew {
		t.Fatalf("MarkProcessed: isNew=%v err=%v", isNew, err)
	}

	processable, err := s.GetProcessable("default", d.Selector)
	if err != nil {
		t.Fatal(err)
	}
	if len(processable) != 0 {
		t.Fatalf("processable set not cleared after MarkProcessed: %v", processable)
	}
	processed, err := s.GetProcessed("default", d.Selector)
	if err != nil {
		t.Fatal(err)
	}
	if len(processed) != 1 || processed[0].Agent != "agentA" {
		t.Fatalf("processed = %v", processed)
	}
}

func TestMemStoreMarkProcessedIsFalseWhenAlreadyRecorded(t *testing.T) {
	s := NewMemStore()
	d, _ := descriptor.New("default", "/raw", "hi", []byte("x"))
	s.Add(d)
	if isNew, _ := s.MarkProcessed("default", d.Selector, "agentA", "cfg1"); !isNew {
		t.Fatal("first mark_processed should report isNew=true")
	}
	if isNew, _ := s.MarkProcessed("default", d.Selector, "agentA", "cfg1"); isNew {
		t.Fatal("second mark_processed for the same pair should report isNew=false")
	}
}

func TestMemStoreListUnprocessedByAgent(t *testing.T) {
	s := NewMemStore()
	a, _ := descriptor.New("default", "/a", "a", []byte("A"))
	b, _ := descriptor.New("default", "/b", "b", []byte("B"))
	c, _ := descriptor.New("default", "/c", "c", []byte("C"))
	for _, d := range []*descriptor.Descriptor{a, b, c} {
		if _, err := s.Add(d); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.MarkProcessed("default", a.Selector, "agentX", "cfg"); err != nil {
		t.Fatal(err)
	}
	unproc, err := s.ListUnprocessedByAgent("agentX", "cfg")
	if err != nil {
		t.Fatal(err)
	}
	if len(unproc) != 2 {
		t.Fatalf("unprocessed = %v, want 2 entries (b and c)", unproc)
	}
	seen := map[string]bool{}
	for _, u := range unproc {
		seen[u.Selector] = true
	}
	if !seen[b.Selector] || !seen[c.Selector] {
		t.Fatalf("unprocessed missing expected selectors: %v", unproc)
	}
}

func TestMemStoreVersionResolution(t *testing.T) {
	s := NewMemStore()
	root, _ := descriptor.New("default", "/doc", "v0", []byte("v0"))
	s.Add(root)
	v1, err := root.NewVersion([]byte("v1"), "refiner")
	if err != nil {
		t.Fatal(err)
	}
	s.Add(v1)

	got, err := s.GetDescriptor("default", "/doc/~-1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Selector != v1.Selector {
		t.Fatalf("~-1 resolved to %v, want latest version %q", got, v1.Selector)
	}

	got0, err := s.GetDescriptor("default", "/doc/~0")
	if err != nil {
		t.Fatal(err)
	}
	if got0 == nil || got0.Selector != root.Selector {
		t.Fatalf("~0 resolved to %v, want root %q", got0, root.Selector)
	}
}

func TestMemStoreGetChildrenRecursive(t *testing.T) {
	s := NewMemStore()
	root, _ := descriptor.New("default", "/raw", "root", []byte("root"))
	s.Add(root)
	child, _ := root.Spawn("/child", []byte("child"), "agentA")
	s.Add(child)
	grandchild, _ := child.Spawn("/grandchild", []byte("gc"), "agentB")
	s.Add(grandchild)

	direct, err := s.GetChildren("default", root.Selector, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(direct) != 1 || direct[0].Selector != child.Selector {
		t.Fatalf("direct children = %v, want [%q]", direct, child.Selector)
	}

	all, err := s.GetChildren("default", root.Selector, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("recursive children = %v, want 2 entries", all)
	}
}

func TestMemStoreAgentStatePersistsWithinProcess(t *testing.T) {
	s := NewMemStore()
	if err := s.StoreAgentState("agentA", []byte("state-bytes")); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadAgentState("agentA")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "state-bytes" {
		t.Fatalf("LoadAgentState = %q, want %q", got, "state-bytes")
	}
	if s.StoresIntState() {
		t.Fatal("MemStore must report StoresIntState() == false")
	}
}
