package descriptor

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

func TestNewHashesValueAndEmbedsItInSelector(t *testing.T) {
	value := []byte("HELLOWORLD")
	d, err := New("default", "/raw", "hi", value)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sum := sha256.Sum256(value)
	want := hex.EncodeToString(sum[:])
	if d.Hash != want {
		t.Fatalf("hash = %q, want %q", d.Hash, want)
	}
	if !strings.HasSuffix(d.Selector, "%"+want) {
		t.Fatalf("selector %q does not end with %%hash", d.Selector)
	}
	if hash, ok := HashFromSelector(d.Selector); !ok || hash != want {
		t.Fatalf("HashFromSelector = (%q, %v), want (%q, true)", hash, ok, want)
	}
}

func TestNewIsIdempotentForEqualInputs(t *testing.T) {
	a, err := New("default", "/raw", "hi", []byte("HELLOWORLD"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := New("default", "/raw", "hi", []byte("HELLOWORLD"))
	if err != nil {
		t.Fatal(err)
	}
	if a.Selector != b.Selector {
		t.Fatalf("selectors differ for identical inputs: %q vs %q", a.Selector, b.Selector)
	}
	if a.UUID != b.UUID {
		t.Fatalf("uuids differ for identical inputs: %q vs %q", a.UUID, b.UUID)
	}
}

func TestNewWithRandomHashAlwaysDiffers(t *testing.T) {
	value := []byte("HELLOWORLD")
	a, err := NewWithRandomHash("default", "/raw", "hi", value)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewWithRandomHash("default", "/raw", "hi", value)
	if err != nil {
		t.Fatal(err)
	}
	if a.Selector == b.Selector {
		t.Fatalf("two NewWithRandomHash calls produced the same selector: %q", a.Selector)
	}
	deterministic, err := New("default", "/raw", "hi", value)
	if err != nil {
		t.Fatal(err)
	}
	if a.Selector == deterministic.Selector {
		t.Fatalf("random hash collided with content hash")
	}
}

func TestSpawnInheritsUUIDAndChainsPrecursors(t *testing.T) {
	root, err := New("default", "/raw", "hi", []byte("HELLOWORLD"))
	if err != nil {
		t.Fatal(err)
	}
	child, err := root.Spawn("/derived", []byte("child-value"), "agentX")
	if err != nil {
		t.Fatal(err)
	}
	if child.UUID != root.UUID {
		t.Fatalf("child uuid %q != root uuid %q", child.UUID, root.UUID)
	}
	if len(child.Precursors) != 1 || child.Precursors[0] != root.Selector {
		t.Fatalf("child precursors = %v, want [%q]", child.Precursors, root.Selector)
	}
	if child.Agent != "agentX" {
		t.Fatalf("child agent = %q, want agentX", child.Agent)
	}
}

func TestNewVersionIncrementsAndResolvesRelativeSelectors(t *testing.T) {
	root, err := New("default", "/doc", "hi", []byte("v0"))
	if err != nil {
		t.Fatal(err)
	}
	v1, err := root.NewVersion([]byte("v1"), "refiner")
	if err != nil {
		t.Fatal(err)
	}
	if v1.Version != root.Version+1 {
		t.Fatalf("version = %d, want %d", v1.Version, root.Version+1)
	}
	if v1.UUID != root.UUID {
		t.Fatalf("new_version changed uuid: %q vs %q", v1.UUID, root.UUID)
	}
	prefix, n, ok := VersionFromSelector("/doc/~-1")
	if !ok || prefix != "/doc" || n != -1 {
		t.Fatalf("VersionFromSelector = (%q, %d, %v)", prefix, n, ok)
	}
}

func TestValueResolverIsLazy(t *testing.T) {
	d, err := New("default", "/raw", "hi", []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	calls := 0
	lazy := d.WithResolver(func() ([]byte, error) {
		calls++
		return []byte("resolved"), nil
	})
	if lazy.HasValue() {
		t.Fatal("WithResolver should clear the in-memory value")
	}
	v, err := lazy.Value()
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != "resolved" || calls != 1 {
		t.Fatalf("resolver called %d times, value=%q", calls, v)
	}
}

func TestConstructionRejectsBadSelectorCharacters(t *testing.T) {
	if _, err := New("default", "/raw bad chars!", "hi", []byte("x")); err == nil {
		t.Fatal("expected validation error for bad selector characters")
	}
}

func TestConstructionRejectsBadDomain(t *testing.T) {
	if _, err := New("bad domain!", "/raw", "hi", []byte("x")); err == nil {
		t.Fatal("expected validation error for bad domain")
	}
}
