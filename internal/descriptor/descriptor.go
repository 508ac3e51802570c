// Package descriptor implements the immutable, content-addressed artifact
// that flows through REbus: construction, hashing, selector/version
// resolution, and lineage links.
/*
 * Copyright (c) 2024, REbus contributors. All rights reserved.
 */
package descriptor

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/airbus-seclab/rebus/internal/cmn"
	"github.com/airbus-seclab/rebus/internal/cmn/debug"
)

// sampleNamespace is the fixed UUID namespace descriptor hashes are
// resolved against to produce sample UUIDs (UUID v5 over hash in a
// fixed namespace).
var sampleNamespace = uuid.MustParse("6f7562a4-3c27-5dc0-9d3a-9a7a5b6b6f71")

// ValueResolver lazily fetches a descriptor's payload. Storage backends
// hand metadata-only descriptors to callers with a resolver closure rather
// than a back-pointer to the store, avoiding a descriptor<->store cyclic
// reference.
type ValueResolver func() ([]byte, error)

// Descriptor is the immutable atom of the bus. Once constructed it is
// never mutated; every Spawn/NewVersion/CreateLinks call returns a new
// value.
type Descriptor struct {
	Domain         string   `json:"domain"`
	Selector       string   `json:"selector"`
	Label          string   `json:"label"`
	Hash           string   `json:"hash"`
	UUID           string   `json:"uuid"`
	Agent          string   `json:"agent"`
	Precursors     []string `json:"precursors"`
	Version        int      `json:"version"`
	ProcessingTime float64  `json:"processing_time"`

	value    []byte
	resolver ValueResolver
}

// New constructs a root descriptor: hash = sha256(value), fresh UUID.
// selectorPrefix must not already contain a "%hash" or "~version" suffix;
// New appends the computed hash itself.
func New(domain, selectorPrefix, label string, value []byte) (*Descriptor, error) {
	hash := hashHex(value)
	return newWithHash(domain, selectorPrefix, label, value, hash, "", nil, 0)
}

// NewWithRandomHash forces a fresh, content-independent hash so the
// resulting selector is guaranteed absent from storage, so a value that is
// already stored can be injected again as a distinct descriptor.
func NewWithRandomHash(domain, selectorPrefix, label string, value []byte) (*Descriptor, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, cmn.Wrap(err, "descriptor: random hash")
	}
	hash := hex.EncodeToString(buf[:])
	return newWithHash(domain, selectorPrefix, label, value, hash, "", nil, 0)
}

// Spawn derives a new descriptor from d: the child inherits d's UUID (same
// sample), chains d's selector onto Precursors, and hashes over
// agent+precursors+selectorPrefix+value.
func (d *Descriptor) Spawn(selectorPrefix string, value []byte, agent string) (*Descriptor, error) {
	precursors := append([]string{d.Selector}, d.Precursors...)
	hash := hashDerived(agent, precursors, selectorPrefix, value)
	desc, err := newWithHash(d.Domain, selectorPrefix, d.Label, value, hash, agent, precursors, 0)
	if err != nil {
		return nil, err
	}
	desc.UUID = d.UUID
	return desc, nil
}

// NewVersion is like Spawn but increments Version and is intended to be
// filed under the same selector prefix as d, so that "/prefix/~N" version
// references resolve across the chain.
func (d *Descriptor) NewVersion(value []byte, agent string) (*Descriptor, error) {
	selectorPrefix := strings.SplitN(d.Selector, "%", 2)[0]
	selectorPrefix = strings.TrimSuffix(selectorPrefix, "/")
	precursors := append([]string{d.Selector}, d.Precursors...)
	hash := hashDerived(agent, precursors, selectorPrefix, value)
	desc, err := newWithHash(d.Domain, selectorPrefix, d.Label, value, hash, agent, precursors, d.Version+1)
	if err != nil {
		return nil, err
	}
	desc.UUID = d.UUID
	return desc, nil
}

func newWithHash(domain, selectorPrefix, label string, value []byte, hash, agent string,
	precursors []string, version int) (*Descriptor, error) {
	if err := cmn.ValidateDomain(domain); err != nil {
		return nil, err
	}
	selector := path.Clean(selectorPrefix) + "/%" + hash
	if err := cmn.ValidateSelector(selector); err != nil {
		return nil, err
	}
	d := &Descriptor{
		Domain:     domain,
		Selector:   selector,
		Label:      label,
		Hash:       hash,
		Agent:      agent,
		Precursors: precursors,
		Version:    version,
		UUID:       uuid.NewSHA1(sampleNamespace, []byte(hash)).String(),
		value:      value,
	}
	debug.Assert(strings.HasSuffix(d.Selector, "%"+d.Hash), "selector must embed its own hash")
	return d, nil
}

func hashHex(value []byte) string {
	sum := sha256.Sum256(value)
	return hex.EncodeToString(sum[:])
}

func hashDerived(agent string, precursors []string, selectorPrefix string, value []byte) string {
	h := sha256.New()
	h.Write([]byte(agent))
	for _, p := range precursors {
		h.Write([]byte(p))
	}
	h.Write([]byte(selectorPrefix))
	h.Write(value)
	return hex.EncodeToString(h.Sum(nil))
}

// HashFromSelector parses the trailing "%hash" out of a selector; the hash
// must always be recoverable from the selector alone, without a storage
// lookup.
func HashFromSelector(selector string) (string, bool) {
	i := strings.LastIndex(selector, "%")
	if i < 0 {
		return "", false
	}
	h := selector[i+1:]
	if !cmn.HashRegex.MatchString(h) {
		return "", false
	}
	return h, true
}

// VersionFromSelector parses a trailing "/~N" relative version reference.
func VersionFromSelector(selector string) (prefix string, n int, ok bool) {
	i := strings.LastIndex(selector, "~")
	if i < 0 || strings.Contains(selector, "%") {
		return "", 0, false
	}
	var v int
	if _, err := fmt.Sscanf(selector[i+1:], "%d", &v); err != nil {
		return "", 0, false
	}
	return strings.TrimSuffix(selector[:i], "/"), v, true
}

// Value returns the descriptor's payload, resolving it lazily if the
// descriptor was handed out in metadata-only form.
func (d *Descriptor) Value() ([]byte, error) {
	if d.value != nil {
		return d.value, nil
	}
	if d.resolver != nil {
		return d.resolver()
	}
	return nil, nil
}

// WithResolver returns a shallow copy of d whose value is fetched lazily
// via resolve instead of being held in memory; used by storage backends
// when serving get_descriptor results.
func (d *Descriptor) WithResolver(resolve ValueResolver) *Descriptor {
	cp := *d
	cp.value = nil
	cp.resolver = resolve
	return &cp
}

// HasValue reports whether the in-memory value is already populated
// (as opposed to lazily resolved).
func (d *Descriptor) HasValue() bool { return d.value != nil }

func (d *Descriptor) String() string {
	v, _ := d.Value()
	vs := fmt.Sprintf("%d bytes", len(v))
	if len(v) <= 30 {
		vs = fmt.Sprintf("%q", v)
	}
	return fmt.Sprintf("%s:%s(%s)=%s", d.Domain, d.Selector, d.Label, vs)
}
