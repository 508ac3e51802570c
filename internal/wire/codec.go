// Package wire is the length-prefixed binary codec shared by the broker
// transport and by the disk storage backend: a deterministic msgpack
// encoding built on github.com/tinylib/msgp's runtime helpers.
/*
 * Copyright (c) 2024, REbus contributors. All rights reserved.
 */
package wire

import (
	"bytes"

	"github.com/tinylib/msgp/msgp"

	"github.com/airbus-seclab/rebus/internal/descriptor"
)

// descriptor field count, used as the msgpack array header. Keeping a
// fixed-width array (rather than a string-keyed map) keeps the encoding
// compact for the common case: many small control-plane descriptors and
// the occasional 100 MB blob value.
const descriptorFields = 9

// EncodeDescriptorMeta serializes every Descriptor field except the
// payload value — used when metadata and value travel as separate
// messages/files, so listings without values stay cheap.
func EncodeDescriptorMeta(d *descriptor.Descriptor) ([]byte, error) {
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)
	if err := writeMeta(w, d); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeDescriptorValue serializes just the payload bytes.
func EncodeDescriptorValue(d *descriptor.Descriptor) ([]byte, error) {
	value, err := d.Value()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)
	if err := w.WriteBytes(value); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeDescriptorValue reads a value previously written by
// EncodeDescriptorValue.
func DecodeDescriptorValue(raw []byte) ([]byte, error) {
	r := msgp.NewReader(bytes.NewReader(raw))
	return r.ReadBytes(nil)
}

func writeMeta(w *msgp.Writer, d *descriptor.Descriptor) error {
	if err := w.WriteArrayHeader(descriptorFields); err != nil {
		return err
	}
	if err := w.WriteString(d.Domain); err != nil {
		return err
	}
	if err := w.WriteString(d.Selector); err != nil {
		return err
	}
	if err := w.WriteString(d.Label); err != nil {
		return err
	}
	if err := w.WriteString(d.Hash); err != nil {
		return err
	}
	if err := w.WriteString(d.UUID); err != nil {
		return err
	}
	if err := w.WriteString(d.Agent); err != nil {
		return err
	}
	if err := w.WriteArrayHeader(uint32(len(d.Precursors))); err != nil {
		return err
	}
	for _, p := range d.Precursors {
		if err := w.WriteString(p); err != nil {
			return err
		}
	}
	if err := w.WriteInt(d.Version); err != nil {
		return err
	}
	return w.WriteFloat64(d.ProcessingTime)
}

// DecodeDescriptorMeta reads a message written by EncodeDescriptorMeta and
// returns a metadata-only Descriptor (no resolver attached; callers should
// use d.WithResolver to wire up lazy value fetches).
func DecodeDescriptorMeta(raw []byte) (*descriptor.Descriptor, error) {
	r := msgp.NewReader(bytes.NewReader(raw))
	n, err := r.ReadArrayHeader()
	if err != nil {
		return nil, err
	}
	if n != descriptorFields {
		return nil, msgp.ArrayError{Wanted: descriptorFields, Got: n}
	}
	d := &descriptor.Descriptor{}
	if d.Domain, err = r.ReadString(); err != nil {
		return nil, err
	}
	if d.Selector, err = r.ReadString(); err != nil {
		return nil, err
	}
	if d.Label, err = r.ReadString(); err != nil {
		return nil, err
	}
	if d.Hash, err = r.ReadString(); err != nil {
		return nil, err
	}
	if d.UUID, err = r.ReadString(); err != nil {
		return nil, err
	}
	if d.Agent, err = r.ReadString(); err != nil {
		return nil, err
	}
	plen, err := r.ReadArrayHeader()
	if err != nil {
		return nil, err
	}
	d.Precursors = make([]string, plen)
	for i := range d.Precursors {
		if d.Precursors[i], err = r.ReadString(); err != nil {
			return nil, err
		}
	}
	if d.Version, err = r.ReadInt(); err != nil {
		return nil, err
	}
	if d.ProcessingTime, err = r.ReadFloat64(); err != nil {
		return nil, err
	}
	return d, nil
}
