// Package jsp (JSON persistence) writes small files atomically: Save and
// Load handle a JSON body with a trailing xxhash64 checksum, and
// WriteAtomic/ReadAll handle raw bytes with no checksum.
/*
 * Copyright (c) 2024, REbus contributors. All rights reserved.
 */
package jsp

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/OneOfOne/xxhash"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/airbus-seclab/rebus/internal/cmn"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrBadChecksum is returned by Load when the trailing checksum does not
// match the file's contents.
var ErrBadChecksum = errors.New("jsp: bad checksum")

// Save JSON-encodes v, appends an 8-byte xxhash64 checksum, and atomically
// renames a temp file into place. The body is not compressed.
func Save(path string, v interface{}) (err error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return cmn.Wrap(err, "jsp: create temp file")
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	b, err := json.Marshal(v)
	if err != nil {
		return cmn.Wrap(err, "jsp: marshal")
	}
	h := xxhash.New64()
	h.Write(b)
	var sumBuf [8]byte
	binary.BigEndian.PutUint64(sumBuf[:], h.Sum64())

	if _, err = f.Write(b); err != nil {
		return cmn.Wrap(err, "jsp: write body")
	}
	if _, err = f.Write(sumBuf[:]); err != nil {
		return cmn.Wrap(err, "jsp: write checksum")
	}
	if err = f.Sync(); err != nil {
		return cmn.Wrap(err, "jsp: fsync")
	}
	if err = f.Close(); err != nil {
		return cmn.Wrap(err, "jsp: close")
	}
	return os.Rename(tmp, path)
}

// Load reads a file written by Save, validates the checksum, and decodes
// into v.
func Load(path string, v interface{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(raw) < 8 {
		return ErrBadChecksum
	}
	body, sum := raw[:len(raw)-8], raw[len(raw)-8:]
	h := xxhash.New64()
	h.Write(body)
	var want [8]byte
	binary.BigEndian.PutUint64(want[:], h.Sum64())
	if string(want[:]) != string(sum) {
		return ErrBadChecksum
	}
	return json.Unmarshal(body, v)
}

// WriteAtomic writes raw bytes atomically, with no checksum (descriptor
// .meta/.value files and agent internal state).
func WriteAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err = f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadAll is a small wrapper kept alongside WriteAtomic so callers only
// import this package for descriptor file I/O.
func ReadAll(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
