// Copyright 2025 Certen Protocol
//
// Canonical binary encoding used for content hashing and signing (§6).
// Stable field order, fixed-width integers in big-endian, length-prefixed
// variable sections, no trailing padding. Every hash in this package
// (block id, transaction id, substate value hash, qc challenge) is computed
// over one of these encodings with Blake2b-256, never over a JSON
// representation, so re-encoding never perturbs an identity.

package types

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// CanonicalWriter accumulates a canonical encoding. Every Write* method is
// infallible; construction failures (e.g. an oversized field) are caught by
// validation before encoding is attempted.
type CanonicalWriter struct {
	buf bytes.Buffer
}

func NewCanonicalWriter() *CanonicalWriter { return &CanonicalWriter{} }

func (w *CanonicalWriter) Bytes() []byte { return w.buf.Bytes() }

func (w *CanonicalWriter) WriteU8(v uint8) *CanonicalWriter {
	w.buf.WriteByte(v)
	return w
}

func (w *CanonicalWriter) WriteU32(v uint32) *CanonicalWriter {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
	return w
}

func (w *CanonicalWriter) WriteU64(v uint64) *CanonicalWriter {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
	return w
}

func (w *CanonicalWriter) WriteFixed(b []byte) *CanonicalWriter {
	w.buf.Write(b)
	return w
}

// WriteBytes writes a length-prefixed byte string (u32 length, no padding).
func (w *CanonicalWriter) WriteBytes(b []byte) *CanonicalWriter {
	w.WriteU32(uint32(len(b)))
	w.buf.Write(b)
	return w
}

// WriteHash writes a 32-byte hash verbatim (fixed-width, no length prefix).
func (w *CanonicalWriter) WriteHash(h Hash32) *CanonicalWriter {
	w.buf.Write(h[:])
	return w
}

// WriteOptionalBytes writes a presence byte followed by the length-prefixed
// payload when present.
func (w *CanonicalWriter) WriteOptionalBytes(b []byte, present bool) *CanonicalWriter {
	if !present {
		w.WriteU8(0)
		return w
	}
	w.WriteU8(1)
	return w.WriteBytes(b)
}

// CanonicalReader is the read-side counterpart, used by decoders that must
// reject unknown trailing fields (§6 "Unknown fields cause a message to be
// rejected, not ignored").
type CanonicalReader struct {
	buf *bytes.Reader
}

func NewCanonicalReader(b []byte) *CanonicalReader {
	return &CanonicalReader{buf: bytes.NewReader(b)}
}

func (r *CanonicalReader) ReadU8() (uint8, error) {
	return r.buf.ReadByte()
}

func (r *CanonicalReader) ReadU32() (uint32, error) {
	var b [4]byte
	if _, err := r.buf.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func (r *CanonicalReader) ReadU64() (uint64, error) {
	var b [8]byte
	if _, err := r.buf.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func (r *CanonicalReader) ReadFixed(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := r.buf.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func (r *CanonicalReader) ReadHash() (Hash32, error) {
	var h Hash32
	b, err := r.ReadFixed(32)
	if err != nil {
		return h, err
	}
	copy(h[:], b)
	return h, nil
}

func (r *CanonicalReader) ReadBytes() ([]byte, error) {
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	return r.ReadFixed(int(n))
}

// Remaining reports whether unread bytes remain; callers use this to reject
// messages with trailing, unrecognized data.
func (r *CanonicalReader) Remaining() int {
	return r.buf.Len()
}

// hashDomain separation tags prevent cross-protocol hash collisions between
// structurally similar encodings (e.g. a block vs a dummy block marker).
const (
	domainBlock        byte = 0x01
	domainQCChallenge  byte = 0x02
	domainSubstateHash byte = 0x03
	domainTransaction  byte = 0x04
)

// Blake2b256 computes the 32-byte Blake2b-256 digest of domain||data.
func Blake2b256(domain byte, data []byte) Hash32 {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only errors for an oversized key, which we never pass.
		panic(fmt.Sprintf("blake2b init: %v", err))
	}
	h.Write([]byte{domain})
	h.Write(data)
	var out Hash32
	copy(out[:], h.Sum(nil))
	return out
}

// EmptyTreeHash is the domain-separated hash of an empty substate value.
// pkg/statetree does not use it: an absent tree key is the all-zero hash.
var EmptyTreeHash = Blake2b256(domainSubstateHash, nil)
