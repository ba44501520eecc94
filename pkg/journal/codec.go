// Copyright 2024-2025 CardinalHQ, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package journal is the write-ahead log that records which keys of a
// file-backed cache are safely on disk.
//
// A journal file is a header followed by records:
//
//	header: MAGIC(7) | VERSION(1) | CACHE_VERSION(4, big-endian) | STRATEGY(1)
//	record: OPCODE(1) | KEYLEN(2, big-endian) | KEY(KEYLEN bytes)
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/cardinalhq/chqcache/pkg/cachecore"
)

const (
	Magic   = "CHQJRNL"
	Version = 1

	headerLen = len(Magic) + 1 + 4 + 1

	// MaxKeyLen is the longest key a record can hold.
	MaxKeyLen = math.MaxUint16
)

var (
	ErrCorrupt    = errors.New("journal: corrupt")
	ErrClosed     = errors.New("journal: closed")
	ErrKeyTooLong = errors.New("journal: key too long")
)

type Op byte

const (
	OpDirty  Op = 1
	OpClean  Op = 2
	OpCancel Op = 3
	OpRemove Op = 4
	OpRead   Op = 5
)

func (o Op) String() string {
	switch o {
	case OpDirty:
		return "dirty"
	case OpClean:
		return "clean"
	case OpCancel:
		return "cancel"
	case OpRemove:
		return "remove"
	case OpRead:
		return "read"
	}
	return fmt.Sprintf("op(%d)", byte(o))
}

func (o Op) valid() bool {
	return o >= OpDirty && o <= OpRead
}

type Header struct {
	CacheVersion int32
	Strategy     cachecore.Strategy
}

type Record struct {
	Op  Op
	Key string
}

func WriteHeader(w io.Writer, h Header) error {
	var b [headerLen]byte
	copy(b[:], Magic)
	b[len(Magic)] = Version
	binary.BigEndian.PutUint32(b[len(Magic)+1:], uint32(h.CacheVersion))
	b[headerLen-1] = byte(h.Strategy)
	_, err := w.Write(b[:])
	return err
}

// ReadHeader reads and checks the magic and format version.  Comparing
// the cache version and strategy is left to the caller.
func ReadHeader(r io.Reader) (Header, error) {
	var b [headerLen]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, fmt.Errorf("%w: short header", ErrCorrupt)
		}
		return Header{}, err
	}
	if string(b[:len(Magic)]) != Magic {
		return Header{}, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if v := b[len(Magic)]; v != Version {
		return Header{}, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, v)
	}
	return Header{
		CacheVersion: int32(binary.BigEndian.Uint32(b[len(Magic)+1:])),
		Strategy:     cachecore.Strategy(b[headerLen-1]),
	}, nil
}

func appendRecord(dst []byte, r Record) ([]byte, error) {
	if len(r.Key) > MaxKeyLen {
		return dst, ErrKeyTooLong
	}
	dst = append(dst, byte(r.Op))
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(r.Key)))
	return append(dst, r.Key...), nil
}

func EncodeRecord(w io.Writer, r Record) error {
	b, err := appendRecord(make([]byte, 0, 3+len(r.Key)), r)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// DecodeRecord returns io.EOF when r ends cleanly between records.
func DecodeRecord(r io.Reader) (Record, error) {
	var hdr [3]byte
	n, err := io.ReadFull(r, hdr[:])
	switch {
	case err == nil:
	case errors.Is(err, io.EOF) && n == 0:
		return Record{}, io.EOF
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		return Record{}, fmt.Errorf("%w: truncated record", ErrCorrupt)
	default:
		return Record{}, err
	}

	op := Op(hdr[0])
	if !op.valid() {
		return Record{}, fmt.Errorf("%w: unknown opcode %d", ErrCorrupt, hdr[0])
	}
	key := make([]byte, binary.BigEndian.Uint16(hdr[1:]))
	if _, err := io.ReadFull(r, key); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, fmt.Errorf("%w: truncated key", ErrCorrupt)
		}
		return Record{}, err
	}
	return Record{Op: op, Key: string(key)}, nil
}
