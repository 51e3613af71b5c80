// Package abi implements the ABI Codec: lowering host Records into a
// guest's linear memory and lifting allocator-returned pointers back out,
// using the canonical layout fixed by the WASM guest ABI.
//
// The codec knows only the structural primitives (scalars, Optional, List,
// Tuple, strings) — it has no notion of what a FlowRecord "means".
package abi

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/wasmflow/wasmflow/internal/record"
	"github.com/wasmflow/wasmflow/internal/wasmerrors"
)

// Field offsets and strides from spec §6.2. All integers are little-endian;
// pointers and lengths are 32-bit; the frame is 8-byte aligned.
const (
	FlowRecordStride = 40

	offKeyDisc    = 0
	offKeyPtr     = 4
	offKeyLen     = 8
	offValueDisc  = 12
	offValuePtr   = 16
	offValueLen   = 20
	offHeadersPtr = 24
	offHeadersLen = 28
	offOffset     = 32

	HeaderStride = 16

	offHeaderNamePtr  = 0
	offHeaderNameLen  = 4
	offHeaderValPtr   = 8
	offHeaderValLen   = 12

	discNone = 0
	discSome = 1
)

// Memory is the minimal guest linear-memory surface the codec needs. It is
// satisfied by wazero's api.Memory and by fakes used in tests.
type Memory interface {
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
	Size() uint32
}

// Allocator obtains guest-owned memory through the guest's exported
// canonical_abi_realloc, per §4.1's memory-ownership rule: the host never
// frees, the guest owns everything it allocates.
type Allocator interface {
	Realloc(oldPtr, oldSize, align, newSize uint32) (uint32, error)
}

// LowerBytes allocates len(b) bytes of guest memory through alloc (unless
// b is nil, in which case it returns (0, 0) and the caller must encode the
// Optional discriminant as none) and copies b into it.
func LowerBytes(mem Memory, alloc Allocator, b []byte) (ptr, length uint32, err error) {
	if b == nil {
		return 0, 0, nil
	}
	length = uint32(len(b))
	if length == 0 {
		// Still needs a valid, if zero-length, allocation so the guest can
		// read back a (ptr, 0) pair without faulting.
		ptr, err = alloc.Realloc(0, 0, 1, 1)
		if err != nil {
			return 0, 0, err
		}
		return ptr, 0, nil
	}
	ptr, err = alloc.Realloc(0, 0, 1, length)
	if err != nil {
		return 0, 0, err
	}
	if !mem.Write(ptr, b) {
		return 0, 0, wasmerrors.AbiViolation("guest-memory-out-of-bounds", "write of lowered bytes")
	}
	return ptr, length, nil
}

// LowerOptionalBytes writes the Optional<list<u8>> encoding described in
// spec §4.1 at base (discriminant byte, then ptr/len at +4/+8).
func LowerOptionalBytes(mem Memory, alloc Allocator, base uint32, b []byte) error {
	if b == nil {
		return mem1(mem, base, discNone)
	}
	ptr, length, err := LowerBytes(mem, alloc, b)
	if err != nil {
		return err
	}
	if err := mem1(mem, base, discSome); err != nil {
		return err
	}
	writeU32(mem, base+4, ptr)
	writeU32(mem, base+8, length)
	return nil
}

// LowerHeaders writes a headers list (ptr, len) to a fresh allocation whose
// elements are HeaderStride-byte, 4-aligned records as specified in §6.2.
func LowerHeaders(mem Memory, alloc Allocator, headers []record.Header) (ptr, length uint32, err error) {
	length = uint32(len(headers))
	if length == 0 {
		return 0, 0, nil
	}
	ptr, err = alloc.Realloc(0, 0, 4, length*HeaderStride)
	if err != nil {
		return 0, 0, err
	}
	for i, h := range headers {
		elemBase := ptr + uint32(i)*HeaderStride
		namePtr, nameLen, err := LowerBytes(mem, alloc, []byte(h.Name))
		if err != nil {
			return 0, 0, err
		}
		valPtr, valLen, err := LowerBytes(mem, alloc, h.Value)
		if err != nil {
			return 0, 0, err
		}
		writeU32(mem, elemBase+offHeaderNamePtr, namePtr)
		writeU32(mem, elemBase+offHeaderNameLen, nameLen)
		writeU32(mem, elemBase+offHeaderValPtr, valPtr)
		writeU32(mem, elemBase+offHeaderValLen, valLen)
	}
	return ptr, length, nil
}

// LowerFlowRecord writes the 40-byte FlowRecord frame at base, per §6.2.
func LowerFlowRecord(mem Memory, alloc Allocator, base uint32, r record.Record) error {
	if err := LowerOptionalBytes(mem, alloc, base+offKeyDisc, r.Key); err != nil {
		return err
	}
	if err := LowerOptionalBytes(mem, alloc, base+offValueDisc, r.Value); err != nil {
		return err
	}
	hPtr, hLen, err := LowerHeaders(mem, alloc, r.Headers)
	if err != nil {
		return err
	}
	writeU32(mem, base+offHeadersPtr, hPtr)
	writeU32(mem, base+offHeadersLen, hLen)
	writeU64(mem, base+offOffset, uint64(r.Offset))
	return nil
}

// LiftOptionalBytes reads an Optional<list<u8>> at base. It returns a nil
// slice for "none"; for "some" with len 0 it returns a non-nil empty slice,
// preserving the present/absent distinction the round-trip property
// requires.
func LiftOptionalBytes(mem Memory, base uint32) ([]byte, error) {
	disc, ok := mem.Read(base, 1)
	if !ok {
		return nil, wasmerrors.AbiViolation("guest-memory-out-of-bounds", "optional discriminant")
	}
	switch disc[0] {
	case discNone:
		return nil, nil
	case discSome:
		ptr := readU32(mem, base+4)
		length := readU32(mem, base+8)
		if length == 0 {
			return []byte{}, nil
		}
		b, ok := mem.Read(ptr, length)
		if !ok {
			return nil, wasmerrors.AbiViolation("guest-memory-out-of-bounds", "optional payload")
		}
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	default:
		return nil, wasmerrors.AbiViolation("invalid-variant", "optional discriminant")
	}
}

// LiftString reads a (ptr, len) UTF-8 string, validating it per §4.1.
func LiftString(mem Memory, ptr, length uint32) (string, error) {
	b, ok := mem.Read(ptr, length)
	if !ok {
		return "", wasmerrors.AbiViolation("guest-memory-out-of-bounds", "string")
	}
	if !utf8.Valid(b) {
		return "", wasmerrors.AbiViolation("invalid-utf8", "string")
	}
	return string(b), nil
}

// LiftHeaders reads a headers list from (ptr, len).
func LiftHeaders(mem Memory, ptr, length uint32) ([]record.Header, error) {
	if length == 0 {
		return nil, nil
	}
	headers := make([]record.Header, length)
	for i := uint32(0); i < length; i++ {
		elemBase := ptr + i*HeaderStride
		namePtr := readU32(mem, elemBase+offHeaderNamePtr)
		nameLen := readU32(mem, elemBase+offHeaderNameLen)
		valPtr := readU32(mem, elemBase+offHeaderValPtr)
		valLen := readU32(mem, elemBase+offHeaderValLen)
		name, err := LiftString(mem, namePtr, nameLen)
		if err != nil {
			return nil, err
		}
		val, ok := mem.Read(valPtr, valLen)
		if !ok {
			return nil, wasmerrors.AbiViolation("guest-memory-out-of-bounds", "header value")
		}
		v := make([]byte, len(val))
		copy(v, val)
		headers[i] = record.Header{Name: name, Value: v}
	}
	return headers, nil
}

// LiftFlowRecord reads the 40-byte FlowRecord frame at base back into a
// record.Record. topic, partition, and timestamp are not part of the fixed
// frame (they flatten into the process-record call signature per §6.2) and
// are supplied by the caller.
func LiftFlowRecord(mem Memory, base uint32, topic string, partition int32, timestamp int64) (record.Record, error) {
	key, err := LiftOptionalBytes(mem, base+offKeyDisc)
	if err != nil {
		return record.Record{}, err
	}
	value, err := LiftOptionalBytes(mem, base+offValueDisc)
	if err != nil {
		return record.Record{}, err
	}
	hPtr := readU32(mem, base+offHeadersPtr)
	hLen := readU32(mem, base+offHeadersLen)
	headers, err := LiftHeaders(mem, hPtr, hLen)
	if err != nil {
		return record.Record{}, err
	}
	offset := int64(readU64(mem, base+offOffset))
	return record.Record{
		Key:       key,
		Value:     value,
		Headers:   headers,
		Offset:    offset,
		Partition: partition,
		Topic:     topic,
		Timestamp: timestamp,
	}, nil
}

func mem1(mem Memory, offset uint32, b byte) error {
	if !mem.Write(offset, []byte{b}) {
		return wasmerrors.AbiViolation("guest-memory-out-of-bounds", "discriminant byte")
	}
	return nil
}

func writeU32(mem Memory, offset, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	mem.Write(offset, buf[:])
}

func writeU64(mem Memory, offset uint32, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	mem.Write(offset, buf[:])
}

func readU32(mem Memory, offset uint32) uint32 {
	b, ok := mem.Read(offset, 4)
	if !ok {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func readU64(mem Memory, offset uint32) uint64 {
	b, ok := mem.Read(offset, 8)
	if !ok {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}
