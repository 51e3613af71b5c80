package abi

import (
	"testing"

	"github.com/wasmflow/wasmflow/internal/record"
)

// fakeMemory is a flat byte-addressed linear memory, standing in for
// wazero's api.Memory in tests.
type fakeMemory struct {
	buf []byte
}

func newFakeMemory(size int) *fakeMemory {
	return &fakeMemory{buf: make([]byte, size)}
}

func (m *fakeMemory) Read(offset, byteCount uint32) ([]byte, bool) {
	if uint64(offset)+uint64(byteCount) > uint64(len(m.buf)) {
		return nil, false
	}
	return m.buf[offset : offset+byteCount], true
}

func (m *fakeMemory) Write(offset uint32, v []byte) bool {
	if uint64(offset)+uint64(len(v)) > uint64(len(m.buf)) {
		return false
	}
	copy(m.buf[offset:], v)
	return true
}

func (m *fakeMemory) Size() uint32 { return uint32(len(m.buf)) }

// fakeAllocator is a bump allocator mimicking canonical_abi_realloc for a
// guest that never frees.
type fakeAllocator struct {
	next uint32
}

func (a *fakeAllocator) Realloc(oldPtr, oldSize, align, newSize uint32) (uint32, error) {
	if align == 0 {
		align = 1
	}
	if rem := a.next % align; rem != 0 {
		a.next += align - rem
	}
	ptr := a.next
	a.next += newSize
	return ptr, nil
}

func TestFlowRecordLayout(t *testing.T) {
	if FlowRecordStride != 40 {
		t.Fatalf("stride = %d, want 40", FlowRecordStride)
	}
	offsets := map[string]uint32{
		"key-disc":     offKeyDisc,
		"key-ptr":      offKeyPtr,
		"key-len":      offKeyLen,
		"value-disc":   offValueDisc,
		"value-ptr":    offValuePtr,
		"value-len":    offValueLen,
		"headers-ptr":  offHeadersPtr,
		"headers-len":  offHeadersLen,
		"offset":       offOffset,
	}
	want := map[string]uint32{
		"key-disc": 0, "key-ptr": 4, "key-len": 8,
		"value-disc": 12, "value-ptr": 16, "value-len": 20,
		"headers-ptr": 24, "headers-len": 28, "offset": 32,
	}
	for name, got := range offsets {
		if want[name] != got {
			t.Errorf("offset %s = %d, want %d", name, got, want[name])
		}
	}
	if HeaderStride != 16 {
		t.Fatalf("header stride = %d, want 16", HeaderStride)
	}
}

func TestRoundTrip(t *testing.T) {
	cases := []record.Record{
		{
			Key:   []byte("k1"),
			Value: []byte("v1"),
			Headers: []record.Header{
				{Name: "a", Value: []byte("1")},
				{Name: "a", Value: []byte("2")},
			},
			Offset: 42,
		},
		{
			Key:     nil,
			Value:   []byte("hello"),
			Headers: nil,
			Offset:  0,
		},
		{
			Key:     []byte{},
			Value:   []byte{},
			Headers: []record.Header{},
			Offset:  -1,
		},
	}

	for i, want := range cases {
		mem := newFakeMemory(4096)
		alloc := &fakeAllocator{next: 0}

		base, err := alloc.Realloc(0, 0, 8, FlowRecordStride)
		if err != nil {
			t.Fatalf("case %d: alloc frame: %v", i, err)
		}
		if err := LowerFlowRecord(mem, alloc, base, want); err != nil {
			t.Fatalf("case %d: lower: %v", i, err)
		}

		got, err := LiftFlowRecord(mem, base, want.Topic, want.Partition, want.Timestamp)
		if err != nil {
			t.Fatalf("case %d: lift: %v", i, err)
		}

		if !bytesEqual(got.Key, want.Key) {
			t.Errorf("case %d: key = %v, want %v", i, got.Key, want.Key)
		}
		if !bytesEqual(got.Value, want.Value) {
			t.Errorf("case %d: value = %v, want %v", i, got.Value, want.Value)
		}
		if got.Offset != want.Offset {
			t.Errorf("case %d: offset = %d, want %d", i, got.Offset, want.Offset)
		}
		if len(got.Headers) != len(want.Headers) {
			t.Fatalf("case %d: headers len = %d, want %d", i, len(got.Headers), len(want.Headers))
		}
		for j := range want.Headers {
			if got.Headers[j].Name != want.Headers[j].Name ||
				!bytesEqual(got.Headers[j].Value, want.Headers[j].Value) {
				t.Errorf("case %d: header %d = %+v, want %+v", i, j, got.Headers[j], want.Headers[j])
			}
		}
	}
}

func TestOptionalAbsentVsEmpty(t *testing.T) {
	mem := newFakeMemory(256)
	alloc := &fakeAllocator{}

	base := uint32(0)
	if err := LowerOptionalBytes(mem, alloc, base, nil); err != nil {
		t.Fatal(err)
	}
	got, err := LiftOptionalBytes(mem, base)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("want nil (none), got %v", got)
	}

	base2 := uint32(64)
	if err := LowerOptionalBytes(mem, alloc, base2, []byte{}); err != nil {
		t.Fatal(err)
	}
	got2, err := LiftOptionalBytes(mem, base2)
	if err != nil {
		t.Fatal(err)
	}
	if got2 == nil {
		t.Fatal("want non-nil empty slice (some, len 0), got nil")
	}
	if len(got2) != 0 {
		t.Fatalf("want len 0, got %d", len(got2))
	}
}

func TestInvalidDiscriminant(t *testing.T) {
	mem := newFakeMemory(64)
	mem.buf[0] = 7 // neither 0 nor 1
	if _, err := LiftOptionalBytes(mem, 0); err == nil {
		t.Fatal("want error for invalid discriminant")
	}
}

func TestOutOfBoundsRead(t *testing.T) {
	mem := newFakeMemory(16)
	mem.buf[0] = discSome
	writeU32(mem, 4, 1000) // ptr beyond bounds
	writeU32(mem, 8, 4)
	if _, err := LiftOptionalBytes(mem, 0); err == nil {
		t.Fatal("want out-of-bounds error")
	}
}

func TestInvalidUTF8(t *testing.T) {
	mem := newFakeMemory(16)
	mem.Write(0, []byte{0xff, 0xfe})
	if _, err := LiftString(mem, 0, 2); err == nil {
		t.Fatal("want invalid-utf8 error")
	}
}

func bytesEqual(a, b []byte) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
