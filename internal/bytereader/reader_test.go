package bytereader

import "testing"

func TestReadU32(t *testing.T) {
	r := OpenBytes([]byte{0xef, 0xbe, 0xad, 0xde, 0x01})
	got, ok := r.ReadU32()
	if !ok {
		t.Fatalf("ReadU32 reported absence on a fully in-bounds read")
	}
	if want := uint32(0xdeadbeef); got != want {
		t.Fatalf("ReadU32 = 0x%x, want 0x%x", got, want)
	}
	if r.Tell() != 4 {
		t.Fatalf("Tell() = %d, want 4", r.Tell())
	}
	if _, ok := r.ReadU32(); ok {
		t.Fatalf("ReadU32 past end-of-file should report absence")
	}
	if !r.IsEOF() {
		t.Fatalf("cursor should be clamped to EOF after a failed read")
	}
}

func TestReadCString(t *testing.T) {
	r := OpenBytes([]byte("hello\x00world"))
	s, ok := r.ReadCString()
	if !ok || string(s) != "hello\x00" {
		t.Fatalf("ReadCString = %q, %v, want %q, true", s, ok, "hello\x00")
	}
	if r.Tell() != 6 {
		t.Fatalf("Tell() = %d, want 6", r.Tell())
	}

	r2 := OpenBytes([]byte("noterminator"))
	if _, ok := r2.ReadCString(); ok {
		t.Fatalf("ReadCString should fail without a NUL terminator")
	}
}

func TestPeekASCIICStringAt(t *testing.T) {
	data := []byte("abc\x00\xffdef\x00")
	r := OpenBytes(data)

	s, ok := r.PeekASCIICStringAt(0)
	if !ok || string(s) != "abc" {
		t.Fatalf("PeekASCIICStringAt(0) = %q, %v, want %q, true", s, ok, "abc")
	}
	if r.Tell() != 0 {
		t.Fatalf("peek must not move the cursor, got Tell() = %d", r.Tell())
	}

	if _, ok := r.PeekASCIICStringAt(4); ok {
		t.Fatalf("PeekASCIICStringAt should reject a non-ASCII byte before the terminator")
	}

	s2, ok := r.PeekASCIICStringAt(5)
	if !ok || string(s2) != "def" {
		t.Fatalf("PeekASCIICStringAt(5) = %q, %v, want %q, true", s2, ok, "def")
	}
}

func TestPeekStructStrictBound(t *testing.T) {
	type pair struct {
		A uint32
		B uint32
	}
	data := make([]byte, 12) // exactly 1.5 pairs worth
	r := OpenBytes(data)

	if _, ok := PeekStruct[pair](r, 0, 0); !ok {
		t.Fatalf("PeekStruct with itemsAfter=0 should succeed when one element fits")
	}
	// itemsAfter=1 demands room for two full elements (16 bytes); only 12
	// are present, so the stricter bound from DataFile.h must reject this.
	if _, ok := PeekStruct[pair](r, 0, 1); ok {
		t.Fatalf("PeekStruct with itemsAfter=1 should fail: only one element fits in the buffer")
	}
}

func TestULEB128Roundtrip(t *testing.T) {
	tests := []struct {
		bytes []byte
		want  uint64
	}{
		{[]byte{0x00}, 0},
		{[]byte{0x7f}, 127},
		{[]byte{0x80, 0x01}, 128},
		{[]byte{0xe5, 0x8e, 0x26}, 624485},
	}
	for _, tt := range tests {
		r := OpenBytes(tt.bytes)
		if got := r.ReadULEB128(); got != tt.want {
			t.Errorf("ReadULEB128(%x) = %d, want %d", tt.bytes, got, tt.want)
		}
	}
}

func TestSLEB128Roundtrip(t *testing.T) {
	tests := []struct {
		bytes []byte
		want  int64
	}{
		{[]byte{0x00}, 0},
		{[]byte{0x02}, 2},
		{[]byte{0x7e}, -2},
		{[]byte{0xff, 0x00}, 127},
		{[]byte{0x81, 0x7f}, -127},
	}
	for _, tt := range tests {
		r := OpenBytes(tt.bytes)
		if got := r.ReadSLEB128(); got != tt.want {
			t.Errorf("ReadSLEB128(%x) = %d, want %d", tt.bytes, got, tt.want)
		}
	}
}

func TestSearchForward(t *testing.T) {
	r := OpenBytes([]byte("xxxNEEDLExxx"))
	if !r.SearchForward([]byte("NEEDLE")) {
		t.Fatalf("SearchForward should find an present needle")
	}
	if r.Tell() != 3 {
		t.Fatalf("Tell() = %d, want 3", r.Tell())
	}

	r2 := OpenBytes([]byte("nothing here"))
	if r2.SearchForward([]byte("absent")) {
		t.Fatalf("SearchForward should report failure for an absent needle")
	}
	if !r2.IsEOF() {
		t.Fatalf("cursor should land at EOF after a failed search")
	}
}
