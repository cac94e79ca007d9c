package machoindex

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/kennytm/decacher/internal/bytereader"
	"github.com/kennytm/decacher/types"
)

func putU32(buf *bytes.Buffer, v uint32) { binary.Write(buf, binary.LittleEndian, v) }

// buildImage lays out a minimal 32-bit Mach-O header, one LC_SEGMENT
// covering [0x1000, 0x2000) mapped from file offset 0x100, and one
// LC_LOAD_DYLIB naming "/usr/lib/libfoo.dylib".
func buildImage(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer

	putU32(&buf, uint32(types.Magic32))
	putU32(&buf, uint32(types.CPUArm))
	putU32(&buf, 9) // ARMv7 subtype
	putU32(&buf, 0) // filetype
	putU32(&buf, 2) // ncmds
	putU32(&buf, 0) // sizeofcmds, unused by the parser
	putU32(&buf, 0) // flags

	segStart := buf.Len()
	putU32(&buf, uint32(types.LC_SEGMENT))
	segCmdsize := uint32(56)
	putU32(&buf, segCmdsize)
	var name [16]byte
	copy(name[:], "__TEXT")
	buf.Write(name[:])
	putU32(&buf, 0x1000) // addr
	putU32(&buf, 0x1000) // memsz
	putU32(&buf, 0x100)  // offset
	putU32(&buf, 0x1000) // filesz
	putU32(&buf, 7)      // maxprot
	putU32(&buf, 5)      // prot
	putU32(&buf, 0)      // nsect
	putU32(&buf, 0)      // flag
	_ = segStart

	putU32(&buf, uint32(types.LC_LOAD_DYLIB))
	dylibCmdsize := uint32(24 + 24) // header fields + name, padded
	putU32(&buf, dylibCmdsize)
	putU32(&buf, 24) // name offset from start of command
	putU32(&buf, 0)
	putU32(&buf, 0)
	putU32(&buf, 0)
	buf.WriteString("/usr/lib/libfoo.dylib")
	buf.WriteByte(0)
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}

	return buf.Bytes()
}

func TestIndexSegmentsAndOrdinals(t *testing.T) {
	data := buildImage(t)
	r := bytereader.OpenBytes(data)

	idx := New(r, 0, 0, false)
	if len(idx.Segments) != 1 {
		t.Fatalf("got %d segments, want 1", len(idx.Segments))
	}
	if !idx.ContainsAddress(0x1500) {
		t.Fatalf("ContainsAddress(0x1500) = false, want true")
	}
	if idx.ContainsAddress(0x5000) {
		t.Fatalf("ContainsAddress(0x5000) = true, want false")
	}
	off, ok := idx.FromVMAddr(0x1010)
	if !ok || off != 0x110 {
		t.Fatalf("FromVMAddr(0x1010) = %d, %v, want 0x110, true", off, ok)
	}

	names := idx.OrdinalNames()
	if len(names) != 1 || names[0] != "/usr/lib/libfoo.dylib" {
		t.Fatalf("OrdinalNames() = %v, want [/usr/lib/libfoo.dylib]", names)
	}
	if got := idx.LibordWithName("/usr/lib/libfoo.dylib"); got != 0 {
		t.Fatalf("LibordWithName = %d, want 0 (first ordinal)", got)
	}
	if got := idx.LibordWithName("/usr/lib/libunknown.dylib"); got != 0 {
		t.Fatalf("LibordWithName for an absent name should return the 0 sentinel, got %d", got)
	}
}

func TestIndexRejectsBadMagic(t *testing.T) {
	data := make([]byte, 64)
	r := bytereader.OpenBytes(data)
	idx := New(r, 0, 0, false)
	if len(idx.Segments) != 0 || len(idx.OrdinalNames()) != 0 {
		t.Fatalf("a bad-magic header should produce an empty index")
	}
}

// buildExportTrie lays out the two-entry trie: root -> "a" (terminal,
// address 0x10) and root -> "b" (terminal, address 0x20), matching the
// classic dyld export trie shape used by real Xcode-linked binaries.
func buildExportTrie() []byte {
	var buf bytes.Buffer
	buf.WriteByte(0) // root: terminal size 0 (not itself exported)
	buf.WriteByte(2) // two children

	// child "a"
	buf.WriteString("a")
	buf.WriteByte(0)
	childAOffsetPos := buf.Len()
	buf.WriteByte(0) // placeholder uleb128 offset, patched below

	// child "b"
	buf.WriteString("b")
	buf.WriteByte(0)
	childBOffsetPos := buf.Len()
	buf.WriteByte(0)

	nodeA := buf.Len()
	buf.WriteByte(2)    // terminal size = 2 bytes (flags + addr)
	buf.WriteByte(0)    // flags = 0 (regular)
	buf.WriteByte(0x10) // addr = 0x10
	buf.WriteByte(0)    // zero children

	nodeB := buf.Len()
	buf.WriteByte(2)
	buf.WriteByte(0)
	buf.WriteByte(0x20)
	buf.WriteByte(0)

	out := buf.Bytes()
	out[childAOffsetPos] = byte(nodeA)
	out[childBOffsetPos] = byte(nodeB)
	return out
}

func TestIndexWalksExportTrie(t *testing.T) {
	trie := buildExportTrie()

	var buf bytes.Buffer
	putU32(&buf, uint32(types.Magic32))
	putU32(&buf, uint32(types.CPUArm))
	putU32(&buf, 9)
	putU32(&buf, 0)
	putU32(&buf, 1) // ncmds
	putU32(&buf, 0)
	putU32(&buf, 0)

	exportOff := uint32(7*4 + 8 + 10*4) // right after the dyld_info command
	putU32(&buf, uint32(types.LC_DYLD_INFO_ONLY))
	putU32(&buf, 8+10*4) // cmdsize
	for i := 0; i < 8; i++ {
		putU32(&buf, 0) // rebase/bind/weak_bind/lazy_bind off+size
	}
	putU32(&buf, exportOff)
	putU32(&buf, uint32(len(trie)))

	buf.Write(trie)

	data := buf.Bytes()
	r := bytereader.OpenBytes(data)

	idx := New(r, 0, 0x4000, true)
	if got := idx.ExportedSymbol(0x4010); got != "a" {
		t.Fatalf("ExportedSymbol(0x4010) = %q, want %q", got, "a")
	}
	if got := idx.ExportedSymbol(0x4020); got != "b" {
		t.Fatalf("ExportedSymbol(0x4020) = %q, want %q", got, "b")
	}
	if got := idx.ExportedSymbol(0x9999); got != "" {
		t.Fatalf("ExportedSymbol of an unknown address should be empty, got %q", got)
	}
}
