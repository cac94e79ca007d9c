package extrastring

import "testing"

func TestInsertDeduplicatesBySourceIdentity(t *testing.T) {
	r := New("__TEXT", "__objc_extratxt", 2, 0)
	r.SetSectionVMAddr(0x8000)

	shared := []byte("sharedSelector\x00")
	a1 := r.InsertCstr(shared, 0x100)
	a2 := r.InsertCstr(shared, 0x200)
	if a1 != a2 {
		t.Fatalf("two inserts of the same backing bytes should collapse to one entry: got %#x and %#x", a1, a2)
	}

	other := []byte("otherSelector\x00")
	a3 := r.InsertCstr(other, 0x300)
	if a3 == a1 {
		t.Fatalf("distinct source bytes should get distinct addresses")
	}

	var sites []uint64
	r.ForEachEntry(func(e *Entry) {
		if string(e.Bytes) == "sharedSelector\x00" {
			sites = e.Sites
		}
	})
	if len(sites) != 2 || sites[0] != 0x100 || sites[1] != 0x200 {
		t.Fatalf("shared entry sites = %v, want [0x100 0x200]", sites)
	}
}

func TestNextVMAddrAndTotalSize(t *testing.T) {
	r := New("__DATA", "__objc_extradat", 0, 2)
	r.SetSectionVMAddr(0x9000)
	if got := r.NextVMAddr(); got != 0x9000 {
		t.Fatalf("NextVMAddr() before any insert = %#x, want 0x9000", got)
	}

	r.Insert([]byte{1, 2, 3, 4}, 4, 0)
	if got := r.TotalSize(); got != 4 {
		t.Fatalf("TotalSize() = %d, want 4", got)
	}
	if got := r.NextVMAddr(); got != 0x9004 {
		t.Fatalf("NextVMAddr() after one insert = %#x, want 0x9004", got)
	}

	r.IncreaseSizeBy(4) // padding to an 8-byte boundary
	if got := r.TotalSize(); got != 8 {
		t.Fatalf("TotalSize() after padding = %d, want 8", got)
	}
}

func TestHasContent(t *testing.T) {
	r := New("__TEXT", "__objc_extratxt", 2, 0)
	if r.HasContent() {
		t.Fatalf("a fresh repository should report no content")
	}
	r.Insert([]byte{0xff}, 1, 0)
	if !r.HasContent() {
		t.Fatalf("a repository with one insert should report content")
	}
}
