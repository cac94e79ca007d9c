// Package extrastring implements the Extra-String Repository (C3): an
// insertion-ordered collection of byte strings destined for a brand-new
// section appended to a decached image, deduplicated by the source
// pointer identity of the incoming bytes rather than their content.
//
// Grounded on original_source/dyld_decache.cpp's ExtraStringRepository
// class: the identity-keyed map, the rolling section template carrying
// cumulative size, and the insert/insert_cstr/for_each_entry surface.
package extrastring

// Entry is one inserted string, recorded in insertion order. Bytes is a
// copy of the inserted bytes (the source identity used for deduplication
// is kept by the Repository, not the Entry); Sites lists every pointer location (in the new output file) that must
// be overwritten with NewVMAddr once it is known.
type Entry struct {
	Bytes     []byte
	NewVMAddr uint64
	Sites     []uint64
}

// sourceKey is the identity of the incoming byte slice: its backing
// array's address plus length, standing in for C++'s raw source pointer.
// Two calls to insert with slices over the same backing bytes collapse
// to one entry, matching the spec's "source pointer identity" contract.
type sourceKey struct {
	ptr uintptr
	len int
}

// SectionTemplate carries the final section descriptor fields, assigned
// once the repository's placement in the output file is known.
type SectionTemplate struct {
	Segname  string
	Sectname string
	Flags    uint32
	Align    uint32
	Addr     uint64
	Size     uint64
	Offset   uint64
}

// Repository is one Extra-String Repository targeting a single
// (segname, sectname) pair.
type Repository struct {
	template SectionTemplate

	entries    []*Entry
	bySource   map[sourceKey]int
}

// New creates a repository for the given target section, flags and
// alignment (§4.5 phase 0).
func New(segname, sectname string, flags, align uint32) *Repository {
	return &Repository{
		template: SectionTemplate{
			Segname:  segname,
			Sectname: sectname,
			Flags:    flags,
			Align:    align,
		},
		bySource: make(map[sourceKey]int),
	}
}

// SetSectionVMAddr presets the section's base address (§4.5 phase 0: the
// repository sits immediately after the existing segment content, at
// segment.vmaddr + segment.vmsize).
func (r *Repository) SetSectionVMAddr(addr uint64) { r.template.Addr = addr }

// SetSectionFileoff records the section's final file offset (§4.5 phase
// 2: set once the segment's own bytes have been written).
func (r *Repository) SetSectionFileoff(off uint64) { r.template.Offset = off }

// IncreaseSizeBy grows the recorded section size without adding an entry,
// used for trailing alignment padding (§4.5 phase 2).
func (r *Repository) IncreaseSizeBy(delta uint64) { r.template.Size += delta }

func keyOf(b []byte) sourceKey {
	if len(b) == 0 {
		return sourceKey{}
	}
	return sourceKey{ptr: sliceAddr(b), len: len(b)}
}

// Insert records bytes (exactly size bytes long) as a new entry, or — if
// an entry already exists for this source identity — appends site to
// that entry's override list. Returns the vmaddr the bytes will occupy
// once the section is placed (valid even before that placement happens,
// since it is computed relative to the running NextVMAddr).
func (r *Repository) Insert(source []byte, size int, site uint64) uint64 {
	k := keyOf(source)
	if idx, ok := r.bySource[k]; ok {
		e := r.entries[idx]
		e.Sites = append(e.Sites, site)
		return e.NewVMAddr
	}

	newAddr := r.NextVMAddr()
	e := &Entry{
		Bytes:     append([]byte(nil), source[:size]...),
		NewVMAddr: newAddr,
		Sites:     []uint64{site},
	}
	r.bySource[k] = len(r.entries)
	r.entries = append(r.entries, e)
	r.template.Size += uint64(size)
	return newAddr
}

// InsertCstr is Insert with size taken as strlen(source)+1, for
// NUL-terminated C strings.
func (r *Repository) InsertCstr(source []byte, site uint64) uint64 {
	n := 0
	for n < len(source) && source[n] != 0 {
		n++
	}
	if n < len(source) {
		n++ // include the terminator
	}
	return r.Insert(source, n, site)
}

// NextVMAddr is the vmaddr the next inserted entry would receive.
func (r *Repository) NextVMAddr() uint64 { return r.template.Addr + r.template.Size }

// TotalSize is the repository's current total byte size.
func (r *Repository) TotalSize() uint64 { return r.template.Size }

// HasContent reports whether anything has been inserted.
func (r *Repository) HasContent() bool { return len(r.entries) > 0 }

// Template returns the section descriptor fields as currently known.
func (r *Repository) Template() SectionTemplate { return r.template }

// ForEachEntry calls fn for every entry, in insertion order.
func (r *Repository) ForEachEntry(fn func(*Entry)) {
	for _, e := range r.entries {
		fn(e)
	}
}
