// Package extrabind implements the Extra-Bind Repository (C4): a set of
// synthesized lazy-bind entries accumulated while scanning one image's
// Objective-C metadata, serialized on demand into a byte stream in the
// same opcode encoding dyld's own bind_off/bind_size tables use.
//
// Grounded on original_source/dyld_decache.cpp's prepare_objc_extrastr /
// add_extlink_to flow (the accumulation side) and on
// types.BIND_OPCODE_* (kept from the teacher's types/flags.go) for the
// wire encoding.
package extrabind

import (
	"bytes"

	"github.com/kennytm/decacher/types"
)

// Site is one replacement location: a pointer inside the new output
// file, identified by the segment it lives in and its byte offset within
// that segment.
type Site struct {
	SegIndex int
	Offset   uint32
}

// Entry is everything needed to bind one external reference: the symbol
// dyld should resolve it against, which library ordinal declares that
// symbol, and every site in this image that must be bound to it.
type Entry struct {
	Symbol string
	Libord int32
	Sites  []Site
}

// Resolver looks up the symbol name and library ordinal that defines
// target, given the enclosing cache and this image's own ordinal table
// (§4.5, add_extlink_to).
type Resolver func(target uint64) (symbol string, libord int32)

// Repository accumulates Extra-Bind entries for one image, keyed by
// target vmaddr so repeated references to the same external symbol
// collapse into one entry with multiple sites.
type Repository struct {
	order   []uint64
	entries map[uint64]*Entry
}

// New creates an empty Extra-Bind Repository.
func New() *Repository {
	return &Repository{entries: make(map[uint64]*Entry)}
}

// Insert appends site to target's entry, creating it via resolve on
// first reference to that target.
func (r *Repository) Insert(target uint64, site Site, resolve Resolver) {
	e, ok := r.entries[target]
	if !ok {
		symbol, libord := resolve(target)
		e = &Entry{Symbol: symbol, Libord: libord}
		r.entries[target] = e
		r.order = append(r.order, target)
	}
	e.Sites = append(e.Sites, site)
}

// HasContent reports whether anything has been inserted.
func (r *Repository) HasContent() bool { return len(r.order) > 0 }

// Entries returns the accumulated entries in insertion order (by first
// reference to their target).
func (r *Repository) Entries() []*Entry {
	out := make([]*Entry, 0, len(r.order))
	for _, target := range r.order {
		out = append(out, r.entries[target])
	}
	return out
}

func uleb128(buf *bytes.Buffer, v uint64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf.WriteByte(b)
		if v == 0 {
			return
		}
	}
}

// Serialize emits a valid bind opcode byte stream for the accumulated
// entries and returns it (§4.4). Sites within each entry are sorted by
// (segment index, offset) first; entries are then grouped by library
// ordinal in the order those ordinals were first seen.
func Serialize(entries []*Entry) []byte {
	var buf bytes.Buffer

	for _, e := range entries {
		sortSites(e.Sites)
	}

	groups, order := groupByOrdinal(entries)

	buf.WriteByte(byte(types.BIND_OPCODE_SET_TYPE_IMM) | 1) // pointer type

	for _, ord := range order {
		writeDylibOrdinalOpcode(&buf, ord)

		for _, e := range groups[ord] {
			buf.WriteByte(byte(types.BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM))
			buf.WriteString(e.Symbol)
			buf.WriteByte(0)

			var last uint32
			curSeg := -1
			for _, site := range e.Sites {
				if site.SegIndex != curSeg {
					buf.WriteByte(byte(types.BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB) | byte(site.SegIndex&0x0f))
					uleb128(&buf, uint64(site.Offset))
					buf.WriteByte(byte(types.BIND_OPCODE_DO_BIND))
					curSeg = site.SegIndex
					last = site.Offset + 4
					continue
				}

				delta := int64(site.Offset) - int64(last)
				switch {
				case delta == 0:
					buf.WriteByte(byte(types.BIND_OPCODE_DO_BIND))
				case delta > 0 && delta%4 == 0 && delta/4 < 16:
					buf.WriteByte(byte(types.BIND_OPCODE_DO_BIND_ADD_ADDR_IMM_SCALED) | byte(delta/4))
				default:
					buf.WriteByte(byte(types.BIND_OPCODE_DO_BIND_ADD_ADDR_ULEB))
					uleb128(&buf, uint64(delta))
					buf.WriteByte(byte(types.BIND_OPCODE_DO_BIND))
				}
				last = site.Offset + 4
			}
		}
	}

	buf.WriteByte(byte(types.BIND_OPCODE_DONE))
	return buf.Bytes()
}

func sortSites(sites []Site) {
	// Small N (per-entry site counts are a handful at most); a simple
	// insertion sort avoids pulling in sort for a few elements while
	// staying obviously stable and correct.
	for i := 1; i < len(sites); i++ {
		for j := i; j > 0 && less(sites[j], sites[j-1]); j-- {
			sites[j], sites[j-1] = sites[j-1], sites[j]
		}
	}
}

func less(a, b Site) bool {
	if a.SegIndex != b.SegIndex {
		return a.SegIndex < b.SegIndex
	}
	return a.Offset < b.Offset
}

func groupByOrdinal(entries []*Entry) (map[int32][]*Entry, []int32) {
	groups := make(map[int32][]*Entry)
	var order []int32
	for _, e := range entries {
		if _, ok := groups[e.Libord]; !ok {
			order = append(order, e.Libord)
		}
		groups[e.Libord] = append(groups[e.Libord], e)
	}
	return groups, order
}

func writeDylibOrdinalOpcode(buf *bytes.Buffer, ord int32) {
	switch {
	case ord < 0:
		buf.WriteByte(byte(types.BIND_OPCODE_SET_DYLIB_SPECIAL_IMM) | byte(ord&0x0f))
	case ord < 0x10:
		buf.WriteByte(byte(types.BIND_OPCODE_SET_DYLIB_ORDINAL_IMM) | byte(ord))
	default:
		buf.WriteByte(byte(types.BIND_OPCODE_SET_DYLIB_ORDINAL_ULEB))
		uleb128(buf, uint64(ord))
	}
}
