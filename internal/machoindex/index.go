// Package machoindex parses one image's Mach-O load commands into a
// queryable index: its segments, its library-ordinal table, and (when an
// image base address is known) its exported-symbol map.
//
// Grounded on github.com/blacktop/go-macho's load-command walk (file.go,
// not carried into this module) and its pkg/trie export-trie walker,
// adapted to read through a bytereader.Reader instead of an io.ReaderAt
// and to the simplified address→name mapping this spec needs (a node's
// flags are read and discarded; the next terminal field is taken as the
// address for every kind of export, re-export and stub-and-resolver
// symbols included, since the decacher never needs to chase them).
package machoindex

import (
	"github.com/kennytm/decacher/internal/bytereader"
	"github.com/kennytm/decacher/types"
)

// Segment pairs a decoded 32-bit segment command with its sections and
// the file offset at which the command itself starts.
type Segment struct {
	CmdOffset int64
	Cmd       types.Segment32
	Sections  []types.Section32
}

// Contains reports whether vmaddr falls inside this segment's mapped
// address range.
func (s Segment) Contains(vmaddr uint64) bool {
	addr := uint64(s.Cmd.Addr)
	return addr <= vmaddr && vmaddr < addr+uint64(s.Cmd.Memsz)
}

// Index is the parsed view of one Mach-O image's load commands.
type Index struct {
	Header   types.FileHeader32
	Segments []Segment

	ordinalNames  []string
	ordinalByName map[string]uint32

	exportedByAddr map[uint64]string
}

// New parses the load commands starting at headerOffset in r. A magic
// mismatch yields an empty, query-safe Index rather than an error — the
// caller decides whether that's fatal. When hasImageBase is true, every
// LC_DYLD_INFO[_ONLY] command's export trie is walked and biased by
// imageBase; otherwise the exported-symbol map stays empty.
func New(r *bytereader.Reader, headerOffset int64, imageBase uint64, hasImageBase bool) *Index {
	idx := &Index{
		ordinalByName:  make(map[string]uint32),
		exportedByAddr: make(map[uint64]string),
	}

	hdr, ok := bytereader.PeekStruct[types.FileHeader32](r, headerOffset, 0)
	if !ok || types.Magic(hdr.Magic) != types.Magic32 {
		return idx
	}
	idx.Header = hdr

	cmdOffset := headerOffset + types.FileHeaderSize32
	for i := uint32(0); i < hdr.NCommands; i++ {
		lch, ok := bytereader.PeekStruct[types.LoadCmdHeader](r, cmdOffset, 0)
		if !ok || lch.Cmdsize < 8 {
			break
		}

		switch lch.Cmd {
		case types.LC_SEGMENT:
			idx.addSegment(r, cmdOffset)
		case types.LC_DYLD_INFO, types.LC_DYLD_INFO_ONLY:
			if hasImageBase {
				idx.walkExports(r, cmdOffset, imageBase)
			}
		}
		if lch.Cmd.DeclaresDylib() {
			idx.addOrdinal(r, cmdOffset, lch)
		}

		cmdOffset += int64(lch.Cmdsize)
	}

	return idx
}

func (idx *Index) addSegment(r *bytereader.Reader, cmdOffset int64) {
	seg, ok := bytereader.PeekStruct[types.Segment32](r, cmdOffset, 0)
	if !ok {
		return
	}
	sections, ok := bytereader.PeekStructArray[types.Section32](r, cmdOffset+segment32Size, int(seg.Nsect))
	if !ok {
		sections = nil
	}
	idx.Segments = append(idx.Segments, Segment{CmdOffset: cmdOffset, Cmd: seg, Sections: sections})
}

const segment32Size = 56 // LoadCmdHeader(8) + Name(16) + 4*uint32 + 2*VmProtection(4) + Nsect(4) + Flag(4)

func (idx *Index) addOrdinal(r *bytereader.Reader, cmdOffset int64, lch types.LoadCmdHeader) {
	dy, ok := bytereader.PeekStruct[types.DylibCmd](r, cmdOffset, 0)
	if !ok {
		return
	}
	name, ok := r.PeekASCIICStringAt(cmdOffset + int64(dy.NameOffset))
	if !ok {
		name = []byte{}
	}
	n := string(name)
	if _, exists := idx.ordinalByName[n]; exists {
		return
	}
	idx.ordinalByName[n] = uint32(len(idx.ordinalNames))
	idx.ordinalNames = append(idx.ordinalNames, n)
}

// trieFrame is one pending node in the explicit-stack export-trie walk:
// replaces recursive descent so a maliciously deep trie cannot exhaust
// the Go call stack.
type trieFrame struct {
	offset int64
	prefix string
}

func (idx *Index) walkExports(r *bytereader.Reader, cmdOffset int64, imageBase uint64) {
	info, ok := bytereader.PeekStruct[types.DyldInfoCmd](r, cmdOffset, 0)
	if !ok || info.ExportSize == 0 {
		return
	}
	base := int64(info.ExportOff)
	limit := base + int64(info.ExportSize)

	stack := []trieFrame{{offset: base, prefix: ""}}
	for len(stack) > 0 {
		frame := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if frame.offset < base || frame.offset >= limit {
			continue
		}

		cur := &cursor{r: r, pos: frame.offset, limit: limit}
		terminalSize, ok := cur.uleb128()
		if !ok {
			continue
		}
		afterTerminal := cur.pos + int64(terminalSize)

		if terminalSize != 0 {
			// flags: discarded, per the simplified address-only mapping.
			if _, ok := cur.uleb128(); ok {
				if addr, ok := cur.uleb128(); ok {
					idx.exportedByAddr[imageBase+addr] = frame.prefix
				}
			}
		}

		cur.pos = afterTerminal
		childCount, ok := cur.byte()
		if !ok {
			continue
		}
		for c := byte(0); c < childCount; c++ {
			suffix, ok := cur.cstring()
			if !ok {
				break
			}
			childOffset, ok := cur.uleb128()
			if !ok {
				break
			}
			stack = append(stack, trieFrame{offset: base + int64(childOffset), prefix: frame.prefix + suffix})
		}
	}
}

// cursor is a tiny bounds-checked reader over [0, limit) used only for
// the export-trie walk, where every offset is relative to the export
// blob rather than the whole mapped file.
type cursor struct {
	r     *bytereader.Reader
	pos   int64
	limit int64
}

func (c *cursor) byte() (byte, bool) {
	b, ok := c.r.PeekBytesAt(c.pos, 1)
	if !ok || c.pos+1 > c.limit {
		return 0, false
	}
	c.pos++
	return b[0], true
}

func (c *cursor) uleb128() (uint64, bool) {
	var result uint64
	var shift uint
	for {
		b, ok := c.byte()
		if !ok {
			return 0, false
		}
		result |= uint64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	return result, true
}

func (c *cursor) cstring() (string, bool) {
	start := c.pos
	for {
		b, ok := c.byte()
		if !ok {
			return "", false
		}
		if b == 0 {
			data, ok := c.r.PeekBytesAt(start, c.pos-1-start)
			if !ok {
				return "", false
			}
			return string(data), true
		}
	}
}

// ContainsAddress reports whether vmaddr lies within any segment.
func (idx *Index) ContainsAddress(vmaddr uint64) bool {
	for _, s := range idx.Segments {
		if s.Contains(vmaddr) {
			return true
		}
	}
	return false
}

// FromVMAddr returns the cache file offset corresponding to vmaddr, using
// whichever segment contains it.
func (idx *Index) FromVMAddr(vmaddr uint64) (int64, bool) {
	for _, s := range idx.Segments {
		if s.Contains(vmaddr) {
			delta := vmaddr - uint64(s.Cmd.Addr)
			return int64(s.Cmd.Offset) + int64(delta), true
		}
	}
	return 0, false
}

// LibordWithName returns the library ordinal for name, or 0 (the
// self/absolute sentinel) if this image never declared it.
func (idx *Index) LibordWithName(name string) uint32 {
	if ord, ok := idx.ordinalByName[name]; ok {
		return ord
	}
	return 0
}

// OrdinalNames returns the library-declaring commands' names in
// appearance order, ordinal i at index i.
func (idx *Index) OrdinalNames() []string { return idx.ordinalNames }

// ExportedSymbol returns the symbol name exported at vmaddr, or "" if
// this image's export trie (if any was walked) has no entry for it.
func (idx *Index) ExportedSymbol(vmaddr uint64) string {
	return idx.exportedByAddr[vmaddr]
}
