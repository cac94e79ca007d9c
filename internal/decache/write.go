package decache

import (
	"github.com/pkg/errors"

	"github.com/kennytm/decacher/internal/bytereader"
	"github.com/kennytm/decacher/internal/extrabind"
	"github.com/kennytm/decacher/internal/extrastring"
	"github.com/kennytm/decacher/types"
)

// writeSegments is phase 2: stream every non-__LINKEDIT segment's bytes
// to the output, followed by its Extra-String Repository's content (if
// any), and record a Fileoff-Fixup for the whole written range.
func (d *Decacher) writeSegments() error {
	r := d.cache.Reader()

	for _, seg := range d.idx.Segments {
		if seg.Cmd.SegName() == "__LINKEDIT" {
			continue
		}

		srcOff, ok := d.cache.FromCacheVMAddr(uint64(seg.Cmd.Addr))
		if !ok {
			return errors.Errorf("segment %s vmaddr %#x unmapped", seg.Cmd.SegName(), seg.Cmd.Addr)
		}
		data, ok := r.PeekBytesAt(srcOff, int64(seg.Cmd.Filesz))
		if !ok {
			return errors.Errorf("segment %s: filesize %d out of bounds", seg.Cmd.SegName(), seg.Cmd.Filesz)
		}

		newFileoff := d.out.Len()
		d.out.Write(data)
		filesize := seg.Cmd.Filesz

		if repo := d.repoFor(seg.Cmd.SegName()); repo != nil && repo.HasContent() {
			repo.ForEachEntry(func(e *extrastring.Entry) {
				d.out.Write(e.Bytes)
			})
			if extra := d.out.Len() % 8; extra != 0 {
				pad := 8 - extra
				d.out.Write(make([]byte, pad))
				repo.IncreaseSizeBy(uint64(pad))
			}
			repo.SetSectionFileoff(uint64(newFileoff) + uint64(filesize))
			filesize += uint32(repo.TotalSize())
		}

		d.fixups = append(d.fixups, fixup{
			Begin: int64(seg.Cmd.Offset),
			End:   int64(seg.Cmd.Offset) + int64(filesize),
			Delta: int64(seg.Cmd.Offset) - int64(newFileoff),
		})
	}
	return nil
}

// rebuildLinkedit is phase 3: emit a fresh link-edit region built only
// from this image's slice of each global table.
func (d *Decacher) rebuildLinkedit() error {
	d.linkeditOff = uint32(d.out.Len())

	for _, cmdOffset := range d.linkeditBearingCommands() {
		if err := d.rebuildOneLinkeditCommand(cmdOffset); err != nil {
			return err
		}
	}

	d.linkeditSize = uint32(d.out.Len()) - d.linkeditOff
	return nil
}

// linkeditBearingCommands returns the cache-relative offsets of every
// load command phase 3 must process, in load-command order.
func (d *Decacher) linkeditBearingCommands() []int64 {
	var out []int64
	cmdOffset := d.headerOffset + types.FileHeaderSize32
	for i := uint32(0); i < d.idx.Header.NCommands; i++ {
		lch, ok := bytereader.PeekStruct[types.LoadCmdHeader](d.cache.Reader(), cmdOffset, 0)
		if !ok || lch.Cmdsize < 8 {
			break
		}
		switch lch.Cmd {
		case types.LC_DYLD_INFO, types.LC_DYLD_INFO_ONLY,
			types.LC_SYMTAB, types.LC_DYSYMTAB,
			types.LC_CODE_SIGNATURE, types.LC_SEGMENT_SPLIT_INFO, types.LC_FUNCTION_STARTS:
			out = append(out, cmdOffset)
		}
		cmdOffset += int64(lch.Cmdsize)
	}
	return out
}

func (d *Decacher) padTo(align int) {
	if extra := d.out.Len() % align; extra != 0 {
		d.out.Write(make([]byte, align-extra))
	}
}

func (d *Decacher) rebuildOneLinkeditCommand(cmdOffset int64) error {
	r := d.cache.Reader()
	lch, _ := bytereader.PeekStruct[types.LoadCmdHeader](r, cmdOffset, 0)

	switch lch.Cmd {
	case types.LC_DYLD_INFO, types.LC_DYLD_INFO_ONLY:
		info, ok := bytereader.PeekStruct[types.DyldInfoCmd](r, cmdOffset, 0)
		if !ok {
			return errors.Errorf("LC_DYLD_INFO out of bounds")
		}
		d.newRebaseOff = d.copyLinkeditBlob(int64(info.RebaseOff), int64(info.RebaseSize), 1)

		bindBytes := extrabind.Serialize(d.binds.Entries())
		d.newBindOff = uint32(d.out.Len())
		d.out.Write(bindBytes)
		d.newBindSize = uint32(len(bindBytes))
		d.copyLinkeditBlob(int64(info.BindOff), int64(info.BindSize), 1)
		d.newBindSize += info.BindSize

		d.newWeakBindOff = d.copyLinkeditBlob(int64(info.WeakBindOff), int64(info.WeakBindSize), 1)
		d.newLazyBindOff = d.copyLinkeditBlob(int64(info.LazyBindOff), int64(info.LazyBindSize), 1)
		d.newExportOff = d.copyLinkeditBlob(int64(info.ExportOff), int64(info.ExportSize), 1)

	case types.LC_SYMTAB:
		return d.rebuildSymtab(cmdOffset)

	case types.LC_DYSYMTAB:
		dy, ok := bytereader.PeekStruct[types.DysymtabCmd](r, cmdOffset, 0)
		if !ok {
			return errors.Errorf("LC_DYSYMTAB out of bounds")
		}
		d.newToc = d.copyLinkeditBlob(int64(dy.Tocoffset), int64(dy.Ntoc)*8, 8)
		d.newModtab = d.copyLinkeditBlob(int64(dy.Modtaboff), int64(dy.Nmodtab)*52, 52)
		d.newExtrefsym = d.copyLinkeditBlob(int64(dy.Extrefsymoff), int64(dy.Nextrefsyms)*4, 4)
		d.newIndirectsym = d.copyLinkeditBlob(int64(dy.Indirectsymoff), int64(dy.Nindirectsyms)*4, 4)
		d.newExtrel = d.copyLinkeditBlob(int64(dy.Extreloff), int64(dy.Nextrel)*8, 8)
		d.newLocrel = d.copyLinkeditBlob(int64(dy.Locreloff), int64(dy.Nlocrel)*8, 8)

	case types.LC_CODE_SIGNATURE, types.LC_SEGMENT_SPLIT_INFO, types.LC_FUNCTION_STARTS:
		led, ok := bytereader.PeekStruct[types.LinkEditDataCmd](r, cmdOffset, 0)
		if !ok {
			return errors.Errorf("linkedit-data command out of bounds")
		}
		if led.DataOff == 0 || led.DataSize == 0 {
			return nil
		}
		d.padTo(4)
		newOff := uint32(d.out.Len())
		data, ok := r.PeekBytesAt(int64(led.DataOff), int64(led.DataSize))
		if !ok {
			return errors.Errorf("linkedit-data blob out of bounds")
		}
		d.out.Write(data)
		switch lch.Cmd {
		case types.LC_CODE_SIGNATURE:
			d.dataoffCS, d.haveCS = newOff, true
		case types.LC_SEGMENT_SPLIT_INFO:
			d.dataoffSSI, d.haveSSI = newOff, true
		case types.LC_FUNCTION_STARTS:
			d.dataoffFS, d.haveFS = newOff, true
		}
	}
	return nil
}

// copyLinkeditBlob copies count bytes (already size-scaled by the
// caller where the natural element size differs from 1) from off in the
// cache to the output, aligned to align, when off/size are both
// nonzero, and returns the new offset it was written at (0 if skipped).
func (d *Decacher) copyLinkeditBlob(off, size int64, align int) uint32 {
	if off == 0 || size == 0 {
		return 0
	}
	d.padTo(align)
	data, ok := d.cache.Reader().PeekBytesAt(off, size)
	if !ok {
		return 0
	}
	newOff := uint32(d.out.Len())
	d.out.Write(data)
	return newOff
}

func (d *Decacher) rebuildSymtab(cmdOffset int64) error {
	r := d.cache.Reader()
	st, ok := bytereader.PeekStruct[types.SymtabCmd](r, cmdOffset, 0)
	if !ok {
		return errors.Errorf("LC_SYMTAB out of bounds")
	}
	if st.Symoff == 0 || st.Nsyms == 0 {
		return nil
	}

	type nlist32 struct {
		NStrx  uint32
		NType  uint8
		NSect  uint8
		NDesc  int16
		NValue uint32
	}

	syms, ok := bytereader.PeekStructArray[nlist32](r, int64(st.Symoff), int(st.Nsyms))
	if !ok {
		return errors.Errorf("nlist array out of bounds")
	}

	newStroff := uint32(d.out.Len())
	curStrx := uint32(0)
	for i := range syms {
		strOff := int64(st.Stroff) + int64(syms[i].NStrx)
		s, ok := r.PeekASCIICStringAt(strOff)
		if !ok {
			s = nil
		}
		d.out.Write(s)
		d.out.WriteByte(0)
		syms[i].NStrx = curStrx
		curStrx += uint32(len(s)) + 1
	}
	newStrsize := curStrx

	d.padTo(12) // sizeof(nlist32) == 12, per write_real_linkedit's curloc % sizeof(nlist)
	newSymoff := uint32(d.out.Len())
	for i := range syms {
		writeNlist32(&d.out, syms[i])
	}

	d.newStroff, d.newStrsize, d.newSymoff = newStroff, newStrsize, newSymoff
	return nil
}

func writeNlist32(buf interface{ Write([]byte) (int, error) }, s struct {
	NStrx  uint32
	NType  uint8
	NSect  uint8
	NDesc  int16
	NValue uint32
}) {
	var b [12]byte
	b[0] = byte(s.NStrx)
	b[1] = byte(s.NStrx >> 8)
	b[2] = byte(s.NStrx >> 16)
	b[3] = byte(s.NStrx >> 24)
	b[4] = s.NType
	b[5] = s.NSect
	b[6] = byte(s.NDesc)
	b[7] = byte(s.NDesc >> 8)
	b[8] = byte(s.NValue)
	b[9] = byte(s.NValue >> 8)
	b[10] = byte(s.NValue >> 16)
	b[11] = byte(s.NValue >> 24)
	buf.Write(b[:])
}
