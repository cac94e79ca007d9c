package decache

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/kennytm/decacher/internal/bytereader"
	"github.com/kennytm/decacher/types"
)

const section32Size = 68 // 2*Name16 + 9*uint32

// fixupHeader is phase 4: rewrite sizeofcmds, then every load command in
// place over the raw bytes phase 2 already copied as part of __TEXT's
// content — growing LC_SEGMENT __TEXT/__DATA by one trailing section
// when their Extra-String Repository has content, translating every
// *_off field through the Fileoff-Fixup table, and substituting the
// phase-3-rebuilt link-edit sub-table offsets.
func (d *Decacher) fixupHeader() error {
	buf := d.out.Bytes()

	extraSections := 0
	if d.extraText.HasContent() {
		extraSections++
	}
	if d.extraData.HasContent() {
		extraSections++
	}
	newSizeofCmds := d.idx.Header.SizeCmds + uint32(extraSections)*section32Size
	headerOut := int(d.fixOffset(uint32(d.headerOffset)))
	putU32(buf, headerOut+20, newSizeofCmds)

	r := d.cache.Reader()
	readPos := d.headerOffset + types.FileHeaderSize32
	writePos := headerOut + int(types.FileHeaderSize32)

	for i := uint32(0); i < d.idx.Header.NCommands; i++ {
		lch, ok := bytereader.PeekStruct[types.LoadCmdHeader](r, readPos, 0)
		if !ok {
			return errors.Errorf("load command %d out of bounds during header fixup", i)
		}
		n, err := d.fixupOneCommand(buf, writePos, readPos, lch)
		if err != nil {
			return err
		}
		readPos += int64(lch.Cmdsize)
		writePos += n
	}
	return nil
}

// fixupOneCommand rewrites the command at readPos into buf at writePos,
// returning the number of bytes written (equal to the original cmdsize
// except for a segment that gained a trailing section).
func (d *Decacher) fixupOneCommand(buf []byte, writePos int, readPos int64, lch types.LoadCmdHeader) (int, error) {
	r := d.cache.Reader()

	switch lch.Cmd {
	case types.LC_SEGMENT:
		return d.fixupSegmentCommand(buf, writePos, readPos)

	case types.LC_SYMTAB:
		cmd, ok := bytereader.PeekStruct[types.SymtabCmd](r, readPos, 0)
		if !ok {
			return 0, errors.Errorf("LC_SYMTAB out of bounds")
		}
		cmd.Symoff, cmd.Stroff, cmd.Strsize = d.newSymoff, d.newStroff, d.newStrsize
		return encodeInto(buf, writePos, cmd)

	case types.LC_DYSYMTAB:
		cmd, ok := bytereader.PeekStruct[types.DysymtabCmd](r, readPos, 0)
		if !ok {
			return 0, errors.Errorf("LC_DYSYMTAB out of bounds")
		}
		cmd.Tocoffset = d.newToc
		cmd.Modtaboff = d.newModtab
		cmd.Extrefsymoff = d.newExtrefsym
		cmd.Indirectsymoff = d.newIndirectsym
		cmd.Extreloff = d.newExtrel
		cmd.Locreloff = d.newLocrel
		return encodeInto(buf, writePos, cmd)

	case types.LC_TWOLEVEL_HINTS:
		cmd, ok := bytereader.PeekStruct[types.TwolevelHintsCmd](r, readPos, 0)
		if !ok {
			return 0, errors.Errorf("LC_TWOLEVEL_HINTS out of bounds")
		}
		cmd.Offset = d.fixOffset(cmd.Offset)
		return encodeInto(buf, writePos, cmd)

	case types.LC_ENCRYPTION_INFO:
		cmd, ok := bytereader.PeekStruct[types.EncryptionInfoCmd](r, readPos, 0)
		if !ok {
			return 0, errors.Errorf("LC_ENCRYPTION_INFO out of bounds")
		}
		cmd.CryptOff = d.fixOffset(cmd.CryptOff)
		return encodeInto(buf, writePos, cmd)

	case types.LC_DYLD_INFO, types.LC_DYLD_INFO_ONLY:
		cmd, ok := bytereader.PeekStruct[types.DyldInfoCmd](r, readPos, 0)
		if !ok {
			return 0, errors.Errorf("LC_DYLD_INFO out of bounds")
		}
		cmd.RebaseOff = d.newRebaseOff
		cmd.BindOff, cmd.BindSize = d.newBindOff, d.newBindSize
		cmd.WeakBindOff = d.newWeakBindOff
		cmd.LazyBindOff = d.newLazyBindOff
		cmd.ExportOff = d.newExportOff
		return encodeInto(buf, writePos, cmd)

	case types.LC_CODE_SIGNATURE, types.LC_SEGMENT_SPLIT_INFO, types.LC_FUNCTION_STARTS:
		cmd, ok := bytereader.PeekStruct[types.LinkEditDataCmd](r, readPos, 0)
		if !ok {
			return 0, errors.Errorf("linkedit-data command out of bounds")
		}
		switch lch.Cmd {
		case types.LC_CODE_SIGNATURE:
			if d.haveCS {
				cmd.DataOff = d.dataoffCS
			}
		case types.LC_SEGMENT_SPLIT_INFO:
			if d.haveSSI {
				cmd.DataOff = d.dataoffSSI
			}
		case types.LC_FUNCTION_STARTS:
			if d.haveFS {
				cmd.DataOff = d.dataoffFS
			}
		}
		return encodeInto(buf, writePos, cmd)

	default:
		raw, ok := r.PeekBytesAt(readPos, int64(lch.Cmdsize))
		if !ok {
			return 0, errors.Errorf("load command at %#x out of bounds", readPos)
		}
		copy(buf[writePos:], raw)
		return len(raw), nil
	}
}

// fixupSegmentCommand handles the one load command kind whose new size
// can differ from its original size (__TEXT/__DATA gaining a trailing
// Extra-String section) and which records a newSegment for phase 5.
func (d *Decacher) fixupSegmentCommand(buf []byte, writePos int, readPos int64) (int, error) {
	r := d.cache.Reader()
	seg, ok := bytereader.PeekStruct[types.Segment32](r, readPos, 0)
	if !ok {
		return 0, errors.Errorf("LC_SEGMENT out of bounds")
	}
	sections, ok := bytereader.PeekStructArray[types.Section32](r, readPos+segment32HeaderSize, int(seg.Nsect))
	if !ok {
		sections = nil
	}

	if seg.SegName() == "__LINKEDIT" {
		seg.Memsz = d.linkeditSize
		seg.Offset = d.linkeditOff
		seg.Filesz = d.linkeditSize
		n, err := encodeInto(buf, writePos, seg)
		if err != nil {
			return 0, err
		}
		for _, s := range sections {
			m, err := encodeInto(buf, writePos+n, s)
			if err != nil {
				return 0, err
			}
			n += m
		}
		return n, nil
	}

	oldFileoff, oldFilesz := seg.Offset, seg.Filesz
	seg.Offset = d.fixOffset(seg.Offset)
	for i := range sections {
		sections[i].Offset = d.fixOffset(sections[i].Offset)
		if sections[i].Reloff != 0 {
			sections[i].Reloff = d.fixOffset(sections[i].Reloff)
		}
	}

	repo := d.repoFor(seg.SegName())
	if repo != nil && repo.HasContent() {
		tmpl := repo.Template()
		sections = append(sections, types.Section32{
			Name:   nameBytes(tmpl.Sectname),
			Seg:    nameBytes(tmpl.Segname),
			Addr:   uint32(tmpl.Addr),
			Size:   uint32(tmpl.Size),
			Offset: uint32(tmpl.Offset),
			Align:  tmpl.Align,
			Flags:  tmpl.Flags,
		})
		seg.Nsect++
		seg.Cmdsize += section32Size
		seg.Memsz += uint32(tmpl.Size)
		seg.Filesz += uint32(tmpl.Size)
	}

	d.newSegmentsList = append(d.newSegmentsList, newSegment{
		VMAddr:     uint64(seg.Addr),
		VMSize:     uint64(seg.Memsz),
		OldFileoff: uint64(oldFileoff),
		OldFilesz:  uint64(oldFilesz),
		NewFileoff: uint64(seg.Offset),
	})

	n, err := encodeInto(buf, writePos, seg)
	if err != nil {
		return 0, err
	}
	for _, s := range sections {
		m, err := encodeInto(buf, writePos+n, s)
		if err != nil {
			return 0, err
		}
		n += m
	}
	return n, nil
}

const segment32HeaderSize = 56

// fixOffset translates a cache/original file offset through the
// Fileoff-Fixup table recorded during phase 2, searching most-recently
// added first as the original tool does.
func (d *Decacher) fixOffset(off uint32) uint32 {
	if off == 0 {
		return 0
	}
	for i := len(d.fixups) - 1; i >= 0; i-- {
		if translated, ok := d.fixups[i].apply(int64(off)); ok {
			return uint32(translated)
		}
	}
	return off
}

func nameBytes(s string) [16]byte {
	var b [16]byte
	copy(b[:], s)
	return b
}

func putU32(buf []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(buf[off:], v)
}

// encodeInto little-endian-encodes v and copies it into buf at off,
// returning the number of bytes written.
func encodeInto(buf []byte, off int, v any) (int, error) {
	var tmp bytes.Buffer
	if err := binary.Write(&tmp, binary.LittleEndian, v); err != nil {
		return 0, errors.Wrap(err, "encoding load command")
	}
	n := copy(buf[off:], tmp.Bytes())
	return n, nil
}
