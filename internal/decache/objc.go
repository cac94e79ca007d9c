package decache

import (
	"github.com/pkg/errors"

	"github.com/kennytm/decacher/internal/bytereader"
	"github.com/kennytm/decacher/internal/extrabind"
	"github.com/kennytm/decacher/internal/machoindex"
	"github.com/kennytm/decacher/types"
)

// objcSectionNames are the __DATA sections the scanner recognizes
// (§4.5 phase 1); every other section is left untouched.
var objcSectionNames = map[string]bool{
	"__objc_selrefs":   true,
	"__objc_classlist": true,
	"__objc_protolist": true,
	"__objc_catlist":   true,
	"__objc_imageinfo": true,
	"__objc_classrefs": true,
}

// scanObjC is phase 1: walk every __DATA section this decacher
// recognizes and populate the Extra-String/Extra-Bind repositories plus
// the image-info patch site.
func (d *Decacher) scanObjC() {
	for _, seg := range d.idx.Segments {
		if seg.Cmd.SegName() != "__DATA" {
			continue
		}
		for _, sect := range seg.Sections {
			name := sect.SectName()
			if !objcSectionNames[name] {
				continue
			}
			if err := d.scanSection(name, sect); err != nil {
				// An unreadable metadata section is not fatal to the
				// whole image; the affected references are simply left
				// untouched, same as any other "absence" from the Byte
				// Reader (§7).
				continue
			}
		}
	}
}

func (d *Decacher) scanSection(name string, sect types.Section32) error {
	r := d.cache.Reader()

	switch name {
	case "__objc_selrefs":
		n := sect.Size / 4
		for j := uint32(0); j < n; j++ {
			ref, ok := r.PeekU32At(int64(sect.Offset) + int64(j)*4)
			if !ok {
				continue
			}
			if d.idx.ContainsAddress(uint64(ref)) {
				continue
			}
			d.insertExternalString(uint64(ref), uint64(sect.Addr)+4*uint64(j))
		}

	case "__objc_classlist":
		n := sect.Size / 4
		for j := uint32(0); j < n; j++ {
			classAddr, ok := r.PeekU32At(int64(sect.Offset) + int64(j)*4)
			if !ok {
				continue
			}
			d.scanClass(uint64(classAddr))
		}

	case "__objc_protolist":
		n := sect.Size / 4
		for j := uint32(0); j < n; j++ {
			protoAddr, ok := r.PeekU32At(int64(sect.Offset) + int64(j)*4)
			if !ok {
				continue
			}
			d.scanProtocol(uint64(protoAddr))
		}

	case "__objc_catlist":
		n := sect.Size / 4
		for j := uint32(0); j < n; j++ {
			catAddr, ok := r.PeekU32At(int64(sect.Offset) + int64(j)*4)
			if !ok {
				continue
			}
			d.scanCategory(uint64(catAddr))
		}

	case "__objc_classrefs":
		n := sect.Size / 4
		for j := uint32(0); j < n; j++ {
			target, ok := r.PeekU32At(int64(sect.Offset) + int64(j)*4)
			if !ok {
				continue
			}
			d.addExtlinkTo(uint64(target), uint64(sect.Addr)+4*uint64(j))
		}

	case "__objc_imageinfo":
		flagsSite := sect.Addr + 4
		off, ok := d.cache.FromCacheVMAddr(uint64(flagsSite))
		if !ok {
			return errors.Errorf("__objc_imageinfo flags word unmapped")
		}
		orig, ok := r.PeekU32At(off)
		if !ok {
			return errors.Errorf("__objc_imageinfo flags word out of bounds")
		}
		d.imageInfoSite = uint64(flagsSite)
		d.imageInfoOrig = orig &^ types.ImageInfoOptimizedBit
	}
	return nil
}

func (d *Decacher) classRO(classAddr uint64) (types.ObjcClass, types.ObjcClassRO, bool) {
	r := d.cache.Reader()
	off, ok := d.cache.FromCacheVMAddr(classAddr)
	if !ok {
		return types.ObjcClass{}, types.ObjcClassRO{}, false
	}
	cls, ok := bytereader.PeekStruct[types.ObjcClass](r, off, 0)
	if !ok {
		return types.ObjcClass{}, types.ObjcClassRO{}, false
	}
	dataOff, ok := d.cache.FromCacheVMAddr(uint64(cls.Data))
	if !ok {
		return cls, types.ObjcClassRO{}, false
	}
	ro, ok := bytereader.PeekStruct[types.ObjcClassRO](r, dataOff, 0)
	if !ok {
		return cls, types.ObjcClassRO{}, false
	}
	return cls, ro, true
}

func (d *Decacher) scanClass(classAddr uint64) {
	cls, ro, ok := d.classRO(classAddr)
	if !ok {
		return
	}

	d.addExtlinkTo(uint64(cls.Superclass), classAddr+classSuperclassFieldOffset)
	d.addExtlinkTo(uint64(cls.ISA), classAddr+classISAFieldOffset)

	metacls, metaRO, haveMeta := d.classRO(uint64(cls.ISA))
	if haveMeta {
		d.addExtlinkTo(uint64(metacls.ISA), uint64(cls.ISA)+classISAFieldOffset)
		d.addExtlinkTo(uint64(metacls.Superclass), uint64(cls.ISA)+classSuperclassFieldOffset)
	}

	classDataAddr := uint64(cls.Data)
	d.patchMethodList(uint64(ro.BaseMethods), classDataAddr+classROBaseMethodsOffset)
	d.patchPropertyList(uint64(ro.BaseProperties), classDataAddr+classROBasePropertiesOffset)
	if haveMeta {
		metaDataAddr := uint64(metacls.Data)
		d.patchMethodList(uint64(metaRO.BaseMethods), metaDataAddr+classROBaseMethodsOffset)
		d.patchPropertyList(uint64(metaRO.BaseProperties), metaDataAddr+classROBasePropertiesOffset)
	}
}

// Byte offsets of fields referenced by address within class_t/class_ro_t,
// used to compute override sites for patched list pointers.
const (
	classISAFieldOffset        = 0
	classSuperclassFieldOffset = 4

	classROBaseMethodsOffset    = 20 // class_ro_t.baseMethods
	classROBasePropertiesOffset = 36 // class_ro_t.baseProperties
)

func (d *Decacher) scanProtocol(protoAddr uint64) {
	r := d.cache.Reader()
	off, ok := d.cache.FromCacheVMAddr(protoAddr)
	if !ok {
		return
	}
	proto, ok := bytereader.PeekStruct[types.ObjcProtocol](r, off, 0)
	if !ok {
		return
	}
	d.patchMethodList(uint64(proto.InstanceMethods), protoAddr+protoInstanceMethodsOffset)
	d.patchMethodList(uint64(proto.ClassMethods), protoAddr+protoClassMethodsOffset)
	d.patchMethodList(uint64(proto.OptionalInstanceMethods), protoAddr+protoOptionalInstanceMethodsOffset)
	d.patchMethodList(uint64(proto.OptionalClassMethods), protoAddr+protoOptionalClassMethodsOffset)
}

const (
	protoInstanceMethodsOffset         = 12
	protoClassMethodsOffset            = 16
	protoOptionalInstanceMethodsOffset = 20
	protoOptionalClassMethodsOffset    = 24
)

func (d *Decacher) scanCategory(catAddr uint64) {
	r := d.cache.Reader()
	off, ok := d.cache.FromCacheVMAddr(catAddr)
	if !ok {
		return
	}
	cat, ok := bytereader.PeekStruct[types.ObjcCategory](r, off, 0)
	if !ok {
		return
	}
	d.addExtlinkTo(uint64(cat.Cls), catAddr+catClsOffset)
	d.patchMethodList(uint64(cat.InstanceMethods), catAddr+catInstanceMethodsOffset)
	d.patchMethodList(uint64(cat.ClassMethods), catAddr+catClassMethodsOffset)
}

const (
	catClsOffset             = 4
	catInstanceMethodsOffset = 8
	catClassMethodsOffset    = 12
)

// patchMethodList and patchPropertyList are the two instantiations of
// the generic list patcher (§9 design note: a generic function taking a
// record size rather than dynamic dispatch per element type). Both
// method_t and property_t carry their name pointer as their first
// 32-bit field, so no separate name-offset parameter is needed.
func (d *Decacher) patchMethodList(listVMAddr uint64, overrideSite uint64) {
	d.patchObjcList(listVMAddr, overrideSite, 12)
}

func (d *Decacher) patchPropertyList(listVMAddr uint64, overrideSite uint64) {
	d.patchObjcList(listVMAddr, overrideSite, 8)
}

// patchObjcList implements prepare_patch_objc_methods (§4.5): validate
// entsize, copy the whole list out to the __DATA repository if it lives
// outside this image, then insert any out-of-image entry names into the
// __TEXT repository. A mismatched entsize word is not fatal to the list:
// following the original's prepare_patch_objc_methods, entries are still
// walked at the expected stride and the entsize word itself is queued for
// normalization to wantEntsize in phase 5, rather than the list being
// abandoned.
func (d *Decacher) patchObjcList(listVMAddr uint64, overrideSite uint64, wantEntsize uint32) {
	if listVMAddr == 0 {
		return
	}
	r := d.cache.Reader()
	listOff, ok := d.cache.FromCacheVMAddr(listVMAddr)
	if !ok {
		return
	}
	header, ok := bytereader.PeekStruct[types.ObjcListHeader](r, listOff, 0)
	if !ok {
		return
	}
	mismatch := header.Entsize() != wantEntsize

	count := int64(header.Count)
	size := int64(types.ObjcListHeaderSize) + int64(wantEntsize)*count

	newListVMAddr := listVMAddr
	if !d.idx.ContainsAddress(listVMAddr) {
		raw, ok := r.PeekBytesAt(listOff, size)
		if !ok {
			return
		}
		newListVMAddr = d.extraData.Insert(raw, int(size), overrideSite)
	}

	if mismatch {
		d.entsizeFixups = append(d.entsizeFixups, entsizeFixup{site: newListVMAddr, value: wantEntsize})
	}

	for j := int64(0); j < count; j++ {
		nameOff := listOff + int64(types.ObjcListHeaderSize) + j*int64(wantEntsize)
		nameAddr, ok := r.PeekU32At(nameOff)
		if !ok || nameAddr == 0 || d.idx.ContainsAddress(uint64(nameAddr)) {
			continue
		}
		strOff, ok := d.cache.FromCacheVMAddr(uint64(nameAddr))
		if !ok {
			continue
		}
		site := newListVMAddr + uint64(types.ObjcListHeaderSize) + uint64(j)*uint64(wantEntsize)
		d.extraText.InsertCstr(r.Data()[strOff:], site)
	}
}

// insertExternalString inserts the NUL-terminated string at target into
// the __TEXT repository, recording site as the slot to rewrite.
func (d *Decacher) insertExternalString(target uint64, site uint64) {
	off, ok := d.cache.FromCacheVMAddr(target)
	if !ok {
		return
	}
	r := d.cache.Reader()
	d.extraText.InsertCstr(r.Data()[off:], site)
}

// addExtlinkTo is add_extlink_to (§4.5): no-op for a null or
// self-image target; otherwise resolves the defining image, inserts a
// lazy-bind entry for it, and marks site for nullification in phase 5.
func (d *Decacher) addExtlinkTo(target uint64, site uint64) {
	if target == 0 || d.idx.ContainsAddress(target) {
		return
	}
	symbol, definingPath, found := d.cache.ResolveExternal(target)
	if !found {
		return
	}
	libord := int32(d.idx.LibordWithName(definingPath))

	seg, ok := d.segmentByVMAddr(site)
	if !ok {
		return
	}
	segIndex := d.segmentIndex(seg)
	bindSite := extrabind.Site{SegIndex: segIndex, Offset: uint32(site - uint64(seg.Cmd.Addr))}

	d.binds.Insert(target, bindSite, func(uint64) (string, int32) { return symbol, libord })
	d.nullifySites = append(d.nullifySites, site)
}

func (d *Decacher) segmentIndex(seg machoindex.Segment) int {
	for i, s := range d.idx.Segments {
		if s.CmdOffset == seg.CmdOffset {
			return i
		}
	}
	return 0
}
