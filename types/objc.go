package types

// Objective-C runtime structures as laid out by the 32-bit runtime (§3).
// Every field is a vmaddr or plain integer; none of these types ever cross
// a decoding boundary on their own, they are always read via a Byte
// Reader's typed peek.

// ObjcClass is class_t.
type ObjcClass struct {
	ISA        uint32
	Superclass uint32
	Cache      uint32
	Vtable     uint32
	Data       uint32
}

// ObjcClassRO is class_ro_t.
type ObjcClassRO struct {
	Flags          uint32
	InstanceStart  uint32
	InstanceSize   uint32
	IvarLayout     uint32
	Name           uint32
	BaseMethods    uint32
	BaseProtocols  uint32
	Ivars          uint32
	WeakIvarLayout uint32
	BaseProperties uint32
}

// ObjcMethod is method_t.
type ObjcMethod struct {
	Name  uint32
	Types uint32
	Imp   uint32
}

// ObjcProperty is property_t.
type ObjcProperty struct {
	Name       uint32
	Attributes uint32
}

// ObjcProtocol is protocol_t.
type ObjcProtocol struct {
	ISA                     uint32
	Name                    uint32
	Protocols               uint32
	InstanceMethods         uint32
	ClassMethods            uint32
	OptionalInstanceMethods uint32
	OptionalClassMethods    uint32
	InstanceProperties      uint32
}

// ObjcCategory is category_t.
type ObjcCategory struct {
	Name               uint32
	Cls                uint32
	InstanceMethods    uint32
	ClassMethods       uint32
	Protocols          uint32
	InstanceProperties uint32
}

// ObjcListHeader is the common 8-byte prefix of every Objective-C "list"
// (method lists, property lists): an entry size (low 2 bits are flags and
// must be masked off) followed by a count.
type ObjcListHeader struct {
	EntsizeAndFlags uint32
	Count           uint32
}

// Entsize returns the real per-entry size with the uniqued/fixed-up flag
// bits cleared.
func (h ObjcListHeader) Entsize() uint32 { return h.EntsizeAndFlags &^ 3 }

const ObjcListHeaderSize = 8

// ImageInfoOptimizedBit is cleared in the second uint32 of an
// __objc_imageinfo section to mark the image as no longer dyld-optimized
// once it has been decached (§4.5 phase 1, __objc_imageinfo).
const ImageInfoOptimizedBit uint32 = 1 << 3
