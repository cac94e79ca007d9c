package types

// Magic is the Mach-O magic number. Only Magic32 ("0xfeedface", 32-bit
// little-endian) is accepted by the Mach-O Index; anything else makes the
// index empty (§4.2).
type Magic uint32

const (
	Magic32  Magic = 0xfeedface
	Magic64  Magic = 0xfeedfacf
	MagicFat Magic = 0xcafebabe
)

var magicStrings = []IntName{
	{uint32(Magic32), "32-bit MachO"},
	{uint32(Magic64), "64-bit MachO"},
	{uint32(MagicFat), "Fat MachO"},
}

func (i Magic) String() string { return StringName(uint32(i), magicStrings, false) }
