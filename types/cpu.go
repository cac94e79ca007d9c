package types

// CPU is a Mach-O cpu type. Prelinked dyld shared caches are single-arch,
// so only the 32-bit families below are ever seen.
type CPU uint32

const (
	CPU386 CPU = 7
	CPUArm CPU = 12
)

var cpuStrings = []IntName{
	{uint32(CPU386), "i386"},
	{uint32(CPUArm), "ARM"},
}

func (i CPU) String() string { return StringName(uint32(i), cpuStrings, false) }

// CPUSubtype further qualifies CPU; the decacher never branches on it, it
// is carried through verbatim. String gives its display name.
type CPUSubtype uint32

var cpuSubtypeArmStrings = []IntName{
	{0, "ArmAll"},
	{5, "ARMv4t"},
	{6, "ARMv6"},
	{7, "ARMv5tej"},
	{8, "ARMXScale"},
	{9, "ARMv7"},
	{10, "ARMv7f"},
	{11, "ARMv7s"},
	{12, "ARMv7k"},
}

func (st CPUSubtype) String(cpu CPU) string {
	if cpu == CPUArm {
		return StringName(uint32(st), cpuSubtypeArmStrings, false)
	}
	return StringName(uint32(st), nil, false)
}
