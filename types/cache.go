package types

// CacheMagicPrefix is the part of a dyld shared cache's 16-byte magic
// field that is checked: its first 7 bytes ("dyld_v1") (§3, §6).
const CacheMagicPrefix = "dyld_v1"

// CacheHeader is the dyld_v1 shared cache header.
type CacheHeader struct {
	Magic           [16]byte
	MappingOffset   uint32
	MappingCount    uint32
	ImagesOffset    uint32
	ImagesCount     uint32
	DyldBaseAddress uint64
}

// CacheMapping is one shared_file_mapping_np entry: a contiguous region of
// cache virtual address space backed by a contiguous file range.
type CacheMapping struct {
	Address    uint64
	Size       uint64
	FileOffset uint64
	MaxProt    int32
	InitProt   int32
}

// Contains reports whether vmaddr falls within this mapping's address
// range.
func (m CacheMapping) Contains(vmaddr uint64) bool {
	return m.Address <= vmaddr && vmaddr < m.Address+m.Size
}

// CacheImage is one dyld_cache_image_info entry; Address points at the
// image's mach_header inside the cache.
type CacheImage struct {
	Address        uint64
	ModTime        uint64
	Inode          uint64
	PathFileOffset uint32
	Pad            uint32
}
