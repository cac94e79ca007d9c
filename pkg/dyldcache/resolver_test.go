package dyldcache

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/kennytm/decacher/types"
)

func put32(buf *bytes.Buffer, v uint32) { binary.Write(buf, binary.LittleEndian, v) }
func put64(buf *bytes.Buffer, v uint64) { binary.Write(buf, binary.LittleEndian, v) }

// buildFakeCacheFile assembles a minimal one-image dyld_v1 cache on disk:
// a header, one mapping, one image entry naming imagePath, and that
// image's mach_header (a bare __TEXT segment, no sections) at vmaddr
// 0x1000.
func buildFakeCacheFile(t *testing.T, imagePath string) string {
	t.Helper()

	const imageBase = uint64(0x1000)

	var macho bytes.Buffer
	put32(&macho, uint32(types.LC_SEGMENT))
	put32(&macho, segment32HeaderSizeForTest)
	var name [16]byte
	copy(name[:], "__TEXT")
	macho.Write(name[:])
	put32(&macho, uint32(imageBase)) // addr
	put32(&macho, 0x1000)            // memsz
	put32(&macho, 0)                 // offset (relative to macho blob start)
	put32(&macho, 0x1000)            // filesz
	put32(&macho, 7)                 // maxprot
	put32(&macho, 7)                 // prot
	put32(&macho, 0)                 // nsect
	put32(&macho, 0)                 // flags

	var header bytes.Buffer
	put32(&header, uint32(types.Magic32))
	put32(&header, 7) // cputype
	put32(&header, 0) // subtype
	put32(&header, 2) // filetype
	put32(&header, 1) // ncmds
	put32(&header, uint32(macho.Len()))
	put32(&header, 0) // flags
	header.Write(macho.Bytes())

	machoBytes := header.Bytes()

	var file bytes.Buffer
	// Header.
	var magic [16]byte
	copy(magic[:], types.CacheMagicPrefix)
	file.Write(magic[:])
	const headerSize = 16 + 4 + 4 + 4 + 4 + 8
	mappingOffset := uint32(headerSize)
	imagesOffset := mappingOffset + 32 // one CacheMapping (8+8+8+4+4)
	put32(&file, mappingOffset)
	put32(&file, 1)
	put32(&file, imagesOffset)
	put32(&file, 1)
	put64(&file, imageBase)

	// Mapping: covers [imageBase, imageBase+0x2000) backed by file offset
	// machoFileOffset.
	machoFileOffset := uint64(imagesOffset) + 32 // one CacheImage (8+8+8+4+4)
	pathOffset := machoFileOffset + uint64(len(machoBytes))

	put64(&file, imageBase)
	put64(&file, 0x2000)
	put64(&file, machoFileOffset)
	put32(&file, 7)
	put32(&file, 7)

	// Image table.
	put64(&file, imageBase)
	put64(&file, 0)
	put64(&file, 0)
	put32(&file, uint32(pathOffset))
	put32(&file, 0)

	file.Write(machoBytes)
	file.WriteString(imagePath)
	file.WriteByte(0)

	path := filepath.Join(t.TempDir(), "cache")
	if err := os.WriteFile(path, file.Bytes(), 0o644); err != nil {
		t.Fatalf("writing fake cache: %v", err)
	}
	return path
}

const segment32HeaderSizeForTest = 56

func TestResolverFromCacheVMAddrAndReader(t *testing.T) {
	path := buildFakeCacheFile(t, "/usr/lib/libfoo.dylib")
	cache, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer cache.Close()

	res := NewResolver(cache)
	if res.Reader() != cache.Reader {
		t.Fatalf("Reader() did not return the wrapped cache's reader")
	}

	off, ok := res.FromCacheVMAddr(0x1000)
	if !ok {
		t.Fatalf("FromCacheVMAddr(0x1000): not found")
	}
	wantOff, _ := cache.FromCacheVMAddr(0x1000)
	if off != wantOff {
		t.Fatalf("FromCacheVMAddr(0x1000) = %#x, want %#x", off, wantOff)
	}
}

func TestResolverResolveExternalFindsDefiningImage(t *testing.T) {
	path := buildFakeCacheFile(t, "/usr/lib/libfoo.dylib")
	cache, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer cache.Close()

	res := NewResolver(cache)
	symbol, definingPath, found := res.ResolveExternal(0x1000)
	if !found {
		t.Fatalf("ResolveExternal(0x1000): not found, want the single image to claim it")
	}
	if definingPath != "/usr/lib/libfoo.dylib" {
		t.Fatalf("ResolveExternal defining path = %q, want /usr/lib/libfoo.dylib", definingPath)
	}
	if symbol != "" {
		t.Fatalf("ResolveExternal symbol = %q, want empty (no export trie in this fixture)", symbol)
	}
}

func TestResolverResolveExternalMisses(t *testing.T) {
	path := buildFakeCacheFile(t, "/usr/lib/libfoo.dylib")
	cache, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer cache.Close()

	res := NewResolver(cache)
	if _, _, found := res.ResolveExternal(0x9000); found {
		t.Fatalf("ResolveExternal(0x9000): expected no image to claim an address outside all segments")
	}
}
