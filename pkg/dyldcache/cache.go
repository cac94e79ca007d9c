// Package dyldcache implements the external collaborators the core
// decacher expects (§6): cache header/mapping/image-table parsing,
// vmaddr-to-file-offset translation, image lookup by address, and path
// resolution — plus the print-mode and symlink-dedup enumeration that
// sits above the decacher in the CLI.
//
// Grounded on original_source/dyld_decache.cpp's ProgramContext class
// (from_vmaddr, print_info, should_skip_image, save_all_images) and on
// the cache struct layouts in the same file's header block.
package dyldcache

import (
	"github.com/kennytm/decacher/internal/bytereader"
	"github.com/kennytm/decacher/types"
	"github.com/pkg/errors"
)

// Cache is a parsed view of one dyld shared-library cache file.
type Cache struct {
	Reader   *bytereader.Reader
	Header   types.CacheHeader
	Mappings []types.CacheMapping
	Images   []types.CacheImage
}

// Open memory-maps path and parses its header, mapping table and image
// table.
func Open(path string) (*Cache, error) {
	r, err := bytereader.Open(path)
	if err != nil {
		return nil, err
	}

	hdr, ok := bytereader.PeekStruct[types.CacheHeader](r, 0, 0)
	if !ok || string(hdr.Magic[:len(types.CacheMagicPrefix)]) != types.CacheMagicPrefix {
		r.Close()
		return nil, errors.Errorf("not a dyld shared cache (bad magic)")
	}

	mappings, ok := bytereader.PeekStructArray[types.CacheMapping](r, int64(hdr.MappingOffset), int(hdr.MappingCount))
	if !ok {
		r.Close()
		return nil, errors.Errorf("mapping table out of bounds")
	}

	images, ok := bytereader.PeekStructArray[types.CacheImage](r, int64(hdr.ImagesOffset), int(hdr.ImagesCount))
	if !ok {
		r.Close()
		return nil, errors.Errorf("image table out of bounds")
	}

	return &Cache{Reader: r, Header: hdr, Mappings: mappings, Images: images}, nil
}

// Close unmaps the cache file.
func (c *Cache) Close() error { return c.Reader.Close() }

// FromCacheVMAddr translates a cache virtual address to a file offset
// using the mapping table, or reports absence if no mapping covers it.
func (c *Cache) FromCacheVMAddr(vmaddr uint64) (int64, bool) {
	for _, m := range c.Mappings {
		if m.Contains(vmaddr) {
			return int64(m.FileOffset + (vmaddr - m.Address)), true
		}
	}
	return 0, false
}

// PeekByteAtVMAddr returns the single byte stored at vmaddr, or reports
// absence if it is unmapped.
func (c *Cache) PeekByteAtVMAddr(vmaddr uint64) (byte, bool) {
	off, ok := c.FromCacheVMAddr(vmaddr)
	if !ok {
		return 0, false
	}
	b, ok := c.Reader.PeekBytesAt(off, 1)
	if !ok {
		return 0, false
	}
	return b[0], true
}

// PathOfImage returns the NUL-terminated path string for the image at
// index, borrowed from the mapped cache.
func (c *Cache) PathOfImage(index int) (string, bool) {
	if index < 0 || index >= len(c.Images) {
		return "", false
	}
	s, ok := c.Reader.PeekASCIICStringAt(int64(c.Images[index].PathFileOffset))
	if !ok {
		return "", false
	}
	return string(s), true
}

// ImageContainingAddress returns the index of the image whose own Mach-O
// Index claims vmaddr, along with that image's exported symbol name for
// vmaddr if any. It is O(images) and builds no persistent index: callers
// that need to resolve many addresses against the same image should
// cache the machoindex.Index themselves.
func (c *Cache) ImageContainingAddress(vmaddr uint64, indexer func(headerOffset int64, imageBase uint64) LookupIndex) (imageIndex int, exportedSymbol string, found bool) {
	for i, img := range c.Images {
		headerOffset, ok := c.FromCacheVMAddr(img.Address)
		if !ok {
			continue
		}
		idx := indexer(headerOffset, img.Address)
		if idx == nil || !idx.ContainsAddress(vmaddr) {
			continue
		}
		return i, idx.ExportedSymbol(vmaddr), true
	}
	return -1, "", false
}

// LookupIndex is the subset of *machoindex.Index that
// ImageContainingAddress needs.
type LookupIndex interface {
	ContainsAddress(vmaddr uint64) bool
	ExportedSymbol(vmaddr uint64) string
}
