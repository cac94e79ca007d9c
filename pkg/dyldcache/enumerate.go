package dyldcache

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// PrintInfo writes the cache's header, mapping table and image table to
// w in the original tool's `-p` format (§6).
func (c *Cache) PrintInfo(w io.Writer) {
	fmt.Fprintf(w, "magic: %s\n", string(c.Header.Magic[:7]))
	fmt.Fprintf(w, "dyld base address: %#x\n", c.Header.DyldBaseAddress)
	fmt.Fprintf(w, "mappings: %d\n", len(c.Mappings))
	for i, m := range c.Mappings {
		fmt.Fprintf(w, "  [%d] addr=%#x size=%#x fileOffset=%#x maxProt=%d initProt=%d\n",
			i, m.Address, m.Size, m.FileOffset, m.MaxProt, m.InitProt)
	}
	fmt.Fprintf(w, "images: %d\n", len(c.Images))
	for i := range c.Images {
		path, _ := c.PathOfImage(i)
		fmt.Fprintf(w, "  [%d] addr=%#x %s\n", i, c.Images[i].Address, path)
	}
}

// ShouldSkipImage reports whether path should be skipped given the
// repeatable `-f name` filters. An empty filters list extracts
// everything. The match rule strips every extension from the image's
// base filename and compares it case-sensitively for exact equality
// against each filter name — the spec.md redesign of the original tool's
// raw-suffix match (see DESIGN.md).
func ShouldSkipImage(path string, filters []string) bool {
	if len(filters) == 0 {
		return false
	}
	base := filepath.Base(path)
	for {
		ext := filepath.Ext(base)
		if ext == "" {
			break
		}
		base = strings.TrimSuffix(base, ext)
	}
	for _, f := range filters {
		if base == f {
			return false
		}
	}
	return true
}

// SymlinkTarget computes the `../`-prefixed relative path from
// destination path dstPath back to the first-written copy at
// firstPath, as used for image-identity dedup (§5, §6 scenario 6). The
// hop count is the source path's component depth minus two.
func SymlinkTarget(dstPath, firstPath string) string {
	hops := strings.Count(strings.Trim(dstPath, "/"), "/")
	prefix := strings.Repeat("../", hops)
	return prefix + strings.TrimPrefix(firstPath, "/")
}

// Dedup tracks which mach_header cache addresses have already been
// written to disk, so repeated images can be replaced with a relative
// symlink to the first-written copy instead of being decached again.
type Dedup struct {
	firstPathByAddr map[uint64]string
}

// NewDedup creates an empty dedup tracker.
func NewDedup() *Dedup {
	return &Dedup{firstPathByAddr: make(map[uint64]string)}
}

// Observe records that headerAddr was (or will be) written at path, and
// reports the first path previously recorded for the same address, if
// any — the caller should emit a symlink instead of a fresh decache.
func (d *Dedup) Observe(headerAddr uint64, path string) (firstPath string, isDuplicate bool) {
	if first, ok := d.firstPathByAddr[headerAddr]; ok {
		return first, true
	}
	d.firstPathByAddr[headerAddr] = path
	return "", false
}
