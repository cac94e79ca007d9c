package dyldcache

import (
	"github.com/kennytm/decacher/internal/bytereader"
	"github.com/kennytm/decacher/internal/machoindex"
)

// Resolver adapts a *Cache into the narrow decache.Cache surface the
// core decacher depends on: a Byte Reader, vmaddr translation, and
// add_extlink_to's cross-image symbol resolution. It is the one stateful
// piece an image's Decacher shares with the rest of the cache — a cache
// of already-built Mach-O Indexes for images other decachers have
// already had to resolve into.
type Resolver struct {
	cache   *Cache
	indexes map[int]*machoindex.Index
}

// NewResolver wraps c for use as a decache.Cache.
func NewResolver(c *Cache) *Resolver {
	return &Resolver{cache: c, indexes: make(map[int]*machoindex.Index)}
}

// Reader returns the underlying mapped cache's Byte Reader.
func (res *Resolver) Reader() *bytereader.Reader { return res.cache.Reader }

// FromCacheVMAddr delegates to the wrapped Cache.
func (res *Resolver) FromCacheVMAddr(vmaddr uint64) (int64, bool) {
	return res.cache.FromCacheVMAddr(vmaddr)
}

// indexFor returns (building and caching, if needed) the Mach-O Index
// for the i'th cache image.
func (res *Resolver) indexFor(i int) *machoindex.Index {
	if idx, ok := res.indexes[i]; ok {
		return idx
	}
	headerOffset, ok := res.cache.FromCacheVMAddr(res.cache.Images[i].Address)
	if !ok {
		return nil
	}
	idx := machoindex.New(res.cache.Reader, headerOffset, res.cache.Images[i].Address, true)
	res.indexes[i] = idx
	return idx
}

// ResolveExternal implements add_extlink_to's lookup step (§4.5): find
// which image in the cache defines target, and report its exported
// symbol name and path.
func (res *Resolver) ResolveExternal(target uint64) (symbol string, definingImagePath string, found bool) {
	for i := range res.cache.Images {
		idx := res.indexFor(i)
		if idx == nil || !idx.ContainsAddress(target) {
			continue
		}
		path, ok := res.cache.PathOfImage(i)
		if !ok {
			continue
		}
		return idx.ExportedSymbol(target), path, true
	}
	return "", "", false
}
