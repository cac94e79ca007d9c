package decache

import "github.com/kennytm/decacher/internal/extrastring"

// patchPointers is phase 5: translate every recorded vmaddr site to its
// final file offset using the phase-4 new-segment table, and overwrite
// the 4 bytes there with the site's final value (an Extra-String
// entry's relocated vmaddr, zero for a nullified cross-image reference,
// or the de-optimized image-info flags word).
func (d *Decacher) patchPointers() error {
	buf := d.out.Bytes()

	patchOne := func(site uint64, value uint32) {
		off, ok := d.translateToNewFileoff(site)
		if !ok {
			return
		}
		putU32(buf, int(off), value)
	}

	patchEntries := func(e *extrastring.Entry) {
		for _, site := range e.Sites {
			patchOne(site, uint32(e.NewVMAddr))
		}
	}
	d.extraText.ForEachEntry(patchEntries)
	d.extraData.ForEachEntry(patchEntries)

	for _, site := range d.nullifySites {
		patchOne(site, 0)
	}

	for _, ef := range d.entsizeFixups {
		patchOne(ef.site, ef.value)
	}

	if d.imageInfoSite != 0 {
		patchOne(d.imageInfoSite, d.imageInfoOrig)
	}

	return nil
}

// translateToNewFileoff maps a vmaddr within this image's address space
// (as it existed before phase 4's header rewrite) to its final position
// in the output buffer. Most sites fall within one of the original,
// non-LINKEDIT segments phase 4 recorded; a site inside a relocated
// Objective-C list or string instead falls past that segment's old end,
// in the Extra-String Repository's own appended section, which phase 2
// placed at repo.Template().Offset starting at repo.Template().Addr.
func (d *Decacher) translateToNewFileoff(vmaddr uint64) (int64, bool) {
	for _, seg := range d.newSegmentsList {
		if vmaddr < seg.VMAddr || vmaddr >= seg.VMAddr+seg.OldFilesz {
			continue
		}
		delta := vmaddr - seg.VMAddr
		return int64(seg.NewFileoff + delta), true
	}
	for _, repo := range []*extrastring.Repository{d.extraText, d.extraData} {
		tmpl := repo.Template()
		if vmaddr < tmpl.Addr || vmaddr >= tmpl.Addr+tmpl.Size {
			continue
		}
		return int64(tmpl.Offset + (vmaddr - tmpl.Addr)), true
	}
	return 0, false
}
