// Package bytereader provides a random-access, bounds-checked view over a
// memory-mapped cache file: typed peeks, a cursor with sequential reads,
// ULEB/SLEB128 decoding, and forward byte search. It never reads outside
// the mapping. Out-of-bounds peeks and reads report absence, except
// ReadByte and the LEB128 decoders built on it, which panic at
// end-of-file.
//
// Grounded on original_source/DataFile.h (kennytm/Miscellaneous), adapted
// to Go: the C++ template methods become generic functions, and NULL
// returns become (T, bool)/(T, error) pairs.
package bytereader

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Reader is a read-only, bounds-checked cursor over a memory-mapped file.
// It owns the mapping for as long as it is open; every value handed back
// by a peek borrows from that mapping and must not outlive it.
type Reader struct {
	data     []byte
	location int64
	closer   io.Closer
}

// Open memory-maps path read-only and returns a Reader positioned at 0.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open cache file %s", path)
	}
	data, closer, err := mmapReadOnly(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "failed to map cache file %s", path)
	}
	return &Reader{data: data, closer: closer}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// OpenBytes wraps an already-resident byte slice (used in tests) in a
// Reader; Close is a no-op.
func OpenBytes(data []byte) *Reader {
	return &Reader{data: data, closer: nopCloser{}}
}

// Close unmaps the file.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// Size returns the total file size in bytes.
func (r *Reader) Size() int64 { return int64(len(r.data)) }

// Data returns the whole mapping as a borrowed slice.
func (r *Reader) Data() []byte { return r.data }

// Seek sets the cursor to an absolute offset.
func (r *Reader) Seek(offset int64) { r.location = offset }

// Tell returns the current cursor position.
func (r *Reader) Tell() int64 { return r.location }

// Advance moves the cursor forward by delta bytes.
func (r *Reader) Advance(delta int64) { r.location += delta }

// Retreat moves the cursor backward by negDelta bytes.
func (r *Reader) Retreat(negDelta int64) { r.location -= negDelta }

// Rewind resets the cursor to the start of the file.
func (r *Reader) Rewind() { r.location = 0 }

// IsEOF reports whether the cursor sits exactly at end-of-file.
func (r *Reader) IsEOF() bool { return r.location == int64(len(r.data)) }

func (r *Reader) inBounds(offset, n int64) bool {
	return offset >= 0 && n >= 0 && offset+n <= int64(len(r.data))
}

// ReadByte consumes and returns one byte; it panics if called at EOF, same
// as the original's unchecked m_data[m_location++] — callers that might be
// at EOF should check IsEOF first.
func (r *Reader) ReadByte() byte {
	b := r.data[r.location]
	r.location++
	return b
}

// ReadU32 reads a native little-endian uint32 at the cursor and advances
// past it. Returns 0, false if it would run past end-of-file.
func (r *Reader) ReadU32() (uint32, bool) {
	if !r.inBounds(r.location, 4) {
		r.location = int64(len(r.data))
		return 0, false
	}
	v := binary.LittleEndian.Uint32(r.data[r.location:])
	r.location += 4
	return v, true
}

// ReadRaw returns the next n bytes and advances the cursor past them, or
// reports absence (and clamps the cursor to EOF) if they don't fit.
func (r *Reader) ReadRaw(n int64) ([]byte, bool) {
	if !r.inBounds(r.location, n) {
		r.location = int64(len(r.data))
		return nil, false
	}
	b := r.data[r.location : r.location+n]
	r.location += n
	return b, true
}

// ReadCString returns the bytes up to and including the next NUL,
// advancing the cursor past it. Absence is reported if no NUL is found
// before end-of-file.
func (r *Reader) ReadCString() ([]byte, bool) {
	start := r.location
	for r.location < int64(len(r.data)) {
		if r.data[r.location] == 0 {
			s := r.data[start : r.location+1]
			r.location++
			return s, true
		}
		r.location++
	}
	return nil, false
}

// ReadASCIIString returns the maximal run of printable ASCII (tab, CR, LF,
// or 0x20..0x7E) starting at the cursor; it does not require or consume a
// terminator.
func (r *Reader) ReadASCIIString() []byte {
	start := r.location
	for r.location < int64(len(r.data)) && isPrintableASCII(r.data[r.location]) {
		r.location++
	}
	return r.data[start:r.location]
}

func isPrintableASCII(c byte) bool {
	switch c {
	case '\t', '\n', '\r':
		return true
	}
	return c >= 0x20 && c <= 0x7E
}

// PeekASCIICStringAt returns the NUL-terminated printable-ASCII string at
// offset, without moving the cursor. Absence is reported unless the run
// terminates in NUL strictly within the file.
func (r *Reader) PeekASCIICStringAt(offset int64) ([]byte, bool) {
	if offset < 0 || offset >= int64(len(r.data)) {
		return nil, false
	}
	i := offset
	for i < int64(len(r.data)) && isPrintableASCII(r.data[i]) {
		i++
	}
	if i >= int64(len(r.data)) || r.data[i] != 0 {
		return nil, false
	}
	return r.data[offset:i], true
}

// PeekU32At reads a native little-endian uint32 at offset without moving
// the cursor.
func (r *Reader) PeekU32At(offset int64) (uint32, bool) {
	if !r.inBounds(offset, 4) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(r.data[offset:]), true
}

// PeekBytesAt returns n bytes at offset without moving the cursor.
func (r *Reader) PeekBytesAt(offset, n int64) ([]byte, bool) {
	if !r.inBounds(offset, n) {
		return nil, false
	}
	return r.data[offset : offset+n], true
}

// ReadULEB128 decodes an unsigned LEB128 integer starting at the cursor
// and advances past it.
func (r *Reader) ReadULEB128() uint64 {
	var result uint64
	var shift uint
	for {
		c := r.ReadByte()
		result |= uint64(c&0x7F) << shift
		shift += 7
		if c&0x80 == 0 {
			break
		}
	}
	return result
}

// ReadSLEB128 decodes a signed LEB128 integer starting at the cursor and
// advances past it.
func (r *Reader) ReadSLEB128() int64 {
	var result int64
	var shift uint
	var c byte
	for {
		c = r.ReadByte()
		result |= int64(c&0x7F) << shift
		shift += 7
		if c&0x80 == 0 {
			break
		}
	}
	if shift < 64 && c&0x40 != 0 {
		result |= -1 << shift
	}
	return result
}

// SearchForward advances the cursor to the first position at or after the
// current one where needle matches, and returns true. On failure the
// cursor is left at end-of-file and false is returned.
func (r *Reader) SearchForward(needle []byte) bool {
	idx := indexFrom(r.data, needle, r.location)
	if idx < 0 {
		r.location = int64(len(r.data))
		return false
	}
	r.location = int64(idx)
	return true
}

func indexFrom(haystack, needle []byte, from int64) int {
	if from < 0 {
		from = 0
	}
	if from > int64(len(haystack)) {
		return -1
	}
	for i := int(from); i+len(needle) <= len(haystack); i++ {
		if string(haystack[i:i+len(needle)]) == string(needle) {
			return i
		}
	}
	return -1
}

// PeekStruct decodes a fixed-size, little-endian struct T at offset
// without moving the cursor. The stricter bound from the original's
// peek_data<T> applies: there must be room for itemsAfter+1 copies of T
// starting at offset, even though only the first is decoded. This matches
// DataFile.h's peek_data(size_t items_after), used to validate that a
// following array of the same element type fits before trusting a count
// field taken from the first element.
func PeekStruct[T any](r *Reader, offset int64, itemsAfter int64) (T, bool) {
	var v T
	n := binary.Size(v)
	if n < 0 {
		return v, false
	}
	need := int64(n) * (1 + itemsAfter)
	if !r.inBounds(offset, need) {
		return v, false
	}
	br := bytes.NewReader(r.data[offset : offset+int64(n)])
	if err := binary.Read(br, binary.LittleEndian, &v); err != nil {
		return v, false
	}
	return v, true
}

// PeekStructArray decodes count consecutive copies of T starting at
// offset, bounds-checked as a single run.
func PeekStructArray[T any](r *Reader, offset int64, count int) ([]T, bool) {
	var zero T
	n := binary.Size(zero)
	if n < 0 || count < 0 {
		return nil, false
	}
	need := int64(n) * int64(count)
	if !r.inBounds(offset, need) {
		return nil, false
	}
	out := make([]T, count)
	br := bytes.NewReader(r.data[offset : offset+need])
	if err := binary.Read(br, binary.LittleEndian, out); err != nil {
		return nil, false
	}
	return out, true
}
