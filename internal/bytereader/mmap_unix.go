//go:build linux || darwin

package bytereader

import (
	"io"
	"os"
	"syscall"
)

type mmapCloser struct {
	data []byte
	f    *os.File
}

func (c *mmapCloser) Close() error {
	err := syscall.Munmap(c.data)
	if cerr := c.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// mmapReadOnly memory-maps f read-only, private (copy-on-write, though
// nothing ever writes through this mapping). Grounded on the ld.so.cache
// mmap idiom (syscall.Mmap with PROT_READ / MAP_PRIVATE) used to map a
// whole cache file into memory for zero-copy scanning.
func mmapReadOnly(f *os.File) ([]byte, io.Closer, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	size := fi.Size()
	if size == 0 {
		return nil, &mmapCloser{data: nil, f: f}, nil
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ, syscall.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	return data, &mmapCloser{data: data, f: f}, nil
}
