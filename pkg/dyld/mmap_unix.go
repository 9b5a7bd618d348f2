//go:build unix

package dyld

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// reserve allocates an inaccessible anonymous range of size bytes.
func reserve(size uint64) (*Region, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	return &Region{mem: mem}, nil
}

// place maps a cache segment over the reservation at region offset off.
// Execute permission is never requested.
func (r *Region) place(fd int, off uint64, m CacheMappingInfo) error {
	r.Lock()
	defer r.Unlock()
	if r.closed {
		return ErrUnmapped
	}
	if m.Size == 0 {
		return nil
	}
	if off+m.Size > uint64(len(r.mem)) || off+m.Size < off {
		return unix.ERANGE
	}
	if r.overlapsMapped(off, m.Size) {
		return unix.EEXIST
	}
	prot := unix.PROT_NONE
	if m.MaxProt.Read() {
		prot |= unix.PROT_READ
	}
	if m.MaxProt.Write() {
		prot |= unix.PROT_WRITE
	}
	if _, err := unix.MmapPtr(fd, int64(m.FileOffset), unsafe.Pointer(&r.mem[off]), uintptr(m.Size), prot, unix.MAP_FIXED|unix.MAP_PRIVATE); err != nil {
		return err
	}
	if prot&unix.PROT_READ != 0 {
		r.markMapped(off, m.Size)
	}
	return nil
}

func release(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}

// mapWholeFile maps an entire file read-only.
func mapWholeFile(f *os.File, size int64) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	return unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
}

func unmapWholeFile(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}
