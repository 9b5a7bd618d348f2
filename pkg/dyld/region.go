package dyld

import (
	"bytes"
	"encoding/binary"
	"os"
	"sort"
	"sync"
)

type span struct {
	start, end uint64
}

// Region is the contiguous virtual range a cache set is projected into.
//
// Only the byte ranges backed by a file mapping are readable; the rest of the
// reservation has no access rights, so every read goes through a bounds check
// against the mapped spans.
type Region struct {
	sync.RWMutex

	mem    []byte
	spans  []span
	files  []*os.File // backing files of the caches placed in the region
	closed bool
}

// Size returns the size of the reservation.
func (r *Region) Size() uint64 {
	r.RLock()
	defer r.RUnlock()
	return uint64(len(r.mem))
}

// Mapped returns the total number of bytes backed by file mappings.
func (r *Region) Mapped() uint64 {
	r.RLock()
	defer r.RUnlock()
	var n uint64
	for _, s := range r.spans {
		n += s.end - s.start
	}
	return n
}

// markMapped records [off, off+size) as readable, merging with neighbours.
func (r *Region) markMapped(off, size uint64) {
	r.spans = append(r.spans, span{off, off + size})
	sort.Slice(r.spans, func(i, j int) bool { return r.spans[i].start < r.spans[j].start })
	merged := r.spans[:1]
	for _, s := range r.spans[1:] {
		last := &merged[len(merged)-1]
		if s.start <= last.end {
			if s.end > last.end {
				last.end = s.end
			}
			continue
		}
		merged = append(merged, s)
	}
	r.spans = merged
}

func (r *Region) overlapsMapped(off, size uint64) bool {
	for _, s := range r.spans {
		if off < s.end && s.start < off+size {
			return true
		}
	}
	return false
}

// Slice returns n bytes at region offset off. The returned slice aliases the
// mapping and is only valid until the region is closed.
func (r *Region) Slice(off, n uint64) ([]byte, error) {
	r.RLock()
	defer r.RUnlock()
	if r.closed {
		return nil, ErrUnmapped
	}
	if off+n < off {
		return nil, formatErr("", off, "read length overflows", n)
	}
	for _, s := range r.spans {
		if off >= s.start && off+n <= s.end {
			return r.mem[off : off+n : off+n], nil
		}
	}
	return nil, formatErr("", off, "read extends past mapped region", n)
}

// CString returns the NUL terminated string at region offset off.
func (r *Region) CString(off uint64) (string, error) {
	r.RLock()
	defer r.RUnlock()
	if r.closed {
		return "", ErrUnmapped
	}
	for _, s := range r.spans {
		if off >= s.start && off < s.end {
			buf := r.mem[off:s.end]
			if i := bytes.IndexByte(buf, 0); i >= 0 {
				return string(buf[:i]), nil
			}
			return "", formatErr("", off, "unterminated string", nil)
		}
	}
	return "", formatErr("", off, "string is outside mapped region", nil)
}

// Uint32 reads a little-endian uint32 at region offset off.
func (r *Region) Uint32(off uint64) (uint32, error) {
	b, err := r.Slice(off, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Uint64 reads a little-endian uint64 at region offset off.
func (r *Region) Uint64(off uint64) (uint64, error) {
	b, err := r.Slice(off, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// adopt keeps f open for as long as the region is; it is closed by Close.
func (r *Region) adopt(f *os.File) error {
	r.Lock()
	defer r.Unlock()
	if r.closed {
		return ErrUnmapped
	}
	r.files = append(r.files, f)
	return nil
}

// mapFile maps all of f read-only while holding the region open, so f cannot
// be closed underneath the call.
func (r *Region) mapFile(f *os.File, size int64) ([]byte, error) {
	r.RLock()
	defer r.RUnlock()
	if r.closed {
		return nil, ErrUnmapped
	}
	return mapWholeFile(f, size)
}

// Close releases the reservation together with every mapping placed inside it
// and closes the backing files.
func (r *Region) Close() error {
	r.Lock()
	defer r.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.spans = nil
	mem := r.mem
	r.mem = nil
	err := release(mem)
	for _, f := range r.files {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	r.files = nil
	return err
}
