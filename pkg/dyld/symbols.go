package dyld

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/blacktop/go-macho/types"
)

// LocalSymbolIndex is a view of the unmapped local symbols of a cache: an
// entry per dylib pointing into a shared nlist table and string pool.
//
// The index reads straight from the mapped file; once the owning Cache is
// closed every accessor returns ErrUnmapped.
type LocalSymbolIndex struct {
	Path string
	Arch string // architecture of the cache file holding the symbols
	Info CacheLocalSymbolsInfo

	mu        sync.RWMutex
	dat       []byte // the local symbols chunk
	closed    bool
	entries64 bool
	empty     bool
}

// NewLocalSymbolIndex reads the local symbols info of file, the whole contents
// of the cache file described by h.
func NewLocalSymbolIndex(path string, file []byte, h *HeaderView) (*LocalSymbolIndex, error) {
	idx := &LocalSymbolIndex{
		Path:      path,
		Arch:      h.ArchName(),
		entries64: h.Caps.HasLocalSymbolEntries64,
	}
	if !h.Caps.HasLocalSymbolsInfo || h.LocalSymbolsSize == 0 {
		idx.empty = true
		return idx, nil
	}

	end := h.LocalSymbolsOffset + h.LocalSymbolsSize
	if end < h.LocalSymbolsOffset || end > uint64(len(file)) {
		return nil, formatErr(path, h.LocalSymbolsOffset, "local symbols extend past end of file", fmt.Sprintf("%#x", end))
	}
	idx.dat = file[h.LocalSymbolsOffset:end]

	if len(idx.dat) < sizeofLocalSymbolsInfo {
		return nil, formatErr(path, h.LocalSymbolsOffset, "local symbols info is truncated", len(idx.dat))
	}
	if err := binary.Read(bytes.NewReader(idx.dat[:sizeofLocalSymbolsInfo]), binary.LittleEndian, &idx.Info); err != nil {
		return nil, err
	}

	check := func(off, n uint64, what string) error {
		if off+n > uint64(len(idx.dat)) {
			return formatErr(path, h.LocalSymbolsOffset+off, what+" extends past local symbols", fmt.Sprintf("%#x", off+n))
		}
		return nil
	}
	if err := check(uint64(idx.Info.EntriesOffset), uint64(idx.Info.EntriesCount)*idx.entrySize(), "entry table"); err != nil {
		return nil, err
	}
	if err := check(uint64(idx.Info.NlistOffset), uint64(idx.Info.NlistCount)*sizeofNlist64, "nlist table"); err != nil {
		return nil, err
	}
	if err := check(uint64(idx.Info.StringsOffset), uint64(idx.Info.StringsSize), "string pool"); err != nil {
		return nil, err
	}

	return idx, nil
}

func (l *LocalSymbolIndex) entrySize() uint64 {
	if l.entries64 {
		return sizeofLocalSymbolsEntry64
	}
	return sizeofLocalSymbolsEntry
}

// EntryCount returns the number of per-dylib entries.
func (l *LocalSymbolIndex) EntryCount() int {
	if l.empty {
		return 0
	}
	return int(l.Info.EntriesCount)
}

// ForEachEntry calls fn for each dylib entry until fn returns false.
//
// On caches whose header reaches symbolFileUUID, dylibOffset is a 64-bit VM
// offset; on older caches it is a 32-bit file offset.
func (l *LocalSymbolIndex) ForEachEntry(fn func(dylibOffset uint64, nlistStartIndex, nlistCount uint32) bool) error {
	if l.empty {
		return nil
	}
	size := l.entrySize()
	for i := uint64(0); i < uint64(l.Info.EntriesCount); i++ {
		off, start, count, err := l.entry(i, size)
		if err != nil {
			return err
		}
		if !fn(off, start, count) {
			return nil
		}
	}
	return nil
}

// entry decodes record i. The lock is only held for the decode so callbacks
// are free to use the other accessors.
func (l *LocalSymbolIndex) entry(i, size uint64) (uint64, uint32, uint32, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0, 0, 0, ErrUnmapped
	}
	base := uint64(l.Info.EntriesOffset) + i*size
	rec := l.dat[base : base+size]
	if l.entries64 {
		return binary.LittleEndian.Uint64(rec[0:]), binary.LittleEndian.Uint32(rec[8:]), binary.LittleEndian.Uint32(rec[12:]), nil
	}
	return uint64(binary.LittleEndian.Uint32(rec[0:])), binary.LittleEndian.Uint32(rec[4:]), binary.LittleEndian.Uint32(rec[8:]), nil
}

// NlistCount returns the number of entries in the shared nlist table.
func (l *LocalSymbolIndex) NlistCount() uint32 {
	if l.empty {
		return 0
	}
	return l.Info.NlistCount
}

// Nlist returns nlist entry i.
func (l *LocalSymbolIndex) Nlist(i uint32) (*types.Nlist64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrUnmapped
	}
	return l.nlist(i)
}

func (l *LocalSymbolIndex) nlist(i uint32) (*types.Nlist64, error) {
	if i >= l.NlistCount() {
		return nil, fmt.Errorf("nlist index %d out of range (%d entries)", i, l.NlistCount())
	}
	off := uint64(l.Info.NlistOffset) + uint64(i)*sizeofNlist64
	var n types.Nlist64
	if err := binary.Read(bytes.NewReader(l.dat[off:off+sizeofNlist64]), binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// StringsSize returns the size of the string pool.
func (l *LocalSymbolIndex) StringsSize() uint32 {
	if l.empty {
		return 0
	}
	return l.Info.StringsSize
}

// String returns the NUL terminated string at offset off in the string pool.
func (l *LocalSymbolIndex) String(off uint32) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return "", ErrUnmapped
	}
	return l.stringAt(off)
}

func (l *LocalSymbolIndex) stringAt(off uint32) (string, error) {
	pool := l.stringBytes()
	if uint64(off) >= uint64(len(pool)) {
		return "", fmt.Errorf("string offset %#x out of range (pool is %#x bytes)", off, len(pool))
	}
	s := pool[off:]
	if i := bytes.IndexByte(s, 0); i >= 0 {
		return string(s[:i]), nil
	}
	return "", formatErr(l.Path, uint64(l.Info.StringsOffset)+uint64(off), "unterminated local symbol string", nil)
}

// NlistBytes returns the raw nlist table. The slice aliases the mapping and
// is only valid until the cache is closed.
func (l *LocalSymbolIndex) NlistBytes() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrUnmapped
	}
	if l.empty {
		return nil, nil
	}
	off := uint64(l.Info.NlistOffset)
	return l.dat[off : off+uint64(l.Info.NlistCount)*sizeofNlist64], nil
}

// StringBytes returns the raw string pool. The slice aliases the mapping and
// is only valid until the cache is closed.
func (l *LocalSymbolIndex) StringBytes() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrUnmapped
	}
	return l.stringBytes(), nil
}

func (l *LocalSymbolIndex) stringBytes() []byte {
	if l.empty {
		return nil
	}
	off := uint64(l.Info.StringsOffset)
	return l.dat[off : off+uint64(l.Info.StringsSize)]
}

// Symbols returns the names of nlist entries [start, start+count).
func (l *LocalSymbolIndex) Symbols(start, count uint32) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrUnmapped
	}
	if uint64(start)+uint64(count) > uint64(l.NlistCount()) {
		return nil, fmt.Errorf("nlist range %d+%d out of range (%d entries)", start, count, l.NlistCount())
	}
	syms := make([]string, 0, count)
	for i := start; i < start+count; i++ {
		n, err := l.nlist(i)
		if err != nil {
			return nil, err
		}
		name, err := l.stringAt(n.Name)
		if err != nil {
			return nil, err
		}
		syms = append(syms, name)
	}
	return syms, nil
}

// close invalidates the index and runs release, which unmaps the backing
// file, while no reader holds the lock.
func (l *LocalSymbolIndex) close(release func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.dat = nil
	if release != nil {
		return release()
	}
	return nil
}
