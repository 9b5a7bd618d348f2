package dyld

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/go-macho/types"
	"github.com/google/uuid"
)

// SubCacheEntryStride returns the on-disk size of one sub-cache table entry.
func (h *HeaderView) SubCacheEntryStride() uint64 {
	if h.Caps.HasCacheSuffix {
		return sizeofSubCacheEntry
	}
	return sizeofSubCacheEntryV1
}

// SubCacheEntries decodes the main cache's sub-cache table.
func (m *MappedCache) SubCacheEntries() ([]SubCacheEntry, error) {
	count := uint64(m.SubCacheCount())
	if count == 0 {
		return nil, nil
	}
	stride := m.SubCacheEntryStride()
	dat, err := m.ReadAtFileOffset(uint64(m.SubCacheArrayOffset), count*stride)
	if err != nil {
		return nil, err
	}

	entries := make([]SubCacheEntry, count)
	for i := range entries {
		rec := dat[uint64(i)*stride : uint64(i+1)*stride]
		copy(entries[i].UUID[:], rec[:16])
		entries[i].CacheVMOffset = binary.LittleEndian.Uint64(rec[16:24])
		if stride == sizeofSubCacheEntry {
			suffix := rec[24:56]
			if j := bytes.IndexByte(suffix, 0); j >= 0 {
				suffix = suffix[:j]
			}
			entries[i].FileSuffix = string(suffix)
		}
	}
	return entries, nil
}

// SubCacheUUID returns the UUID recorded for sub-cache i.
func (m *MappedCache) SubCacheUUID(i int) (types.UUID, error) {
	entries, err := m.SubCacheEntries()
	if err != nil {
		return types.UUID{}, err
	}
	if i < 0 || i >= len(entries) {
		return types.UUID{}, fmt.Errorf("sub-cache index %d out of range (%d sub-caches)", i, len(entries))
	}
	return entries[i].UUID, nil
}

// SubCachePaths derives the file path of every sub-cache in entries from the
// main cache path.
func SubCachePaths(path string, h *HeaderView, entries []SubCacheEntry) []string {
	base := path
	if h.CacheType == CacheTypeUniversal {
		base = strings.TrimSuffix(base, DevelopmentExt)
	}

	paths := make([]string, 0, len(entries))
	for i, entry := range entries {
		if h.Caps.HasCacheSuffix {
			paths = append(paths, base+entry.FileSuffix)
		} else {
			paths = append(paths, fmt.Sprintf("%s.%d", base, i+1))
		}
	}
	return paths
}

// UUIDString formats a cache UUID the way dyld prints it.
func UUIDString(u types.UUID) string {
	return strings.ToUpper(uuid.UUID(u).String())
}

// ResolveSubCaches maps every sub-cache listed by the main cache main into its
// region and checks each one's UUID against the main cache's table. It stops at
// the first failure; sub-caches mapped so far are returned with the error and
// stay mapped until the region is closed.
func ResolveSubCaches(main *MappedCache, config ...*Config) ([]*MappedCache, error) {
	entries, err := main.SubCacheEntries()
	if err != nil {
		return nil, err
	}
	subs := make([]*MappedCache, 0, len(entries))
	if len(entries) == 0 {
		return subs, nil
	}

	for i, path := range SubCachePaths(main.Path, main.HeaderView, entries) {
		log.WithField("path", path).Debugf("Mapping sub-cache %d", i+1)
		sc, err := main.MapSubCache(path, config...)
		if err != nil {
			return subs, err
		}
		if sc.UUID != entries[i].UUID {
			e := integrityErr(ErrUUIDMismatch, path)
			e.Expected = UUIDString(entries[i].UUID)
			e.Found = UUIDString(sc.UUID)
			return subs, e
		}
		subs = append(subs, sc)
	}

	return subs, nil
}
