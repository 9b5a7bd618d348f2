package dyld

import (
	"fmt"
	"strings"

	"github.com/blacktop/go-macho/types"
)

const (
	// MagicPrefix is the prefix every supported cache magic starts with.
	MagicPrefix = "dyld_v1"

	// DevelopmentExt is appended to the main cache path of development caches.
	DevelopmentExt = ".development"
	// SymbolsExt is the suffix of the file that holds unmapped local symbols.
	SymbolsExt = ".symbols"

	firstPageSize = 4096
)

type formatVersion uint32

const (
	DylibsExpectedOnDisk   formatVersion = 0x100
	IsSimulator            formatVersion = 0x200
	LocallyBuiltCache      formatVersion = 0x400
	BuiltFromChainedFixups formatVersion = 0x800
)

func (f formatVersion) Version() uint8 {
	return uint8(f & 0xff)
}

func (f formatVersion) IsDylibsExpectedOnDisk() bool {
	return (f & DylibsExpectedOnDisk) != 0
}

func (f formatVersion) IsSimulator() bool {
	return (f & IsSimulator) != 0
}

func (f formatVersion) IsLocallyBuiltCache() bool {
	return (f & LocallyBuiltCache) != 0
}

func (f formatVersion) IsBuiltFromChainedFixups() bool {
	return (f & BuiltFromChainedFixups) != 0
}

func (f formatVersion) String() string {
	var fStr []string
	if f.IsSimulator() {
		fStr = append(fStr, "Simulator")
	}
	if f.IsDylibsExpectedOnDisk() {
		fStr = append(fStr, "DylibsExpectedOnDisk")
	}
	if f.IsLocallyBuiltCache() {
		fStr = append(fStr, "LocallyBuiltCache")
	}
	if f.IsBuiltFromChainedFixups() {
		fStr = append(fStr, "BuiltFromChainedFixups")
	}
	if len(fStr) > 0 {
		return fmt.Sprintf("%d (%s)", f.Version(), strings.Join(fStr, "|"))
	}
	return fmt.Sprintf("%d", f.Version())
}

type cacheType uint64

const (
	CacheTypeDevelopment cacheType = 0
	CacheTypeProduction  cacheType = 1
	CacheTypeUniversal   cacheType = 2
)

func (t cacheType) String() string {
	switch t {
	case CacheTypeDevelopment:
		return "Development"
	case CacheTypeProduction:
		return "Production"
	case CacheTypeUniversal:
		return "Universal"
	default:
		return fmt.Sprintf("CacheType(%d)", uint64(t))
	}
}

type magic [16]byte

func (m magic) String() string {
	return strings.Trim(string(m[:]), "\x00")
}

// CacheMappingInfo is a dyld_cache_mapping_info.
type CacheMappingInfo struct {
	Address    uint64             `json:"address"`
	Size       uint64             `json:"size"`
	FileOffset uint64             `json:"file_offset"`
	MaxProt    types.VmProtection `json:"max_prot"`
	InitProt   types.VmProtection `json:"init_prot"`
}

const sizeofMappingInfo = 32

// End returns the first address past the mapping.
func (m CacheMappingInfo) End() uint64 {
	return m.Address + m.Size
}

// ContainsFileOffset reports whether off falls inside the mapping's file range.
func (m CacheMappingInfo) ContainsFileOffset(off uint64) bool {
	return off >= m.FileOffset && off < m.FileOffset+m.Size
}

// Name guesses a segment name from the initial protections.
func (m CacheMappingInfo) Name() string {
	switch {
	case m.InitProt.Execute():
		return "__TEXT"
	case m.InitProt.Write():
		return "__DATA"
	case m.InitProt.Read():
		return "__LINKEDIT"
	}
	return "__UNKNOWN"
}

// CacheImageInfo is a dyld_cache_image_info.
type CacheImageInfo struct {
	Address        uint64
	ModTime        uint64
	Inode          uint64
	PathFileOffset uint32
	Pad            uint32
}

const sizeofImageInfo = 32

// SubCacheEntry is a dyld_subcache_entry (v1 entries have no FileSuffix).
type SubCacheEntry struct {
	UUID          types.UUID
	CacheVMOffset uint64
	FileSuffix    string
}

const (
	sizeofSubCacheEntryV1 = 24
	sizeofSubCacheEntry   = 56
)

type CacheLocalSymbolsInfo struct {
	NlistOffset   uint32 // offset into this chunk of nlist entries
	NlistCount    uint32 // count of nlist entries
	StringsOffset uint32 // offset into this chunk of string pool
	StringsSize   uint32 // byte count of string pool
	EntriesOffset uint32 // offset into this chunk of array of dyld_cache_local_symbols_entry
	EntriesCount  uint32 // number of elements in dyld_cache_local_symbols_entry array
}

const sizeofLocalSymbolsInfo = 24

type CacheLocalSymbolsEntry struct {
	DylibOffset     uint32 // offset in cache file of start of dylib
	NlistStartIndex uint32 // start index of locals for this dylib
	NlistCount      uint32 // number of local symbols for this dylib
}

type CacheLocalSymbolsEntry64 struct {
	DylibOffset     uint64 // offset in cache buffer of start of dylib
	NlistStartIndex uint32 // start index of locals for this dylib
	NlistCount      uint32 // number of local symbols for this dylib
}

const (
	sizeofLocalSymbolsEntry   = 12
	sizeofLocalSymbolsEntry64 = 16
	sizeofNlist64             = 16
)
