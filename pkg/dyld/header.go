package dyld

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/blacktop/go-macho/types"
)

// CacheHeader is the header for a dyld_shared_cache file (struct dyld_cache_header)
type CacheHeader struct {
	Magic                     magic          // e.g. "dyld_v1   arm64e"
	MappingOffset             uint32         // file offset to first dyld_cache_mapping_info
	MappingCount              uint32         // number of dyld_cache_mapping_info entries
	ImagesOffsetOld           uint32         // UNUSED: moved to imagesOffset to prevent older dsc_extarctors from crashing
	ImagesCountOld            uint32         // UNUSED: moved to imagesCount to prevent older dsc_extarctors from crashing
	DyldBaseAddress           uint64         // base address of dyld when cache was built
	CodeSignatureOffset       uint64         // file offset of code signature blob
	CodeSignatureSize         uint64         // size of code signature blob (zero means to end of file)
	SlideInfoOffsetUnused     uint64         // unused.  Used to be file offset of kernel slid info
	SlideInfoSizeUnused       uint64         // unused.  Used to be size of kernel slid info
	LocalSymbolsOffset        uint64         // file offset of where local symbols are stored
	LocalSymbolsSize          uint64         // size of local symbols information
	UUID                      types.UUID     // unique value for each shared cache file
	CacheType                 cacheType      // 0 for development, 1 for production, 2 for multi-cache
	BranchPoolsOffset         uint32         // file offset to table of uint64_t pool addresses
	BranchPoolsCount          uint32         // number of uint64_t entries
	DyldInCacheMH             uint64         // (unslid) address of mach_header of dyld in cache
	DyldInCacheEntry          uint64         // (unslid) address of entry point (_dyld_start) of dyld in cache
	ImagesTextOffset          uint64         // file offset to first dyld_cache_image_text_info
	ImagesTextCount           uint64         // number of dyld_cache_image_text_info entries
	PatchInfoAddr             uint64         // (unslid) address of dyld_cache_patch_info
	PatchInfoSize             uint64         // Size of all of the patch information pointed to via the dyld_cache_patch_info
	OtherImageGroupAddrUnused uint64         // unused
	OtherImageGroupSizeUnused uint64         // unused
	ProgClosuresAddr          uint64         // (unslid) address of list of program launch closures
	ProgClosuresSize          uint64         // size of list of program launch closures
	ProgClosuresTrieAddr      uint64         // (unslid) address of trie of indexes into program launch closures
	ProgClosuresTrieSize      uint64         // size of trie of indexes into program launch closures
	Platform                  types.Platform // platform number (macOS=1, etc)
	FormatVersion             formatVersion  // kFormatVersion:8, dylibsExpectedOnDisk:1, simulator:1, locallyBuiltCache:1, builtFromChainedFixups:1
	SharedRegionStart         uint64         // base load address of cache if not slid
	SharedRegionSize          uint64         // overall size required to map the cache and all subCaches, if any
	MaxSlide                  uint64         // runtime slide of cache can be between zero and this value
	DylibsImageArrayAddr      uint64         // (unslid) address of ImageArray for dylibs in this cache
	DylibsImageArraySize      uint64         // size of ImageArray for dylibs in this cache
	DylibsTrieAddr            uint64         // (unslid) address of trie of indexes of all cached dylibs
	DylibsTrieSize            uint64         // size of trie of cached dylib paths
	OtherImageArrayAddr       uint64         // (unslid) address of ImageArray for dylibs and bundles with dlopen closures
	OtherImageArraySize       uint64         // size of ImageArray for dylibs and bundles with dlopen closures
	OtherTrieAddr             uint64         // (unslid) address of trie of indexes of all dylibs and bundles with dlopen closures
	OtherTrieSize             uint64         // size of trie of dylibs and bundles with dlopen closures
	MappingWithSlideOffset    uint32         // file offset to first dyld_cache_mapping_and_slide_info
	MappingWithSlideCount     uint32         // number of dyld_cache_mapping_and_slide_info entries
	DylibsPblStateArrayUnused uint64         // unused
	DylibsPblSetAddr          uint64         // (unslid) address of PrebuiltLoaderSet of all cached dylibs
	ProgramsPblSetPoolAddr    uint64         // (unslid) address of pool of PrebuiltLoaderSet for each program
	ProgramsPblSetPoolSize    uint64         // size of pool of PrebuiltLoaderSet for each program
	ProgramTrieAddr           uint64         // (unslid) address of trie mapping program path to PrebuiltLoaderSet
	ProgramTrieSize           uint32         //
	OsVersion                 types.Version  // OS Version of dylibs in this cache for the main platform
	AltPlatform               types.Platform // e.g. iOSMac on macOS
	AltOsVersion              types.Version  // e.g. 14.0 for iOSMac
	SwiftOptsOffset           uint64         // VM offset from cache_header* to Swift optimizations header
	SwiftOptsSize             uint64         // size of Swift optimizations header
	SubCacheArrayOffset       uint32         // file offset to first dyld_subcache_entry
	SubCacheArrayCount        uint32         // number of subCache entries
	SymbolFileUUID            types.UUID     // unique value for the shared cache file containing unmapped local symbols
	RosettaReadOnlyAddr       uint64         // (unslid) address of the start of where Rosetta can add read-only/executable data
	RosettaReadOnlySize       uint64         // maximum size of the Rosetta read-only/executable region
	RosettaReadWriteAddr      uint64         // (unslid) address of the start of where Rosetta can add read-write data
	RosettaReadWriteSize      uint64         // maximum size of the Rosetta read-write region
	ImagesOffset              uint32         // file offset to first dyld_cache_image_info
	ImagesCount               uint32         // number of dyld_cache_image_info entries
	CacheSubType              uint32         // 0 for development, 1 for production, when cacheType is multi-cache(2)
	_                         uint32         // padding
	ObjcOptsOffset            uint64         // VM offset from cache_header* to ObjC optimizations header
	ObjcOptsSize              uint64         // size of ObjC optimizations header
	CacheAtlasOffset          uint64         // VM offset from cache_header* to embedded cache atlas for process introspection
	CacheAtlasSize            uint64         // size of embedded cache atlas
	DynamicDataOffset         uint64         // VM offset from cache_header* to the location of dyld_cache_dynamic_data_header
	DynamicDataMaxSize        uint64         // maximum size of space reserved from dynamic data
	TPROMappingOffset         uint32         // file offset to TPRO mappings
	TPROMappingCount          uint32         // TPRO mappings count
	FunctionVariantInfoAddr   uint64         // (unslid) address of dyld_cache_function_variant_info
	FunctionVariantInfoSize   uint64         // size of all function variant information
	PrewarmingDataOffset      uint64         // file offset to dyld_prewarming_header
	PrewarmingDataSize        uint64         // byte size of prewarming data
}

// Byte offsets of the dyld_cache_header fields whose presence decides
// which layout a cache was written with.
const (
	offsetMappingCount        = 0x14
	offsetLocalSymbolsSize    = 0x50
	offsetSharedRegionSize    = 0xe8
	offsetOtherImageArrayAddr = 0x118 // first field past dylibsTrieSize
	offsetSubCacheArrayCount  = 0x18c
	offsetSymbolFileUUID      = 0x190
	offsetImagesCount         = 0x1c4
	offsetCacheSubType        = 0x1c8

	sizeofCacheHeader = 0x228
)

// HeaderCapabilities records, once per header, which optional parts of the
// format the header is new enough to carry.
type HeaderCapabilities struct {
	HasSharedRegionSize     bool `json:"has_shared_region_size"`      // mappingOffset > 0xe8
	HasTrieLookup           bool `json:"has_trie_lookup"`             // mappingOffset >= 0x118
	HasSubCaches            bool `json:"has_subcaches"`               // mappingOffset >= 0x18c
	HasLocalSymbolEntries64 bool `json:"has_local_symbol_entries_64"` // mappingOffset >= 0x190
	HasSymbolFileUUID       bool `json:"has_symbol_file_uuid"`        // mappingOffset > 0x190
	HasNewImageTable        bool `json:"has_new_image_table"`         // mappingOffset >= 0x1c4
	HasCacheSuffix          bool `json:"has_cache_suffix"`            // mappingOffset > 0x1c8
	HasLocalSymbolsInfo     bool `json:"has_local_symbols_info"`      // localSymbolsOffset != 0 && mappingOffset > 0x50
}

// NewHeaderCapabilities derives the capability set from a header's mapping offset.
func NewHeaderCapabilities(h *CacheHeader) HeaderCapabilities {
	mo := h.MappingOffset
	return HeaderCapabilities{
		HasSharedRegionSize:     mo > offsetSharedRegionSize,
		HasTrieLookup:           mo >= offsetOtherImageArrayAddr,
		HasSubCaches:            mo >= offsetSubCacheArrayCount,
		HasLocalSymbolEntries64: mo >= offsetSymbolFileUUID,
		HasSymbolFileUUID:       mo > offsetSymbolFileUUID,
		HasNewImageTable:        mo >= offsetImagesCount,
		HasCacheSuffix:          mo > offsetCacheSubType,
		HasLocalSymbolsInfo:     h.LocalSymbolsOffset != 0 && mo > offsetLocalSymbolsSize,
	}
}

func (c HeaderCapabilities) String() string {
	var caps []string
	if c.HasSharedRegionSize {
		caps = append(caps, "SharedRegionSize")
	}
	if c.HasTrieLookup {
		caps = append(caps, "DylibsTrie")
	}
	if c.HasSubCaches {
		caps = append(caps, "SubCaches")
	}
	if c.HasLocalSymbolEntries64 {
		caps = append(caps, "LocalSymbolEntries64")
	}
	if c.HasSymbolFileUUID {
		caps = append(caps, "SymbolFileUUID")
	}
	if c.HasNewImageTable {
		caps = append(caps, "NewImageTable")
	}
	if c.HasCacheSuffix {
		caps = append(caps, "CacheSuffix")
	}
	if c.HasLocalSymbolsInfo {
		caps = append(caps, "LocalSymbolsInfo")
	}
	return strings.Join(caps, "|")
}

// HeaderView is a decoded cache header together with its capabilities.
//
// Fields are decoded as laid out on disk regardless of the header's length;
// callers must go through the accessors (or Caps) for fields newer producers
// added, since on older caches those bytes belong to the mapping table.
type HeaderView struct {
	CacheHeader
	Caps HeaderCapabilities
}

// IsSharedCache reports whether buf starts with a dyld shared cache magic.
func IsSharedCache(buf []byte) bool {
	return len(buf) >= len(MagicPrefix) && bytes.HasPrefix(buf, []byte(MagicPrefix))
}

// ParseHeader decodes the cache header at the start of buf (normally the first page of the file).
func ParseHeader(buf []byte) (*HeaderView, error) {
	if len(buf) < offsetMappingCount+4 {
		return nil, formatErr("", 0, "header too short", len(buf))
	}
	if !IsSharedCache(buf) {
		return nil, formatErr("", 0, "invalid magic number", strings.Trim(string(buf[:16]), "\x00"))
	}

	raw := make([]byte, sizeofCacheHeader)
	copy(raw, buf)

	hv := new(HeaderView)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &hv.CacheHeader); err != nil {
		return nil, err
	}
	if hv.MappingCount == 0 {
		return nil, formatErr("", offsetMappingCount, "no mappings in shared cache", nil)
	}
	hv.Caps = NewHeaderCapabilities(&hv.CacheHeader)

	return hv, nil
}

// Present reports whether the header is long enough to contain the field at byte offset off.
func (h *HeaderView) Present(off uint32) bool {
	return h.MappingOffset > off
}

// ArchName returns the architecture portion of the magic, e.g. "arm64e".
func (h *HeaderView) ArchName() string {
	m := h.Magic.String()
	if len(m) <= len(MagicPrefix) {
		return ""
	}
	return strings.TrimLeft(m[len(MagicPrefix):], " ")
}

// ImagesOffset returns the file offset of the image table for this header version.
func (h *HeaderView) ImagesOffset() uint32 {
	if h.Caps.HasNewImageTable {
		return h.CacheHeader.ImagesOffset
	}
	return h.ImagesOffsetOld
}

// ImagesCount returns the image count for this header version.
func (h *HeaderView) ImagesCount() uint32 {
	if h.Caps.HasNewImageTable {
		return h.CacheHeader.ImagesCount
	}
	return h.ImagesCountOld
}

// SubCacheCount returns the number of sub-caches, or 0 when the header predates them.
func (h *HeaderView) SubCacheCount() uint32 {
	if !h.Caps.HasSubCaches {
		return 0
	}
	return h.SubCacheArrayCount
}

// HasLocalSymbolsFile reports whether local symbols live in a separate .symbols file.
func (h *HeaderView) HasLocalSymbolsFile() bool {
	return h.Caps.HasSymbolFileUUID && h.SymbolFileUUID != (types.UUID{})
}

// MappedSize returns the virtual size needed by the cache and all its sub-caches,
// or 0 when the header does not record it.
func (h *HeaderView) MappedSize() uint64 {
	if h.Caps.HasSubCaches {
		return h.SharedRegionSize
	}
	return 0
}

// MappingsFrom decodes the mapping table out of buf, which must hold the start of the file.
func (h *HeaderView) MappingsFrom(buf []byte) ([]CacheMappingInfo, error) {
	end := uint64(h.MappingOffset) + uint64(h.MappingCount)*sizeofMappingInfo
	if end > uint64(len(buf)) {
		return nil, formatErr("", uint64(h.MappingOffset), "mapping table extends past first page", end)
	}
	mappings := make([]CacheMappingInfo, h.MappingCount)
	if err := binary.Read(bytes.NewReader(buf[h.MappingOffset:end]), binary.LittleEndian, mappings); err != nil {
		return nil, err
	}
	for i := 1; i < len(mappings); i++ {
		if mappings[i].Address < mappings[i-1].Address {
			return nil, formatErr("", uint64(h.MappingOffset)+uint64(i)*sizeofMappingInfo, "mappings are not sorted by address", fmt.Sprintf("%#x", mappings[i].Address))
		}
	}
	return mappings, nil
}
