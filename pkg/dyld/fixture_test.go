package dyld

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"os"
	"path/filepath"
	"testing"

	"github.com/blacktop/go-macho/types"
)

const (
	testBase      = 0x180000000
	testPageShift = 12
	testArch      = "dyld_v1  arm64e"

	testImageTableOff = 0x400
	testPathsOff      = 0x800
	testTrieOff       = 0xA00
	testSubCacheOff   = 0x300
	testLocalSymsOff  = 0x10000
	testLocalSymsSize = 0x4000
	testMainDataSize  = 0x14000
	testSubDataSize   = 0x4000

	protR   = 1
	protRW  = 3
	protRX  = 5
	protRWX = 7
)

var testImages = []string{
	"/usr/lib/libSystem.B.dylib",
	"/usr/lib/libobjc.A.dylib",
	"/System/Library/Frameworks/Foundation.framework/Foundation",
}

func testUUID(b byte) types.UUID {
	var u types.UUID
	for i := range u {
		u[i] = b + byte(i)
	}
	return u
}

// mainMappings is the layout of a single-file test cache: text, data and
// read-only segments of 32K, 16K and 16K.
func mainMappings() []CacheMappingInfo {
	return []CacheMappingInfo{
		{Address: testBase, Size: 0x8000, FileOffset: 0, MaxProt: protRX, InitProt: protRX},
		{Address: testBase + 0x8000, Size: 0x4000, FileOffset: 0x8000, MaxProt: protRW, InitProt: protRW},
		{Address: testBase + 0xC000, Size: 0x4000, FileOffset: 0xC000, MaxProt: protR, InitProt: protR},
	}
}

// testCache describes a synthetic cache file.
type testCache struct {
	MappingOffset    uint32
	Magic            string
	UUID             types.UUID
	CacheType        cacheType
	Mappings         []CacheMappingInfo
	SharedRegionSize uint64
	DataSize         uint64

	Images         []string
	ImagesCountOld uint32 // overrides len(Images) in the legacy field
	ImagesCountNew uint32 // overrides len(Images) in the new field
	Trie           bool

	SubCaches []SubCacheEntry

	LocalSymbols   bool
	SymbolFileUUID types.UUID

	HashType  uint8 // defaults to SHA-256
	SlotDelta int   // added to the number of code slots
}

func newMainCache() *testCache {
	return &testCache{
		MappingOffset: sizeofCacheHeader,
		UUID:          testUUID(0x10),
		Mappings:      mainMappings(),
		DataSize:      testMainDataSize,
		Images:        testImages,
		Trie:          true,
		LocalSymbols:  true,
	}
}

func newSubCache(uuid types.UUID, addr uint64) *testCache {
	return &testCache{
		MappingOffset: sizeofCacheHeader,
		UUID:          uuid,
		CacheType:     CacheTypeProduction,
		Mappings: []CacheMappingInfo{
			{Address: addr, Size: testSubDataSize, FileOffset: 0, MaxProt: protR, InitProt: protR},
		},
		DataSize: testSubDataSize,
	}
}

func (tc *testCache) header() CacheHeader {
	var h CacheHeader
	magic := tc.Magic
	if len(magic) == 0 {
		magic = testArch
	}
	copy(h.Magic[:], magic)
	h.MappingOffset = tc.MappingOffset
	h.MappingCount = uint32(len(tc.Mappings))
	h.UUID = tc.UUID
	h.CacheType = tc.CacheType
	h.SharedRegionStart = tc.Mappings[0].Address
	h.SharedRegionSize = tc.SharedRegionSize
	h.SymbolFileUUID = tc.SymbolFileUUID

	if len(tc.Images) > 0 {
		h.ImagesOffsetOld = testImageTableOff
		h.ImagesCountOld = uint32(len(tc.Images))
		if tc.ImagesCountOld != 0 {
			h.ImagesCountOld = tc.ImagesCountOld
		}
		h.ImagesOffset = testImageTableOff
		h.ImagesCount = uint32(len(tc.Images))
		if tc.ImagesCountNew != 0 {
			h.ImagesCount = tc.ImagesCountNew
		}
	}
	if len(tc.SubCaches) > 0 {
		h.SubCacheArrayOffset = testSubCacheOff
		h.SubCacheArrayCount = uint32(len(tc.SubCaches))
	}
	if tc.LocalSymbols {
		h.LocalSymbolsOffset = testLocalSymsOff
		h.LocalSymbolsSize = testLocalSymsSize
	}
	return h
}

func putStruct(t *testing.T, dat []byte, off uint64, v any) {
	t.Helper()
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		t.Fatalf("binary.Write() error = %v", err)
	}
	copy(dat[off:], buf.Bytes())
}

// build returns the signed file contents.
func (tc *testCache) build(t *testing.T) []byte {
	t.Helper()

	dat := make([]byte, tc.DataSize)
	h := tc.header()

	var trie []byte
	if tc.Trie && len(tc.Images) > 0 {
		trie = buildTestTrie(tc.Images)
		h.DylibsTrieAddr = tc.Mappings[0].Address + testTrieOff
		h.DylibsTrieSize = uint64(len(trie))
		copy(dat[testTrieOff:], trie)
	}

	putStruct(t, dat, 0, &h)
	putStruct(t, dat, uint64(tc.MappingOffset), tc.Mappings)

	// images, their install names and mach_headers
	pathOff := uint64(testPathsOff)
	for i, path := range tc.Images {
		addr := tc.Mappings[0].Address + uint64(i+1)*0x1000
		putStruct(t, dat, testImageTableOff+uint64(i)*sizeofImageInfo, CacheImageInfo{
			Address:        addr,
			ModTime:        uint64(1700000000 + i),
			Inode:          uint64(100 + i),
			PathFileOffset: uint32(pathOff),
		})
		copy(dat[pathOff:], path)
		pathOff += uint64(len(path)) + 1

		putStruct(t, dat, uint64(i+1)*0x1000, [7]uint32{
			uint32(types.Magic64),
			0x0100000c, // arm64
			2,          // arm64e
			6,          // MH_DYLIB
			0, 0, 0,
		})
	}

	// sub-cache table
	stride := uint64(sizeofSubCacheEntryV1)
	if tc.MappingOffset > offsetCacheSubType {
		stride = sizeofSubCacheEntry
	}
	for i, sc := range tc.SubCaches {
		rec := dat[testSubCacheOff+uint64(i)*stride:]
		copy(rec[0:16], sc.UUID[:])
		binary.LittleEndian.PutUint64(rec[16:], sc.CacheVMOffset)
		if stride == sizeofSubCacheEntry {
			copy(rec[24:56], sc.FileSuffix)
		}
	}

	if tc.LocalSymbols {
		tc.putLocalSymbols(dat[testLocalSymsOff : testLocalSymsOff+testLocalSymsSize])
	}

	return tc.sign(dat)
}

func testSymbolName(image, n int) string {
	return "_local_" + string(rune('a'+image)) + string(rune('0'+n))
}

// putLocalSymbols writes two local symbols per image.
func (tc *testCache) putLocalSymbols(chunk []byte) {
	const (
		entriesOff = 0x20
		nlistOff   = 0x100
		stringsOff = 0x800
	)
	entries64 := tc.MappingOffset >= offsetSymbolFileUUID

	strs := []byte{0}
	var nlists []types.Nlist64
	for i := range tc.Images {
		for n := 0; n < 2; n++ {
			nlists = append(nlists, types.Nlist64{
				Nlist: types.Nlist{
					Name: uint32(len(strs)),
					Type: 0x0e, // N_SECT
					Sect: 1,
				},
				Value: tc.Mappings[0].Address + uint64(i+1)*0x1000 + uint64(n)*0x10,
			})
			strs = append(strs, testSymbolName(i, n)...)
			strs = append(strs, 0)
		}
	}

	info := CacheLocalSymbolsInfo{
		NlistOffset:   nlistOff,
		NlistCount:    uint32(len(nlists)),
		StringsOffset: stringsOff,
		StringsSize:   uint32(len(strs)),
		EntriesOffset: entriesOff,
		EntriesCount:  uint32(len(tc.Images)),
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, info)
	copy(chunk, buf.Bytes())

	for i := range tc.Images {
		dylibOffset := uint64(i+1) * 0x1000
		buf.Reset()
		if entries64 {
			binary.Write(&buf, binary.LittleEndian, CacheLocalSymbolsEntry64{
				DylibOffset:     dylibOffset,
				NlistStartIndex: uint32(i * 2),
				NlistCount:      2,
			})
		} else {
			binary.Write(&buf, binary.LittleEndian, CacheLocalSymbolsEntry{
				DylibOffset:     uint32(dylibOffset),
				NlistStartIndex: uint32(i * 2),
				NlistCount:      2,
			})
		}
		copy(chunk[entriesOff+uint64(i)*uint64(buf.Len()):], buf.Bytes())
	}

	buf.Reset()
	binary.Write(&buf, binary.LittleEndian, nlists)
	copy(chunk[nlistOff:], buf.Bytes())
	copy(chunk[stringsOff:], strs)
}

// sign appends an embedded signature holding one code directory that hashes
// every page of dat.
func (tc *testCache) sign(dat []byte) []byte {
	const (
		ident   = "dscmap.test\x00"
		cdStart = sizeofSuperBlob + sizeofBlobIndex
	)
	hashType := tc.HashType
	if hashType == 0 {
		hashType = csHashTypeSHA256
	}
	var newHash func() hash.Hash
	switch hashType {
	case csHashTypeSHA1:
		newHash = sha1.New
	default:
		newHash = sha256.New
	}
	hashSize := newHash().Size()
	pageSize := uint64(1) << testPageShift

	var total uint64
	for _, m := range tc.Mappings {
		total += m.Size
	}
	if tc.LocalSymbols {
		total += testLocalSymsSize
	}
	nSlots := int((total+pageSize-1)/pageSize) + tc.SlotDelta

	hashOffset := uint32(sizeofCodeDirectory + len(ident))
	cdLength := hashOffset + uint32(nSlots*hashSize)
	sbLength := uint32(cdStart) + cdLength
	csOff := uint64(len(dat))

	binary.LittleEndian.PutUint64(dat[0x28:], csOff)
	binary.LittleEndian.PutUint64(dat[0x30:], uint64(sbLength))

	sig := make([]byte, sbLength)
	binary.BigEndian.PutUint32(sig[0:], csMagicEmbeddedSignature)
	binary.BigEndian.PutUint32(sig[4:], sbLength)
	binary.BigEndian.PutUint32(sig[8:], 1)
	binary.BigEndian.PutUint32(sig[12:], csSlotCodeDirectory)
	binary.BigEndian.PutUint32(sig[16:], cdStart)

	var cdHdr bytes.Buffer
	binary.Write(&cdHdr, binary.BigEndian, CodeDirectory{
		Magic:       csMagicCodeDirectory,
		Length:      cdLength,
		Version:     0x20400,
		HashOffset:  hashOffset,
		IdentOffset: sizeofCodeDirectory,
		NCodeSlots:  uint32(nSlots),
		CodeLimit:   uint32(csOff),
		HashSize:    uint8(hashSize),
		HashType:    hashType,
		PageSize:    testPageShift,
	})
	cd := sig[cdStart:]
	copy(cd, cdHdr.Bytes())
	copy(cd[sizeofCodeDirectory:], ident)

	h := newHash()
	for i := 0; i < nSlots; i++ {
		start := uint64(i) * pageSize
		end := min(start+pageSize, csOff)
		h.Reset()
		if start < end {
			h.Write(dat[start:end])
		}
		copy(cd[int(hashOffset)+i*hashSize:], h.Sum(nil))
	}

	return append(dat, sig...)
}

type testTrieNode struct {
	terminal bool
	index    uint64
	edges    []string
	children []*testTrieNode
	offset   int
}

func (n *testTrieNode) size() int {
	sz := 1 + 1 // terminal size, child count
	if n.terminal {
		sz += 1 // index < 128
	}
	for _, e := range n.edges {
		sz += len(e) + 1 + 2
	}
	return sz
}

// buildTestTrie builds a dylibs trie over the three test images with a shared
// "/usr/lib/lib" edge. Child offsets use a fixed two byte ULEB128 encoding.
func buildTestTrie(paths []string) []byte {
	root := &testTrieNode{}
	usr := &testTrieNode{}
	var nodes []*testTrieNode
	nodes = append(nodes, root)
	for i, p := range paths {
		leaf := &testTrieNode{terminal: true, index: uint64(i)}
		if rest, ok := bytes.CutPrefix([]byte(p), []byte("/usr/lib/lib")); ok {
			usr.edges = append(usr.edges, string(rest))
			usr.children = append(usr.children, leaf)
		} else {
			root.edges = append(root.edges, p)
			root.children = append(root.children, leaf)
		}
		nodes = append(nodes, leaf)
	}
	if len(usr.edges) > 0 {
		root.edges = append(root.edges, "/usr/lib/lib")
		root.children = append(root.children, usr)
		nodes = append(nodes, usr)
	}

	off := 0
	for _, n := range nodes {
		n.offset = off
		off += n.size()
	}

	out := make([]byte, 0, off)
	for _, n := range nodes {
		if n.terminal {
			out = append(out, 1, byte(n.index))
		} else {
			out = append(out, 0)
		}
		out = append(out, byte(len(n.edges)))
		for i, e := range n.edges {
			out = append(out, e...)
			out = append(out, 0)
			c := n.children[i].offset
			out = append(out, byte(c&0x7f)|0x80, byte(c>>7))
		}
	}
	return out
}

func writeTestFile(t *testing.T, dir, name string, dat []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, dat, 0o644); err != nil {
		t.Fatalf("os.WriteFile(%s) error = %v", path, err)
	}
	return path
}
