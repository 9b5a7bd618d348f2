package dyld

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/go-macho/types"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	sizeofMachHeader64 = 32
	imageLookupCache   = 1024
)

// Image is a dylib in the cache.
type Image struct {
	CacheImageInfo

	Index        int
	Path         string
	Header       types.FileHeader
	RegionOffset uint64 // offset of the mach_header in the cache region
}

func (i *Image) String() string {
	return fmt.Sprintf("%4d: %#x %s", i.Index+1, i.Address, i.Path)
}

// ImageTable is a read-only view of the main cache's image array.
type ImageTable struct {
	cache *MappedCache
	infos []CacheImageInfo
	memo  *lru.Cache[string, int]
}

// NewImageTable decodes the image array of the main cache m.
func NewImageTable(m *MappedCache) (*ImageTable, error) {
	t := &ImageTable{cache: m}

	memo, err := lru.New[string, int](imageLookupCache)
	if err != nil {
		return nil, err
	}
	t.memo = memo

	count := uint64(m.ImagesCount())
	if count == 0 {
		return t, nil
	}
	dat, err := m.ReadAtFileOffset(uint64(m.ImagesOffset()), count*sizeofImageInfo)
	if err != nil {
		return nil, err
	}
	t.infos = make([]CacheImageInfo, count)
	if err := binary.Read(bytes.NewReader(dat), binary.LittleEndian, t.infos); err != nil {
		return nil, err
	}

	return t, nil
}

// ImageCount returns the number of images the header declares.
func (t *ImageTable) ImageCount() uint32 {
	return t.cache.ImagesCount()
}

// unsplit checks that image path offsets can be used as region offsets.
func (t *ImageTable) unsplit() error {
	if t.cache.Mappings[0].FileOffset != 0 {
		return formatErr(t.cache.Path, uint64(t.cache.MappingOffset), "first mapping does not start at file offset 0", t.cache.Mappings[0].FileOffset)
	}
	return nil
}

func (t *ImageTable) image(i int) (*Image, error) {
	info := t.infos[i]
	first := t.cache.Mappings[0]
	if info.Address < first.Address {
		return nil, formatErr(t.cache.Path, uint64(t.cache.ImagesOffset())+uint64(i)*sizeofImageInfo, "image address is below the cache base", fmt.Sprintf("%#x", info.Address))
	}

	region := t.cache.Region()
	img := &Image{
		CacheImageInfo: info,
		Index:          i,
		RegionOffset:   t.cache.offset + (info.Address - first.Address),
	}

	path, err := region.CString(t.cache.offset + uint64(info.PathFileOffset))
	if err != nil {
		return nil, withPath(err, t.cache.Path)
	}
	img.Path = path

	dat, err := region.Slice(img.RegionOffset, sizeofMachHeader64)
	if err != nil {
		return nil, withPath(err, t.cache.Path)
	}
	if err := binary.Read(bytes.NewReader(dat), binary.LittleEndian, &img.Header); err != nil {
		return nil, err
	}

	return img, nil
}

// Image returns the image at index i.
func (t *ImageTable) Image(i int) (*Image, error) {
	if i < 0 || i >= len(t.infos) {
		return nil, fmt.Errorf("image index %d out of range (%d images)", i, len(t.infos))
	}
	if err := t.unsplit(); err != nil {
		return nil, err
	}
	return t.image(i)
}

// ForEachDylib calls fn for every image in file order until fn returns false.
// Aliases are not skipped.
func (t *ImageTable) ForEachDylib(fn func(img *Image) bool) error {
	if err := t.unsplit(); err != nil {
		return err
	}
	for i := range t.infos {
		img, err := t.image(i)
		if err != nil {
			return err
		}
		if i == 0 {
			log.Debugf("First image offset %#x", img.RegionOffset)
		}
		if !fn(img) {
			break
		}
	}
	return nil
}

// ForEachImage calls fn with the mach_header and install name of every image.
func (t *ImageTable) ForEachImage(fn func(hdr *types.FileHeader, path string)) error {
	return t.ForEachDylib(func(img *Image) bool {
		fn(&img.Header, img.Path)
		return true
	})
}

// ImagePath returns the install name of the image at index i.
func (t *ImageTable) ImagePath(i int) (string, error) {
	if i < 0 || i >= len(t.infos) {
		return "", fmt.Errorf("image index %d out of range (%d images)", i, len(t.infos))
	}
	if err := t.unsplit(); err != nil {
		return "", err
	}
	return t.cache.Region().CString(t.cache.offset + uint64(t.infos[i].PathFileOffset))
}

// FindImageIndex returns the index of the image installed at path.
func (t *ImageTable) FindImageIndex(path string) (int, bool) {
	if idx, ok := t.memo.Get(path); ok {
		return idx, true
	}

	idx, ok := t.lookupTrie(path)
	if !ok {
		idx, ok = t.lookupLinear(path)
	}
	if ok {
		t.memo.Add(path, idx)
	}
	return idx, ok
}

// ImageForPath returns the image installed at path.
func (t *ImageTable) ImageForPath(path string) (*Image, error) {
	idx, ok := t.FindImageIndex(path)
	if !ok {
		return nil, fmt.Errorf("image not found in cache: %s", path)
	}
	return t.Image(idx)
}

func (t *ImageTable) lookupLinear(path string) (int, bool) {
	for i := range t.infos {
		p, err := t.ImagePath(i)
		if err != nil {
			return 0, false
		}
		if p == path {
			return i, true
		}
	}
	return 0, false
}

// trieData returns the mapped dylibs trie, if the header has one.
func (t *ImageTable) trieData() ([]byte, bool) {
	h := t.cache.HeaderView
	if !h.Caps.HasTrieLookup || h.DylibsTrieAddr == 0 || h.DylibsTrieSize == 0 {
		return nil, false
	}
	first := t.cache.Mappings[0]
	if h.DylibsTrieAddr < first.Address {
		return nil, false
	}
	dat, err := t.cache.Region().Slice(t.cache.offset+(h.DylibsTrieAddr-first.Address), h.DylibsTrieSize)
	if err != nil {
		log.WithError(err).Debug("dylibs trie is not readable")
		return nil, false
	}
	return dat, true
}

func (t *ImageTable) lookupTrie(path string) (int, bool) {
	dat, ok := t.trieData()
	if !ok {
		return 0, false
	}
	idx, err := walkTrie(dat, path)
	if err != nil || idx >= uint64(len(t.infos)) {
		return 0, false
	}
	// the trie is an index only; the image array is authoritative
	if p, err := t.ImagePath(int(idx)); err != nil || p != path {
		return 0, false
	}
	return int(idx), true
}

// TrieEntries returns every path in the dylibs trie with its image index.
func (t *ImageTable) TrieEntries() (map[string]int, error) {
	dat, ok := t.trieData()
	if !ok {
		return nil, nil
	}
	entries, err := parseTrie(dat)
	if err != nil {
		return nil, err
	}
	m := make(map[string]int, len(entries))
	for _, e := range entries {
		m[e.Path] = int(e.Index)
	}
	return m, nil
}
