package dyld

import (
	"io"
	"os"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// MappedCache is one cache file projected into a Region.
type MappedCache struct {
	*HeaderView

	Path     string
	Size     int64
	Mappings []CacheMappingInfo

	region *Region
	offset uint64   // region offset of Mappings[0]
	file   *os.File // the file the segments were mapped from, owned by region
}

type cacheFile struct {
	*os.File
	path     string
	size     int64
	hdr      *HeaderView
	mappings []CacheMappingInfo
}

func withPath(err error, path string) error {
	var ferr *FormatError
	if errors.As(err, &ferr) && len(ferr.Path) == 0 {
		ferr.Path = path
	}
	return err
}

// openCacheFile opens path and decodes its header and mapping table from the first page.
func openCacheFile(path string) (*cacheFile, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, &IOError{Op: "stat", Path: path, Err: err}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}

	page := make([]byte, firstPageSize)
	n, err := f.ReadAt(page, 0)
	if n != firstPageSize {
		f.Close()
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, &IOError{Op: "pread", Path: path, Err: err}
	}

	hdr, err := ParseHeader(page)
	if err != nil {
		f.Close()
		return nil, withPath(err, path)
	}
	mappings, err := hdr.MappingsFrom(page)
	if err != nil {
		f.Close()
		return nil, withPath(err, path)
	}

	return &cacheFile{
		File:     f,
		path:     path,
		size:     fi.Size(),
		hdr:      hdr,
		mappings: mappings,
	}, nil
}

// MapCacheFile maps the main cache file at path into a freshly reserved region
// large enough for the whole cache set.
func MapCacheFile(path string, config ...*Config) (*MappedCache, error) {
	conf := getConfig(config...)

	cf, err := openCacheFile(path)
	if err != nil {
		return nil, err
	}
	adopted := false
	defer func() {
		if !adopted {
			cf.Close()
		}
	}()

	if conf.VerifyOnLoad {
		if err := cf.validate(conf); err != nil {
			return nil, err
		}
	}

	first := cf.mappings[0]
	last := cf.mappings[len(cf.mappings)-1]
	vmSize := last.End() - first.Address
	if cf.hdr.Caps.HasSharedRegionSize && cf.hdr.SharedRegionSize != 0 {
		vmSize = cf.hdr.SharedRegionSize
	}
	if vmSize < last.End()-first.Address {
		return nil, formatErr(path, offsetSharedRegionSize, "shared region is smaller than the cache mappings", vmSize)
	}

	region, err := reserve(vmSize)
	if err != nil {
		return nil, &MappingError{Path: path, Segment: -1, Err: err}
	}
	log.WithFields(log.Fields{
		"path": path,
		"size": humanize.IBytes(vmSize),
	}).Debug("Reserved shared region")

	mc := &MappedCache{
		HeaderView: cf.hdr,
		Path:       path,
		Size:       cf.size,
		Mappings:   cf.mappings,
		region:     region,
		file:       cf.File,
	}
	if err := mc.placeSegments(cf); err != nil {
		region.Close()
		return nil, err
	}
	if err := region.adopt(cf.File); err != nil {
		region.Close()
		return nil, err
	}
	adopted = true

	return mc, nil
}

// MapSubCache maps the sub-cache file at path into m's region, anchored on
// m's unslid load address. m must be the main cache of the set.
func (m *MappedCache) MapSubCache(path string, config ...*Config) (*MappedCache, error) {
	conf := getConfig(config...)

	cf, err := openCacheFile(path)
	if err != nil {
		return nil, err
	}
	adopted := false
	defer func() {
		if !adopted {
			cf.Close()
		}
	}()

	if conf.VerifyOnLoad {
		if err := cf.validate(conf); err != nil {
			return nil, err
		}
	}

	sharedBase := m.UnslidLoadAddress()
	first := cf.mappings[0]
	last := cf.mappings[len(cf.mappings)-1]
	if first.Address < sharedBase {
		return nil, formatErr(path, uint64(cf.hdr.MappingOffset), "sub-cache maps below the shared base address", first.Address)
	}
	subOffset := first.Address - sharedBase
	if subOffset+(last.End()-first.Address) > m.region.Size() {
		return nil, formatErr(path, uint64(cf.hdr.MappingOffset), "sub-cache extends past the reserved shared region", last.End())
	}

	sc := &MappedCache{
		HeaderView: cf.hdr,
		Path:       path,
		Size:       cf.size,
		Mappings:   cf.mappings,
		region:     m.region,
		offset:     subOffset,
		file:       cf.File,
	}
	if err := sc.placeSegments(cf); err != nil {
		return nil, err
	}
	if err := m.region.adopt(cf.File); err != nil {
		return nil, err
	}
	adopted = true

	return sc, nil
}

func (m *MappedCache) placeSegments(cf *cacheFile) error {
	first := m.Mappings[0]
	for i, mapping := range m.Mappings {
		off := m.offset + (mapping.Address - first.Address)
		if err := m.region.place(int(cf.Fd()), off, mapping); err != nil {
			return &MappingError{Path: m.Path, Segment: i, Err: err}
		}
		log.WithFields(log.Fields{
			"prot": mapping.MaxProt.String(),
			"size": humanize.IBytes(mapping.Size),
		}).Debugf("Mapping %#x -> (%#x-%#x)", mapping.FileOffset, off, off+mapping.Size)
	}
	return nil
}

// UnslidLoadAddress returns the address the first mapping was built to load at.
func (m *MappedCache) UnslidLoadAddress() uint64 {
	return m.Mappings[0].Address
}

// Region returns the region the cache is mapped into.
func (m *MappedCache) Region() *Region {
	return m.region
}

// RegionOffset returns the region offset of the byte at file offset off.
func (m *MappedCache) RegionOffset(off uint64) (uint64, error) {
	first := m.Mappings[0]
	for _, mapping := range m.Mappings {
		if mapping.ContainsFileOffset(off) {
			return m.offset + (mapping.Address - first.Address) + (off - mapping.FileOffset), nil
		}
	}
	return 0, formatErr(m.Path, off, "file offset is not in any mapping", nil)
}

// ReadAtFileOffset returns n mapped bytes starting at file offset off.
func (m *MappedCache) ReadAtFileOffset(off, n uint64) ([]byte, error) {
	roff, err := m.RegionOffset(off)
	if err != nil {
		return nil, err
	}
	dat, err := m.region.Slice(roff, n)
	if err != nil {
		return nil, withPath(err, m.Path)
	}
	return dat, nil
}

// Validate checks the code signature of the file m was mapped from. That file
// stays open while m is mapped, so replacing the path on disk does not change
// which bytes are checked.
func (m *MappedCache) Validate(config ...*Config) error {
	dat, err := m.region.mapFile(m.file, m.Size)
	if err != nil {
		if errors.Is(err, ErrUnmapped) {
			return err
		}
		return &MappingError{Path: m.Path, Segment: -1, Err: err}
	}
	defer unmapWholeFile(dat)
	return validateFile(m.Path, m.HeaderView, m.Mappings, dat, getConfig(config...))
}

func (cf *cacheFile) validate(conf *Config) error {
	dat, err := mapWholeFile(cf.File, cf.size)
	if err != nil {
		return &MappingError{Path: cf.path, Segment: -1, Err: err}
	}
	defer unmapWholeFile(dat)
	return validateFile(cf.path, cf.hdr, cf.mappings, dat, conf)
}

func validateFile(path string, hdr *HeaderView, mappings []CacheMappingInfo, dat []byte, conf *Config) error {
	v := &Validator{
		Path:     path,
		Header:   hdr,
		Mappings: mappings,
		Workers:  conf.Workers,
		Progress: conf.Progress,
	}
	return v.Validate(dat)
}
