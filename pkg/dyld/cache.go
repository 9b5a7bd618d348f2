package dyld

import (
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

// Config is the dyld shared cache loader config
type Config struct {
	// VerifyOnLoad validates each file's code signature before its segments are mapped
	VerifyOnLoad bool
	// Workers is the number of goroutines hashing pages during validation (0 or 1 is sequential)
	Workers int
	// Progress is called as pages are validated
	Progress func(done, total int)
	// SkipLocalSymbols defers loading local symbols until LocalSymbols is called
	SkipLocalSymbols bool
}

func getConfig(config ...*Config) *Config {
	if len(config) > 0 && config[0] != nil {
		return config[0]
	}
	return &Config{}
}

// Cache is a main dyld shared cache together with its sub-caches, mapped
// into one contiguous region.
type Cache struct {
	Path      string
	Main      *MappedCache
	SubCaches []*MappedCache
	Images    *ImageTable

	config *Config

	symMu      sync.Mutex // guards the fields below
	symLoaded  bool
	symbols    *LocalSymbolIndex
	symbolsErr error
	symbolsMap []byte
}

// Open maps the cache at name and all of its sub-caches.
// On error nothing stays mapped.
func Open(name string, config ...*Config) (*Cache, error) {
	conf := getConfig(config...)

	main, err := MapCacheFile(name, conf)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		Path:   name,
		Main:   main,
		config: conf,
	}

	c.SubCaches, err = ResolveSubCaches(main, conf)
	if err != nil {
		main.Region().Close()
		return nil, err
	}

	c.Images, err = NewImageTable(main)
	if err != nil {
		main.Region().Close()
		return nil, err
	}

	if !conf.SkipLocalSymbols {
		if _, err := c.LocalSymbols(); err != nil {
			c.Close()
			return nil, err
		}
	}

	log.WithFields(log.Fields{
		"path":       name,
		"sub_caches": len(c.SubCaches),
		"images":     c.Images.ImageCount(),
	}).Debug("Opened dyld shared cache")

	return c, nil
}

// Close unmaps the region along with the local symbols file, if it was mapped.
// Slices and images handed out by the cache must not be used afterwards.
func (c *Cache) Close() error {
	err := c.Main.Region().Close()

	c.symMu.Lock()
	defer c.symMu.Unlock()
	if c.symbols != nil {
		dat := c.symbolsMap
		if uerr := c.symbols.close(func() error { return unmapWholeFile(dat) }); uerr != nil && err == nil {
			err = uerr
		}
	}
	c.symLoaded = true
	c.symbols = nil
	c.symbolsMap = nil
	c.symbolsErr = ErrUnmapped
	return err
}

// Caches returns the main cache followed by its sub-caches.
func (c *Cache) Caches() []*MappedCache {
	return append([]*MappedCache{c.Main}, c.SubCaches...)
}

// UUID returns the main cache's UUID.
func (c *Cache) UUID() types.UUID {
	return c.Main.UUID
}

// Validate checks the code signature of every file in the cache.
func (c *Cache) Validate() error {
	for _, mc := range c.Caches() {
		if err := mc.Validate(c.config); err != nil {
			return err
		}
	}
	return nil
}

// Bytes returns n mapped bytes at unslid address addr.
func (c *Cache) Bytes(addr, n uint64) ([]byte, error) {
	off, err := c.regionOffset(addr)
	if err != nil {
		return nil, err
	}
	return c.Main.Region().Slice(off, n)
}

// CString returns the NUL terminated string at unslid address addr.
func (c *Cache) CString(addr uint64) (string, error) {
	off, err := c.regionOffset(addr)
	if err != nil {
		return "", err
	}
	return c.Main.Region().CString(off)
}

func (c *Cache) regionOffset(addr uint64) (uint64, error) {
	base := c.Main.UnslidLoadAddress()
	if addr < base {
		return 0, errors.Errorf("address %#x is outside the shared region", addr)
	}
	return addr - base, nil
}

// ForEachImage calls fn with the mach_header and install name of every image.
func (c *Cache) ForEachImage(fn func(hdr *types.FileHeader, path string)) error {
	return c.Images.ForEachImage(fn)
}

// LocalSymbolsPath returns the file holding the cache's local symbols.
func (c *Cache) LocalSymbolsPath() string {
	if c.Main.HasLocalSymbolsFile() {
		return strings.TrimSuffix(c.Path, DevelopmentExt) + SymbolsExt
	}
	return c.Path
}

// LocalSymbols maps the local symbols of the cache on first use.
func (c *Cache) LocalSymbols() (*LocalSymbolIndex, error) {
	c.symMu.Lock()
	defer c.symMu.Unlock()
	if !c.symLoaded {
		c.symbols, c.symbolsMap, c.symbolsErr = c.loadLocalSymbols()
		c.symLoaded = true
	}
	return c.symbols, c.symbolsErr
}

func (c *Cache) loadLocalSymbols() (*LocalSymbolIndex, []byte, error) {
	path := c.LocalSymbolsPath()

	cf, err := openCacheFile(path)
	if err != nil {
		return nil, nil, err
	}
	defer cf.Close()

	if c.Main.HasLocalSymbolsFile() && cf.hdr.UUID != c.Main.SymbolFileUUID {
		e := integrityErr(ErrUUIDMismatch, path)
		e.Expected = UUIDString(c.Main.SymbolFileUUID)
		e.Found = UUIDString(cf.hdr.UUID)
		return nil, nil, e
	}

	dat, err := mapWholeFile(cf.File, cf.size)
	if err != nil {
		return nil, nil, &MappingError{Path: path, Segment: -1, Err: err}
	}
	idx, err := NewLocalSymbolIndex(path, dat, cf.hdr)
	if err != nil {
		unmapWholeFile(dat)
		return nil, nil, err
	}
	log.WithFields(log.Fields{
		"path":    path,
		"entries": idx.EntryCount(),
		"nlists":  idx.NlistCount(),
	}).Debug("Loaded local symbols")

	return idx, dat, nil
}

// ForEachLocalSymbolEntry calls fn for every local symbols entry until fn returns false.
func (c *Cache) ForEachLocalSymbolEntry(fn func(dylibOffset uint64, nlistStartIndex, nlistCount uint32) bool) error {
	idx, err := c.LocalSymbols()
	if err != nil {
		return err
	}
	return idx.ForEachEntry(fn)
}

// LocalSymbolsForImage returns the names of the local symbols of the image
// installed at path. Entries are matched to images by position. The result is
// empty when the file holding the symbols is not a 64-bit cache.
func (c *Cache) LocalSymbolsForImage(path string) ([]string, error) {
	idx, err := c.LocalSymbols()
	if err != nil {
		return nil, err
	}
	is64 := strings.Contains(idx.Arch, "64")

	var (
		syms  = []string{}
		found bool
		ierr  error
		index int
	)
	if err := idx.ForEachEntry(func(_ uint64, start, count uint32) bool {
		p, err := c.Images.ImagePath(index)
		if err != nil {
			ierr = err
			return false
		}
		if p == path {
			found = true
			if is64 {
				syms, ierr = idx.Symbols(start, count)
			}
			return false
		}
		index++
		return true
	}); err != nil {
		return nil, err
	}
	if ierr != nil {
		return nil, ierr
	}
	if !found {
		return nil, errors.Errorf("no local symbols entry for %s", path)
	}
	return syms, nil
}
