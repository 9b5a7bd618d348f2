package dyld

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"sync"
	"sync/atomic"

	"github.com/apex/log"
	"github.com/pjbgf/sha1cd"
	"golang.org/x/sync/errgroup"
)

const (
	csMagicEmbeddedSignature = 0xfade0cc0 // embedded form of signature data
	csMagicCodeDirectory     = 0xfade0c02 // CodeDirectory blob

	csSlotCodeDirectory = 0

	csHashTypeSHA1   = 1
	csHashTypeSHA256 = 2

	sizeofSuperBlob     = 12
	sizeofBlobIndex     = 8
	sizeofCodeDirectory = 44 // through spare2
)

// CodeDirectory is the fixed prefix of a CS_CodeDirectory blob (big-endian on disk).
type CodeDirectory struct {
	Magic         uint32
	Length        uint32
	Version       uint32
	Flags         uint32
	HashOffset    uint32
	IdentOffset   uint32
	NSpecialSlots uint32
	NCodeSlots    uint32
	CodeLimit     uint32
	HashSize      uint8
	HashType      uint8
	Platform      uint8
	PageSize      uint8 // log2(page size in bytes); 0 => infinite
	Spare2        uint32
}

// Validator checks a cache file's pages against its embedded code directory.
//
// Pages inside a mapping whose max protection allows writing are skipped; they
// may legitimately differ from what was signed.
type Validator struct {
	Path     string
	Header   *HeaderView
	Mappings []CacheMappingInfo
	Workers  int                  // > 1 hashes pages concurrently
	Progress func(done, total int) // called once per processed page; must be safe for concurrent use when Workers > 1
}

func (v *Validator) fail(kind error) *IntegrityError {
	return integrityErr(kind, v.Path)
}

// ParseCodeDirectory locates the code directory inside the embedded signature of
// dat (the whole cache file) and returns it with its offset in dat.
func (v *Validator) ParseCodeDirectory(dat []byte) (*CodeDirectory, uint64, error) {
	size := uint64(len(dat))
	csOff := v.Header.CodeSignatureOffset

	if required := csOff + sizeofSuperBlob; required < csOff || size < required {
		e := v.fail(ErrSignatureTooSmall)
		e.Expected = fmt.Sprintf("%#x bytes", csOff+sizeofSuperBlob)
		e.Found = fmt.Sprintf("%#x bytes", size)
		return nil, 0, e
	}

	if m := binary.BigEndian.Uint32(dat[csOff:]); m != csMagicEmbeddedSignature {
		e := v.fail(ErrSuperBlobMagic)
		e.Expected = fmt.Sprintf("%#08x", csMagicEmbeddedSignature)
		e.Found = fmt.Sprintf("%#08x", m)
		return nil, 0, e
	}
	sbLength := uint64(binary.BigEndian.Uint32(dat[csOff+4:]))
	count := uint64(binary.BigEndian.Uint32(dat[csOff+8:]))
	if csOff+sbLength > size {
		e := v.fail(ErrSignatureTooSmall)
		e.Expected = fmt.Sprintf("%#x bytes", csOff+sbLength)
		e.Found = fmt.Sprintf("%#x bytes", size)
		return nil, 0, e
	}
	if sizeofSuperBlob+count*sizeofBlobIndex > sbLength {
		return nil, 0, v.fail(ErrCodeDirectoryBounds)
	}

	cdOff := uint64(0)
	found := false
	for i := uint64(0); i < count; i++ {
		idx := csOff + sizeofSuperBlob + i*sizeofBlobIndex
		if binary.BigEndian.Uint32(dat[idx:]) == csSlotCodeDirectory {
			cdOff = uint64(binary.BigEndian.Uint32(dat[idx+4:]))
			found = true
			break
		}
	}
	if !found {
		return nil, 0, v.fail(ErrCodeDirectoryMissing)
	}
	if cdOff+sizeofCodeDirectory > sbLength {
		e := v.fail(ErrCodeDirectoryBounds)
		e.Expected = fmt.Sprintf("<= %#x", sbLength)
		e.Found = fmt.Sprintf("%#x", cdOff+sizeofCodeDirectory)
		return nil, 0, e
	}

	var cd CodeDirectory
	if err := binary.Read(bytes.NewReader(dat[csOff+cdOff:csOff+cdOff+sizeofCodeDirectory]), binary.BigEndian, &cd); err != nil {
		return nil, 0, err
	}
	if cd.Magic != csMagicCodeDirectory {
		e := v.fail(ErrCodeDirectoryMagic)
		e.Expected = fmt.Sprintf("%#08x", csMagicCodeDirectory)
		e.Found = fmt.Sprintf("%#08x", cd.Magic)
		return nil, 0, e
	}
	slotsEnd := cdOff + uint64(cd.HashOffset) + uint64(cd.NCodeSlots)*uint64(cd.HashSize)
	if slotsEnd > sbLength {
		e := v.fail(ErrCodeDirectoryBounds)
		e.Expected = fmt.Sprintf("<= %#x", sbLength)
		e.Found = fmt.Sprintf("%#x", slotsEnd)
		return nil, 0, e
	}

	return &cd, csOff + cdOff, nil
}

func (v *Validator) localSymbolsSize() uint64 {
	if v.Header.Caps.HasLocalSymbolsInfo {
		return v.Header.LocalSymbolsSize
	}
	return 0
}

// writable reports whether file offset off lies in a mapping that may be written to.
func (v *Validator) writable(off uint64) bool {
	for _, m := range v.Mappings {
		if m.MaxProt.Write() && m.ContainsFileOffset(off) {
			return true
		}
	}
	return false
}

// Validate checks every signed page of dat, the whole contents of the cache file.
func (v *Validator) Validate(dat []byte) error {
	cd, cdOff, err := v.ParseCodeDirectory(dat)
	if err != nil {
		return err
	}

	if cd.PageSize >= 32 {
		return formatErr(v.Path, cdOff, "invalid code directory page size", cd.PageSize)
	}
	pageSize := uint64(1) << cd.PageSize

	var total uint64
	for _, m := range v.Mappings {
		total += m.Size
	}
	localSyms := v.localSymbolsSize()
	total += localSyms

	required := (total + pageSize - 1) / pageSize
	if uint64(cd.NCodeSlots) < required {
		e := v.fail(ErrSlotCount)
		e.Expected = fmt.Sprintf(">= %d", required)
		e.Found = fmt.Sprintf("%d", cd.NCodeSlots)
		return e
	}

	var newHash func() hash.Hash
	switch cd.HashType {
	case csHashTypeSHA1:
		newHash = sha1cd.New
	case csHashTypeSHA256:
		newHash = sha256.New
	default:
		log.WithFields(log.Fields{
			"path":      v.Path,
			"hash_type": cd.HashType,
		}).Warn("Unknown code signature hash type, cache accepted without page verification")
		return nil
	}
	if sz := newHash().Size(); int(cd.HashSize) != sz {
		return formatErr(v.Path, cdOff, "code directory hash size does not match hash type", cd.HashSize)
	}

	limit := uint64(len(dat))
	if cd.CodeLimit != 0 && uint64(cd.CodeLimit) < limit {
		limit = uint64(cd.CodeLimit)
	}

	pages := int((total - localSyms + pageSize - 1) / pageSize)
	slots := cdOff + uint64(cd.HashOffset)
	hashSize := uint64(cd.HashSize)

	checkPage := func(h hash.Hash, page int) error {
		off := uint64(page) * pageSize
		if v.writable(off) {
			return nil
		}
		end := min(off+pageSize, limit)
		h.Reset()
		if off < end {
			h.Write(dat[off:end])
		}
		sum := h.Sum(nil)
		want := dat[slots+uint64(page)*hashSize : slots+uint64(page+1)*hashSize]
		if !bytes.Equal(sum, want) {
			e := v.fail(ErrPageHash)
			e.Page = page
			e.Expected = hex.EncodeToString(want)
			e.Found = hex.EncodeToString(sum)
			return e
		}
		return nil
	}

	log.WithFields(log.Fields{
		"path":      v.Path,
		"pages":     pages,
		"page_size": pageSize,
	}).Debug("Validating code signature")

	if v.Workers <= 1 {
		h := newHash()
		for page := 0; page < pages; page++ {
			if err := checkPage(h, page); err != nil {
				return err
			}
			if v.Progress != nil {
				v.Progress(page+1, pages)
			}
		}
		return nil
	}

	return v.validateParallel(pages, newHash, checkPage)
}

// validateParallel splits the pages between v.Workers goroutines and reports the
// lowest failing page, matching what a sequential pass would return.
func (v *Validator) validateParallel(pages int, newHash func() hash.Hash, checkPage func(hash.Hash, int) error) error {
	var (
		mu      sync.Mutex
		failed  *IntegrityError
		lowest  atomic.Int64
		done    atomic.Int64
		next    atomic.Int64
		workers = min(v.Workers, pages)
	)
	lowest.Store(int64(pages))

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			h := newHash()
			for {
				page := int(next.Add(1) - 1)
				if page >= pages || int64(page) > lowest.Load() {
					return nil
				}
				if err := checkPage(h, page); err != nil {
					ierr, ok := err.(*IntegrityError)
					if !ok {
						return err
					}
					mu.Lock()
					if failed == nil || ierr.Page < failed.Page {
						failed = ierr
						lowest.Store(int64(ierr.Page))
					}
					mu.Unlock()
					continue
				}
				if v.Progress != nil {
					v.Progress(int(done.Add(1)), pages)
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if failed != nil {
		return failed
	}
	return nil
}

// ValidateBytes validates dat, the full contents of a cache file.
func ValidateBytes(dat []byte, config ...*Config) error {
	if len(dat) < firstPageSize {
		return formatErr("", 0, "cache is smaller than one page", len(dat))
	}
	hdr, err := ParseHeader(dat[:firstPageSize])
	if err != nil {
		return err
	}
	mappings, err := hdr.MappingsFrom(dat[:firstPageSize])
	if err != nil {
		return err
	}
	conf := getConfig(config...)
	v := &Validator{
		Header:   hdr,
		Mappings: mappings,
		Workers:  conf.Workers,
		Progress: conf.Progress,
	}
	return v.Validate(dat)
}
