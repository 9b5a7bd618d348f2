//go:build !unix

package dyld

import (
	"errors"
	"os"
)

func reserve(size uint64) (*Region, error) {
	return nil, errors.ErrUnsupported
}

func (r *Region) place(fd int, off uint64, m CacheMappingInfo) error {
	return errors.ErrUnsupported
}

func release(mem []byte) error { return nil }

func mapWholeFile(f *os.File, size int64) ([]byte, error) {
	return nil, errors.ErrUnsupported
}

func unmapWholeFile(b []byte) error { return nil }
