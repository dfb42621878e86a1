//go:build !unix

package mem

import (
	"errors"
	"os"
)

var errPinUnsupported = errors.New("page locking not supported on this platform")

func pageSize() int {
	return os.Getpagesize()
}

func mapAnon(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmap([]byte) error {
	return nil
}

func lock([]byte) error {
	return errPinUnsupported
}

func unlock([]byte) error {
	return nil
}
