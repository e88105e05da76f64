//go:build !linux && !darwin

package shm

import "os"

func mmap(*os.File, int, bool) ([]byte, error) {
	return nil, ErrUnsupported
}

func munmap([]byte) error {
	return nil
}
