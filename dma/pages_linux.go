//go:build linux && !race

package dma

import "golang.org/x/sys/unix"

// allocPages maps an anonymous, page-backed region.
func allocPages(n int) ([]byte, error) {
	return unix.Mmap(-1, 0, n,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE,
	)
}

func freePages(b []byte) error { return unix.Munmap(b) }
