// Package dma models memory that a device reaches by physical address.
//
// A Space hands out device-visible regions for rings and shared control
// blocks and keeps the translation from physical addresses back to host
// bytes. Packet buffers are made visible for the duration of a transfer
// through a Map obtained from a Tag, which bounds how many segments one
// transfer may occupy.
package dma

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

// PageSize is the granularity of physical address assignment.
const PageSize = 4096

var (
	ErrNotMapped       = errors.New("physical address not mapped")
	ErrTooManySegments = errors.New("buffer exceeds the tag's segment budget")
	ErrLoadFailed      = errors.New("mapping failed")
	ErrAlreadyLoaded   = errors.New("map already loaded")
	ErrBadAlignment    = errors.New("alignment must be a power of two no larger than a page")
	ErrZeroSize        = errors.New("size must be > 0")
)

// Addr is a device-visible physical address.
type Addr uint64

type extent struct {
	base Addr
	buf  []byte
}

func extentLess(a, b extent) bool { return a.base < b.base }

// Space is a device physical address space. It is safe for concurrent
// use by a driver and the device it drives.
type Space struct {
	lock      sync.RWMutex
	extents   *btree.BTreeG[extent]
	next      Addr
	failLoads atomic.Int32
}

// NewSpace returns an empty address space. Address 0 is never assigned.
func NewSpace() *Space {
	return &Space{
		extents: btree.NewG(8, extentLess),
		next:    PageSize,
	}
}

// register assigns a page aligned physical range to buf. A guard page
// separates consecutive extents so an overrun never lands in a neighbour.
func (s *Space) register(buf []byte) Addr {
	s.lock.Lock()
	defer s.lock.Unlock()
	base := s.next
	pages := (Addr(len(buf)) + PageSize - 1) / PageSize
	s.next += (pages + 1) * PageSize
	s.extents.ReplaceOrInsert(extent{base: base, buf: buf})
	return base
}

func (s *Space) unregister(base Addr) {
	s.lock.Lock()
	s.extents.Delete(extent{base: base})
	s.lock.Unlock()
}

// Mapped reports the number of live extents.
func (s *Space) Mapped() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.extents.Len()
}

// Translate returns the n host bytes backing [pa, pa+n).
// The range must lie within a single extent.
func (s *Space) Translate(pa Addr, n int) ([]byte, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var found extent
	var ok bool
	s.extents.DescendLessOrEqual(extent{base: pa}, func(e extent) bool {
		found, ok = e, true
		return false
	})
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrNotMapped, pa)
	}
	off := int(pa - found.base)
	if off+n > len(found.buf) || n < 0 {
		return nil, fmt.Errorf("%w: %#x+%d", ErrNotMapped, pa, n)
	}
	return found.buf[off : off+n : off+n], nil
}

// ReadAt implements io.ReaderAt over physical addresses.
func (s *Space) ReadAt(p []byte, off int64) (int, error) {
	b, err := s.Translate(Addr(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, b), nil
}

// WriteAt implements io.WriterAt over physical addresses.
func (s *Space) WriteAt(p []byte, off int64) (int, error) {
	b, err := s.Translate(Addr(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(b, p), nil
}

// FailLoads makes the next n Map.Load calls fail with ErrLoadFailed.
func (s *Space) FailLoads(n int) { s.failLoads.Store(int32(n)) }

func (s *Space) injectLoadFailure() bool {
	for {
		n := s.failLoads.Load()
		if n <= 0 {
			return false
		}
		if s.failLoads.CompareAndSwap(n, n-1) {
			return true
		}
	}
}
