package dma

import "fmt"

// Region is a zeroed, page-backed block the device addresses directly.
type Region struct {
	Buf  []byte
	Phys Addr

	space *Space
	pages []byte
}

// Alloc returns a zeroed region of size bytes whose physical address is
// aligned to align.
func (s *Space) Alloc(size, align int) (*Region, error) {
	if size <= 0 {
		return nil, ErrZeroSize
	}
	if align <= 0 || align > PageSize || align&(align-1) != 0 {
		return nil, ErrBadAlignment
	}
	n := (size + PageSize - 1) &^ (PageSize - 1)
	pages, err := allocPages(n)
	if err != nil {
		return nil, fmt.Errorf("allocating %d bytes: %w", n, err)
	}
	buf := pages[:size:size]
	return &Region{
		Buf:   buf,
		Phys:  s.register(buf),
		space: s,
		pages: pages,
	}, nil
}

// Zero clears the region.
func (r *Region) Zero() { clear(r.Buf) }

// Free unregisters the region and releases its pages.
// It is safe to call Free on a nil or already freed region.
func (r *Region) Free() error {
	if r == nil || r.pages == nil {
		return nil
	}
	r.space.unregister(r.Phys)
	err := freePages(r.pages)
	r.pages, r.Buf = nil, nil
	return err
}
