package dma

// Segment is one physically contiguous piece of a mapped buffer.
type Segment struct {
	Addr Addr
	Len  int
}

// Tag describes the constraints a device places on one transfer.
type Tag struct {
	space      *Space
	maxSegs    int
	maxSegSize int
}

// NewTag returns a tag allowing at most maxSegs segments of at most
// maxSegSize bytes each.
func (s *Space) NewTag(maxSegs, maxSegSize int) *Tag {
	return &Tag{space: s, maxSegs: maxSegs, maxSegSize: maxSegSize}
}

// MaxSegments returns the segment budget of the tag.
func (t *Tag) MaxSegments() int { return t.maxSegs }

// Map binds host buffers to device addresses for one transfer.
// A Map is not safe for concurrent use.
type Map struct {
	tag   *Tag
	bases []Addr
}

// NewMap returns an unloaded map.
func (t *Tag) NewMap() *Map { return &Map{tag: t} }

// Loaded reports whether the map currently holds a mapping.
func (m *Map) Loaded() bool { return len(m.bases) > 0 }

func (t *Tag) count(bufs [][]byte) int {
	n := 0
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		n += (len(b) + t.maxSegSize - 1) / t.maxSegSize
	}
	return n
}

// Load maps bufs and appends the resulting segments to segs.
// If the buffers need more segments than the tag allows, Load returns
// ErrTooManySegments and maps nothing.
func (m *Map) Load(segs []Segment, bufs ...[]byte) ([]Segment, error) {
	if m.Loaded() {
		return segs, ErrAlreadyLoaded
	}
	t := m.tag
	n := t.count(bufs)
	if n == 0 {
		return segs, ErrZeroSize
	}
	if n > t.maxSegs {
		return segs, ErrTooManySegments
	}
	if t.space.injectLoadFailure() {
		return segs, ErrLoadFailed
	}
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		base := t.space.register(b)
		m.bases = append(m.bases, base)
		for off := 0; off < len(b); off += t.maxSegSize {
			l := min(t.maxSegSize, len(b)-off)
			segs = append(segs, Segment{Addr: base + Addr(off), Len: l})
		}
	}
	return segs, nil
}

// Unload removes the mapping. Unloading an unloaded map is a no-op.
func (m *Map) Unload() {
	for _, b := range m.bases {
		m.tag.space.unregister(b)
	}
	m.bases = m.bases[:0]
}
