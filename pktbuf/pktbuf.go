// Package pktbuf provides the packet buffers exchanged between a network
// driver and the stack above it: fixed-size clusters drawn from a Pool,
// chained into a Packet together with offload metadata.
package pktbuf

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var ErrNoBuffers = errors.New("no buffers available")

// Class selects a cluster size.
type Class int

const (
	// ClassCluster is a standard cluster used for packet heads.
	ClassCluster Class = iota
	// ClassPage is a page sized cluster used for packet bodies.
	ClassPage
	// ClassJumbo holds a full 9000 byte MTU frame.
	ClassJumbo

	numClasses
)

const (
	ClusterSize     = 2048
	PageClusterSize = 4096
	JumboSize       = 9216
)

// Size returns the capacity of a cluster of class c in bytes.
func (c Class) Size() int {
	switch c {
	case ClassCluster:
		return ClusterSize
	case ClassPage:
		return PageClusterSize
	case ClassJumbo:
		return JumboSize
	}
	panic(fmt.Sprintf("pktbuf: invalid class %d", c))
}

func (c Class) String() string {
	switch c {
	case ClassCluster:
		return "cluster"
	case ClassPage:
		return "page"
	case ClassJumbo:
		return "jumbo"
	}
	return ""
}

// Buf is one cluster. The valid bytes are data[off:off+n].
type Buf struct {
	data  []byte
	off   int
	n     int
	class Class
	pool  *Pool
	free  bool
}

// Bytes returns the valid bytes of the buffer.
func (b *Buf) Bytes() []byte { return b.data[b.off : b.off+b.n] }

// Len returns the number of valid bytes.
func (b *Buf) Len() int { return b.n }

// Cap returns the largest length SetLen accepts.
func (b *Buf) Cap() int { return len(b.data) - b.off }

// Class returns the cluster class of the buffer.
func (b *Buf) Class() Class { return b.class }

// SetLen sets the number of valid bytes.
func (b *Buf) SetLen(n int) {
	if n < 0 || n > b.Cap() {
		panic(fmt.Sprintf("pktbuf: length %d out of range [0,%d]", n, b.Cap()))
	}
	b.n = n
}

// Adj trims n bytes from the front of the buffer.
func (b *Buf) Adj(n int) {
	if n > b.n {
		n = b.n
	}
	b.off += n
	b.n -= n
}

// Free returns the buffer to its pool. Freeing a buffer twice panics.
func (b *Buf) Free() {
	if b.free {
		panic("pktbuf: buffer freed twice")
	}
	b.free = true
	b.pool.put(b)
}

// Pool allocates clusters. It is safe for concurrent use.
type Pool struct {
	classes     [numClasses]sync.Pool
	outstanding atomic.Int64
	failures    atomic.Int32
	failed      atomic.Uint64
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	p := &Pool{}
	for c := range p.classes {
		size := Class(c).Size()
		p.classes[c].New = func() any {
			return &Buf{data: make([]byte, size), class: Class(c)}
		}
	}
	return p
}

// Get returns a cluster of class c with its full capacity valid.
func (p *Pool) Get(c Class) (*Buf, error) {
	if p.injectFailure() {
		p.failed.Add(1)
		return nil, ErrNoBuffers
	}
	b := p.classes[c].Get().(*Buf)
	b.pool, b.free = p, false
	b.off, b.n = 0, len(b.data)
	p.outstanding.Add(1)
	return b, nil
}

func (p *Pool) put(b *Buf) {
	p.outstanding.Add(-1)
	p.classes[b.class].Put(b)
}

// Outstanding returns the number of buffers handed out and not yet freed.
func (p *Pool) Outstanding() int64 { return p.outstanding.Load() }

// Failed returns the number of allocations refused so far.
func (p *Pool) Failed() uint64 { return p.failed.Load() }

// FailNext makes the next n calls to Get fail with ErrNoBuffers.
func (p *Pool) FailNext(n int) { p.failures.Store(int32(n)) }

func (p *Pool) injectFailure() bool {
	for {
		n := p.failures.Load()
		if n <= 0 {
			return false
		}
		if p.failures.CompareAndSwap(n, n-1) {
			return true
		}
	}
}
