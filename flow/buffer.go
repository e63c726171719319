package flow

import "sync"

// size classes for the shared buffer pool.
const (
	ClassSmall  = 2 * 1024
	ClassMedium = 16 * 1024
	ClassLarge  = 64 * 1024

	// DefaultHeadroom is reserved up front so a downstream codec plugin
	// (TLS record header, proxy protocol header, SOCKS framing, ...)
	// can Prepend without forcing a reallocation in the common case.
	DefaultHeadroom = 64
)

// Buffer is a byte region with headroom/tailroom so a pipeline stage
// can prepend or append without copying the payload. It always wraps a
// pool-owned backing array; callers must call Release exactly once
// when done.
type Buffer struct {
	backing  []byte
	start    int // payload start, i.e. headroom boundary
	end      int // payload end
	class    int
	released bool
}

// Bytes returns the current payload view. The slice is only valid
// until the next Prepend/Append/Release call.
func (b *Buffer) Bytes() []byte {
	return b.backing[b.start:b.end]
}

func (b *Buffer) Len() int { return b.end - b.start }

// Headroom reports how many bytes can be Prepended without growing the
// backing array.
func (b *Buffer) Headroom() int { return b.start }

// Tailroom reports how many bytes can be Appended without growing.
func (b *Buffer) Tailroom() int { return len(b.backing) - b.end }

// Prepend writes p immediately before the current payload, consuming
// headroom. It panics if p is larger than the available headroom: a
// plugin that needs more headroom than DefaultHeadroom must declare so
// via WithHeadroom at allocation time.
func (b *Buffer) Prepend(p []byte) {
	if len(p) > b.Headroom() {
		panic("flow: Prepend exceeds headroom")
	}
	b.start -= len(p)
	copy(b.backing[b.start:], p)
}

// Append writes p immediately after the current payload, growing the
// backing array if tailroom is insufficient.
func (b *Buffer) Append(p []byte) {
	if len(p) > b.Tailroom() {
		grown := make([]byte, b.end+len(p))
		copy(grown, b.backing[:b.end])
		b.backing = grown
	}
	copy(b.backing[b.end:], p)
	b.end += len(p)
}

// Resize sets the payload length by moving the end marker, growing the
// backing array if n bytes do not fit after the current start.
func (b *Buffer) Resize(n int) {
	if b.start+n > len(b.backing) {
		grown := make([]byte, b.start+n)
		copy(grown, b.backing)
		b.backing = grown
	}
	b.end = b.start + n
}

// Release returns the buffer to its pool. Calling Release twice is a
// programmer error (unlike StreamFlow.CloseWrite, which must tolerate
// it) since buffer double-free corrupts pool accounting.
func (b *Buffer) Release() {
	if b.released {
		panic("flow: double release of Buffer")
	}
	b.released = true
	putBuffer(b)
}

type pool struct {
	sync.Pool
	class int
}

var (
	smallPool  = newBufPool(ClassSmall)
	mediumPool = newBufPool(ClassMedium)
	largePool  = newBufPool(ClassLarge)
)

func newBufPool(class int) *pool {
	p := &pool{class: class}
	p.Pool.New = func() any {
		return make([]byte, class)
	}
	return p
}

func classFor(size int) (*pool, int) {
	switch {
	case size <= ClassSmall-DefaultHeadroom:
		return smallPool, ClassSmall
	case size <= ClassMedium-DefaultHeadroom:
		return mediumPool, ClassMedium
	default:
		return largePool, ClassLarge
	}
}

// NewBuffer allocates a pooled Buffer sized for payload of length size,
// with DefaultHeadroom bytes reserved before it.
func NewBuffer(size int) *Buffer {
	return NewBufferWithHeadroom(size, DefaultHeadroom)
}

// NewBufferWithHeadroom allocates a pooled Buffer with an explicit
// headroom, for plugins that need more than DefaultHeadroom (e.g. a
// mux plugin stacking several headers).
func NewBufferWithHeadroom(size, headroom int) *Buffer {
	p, class := classFor(size + headroom)
	backing := p.Get().([]byte)
	if cap(backing) < size+headroom {
		backing = make([]byte, size+headroom)
	} else {
		backing = backing[:size+headroom]
	}
	return &Buffer{
		backing: backing,
		start:   headroom,
		end:     headroom + size,
		class:   class,
	}
}

// BufferSource is the minimal seam a StreamFlow/DatagramSession
// implementation uses to allocate and release data-path buffers
// through a shared cap, rather than reaching for the raw size-classed
// pool via NewBuffer directly. kernel.Kernel (via registry.Env)
// satisfies this, backed by its kernel.BufferPool; an implementation with none
// wired (e.g. a bare unit test) falls back to the uncapped pool.
type BufferSource interface {
	GetBuffer(size int) (*Buffer, error)
	PutBuffer(buf *Buffer)
}

// AllocateBuffer gets a Buffer through pool if non-nil, falling back
// to the uncapped size-classed pool otherwise.
func AllocateBuffer(pool BufferSource, size int) (*Buffer, error) {
	if pool != nil {
		return pool.GetBuffer(size)
	}
	return NewBuffer(size), nil
}

// ReleaseBuffer returns buf through pool if non-nil, falling back to a
// plain Release otherwise. Every buffer obtained via AllocateBuffer
// with the same pool argument must be released through this, not
// buf.Release() directly, or pool accounting drifts.
func ReleaseBuffer(pool BufferSource, buf *Buffer) {
	if pool != nil {
		pool.PutBuffer(buf)
		return
	}
	buf.Release()
}

func putBuffer(b *Buffer) {
	if cap(b.backing) != b.class {
		// grown past its original size class (e.g. via Append); let GC
		// reclaim it instead of corrupting the size-classed pool.
		b.backing = nil
		return
	}
	switch b.class {
	case ClassSmall:
		smallPool.Put(b.backing[:cap(b.backing)])
	case ClassMedium:
		mediumPool.Put(b.backing[:cap(b.backing)])
	case ClassLarge:
		largePool.Put(b.backing[:cap(b.backing)])
	}
	b.backing = nil
}
