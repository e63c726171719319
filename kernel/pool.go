package kernel

import (
	"go.uber.org/atomic"

	"github.com/ytflow/ytflowcore/flow"
)

// BufferPool is the kernel-facing view of the shared buffer pool:
// every plugin allocates through one BufferPool instance per kernel so
// the kernel can enforce "live buffers <= cap, allocations - releases
// == live count under any interleaving". The actual size-classed
// pooling is done by flow.NewBuffer; this layer only adds accounting.
type BufferPool struct {
	cap  int64
	live atomic.Int64
}

func NewBufferPool(capacity int64) *BufferPool {
	return &BufferPool{cap: capacity}
}

var ErrPoolExhausted = flow.ErrInErr{Kind: flow.KindResource, ErrDesc: "buffer pool exhausted"}

// Get allocates a tracked Buffer. Returns ErrPoolExhausted if doing so
// would exceed the pool's cap; the caller must not call Release in
// that case since no buffer was handed out.
func (p *BufferPool) Get(size int) (*flow.Buffer, error) {
	for {
		n := p.live.Load()
		if p.cap > 0 && n >= p.cap {
			return nil, ErrPoolExhausted
		}
		if p.live.CAS(n, n+1) {
			break
		}
	}
	return flow.NewBuffer(size), nil
}

// Put releases a Buffer obtained from Get back to its size-class pool
// and decrements the live count.
func (p *BufferPool) Put(b *flow.Buffer) {
	b.Release()
	p.live.Dec()
}

// Live reports the current allocations-minus-releases count.
func (p *BufferPool) Live() int64 { return p.live.Load() }
