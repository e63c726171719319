package kernel

import (
	"sync"
	"testing"

	"github.com/ytflow/ytflowcore/flow"
)

// TestBufferPoolAccounting checks that live buffers never exceed the
// pool cap, and allocations minus releases balances under any
// interleaving.
func TestBufferPoolAccounting(t *testing.T) {
	p := NewBufferPool(2)

	b1, err := p.Get(64)
	if err != nil {
		t.Fatalf("Get 1: %v", err)
	}
	b2, err := p.Get(64)
	if err != nil {
		t.Fatalf("Get 2: %v", err)
	}
	if _, err := p.Get(64); err != ErrPoolExhausted {
		t.Fatalf("Get 3 = %v, want ErrPoolExhausted", err)
	}
	if p.Live() != 2 {
		t.Fatalf("Live() = %d, want 2", p.Live())
	}

	p.Put(b1)
	if p.Live() != 1 {
		t.Fatalf("Live() = %d after one Put, want 1", p.Live())
	}

	b3, err := p.Get(64)
	if err != nil {
		t.Fatalf("Get after Put: %v", err)
	}
	p.Put(b2)
	p.Put(b3)
	if p.Live() != 0 {
		t.Fatalf("Live() = %d, want 0 after draining", p.Live())
	}
}

// TestBufferPoolGetNeverExceedsCapUnderConcurrency drives many
// goroutines at a small-cap pool at once: Get's check-then-increment
// must be atomic as a whole (a CAS loop, not a separate Load then Inc)
// or live can overshoot cap when two goroutines both pass the guard
// before either increments.
func TestBufferPoolGetNeverExceedsCapUnderConcurrency(t *testing.T) {
	const cap = 8
	const attempts = 200
	p := NewBufferPool(cap)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var got []*flow.Buffer
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := p.Get(16)
			if err != nil {
				return
			}
			mu.Lock()
			got = append(got, b)
			mu.Unlock()
			if p.Live() > cap {
				t.Errorf("Live() = %d, want <= %d", p.Live(), cap)
			}
		}()
	}
	wg.Wait()

	if int64(len(got)) != p.Live() {
		t.Fatalf("Live() = %d, want %d matching successful Gets", p.Live(), len(got))
	}
	if p.Live() > cap {
		t.Fatalf("Live() = %d, want <= %d", p.Live(), cap)
	}
}

// TestBufferPoolUnbounded covers a zero-cap pool (the Options.BufferPoolCap
// "0 -> unbounded" default from kernel.Options), which must never refuse.
func TestBufferPoolUnbounded(t *testing.T) {
	p := NewBufferPool(0)
	for i := 0; i < 100; i++ {
		if _, err := p.Get(16); err != nil {
			t.Fatalf("Get %d on unbounded pool: %v", i, err)
		}
	}
}
