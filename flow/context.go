package flow

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Context carries per-flow metadata along the pipeline: addressing,
// application-layer hints gathered by sniffers, a correlation id for
// cross-plugin log correlation, and a mutable key/value bag so a
// plugin upstream can leave a note for one downstream without the
// runtime knowing about either plugin's concerns.
//
// It is distinct from stdlib context.Context: a flow.Context does not
// carry cancellation (that is the CancelToken's job, see kernel) nor
// deadlines; it is pure metadata, cheap to copy by reference and safe
// to read concurrently, but its Set/Get bag is guarded by a mutex since
// multiple pipeline stages may touch it concurrently (e.g. a sniffer
// goroutine racing the copy loop).
type Context struct {
	Addrs     LocalRemote
	SNI       string
	SniffHost string

	CorrelationID uuid.UUID
	CreatedAt     time.Time

	mu  sync.RWMutex
	bag map[string]any
}

// NewContext creates a Context stamped with a fresh correlation id.
// createdAt is passed in rather than computed with time.Now so callers
// that need determinism (tests, replay) can supply a fixed clock.
func NewContext(addrs LocalRemote, createdAt time.Time) *Context {
	return &Context{
		Addrs:         addrs,
		CorrelationID: uuid.New(),
		CreatedAt:     createdAt,
		bag:           make(map[string]any, 4),
	}
}

func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bag[key] = value
}

func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.bag[key]
	return v, ok
}

// Clone produces an independent copy whose bag no longer aliases the
// parent's, for the (rare) case a plugin forks a flow into two
// downstream flows and each needs to annotate independently.
func (c *Context) Clone() *Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := &Context{
		Addrs:         c.Addrs,
		SNI:           c.SNI,
		SniffHost:     c.SniffHost,
		CorrelationID: c.CorrelationID,
		CreatedAt:     c.CreatedAt,
		bag:           make(map[string]any, len(c.bag)),
	}
	for k, v := range c.bag {
		cp.bag[k] = v
	}
	return cp
}
