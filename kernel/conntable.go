package kernel

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/ytflow/ytflowcore/flow"
)

// Entry is what the connection table stores per live flow: the plugin
// name that owns the flow and its cancellation handle, so an
// operator-triggered or cascading teardown can reach it.
type Entry struct {
	Owner  string
	Cancel CancelToken
}

// ErrTableFull is returned by Admit when the connection table is at
// its high-water mark; the caller (typically socket-inbound) must
// refuse the new flow rather than create it.
var ErrTableFull = flow.ErrInErr{Kind: flow.KindResource, ErrDesc: "connection table full"}

// ConnTable is the shared, concurrent flow_id -> Entry map. Bound by
// a high-water mark. One mutex guards the whole map and is held only
// for the duration of each map operation, never across a suspension
// point; entries are not locked individually.
type ConnTable struct {
	mu      sync.Mutex
	entries map[FlowID]Entry
	nextID  FlowID
	cap     int

	live    atomic.Int64 // allocations - releases
}

func NewConnTable(capacity int) *ConnTable {
	return &ConnTable{
		entries: make(map[FlowID]Entry),
		cap:     capacity,
	}
}

// Admit registers a new flow if under capacity, returning its id.
func (t *ConnTable) Admit(owner string, cancel CancelToken) (FlowID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) >= t.cap {
		return 0, ErrTableFull
	}
	t.nextID++
	id := t.nextID
	t.entries[id] = Entry{Owner: owner, Cancel: cancel}
	t.live.Inc()
	return id, nil
}

// Remove deregisters a flow on termination, idempotent: removing an
// unknown or already-removed id is a no-op.
func (t *ConnTable) Remove(id FlowID) {
	t.mu.Lock()
	_, existed := t.entries[id]
	delete(t.entries, id)
	t.mu.Unlock()
	if existed {
		t.live.Dec()
	}
}

func (t *ConnTable) Get(id FlowID) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	return e, ok
}

// Len reports the current live count.
func (t *ConnTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// CancelAll fires every entry's cancellation token, used by
// runtime_stop to begin draining existing flows.
func (t *ConnTable) CancelAll(cause error) {
	t.mu.Lock()
	entries := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.Unlock()
	for _, e := range entries {
		e.Cancel.Cancel(cause)
	}
}
