package kernel

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ytflow/ytflowcore/flow"
	"github.com/ytflow/ytflowcore/loader"
	"github.com/ytflow/ytflowcore/registry"
)

// Options configures a Kernel at construction; zero value is usable
// with sane defaults, so a no-argument constructor works out of the
// box.
type Options struct {
	Workers        int           // 0 -> GOMAXPROCS
	ConnTableCap   int           // 0 -> DefaultConnTableCap
	BufferPoolCap  int64         // 0 -> unbounded
	DrainDeadline  time.Duration // 0 -> DefaultDrainDeadline
	Logger         *zap.Logger
}

const (
	DefaultConnTableCap  = 4096
	DefaultDrainDeadline = 5 * time.Second
)

// Kernel is the exposed host surface: runtime_new, runtime_load,
// runtime_stop, runtime_free, carrying the plugin-graph runtime and
// its shared services (scheduler, connection table, buffer pool,
// timers) for the lifetime of one loaded profile.
type Kernel struct {
	opts      Options
	logger    *zap.Logger
	sched     *Scheduler
	conns     *ConnTable
	bufs      *BufferPool
	timers    *TimerWheel

	rootCtx    context.Context
	rootCancel context.CancelFunc

	loaded  *loader.Loaded
	running bool
}

// RuntimeNew allocates a new kernel handle. It does not yet load a
// profile or accept traffic.
func RuntimeNew(opts Options) *Kernel {
	if opts.ConnTableCap <= 0 {
		opts.ConnTableCap = DefaultConnTableCap
	}
	if opts.DrainDeadline <= 0 {
		opts.DrainDeadline = DefaultDrainDeadline
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Kernel{
		opts:       opts,
		logger:     logger,
		sched:      NewScheduler(opts.Workers),
		conns:      NewConnTable(opts.ConnTableCap),
		bufs:       NewBufferPool(opts.BufferPoolCap),
		timers:     NewTimerWheel(),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}
}

func (k *Kernel) Scheduler() *Scheduler  { return k.sched }
func (k *Kernel) ConnTable() *ConnTable  { return k.conns }
func (k *Kernel) Buffers() *BufferPool   { return k.bufs }
func (k *Kernel) Timers() *TimerWheel    { return k.timers }
func (k *Kernel) RootContext() context.Context { return k.rootCtx }
func (k *Kernel) Logger() *zap.Logger    { return k.logger }
func (k *Kernel) IsRunning() bool        { return k.running }

// NewFlowToken derives a CancelToken from the kernel's root context,
// for a plugin spawning a brand new flow (e.g. socket-inbound on
// accept). A flow spawned downstream of an existing one should instead
// derive from that flow's own token so cancellation propagates
// correctly.
func (k *Kernel) NewFlowToken() CancelToken {
	return NewCancelToken(k.rootCtx)
}

// Schedule, ScheduleBlocking, AdmitFlow, ReleaseFlow, GetBuffer,
// PutBuffer, NewFlowToken, RootContext and Logger together implement
// registry.Env, so *Kernel itself is the Env handed to KernelAware
// plugin instances during loading.

func (k *Kernel) Schedule(fn func())         { k.sched.Submit(fn) }
func (k *Kernel) ScheduleBlocking(fn func()) { k.sched.SubmitBlocking(fn) }

func (k *Kernel) AdmitFlow(owner string, cancel flow.CancelToken) (flow.FlowID, error) {
	return k.conns.Admit(owner, cancel)
}

func (k *Kernel) ReleaseFlow(id flow.FlowID) { k.conns.Remove(id) }

func (k *Kernel) GetBuffer(size int) (*flow.Buffer, error) { return k.bufs.Get(size) }
func (k *Kernel) PutBuffer(b *flow.Buffer)                 { k.bufs.Put(b) }

var _ registry.Env = (*Kernel)(nil)

// RuntimeLoad wires and starts a profile. On success every entry
// plugin's access points are live and reachable; on failure the
// kernel is left exactly as it was before the call (no plugin
// observes traffic).
func (k *Kernel) RuntimeLoad(reg *registry.Registry, p loader.Profile) error {
	if k.running {
		return flow.ErrInErr{Kind: flow.KindConfig, ErrDesc: "kernel already running a profile"}
	}
	loaded, err := loader.Load(reg, p, k, k.logger)
	if err != nil {
		return err
	}
	k.loaded = loaded
	k.running = true
	return nil
}

// EntryAccessPoints returns the access points published by entry
// plugins, keyed "plugin.ap", for a host (CLI/FFI) to admit traffic
// into.
func (k *Kernel) EntryAccessPoints() map[string]any {
	if k.loaded == nil {
		return nil
	}
	return k.loaded.Entries
}

// RuntimeStop performs graceful shutdown: existing flows are cancelled
// and given up to DrainDeadline to observe cancellation and exit, then
// every plugin's Stop hook runs and the scheduler is shut down
// unconditionally. AdmitFlow is not gated during the drain, and
// entries still in the connection table after the deadline are left
// in place.
func (k *Kernel) RuntimeStop() {
	if !k.running {
		return
	}
	k.running = false

	k.conns.CancelAll(ErrFlowCancelled)

	deadline := time.NewTimer(k.opts.DrainDeadline)
	defer deadline.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
drain:
	for {
		if k.conns.Len() == 0 {
			break
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			break drain
		}
	}

	if k.loaded != nil {
		for name, bp := range k.loaded.Plugins {
			if bp.Stop == nil {
				continue
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						k.logger.Error("plugin Stop panicked", zap.String("plugin", name))
					}
				}()
				bp.Stop()
			}()
		}
	}

	k.rootCancel()
	k.sched.Stop()
}

// RuntimeFree releases the kernel handle. It calls RuntimeStop first
// if the kernel is still running, matching host bridges that may free
// without an explicit prior stop.
func (k *Kernel) RuntimeFree() {
	if k.running {
		k.RuntimeStop()
	}
}
