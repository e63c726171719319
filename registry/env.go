package registry

import (
	"context"

	"go.uber.org/zap"

	"github.com/ytflow/ytflowcore/flow"
)

// Env is the seam through which a plugin instance reaches shared
// kernel services (scheduler, connection table, buffer pool, root
// cancellation, logger) without registry or loader importing package
// kernel — the dependency runs the other way (kernel depends on
// loader depends on registry), keeping the factory contract itself
// free of any kernel type. A plugin instance that needs kernel
// services implements KernelAware; loader.Load calls AttachEnv on it
// immediately after a successful Build, as an implicit extra step of
// the two-phase wiring protocol rather than a third Build parameter,
// so factories that don't need kernel services (among the sample
// plugins, reject and switch) stay fully decoupled from it.
type Env interface {
	Schedule(fn func())
	ScheduleBlocking(fn func())

	AdmitFlow(owner string, cancel flow.CancelToken) (flow.FlowID, error)
	ReleaseFlow(id flow.FlowID)

	GetBuffer(size int) (*flow.Buffer, error)
	PutBuffer(*flow.Buffer)

	NewFlowToken() flow.CancelToken
	RootContext() context.Context
	Logger() *zap.Logger
}

// KernelAware is implemented by plugin instances whose Build result
// needs Env to do its job (typically anything that spawns its own
// flows, like socket-inbound or dns-server).
type KernelAware interface {
	AttachEnv(env Env)
}
