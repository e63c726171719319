package kernel

import "github.com/ytflow/ytflowcore/flow"

// CancelToken and FlowID are defined in package flow so that
// registry.Env (the seam plugin instances use to reach kernel
// services without registry/loader importing kernel) can reference
// them without creating an import cycle. Aliased here so existing
// kernel code can keep saying kernel.CancelToken / kernel.FlowID.
type CancelToken = flow.CancelToken
type FlowID = flow.FlowID

var NewCancelToken = flow.NewCancelToken
var ErrFlowCancelled = flow.ErrFlowCancelled
