package model

// Node kind constants understood by the reference kernel. Third-party kernels
// may declare additional kinds through the capability catalog.
const (
	NodeConstant = "constant"
	NodeInput    = "input"
	NodeSum      = "sum"
	NodeProduct  = "product"
	NodeDataset  = "dataset"
)

// Patch operation kinds.
const (
	PatchAddNode    = "addNode"
	PatchRemoveNode = "removeNode"
	PatchSetParam   = "setParam"
	PatchConnect    = "connect"
	PatchDisconnect = "disconnect"
)

// Node is a single computation node in a graph snapshot.
type Node struct {
	ID     string             `json:"id"`
	Kind   string             `json:"kind"`
	Params map[string]float64 `json:"params,omitempty"`
	// Inputs maps an input port name to the "nodeId:portId" address feeding it.
	Inputs map[string]string `json:"inputs,omitempty"`
}

// Snapshot is the full serialized graph state consumed by the kernel.
type Snapshot struct {
	Revision int    `json:"revision"`
	Nodes    []Node `json:"nodes"`
}

// PatchOp is an incremental edit applied to kernel-held graph state without
// a full reload.
type PatchOp struct {
	Kind   string  `json:"kind"`
	NodeID string  `json:"nodeId"`
	PortID string  `json:"portId,omitempty"`
	Target string  `json:"target,omitempty"`
	Param  string  `json:"param,omitempty"`
	Value  float64 `json:"value,omitempty"`
	Node   *Node   `json:"node,omitempty"`
}

// EvalOptions tunes a single evaluation request.
type EvalOptions struct {
	// TimeBudgetMS caps kernel-side computation time. Zero means the kernel
	// default. Exceeding the budget yields an incremental response with the
	// partial flag set, which is not an error.
	TimeBudgetMS int  `json:"timeBudgetMs,omitempty"`
	Precision    int  `json:"precision,omitempty"`
	Trace        bool `json:"trace,omitempty"`
}

// Diagnostic severity levels.
const (
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Diagnostic is a kernel-reported issue attached to a node.
type Diagnostic struct {
	NodeID   string `json:"nodeId"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// EvalResult holds the output of a full evaluation: every node's computed
// value plus any diagnostics.
type EvalResult struct {
	Values      map[string]float64 `json:"values"`
	Diagnostics []Diagnostic       `json:"diagnostics,omitempty"`
	ElapsedMS   int                `json:"elapsedMs"`
}

// PatchResult holds the output of an incremental evaluation: only the values
// that changed. Partial means the kernel ran out of its time budget and the
// value set is incomplete.
type PatchResult struct {
	Changed     map[string]float64 `json:"changed"`
	Diagnostics []Diagnostic       `json:"diagnostics,omitempty"`
	Partial     bool               `json:"partial"`
	ElapsedMS   int                `json:"elapsedMs"`
}

// KernelStats are kernel-reported counters returned by getStats.
type KernelStats struct {
	NodeCount      int   `json:"nodeCount"`
	EvalCount      int64 `json:"evalCount"`
	PatchCount     int64 `json:"patchCount"`
	DatasetCount   int   `json:"datasetCount"`
	DatasetBytes   int64 `json:"datasetBytes"`
	LastEvalMS     int   `json:"lastEvalMs"`
	UptimeMS       int64 `json:"uptimeMs"`
	AllocatedBytes int64 `json:"allocatedBytes"`
}

// Capability describes one operation family the kernel supports, as declared
// in the ready message's catalog.
type Capability struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}
