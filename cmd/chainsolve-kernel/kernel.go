package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/GodfreyEngineering/chainsolve-engine/internal/model"
	"github.com/GodfreyEngineering/chainsolve-engine/internal/protocol"
)

// kernel holds the in-memory graph state and serves the wire protocol over a
// single request/response stream.
type kernel struct {
	in  io.Reader
	out io.Writer

	graph    map[string]*model.Node
	inputs   map[string]float64
	values   map[string]float64
	datasets map[string][]byte

	evalCount  int64
	patchCount int64
	lastEvalMS int
	startedAt  time.Time

	// Fault-injection knobs for exercising supervision behavior.
	contractVersion int
	hangOn          string // op name to hang on, never answering
	forcePartial    bool
	initFail        bool
}

func newKernel(in io.Reader, out io.Writer) *kernel {
	return &kernel{
		in:              in,
		out:             out,
		graph:           make(map[string]*model.Node),
		inputs:          make(map[string]float64),
		values:          make(map[string]float64),
		datasets:        make(map[string][]byte),
		startedAt:       time.Now(),
		contractVersion: protocol.ContractVersion,
	}
}

// catalog lists the operation families this kernel implements.
func (k *kernel) catalog() []model.Capability {
	return []model.Capability{
		{Name: "evaluate", Version: 1},
		{Name: "patch", Version: 1},
		{Name: "datasets", Version: 1},
	}
}

// constantValues are the well-known constants announced at startup.
func constantValues() map[string]float64 {
	return map[string]float64{
		"pi":  3.141592653589793,
		"e":   2.718281828459045,
		"phi": 1.618033988749895,
	}
}

// serve announces readiness and then answers requests until the stream ends.
func (k *kernel) serve() error {
	if k.initFail {
		return k.write(protocol.Response{
			Kind:    protocol.KindInitError,
			Code:    "KERNEL_INIT",
			Message: "induced init failure",
		})
	}

	ready := protocol.Response{
		Kind: protocol.KindReady,
		Ready: &protocol.Ready{
			Catalog:         k.catalog(),
			ConstantValues:  constantValues(),
			EngineVersion:   "chainsolve-kernel/1.0.0",
			ContractVersion: k.contractVersion,
			InitMS:          int(time.Since(k.startedAt).Milliseconds()),
		},
	}
	if err := k.write(ready); err != nil {
		return err
	}

	for {
		var req protocol.Request
		if err := protocol.ReadMessage(k.in, &req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}
		if req.Op == k.hangOn {
			select {} // induced hang: never answer, never exit
		}
		if err := k.handle(&req); err != nil {
			return err
		}
	}
}

func (k *kernel) handle(req *protocol.Request) error {
	switch req.Op {
	case protocol.OpLoadSnapshot:
		return k.handleLoad(req)
	case protocol.OpEvaluate:
		return k.handleEvaluate(req)
	case protocol.OpApplyPatch:
		return k.handleApplyPatch(req)
	case protocol.OpSetInput:
		return k.handleSetInput(req)
	case protocol.OpGetStats:
		return k.handleGetStats(req)
	case protocol.OpRegisterDataset:
		if req.DatasetID != "" {
			k.datasets[req.DatasetID] = req.Data
		}
		return nil // fire-and-forget
	case protocol.OpReleaseDataset:
		delete(k.datasets, req.DatasetID)
		return nil
	default:
		return k.writeError(req.RequestID, "UNSUPPORTED_OP", fmt.Sprintf("unknown op %q", req.Op))
	}
}

func (k *kernel) handleLoad(req *protocol.Request) error {
	if req.Snapshot == nil {
		return k.writeError(req.RequestID, "BAD_REQUEST", "loadSnapshot requires a snapshot")
	}
	k.graph = make(map[string]*model.Node, len(req.Snapshot.Nodes))
	k.inputs = make(map[string]float64)
	for i := range req.Snapshot.Nodes {
		n := req.Snapshot.Nodes[i]
		k.graph[n.ID] = &n
		if n.Kind == model.NodeInput {
			k.inputs[n.ID] = n.Params["value"]
		}
	}
	result, diags := k.evaluate(req.RequestID)
	k.values = result
	k.evalCount++
	return k.write(protocol.Response{
		Kind:      protocol.KindResult,
		RequestID: req.RequestID,
		Result: &model.EvalResult{
			Values:      result,
			Diagnostics: diags,
			ElapsedMS:   k.lastEvalMS,
		},
	})
}

func (k *kernel) handleEvaluate(req *protocol.Request) error {
	if req.Snapshot != nil {
		return k.handleLoad(req)
	}
	result, diags := k.evaluate(req.RequestID)
	k.values = result
	k.evalCount++
	return k.write(protocol.Response{
		Kind:      protocol.KindResult,
		RequestID: req.RequestID,
		Result: &model.EvalResult{
			Values:      result,
			Diagnostics: diags,
			ElapsedMS:   k.lastEvalMS,
		},
	})
}

func (k *kernel) handleApplyPatch(req *protocol.Request) error {
	for _, op := range req.Ops {
		if err := k.applyOp(op); err != nil {
			return k.writeError(req.RequestID, "BAD_PATCH", err.Error())
		}
	}
	k.patchCount++
	return k.writeIncremental(req.RequestID)
}

func (k *kernel) handleSetInput(req *protocol.Request) error {
	node, ok := k.graph[req.NodeID]
	if !ok {
		return k.writeError(req.RequestID, "NO_SUCH_NODE", fmt.Sprintf("node %q not loaded", req.NodeID))
	}
	if node.Kind != model.NodeInput {
		return k.writeError(req.RequestID, "NOT_AN_INPUT", fmt.Sprintf("node %q is %s, not input", req.NodeID, node.Kind))
	}
	k.inputs[req.NodeID] = req.Value
	k.patchCount++
	return k.writeIncremental(req.RequestID)
}

func (k *kernel) handleGetStats(req *protocol.Request) error {
	var bytes int64
	for _, d := range k.datasets {
		bytes += int64(len(d))
	}
	return k.write(protocol.Response{
		Kind:      protocol.KindStats,
		RequestID: req.RequestID,
		Stats: &model.KernelStats{
			NodeCount:    len(k.graph),
			EvalCount:    k.evalCount,
			PatchCount:   k.patchCount,
			DatasetCount: len(k.datasets),
			DatasetBytes: bytes,
			LastEvalMS:   k.lastEvalMS,
			UptimeMS:     time.Since(k.startedAt).Milliseconds(),
		},
	})
}

// writeIncremental re-evaluates and answers with only the values that changed
// since the previous evaluation.
func (k *kernel) writeIncremental(requestID uint64) error {
	result, diags := k.evaluate(requestID)
	changed := make(map[string]float64)
	for id, v := range result {
		if prev, ok := k.values[id]; !ok || prev != v {
			changed[id] = v
		}
	}
	k.values = result
	return k.write(protocol.Response{
		Kind:      protocol.KindIncremental,
		RequestID: requestID,
		Incremental: &model.PatchResult{
			Changed:     changed,
			Diagnostics: diags,
			Partial:     k.forcePartial,
			ElapsedMS:   k.lastEvalMS,
		},
	})
}

func (k *kernel) applyOp(op model.PatchOp) error {
	switch op.Kind {
	case model.PatchAddNode:
		if op.Node == nil {
			return fmt.Errorf("addNode requires a node")
		}
		n := *op.Node
		k.graph[n.ID] = &n
		if n.Kind == model.NodeInput {
			k.inputs[n.ID] = n.Params["value"]
		}
		return nil
	case model.PatchRemoveNode:
		delete(k.graph, op.NodeID)
		delete(k.inputs, op.NodeID)
		return nil
	case model.PatchSetParam:
		n, ok := k.graph[op.NodeID]
		if !ok {
			return fmt.Errorf("setParam: node %q not loaded", op.NodeID)
		}
		if n.Params == nil {
			n.Params = make(map[string]float64)
		}
		n.Params[op.Param] = op.Value
		return nil
	case model.PatchConnect:
		n, ok := k.graph[op.NodeID]
		if !ok {
			return fmt.Errorf("connect: node %q not loaded", op.NodeID)
		}
		if n.Inputs == nil {
			n.Inputs = make(map[string]string)
		}
		n.Inputs[op.PortID] = op.Target
		return nil
	case model.PatchDisconnect:
		n, ok := k.graph[op.NodeID]
		if !ok {
			return fmt.Errorf("disconnect: node %q not loaded", op.NodeID)
		}
		delete(n.Inputs, op.PortID)
		return nil
	default:
		return fmt.Errorf("unknown patch kind %q", op.Kind)
	}
}

// evaluate computes every node's value, emitting progress along the way.
// Cycles and unknown references produce diagnostics rather than failures.
func (k *kernel) evaluate(requestID uint64) (map[string]float64, []model.Diagnostic) {
	start := time.Now()
	values := make(map[string]float64, len(k.graph))
	var diags []model.Diagnostic

	ids := make([]string, 0, len(k.graph))
	for id := range k.graph {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	visiting := make(map[string]bool)
	var eval func(id string) float64
	eval = func(id string) float64 {
		if v, ok := values[id]; ok {
			return v
		}
		n, ok := k.graph[id]
		if !ok {
			diags = append(diags, model.Diagnostic{
				NodeID: id, Severity: model.SeverityError,
				Message: "reference to unknown node",
			})
			return 0
		}
		if visiting[id] {
			diags = append(diags, model.Diagnostic{
				NodeID: id, Severity: model.SeverityError,
				Message: "cycle detected",
			})
			return 0
		}
		visiting[id] = true
		defer delete(visiting, id)

		var v float64
		switch n.Kind {
		case model.NodeConstant:
			v = n.Params["value"]
		case model.NodeInput:
			v = k.inputs[id]
		case model.NodeSum:
			for _, addr := range n.Inputs {
				v += eval(nodeOf(addr))
			}
		case model.NodeProduct:
			v = 1
			for _, addr := range n.Inputs {
				v *= eval(nodeOf(addr))
			}
		case model.NodeDataset:
			// A dataset node resolves to the byte length of the dataset
			// registered under the node's ID.
			data, ok := k.datasets[id]
			if !ok {
				diags = append(diags, model.Diagnostic{
					NodeID: id, Severity: model.SeverityWarning,
					Message: "dataset not registered",
				})
			}
			v = float64(len(data))
		default:
			diags = append(diags, model.Diagnostic{
				NodeID: id, Severity: model.SeverityError,
				Message: fmt.Sprintf("unknown node kind %q", n.Kind),
			})
		}
		values[id] = v
		return v
	}

	for i, id := range ids {
		eval(id)
		if requestID != 0 && len(ids) > 1 {
			_ = k.write(protocol.Response{
				Kind:      protocol.KindProgress,
				RequestID: requestID,
				Progress: &protocol.Progress{
					RequestID: requestID,
					Done:      i + 1,
					Total:     len(ids),
					Phase:     "evaluate",
				},
			})
		}
	}

	k.lastEvalMS = int(time.Since(start).Milliseconds())
	return values, diags
}

// nodeOf extracts the node id from a "nodeId:portId" address.
func nodeOf(addr string) string {
	if i := strings.IndexByte(addr, ':'); i >= 0 {
		return addr[:i]
	}
	return addr
}

func (k *kernel) write(resp protocol.Response) error {
	return protocol.WriteMessage(k.out, resp)
}

func (k *kernel) writeError(requestID uint64, code, message string) error {
	return k.write(protocol.Response{
		Kind:      protocol.KindError,
		RequestID: requestID,
		Code:      code,
		Message:   message,
	})
}
