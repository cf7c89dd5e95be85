// Package protocol defines the message vocabulary exchanged between the
// supervisor and the computation kernel, along with the framed codec used to
// move those messages over a byte stream.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"github.com/GodfreyEngineering/chainsolve-engine/internal/model"
)

// ContractVersion is the protocol compatibility marker agreed at build time
// between the supervisor and the kernel. A kernel that declares a different
// value in its ready message is refused.
const ContractVersion = 4

// MaxMessageSize is the maximum allowed message payload (16 MiB).
const MaxMessageSize = 16 << 20

// Request operation tags.
const (
	OpEvaluate        = "evaluate"
	OpLoadSnapshot    = "loadSnapshot"
	OpApplyPatch      = "applyPatch"
	OpSetInput        = "setInput"
	OpGetStats        = "getStats"
	OpRegisterDataset = "registerDataset"
	OpReleaseDataset  = "releaseDataset"
)

// Response kind tags.
const (
	KindReady       = "ready"
	KindInitError   = "init-error"
	KindResult      = "result"
	KindIncremental = "incremental"
	KindStats       = "stats"
	KindProgress    = "progress"
	KindError       = "error"
)

// Request is the envelope for all supervisor→kernel messages. RequestID is
// zero for the fire-and-forget dataset operations and positive otherwise.
type Request struct {
	Op        string `json:"type"`
	RequestID uint64 `json:"requestId,omitempty"`

	Snapshot *model.Snapshot    `json:"snapshot,omitempty"`
	Options  *model.EvalOptions `json:"options,omitempty"`
	Ops      []model.PatchOp    `json:"ops,omitempty"`

	NodeID string  `json:"nodeId,omitempty"`
	PortID string  `json:"portId,omitempty"`
	Value  float64 `json:"value,omitempty"`

	DatasetID string `json:"datasetId,omitempty"`
	Data      []byte `json:"data,omitempty"`
}

// Ready is the payload of the kernel's startup message.
type Ready struct {
	Catalog         []model.Capability `json:"catalog"`
	ConstantValues  map[string]float64 `json:"constantValues"`
	EngineVersion   string             `json:"engineVersion"`
	ContractVersion int                `json:"contractVersion"`
	InitMS          int                `json:"initMs"`
}

// Progress is an unsolicited advisory message emitted during long
// computations. RequestID identifies the request being worked on.
type Progress struct {
	RequestID uint64 `json:"requestId"`
	Done      int    `json:"done"`
	Total     int    `json:"total"`
	Phase     string `json:"phase,omitempty"`
}

// Response is the envelope for all kernel→supervisor messages. Exactly one
// payload field is populated, selected by Kind.
type Response struct {
	Kind      string `json:"type"`
	RequestID uint64 `json:"requestId,omitempty"`

	Ready       *Ready             `json:"ready,omitempty"`
	Result      *model.EvalResult  `json:"result,omitempty"`
	Incremental *model.PatchResult `json:"incremental,omitempty"`
	Stats       *model.KernelStats `json:"stats,omitempty"`
	Progress    *Progress          `json:"progress,omitempty"`

	// Code and Message carry error details for init-error and error kinds.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	length := uint32(len(data))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
