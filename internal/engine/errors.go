package engine

import (
	"errors"
	"fmt"
)

// Machine-readable error codes. The bracketed code prefixes every error
// message so callers can branch without string-matching the human text.
const (
	// CodeSpawnBlocked: the host refused to instantiate the kernel unit.
	CodeSpawnBlocked = "WASM_CSP_BLOCKED"
	// CodeInitFailed: the kernel failed to initialize or never became ready.
	CodeInitFailed = "WASM_INIT_FAILED"
	// CodeContractMismatch: host and kernel disagree on the protocol version.
	CodeContractMismatch = "CONTRACT_MISMATCH"
	// CodeKernelRestarting: the request was dropped because the unit is being
	// replaced, or was issued while a replacement was in progress.
	CodeKernelRestarting = "KERNEL_RESTARTING"
	// CodeDisposed: the engine handle has been disposed.
	CodeDisposed = "ENGINE_DISPOSED"
	// CodeKernelError: the kernel reported a failure for one request and did
	// not supply its own code.
	CodeKernelError = "KERNEL_ERROR"
	// CodeProtocolViolation: the kernel answered with an unexpected message
	// shape for a pending request.
	CodeProtocolViolation = "PROTOCOL_VIOLATION"
)

// Error is a coded engine error. The code identifies the failure class; the
// message is human-readable detail.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return "[" + e.Code + "] " + e.Message
}

func newError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorCode extracts the machine code from err, or "" if err carries none.
func ErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
