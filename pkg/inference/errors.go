package inference

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the engine and mapped onto the HTTP error
// taxonomy by the server layer.
var (
	ErrModelNotFound       = errors.New("model not found")
	ErrModelInUse          = errors.New("model is in use")
	ErrDownloadNotFound    = errors.New("download not found")
	ErrInsufficientMemory  = errors.New("insufficient memory to load model")
	ErrRuntimeIncompatible = errors.New("no compatible backend for model")
	ErrLoaderCrashed       = errors.New("model loader crashed")
	ErrRequestTimeout      = errors.New("inference request timed out")
	ErrNotSupported        = errors.New("operation not supported by backend")

	// ErrOverloaded is the admission-timeout error. The message is part of
	// the API surface; clients match on it.
	ErrOverloaded = errors.New("Server is busy — all inference slots occupied")
)

// ErrWorkerExited reports a worker subprocess that terminated while a
// model depended on it. StderrTail carries the last captured stderr bytes
// for diagnostics; it is logged, never returned to API clients.
type ErrWorkerExited struct {
	Backend    string
	Err        error
	StderrTail string
}

func (e *ErrWorkerExited) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s worker exited: %v", e.Backend, e.Err)
	}
	return fmt.Sprintf("%s worker exited", e.Backend)
}

func (e *ErrWorkerExited) Unwrap() error {
	return e.Err
}
