// Package dispatch defines the boundary between the batch engine and the
// resource API it multiplexes. The engine hands over one fully resolved
// request at a time and expects a status/data pair back.
//
// General contract
//   - Dispatch is invoked strictly sequentially for one batch. Different
//     batches may call the same Adapter concurrently, so implementations must
//     be safe for concurrent use.
//   - Ordinary resource outcomes (not found, validation failure, conflict) are
//     returned as a Response with the corresponding status and a nil error.
//   - A *ProtocolError is returned when the request is rejected before it
//     reaches resource logic. The engine escalates it to the whole batch.
//   - Any other error is an unexpected failure. The engine records it as a
//     500 for that operation only.
//   - Dispatch on a Scope must apply its side effects inside the scope and
//     must never commit on its own.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	value "github.com/hanpama/batchgate/internal/value"
)

// Request is one resolved operation.
type Request struct {
	Method  string
	Path    string // canonical path, e.g. /api/v1/user/5/
	Version string
	Query   string // raw query string without '?'
	Headers http.Header
	Body    value.Value
}

// Response is what the resource API answered.
type Response struct {
	Status  int
	Data    value.Value
	Headers http.Header
}

// Dispatcher executes single requests.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (Response, error)
}

// Scope is a rollback-capable unit of work. Requests dispatched through a
// Scope become visible to others only after Commit.
type Scope interface {
	Dispatcher
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Adapter is a Dispatcher that can also open transactional scopes. Requests
// dispatched on the Adapter itself are applied immediately.
type Adapter interface {
	Dispatcher
	Begin(ctx context.Context) (Scope, error)
}

// ErrNoTransactions is returned by Begin when the adapter cannot provide a
// rollback-capable scope.
var ErrNoTransactions = errors.New("dispatch: adapter does not support transactional scopes")

// ProtocolError is a rejection by the protocol layer that happens before any
// resource logic runs, such as an unsupported operation shape for the target.
type ProtocolError struct {
	Status int
	Kind   string
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("dispatch: %s (%d): %s", e.Kind, e.Status, e.Detail)
}

// Error kinds reported in the error_type field of failed operations.
const (
	KindReference = "ReferenceError"
	KindProtocol  = "ProtocolError"
	KindCanceled  = "Canceled"
	KindTimeout   = "Timeout"
	KindNetwork   = "NetworkError"
	KindInternal  = "InternalError"
	KindStructure = "ValidationError"
)

// Kind classifies err into one of the error kinds. It only relies on error
// types and sentinels, never on message text.
func Kind(err error) string {
	if err == nil {
		return KindInternal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	var perr *ProtocolError
	if errors.As(err, &perr) {
		if perr.Kind != "" {
			return perr.Kind
		}
		return KindProtocol
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		if nerr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindInternal
}

// ErrorData builds the data payload of a failed operation.
func ErrorData(kind, detail string) value.Value {
	return value.Map(map[string]value.Value{
		"detail":     value.Str(detail),
		"error_type": value.Str(kind),
	})
}
