package executor

import (
	value "github.com/hanpama/batchgate/internal/value"
)

// Envelope is the recorded outcome of one operation.
type Envelope struct {
	Method  string      `json:"method"`
	Path    string      `json:"path"`
	Version string      `json:"version,omitempty"`
	Status  int         `json:"status"`
	Data    value.Value `json:"data"`
}

// Value is the form later operations traverse with reference tokens.
func (e Envelope) Value() value.Value {
	fields := map[string]value.Value{
		"method": value.Str(e.Method),
		"path":   value.Str(e.Path),
		"status": value.Int(int64(e.Status)),
		"data":   e.Data,
	}
	if e.Version != "" {
		fields["version"] = value.Str(e.Version)
	}
	return value.Map(fields)
}

// Failed reports whether the envelope carries an error status.
func (e Envelope) Failed() bool { return e.Status >= 400 }

// Result is the aggregated outcome of a batch.
type Result struct {
	// Envelopes holds one entry per executed operation, in input order. A
	// fatal failure or cancellation truncates it after the failing entry.
	Envelopes []Envelope
	// Status is the outer HTTP status of the batch.
	Status int
	// Committed is set when an atomic scope was committed.
	Committed bool
	// Aborted is set when a fatal failure or cancellation stopped the batch.
	Aborted bool
	// Err is the cause of a fatal outcome, if any.
	Err error
}
