package events

import "time"

// BatchStart is emitted before the first operation of a batch runs.
type BatchStart struct {
	Mode string
	Size int
}

// BatchFinish is emitted after a batch was committed, rolled back or aborted.
type BatchFinish struct {
	Mode      string
	Size      int
	Executed  int
	Status    int
	Committed bool
	Aborted   bool
	Err       error
	Duration  time.Duration
}

// OperationStart is emitted before an operation is normalized.
type OperationStart struct {
	Index int
}

// OperationFinish is emitted once the envelope of an operation is recorded.
// ErrorType is empty for operations answered by the resource API.
type OperationFinish struct {
	Index     int
	Method    string
	Path      string
	Status    int
	ErrorType string
	Err       error
	Duration  time.Duration
}
