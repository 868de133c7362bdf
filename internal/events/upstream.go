package events

import "time"

// UpstreamStart is emitted before a request is forwarded to the upstream API.
type UpstreamStart struct {
	Method string
	URL    string
}

// UpstreamFinish is emitted after the upstream answered or the call failed.
type UpstreamFinish struct {
	Method   string
	URL      string
	Status   int
	Err      error
	Duration time.Duration
}
