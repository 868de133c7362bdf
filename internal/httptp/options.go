package httptp

import (
	"net/http"
	"time"
)

// Options configures the upstream transport.
//
// Defaults:
// - MaxConnsPerHost: 8
// - RequestTimeout:  10s (used only if the incoming context has no deadline)
// - Client:          built from MaxConnsPerHost
//
// Provider must be set (use StaticEndpoints or a custom implementation).
type Options struct {
	Provider EndpointProvider

	MaxConnsPerHost int
	RequestTimeout  time.Duration

	// ForwardHeaders lists headers always copied onto upstream requests
	// when the operation does not set them itself.
	ForwardHeaders http.Header

	Client *http.Client
}

type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		MaxConnsPerHost: 8,
		RequestTimeout:  10 * time.Second,
	}
}

func WithProvider(p EndpointProvider) Option    { return func(o *Options) { o.Provider = p } }
func WithMaxConnsPerHost(n int) Option          { return func(o *Options) { o.MaxConnsPerHost = n } }
func WithRequestTimeout(d time.Duration) Option { return func(o *Options) { o.RequestTimeout = d } }
func WithClient(c *http.Client) Option          { return func(o *Options) { o.Client = c } }
func WithForwardHeaders(h http.Header) Option   { return func(o *Options) { o.ForwardHeaders = h.Clone() } }
