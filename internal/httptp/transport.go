// Package httptp forwards batch operations to an upstream REST API over
// HTTP. It implements dispatch.Adapter for deployments where the resources
// live in another service.
package httptp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	dispatch "github.com/hanpama/batchgate/internal/dispatch"
	eventbus "github.com/hanpama/batchgate/internal/eventbus"
	events "github.com/hanpama/batchgate/internal/events"
	reqid "github.com/hanpama/batchgate/internal/reqid"
	value "github.com/hanpama/batchgate/internal/value"
)

// Transport sends each operation as one HTTP request to an upstream chosen
// by the EndpointProvider. Atomic batches are not supported because the
// upstream offers no shared transaction.
type Transport struct {
	opts   *Options
	client *http.Client
	closed atomic.Bool
}

func New(opts ...Option) *Transport {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	client := o.Client
	if client == nil {
		client = &http.Client{Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxConnsPerHost:     o.MaxConnsPerHost,
			MaxIdleConnsPerHost: o.MaxConnsPerHost,
			IdleConnTimeout:     90 * time.Second,
		}}
	}
	return &Transport{opts: o, client: client}
}

var _ dispatch.Adapter = (*Transport)(nil)

// Begin always fails with dispatch.ErrNoTransactions.
func (t *Transport) Begin(ctx context.Context) (dispatch.Scope, error) {
	return nil, dispatch.ErrNoTransactions
}

func (t *Transport) Dispatch(ctx context.Context, req dispatch.Request) (resp dispatch.Response, err error) {
	if t.closed.Load() {
		err = ErrClosed
		return
	}
	if t.opts.Provider == nil {
		err = fmt.Errorf("httptp: provider not configured")
		return
	}

	if _, ok := ctx.Deadline(); !ok && t.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.RequestTimeout)
		defer cancel()
	}

	endpoints, err := t.opts.Provider.Endpoints(ctx, req.Version)
	if err != nil {
		return
	}
	target, err := buildURL(endpoints[rand.IntN(len(endpoints))], req)
	if err != nil {
		return
	}

	hr, err := t.newRequest(ctx, target, req)
	if err != nil {
		return
	}

	start := time.Now()
	eventbus.Publish(ctx, events.UpstreamStart{Method: req.Method, URL: target})
	resp, err = t.do(hr)
	eventbus.Publish(ctx, events.UpstreamFinish{
		Method:   req.Method,
		URL:      target,
		Status:   resp.Status,
		Err:      err,
		Duration: time.Since(start),
	})
	return
}

// Close releases idle connections. Later calls fail with ErrClosed.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.client.CloseIdleConnections()
	return nil
}

// ---------------- internals ----------------

func buildURL(base string, req dispatch.Request) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("httptp: endpoint %q: %w", base, err)
	}
	u.Path += req.Path
	u.RawQuery = req.Query
	return u.String(), nil
}

func (t *Transport) newRequest(ctx context.Context, target string, req dispatch.Request) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if !req.Body.IsNull() {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("httptp: encode body: %w", err)
		}
		body = bytes.NewReader(b)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("httptp: build request: %w", err)
	}
	for k, vs := range t.opts.ForwardHeaders {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	for k, vs := range req.Headers {
		hr.Header.Del(k)
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("Accept", "application/json")
	if id, ok := reqid.FromContext(ctx); ok {
		hr.Header.Set(reqid.Header, strconv.FormatInt(id, 10))
	}
	return hr, nil
}

func (t *Transport) do(hr *http.Request) (dispatch.Response, error) {
	res, err := t.client.Do(hr)
	if err != nil {
		return dispatch.Response{}, err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return dispatch.Response{}, fmt.Errorf("httptp: read response: %w", err)
	}

	out := dispatch.Response{Status: res.StatusCode, Headers: res.Header, Data: value.Null()}
	if len(bytes.TrimSpace(raw)) > 0 {
		data, err := value.Parse(raw)
		if err != nil {
			data = value.Str(string(raw))
		}
		out.Data = data
	}
	return out, nil
}
