package reqid

import (
	"context"
	"math/rand/v2"
	"net/http"
	"strconv"
)

// Header carries the request id on inbound and outbound HTTP requests.
const Header = "X-Request-Id"

// key is the context key for the request ID.
type key struct{}

// NewContext returns a copy of parent with a new random request ID stored.
// It also returns the generated ID.
func NewContext(parent context.Context) (context.Context, int64) {
	id := rand.Int64()
	return WithID(parent, id), id
}

// WithID returns a copy of parent carrying id.
func WithID(parent context.Context, id int64) context.Context {
	return context.WithValue(parent, key{}, id)
}

// FromRequest stores the id sent in the Header of r, or a new one when r
// carries none or an unparsable one.
func FromRequest(parent context.Context, r *http.Request) (context.Context, int64) {
	if id, err := strconv.ParseInt(r.Header.Get(Header), 10, 64); err == nil && id > 0 {
		return WithID(parent, id), id
	}
	return NewContext(parent)
}

// FromContext extracts the request ID from ctx.
// It returns the ID and whether it was present.
func FromContext(ctx context.Context) (int64, bool) {
	v := ctx.Value(key{})
	id, ok := v.(int64)
	return id, ok
}
