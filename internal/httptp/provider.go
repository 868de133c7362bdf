package httptp

import (
	"context"
	"sync"
)

// EndpointProvider lists the upstream base URLs (scheme://host[:port])
// serving an API version. Implementations must be safe for concurrent use.
type EndpointProvider interface {
	Endpoints(ctx context.Context, version string) ([]string, error)
}

// AnyVersion is the StaticEndpoints key used for versions without their own
// entry.
const AnyVersion = "*"

// StaticEndpoints is a provider backed by an in-memory map keyed by version.
type StaticEndpoints struct {
	mu   sync.RWMutex
	data map[string][]string
}

func NewStaticEndpoints(m map[string][]string) *StaticEndpoints {
	cp := make(map[string][]string, len(m))
	for k, v := range m {
		vv := make([]string, len(v))
		copy(vv, v)
		cp[k] = vv
	}
	return &StaticEndpoints{data: cp}
}

func (s *StaticEndpoints) Endpoints(ctx context.Context, version string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.data[version]
	if len(arr) == 0 {
		arr = s.data[AnyVersion]
	}
	if len(arr) == 0 {
		return nil, ErrNoEndpoints
	}
	out := make([]string, len(arr))
	copy(out, arr)
	return out, nil
}
