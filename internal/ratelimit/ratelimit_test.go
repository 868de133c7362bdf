package ratelimit

import (
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowPerKey(t *testing.T) {
	l := New(1, 2, time.Minute)
	now := time.Unix(1000, 0)

	require.True(t, l.Allow("a", now))
	require.True(t, l.Allow("a", now))
	require.False(t, l.Allow("a", now))
	require.True(t, l.Allow("b", now))
	require.True(t, l.Allow("a", now.Add(time.Second)))
	require.True(t, l.Allow(" ", now))
}

func TestNilLimiterAllows(t *testing.T) {
	var l *Limiter
	require.Nil(t, New(0, 1, 0))
	require.Nil(t, New(1, 0, 0))
	require.True(t, l.Allow("a", time.Now()))
	require.Equal(t, 0, l.Len())
}

func TestIdleKeysEvicted(t *testing.T) {
	l := New(100, 100, time.Second)
	start := time.Unix(1000, 0)
	l.Allow("old", start)

	later := start.Add(time.Minute)
	for i := 0; i < sweepEvery; i++ {
		l.Allow("k"+strconv.Itoa(i%4), later)
	}
	require.Equal(t, 4, l.Len())
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/endpoint/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	require.Equal(t, "10.0.0.1", ClientKey(r))
	r.RemoteAddr = "pipe"
	require.Equal(t, "pipe", ClientKey(r))
}
