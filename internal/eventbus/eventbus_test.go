package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type ping struct{ N int }
type pong struct{ N int }

func TestBusRoutesByType(t *testing.T) {
	b := New()
	var pings, pongs []int
	On(b, func(_ context.Context, p ping) { pings = append(pings, p.N) })
	On(b, func(_ context.Context, p pong) { pongs = append(pongs, p.N) })

	Emit(context.Background(), b, ping{N: 1})
	Emit(context.Background(), b, pong{N: 2})
	Emit(context.Background(), b, ping{N: 3})

	require.Equal(t, []int{1, 3}, pings)
	require.Equal(t, []int{2}, pongs)
}

func TestUnsubscribeRemovesOnlyThatHandler(t *testing.T) {
	b := New()
	var got []string
	mk := func(name string) Handler[ping] {
		return func(context.Context, ping) { got = append(got, name) }
	}
	unA := On(b, mk("a"))
	On(b, mk("b"))

	unA()
	unA()
	Emit(context.Background(), b, ping{})
	require.Equal(t, []string{"b"}, got)
}

func TestGlobalBus(t *testing.T) {
	Use(nil)
	Publish(context.Background(), ping{N: 1})
	Subscribe(func(context.Context, ping) { t.Fatal("subscribed without a bus") })()

	b := New()
	Use(b)
	defer Use(nil)
	var n int
	un := Subscribe(func(_ context.Context, p ping) { n += p.N })
	Publish(context.Background(), ping{N: 2})
	un()
	Publish(context.Background(), ping{N: 5})
	require.Equal(t, 2, n)
}
