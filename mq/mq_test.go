package mq

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutingKey_Matches(t *testing.T) {
	tests := []struct {
		name   string
		filter RoutingKey
		key    RoutingKey
		want   bool
	}{
		{"exact", RoutingKey{"masters", "14", "stopped"}, RoutingKey{"masters", "14", "stopped"}, true},
		{"wildcard id", RoutingKey{"masters", "*", "stopped"}, RoutingKey{"masters", "14", "stopped"}, true},
		{"wildcard event", RoutingKey{"masters", "14", "*"}, RoutingKey{"masters", "14", "started"}, true},
		{"different event", RoutingKey{"masters", "*", "stopped"}, RoutingKey{"masters", "14", "started"}, false},
		{"length mismatch", RoutingKey{"masters", "*"}, RoutingKey{"masters", "14", "started"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(tt.key))
		})
	}
}

func TestRoutingKey_String(t *testing.T) {
	assert.Equal(t, "masters.14.stopped", RoutingKey{"masters", "14", "stopped"}.String())
}

func TestBus_DeliversToMatchingSubscribersInOrder(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	var got []string
	bus.Subscribe(RoutingKey{"masters", "*", "started"}, func(ctx context.Context, key RoutingKey, msg any) {
		got = append(got, "started:"+key[1])
	})
	bus.Subscribe(RoutingKey{"masters", "*", "*"}, func(ctx context.Context, key RoutingKey, msg any) {
		got = append(got, "any:"+key.String())
	})

	require.NoError(t, bus.Produce(ctx, RoutingKey{"masters", "14", "started"}, nil))
	require.NoError(t, bus.Produce(ctx, RoutingKey{"masters", "14", "stopped"}, nil))

	assert.Equal(t, []string{
		"started:14",
		"any:masters.14.started",
		"any:masters.14.stopped",
	}, got)
}

func TestBus_CancelStopsDelivery(t *testing.T) {
	bus := NewBus()
	calls := 0
	sub := bus.Subscribe(RoutingKey{"*"}, func(context.Context, RoutingKey, any) { calls++ })

	require.NoError(t, bus.Produce(context.Background(), RoutingKey{"x"}, nil))
	sub.Cancel()
	sub.Cancel()
	require.NoError(t, bus.Produce(context.Background(), RoutingKey{"x"}, nil))

	assert.Equal(t, 1, calls)
}

func TestBus_ChurnKeepsOnlyLiveSubscriptions(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	var got []int
	for i := 0; i < 1000; i++ {
		sub := bus.Subscribe(RoutingKey{"x"}, func(context.Context, RoutingKey, any) { got = append(got, -1) })
		sub.Cancel()
	}
	first := bus.Subscribe(RoutingKey{"x"}, func(context.Context, RoutingKey, any) { got = append(got, 1) })
	bus.Subscribe(RoutingKey{"x"}, func(context.Context, RoutingKey, any) { got = append(got, 2) })
	bus.Subscribe(RoutingKey{"x"}, func(context.Context, RoutingKey, any) { got = append(got, 3) })
	first.Cancel()

	require.NoError(t, bus.Produce(ctx, RoutingKey{"x"}, nil))

	assert.Equal(t, []int{2, 3}, got)
	assert.Len(t, bus.subs, 2)
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()

	require.NoError(t, r.Produce(ctx, RoutingKey{"masters", "13", "started"}, "a"))
	require.NoError(t, r.Produce(ctx, RoutingKey{"masters", "13", "stopped"}, "b"))

	assert.Equal(t, []Production{
		{Key: RoutingKey{"masters", "13", "started"}, Msg: "a"},
		{Key: RoutingKey{"masters", "13", "stopped"}, Msg: "b"},
	}, r.Productions())

	r.Err = errors.New("broker down")
	assert.EqualError(t, r.Produce(ctx, RoutingKey{"x"}, nil), "broker down")
	assert.Len(t, r.Productions(), 3)

	r.Reset()
	assert.Empty(t, r.Productions())
}

func TestProducerFunc(t *testing.T) {
	var seen RoutingKey
	p := ProducerFunc(func(ctx context.Context, key RoutingKey, msg any) error {
		seen = key
		return nil
	})

	require.NoError(t, p.Produce(context.Background(), RoutingKey{"a"}, nil))
	assert.Equal(t, RoutingKey{"a"}, seen)
}
