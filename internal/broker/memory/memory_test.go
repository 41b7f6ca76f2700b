package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobline/internal/events"
)

func receive(t *testing.T, ch <-chan events.Delivery) events.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatalf("no delivery")
		return nil
	}
}

func TestRoutesByPattern(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	datasets, err := b.Consume(ctx, "datasets", []string{"dataset.*"})
	require.NoError(t, err)
	all, err := b.Consume(ctx, "audit", []string{"#"})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "job.completed", []byte(`1`)))
	require.NoError(t, b.Publish(ctx, "dataset.created", []byte(`2`)))

	d := receive(t, datasets)
	assert.Equal(t, "dataset.created", d.RoutingKey())
	require.NoError(t, d.Ack())

	first := receive(t, all)
	second := receive(t, all)
	assert.Equal(t, "job.completed", first.RoutingKey())
	assert.Equal(t, "dataset.created", second.RoutingKey())

	select {
	case extra := <-datasets:
		t.Fatalf("unexpected delivery %s", extra.RoutingKey())
	case <-time.After(20 * time.Millisecond):
	}
}

func TestNackRequeuesAndRedeliverDuplicates(t *testing.T) {
	b := New()
	b.Redeliver = 1
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.Consume(ctx, "q", []string{"a.b"})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "a.b", []byte(`x`)))
	d1 := receive(t, ch)
	d2 := receive(t, ch)
	assert.Equal(t, d1.Body(), d2.Body())

	require.NoError(t, d1.Nack(true))
	require.NoError(t, d2.Ack())
	d3 := receive(t, ch)
	require.NoError(t, d3.Ack())

	acked, nacked, pending := b.Stats("q")
	assert.Equal(t, 2, acked)
	assert.Equal(t, 1, nacked)
	assert.Equal(t, 0, pending)
}

func TestClosedBrokerRejects(t *testing.T) {
	b := New()
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), "a", nil), ErrClosed)
	_, err := b.Consume(context.Background(), "q", []string{"#"})
	assert.ErrorIs(t, err, ErrClosed)
}
