package events

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{ err error }

func (f failingSink) Publish(context.Context, []Event) error { return f.err }
func (f failingSink) Close() error                           { return nil }

func TestMemorySinkLimitAndQuery(t *testing.T) {
	sink := NewMemorySink(3)
	ctx := context.Background()
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, sink.Publish(ctx, []Event{{Kind: KindTaskCreated, Entity: "task", EntityID: i, TxSeq: i}}))
	}
	all := sink.Events()
	require.Len(t, all, 3)
	assert.Equal(t, uint64(3), all[0].EntityID)

	got, err := sink.Query(ctx, Filter{Entity: "task", EntityID: 4})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(4), got[0].TxSeq)

	latest, err := sink.Query(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, uint64(5), latest[0].EntityID, "newest first")
}

func TestMemorySinkReturnsCopies(t *testing.T) {
	sink := NewMemorySink(0)
	require.NoError(t, sink.Publish(context.Background(), []Event{{Kind: KindTaskCreated, Attrs: map[string]string{"k": "v"}}}))
	got := sink.Events()
	got[0].Attrs["k"] = "changed"
	assert.Equal(t, "v", sink.Events()[0].Attrs["k"])
}

func TestFanoutJoinsErrors(t *testing.T) {
	mem := NewMemorySink(0)
	boom := errors.New("boom")
	f := NewFanout(mem, nil, failingSink{err: boom})
	assert.Equal(t, 2, f.Len())

	err := f.Publish(context.Background(), []Event{{Kind: KindTaskCreated}})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, mem.Events(), 1, "healthy sinks still receive the batch")
	assert.NoError(t, f.Close())
}

type capturePublisher struct {
	keys []string
	msgs []amqp.Publishing
	err  error
}

func (c *capturePublisher) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if c.err != nil {
		return c.err
	}
	c.keys = append(c.keys, key)
	c.msgs = append(c.msgs, msg)
	return nil
}

func TestRabbitMQSinkRoutesByEntityAndKind(t *testing.T) {
	pub := &capturePublisher{}
	sink := &RabbitMQSink{pub: pub, exchange: "agentmarket.events"}
	batch := []Event{
		{ID: "1", Kind: KindIntentClosed, Entity: "intent", EntityID: 2},
		{ID: "2", Kind: KindFeesForwarded, Entity: ""},
	}
	require.NoError(t, sink.Publish(context.Background(), batch))
	assert.Equal(t, []string{"intent.IntentClosed", "engine.FeesForwarded"}, pub.keys)
	assert.Equal(t, "1", pub.msgs[0].MessageId)
	assert.Equal(t, "application/json", pub.msgs[0].ContentType)
	assert.Equal(t, amqp.Persistent, pub.msgs[0].DeliveryMode)

	pub.err = errors.New("channel closed")
	assert.Error(t, sink.Publish(context.Background(), batch))
	assert.Error(t, (&RabbitMQSink{}).Publish(context.Background(), batch))
}
