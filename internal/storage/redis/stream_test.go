package redis

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentMarket-Chain/internal/errors"
	"AgentMarket-Chain/internal/events"
)

// recorder 拦截命令而不访问真实的 Redis。
type recorder struct {
	mu   sync.Mutex
	cmds [][]any
	fail error
}

func (r *recorder) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("dial disabled in tests")
	}
}

func (r *recorder) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(_ context.Context, cmd redis.Cmder) error {
		r.record(cmd)
		return r.fail
	}
}

func (r *recorder) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(_ context.Context, cmds []redis.Cmder) error {
		for _, cmd := range cmds {
			r.record(cmd)
		}
		return r.fail
	}
}

func (r *recorder) record(cmd redis.Cmder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd.Args())
}

func (r *recorder) xadds() [][]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out [][]any
	for _, args := range r.cmds {
		if len(args) > 0 && args[0] == "xadd" {
			out = append(out, args)
		}
	}
	return out
}

func newTestSink(t *testing.T) (*StreamSink, *recorder) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	rec := &recorder{}
	client.AddHook(rec)
	t.Cleanup(func() { _ = client.Close() })
	return newStreamSink(client, "", 0), rec
}

func TestStreamSinkPublishesEachEvent(t *testing.T) {
	sink, rec := newTestSink(t)
	batch := []events.Event{
		{ID: "a", Kind: events.KindTaskCreated, Entity: "task", EntityID: 1, TxSeq: 4},
		{ID: "b", Kind: events.KindTreasuryDeposit, Entity: "ledger", TxSeq: 4, Index: 1, Attrs: map[string]string{"amount": "1"}},
	}
	require.NoError(t, sink.Publish(context.Background(), batch))

	xadds := rec.xadds()
	require.Len(t, xadds, 2)
	first := xadds[0]
	assert.Equal(t, "agentmarket:events", first[1])
	assert.Contains(t, first, "maxlen")
	assert.Contains(t, first, "~")

	fields := map[string]any{}
	for i := 0; i+1 < len(first); i++ {
		if key, ok := first[i].(string); ok && (key == "kind" || key == "payload" || key == "tx_seq") {
			fields[key] = first[i+1]
		}
	}
	assert.Equal(t, "TaskCreated", fields["kind"])
	assert.Equal(t, "4", fields["tx_seq"])
	var decoded events.Event
	require.NoError(t, json.Unmarshal([]byte(fields["payload"].(string)), &decoded))
	assert.Equal(t, "a", decoded.ID)
}

func TestStreamSinkWrapsFailures(t *testing.T) {
	sink, rec := newTestSink(t)
	rec.fail = errors.New("READONLY")
	err := sink.Publish(context.Background(), []events.Event{{ID: "a", Kind: events.KindTaskCreated}})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))

	assert.NoError(t, sink.Publish(context.Background(), nil))
}
