package redis

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/redis/go-redis/v9"

	xerrors "AgentMarket-Chain/internal/errors"
	"AgentMarket-Chain/internal/events"
)

// StreamConfig 描述 Redis stream 的连接参数。
type StreamConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Stream   string `json:"stream" yaml:"stream"`
	MaxLen   int64  `json:"max_len" yaml:"max_len"`
}

// StreamSink 把每个事件作为一条 stream 记录写入 Redis。
type StreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewStreamSink 连接 Redis 并返回 Sink。
func NewStreamSink(ctx context.Context, cfg StreamConfig) (*StreamSink, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return newStreamSink(client, cfg.Stream, cfg.MaxLen), nil
}

func newStreamSink(client *redis.Client, stream string, maxLen int64) *StreamSink {
	if stream == "" {
		stream = "agentmarket:events"
	}
	if maxLen <= 0 {
		maxLen = 100_000
	}
	return &StreamSink{client: client, stream: stream, maxLen: maxLen}
}

// Publish 在一个 MULTI/EXEC 中追加整批事件，保持同一事务的事件连续。
func (s *StreamSink) Publish(ctx context.Context, batch []events.Event) error {
	if len(batch) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	for _, evt := range batch {
		args, err := s.xaddArgs(evt)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码事件失败")
		}
		pipe.XAdd(ctx, args)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis stream 失败")
	}
	return nil
}

func (s *StreamSink) xaddArgs(evt events.Event) (*redis.XAddArgs, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"kind":      string(evt.Kind),
			"entity":    evt.Entity,
			"entity_id": strconv.FormatUint(evt.EntityID, 10),
			"tx_seq":    strconv.FormatUint(evt.TxSeq, 10),
			"payload":   string(payload),
		},
	}, nil
}

// Close 关闭 Redis 连接。
func (s *StreamSink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
