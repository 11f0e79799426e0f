package chain

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"AgentMarket-Chain/pkg/logger"
)

// Clock 提供事务的逻辑时间戳。引擎在每个事务开始时读取一次，
// 所有截止时间都与这个时间戳比较。
type Clock interface {
	Now() time.Time
}

// SystemClock 使用本机时间，精确到秒。
type SystemClock struct{}

// Now 实现 Clock。
func (SystemClock) Now() time.Time { return time.Now().UTC().Truncate(time.Second) }

// ManualClock 由调用方手动推进，用于测试和回放。
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock 创建一个从 start 开始的手动时钟。
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start.UTC()}
}

// Now 实现 Clock。
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance 把时钟向前推进 d。
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set 直接设置当前时间。
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}

// HeaderReader 是 BlockClock 需要的最小链上接口，ethclient.Client 满足它。
type HeaderReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// BlockClock 以最新区块的时间戳作为逻辑时间，使截止时间与链上结算保持一致。
// 节点不可用时退回到上一次读到的区块时间，从未读到则使用 fallback。
type BlockClock struct {
	reader   HeaderReader
	timeout  time.Duration
	fallback Clock

	mu   sync.Mutex
	last time.Time
}

// NewBlockClock 创建区块时钟。
func NewBlockClock(reader HeaderReader, timeout time.Duration) *BlockClock {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &BlockClock{reader: reader, timeout: timeout, fallback: SystemClock{}}
}

// Now 实现 Clock。
func (c *BlockClock) Now() time.Time {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	header, err := c.reader.HeaderByNumber(ctx, nil)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil || header == nil {
		logger.Named("chain").Warn("读取最新区块时间失败", slog.Any("error", err))
		if c.last.IsZero() {
			return c.fallback.Now()
		}
		return c.last
	}
	ts := time.Unix(int64(header.Time), 0).UTC()
	if ts.After(c.last) {
		c.last = ts
	}
	return c.last
}
