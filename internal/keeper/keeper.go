package keeper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AgentMarket-Chain/internal/auction/intent"
	"AgentMarket-Chain/internal/auction/task"
	"AgentMarket-Chain/internal/chain"
	"AgentMarket-Chain/internal/observability/alerting"
	"AgentMarket-Chain/pkg/logger"
)

// TaskAuction 是 keeper 需要的任务拍卖能力。
type TaskAuction interface {
	Due(now time.Time) (selectable, expired []uint64)
	SelectWinner(ctx context.Context, call chain.Call, taskID uint64) (task.Bid, error)
	FailExpiredTask(ctx context.Context, call chain.Call, taskID uint64) error
}

// IntentAuction 是 keeper 需要的意图拍卖能力。
type IntentAuction interface {
	Due(now time.Time) []uint64
	CloseAuction(ctx context.Context, call chain.Call, intentID uint64) (intent.Intent, error)
}

// Clock 返回下一笔事务将看到的时间，通常是 *chain.Engine。
type Clock interface {
	Now() time.Time
}

// Recorder 接收作业结果，通常由指标模块实现。
type Recorder interface {
	KeeperJob(action, outcome string)
}

// Stats 汇总 keeper 的运行情况。
type Stats struct {
	Scans     uint64 `json:"scans"`
	Published uint64 `json:"published"`
	Done      uint64 `json:"done"`
	Skipped   uint64 `json:"skipped"`
	Failed    uint64 `json:"failed"`
	Inflight  int    `json:"inflight"`
}

// Keeper 扫描到期的拍卖并驱动它们结束。
type Keeper struct {
	addr    common.Address
	clock   Clock
	queue   Queue
	tasks   TaskAuction
	intents IntentAuction

	interval       time.Duration
	workers        int
	republishAfter time.Duration
	recorder       Recorder
	alerter        alerting.Dispatcher
	log            *slog.Logger

	mu       sync.Mutex
	inflight map[string]time.Time

	scans, published, done, skipped, failed atomic.Uint64
}

// Option 定义可选配置。
type Option func(*Keeper)

// WithTaskAuction 让 keeper 处理任务拍卖。
func WithTaskAuction(a TaskAuction) Option {
	return func(k *Keeper) { k.tasks = a }
}

// WithIntentAuction 让 keeper 处理意图拍卖。
func WithIntentAuction(a IntentAuction) Option {
	return func(k *Keeper) { k.intents = a }
}

// WithInterval 设置扫描间隔。
func WithInterval(d time.Duration) Option {
	return func(k *Keeper) {
		if d > 0 {
			k.interval = d
		}
	}
}

// WithWorkers 设置消费协程数量。
func WithWorkers(n int) Option {
	return func(k *Keeper) {
		if n > 0 {
			k.workers = n
		}
	}
}

// WithRepublishAfter 设置同一作业两次投递之间的最短间隔。
func WithRepublishAfter(d time.Duration) Option {
	return func(k *Keeper) {
		if d > 0 {
			k.republishAfter = d
		}
	}
}

// WithRecorder 配置作业结果的记录者。
func WithRecorder(r Recorder) Option {
	return func(k *Keeper) { k.recorder = r }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(k *Keeper) { k.alerter = d }
}

// New 构造 keeper，addr 是它提交事务时使用的调用者地址。
func New(addr common.Address, clock Clock, queue Queue, opts ...Option) *Keeper {
	k := &Keeper{
		addr:           addr,
		clock:          clock,
		queue:          queue,
		interval:       15 * time.Second,
		workers:        2,
		republishAfter: time.Minute,
		inflight:       make(map[string]time.Time),
		log:            logger.Named("keeper"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(k)
		}
	}
	return k
}

// Address 返回 keeper 的调用者地址。
func (k *Keeper) Address() common.Address { return k.addr }

// Run 启动消费协程并按间隔扫描，直到 ctx 结束。
func (k *Keeper) Run(ctx context.Context) error {
	consumeErr := make(chan error, 1)
	go func() {
		consumeErr <- k.queue.Consume(ctx, k.workers, k.Handle)
	}()

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	k.log.Info("keeper 已启动",
		slog.String("address", k.addr.Hex()),
		slog.Duration("interval", k.interval),
		slog.Int("workers", k.workers),
	)
	for {
		if _, err := k.Scan(ctx); err != nil && ctx.Err() == nil {
			k.log.Error("扫描到期拍卖失败", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			err := <-consumeErr
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			return err
		case err := <-consumeErr:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		case <-ticker.C:
		}
	}
}

// Stats 返回运行统计。
func (k *Keeper) Stats() Stats {
	k.mu.Lock()
	inflight := len(k.inflight)
	k.mu.Unlock()
	return Stats{
		Scans:     k.scans.Load(),
		Published: k.published.Load(),
		Done:      k.done.Load(),
		Skipped:   k.skipped.Load(),
		Failed:    k.failed.Load(),
		Inflight:  inflight,
	}
}

func (k *Keeper) record(action Action, outcome string) {
	if k.recorder != nil {
		k.recorder.KeeperJob(string(action), outcome)
	}
}
