// Package chain 实现拍卖与结算引擎共享的全局账本。
//
// 所有状态都由一个 Engine 持有，每个对外操作都是一次 Execute：
// 在全局锁内按提交顺序串行执行，要么全部生效，要么通过撤销日志
// 完整回滚。事件在提交后按事务顺序发布。
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	xerrors "AgentMarket-Chain/internal/errors"
	"AgentMarket-Chain/internal/events"
	"AgentMarket-Chain/internal/money"
	"AgentMarket-Chain/internal/observability/alerting"
	"AgentMarket-Chain/pkg/logger"
)

// Observer 接收事务结果，通常由指标模块实现。
type Observer interface {
	TxCommitted(op string, elapsed time.Duration, batch []events.Event)
	TxRejected(op string, code xerrors.Code, kind xerrors.Kind, elapsed time.Duration)
}

// Receipt 是已提交事务的回执。
type Receipt struct {
	Seq       uint64
	Timestamp time.Time
	Events    []events.Event
}

// Engine 串行执行所有事务。
type Engine struct {
	mu       sync.Mutex
	pubMu    sync.Mutex
	clock    Clock
	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	labels   map[common.Address]string
	seq      uint64
	last     time.Time

	sink           events.Sink
	observer       Observer
	alerter        alerting.Dispatcher
	tracer         trace.Tracer
	log            *slog.Logger
	publishTimeout time.Duration
}

// Option 定义可选配置。
type Option func(*Engine)

// WithClock 指定逻辑时钟。
func WithClock(clock Clock) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithSink 指定提交后事件的投递目标。
func WithSink(sink events.Sink) Option {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithObserver 指定事务观察者。
func WithObserver(observer Observer) Option {
	return func(e *Engine) {
		e.observer = observer
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(e *Engine) {
		e.alerter = dispatcher
	}
}

// WithTracer 覆盖默认的 OpenTelemetry tracer。
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithPublishTimeout 限制单批事件投递的耗时。
func WithPublishTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.publishTimeout = d
		}
	}
}

// NewEngine 构造引擎。
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		clock:          SystemClock{},
		balances:       make(map[common.Address]*big.Int),
		nonces:         make(map[common.Address]uint64),
		labels:         make(map[common.Address]string),
		tracer:         otel.Tracer("AgentMarket-Chain/internal/chain"),
		log:            logger.Named("chain"),
		publishTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Deploy 为一个组件分配账户地址，地址由部署者和其部署计数推导。
func (e *Engine) Deploy(deployer common.Address, label string) common.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	nonce := e.nonces[deployer]
	e.nonces[deployer] = nonce + 1
	addr := crypto.CreateAddress(deployer, nonce)
	e.labels[addr] = label
	e.log.Info("组件已部署", slog.String("label", label), slog.String("address", addr.Hex()))
	return addr
}

// Label 返回组件地址的名称。
func (e *Engine) Label(addr common.Address) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.labels[addr]
}

// Mint 在创世阶段为地址注入余额。只用于初始化和测试。
func (e *Engine) Mint(addr common.Address, amount *big.Int) {
	if !money.Positive(amount) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances[addr] = money.Add(e.balanceOf(addr), amount)
}

// BalanceOf 返回地址余额的副本。
func (e *Engine) BalanceOf(addr common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balanceOf(addr)
}

// TotalSupply 返回所有账户余额之和。
func (e *Engine) TotalSupply() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := new(big.Int)
	for _, bal := range e.balances {
		total.Add(total, bal)
	}
	return total
}

// Seq 返回最后提交的事务序号。
func (e *Engine) Seq() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

// Now 返回下一个事务将观察到的时间戳。
func (e *Engine) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextTimestamp()
}

// View 在全局锁内执行只读回调，保证看到一致的快照。
func (e *Engine) View(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn()
}

// Execute 以原子事务执行 fn。附带金额先从调用者转入 op.Target；
// fn 返回错误或 panic 时所有写入被撤销，并返回该错误。
func (e *Engine) Execute(ctx context.Context, op Op, call Call, fn func(tx *Tx) error) (Receipt, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := e.tracer.Start(ctx, op.Name, trace.WithAttributes(
		attribute.String("tx.from", call.From.Hex()),
		attribute.String("tx.to", op.Target.Hex()),
		attribute.String("tx.value", money.FormatEther(call.Value)),
	))
	defer span.End()
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return Receipt{}, xerrors.Wrap(xerrors.CodeTimeout, err, "事务提交前上下文已结束")
	}

	e.mu.Lock()
	tx := &Tx{
		ctx:    ctx,
		engine: e,
		op:     op,
		call:   call,
		seq:    e.seq + 1,
		now:    e.nextTimestamp(),
	}
	if err := e.run(tx, fn); err != nil {
		tx.revert()
		e.mu.Unlock()
		e.rejected(ctx, span, op, call, err, time.Since(start))
		return Receipt{}, err
	}
	e.seq = tx.seq
	e.last = tx.now
	batch := e.seal(tx)
	// 先拿到发布锁再释放全局锁，保证事件按提交顺序发布。
	e.pubMu.Lock()
	e.mu.Unlock()
	e.publish(ctx, op, batch)
	e.pubMu.Unlock()

	elapsed := time.Since(start)
	span.SetAttributes(attribute.Int64("tx.seq", int64(tx.seq)), attribute.Int("tx.events", len(batch)))
	if e.observer != nil {
		e.observer.TxCommitted(op.Name, elapsed, batch)
	}
	logger.Audit().Info("tx_committed",
		slog.String("op", op.Name),
		slog.Uint64("tx", tx.seq),
		slog.String("from", call.From.Hex()),
		slog.String("value", money.FormatEther(call.Value)),
		slog.Int("events", len(batch)),
		slog.Int64("duration_ms", elapsed.Milliseconds()),
	)
	return Receipt{Seq: tx.seq, Timestamp: tx.now, Events: batch}, nil
}

func (e *Engine) run(tx *Tx, fn func(tx *Tx) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrTxPanic.With("op", tx.op.Name, "panic", fmt.Sprint(r))
		}
	}()
	if money.Positive(tx.call.Value) {
		if !tx.op.Payable {
			return ErrNotPayable.With("op", tx.op.Name)
		}
		if err := tx.Transfer(tx.call.From, tx.op.Target, tx.call.Value); err != nil {
			return err
		}
	}
	return fn(tx)
}

func (e *Engine) seal(tx *Tx) []events.Event {
	batch := tx.pending
	for i := range batch {
		batch[i].ID = uuid.NewString()
		batch[i].TxSeq = tx.seq
		batch[i].Index = i
		batch[i].Timestamp = tx.now
	}
	tx.pending = nil
	tx.undo = nil
	return batch
}

func (e *Engine) publish(ctx context.Context, op Op, batch []events.Event) {
	if e.sink == nil || len(batch) == 0 {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.publishTimeout)
	defer cancel()
	if err := e.sink.Publish(pubCtx, batch); err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeStorageFailure, err, "事件投递失败")
		e.log.Error("事件投递失败",
			slog.Any("error", err),
			slog.String("op", op.Name),
			slog.Uint64("tx", batch[0].TxSeq),
		)
		e.alert(ctx, op.Name, wrapped)
	}
}

func (e *Engine) rejected(ctx context.Context, span trace.Span, op Op, call Call, err error, elapsed time.Duration) {
	code := xerrors.CodeOf(err)
	kind := xerrors.KindOf(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(code))
	if e.observer != nil {
		e.observer.TxRejected(op.Name, code, kind, elapsed)
	}
	attrs := []any{
		slog.String("op", op.Name),
		slog.String("from", call.From.Hex()),
		slog.String("code", string(code)),
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()),
	}
	if kind == xerrors.KindInternal {
		e.log.Error("事务回滚", attrs...)
	} else {
		e.log.Debug("事务被拒绝", attrs...)
	}
	if xerrors.ShouldAlert(err) {
		e.alert(ctx, op.Name, err)
	}
}

func (e *Engine) alert(ctx context.Context, op string, err error) {
	if e.alerter == nil {
		return
	}
	if notifyErr := e.alerter.Notify(context.WithoutCancel(ctx), alerting.FromError(op, err)); notifyErr != nil {
		e.log.Error("告警通知失败", slog.Any("error", notifyErr), slog.String("op", op))
	}
}

func (e *Engine) nextTimestamp() time.Time {
	now := e.clock.Now()
	if now.Before(e.last) {
		return e.last
	}
	return now
}

func (e *Engine) balanceOf(addr common.Address) *big.Int {
	return money.Copy(e.balances[addr])
}
