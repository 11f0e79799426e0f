package task

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AgentMarket-Chain/internal/access"
	"AgentMarket-Chain/internal/chain"
	"AgentMarket-Chain/internal/events"
	"AgentMarket-Chain/internal/ledger"
	"AgentMarket-Chain/internal/registry"
	"AgentMarket-Chain/pkg/logger"
)

// Component 是任务拍卖在事件与日志中的名称。
const Component = "task_auction"

// Config 是任务拍卖的可调参数。MinReputation 是出价所需的最低信誉。
type Config struct {
	DefaultBiddingWindow    time.Duration `json:"default_bidding_window" yaml:"default_bidding_window"`
	DefaultCompletionWindow time.Duration `json:"default_completion_window" yaml:"default_completion_window"`
	MinReputation           uint64        `json:"min_reputation" yaml:"min_reputation"`
	ReputationReward        int64         `json:"reputation_reward" yaml:"reputation_reward"`
	ReputationPenalty       int64         `json:"reputation_penalty" yaml:"reputation_penalty"`
}

// DefaultConfig 返回默认参数。
func DefaultConfig() Config {
	return Config{
		DefaultBiddingWindow:    time.Hour,
		DefaultCompletionWindow: 24 * time.Hour,
		MinReputation:           50,
		ReputationReward:        10,
		ReputationPenalty:       20,
	}
}

// Validate 要求失败惩罚严格大于成功奖励。零值字段视为使用默认值。
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.ReputationPenalty <= c.ReputationReward {
		return fmt.Errorf("reputation_penalty (%d) 必须大于 reputation_reward (%d)", c.ReputationPenalty, c.ReputationReward)
	}
	return nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DefaultBiddingWindow <= 0 {
		c.DefaultBiddingWindow = def.DefaultBiddingWindow
	}
	if c.DefaultCompletionWindow <= 0 {
		c.DefaultCompletionWindow = def.DefaultCompletionWindow
	}
	if c.ReputationReward <= 0 {
		c.ReputationReward = def.ReputationReward
	}
	if c.ReputationPenalty <= 0 {
		c.ReputationPenalty = def.ReputationPenalty
	}
	return c
}

type agentKey struct {
	taskID  uint64
	agentID uint64
}

// Auction 是任务拍卖组件。
type Auction struct {
	engine   *chain.Engine
	ledger   *ledger.Ledger
	registry registry.Gateway
	addr     common.Address
	roles    *access.Roles
	pause    *access.Switch
	cfg      *chain.Var[Config]

	tasks    *chain.Table[uint64, Task]
	bids     *chain.Table[uint64, Bid]
	taskBids *chain.Table[uint64, []uint64]
	agentBid *chain.Table[agentKey, uint64]
	taskSeq  chain.Sequence
	bidSeq   chain.Sequence

	log *slog.Logger
}

// Option 定义可选配置。
type Option func(*Auction)

// WithConfig 覆盖默认参数。
func WithConfig(cfg Config) Option {
	return func(a *Auction) {
		a.cfg = chain.NewVar(cfg.withDefaults())
	}
}

// WithOperators 在创世时授予运营方角色。
func WithOperators(operators ...common.Address) Option {
	return func(a *Auction) {
		for _, op := range operators {
			a.roles.Seed(access.RoleOperator, op)
		}
	}
}

// New 部署任务拍卖，admin 获得管理员角色。
func New(engine *chain.Engine, l *ledger.Ledger, gw registry.Gateway, admin common.Address, opts ...Option) *Auction {
	a := &Auction{
		engine:   engine,
		ledger:   l,
		registry: gw,
		addr:     engine.Deploy(admin, Component),
		roles:    access.NewRoles(Component, admin),
		pause:    access.NewSwitch(Component),
		cfg:      chain.NewVar(DefaultConfig()),
		tasks:    chain.NewTable[uint64, Task](),
		bids:     chain.NewTable[uint64, Bid](),
		taskBids: chain.NewTable[uint64, []uint64](),
		agentBid: chain.NewTable[agentKey, uint64](),
		log:      logger.Named(Component),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Address 返回组件地址，托管资金记在这个账户上。
func (a *Auction) Address() common.Address { return a.addr }

// Roles 返回角色表。
func (a *Auction) Roles() *access.Roles { return a.roles }

// Config 返回当前参数。
func (a *Auction) Config() Config {
	var cfg Config
	a.engine.View(func() { cfg = a.cfg.Get() })
	return cfg
}

func (a *Auction) op(name string) chain.Op {
	return chain.Op{Name: "task." + name, Target: a.addr}
}

func (a *Auction) exec(ctx context.Context, name string, call chain.Call, fn func(tx *chain.Tx) error) error {
	_, err := a.engine.Execute(ctx, a.op(name), call, fn)
	return err
}

// SetDefaultWindows 修改默认竞价窗口与完成窗口，仅限管理员。
func (a *Auction) SetDefaultWindows(ctx context.Context, call chain.Call, bidding, completion time.Duration) error {
	return a.exec(ctx, "set_default_windows", call, func(tx *chain.Tx) error {
		if err := a.roles.Require(access.RoleAdmin, tx.From()); err != nil {
			return err
		}
		if bidding <= 0 || completion <= 0 {
			return ErrInvalidWindow.With("bidding", bidding.String(), "completion", completion.String())
		}
		cfg := a.cfg.Get()
		cfg.DefaultBiddingWindow = bidding
		cfg.DefaultCompletionWindow = completion
		a.cfg.Set(tx, cfg)
		tx.Emit(events.Event{
			Kind:   events.KindConfigChanged,
			Entity: Component,
			Attrs: map[string]string{
				"default_bidding_window":    bidding.String(),
				"default_completion_window": completion.String(),
			},
		})
		return nil
	})
}

// Grant 授予角色，仅限管理员。
func (a *Auction) Grant(ctx context.Context, call chain.Call, role access.Role, addr common.Address) error {
	return a.exec(ctx, "grant", call, func(tx *chain.Tx) error {
		return a.roles.Grant(tx, role, addr)
	})
}

// Revoke 撤销角色，仅限管理员。
func (a *Auction) Revoke(ctx context.Context, call chain.Call, role access.Role, addr common.Address) error {
	return a.exec(ctx, "revoke", call, func(tx *chain.Tx) error {
		return a.roles.Revoke(tx, role, addr)
	})
}

// SetPaused 暂停或恢复拍卖。暂停期间所有写操作都被拒绝，查询不受影响。
func (a *Auction) SetPaused(ctx context.Context, call chain.Call, paused bool) error {
	return a.exec(ctx, "set_paused", call, func(tx *chain.Tx) error {
		return a.pause.Set(tx, a.roles, paused)
	})
}

// Paused 返回是否暂停。
func (a *Auction) Paused() bool {
	var paused bool
	a.engine.View(func() { paused = a.pause.Paused() })
	return paused
}

func (a *Auction) load(taskID uint64) (Task, error) {
	t, ok := a.tasks.Get(taskID)
	if !ok {
		return Task{}, ErrTaskNotFound.With("task_id", strconv.FormatUint(taskID, 10))
	}
	return t, nil
}

// transition 检查状态机并写回任务。
func (a *Auction) transition(tx *chain.Tx, t Task, to Status) (Task, error) {
	if !CanTransition(t.Status, to) {
		return t, ErrInvalidState.With("task_id", strconv.FormatUint(t.ID, 10), "status", string(t.Status), "target", string(to))
	}
	t.Status = to
	t.UpdatedAt = tx.Now()
	a.tasks.Put(tx, t.ID, t)
	return t, nil
}

func (a *Auction) requireStatus(t Task, want Status) error {
	if t.Status != want {
		return ErrInvalidState.With("task_id", strconv.FormatUint(t.ID, 10), "status", string(t.Status), "want", string(want))
	}
	return nil
}

func (a *Auction) emit(tx *chain.Tx, kind events.Kind, t Task, attrs map[string]string) {
	tx.Emit(events.Event{
		Kind:     kind,
		Entity:   "task",
		EntityID: t.ID,
		Status:   string(t.Status),
		Attrs:    attrs,
	})
}

func (a *Auction) setBid(tx *chain.Tx, b Bid, status BidStatus) Bid {
	b.Status = status
	a.bids.Put(tx, b.ID, b)
	return b
}

func formatID(id uint64) string { return strconv.FormatUint(id, 10) }
