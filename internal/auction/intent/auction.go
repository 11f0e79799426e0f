package intent

import (
	"context"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AgentMarket-Chain/internal/access"
	"AgentMarket-Chain/internal/chain"
	"AgentMarket-Chain/internal/events"
	"AgentMarket-Chain/internal/ledger"
	"AgentMarket-Chain/internal/money"
	"AgentMarket-Chain/internal/registry"
	"AgentMarket-Chain/pkg/logger"
)

// Component 是意图拍卖在事件与日志中的名称。
const Component = "intent_auction"

// Config 是意图拍卖的可调参数。
type Config struct {
	DefaultAuctionWindow time.Duration `json:"default_auction_window" yaml:"default_auction_window"`
	MinBidFee            *big.Int      `json:"min_bid_fee" yaml:"-"`
}

// DefaultConfig 返回默认参数：拍卖窗口 1 小时，最低手续费 0.001。
func DefaultConfig() Config {
	return Config{
		DefaultAuctionWindow: time.Hour,
		MinBidFee:            money.MustEther("0.001"),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DefaultAuctionWindow <= 0 {
		c.DefaultAuctionWindow = def.DefaultAuctionWindow
	}
	if c.MinBidFee == nil {
		c.MinBidFee = def.MinBidFee
	}
	c.MinBidFee = money.Copy(c.MinBidFee)
	return c
}

type agentKey struct {
	intentID uint64
	agentID  uint64
}

// Auction 是意图拍卖组件，手续费在转入结算账户前记在组件账户上。
type Auction struct {
	engine   *chain.Engine
	ledger   *ledger.Ledger
	registry registry.Gateway
	addr     common.Address
	roles    *access.Roles
	pause    *access.Switch
	cfg      *chain.Var[Config]

	intents      *chain.Table[uint64, Intent]
	offers       *chain.Table[uint64, Offer]
	intentOffers *chain.Table[uint64, []uint64]
	agentOffer   *chain.Table[agentKey, uint64]
	intentSeq    chain.Sequence
	offerSeq     chain.Sequence

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

// New 部署意图拍卖。
func New(engine *chain.Engine, l *ledger.Ledger, gw registry.Gateway, admin common.Address, opts ...Option) *Auction {
	a := &Auction{
		engine:       engine,
		ledger:       l,
		registry:     gw,
		addr:         engine.Deploy(admin, Component),
		roles:        access.NewRoles(Component, admin),
		pause:        access.NewSwitch(Component),
		cfg:          chain.NewVar(DefaultConfig()),
		intents:      chain.NewTable[uint64, Intent](),
		offers:       chain.NewTable[uint64, Offer](),
		intentOffers: chain.NewTable[uint64, []uint64](),
		agentOffer:   chain.NewTable[agentKey, uint64](),
		log:          logger.Named(Component),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Address 返回组件地址。
func (a *Auction) Address() common.Address { return a.addr }

// Roles 返回角色表。
func (a *Auction) Roles() *access.Roles { return a.roles }

// Config 返回当前参数的副本。
func (a *Auction) Config() Config {
	var cfg Config
	a.engine.View(func() { cfg = a.cfg.Get() })
	cfg.MinBidFee = money.Copy(cfg.MinBidFee)
	return cfg
}

func (a *Auction) exec(ctx context.Context, name string, call chain.Call, payable bool, fn func(tx *chain.Tx) error) error {
	op := chain.Op{Name: "intent." + name, Target: a.addr, Payable: payable}
	_, err := a.engine.Execute(ctx, op, call, fn)
	return err
}

// SetDefaultWindow 修改默认拍卖窗口，仅限管理员。
func (a *Auction) SetDefaultWindow(ctx context.Context, call chain.Call, window time.Duration) error {
	return a.exec(ctx, "set_default_window", call, false, func(tx *chain.Tx) error {
		if err := a.roles.Require(access.RoleAdmin, tx.From()); err != nil {
			return err
		}
		if window <= 0 {
			return ErrInvalidWindow.With("window", window.String())
		}
		cfg := a.cfg.Get()
		cfg.DefaultAuctionWindow = window
		a.cfg.Set(tx, cfg)
		a.configChanged(tx, "default_auction_window", window.String())
		return nil
	})
}

// SetMinBidFee 修改最低出价手续费，仅限管理员。
func (a *Auction) SetMinBidFee(ctx context.Context, call chain.Call, fee *big.Int) error {
	return a.exec(ctx, "set_min_bid_fee", call, false, func(tx *chain.Tx) error {
		if err := a.roles.Require(access.RoleAdmin, tx.From()); err != nil {
			return err
		}
		if !money.Positive(fee) {
			return ErrFeeTooLow.With("min_bid_fee", money.Copy(fee).String())
		}
		cfg := a.cfg.Get()
		cfg.MinBidFee = money.Copy(fee)
		a.cfg.Set(tx, cfg)
		a.configChanged(tx, "min_bid_fee", fee.String())
		return nil
	})
}

func (a *Auction) configChanged(tx *chain.Tx, key, value string) {
	tx.Emit(events.Event{
		Kind:   events.KindConfigChanged,
		Entity: Component,
		Attrs:  map[string]string{key: value},
	})
}

// Grant 授予角色，仅限管理员。
func (a *Auction) Grant(ctx context.Context, call chain.Call, role access.Role, addr common.Address) error {
	return a.exec(ctx, "grant", call, false, func(tx *chain.Tx) error {
		return a.roles.Grant(tx, role, addr)
	})
}

// Revoke 撤销角色，仅限管理员。
func (a *Auction) Revoke(ctx context.Context, call chain.Call, role access.Role, addr common.Address) error {
	return a.exec(ctx, "revoke", call, false, func(tx *chain.Tx) error {
		return a.roles.Revoke(tx, role, addr)
	})
}

// SetPaused 暂停或恢复拍卖。
func (a *Auction) SetPaused(ctx context.Context, call chain.Call, paused bool) error {
	return a.exec(ctx, "set_paused", call, false, func(tx *chain.Tx) error {
		return a.pause.Set(tx, a.roles, paused)
	})
}

// Paused 返回是否暂停。
func (a *Auction) Paused() bool {
	var paused bool
	a.engine.View(func() { paused = a.pause.Paused() })
	return paused
}

func (a *Auction) load(intentID uint64) (Intent, error) {
	in, ok := a.intents.Get(intentID)
	if !ok {
		return Intent{}, ErrIntentNotFound.With("intent_id", formatID(intentID))
	}
	return in, nil
}

func (a *Auction) transition(tx *chain.Tx, in Intent, to Status) (Intent, error) {
	if !CanTransition(in.Status, to) {
		return in, ErrInvalidState.With("intent_id", formatID(in.ID), "status", string(in.Status), "target", string(to))
	}
	in.Status = to
	in.UpdatedAt = tx.Now()
	a.intents.Put(tx, in.ID, in)
	return in, nil
}

// forwardFees 把意图尚未转出的手续费一次性存入结算账户。
func (a *Auction) forwardFees(tx *chain.Tx, in Intent) (Intent, *big.Int, error) {
	pending := in.PendingFees()
	if !money.Positive(pending) {
		return in, pending, nil
	}
	if err := a.ledger.DepositFrom(tx, a.addr, pending); err != nil {
		return in, nil, err
	}
	in.FeesForwarded = money.Copy(in.TotalFeesCollected)
	in.UpdatedAt = tx.Now()
	a.intents.Put(tx, in.ID, in)
	return in, pending, nil
}

func (a *Auction) emit(tx *chain.Tx, kind events.Kind, in Intent, attrs map[string]string) {
	tx.Emit(events.Event{
		Kind:     kind,
		Entity:   "intent",
		EntityID: in.ID,
		Status:   string(in.Status),
		Attrs:    attrs,
	})
}

func (a *Auction) setOffer(tx *chain.Tx, o Offer, status OfferStatus) Offer {
	o.Status = status
	a.offers.Put(tx, o.ID, o)
	return o
}

func formatID(id uint64) string { return strconv.FormatUint(id, 10) }
