// Package ledger 实现共享的结算账户（Treasury）。
//
// 账户记录所有流入（收入）与流出（成本），余额始终等于收入减成本，
// 并且与引擎中该账户地址的实际余额一致：账户持有的每一笔资金
// 都能追溯到一次存入。
package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"AgentMarket-Chain/internal/access"
	"AgentMarket-Chain/internal/chain"
	xerrors "AgentMarket-Chain/internal/errors"
	"AgentMarket-Chain/internal/events"
	"AgentMarket-Chain/internal/money"
)

// Component 是账户在事件与日志中的名称。
const Component = "treasury"

const (
	CodeZeroAmount        xerrors.Code = "TREASURY_ZERO_AMOUNT"
	CodeZeroRecipient     xerrors.Code = "TREASURY_ZERO_RECIPIENT"
	CodeInsufficientFunds xerrors.Code = "TREASURY_INSUFFICIENT_BALANCE"
)

var (
	ErrZeroAmount        = xerrors.New(CodeZeroAmount, "amount must be positive")
	ErrZeroRecipient     = xerrors.New(CodeZeroRecipient, "recipient must not be the zero address")
	ErrInsufficientFunds = xerrors.New(CodeInsufficientFunds, "payout exceeds treasury balance")
)

func init() {
	xerrors.Register(CodeZeroAmount, xerrors.Attributes{Message: "amount must be positive", Kind: xerrors.KindValue, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeZeroRecipient, xerrors.Attributes{Message: "recipient must not be the zero address", Kind: xerrors.KindValue, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{Message: "payout exceeds treasury balance", Kind: xerrors.KindValue, Severity: xerrors.SeverityWarning})
}

// Summary 是账户的汇总视图。
type Summary struct {
	Balance *big.Int `json:"balance"`
	Revenue *big.Int `json:"revenue"`
	Costs   *big.Int `json:"costs"`
	Profit  *big.Int `json:"profit"`
}

// Ledger 是结算账户。
type Ledger struct {
	engine  *chain.Engine
	addr    common.Address
	roles   *access.Roles
	pause   *access.Switch
	revenue *chain.Var[*big.Int]
	costs   *chain.Var[*big.Int]
}

// New 部署结算账户，admin 获得管理员角色。
func New(engine *chain.Engine, admin common.Address) *Ledger {
	return &Ledger{
		engine:  engine,
		addr:    engine.Deploy(admin, Component),
		roles:   access.NewRoles(Component, admin),
		pause:   access.NewSwitch(Component),
		revenue: chain.NewVar(new(big.Int)),
		costs:   chain.NewVar(new(big.Int)),
	}
}

// Address 返回账户地址。
func (l *Ledger) Address() common.Address { return l.addr }

// Roles 返回账户的角色表，供启动阶段授予能力。
func (l *Ledger) Roles() *access.Roles { return l.roles }

// Deposit 把调用附带的金额存入账户。
func (l *Ledger) Deposit(ctx context.Context, call chain.Call) (chain.Receipt, error) {
	return l.engine.Execute(ctx, chain.Op{Name: "treasury.deposit", Target: l.addr, Payable: true}, call, func(tx *chain.Tx) error {
		// 附带金额已由引擎转入账户，这里只记账。
		return l.record(tx, tx.From(), tx.Value())
	})
}

// DepositFrom 在调用方所在事务内从 from 账户转入 amount，
// 供拍卖组件在结算时把余款或手续费转入账户。
func (l *Ledger) DepositFrom(tx *chain.Tx, from common.Address, amount *big.Int) error {
	if err := l.record(tx, from, amount); err != nil {
		return err
	}
	return tx.Transfer(from, l.addr, amount)
}

func (l *Ledger) record(tx *chain.Tx, from common.Address, amount *big.Int) error {
	if err := l.pause.RequireActive(); err != nil {
		return err
	}
	// 未授予任何存入方时任何人都可以存入。
	if l.roles.Count(access.RoleDepositor) > 0 {
		if err := l.roles.Require(access.RoleDepositor, from); err != nil {
			return err
		}
	}
	if !money.Positive(amount) {
		return ErrZeroAmount
	}
	l.revenue.Set(tx, money.Add(l.revenue.Get(), amount))
	tx.Emit(events.Event{
		Kind:   events.KindTreasuryDeposit,
		Entity: Component,
		Attrs: map[string]string{
			"from":    from.Hex(),
			"amount":  amount.String(),
			"balance": l.balance().String(),
		},
	})
	return nil
}

// Pay 从账户向 recipient 支付 amount，仅限付款方。
func (l *Ledger) Pay(ctx context.Context, call chain.Call, recipient common.Address, amount *big.Int) (chain.Receipt, error) {
	return l.engine.Execute(ctx, chain.Op{Name: "treasury.pay", Target: l.addr}, call, func(tx *chain.Tx) error {
		if err := l.pause.RequireActive(); err != nil {
			return err
		}
		if err := l.roles.Require(access.RolePayer, tx.From()); err != nil {
			return err
		}
		if !money.Positive(amount) {
			return ErrZeroAmount
		}
		if recipient == (common.Address{}) {
			return ErrZeroRecipient
		}
		if bal := l.balance(); amount.Cmp(bal) > 0 {
			return ErrInsufficientFunds.With("balance", bal.String(), "amount", amount.String())
		}
		l.costs.Set(tx, money.Add(l.costs.Get(), amount))
		if err := tx.Transfer(l.addr, recipient, amount); err != nil {
			return err
		}
		tx.Emit(events.Event{
			Kind:   events.KindTreasuryPayout,
			Entity: Component,
			Attrs: map[string]string{
				"payer":     tx.From().Hex(),
				"recipient": recipient.Hex(),
				"amount":    amount.String(),
				"balance":   l.balance().String(),
			},
		})
		return nil
	})
}

// Grant 授予角色。
func (l *Ledger) Grant(ctx context.Context, call chain.Call, role access.Role, addr common.Address) error {
	_, err := l.engine.Execute(ctx, chain.Op{Name: "treasury.grant", Target: l.addr}, call, func(tx *chain.Tx) error {
		return l.roles.Grant(tx, role, addr)
	})
	return err
}

// Revoke 撤销角色。
func (l *Ledger) Revoke(ctx context.Context, call chain.Call, role access.Role, addr common.Address) error {
	_, err := l.engine.Execute(ctx, chain.Op{Name: "treasury.revoke", Target: l.addr}, call, func(tx *chain.Tx) error {
		return l.roles.Revoke(tx, role, addr)
	})
	return err
}

// SetPaused 暂停或恢复账户。暂停期间存入和支付都会被拒绝。
func (l *Ledger) SetPaused(ctx context.Context, call chain.Call, paused bool) error {
	_, err := l.engine.Execute(ctx, chain.Op{Name: "treasury.set_paused", Target: l.addr}, call, func(tx *chain.Tx) error {
		return l.pause.Set(tx, l.roles, paused)
	})
	return err
}

// Paused 返回账户是否暂停。
func (l *Ledger) Paused() bool {
	var paused bool
	l.engine.View(func() { paused = l.pause.Paused() })
	return paused
}

// Balance 返回账户余额。
func (l *Ledger) Balance() *big.Int {
	var out *big.Int
	l.engine.View(func() { out = l.balance() })
	return out
}

// Profit 返回收入减成本。收入与成本单调递增，因此它与余额相等，
// 但以有符号值返回，供报表使用。
func (l *Ledger) Profit() *big.Int {
	return l.Summary().Profit
}

// Summary 返回账户汇总。
func (l *Ledger) Summary() Summary {
	var s Summary
	l.engine.View(func() {
		s = Summary{
			Balance: l.balance(),
			Revenue: money.Copy(l.revenue.Get()),
			Costs:   money.Copy(l.costs.Get()),
			Profit:  money.Sub(l.revenue.Get(), l.costs.Get()),
		}
	})
	return s
}

// Depositors 返回当前的存入方列表，为空表示任何人都可以存入。
func (l *Ledger) Depositors() []common.Address {
	var out []common.Address
	l.engine.View(func() { out = l.roles.Members(access.RoleDepositor) })
	return out
}

func (l *Ledger) balance() *big.Int {
	return money.Sub(l.revenue.Get(), l.costs.Get())
}
