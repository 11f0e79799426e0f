package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AgentMarket-Chain/internal/events"
	"AgentMarket-Chain/internal/money"
)

// Call 描述一次外部调用：调用者地址和随调用附带的金额。
type Call struct {
	From  common.Address
	Value *big.Int
}

// CallFrom 构造一个不附带金额的调用。
func CallFrom(from common.Address) Call {
	return Call{From: from}
}

// WithValue 返回附带金额 v 的调用副本。
func (c Call) WithValue(v *big.Int) Call {
	c.Value = money.Copy(v)
	return c
}

// Op 描述被调用的操作。
type Op struct {
	// Name 形如 "task.submit_bid"，用于日志、指标和追踪。
	Name string
	// Target 是接收附带金额的组件地址。
	Target common.Address
	// Payable 为 false 时附带金额的调用会被拒绝。
	Payable bool
}

// Tx 是一次原子事务的句柄。所有状态写入都通过它记录撤销项，
// 事务失败或 panic 时按相反顺序回放。
type Tx struct {
	ctx     context.Context
	engine  *Engine
	op      Op
	call    Call
	seq     uint64
	now     time.Time
	undo    []func()
	pending []events.Event
}

// Context 返回事务所属的上下文。
func (tx *Tx) Context() context.Context { return tx.ctx }

// From 返回调用者地址。
func (tx *Tx) From() common.Address { return tx.call.From }

// Value 返回随调用附带的金额副本。
func (tx *Tx) Value() *big.Int { return money.Copy(tx.call.Value) }

// Op 返回当前操作。
func (tx *Tx) Op() Op { return tx.op }

// Seq 返回事务序号，从 1 开始单调递增。
func (tx *Tx) Seq() uint64 { return tx.seq }

// Now 返回事务的逻辑时间戳，所有截止时间都与它比较。
func (tx *Tx) Now() time.Time { return tx.now }

// BalanceOf 返回地址当前余额的副本。
func (tx *Tx) BalanceOf(addr common.Address) *big.Int {
	return tx.engine.balanceOf(addr)
}

// Transfer 在两个账户之间转移金额。零金额是空操作。
func (tx *Tx) Transfer(from, to common.Address, amount *big.Int) error {
	if money.IsZero(amount) {
		return nil
	}
	if amount.Sign() < 0 {
		return ErrInsufficientFunds.With("amount", amount.String())
	}
	balances := tx.engine.balances
	fromBal := tx.engine.balanceOf(from)
	if fromBal.Cmp(amount) < 0 {
		return ErrInsufficientFunds.With("account", from.Hex(), "balance", fromBal.String(), "amount", amount.String())
	}
	if from == to {
		return nil
	}
	toBal := tx.engine.balanceOf(to)
	prevFrom, hadFrom := balances[from]
	prevTo, hadTo := balances[to]
	tx.journal(func() {
		restore(balances, to, prevTo, hadTo)
		restore(balances, from, prevFrom, hadFrom)
	})
	balances[from] = money.Sub(fromBal, amount)
	balances[to] = money.Add(toBal, amount)
	return nil
}

// Emit 登记一条事件，事务提交后统一发布；回滚时丢弃。
func (tx *Tx) Emit(evt events.Event) {
	if evt.Op == "" {
		evt.Op = tx.op.Name
	}
	tx.pending = append(tx.pending, evt)
}

func (tx *Tx) journal(fn func()) {
	tx.undo = append(tx.undo, fn)
}

func (tx *Tx) revert() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.pending = nil
}

func restore(balances map[common.Address]*big.Int, addr common.Address, prev *big.Int, had bool) {
	if had {
		balances[addr] = prev
		return
	}
	delete(balances, addr)
}
