package intent

import (
	"context"
	"log/slog"
	"math/big"

	"AgentMarket-Chain/internal/access"
	"AgentMarket-Chain/internal/chain"
	"AgentMarket-Chain/internal/events"
	"AgentMarket-Chain/internal/money"
)

// MarkFulfilled 由运营方确认中标方已交付，Closed → Fulfilled。
func (a *Auction) MarkFulfilled(ctx context.Context, call chain.Call, intentID uint64) error {
	return a.postClose(ctx, call, "mark_fulfilled", intentID, StatusFulfilled, events.KindIntentFulfilled, func(tx *chain.Tx, _ Intent) error {
		return a.roles.Require(access.RoleOperator, tx.From())
	})
}

// ConfirmFulfillment 由请求方确认交付结果，Fulfilled → Confirmed。
func (a *Auction) ConfirmFulfillment(ctx context.Context, call chain.Call, intentID uint64) error {
	return a.postClose(ctx, call, "confirm_fulfillment", intentID, StatusConfirmed, events.KindIntentConfirmed, func(tx *chain.Tx, in Intent) error {
		if in.Requester != tx.From() {
			return ErrNotRequester.With("intent_id", formatID(in.ID), "caller", tx.From().Hex())
		}
		return nil
	})
}

// RaiseDispute 由请求方或运营方对已结束的意图提出争议。
func (a *Auction) RaiseDispute(ctx context.Context, call chain.Call, intentID uint64) error {
	return a.postClose(ctx, call, "raise_dispute", intentID, StatusDisputed, events.KindIntentDisputed, func(tx *chain.Tx, in Intent) error {
		if in.Requester == tx.From() || a.roles.Has(access.RoleOperator, tx.From()) {
			return nil
		}
		return ErrNotRequester.With("intent_id", formatID(in.ID), "caller", tx.From().Hex())
	})
}

// postClose 执行结束后的状态迁移，中标报价保持不变。
func (a *Auction) postClose(ctx context.Context, call chain.Call, name string, intentID uint64, to Status, kind events.Kind, authorize func(*chain.Tx, Intent) error) error {
	return a.exec(ctx, name, call, false, func(tx *chain.Tx) error {
		if err := a.pause.RequireActive(); err != nil {
			return err
		}
		in, err := a.load(intentID)
		if err != nil {
			return err
		}
		if err := authorize(tx, in); err != nil {
			return err
		}
		in, err = a.transition(tx, in, to)
		if err != nil {
			return err
		}
		a.emit(tx, kind, in, map[string]string{
			"offer_id": formatID(in.WinningOfferID),
			"by":       tx.From().Hex(),
		})
		return nil
	})
}

// FlushFeesToTreasury 由管理员把所有进行中意图已收取但未转出的手续费
// 合并为一笔存入转入结算账户，不改变任何意图或报价的状态。
func (a *Auction) FlushFeesToTreasury(ctx context.Context, call chain.Call) (*big.Int, error) {
	total := new(big.Int)
	err := a.exec(ctx, "flush_fees", call, false, func(tx *chain.Tx) error {
		if err := a.pause.RequireActive(); err != nil {
			return err
		}
		if err := a.roles.Require(access.RoleAdmin, tx.From()); err != nil {
			return err
		}
		sum := new(big.Int)
		flushed := 0
		for id := uint64(1); id <= a.intentSeq.Last(); id++ {
			in, ok := a.intents.Get(id)
			if !ok || in.Status != StatusOpen {
				continue
			}
			pending := in.PendingFees()
			if !money.Positive(pending) {
				continue
			}
			sum = money.Add(sum, pending)
			in.FeesForwarded = money.Copy(in.TotalFeesCollected)
			a.intents.Put(tx, in.ID, in)
			flushed++
		}
		if !money.Positive(sum) {
			return nil
		}
		if err := a.ledger.DepositFrom(tx, a.addr, sum); err != nil {
			return err
		}
		tx.Emit(events.Event{
			Kind:   events.KindFeesForwarded,
			Entity: Component,
			Attrs: map[string]string{
				"amount":  sum.String(),
				"intents": formatID(uint64(flushed)),
			},
		})
		total = sum
		return nil
	})
	if err != nil {
		return nil, err
	}
	if total.Sign() > 0 {
		a.log.Info("手续费已转入结算账户", slog.String("amount", money.FormatEther(total)))
	}
	return total, nil
}
