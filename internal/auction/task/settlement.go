package task

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AgentMarket-Chain/internal/access"
	"AgentMarket-Chain/internal/chain"
	xerrors "AgentMarket-Chain/internal/errors"
	"AgentMarket-Chain/internal/events"
	"AgentMarket-Chain/internal/money"
)

// CompleteTask 由中标代理的钱包在完成截止前提交交付结果。
func (a *Auction) CompleteTask(ctx context.Context, call chain.Call, taskID uint64, outputHash common.Hash) error {
	return a.exec(ctx, "complete_task", call, func(tx *chain.Tx) error {
		if err := a.pause.RequireActive(); err != nil {
			return err
		}
		t, err := a.load(taskID)
		if err != nil {
			return err
		}
		if err := a.requireStatus(t, StatusAssigned); err != nil {
			return err
		}
		b, _ := a.bids.Get(t.WinningBidID)
		wallet, err := a.registry.WalletOf(tx.Context(), b.AgentID)
		if err != nil {
			return err
		}
		if wallet != tx.From() {
			return ErrNotWinner.With("task_id", formatID(taskID), "caller", tx.From().Hex())
		}
		if tx.Now().After(t.CompletionDeadline) {
			return ErrCompletionClosed.With("task_id", formatID(taskID), "deadline", t.CompletionDeadline.Format(time.RFC3339))
		}
		t.OutputHash = outputHash
		t, err = a.transition(tx, t, StatusCompleted)
		if err != nil {
			return err
		}
		a.emit(tx, events.KindTaskCompleted, t, map[string]string{
			"agent_id":    formatID(b.AgentID),
			"output_hash": outputHash.Hex(),
		})
		return nil
	})
}

// ValidateAndPay 由运营方验收已完成的任务。通过时从托管中向中标者支付
// 出价金额，余款存入结算账户并提高信誉；不通过时托管全部罚没并扣减信誉。
func (a *Auction) ValidateAndPay(ctx context.Context, call chain.Call, taskID uint64, approved bool) error {
	err := a.exec(ctx, "validate_and_pay", call, func(tx *chain.Tx) error {
		if err := a.pause.RequireActive(); err != nil {
			return err
		}
		if err := a.roles.Require(access.RoleOperator, tx.From()); err != nil {
			return err
		}
		t, err := a.load(taskID)
		if err != nil {
			return err
		}
		if err := a.requireStatus(t, StatusCompleted); err != nil {
			return err
		}
		if !approved {
			return a.forfeit(tx, t, "rejected")
		}
		return a.pay(tx, t)
	})
	if err != nil {
		return err
	}
	a.log.Info("任务已验收", slog.Uint64("task_id", taskID), slog.Bool("approved", approved))
	return nil
}

// FailExpiredTask 在完成截止后由任何人调用，中标者未交付时罚没托管。
func (a *Auction) FailExpiredTask(ctx context.Context, call chain.Call, taskID uint64) error {
	err := a.exec(ctx, "fail_expired_task", call, func(tx *chain.Tx) error {
		if err := a.pause.RequireActive(); err != nil {
			return err
		}
		t, err := a.load(taskID)
		if err != nil {
			return err
		}
		if err := a.requireStatus(t, StatusAssigned); err != nil {
			return err
		}
		if !tx.Now().After(t.CompletionDeadline) {
			return ErrCompletionOpen.With("task_id", formatID(taskID), "deadline", t.CompletionDeadline.Format(time.RFC3339))
		}
		return a.forfeit(tx, t, "expired")
	})
	if err != nil {
		return err
	}
	a.log.Warn("任务超时未交付，托管已罚没", slog.Uint64("task_id", taskID))
	return nil
}

// CancelTask 由运营方在任务仍处于竞价阶段时取消，托管全额退还给取消者，
// 未决出价全部落选。
func (a *Auction) CancelTask(ctx context.Context, call chain.Call, taskID uint64) error {
	return a.exec(ctx, "cancel_task", call, func(tx *chain.Tx) error {
		if err := a.pause.RequireActive(); err != nil {
			return err
		}
		if err := a.roles.Require(access.RoleOperator, tx.From()); err != nil {
			return err
		}
		t, err := a.load(taskID)
		if err != nil {
			return err
		}
		refund := money.Copy(t.Escrow)
		t.Escrow = nil
		t, err = a.transition(tx, t, StatusCancelled)
		if err != nil {
			return err
		}
		ids, _ := a.taskBids.Get(taskID)
		for _, id := range ids {
			if b, _ := a.bids.Get(id); b.Status == BidPending {
				a.setBid(tx, b, BidLost)
			}
		}
		if err := tx.Transfer(a.addr, tx.From(), refund); err != nil {
			return err
		}
		a.emit(tx, events.KindTaskCancelled, t, map[string]string{
			"refund":    refund.String(),
			"recipient": tx.From().Hex(),
		})
		return nil
	})
}

// pay 执行验收通过的结算。信誉调整是事务的最后一步。
func (a *Auction) pay(tx *chain.Tx, t Task) error {
	b, _ := a.bids.Get(t.WinningBidID)
	escrow := money.Copy(t.Escrow)
	leftover := money.Sub(escrow, b.Amount)

	t.Escrow = nil
	t, err := a.transition(tx, t, StatusVerified)
	if err != nil {
		return err
	}
	if err := tx.Transfer(a.addr, b.Bidder, b.Amount); err != nil {
		return err
	}
	if money.Positive(leftover) {
		if err := a.ledger.DepositFrom(tx, a.addr, leftover); err != nil {
			return err
		}
	}
	a.emit(tx, events.KindTaskVerified, t, map[string]string{
		"agent_id":  formatID(b.AgentID),
		"recipient": b.Bidder.Hex(),
		"payout":    b.Amount.String(),
		"leftover":  leftover.String(),
	})
	return a.adjustReputation(tx, t, b.AgentID, a.cfg.Get().ReputationReward)
}

// forfeit 把全部托管转入结算账户并扣减中标者信誉。
func (a *Auction) forfeit(tx *chain.Tx, t Task, reason string) error {
	b, _ := a.bids.Get(t.WinningBidID)
	escrow := money.Copy(t.Escrow)

	t.Escrow = nil
	t, err := a.transition(tx, t, StatusFailed)
	if err != nil {
		return err
	}
	if err := a.ledger.DepositFrom(tx, a.addr, escrow); err != nil {
		return err
	}
	a.emit(tx, events.KindTaskFailed, t, map[string]string{
		"agent_id":  formatID(b.AgentID),
		"reason":    reason,
		"forfeited": escrow.String(),
	})
	return a.adjustReputation(tx, t, b.AgentID, -a.cfg.Get().ReputationPenalty)
}

func (a *Auction) adjustReputation(tx *chain.Tx, t Task, agentID uint64, delta int64) error {
	a.emit(tx, events.KindReputation, t, map[string]string{
		"agent_id": formatID(agentID),
		"delta":    strconv.FormatInt(delta, 10),
	})
	if err := a.registry.AdjustReputation(tx.Context(), agentID, delta); err != nil {
		return xerrors.Wrap(CodeReputationAdjustErr, err, "调整代理信誉失败").
			With("task_id", formatID(t.ID), "agent_id", formatID(agentID))
	}
	return nil
}
