package task

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AgentMarket-Chain/internal/access"
	"AgentMarket-Chain/internal/chain"
	"AgentMarket-Chain/internal/events"
	"AgentMarket-Chain/internal/money"
)

// CreateTaskRequest 描述新任务。窗口为 0 时使用默认值。
type CreateTaskRequest struct {
	WorkType         string
	ContentHash      common.Hash
	MetadataRef      string
	MaxBid           *big.Int
	BiddingWindow    time.Duration
	CompletionWindow time.Duration
}

// CreateTask 由运营方发布任务，调用必须附带恰好 MaxBid 的托管金额。
func (a *Auction) CreateTask(ctx context.Context, call chain.Call, req CreateTaskRequest) (Task, error) {
	var created Task
	op := a.op("create_task")
	op.Payable = true
	_, err := a.engine.Execute(ctx, op, call, func(tx *chain.Tx) error {
		if err := a.pause.RequireActive(); err != nil {
			return err
		}
		if err := a.roles.Require(access.RoleOperator, tx.From()); err != nil {
			return err
		}
		if !money.Positive(req.MaxBid) {
			return ErrZeroBudget
		}
		if value := tx.Value(); value.Cmp(req.MaxBid) != 0 {
			return ErrEscrowMismatch.With("value", value.String(), "max_bid", req.MaxBid.String())
		}
		if req.BiddingWindow < 0 || req.CompletionWindow < 0 {
			return ErrInvalidWindow
		}
		cfg := a.cfg.Get()
		bidding := req.BiddingWindow
		if bidding == 0 {
			bidding = cfg.DefaultBiddingWindow
		}
		completion := req.CompletionWindow
		if completion == 0 {
			completion = cfg.DefaultCompletionWindow
		}

		now := tx.Now()
		t := Task{
			ID:                 a.taskSeq.Next(tx),
			WorkType:           req.WorkType,
			ContentHash:        req.ContentHash,
			MetadataRef:        req.MetadataRef,
			MaxBid:             money.Copy(req.MaxBid),
			Escrow:             money.Copy(req.MaxBid),
			BiddingDeadline:    now.Add(bidding),
			CompletionDeadline: now.Add(bidding).Add(completion),
			Status:             StatusOpen,
			Creator:            tx.From(),
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		a.tasks.Put(tx, t.ID, t)
		a.emit(tx, events.KindTaskCreated, t, map[string]string{
			"work_type":           t.WorkType,
			"creator":             t.Creator.Hex(),
			"max_bid":             t.MaxBid.String(),
			"bidding_deadline":    t.BiddingDeadline.Format(time.RFC3339),
			"completion_deadline": t.CompletionDeadline.Format(time.RFC3339),
		})
		created = t
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	a.log.Info("任务已创建",
		slog.Uint64("task_id", created.ID),
		slog.String("work_type", created.WorkType),
		slog.String("max_bid", money.FormatEther(created.MaxBid)),
	)
	return created, nil
}

// SubmitBid 代理通过注册钱包对任务出价。
func (a *Auction) SubmitBid(ctx context.Context, call chain.Call, taskID, agentID uint64, amount *big.Int) (Bid, error) {
	var placed Bid
	err := a.exec(ctx, "submit_bid", call, func(tx *chain.Tx) error {
		if err := a.pause.RequireActive(); err != nil {
			return err
		}
		t, err := a.load(taskID)
		if err != nil {
			return err
		}
		if err := a.requireStatus(t, StatusOpen); err != nil {
			return err
		}
		if err := a.requireEligible(tx, agentID); err != nil {
			return err
		}
		if tx.Now().After(t.BiddingDeadline) {
			return ErrBiddingClosed.With("task_id", formatID(taskID), "deadline", t.BiddingDeadline.Format(time.RFC3339))
		}
		if !money.Positive(amount) {
			return ErrZeroBid
		}
		if amount.Cmp(t.MaxBid) > 0 {
			return ErrBidExceedsMax.With("amount", amount.String(), "max_bid", t.MaxBid.String())
		}
		key := agentKey{taskID: taskID, agentID: agentID}
		if a.agentBid.Has(key) {
			return ErrDuplicateBid.With("task_id", formatID(taskID), "agent_id", formatID(agentID))
		}

		b := Bid{
			ID:          a.bidSeq.Next(tx),
			TaskID:      taskID,
			AgentID:     agentID,
			Bidder:      tx.From(),
			Amount:      money.Copy(amount),
			Status:      BidPending,
			SubmittedAt: tx.Now(),
		}
		a.bids.Put(tx, b.ID, b)
		a.agentBid.Put(tx, key, b.ID)
		ids, _ := a.taskBids.Get(taskID)
		a.taskBids.Put(tx, taskID, append(append([]uint64(nil), ids...), b.ID))
		t.BidCount++
		a.tasks.Put(tx, t.ID, t)
		a.emit(tx, events.KindBidSubmitted, t, map[string]string{
			"bid_id":   formatID(b.ID),
			"agent_id": formatID(agentID),
			"amount":   b.Amount.String(),
		})
		placed = b
		return nil
	})
	if err != nil {
		return Bid{}, err
	}
	return placed, nil
}

// requireEligible 依次检查钱包、活跃状态与信誉门槛。
func (a *Auction) requireEligible(tx *chain.Tx, agentID uint64) error {
	ctx := tx.Context()
	wallet, err := a.registry.WalletOf(ctx, agentID)
	if err != nil {
		return err
	}
	if wallet != tx.From() {
		return ErrNotAgentWallet.With("agent_id", formatID(agentID), "caller", tx.From().Hex())
	}
	active, err := a.registry.IsActive(ctx, agentID)
	if err != nil {
		return err
	}
	if !active {
		return ErrAgentInactive.With("agent_id", formatID(agentID))
	}
	rep, err := a.registry.Reputation(ctx, agentID)
	if err != nil {
		return err
	}
	if floor := a.cfg.Get().MinReputation; rep < floor {
		return ErrReputationTooLow.With("agent_id", formatID(agentID), "reputation", formatID(rep), "floor", formatID(floor))
	}
	return nil
}

// WithdrawBid 由出价者在竞价截止前撤回出价。撤回的出价仍占用
// 该代理在此任务上的出价名额。
func (a *Auction) WithdrawBid(ctx context.Context, call chain.Call, bidID uint64) error {
	return a.exec(ctx, "withdraw_bid", call, func(tx *chain.Tx) error {
		if err := a.pause.RequireActive(); err != nil {
			return err
		}
		b, ok := a.bids.Get(bidID)
		if !ok {
			return ErrBidNotFound.With("bid_id", formatID(bidID))
		}
		if b.Bidder != tx.From() {
			return ErrNotBidOwner.With("bid_id", formatID(bidID), "caller", tx.From().Hex())
		}
		t, err := a.load(b.TaskID)
		if err != nil {
			return err
		}
		if tx.Now().After(t.BiddingDeadline) {
			return ErrBiddingClosed.With("task_id", formatID(t.ID))
		}
		if b.Status != BidPending {
			return ErrBidNotPending.With("bid_id", formatID(bidID), "status", string(b.Status))
		}
		a.setBid(tx, b, BidWithdrawn)
		a.emit(tx, events.KindBidWithdrawn, t, map[string]string{
			"bid_id":   formatID(b.ID),
			"agent_id": formatID(b.AgentID),
		})
		return nil
	})
}

// SelectWinner 在竞价截止后由任何人调用。非撤回出价中金额最低者中标，
// 金额相同时编号较小（先提交）者中标；其余非撤回出价同时落选。
func (a *Auction) SelectWinner(ctx context.Context, call chain.Call, taskID uint64) (Bid, error) {
	var winner Bid
	err := a.exec(ctx, "select_winner", call, func(tx *chain.Tx) error {
		if err := a.pause.RequireActive(); err != nil {
			return err
		}
		t, err := a.load(taskID)
		if err != nil {
			return err
		}
		if err := a.requireStatus(t, StatusOpen); err != nil {
			return err
		}
		if !tx.Now().After(t.BiddingDeadline) {
			return ErrBiddingOpen.With("task_id", formatID(taskID), "deadline", t.BiddingDeadline.Format(time.RFC3339))
		}

		ids, _ := a.taskBids.Get(taskID)
		var best Bid
		found := false
		for _, id := range ids {
			b, _ := a.bids.Get(id)
			if b.Status == BidWithdrawn {
				continue
			}
			// ids 按提交顺序排列，只在严格更低时替换。
			if !found || b.Amount.Cmp(best.Amount) < 0 {
				best = b
				found = true
			}
		}
		if !found {
			return ErrNoBids.With("task_id", formatID(taskID), "bids", formatID(uint64(len(ids))))
		}
		for _, id := range ids {
			b, _ := a.bids.Get(id)
			switch {
			case b.ID == best.ID:
				winner = a.setBid(tx, b, BidWon)
			case b.Status == BidPending:
				a.setBid(tx, b, BidLost)
			}
		}

		t.WinningBidID = best.ID
		t, err = a.transition(tx, t, StatusAssigned)
		if err != nil {
			return err
		}
		a.emit(tx, events.KindTaskAssigned, t, map[string]string{
			"bid_id":   formatID(best.ID),
			"agent_id": formatID(best.AgentID),
			"amount":   best.Amount.String(),
		})
		return nil
	})
	if err != nil {
		return Bid{}, err
	}
	a.log.Info("任务已分配",
		slog.Uint64("task_id", taskID),
		slog.Uint64("bid_id", winner.ID),
		slog.Uint64("agent_id", winner.AgentID),
		slog.String("amount", money.FormatEther(winner.Amount)),
	)
	return winner, nil
}
