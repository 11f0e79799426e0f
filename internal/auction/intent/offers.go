package intent

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AgentMarket-Chain/internal/chain"
	xerrors "AgentMarket-Chain/internal/errors"
	"AgentMarket-Chain/internal/events"
	"AgentMarket-Chain/internal/money"
	"AgentMarket-Chain/internal/registry"
)

// CreateIntentRequest 描述新意图。AuctionWindow 为 0 时使用默认窗口。
type CreateIntentRequest struct {
	RequestHash   common.Hash
	MetadataRef   string
	MaxBudget     *big.Int
	AuctionWindow time.Duration
}

// CreateIntent 由买方发布意图，调用者成为请求方。
func (a *Auction) CreateIntent(ctx context.Context, call chain.Call, req CreateIntentRequest) (Intent, error) {
	var created Intent
	err := a.exec(ctx, "create_intent", call, false, func(tx *chain.Tx) error {
		if err := a.pause.RequireActive(); err != nil {
			return err
		}
		if !money.Positive(req.MaxBudget) {
			return ErrZeroBudget
		}
		if req.AuctionWindow < 0 {
			return ErrInvalidWindow.With("window", req.AuctionWindow.String())
		}
		window := req.AuctionWindow
		if window == 0 {
			window = a.cfg.Get().DefaultAuctionWindow
		}
		now := tx.Now()
		in := Intent{
			ID:                 a.intentSeq.Next(tx),
			Requester:          tx.From(),
			RequestHash:        req.RequestHash,
			MetadataRef:        req.MetadataRef,
			MaxBudget:          money.Copy(req.MaxBudget),
			AuctionDeadline:    now.Add(window),
			Status:             StatusOpen,
			TotalFeesCollected: new(big.Int),
			FeesForwarded:      new(big.Int),
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		a.intents.Put(tx, in.ID, in)
		a.emit(tx, events.KindIntentCreated, in, map[string]string{
			"requester":        in.Requester.Hex(),
			"max_budget":       in.MaxBudget.String(),
			"auction_deadline": in.AuctionDeadline.Format(time.RFC3339),
		})
		created = in
		return nil
	})
	if err != nil {
		return Intent{}, err
	}
	a.log.Info("意图已创建",
		slog.Uint64("intent_id", created.ID),
		slog.String("requester", created.Requester.Hex()),
		slog.String("max_budget", money.FormatEther(created.MaxBudget)),
	)
	return created, nil
}

// SubmitOffer 由卖方代理提交报价，调用附带的金额即出价手续费，不可退还。
func (a *Auction) SubmitOffer(ctx context.Context, call chain.Call, intentID, agentID uint64, offerPrice *big.Int) (Offer, error) {
	var placed Offer
	err := a.exec(ctx, "submit_offer", call, true, func(tx *chain.Tx) error {
		if err := a.pause.RequireActive(); err != nil {
			return err
		}
		in, err := a.load(intentID)
		if err != nil {
			return err
		}
		if in.Status != StatusOpen {
			return ErrInvalidState.With("intent_id", formatID(intentID), "status", string(in.Status))
		}
		if err := a.requireSeller(tx, agentID); err != nil {
			return err
		}
		if tx.Now().After(in.AuctionDeadline) {
			return ErrAuctionClosed.With("intent_id", formatID(intentID), "deadline", in.AuctionDeadline.Format(time.RFC3339))
		}
		fee := tx.Value()
		if floor := a.cfg.Get().MinBidFee; !money.Positive(fee) || fee.Cmp(floor) < 0 {
			return ErrFeeTooLow.With("fee", fee.String(), "min", floor.String())
		}
		offerPrice = money.Copy(offerPrice)
		if offerPrice.Sign() < 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "offer price must not be negative")
		}
		if offerPrice.Cmp(in.MaxBudget) > 0 {
			return ErrOfferExceedsMax.With("offer_price", offerPrice.String(), "max_budget", in.MaxBudget.String())
		}
		key := agentKey{intentID: intentID, agentID: agentID}
		if a.agentOffer.Has(key) {
			return ErrDuplicateOffer.With("intent_id", formatID(intentID), "agent_id", formatID(agentID))
		}

		o := Offer{
			ID:          a.offerSeq.Next(tx),
			IntentID:    intentID,
			AgentID:     agentID,
			Offerer:     tx.From(),
			OfferPrice:  offerPrice,
			BidFee:      fee,
			Score:       Score(fee, in.MaxBudget, offerPrice),
			Status:      OfferPending,
			SubmittedAt: tx.Now(),
		}
		a.offers.Put(tx, o.ID, o)
		a.agentOffer.Put(tx, key, o.ID)
		ids, _ := a.intentOffers.Get(intentID)
		a.intentOffers.Put(tx, intentID, append(append([]uint64(nil), ids...), o.ID))

		in.TotalFeesCollected = money.Add(in.TotalFeesCollected, fee)
		in.OfferCount++
		in.UpdatedAt = tx.Now()
		a.intents.Put(tx, in.ID, in)
		a.emit(tx, events.KindOfferSubmitted, in, map[string]string{
			"offer_id":    formatID(o.ID),
			"agent_id":    formatID(agentID),
			"offer_price": o.OfferPrice.String(),
			"bid_fee":     fee.String(),
			"score":       o.Score.String(),
		})
		placed = o
		return nil
	})
	if err != nil {
		return Offer{}, err
	}
	return placed, nil
}

// requireSeller 检查调用者是代理钱包、代理活跃且为卖方。
func (a *Auction) requireSeller(tx *chain.Tx, agentID uint64) error {
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
	typ, err := a.registry.AgentType(ctx, agentID)
	if err != nil {
		return err
	}
	if typ != registry.AgentTypeSeller {
		return ErrWrongAgentType.With("agent_id", formatID(agentID), "type", typ.String())
	}
	return nil
}

// WithdrawOffer 由报价者在截止前撤回报价，手续费不退还。
func (a *Auction) WithdrawOffer(ctx context.Context, call chain.Call, offerID uint64) error {
	return a.exec(ctx, "withdraw_offer", call, false, func(tx *chain.Tx) error {
		if err := a.pause.RequireActive(); err != nil {
			return err
		}
		o, ok := a.offers.Get(offerID)
		if !ok {
			return ErrOfferNotFound.With("offer_id", formatID(offerID))
		}
		if o.Offerer != tx.From() {
			return ErrNotOfferOwner.With("offer_id", formatID(offerID), "caller", tx.From().Hex())
		}
		in, err := a.load(o.IntentID)
		if err != nil {
			return err
		}
		if tx.Now().After(in.AuctionDeadline) {
			return ErrAuctionClosed.With("intent_id", formatID(in.ID))
		}
		if o.Status != OfferPending {
			return ErrOfferNotPending.With("offer_id", formatID(offerID), "status", string(o.Status))
		}
		a.setOffer(tx, o, OfferWithdrawn)
		a.emit(tx, events.KindOfferWithdrawn, in, map[string]string{
			"offer_id": formatID(o.ID),
			"agent_id": formatID(o.AgentID),
		})
		return nil
	})
}

// CloseAuction 在截止后由任何人调用。得分最高的有效报价中标，得分相同时
// 编号较小者中标；没有有效报价时意图过期。无论结果如何，未转出的手续费
// 都以一笔存入转入结算账户。
func (a *Auction) CloseAuction(ctx context.Context, call chain.Call, intentID uint64) (Intent, error) {
	var closed Intent
	err := a.exec(ctx, "close_auction", call, false, func(tx *chain.Tx) error {
		if err := a.pause.RequireActive(); err != nil {
			return err
		}
		in, err := a.load(intentID)
		if err != nil {
			return err
		}
		if in.Status != StatusOpen {
			return ErrInvalidState.With("intent_id", formatID(intentID), "status", string(in.Status))
		}
		if !tx.Now().After(in.AuctionDeadline) {
			return ErrAuctionOpen.With("intent_id", formatID(intentID), "deadline", in.AuctionDeadline.Format(time.RFC3339))
		}

		ids, _ := a.intentOffers.Get(intentID)
		var best Offer
		found := false
		for _, id := range ids {
			o, _ := a.offers.Get(id)
			if o.Status == OfferWithdrawn {
				continue
			}
			if !found || o.Score.Cmp(best.Score) > 0 {
				best = o
				found = true
			}
		}

		kind := events.KindIntentExpired
		target := StatusExpired
		attrs := map[string]string{}
		if found {
			kind = events.KindIntentClosed
			target = StatusClosed
			for _, id := range ids {
				o, _ := a.offers.Get(id)
				switch {
				case o.ID == best.ID:
					a.setOffer(tx, o, OfferWon)
				case o.Status == OfferPending:
					a.setOffer(tx, o, OfferLost)
				}
			}
			in.WinningOfferID = best.ID
			attrs["offer_id"] = formatID(best.ID)
			attrs["agent_id"] = formatID(best.AgentID)
			attrs["score"] = best.Score.String()
		}
		in, err = a.transition(tx, in, target)
		if err != nil {
			return err
		}
		in, forwarded, err := a.forwardFees(tx, in)
		if err != nil {
			return err
		}
		attrs["fees_forwarded"] = forwarded.String()
		a.emit(tx, kind, in, attrs)
		if money.Positive(forwarded) {
			a.emit(tx, events.KindFeesForwarded, in, map[string]string{"amount": forwarded.String()})
		}
		closed = in
		return nil
	})
	if err != nil {
		return Intent{}, err
	}
	a.log.Info("意图拍卖已结束",
		slog.Uint64("intent_id", closed.ID),
		slog.String("status", string(closed.Status)),
		slog.Uint64("winning_offer_id", closed.WinningOfferID),
	)
	return cloneIntent(closed), nil
}

// CancelIntent 由请求方在拍卖进行中取消，已收取的手续费照常转入结算账户。
func (a *Auction) CancelIntent(ctx context.Context, call chain.Call, intentID uint64) error {
	return a.exec(ctx, "cancel_intent", call, false, func(tx *chain.Tx) error {
		if err := a.pause.RequireActive(); err != nil {
			return err
		}
		in, err := a.load(intentID)
		if err != nil {
			return err
		}
		if in.Requester != tx.From() {
			return ErrNotRequester.With("intent_id", formatID(intentID), "caller", tx.From().Hex())
		}
		in, err = a.transition(tx, in, StatusExpired)
		if err != nil {
			return err
		}
		ids, _ := a.intentOffers.Get(intentID)
		for _, id := range ids {
			if o, _ := a.offers.Get(id); o.Status == OfferPending {
				a.setOffer(tx, o, OfferLost)
			}
		}
		in, forwarded, err := a.forwardFees(tx, in)
		if err != nil {
			return err
		}
		a.emit(tx, events.KindIntentExpired, in, map[string]string{
			"reason":         "cancelled",
			"fees_forwarded": forwarded.String(),
		})
		if money.Positive(forwarded) {
			a.emit(tx, events.KindFeesForwarded, in, map[string]string{"amount": forwarded.String()})
		}
		return nil
	})
}
