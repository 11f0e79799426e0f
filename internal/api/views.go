package api

import (
	"time"

	"AgentMarket-Chain/internal/auction/intent"
	"AgentMarket-Chain/internal/auction/task"
	"AgentMarket-Chain/internal/chain"
	"AgentMarket-Chain/internal/ledger"
)

// 以下视图把内部的 *big.Int 金额转换为 ether 字符串。

type taskView struct {
	ID                 uint64    `json:"id"`
	WorkType           string    `json:"work_type"`
	ContentHash        string    `json:"content_hash"`
	MetadataRef        string    `json:"metadata_ref,omitempty"`
	MaxBid             ether     `json:"max_bid"`
	Escrow             ether     `json:"escrow"`
	BiddingDeadline    time.Time `json:"bidding_deadline"`
	CompletionDeadline time.Time `json:"completion_deadline"`
	Status             string    `json:"status"`
	WinningBidID       uint64    `json:"winning_bid_id,omitempty"`
	OutputHash         string    `json:"output_hash,omitempty"`
	Creator            string    `json:"creator"`
	BidCount           int       `json:"bid_count"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func newTaskView(t task.Task) taskView {
	v := taskView{
		ID:                 t.ID,
		WorkType:           t.WorkType,
		ContentHash:        t.ContentHash.Hex(),
		MetadataRef:        t.MetadataRef,
		MaxBid:             formatEther(t.MaxBid),
		Escrow:             formatEther(t.Escrow),
		BiddingDeadline:    t.BiddingDeadline,
		CompletionDeadline: t.CompletionDeadline,
		Status:             string(t.Status),
		WinningBidID:       t.WinningBidID,
		Creator:            t.Creator.Hex(),
		BidCount:           t.BidCount,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}
	if t.OutputHash != ([32]byte{}) {
		v.OutputHash = t.OutputHash.Hex()
	}
	return v
}

type bidView struct {
	ID          uint64    `json:"id"`
	TaskID      uint64    `json:"task_id"`
	AgentID     uint64    `json:"agent_id"`
	Bidder      string    `json:"bidder"`
	Amount      ether     `json:"amount"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func newBidView(b task.Bid) bidView {
	return bidView{
		ID:          b.ID,
		TaskID:      b.TaskID,
		AgentID:     b.AgentID,
		Bidder:      b.Bidder.Hex(),
		Amount:      formatEther(b.Amount),
		Status:      string(b.Status),
		SubmittedAt: b.SubmittedAt,
	}
}

type intentView struct {
	ID                 uint64    `json:"id"`
	Requester          string    `json:"requester"`
	RequestHash        string    `json:"request_hash"`
	MetadataRef        string    `json:"metadata_ref,omitempty"`
	MaxBudget          ether     `json:"max_budget"`
	AuctionDeadline    time.Time `json:"auction_deadline"`
	Status             string    `json:"status"`
	WinningOfferID     uint64    `json:"winning_offer_id,omitempty"`
	TotalFeesCollected ether     `json:"total_fees_collected"`
	FeesForwarded      ether     `json:"fees_forwarded"`
	OfferCount         int       `json:"offer_count"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func newIntentView(in intent.Intent) intentView {
	return intentView{
		ID:                 in.ID,
		Requester:          in.Requester.Hex(),
		RequestHash:        in.RequestHash.Hex(),
		MetadataRef:        in.MetadataRef,
		MaxBudget:          formatEther(in.MaxBudget),
		AuctionDeadline:    in.AuctionDeadline,
		Status:             string(in.Status),
		WinningOfferID:     in.WinningOfferID,
		TotalFeesCollected: formatEther(in.TotalFeesCollected),
		FeesForwarded:      formatEther(in.FeesForwarded),
		OfferCount:         in.OfferCount,
		CreatedAt:          in.CreatedAt,
		UpdatedAt:          in.UpdatedAt,
	}
}

type offerView struct {
	ID          uint64    `json:"id"`
	IntentID    uint64    `json:"intent_id"`
	AgentID     uint64    `json:"agent_id"`
	Offerer     string    `json:"offerer"`
	OfferPrice  ether     `json:"offer_price"`
	BidFee      ether     `json:"bid_fee"`
	Score       string    `json:"score"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func newOfferView(o intent.Offer) offerView {
	return offerView{
		ID:          o.ID,
		IntentID:    o.IntentID,
		AgentID:     o.AgentID,
		Offerer:     o.Offerer.Hex(),
		OfferPrice:  formatEther(o.OfferPrice),
		BidFee:      formatEther(o.BidFee),
		Score:       string(formatEther(o.Score)),
		Status:      string(o.Status),
		SubmittedAt: o.SubmittedAt,
	}
}

type summaryView struct {
	Address string `json:"address"`
	Paused  bool   `json:"paused"`
	Balance ether  `json:"balance"`
	Revenue ether  `json:"revenue"`
	Costs   ether  `json:"costs"`
	Profit  ether  `json:"profit"`
}

func newSummaryView(l *ledger.Ledger) summaryView {
	sum := l.Summary()
	return summaryView{
		Address: l.Address().Hex(),
		Paused:  l.Paused(),
		Balance: formatEther(sum.Balance),
		Revenue: formatEther(sum.Revenue),
		Costs:   formatEther(sum.Costs),
		Profit:  formatEther(sum.Profit),
	}
}

type receiptView struct {
	TxSeq     uint64    `json:"tx_seq"`
	Timestamp time.Time `json:"timestamp"`
	Events    int       `json:"events"`
}

func newReceiptView(r chain.Receipt) receiptView {
	return receiptView{TxSeq: r.Seq, Timestamp: r.Timestamp, Events: len(r.Events)}
}

func mapSlice[T, V any](in []T, fn func(T) V) []V {
	out := make([]V, 0, len(in))
	for _, item := range in {
		out = append(out, fn(item))
	}
	return out
}
