package intent

import (
	"math/big"
	"time"

	"AgentMarket-Chain/internal/auction"
	"AgentMarket-Chain/internal/money"
)

// Intent 返回意图快照。
func (a *Auction) Intent(intentID uint64) (Intent, error) {
	var (
		in  Intent
		err error
	)
	a.engine.View(func() { in, err = a.load(intentID) })
	if err != nil {
		return Intent{}, err
	}
	return cloneIntent(in), nil
}

// Offer 返回报价快照。
func (a *Auction) Offer(offerID uint64) (Offer, error) {
	var (
		o  Offer
		ok bool
	)
	a.engine.View(func() { o, ok = a.offers.Get(offerID) })
	if !ok {
		return Offer{}, ErrOfferNotFound.With("offer_id", formatID(offerID))
	}
	return cloneOffer(o), nil
}

// OffersForIntent 按提交顺序返回意图的全部报价。
func (a *Auction) OffersForIntent(intentID uint64) ([]Offer, error) {
	var (
		out []Offer
		err error
	)
	a.engine.View(func() {
		if _, err = a.load(intentID); err != nil {
			return
		}
		ids, _ := a.intentOffers.Get(intentID)
		out = make([]Offer, 0, len(ids))
		for _, id := range ids {
			o, _ := a.offers.Get(id)
			out = append(out, cloneOffer(o))
		}
	})
	return out, err
}

// ListIntents 按选项分页返回意图。
func (a *Auction) ListIntents(opts ...auction.ListOption) []Intent {
	options := auction.BuildListOptions(opts)
	page := auction.NewPage[Intent](options)
	a.engine.View(func() {
		for id := range options.IDs(a.intentSeq.Last()) {
			in, ok := a.intents.Get(id)
			if !ok || !options.MatchStatus(string(in.Status)) || !options.MatchOwner(in.Requester) {
				continue
			}
			if !page.Add(cloneIntent(in)) {
				return
			}
		}
	})
	return page.Items
}

// Stats 汇总意图状态与手续费。
func (a *Auction) Stats() Stats {
	stats := Stats{FeesTotal: new(big.Int), FeesPending: new(big.Int)}
	a.engine.View(func() {
		a.intents.Range(func(_ uint64, in Intent) bool {
			stats.Total++
			switch in.Status {
			case StatusOpen:
				stats.Open++
			case StatusClosed:
				stats.Closed++
			case StatusFulfilled:
				stats.Fulfilled++
			case StatusConfirmed:
				stats.Confirmed++
			case StatusDisputed:
				stats.Disputed++
			case StatusExpired:
				stats.Expired++
			}
			stats.FeesTotal = money.Add(stats.FeesTotal, in.TotalFeesCollected)
			stats.FeesPending = money.Add(stats.FeesPending, in.PendingFees())
			return true
		})
		stats.Offers = a.offers.Len()
	})
	return stats
}

// Due 返回在 now 时刻已过截止时间、仍待结束的意图。
func (a *Auction) Due(now time.Time) []uint64 {
	var due []uint64
	a.engine.View(func() {
		for id := uint64(1); id <= a.intentSeq.Last(); id++ {
			in, ok := a.intents.Get(id)
			if ok && in.Status == StatusOpen && now.After(in.AuctionDeadline) {
				due = append(due, id)
			}
		}
	})
	return due
}

func cloneIntent(in Intent) Intent {
	in.MaxBudget = money.Copy(in.MaxBudget)
	in.TotalFeesCollected = money.Copy(in.TotalFeesCollected)
	in.FeesForwarded = money.Copy(in.FeesForwarded)
	return in
}

func cloneOffer(o Offer) Offer {
	o.OfferPrice = money.Copy(o.OfferPrice)
	o.BidFee = money.Copy(o.BidFee)
	o.Score = money.Copy(o.Score)
	return o
}
