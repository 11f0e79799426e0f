package task

import (
	"math/big"
	"time"

	"AgentMarket-Chain/internal/auction"
	"AgentMarket-Chain/internal/money"
)

// Task 返回任务快照。
func (a *Auction) Task(taskID uint64) (Task, error) {
	var (
		t   Task
		err error
	)
	a.engine.View(func() { t, err = a.load(taskID) })
	if err != nil {
		return Task{}, err
	}
	return cloneTask(t), nil
}

// Bid 返回出价快照。
func (a *Auction) Bid(bidID uint64) (Bid, error) {
	var (
		b  Bid
		ok bool
	)
	a.engine.View(func() { b, ok = a.bids.Get(bidID) })
	if !ok {
		return Bid{}, ErrBidNotFound.With("bid_id", formatID(bidID))
	}
	return cloneBid(b), nil
}

// BidsForTask 按提交顺序返回任务的全部出价。
func (a *Auction) BidsForTask(taskID uint64) ([]Bid, error) {
	var (
		out []Bid
		err error
	)
	a.engine.View(func() {
		if _, err = a.load(taskID); err != nil {
			return
		}
		ids, _ := a.taskBids.Get(taskID)
		out = make([]Bid, 0, len(ids))
		for _, id := range ids {
			b, _ := a.bids.Get(id)
			out = append(out, cloneBid(b))
		}
	})
	return out, err
}

// ListTasks 按选项分页返回任务，默认最新的在前。
func (a *Auction) ListTasks(opts ...auction.ListOption) []Task {
	options := auction.BuildListOptions(opts)
	page := auction.NewPage[Task](options)
	a.engine.View(func() {
		for id := range options.IDs(a.taskSeq.Last()) {
			t, ok := a.tasks.Get(id)
			if !ok || !options.MatchStatus(string(t.Status)) || !options.MatchOwner(t.Creator) {
				continue
			}
			if !page.Add(cloneTask(t)) {
				return
			}
		}
	})
	return page.Items
}

// Stats 汇总各状态任务数量与托管总额。
func (a *Auction) Stats() Stats {
	stats := Stats{EscrowHeld: new(big.Int)}
	a.engine.View(func() {
		a.tasks.Range(func(_ uint64, t Task) bool {
			stats.Total++
			switch t.Status {
			case StatusOpen:
				stats.Open++
			case StatusAssigned:
				stats.Assigned++
			case StatusCompleted:
				stats.Completed++
			case StatusVerified:
				stats.Verified++
			case StatusFailed:
				stats.Failed++
			case StatusCancelled:
				stats.Cancelled++
			}
			stats.EscrowHeld = money.Add(stats.EscrowHeld, t.Escrow)
			return true
		})
		stats.Bids = a.bids.Len()
	})
	return stats
}

// EscrowHeld 返回所有任务尚未释放的托管总额，始终等于组件账户余额。
func (a *Auction) EscrowHeld() *big.Int {
	return a.Stats().EscrowHeld
}

// Due 返回在 now 时刻可以推进的任务：竞价已截止且有有效出价的任务，
// 以及完成期限已过仍未交付的任务。
func (a *Auction) Due(now time.Time) (selectable, expired []uint64) {
	a.engine.View(func() {
		for id := uint64(1); id <= a.taskSeq.Last(); id++ {
			t, ok := a.tasks.Get(id)
			if !ok {
				continue
			}
			switch {
			case t.Status == StatusOpen && now.After(t.BiddingDeadline) && a.hasLiveBid(id):
				selectable = append(selectable, id)
			case t.Status == StatusAssigned && now.After(t.CompletionDeadline):
				expired = append(expired, id)
			}
		}
	})
	return selectable, expired
}

func (a *Auction) hasLiveBid(taskID uint64) bool {
	ids, _ := a.taskBids.Get(taskID)
	for _, id := range ids {
		if b, _ := a.bids.Get(id); b.Status != BidWithdrawn {
			return true
		}
	}
	return false
}

func cloneTask(t Task) Task {
	t.MaxBid = money.Copy(t.MaxBid)
	t.Escrow = money.Copy(t.Escrow)
	return t
}

func cloneBid(b Bid) Bid {
	b.Amount = money.Copy(b.Amount)
	return b
}
