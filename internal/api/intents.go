package api

import (
	"context"
	"net/http"

	"AgentMarket-Chain/internal/auction/intent"
	"AgentMarket-Chain/internal/chain"
)

type createIntentRequest struct {
	RequestHash   string   `json:"request_hash"`
	MetadataRef   string   `json:"metadata_ref"`
	MaxBudget     ether    `json:"max_budget"`
	AuctionWindow duration `json:"auction_window"`
}

// offerRequest 的手续费通过 X-Value 附带。
type offerRequest struct {
	AgentID    uint64 `json:"agent_id"`
	OfferPrice ether  `json:"offer_price"`
}

type intentConfigRequest struct {
	AuctionWindow duration `json:"auction_window,omitempty"`
	MinBidFee     ether    `json:"min_bid_fee,omitempty"`
}

type intentWrite func(ctx context.Context, call chain.Call, intentID uint64) error

type intentStatsView struct {
	intent.Stats
	FeesTotal   ether `json:"fees_total"`
	FeesPending ether `json:"fees_pending"`
}

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) {
	opts, ok := s.listOptions(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(s.deps.Intents.ListIntents(opts...), newIntentView))
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	call, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req createIntentRequest
	if !s.decode(w, r, &req) {
		return
	}
	budget, err := req.MaxBudget.parse()
	if err != nil {
		s.badRequest(w, r, "非法的 max_budget: %v", err)
		return
	}
	hash, err := parseHash(req.RequestHash)
	if err != nil {
		s.badRequest(w, r, "非法的 request_hash: %v", err)
		return
	}
	window, err := req.AuctionWindow.parse()
	if err != nil {
		s.badRequest(w, r, "非法的 auction_window: %v", err)
		return
	}
	created, err := s.deps.Intents.CreateIntent(r.Context(), call, intent.CreateIntentRequest{
		RequestHash:   hash,
		MetadataRef:   req.MetadataRef,
		MaxBudget:     budget,
		AuctionWindow: window,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newIntentView(created))
}

func (s *Server) handleIntentStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.deps.Intents.Stats()
	writeJSON(w, http.StatusOK, intentStatsView{
		Stats:       stats,
		FeesTotal:   formatEther(stats.FeesTotal),
		FeesPending: formatEther(stats.FeesPending),
	})
}

// handleIntentConfig 只修改请求中出现的字段。
func (s *Server) handleIntentConfig(w http.ResponseWriter, r *http.Request) {
	call, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req intentConfigRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.AuctionWindow == "" && req.MinBidFee == "" {
		s.badRequest(w, r, "auction_window 与 min_bid_fee 至少提供一个")
		return
	}
	if req.AuctionWindow != "" {
		window, err := req.AuctionWindow.parse()
		if err != nil {
			s.badRequest(w, r, "非法的 auction_window: %v", err)
			return
		}
		if err := s.deps.Intents.SetDefaultWindow(r.Context(), call, window); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if req.MinBidFee != "" {
		fee, err := req.MinBidFee.parse()
		if err != nil {
			s.badRequest(w, r, "非法的 min_bid_fee: %v", err)
			return
		}
		if err := s.deps.Intents.SetMinBidFee(r.Context(), call, fee); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	cfg := s.deps.Intents.Config()
	writeJSON(w, http.StatusOK, intentConfigRequest{
		AuctionWindow: duration(cfg.DefaultAuctionWindow.String()),
		MinBidFee:     formatEther(cfg.MinBidFee),
	})
}

func (s *Server) handleIntentRoles(w http.ResponseWriter, r *http.Request) {
	s.changeRole(w, r, s.deps.Intents)
}

func (s *Server) handleIntentPause(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, s.deps.Intents)
}

func (s *Server) handleFlushFees(w http.ResponseWriter, r *http.Request) {
	call, ok := s.caller(w, r)
	if !ok {
		return
	}
	flushed, err := s.deps.Intents.FlushFeesToTreasury(r.Context(), call)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"flushed":  formatEther(flushed),
		"treasury": newSummaryView(s.deps.Ledger),
	})
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	s.respondIntent(w, r, id)
}

func (s *Server) handleIntentOffers(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	offers, err := s.deps.Intents.OffersForIntent(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(offers, newOfferView))
}

func (s *Server) handleSubmitOffer(w http.ResponseWriter, r *http.Request) {
	call, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req offerRequest
	if !s.decode(w, r, &req) {
		return
	}
	price, err := req.OfferPrice.parse()
	if err != nil {
		s.badRequest(w, r, "非法的 offer_price: %v", err)
		return
	}
	offer, err := s.deps.Intents.SubmitOffer(r.Context(), call, id, req.AgentID, price)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newOfferView(offer))
}

func (s *Server) handleCloseAuction(w http.ResponseWriter, r *http.Request) {
	call, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	closed, err := s.deps.Intents.CloseAuction(r.Context(), call, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newIntentView(closed))
}

func (s *Server) handleCancelIntent(w http.ResponseWriter, r *http.Request) {
	s.intentAction(w, r, s.deps.Intents.CancelIntent)
}

func (s *Server) handleMarkFulfilled(w http.ResponseWriter, r *http.Request) {
	s.intentAction(w, r, s.deps.Intents.MarkFulfilled)
}

func (s *Server) handleConfirmFulfillment(w http.ResponseWriter, r *http.Request) {
	s.intentAction(w, r, s.deps.Intents.ConfirmFulfillment)
}

func (s *Server) handleRaiseDispute(w http.ResponseWriter, r *http.Request) {
	s.intentAction(w, r, s.deps.Intents.RaiseDispute)
}

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	offer, err := s.deps.Intents.Offer(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOfferView(offer))
}

func (s *Server) handleWithdrawOffer(w http.ResponseWriter, r *http.Request) {
	call, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Intents.WithdrawOffer(r.Context(), call, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	offer, err := s.deps.Intents.Offer(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOfferView(offer))
}

// intentAction 处理只需要意图编号的写操作，成功后返回最新状态。
func (s *Server) intentAction(w http.ResponseWriter, r *http.Request, action intentWrite) {
	call, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := action(r.Context(), call, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondIntent(w, r, id)
}

func (s *Server) respondIntent(w http.ResponseWriter, r *http.Request, id uint64) {
	in, err := s.deps.Intents.Intent(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newIntentView(in))
}
