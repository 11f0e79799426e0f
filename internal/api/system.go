package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"AgentMarket-Chain/internal/events"
)

type healthView struct {
	Status   string    `json:"status"`
	TxSeq    uint64    `json:"tx_seq"`
	Now      time.Time `json:"now"`
	Paused   []string  `json:"paused,omitempty"`
	Treasury ether     `json:"treasury_balance"`
}

type accountView struct {
	Address string `json:"address"`
	Label   string `json:"label,omitempty"`
	Balance ether  `json:"balance"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	view := healthView{
		Status:   "ok",
		TxSeq:    s.deps.Engine.Seq(),
		Now:      s.deps.Engine.Now(),
		Treasury: formatEther(s.deps.Ledger.Balance()),
	}
	if s.deps.Ledger.Paused() {
		view.Paused = append(view.Paused, "treasury")
	}
	if s.deps.Tasks.Paused() {
		view.Paused = append(view.Paused, "task_auction")
	}
	if s.deps.Intents.Paused() {
		view.Paused = append(view.Paused, "intent_auction")
	}
	if len(view.Paused) > 0 {
		view.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(r.PathValue("address"))
	if err != nil {
		s.badRequest(w, r, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, accountView{
		Address: addr.Hex(),
		Label:   s.deps.Engine.Label(addr),
		Balance: formatEther(s.deps.Engine.BalanceOf(addr)),
	})
}

// handleEvents 回放已提交的事件，支持 entity、entity_id、kind、limit 过滤。
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeJSON(w, http.StatusOK, []events.Event{})
		return
	}
	q := r.URL.Query()
	filter := events.Filter{Entity: q.Get("entity"), Kind: events.Kind(q.Get("kind"))}
	if raw := q.Get("entity_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.badRequest(w, r, "非法的 entity_id: %q", raw)
			return
		}
		filter.EntityID = id
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.badRequest(w, r, "非法的 limit: %q", raw)
			return
		}
		filter.Limit = n
	}
	list, err := s.deps.Events.Query(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []events.Event{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleKeeper(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Keeper == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": true, "stats": s.deps.Keeper.Stats()})
}

func (s *Server) handleChains(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chains == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	writeJSON(w, http.StatusOK, s.deps.Chains.Snapshots(ctx))
}
