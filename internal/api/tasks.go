package api

import (
	"net/http"
	"strconv"
	"strings"

	"AgentMarket-Chain/internal/auction"
	"AgentMarket-Chain/internal/auction/task"
)

type createTaskRequest struct {
	WorkType         string   `json:"work_type"`
	ContentHash      string   `json:"content_hash"`
	MetadataRef      string   `json:"metadata_ref"`
	MaxBid           ether    `json:"max_bid"`
	BiddingWindow    duration `json:"bidding_window"`
	CompletionWindow duration `json:"completion_window"`
}

type bidRequest struct {
	AgentID uint64 `json:"agent_id"`
	Amount  ether  `json:"amount"`
}

type completeRequest struct {
	OutputHash string `json:"output_hash"`
}

type validateRequest struct {
	Approved bool `json:"approved"`
}

type taskConfigRequest struct {
	BiddingWindow    duration `json:"bidding_window"`
	CompletionWindow duration `json:"completion_window"`
}

type taskStatsView struct {
	task.Stats
	EscrowHeld ether `json:"escrow_held"`
}

// listOptions 解析 limit、offset、status、owner、order 查询参数。
func (s *Server) listOptions(w http.ResponseWriter, r *http.Request) ([]auction.ListOption, bool) {
	q := r.URL.Query()
	var opts []auction.ListOption
	for _, key := range []string{"limit", "offset"} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.badRequest(w, r, "非法的 %s: %q", key, raw)
			return nil, false
		}
		if key == "limit" {
			opts = append(opts, auction.WithLimit(n))
		} else {
			opts = append(opts, auction.WithOffset(n))
		}
	}
	var statuses []string
	for _, raw := range q["status"] {
		for _, st := range strings.Split(raw, ",") {
			if st = strings.TrimSpace(st); st != "" {
				statuses = append(statuses, st)
			}
		}
	}
	if len(statuses) > 0 {
		opts = append(opts, auction.WithStatuses(statuses...))
	}
	if raw := q.Get("owner"); raw != "" {
		owner, err := parseAddress(raw)
		if err != nil {
			s.badRequest(w, r, "%v", err)
			return nil, false
		}
		opts = append(opts, auction.WithOwner(owner))
	}
	switch q.Get("order") {
	case "", "desc":
	case "asc":
		opts = append(opts, auction.WithSortOrder(auction.SortByIDAsc))
	default:
		s.badRequest(w, r, "order 只能是 asc 或 desc")
		return nil, false
	}
	return opts, true
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts, ok := s.listOptions(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(s.deps.Tasks.ListTasks(opts...), newTaskView))
}

// handleCreateTask 发布任务，X-Value 必须等于 max_bid。
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	call, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req createTaskRequest
	if !s.decode(w, r, &req) {
		return
	}
	maxBid, err := req.MaxBid.parse()
	if err != nil {
		s.badRequest(w, r, "非法的 max_bid: %v", err)
		return
	}
	hash, err := parseHash(req.ContentHash)
	if err != nil {
		s.badRequest(w, r, "非法的 content_hash: %v", err)
		return
	}
	bidding, err := req.BiddingWindow.parse()
	if err != nil {
		s.badRequest(w, r, "非法的 bidding_window: %v", err)
		return
	}
	completion, err := req.CompletionWindow.parse()
	if err != nil {
		s.badRequest(w, r, "非法的 completion_window: %v", err)
		return
	}
	created, err := s.deps.Tasks.CreateTask(r.Context(), call, task.CreateTaskRequest{
		WorkType:         req.WorkType,
		ContentHash:      hash,
		MetadataRef:      req.MetadataRef,
		MaxBid:           maxBid,
		BiddingWindow:    bidding,
		CompletionWindow: completion,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTaskView(created))
}

func (s *Server) handleTaskStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.deps.Tasks.Stats()
	writeJSON(w, http.StatusOK, taskStatsView{Stats: stats, EscrowHeld: formatEther(stats.EscrowHeld)})
}

func (s *Server) handleTaskConfig(w http.ResponseWriter, r *http.Request) {
	call, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req taskConfigRequest
	if !s.decode(w, r, &req) {
		return
	}
	bidding, err := req.BiddingWindow.parse()
	if err != nil {
		s.badRequest(w, r, "非法的 bidding_window: %v", err)
		return
	}
	completion, err := req.CompletionWindow.parse()
	if err != nil {
		s.badRequest(w, r, "非法的 completion_window: %v", err)
		return
	}
	if err := s.deps.Tasks.SetDefaultWindows(r.Context(), call, bidding, completion); err != nil {
		s.writeError(w, r, err)
		return
	}
	cfg := s.deps.Tasks.Config()
	writeJSON(w, http.StatusOK, taskConfigRequest{
		BiddingWindow:    duration(cfg.DefaultBiddingWindow.String()),
		CompletionWindow: duration(cfg.DefaultCompletionWindow.String()),
	})
}

func (s *Server) handleTaskRoles(w http.ResponseWriter, r *http.Request) {
	s.changeRole(w, r, s.deps.Tasks)
}

func (s *Server) handleTaskPause(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, s.deps.Tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	t, err := s.deps.Tasks.Task(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskView(t))
}

func (s *Server) handleTaskBids(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	bids, err := s.deps.Tasks.BidsForTask(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(bids, newBidView))
}

func (s *Server) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	call, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req bidRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := req.Amount.parse()
	if err != nil {
		s.badRequest(w, r, "非法的 amount: %v", err)
		return
	}
	bid, err := s.deps.Tasks.SubmitBid(r.Context(), call, id, req.AgentID, amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newBidView(bid))
}

func (s *Server) handleSelectWinner(w http.ResponseWriter, r *http.Request) {
	call, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	bid, err := s.deps.Tasks.SelectWinner(r.Context(), call, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBidView(bid))
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	call, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req completeRequest
	if !s.decode(w, r, &req) {
		return
	}
	output, err := parseHash(req.OutputHash)
	if err != nil {
		s.badRequest(w, r, "非法的 output_hash: %v", err)
		return
	}
	if err := s.deps.Tasks.CompleteTask(r.Context(), call, id, output); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondTask(w, r, id)
}

func (s *Server) handleValidateTask(w http.ResponseWriter, r *http.Request) {
	call, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req validateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.deps.Tasks.ValidateAndPay(r.Context(), call, id, req.Approved); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondTask(w, r, id)
}

func (s *Server) handleFailExpired(w http.ResponseWriter, r *http.Request) {
	call, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Tasks.FailExpiredTask(r.Context(), call, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondTask(w, r, id)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	call, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Tasks.CancelTask(r.Context(), call, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondTask(w, r, id)
}

func (s *Server) handleGetBid(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	bid, err := s.deps.Tasks.Bid(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBidView(bid))
}

func (s *Server) handleWithdrawBid(w http.ResponseWriter, r *http.Request) {
	call, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Tasks.WithdrawBid(r.Context(), call, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	bid, err := s.deps.Tasks.Bid(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBidView(bid))
}

// respondTask 在写操作成功后返回任务的最新状态。
func (s *Server) respondTask(w http.ResponseWriter, r *http.Request, id uint64) {
	t, err := s.deps.Tasks.Task(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskView(t))
}
