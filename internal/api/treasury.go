package api

import (
	"context"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"AgentMarket-Chain/internal/access"
	"AgentMarket-Chain/internal/chain"
)

type payRequest struct {
	To     string `json:"to"`
	Amount ether  `json:"amount"`
}

type roleRequest struct {
	Action  string `json:"action"`
	Role    string `json:"role"`
	Address string `json:"address"`
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

// roleManager 是三个组件共有的角色管理能力。
type roleManager interface {
	Grant(ctx context.Context, call chain.Call, role access.Role, addr common.Address) error
	Revoke(ctx context.Context, call chain.Call, role access.Role, addr common.Address) error
}

type pausable interface {
	SetPaused(ctx context.Context, call chain.Call, paused bool) error
}

func (s *Server) handleTreasurySummary(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newSummaryView(s.deps.Ledger))
}

// handleTreasuryDeposit 把 X-Value 中的金额存入结算账户。
func (s *Server) handleTreasuryDeposit(w http.ResponseWriter, r *http.Request) {
	call, ok := s.caller(w, r)
	if !ok {
		return
	}
	receipt, err := s.deps.Ledger.Deposit(r.Context(), call)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"receipt":  newReceiptView(receipt),
		"treasury": newSummaryView(s.deps.Ledger),
	})
}

func (s *Server) handleTreasuryPay(w http.ResponseWriter, r *http.Request) {
	call, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req payRequest
	if !s.decode(w, r, &req) {
		return
	}
	to, err := parseAddress(req.To)
	if err != nil {
		s.badRequest(w, r, "%v", err)
		return
	}
	amount, err := req.Amount.parse()
	if err != nil {
		s.badRequest(w, r, "非法金额: %v", err)
		return
	}
	receipt, err := s.deps.Ledger.Pay(r.Context(), call, to, amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"receipt":  newReceiptView(receipt),
		"treasury": newSummaryView(s.deps.Ledger),
	})
}

func (s *Server) handleTreasuryRoles(w http.ResponseWriter, r *http.Request) {
	s.changeRole(w, r, s.deps.Ledger)
}

func (s *Server) handleTreasuryPause(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, s.deps.Ledger)
}

// changeRole 解析 {action, role, address} 并调用组件的 Grant 或 Revoke。
func (s *Server) changeRole(w http.ResponseWriter, r *http.Request, target roleManager) {
	call, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req roleRequest
	if !s.decode(w, r, &req) {
		return
	}
	addr, err := parseAddress(req.Address)
	if err != nil {
		s.badRequest(w, r, "%v", err)
		return
	}
	role := access.Role(req.Role)
	switch req.Action {
	case "grant", "":
		err = target.Grant(r.Context(), call, role, addr)
	case "revoke":
		err = target.Revoke(r.Context(), call, role, addr)
	default:
		s.badRequest(w, r, "未知操作 %q", req.Action)
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"role": role, "address": addr.Hex(), "action": defaultString(req.Action, "grant")})
}

func (s *Server) setPaused(w http.ResponseWriter, r *http.Request, target pausable) {
	call, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req pauseRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := target.SetPaused(r.Context(), call, req.Paused); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pauseRequest{Paused: req.Paused})
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
