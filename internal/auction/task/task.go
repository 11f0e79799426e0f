// Package task 实现任务拍卖：运营方托管预算发布任务，代理在竞价窗口内
// 出价，最低价中标；中标者在完成窗口内交付，运营方验收后从托管中付款，
// 余款与罚没款转入结算账户。
package task

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentMarket-Chain/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusOpen      Status = "open"
	StatusAssigned  Status = "assigned"
	StatusCompleted Status = "completed"
	StatusVerified  Status = "verified"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// transitions 是任务状态机的全部合法迁移。
var transitions = map[Status][]Status{
	StatusOpen:      {StatusAssigned, StatusCancelled},
	StatusAssigned:  {StatusCompleted, StatusFailed},
	StatusCompleted: {StatusVerified, StatusFailed},
}

// CanTransition 判断 from → to 是否在状态机中。
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusVerified || s == StatusFailed || s == StatusCancelled
}

// IsValidStatus 判断状态名称是否有效。
func IsValidStatus(s Status) bool {
	switch s {
	case StatusOpen, StatusAssigned, StatusCompleted, StatusVerified, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// BidStatus 表示出价状态。
type BidStatus string

const (
	BidPending   BidStatus = "pending"
	BidWon       BidStatus = "won"
	BidLost      BidStatus = "lost"
	BidWithdrawn BidStatus = "withdrawn"
)

// Task 是一个托管预算的工作单元。Escrow 是尚未释放的托管金额，
// 创建时等于 MaxBid，进入终态后为零。
type Task struct {
	ID                 uint64
	WorkType           string
	ContentHash        common.Hash
	MetadataRef        string
	MaxBid             *big.Int
	Escrow             *big.Int
	BiddingDeadline    time.Time
	CompletionDeadline time.Time
	Status             Status
	WinningBidID       uint64
	OutputHash         common.Hash
	Creator            common.Address
	BidCount           int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Bid 是代理对任务的报价。
type Bid struct {
	ID          uint64
	TaskID      uint64
	AgentID     uint64
	Bidder      common.Address
	Amount      *big.Int
	Status      BidStatus
	SubmittedAt time.Time
}

// Stats 聚合了任务状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total      int      `json:"total"`
	Open       int      `json:"open"`
	Assigned   int      `json:"assigned"`
	Completed  int      `json:"completed"`
	Verified   int      `json:"verified"`
	Failed     int      `json:"failed"`
	Cancelled  int      `json:"cancelled"`
	Bids       int      `json:"bids"`
	EscrowHeld *big.Int `json:"escrow_held"`
}

const (
	CodeTaskNotFound        xerrors.Code = "TASK_NOT_FOUND"
	CodeBidNotFound         xerrors.Code = "BID_NOT_FOUND"
	CodeEscrowMismatch      xerrors.Code = "ESCROW_MISMATCH"
	CodeZeroBudget          xerrors.Code = "TASK_ZERO_BUDGET"
	CodeInvalidWindow       xerrors.Code = "INVALID_WINDOW"
	CodeNotAgentWallet      xerrors.Code = "NOT_AGENT_WALLET"
	CodeAgentInactive       xerrors.Code = "AGENT_INACTIVE"
	CodeReputationTooLow    xerrors.Code = "REPUTATION_TOO_LOW"
	CodeBiddingClosed       xerrors.Code = "BIDDING_CLOSED"
	CodeBiddingOpen         xerrors.Code = "BIDDING_STILL_OPEN"
	CodeZeroBid             xerrors.Code = "BID_ZERO_AMOUNT"
	CodeBidExceedsMax       xerrors.Code = "BID_EXCEEDS_MAX"
	CodeDuplicateBid        xerrors.Code = "DUPLICATE_BID"
	CodeNotBidOwner         xerrors.Code = "NOT_BID_OWNER"
	CodeBidNotPending       xerrors.Code = "BID_NOT_PENDING"
	CodeNoBids              xerrors.Code = "NO_BIDS"
	CodeNotWinner           xerrors.Code = "NOT_WINNER"
	CodeCompletionClosed    xerrors.Code = "COMPLETION_WINDOW_CLOSED"
	CodeCompletionOpen      xerrors.Code = "COMPLETION_WINDOW_OPEN"
	CodeInvalidState        xerrors.Code = "TASK_INVALID_STATE"
	CodeReputationAdjustErr xerrors.Code = "REPUTATION_ADJUST_FAILED"
)

var (
	ErrTaskNotFound     = xerrors.New(CodeTaskNotFound, "task not found")
	ErrBidNotFound      = xerrors.New(CodeBidNotFound, "bid not found")
	ErrEscrowMismatch   = xerrors.New(CodeEscrowMismatch, "attached value must equal maxBid")
	ErrZeroBudget       = xerrors.New(CodeZeroBudget, "maxBid must be positive")
	ErrInvalidWindow    = xerrors.New(CodeInvalidWindow, "window must not be negative")
	ErrNotAgentWallet   = xerrors.New(CodeNotAgentWallet, "caller is not the agent's registered wallet")
	ErrAgentInactive    = xerrors.New(CodeAgentInactive, "agent is not active")
	ErrReputationTooLow = xerrors.New(CodeReputationTooLow, "agent reputation below eligibility floor")
	ErrBiddingClosed    = xerrors.New(CodeBiddingClosed, "bidding window has closed")
	ErrBiddingOpen      = xerrors.New(CodeBiddingOpen, "bidding window is still open")
	ErrZeroBid          = xerrors.New(CodeZeroBid, "bid amount must be positive")
	ErrBidExceedsMax    = xerrors.New(CodeBidExceedsMax, "bid amount exceeds maxBid")
	ErrDuplicateBid     = xerrors.New(CodeDuplicateBid, "agent already bid on this task")
	ErrNotBidOwner      = xerrors.New(CodeNotBidOwner, "caller does not own the bid")
	ErrBidNotPending    = xerrors.New(CodeBidNotPending, "bid is not pending")
	ErrNoBids           = xerrors.New(CodeNoBids, "task has no eligible bids")
	ErrNotWinner        = xerrors.New(CodeNotWinner, "caller is not the winning agent")
	ErrCompletionClosed = xerrors.New(CodeCompletionClosed, "completion window has closed")
	ErrCompletionOpen   = xerrors.New(CodeCompletionOpen, "completion window is still open")
	ErrInvalidState     = xerrors.New(CodeInvalidState, "task status does not permit this action")
)

func init() {
	register := func(code xerrors.Code, kind xerrors.Kind, msg string) {
		xerrors.Register(code, xerrors.Attributes{Message: msg, Kind: kind, Severity: xerrors.SeverityInfo})
	}
	register(CodeTaskNotFound, xerrors.KindNotFound, "task not found")
	register(CodeBidNotFound, xerrors.KindNotFound, "bid not found")
	register(CodeEscrowMismatch, xerrors.KindValue, "attached value must equal maxBid")
	register(CodeZeroBudget, xerrors.KindValue, "maxBid must be positive")
	register(CodeInvalidWindow, xerrors.KindValue, "window must not be negative")
	register(CodeNotAgentWallet, xerrors.KindAuthorization, "caller is not the agent's registered wallet")
	register(CodeAgentInactive, xerrors.KindEligibility, "agent is not active")
	register(CodeReputationTooLow, xerrors.KindEligibility, "agent reputation below eligibility floor")
	register(CodeBiddingClosed, xerrors.KindTemporal, "bidding window has closed")
	register(CodeBiddingOpen, xerrors.KindTemporal, "bidding window is still open")
	register(CodeZeroBid, xerrors.KindValue, "bid amount must be positive")
	register(CodeBidExceedsMax, xerrors.KindValue, "bid amount exceeds maxBid")
	register(CodeDuplicateBid, xerrors.KindDuplication, "agent already bid on this task")
	register(CodeNotBidOwner, xerrors.KindAuthorization, "caller does not own the bid")
	register(CodeBidNotPending, xerrors.KindInvalidState, "bid is not pending")
	register(CodeNoBids, xerrors.KindInvalidState, "task has no eligible bids")
	register(CodeNotWinner, xerrors.KindAuthorization, "caller is not the winning agent")
	register(CodeCompletionClosed, xerrors.KindTemporal, "completion window has closed")
	register(CodeCompletionOpen, xerrors.KindTemporal, "completion window is still open")
	register(CodeInvalidState, xerrors.KindInvalidState, "task status does not permit this action")
	xerrors.Register(CodeReputationAdjustErr, xerrors.Attributes{
		Message:   "reputation adjustment failed",
		Kind:      xerrors.KindInternal,
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}
