// Package intent 实现意图拍卖：买方发布带预算上限的请求，卖方代理
// 附带不可退还的出价手续费提交报价，按手续费加权的得分最高者中标。
// 无论结果如何，收取的手续费都会一次性转入结算账户。
package intent

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentMarket-Chain/internal/errors"
	"AgentMarket-Chain/internal/money"
)

// Status 表示意图状态。
type Status string

const (
	StatusOpen      Status = "open"
	StatusClosed    Status = "closed"
	StatusFulfilled Status = "fulfilled"
	StatusConfirmed Status = "confirmed"
	StatusDisputed  Status = "disputed"
	StatusExpired   Status = "expired"
)

var transitions = map[Status][]Status{
	StatusOpen:      {StatusClosed, StatusExpired},
	StatusClosed:    {StatusFulfilled, StatusDisputed},
	StatusFulfilled: {StatusConfirmed, StatusDisputed},
}

// CanTransition 判断 from → to 是否合法。
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OfferStatus 表示报价状态。
type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferWon       OfferStatus = "won"
	OfferLost      OfferStatus = "lost"
	OfferWithdrawn OfferStatus = "withdrawn"
)

// Intent 是买方的开放请求。TotalFeesCollected 只增不减；
// FeesForwarded 记录其中已经转入结算账户的部分。
type Intent struct {
	ID                 uint64
	Requester          common.Address
	RequestHash        common.Hash
	MetadataRef        string
	MaxBudget          *big.Int
	AuctionDeadline    time.Time
	Status             Status
	WinningOfferID     uint64
	TotalFeesCollected *big.Int
	FeesForwarded      *big.Int
	OfferCount         int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PendingFees 返回尚未转入结算账户的手续费。
func (i Intent) PendingFees() *big.Int {
	return money.Sub(i.TotalFeesCollected, i.FeesForwarded)
}

// Offer 是卖方代理对意图的报价。
type Offer struct {
	ID          uint64
	IntentID    uint64
	AgentID     uint64
	Offerer     common.Address
	OfferPrice  *big.Int
	BidFee      *big.Int
	Score       *big.Int
	Status      OfferStatus
	SubmittedAt time.Time
}

// Score 计算 fee × (maxBudget − price) / maxBudget，报价超出预算时为 0。
// 整数运算，向零截断。
func Score(fee, maxBudget, price *big.Int) *big.Int {
	if money.IsZero(maxBudget) || price == nil || price.Cmp(maxBudget) > 0 {
		return new(big.Int)
	}
	return money.MulDiv(fee, money.Sub(maxBudget, price), maxBudget)
}

// Stats 聚合意图状态。
type Stats struct {
	Total       int      `json:"total"`
	Open        int      `json:"open"`
	Closed      int      `json:"closed"`
	Fulfilled   int      `json:"fulfilled"`
	Confirmed   int      `json:"confirmed"`
	Disputed    int      `json:"disputed"`
	Expired     int      `json:"expired"`
	Offers      int      `json:"offers"`
	FeesTotal   *big.Int `json:"fees_total"`
	FeesPending *big.Int `json:"fees_pending"`
}

const (
	CodeIntentNotFound  xerrors.Code = "INTENT_NOT_FOUND"
	CodeOfferNotFound   xerrors.Code = "OFFER_NOT_FOUND"
	CodeZeroBudget      xerrors.Code = "INTENT_ZERO_BUDGET"
	CodeInvalidWindow   xerrors.Code = "INTENT_INVALID_WINDOW"
	CodeNotAgentWallet  xerrors.Code = "OFFER_NOT_AGENT_WALLET"
	CodeAgentInactive   xerrors.Code = "OFFER_AGENT_INACTIVE"
	CodeWrongAgentType  xerrors.Code = "OFFER_WRONG_AGENT_TYPE"
	CodeAuctionClosed   xerrors.Code = "AUCTION_CLOSED"
	CodeAuctionOpen     xerrors.Code = "AUCTION_STILL_OPEN"
	CodeFeeTooLow       xerrors.Code = "BID_FEE_TOO_LOW"
	CodeOfferExceedsMax xerrors.Code = "OFFER_EXCEEDS_BUDGET"
	CodeDuplicateOffer  xerrors.Code = "DUPLICATE_OFFER"
	CodeNotOfferOwner   xerrors.Code = "NOT_OFFER_OWNER"
	CodeOfferNotPending xerrors.Code = "OFFER_NOT_PENDING"
	CodeNotRequester    xerrors.Code = "NOT_REQUESTER"
	CodeInvalidState    xerrors.Code = "INTENT_INVALID_STATE"
)

var (
	ErrIntentNotFound  = xerrors.New(CodeIntentNotFound, "intent not found")
	ErrOfferNotFound   = xerrors.New(CodeOfferNotFound, "offer not found")
	ErrZeroBudget      = xerrors.New(CodeZeroBudget, "maxBudget must be positive")
	ErrInvalidWindow   = xerrors.New(CodeInvalidWindow, "auction window must not be negative")
	ErrNotAgentWallet  = xerrors.New(CodeNotAgentWallet, "caller is not the agent's registered wallet")
	ErrAgentInactive   = xerrors.New(CodeAgentInactive, "agent is not active")
	ErrWrongAgentType  = xerrors.New(CodeWrongAgentType, "only seller agents may respond to intents")
	ErrAuctionClosed   = xerrors.New(CodeAuctionClosed, "auction deadline has passed")
	ErrAuctionOpen     = xerrors.New(CodeAuctionOpen, "auction deadline has not passed")
	ErrFeeTooLow       = xerrors.New(CodeFeeTooLow, "bid fee below minimum")
	ErrOfferExceedsMax = xerrors.New(CodeOfferExceedsMax, "offer price exceeds maxBudget")
	ErrDuplicateOffer  = xerrors.New(CodeDuplicateOffer, "agent already offered on this intent")
	ErrNotOfferOwner   = xerrors.New(CodeNotOfferOwner, "caller does not own the offer")
	ErrOfferNotPending = xerrors.New(CodeOfferNotPending, "offer is not pending")
	ErrNotRequester    = xerrors.New(CodeNotRequester, "caller is not the requester")
	ErrInvalidState    = xerrors.New(CodeInvalidState, "intent status does not permit this action")
)

func init() {
	for _, item := range []struct {
		code xerrors.Code
		kind xerrors.Kind
		err  *xerrors.Error
	}{
		{CodeIntentNotFound, xerrors.KindNotFound, ErrIntentNotFound},
		{CodeOfferNotFound, xerrors.KindNotFound, ErrOfferNotFound},
		{CodeZeroBudget, xerrors.KindValue, ErrZeroBudget},
		{CodeInvalidWindow, xerrors.KindValue, ErrInvalidWindow},
		{CodeNotAgentWallet, xerrors.KindAuthorization, ErrNotAgentWallet},
		{CodeAgentInactive, xerrors.KindEligibility, ErrAgentInactive},
		{CodeWrongAgentType, xerrors.KindEligibility, ErrWrongAgentType},
		{CodeAuctionClosed, xerrors.KindTemporal, ErrAuctionClosed},
		{CodeAuctionOpen, xerrors.KindTemporal, ErrAuctionOpen},
		{CodeFeeTooLow, xerrors.KindValue, ErrFeeTooLow},
		{CodeOfferExceedsMax, xerrors.KindValue, ErrOfferExceedsMax},
		{CodeDuplicateOffer, xerrors.KindDuplication, ErrDuplicateOffer},
		{CodeNotOfferOwner, xerrors.KindAuthorization, ErrNotOfferOwner},
		{CodeOfferNotPending, xerrors.KindInvalidState, ErrOfferNotPending},
		{CodeNotRequester, xerrors.KindAuthorization, ErrNotRequester},
		{CodeInvalidState, xerrors.KindInvalidState, ErrInvalidState},
	} {
		xerrors.Register(item.code, xerrors.Attributes{
			Message:  item.err.Message(),
			Kind:     item.kind,
			Severity: xerrors.SeverityInfo,
		})
	}
}
