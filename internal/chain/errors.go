package chain

import xerrors "AgentMarket-Chain/internal/errors"

const (
	CodeInsufficientFunds xerrors.Code = "INSUFFICIENT_FUNDS"
	CodeNotPayable        xerrors.Code = "NOT_PAYABLE"
	CodeTxPanic           xerrors.Code = "TX_PANIC"
)

var (
	// ErrInsufficientFunds 表示转出方余额不足。
	ErrInsufficientFunds = xerrors.New(CodeInsufficientFunds, "insufficient funds")
	// ErrNotPayable 表示向不接受附带金额的操作转入了资金。
	ErrNotPayable = xerrors.New(CodeNotPayable, "operation does not accept value")
	// ErrTxPanic 表示事务执行过程中发生 panic，已整体回滚。
	ErrTxPanic = xerrors.New(CodeTxPanic, "transaction panicked")
)

func init() {
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:  "insufficient funds",
		Kind:     xerrors.KindValue,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeNotPayable, xerrors.Attributes{
		Message:  "operation does not accept value",
		Kind:     xerrors.KindValue,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTxPanic, xerrors.Attributes{
		Message:  "transaction panicked",
		Kind:     xerrors.KindInternal,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}
