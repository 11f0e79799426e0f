package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AgentMarket-Chain/internal/access"
	"AgentMarket-Chain/internal/chain"
	xerrors "AgentMarket-Chain/internal/errors"
	"AgentMarket-Chain/internal/events"
	"AgentMarket-Chain/internal/money"
)

var (
	admin     = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	depositor = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	payer     = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	outsider  = common.HexToAddress("0x00000000000000000000000000000000000000ff")
)

func setup(t *testing.T) (*chain.Engine, *Ledger, *events.MemorySink) {
	t.Helper()
	sink := events.NewMemorySink(0)
	engine := chain.NewEngine(chain.WithClock(chain.NewManualClock(time.Unix(1_700_000_000, 0))), chain.WithSink(sink))
	l := New(engine, admin)
	for _, addr := range []common.Address{depositor, payer, outsider} {
		engine.Mint(addr, money.MustEther("10"))
	}
	return engine, l, sink
}

func assertBacked(t *testing.T, engine *chain.Engine, l *Ledger) {
	t.Helper()
	assert.Zero(t, l.Balance().Cmp(engine.BalanceOf(l.Address())), "ledger balance must equal its account balance")
}

func TestOpenDepositWhenNoDepositorConfigured(t *testing.T) {
	engine, l, sink := setup(t)
	ctx := context.Background()

	_, err := l.Deposit(ctx, chain.CallFrom(outsider).WithValue(money.MustEther("1")))
	require.NoError(t, err)
	assert.Zero(t, money.MustEther("1").Cmp(l.Balance()))
	assert.Len(t, sink.OfKind(events.KindTreasuryDeposit), 1)
	assertBacked(t, engine, l)
}

func TestDepositRequiresCapabilityOnceConfigured(t *testing.T) {
	engine, l, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, l.Grant(ctx, chain.CallFrom(admin), access.RoleDepositor, depositor))

	_, err := l.Deposit(ctx, chain.CallFrom(outsider).WithValue(money.MustEther("1")))
	assert.Equal(t, xerrors.KindAuthorization, xerrors.KindOf(err))
	assert.Zero(t, money.MustEther("10").Cmp(engine.BalanceOf(outsider)), "rejected deposit must refund the attached value")

	_, err = l.Deposit(ctx, chain.CallFrom(depositor).WithValue(money.MustEther("2")))
	require.NoError(t, err)
	assertBacked(t, engine, l)
}

func TestDepositRejectsZero(t *testing.T) {
	_, l, _ := setup(t)
	_, err := l.Deposit(context.Background(), chain.CallFrom(outsider))
	assert.ErrorIs(t, err, ErrZeroAmount)
}

func TestPay(t *testing.T) {
	engine, l, sink := setup(t)
	ctx := context.Background()
	_, err := l.Deposit(ctx, chain.CallFrom(depositor).WithValue(money.MustEther("3")))
	require.NoError(t, err)

	_, err = l.Pay(ctx, chain.CallFrom(payer), outsider, money.MustEther("1"))
	assert.Equal(t, xerrors.KindAuthorization, xerrors.KindOf(err), "payer capability is required")

	require.NoError(t, l.Grant(ctx, chain.CallFrom(admin), access.RolePayer, payer))

	_, err = l.Pay(ctx, chain.CallFrom(payer), outsider, money.MustEther("0"))
	assert.ErrorIs(t, err, ErrZeroAmount)
	_, err = l.Pay(ctx, chain.CallFrom(payer), common.Address{}, money.MustEther("1"))
	assert.ErrorIs(t, err, ErrZeroRecipient)
	_, err = l.Pay(ctx, chain.CallFrom(payer), outsider, money.MustEther("3.1"))
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = l.Pay(ctx, chain.CallFrom(payer), outsider, money.MustEther("1.25"))
	require.NoError(t, err)

	s := l.Summary()
	assert.Zero(t, money.MustEther("3").Cmp(s.Revenue))
	assert.Zero(t, money.MustEther("1.25").Cmp(s.Costs))
	assert.Zero(t, money.MustEther("1.75").Cmp(s.Balance))
	assert.Zero(t, s.Balance.Cmp(l.Profit()))
	assert.Zero(t, money.MustEther("11.25").Cmp(engine.BalanceOf(outsider)))
	assert.Len(t, sink.OfKind(events.KindTreasuryPayout), 1)
	assertBacked(t, engine, l)
}

func TestPayIsNotPayable(t *testing.T) {
	engine, l, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, l.Grant(ctx, chain.CallFrom(admin), access.RolePayer, payer))
	_, err := l.Pay(ctx, chain.CallFrom(payer).WithValue(money.MustEther("1")), outsider, money.MustEther("1"))
	assert.ErrorIs(t, err, chain.ErrNotPayable)
	assertBacked(t, engine, l)
}

func TestPauseFailsClosed(t *testing.T) {
	engine, l, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, l.Grant(ctx, chain.CallFrom(admin), access.RolePayer, payer))
	_, err := l.Deposit(ctx, chain.CallFrom(depositor).WithValue(money.MustEther("1")))
	require.NoError(t, err)

	assert.Error(t, l.SetPaused(ctx, chain.CallFrom(outsider), true))
	require.NoError(t, l.SetPaused(ctx, chain.CallFrom(admin), true))
	assert.True(t, l.Paused())

	_, err = l.Deposit(ctx, chain.CallFrom(depositor).WithValue(money.MustEther("1")))
	assert.Equal(t, xerrors.CodePaused, xerrors.CodeOf(err))
	_, err = l.Pay(ctx, chain.CallFrom(payer), outsider, money.MustEther("1"))
	assert.Equal(t, xerrors.CodePaused, xerrors.CodeOf(err))
	assert.Zero(t, money.MustEther("1").Cmp(l.Balance()))

	require.NoError(t, l.SetPaused(ctx, chain.CallFrom(admin), false))
	_, err = l.Pay(ctx, chain.CallFrom(payer), outsider, money.MustEther("1"))
	require.NoError(t, err)
	assertBacked(t, engine, l)
}

func TestDepositFromInsideAnotherTransaction(t *testing.T) {
	engine, l, _ := setup(t)
	ctx := context.Background()
	escrow := engine.Deploy(admin, "escrow")
	engine.Mint(escrow, money.MustEther("2"))
	require.NoError(t, l.Grant(ctx, chain.CallFrom(admin), access.RoleDepositor, escrow))

	_, err := engine.Execute(ctx, chain.Op{Name: "escrow.settle", Target: escrow}, chain.CallFrom(outsider), func(tx *chain.Tx) error {
		return l.DepositFrom(tx, escrow, money.MustEther("0.5"))
	})
	require.NoError(t, err)
	assert.Zero(t, money.MustEther("1.5").Cmp(engine.BalanceOf(escrow)))
	assert.Len(t, l.Depositors(), 1)
	assertBacked(t, engine, l)
}
