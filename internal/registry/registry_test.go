package registry

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentMarket-Chain/internal/errors"
)

func TestMemoryRegistry(t *testing.T) {
	wallet := common.HexToAddress("0x0000000000000000000000000000000000000a01")
	reg := NewMemoryRegistry(Agent{ID: 1, Wallet: wallet, Type: AgentTypeSeller, Active: true, Reputation: 15})
	ctx := context.Background()

	if got, _ := reg.WalletOf(ctx, 1); got != wallet {
		t.Fatalf("unexpected wallet %s", got.Hex())
	}
	if typ, _ := reg.AgentType(ctx, 1); typ != AgentTypeSeller {
		t.Fatalf("unexpected type %s", typ)
	}
	if err := reg.AdjustReputation(ctx, 1, -20); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if rep, _ := reg.Reputation(ctx, 1); rep != 0 {
		t.Fatalf("reputation must clamp at zero, got %d", rep)
	}
	if err := reg.AdjustReputation(ctx, 1, 10); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if rep, _ := reg.Reputation(ctx, 1); rep != 10 {
		t.Fatalf("expected 10, got %d", rep)
	}
	if len(reg.Adjustments()) != 2 {
		t.Fatalf("expected two adjustments")
	}

	if _, err := reg.IsActive(ctx, 99); xerrors.KindOf(err) != xerrors.KindEligibility {
		t.Fatalf("unknown agent must be an eligibility error, got %v", err)
	}

	reg.FailAdjustments(errors.New("offline"))
	if err := reg.AdjustReputation(ctx, 1, 1); xerrors.CodeOf(err) != xerrors.CodeGatewayFailure {
		t.Fatalf("expected gateway failure, got %v", err)
	}
}

func TestParseAgentType(t *testing.T) {
	for _, typ := range []AgentType{AgentTypeBuyer, AgentTypeSeller, AgentTypeWorker} {
		got, err := ParseAgentType(typ.String())
		if err != nil || got != typ {
			t.Fatalf("round trip %s: %v %v", typ, got, err)
		}
	}
	if _, err := ParseAgentType("oracle"); err == nil {
		t.Fatalf("expected error")
	}
}

type fakeContract struct {
	abi      abi.ABI
	chainID  *big.Int
	agents   map[uint64]Agent
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	revert   bool
}

func newFakeContract(t *testing.T) *fakeContract {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(RegistryABI))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	return &fakeContract{
		abi:      parsed,
		chainID:  big.NewInt(1337),
		agents:   map[uint64]Agent{},
		receipts: map[common.Hash]*types.Receipt{},
	}
}

func (f *fakeContract) method(data []byte) (*abi.Method, []any, error) {
	for name := range f.abi.Methods {
		m := f.abi.Methods[name]
		if bytes.Equal(m.ID, data[:4]) {
			args, err := m.Inputs.Unpack(data[4:])
			return &m, args, err
		}
	}
	return nil, nil, errors.New("unknown selector")
}

func (f *fakeContract) CallContract(_ context.Context, call gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	m, args, err := f.method(call.Data)
	if err != nil {
		return nil, err
	}
	agent := f.agents[args[0].(*big.Int).Uint64()]
	switch m.Name {
	case "isActive":
		return m.Outputs.Pack(agent.Active)
	case "reputation":
		return m.Outputs.Pack(new(big.Int).SetUint64(agent.Reputation))
	case "agentType":
		return m.Outputs.Pack(uint8(agent.Type))
	case "walletOf":
		return m.Outputs.Pack(agent.Wallet)
	}
	return nil, errors.New("not a view")
}

func (f *fakeContract) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return uint64(len(f.sent)), nil
}

func (f *fakeContract) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1e9), nil }

func (f *fakeContract) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) { return 50_000, nil }

func (f *fakeContract) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeContract) SendTransaction(_ context.Context, tx *types.Transaction) error {
	m, args, err := f.method(tx.Data())
	if err != nil {
		return err
	}
	if m.Name != "adjustReputation" {
		return errors.New("unexpected method " + m.Name)
	}
	f.sent = append(f.sent, tx)
	status := types.ReceiptStatusSuccessful
	if f.revert {
		status = types.ReceiptStatusFailed
	} else {
		id := args[0].(*big.Int).Uint64()
		agent := f.agents[id]
		agent.Reputation = uint64(int64(agent.Reputation) + args[1].(*big.Int).Int64())
		f.agents[id] = agent
	}
	f.receipts[tx.Hash()] = &types.Receipt{Status: status, TxHash: tx.Hash()}
	return nil
}

func (f *fakeContract) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, gethcore.NotFound
}

func TestEVMGatewayReads(t *testing.T) {
	backend := newFakeContract(t)
	wallet := common.HexToAddress("0x0000000000000000000000000000000000000b02")
	backend.agents[7] = Agent{ID: 7, Wallet: wallet, Type: AgentTypeWorker, Active: true, Reputation: 80}

	gw, err := NewEVMGateway(backend, EVMConfig{Contract: common.HexToAddress("0x00000000000000000000000000000000000c0de1")})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	ctx := context.Background()
	if active, err := gw.IsActive(ctx, 7); err != nil || !active {
		t.Fatalf("isActive: %v %v", active, err)
	}
	if rep, err := gw.Reputation(ctx, 7); err != nil || rep != 80 {
		t.Fatalf("reputation: %d %v", rep, err)
	}
	if typ, err := gw.AgentType(ctx, 7); err != nil || typ != AgentTypeWorker {
		t.Fatalf("agentType: %v %v", typ, err)
	}
	if got, err := gw.WalletOf(ctx, 7); err != nil || got != wallet {
		t.Fatalf("walletOf: %s %v", got.Hex(), err)
	}
	if err := gw.AdjustReputation(ctx, 7, 10); xerrors.CodeOf(err) != xerrors.CodeGatewayFailure {
		t.Fatalf("read-only gateway must refuse adjustments, got %v", err)
	}
}

func TestEVMGatewayAdjustReputation(t *testing.T) {
	backend := newFakeContract(t)
	backend.agents[3] = Agent{ID: 3, Active: true, Reputation: 50}

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	gw, err := NewEVMGateway(backend, EVMConfig{
		Contract:  common.HexToAddress("0x00000000000000000000000000000000000c0de1"),
		SignerKey: common.Bytes2Hex(crypto.FromECDSA(key)),
		WaitMined: true,
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	if err := gw.AdjustReputation(context.Background(), 3, -20); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected one transaction")
	}
	sender, err := types.Sender(types.LatestSignerForChainID(backend.chainID), backend.sent[0])
	if err != nil || sender != gw.Signer() {
		t.Fatalf("unexpected sender %s: %v", sender.Hex(), err)
	}
	if backend.agents[3].Reputation != 30 {
		t.Fatalf("expected reputation 30, got %d", backend.agents[3].Reputation)
	}

	backend.revert = true
	if err := gw.AdjustReputation(context.Background(), 3, 10); xerrors.CodeOf(err) != xerrors.CodeGatewayFailure {
		t.Fatalf("reverted receipt must fail the adjustment, got %v", err)
	}
}
