package ethereum

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	"AgentMarket-Chain/internal/chain"
	"AgentMarket-Chain/internal/registry"
	"AgentMarket-Chain/internal/web3"
)

var (
	_ web3.Client        = (*Client)(nil)
	_ registry.Backend   = (*Client)(nil)
	_ chain.HeaderReader = (*Client)(nil)
)

func TestSimulatedClientSnapshotTransferAndClock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress("0x000000000000000000000000000000000000b0b0")

	sim := simulated.NewBackend(coretypes.GenesisAlloc{
		from: {Balance: big.NewInt(1_000_000_000_000_000_000)},
	})
	t.Cleanup(func() { _ = sim.Close() })

	registryAddr := common.HexToAddress("0x000000000000000000000000000000000000beef")
	client := NewSimulatedClient("simulated", sim.Client(), registryAddr)
	t.Cleanup(client.Close)

	if client.Name() != "simulated" || client.RegistryContract() != registryAddr {
		t.Fatalf("unexpected identity %s %s", client.Name(), client.RegistryContract().Hex())
	}

	before, err := client.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		t.Fatalf("chain id: %v", err)
	}
	if before.ChainID != "0x"+chainID.Text(16) {
		t.Fatalf("unexpected chain id %s", before.ChainID)
	}

	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		t.Fatalf("pending nonce: %v", err)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		t.Fatalf("gas price: %v", err)
	}
	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(1_000),
		Gas:      21_000,
		GasPrice: gasPrice,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), key)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		t.Fatalf("send tx: %v", err)
	}
	sim.Commit()

	receipt, err := client.TransactionReceipt(ctx, signed.Hash())
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		t.Fatalf("unexpected receipt status %d", receipt.Status)
	}

	after, err := client.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if after.BlockNumber != before.BlockNumber+1 {
		t.Fatalf("expected block %d, got %d", before.BlockNumber+1, after.BlockNumber)
	}

	clock := chain.NewBlockClock(client, time.Second)
	if got := clock.Now(); !got.Equal(after.BlockTime) {
		t.Fatalf("block clock %s, want %s", got, after.BlockTime)
	}
}

func TestNewClientRequiresRPCURL(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{Name: "empty"}); err == nil {
		t.Fatal("expected error for empty rpc url")
	}
}
