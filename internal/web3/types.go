package web3

import (
	"context"
	"math/big"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainSnapshot summarizes the head of a chain for health and status reports.
type ChainSnapshot struct {
	Name        string    `json:"name"`
	ChainID     string    `json:"chain_id"`
	BlockNumber uint64    `json:"block_number"`
	BlockTime   time.Time `json:"block_time"`
	Notes       string    `json:"notes,omitempty"`
}

// Client is what the engine needs from a chain: contract calls and signed
// transactions for the registry gateway, and block headers for the clock.
type Client interface {
	Name() string
	RegistryContract() common.Address

	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)

	Snapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}
