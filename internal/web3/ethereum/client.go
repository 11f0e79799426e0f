package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"AgentMarket-Chain/internal/web3"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name             string
	RPCURL           string
	RegistryContract common.Address
	Notes            string
}

// backend is the subset of ethclient.Client the engine relies on. The
// simulated backend's client satisfies it as well.
type backend interface {
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	backend

	name     string
	notes    string
	registry common.Address
	closer   func()

	mu      sync.Mutex
	chainID *big.Int
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	return &Client{
		backend:  eth,
		name:     cfg.Name,
		notes:    cfg.Notes,
		registry: cfg.RegistryContract,
		closer:   eth.Close,
	}, nil
}

// NewSimulatedClient wraps an in-process backend, typically the client of
// ethclient/simulated, for tests.
func NewSimulatedClient(name string, b backend, registry common.Address) *Client {
	return &Client{
		backend:  b,
		name:     name,
		notes:    "simulated backend",
		registry: registry,
	}
}

// Name returns the chain name from the definition file.
func (c *Client) Name() string { return c.name }

// RegistryContract returns the agent registry configured for this chain.
func (c *Client) RegistryContract() common.Address { return c.registry }

// ChainID caches the chain id after the first successful lookup.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	if c.backend == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.chainID = new(big.Int).Set(id)
	return id, nil
}

// Snapshot reads the chain id and the latest header.
func (c *Client) Snapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.backend == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}
	id, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块失败: %w", err)
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     "0x" + id.Text(16),
		BlockNumber: head.Number.Uint64(),
		BlockTime:   time.Unix(int64(head.Time), 0).UTC(),
		Notes:       c.notes,
	}, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closer != nil {
		c.closer()
		c.closer = nil
	}
}
