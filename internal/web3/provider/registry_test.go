package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AgentMarket-Chain/internal/config"
	"AgentMarket-Chain/internal/web3"
)

// stubClient 只实现 Name、Snapshot 与 Close，其余方法来自嵌入的 nil 接口。
type stubClient struct {
	web3.Client
	name   string
	fail   bool
	closed bool
}

func (s *stubClient) Name() string { return s.name }

func (s *stubClient) Snapshot(context.Context) (web3.ChainSnapshot, error) {
	if s.fail {
		return web3.ChainSnapshot{}, errors.New("unreachable")
	}
	return web3.ChainSnapshot{Name: s.name, ChainID: "0x1", BlockNumber: 7}, nil
}

func (s *stubClient) Close() { s.closed = true }

func stubDialer(dialed map[string]*stubClient) Dialer {
	return func(_ context.Context, name string, def web3.ChainDefinition) (web3.Client, error) {
		if def.RPCURL == "" {
			return nil, errors.New("no rpc")
		}
		c := &stubClient{name: name, fail: def.Description == "down"}
		dialed[name] = c
		return c, nil
	}
}

func TestRegistryDefaultsToFirstChainByName(t *testing.T) {
	dialed := map[string]*stubClient{}
	defs := web3.ChainDefinitions{Chains: map[string]web3.ChainDefinition{
		"sepolia": {RPCURL: "https://sepolia", Description: "down"},
		"local":   {RPCURL: "http://127.0.0.1:8545"},
	}}
	r, err := newRegistry(context.Background(), config.Web3Config{}, defs, stubDialer(dialed))
	require.NoError(t, err)

	client, err := r.DefaultClient()
	require.NoError(t, err)
	assert.Equal(t, "local", client.Name())
	assert.Equal(t, []string{"local", "sepolia"}, r.Chains())

	snaps := r.Snapshots(context.Background())
	require.Len(t, snaps, 2)
	assert.Equal(t, uint64(7), snaps[0].BlockNumber)
	assert.Equal(t, "unreachable", snaps[1].Notes)

	r.Close()
	assert.True(t, dialed["local"].closed)
	assert.True(t, dialed["sepolia"].closed)
}

func TestRegistryFallsBackToSingleRPCURL(t *testing.T) {
	dialed := map[string]*stubClient{}
	r, err := newRegistry(context.Background(), config.Web3Config{RPCURL: "http://node:8545"}, web3.ChainDefinitions{}, stubDialer(dialed))
	require.NoError(t, err)
	_, ok := r.Client("default")
	assert.True(t, ok)
}

func TestRegistryErrors(t *testing.T) {
	dialed := map[string]*stubClient{}
	_, err := newRegistry(context.Background(), config.Web3Config{}, web3.ChainDefinitions{}, stubDialer(dialed))
	assert.Error(t, err, "no chains")

	defs := web3.ChainDefinitions{Chains: map[string]web3.ChainDefinition{"sol": {Type: "solana", RPCURL: "x"}}}
	_, err = newRegistry(context.Background(), config.Web3Config{}, defs, stubDialer(dialed))
	assert.Error(t, err, "unsupported type")

	defs = web3.ChainDefinitions{Chains: map[string]web3.ChainDefinition{"a": {RPCURL: "x"}}}
	_, err = newRegistry(context.Background(), config.Web3Config{DefaultChain: "b"}, defs, stubDialer(dialed))
	assert.Error(t, err, "unknown default")
	assert.True(t, dialed["a"].closed)
}

func TestDialEVMRequiresRPCURL(t *testing.T) {
	_, err := DialEVM(context.Background(), "x", web3.ChainDefinition{})
	assert.Error(t, err)
}
