package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"AgentMarket-Chain/internal/config"
	"AgentMarket-Chain/internal/web3"
	"AgentMarket-Chain/internal/web3/ethereum"
)

// Dialer builds a chain client from its definition. Tests replace it.
type Dialer func(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error)

// DialEVM is the default Dialer.
func DialEVM(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error) {
	client, err := ethereum.NewClient(ctx, ethereum.Config{
		Name:             name,
		RPCURL:           def.RPCURL,
		RegistryContract: common.HexToAddress(def.RegistryContract),
		Notes:            def.Description,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	return newRegistry(ctx, cfg, defs, DialEVM)
}

func newRegistry(ctx context.Context, cfg config.Web3Config, defs web3.ChainDefinitions, dial Dialer) (*Registry, error) {
	if len(defs.Chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		defs.Chains = map[string]web3.ChainDefinition{"default": {RPCURL: cfg.RPCURL}}
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}

	r := &Registry{clients: make(map[string]web3.Client)}
	for name, def := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(def.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			r.Close()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
		}
		client, err := dial(ctx, name, def)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		r.clients[name] = client
	}

	if len(r.clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	r.defaultChain = cfg.DefaultChain
	if r.defaultChain == "" {
		r.defaultChain = r.Chains()[0]
	}
	if _, ok := r.clients[r.defaultChain]; !ok {
		r.Close()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", r.defaultChain)
	}
	return r, nil
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Snapshots reports the head of every registered chain. A chain that cannot
// be reached is reported with its error in Notes.
func (r *Registry) Snapshots(ctx context.Context) []web3.ChainSnapshot {
	if r == nil {
		return nil
	}
	out := make([]web3.ChainSnapshot, 0, len(r.clients))
	for _, name := range r.Chains() {
		snap, err := r.clients[name].Snapshot(ctx)
		if err != nil {
			snap = web3.ChainSnapshot{Name: name, Notes: err.Error()}
		}
		out = append(out, snap)
	}
	return out
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
