// Package registry 是代理注册与信誉服务的客户端。拍卖引擎只消费它：
// 查询代理是否活跃、信誉、类型和钱包地址，以及在任务结算时调整信誉。
package registry

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentMarket-Chain/internal/errors"
)

// AgentType 是代理的类别。
type AgentType uint8

const (
	AgentTypeUnknown AgentType = iota
	AgentTypeBuyer
	AgentTypeSeller
	AgentTypeWorker
)

// String 返回类别名称。
func (t AgentType) String() string {
	switch t {
	case AgentTypeBuyer:
		return "buyer"
	case AgentTypeSeller:
		return "seller"
	case AgentTypeWorker:
		return "worker"
	default:
		return "unknown"
	}
}

// ParseAgentType 解析类别名称。
func ParseAgentType(raw string) (AgentType, error) {
	switch raw {
	case "buyer":
		return AgentTypeBuyer, nil
	case "seller":
		return AgentTypeSeller, nil
	case "worker":
		return AgentTypeWorker, nil
	default:
		return AgentTypeUnknown, fmt.Errorf("未知的代理类型 %q", raw)
	}
}

// Gateway 是注册中心对拍卖暴露的能力。
type Gateway interface {
	IsActive(ctx context.Context, agentID uint64) (bool, error)
	Reputation(ctx context.Context, agentID uint64) (uint64, error)
	AgentType(ctx context.Context, agentID uint64) (AgentType, error)
	WalletOf(ctx context.Context, agentID uint64) (common.Address, error)
	// AdjustReputation 只由任务拍卖在验收或罚没时调用，
	// 作为事务的最后一步；失败会使整个事务回滚。
	AdjustReputation(ctx context.Context, agentID uint64, delta int64) error
}

const CodeAgentNotRegistered xerrors.Code = "AGENT_NOT_REGISTERED"

// ErrAgentNotRegistered 表示注册中心中不存在该代理。
var ErrAgentNotRegistered = xerrors.New(CodeAgentNotRegistered, "agent is not registered")

func init() {
	xerrors.Register(CodeAgentNotRegistered, xerrors.Attributes{
		Message:  "agent is not registered",
		Kind:     xerrors.KindEligibility,
		Severity: xerrors.SeverityInfo,
	})
}

// Agent 是内存注册中心保存的代理记录。
type Agent struct {
	ID         uint64         `json:"id" yaml:"id"`
	Wallet     common.Address `json:"wallet" yaml:"wallet"`
	Type       AgentType      `json:"type" yaml:"type"`
	Active     bool           `json:"active" yaml:"active"`
	Reputation uint64         `json:"reputation" yaml:"reputation"`
}

// Adjustment 记录一次信誉调整。
type Adjustment struct {
	AgentID uint64
	Delta   int64
}

// MemoryRegistry 是进程内的注册中心实现，用于单机部署和测试。
type MemoryRegistry struct {
	mu          sync.RWMutex
	agents      map[uint64]Agent
	adjustments []Adjustment
	adjustErr   error
}

// NewMemoryRegistry 创建内存注册中心。
func NewMemoryRegistry(agents ...Agent) *MemoryRegistry {
	r := &MemoryRegistry{agents: make(map[uint64]Agent, len(agents))}
	for _, a := range agents {
		r.agents[a.ID] = a
	}
	return r
}

// Register 新增或覆盖代理。
func (r *MemoryRegistry) Register(agent Agent) {
	r.mu.Lock()
	r.agents[agent.ID] = agent
	r.mu.Unlock()
}

// SetActive 修改代理的活跃状态。
func (r *MemoryRegistry) SetActive(agentID uint64, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return notRegistered(agentID)
	}
	agent.Active = active
	r.agents[agentID] = agent
	return nil
}

// FailAdjustments 让后续的信誉调整返回 err，用于模拟注册中心故障。
func (r *MemoryRegistry) FailAdjustments(err error) {
	r.mu.Lock()
	r.adjustErr = err
	r.mu.Unlock()
}

// Agent 返回代理记录。
func (r *MemoryRegistry) Agent(agentID uint64) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	return a, ok
}

// Agents 返回全部代理，按 ID 排序。
func (r *MemoryRegistry) Agents() []Agent {
	r.mu.RLock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Adjustments 返回已生效的信誉调整记录。
func (r *MemoryRegistry) Adjustments() []Adjustment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Adjustment(nil), r.adjustments...)
}

// IsActive 实现 Gateway。
func (r *MemoryRegistry) IsActive(_ context.Context, agentID uint64) (bool, error) {
	a, err := r.lookup(agentID)
	return a.Active, err
}

// Reputation 实现 Gateway。
func (r *MemoryRegistry) Reputation(_ context.Context, agentID uint64) (uint64, error) {
	a, err := r.lookup(agentID)
	return a.Reputation, err
}

// AgentType 实现 Gateway。
func (r *MemoryRegistry) AgentType(_ context.Context, agentID uint64) (AgentType, error) {
	a, err := r.lookup(agentID)
	return a.Type, err
}

// WalletOf 实现 Gateway。
func (r *MemoryRegistry) WalletOf(_ context.Context, agentID uint64) (common.Address, error) {
	a, err := r.lookup(agentID)
	return a.Wallet, err
}

// AdjustReputation 实现 Gateway。信誉下限为 0。
func (r *MemoryRegistry) AdjustReputation(_ context.Context, agentID uint64, delta int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.adjustErr != nil {
		return xerrors.Wrap(xerrors.CodeGatewayFailure, r.adjustErr, "调整信誉失败")
	}
	agent, ok := r.agents[agentID]
	if !ok {
		return notRegistered(agentID)
	}
	switch {
	case delta >= 0:
		agent.Reputation += uint64(delta)
	case uint64(-delta) > agent.Reputation:
		agent.Reputation = 0
	default:
		agent.Reputation -= uint64(-delta)
	}
	r.agents[agentID] = agent
	r.adjustments = append(r.adjustments, Adjustment{AgentID: agentID, Delta: delta})
	return nil
}

func (r *MemoryRegistry) lookup(agentID uint64) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return Agent{}, notRegistered(agentID)
	}
	return a, nil
}

func notRegistered(agentID uint64) error {
	return ErrAgentNotRegistered.With("agent_id", strconv.FormatUint(agentID, 10))
}
