// Package access 为各组件提供基于角色的能力集合和紧急暂停开关。
// 角色授予与撤销同样是日志化的事务写入，回滚时一并撤销。
package access

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"AgentMarket-Chain/internal/chain"
	xerrors "AgentMarket-Chain/internal/errors"
	"AgentMarket-Chain/internal/events"
)

// Role 表示一种能力。
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleOperator  Role = "operator"
	RoleDepositor Role = "depositor"
	RolePayer     Role = "payer"
)

// IsValid 判断角色是否受支持。
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleOperator, RoleDepositor, RolePayer:
		return true
	default:
		return false
	}
}

var (
	// ErrUnauthorized 表示调用者不具备所需角色。
	ErrUnauthorized = xerrors.New(xerrors.CodeUnauthorized, "caller lacks required role")
	// ErrPaused 表示组件处于暂停状态。
	ErrPaused = xerrors.New(xerrors.CodePaused, "component is paused")
	// ErrUnknownRole 表示角色名称无效。
	ErrUnknownRole = xerrors.New(xerrors.CodeInvalidArgument, "unknown role")
)

type member struct {
	role Role
	addr common.Address
}

// Roles 是一个组件的角色表。
type Roles struct {
	component string
	members   *chain.Table[member, bool]
	counts    *chain.Table[Role, int]
}

// NewRoles 创建角色表，admin 在创世时获得管理员角色。
func NewRoles(component string, admin common.Address) *Roles {
	r := &Roles{
		component: component,
		members:   chain.NewTable[member, bool](),
		counts:    chain.NewTable[Role, int](),
	}
	if admin != (common.Address{}) {
		r.Seed(RoleAdmin, admin)
	}
	return r
}

// Seed 在创世阶段直接授予角色。
func (r *Roles) Seed(role Role, addr common.Address) {
	key := member{role: role, addr: addr}
	if r.members.Has(key) {
		return
	}
	r.members.Seed(key, true)
	n, _ := r.counts.Get(role)
	r.counts.Seed(role, n+1)
}

// Has 判断地址是否拥有角色。
func (r *Roles) Has(role Role, addr common.Address) bool {
	return r.members.Has(member{role: role, addr: addr})
}

// Count 返回拥有角色的地址数量。
func (r *Roles) Count(role Role) int {
	n, _ := r.counts.Get(role)
	return n
}

// Members 返回拥有角色的地址，按字节序排列。
func (r *Roles) Members(role Role) []common.Address {
	var out []common.Address
	r.members.Range(func(m member, _ bool) bool {
		if m.role == role {
			out = append(out, m.addr)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Require 在地址不具备角色时返回授权错误。
func (r *Roles) Require(role Role, addr common.Address) error {
	if r.Has(role, addr) {
		return nil
	}
	return ErrUnauthorized.With("component", r.component, "role", string(role), "caller", addr.Hex())
}

// Grant 由管理员授予角色，重复授予是空操作。
func (r *Roles) Grant(tx *chain.Tx, role Role, addr common.Address) error {
	if err := r.Require(RoleAdmin, tx.From()); err != nil {
		return err
	}
	if !role.IsValid() {
		return ErrUnknownRole.With("role", string(role))
	}
	if addr == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "zero address cannot hold a role")
	}
	key := member{role: role, addr: addr}
	if r.members.Has(key) {
		return nil
	}
	r.members.Put(tx, key, true)
	r.counts.Put(tx, role, r.Count(role)+1)
	r.emit(tx, role, addr, true)
	return nil
}

// Revoke 由管理员撤销角色。管理员不能撤销最后一个管理员。
func (r *Roles) Revoke(tx *chain.Tx, role Role, addr common.Address) error {
	if err := r.Require(RoleAdmin, tx.From()); err != nil {
		return err
	}
	if !role.IsValid() {
		return ErrUnknownRole.With("role", string(role))
	}
	key := member{role: role, addr: addr}
	if !r.members.Has(key) {
		return nil
	}
	if role == RoleAdmin && r.Count(RoleAdmin) == 1 {
		return xerrors.New(xerrors.CodeInvalidArgument, "cannot revoke the last admin")
	}
	r.members.Delete(tx, key)
	r.counts.Put(tx, role, r.Count(role)-1)
	r.emit(tx, role, addr, false)
	return nil
}

func (r *Roles) emit(tx *chain.Tx, role Role, addr common.Address, granted bool) {
	status := "revoked"
	if granted {
		status = "granted"
	}
	tx.Emit(events.Event{
		Kind:   events.KindRoleChanged,
		Entity: r.component,
		Status: status,
		Attrs:  map[string]string{"role": string(role), "account": addr.Hex(), "by": tx.From().Hex()},
	})
}

// Switch 是组件的紧急暂停开关。
type Switch struct {
	component string
	paused    *chain.Var[bool]
}

// NewSwitch 创建处于运行状态的开关。
func NewSwitch(component string) *Switch {
	return &Switch{component: component, paused: chain.NewVar(false)}
}

// Paused 返回当前是否暂停。
func (s *Switch) Paused() bool { return s.paused.Get() }

// RequireActive 在暂停时返回错误。
func (s *Switch) RequireActive() error {
	if s.paused.Get() {
		return ErrPaused.With("component", s.component)
	}
	return nil
}

// Set 由管理员切换暂停状态。
func (s *Switch) Set(tx *chain.Tx, roles *Roles, paused bool) error {
	if err := roles.Require(RoleAdmin, tx.From()); err != nil {
		return err
	}
	if s.paused.Get() == paused {
		return nil
	}
	s.paused.Set(tx, paused)
	status := "unpaused"
	if paused {
		status = "paused"
	}
	tx.Emit(events.Event{
		Kind:   events.KindPauseChanged,
		Entity: s.component,
		Status: status,
		Attrs:  map[string]string{"by": tx.From().Hex()},
	})
	return nil
}
