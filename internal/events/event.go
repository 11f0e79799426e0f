// Package events 定义已提交事务产生的结构化事件，以及把事件投递到
// 外部系统（MySQL、MongoDB、Redis、RabbitMQ）的 Sink 实现。
//
// 事件只在事务提交之后发布；Sink 失败只会被记录和告警，
// 不会回滚已经提交的状态。
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Kind 标识事件类型。
type Kind string

const (
	KindTreasuryDeposit Kind = "TreasuryDeposit"
	KindTreasuryPayout  Kind = "TreasuryPayout"
	KindRoleChanged     Kind = "RoleChanged"
	KindPauseChanged    Kind = "PauseChanged"
	KindConfigChanged   Kind = "ConfigChanged"

	KindTaskCreated   Kind = "TaskCreated"
	KindBidSubmitted  Kind = "BidSubmitted"
	KindBidWithdrawn  Kind = "BidWithdrawn"
	KindTaskAssigned  Kind = "TaskAssigned"
	KindTaskCompleted Kind = "TaskCompleted"
	KindTaskVerified  Kind = "TaskVerified"
	KindTaskFailed    Kind = "TaskFailed"
	KindTaskCancelled Kind = "TaskCancelled"
	KindReputation    Kind = "ReputationAdjusted"

	KindIntentCreated   Kind = "IntentCreated"
	KindOfferSubmitted  Kind = "OfferSubmitted"
	KindOfferWithdrawn  Kind = "OfferWithdrawn"
	KindIntentClosed    Kind = "IntentClosed"
	KindIntentExpired   Kind = "IntentExpired"
	KindIntentFulfilled Kind = "IntentFulfilled"
	KindIntentConfirmed Kind = "IntentConfirmed"
	KindIntentDisputed  Kind = "IntentDisputed"
	KindFeesForwarded   Kind = "FeesForwarded"
)

// Event 描述一次已提交的状态变化。
type Event struct {
	ID        string            `json:"id" bson:"_id"`
	Kind      Kind              `json:"kind" bson:"kind"`
	Entity    string            `json:"entity" bson:"entity"`
	EntityID  uint64            `json:"entity_id" bson:"entity_id"`
	Status    string            `json:"status,omitempty" bson:"status,omitempty"`
	Op        string            `json:"op" bson:"op"`
	TxSeq     uint64            `json:"tx_seq" bson:"tx_seq"`
	Index     int               `json:"index" bson:"index"`
	Timestamp time.Time         `json:"timestamp" bson:"timestamp"`
	Attrs     map[string]string `json:"attrs,omitempty" bson:"attrs,omitempty"`
}

// Sink 接收一批同属一个事务的事件。
type Sink interface {
	Publish(ctx context.Context, batch []Event) error
	Close() error
}

// Fanout 把事件依次投递到多个 Sink，汇总所有错误。
type Fanout struct {
	sinks []Sink
}

// NewFanout 构造 Fanout，忽略 nil。
func NewFanout(sinks ...Sink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Len 返回已注册的 Sink 数量。
func (f *Fanout) Len() int {
	if f == nil {
		return 0
	}
	return len(f.sinks)
}

// Publish 实现 Sink。
func (f *Fanout) Publish(ctx context.Context, batch []Event) error {
	if f == nil || len(batch) == 0 {
		return nil
	}
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, batch); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", s, err))
		}
	}
	return errors.Join(errs...)
}

// Close 关闭所有 Sink。
func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, s := range f.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// MemorySink 在内存中保存事件，供测试和单机查询使用。
type MemorySink struct {
	mu     sync.RWMutex
	events []Event
	limit  int
}

// NewMemorySink 创建内存 Sink；limit<=0 表示不限制条数。
func NewMemorySink(limit int) *MemorySink {
	return &MemorySink{limit: limit}
}

// Publish 实现 Sink。
func (m *MemorySink) Publish(_ context.Context, batch []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, evt := range batch {
		m.events = append(m.events, cloneEvent(evt))
	}
	if m.limit > 0 && len(m.events) > m.limit {
		m.events = append([]Event(nil), m.events[len(m.events)-m.limit:]...)
	}
	return nil
}

// Events 返回全部事件的副本，按发布顺序排列。
func (m *MemorySink) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	for i, evt := range m.events {
		out[i] = cloneEvent(evt)
	}
	return out
}

// OfKind 返回指定类型的事件。
func (m *MemorySink) OfKind(kind Kind) []Event {
	var out []Event
	for _, evt := range m.Events() {
		if evt.Kind == kind {
			out = append(out, evt)
		}
	}
	return out
}

// Query 按实体过滤，最新的在前。
func (m *MemorySink) Query(_ context.Context, filter Filter) ([]Event, error) {
	filter.applyDefaults()
	all := m.Events()
	out := make([]Event, 0, filter.Limit)
	for i := len(all) - 1; i >= 0 && len(out) < filter.Limit; i-- {
		if filter.Match(all[i]) {
			out = append(out, all[i])
		}
	}
	return out, nil
}

// Close 实现 Sink。
func (m *MemorySink) Close() error { return nil }

// Filter 描述事件查询条件。
type Filter struct {
	Entity   string
	EntityID uint64
	Kind     Kind
	Limit    int
}

func (f *Filter) applyDefaults() {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 500 {
		f.Limit = 500
	}
}

// Match 判断事件是否满足过滤条件。
func (f Filter) Match(evt Event) bool {
	if f.Entity != "" && evt.Entity != f.Entity {
		return false
	}
	if f.EntityID != 0 && evt.EntityID != f.EntityID {
		return false
	}
	if f.Kind != "" && evt.Kind != f.Kind {
		return false
	}
	return true
}

// Querier 由可以回放历史事件的 Sink 实现。
type Querier interface {
	Query(ctx context.Context, filter Filter) ([]Event, error)
}

func cloneEvent(evt Event) Event {
	if evt.Attrs != nil {
		attrs := make(map[string]string, len(evt.Attrs))
		for k, v := range evt.Attrs {
			attrs[k] = v
		}
		evt.Attrs = attrs
	}
	return evt
}
