// Package auction 放置任务拍卖与意图拍卖共用的查询参数。
package auction

import (
	"github.com/ethereum/go-ethereum/common"
)

// SortOrder defines how results should be ordered when listing entities.
type SortOrder int

const (
	// SortByIDDesc orders entities newest first.
	SortByIDDesc SortOrder = iota
	// SortByIDAsc orders entities oldest first.
	SortByIDAsc
)

// ListOptions controls how tasks or intents are selected.
type ListOptions struct {
	Limit    int
	Offset   int
	Statuses []string
	Owner    common.Address
	Order    SortOrder
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 500 {
		opts.Limit = 500
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Order != SortByIDAsc {
		opts.Order = SortByIDDesc
	}
	opts.Statuses = dedupe(opts.Statuses)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of entities returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching entities.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStatuses filters by status names.
func WithStatuses(statuses ...string) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithOwner filters by creator (tasks) or requester (intents).
func WithOwner(owner common.Address) ListOption {
	return func(opts *ListOptions) {
		opts.Owner = owner
	}
}

// WithSortOrder changes the returned order.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

// MatchStatus reports whether status passes the filter.
func (opts ListOptions) MatchStatus(status string) bool {
	if len(opts.Statuses) == 0 {
		return true
	}
	for _, s := range opts.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// MatchOwner reports whether owner passes the filter.
func (opts ListOptions) MatchOwner(owner common.Address) bool {
	return opts.Owner == (common.Address{}) || opts.Owner == owner
}

// IDs returns the id sequence to scan for ids 1..last in the requested order.
func (opts ListOptions) IDs(last uint64) func(yield func(uint64) bool) {
	return func(yield func(uint64) bool) {
		if opts.Order == SortByIDAsc {
			for id := uint64(1); id <= last; id++ {
				if !yield(id) {
					return
				}
			}
			return
		}
		for id := last; id >= 1; id-- {
			if !yield(id) {
				return
			}
		}
	}
}

// Page applies offset and limit while collecting matches.
type Page[T any] struct {
	opts    ListOptions
	skipped int
	Items   []T
}

// NewPage creates a collector for opts.
func NewPage[T any](opts ListOptions) *Page[T] {
	return &Page[T]{opts: opts}
}

// Add offers a matching item; it returns false once the page is full.
func (p *Page[T]) Add(item T) bool {
	if p.skipped < p.opts.Offset {
		p.skipped++
		return true
	}
	p.Items = append(p.Items, item)
	return len(p.Items) < p.opts.Limit
}

func dedupe(input []string) []string {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(input))
	result := make([]string, 0, len(input))
	for _, s := range input {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		result = append(result, s)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
