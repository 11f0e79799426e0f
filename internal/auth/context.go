package auth

import (
	"context"

	"AgentMarket-Chain/internal/chain"
)

// callKey 是上下文中存储调用信息的键类型。
type callKey struct{}

// WithCall 将经过识别的调用者与附带金额存储到上下文中。
func WithCall(ctx context.Context, call chain.Call) context.Context {
	return context.WithValue(ctx, callKey{}, call)
}

// CallFromContext 从上下文中提取调用信息。
func CallFromContext(ctx context.Context) (chain.Call, bool) {
	if ctx == nil {
		return chain.Call{}, false
	}
	call, ok := ctx.Value(callKey{}).(chain.Call)
	return call, ok
}
