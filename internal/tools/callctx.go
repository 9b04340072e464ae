package tools

import "context"

// CallInfo identifies the call a tool runs for.
type CallInfo struct {
	CallID string
	Caller string
}

type callCtxKey struct{}

func WithCall(ctx context.Context, ci CallInfo) context.Context {
	return context.WithValue(ctx, callCtxKey{}, ci)
}

func CallFrom(ctx context.Context) CallInfo {
	ci, _ := ctx.Value(callCtxKey{}).(CallInfo)
	return ci
}
