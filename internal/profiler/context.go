package profiler

import (
	"context"

	"github.com/reqlens/reqlens/internal/model"
)

type ctxKey struct{}

// WithProfile binds p as the active profile for the request's context chain.
// If a profile is already bound the context is returned unchanged, so
// instrumentation installed at multiple layers never double-profiles a
// request.
func WithProfile(ctx context.Context, p *model.RequestProfile) context.Context {
	if p == nil {
		return ctx
	}
	if _, ok := FromContext(ctx); ok {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the active profile for ctx. Absence is a normal state:
// queries fired outside any request (bootstrap, background jobs) report
// ok == false and are simply not recorded.
func FromContext(ctx context.Context) (*model.RequestProfile, bool) {
	if ctx == nil {
		return nil, false
	}
	p, ok := ctx.Value(ctxKey{}).(*model.RequestProfile)
	return p, ok
}
