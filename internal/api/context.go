package api

import (
	"context"
	"fmt"

	"docchat/internal/domain/pipeline"
)

type identityContextKey struct{}

// WithIdentity 注入身份到 context
func WithIdentity(ctx context.Context, identity *pipeline.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFrom 从 context 提取身份
func IdentityFrom(ctx context.Context) (*pipeline.Identity, error) {
	identity, ok := ctx.Value(identityContextKey{}).(*pipeline.Identity)
	if !ok || identity == nil {
		return nil, fmt.Errorf("identity not found in context")
	}
	return identity, nil
}
