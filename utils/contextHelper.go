package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/capital_ledger/appctx"
	"github.com/google/uuid"
)

var (
	ContextKeyOperator      = appctx.ContextKeyOperator
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
)

// GetOperatorFromContext returns who triggered the write (user name, tool name).
func GetOperatorFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyOperator)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetOperatorInContext(ctx context.Context, operator string) context.Context {
	return appctx.Set(ctx, ContextKeyOperator, operator)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

// CorrelationIdFromContextOrNew never returns an empty id.
func CorrelationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
