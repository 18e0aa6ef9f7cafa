package logging

import (
	"context"

	"go.uber.org/zap"
)

type runCtxKey struct{}

// RunFields carries run correlation data through a context
type RunFields struct {
	RunID       string
	Chain       string
	Phase       string
	ExecutionID string
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	rf, ok := ctx.Value(runCtxKey{}).(RunFields)
	if !ok {
		return nil
	}
	fields := make([]zap.Field, 0, 4)
	if rf.RunID != "" {
		fields = append(fields, zap.String("adw_id", rf.RunID))
	}
	if rf.Chain != "" {
		fields = append(fields, zap.String("chain", rf.Chain))
	}
	if rf.Phase != "" {
		fields = append(fields, zap.String("phase", rf.Phase))
	}
	if rf.ExecutionID != "" {
		fields = append(fields, zap.String("execution_id", rf.ExecutionID))
	}
	return fields
}

// FieldsFromContext returns the run fields stored in ctx
func FieldsFromContext(ctx context.Context) RunFields {
	rf, _ := ctx.Value(runCtxKey{}).(RunFields)
	return rf
}

// WithRun stores the run ID, chain and execution ID in ctx
func WithRun(ctx context.Context, runID, chain, executionID string) context.Context {
	rf := FieldsFromContext(ctx)
	rf.RunID, rf.Chain, rf.ExecutionID = runID, chain, executionID
	return context.WithValue(ctx, runCtxKey{}, rf)
}

// WithPhase stores the current phase name in ctx
func WithPhase(ctx context.Context, phase string) context.Context {
	rf := FieldsFromContext(ctx)
	rf.Phase = phase
	return context.WithValue(ctx, runCtxKey{}, rf)
}
