package runtime

import (
	"context"

	loggingpkg "github.com/drblury/callflow/internal/runtime/logging"
)

type contextKey int

const (
	loggerKey contextKey = iota
	executionIDKey
)

func withInvocation(ctx context.Context, logger loggingpkg.ServiceLogger, executionID string) context.Context {
	ctx = context.WithValue(ctx, loggerKey, logger)
	return context.WithValue(ctx, executionIDKey, executionID)
}

// LoggerFromContext returns the invocation logger carried by ctx, or a logger
// that discards everything when ctx does not belong to an invocation.
func LoggerFromContext(ctx context.Context) loggingpkg.ServiceLogger {
	if logger, ok := ctx.Value(loggerKey).(loggingpkg.ServiceLogger); ok {
		return logger
	}
	return loggingpkg.NewNopServiceLogger()
}

// ExecutionIDFromContext returns the execution id of the invocation, or "".
func ExecutionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(executionIDKey).(string)
	return id
}
