package quota

import (
	"context"
	"time"
)

// Option configures the shared runtime knobs of an engine component.
type Option func(*operations)

// OperationLogger records domain-level events emitted by engine operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing quota operation.
type OperationLog struct {
	Operation string
	UserID    string
	Code      string
	Amount    int64
	Pool      Pool
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) Option {
	return func(ops *operations) {
		ops.logger = logger
	}
}

// WithClock overrides the wall clock (unix seconds, UTC).
func WithClock(now func() int64) Option {
	return func(ops *operations) {
		if now != nil {
			ops.nowFn = now
		}
	}
}

// operations carries the clock and logging hook shared by all components.
type operations struct {
	nowFn  func() int64
	logger OperationLogger
}

func newOperations(options ...Option) operations {
	ops := operations{
		nowFn: func() int64 { return time.Now().UTC().Unix() },
	}
	for _, option := range options {
		if option != nil {
			option(&ops)
		}
	}
	return ops
}

func (ops operations) now() int64 {
	return ops.nowFn()
}

func (ops operations) logOperation(ctx context.Context, entry OperationLog) {
	if ops.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	ops.logger.LogOperation(ctx, entry)
}
