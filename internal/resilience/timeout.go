package resilience

import (
	"context"
	"time"
)

// OperationClass names one of the four timeout envelopes the spec calls
// out by name; each carries its own deadline budget.
type OperationClass string

const (
	ClassToolExecution   OperationClass = "tool_execution"
	ClassExternalService OperationClass = "external_service"
	ClassResourceAccess  OperationClass = "resource_access"
	ClassValidation      OperationClass = "validation"
)

// TimeoutTable maps each operation class to its configured deadline.
type TimeoutTable struct {
	ToolExecution   time.Duration
	ExternalService time.Duration
	ResourceAccess  time.Duration
	Validation      time.Duration
}

func (t TimeoutTable) For(class OperationClass) time.Duration {
	switch class {
	case ClassToolExecution:
		return t.ToolExecution
	case ClassExternalService:
		return t.ExternalService
	case ClassResourceAccess:
		return t.ResourceAccess
	case ClassValidation:
		return t.Validation
	default:
		return t.ToolExecution
	}
}

// WithTimeout attaches a cancellable deadline for the named operation
// class. Callers must propagate the returned context into any in-flight
// I/O so cancellation actually tears down network work, not just the
// caller's wait.
func (t TimeoutTable) WithTimeout(ctx context.Context, class OperationClass) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.For(class))
}
