// Package errs defines the closed error-kind taxonomy every subsystem
// returns through, and the JSON-RPC code each kind maps to at the
// dispatcher boundary.
package errs

import "fmt"

// Kind is the closed set of error categories propagated by the analytic
// engine. It is distinct from, and richer than, the five standard
// JSON-RPC codes: the dispatcher is the only place a Kind becomes a
// wire-level code.
type Kind string

const (
	KindParseError           Kind = "parse_error"
	KindInvalidRequest       Kind = "invalid_request"
	KindMethodNotFound       Kind = "method_not_found"
	KindInvalidParams        Kind = "invalid_params"
	KindInternal             Kind = "internal"
	KindTimeout              Kind = "timeout"
	KindCancelled            Kind = "cancelled"
	KindResourceNotFound     Kind = "resource_not_found"
	KindResourceAccessDenied Kind = "resource_access_denied"
	KindResourceUnavailable  Kind = "resource_unavailable"
	KindValidationError      Kind = "validation_error"
	KindExternalServiceError Kind = "external_service_error"
	KindRateLimited          Kind = "rate_limited"
	KindCircuitOpen          Kind = "circuit_open"
	KindSchemaValidation     Kind = "schema_validation"

	// Domain-specific kinds named directly in the spec's component
	// contracts; they still map onto a JSON-RPC code below (onto
	// InvalidParams, ValidationError, ResourceUnavailable or
	// ExternalServiceError, per their nature).
	KindInvalidFieldName   Kind = "invalid_field_name"
	KindResultTooLarge     Kind = "result_too_large"
	KindCursorMismatch     Kind = "cursor_mismatch"
	KindNoSeedEvents       Kind = "no_seed_events"
	KindAllSourcesUnavailable Kind = "all_sources_unavailable"
	KindServiceUnavailable Kind = "service_unavailable"
)

// JSONRPCCode returns the wire-level numeric code for a Kind, per the
// fixed taxonomy table. Kinds not named in the table (the domain-specific
// ones above) are mapped onto the closest standard code.
func (k Kind) JSONRPCCode() int {
	switch k {
	case KindParseError:
		return -32700
	case KindInvalidRequest:
		return -32600
	case KindMethodNotFound:
		return -32601
	case KindInvalidParams, KindInvalidFieldName:
		return -32602
	case KindInternal:
		return -32603
	case KindTimeout, KindCancelled:
		return -32000
	case KindResourceNotFound:
		return -32001
	case KindResourceAccessDenied:
		return -32002
	case KindResourceUnavailable, KindServiceUnavailable:
		return -32003
	case KindValidationError, KindResultTooLarge, KindCursorMismatch, KindNoSeedEvents:
		return -32004
	case KindExternalServiceError, KindAllSourcesUnavailable:
		return -32007
	case KindRateLimited:
		return -32008
	case KindCircuitOpen:
		return -32009
	case KindSchemaValidation:
		return -32010
	default:
		return -32603
	}
}

// Transient reports whether the resilience substrate's retry loop should
// attempt this kind of failure again.
func (k Kind) Transient() bool {
	switch k {
	case KindExternalServiceError, KindTimeout, KindRateLimited:
		return true
	}
	return false
}

// Error is the concrete error value carried across every subsystem
// boundary. Message is a short human-readable summary; Data carries
// structured detail (e.g. offending fields for KindInvalidParams).
type Error struct {
	Kind    Kind
	Message string
	Data    any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind/message context to an underlying cause, preserving it
// for errors.Is/As via Unwrap.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithData returns a copy of e carrying the given structured payload.
func (e *Error) WithData(data any) *Error {
	cp := *e
	cp.Data = data
	return &cp
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error,
// otherwise returns KindInternal — any error escaping a subsystem without
// an explicit Kind is, by construction, an unhandled invariant violation.
func KindOf(err error) Kind {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As walks err's single-error Unwrap chain and reports the first *Error
// found, the same lookup errors.As performs for this one type; kept here
// so the package has one place that understands *Error's wrapping shape.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
