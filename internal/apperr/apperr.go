// Package apperr defines the error taxonomy shared by every pipeline component.
// Each component returns the most specific Kind it can determine; the
// orchestrator branches on Kind to decide between retry, cleanup and terminal
// failure, and the HTTP layer maps Kind to a status code and a client-safe message.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable, machine-readable error category.
type Kind string

const (
	// KindValidation indicates bad input, such as a disallowed content type.
	KindValidation Kind = "VALIDATION_ERROR"
	// KindStorage indicates a gateway I/O failure. Retryable by the outer caller.
	KindStorage Kind = "STORAGE_ERROR"
	// KindNotFound indicates a referenced object or key is missing.
	KindNotFound Kind = "NOT_FOUND"
	// KindTransient is a processing failure that may succeed on retry.
	KindTransient Kind = "TRANSIENT_FAILURE"
	// KindUnsupported is a processing failure for content the transformer cannot handle.
	KindUnsupported Kind = "UNSUPPORTED_CONTENT"
	// KindCorrupt is a processing failure caused by an unreadable source.
	KindCorrupt Kind = "CORRUPT_SOURCE"
	// KindCancelled indicates the caller cancelled the run.
	KindCancelled Kind = "CANCELLED"
	// KindCapacity indicates the transform capacity is saturated.
	KindCapacity Kind = "CAPACITY_EXCEEDED"
	// KindConflict indicates an idempotency key is bound to another run.
	KindConflict Kind = "CONFLICT"
	// KindInternal is the fallback for unclassified errors.
	KindInternal Kind = "INTERNAL_ERROR"
)

// Metadata describes how a Kind surfaces to clients.
type Metadata struct {
	HTTPStatus    int
	Retryable     bool
	PublicMessage string
}

var metadataByKind = map[Kind]Metadata{
	KindValidation:  {HTTPStatus: http.StatusBadRequest, Retryable: false, PublicMessage: "validation failed"},
	KindStorage:     {HTTPStatus: http.StatusBadGateway, Retryable: true, PublicMessage: "storage unavailable"},
	KindNotFound:    {HTTPStatus: http.StatusNotFound, Retryable: false, PublicMessage: "resource not found"},
	KindTransient:   {HTTPStatus: http.StatusServiceUnavailable, Retryable: true, PublicMessage: "processing temporarily failed"},
	KindUnsupported: {HTTPStatus: http.StatusUnprocessableEntity, Retryable: false, PublicMessage: "unsupported content"},
	KindCorrupt:     {HTTPStatus: http.StatusUnprocessableEntity, Retryable: false, PublicMessage: "source content is corrupt"},
	KindCancelled:   {HTTPStatus: 499, Retryable: true, PublicMessage: "request cancelled"},
	KindCapacity:    {HTTPStatus: http.StatusServiceUnavailable, Retryable: true, PublicMessage: "processing capacity exceeded"},
	KindConflict:    {HTTPStatus: http.StatusConflict, Retryable: false, PublicMessage: "idempotency key already in use"},
	KindInternal:    {HTTPStatus: http.StatusInternalServerError, Retryable: true, PublicMessage: "internal server error"},
}

// MetadataFor returns the client-facing metadata for kind.
// Unknown kinds resolve to KindInternal.
func MetadataFor(kind Kind) Metadata {
	if meta, ok := metadataByKind[kind]; ok {
		return meta
	}
	return metadataByKind[KindInternal]
}

// IsProcessing reports whether kind is one of the transformer failure subtypes.
func (k Kind) IsProcessing() bool {
	return k == KindTransient || k == KindUnsupported || k == KindCorrupt
}

// Error is a classified error. The message is safe to show to clients;
// the cause carries provider detail for logs only.
type Error struct {
	kind    Kind
	op      string
	message string
	cause   error
}

// New creates an Error without an underlying cause.
func New(kind Kind, op, message string) *Error {
	return &Error{kind: kind, op: op, message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{kind: kind, op: op, message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err yields a plain New.
func Wrap(kind Kind, op string, err error, message string) *Error {
	if err == nil {
		return New(kind, op, message)
	}
	return &Error{kind: kind, op: op, message: message, cause: err}
}

// Error implements the error interface. It includes the cause and is meant for logs.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.message
	if e.op != "" {
		msg = e.op + ": " + msg
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Kind returns the error category.
func (e *Error) Kind() Kind {
	if e == nil {
		return KindInternal
	}
	return e.kind
}

// Op returns the operation that failed.
func (e *Error) Op() string {
	if e == nil {
		return ""
	}
	return e.op
}

// Message returns the client-safe description.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// KindOf returns the Kind of the outermost classified error in err's chain.
// Context errors that were never classified map to KindCancelled and KindTransient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindInternal
	}
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// From returns err as an *Error, classifying it as KindOf(err) when it is not already one.
func From(err error, op string) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	kind := KindOf(err)
	return Wrap(kind, op, err, MetadataFor(kind).PublicMessage)
}

// PublicMessage returns the text a client may see for err.
func PublicMessage(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.message != "" {
		return ae.message
	}
	return MetadataFor(KindOf(err)).PublicMessage
}
