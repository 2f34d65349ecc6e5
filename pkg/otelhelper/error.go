package otelhelper

import (
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	TimeoutKey = "autoflow.error.timeout"
	ErrorKey   = "autoflow.error.message"
)

// timeout is implemented by errors that know whether they come from a deadline.
type timeout interface {
	Timeout() bool
}

// SetError marks the span failed. Errors in the chain reporting Timeout() are flagged
// so timed out attempts can be told apart from handler failures.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	var t timeout

	isTimeout := errors.As(err, &t) && t.Timeout()

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.AddEvent("error_occurred", trace.WithAttributes(
		append(attrs,
			attribute.String(ErrorKey, err.Error()),
			attribute.Bool(TimeoutKey, isTimeout),
		)...,
	))
}
