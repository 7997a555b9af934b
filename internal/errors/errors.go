// Package errors defines the coded error taxonomy shared by the store, the
// embedding pipeline, the search engine and the HTTP surface.
package errors

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeStorageUnavailable   Code = "store.unavailable"
	CodeStorageUninitialized Code = "store.uninitialized"
	CodeRecordNotFound       Code = "store.record.not_found"
	CodeStorageFailure       Code = "store.database.failure"

	CodeProviderFailure Code = "embedding.provider.failure"
	CodeProviderTimeout Code = "embedding.provider.timeout"

	CodeVectorLengthMismatch Code = "vector.length_mismatch"

	CodeRequestInvalid Code = "request.invalid"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldID(id int64) Attr {
	return Field("image_id", id)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

// NotFound reports a missing record.
func NotFound(id int64) error {
	return New(CodeRecordNotFound, fmt.Sprintf("image %d not found", id), FieldID(id))
}

// Uninitialized reports a store operation issued before Init completed.
func Uninitialized(op string) error {
	return New(CodeStorageUninitialized, "storage not initialized", Field("op", op))
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsUninitialized(err error) bool {
	return HasCode(err, CodeStorageUninitialized)
}

func IsUnavailable(err error) bool {
	return HasCode(err, CodeStorageUnavailable)
}

func IsTimeout(err error) bool {
	return reason(CodeOf(err)) == "timeout"
}

// IsProviderError reports any embedding provider failure, timeouts included.
func IsProviderError(err error) bool {
	return strings.HasPrefix(string(CodeOf(err)), "embedding.provider.")
}

func IsLengthMismatch(err error) bool {
	return HasCode(err, CodeVectorLengthMismatch)
}

func IsInvalidInput(err error) bool {
	return HasCode(err, CodeRequestInvalid)
}

func HTTPStatus(err error) int {
	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	case IsProviderError(err):
		return http.StatusBadGateway
	case IsUnavailable(err), IsUninitialized(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
