package reqtrace

import "fmt"

/*
	Error Types
*/

// ErrAlreadyEnded is reported when End is called on a span that has already
// been ended. The first End wins; the span is not exported a second time.
type ErrAlreadyEnded interface {
	AlreadyEnded()
	error
}

// ErrSpanEnded is reported when a mutation (attribute set, event append) is
// attempted on an ended span. The span's exported state is unaffected.
type ErrSpanEnded interface {
	SpanEnded()
	error
}

// ErrInvalidAttribute is reported when an attribute value is not one of the
// permitted types (string, bool, int, int64, float64).
type ErrInvalidAttribute interface {
	InvalidAttribute()
	error
}

type alreadyEndedError string

func newErrAlreadyEnded(operation string) ErrAlreadyEnded {
	return alreadyEndedError(fmt.Sprintf("span %q has already ended", operation))
}

func (alreadyEndedError) AlreadyEnded() {}

func (e alreadyEndedError) Error() string {
	return string(e)
}

type spanEndedError string

func newErrSpanEnded(operation string) ErrSpanEnded {
	return spanEndedError(fmt.Sprintf("span %q is ended and can no longer be modified", operation))
}

func (spanEndedError) SpanEnded() {}

func (e spanEndedError) Error() string {
	return string(e)
}

type invalidAttributeError struct {
	key   string
	value interface{}
}

func newErrInvalidAttribute(key string, value interface{}) ErrInvalidAttribute {
	return invalidAttributeError{key: key, value: value}
}

func (invalidAttributeError) InvalidAttribute() {}

func (e invalidAttributeError) Error() string {
	return fmt.Sprintf("attribute %q has unsupported value type %T", e.key, e.value)
}
