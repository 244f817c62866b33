package embeddings

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Error kinds. Match them with errors.Is.
var (
	ErrConfiguration        = errors.New("configuration error")
	ErrNotFound             = errors.New("not found")
	ErrSchema               = errors.New("schema error")
	ErrProvider             = errors.New("provider error")
	ErrUnsupportedQueryType = errors.New("unsupported query type")
	ErrAmbiguousColumn      = errors.New("ambiguous column")
)

// Error carries the kind of failure together with the operation, the
// binding it happened on and the underlying cause.
type Error struct {
	Kind   error
	Op     string
	Alias  string
	Column string
	Err    error

	// Permanent marks provider failures that retrying cannot fix.
	Permanent bool
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
	}
	if e.Column != "" {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString("column ")
		b.WriteString(strconv.Quote(e.Column))
	}
	if e.Alias != "" {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString("(" + e.Alias + ")")
	}
	if b.Len() > 0 {
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Configf returns a ConfigurationError for the provider alias.
func Configf(alias, format string, args ...any) error {
	return &Error{Kind: ErrConfiguration, Alias: alias, Err: fmt.Errorf(format, args...)}
}

// NotFoundf returns a NotFoundError.
func NotFoundf(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Err: fmt.Errorf(format, args...)}
}

// Schemaf returns a SchemaError for the column.
func Schemaf(column, format string, args ...any) error {
	return &Error{Kind: ErrSchema, Column: column, Err: fmt.Errorf(format, args...)}
}

// Unsupportedf returns an UnsupportedQueryTypeError.
func Unsupportedf(column, alias, format string, args ...any) error {
	return &Error{Kind: ErrUnsupportedQueryType, Column: column, Alias: alias, Err: fmt.Errorf(format, args...)}
}

// Ambiguousf returns an AmbiguousColumnError.
func Ambiguousf(format string, args ...any) error {
	return &Error{Kind: ErrAmbiguousColumn, Err: fmt.Errorf(format, args...)}
}

// ProviderFailure wraps a retryable provider call failure.
func ProviderFailure(alias string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: ErrProvider, Alias: alias, Err: err}
}

// PermanentFailure wraps a provider call failure that must not be retried.
func PermanentFailure(alias string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: ErrProvider, Alias: alias, Err: err, Permanent: true}
}

// Annotate attaches the operation and column to err. Errors that do not
// belong to the taxonomy are reported as provider failures.
func Annotate(err error, op, column string) error {
	if err == nil {
		return nil
	}
	e, ok := err.(*Error)
	if !ok {
		var inner *Error
		if errors.As(err, &inner) {
			return &Error{Kind: inner.Kind, Op: op, Column: column, Alias: inner.Alias, Err: err, Permanent: inner.Permanent}
		}
		return &Error{Kind: ErrProvider, Op: op, Column: column, Err: err}
	}
	c := *e
	if c.Op == "" {
		c.Op = op
	}
	if c.Column == "" {
		c.Column = column
	}
	return &c
}

// IsRetryable reports whether the retry wrapper should try again after err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == ErrProvider && !e.Permanent
	}
	return true
}
