package diagnosis

import (
	"errors"
	"strings"
)

// Kind classifies why a diagnosis could not be produced.
type Kind string

const (
	KindConfiguration     Kind = "configuration"
	KindRead              Kind = "read"
	KindEmptyResponse     Kind = "empty_response"
	KindMalformedResponse Kind = "malformed_response"
	KindSchemaViolation   Kind = "schema_violation"
	KindNetwork           Kind = "network"
	KindTimeout           Kind = "timeout"
)

// Sentinels for errors.Is; they match any *Error of the same kind.
var (
	ErrConfiguration     = &Error{Kind: KindConfiguration}
	ErrRead              = &Error{Kind: KindRead}
	ErrEmptyResponse     = &Error{Kind: KindEmptyResponse}
	ErrMalformedResponse = &Error{Kind: KindMalformedResponse}
	ErrSchemaViolation   = &Error{Kind: KindSchemaViolation}
	ErrNetwork           = &Error{Kind: KindNetwork}
	ErrTimeout           = &Error{Kind: KindTimeout}
)

// Error is the failure value returned by the encoder and the client.
//
// Raw holds the model output that failed to parse or validate. It is meant for
// logs only and is never part of Error().
type Error struct {
	Kind  Kind
	Op    string
	Field string
	Raw   string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Field != "" {
		b.WriteString(" (field ")
		b.WriteString(e.Field)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a bare sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Field != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// RawOf returns the captured model output carried by err, if any.
func RawOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Raw
	}
	return ""
}
