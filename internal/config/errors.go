package config

import "fmt"

// Error reports an invalid tunable. Sessions refuse to start when
// construction returns one; callers detect it with errors.As.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// Errorf builds a configuration Error for field.
func Errorf(field, format string, args ...any) *Error {
	return &Error{Field: field, Reason: fmt.Sprintf(format, args...)}
}
