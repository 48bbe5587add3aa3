package scope

import "fmt"

// ErrUnknown reports a scope name that was never registered.
type ErrUnknown struct {
	Scope string
}

func (e *ErrUnknown) Error() string {
	return fmt.Sprintf("scope: unknown scope %q", e.Scope)
}

// ErrInvalid reports a descriptor rejected at registration.
type ErrInvalid struct {
	Scope  string
	Reason string
}

func (e *ErrInvalid) Error() string {
	return fmt.Sprintf("scope: invalid descriptor %q: %s", e.Scope, e.Reason)
}

// ErrUnavailable reports a scope that did not become ready within its
// timeout. Fatal for the resolution call: no strategy may be attempted.
type ErrUnavailable struct {
	Scope string
	Cause error
}

func (e *ErrUnavailable) Error() string {
	return fmt.Sprintf("scope: %q unavailable: %v", e.Scope, e.Cause)
}

func (e *ErrUnavailable) Unwrap() error { return e.Cause }
