package access

import (
	"fmt"
	"time"
)

// AuthenticationError covers missing, malformed, unknown, revoked and expired
// credentials.
type AuthenticationError struct {
	Reason Reason
	At     time.Time
}

func (e *AuthenticationError) Error() string {
	return "authentication failed: " + string(e.Reason)
}

// AuthorizationError is returned when a valid token may not proceed (quota,
// scope).
type AuthorizationError struct {
	Reason Reason
	At     time.Time
}

func (e *AuthorizationError) Error() string {
	return "authorization denied: " + string(e.Reason)
}

// BlockedError is returned for requests from a banned source.
type BlockedError struct {
	Reason Reason
	At     time.Time
}

func (e *BlockedError) Error() string {
	return "source blocked: " + string(e.Reason)
}

// PersistenceError wraps a failure of the persistence collaborator.
type PersistenceError struct {
	Op  string
	At  time.Time
	Err error
}

func (e *PersistenceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("persistence unavailable during %s", e.Op)
	}
	return fmt.Sprintf("persistence unavailable during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ConfigurationError is fatal at startup.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Message)
}
