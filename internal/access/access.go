// Package access defines the inbound request view, the authorization decision
// and the error taxonomy shared by the governance components.
package access

import (
	"net/http"
	"time"
)

// Reason is a machine-readable rejection code.
type Reason string

const (
	ReasonIPBlocked         Reason = "ip_blocked"
	ReasonMissingToken      Reason = "missing_token"
	ReasonInvalidToken      Reason = "invalid_token"
	ReasonRevoked           Reason = "revoked"
	ReasonInactive          Reason = "inactive"
	ReasonTokenExpired      Reason = "token_expired"
	ReasonRateLimited       Reason = "rate_limited"
	ReasonInsufficientScope Reason = "insufficient_scope"
	ReasonUnavailable       Reason = "governance_unavailable"
)

// Request is the header-level view of an inbound request. Bodies are never
// inspected.
type Request struct {
	Method   string
	Path     string
	Query    string // raw, still encoded
	Headers  http.Header
	SourceIP string
}

// FromHTTP builds a Request from r using sourceIP as the client address.
func FromHTTP(r *http.Request, sourceIP string) Request {
	return Request{
		Method:   r.Method,
		Path:     r.URL.Path,
		Query:    r.URL.RawQuery,
		Headers:  r.Header,
		SourceIP: sourceIP,
	}
}

func (r Request) UserAgent() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("User-Agent")
}

func (r Request) Referer() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Referer")
}

// Decision is the outcome of a governance check. Exactly one of Authorized or
// Reason is meaningful.
type Decision struct {
	Authorized bool
	TokenID    string
	Scopes     []string
	Reason     Reason
	Timestamp  time.Time
	// Degraded is set when the quota check could not run and the configured
	// fail-open policy let the request through.
	Degraded bool
}

func Authorized(tokenID string, scopes []string, at time.Time) Decision {
	return Decision{Authorized: true, TokenID: tokenID, Scopes: scopes, Timestamp: at}
}

func Rejected(reason Reason, at time.Time) Decision {
	return Decision{Reason: reason, Timestamp: at}
}

// Err converts a rejection into its taxonomy error. It returns nil for an
// authorized decision.
func (d Decision) Err() error {
	if d.Authorized {
		return nil
	}
	switch d.Reason {
	case ReasonIPBlocked:
		return &BlockedError{Reason: d.Reason, At: d.Timestamp}
	case ReasonRateLimited, ReasonInsufficientScope:
		return &AuthorizationError{Reason: d.Reason, At: d.Timestamp}
	case ReasonUnavailable:
		return &PersistenceError{Op: "quota", At: d.Timestamp}
	default:
		return &AuthenticationError{Reason: d.Reason, At: d.Timestamp}
	}
}

// HTTPStatus maps a rejection reason to the response status.
func (r Reason) HTTPStatus() int {
	switch r {
	case ReasonIPBlocked, ReasonInsufficientScope:
		return http.StatusForbidden
	case ReasonRateLimited:
		return http.StatusTooManyRequests
	case ReasonUnavailable:
		return http.StatusServiceUnavailable
	case "":
		return http.StatusOK
	default:
		return http.StatusUnauthorized
	}
}
