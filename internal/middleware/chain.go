package middleware

import (
	"net/http"

	"github.com/raakeshmj/gatewarden/internal/audit"
	"github.com/raakeshmj/gatewarden/internal/gateway"
	"github.com/raakeshmj/gatewarden/internal/metrics"
	"github.com/raakeshmj/gatewarden/internal/policy"
)

// Middleware defines a function that wraps an http.Handler
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares to a http.Handler; the first one is outermost.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Stack is the governance chain put in front of every API route.
type Stack struct {
	Collector *metrics.MetricsCollector
	Audit     audit.Logger
	Security  SecurityConfig
	Policies  *policy.Engine
	Gateway   *gateway.Gateway
	Guard     GuardConfig
}

// Wrap orders the chain Metrics -> Audit -> Security -> Policy -> Guard, so
// metrics and audit see the guard's decision and rejections still carry the
// secure headers.
func (s Stack) Wrap(h http.Handler) http.Handler {
	return Chain(h,
		MetricsMiddleware(s.Collector),
		AuditMiddleware(s.Audit),
		SecureHeaders(s.Security),
		PolicyEnforcer(s.Policies),
		Guard(s.Gateway, s.Guard),
	)
}
