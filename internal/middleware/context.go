package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/raakeshmj/gatewarden/internal/access"
)

type contextKey string

const requestInfoKey contextKey = "request-info"

// RequestInfo is shared along the chain so outer middleware (metrics,
// audit) can see what the guard decided.
type RequestInfo struct {
	IP       string
	TokenID  string
	Reason   access.Reason
	Degraded bool
}

// withInfo makes sure r carries a RequestInfo and returns both.
func withInfo(r *http.Request) (*http.Request, *RequestInfo) {
	if info, ok := r.Context().Value(requestInfoKey).(*RequestInfo); ok {
		return r, info
	}
	info := &RequestInfo{}
	return r.WithContext(context.WithValue(r.Context(), requestInfoKey, info)), info
}

// Info returns the RequestInfo of ctx, or nil outside a guarded chain.
func Info(ctx context.Context) *RequestInfo {
	info, _ := ctx.Value(requestInfoKey).(*RequestInfo)
	return info
}

// ClientIP returns the source address of r. With trustForwarded the first
// X-Forwarded-For hop wins; only enable it behind a proxy that sets it.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// responseWriterInterceptor captures the status code
type responseWriterInterceptor struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriterInterceptor) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriterInterceptor) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.wroteHeader = true
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriterInterceptor) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
