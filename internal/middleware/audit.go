package middleware

import (
	"net/http"
	"time"

	"github.com/raakeshmj/gatewarden/internal/audit"
)

// AuditMiddleware writes one entry per rejected request.
func AuditMiddleware(logger audit.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			r, info := withInfo(r)

			// Capture Response Status
			rw := &responseWriterInterceptor{
				ResponseWriter: w,
				statusCode:     http.StatusOK, // Default
			}

			next.ServeHTTP(rw, r)

			if info.Reason == "" {
				return
			}
			logger.Log(audit.LogEntry{
				Timestamp: start,
				ActorID:   info.TokenID,
				Action:    r.Method + " " + r.URL.Path,
				Resource:  r.URL.RequestURI(),
				Status:    rw.statusCode,
				Reason:    string(info.Reason),
				IP:        info.IP,
				Metadata: map[string]string{
					"user_agent": r.UserAgent(),
					"duration":   time.Since(start).String(),
				},
			})
		})
	}
}
