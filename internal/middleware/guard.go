package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/raakeshmj/gatewarden/internal/access"
	"github.com/raakeshmj/gatewarden/internal/auth"
	"github.com/raakeshmj/gatewarden/internal/gateway"
)

type GuardConfig struct {
	Credentials    auth.CredentialLookup
	TrustForwarded bool
}

// Guard puts every request through the gateway. Rejections are answered
// here with a JSON body; the final status of every checked request is
// reported back through Complete.
func Guard(gw *gateway.Gateway, cfg GuardConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, info := withInfo(r)
			ip := ClientIP(r, cfg.TrustForwarded)
			info.IP = ip

			p := GetPolicy(r.Context())
			token, _ := auth.ExtractCredential(r.Header, r.URL.Query(), cfg.Credentials)

			v := gw.Check(r.Context(), gateway.Input{
				Request:       access.FromHTTP(r, ip),
				RawToken:      token,
				AuthRequired:  p.Rules.AuthRequired,
				RequiredScope: p.Rules.RequiredScope,
			})
			info.TokenID = v.TokenID
			info.Degraded = v.Degraded

			if !v.Authorized {
				info.Reason = v.Reason
				WriteRejection(w, v.Decision)
				gw.Complete(v, v.Reason.HTTPStatus())
				return
			}

			rw := &responseWriterInterceptor{ResponseWriter: w, statusCode: http.StatusOK}
			defer func() { gw.Complete(v, rw.statusCode) }()
			next.ServeHTTP(rw, r)
		})
	}
}

type rejectionBody struct {
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// WriteRejection answers with the reason code and decision time only.
func WriteRejection(w http.ResponseWriter, d access.Decision) {
	w.Header().Set("Content-Type", "application/json")
	if d.Reason == access.ReasonRateLimited {
		w.Header().Set("Retry-After", "60")
	}
	w.WriteHeader(d.Reason.HTTPStatus())
	_ = json.NewEncoder(w).Encode(rejectionBody{
		Error:     string(d.Reason),
		Timestamp: d.Timestamp.UTC().Format(time.RFC3339),
	})
}
