package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// SecurityConfig options
type SecurityConfig struct {
	HSTS bool
	// EnableReplayProtection requires an X-Timestamp header (unix seconds)
	// within ReplayWindow of the server clock.
	EnableReplayProtection bool
	ReplayWindow           time.Duration
}

func SecureHeaders(cfg SecurityConfig) Middleware {
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = 60 * time.Second
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cache-Control", "no-store")
			if cfg.HSTS {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}

			if cfg.EnableReplayProtection {
				ts := r.Header.Get("X-Timestamp")
				if ts == "" {
					writeError(w, http.StatusBadRequest, "missing_timestamp")
					return
				}
				reqTime, err := strconv.ParseInt(ts, 10, 64)
				if err != nil {
					writeError(w, http.StatusBadRequest, "invalid_timestamp")
					return
				}
				skew := time.Since(time.Unix(reqTime, 0))
				if skew < 0 {
					skew = -skew
				}
				if skew > cfg.ReplayWindow {
					writeError(w, http.StatusForbidden, "timestamp_skewed")
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rejectionBody{
		Error:     code,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
