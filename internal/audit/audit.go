package audit

import (
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const redacted = "***REDACTED***"

// LogEntry defines the structured audit log
type LogEntry struct {
	Timestamp time.Time
	ActorID   string // token id, admin identity or "anonymous"
	Action    string // method + path, or an admin action name
	Resource  string
	Status    int
	Reason    string // rejection reason, empty when allowed
	IP        string
	Metadata  map[string]string
}

// Logger interface
type Logger interface {
	Log(entry LogEntry)
}

// ZapLogger writes audit entries as structured log lines on a dedicated
// logger.
type ZapLogger struct {
	out *zap.Logger
}

func NewZapLogger(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{out: logger.Named("audit")}
}

func (l *ZapLogger) Log(entry LogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.ActorID == "" {
		entry.ActorID = "anonymous"
	}
	fields := []zap.Field{
		zap.Time("at", entry.Timestamp),
		zap.String("actor", entry.ActorID),
		zap.String("action", entry.Action),
		zap.String("resource", MaskQuery(entry.Resource)),
		zap.Int("status", entry.Status),
	}
	if entry.Reason != "" {
		fields = append(fields, zap.String("reason", entry.Reason))
	}
	if entry.IP != "" {
		fields = append(fields, zap.String("ip", entry.IP))
	}
	if entry.Metadata != nil {
		fields = append(fields, zap.Any("metadata", maskSensitive(entry.Metadata)))
	}
	l.out.Info("audit", fields...)
}

var sensitiveKeys = []string{"api_key", "apikey", "password", "token", "secret", "authorization"}

func isSensitive(key string) bool {
	lowerK := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lowerK, s) {
			return true
		}
	}
	return false
}

// maskSensitive returns a copy of m with secret-looking values replaced.
func maskSensitive(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if isSensitive(k) {
			v = redacted
		}
		out[k] = MaskQuery(v)
	}
	return out
}

// MaskQuery redacts secret-looking query parameters in a path or URL, e.g.
// "/api/data?access_token=abc" becomes "/api/data?access_token=***REDACTED***".
func MaskQuery(s string) string {
	i := strings.IndexByte(s, '?')
	if i < 0 {
		return s
	}
	q, err := url.ParseQuery(s[i+1:])
	if err != nil {
		return s[:i] + "?" + redacted
	}
	changed := false
	for k := range q {
		if isSensitive(k) {
			q[k] = []string{redacted}
			changed = true
		}
	}
	if !changed {
		return s
	}
	return s[:i] + "?" + q.Encode()
}
