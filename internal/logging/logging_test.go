package logging

import "testing"

func TestNew(t *testing.T) {
	for _, cfg := range []Config{{}, {Level: "debug", Format: "console"}, {Level: "WARN", Format: "json"}} {
		logger, err := New(cfg)
		if err != nil {
			t.Fatalf("New(%+v): %v", cfg, err)
		}
		logger.Info("hello", IP("1.2.3.4"), Reason("ip_blocked"))
	}

	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
}
