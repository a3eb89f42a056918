package reliability

import (
	"errors"
	"testing"
)

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    FailureStrategy
		wantErr bool
	}{
		{"fail_open", FailOpen, false},
		{" FAIL_CLOSED ", FailClosed, false},
		{"", "", true},
		{"open", "", true},
	}
	for _, tt := range tests {
		got, err := ParseStrategy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseStrategy(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseStrategy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestShouldAllow(t *testing.T) {
	boom := errors.New("boom")
	if !ShouldAllow(FailClosed, nil) {
		t.Error("no error must always allow")
	}
	if !ShouldAllow(FailOpen, boom) {
		t.Error("fail_open must allow on error")
	}
	if ShouldAllow(FailClosed, boom) {
		t.Error("fail_closed must reject on error")
	}
	if ShouldAllow("", boom) {
		t.Error("unset strategy must reject on error")
	}
}
