package log

import "testing"

func TestSetLevel(t *testing.T) {
	defer SetLevel(LevelInfo)
	cases := map[string]string{
		LevelDebug: "debug",
		LevelWarn:  "warn",
		LevelError: "error",
		"bogus":    "info",
	}
	for in, want := range cases {
		SetLevel(in)
		if got := Level(); got != want {
			t.Fatalf("SetLevel(%q): level %q, want %q", in, got, want)
		}
	}
}

func TestOrDefault(t *testing.T) {
	if OrDefault(nil) != Default {
		t.Fatalf("expected Default for nil logger")
	}
	n := Nop()
	if OrDefault(n) != n {
		t.Fatalf("expected given logger to be kept")
	}
}
