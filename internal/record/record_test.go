package record

import (
	"strings"
	"testing"
)

func TestNewStampsDefaults(t *testing.T) {
	t.Parallel()

	r := New("proxy", "GET /orders")
	if r.TransactionID == "" || len(r.TransactionID) != 36 {
		t.Fatalf("transaction id = %q, want uuid", r.TransactionID)
	}
	if r.Level != LevelAlert {
		t.Fatalf("level = %s, want %s", r.Level, LevelAlert)
	}
	if r.Host == "" {
		t.Fatalf("host should default to the local hostname")
	}
	if r.IsZero() {
		t.Fatalf("new record should not be zero")
	}
	if !(Record{}).IsZero() {
		t.Fatalf("empty record should be zero")
	}
}

func TestWithFieldDoesNotMutateOriginal(t *testing.T) {
	t.Parallel()

	base := New("proxy", "req").WithField("client", "myntra")
	next := base.WithField("attempt", 2)

	if _, ok := base.Fields["attempt"]; ok {
		t.Fatalf("WithField mutated the original record")
	}
	if next.Fields["client"] != "myntra" || next.Fields["attempt"] != 2 {
		t.Fatalf("unexpected fields: %+v", next.Fields)
	}
}

func TestWithFieldsKeepsExistingKeys(t *testing.T) {
	t.Parallel()

	r := New("proxy", "req").WithField("env", "prod")
	merged := r.WithFields(map[string]string{"env": "staging", "dc": "eu-1"})
	if merged.Fields["env"] != "prod" {
		t.Fatalf("env = %v, want prod", merged.Fields["env"])
	}
	if merged.Fields["dc"] != "eu-1" {
		t.Fatalf("dc = %v, want eu-1", merged.Fields["dc"])
	}
}

func TestHasOversizedField(t *testing.T) {
	t.Parallel()

	r := New("proxy", "short")
	if r.HasOversizedField(16) {
		t.Fatalf("short record reported oversized")
	}
	if !r.WithField("body", strings.Repeat("x", 17)).HasOversizedField(16) {
		t.Fatalf("oversized side field not detected")
	}
	r.FullMessage = strings.Repeat("y", 17)
	if !r.HasOversizedField(16) {
		t.Fatalf("oversized full message not detected")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	lvl, err := ParseLevel(6)
	if err != nil || lvl != LevelInfo {
		t.Fatalf("ParseLevel(6) = %v, %v", lvl, err)
	}
	if _, err := ParseLevel(9); err == nil {
		t.Fatalf("expected error for level 9")
	}
	if got := LevelWarning.String(); got != "WARNING(4)" {
		t.Fatalf("String() = %q", got)
	}
}

func TestTruncateBytesKeepsRunes(t *testing.T) {
	t.Parallel()

	if got := TruncateBytes("0123456789", 4); got != "0123" {
		t.Fatalf("got %q, want 0123", got)
	}
	// "é" is two bytes; cutting at 2 must not split it.
	if got := TruncateBytes("aéb", 2); got != "a" {
		t.Fatalf("got %q, want a", got)
	}
	if got := TruncateBytes("abc", 0); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}
