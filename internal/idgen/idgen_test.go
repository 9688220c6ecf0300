package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNew_IsUUID(t *testing.T) {
	id := New()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("New() = %q is not a UUID: %v", id, err)
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("fa_")
	if !strings.HasPrefix(id, "fa_") {
		t.Fatalf("expected fa_ prefix, got %q", id)
	}
	if got := len(id) - len("fa_"); got != 32 {
		t.Errorf("expected 32 hex chars after prefix, got %d", got)
	}
	if strings.Contains(id, "-") {
		t.Errorf("prefixed id should not contain dashes: %q", id)
	}
}

func TestWithPrefix_Unique(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		id := WithPrefix("evt_")
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
