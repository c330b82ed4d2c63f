package requestid

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewIsUUID(t *testing.T) {
	if _, err := uuid.Parse(New()); err != nil {
		t.Fatalf("New() is not a uuid: %v", err)
	}
}

func TestSanitize(t *testing.T) {
	if got := Sanitize("  rid-123 "); got != "rid-123" {
		t.Fatalf("Sanitize=%q", got)
	}
	if got := Sanitize("rid\n123"); got != "" {
		t.Fatalf("control characters must be rejected, got %q", got)
	}
	if got := Sanitize(strings.Repeat("a", 129)); got != "" {
		t.Fatalf("oversized id must be rejected")
	}
}
