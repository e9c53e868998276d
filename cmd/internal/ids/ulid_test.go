package ids

import (
	"context"
	"testing"
	"time"
)

func TestNewULID(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	a, err := NewULID(now)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	b, err := NewULID(now.Add(time.Millisecond))
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if len(a) != 26 || !IsULID(a) {
		t.Fatalf("not a ULID: %q", a)
	}
	if a >= b {
		t.Fatalf("ULIDs must sort by time: %q >= %q", a, b)
	}
}

func TestIsULID(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "not-a-ulid", "01HZZZZZZZZZZZZZZZZZZZZZZZZZ"} {
		if IsULID(s) {
			t.Fatalf("IsULID(%q)=true", s)
		}
	}
}

func TestRequestIDContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if got := RequestIDFrom(ctx); got != "" {
		t.Fatalf("expected empty id, got %q", got)
	}
	ctx = WithRequestID(ctx, "01J0000000000000000000000A")
	if got := RequestIDFrom(ctx); got != "01J0000000000000000000000A" {
		t.Fatalf("RequestIDFrom=%q", got)
	}
}
