package allowlist

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "allowlist.db"))
	if err != nil {
		t.Fatalf("store init failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordAndPatterns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Record(ctx, "agent-7", "/usr/local/bin/terraform", "terraform apply"); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := store.Record(ctx, "*", "/usr/bin/git", "git status"); err != nil {
		t.Fatalf("record wildcard failed: %v", err)
	}
	if err := store.Record(ctx, "other-agent", "/opt/secret", "secret"); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	patterns, err := store.Patterns(ctx, "agent-7")
	if err != nil {
		t.Fatalf("patterns failed: %v", err)
	}
	if len(patterns) != 2 {
		t.Fatalf("expected own + wildcard patterns, got %v", patterns)
	}
	for _, p := range patterns {
		if p == "/opt/secret" {
			t.Fatal("another agent's pattern leaked")
		}
	}
}

func TestRecordIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.Record(ctx, "agent-7", "/usr/bin/ls", "ls"); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	patterns, err := store.Patterns(ctx, "agent-7")
	if err != nil {
		t.Fatalf("patterns failed: %v", err)
	}
	if len(patterns) != 1 {
		t.Fatalf("duplicate pattern must upsert, got %v", patterns)
	}
}

func TestRecordValidation(t *testing.T) {
	store := newTestStore(t)
	if err := store.Record(context.Background(), "agent-7", "   ", "x"); err == nil {
		t.Fatal("empty pattern must be rejected")
	}
}

func TestEmptyAgentDefaults(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Record(ctx, "", "/usr/bin/make", "make"); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	patterns, err := store.Patterns(ctx, "")
	if err != nil {
		t.Fatalf("patterns failed: %v", err)
	}
	if len(patterns) != 1 || patterns[0] != "/usr/bin/make" {
		t.Fatalf("unexpected patterns: %v", patterns)
	}
}
