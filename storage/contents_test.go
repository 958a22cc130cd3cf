package storage

import (
	"errors"
	"testing"
)

func TestContentsAreWrittenOnce(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.LoadContent("bafkreiabc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before save, got %v", err)
	}

	if err := store.SaveContent("bafkreiabc", "hello"); err != nil {
		t.Fatalf("SaveContent failed: %v", err)
	}
	if err := store.SaveContent("bafkreiabc", "overwritten"); err != nil {
		t.Fatalf("second SaveContent failed: %v", err)
	}

	body, err := store.LoadContent("bafkreiabc")
	if err != nil {
		t.Fatalf("LoadContent failed: %v", err)
	}
	if body != "hello" {
		t.Fatalf("expected first body to be kept, got %q", body)
	}

	count, err := store.CountContents()
	if err != nil {
		t.Fatalf("CountContents failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 content row, got %d", count)
	}
}
