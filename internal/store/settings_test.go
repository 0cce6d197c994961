package store

import (
	"errors"
	"testing"
)

func TestSettingsRepository(t *testing.T) {
	repo := newTestStore(t).Settings()
	ctx := t.Context()

	if _, err := repo.Get(ctx, KeyFocusedCamera); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() of unset key error = %v, want ErrNotFound", err)
	}

	if err := repo.Set(ctx, KeyFocusedCamera, "3"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := repo.Set(ctx, KeyFocusedCamera, "4"); err != nil {
		t.Fatalf("Set() overwrite error = %v", err)
	}
	if got, _ := repo.Get(ctx, KeyFocusedCamera); got != "4" {
		t.Errorf("Get() = %q, want 4", got)
	}

	if err := repo.Delete(ctx, KeyFocusedCamera); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := repo.Delete(ctx, KeyFocusedCamera); err != nil {
		t.Errorf("Delete() of missing key error = %v", err)
	}
	if _, err := repo.Get(ctx, KeyFocusedCamera); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
}
