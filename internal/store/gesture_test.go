package store

import (
	"errors"
	"testing"
)

func TestGestureRepository_AddSamplesAccumulates(t *testing.T) {
	s := newTestStore(t)
	repo := s.Gestures()
	ctx := t.Context()

	if err := repo.AddSamples(ctx, "fist", 50); err != nil {
		t.Fatalf("AddSamples() error = %v", err)
	}
	if err := repo.AddSamples(ctx, "fist", 10); err != nil {
		t.Fatalf("second AddSamples() error = %v", err)
	}

	g, err := repo.GetByName(ctx, "fist")
	if err != nil {
		t.Fatalf("GetByName() error = %v", err)
	}
	if g.Samples != 60 {
		t.Errorf("Samples = %d, want 60", g.Samples)
	}
	if g.ID == "" || g.CreatedAt.IsZero() {
		t.Errorf("gesture = %+v, want id and created_at set", g)
	}
}

func TestGestureRepository_TotalSamples(t *testing.T) {
	s := newTestStore(t)
	repo := s.Gestures()
	ctx := t.Context()

	total, err := repo.TotalSamples(ctx)
	if err != nil {
		t.Fatalf("TotalSamples() error = %v", err)
	}
	if total != 0 {
		t.Errorf("TotalSamples() on empty ledger = %d, want 0", total)
	}

	repo.AddSamples(ctx, "fist", 20)
	repo.AddSamples(ctx, "palm", 15)
	repo.AddSamples(ctx, "peace", 0)

	if total, _ = repo.TotalSamples(ctx); total != 35 {
		t.Errorf("TotalSamples() = %d, want 35", total)
	}
}

func TestGestureRepository_AddSamplesValidation(t *testing.T) {
	repo := newTestStore(t).Gestures()
	if err := repo.AddSamples(t.Context(), "  ", 3); err == nil {
		t.Error("AddSamples() with blank name should fail")
	}
	if err := repo.AddSamples(t.Context(), "fist", -1); err == nil {
		t.Error("AddSamples() with negative count should fail")
	}
}

func TestGestureRepository_ListAndDelete(t *testing.T) {
	s := newTestStore(t)
	repo := s.Gestures()
	ctx := t.Context()

	repo.AddSamples(ctx, "palm", 5)
	repo.AddSamples(ctx, "fist", 7)

	gestures, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(gestures) != 2 || gestures[0].Name != "fist" || gestures[1].Name != "palm" {
		t.Fatalf("List() = %+v, want fist then palm", gestures)
	}

	if err := repo.Delete(ctx, "fist"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.GetByName(ctx, "fist"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByName() after delete error = %v, want ErrNotFound", err)
	}
	if err := repo.Delete(ctx, "fist"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}
