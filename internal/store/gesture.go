package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Gesture is one entry of the sample ledger: how many samples have been
// collected for a gesture across all sessions.
type Gesture struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Samples   int       `json:"samples"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GestureRepository provides access to the sample ledger.
type GestureRepository struct {
	db *sql.DB
}

// Gestures returns the gesture repository for this store.
func (s *Store) Gestures() *GestureRepository {
	return &GestureRepository{db: s.db}
}

// AddSamples adds n collected samples to the named gesture, creating its
// ledger entry on first use.
func (r *GestureRepository) AddSamples(ctx context.Context, name string, n int) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("gesture name is required")
	}
	if n < 0 {
		return fmt.Errorf("negative sample count %d", n)
	}

	now := time.Now()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO gestures (id, name, samples, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET samples = samples + excluded.samples, updated_at = excluded.updated_at`,
		uuid.NewString(), name, n, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to add samples for %s: %w", name, err)
	}
	return nil
}

// TotalSamples returns the number of samples collected across all gestures.
func (r *GestureRepository) TotalSamples(ctx context.Context) (int, error) {
	var total int
	err := r.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(samples), 0) FROM gestures`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to count samples: %w", err)
	}
	return total, nil
}

// GetByName retrieves a gesture by its name.
func (r *GestureRepository) GetByName(ctx context.Context, name string) (*Gesture, error) {
	g := &Gesture{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, samples, created_at, updated_at
		 FROM gestures WHERE name = ?`,
		name,
	).Scan(&g.ID, &g.Name, &g.Samples, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return g, nil
}

// List retrieves all gestures ordered by name.
func (r *GestureRepository) List(ctx context.Context) ([]*Gesture, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, samples, created_at, updated_at
		 FROM gestures ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gestures []*Gesture
	for rows.Next() {
		g := &Gesture{}
		if err := rows.Scan(&g.ID, &g.Name, &g.Samples, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		gestures = append(gestures, g)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return gestures, nil
}

// Delete removes a gesture's ledger entry.
func (r *GestureRepository) Delete(ctx context.Context, name string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM gestures WHERE name = ?`, name)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}
