package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ayusman/gestureops/internal/camera"
)

// CameraRepository is the SQLite camera directory.
type CameraRepository struct {
	db *sql.DB
}

// Cameras returns the camera repository for this store.
func (s *Store) Cameras() *CameraRepository {
	return &CameraRepository{db: s.db}
}

var _ camera.Directory = (*CameraRepository)(nil)

const cameraColumns = `id, source_kind, source_value, fps, width, height, label, active,
	brightness, contrast, saturation, exposure, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCamera(row rowScanner) (camera.Camera, error) {
	var (
		c         camera.Camera
		kind, val string
		active    int
	)
	err := row.Scan(&c.ID, &kind, &val, &c.FPS, &c.Width, &c.Height, &c.Label, &active,
		&c.Settings.Brightness, &c.Settings.Contrast, &c.Settings.Saturation, &c.Settings.Exposure, &c.CreatedAt)
	if err != nil {
		return camera.Camera{}, err
	}
	c.Active = active != 0

	c.Source = camera.Source{Kind: camera.SourceKind(kind)}
	switch c.Source.Kind {
	case camera.SourceDevice:
		n, err := strconv.Atoi(val)
		if err != nil {
			return camera.Camera{}, fmt.Errorf("camera %d: bad device index %q", c.ID, val)
		}
		c.Source.Device = n
	case camera.SourceURL:
		c.Source.URL = val
	case camera.SourceFile:
		c.Source.Path = val
	}
	return c, nil
}

// List returns all cameras ordered by id.
func (r *CameraRepository) List(ctx context.Context) ([]camera.Camera, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+cameraColumns+` FROM cameras ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cams []camera.Camera
	for rows.Next() {
		c, err := scanCamera(rows)
		if err != nil {
			return nil, err
		}
		cams = append(cams, c)
	}
	return cams, rows.Err()
}

// Get retrieves a camera by id.
func (r *CameraRepository) Get(ctx context.Context, id int64) (camera.Camera, error) {
	c, err := scanCamera(r.db.QueryRowContext(ctx, `SELECT `+cameraColumns+` FROM cameras WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return camera.Camera{}, ErrNotFound
		}
		return camera.Camera{}, err
	}
	return c, nil
}

// Add inserts a camera. The descriptor is expected to be normalized.
func (r *CameraRepository) Add(ctx context.Context, d camera.Descriptor) (camera.Camera, error) {
	s := camera.DefaultSettings()
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO cameras (source_kind, source_value, fps, width, height, label, active,
		                      brightness, contrast, saturation, exposure, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?)`,
		string(d.Source.Kind), d.Source.Value(), d.FPS, d.Width, d.Height, d.Label,
		s.Brightness, s.Contrast, s.Saturation, s.Exposure, time.Now().UTC(),
	)
	if err != nil {
		return camera.Camera{}, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return camera.Camera{}, err
	}
	return r.Get(ctx, id)
}

// Remove deletes a camera.
func (r *CameraRepository) Remove(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM cameras WHERE id = ?`, id)
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

// UpdateSettings stores a camera's image settings.
func (r *CameraRepository) UpdateSettings(ctx context.Context, id int64, s camera.Settings) (camera.Camera, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE cameras SET brightness = ?, contrast = ?, saturation = ?, exposure = ? WHERE id = ?`,
		s.Brightness, s.Contrast, s.Saturation, s.Exposure, id,
	)
	if err != nil {
		return camera.Camera{}, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return camera.Camera{}, err
	}
	if rowsAffected == 0 {
		return camera.Camera{}, ErrNotFound
	}

	return r.Get(ctx, id)
}
