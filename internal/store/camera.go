package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique field is already taken.
	ErrDuplicate = errors.New("already exists")
)

// Camera is a named video source.
type Camera struct {
	ID        string
	Name      string
	VideoPath string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CameraRepository provides CRUD operations for cameras.
type CameraRepository struct {
	db *sql.DB
}

// Cameras returns the camera repository for this store.
func (s *Store) Cameras() *CameraRepository {
	return &CameraRepository{db: s.db}
}

const cameraColumns = `id, name, video_path, created_at, updated_at`

// Create inserts a new camera into the database.
func (r *CameraRepository) Create(c *Camera) error {
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := r.db.Exec(
		`INSERT INTO cameras (id, name, video_path, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.VideoPath, c.CreatedAt, c.UpdatedAt,
	)
	return translate(err)
}

// GetByID retrieves a camera by its ID.
func (r *CameraRepository) GetByID(id string) (*Camera, error) {
	return r.get(context.Background(), `SELECT `+cameraColumns+` FROM cameras WHERE id = ?`, id)
}

// GetByName retrieves a camera by its name.
func (r *CameraRepository) GetByName(name string) (*Camera, error) {
	return r.get(context.Background(), `SELECT `+cameraColumns+` FROM cameras WHERE name = ?`, name)
}

func (r *CameraRepository) get(ctx context.Context, query string, args ...any) (*Camera, error) {
	c := &Camera{}
	err := r.db.QueryRowContext(ctx, query, args...).
		Scan(&c.ID, &c.Name, &c.VideoPath, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

// List retrieves all cameras ordered by name.
func (r *CameraRepository) List() ([]*Camera, error) {
	rows, err := r.db.Query(`SELECT ` + cameraColumns + ` FROM cameras ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cameras []*Camera
	for rows.Next() {
		c := &Camera{}
		if err := rows.Scan(&c.ID, &c.Name, &c.VideoPath, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		cameras = append(cameras, c)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return cameras, nil
}

// Update updates an existing camera in the database.
func (r *CameraRepository) Update(c *Camera) error {
	c.UpdatedAt = time.Now()

	result, err := r.db.Exec(
		`UPDATE cameras SET name = ?, video_path = ?, updated_at = ? WHERE id = ?`,
		c.Name, c.VideoPath, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return translate(err)
	}

	return expectRow(result)
}

// Delete removes a camera from the database by its ID.
func (r *CameraRepository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM cameras WHERE id = ?`, id)
	if err != nil {
		return err
	}

	return expectRow(result)
}

// Resolve maps a camera id or name to its video path. References that name
// no camera are returned unchanged, so plain file paths pass through.
func (r *CameraRepository) Resolve(ctx context.Context, ref string) (string, error) {
	c, err := r.get(ctx, `SELECT `+cameraColumns+` FROM cameras WHERE id = ? OR name = ? LIMIT 1`, ref, ref)
	if errors.Is(err, ErrNotFound) {
		return ref, nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "resolve camera %q", ref)
	}
	return c.VideoPath, nil
}

func expectRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// translate maps constraint violations to ErrDuplicate.
func translate(err error) error {
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return errors.Wrap(ErrDuplicate, err.Error())
	}
	return err
}
