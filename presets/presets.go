// Package presets stores named pipeline settings so common conversion
// profiles can be reapplied from the UI.
package presets

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Settings is the tunable slice of the pipeline a preset captures.
type Settings struct {
	NormalizePolicy string  `json:"normalizePolicy"`
	RangeLo         float64 `json:"rangeLo"`
	RangeHi         float64 `json:"rangeHi"`
	Invert          bool    `json:"invert"`
	NearPct         float64 `json:"nearPct"`
	FarPct          float64 `json:"farPct"`
	Colormap        string  `json:"colormap"`
	DepthFormat     string  `json:"depthFormat"`
	JPEGQuality     int     `json:"jpegQuality"`
}

// Preset is a named settings bundle. Builtin presets cannot be deleted.
type Preset struct {
	Name      string    `json:"name"`
	Builtin   bool      `json:"builtin"`
	Settings  Settings  `json:"settings"`
	UpdatedAt time.Time `json:"updatedAt"`
}

var ErrNotFound = errors.New("presets: not found")

// builtinPresets are seeded on first open and restored if deleted.
func builtinPresets() []Preset {
	return []Preset{
		{
			Name:    "standard",
			Builtin: true,
			Settings: Settings{
				NormalizePolicy: "per_image_minmax",
				Colormap:        "grayscale",
				DepthFormat:     "png",
				JPEGQuality:     95,
			},
		},
		{
			Name:    "portrait",
			Builtin: true,
			Settings: Settings{
				NormalizePolicy: "per_image_minmax",
				NearPct:         2,
				FarPct:          98,
				Colormap:        "grayscale",
				DepthFormat:     "png",
				JPEGQuality:     95,
			},
		},
		{
			Name:    "inspection",
			Builtin: true,
			Settings: Settings{
				NormalizePolicy: "per_image_minmax",
				Colormap:        "viridis",
				DepthFormat:     "tiff",
				JPEGQuality:     90,
			},
		},
	}
}

// Store keeps presets in the application database.
type Store struct {
	db *sql.DB
}

// New creates the presets table if needed and seeds the builtins.
func New(db *sql.DB) (*Store, error) {
	query := `
	CREATE TABLE IF NOT EXISTS presets (
		name TEXT PRIMARY KEY,
		builtin INTEGER NOT NULL DEFAULT 0,
		settings TEXT NOT NULL, -- JSON
		updated_at DATETIME NOT NULL
	)`
	if _, err := db.Exec(query); err != nil {
		return nil, fmt.Errorf("create presets table: %w", err)
	}
	s := &Store{db: db}
	for _, p := range builtinPresets() {
		if err := s.seed(p); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// seed inserts a builtin preset only if it is missing so user edits survive.
func (s *Store) seed(p Preset) error {
	raw, err := json.Marshal(p.Settings)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
	INSERT INTO presets (name, builtin, settings, updated_at)
	VALUES (?, 1, ?, ?)
	ON CONFLICT(name) DO NOTHING`, p.Name, string(raw), time.Now())
	if err != nil {
		return fmt.Errorf("seed preset %s: %w", p.Name, err)
	}
	return nil
}

// List returns all presets ordered by name.
func (s *Store) List(ctx context.Context) ([]Preset, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT name, builtin, settings, updated_at FROM presets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query presets: %w", err)
	}
	defer rows.Close()

	var out []Preset
	for rows.Next() {
		p, err := scanPreset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Get returns one preset by name.
func (s *Store) Get(ctx context.Context, name string) (Preset, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT name, builtin, settings, updated_at FROM presets WHERE name = ?`, name)
	p, err := scanPreset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Preset{}, ErrNotFound
	}
	return p, err
}

// Save creates or updates a user preset. Builtin names can be overwritten;
// the builtin flag is preserved so they stay undeletable.
func (s *Store) Save(ctx context.Context, name string, settings Settings) error {
	if name == "" {
		return errors.New("presets: name is required")
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO presets (name, builtin, settings, updated_at)
	VALUES (?, 0, ?, ?)
	ON CONFLICT(name) DO UPDATE SET settings = excluded.settings, updated_at = excluded.updated_at`,
		name, string(raw), time.Now())
	if err != nil {
		return fmt.Errorf("save preset %s: %w", name, err)
	}
	return nil
}

// Delete removes a user preset. Builtins are reset to their seeded settings
// instead of being removed.
func (s *Store) Delete(ctx context.Context, name string) error {
	p, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	if p.Builtin {
		for _, b := range builtinPresets() {
			if b.Name == name {
				raw, err := json.Marshal(b.Settings)
				if err != nil {
					return err
				}
				_, err = s.db.ExecContext(ctx, `
				UPDATE presets SET settings = ?, updated_at = ? WHERE name = ?`,
					string(raw), time.Now(), name)
				return err
			}
		}
		return nil
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM presets WHERE name = ?`, name)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPreset(row rowScanner) (Preset, error) {
	var p Preset
	var builtin int
	var raw string
	if err := row.Scan(&p.Name, &builtin, &raw, &p.UpdatedAt); err != nil {
		return Preset{}, err
	}
	p.Builtin = builtin != 0
	if err := json.Unmarshal([]byte(raw), &p.Settings); err != nil {
		return Preset{}, fmt.Errorf("decode preset %s: %w", p.Name, err)
	}
	return p, nil
}
