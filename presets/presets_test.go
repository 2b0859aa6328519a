package presets

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "presets.db"))
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := New(db)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestBuiltinsSeeded(t *testing.T) {
	s := testStore(t)

	list, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("List() returned %d presets; want 3 builtins", len(list))
	}
	for _, p := range list {
		if !p.Builtin {
			t.Errorf("preset %s not marked builtin", p.Name)
		}
	}

	std, err := s.Get(context.Background(), "standard")
	if err != nil {
		t.Fatalf("Get(standard) error = %v", err)
	}
	if std.Settings.NormalizePolicy != "per_image_minmax" || std.Settings.Colormap != "grayscale" {
		t.Errorf("standard settings = %+v", std.Settings)
	}
}

func TestBuiltinPercentileWindows(t *testing.T) {
	for _, p := range builtinPresets() {
		if p.Settings.NearPct != 0 || p.Settings.FarPct != 0 {
			if p.Settings.NearPct >= p.Settings.FarPct {
				t.Errorf("preset %s has collapsed percentile window: near %v, far %v",
					p.Name, p.Settings.NearPct, p.Settings.FarPct)
			}
		}
	}

	s := testStore(t)
	portrait, err := s.Get(context.Background(), "portrait")
	if err != nil {
		t.Fatalf("Get(portrait) error = %v", err)
	}
	if portrait.Settings.NearPct != 2 || portrait.Settings.FarPct != 98 {
		t.Errorf("portrait window = %v..%v; want 2..98",
			portrait.Settings.NearPct, portrait.Settings.FarPct)
	}
}

func TestSaveAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	want := Settings{
		NormalizePolicy: "fixed_range",
		RangeLo:         0.5,
		RangeHi:         10,
		Invert:          true,
		Colormap:        "turbo",
		DepthFormat:     "raw",
		JPEGQuality:     80,
	}
	if err := s.Save(ctx, "lidar", want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := s.Get(ctx, "lidar")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Builtin {
		t.Error("user preset marked builtin")
	}
	if got.Settings != want {
		t.Errorf("Settings = %+v; want %+v", got.Settings, want)
	}

	// Overwrite.
	want.JPEGQuality = 70
	if err := s.Save(ctx, "lidar", want); err != nil {
		t.Fatalf("Save() overwrite error = %v", err)
	}
	got, err = s.Get(ctx, "lidar")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Settings.JPEGQuality != 70 {
		t.Errorf("JPEGQuality = %d; want 70", got.Settings.JPEGQuality)
	}
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(nope) error = %v; want ErrNotFound", err)
	}
}

func TestDeleteUserPreset(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, "temp", Settings{Colormap: "heat"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Delete(ctx, "temp"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, "temp"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(temp) after delete error = %v; want ErrNotFound", err)
	}
}

func TestDeleteBuiltinResets(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// Customize a builtin, then "delete" it back to defaults.
	if err := s.Save(ctx, "standard", Settings{Colormap: "plasma", JPEGQuality: 10}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Delete(ctx, "standard"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	got, err := s.Get(ctx, "standard")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Settings.Colormap != "grayscale" || got.Settings.JPEGQuality != 95 {
		t.Errorf("builtin not reset: %+v", got.Settings)
	}
}
