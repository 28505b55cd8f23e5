package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"complyline/internal/config"
)

func TestResolveConfigFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := ResolveConfig(dir, "")
	if err != nil || len(cfg.RecordTypes) != 3 {
		t.Fatalf("default config: %v", err)
	}
	custom := filepath.Join(dir, "custom.yml")
	doc := "record_types:\n  - {key: intake, steps: [{key: start, required: [name]}]}\n"
	if err := os.WriteFile(custom, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = ResolveConfig(dir, custom)
	if err != nil || len(cfg.RecordTypes) != 1 || cfg.RecordTypes[0].Key != "intake" {
		t.Fatalf("explicit config: %+v %v", cfg, err)
	}
	if _, err := ResolveConfig(dir, filepath.Join(dir, "missing.yml")); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}

func TestOpenMigratesWorkspace(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(config.Path(dir), []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	rt, err := Open(context.Background(), dir, "", zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	if _, err := rt.Engine.Catalog.RecordType("vendor"); err != nil {
		t.Fatalf("catalog: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".complyline", "complyline.db")); err != nil {
		t.Fatalf("db file: %v", err)
	}
}
