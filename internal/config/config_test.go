package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if len(cfg.RecordTypes) != 3 {
		t.Fatalf("expected 3 record types, got %d", len(cfg.RecordTypes))
	}
	steps := map[string]int{"ropa": 12, "vendor": 3, "training": 2}
	for key, n := range steps {
		rt, ok := cfg.RecordType(key)
		if !ok {
			t.Fatalf("missing record type %s", key)
		}
		if len(rt.Steps) != n {
			t.Fatalf("%s: expected %d steps, got %d", key, n, len(rt.Steps))
		}
	}
	vendor, _ := cfg.RecordType("vendor")
	if vendor.Checklist == nil || len(vendor.Checklist.Questions) != 20 {
		t.Fatalf("vendor checklist not loaded")
	}
	training, _ := cfg.RecordType("training")
	if !training.Lifecycle.ReworkOnReject {
		t.Fatalf("training should allow rework")
	}
}

func TestValidateRejectsBrokenSchemas(t *testing.T) {
	cases := map[string]string{
		"no types": `record_types: []`,
		"dup type": `record_types:
  - {key: a, steps: [{key: s1}]}
  - {key: a, steps: [{key: s1}]}`,
		"dup step": `record_types:
  - {key: a, steps: [{key: s1}, {key: s1}]}`,
		"unknown checklist step": `record_types:
  - key: a
    steps: [{key: s1}]
    checklist: {step: nope, questions: [{id: q1}, {id: q2}], risk: {high_max: 1, medium_max: 2}}`,
		"thresholds exceed max": `record_types:
  - key: a
    steps: [{key: s1}]
    checklist: {step: s1, questions: [{id: q1}], risk: {high_max: 1, medium_max: 2}}`,
		"relative base path": `record_types:
  - {key: a, steps: [{key: s1}]}
server: {base_path: v0}`,
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config for empty workspace, got %v %v", cfg, err)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "complyline.yml"), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("base path = %q", cfg.Server.BasePath)
	}
}
