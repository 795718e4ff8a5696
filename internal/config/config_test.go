package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadParsesAllSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	content := `
[stack]
size = 4096

[dispatch]
disable_specialization = true

[diagnostics]
trace = true
profile = true

[storage]
globals_db = "globals.db"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Stack.Size != 4096 {
		t.Errorf("stack.size = %d", cfg.Stack.Size)
	}
	if !cfg.Dispatch.DisableSpecialization {
		t.Error("disable_specialization not parsed")
	}
	if !cfg.Diagnostics.Trace || !cfg.Diagnostics.Profile || cfg.Diagnostics.Echo {
		t.Errorf("diagnostics = %+v", cfg.Diagnostics)
	}
	if cfg.Storage.GlobalsDB != "globals.db" {
		t.Errorf("storage.globals_db = %q", cfg.Storage.GlobalsDB)
	}
	if cfg.Dir != dir {
		t.Errorf("Dir = %q, want %q", cfg.Dir, dir)
	}

	opts := cfg.VMOptions()
	if len(opts) != 4 {
		t.Errorf("VMOptions count = %d, want 4", len(opts))
	}
}

func TestLoadDirFallsBackToDefaults(t *testing.T) {
	cfg, err := LoadDir(t.TempDir())
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if cfg.Stack.Size != Default().Stack.Size {
		t.Errorf("expected default stack size, got %d", cfg.Stack.Size)
	}
}

func TestLoadRejectsNegativeStackSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte("[stack]\nsize = -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for negative stack size")
	}
}
