package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return dir
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Host != "localhost" || cfg.Database.Port != 5432 {
		t.Errorf("unexpected defaults: %+v", cfg.Database)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("unexpected server default: %+v", cfg.Server)
	}
}

func TestLoadReadsDatabaseAndServerSections(t *testing.T) {
	dir := writeConfig(t, `
database:
  host: db.internal
  port: 5433
  dbname: history
server:
  addr: ":9090"
  allowed_origins:
    - "https://app.example.com"
`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Host != "db.internal" || cfg.Database.Port != 5433 || cfg.Database.DBName != "history" {
		t.Errorf("database section not applied: %+v", cfg.Database)
	}
	if cfg.Database.User != "postgres" {
		t.Errorf("unset keys should keep defaults, got %+v", cfg.Database)
	}
	if cfg.Server.Addr != ":9090" || len(cfg.Server.AllowedOrigins) != 1 {
		t.Errorf("server section not applied: %+v", cfg.Server)
	}
}

func TestLoadParsesUniqueCurrentGroups(t *testing.T) {
	dir := writeConfig(t, `
versioning:
  unique_current:
    - entity_type: club
      properties: [name]
    - entity_type: person
      properties: [email, tenant]
`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.UniqueCurrent) != 2 {
		t.Fatalf("expected 2 groups, got %+v", cfg.UniqueCurrent)
	}
	if cfg.UniqueCurrent[0].EntityType != "club" || cfg.UniqueCurrent[0].Properties[0] != "name" {
		t.Errorf("first group mismatch: %+v", cfg.UniqueCurrent[0])
	}
	if len(cfg.UniqueCurrent[1].Properties) != 2 {
		t.Errorf("second group mismatch: %+v", cfg.UniqueCurrent[1])
	}
}
