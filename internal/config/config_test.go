package config_test

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"taskmatch/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if got := cfg.Weights.Sum(); math.Abs(got-0.85) > 1e-9 {
		t.Fatalf("default weight sum %f, want 0.85", got)
	}
	if cfg.Matching.ReservationTTL != 15*time.Minute {
		t.Fatalf("reservation ttl %s", cfg.Matching.ReservationTTL)
	}
	if cfg.Matching.ReservationLimit != 3 {
		t.Fatalf("reservation limit %d", cfg.Matching.ReservationLimit)
	}
}

func TestFromYAMLDurationsAndOverrides(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
matching:
  reservation_ttl: 5m
  wave_interval: 30s
  max_invites_per_wave: 2
weights:
  subject_match: 0.3
`))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Matching.ReservationTTL != 5*time.Minute {
		t.Fatalf("reservation ttl %s", cfg.Matching.ReservationTTL)
	}
	if cfg.Matching.WaveInterval != 30*time.Second {
		t.Fatalf("wave interval %s", cfg.Matching.WaveInterval)
	}
	if cfg.Matching.MaxInvitesPerWave != 2 {
		t.Fatalf("max invites %d", cfg.Matching.MaxInvitesPerWave)
	}
	// Absent duration knobs keep their defaults.
	if cfg.Matching.DeclineCooldown != config.Default().Matching.DeclineCooldown {
		t.Fatalf("decline cooldown %s", cfg.Matching.DeclineCooldown)
	}
	if cfg.Weights.SubjectMatch != 0.3 {
		t.Fatalf("subject weight %f", cfg.Weights.SubjectMatch)
	}
}

func TestFromYAMLBadDuration(t *testing.T) {
	if _, err := config.FromYAML([]byte("matching:\n  reservation_ttl: soon\n")); err == nil {
		t.Fatal("want parse error for bad duration")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Matching.ReservationTTL != config.Default().Matching.ReservationTTL {
		t.Fatal("missing file should yield defaults")
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	data := []byte("matching:\n  reservation_ttl: 1m\n")
	if err := os.WriteFile(filepath.Join(dir, "taskmatch.yml"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Matching.ReservationTTL != time.Minute {
		t.Fatalf("reservation ttl %s", cfg.Matching.ReservationTTL)
	}
}

func TestLoadEnvOverridesMatchingKnobs(t *testing.T) {
	dir := t.TempDir()
	data := []byte("matching:\n  reservation_ttl: 1m\n")
	if err := os.WriteFile(filepath.Join(dir, "taskmatch.yml"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TASKMATCH_RESERVATION_TTL", "5s")
	t.Setenv("TASKMATCH_MAX_INVITES_PER_WAVE", "2")
	t.Setenv("TASKMATCH_RESERVATION_LIMIT", "1")
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// Env wins over the workspace file.
	if cfg.Matching.ReservationTTL != 5*time.Second {
		t.Fatalf("reservation ttl %s, want 5s", cfg.Matching.ReservationTTL)
	}
	if cfg.Matching.MaxInvitesPerWave != 2 {
		t.Fatalf("max invites %d, want 2", cfg.Matching.MaxInvitesPerWave)
	}
	if cfg.Matching.ReservationLimit != 1 {
		t.Fatalf("reservation limit %d, want 1", cfg.Matching.ReservationLimit)
	}
	// Knobs without an env var keep the file/default value.
	if cfg.Matching.WaveInterval != config.Default().Matching.WaveInterval {
		t.Fatalf("wave interval %s", cfg.Matching.WaveInterval)
	}
}

func TestLoadEnvBadDuration(t *testing.T) {
	t.Setenv("TASKMATCH_RESERVATION_TTL", "soon")
	if _, err := config.Load(t.TempDir()); err == nil {
		t.Fatal("want parse error for bad env duration")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := config.Default()
	cfg.Matching.ReservationLimit = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("want error for zero reservation limit")
	}
	cfg = config.Default()
	cfg.Weights.SubjectMatch = -0.1
	if err := cfg.Validate(); err == nil {
		t.Fatal("want error for negative weight")
	}
	cfg = config.Default()
	cfg.Matching.ReservationTTL = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("want error for zero reservation ttl")
	}
}
