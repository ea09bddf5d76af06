package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models taskmatch.yml: the scoring weight table, eligibility
// thresholds, and the reservation/wave tuning knobs. Every duration knob is
// environment-overridable at the CLI boundary; nothing here is baked into
// the algorithms.
type Config struct {
	Weights     Weights     `yaml:"weights"`
	Eligibility Eligibility `yaml:"eligibility"`
	Matching    Matching    `yaml:"matching"`
	Auth        Auth        `yaml:"auth"`
}

// Weights is the scoring factor table. The enumerated weights sum to 0.85
// rather than 1.0; scores keep that ceiling instead of being renormalized,
// so downstream thresholds stay comparable with historical data.
type Weights struct {
	SubjectMatch      float64 `yaml:"subject_match"`
	PriceFit          float64 `yaml:"price_fit"`
	Rating            float64 `yaml:"rating"`
	AcceptRate        float64 `yaml:"accept_rate"`
	ResponseSpeed     float64 `yaml:"response_speed"`
	LevelMatch        float64 `yaml:"level_match"`
	HistoricalSuccess float64 `yaml:"historical_success"`
}

type Eligibility struct {
	MinRatingAvg   float64 `yaml:"min_rating_avg"`
	MinRatingCount int     `yaml:"min_rating_count"`
}

type Matching struct {
	ReservationTTL     time.Duration `yaml:"reservation_ttl"`
	WaveInterval       time.Duration `yaml:"wave_interval"`
	MaxInvitesPerWave  int           `yaml:"max_invites_per_wave"`
	ReservationLimit   int           `yaml:"reservation_limit"`
	DeclineCooldown    time.Duration `yaml:"decline_cooldown"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	ConflictRetries    int           `yaml:"conflict_retries"`
	ConflictRetryDelay time.Duration `yaml:"conflict_retry_delay"`
}

// UnmarshalYAML decodes duration knobs from Go duration strings ("15m",
// "5s") so operators never write raw nanosecond counts. Absent fields keep
// whatever value the struct already holds.
func (m *Matching) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ReservationTTL     string `yaml:"reservation_ttl"`
		WaveInterval       string `yaml:"wave_interval"`
		MaxInvitesPerWave  *int   `yaml:"max_invites_per_wave"`
		ReservationLimit   *int   `yaml:"reservation_limit"`
		DeclineCooldown    string `yaml:"decline_cooldown"`
		SweepInterval      string `yaml:"sweep_interval"`
		ConflictRetries    *int   `yaml:"conflict_retries"`
		ConflictRetryDelay string `yaml:"conflict_retry_delay"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parse := func(name, s string, dst *time.Duration) error {
		if s == "" {
			return nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("matching.%s: %w", name, err)
		}
		*dst = d
		return nil
	}
	if err := parse("reservation_ttl", raw.ReservationTTL, &m.ReservationTTL); err != nil {
		return err
	}
	if err := parse("wave_interval", raw.WaveInterval, &m.WaveInterval); err != nil {
		return err
	}
	if err := parse("decline_cooldown", raw.DeclineCooldown, &m.DeclineCooldown); err != nil {
		return err
	}
	if err := parse("sweep_interval", raw.SweepInterval, &m.SweepInterval); err != nil {
		return err
	}
	if err := parse("conflict_retry_delay", raw.ConflictRetryDelay, &m.ConflictRetryDelay); err != nil {
		return err
	}
	if raw.MaxInvitesPerWave != nil {
		m.MaxInvitesPerWave = *raw.MaxInvitesPerWave
	}
	if raw.ReservationLimit != nil {
		m.ReservationLimit = *raw.ReservationLimit
	}
	if raw.ConflictRetries != nil {
		m.ConflictRetries = *raw.ConflictRetries
	}
	return nil
}

type Auth struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// Default returns the production defaults.
func Default() *Config {
	return &Config{
		Weights: Weights{
			SubjectMatch:      0.25,
			PriceFit:          0.15,
			Rating:            0.15,
			AcceptRate:        0.10,
			ResponseSpeed:     0.10,
			LevelMatch:        0.05,
			HistoricalSuccess: 0.05,
		},
		Eligibility: Eligibility{
			MinRatingAvg:   3.0,
			MinRatingCount: 3,
		},
		Matching: Matching{
			ReservationTTL:     15 * time.Minute,
			WaveInterval:       15 * time.Minute,
			MaxInvitesPerWave:  5,
			ReservationLimit:   3,
			DeclineCooldown:    24 * time.Hour,
			SweepInterval:      time.Minute,
			ConflictRetries:    3,
			ConflictRetryDelay: 50 * time.Millisecond,
		},
	}
}

// Validate ensures the config is usable by the engine.
func (c *Config) Validate() error {
	w := c.Weights
	for name, v := range map[string]float64{
		"subject_match":      w.SubjectMatch,
		"price_fit":          w.PriceFit,
		"rating":             w.Rating,
		"accept_rate":        w.AcceptRate,
		"response_speed":     w.ResponseSpeed,
		"level_match":        w.LevelMatch,
		"historical_success": w.HistoricalSuccess,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("weights.%s must be in [0,1], got %v", name, v)
		}
	}
	if sum := w.Sum(); sum > 1.0+1e-9 {
		return fmt.Errorf("weights sum %v exceeds 1.0", sum)
	}
	if c.Eligibility.MinRatingAvg < 0 || c.Eligibility.MinRatingAvg > 5 {
		return fmt.Errorf("eligibility.min_rating_avg must be in [0,5]")
	}
	if c.Eligibility.MinRatingCount < 0 {
		return fmt.Errorf("eligibility.min_rating_count must be >= 0")
	}
	m := c.Matching
	if m.ReservationTTL <= 0 {
		return fmt.Errorf("matching.reservation_ttl must be positive")
	}
	if m.WaveInterval <= 0 {
		return fmt.Errorf("matching.wave_interval must be positive")
	}
	if m.MaxInvitesPerWave <= 0 {
		return fmt.Errorf("matching.max_invites_per_wave must be positive")
	}
	if m.ReservationLimit <= 0 {
		return fmt.Errorf("matching.reservation_limit must be positive")
	}
	if m.DeclineCooldown < 0 {
		return fmt.Errorf("matching.decline_cooldown must be >= 0")
	}
	if m.ConflictRetries < 0 {
		return fmt.Errorf("matching.conflict_retries must be >= 0")
	}
	return nil
}

// Sum returns the total of all factor weights.
func (w Weights) Sum() float64 {
	return w.SubjectMatch + w.PriceFit + w.Rating + w.AcceptRate +
		w.ResponseSpeed + w.LevelMatch + w.HistoricalSuccess
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskmatch.yml")
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist. TASKMATCH_* environment variables override the
// matching knobs last, so a deployment can be tuned without editing
// taskmatch.yml.
func Load(workspace string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(Path(workspace))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		cfg, err = FromYAML(data)
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays TASKMATCH_* environment variables onto the matching
// knobs. Duration knobs use Go duration syntax ("5s", "15m"). Unset or
// empty variables leave the loaded value alone.
func (c *Config) applyEnv() error {
	durations := map[string]*time.Duration{
		"TASKMATCH_RESERVATION_TTL":      &c.Matching.ReservationTTL,
		"TASKMATCH_WAVE_INTERVAL":        &c.Matching.WaveInterval,
		"TASKMATCH_DECLINE_COOLDOWN":     &c.Matching.DeclineCooldown,
		"TASKMATCH_SWEEP_INTERVAL":       &c.Matching.SweepInterval,
		"TASKMATCH_CONFLICT_RETRY_DELAY": &c.Matching.ConflictRetryDelay,
	}
	for name, dst := range durations {
		s, ok := os.LookupEnv(name)
		if !ok || s == "" {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = d
	}
	counts := map[string]*int{
		"TASKMATCH_MAX_INVITES_PER_WAVE": &c.Matching.MaxInvitesPerWave,
		"TASKMATCH_RESERVATION_LIMIT":    &c.Matching.ReservationLimit,
		"TASKMATCH_CONFLICT_RETRIES":     &c.Matching.ConflictRetries,
	}
	for name, dst := range counts {
		s, ok := os.LookupEnv(name)
		if !ok || s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
	}
	return nil
}

// FromYAML parses and validates config from raw YAML bytes. Fields absent
// from the document keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}
