// ============================================================================
// litcurate Config - Run Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Load the immutable run configuration from YAML, apply defaults and
//          environment overrides, and validate it before any stage starts.
//
// Layout (configs/default.yaml):
//   run:      date range, output directory, run date key
//   collect:  chunk sizes, retry budget, service endpoints
//   filter:   reference classification table
//   agent:    agent address, batch size, timeouts, sweeps
//   logging:  slog level and format
//   metrics:  Prometheus endpoint
//
// The Config value is passed by value to every component constructor; no
// component reads configuration from globals.
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	dateLayout = "20060102"

	outputDirEnv = "LITCURATE_OUTPUT_DIR"
	agentAddrEnv = "LITCURATE_AGENT_ADDR"
	apiKeyEnv    = "NCBI_API_KEY"
)

// ErrInvalidConfig wraps every validation failure; these are fatal, never retried.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete run configuration.
type Config struct {
	Run     RunConfig     `yaml:"run"`
	Collect CollectConfig `yaml:"collect"`
	Filter  FilterConfig  `yaml:"filter"`
	Agent   AgentConfig   `yaml:"agent"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// RunConfig identifies one run of the pipeline.
type RunConfig struct {
	DateStart string `yaml:"date_start"` // YYYYMMDD
	DateEnd   string `yaml:"date_end"`   // YYYYMMDD
	OutputDir string `yaml:"output_dir"`
	RunDate   string `yaml:"run_date"` // key for persisted stage results; defaults to today
}

// CollectConfig drives the pre-agent stages.
type CollectConfig struct {
	DaysPerChunk        int           `yaml:"days_per_chunk_collection"`
	RetMax              int           `yaml:"retmax"`
	ChunkSizeAnnotation int           `yaml:"chunk_size_annotation"`
	ChunkSizeFilter     int           `yaml:"chunk_size_filter"`
	MaxRetries          int           `yaml:"max_retries"`
	ChunkAttempts       int           `yaml:"chunk_attempts"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
	APISleep            time.Duration `yaml:"api_sleep"`
	HTTPTimeout         time.Duration `yaml:"http_timeout"`
	ESearchURL          string        `yaml:"esearch_url"`
	EFetchURL           string        `yaml:"efetch_url"`
	PubTatorURL         string        `yaml:"pubtator_url"`
	SearchTerm          string        `yaml:"search_term"`
	APIKey              string        `yaml:"api_key"`
}

// FilterConfig points at the read-only reference data.
type FilterConfig struct {
	ReferenceTable string `yaml:"reference_table"`
}

// AgentConfig drives the worker orchestrator.
type AgentConfig struct {
	Addr            string        `yaml:"addr"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	ChunkSizeAgent  int           `yaml:"chunk_size_agent"`
	BatchTimeout    time.Duration `yaml:"batch_timeout"`
	BatchCooldown   time.Duration `yaml:"batch_cooldown"`
	MaxSweeps       int           `yaml:"max_sweeps"`
	MaxTaskAttempts int           `yaml:"max_task_attempts"`
	KillGrace       time.Duration `yaml:"kill_grace"`
	WorkerBinary    string        `yaml:"worker_binary"` // empty: re-exec the running binary
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// ValidationError lists every problem found by Validate.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidConfig.Error(), strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfig
}

// Default returns the configuration used by the original study run
// (three days of December 2024, one day per collection chunk).
func Default() Config {
	return Config{
		Run: RunConfig{
			DateStart: "20241201",
			DateEnd:   "20241203",
			OutputDir: "data/run",
		},
		Collect: CollectConfig{
			DaysPerChunk:        1,
			RetMax:              10000,
			ChunkSizeAnnotation: 900,
			ChunkSizeFilter:     400,
			MaxRetries:          3,
			ChunkAttempts:       2,
			RetryDelay:          10 * time.Second,
			APISleep:            time.Second,
			HTTPTimeout:         30 * time.Second,
			ESearchURL:          "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/esearch.fcgi",
			EFetchURL:           "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/efetch.fcgi",
			PubTatorURL:         "https://www.ncbi.nlm.nih.gov/research/pubtator3-api/publications/export/biocxml",
			SearchTerm:          "all[filter] AND pubmed pmc open access[filter] AND journal article[pt]",
		},
		Filter: FilterConfig{
			ReferenceTable: "configs/reference_organisms.csv",
		},
		Agent: AgentConfig{
			Addr:            "localhost:50061",
			CallTimeout:     10 * time.Minute,
			ChunkSizeAgent:  30,
			BatchTimeout:    4 * time.Hour,
			BatchCooldown:   3 * time.Second,
			MaxSweeps:       2,
			MaxTaskAttempts: 3,
			KillGrace:       5 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: false, Port: 9090},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. A missing path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	if cfg.Run.RunDate == "" {
		cfg.Run.RunDate = time.Now().UTC().Format(dateLayout)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(outputDirEnv); v != "" {
		c.Run.OutputDir = v
	}
	if v := os.Getenv(agentAddrEnv); v != "" {
		c.Agent.Addr = v
	}
	if v := os.Getenv(apiKeyEnv); v != "" {
		c.Collect.APIKey = v
	}
}

// Validate reports fatal configuration problems.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	start, errStart := time.Parse(dateLayout, c.Run.DateStart)
	if errStart != nil {
		add("run.date_start %q is not YYYYMMDD", c.Run.DateStart)
	}
	end, errEnd := time.Parse(dateLayout, c.Run.DateEnd)
	if errEnd != nil {
		add("run.date_end %q is not YYYYMMDD", c.Run.DateEnd)
	}
	if errStart == nil && errEnd == nil && end.Before(start) {
		add("run.date_end %s is before run.date_start %s", c.Run.DateEnd, c.Run.DateStart)
	}
	if strings.TrimSpace(c.Run.OutputDir) == "" {
		add("run.output_dir is required")
	}

	if c.Collect.DaysPerChunk <= 0 {
		add("collect.days_per_chunk_collection must be > 0")
	}
	if c.Collect.ChunkSizeAnnotation <= 0 {
		add("collect.chunk_size_annotation must be > 0")
	}
	if c.Collect.ChunkSizeFilter <= 0 {
		add("collect.chunk_size_filter must be > 0")
	}
	if c.Collect.RetMax <= 0 {
		add("collect.retmax must be > 0")
	}
	if c.Collect.MaxRetries < 0 {
		add("collect.max_retries must be >= 0")
	}
	if c.Collect.ChunkAttempts <= 0 {
		add("collect.chunk_attempts must be > 0")
	}
	if c.Collect.RetryDelay < 0 {
		add("collect.retry_delay must be >= 0")
	}

	if strings.TrimSpace(c.Filter.ReferenceTable) == "" {
		add("filter.reference_table is required")
	}

	if c.Agent.ChunkSizeAgent <= 0 {
		add("agent.chunk_size_agent must be > 0")
	}
	if c.Agent.MaxSweeps <= 0 {
		add("agent.max_sweeps must be > 0")
	}
	if c.Agent.MaxTaskAttempts <= 0 {
		add("agent.max_task_attempts must be > 0")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		add("logging.format %q must be text or json", c.Logging.Format)
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// DateRange returns the parsed run window. Callers must have validated c.
func (c Config) DateRange() (time.Time, time.Time) {
	start, _ := time.Parse(dateLayout, c.Run.DateStart)
	end, _ := time.Parse(dateLayout, c.Run.DateEnd)
	return start, end
}

// Period is the "start_end" key used in persisted file names.
func (c Config) Period() string {
	return c.Run.DateStart + "_" + c.Run.DateEnd
}
