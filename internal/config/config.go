// Package config provides configuration for fundscope.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/fundscope/fundscope/internal/dataset"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FUNDSCOPE_"

// Config holds the fundscope configuration.
type Config struct {
	// DataDir is the base directory for downloaded datasets, the fetch cache
	// index and the manifest
	DataDir string `json:"data_dir" yaml:"data_dir"`

	Download DownloadConfig `json:"download" yaml:"download"`
	Query    QueryConfig    `json:"query" yaml:"query"`

	// Datasets are the remote datasets known to the engine
	Datasets []dataset.Descriptor `json:"datasets" yaml:"datasets"`

	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Mirror  MirrorConfig  `json:"mirror" yaml:"mirror"`
}

// DownloadConfig holds download orchestrator configuration.
type DownloadConfig struct {
	// Concurrency is the maximum number of in-flight downloads
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// Timeout bounds a single HTTP request, zero disables it
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	UserAgent string `json:"user_agent" yaml:"user_agent"`
}

// QueryConfig holds query engine configuration.
type QueryConfig struct {
	// Timeout bounds profitability and benchmark queries
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
	// File, when set, receives a JSON copy of every log record
	File string `json:"file" yaml:"file"`
}

// MetricsConfig holds prometheus configuration.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// MirrorConfig holds configuration of the dataset store mirror.
type MirrorConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local mirror path (for local type)
	Path string `json:"path" yaml:"path"`

	// Prefix is prepended to every object key
	Prefix string `json:"prefix" yaml:"prefix"`

	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	Bucket string `json:"bucket" yaml:"bucket"`
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style"`
}

// DefaultDatasets returns the CVM, BCB and Yahoo datasets.
func DefaultDatasets() []dataset.Descriptor {
	return []dataset.Descriptor{
		{
			ID:          dataset.Registry,
			Group:       "cvm",
			Description: "Cadastro de fundos de investimento",
			Kind:        dataset.KindSingle,
			URL:         "https://dados.cvm.gov.br/dados/FI/CAD/DADOS/cad_fi.csv",
			Path:        "cvm/cad",
		},
		{
			ID:                  dataset.Informe,
			Group:               "cvm",
			Description:         "Informe diario de fundos de investimento",
			Kind:                dataset.KindMonthly,
			URL:                 "https://dados.cvm.gov.br/dados/FI/DOC/INF_DIARIO/DADOS/inf_diario_fi_{year}{month}.zip",
			HistoricalURL:       "https://dados.cvm.gov.br/dados/FI/DOC/INF_DIARIO/DADOS/HIST/inf_diario_fi_{year}.zip",
			Historical:          true,
			Path:                "cvm/informe",
			LookbackYears:       5,
			FirstHistoricalYear: 2000,
		},
		{
			ID:                  dataset.Portfolio,
			Group:               "cvm",
			Description:         "Composicao e diversificacao das aplicacoes",
			Kind:                dataset.KindMonthly,
			URL:                 "https://dados.cvm.gov.br/dados/FI/DOC/CDA/DADOS/cda_fi_{year}{month}.zip",
			HistoricalURL:       "https://dados.cvm.gov.br/dados/FI/DOC/CDA/DADOS/HIST/cda_fi_{year}.zip",
			Historical:          true,
			Path:                "cvm/carteira",
			LookbackYears:       2,
			FirstHistoricalYear: 2005,
		},
		{
			ID:          dataset.CDI,
			Group:       "indices",
			Description: "CDI diario (BCB SGS 12)",
			Kind:        dataset.KindIndex,
			URL:         "https://api.bcb.gov.br/dados/serie/bcdata.sgs.12/dados?formato=json&dataInicial={start_date}&dataFinal={end_date}",
			Path:        "indices",
			File:        "cdi.json",
			StartDate:   "2019-01-01",
		},
		{
			ID:          dataset.Ibovespa,
			Group:       "indices",
			Description: "IBOVESPA diario",
			Kind:        dataset.KindIndex,
			URL:         "https://query1.finance.yahoo.com/v8/finance/chart/%5EBVSP?period1={period1}&period2={period2}&interval=1d",
			Path:        "indices",
			File:        "ibovespa.json",
			StartDate:   "2019-01-01",
		},
	}
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./dataset",
		Download: DownloadConfig{
			Concurrency: 25,
			Timeout:     10 * time.Minute,
			UserAgent:   "fundscope/1.0",
		},
		Query: QueryConfig{
			Timeout: 15 * time.Second,
		},
		Datasets: DefaultDatasets(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Addr: ":9108",
		},
		Mirror: MirrorConfig{
			Type:   "local",
			Prefix: "fundscope",
		},
	}
}

// Resolve fills in paths derived from DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./dataset"
	}
	if c.Mirror.Type == "" {
		c.Mirror.Type = "local"
	}
	if c.Mirror.Type == "local" && c.Mirror.Path == "" {
		c.Mirror.Path = filepath.Join(c.DataDir, ".mirror")
	}
	if len(c.Datasets) == 0 {
		c.Datasets = DefaultDatasets()
	}
}

// CacheIndexPath returns the path of the conditional-fetch cache index.
func (c *Config) CacheIndexPath() string {
	return filepath.Join(c.DataDir, "index.json")
}

// ManifestPath returns the path to the manifest database.
func (c *Config) ManifestPath() string {
	return filepath.Join(c.DataDir, "manifest.db")
}

// Dataset returns the descriptor with the given id.
func (c *Config) Dataset(id string) (dataset.Descriptor, bool) {
	for _, d := range c.Datasets {
		if d.ID == id {
			return d, true
		}
	}
	return dataset.Descriptor{}, false
}

// DatasetsInGroup returns the descriptors of a group, or the descriptor whose
// id equals group.
func (c *Config) DatasetsInGroup(group string) []dataset.Descriptor {
	var out []dataset.Descriptor
	for _, d := range c.Datasets {
		if d.Group == group || d.ID == group {
			out = append(out, d)
		}
	}
	return out
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Download.Concurrency < 1 {
		return fmt.Errorf("download.concurrency must be at least 1, got %d", c.Download.Concurrency)
	}
	if c.Download.Timeout < 0 {
		return fmt.Errorf("download.timeout must not be negative")
	}
	if c.Query.Timeout <= 0 {
		return fmt.Errorf("query.timeout must be positive")
	}

	ids := make(map[string]bool)
	for _, d := range c.Datasets {
		if err := d.Validate(); err != nil {
			return err
		}
		if ids[d.ID] {
			return fmt.Errorf("duplicate dataset id: %s", d.ID)
		}
		ids[d.ID] = true
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid logging.format: %s (must be text or json)", c.Logging.Format)
	}

	if c.Mirror.Enabled {
		if c.Mirror.Type != "local" && c.Mirror.Type != "s3" {
			return fmt.Errorf("invalid mirror type: %s (must be local or s3)", c.Mirror.Type)
		}
		if c.Mirror.Type == "s3" && c.Mirror.S3.Bucket == "" {
			return fmt.Errorf("mirror.s3.bucket is required when mirror type is s3")
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file on top of the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadEnvFile loads variables from a .env file into the process environment.
// Variables already set are kept. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv applies FUNDSCOPE_ environment overrides to cfg.
func LoadFromEnv(cfg *Config) {
	if v := getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	if v := getenv("DOWNLOAD_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Download.Concurrency = n
		}
	}
	if v := getenv("DOWNLOAD_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Download.Timeout = d
		}
	}
	if v := getenv("USER_AGENT"); v != "" {
		cfg.Download.UserAgent = v
	}
	if v := getenv("QUERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Query.Timeout = d
		}
	}

	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := getenv("LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}

	if v := getenv("METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true" || v == "1"
	}
	if v := getenv("METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}

	if v := getenv("MIRROR_ENABLED"); v != "" {
		cfg.Mirror.Enabled = v == "true" || v == "1"
	}
	if v := getenv("MIRROR_TYPE"); v != "" {
		cfg.Mirror.Type = v
	}
	if v := getenv("MIRROR_PATH"); v != "" {
		cfg.Mirror.Path = v
	}
	if v := getenv("MIRROR_PREFIX"); v != "" {
		cfg.Mirror.Prefix = v
	}
	if v := getenv("S3_BUCKET"); v != "" {
		cfg.Mirror.S3.Bucket = v
	}
	if v := getenv("S3_REGION"); v != "" {
		cfg.Mirror.S3.Region = v
	}
	if v := getenv("S3_ENDPOINT"); v != "" {
		cfg.Mirror.S3.Endpoint = v
	}
	if v := getenv("S3_USE_PATH_STYLE"); v != "" {
		cfg.Mirror.S3.UsePathStyle = v == "true" || v == "1"
	}
}

// EnsureDirectories creates the data directory and the local mirror path.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Mirror.Enabled && c.Mirror.Type == "local" {
		dirs = append(dirs, c.Mirror.Path)
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

func getenv(key string) string {
	return os.Getenv(EnvPrefix + key)
}
