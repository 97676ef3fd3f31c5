package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	if cfg.Download.Concurrency != 25 {
		t.Errorf("concurrency = %d, want 25", cfg.Download.Concurrency)
	}
	if cfg.Query.Timeout != 15*time.Second {
		t.Errorf("query timeout = %v, want 15s", cfg.Query.Timeout)
	}
	for _, id := range []string{"cad", "informe", "carteira", "cdi", "ibov"} {
		if _, ok := cfg.Dataset(id); !ok {
			t.Errorf("missing default dataset %s", id)
		}
	}
}

func TestResolve_Paths(t *testing.T) {
	cfg := &Config{DataDir: "/tmp/fs"}
	cfg.Resolve()
	if cfg.Mirror.Path != filepath.Join("/tmp/fs", ".mirror") {
		t.Errorf("mirror path = %s", cfg.Mirror.Path)
	}
	if cfg.CacheIndexPath() != filepath.Join("/tmp/fs", "index.json") {
		t.Errorf("cache index = %s", cfg.CacheIndexPath())
	}
	if cfg.ManifestPath() != filepath.Join("/tmp/fs", "manifest.db") {
		t.Errorf("manifest = %s", cfg.ManifestPath())
	}
	if len(cfg.Datasets) == 0 {
		t.Error("Resolve should fill default datasets")
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"zero concurrency", func(c *Config) { c.Download.Concurrency = 0 }},
		{"zero query timeout", func(c *Config) { c.Query.Timeout = 0 }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"duplicate dataset", func(c *Config) { c.Datasets = append(c.Datasets, c.Datasets[0]) }},
		{"monthly without year", func(c *Config) { c.Datasets[1].URL = "https://example.com/x.zip" }},
		{"s3 mirror without bucket", func(c *Config) {
			c.Mirror.Enabled = true
			c.Mirror.Type = "s3"
		}},
		{"unknown mirror type", func(c *Config) {
			c.Mirror.Enabled = true
			c.Mirror.Type = "ftp"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadFromFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fundscope.yaml")
	content := `
data_dir: /srv/fundscope
download:
  concurrency: 4
query:
  timeout: 30s
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.DataDir != "/srv/fundscope" {
		t.Errorf("data_dir = %s", cfg.DataDir)
	}
	if cfg.Download.Concurrency != 4 {
		t.Errorf("concurrency = %d", cfg.Download.Concurrency)
	}
	if cfg.Query.Timeout != 30*time.Second {
		t.Errorf("query timeout = %v", cfg.Query.Timeout)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %s", cfg.Logging.Level)
	}
	if len(cfg.Datasets) != len(DefaultDatasets()) {
		t.Errorf("datasets should keep defaults, got %d", len(cfg.Datasets))
	}
}

func TestLoadFromFile_JSONAndUnsupported(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "fundscope.json")
	if err := os.WriteFile(jsonPath, []byte(`{"data_dir": "/data", "metrics": {"enabled": true}}`), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFromFile(jsonPath)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.DataDir != "/data" || !cfg.Metrics.Enabled {
		t.Errorf("unexpected config: %+v", cfg)
	}

	tomlPath := filepath.Join(dir, "fundscope.toml")
	if err := os.WriteFile(tomlPath, []byte(""), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(tomlPath); err == nil {
		t.Error("expected unsupported format error")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FUNDSCOPE_DATA_DIR", "/env/data")
	t.Setenv("FUNDSCOPE_DOWNLOAD_CONCURRENCY", "7")
	t.Setenv("FUNDSCOPE_QUERY_TIMEOUT", "5s")
	t.Setenv("FUNDSCOPE_MIRROR_ENABLED", "true")
	t.Setenv("FUNDSCOPE_S3_BUCKET", "funds")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.DataDir != "/env/data" {
		t.Errorf("data_dir = %s", cfg.DataDir)
	}
	if cfg.Download.Concurrency != 7 {
		t.Errorf("concurrency = %d", cfg.Download.Concurrency)
	}
	if cfg.Query.Timeout != 5*time.Second {
		t.Errorf("query timeout = %v", cfg.Query.Timeout)
	}
	if !cfg.Mirror.Enabled || cfg.Mirror.S3.Bucket != "funds" {
		t.Errorf("mirror = %+v", cfg.Mirror)
	}
}

func TestLoadEnvFile(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing env file should be ignored: %v", err)
	}

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("FUNDSCOPE_TEST_ENVFILE=loaded\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("FUNDSCOPE_TEST_ENVFILE") })
	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	if got := os.Getenv("FUNDSCOPE_TEST_ENVFILE"); got != "loaded" {
		t.Errorf("env = %q, want loaded", got)
	}
}

func TestDatasetsInGroup(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.DatasetsInGroup("cvm"); len(got) != 3 {
		t.Errorf("cvm group has %d datasets, want 3", len(got))
	}
	if got := cfg.DatasetsInGroup("cdi"); len(got) != 1 {
		t.Errorf("lookup by id returned %d", len(got))
	}
	if got := cfg.DatasetsInGroup("nope"); len(got) != 0 {
		t.Errorf("unknown group returned %d", len(got))
	}
}

func TestEnsureDirectories(t *testing.T) {
	base := t.TempDir()
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(base, "data")
	cfg.Mirror.Enabled = true
	cfg.Resolve()
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}
	for _, dir := range []string{cfg.DataDir, cfg.Mirror.Path} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("directory %s not created", dir)
		}
	}
}
