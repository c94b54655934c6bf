package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

const fileName = "virta.toml"

// Load resolves configuration from the global file (~/.virta/virta.toml),
// the local file (./virta.toml), and VIRTA_* environment variables, in
// increasing precedence. Missing files are not an error.
func Load() (*Config, error) {
	cfg := Default()

	if home, err := os.UserHomeDir(); err == nil {
		if err := mergeFile(cfg, filepath.Join(home, ".virta", fileName)); err != nil {
			return nil, err
		}
	}
	if err := mergeFile(cfg, fileName); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// LoadFile resolves configuration from a single TOML file over the
// defaults, then applies environment overrides. The file must exist.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyEnv(cfg)
	return cfg, nil
}

// mergeFile unmarshals path over cfg if the file exists. Unmarshalling over
// the populated struct leaves unmentioned fields at their current values,
// which gives the layered merge.
func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setIfPresent := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setIfPresent("VIRTA_ARTIFACT_BUCKET", &cfg.AWS.ArtifactBucket)
	setIfPresent("VIRTA_IMAGE_REPOSITORY", &cfg.AWS.ImageRepository)
	setIfPresent("VIRTA_AWS_REGION", &cfg.AWS.Region)
	setIfPresent("VIRTA_AWS_ENDPOINT", &cfg.AWS.Endpoint)
	setIfPresent("VIRTA_BUILD_DIR", &cfg.BuildDir)
	setIfPresent("VIRTA_BATCH_JOB_QUEUE", &cfg.Batch.JobQueue)
	setIfPresent("VIRTA_BATCH_JOB_DEFINITION", &cfg.Batch.JobDefinitionName)
}
