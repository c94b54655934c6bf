// Package config holds the deployment configuration consumed by the
// state-machine compiler and, for retry defaults, the local engine.
//
// Configuration is loaded from TOML files with environment variable
// overrides. Precedence (highest to lowest):
//
//  1. VIRTA_* environment variables
//  2. Local config (./virta.toml)
//  3. Global config (~/.virta/virta.toml)
//  4. Default values
//
// Loading happens at the boundary; the resolved *Config is threaded
// explicitly into Compile and the runner rather than read ambiently.
package config

import (
	"time"

	"github.com/virtaflow/virta/pkg/api"
)

// AWSConfig identifies the deployment target.
type AWSConfig struct {
	// ArtifactBucket is the object-storage bucket for pipeline data and
	// deployment artifacts.
	ArtifactBucket string `toml:"artifact_bucket"`

	// ImageRepository is "local", "docker.io", or a registry prefix.
	ImageRepository string `toml:"image_repository"`

	Region string `toml:"region"`

	// Endpoint overrides the service endpoint for local emulation.
	Endpoint string `toml:"endpoint"`

	StepFunctionsRole   string `toml:"stepfunctions_role"`
	LambdaExecutionRole string `toml:"lambda_execution_role"`
}

// LambdaConfig configures the lightweight execution backend.
type LambdaConfig struct {
	PackageType string `toml:"package_type"` // "image" or "zip"
	BaseImage   string `toml:"base_image"`
	Timeout     int    `toml:"timeout"` // seconds
	Memory      int    `toml:"memory"`  // MB
	ImageTag    string `toml:"image_tag"`
}

// BatchConfig configures the heavyweight execution backend.
type BatchConfig struct {
	JobQueue          string `toml:"job_queue"`
	JobDefinitionName string `toml:"job_definition_name"`
	BaseImage         string `toml:"base_image"`
	TimeoutSeconds    int    `toml:"timeout_seconds"`
	VCPU              int    `toml:"vcpu"`
	MemoryMB          int    `toml:"memory_mb"`
	Image             string `toml:"image"`
}

// RetryConfig is the file representation of the default retry policy
// applied to steps that do not configure their own.
type RetryConfig struct {
	MaxRetries      int     `toml:"max_retries"`
	DelaySeconds    float64 `toml:"delay_seconds"`
	Backoff         float64 `toml:"backoff"`
	MaxDelaySeconds float64 `toml:"max_delay_seconds"`
}

// ToPolicy converts the file representation into an api.RetryPolicy.
func (r RetryConfig) ToPolicy() api.RetryPolicy {
	return api.RetryPolicy{
		MaxRetries: r.MaxRetries,
		Delay:      time.Duration(r.DelaySeconds * float64(time.Second)),
		Backoff:    r.Backoff,
		MaxDelay:   time.Duration(r.MaxDelaySeconds * float64(time.Second)),
	}
}

// Config is the resolved configuration.
type Config struct {
	BuildDir string       `toml:"build_dir"`
	AWS      AWSConfig    `toml:"aws"`
	Lambda   LambdaConfig `toml:"lambda"`
	Batch    BatchConfig  `toml:"batch"`
	Retry    RetryConfig  `toml:"retry"`
}

// Default returns the documented defaults. Compilation falls back to these
// for any field left unset, so compilation is total over valid graphs.
func Default() *Config {
	return &Config{
		BuildDir: "virta-build",
		AWS: AWSConfig{
			Region: "us-east-1",
		},
		Lambda: LambdaConfig{
			PackageType: "image",
			BaseImage:   "public.ecr.aws/lambda/provided:al2023",
			Timeout:     900,
			Memory:      512,
			ImageTag:    "latest",
		},
		Batch: BatchConfig{
			TimeoutSeconds: 3600,
			VCPU:           2,
			MemoryMB:       4096,
		},
		Retry: RetryConfig{
			MaxRetries:      0,
			DelaySeconds:    1,
			Backoff:         1,
			MaxDelaySeconds: 60,
		},
	}
}
