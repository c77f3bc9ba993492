// Package config loads the worker's settled YAML configuration and builds
// the AWS clients it hands to the core, the way the teacher's own
// pkg/config loads and validates a YAML file with environment-variable
// expansion.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"gopkg.in/yaml.v3"

	"github.com/opthub-org/opthub-runner/pkg/log"
)

// Config is the settled configuration spec.md §6 describes, plus the
// ambient additions (MatchEndpoint, MetricsAddr, CacheDir) that the distilled
// external-interfaces section leaves to the CLI layer this spec folds in.
type Config struct {
	Interval int  `yaml:"interval"`
	Timeout  int  `yaml:"timeout"`
	Num      *int `yaml:"num"`
	Remove   bool `yaml:"rm"`

	EvaluatorQueueURL string `yaml:"evaluator_queue_url"`
	ScorerQueueURL    string `yaml:"scorer_queue_url"`

	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	RegionName      string `yaml:"region_name"`
	TableName       string `yaml:"table_name"`

	LogLevel log.Level `yaml:"log_level"`
	Force    bool      `yaml:"force"`

	MatchEndpoint string `yaml:"match_endpoint"`
	MetricsAddr   string `yaml:"metrics_addr"`

	// CacheDir overrides the per-user history cache root. Empty means the
	// default of ~/.opthub_runner_admin/cache, matching the original's
	// Path.home() / ".opthub_runner_admin" / "cache" layout.
	CacheDir string `yaml:"cache_dir"`
}

// Default returns a Config with every field at its spec-mandated default
// (interval 10s polling, no job limit, containers kept after exit).
func Default() *Config {
	return &Config{
		Interval:    10,
		Timeout:     60,
		Num:         nil,
		Remove:      false,
		LogLevel:    log.LevelInfo,
		MetricsAddr: ":9090",
	}
}

// Load reads path as YAML, expanding ${VAR}-style environment references
// the same way the teacher's config loader does, and overlays it onto
// Default().
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every field required to reach the queue and store
// is present.
func (c *Config) Validate() error {
	if c.Interval < 1 {
		return fmt.Errorf("config: interval must be >= 1")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("config: timeout must be >= 0")
	}
	if c.EvaluatorQueueURL == "" && c.ScorerQueueURL == "" {
		return fmt.Errorf("config: at least one of evaluator_queue_url/scorer_queue_url is required")
	}
	if c.TableName == "" {
		return fmt.Errorf("config: table_name is required")
	}
	if c.RegionName == "" {
		return fmt.Errorf("config: region_name is required")
	}
	switch c.LogLevel {
	case log.LevelDebug, log.LevelInfo, log.LevelWarning, log.LevelError, log.LevelCritical, "":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	return nil
}

// AWSConfig builds an aws.Config carrying the worker's static credentials
// and region, ready to construct DynamoDB and SQS clients from.
func (c *Config) AWSConfig(ctx context.Context) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(c.RegionName))
	if c.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, ""),
		))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// CacheRoot resolves the per-user directory the history cache is rooted at:
// CacheDir if set, otherwise ~/.opthub_runner_admin/cache.
func (c *Config) CacheRoot() (string, error) {
	if c.CacheDir != "" {
		return c.CacheDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".opthub_runner_admin", "cache"), nil
}
