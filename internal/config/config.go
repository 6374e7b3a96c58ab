package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all controller configuration, loaded from environment variables.
type Config struct {
	// Mode selects the runtime mode: "controller", "scale-up", "scale-down" or "pool".
	Mode string `env:"RUNNERD_MODE" envDefault:"controller"`

	// Ops HTTP server
	Host string `env:"RUNNERD_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"RUNNERD_PORT" envDefault:"8090"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment partitions fleets managed by distinct deployments. It is
	// stamped on every instance as the ghr:environment tag.
	Environment string `env:"ENVIRONMENT"`

	// Queue intake
	ScaleUpQueueURL string `env:"SQS_SCALE_UP_QUEUE_URL"`
	QueueWaitSecs   int    `env:"SQS_VISIBILITY_WAIT_SECONDS" envDefault:"10"`

	// EC2 fleet
	LaunchTemplateName string   `env:"LAUNCH_TEMPLATE_NAME"`
	SubnetIDs          []string `env:"SUBNET_IDS" envSeparator:","`
	InstanceTypes      []string `env:"INSTANCE_TYPES" envSeparator:","`
	AllocationStrategy string   `env:"INSTANCE_ALLOCATION_STRATEGY" envDefault:"lowest-price"`
	TargetCapacityType string   `env:"INSTANCE_TARGET_CAPACITY_TYPE" envDefault:"spot"`
	MaxSpotPrice       string   `env:"INSTANCE_MAX_SPOT_PRICE"`
	AmiIDSSMParameter  string   `env:"AMI_ID_SSM_PARAMETER_NAME"`

	// OnDemandFailoverCodes lists CreateFleet error codes that trigger a
	// one-shot on-demand retry when a spot request yields no instances.
	OnDemandFailoverCodes []string `env:"ON_DEMAND_FAILOVER_ON_ERROR_CODES" envSeparator:","`

	// Runner shape
	MaxRunners       int      `env:"RUNNERS_MAXIMUM_COUNT" envDefault:"3"`
	RunnerNamePrefix string   `env:"RUNNER_NAME_PREFIX"`
	RunnerLabels     []string `env:"RUNNER_LABELS" envSeparator:","`
	RunnerGroupName  string   `env:"RUNNER_GROUP_NAME" envDefault:"Default"`

	// SSM paths
	SSMTokenPath  string `env:"SSM_TOKEN_PATH"`
	SSMConfigPath string `env:"SSM_CONFIG_PATH"`

	// Mode switches
	OrgRunners        bool `env:"ENABLE_ORGANIZATION_RUNNERS" envDefault:"false"`
	EphemeralRunners  bool `env:"ENABLE_EPHEMERAL_RUNNERS" envDefault:"false"`
	JitConfig         bool `env:"ENABLE_JIT_CONFIG" envDefault:"false"`
	JobQueuedCheck    bool `env:"ENABLE_JOB_QUEUED_CHECK" envDefault:"true"`
	DisableAutoUpdate bool `env:"DISABLE_RUNNER_AUTOUPDATE" envDefault:"false"`

	// GitHub authentication. App credentials take precedence; GITHUB_TOKEN is
	// the PAT fallback. The private key may be raw PEM or base64-encoded PEM.
	GitHubAppID         int64  `env:"GITHUB_APP_ID"`
	GitHubAppPrivateKey string `env:"GITHUB_APP_PRIVATE_KEY"`
	GitHubToken         string `env:"GITHUB_TOKEN"`
	GHESURL             string `env:"GHES_URL"`

	// Scale-down
	MinimumRunningTimeMinutes int           `env:"MINIMUM_RUNNING_TIME_IN_MINUTES" envDefault:"5"`
	RunnerBootTimeMinutes     int           `env:"RUNNER_BOOT_TIME_IN_MINUTES" envDefault:"5"`
	ScaleDownRaw              string        `env:"SCALE_DOWN_CONFIG" envDefault:"[]"`
	ScaleDownInterval         time.Duration `env:"SCALE_DOWN_INTERVAL" envDefault:"1m"`

	// Pool. PoolOwner is the owning scope the pool is kept warm for: an org
	// name, or owner/repo. A zero PoolSize disables the loop.
	PoolOwner    string        `env:"POOL_OWNER"`
	PoolSize     int           `env:"POOL_SIZE" envDefault:"0"`
	PoolInterval time.Duration `env:"POOL_INTERVAL" envDefault:"10m"`

	// Job retry
	JobRetryRaw string `env:"JOB_RETRY_CONFIG" envDefault:"{}"`

	// Optional hot cache for the runner group lookup (SSM stays durable).
	RedisURL string `env:"REDIS_URL"`

	// Optional Slack notifier for batch-fatal scaling errors.
	SlackBotToken     string `env:"SLACK_BOT_TOKEN"`
	SlackAlertChannel string `env:"SLACK_ALERT_CHANNEL"`

	// Parsed composite options (populated by Load).
	ScaleDown []ScaleDownEntry `env:"-"`
	JobRetry  JobRetryConfig   `env:"-"`
}

// ScaleDownEntry is one entry of SCALE_DOWN_CONFIG. The entry whose cron
// expression matches the current minute supplies the idle quota and eviction
// order for that scale-down pass.
type ScaleDownEntry struct {
	Cron             string `json:"cron"`
	IdleCount        int    `json:"idleCount"`
	EvictionStrategy string `json:"evictionStrategy"`
}

// JobRetryConfig is the JOB_RETRY_CONFIG payload.
type JobRetryConfig struct {
	Enable         bool    `json:"enable"`
	MaxAttempts    int     `json:"maxAttempts"`
	DelayInSeconds int     `json:"delayInSeconds"`
	DelayBackoff   float64 `json:"delayBackoff"`
	QueueURL       string  `json:"queueUrl"`
}

// Load reads configuration from environment variables and parses the
// JSON-valued composite options.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}

	if err := json.Unmarshal([]byte(cfg.ScaleDownRaw), &cfg.ScaleDown); err != nil {
		return nil, fmt.Errorf("parsing SCALE_DOWN_CONFIG: %w", err)
	}
	if err := json.Unmarshal([]byte(cfg.JobRetryRaw), &cfg.JobRetry); err != nil {
		return nil, fmt.Errorf("parsing JOB_RETRY_CONFIG: %w", err)
	}
	if cfg.JobRetry.MaxAttempts == 0 {
		cfg.JobRetry.MaxAttempts = 1
	}
	if cfg.JobRetry.DelayBackoff == 0 {
		cfg.JobRetry.DelayBackoff = 2
	}

	if cfg.JitConfig && !cfg.EphemeralRunners {
		return nil, fmt.Errorf("ENABLE_JIT_CONFIG requires ENABLE_EPHEMERAL_RUNNERS")
	}
	if cfg.MaxRunners < -1 {
		return nil, fmt.Errorf("RUNNERS_MAXIMUM_COUNT must be -1 or >= 0, got %d", cfg.MaxRunners)
	}

	return cfg, nil
}

// ListenAddr returns the address the ops HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MinimumRunningTime is the minimum lifetime of an instance before
// scale-down may evaluate it for termination.
func (c *Config) MinimumRunningTime() time.Duration {
	return time.Duration(c.MinimumRunningTimeMinutes) * time.Minute
}

// RunnerBootTime is the grace period an unregistered instance gets before
// scale-down marks it as an orphan.
func (c *Config) RunnerBootTime() time.Duration {
	return time.Duration(c.RunnerBootTimeMinutes) * time.Minute
}

// AppPrivateKeyPEM returns the GitHub App private key as PEM bytes,
// decoding base64 transport encoding if present.
func (c *Config) AppPrivateKeyPEM() ([]byte, error) {
	key := strings.TrimSpace(c.GitHubAppPrivateKey)
	if key == "" {
		return nil, fmt.Errorf("GITHUB_APP_PRIVATE_KEY is empty")
	}
	if strings.HasPrefix(key, "-----BEGIN") {
		return []byte(key), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("decoding GITHUB_APP_PRIVATE_KEY: %w", err)
	}
	return decoded, nil
}
