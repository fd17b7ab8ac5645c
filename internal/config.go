package internal

import (
	"fmt"
	"os"
	"strings"

	"mvpdeploy/pkg/auth"
	"mvpdeploy/pkg/storage"

	"gopkg.in/yaml.v3"
)

// AppConfig represents the main application configuration.
type AppConfig struct {
	// Server holds orchestrator HTTP settings.
	Server struct {
		Port           int    `yaml:"port"`
		ReadTimeoutMS  int64  `yaml:"read_timeout_ms"`
		WriteTimeoutMS int64  `yaml:"write_timeout_ms"`
		IdleTimeoutMS  int64  `yaml:"idle_timeout_ms"`
		ReadHeaderMS   int64  `yaml:"read_header_timeout_ms"`
		MaxBodyBytes   int64  `yaml:"max_body_bytes"`
		RateLimitRPS   int64  `yaml:"rate_limit_rps"`
		RateLimitBurst int64  `yaml:"rate_limit_burst"`
		MetricsEnabled bool   `yaml:"metrics_enabled"`
		MetricsPath    string `yaml:"metrics_path"`
		// PublicBaseURL overrides the request origin when building OAuth callbacks.
		PublicBaseURL string `yaml:"public_base_url"`
		// RedirectBaseURL is where the browser lands after the last callback.
		RedirectBaseURL   string `yaml:"redirect_base_url"`
		StateTTLSeconds   int64  `yaml:"state_ttl_seconds"`
		StateSweepSeconds int64  `yaml:"state_sweep_seconds"`
	} `yaml:"server"`
	// Worker holds code transfer worker settings. URL is used by the orchestrator.
	Worker WorkerConfig `yaml:"worker"`
	// Storage configures the shared database.
	Storage storage.Config `yaml:"storage"`
	// Providers contains OAuth configuration for source control and hosting.
	Providers auth.Config `yaml:"providers"`
	// SourceControl selects the active source-control provider.
	SourceControl struct {
		Provider string `yaml:"provider"`
	} `yaml:"source_control"`
	// ObjectStorage configures signed archive downloads.
	ObjectStorage ObjectStorageConfig `yaml:"object_storage"`
	// Events configures deployment status event publishing.
	Events WatermillConfig `yaml:"events"`
	// Admin guards the create-only repository endpoint.
	Admin struct {
		Token string `yaml:"token"`
	} `yaml:"admin"`
	// Log configures zap.
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Config is the loaded configuration file.
type Config struct {
	AppConfig `yaml:",inline"`
}

// WorkerConfig configures the code transfer worker.
type WorkerConfig struct {
	Port              int    `yaml:"port"`
	URL               string `yaml:"url"`
	WorkDir           string `yaml:"work_dir"`
	CloneDepth        int    `yaml:"clone_depth"`
	Branch            string `yaml:"branch"`
	TimeoutMS         int64  `yaml:"timeout_ms"`
	InvokeTimeoutMS   int64  `yaml:"invoke_timeout_ms"`
	MaxArchiveBytes   int64  `yaml:"max_archive_bytes"`
	UnrarBinary       string `yaml:"unrar_binary"`
	CommitAuthorName  string `yaml:"commit_author_name"`
	CommitAuthorEmail string `yaml:"commit_author_email"`
}

// ObjectStorageConfig configures the archive URL signer.
type ObjectStorageConfig struct {
	Driver        string `yaml:"driver"`
	Bucket        string `yaml:"bucket"`
	Region        string `yaml:"region"`
	Endpoint      string `yaml:"endpoint"`
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	PathStyle     bool   `yaml:"path_style"`
	BaseURL       string `yaml:"base_url"`
	URLTTLSeconds int64  `yaml:"url_ttl_seconds"`
}

// WatermillConfig holds the configuration for Watermill, which handles messaging.
type WatermillConfig struct {
	Driver       string             `yaml:"driver"`
	Drivers      []string           `yaml:"drivers"`
	Topic        string             `yaml:"topic"`
	GoChannel    GoChannelConfig    `yaml:"gochannel"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	NATS         NATSConfig         `yaml:"nats"`
	AMQP         AMQPConfig         `yaml:"amqp"`
	SQL          SQLConfig          `yaml:"sql"`
	HTTP         HTTPConfig         `yaml:"http"`
	RiverQueue   RiverQueueConfig   `yaml:"riverqueue"`
	PublishRetry PublishRetryConfig `yaml:"publish_retry"`
	// ConsumerGroup names the group used by the watch command on kafka and sql.
	ConsumerGroup string `yaml:"consumer_group"`
}

// GoChannelConfig holds configuration for the GoChannel pub/sub.
type GoChannelConfig struct {
	OutputChannelBuffer            int64 `yaml:"output_buffer"`
	Persistent                     bool  `yaml:"persistent"`
	BlockPublishUntilSubscriberAck bool  `yaml:"block_publish_until_subscriber_ack"`
}

// KafkaConfig holds configuration for the Kafka pub/sub.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

// NATSConfig holds configuration for the NATS streaming pub/sub.
type NATSConfig struct {
	ClusterID string `yaml:"cluster_id"`
	ClientID  string `yaml:"client_id"`
	URL       string `yaml:"url"`
	// Durable is the durable subscription name used by the watch command.
	Durable string `yaml:"durable"`
}

// AMQPConfig holds configuration for the AMQP pub/sub.
type AMQPConfig struct {
	URL  string `yaml:"url"`
	Mode string `yaml:"mode"`
}

// SQLConfig holds configuration for the SQL pub/sub.
type SQLConfig struct {
	Driver               string `yaml:"driver"`
	DSN                  string `yaml:"dsn"`
	Dialect              string `yaml:"dialect"`
	AutoInitializeSchema bool   `yaml:"auto_initialize_schema"`
}

// HTTPConfig holds configuration for the HTTP publisher.
type HTTPConfig struct {
	BaseURL string `yaml:"base_url"`
	Mode    string `yaml:"mode"`
}

// RiverQueueConfig holds configuration for the river job sink.
type RiverQueueConfig struct {
	DSN         string   `yaml:"dsn"`
	Queue       string   `yaml:"queue"`
	Kind        string   `yaml:"kind"`
	MaxAttempts int      `yaml:"max_attempts"`
	Priority    int      `yaml:"priority"`
	Tags        []string `yaml:"tags"`
}

type PublishRetryConfig struct {
	Attempts int `yaml:"attempts"`
	DelayMS  int `yaml:"delay_ms"`
}

// LoadConfig loads the application configuration from a YAML file.
// It expands environment variables, applies default values and validates
// the result.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, err
	}

	applyDefaults(&cfg.AppConfig)
	if err := validate(cfg.AppConfig); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// writeTimeoutMarginMS leaves room for repository creation on top of the
// synchronous worker call.
const writeTimeoutMarginMS = 30000

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeoutMS == 0 {
		cfg.Server.ReadTimeoutMS = 5000
	}
	if cfg.Server.IdleTimeoutMS == 0 {
		cfg.Server.IdleTimeoutMS = 60000
	}
	if cfg.Server.ReadHeaderMS == 0 {
		cfg.Server.ReadHeaderMS = 5000
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}
	if cfg.Server.StateTTLSeconds == 0 {
		cfg.Server.StateTTLSeconds = 300
	}
	if cfg.Server.StateSweepSeconds == 0 {
		cfg.Server.StateSweepSeconds = 600
	}
	if cfg.Worker.Port == 0 {
		cfg.Worker.Port = 8090
	}
	if cfg.Worker.URL == "" {
		cfg.Worker.URL = fmt.Sprintf("http://localhost:%d/deploy", cfg.Worker.Port)
	}
	if cfg.Worker.WorkDir == "" {
		cfg.Worker.WorkDir = os.TempDir()
	}
	if cfg.Worker.CloneDepth == 0 {
		cfg.Worker.CloneDepth = 1
	}
	if cfg.Worker.TimeoutMS == 0 {
		cfg.Worker.TimeoutMS = 300000
	}
	if cfg.Worker.InvokeTimeoutMS == 0 {
		cfg.Worker.InvokeTimeoutMS = 330000
	}
	if cfg.Server.WriteTimeoutMS == 0 {
		cfg.Server.WriteTimeoutMS = cfg.Worker.InvokeTimeoutMS + writeTimeoutMarginMS
	}
	if cfg.Worker.MaxArchiveBytes == 0 {
		cfg.Worker.MaxArchiveBytes = 512 << 20
	}
	if cfg.Worker.UnrarBinary == "" {
		cfg.Worker.UnrarBinary = "unrar"
	}
	if cfg.Worker.CommitAuthorName == "" {
		cfg.Worker.CommitAuthorName = "MVP Deploy"
	}
	if cfg.Worker.CommitAuthorEmail == "" {
		cfg.Worker.CommitAuthorEmail = "deploy@mvpdeploy.local"
	}
	if cfg.Storage.Driver == "" && cfg.Storage.Dialect == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DSN == "" && storage.NormalizeDriver(cfg.Storage.Driver) == "sqlite" {
		cfg.Storage.DSN = "mvpdeploy.db"
	}
	if cfg.SourceControl.Provider == "" {
		cfg.SourceControl.Provider = "github"
	}
	cfg.SourceControl.Provider = strings.ToLower(strings.TrimSpace(cfg.SourceControl.Provider))
	if len(cfg.Providers.GitHub.Scopes) == 0 {
		cfg.Providers.GitHub.Scopes = []string{"repo"}
	}
	if len(cfg.Providers.GitLab.Scopes) == 0 {
		cfg.Providers.GitLab.Scopes = []string{"api", "write_repository"}
	}
	if len(cfg.Providers.Bitbucket.Scopes) == 0 {
		cfg.Providers.Bitbucket.Scopes = []string{"account", "repository:admin", "repository:write"}
	}
	if cfg.ObjectStorage.Driver == "" {
		cfg.ObjectStorage.Driver = "s3"
	}
	if cfg.ObjectStorage.URLTTLSeconds == 0 {
		cfg.ObjectStorage.URLTTLSeconds = 900
	}
	if cfg.Events.Driver == "" {
		cfg.Events.Driver = "gochannel"
	}
	if cfg.Events.Topic == "" {
		cfg.Events.Topic = "deployments.status"
	}
	if cfg.Events.GoChannel.OutputChannelBuffer == 0 {
		cfg.Events.GoChannel.OutputChannelBuffer = 64
	}
	if cfg.Events.HTTP.Mode == "" {
		cfg.Events.HTTP.Mode = "topic_url"
	}
	if cfg.Events.RiverQueue.Queue == "" {
		cfg.Events.RiverQueue.Queue = "default"
	}
	if cfg.Events.RiverQueue.Kind == "" {
		cfg.Events.RiverQueue.Kind = "mvpdeploy.deployment_status"
	}
	if cfg.Events.RiverQueue.MaxAttempts == 0 {
		cfg.Events.RiverQueue.MaxAttempts = 25
	}
	if cfg.Events.ConsumerGroup == "" {
		cfg.Events.ConsumerGroup = "mvpdeploy-watch"
	}
	if cfg.Events.PublishRetry.Attempts == 0 {
		cfg.Events.PublishRetry.Attempts = 3
	}
	if cfg.Events.PublishRetry.DelayMS == 0 {
		cfg.Events.PublishRetry.DelayMS = 500
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

func validate(cfg AppConfig) error {
	switch cfg.SourceControl.Provider {
	case "github", "gitlab", "bitbucket":
	default:
		return fmt.Errorf("unsupported source_control provider: %s", cfg.SourceControl.Provider)
	}
	switch strings.ToLower(cfg.ObjectStorage.Driver) {
	case "s3", "http":
	default:
		return fmt.Errorf("unsupported object_storage driver: %s", cfg.ObjectStorage.Driver)
	}
	if cfg.Worker.CloneDepth < 0 {
		return fmt.Errorf("worker clone_depth must be >= 0")
	}
	// Repository creation and the worker call both run inside one orchestrator
	// request.
	if floor := cfg.Worker.InvokeTimeoutMS + writeTimeoutMarginMS; cfg.Server.WriteTimeoutMS < floor {
		return fmt.Errorf("server write_timeout_ms (%d) must be at least worker invoke_timeout_ms plus %d (%d)",
			cfg.Server.WriteTimeoutMS, writeTimeoutMarginMS, floor)
	}
	return nil
}
