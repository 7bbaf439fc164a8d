// Package config loads connector configuration from YAML, .env and the
// environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Connector types.
const (
	TypeCSVDir = "csv-dir"
	TypeIPList = "ip-list"
)

// Config holds all connector configuration.
type Config struct {
	Connector ConnectorConfig `yaml:"connector"`
	CSV       CSVConfig       `yaml:"csv"`
	List      ListConfig      `yaml:"list"`
	Identity  IdentityConfig  `yaml:"identity"`
	Markings  []MarkingConfig `yaml:"markings"`
	Tags      []TagConfig     `yaml:"tags"`
	Platform  PlatformConfig  `yaml:"platform"`
	State     StateConfig     `yaml:"state"`
	Status    StatusConfig    `yaml:"status"`
	Slack     SlackConfig     `yaml:"slack"`
	Export    ExportConfig    `yaml:"export"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ConnectorConfig holds the run loop and publication settings.
type ConnectorConfig struct {
	Name            string        `yaml:"name"`
	Type            string        `yaml:"type"`
	Interval        time.Duration `yaml:"interval"`
	PublishMode     string        `yaml:"publish_mode"`
	EntityMode      string        `yaml:"entity_mode"`
	Update          bool          `yaml:"update"`
	DeleteStale     bool          `yaml:"delete_stale"`
	ExitOnFatal     bool          `yaml:"exit_on_fatal"`
	FatalPause      time.Duration `yaml:"fatal_pause"`
	Once            bool          `yaml:"once"`
	ReportID        string        `yaml:"report_id"`
	IndicatorLabels []string      `yaml:"indicator_labels"`
	ReportLabels    []string      `yaml:"report_labels"`
}

// CSVConfig holds the drop directory settings.
type CSVConfig struct {
	DataDir            string `yaml:"data_dir"`
	SampleName         string `yaml:"sample_name"`
	DefaultDescription string `yaml:"default_description"`
	ReportNamePrefix   string `yaml:"report_name_prefix"`
}

// ListConfig holds the remote list settings.
type ListConfig struct {
	URL               string `yaml:"url"`
	Kind              string `yaml:"kind"`
	Description       string `yaml:"description"`
	ReportDescription string `yaml:"report_description"`
	ArchiveDir        string `yaml:"archive_dir"`
}

// IdentityConfig is the author of every entity.
type IdentityConfig struct {
	Name        string `yaml:"name"`
	Class       string `yaml:"class"`
	Description string `yaml:"description"`
}

// MarkingConfig is one data marking.
type MarkingConfig struct {
	Type       string `yaml:"type"`
	Definition string `yaml:"definition"`
}

// TagConfig is one tag attached to every entity.
type TagConfig struct {
	Type  string `yaml:"type"`
	Value string `yaml:"value"`
	Color string `yaml:"color"`
}

// PlatformConfig holds the platform API client settings.
type PlatformConfig struct {
	URL             string        `yaml:"url"`
	TokenEnv        string        `yaml:"token_env"`
	Timeout         time.Duration `yaml:"timeout"`
	CircuitBreaker  bool          `yaml:"circuit_breaker"`
	MaxFailures     uint32        `yaml:"max_failures"`
	CircuitTimeout  time.Duration `yaml:"circuit_timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"retry_initial_interval"`
	MaxInterval     time.Duration `yaml:"retry_max_interval"`

	// DryRun publishes to an in-process platform instead of the API.
	DryRun bool `yaml:"dry_run"`
}

// StateStore backends.
const (
	BackendBolt     = "bolt"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// StateConfig selects where run state lives.
type StateConfig struct {
	Backend        string `yaml:"backend"`
	Path           string `yaml:"path"`
	RedisURL       string `yaml:"redis_url"`
	RedisPrefix    string `yaml:"redis_prefix"`
	PostgresDSNEnv string `yaml:"postgres_dsn_env"`
}

// StatusConfig holds the status API and gRPC health settings.
type StatusConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Listen       string `yaml:"listen"`
	GRPCListen   string `yaml:"grpc_listen"`
	AuthTokenEnv string `yaml:"auth_token_env"`
}

// SlackConfig holds notification settings.
type SlackConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BotTokenEnv string `yaml:"bot_token_env"`
	Channel     string `yaml:"channel"`
	MentionTeam string `yaml:"mention_team"`
	APIURL      string `yaml:"api_url"`
}

// ExportConfig holds the local mirrors of published graphs.
type ExportConfig struct {
	CEFPath     string `yaml:"cef_path"`
	CEFSeverity int    `yaml:"cef_severity"`
	STIXDir     string `yaml:"stix_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads an optional .env file, the YAML file at path (skipped when path
// is empty), applies environment overrides and validates the result.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := loadDotEnv(envFiles...); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyTypeDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads the given files, or ./.env when none is given. A missing
// default .env is fine; a missing explicit file is not.
func loadDotEnv(files ...string) error {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Connector: ConnectorConfig{
			Name:        "internal-import",
			Type:        TypeCSVDir,
			PublishMode: "bundle",
			EntityMode:  "indicator",
			FatalPause:  time.Minute,
		},
		CSV: CSVConfig{
			DataDir:          "data",
			SampleName:       "sample.csv",
			ReportNamePrefix: "Import data from",
		},
		List: ListConfig{
			Kind: "ip",
		},
		Identity: IdentityConfig{
			Name:  "Internal Collector",
			Class: "organization",
		},
		Markings: []MarkingConfig{
			{Type: "TLP", Definition: "TLP:WHITE"},
		},
		Platform: PlatformConfig{
			URL:             "http://localhost:8080",
			TokenEnv:        "PLATFORM_TOKEN",
			Timeout:         30 * time.Second,
			CircuitBreaker:  true,
			MaxFailures:     5,
			CircuitTimeout:  30 * time.Second,
			MaxRetries:      3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
		State: StateConfig{
			Backend:        BackendBolt,
			Path:           "data/state.db",
			RedisPrefix:    "ioc-connector:state:",
			PostgresDSNEnv: "STATE_POSTGRES_DSN",
		},
		Status: StatusConfig{
			Listen:       "127.0.0.1:9108",
			GRPCListen:   "127.0.0.1:9109",
			AuthTokenEnv: "STATUS_AUTH_TOKEN",
		},
		Slack: SlackConfig{
			BotTokenEnv: "SLACK_BOT_TOKEN",
		},
		Export: ExportConfig{
			CEFSeverity: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// applyEnv lets the environment override the most common settings.
func (c *Config) applyEnv() {
	c.Connector.Name = getEnv("CONNECTOR_NAME", c.Connector.Name)
	c.Connector.Type = getEnv("CONNECTOR_TYPE", c.Connector.Type)
	c.Connector.Interval = getEnvDuration("CONNECTOR_INTERVAL", c.Connector.Interval)
	c.Connector.PublishMode = getEnv("CONNECTOR_PUBLISH_MODE", c.Connector.PublishMode)
	c.Connector.EntityMode = getEnv("CONNECTOR_ENTITY_MODE", c.Connector.EntityMode)
	c.Connector.Update = getEnvBool("CONNECTOR_UPDATE", c.Connector.Update)
	c.Connector.DeleteStale = getEnvBool("CONNECTOR_DELETE_STALE", c.Connector.DeleteStale)
	c.Connector.ExitOnFatal = getEnvBool("CONNECTOR_EXIT_ON_FATAL", c.Connector.ExitOnFatal)
	c.Connector.ReportID = getEnv("CONNECTOR_REPORT_ID", c.Connector.ReportID)
	c.CSV.DataDir = getEnv("CSV_DATA_DIR", c.CSV.DataDir)
	c.List.URL = getEnv("LIST_URL", c.List.URL)
	c.Platform.URL = getEnv("PLATFORM_URL", c.Platform.URL)
	c.Platform.DryRun = getEnvBool("PLATFORM_DRY_RUN", c.Platform.DryRun)
	c.State.Backend = getEnv("STATE_BACKEND", c.State.Backend)
	c.State.Path = getEnv("STATE_PATH", c.State.Path)
	c.State.RedisURL = getEnv("STATE_REDIS_URL", c.State.RedisURL)
	c.Status.Enabled = getEnvBool("STATUS_ENABLED", c.Status.Enabled)
	c.Status.Listen = getEnv("STATUS_LISTEN", c.Status.Listen)
	c.Status.GRPCListen = getEnv("GRPC_LISTEN_ADDR", c.Status.GRPCListen)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
}

// applyTypeDefaults fills values whose default depends on the connector type.
func (c *Config) applyTypeDefaults() {
	if c.Connector.Interval == 0 {
		switch c.Connector.Type {
		case TypeIPList:
			c.Connector.Interval = 24 * time.Hour
		default:
			c.Connector.Interval = time.Minute
		}
	}
	if c.Connector.Type == TypeIPList && len(c.Connector.IndicatorLabels) == 0 {
		c.Connector.IndicatorLabels = []string{"ipv4-blacklist"}
	}
	if c.CSV.DefaultDescription == "" {
		c.CSV.DefaultDescription = "from " + c.Connector.Name
	}
	if c.List.Description == "" {
		c.List.Description = "from " + c.Connector.Name
	}
}

// Validate rejects configurations the connector cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Connector.Name) == "" {
		errs = append(errs, errors.New("connector.name is required"))
	}
	switch c.Connector.Type {
	case TypeCSVDir:
		if c.CSV.DataDir == "" {
			errs = append(errs, errors.New("csv.data_dir is required for csv-dir connectors"))
		}
	case TypeIPList:
		if c.List.URL == "" {
			errs = append(errs, errors.New("list.url is required for ip-list connectors"))
		} else if u, err := url.Parse(c.List.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("list.url %q is not an absolute URL", c.List.URL))
		}
	default:
		errs = append(errs, fmt.Errorf("connector.type %q must be %s or %s", c.Connector.Type, TypeCSVDir, TypeIPList))
	}
	if c.Connector.Interval < 0 {
		errs = append(errs, errors.New("connector.interval must not be negative"))
	}
	switch strings.ToLower(c.Connector.PublishMode) {
	case "", "bundle", "per-call":
	default:
		errs = append(errs, fmt.Errorf("connector.publish_mode %q must be bundle or per-call", c.Connector.PublishMode))
	}
	switch strings.ToLower(c.Connector.EntityMode) {
	case "", "indicator", "observable", "observable-only":
	default:
		errs = append(errs, fmt.Errorf("connector.entity_mode %q must be indicator, observable or observable-only", c.Connector.EntityMode))
	}
	if c.Connector.DeleteStale && c.Connector.Type != TypeIPList {
		errs = append(errs, errors.New("connector.delete_stale only applies to ip-list connectors"))
	}
	if c.Connector.ReportID != "" && strings.ToLower(c.Connector.PublishMode) != "per-call" {
		errs = append(errs, errors.New("connector.report_id requires publish_mode per-call"))
	}

	if strings.TrimSpace(c.Identity.Name) == "" {
		errs = append(errs, errors.New("identity.name is required"))
	}
	if len(c.Markings) == 0 {
		errs = append(errs, errors.New("at least one marking is required"))
	}
	for i, m := range c.Markings {
		if m.Type == "" || m.Definition == "" {
			errs = append(errs, fmt.Errorf("markings[%d] needs type and definition", i))
		}
	}
	for i, t := range c.Tags {
		if t.Value == "" {
			errs = append(errs, fmt.Errorf("tags[%d] needs a value", i))
		}
	}

	if !c.Platform.DryRun {
		if u, err := url.Parse(c.Platform.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("platform.url %q is not an absolute URL", c.Platform.URL))
		}
	}
	if c.Platform.Timeout <= 0 {
		errs = append(errs, errors.New("platform.timeout must be positive"))
	}

	switch c.State.Backend {
	case BackendBolt:
		if c.State.Path == "" {
			errs = append(errs, errors.New("state.path is required for the bolt backend"))
		}
	case BackendRedis:
		if c.State.RedisURL == "" {
			errs = append(errs, errors.New("state.redis_url is required for the redis backend"))
		}
	case BackendPostgres:
		if c.State.PostgresDSNEnv == "" {
			errs = append(errs, errors.New("state.postgres_dsn_env is required for the postgres backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("state.backend %q is not supported", c.State.Backend))
	}

	if c.Slack.Enabled && c.Slack.Channel == "" {
		errs = append(errs, errors.New("slack.channel is required when slack is enabled"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// PlatformToken returns the API token from the configured variable.
func (c *Config) PlatformToken() string { return os.Getenv(c.Platform.TokenEnv) }

// StatusToken returns the status API token, empty when auth is off.
func (c *Config) StatusToken() string { return os.Getenv(c.Status.AuthTokenEnv) }

// SlackToken returns the Slack bot token.
func (c *Config) SlackToken() string { return os.Getenv(c.Slack.BotTokenEnv) }

// PostgresDSN returns the state database DSN.
func (c *Config) PostgresDSN() string { return os.Getenv(c.State.PostgresDSNEnv) }

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
