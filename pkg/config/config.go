package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// Roles a process can run.
const (
	RoleOrchestrator = "orchestrator"
	RoleSupervisor   = "supervisor"
	RolePipeline     = "pipeline"
	RoleShard        = "shard"
)

var knownRoles = map[string]bool{
	RoleOrchestrator: true,
	RoleSupervisor:   true,
	RolePipeline:     true,
	RoleShard:        true,
}

type Config struct {
	Environment string   `yaml:"environment" env:"ARB_ENV" default:"development"`
	Roles       []string `yaml:"roles" env:"ARB_ROLES" envSeparator:"," default:"[\"pipeline\"]"`

	Instance struct {
		ID       string `yaml:"id" env:"ARB_INSTANCE_ID"`
		Hostname string `yaml:"hostname" env:"HOSTNAME"`
		Version  string `yaml:"version" env:"ARB_VERSION" default:"dev"`
	} `yaml:"instance"`

	Log struct {
		Level  string `yaml:"level" env:"LOG_LEVEL" default:"info"`
		Format string `yaml:"format" env:"LOG_FORMAT" default:"console"`
		Output string `yaml:"output" env:"LOG_OUTPUT" default:"stdout"`
		// Collector rolls error logs up onto the Redis queue.
		Collector struct {
			Enabled        bool          `yaml:"enabled" env:"LOG_COLLECTOR_ENABLED"`
			Topic          string        `yaml:"topic" default:"arb_error_logs"`
			Interval       time.Duration `yaml:"interval" default:"30s"`
			CountThreshold int           `yaml:"count_threshold" default:"100"`
		} `yaml:"collector"`
	} `yaml:"log"`

	Heartbeat struct {
		Interval        time.Duration `yaml:"interval" env:"ARB_HEARTBEAT_INTERVAL" default:"1s"`
		LivenessTimeout time.Duration `yaml:"liveness_timeout" env:"ARB_LIVENESS_TIMEOUT" default:"3s"`
	} `yaml:"heartbeat"`

	Orchestrator struct {
		TickInterval time.Duration `yaml:"tick_interval" default:"1s"`
		AckTimeout   time.Duration `yaml:"ack_timeout" default:"5s"`
		MaxRetries   int           `yaml:"max_retries" default:"3"`
	} `yaml:"orchestrator"`

	Supervisor struct {
		SweepInterval      time.Duration  `yaml:"sweep_interval" default:"1s"`
		RestartBackoffBase time.Duration  `yaml:"restart_backoff_base" default:"5s"`
		RestartBackoffMax  time.Duration  `yaml:"restart_backoff_max" default:"5m"`
		MaxRestartAttempts int            `yaml:"max_restart_attempts" default:"5"`
		Roster             []RosterMember `yaml:"roster"`
		// Restarter is "queue" (Redis list to the container agent) or "log".
		Restarter      string        `yaml:"restarter" env:"ARB_RESTARTER" default:"log"`
		RestartCommand []string      `yaml:"restart_command" default:"[\"docker\",\"restart\",\"{container}\"]"`
		RestartTimeout time.Duration `yaml:"restart_timeout" default:"30s"`
		// Agent consumes the restart queue in this process.
		Agent bool `yaml:"agent" env:"ARB_RESTART_AGENT"`
	} `yaml:"supervisor"`

	Shard struct {
		MaxGames int `yaml:"max_games" env:"ARB_SHARD_MAX_GAMES" default:"10"`
	} `yaml:"shard"`

	Pipeline struct {
		SubmitTimeout time.Duration `yaml:"submit_timeout" default:"5s"`
		ExitTimeout   time.Duration `yaml:"exit_timeout" default:"5s"`
		Dedupe        struct {
			InflightTTL time.Duration `yaml:"inflight_ttl" default:"30s"`
			ResultTTL   time.Duration `yaml:"result_ttl" default:"24h"`
		} `yaml:"dedupe"`
		Risk struct {
			MaxDailyLoss     float64 `yaml:"max_daily_loss" env:"ARB_RISK_MAX_DAILY_LOSS" default:"500"`
			MaxGameExposure  float64 `yaml:"max_game_exposure" env:"ARB_RISK_MAX_GAME_EXPOSURE" default:"200"`
			MaxSportExposure float64 `yaml:"max_sport_exposure" env:"ARB_RISK_MAX_SPORT_EXPOSURE" default:"1000"`
			KillSwitch       bool    `yaml:"kill_switch" env:"ARB_KILL_SWITCH"`
		} `yaml:"risk"`
		RateLimit struct {
			Default   RateLimit            `yaml:"default"`
			Platforms map[string]RateLimit `yaml:"platforms"`
		} `yaml:"rate_limit"`
		// Feed throttling between the price WebSocket and the position book.
		MaxTicksPerSecond int `yaml:"max_ticks_per_second" default:"20"`
	} `yaml:"pipeline"`

	Platforms struct {
		Paper struct {
			Enabled   bool          `yaml:"enabled" default:"true"`
			FeeRate   float64       `yaml:"fee_rate" default:"0"`
			FillRatio float64       `yaml:"fill_ratio" default:"1"`
			Latency   time.Duration `yaml:"latency"`
		} `yaml:"paper"`
		Gateways []Gateway `yaml:"gateways"`
	} `yaml:"platforms"`

	PriceFeeds []PriceFeed `yaml:"price_feeds"`

	Server struct {
		Enabled         bool          `yaml:"enabled" env:"ARB_HTTP_ENABLED" default:"true"`
		Port            int           `yaml:"port" env:"PORT" default:"8080"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
		SlowThreshold   time.Duration `yaml:"slow_threshold" default:"500ms"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool   `yaml:"enabled" default:"true"`
		Path    string `yaml:"path" default:"/metrics"`
	} `yaml:"metrics"`

	// Redis carries the bus, the KV namespace and the restart queue. With
	// no address everything runs in memory inside this process.
	Redis struct {
		Host     string `yaml:"host" env:"REDIS_HOST"`
		Port     int    `yaml:"port" env:"REDIS_PORT" default:"6379"`
		Password string `yaml:"password" env:"REDIS_PASSWORD"`
		DB       int    `yaml:"db" env:"REDIS_DB"`
		Prefix   string `yaml:"prefix" default:"arb"`
		PoolSize int    `yaml:"pool_size" default:"20"`
		Queue    struct {
			Workers    int           `yaml:"workers" default:"2"`
			QueueSize  int           `yaml:"queue_size" default:"100"`
			RetryLimit int           `yaml:"retry_limit" default:"3"`
			RetryDelay time.Duration `yaml:"retry_delay" default:"5s"`
		} `yaml:"queue"`
	} `yaml:"redis"`

	Kafka struct {
		Brokers      []string `yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
		RequiredAcks int      `yaml:"required_acks" default:"-1"`
		Compression  string   `yaml:"compression" default:"snappy"`
		Topics       struct {
			ExecutionRequests string `yaml:"execution_requests" default:"arb.execution.requests"`
			ExecutionResults  string `yaml:"execution_results" default:"arb.execution.results"`
			PositionUpdates   string `yaml:"position_updates" default:"arb.position.updates"`
			PositionCommands  string `yaml:"position_commands" default:"arb.position.commands"`
		} `yaml:"topics"`
		Producer struct {
			MaxAttempts  int           `yaml:"max_attempts" default:"5"`
			Linger       time.Duration `yaml:"linger" default:"5ms"`
			BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
			BatchSize    int           `yaml:"batch_size" default:"100"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
			ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
			Async        bool          `yaml:"async"`
		} `yaml:"producer"`
		Consumer struct {
			GroupID    string        `yaml:"group_id" env:"KAFKA_GROUP_ID" default:"arbcore-pipeline"`
			Workers    int           `yaml:"workers" default:"8"`
			BufferSize int           `yaml:"buffer_size" default:"1000"`
			RetryMax   int           `yaml:"retry_max" default:"3"`
			BackoffMin time.Duration `yaml:"backoff_min" default:"100ms"`
			BackoffMax time.Duration `yaml:"backoff_max" default:"5s"`
			DLQTopic   string        `yaml:"dlq_topic" default:"arb.dlq"`
			MinBytes   int           `yaml:"min_bytes" default:"1"`
			MaxBytes   int           `yaml:"max_bytes" default:"10485760"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`

	ClickHouse struct {
		Enabled          bool          `yaml:"enabled" env:"CLICKHOUSE_ENABLED"`
		Host             string        `yaml:"host" env:"CLICKHOUSE_HOST" default:"localhost"`
		Port             int           `yaml:"port" env:"CLICKHOUSE_PORT" default:"9000"`
		Database         string        `yaml:"database" env:"CLICKHOUSE_DATABASE" default:"arbcore"`
		User             string        `yaml:"user" env:"CLICKHOUSE_USER" default:"default"`
		Password         string        `yaml:"password" env:"CLICKHOUSE_PASSWORD"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert" default:"true"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout      time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout     time.Duration `yaml:"write_timeout" default:"10s"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"30s"`
	} `yaml:"clickhouse"`
}

// RosterMember is one instance the supervisor expects to hear from.
type RosterMember struct {
	Service    string `yaml:"service"`
	InstanceID string `yaml:"instance_id"`
	Container  string `yaml:"container"`
	Managed    bool   `yaml:"managed"`
}

type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst" default:"1"`
}

// Gateway routes orders for one platform to its HTTP order gateway.
type Gateway struct {
	Platform string        `yaml:"platform"`
	BaseURL  string        `yaml:"base_url"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout" default:"5s"`
}

// PriceFeed is one platform price WebSocket.
type PriceFeed struct {
	Platform       string        `yaml:"platform"`
	URL            string        `yaml:"url"`
	APIKey         string        `yaml:"api_key"`
	Markets        []string      `yaml:"markets"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" default:"2s"`
	PingInterval   time.Duration `yaml:"ping_interval" default:"15s"`
}

// Load reads and parses a YAML configuration file on top of the defaults.
func Load(path string) (*Config, error) {
	c, err := parse(path)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
// An empty path skips the file.
func LoadWithEnv(path string) (*Config, error) {
	c, err := parse(path)
	if err != nil {
		return nil, err
	}
	if err := env.ParseWithOptions(c, env.Options{}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func parse(path string) (*Config, error) {
	c := &Config{}
	if err := defaults.Set(c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	// list elements decoded from YAML skip the struct-level pass above
	for i := range c.Platforms.Gateways {
		if err := defaults.Set(&c.Platforms.Gateways[i]); err != nil {
			return nil, fmt.Errorf("gateway defaults: %w", err)
		}
	}
	for i := range c.PriceFeeds {
		if err := defaults.Set(&c.PriceFeeds[i]); err != nil {
			return nil, fmt.Errorf("price feed defaults: %w", err)
		}
	}
	if c.Instance.Hostname == "" {
		c.Instance.Hostname, _ = os.Hostname()
	}
	if c.Instance.ID == "" {
		c.Instance.ID = c.Instance.Hostname
	}
	return c, nil
}

// HasRole reports whether this process runs role.
func (c *Config) HasRole(role string) bool {
	for _, r := range c.Roles {
		if strings.EqualFold(strings.TrimSpace(r), role) {
			return true
		}
	}
	return false
}

// RedisEnabled reports whether a shared Redis is configured.
func (c *Config) RedisEnabled() bool { return c.Redis.Host != "" }

// KafkaEnabled reports whether Kafka brokers are configured.
func (c *Config) KafkaEnabled() bool { return len(c.Kafka.Brokers) > 0 }

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	var errs []error
	if c.Environment == "" {
		errs = append(errs, errors.New("environment is required"))
	}
	if len(c.Roles) == 0 {
		errs = append(errs, errors.New("roles cannot be empty"))
	}
	for _, r := range c.Roles {
		if !knownRoles[strings.ToLower(strings.TrimSpace(r))] {
			errs = append(errs, fmt.Errorf("unknown role %q", r))
		}
	}
	if c.Instance.ID == "" {
		errs = append(errs, errors.New("instance.id is required"))
	}
	if c.Heartbeat.Interval <= 0 {
		errs = append(errs, errors.New("heartbeat.interval must be positive"))
	}
	if c.Heartbeat.LivenessTimeout <= c.Heartbeat.Interval {
		errs = append(errs, fmt.Errorf("heartbeat.liveness_timeout (%s) must exceed heartbeat.interval (%s)",
			c.Heartbeat.LivenessTimeout, c.Heartbeat.Interval))
	}
	if c.Orchestrator.MaxRetries < 0 {
		errs = append(errs, errors.New("orchestrator.max_retries cannot be negative"))
	}
	if c.Supervisor.RestartBackoffMax < c.Supervisor.RestartBackoffBase {
		errs = append(errs, errors.New("supervisor.restart_backoff_max must be >= restart_backoff_base"))
	}
	if c.Supervisor.MaxRestartAttempts <= 0 {
		errs = append(errs, errors.New("supervisor.max_restart_attempts must be positive"))
	}
	switch c.Supervisor.Restarter {
	case "log":
	case "queue":
		if !c.RedisEnabled() {
			errs = append(errs, errors.New("supervisor.restarter=queue needs redis.host"))
		}
	default:
		errs = append(errs, fmt.Errorf("supervisor.restarter must be 'queue' or 'log', got '%s'", c.Supervisor.Restarter))
	}
	if c.Supervisor.Agent && len(c.Supervisor.RestartCommand) == 0 {
		errs = append(errs, errors.New("supervisor.restart_command cannot be empty when agent is on"))
	}
	for i, m := range c.Supervisor.Roster {
		if m.Service == "" || m.InstanceID == "" {
			errs = append(errs, fmt.Errorf("supervisor.roster[%d]: service and instance_id are required", i))
		}
	}
	if c.HasRole(RoleShard) && c.Shard.MaxGames <= 0 {
		errs = append(errs, errors.New("shard.max_games must be positive"))
	}
	if c.Pipeline.Dedupe.ResultTTL <= 0 || c.Pipeline.Dedupe.InflightTTL <= 0 {
		errs = append(errs, errors.New("pipeline.dedupe ttls must be positive"))
	}
	if f := c.Platforms.Paper.FillRatio; f <= 0 || f > 1 {
		errs = append(errs, fmt.Errorf("platforms.paper.fill_ratio must be in (0,1], got %v", f))
	}
	for i, g := range c.Platforms.Gateways {
		if g.Platform == "" || g.BaseURL == "" {
			errs = append(errs, fmt.Errorf("platforms.gateways[%d]: platform and base_url are required", i))
		}
	}
	if c.HasRole(RolePipeline) && !c.Platforms.Paper.Enabled && len(c.Platforms.Gateways) == 0 {
		errs = append(errs, errors.New("pipeline role needs the paper platform or at least one gateway"))
	}
	for i, f := range c.PriceFeeds {
		if f.Platform == "" || f.URL == "" {
			errs = append(errs, fmt.Errorf("price_feeds[%d]: platform and url are required", i))
		}
	}
	if c.Log.Collector.Enabled && !c.RedisEnabled() {
		errs = append(errs, errors.New("log.collector needs redis.host"))
	}
	return errors.Join(errs...)
}
