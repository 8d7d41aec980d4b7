package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/acme/outbound-dialer/internal/domain"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Dialer    DialerConfig    `mapstructure:"dialer"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Scylla    ScyllaConfig    `mapstructure:"scylla"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DialerConfig governs the admission and scheduling core.
type DialerConfig struct {
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	MaxBatchSize      int           `mapstructure:"max_batch_size"`
	AttemptsPerSecond int           `mapstructure:"attempts_per_second"`
	PerTargetInterval time.Duration `mapstructure:"per_target_interval"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	Retention         time.Duration `mapstructure:"retention"`

	Tiers         TierConfig    `mapstructure:"tiers"`
	MinRetryDelay time.Duration `mapstructure:"min_retry_delay"`

	SuccessOutcomes        []string `mapstructure:"success_outcomes"`
	NeverRecontactOutcomes []string `mapstructure:"never_recontact_outcomes"`
	RetryVoicemail         bool     `mapstructure:"retry_voicemail"`
	RetryNoAnswer          bool     `mapstructure:"retry_no_answer"`

	PerDayAttemptCap int           `mapstructure:"per_day_attempt_cap"`
	DedupWindow      time.Duration `mapstructure:"dedup_window"`
	TransferHold     time.Duration `mapstructure:"transfer_hold"`
	DefaultTimeZone  string        `mapstructure:"default_timezone"`

	BlockedDefer time.Duration `mapstructure:"blocked_defer"`
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
	LockKey      string        `mapstructure:"lock_key"`
}

// TierConfig lists retry intervals per attempt number for each calendar-day
// age tier of the target's first contact.
type TierConfig struct {
	SameDay []time.Duration `mapstructure:"same_day"`
	NextDay []time.Duration `mapstructure:"next_day"`
	Older   []time.Duration `mapstructure:"older"`
}

// PoolConfig describes the outbound resource pool and its selection knobs.
type PoolConfig struct {
	Resources       []ResourceConfig `mapstructure:"resources"`
	MinSample       int              `mapstructure:"min_sample"`
	NeutralWeight   float64          `mapstructure:"neutral_weight"`
	WeightFloor     float64          `mapstructure:"weight_floor"`
	BalanceBonus    float64          `mapstructure:"balance_bonus"`
	StreakThreshold int              `mapstructure:"streak_threshold"`
	CooldownBase    time.Duration    `mapstructure:"cooldown_base"`
	WindowAge       time.Duration    `mapstructure:"window_age"`
}

type ResourceConfig struct {
	ID       string `mapstructure:"id"`
	Number   string `mapstructure:"number"`
	AreaCode string `mapstructure:"area_code"`
}

// Resource converts the config entry to its domain form, deriving the area
// code from the number when not set explicitly.
func (r ResourceConfig) Resource() domain.Resource {
	area := r.AreaCode
	if area == "" {
		if key, err := domain.NormalizeNumber(r.Number); err == nil {
			area = domain.AreaCodeOf(key)
		}
	}
	return domain.Resource{ID: r.ID, Number: r.Number, AreaCode: area}
}

// StorageConfig selects the snapshot store backend.
type StorageConfig struct {
	Backend       string        `mapstructure:"backend"`
	Path          string        `mapstructure:"path"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type ScyllaConfig struct {
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type KafkaConfig struct {
	Brokers        []string      `mapstructure:"brokers"`
	ClientID       string        `mapstructure:"client_id"`
	OutcomeTopic   string        `mapstructure:"outcome_topic"`
	ConsumerGroup  string        `mapstructure:"consumer_group"`
	CommitInterval time.Duration `mapstructure:"commit_interval"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("DIALER")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}

func (c *Config) applyDefaults() {
	if c.Dialer.TickInterval <= 0 {
		c.Dialer.TickInterval = 15 * time.Second
	}
	if c.Dialer.MaxBatchSize <= 0 {
		c.Dialer.MaxBatchSize = 50
	}
	if c.Dialer.MinRetryDelay <= 0 {
		c.Dialer.MinRetryDelay = time.Minute
	}
	if c.Dialer.DedupWindow <= 0 {
		c.Dialer.DedupWindow = 10 * time.Second
	}
	if c.Dialer.TransferHold <= 0 {
		c.Dialer.TransferHold = 5 * time.Minute
	}
	if c.Dialer.BlockedDefer <= 0 {
		c.Dialer.BlockedDefer = 15 * time.Minute
	}
	if c.Dialer.Retention <= 0 {
		c.Dialer.Retention = 14 * 24 * time.Hour
	}
	if c.Dialer.PerDayAttemptCap <= 0 {
		c.Dialer.PerDayAttemptCap = 6
	}
	if len(c.Dialer.Tiers.SameDay) == 0 {
		c.Dialer.Tiers.SameDay = []time.Duration{5 * time.Minute, 15 * time.Minute, 30 * time.Minute, time.Hour}
	}
	if len(c.Dialer.Tiers.NextDay) == 0 {
		c.Dialer.Tiers.NextDay = []time.Duration{30 * time.Minute, time.Hour, 2 * time.Hour, 4 * time.Hour}
	}
	if len(c.Dialer.Tiers.Older) == 0 {
		c.Dialer.Tiers.Older = []time.Duration{2 * time.Hour, 4 * time.Hour, 8 * time.Hour, 24 * time.Hour}
	}
	if len(c.Dialer.SuccessOutcomes) == 0 {
		c.Dialer.SuccessOutcomes = []string{string(domain.OutcomeAnswered), string(domain.OutcomeTransferred)}
	}
	if c.Pool.MinSample <= 0 {
		c.Pool.MinSample = 10
	}
	if c.Pool.NeutralWeight <= 0 {
		c.Pool.NeutralWeight = 0.3
	}
	if c.Pool.WeightFloor <= 0 {
		c.Pool.WeightFloor = 0.05
	}
	if c.Pool.BalanceBonus <= 0 {
		c.Pool.BalanceBonus = 1.5
	}
	if c.Pool.StreakThreshold <= 0 {
		c.Pool.StreakThreshold = 5
	}
	if c.Pool.CooldownBase <= 0 {
		c.Pool.CooldownBase = time.Minute
	}
	if c.Pool.WindowAge <= 0 {
		c.Pool.WindowAge = 24 * time.Hour
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "bolt"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/dialer-state"
	}
	if c.Storage.FlushInterval <= 0 {
		c.Storage.FlushInterval = 30 * time.Second
	}
	if c.Dialer.LockKey == "" {
		c.Dialer.LockKey = "dialer:tick:leader"
	}
	if c.Dialer.LockTTL <= 0 {
		c.Dialer.LockTTL = time.Minute
	}
}

// Validate rejects configurations that must not be silently tolerated.
func (c *Config) Validate() error {
	if c.Dialer.AttemptsPerSecond <= 0 {
		return fmt.Errorf("config: dialer.attempts_per_second must be positive, got %d", c.Dialer.AttemptsPerSecond)
	}
	if c.Dialer.PerTargetInterval <= 0 {
		return fmt.Errorf("config: dialer.per_target_interval must be positive")
	}
	if c.Dialer.MaxAttempts <= 0 {
		return fmt.Errorf("config: dialer.max_attempts must be positive")
	}
	if len(c.Pool.Resources) == 0 {
		return fmt.Errorf("config: pool.resources must not be empty")
	}
	seen := make(map[string]bool, len(c.Pool.Resources))
	for _, r := range c.Pool.Resources {
		if r.ID == "" || r.Number == "" {
			return fmt.Errorf("config: pool resource requires id and number")
		}
		if seen[r.ID] {
			return fmt.Errorf("config: duplicate pool resource id %q", r.ID)
		}
		seen[r.ID] = true
	}
	if err := validateTiers(c.Dialer.Tiers); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case "bolt", "file", "postgres":
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Dialer.DefaultTimeZone != "" {
		if _, err := time.LoadLocation(c.Dialer.DefaultTimeZone); err != nil {
			return fmt.Errorf("config: invalid dialer.default_timezone: %w", err)
		}
	}
	return nil
}

// validateTiers enforces that older tiers never retry faster than younger
// ones at the same attempt number.
func validateTiers(t TierConfig) error {
	if len(t.SameDay) == 0 || len(t.NextDay) == 0 || len(t.Older) == 0 {
		return fmt.Errorf("config: all retry tiers require at least one interval")
	}
	longest := len(t.SameDay)
	if len(t.NextDay) > longest {
		longest = len(t.NextDay)
	}
	if len(t.Older) > longest {
		longest = len(t.Older)
	}
	for i := 0; i < longest; i++ {
		same := tierAt(t.SameDay, i)
		next := tierAt(t.NextDay, i)
		older := tierAt(t.Older, i)
		if next < same || older < next {
			return fmt.Errorf("config: retry tiers must be non-decreasing with lead age at attempt %d", i+1)
		}
	}
	return nil
}

func tierAt(tier []time.Duration, i int) time.Duration {
	if len(tier) == 0 {
		return 0
	}
	if i >= len(tier) {
		return tier[len(tier)-1]
	}
	return tier[i]
}
