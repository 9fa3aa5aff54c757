package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/chainpulse/chainpulse/internal/domain"
)

// ConfigError is fatal at startup: the process refuses to run on a config
// it cannot trust.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Message)
}

// DBConfig holds PostgreSQL connection settings.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"-"`
	PoolMin  int    `yaml:"pool_min"`
	PoolMax  int    `yaml:"pool_max"`
}

// DSN renders the lib/pq connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		c.Host, c.Port, c.Name, c.User, c.Password)
}

// SourceConfig holds per-adapter settings shared by all three upstreams.
type SourceConfig struct {
	MempoolSpaceURL     string        `yaml:"mempool_space_url"`
	BlockchainInfoKey   string        `yaml:"-"`
	BlockCypherToken    string        `yaml:"-"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	MaxRetries          int           `yaml:"max_retries"`
	RateLimitPerSec     float64       `yaml:"rate_limit_per_sec"`
	HealthCooldown      time.Duration `yaml:"health_cooldown"`
	MaxRetryAfter       time.Duration `yaml:"max_retry_after"`
	BlockTxPageAttempts int           `yaml:"block_tx_page_attempts"`
}

// SignalConfig holds signal engine thresholds and weights. Values follow
// the production defaults; a YAML overlay can replace them wholesale.
type SignalConfig struct {
	BaseScore            float64 `yaml:"base_score"`
	AccumulationWeight   float64 `yaml:"accumulation_weight"`
	DominanceWeight      float64 `yaml:"dominance_weight"`
	GrowthWeight         float64 `yaml:"growth_weight"`
	DistributionWeight   float64 `yaml:"distribution_weight"`
	DominanceThreshold   float64 `yaml:"dominance_threshold"`
	GrowthTxPerBlock     float64 `yaml:"growth_tx_per_block"`
	DistributionFlowBTC  float64 `yaml:"distribution_flow_btc"`
	PositiveBiasMinScore float64 `yaml:"positive_bias_min_score"`
	NegativeBiasMaxScore float64 `yaml:"negative_bias_max_score"`
}

// WhaleConfig holds tier thresholds and the optional percentile regime.
type WhaleConfig struct {
	LargeBTC       float64  `yaml:"large_btc"`
	WhaleBTC       float64  `yaml:"whale_btc"`
	UltraWhaleBTC  float64  `yaml:"ultra_whale_btc"`
	LeviathanBTC   float64  `yaml:"leviathan_btc"`
	UsePercentiles bool     `yaml:"use_percentiles"`
	ExchangeTags   []string `yaml:"exchange_tags"`
}

// GateConfig holds kill-switch thresholds.
type GateConfig struct {
	MinConfidence          float64       `yaml:"min_confidence"`
	StabilityThreshold     float64       `yaml:"stability_threshold"`
	CompletenessThreshold  float64       `yaml:"completeness_threshold"`
	MaxDataAge             time.Duration `yaml:"max_data_age"`
	MaxConflictingSignals  int           `yaml:"max_conflicting_signals"`
	BaseWeight             float64       `yaml:"base_weight"`
	DegradedWeightFraction float64       `yaml:"degraded_weight_fraction"`
}

// SchedulerConfig holds the periodic driver settings.
type SchedulerConfig struct {
	Interval   time.Duration      `yaml:"interval"`
	Assets     []domain.Asset     `yaml:"assets"`
	Timeframes []domain.Timeframe `yaml:"timeframes"`
	Workers    int                `yaml:"workers"`
}

// HTTPConfig holds serving settings.
type HTTPConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// Config is the process-wide configuration, loaded once at startup and
// passed by reference. Runtime changes require a restart.
type Config struct {
	DB        DBConfig        `yaml:"db"`
	Sources   SourceConfig    `yaml:"sources"`
	Signal    SignalConfig    `yaml:"signal"`
	Whale     WhaleConfig     `yaml:"whale"`
	Gates     GateConfig      `yaml:"gates"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	HTTP      HTTPConfig      `yaml:"http"`
	RedisAddr string          `yaml:"redis_addr"`
}

// PipelineParams is the configuration subset that changes computed
// outputs. Audit hashing covers exactly these sections; connection
// settings, credentials, and serving knobs stay out so an infrastructure
// change never moves a calculation hash.
type PipelineParams struct {
	Signal SignalConfig `json:"signal"`
	Whale  WhaleConfig  `json:"whale"`
	Gates  GateConfig   `json:"gates"`
}

// PipelineParams returns the hash-relevant subset.
func (c *Config) PipelineParams() PipelineParams {
	return PipelineParams{Signal: c.Signal, Whale: c.Whale, Gates: c.Gates}
}

// Default returns the production defaults before env and YAML overlays.
func Default() *Config {
	return &Config{
		DB: DBConfig{
			Host:    "localhost",
			Port:    5432,
			Name:    "chainpulse",
			User:    "chainpulse",
			PoolMin: 2,
			PoolMax: 10,
		},
		Sources: SourceConfig{
			MempoolSpaceURL:     "https://mempool.space",
			RequestTimeout:      30 * time.Second,
			MaxRetries:          3,
			RateLimitPerSec:     2.0,
			HealthCooldown:      5 * time.Minute,
			MaxRetryAfter:       5 * time.Minute,
			BlockTxPageAttempts: 4,
		},
		Signal: SignalConfig{
			BaseScore:            50,
			AccumulationWeight:   35,
			DominanceWeight:      10,
			GrowthWeight:         15,
			DistributionWeight:   -40,
			DominanceThreshold:   0.30,
			GrowthTxPerBlock:     2500,
			DistributionFlowBTC:  100,
			PositiveBiasMinScore: 65,
			NegativeBiasMaxScore: 35,
		},
		Whale: WhaleConfig{
			LargeBTC:      10,
			WhaleBTC:      100,
			UltraWhaleBTC: 500,
			LeviathanBTC:  1000,
		},
		Gates: GateConfig{
			MinConfidence:          0.6,
			StabilityThreshold:     0.7,
			CompletenessThreshold:  0.8,
			MaxDataAge:             2 * time.Hour,
			MaxConflictingSignals:  2,
			BaseWeight:             1.0,
			DegradedWeightFraction: 0.3,
		},
		Scheduler: SchedulerConfig{
			Interval:   5 * time.Minute,
			Assets:     []domain.Asset{domain.AssetBTC},
			Timeframes: []domain.Timeframe{domain.Timeframe1h},
			Workers:    2,
		},
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Load builds the runtime configuration: defaults, then optional YAML
// overlay, then environment variables. A missing .env file is not an
// error; a malformed value is fatal.
func Load(yamlPath string) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg(".env loaded")
	}

	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, &ConfigError{Field: "config_file", Message: err.Error()}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &ConfigError{Field: "config_file", Message: err.Error()}
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.DB.Host, "DB_HOST")
	if err := setInt(&cfg.DB.Port, "DB_PORT"); err != nil {
		return err
	}
	setString(&cfg.DB.Name, "DB_NAME")
	setString(&cfg.DB.User, "DB_USER")
	setString(&cfg.DB.Password, "DB_PASSWORD")
	if err := setInt(&cfg.DB.PoolMin, "DB_POOL_MIN"); err != nil {
		return err
	}
	if err := setInt(&cfg.DB.PoolMax, "DB_POOL_MAX"); err != nil {
		return err
	}

	setString(&cfg.Sources.MempoolSpaceURL, "MEMPOOL_SPACE_URL")
	setString(&cfg.Sources.BlockchainInfoKey, "BLOCKCHAIN_INFO_API_KEY")
	setString(&cfg.Sources.BlockCypherToken, "BLOCKCYPHER_API_TOKEN")

	if err := setSeconds(&cfg.Scheduler.Interval, "SCHEDULER_INTERVAL"); err != nil {
		return err
	}
	if err := setFloat(&cfg.Gates.MinConfidence, "MIN_CONFIDENCE"); err != nil {
		return err
	}
	if err := setFloat(&cfg.Gates.StabilityThreshold, "STABILITY_THRESHOLD"); err != nil {
		return err
	}
	if err := setFloat(&cfg.Gates.CompletenessThreshold, "COMPLETENESS_THRESHOLD"); err != nil {
		return err
	}
	if err := setHours(&cfg.Gates.MaxDataAge, "MAX_DATA_AGE_HOURS"); err != nil {
		return err
	}

	if err := setInt(&cfg.HTTP.Port, "HTTP_PORT"); err != nil {
		return err
	}
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	return nil
}

// Validate enforces the range constraints the pipeline depends on.
func (c *Config) Validate() error {
	if c.DB.PoolMin < 1 || c.DB.PoolMax < c.DB.PoolMin {
		return &ConfigError{Field: "db_pool", Message: fmt.Sprintf("invalid pool bounds min=%d max=%d", c.DB.PoolMin, c.DB.PoolMax)}
	}
	if c.Gates.MinConfidence < 0 || c.Gates.MinConfidence > 1 {
		return &ConfigError{Field: "min_confidence", Message: "must be in [0,1]"}
	}
	if c.Gates.StabilityThreshold < 0 || c.Gates.StabilityThreshold > 1 {
		return &ConfigError{Field: "stability_threshold", Message: "must be in [0,1]"}
	}
	if c.Gates.CompletenessThreshold < 0 || c.Gates.CompletenessThreshold > 1 {
		return &ConfigError{Field: "completeness_threshold", Message: "must be in [0,1]"}
	}
	if c.Gates.BaseWeight < 0 || c.Gates.BaseWeight > 1 {
		return &ConfigError{Field: "base_weight", Message: "must be in [0,1]"}
	}
	if c.Scheduler.Interval <= 0 {
		return &ConfigError{Field: "scheduler_interval", Message: "must be positive"}
	}
	if c.Whale.LargeBTC >= c.Whale.WhaleBTC || c.Whale.WhaleBTC >= c.Whale.UltraWhaleBTC || c.Whale.UltraWhaleBTC >= c.Whale.LeviathanBTC {
		return &ConfigError{Field: "whale_tiers", Message: "tier thresholds must be strictly increasing"}
	}
	for _, tf := range c.Scheduler.Timeframes {
		if _, err := domain.ParseTimeframe(string(tf)); err != nil {
			return &ConfigError{Field: "timeframes", Message: err.Error()}
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return &ConfigError{Field: key, Message: err.Error()}
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return &ConfigError{Field: key, Message: err.Error()}
	}
	*dst = f
	return nil
}

func setSeconds(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return &ConfigError{Field: key, Message: err.Error()}
	}
	*dst = time.Duration(n) * time.Second
	return nil
}

func setHours(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return &ConfigError{Field: key, Message: err.Error()}
	}
	*dst = time.Duration(f * float64(time.Hour))
	return nil
}
