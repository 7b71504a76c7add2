package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Auth          AuthConfig          `yaml:"auth"`
	Soar          SoarConfig          `yaml:"soar"`
	Incidents     IncidentsConfig     `yaml:"incidents"`
	GeoIP         GeoIPConfig         `yaml:"geoip"`
	ML            MLConfig            `yaml:"ml"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	CORSAllowOrigin string        `yaml:"cors_allow_origin"`
}

type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type AuthConfig struct {
	JWTSecret          string        `yaml:"jwt_secret"`
	AccessTokenExpiry  time.Duration `yaml:"access_token_expiry"`
	RefreshTokenExpiry time.Duration `yaml:"refresh_token_expiry"`
}

// WAFMode controls how aggressively the protected edge enforces decisions.
type WAFMode string

const (
	WAFModeAudit  WAFMode = "audit"
	WAFModeBlock  WAFMode = "block"
	WAFModeStrict WAFMode = "strict"
)

// AutomationLevel controls how much human validation gates mitigation.
type AutomationLevel string

const (
	AutomationManual   AutomationLevel = "manual"
	AutomationSemiAuto AutomationLevel = "semi-auto"
	AutomationAuto     AutomationLevel = "auto"
	AutomationStrict   AutomationLevel = "strict"
)

// SignalWeights are the per-family weights used by the risk scorer.
// They must sum to 1.0 (validated on load).
type SignalWeights struct {
	ML         float64 `yaml:"ml"`
	Owasp      float64 `yaml:"owasp"`
	Behavioral float64 `yaml:"behavioral"`
	Geo        float64 `yaml:"geo"`
}

func (w SignalWeights) Sum() float64 {
	return w.ML + w.Owasp + w.Behavioral + w.Geo
}

// RiskLevelThresholds are the score cutoffs for discretizing a risk score.
type RiskLevelThresholds struct {
	Critical float64 `yaml:"critical"`
	High     float64 `yaml:"high"`
	Medium   float64 `yaml:"medium"`
}

type SoarConfig struct {
	WAFMode              WAFMode             `yaml:"waf_mode"`
	AutomationLevel      AutomationLevel     `yaml:"automation_level"`
	AnomalyThreshold     float64             `yaml:"anomaly_threshold"`
	RiskThresholdBlock   float64             `yaml:"risk_threshold_block"`
	RiskThresholdCaptcha float64             `yaml:"risk_threshold_captcha"`
	EnableAutoBlock      bool                `yaml:"enable_auto_block"`
	RateLimitPerMinute   int                 `yaml:"rate_limit_per_minute"`
	BlockDuration        time.Duration       `yaml:"block_duration"`
	Weights              SignalWeights       `yaml:"weights"`
	RiskLevels           RiskLevelThresholds `yaml:"risk_levels"`
	SweepInterval        time.Duration       `yaml:"sweep_interval"`
}

type IncidentsConfig struct {
	CorrelationWindow time.Duration `yaml:"correlation_window"`
	AutoResolveAfter  time.Duration `yaml:"auto_resolve_after"`
	GeneratePlans     bool          `yaml:"generate_plans"`
	ScoreThreshold    float64       `yaml:"score_threshold"`
}

type GeoIPConfig struct {
	CountryDBPath   string `yaml:"country_db"`
	AnonymousDBPath string `yaml:"anonymous_ip_db"`
}

type MLConfig struct {
	OracleURL string        `yaml:"oracle_url"`
	Timeout   time.Duration `yaml:"timeout"`
}

type NotificationsConfig struct {
	Slack       SlackNotifyConfig `yaml:"slack"`
	PlanService PlanServiceConfig `yaml:"plan_service"`
}

type SlackNotifyConfig struct {
	Enabled     bool   `yaml:"enabled"`
	WebhookURL  string `yaml:"webhook_url"`
	Channel     string `yaml:"channel"`
	MinSeverity string `yaml:"min_severity"`
}

type PlanServiceConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) validate() error {
	switch c.Soar.WAFMode {
	case WAFModeAudit, WAFModeBlock, WAFModeStrict:
	default:
		return fmt.Errorf("soar.waf_mode must be audit, block or strict, got %q", c.Soar.WAFMode)
	}

	switch c.Soar.AutomationLevel {
	case AutomationManual, AutomationSemiAuto, AutomationAuto, AutomationStrict:
	default:
		return fmt.Errorf("soar.automation_level must be manual, semi-auto, auto or strict, got %q", c.Soar.AutomationLevel)
	}

	if sum := c.Soar.Weights.Sum(); sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("soar.weights must sum to 1.0, got %.3f", sum)
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}

	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = "change-me-in-production"
		fmt.Println("WARNING: Using default JWT secret. Set auth.jwt_secret in production!")
	}
	if c.Auth.AccessTokenExpiry == 0 {
		c.Auth.AccessTokenExpiry = 15 * time.Minute
	}
	if c.Auth.RefreshTokenExpiry == 0 {
		c.Auth.RefreshTokenExpiry = 7 * 24 * time.Hour
	}

	if c.Soar.WAFMode == "" {
		c.Soar.WAFMode = WAFModeAudit
	}
	if c.Soar.AutomationLevel == "" {
		c.Soar.AutomationLevel = AutomationSemiAuto
	}
	if c.Soar.AnomalyThreshold == 0 {
		c.Soar.AnomalyThreshold = 0.7
	}
	if c.Soar.RiskThresholdBlock == 0 {
		c.Soar.RiskThresholdBlock = 0.9
	}
	if c.Soar.RiskThresholdCaptcha == 0 {
		c.Soar.RiskThresholdCaptcha = 0.7
	}
	if c.Soar.RateLimitPerMinute == 0 {
		c.Soar.RateLimitPerMinute = 100
	}
	if c.Soar.BlockDuration == 0 {
		c.Soar.BlockDuration = 60 * time.Minute
	}
	if c.Soar.Weights.Sum() == 0 {
		c.Soar.Weights = SignalWeights{ML: 0.4, Owasp: 0.3, Behavioral: 0.2, Geo: 0.1}
	}
	if c.Soar.RiskLevels.Critical == 0 {
		c.Soar.RiskLevels.Critical = 0.9
	}
	if c.Soar.RiskLevels.High == 0 {
		c.Soar.RiskLevels.High = 0.7
	}
	if c.Soar.RiskLevels.Medium == 0 {
		c.Soar.RiskLevels.Medium = 0.4
	}
	if c.Soar.SweepInterval == 0 {
		c.Soar.SweepInterval = time.Minute
	}

	if c.Incidents.CorrelationWindow == 0 {
		c.Incidents.CorrelationWindow = 30 * time.Minute
	}
	if c.Incidents.AutoResolveAfter == 0 {
		c.Incidents.AutoResolveAfter = 2 * time.Hour
	}
	if c.Incidents.ScoreThreshold == 0 {
		c.Incidents.ScoreThreshold = 0.8
	}

	if c.ML.Timeout == 0 {
		c.ML.Timeout = 5 * time.Second
	}

	if c.Notifications.PlanService.Timeout == 0 {
		c.Notifications.PlanService.Timeout = 10 * time.Second
	}
	if c.Notifications.Slack.MinSeverity == "" {
		c.Notifications.Slack.MinSeverity = "HIGH"
	}
}
