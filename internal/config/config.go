package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"parkgate/internal/billing"
	"parkgate/internal/domain/parking"
)

type ServerConfig struct {
	Port        string   `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	TTLMinutes int    `mapstructure:"ttl_minutes"`
}

type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwt_secret"`
	TokenTTLHours int    `mapstructure:"token_ttl_hours"`
}

type CameraConfig struct {
	Channel     string `mapstructure:"channel"`
	ID          string `mapstructure:"id"`
	SnapshotURL string `mapstructure:"snapshot_url"`
	IntervalMs  int    `mapstructure:"interval_ms"`
	TimeoutMs   int    `mapstructure:"timeout_ms"`
}

type VisionConfig struct {
	Engine                 string  `mapstructure:"engine"`
	AWSRegion              string  `mapstructure:"aws_region"`
	OCRConfidenceThreshold float64 `mapstructure:"ocr_confidence_threshold"`
	DebounceWindowSeconds  float64 `mapstructure:"debounce_window_seconds"`
	OCRTimeoutMs           int     `mapstructure:"ocr_timeout_ms"`
	MinCandidateArea       int     `mapstructure:"min_candidate_area"`
	MinAspectRatio         float64 `mapstructure:"min_aspect_ratio"`
	MaxAspectRatio         float64 `mapstructure:"max_aspect_ratio"`
}

type SessionConfig struct {
	NoMatchingExitPolicy    string `mapstructure:"no_matching_exit_policy"`
	PendingExitGraceSeconds int    `mapstructure:"pending_exit_grace_seconds"`
	EventBuffer             int    `mapstructure:"event_buffer"`
}

type PaymentConfig struct {
	UPIID        string `mapstructure:"upi_id"`
	MerchantName string `mapstructure:"merchant_name"`
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Cameras  []CameraConfig `mapstructure:"cameras"`
	Vision   VisionConfig   `mapstructure:"vision"`
	Session  SessionConfig  `mapstructure:"session"`
	Tariff   parking.Tariff `mapstructure:"tariff"`
	Payment  PaymentConfig  `mapstructure:"payment"`
}

// Load reads the YAML config file (if present) with environment overrides
// and validates it. Configuration errors are the only fatal errors in the
// system.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/parkgate")
	}
	v.SetEnvPrefix("PARKGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("redis.ttl_minutes", 1440)
	v.SetDefault("auth.token_ttl_hours", 24)
	v.SetDefault("vision.engine", "rekognition")
	v.SetDefault("vision.ocr_confidence_threshold", 0.6)
	v.SetDefault("vision.debounce_window_seconds", 2.0)
	v.SetDefault("vision.ocr_timeout_ms", 5000)
	v.SetDefault("session.no_matching_exit_policy", string(parking.PolicyReject))
	v.SetDefault("session.pending_exit_grace_seconds", 10)
	v.SetDefault("session.event_buffer", 64)
	v.SetDefault("tariff.extension_unit_minutes", 60)
}

func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	// The operator endpoints are registered unconditionally; an empty secret
	// would accept any token HMAC-signed with "".
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Vision.OCRConfidenceThreshold < 0 || c.Vision.OCRConfidenceThreshold > 1 {
		return fmt.Errorf("vision.ocr_confidence_threshold must be within [0, 1]")
	}
	if err := billing.ValidateTariff(c.Tariff); err != nil {
		return err
	}
	policy := parking.NoMatchPolicy(c.Session.NoMatchingExitPolicy)
	if policy != parking.PolicyReject && policy != parking.PolicyReconcile {
		return fmt.Errorf("session.no_matching_exit_policy must be %q or %q",
			parking.PolicyReject, parking.PolicyReconcile)
	}
	for i, cam := range c.Cameras {
		switch parking.Channel(cam.Channel) {
		case parking.ChannelEntry, parking.ChannelExit:
		default:
			return fmt.Errorf("cameras[%d].channel must be %q or %q", i, parking.ChannelEntry, parking.ChannelExit)
		}
		if cam.SnapshotURL == "" {
			return fmt.Errorf("cameras[%d].snapshot_url is required", i)
		}
	}
	return nil
}

// DebounceWindow returns the debounce window as a duration.
func (c *Config) DebounceWindow() time.Duration {
	return time.Duration(c.Vision.DebounceWindowSeconds * float64(time.Second))
}

// OCRTimeout returns the per-frame OCR timeout as a duration.
func (c *Config) OCRTimeout() time.Duration {
	return time.Duration(c.Vision.OCRTimeoutMs) * time.Millisecond
}

// PendingExitGrace returns how long unmatched exits stay buffered.
func (c *Config) PendingExitGrace() time.Duration {
	return time.Duration(c.Session.PendingExitGraceSeconds) * time.Second
}
