package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	AuthMode      string   `mapstructure:"AUTH_MODE"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	KafkaBrokers    []string `mapstructure:"KAFKA_BROKERS"`
	AuditTopic      string   `mapstructure:"AUDIT_TOPIC"`
	AlertTopic      string   `mapstructure:"ALERT_TOPIC"`
	AuditOutboxPath string   `mapstructure:"AUDIT_OUTBOX_PATH"`

	ArchiveDriver      string `mapstructure:"ARCHIVE_DRIVER"`
	ArchiveS3Bucket    string `mapstructure:"ARCHIVE_S3_BUCKET"`
	ArchiveS3Region    string `mapstructure:"ARCHIVE_S3_REGION"`
	ArchiveS3Endpoint  string `mapstructure:"ARCHIVE_S3_ENDPOINT"`
	ArchiveS3PathStyle bool   `mapstructure:"ARCHIVE_S3_PATH_STYLE"`

	RequiredTTITests   []string      `mapstructure:"REQUIRED_TTI_TESTS"`
	ReservationHold    time.Duration `mapstructure:"RESERVATION_HOLD"`
	TransfusionTimeout time.Duration `mapstructure:"TRANSFUSION_TIMEOUT"`
	SweepInterval      time.Duration `mapstructure:"SWEEP_INTERVAL"`
	OverridableGates   []string      `mapstructure:"OVERRIDABLE_GATES"`
	EquipmentSource    string        `mapstructure:"EQUIPMENT_SOURCE"`

	RateLimitRPM   int           `mapstructure:"RATE_LIMIT_RPM"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DEFAULT_TENANT", "CORS_ORIGINS", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE",
	"AUTH_SIGNING_KEY", "STORE_DRIVER", "REDIS_URL", "KAFKA_BROKERS", "AUDIT_TOPIC",
	"ALERT_TOPIC", "AUDIT_OUTBOX_PATH", "ARCHIVE_DRIVER", "ARCHIVE_S3_BUCKET",
	"ARCHIVE_S3_REGION", "ARCHIVE_S3_ENDPOINT", "ARCHIVE_S3_PATH_STYLE",
	"REQUIRED_TTI_TESTS", "RESERVATION_HOLD", "TRANSFUSION_TIMEOUT", "SWEEP_INTERVAL",
	"OVERRIDABLE_GATES", "EQUIPMENT_SOURCE", "RATE_LIMIT_RPM", "BODY_LIMIT", "REQUEST_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // inferred from ENV when empty
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("STORE_DRIVER", "postgres")
	v.SetDefault("AUDIT_TOPIC", "bloodbank.audit")
	v.SetDefault("ALERT_TOPIC", "bloodbank.alerts")
	v.SetDefault("AUDIT_OUTBOX_PATH", "audit-outbox.db")
	v.SetDefault("ARCHIVE_DRIVER", "memory")
	v.SetDefault("ARCHIVE_S3_REGION", "us-east-1")
	v.SetDefault("REQUIRED_TTI_TESTS", "HIV,HBSAG,HCV,SYPHILIS,MALARIA")
	v.SetDefault("RESERVATION_HOLD", "45m")
	v.SetDefault("TRANSFUSION_TIMEOUT", "4h")
	v.SetDefault("SWEEP_INTERVAL", "1m")
	v.SetDefault("OVERRIDABLE_GATES", "equipment_calibration")
	v.SetDefault("EQUIPMENT_SOURCE", "static")
	v.SetDefault("RATE_LIMIT_RPM", 600)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated env values arrive as a single element.
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	cfg.RequiredTTITests = upperList(splitList(v.GetString("REQUIRED_TTI_TESTS")))
	cfg.OverridableGates = splitList(v.GetString("OVERRIDABLE_GATES"))
	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)
	cfg.ArchiveDriver = strings.ToLower(cfg.ArchiveDriver)
	cfg.EquipmentSource = strings.ToLower(cfg.EquipmentSource)

	if cfg.StoreDriver == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is postgres")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development): DevAuthMiddleware grants admin to every request.")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func upperList(in []string) []string {
	for i := range in {
		in[i] = strings.ToUpper(in[i])
	}
	return in
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE if set, else "development" in dev and
// "jwt" otherwise.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed when ENV=production")
		}
	case "jwt":
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set when AUTH_MODE is \"jwt\"")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	switch c.StoreDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("STORE_DRIVER must be \"postgres\" or \"memory\", got %q", c.StoreDriver)
	}
	if c.IsProduction() && c.StoreDriver == "memory" {
		return fmt.Errorf("STORE_DRIVER=memory is not allowed in production")
	}

	switch c.ArchiveDriver {
	case "memory":
	case "s3":
		if c.ArchiveS3Bucket == "" {
			return fmt.Errorf("ARCHIVE_S3_BUCKET is required when ARCHIVE_DRIVER is s3")
		}
	default:
		return fmt.Errorf("ARCHIVE_DRIVER must be \"s3\" or \"memory\", got %q", c.ArchiveDriver)
	}

	switch c.EquipmentSource {
	case "static":
		if c.IsProduction() {
			return fmt.Errorf("EQUIPMENT_SOURCE=static is not allowed in production")
		}
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when EQUIPMENT_SOURCE is redis")
		}
	default:
		return fmt.Errorf("EQUIPMENT_SOURCE must be \"redis\" or \"static\", got %q", c.EquipmentSource)
	}

	if len(c.RequiredTTITests) == 0 {
		return fmt.Errorf("REQUIRED_TTI_TESTS must name at least one test")
	}
	if c.ReservationHold <= 0 {
		return fmt.Errorf("RESERVATION_HOLD must be positive, got %s", c.ReservationHold)
	}
	if c.TransfusionTimeout <= 0 {
		return fmt.Errorf("TRANSFUSION_TIMEOUT must be positive, got %s", c.TransfusionTimeout)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	for _, g := range c.OverridableGates {
		if !overridable[g] {
			return fmt.Errorf("OVERRIDABLE_GATES: %q can never be overridden", g)
		}
	}
	return nil
}

// Gates a human may override; expiry, reservation, TTI and cold-chain breach
// are excluded unconditionally.
var overridable = map[string]bool{
	"equipment_calibration": true,
	"visual_inspection":     true,
}
