package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string `mapstructure:"PORT"`
	Env            string `mapstructure:"ENV"`
	GatewayBackend string `mapstructure:"GATEWAY_BACKEND"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32  `mapstructure:"DB_MIN_CONNS"`

	// Backend platform identifiers. DATABASE_ID names the Postgres schema,
	// the collection ids partition the document table.
	Endpoint                string `mapstructure:"ENDPOINT"`
	ProjectID               string `mapstructure:"PROJECT_ID"`
	DatabaseID              string `mapstructure:"DATABASE_ID"`
	PatientCollectionID     string `mapstructure:"PATIENT_COLLECTION_ID"`
	AppointmentCollectionID string `mapstructure:"APPOINTMENT_COLLECTION_ID"`
	BucketID                string `mapstructure:"BUCKET_ID"`
	// APIKey gates the document view route for server-to-server callers.
	// Leave it empty when identificationDocumentUrl is opened from browsers.
	APIKey                  string `mapstructure:"API_KEY"`

	AdminPasskeyHash  string        `mapstructure:"ADMIN_PASSKEY_HASH"`
	AdminPasskey      string        `mapstructure:"ADMIN_PASSKEY"`
	SessionSigningKey string        `mapstructure:"SESSION_SIGNING_KEY"`
	SessionTTL        time.Duration `mapstructure:"SESSION_TTL"`

	DashboardCacheTTL time.Duration `mapstructure:"DASHBOARD_CACHE_TTL"`
	DisplayTimezone   string        `mapstructure:"DISPLAY_TIMEZONE"`

	SMSKafkaBrokers []string `mapstructure:"SMS_KAFKA_BROKERS"`
	SMSKafkaTopic   string   `mapstructure:"SMS_KAFKA_TOPIC"`

	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
}

var envKeys = []string{
	"PORT", "ENV", "GATEWAY_BACKEND", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"ENDPOINT", "PROJECT_ID", "DATABASE_ID", "PATIENT_COLLECTION_ID",
	"APPOINTMENT_COLLECTION_ID", "BUCKET_ID", "API_KEY",
	"ADMIN_PASSKEY_HASH", "ADMIN_PASSKEY", "SESSION_SIGNING_KEY", "SESSION_TTL",
	"DASHBOARD_CACHE_TTL", "DISPLAY_TIMEZONE",
	"SMS_KAFKA_BROKERS", "SMS_KAFKA_TOPIC",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("GATEWAY_BACKEND", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("ENDPOINT", "http://localhost:8000")
	v.SetDefault("PROJECT_ID", "carepulse")
	v.SetDefault("DATABASE_ID", "carepulse")
	v.SetDefault("PATIENT_COLLECTION_ID", "patients")
	v.SetDefault("APPOINTMENT_COLLECTION_ID", "appointments")
	v.SetDefault("BUCKET_ID", "identification")
	v.SetDefault("SESSION_TTL", "8h")
	v.SetDefault("DASHBOARD_CACHE_TTL", "5m")
	v.SetDefault("DISPLAY_TIMEZONE", "UTC")
	v.SetDefault("SMS_KAFKA_TOPIC", "sms_outbound")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)

	for _, k := range envKeys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.SMSKafkaBrokers = splitList(cfg.SMSKafkaBrokers, v.GetString("SMS_KAFKA_BROKERS"))

	if cfg.GatewayBackend == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when GATEWAY_BACKEND is postgres")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: a plaintext ADMIN_PASSKEY is accepted and SESSION_SIGNING_KEY may be generated.")
	}

	return cfg, nil
}

// splitList normalises comma-separated env values. Viper may hand back a
// slice already split on commas or the raw string, so every element is split
// again, trimmed and dropped when empty.
func splitList(current []string, raw string) []string {
	if len(current) == 0 && raw != "" {
		current = []string{raw}
	}
	var out []string
	for _, item := range current {
		for _, s := range strings.Split(item, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves DISPLAY_TIMEZONE, used when formatting appointment times
// in patient-facing messages.
func (c *Config) Location() (*time.Location, error) {
	if c.DisplayTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.DisplayTimezone)
	if err != nil {
		return nil, fmt.Errorf("load DISPLAY_TIMEZONE %q: %w", c.DisplayTimezone, err)
	}
	return loc, nil
}

// Validate checks that the configuration is safe to run. Outside development
// the admin passkey must be stored as a bcrypt hash and sessions must be
// signed with a configured key.
func (c *Config) Validate() error {
	if c.GatewayBackend != "postgres" && c.GatewayBackend != "memory" {
		return fmt.Errorf("GATEWAY_BACKEND must be \"postgres\" or \"memory\", got %q", c.GatewayBackend)
	}
	if c.GatewayBackend == "memory" && c.IsProduction() {
		return fmt.Errorf("GATEWAY_BACKEND=memory is not allowed in production")
	}
	if c.PatientCollectionID == "" || c.AppointmentCollectionID == "" {
		return fmt.Errorf("PATIENT_COLLECTION_ID and APPOINTMENT_COLLECTION_ID are required")
	}
	if c.PatientCollectionID == c.AppointmentCollectionID {
		return fmt.Errorf("PATIENT_COLLECTION_ID and APPOINTMENT_COLLECTION_ID must differ")
	}
	if c.BucketID == "" {
		return fmt.Errorf("BUCKET_ID is required")
	}
	if !c.IsDev() {
		if c.AdminPasskeyHash == "" {
			return fmt.Errorf("ADMIN_PASSKEY_HASH is required outside development")
		}
		if c.AdminPasskey != "" {
			return fmt.Errorf("ADMIN_PASSKEY (plaintext) is only accepted in development")
		}
		if len(c.SessionSigningKey) < 32 {
			return fmt.Errorf("SESSION_SIGNING_KEY must be at least 32 characters outside development")
		}
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}
