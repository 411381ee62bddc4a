package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"

	pstrings "carfengine/pkg/platform/strings"
)

// Config is the full engine configuration, parsed from environment variables.
type Config struct {
	Risk    RiskConfig
	Privacy PrivacyConfig
	Ingest  IngestConfig
	Storage StorageConfig
	Redis   RedisConfig
	Kafka   KafkaConfig
	Server  Server
	Log     LogConfig

	Workers int `env:"WORKERS" envDefault:"4"`
}

// RiskConfig drives the CARF rule set.
type RiskConfig struct {
	CARFThresholdGBP decimal.Decimal `env:"CARF_THRESHOLD_GBP" envDefault:"10000"`
	EDDThresholdGBP  decimal.Decimal `env:"EDD_THRESHOLD_GBP" envDefault:"50000"`
	ThresholdWeight  int             `env:"RISK_WEIGHT_THRESHOLD" envDefault:"10"`
	StablecoinWeight int             `env:"RISK_WEIGHT_STABLECOIN" envDefault:"5"`
	HighValueWeight  int             `env:"RISK_WEIGHT_HIGH_VALUE" envDefault:"5"`
}

// PrivacyConfig controls PII retention and key lifecycle.
type PrivacyConfig struct {
	PIIRetentionEnabled bool          `env:"PII_RETENTION_ENABLED" envDefault:"false"`
	KeyRotationInterval time.Duration `env:"KEY_ROTATION_INTERVAL" envDefault:"0s"`
	// VaultPath is the SQLite file holding key and salt material. Empty keeps
	// the vault in memory for the lifetime of the process.
	VaultPath string `env:"VAULT_PATH"`
}

// IngestConfig controls normalization.
type IngestConfig struct {
	StablecoinAllowlist    []string          `env:"STABLECOIN_ALLOWLIST" envSeparator:"," envDefault:"USDT,USDC,DAI,BUSD,GBPT,EURS"`
	TimestampSkewTolerance time.Duration     `env:"TIMESTAMP_SKEW_TOLERANCE" envDefault:"5m"`
	GBPRates               map[string]string `env:"GBP_RATES" envSeparator:"," envKeyValSeparator:"="`
	ChainGenesis           map[string]string `env:"CHAIN_GENESIS" envSeparator:"," envKeyValSeparator:"="`
	LocalTimezone          string            `env:"LOCAL_TIMEZONE" envDefault:"Europe/London"`
}

// StorageConfig locates transaction-side persistence (buckets, audit log).
type StorageConfig struct {
	DatabaseURL string `env:"DATABASE_URL"`
}

// RedisConfig configures the optional shared bucket store.
type RedisConfig struct {
	URL          string        `env:"REDIS_URL"`
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// KafkaConfig configures the optional audit fan-out.
type KafkaConfig struct {
	Brokers    []string `env:"KAFKA_BROKERS" envSeparator:","`
	AuditTopic string   `env:"AUDIT_TOPIC" envDefault:"carf.audit"`
}

// Server captures the ops HTTP surface (metrics, health).
type Server struct {
	MetricsAddr string `env:"CARFENGINE_METRICS_ADDR" envDefault:":9090"`
}

// LogConfig selects log level and encoding.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

var decimalParser = env.ParserFunc(func(v string) (any, error) {
	return decimal.NewFromString(strings.TrimSpace(v))
})

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() (Config, error) {
	var cfg Config
	err := env.ParseWithOptions(&cfg, env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(decimal.Decimal{}): decimalParser,
		},
	})
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Ingest.StablecoinAllowlist = pstrings.UpperSymbols(cfg.Ingest.StablecoinAllowlist)
	cfg.Kafka.Brokers = pstrings.DedupeAndTrim(cfg.Kafka.Brokers)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces configuration invariants. The vault's key material must
// live in a different storage location from transaction and bucket data.
func (c Config) Validate() error {
	var errs []error
	if !c.Risk.CARFThresholdGBP.IsPositive() {
		errs = append(errs, errors.New("CARF_THRESHOLD_GBP must be positive"))
	}
	if !c.Risk.EDDThresholdGBP.IsPositive() {
		errs = append(errs, errors.New("EDD_THRESHOLD_GBP must be positive"))
	}
	if c.Risk.ThresholdWeight < 0 || c.Risk.StablecoinWeight < 0 || c.Risk.HighValueWeight < 0 {
		errs = append(errs, errors.New("risk weights must not be negative"))
	}
	if c.Workers < 1 {
		errs = append(errs, errors.New("WORKERS must be at least 1"))
	}
	if c.Ingest.TimestampSkewTolerance < 0 {
		errs = append(errs, errors.New("TIMESTAMP_SKEW_TOLERANCE must not be negative"))
	}
	if c.Privacy.KeyRotationInterval < 0 {
		errs = append(errs, errors.New("KEY_ROTATION_INTERVAL must not be negative"))
	}
	if _, err := time.LoadLocation(c.Ingest.LocalTimezone); err != nil {
		errs = append(errs, fmt.Errorf("LOCAL_TIMEZONE: %w", err))
	}
	if _, err := c.Rates(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Genesis(); err != nil {
		errs = append(errs, err)
	}
	if err := c.checkVaultSeparation(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) checkVaultSeparation() error {
	vaultPath := strings.TrimSpace(c.Privacy.VaultPath)
	if vaultPath == "" {
		return nil
	}
	vault := absPath(vaultPath)
	for name, location := range map[string]string{
		"DATABASE_URL": c.Storage.DatabaseURL,
		"REDIS_URL":    c.Redis.URL,
	} {
		for _, p := range localPaths(location) {
			if p == vault || p == filepath.Dir(vault) {
				return fmt.Errorf("VAULT_PATH must not share a storage location with %s", name)
			}
		}
	}
	return nil
}

// localPaths returns the filesystem locations a storage URL or DSN refers
// to: file and unix socket URLs, a bare path, or a host that is a socket
// directory. Network hosts yield nothing.
func localPaths(location string) []string {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil
	}
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" {
		if strings.Contains(location, "=") {
			return dsnHostPaths(location)
		}
		return []string{absPath(location)}
	}

	var paths []string
	switch {
	case u.Opaque != "":
		paths = append(paths, absPath(u.Opaque))
	case u.Host == "" && u.Path != "" && (u.Scheme == "file" || u.Scheme == "unix"):
		paths = append(paths, absPath(u.Path))
	}
	if host := u.Query().Get("host"); strings.HasPrefix(host, "/") {
		paths = append(paths, absPath(host))
	}
	return paths
}

// dsnHostPaths handles key=value connection strings, where host may name a
// unix socket directory.
func dsnHostPaths(dsn string) []string {
	var paths []string
	for _, field := range strings.Fields(dsn) {
		key, value, ok := strings.Cut(field, "=")
		if !ok || key != "host" {
			continue
		}
		value = strings.Trim(value, "'")
		if strings.HasPrefix(value, "/") {
			paths = append(paths, absPath(value))
		}
	}
	return paths
}

func absPath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return abs
}

// Rates parses GBP_RATES into per-asset decimal rates.
func (c Config) Rates() (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(c.Ingest.GBPRates))
	for asset, raw := range c.Ingest.GBPRates {
		rate, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("GBP_RATES %s: %w", asset, err)
		}
		if rate.IsNegative() {
			return nil, fmt.Errorf("GBP_RATES %s: rate must not be negative", asset)
		}
		out[strings.ToUpper(strings.TrimSpace(asset))] = rate
	}
	return out, nil
}

// Genesis parses CHAIN_GENESIS (chain=RFC3339) overrides.
func (c Config) Genesis() (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(c.Ingest.ChainGenesis))
	for chain, raw := range c.Ingest.ChainGenesis {
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("CHAIN_GENESIS %s: %w", chain, err)
		}
		out[strings.ToLower(strings.TrimSpace(chain))] = at
	}
	return out, nil
}
