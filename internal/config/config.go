// Package config loads the sandbox configuration from a YAML file, an
// optional .env file and KROT_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/zhaori96/krot/v2"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

type Config struct {
	App struct {
		// dev | prod
		Env      string `yaml:"env"`
		LogLevel string `yaml:"log_level"`
		Name     string `yaml:"name"`
	} `yaml:"app"`

	// Rotation picks a named profile; any non-zero duration overrides the
	// profile's value.
	Rotation struct {
		Profile         string        `yaml:"profile"`
		TimeToPromotion time.Duration `yaml:"time_to_promotion"`
		TimeAsPrimary   time.Duration `yaml:"time_as_primary"`
		TimeAsRetained  time.Duration `yaml:"time_as_retained"`
		PollInterval    time.Duration `yaml:"poll_interval"`
		KeySize         int           `yaml:"key_size"`
	} `yaml:"rotation"`

	Server struct {
		Addr            string        `yaml:"addr"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	JWKS struct {
		// URL is the default remote key set for the console tasks. Empty means
		// this process's own key set.
		URL          string        `yaml:"url"`
		FetchTimeout time.Duration `yaml:"fetch_timeout"`
		CacheTTL     time.Duration `yaml:"cache_ttl"`
	} `yaml:"jwks"`

	Tokens struct {
		Issuer             string        `yaml:"issuer"`
		ActivationAudience []string      `yaml:"activation_audience"`
		GetAudience        []string      `yaml:"get_audience"`
		SetAudience        []string      `yaml:"set_audience"`
		ActivationShortTTL time.Duration `yaml:"activation_short_ttl"`
		ActivationLongTTL  time.Duration `yaml:"activation_long_ttl"`
		EntitlementTTL     time.Duration `yaml:"entitlement_ttl"`
	} `yaml:"tokens"`

	Activation struct {
		ProductionDomain string `yaml:"production_domain"`
		QADomain         string `yaml:"qa_domain"`
	} `yaml:"activation"`
}

// Load reads path (skipped when empty), fills defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	var c Config

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
		}
	}

	c.applyDefaults()
	c.applyEnvOverrides()

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

// LoadEnvFile loads KEY=value pairs from a .env file into the process
// environment. Variables already set win.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	return godotenv.Load(path)
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.Name == "" {
		c.App.Name = "krot-sandbox"
	}

	if c.Rotation.Profile == "" {
		c.Rotation.Profile = krot.PolicyNameTest
	}
	if c.Rotation.KeySize == 0 {
		c.Rotation.KeySize = int(krot.DefaultKeySize)
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 5 * time.Second
	}

	if c.JWKS.FetchTimeout == 0 {
		c.JWKS.FetchTimeout = 10 * time.Second
	}

	if c.Tokens.Issuer == "" {
		c.Tokens.Issuer = "krot-sandbox"
	}
	if len(c.Tokens.ActivationAudience) == 0 {
		c.Tokens.ActivationAudience = []string{"activation.disneyplus.com"}
	}
	if len(c.Tokens.GetAudience) == 0 {
		c.Tokens.GetAudience = []string{"get.entitlement.disneyplus.com"}
	}
	if len(c.Tokens.SetAudience) == 0 {
		c.Tokens.SetAudience = []string{"set.entitlement.disneyplus.com"}
	}
	if c.Tokens.ActivationShortTTL == 0 {
		c.Tokens.ActivationShortTTL = time.Hour
	}
	if c.Tokens.ActivationLongTTL == 0 {
		c.Tokens.ActivationLongTTL = 30 * 24 * time.Hour
	}
	if c.Tokens.EntitlementTTL == 0 {
		c.Tokens.EntitlementTTL = time.Hour
	}

	if c.Activation.ProductionDomain == "" {
		c.Activation.ProductionDomain = "disneyplus.com"
	}
	if c.Activation.QADomain == "" {
		c.Activation.QADomain = "qa-web.disneyplus.com"
	}
}

// ---- env helpers ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}

func getEnvDur(key string) (time.Duration, bool) {
	if s, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d, true
		}
	}
	return 0, false
}

func getEnvCSV(key string) ([]string, bool) {
	s, ok := getEnvStr(key)
	if !ok {
		return nil, false
	}

	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, true
}

// applyEnvOverrides lets KROT_* variables override the file.
func (c *Config) applyEnvOverrides() {
	// APP
	if v, ok := getEnvStr("KROT_APP_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("KROT_LOG_LEVEL"); ok {
		c.App.LogLevel = v
	}

	// ROTATION
	if v, ok := getEnvStr("KROT_ROTATION_PROFILE"); ok {
		c.Rotation.Profile = v
	}
	if v, ok := getEnvDur("KROT_ROTATION_TIME_TO_PROMOTION"); ok {
		c.Rotation.TimeToPromotion = v
	}
	if v, ok := getEnvDur("KROT_ROTATION_TIME_AS_PRIMARY"); ok {
		c.Rotation.TimeAsPrimary = v
	}
	if v, ok := getEnvDur("KROT_ROTATION_TIME_AS_RETAINED"); ok {
		c.Rotation.TimeAsRetained = v
	}
	if v, ok := getEnvDur("KROT_ROTATION_POLL_INTERVAL"); ok {
		c.Rotation.PollInterval = v
	}
	if v, ok := getEnvInt("KROT_ROTATION_KEY_SIZE"); ok {
		c.Rotation.KeySize = v
	}

	// SERVER
	if v, ok := getEnvStr("KROT_SERVER_ADDR"); ok {
		c.Server.Addr = v
	}

	// JWKS
	if v, ok := getEnvStr("KROT_JWKS_URL"); ok {
		c.JWKS.URL = v
	}
	if v, ok := getEnvDur("KROT_JWKS_FETCH_TIMEOUT"); ok {
		c.JWKS.FetchTimeout = v
	}
	if v, ok := getEnvDur("KROT_JWKS_CACHE_TTL"); ok {
		c.JWKS.CacheTTL = v
	}

	// TOKENS
	if v, ok := getEnvStr("KROT_TOKEN_ISSUER"); ok {
		c.Tokens.Issuer = v
	}
	if v, ok := getEnvCSV("KROT_TOKEN_ACTIVATION_AUDIENCE"); ok {
		c.Tokens.ActivationAudience = v
	}
	if v, ok := getEnvCSV("KROT_TOKEN_GET_AUDIENCE"); ok {
		c.Tokens.GetAudience = v
	}
	if v, ok := getEnvCSV("KROT_TOKEN_SET_AUDIENCE"); ok {
		c.Tokens.SetAudience = v
	}

	// ACTIVATION
	if v, ok := getEnvStr("KROT_ACTIVATION_PRODUCTION_DOMAIN"); ok {
		c.Activation.ProductionDomain = strings.ToLower(v)
	}
	if v, ok := getEnvStr("KROT_ACTIVATION_QA_DOMAIN"); ok {
		c.Activation.QADomain = strings.ToLower(v)
	}
}

// Policy resolves the rotation profile and applies the duration overrides.
func (c *Config) Policy() (krot.Policy, error) {
	policy, err := krot.PolicyByName(c.Rotation.Profile)
	if err != nil {
		return krot.Policy{}, err
	}

	if c.Rotation.TimeToPromotion != 0 {
		policy.TimeToPromotion = c.Rotation.TimeToPromotion
	}
	if c.Rotation.TimeAsPrimary != 0 {
		policy.TimeAsPrimary = c.Rotation.TimeAsPrimary
	}
	if c.Rotation.TimeAsRetained != 0 {
		policy.TimeAsRetained = c.Rotation.TimeAsRetained
	}
	if c.Rotation.PollInterval != 0 {
		policy.PollInterval = c.Rotation.PollInterval
	}

	if err := policy.Validate(); err != nil {
		return krot.Policy{}, err
	}

	return policy, nil
}

// Validate reports every invalid value found, joined.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Policy(); err != nil {
		errs = append(errs, err)
	}

	if err := krot.KeySize(c.Rotation.KeySize).Validate(); err != nil {
		errs = append(errs, err)
	}

	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, fmt.Errorf("%w: server.addr is empty", ErrInvalidConfig))
	}

	if c.JWKS.FetchTimeout < 0 || c.JWKS.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("%w: jwks durations cannot be negative", ErrInvalidConfig))
	}

	if c.Tokens.ActivationShortTTL <= 0 || c.Tokens.ActivationLongTTL <= 0 || c.Tokens.EntitlementTTL <= 0 {
		errs = append(errs, fmt.Errorf("%w: token lifetimes must be positive", ErrInvalidConfig))
	}

	if c.Activation.ProductionDomain == c.Activation.QADomain {
		errs = append(errs, fmt.Errorf("%w: production and QA activation domains must differ", ErrInvalidConfig))
	}

	return errors.Join(errs...)
}
