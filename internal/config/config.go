// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the signer.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shineum/smime-signer/internal/certstore"
	"github.com/shineum/smime-signer/internal/session"
	"github.com/shineum/smime-signer/internal/smime"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Run modes.
const (
	ModeMilter = "milter"
	ModeRelay  = "relay"
)

// Config holds the complete application configuration.
type Config struct {
	// Mode selects the host: "milter" (default) or "relay".
	Mode string `yaml:"mode"`

	// Provider selects the relay delivery backend: "stdout", "ses" or
	// "graph". Empty picks the first configured backend.
	Provider string `yaml:"provider"`

	Milter  MilterConfig  `yaml:"milter"`
	SMTP    SMTPConfig    `yaml:"smtp"`
	SES     SESConfig     `yaml:"ses"`
	Graph   GraphConfig   `yaml:"graph"`
	Signing SigningConfig `yaml:"signing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// MilterConfig holds the milter listener configuration.
type MilterConfig struct {
	Network string `yaml:"network"`
	Address string `yaml:"address"`
}

// SMTPConfig holds SMTP relay configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// SigningConfig holds S/MIME signing configuration.
type SigningConfig struct {
	// Mode is "detached" (multipart/signed) or "enveloping"
	// (application/pkcs7-mime).
	Mode string `yaml:"mode"`

	// OnFailure is "accept", "tempfail" or "reject".
	OnFailure string `yaml:"on_failure"`

	Signers []SignerConfig `yaml:"signers"`
}

// SignerConfig registers key material for one sender address.
type SignerConfig struct {
	Address          string `yaml:"address"`
	CertFile         string `yaml:"cert_file"`
	KeyFile          string `yaml:"key_file"`
	IntermediateFile string `yaml:"intermediate_file"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	// Listen is the address of the /metrics endpoint. Empty disables it.
	Listen string `yaml:"listen"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// Validate checks the configuration for values the signer cannot run with.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	switch c.Mode {
	case ModeMilter:
		if c.Milter.Network != "tcp" && c.Milter.Network != "unix" {
			errs = append(errs, fmt.Errorf("milter.network must be tcp or unix, got %q", c.Milter.Network))
		}
		if c.Milter.Address == "" {
			errs = append(errs, errors.New("milter.address is required"))
		}
	case ModeRelay:
		switch c.Provider {
		case "", "stdout":
		case "ses":
			if !c.SESConfigured() {
				errs = append(errs, errors.New("provider ses requires ses.region"))
			}
		case "graph":
			if !c.GraphConfigured() {
				errs = append(errs, errors.New("provider graph requires graph.tenant_id, client_id, client_secret and sender"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
		}
		if c.SMTP.MaxMessageSize <= 0 {
			errs = append(errs, fmt.Errorf("smtp.max_message_size must be positive, got %d", c.SMTP.MaxMessageSize))
		}
	default:
		errs = append(errs, fmt.Errorf("mode must be %s or %s, got %q", ModeMilter, ModeRelay, c.Mode))
	}

	if _, err := c.SigningMode(); err != nil {
		errs = append(errs, fmt.Errorf("signing.mode: %w", err))
	}
	if _, err := c.FailurePolicy(); err != nil {
		errs = append(errs, fmt.Errorf("signing.on_failure: %w", err))
	}

	seen := make(map[string]bool)
	for i, s := range c.Signing.Signers {
		switch {
		case s.Address == "":
			errs = append(errs, fmt.Errorf("signing.signers[%d]: address is required", i))
		case s.CertFile == "":
			errs = append(errs, fmt.Errorf("signing.signers[%d] (%s): cert_file is required", i, s.Address))
		case seen[s.Address]:
			errs = append(errs, fmt.Errorf("signing.signers[%d]: duplicate address %s", i, s.Address))
		}
		seen[s.Address] = true
	}

	return errors.Join(errs...)
}

// SigningMode returns the parsed signing.mode.
func (c *Config) SigningMode() (smime.Mode, error) {
	return smime.ParseMode(c.Signing.Mode)
}

// FailurePolicy returns the parsed signing.on_failure.
func (c *Config) FailurePolicy() (session.FailurePolicy, error) {
	return session.ParseFailurePolicy(c.Signing.OnFailure)
}

// Identities returns the configured signers as certificate store entries.
func (c *Config) Identities() []certstore.Identity {
	ids := make([]certstore.Identity, 0, len(c.Signing.Signers))
	for _, s := range c.Signing.Signers {
		ids = append(ids, certstore.Identity{
			Address:          s.Address,
			CertFile:         s.CertFile,
			KeyFile:          s.KeyFile,
			IntermediateFile: s.IntermediateFile,
		})
	}
	return ids
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// SESConfigured returns true if an SES region is set. Credentials may come
// from the default AWS chain and the sender defaults to the envelope sender.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != ""
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Mode = ModeMilter
	c.Milter.Network = "tcp"
	c.Milter.Address = "127.0.0.1:8891"
	c.SMTP.Listen = ":2525"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.Signing.Mode = "detached"
	c.Signing.OnFailure = "accept"
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
// Signers are configured in the YAML file only.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("MODE"); v != "" {
		c.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	if v := os.Getenv("MILTER_NETWORK"); v != "" {
		c.Milter.Network = strings.ToLower(v)
	}
	if v := os.Getenv("MILTER_ADDRESS"); v != "" {
		c.Milter.Address = v
	}

	if v := os.Getenv("SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		c.SMTP.Hostname = v
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		c.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.SES.Sender = v
	}

	if v := os.Getenv("GRAPH_TENANT_ID"); v != "" {
		c.Graph.TenantID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_ID"); v != "" {
		c.Graph.ClientID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_SECRET"); v != "" {
		c.Graph.ClientSecret = v
	}
	if v := os.Getenv("GRAPH_SENDER"); v != "" {
		c.Graph.Sender = v
	}

	if v := os.Getenv("SIGNING_MODE"); v != "" {
		c.Signing.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("SIGNING_ON_FAILURE"); v != "" {
		c.Signing.OnFailure = strings.ToLower(v)
	}

	if v := os.Getenv("METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}
