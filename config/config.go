// Package config loads the cmpauth service configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jmcleod/cmpauth/auth"
	"github.com/jmcleod/cmpauth/internal/util"
)

// Common errors
var (
	ErrConfigurationError = errors.New("configuration error")
	ErrNoPassphrase       = errors.New("no storage passphrase configured")
)

// DefaultPassphraseEnv is the environment variable consulted for the storage
// passphrase when none is set in the file.
const DefaultPassphraseEnv = "CMPAUTH_PASSPHRASE"

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error { return ErrConfigurationError }

// Config is the top-level service configuration.
type Config struct {
	Server   ServerConfig            `yaml:"server"`
	Storage  StorageConfig           `yaml:"storage"`
	Logging  LoggingConfig           `yaml:"logging"`
	Operator OperatorConfig          `yaml:"operator"`
	Aliases  map[string]*AliasConfig `yaml:"aliases" validate:"dive,keys,required,printascii,excludesall=/,endkeys,required"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Listen string `yaml:"listen" validate:"required,hostname_port"`
	// TLSCert and TLSKey name PEM files. When both are empty the server
	// generates a self-signed certificate at startup.
	TLSCert string `yaml:"tls_cert" validate:"required_with=TLSKey"`
	TLSKey  string `yaml:"tls_key" validate:"required_with=TLSCert"`
	// Insecure serves plain HTTP, for use behind a TLS-terminating proxy.
	Insecure bool `yaml:"insecure"`
	// TrustedProxies are CIDRs whose forwarding headers are honored when
	// determining the client address.
	TrustedProxies []string `yaml:"trusted_proxies" validate:"dive,cidr"`
	// MaxBodyBytes caps the size of a CMP request body.
	MaxBodyBytes int64           `yaml:"max_body_bytes" validate:"gte=0"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	// AlertWebhook receives rejection-spike alerts as JSON when set.
	AlertWebhook string `yaml:"alert_webhook" validate:"omitempty,url"`
	// AuditWebhook receives every audit event as JSON when set.
	AuditWebhook string `yaml:"audit_webhook" validate:"omitempty,url"`
	// AuditWebhookAuth is sent with audit events, as "Header: Value".
	AuditWebhookAuth string `yaml:"audit_webhook_auth"`
}

// RateLimitConfig bounds the request rate per client address.
type RateLimitConfig struct {
	// RequestsPerSecond of zero disables the token bucket.
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
}

// StorageConfig selects the record repository backend.
type StorageConfig struct {
	Backend string `yaml:"backend" validate:"required,oneof=memory bbolt postgres"`
	// Path is the bbolt database file.
	Path string `yaml:"path" validate:"required_if=Backend bbolt"`
	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn" validate:"required_if=Backend postgres"`
	// Passphrase unlocks the record key. Prefer PassphraseEnv.
	Passphrase    string              `yaml:"passphrase"`
	PassphraseEnv string              `yaml:"passphrase_env"`
	KDF           util.Argon2idParams `yaml:"kdf"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
	// Output is "stderr", "stdout" or a file path.
	Output string `yaml:"output" validate:"required"`
}

// OperatorConfig names the administrator identity CMP requests are processed
// under. Its access rules live in the directory.
type OperatorConfig struct {
	Name string `yaml:"name" validate:"required"`
}

// AliasConfig is the YAML form of auth.AliasConfig.
type AliasConfig struct {
	RAMode                   bool         `yaml:"ra_mode"`
	VendorMode               bool         `yaml:"vendor_mode"`
	OmitVerifications        bool         `yaml:"omit_verifications"`
	VendorCAs                VendorCAList `yaml:"vendor_cas"`
	RAEndEntityProfile       string       `yaml:"ra_end_entity_profile"`
	RACAName                 string       `yaml:"ra_ca_name"`
	ExtractUsernameComponent string       `yaml:"extract_username_component"`
}

// VendorCAList is an ordered list of CA names. In YAML it may be written as
// a sequence or as a single ';'-separated string.
type VendorCAList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *VendorCAList) UnmarshalYAML(node *yaml.Node) error {
	var raw []string
	switch node.Kind {
	case yaml.ScalarNode:
		raw = strings.Split(node.Value, ";")
	case yaml.SequenceNode:
		if err := node.Decode(&raw); err != nil {
			return err
		}
	default:
		return fmt.Errorf("line %d: vendor_cas must be a string or a list", node.Line)
	}
	out := make(VendorCAList, 0, len(raw))
	for _, name := range raw {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	*l = out
	return nil
}

// ToAuth converts to the engine's alias configuration.
func (a *AliasConfig) ToAuth() auth.AliasConfig {
	return auth.AliasConfig{
		RAMode:                   a.RAMode,
		VendorMode:               a.VendorMode,
		OmitVerifications:        a.OmitVerifications,
		VendorCAs:                append([]string(nil), a.VendorCAs...),
		RAEndEntityProfile:       a.RAEndEntityProfile,
		RACAName:                 a.RACAName,
		ExtractUsernameComponent: a.ExtractUsernameComponent,
	}
}

// Alias implements auth.AliasSource.
func (c *Config) Alias(name string) (auth.AliasConfig, bool) {
	a, ok := c.Aliases[name]
	if !ok || a == nil {
		return auth.AliasConfig{}, false
	}
	return a.ToAuth(), true
}

// AliasNames returns the configured alias names in order.
func (c *Config) AliasNames() []string {
	names := make([]string, 0, len(c.Aliases))
	for name := range c.Aliases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OperatorPrincipal returns the operator identity as an auth principal.
func (c *Config) OperatorPrincipal() auth.Principal {
	return auth.Principal{Kind: auth.PrincipalOperator, ID: c.Operator.Name}
}

// Load reads, expands, defaults and validates the configuration at path.
// ${VAR} references are expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes, defaults and validates YAML configuration. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ConfigError{Message: err.Error()}
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns a configuration with every default applied and an
// in-memory store, suitable for tests and demos.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// SetDefaults fills zero-valued fields.
func (c *Config) SetDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8443"
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Server.RateLimit.RequestsPerSecond > 0 && c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = max(1, int(c.Server.RateLimit.RequestsPerSecond))
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.PassphraseEnv == "" {
		c.Storage.PassphraseEnv = DefaultPassphraseEnv
	}
	if c.Storage.KDF == (util.Argon2idParams{}) {
		c.Storage.KDF = util.DefaultArgon2idParams()
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stderr"
	}
	if c.Operator.Name == "" {
		c.Operator.Name = "cmp"
	}
	for _, a := range c.Aliases {
		if a != nil && a.ExtractUsernameComponent == "" {
			a.ExtractUsernameComponent = "CN"
		}
	}
}

var validate = validator.New()

// Validate checks struct constraints. Mode combinations that are invalid for
// a request, such as RA and vendor mode together, are left to the engine,
// which rejects them per request; see Warnings.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return c.validateKDF()
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ConfigError{Message: err.Error()}
	}
	msgs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, &ConfigError{
			Field:   strings.TrimPrefix(fe.Namespace(), "Config."),
			Message: fmt.Sprintf("failed %q constraint", fieldRule(fe)),
		})
	}
	return errors.Join(msgs...)
}

func fieldRule(fe validator.FieldError) string {
	if fe.Param() != "" {
		return fe.Tag() + "=" + fe.Param()
	}
	return fe.Tag()
}

func (c *Config) validateKDF() error {
	k := c.Storage.KDF
	if k.Time == 0 || k.MemoryKiB < 8*uint32(k.Parallelism) || k.Parallelism == 0 {
		return &ConfigError{Field: "storage.kdf", Message: "time, memory and parallelism must be positive"}
	}
	return nil
}

// Warnings reports alias settings that will make the engine reject every
// matching request. They are not load errors.
func (c *Config) Warnings() []string {
	var out []string
	for _, name := range c.AliasNames() {
		a := c.Aliases[name]
		switch {
		case a.RAMode && a.VendorMode:
			out = append(out, fmt.Sprintf("alias %q: ra_mode and vendor_mode are both enabled", name))
		case a.OmitVerifications && !a.RAMode:
			out = append(out, fmt.Sprintf("alias %q: omit_verifications requires ra_mode", name))
		case a.VendorMode && len(a.VendorCAs) == 0:
			out = append(out, fmt.Sprintf("alias %q: vendor_mode without vendor_cas", name))
		case a.RAMode && a.RACAName == "" && !a.OmitVerifications:
			out = append(out, fmt.Sprintf("alias %q: ra_mode without ra_ca_name", name))
		}
	}
	return out
}

// StoragePassphrase returns the configured passphrase, falling back to the
// PassphraseEnv environment variable.
func (c *Config) StoragePassphrase() (string, error) {
	if c.Storage.Passphrase != "" {
		return c.Storage.Passphrase, nil
	}
	if v := os.Getenv(c.Storage.PassphraseEnv); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: set storage.passphrase or $%s", ErrNoPassphrase, c.Storage.PassphraseEnv)
}
