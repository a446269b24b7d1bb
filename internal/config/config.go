// ABOUTME: Configuration loading and parsing for coven-a2a agents and the relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-a2a/internal/envelope"
)

// Defaults applied by Load when a field is unset.
const (
	DefaultReceiveTimeout    = 10 * time.Second
	DefaultCyclePeriod       = 5 * time.Second
	DefaultSendTimeout       = 10 * time.Second
	DefaultDialTimeout       = 30 * time.Second
	DefaultShutdownTimeout   = 15 * time.Second
	DefaultTokenTTL          = time.Hour
	DefaultMailboxSize       = 64
	DefaultRelayAddr         = ":8740"
	DefaultCompletionTimeout = time.Minute
)

// MinJWTSecretLength is the shortest relay.jwt_secret accepted.
const MinJWTSecretLength = 32

// Transport kinds.
const (
	TransportMemory = "memory"
	TransportRelay  = "relay"
	TransportMatrix = "matrix"
)

// Completion providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config represents the complete coven-a2a configuration
type Config struct {
	Agents     []AgentConfig    `yaml:"agents" toml:"agents"`
	Transport  TransportConfig  `yaml:"transport" toml:"transport"`
	Journal    JournalConfig    `yaml:"journal" toml:"journal"`
	Relay      RelayConfig      `yaml:"relay" toml:"relay"`
	Completion CompletionConfig `yaml:"completion" toml:"completion"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`

	ShutdownTimeout    time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// AgentConfig describes one agent loop
type AgentConfig struct {
	Name     string `yaml:"name" toml:"name"`
	Address  string `yaml:"address" toml:"address"`
	Password string `yaml:"password" toml:"password"`
	Peer     string `yaml:"peer" toml:"peer"`
	Greeting string `yaml:"greeting" toml:"greeting"`
	// ReactTo limits reactions to these envelope kinds ("greeting", "response").
	ReactTo []string `yaml:"react_to" toml:"react_to"`
	// UseCompletion answers inbound envelopes through the completion section.
	UseCompletion bool `yaml:"use_completion" toml:"use_completion"`

	ReceiveTimeout time.Duration `yaml:"-" toml:"-"`
	CyclePeriod    time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ReceiveTimeoutRaw string `yaml:"receive_timeout" toml:"receive_timeout"`
	CyclePeriodRaw    string `yaml:"cycle_period" toml:"cycle_period"`
}

// ReactKinds returns ReactTo parsed into envelope kinds.
func (a AgentConfig) ReactKinds() ([]envelope.Kind, error) {
	kinds := make([]envelope.Kind, 0, len(a.ReactTo))
	for _, s := range a.ReactTo {
		k, err := envelope.ParseKind(s)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// TransportConfig selects and configures the transport shared by all agents
type TransportConfig struct {
	Kind string `yaml:"kind" toml:"kind"`
	// RelayURL is the relay's base URL, e.g. "http://localhost:8740".
	RelayURL string `yaml:"relay_url" toml:"relay_url"`
	// Homeserver is the Matrix homeserver URL.
	Homeserver string `yaml:"homeserver" toml:"homeserver"`

	SendTimeout    time.Duration `yaml:"-" toml:"-"`
	DialTimeout    time.Duration `yaml:"-" toml:"-"`
	SendTimeoutRaw string        `yaml:"send_timeout" toml:"send_timeout"`
	DialTimeoutRaw string        `yaml:"dial_timeout" toml:"dial_timeout"`
}

// JournalConfig holds the optional envelope journal location
type JournalConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// RelayConfig holds relay server configuration
type RelayConfig struct {
	HTTPAddr    string `yaml:"http_addr" toml:"http_addr"`
	Database    string `yaml:"database" toml:"database"`
	JWTSecret   string `yaml:"jwt_secret" toml:"jwt_secret"`
	MailboxSize int    `yaml:"mailbox_size" toml:"mailbox_size"`

	TokenTTL    time.Duration `yaml:"-" toml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl" toml:"token_ttl"`
}

// CompletionConfig configures the hosted completion backend
type CompletionConfig struct {
	Provider string `yaml:"provider" toml:"provider"`
	APIKey   string `yaml:"api_key" toml:"api_key"`
	// AssistantID is the OpenAI assistant that runs each request.
	AssistantID string `yaml:"assistant_id" toml:"assistant_id"`
	// Model is the Anthropic model name.
	Model        string `yaml:"model" toml:"model"`
	Instructions string `yaml:"instructions" toml:"instructions"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Parse decodes configuration bytes, expands environment variables,
// parses durations and applies defaults. It does not validate.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func parseDuration(dst *time.Duration, raw, name string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing %s %q: %w", name, raw, err)
	}
	*dst = d
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if err := parseDuration(&cfg.ShutdownTimeout, cfg.ShutdownTimeoutRaw, "shutdown_timeout"); err != nil {
		return err
	}
	if err := parseDuration(&cfg.Transport.SendTimeout, cfg.Transport.SendTimeoutRaw, "transport.send_timeout"); err != nil {
		return err
	}
	if err := parseDuration(&cfg.Transport.DialTimeout, cfg.Transport.DialTimeoutRaw, "transport.dial_timeout"); err != nil {
		return err
	}
	if err := parseDuration(&cfg.Relay.TokenTTL, cfg.Relay.TokenTTLRaw, "relay.token_ttl"); err != nil {
		return err
	}
	if err := parseDuration(&cfg.Completion.Timeout, cfg.Completion.TimeoutRaw, "completion.timeout"); err != nil {
		return err
	}

	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		if err := parseDuration(&a.ReceiveTimeout, a.ReceiveTimeoutRaw, fmt.Sprintf("agents[%d].receive_timeout", i)); err != nil {
			return err
		}
		if err := parseDuration(&a.CyclePeriod, a.CyclePeriodRaw, fmt.Sprintf("agents[%d].cycle_period", i)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Transport.Kind == "" {
		c.Transport.Kind = TransportMemory
	}
	if c.Transport.SendTimeout == 0 {
		c.Transport.SendTimeout = DefaultSendTimeout
	}
	if c.Transport.DialTimeout == 0 {
		c.Transport.DialTimeout = DefaultDialTimeout
	}
	if c.Relay.HTTPAddr == "" {
		c.Relay.HTTPAddr = DefaultRelayAddr
	}
	if c.Relay.TokenTTL == 0 {
		c.Relay.TokenTTL = DefaultTokenTTL
	}
	if c.Relay.MailboxSize == 0 {
		c.Relay.MailboxSize = DefaultMailboxSize
	}
	if c.Completion.Timeout == 0 {
		c.Completion.Timeout = DefaultCompletionTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	for i := range c.Agents {
		a := &c.Agents[i]
		if a.ReceiveTimeout == 0 {
			a.ReceiveTimeout = DefaultReceiveTimeout
		}
		if a.CyclePeriod == 0 {
			a.CyclePeriod = DefaultCyclePeriod
		}
		if a.Greeting == "" {
			a.Greeting = fmt.Sprintf("Hello from %s!", a.Name)
		}
		if a.Address == "" && c.Transport.Kind == TransportMemory {
			a.Address = a.Name
		}
	}
}

// Validate checks the agent, transport, completion and logging sections.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}

	if err := c.validateTransport(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if err := c.validateAgent(i, a); err != nil {
			return err
		}
		if seen[a.Name] {
			return fmt.Errorf("agents[%d].name %q is used more than once", i, a.Name)
		}
		seen[a.Name] = true
		if a.UseCompletion && c.Completion.Provider == "" {
			return fmt.Errorf("agents[%d].use_completion requires completion.provider", i)
		}
	}

	return c.validateCompletion()
}

func (c *Config) validateTransport() error {
	t := c.Transport
	if t.SendTimeout < 0 || t.DialTimeout < 0 {
		return fmt.Errorf("transport timeouts must be positive")
	}
	switch t.Kind {
	case TransportMemory:
		return nil
	case TransportRelay:
		if t.RelayURL == "" {
			return fmt.Errorf("transport.relay_url is required for the relay transport")
		}
		return validateHTTPURL("transport.relay_url", t.RelayURL)
	case TransportMatrix:
		if t.Homeserver == "" {
			return fmt.Errorf("transport.homeserver is required for the matrix transport")
		}
		return validateHTTPURL("transport.homeserver", t.Homeserver)
	default:
		return fmt.Errorf("transport.kind must be memory, relay or matrix (got %q)", t.Kind)
	}
}

func validateHTTPURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme", field)
	}
	return nil
}

func (c *Config) validateAgent(i int, a AgentConfig) error {
	if a.Name == "" {
		return fmt.Errorf("agents[%d].name is required", i)
	}
	if a.Peer == "" {
		return fmt.Errorf("agents[%d].peer is required", i)
	}
	if a.Address == "" {
		return fmt.Errorf("agents[%d].address is required", i)
	}
	if a.ReceiveTimeout < 0 || a.CyclePeriod < 0 {
		return fmt.Errorf("agents[%d] durations must be positive", i)
	}
	if _, err := a.ReactKinds(); err != nil {
		return fmt.Errorf("agents[%d].react_to: %w", i, err)
	}

	switch c.Transport.Kind {
	case TransportRelay:
		if a.Password == "" {
			return fmt.Errorf("agents[%d].password is required for the relay transport", i)
		}
	case TransportMatrix:
		if a.Password == "" {
			return fmt.Errorf("agents[%d].password is required for the matrix transport", i)
		}
		if !strings.HasPrefix(a.Address, "@") || !strings.Contains(a.Address, ":") {
			return fmt.Errorf("agents[%d].address must be a matrix user id like @name:server", i)
		}
	}
	return nil
}

func (c *Config) validateCompletion() error {
	comp := c.Completion
	switch comp.Provider {
	case "":
		return nil
	case ProviderOpenAI:
		if comp.AssistantID == "" {
			return fmt.Errorf("completion.assistant_id is required for the openai provider")
		}
	case ProviderAnthropic:
		if comp.Model == "" {
			return fmt.Errorf("completion.model is required for the anthropic provider")
		}
	default:
		return fmt.Errorf("completion.provider must be openai or anthropic (got %q)", comp.Provider)
	}
	if comp.Timeout < 0 {
		return fmt.Errorf("completion.timeout must be positive")
	}
	return nil
}

// ValidateRelay checks the relay section for running the relay server.
func (c *Config) ValidateRelay() error {
	if c.Relay.Database == "" {
		return fmt.Errorf("relay.database is required")
	}
	if len(c.Relay.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("relay.jwt_secret must be at least %d bytes", MinJWTSecretLength)
	}
	if c.Relay.TokenTTL < 0 {
		return fmt.Errorf("relay.token_ttl must be positive")
	}
	if c.Relay.MailboxSize < 0 {
		return fmt.Errorf("relay.mailbox_size must be positive")
	}
	return nil
}

// ResolvePath picks the config file: the flag value if set, then
// A2A_CONFIG, then $XDG_CONFIG_HOME/coven-a2a/<name>.
func ResolvePath(flagValue, name string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv("A2A_CONFIG"); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return name
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "coven-a2a", name)
}
