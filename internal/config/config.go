package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// globalConfig stores the configuration loaded with command-line overrides
// This allows other packages to access the same configuration that was loaded by the server
var (
	globalConfig *Config
	configMutex  sync.Mutex
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	RDP      RDPConfig      `json:"rdp" yaml:"rdp"`
	Security SecurityConfig `json:"security" yaml:"security"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
}

// LoadOptions holds command-line override options
type LoadOptions struct {
	Host              string
	Port              string
	LogLevel          string
	ConfigFile        string
	SkipTLSValidation bool
	TLSServerName     string
	UseNLA            bool
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host         string        `json:"host" yaml:"host" env:"SERVER_HOST" default:"0.0.0.0"`
	Port         string        `json:"port" yaml:"port" env:"SERVER_PORT" default:"8080"`
	ReadTimeout  time.Duration `json:"readTimeout" yaml:"readTimeout" env:"SERVER_READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `json:"writeTimeout" yaml:"writeTimeout" env:"SERVER_WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration `json:"idleTimeout" yaml:"idleTimeout" env:"SERVER_IDLE_TIMEOUT" default:"120s"`
}

// RDPConfig holds RDP-specific configuration
type RDPConfig struct {
	DefaultWidth  int           `json:"defaultWidth" yaml:"defaultWidth" env:"RDP_DEFAULT_WIDTH" default:"1024"`
	DefaultHeight int           `json:"defaultHeight" yaml:"defaultHeight" env:"RDP_DEFAULT_HEIGHT" default:"768"`
	MaxWidth      int           `json:"maxWidth" yaml:"maxWidth" env:"RDP_MAX_WIDTH" default:"3840"`
	MaxHeight     int           `json:"maxHeight" yaml:"maxHeight" env:"RDP_MAX_HEIGHT" default:"2160"`
	BufferSize    int           `json:"bufferSize" yaml:"bufferSize" env:"RDP_BUFFER_SIZE" default:"65536"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout" env:"RDP_TIMEOUT" default:"10s"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	AllowedOrigins     []string `json:"allowedOrigins" yaml:"allowedOrigins" env:"ALLOWED_ORIGINS" default:""`
	MaxConnections     int      `json:"maxConnections" yaml:"maxConnections" env:"MAX_CONNECTIONS" default:"100"`
	EnableRateLimit    bool     `json:"enableRateLimit" yaml:"enableRateLimit" env:"ENABLE_RATE_LIMIT" default:"true"`
	RateLimitPerMinute int      `json:"rateLimitPerMinute" yaml:"rateLimitPerMinute" env:"RATE_LIMIT_PER_MINUTE" default:"60"`
	EnableTLS          bool     `json:"enableTLS" yaml:"enableTLS" env:"ENABLE_TLS" default:"false"`
	TLSCertFile        string   `json:"tlsCertFile" yaml:"tlsCertFile" env:"TLS_CERT_FILE" default:""`
	TLSKeyFile         string   `json:"tlsKeyFile" yaml:"tlsKeyFile" env:"TLS_KEY_FILE" default:""`
	MinTLSVersion      string   `json:"minTLSVersion" yaml:"minTLSVersion" env:"MIN_TLS_VERSION" default:"1.2"`
	SkipTLSValidation  bool     `json:"skipTLSValidation" yaml:"skipTLSValidation" env:"SKIP_TLS_VALIDATION" default:"false"`
	TLSServerName      string   `json:"tlsServerName" yaml:"tlsServerName" env:"TLS_SERVER_NAME" default:""`
	UseNLA             bool     `json:"useNLA" yaml:"useNLA" env:"USE_NLA" default:"true"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `json:"level" yaml:"level" env:"LOG_LEVEL" default:"info"`
	Format       string `json:"format" yaml:"format" env:"LOG_FORMAT" default:"text"`
	EnableCaller bool   `json:"enableCaller" yaml:"enableCaller" env:"LOG_ENABLE_CALLER" default:"false"`
	File         string `json:"file" yaml:"file" env:"LOG_FILE" default:""`
}

// UnmarshalYAML decodes the server section, accepting Go duration strings
// ("30s", "2m") for the timeout fields, which yaml.v3 cannot decode into
// time.Duration on its own. Fields absent from the document are left
// untouched so defaults survive.
func (c *ServerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Host         *string `yaml:"host"`
		Port         *string `yaml:"port"`
		ReadTimeout  *string `yaml:"readTimeout"`
		WriteTimeout *string `yaml:"writeTimeout"`
		IdleTimeout  *string `yaml:"idleTimeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.Host != nil {
		c.Host = *raw.Host
	}
	if raw.Port != nil {
		c.Port = *raw.Port
	}
	if err := setDuration(&c.ReadTimeout, raw.ReadTimeout, "server.readTimeout"); err != nil {
		return err
	}
	if err := setDuration(&c.WriteTimeout, raw.WriteTimeout, "server.writeTimeout"); err != nil {
		return err
	}
	return setDuration(&c.IdleTimeout, raw.IdleTimeout, "server.idleTimeout")
}

// UnmarshalYAML decodes the rdp section; see ServerConfig.UnmarshalYAML for
// the duration handling.
func (c *RDPConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		DefaultWidth  *int    `yaml:"defaultWidth"`
		DefaultHeight *int    `yaml:"defaultHeight"`
		MaxWidth      *int    `yaml:"maxWidth"`
		MaxHeight     *int    `yaml:"maxHeight"`
		BufferSize    *int    `yaml:"bufferSize"`
		Timeout       *string `yaml:"timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.DefaultWidth != nil {
		c.DefaultWidth = *raw.DefaultWidth
	}
	if raw.DefaultHeight != nil {
		c.DefaultHeight = *raw.DefaultHeight
	}
	if raw.MaxWidth != nil {
		c.MaxWidth = *raw.MaxWidth
	}
	if raw.MaxHeight != nil {
		c.MaxHeight = *raw.MaxHeight
	}
	if raw.BufferSize != nil {
		c.BufferSize = *raw.BufferSize
	}
	return setDuration(&c.Timeout, raw.Timeout, "rdp.timeout")
}

func setDuration(dst *time.Duration, src *string, field string) error {
	if src == nil {
		return nil
	}

	d, err := time.ParseDuration(*src)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", field, err)
	}
	*dst = d
	return nil
}

// defaultConfig returns a Config populated with every default value, the
// base layer that YAML, environment variables, and command-line overrides
// are applied on top of (in that order, so the environment and flags win).
func defaultConfig() *Config {
	config := &Config{}

	config.Server.Host = "0.0.0.0"
	config.Server.Port = "8080"
	config.Server.ReadTimeout = 30 * time.Second
	config.Server.WriteTimeout = 30 * time.Second
	config.Server.IdleTimeout = 120 * time.Second

	config.RDP.DefaultWidth = 1024
	config.RDP.DefaultHeight = 768
	config.RDP.MaxWidth = 3840
	config.RDP.MaxHeight = 2160
	config.RDP.BufferSize = 65536
	config.RDP.Timeout = 10 * time.Second

	config.Security.AllowedOrigins = []string{}
	config.Security.MaxConnections = 100
	config.Security.EnableRateLimit = true
	config.Security.RateLimitPerMinute = 60
	config.Security.EnableTLS = false
	config.Security.MinTLSVersion = "1.2"
	// NLA enabled by default for security; set USE_NLA=false to disable
	config.Security.UseNLA = true

	config.Logging.Level = "info"
	config.Logging.Format = "text"

	return config
}

// applyEnv overlays environment variables onto config, leaving fields whose
// variables are unset untouched.
func applyEnv(config *Config) {
	config.Server.Host = getEnvWithDefault("SERVER_HOST", config.Server.Host)
	config.Server.Port = getEnvWithDefault("SERVER_PORT", config.Server.Port)
	config.Server.ReadTimeout = getDurationWithDefault("SERVER_READ_TIMEOUT", config.Server.ReadTimeout)
	config.Server.WriteTimeout = getDurationWithDefault("SERVER_WRITE_TIMEOUT", config.Server.WriteTimeout)
	config.Server.IdleTimeout = getDurationWithDefault("SERVER_IDLE_TIMEOUT", config.Server.IdleTimeout)

	config.RDP.DefaultWidth = getIntWithDefault("RDP_DEFAULT_WIDTH", config.RDP.DefaultWidth)
	config.RDP.DefaultHeight = getIntWithDefault("RDP_DEFAULT_HEIGHT", config.RDP.DefaultHeight)
	config.RDP.MaxWidth = getIntWithDefault("RDP_MAX_WIDTH", config.RDP.MaxWidth)
	config.RDP.MaxHeight = getIntWithDefault("RDP_MAX_HEIGHT", config.RDP.MaxHeight)
	config.RDP.BufferSize = getIntWithDefault("RDP_BUFFER_SIZE", config.RDP.BufferSize)
	config.RDP.Timeout = getDurationWithDefault("RDP_TIMEOUT", config.RDP.Timeout)

	config.Security.AllowedOrigins = getStringSliceWithDefault("ALLOWED_ORIGINS", config.Security.AllowedOrigins)
	config.Security.MaxConnections = getIntWithDefault("MAX_CONNECTIONS", config.Security.MaxConnections)
	config.Security.EnableRateLimit = getBoolWithDefault("ENABLE_RATE_LIMIT", config.Security.EnableRateLimit)
	config.Security.RateLimitPerMinute = getIntWithDefault("RATE_LIMIT_PER_MINUTE", config.Security.RateLimitPerMinute)
	config.Security.EnableTLS = getBoolWithDefault("ENABLE_TLS", config.Security.EnableTLS)
	config.Security.TLSCertFile = getEnvWithDefault("TLS_CERT_FILE", config.Security.TLSCertFile)
	config.Security.TLSKeyFile = getEnvWithDefault("TLS_KEY_FILE", config.Security.TLSKeyFile)
	config.Security.MinTLSVersion = getEnvWithDefault("MIN_TLS_VERSION", config.Security.MinTLSVersion)
	config.Security.SkipTLSValidation = getBoolWithDefault("SKIP_TLS_VALIDATION", config.Security.SkipTLSValidation)
	config.Security.TLSServerName = getEnvWithDefault("TLS_SERVER_NAME", config.Security.TLSServerName)
	config.Security.UseNLA = getBoolWithDefault("USE_NLA", config.Security.UseNLA)

	config.Logging.Level = getEnvWithDefault("LOG_LEVEL", config.Logging.Level)
	config.Logging.Format = getEnvWithDefault("LOG_FORMAT", config.Logging.Format)
	config.Logging.EnableCaller = getBoolWithDefault("LOG_ENABLE_CALLER", config.Logging.EnableCaller)
	config.Logging.File = getEnvWithDefault("LOG_FILE", config.Logging.File)
}

// applyOverrides overlays command-line options, which take precedence over
// both the environment and any config file.
func applyOverrides(config *Config, opts LoadOptions) {
	if opts.Host != "" {
		config.Server.Host = opts.Host
	}
	if opts.Port != "" {
		config.Server.Port = opts.Port
	}
	if opts.LogLevel != "" {
		config.Logging.Level = opts.LogLevel
	}
	if opts.SkipTLSValidation {
		config.Security.SkipTLSValidation = true
	}
	if opts.TLSServerName != "" {
		config.Security.TLSServerName = opts.TLSServerName
	}
	if opts.UseNLA {
		config.Security.UseNLA = true
	}
}

// Load loads configuration from environment variables with defaults
func Load() (*Config, error) {
	return LoadWithOverrides(LoadOptions{})
}

// LoadWithOverrides loads configuration with command-line overrides
func LoadWithOverrides(opts LoadOptions) (*Config, error) {
	if opts.ConfigFile != "" {
		return LoadYAMLWithOverrides(opts.ConfigFile, opts)
	}

	config := defaultConfig()
	applyEnv(config)
	applyOverrides(config, opts)

	return finishLoad(config)
}

// LoadYAML loads configuration from a YAML file, with environment variables
// still applied on top of the file's values.
func LoadYAML(path string) (*Config, error) {
	return LoadYAMLWithOverrides(path, LoadOptions{})
}

// LoadYAMLWithOverrides loads configuration from a YAML file with
// command-line overrides. Precedence, lowest first: defaults, file,
// environment, command line.
func LoadYAMLWithOverrides(path string, opts LoadOptions) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	applyEnv(config)
	applyOverrides(config, opts)

	return finishLoad(config)
}

// finishLoad validates the assembled configuration and publishes it as the
// global config.
func finishLoad(config *Config) (*Config, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Store the configuration globally so other packages can access it
	configMutex.Lock()
	globalConfig = config
	configMutex.Unlock()

	return config, nil
}

// GetGlobalConfig returns the globally stored configuration
// This should be used by packages that need access to the configuration
// loaded by the server with command-line overrides
func GetGlobalConfig() *Config {
	configMutex.Lock()
	defer configMutex.Unlock()
	return globalConfig
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	if port, err := strconv.Atoi(c.Server.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid server port: %s", c.Server.Port)
	}

	// Validate RDP config
	if c.RDP.DefaultWidth <= 0 || c.RDP.DefaultHeight <= 0 {
		return fmt.Errorf("default dimensions must be positive")
	}

	if c.RDP.MaxWidth < c.RDP.DefaultWidth || c.RDP.MaxHeight < c.RDP.DefaultHeight {
		return fmt.Errorf("max dimensions must be >= default dimensions")
	}

	if c.RDP.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive")
	}

	// Validate security config
	if c.Security.EnableTLS {
		if c.Security.TLSCertFile == "" || c.Security.TLSKeyFile == "" {
			return fmt.Errorf("TLS certificate and key files must be specified when TLS is enabled")
		}

		if _, err := os.Stat(c.Security.TLSCertFile); os.IsNotExist(err) {
			return fmt.Errorf("TLS certificate file does not exist: %s", c.Security.TLSCertFile)
		}

		if _, err := os.Stat(c.Security.TLSKeyFile); os.IsNotExist(err) {
			return fmt.Errorf("TLS key file does not exist: %s", c.Security.TLSKeyFile)
		}
	}

	if c.Security.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be positive")
	}

	if c.Security.RateLimitPerMinute <= 0 {
		return fmt.Errorf("rate limit per minute must be positive")
	}

	// Validate logging config
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"text": true,
		"json": true,
	}

	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

// Helper functions for environment variable parsing
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolWithDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationWithDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getStringSliceWithDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return splitString(value, ",")
	}
	return defaultValue
}

// getOverrideOrEnv returns command-line override value, env value, or default
func getOverrideOrEnv(override, envKey, defaultValue string) string {
	if override != "" {
		return override
	}
	return getEnvWithDefault(envKey, defaultValue)
}

func splitString(s, sep string) []string {
	if s == "" {
		return []string{}
	}

	var result []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
