// Package config loads the icapd settings through viper.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete server configuration.
type Config struct {
	Listen         string        `mapstructure:"listen" json:"listen"`
	Port           int           `mapstructure:"port" json:"port"`
	PIDFile        string        `mapstructure:"pid_file" json:"pid_file"`
	LogFile        string        `mapstructure:"log_file" json:"log_file"`
	LogLevel       string        `mapstructure:"log_level" json:"log_level"`
	LogFormat      string        `mapstructure:"log_format" json:"log_format"`
	MaxConnections int           `mapstructure:"max_connections" json:"max_connections"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes" json:"max_header_bytes"`
	MaxLineBytes   int           `mapstructure:"max_line_bytes" json:"max_line_bytes"`
	CommTimeout    time.Duration `mapstructure:"comm_timeout" json:"comm_timeout"`
	Service        string        `mapstructure:"service" json:"service"`
	OptionsTTL     int           `mapstructure:"options_ttl" json:"options_ttl"`
	PreviewSize    int           `mapstructure:"preview_size" json:"preview_size"`

	TLS         TLSConfig       `mapstructure:"tls" json:"tls"`
	Metrics     MetricsConfig   `mapstructure:"metrics" json:"metrics"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit" json:"rate_limit"`
	ReqHandlers []ReqHandler    `mapstructure:"req_handlers" json:"req_handlers"`
	Modules     ModulesConfig   `mapstructure:"modules" json:"modules"`
}

// TLSConfig enables TLS on the ICAP listener when both files are set.
type TLSConfig struct {
	CertFile string `mapstructure:"cert_file" json:"cert_file"`
	KeyFile  string `mapstructure:"key_file" json:"key_file"`
}

// Enabled reports whether a certificate is configured.
func (t TLSConfig) Enabled() bool { return t.CertFile != "" && t.KeyFile != "" }

// MetricsConfig sets the address of the Prometheus endpoint. Empty disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" json:"addr"`
}

// RateLimitConfig bounds the exchanges per client address. A zero
// MaxAttempts disables limiting.
type RateLimitConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" json:"max_attempts"`
	Window      time.Duration `mapstructure:"window" json:"window"`
	Block       time.Duration `mapstructure:"block" json:"block"`
}

// ReqHandler binds an ICAP method to an ordered list of modules.
type ReqHandler struct {
	Handler string   `mapstructure:"handler" json:"handler"`
	Modules []Module `mapstructure:"modules" json:"modules"`
}

// Module names a modifier instance and the implementation behind it.
type Module struct {
	Name   string `mapstructure:"name" json:"name"`
	Module string `mapstructure:"module" json:"module"`
}

// ModulesConfig holds per-module settings.
type ModulesConfig struct {
	Tokenizer TokenizerConfig `mapstructure:"tokenizer" json:"tokenizer"`
}

// TokenizerConfig configures the card tokenizing module.
type TokenizerConfig struct {
	DSN           string `mapstructure:"dsn" json:"-"`
	EncryptionKey string `mapstructure:"encryption_key" json:"-"`
	Passphrase    string `mapstructure:"passphrase" json:"-"`
	Salt          string `mapstructure:"salt" json:"salt"`
	TokenFormat   string `mapstructure:"token_format" json:"token_format"`
}

// SetDefaults registers the default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", "")
	v.SetDefault("port", 1344)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("max_connections", 100)
	v.SetDefault("max_header_bytes", 64<<10)
	v.SetDefault("max_line_bytes", 4096)
	v.SetDefault("comm_timeout", 30*time.Second)
	v.SetDefault("service", "")
	v.SetDefault("options_ttl", 3600)
	v.SetDefault("preview_size", 1024)
	v.SetDefault("rate_limit.max_attempts", 0)
	v.SetDefault("rate_limit.window", time.Minute)
	v.SetDefault("rate_limit.block", 5*time.Minute)
	v.SetDefault("modules.tokenizer.token_format", "prefix")
	v.SetDefault("modules.tokenizer.salt", "icapd")
	v.SetDefault("req_handlers", []map[string]interface{}{
		{"handler": "REQMOD", "modules": []map[string]interface{}{{"name": "echo", "module": "echo"}}},
		{"handler": "RESPMOD", "modules": []map[string]interface{}{{"name": "echo", "module": "echo"}}},
	})
}

// Load decodes the settings held by v and validates them.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	for i := range cfg.ReqHandlers {
		cfg.ReqHandlers[i].Handler = strings.ToUpper(strings.TrimSpace(cfg.ReqHandlers[i].Handler))
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

// Address returns the listen address of the ICAP server.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Listen, strconv.Itoa(c.Port))
}

// Handlers returns the modules bound to method, in order.
func (c *Config) Handlers(method string) []Module {
	for _, h := range c.ReqHandlers {
		if h.Handler == method {
			return h.Modules
		}
	}
	return nil
}
