package config

import (
	"fmt"
	"strings"
)

// ValidationError reports one invalid setting.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   string `json:"value,omitempty"`
}

func (e ValidationError) Error() string {
	if e.Value == "" {
		return e.Field + ": " + e.Message
	}
	return fmt.Sprintf("%s: %s (got %q)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every invalid setting of a Config.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field, msg string, value interface{}) {
		v := ""
		if value != nil {
			v = fmt.Sprintf("%v", value)
		}
		errs = append(errs, ValidationError{Field: field, Message: msg, Value: v})
	}

	if c.Port < 1 || c.Port > 65535 {
		add("port", "must be between 1 and 65535", c.Port)
	}
	if c.MaxConnections < 1 {
		add("max_connections", "must be positive", c.MaxConnections)
	}
	if c.MaxHeaderBytes < 256 {
		add("max_header_bytes", "must be at least 256", c.MaxHeaderBytes)
	}
	if c.MaxLineBytes < 16 {
		add("max_line_bytes", "must be at least 16", c.MaxLineBytes)
	}
	if c.CommTimeout < 0 {
		add("comm_timeout", "must not be negative", c.CommTimeout)
	}
	if c.PreviewSize < 0 {
		add("preview_size", "must not be negative", c.PreviewSize)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		add("log_format", "must be console or json", c.LogFormat)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		add("tls", "cert_file and key_file must be set together", nil)
	}
	if c.RateLimit.MaxAttempts > 0 && c.RateLimit.Window <= 0 {
		add("rate_limit.window", "must be positive when limiting", c.RateLimit.Window)
	}

	seen := make(map[string]bool)
	for i, h := range c.ReqHandlers {
		field := fmt.Sprintf("req_handlers[%d]", i)
		switch h.Handler {
		case "REQMOD", "RESPMOD":
		default:
			add(field+".handler", "must be REQMOD or RESPMOD", h.Handler)
			continue
		}
		if seen[h.Handler] {
			add(field+".handler", "declared twice", h.Handler)
		}
		seen[h.Handler] = true
		for j, m := range h.Modules {
			if m.Name == "" || m.Module == "" {
				add(fmt.Sprintf("%s.modules[%d]", field, j), "name and module are required", nil)
			}
		}
	}

	switch c.Modules.Tokenizer.TokenFormat {
	case "prefix", "luhn":
	default:
		add("modules.tokenizer.token_format", "must be prefix or luhn", c.Modules.Tokenizer.TokenFormat)
	}
	return errs
}
