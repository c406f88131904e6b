// Package config loads the probe configuration from flags, environment and an optional file.
package config

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Output formats of the probe report.
const (
	OutputText = "text"
	OutputJSON = "json"
	OutputYAML = "yaml"
)

// Config is the probe configuration.
type Config struct {
	Targets     []string      `mapstructure:"targets"`
	Method      string        `mapstructure:"method"`
	Headers     []string      `mapstructure:"headers"`
	Body        string        `mapstructure:"body"`
	Concurrency int           `mapstructure:"concurrency"`
	Requests    int           `mapstructure:"requests"`
	Rate        float64       `mapstructure:"rate"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Output      string        `mapstructure:"output"`
	MetricsAddr string        `mapstructure:"metrics_addr"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracker     TrackerConfig `mapstructure:"tracker"`
	Tracing     TracingConfig `mapstructure:"tracing"`
	ConfigFile  string        `mapstructure:"-"`
}

// TrackerConfig configures the call tracker.
type TrackerConfig struct {
	TTL          time.Duration `mapstructure:"ttl"`
	MaxPending   int           `mapstructure:"max_pending"`
	CaptureLimit int64         `mapstructure:"capture_limit"`
}

// TracingConfig configures OTLP span export. Tracing is off without an endpoint.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Protocol    string  `mapstructure:"protocol"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Insecure    bool    `mapstructure:"insecure"`
}

// ValidationError lists every problem found in a Config.
type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

// Issues returns the individual problems.
func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

// Validate checks the configuration, returning a ValidationError listing all issues.
func (c Config) Validate() error {
	var issues []string

	if len(c.Targets) == 0 {
		issues = append(issues, "at least one target URL is required")
	}
	for _, target := range c.Targets {
		u, err := url.Parse(target)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			issues = append(issues, fmt.Sprintf("target %q must be an absolute http(s) URL", target))
		}
	}
	if strings.TrimSpace(c.Method) == "" {
		issues = append(issues, "method is required")
	}
	if _, err := c.Header(); err != nil {
		issues = append(issues, err.Error())
	}
	if c.Concurrency < 1 {
		issues = append(issues, "concurrency must be >= 1")
	}
	if c.Requests < 1 {
		issues = append(issues, "requests must be >= 1")
	}
	if c.Rate < 0 {
		issues = append(issues, "rate must be >= 0")
	}
	if c.Timeout < 0 {
		issues = append(issues, "timeout must be >= 0")
	}
	switch c.Output {
	case OutputText, OutputJSON, OutputYAML:
	default:
		issues = append(issues, fmt.Sprintf("output must be one of text, json, yaml, got %q", c.Output))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		issues = append(issues, fmt.Sprintf("invalid log level %q", c.LogLevel))
	}
	if c.Tracker.MaxPending < 0 {
		issues = append(issues, "tracker.max_pending must be >= 0")
	}
	if c.Tracker.CaptureLimit < 0 {
		issues = append(issues, "tracker.capture_limit must be >= 0")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		issues = append(issues, "tracing.sample_rate must be between 0.0 and 1.0")
	}
	switch strings.ToLower(c.Tracing.Protocol) {
	case "", "grpc", "http":
	default:
		issues = append(issues, fmt.Sprintf("tracing.protocol must be grpc or http, got %q", c.Tracing.Protocol))
	}

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}

// Header parses the key=value header entries.
func (c Config) Header() (http.Header, error) {
	h := make(http.Header, len(c.Headers))
	for _, entry := range c.Headers {
		key, value, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("header %q must be in key=value form", entry)
		}
		h.Add(key, strings.TrimSpace(value))
	}
	return h, nil
}
