package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jkbrsn/calltrack"
)

// EnvPrefix prefixes the environment variables read by Load, e.g. CALLTRACK_CONCURRENCY or
// CALLTRACK_TRACING_ENDPOINT.
const EnvPrefix = "CALLTRACK"

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"method":            "method",
	"header":            "headers",
	"body":              "body",
	"concurrency":       "concurrency",
	"requests":          "requests",
	"rate":              "rate",
	"timeout":           "timeout",
	"output":            "output",
	"metrics-addr":      "metrics_addr",
	"log-level":         "log_level",
	"ttl":               "tracker.ttl",
	"max-pending":       "tracker.max_pending",
	"capture-limit":     "tracker.capture_limit",
	"otlp-endpoint":     "tracing.endpoint",
	"otlp-protocol":     "tracing.protocol",
	"otlp-insecure":     "tracing.insecure",
	"otlp-sample-rate":  "tracing.sample_rate",
	"otlp-service-name": "tracing.service_name",
}

// RegisterFlags registers the probe flags on flags.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Path to configuration file (YAML, JSON or TOML)")

	flags.StringP("method", "X", "GET", "HTTP method to use")
	flags.StringSliceP("header", "H", nil, "Request header in key=value form (repeatable)")
	flags.String("body", "", "Request body")

	flags.IntP("concurrency", "c", 1, "Number of concurrent workers")
	flags.IntP("requests", "n", 10, "Total number of requests to send")
	flags.Float64P("rate", "r", 0, "Requests per second limit (0 means unlimited)")
	flags.Duration("timeout", 10*time.Second, "Per-request timeout")

	flags.StringP("output", "o", OutputText, "Report format: text, json or yaml")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address during the run, e.g. :9090")
	flags.String("log-level", "info", "Log level: trace, debug, info, warn, error")

	flags.Duration("ttl", calltrack.DefaultTTL, "How long a call may stay pending before it is abandoned")
	flags.Int("max-pending", 0, "Maximum number of pending calls (0 means no limit)")
	flags.Int64("capture-limit", calltrack.DefaultCaptureLimit, "Largest text body in bytes captured for size estimation")

	flags.String("otlp-endpoint", "", "OTLP collector endpoint for call spans, e.g. localhost:4317")
	flags.String("otlp-protocol", "grpc", "OTLP protocol: grpc or http")
	flags.Bool("otlp-insecure", false, "Disable TLS for the OTLP exporter")
	flags.Float64("otlp-sample-rate", 1.0, "Fraction of calls traced")
	flags.String("otlp-service-name", "", "Service name reported with spans")
}

// Load builds the Config from, in increasing precedence: defaults, the config file named by the
// --config flag, CALLTRACK_ environment variables, and flags set on the command line. Positional
// args, when given, replace the configured targets.
func Load(flags *pflag.FlagSet, args []string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			return nil, fmt.Errorf("flag %q is not registered", name)
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("bind flag %q: %w", name, err)
		}
	}
	// Keys without a flag still need a default for environment lookups during Unmarshal.
	v.SetDefault("targets", []string{})

	configPath, err := flags.GetString("config")
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	cfg.ConfigFile = configPath
	if len(args) > 0 {
		cfg.Targets = args
	}
	cfg.Method = strings.ToUpper(strings.TrimSpace(cfg.Method))
	cfg.Output = strings.ToLower(strings.TrimSpace(cfg.Output))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))

	return &cfg, nil
}
