package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
		// StartRateLimit caps workflow starts per second per client IP. Zero
		// disables the limit.
		StartRateLimit float64 `mapstructure:"start_rate_limit"`
		StartRateBurst int     `mapstructure:"start_rate_burst"`
	} `mapstructure:"server"`
	Discovery struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"discovery"`
	Delivery struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"delivery"`
	Collaborators struct {
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"collaborators"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Telemetry struct {
		ServiceName string `mapstructure:"service_name"`
		// Exporter is none, stdout or otlp.
		Exporter     string `mapstructure:"exporter"`
		OTLPEndpoint string `mapstructure:"otlp_endpoint"`
		OTLPInsecure bool   `mapstructure:"otlp_insecure"`
	} `mapstructure:"telemetry"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
}

// flagKeys maps command line flag names to configuration keys.
var flagKeys = map[string]string{
	"addr":          "server.addr",
	"discovery-url": "discovery.url",
	"delivery-url":  "delivery.url",
	"log-level":     "log.level",
	"log-format":    "log.format",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8003")
	v.SetDefault("server.read_timeout", 15*time.Second)
	// a start request waits for both collaborators
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.start_rate_limit", 0)
	v.SetDefault("server.start_rate_burst", 5)
	v.SetDefault("discovery.url", "http://localhost:8001")
	v.SetDefault("delivery.url", "http://localhost:8002")
	v.SetDefault("collaborators.timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("telemetry.service_name", "dsr-orchestrator")
	v.SetDefault("telemetry.exporter", "none")
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4318")
	v.SetDefault("telemetry.otlp_insecure", true)
	v.SetDefault("tls.enable", false)
	// env overrides only resolve for keys viper already knows
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.hostnames", []string{"localhost", "127.0.0.1"})
}

// LoadConfig loads the configuration from defaults, an optional config file,
// DSR_-prefixed environment variables and, when flags is non-nil, command
// line flags, in increasing order of precedence. An empty configFile
// searches for config.yaml in the working directory and ./config.
func LoadConfig(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("DSR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	config.Discovery.URL = normalizeURL(config.Discovery.URL)
	config.Delivery.URL = normalizeURL(config.Delivery.URL)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if err := validateServiceURL("discovery.url", c.Discovery.URL); err != nil {
		errs = append(errs, err)
	}
	if err := validateServiceURL("delivery.url", c.Delivery.URL); err != nil {
		errs = append(errs, err)
	}
	if c.Collaborators.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("collaborators.timeout must be positive, got %s", c.Collaborators.Timeout))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.StartRateLimit < 0 {
		errs = append(errs, fmt.Errorf("server.start_rate_limit must not be negative, got %v", c.Server.StartRateLimit))
	}
	if c.Server.StartRateLimit > 0 && c.Server.StartRateBurst < 1 {
		errs = append(errs, fmt.Errorf("server.start_rate_burst must be at least 1, got %d", c.Server.StartRateBurst))
	}
	switch strings.ToLower(c.Telemetry.Exporter) {
	case "none", "stdout", "otlp":
	default:
		errs = append(errs, fmt.Errorf("telemetry.exporter must be none, stdout or otlp, got %q", c.Telemetry.Exporter))
	}
	if strings.EqualFold(c.Telemetry.Exporter, "otlp") && c.Telemetry.OTLPEndpoint == "" {
		errs = append(errs, errors.New("telemetry.otlp_endpoint is required for the otlp exporter"))
	}
	if c.TLS.Enable && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file are required when tls.enable is set"))
	}
	return errors.Join(errs...)
}

func validateServiceURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL, got %q", key, raw)
	}
	return nil
}

// normalizeURL removes surrounding whitespace and any trailing slash so
// endpoint paths can be appended directly.
func normalizeURL(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
