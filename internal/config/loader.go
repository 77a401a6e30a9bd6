package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Loader builds service configuration from YAML layered over defaults,
// with two environment mechanisms: ${VAR} substitution inside the file
// and flat override variables that win over both.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file. A missing file is not an
// error: the service can run entirely off defaults and environment
// overrides.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l.Parse(nil)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse builds a Config from YAML bytes. Missing keys keep their defaults;
// flat env overrides win over the file.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if len(expanded) > 0 {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// expandEnvVars substitutes ${VAR} references with environment values.
// Unset variables stay literal so the operator can see what did not expand.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// applyEnvOverrides applies the flat operational variables. These exist so
// deployments can tune the service without shipping a config file.
func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Broker.URL, "BROKER_URL")
	setDuration(&cfg.Broker.Heartbeat, "BROKER_HEARTBEAT")
	setInt(&cfg.Broker.MaxRetries, "BROKER_MAX_RETRIES")
	setDuration(&cfg.Requests.DefaultTimeout, "REQUEST_TIMEOUT_DEFAULT")
	setBool(&cfg.Events.DLQEnabled, "DLQ_ENABLED")
	setDuration(&cfg.Auth.TokenCacheTTL, "TOKEN_CACHE_TTL")
	setString(&cfg.Auth.Mode, "AUTH_MODE")
	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setInt(&cfg.Breaker.Threshold, "CIRCUIT_BREAKER_THRESHOLD")
	setDuration(&cfg.Breaker.RecoveryTimeout, "CIRCUIT_BREAKER_RECOVERY")
	setInt(&cfg.Breaker.HalfOpenMax, "CIRCUIT_BREAKER_HALF_OPEN_MAX")
	setDuration(&cfg.Traffic.CheckInterval, "TRAFFIC_CHECK_INTERVAL")
	setDuration(&cfg.Traffic.MinimumTimeSavings, "MINIMUM_TIME_SAVINGS")
	setDuration(&cfg.Pings.Interval, "PING_INTERVAL")
	setDuration(&cfg.Pings.Grace, "PING_GRACE")
	setString(&cfg.Traffic.Provider.RoutingAPIKey, "ROUTING_API_KEY")
	setString(&cfg.Traffic.Provider.TrafficAPIKey, "TRAFFIC_API_KEY")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
}

func setString(dst *string, name string) {
	if v, ok := os.LookupEnv(name); ok {
		*dst = v
	}
}

func setInt(dst *int, name string) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, name string) {
	if v, ok := os.LookupEnv(name); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// setDuration accepts Go duration strings and bare integers. Bare integers
// are seconds, matching how deployments already set these knobs.
func setDuration(dst *time.Duration, name string) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
	}
}

// validate rejects configurations the service cannot run with.
func (l *Loader) validate(cfg *Config) error {
	if cfg.Service.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if cfg.Broker.URL == "" {
		return fmt.Errorf("broker url is required")
	}
	if !strings.HasPrefix(cfg.Broker.URL, "amqp://") && !strings.HasPrefix(cfg.Broker.URL, "amqps://") {
		return fmt.Errorf("broker url must use amqp:// or amqps:// scheme")
	}
	if cfg.Broker.MaxRetries < 1 {
		return fmt.Errorf("broker max_retries must be at least 1")
	}
	if cfg.Requests.DefaultTimeout <= 0 {
		return fmt.Errorf("requests default_timeout must be positive")
	}
	for ep, d := range cfg.Requests.EndpointTimeouts {
		if d <= 0 {
			return fmt.Errorf("endpoint timeout for %s must be positive", ep)
		}
	}
	switch cfg.Requests.Dedup.Mode {
	case "memory", "distributed":
	default:
		return fmt.Errorf("invalid dedup mode: %s", cfg.Requests.Dedup.Mode)
	}
	if cfg.Requests.Dedup.Mode == "distributed" && cfg.Redis.Addr == "" {
		return fmt.Errorf("dedup mode distributed requires redis addr")
	}
	if cfg.Events.MaxRetries < 0 {
		return fmt.Errorf("events max_retries must not be negative")
	}
	if cfg.Breaker.Threshold < 1 {
		return fmt.Errorf("circuit_breaker threshold must be at least 1")
	}
	if cfg.Breaker.HalfOpenMax < 1 {
		return fmt.Errorf("circuit_breaker half_open_max_calls must be at least 1")
	}
	switch cfg.Auth.Mode {
	case "remote", "local":
	default:
		return fmt.Errorf("invalid auth mode: %s", cfg.Auth.Mode)
	}
	if cfg.Auth.Mode == "local" && cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth mode local requires jwt_secret")
	}
	if cfg.Pings.Interval <= 0 {
		return fmt.Errorf("pings interval must be positive")
	}
	if cfg.Pings.Grace < 0 {
		return fmt.Errorf("pings grace must not be negative")
	}
	if cfg.Traffic.CheckInterval <= 0 {
		return fmt.Errorf("traffic check_interval must be positive")
	}
	if cfg.Traffic.MinimumTimeSavings < 0 {
		return fmt.Errorf("traffic minimum_time_savings must not be negative")
	}
	if cfg.Traffic.MaxAlternatives < 1 {
		return fmt.Errorf("traffic max_alternatives must be at least 1")
	}
	for i, r := range cfg.Alerts.Rules {
		if r.Name == "" {
			return fmt.Errorf("alert rule %d: name is required", i)
		}
		if r.Expression == "" {
			return fmt.Errorf("alert rule %s: expression is required", r.Name)
		}
	}
	if cfg.Admin.Enabled && (cfg.Admin.Port < 1 || cfg.Admin.Port > 65535) {
		return fmt.Errorf("admin port out of range: %d", cfg.Admin.Port)
	}
	return nil
}
