package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config carries every knob of the request security pipeline. Numeric
// thresholds and risk weights are policy, not code: operators and tests tune
// them here, never at the use site.
type Config struct {
	Port               int      `mapstructure:"port"`
	DatabaseBackend    string   `mapstructure:"database_backend"` // sqlite | postgres
	DatabasePath       string   `mapstructure:"database_path"`
	PostgresDSN        string   `mapstructure:"postgres_dsn"`
	LogLevel           string   `mapstructure:"log_level"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	RequestTimeoutSec  int      `mapstructure:"request_timeout_sec"`  // whole pipeline + handler; 408 on expiry
	ShutdownTimeoutSec int      `mapstructure:"shutdown_timeout_sec"` // graceful shutdown wait
	MaxBodyBytes       int64    `mapstructure:"max_body_bytes"`       // 413 above this
	AuthJWTSecret      string   `mapstructure:"auth_jwt_secret"`
	TracingEndpoint    string   `mapstructure:"tracing_endpoint"` // OTLP; empty = disabled
	TracingSampleRate  float64  `mapstructure:"tracing_sample_rate"`

	// Reputation cache backing store.
	CacheBackend   string `mapstructure:"cache_backend"` // memory | redis
	RedisAddr      string `mapstructure:"redis_addr"`
	RedisPassword  string `mapstructure:"redis_password"`
	RedisDB        int    `mapstructure:"redis_db"`
	CacheTimeoutMs int    `mapstructure:"cache_timeout_ms"` // per-call budget for networked cache

	// Geolocation resolver.
	GeoBackend          string  `mapstructure:"geo_backend"` // mmdb | http | disabled
	GeoMMDBCityPath     string  `mapstructure:"geo_mmdb_city_path"`
	GeoMMDBASNPath      string  `mapstructure:"geo_mmdb_asn_path"`
	GeoHTTPBaseURL      string  `mapstructure:"geo_http_base_url"`
	GeoTimeoutMs        int     `mapstructure:"geo_timeout_ms"`
	GeoCacheTTLSec      int     `mapstructure:"geo_cache_ttl_sec"`
	GeoCacheSize        int     `mapstructure:"geo_cache_size"`
	GeoLookupRatePerSec float64 `mapstructure:"geo_lookup_rate_per_sec"` // outbound HTTP lookup budget
	GeoLookupBurst      int     `mapstructure:"geo_lookup_burst"`

	// Stage toggles and failure policy. Fail-open is explicit per stage so
	// tests can assert the policy independently.
	IPReputationEnabled     bool `mapstructure:"ip_reputation_enabled"`
	RateLimitEnabled        bool `mapstructure:"rate_limit_enabled"`
	TokenRevocationEnabled  bool `mapstructure:"token_revocation_enabled"`
	SessionSecurityEnabled  bool `mapstructure:"session_security_enabled"`
	IPReputationFailOpen    bool `mapstructure:"ip_reputation_fail_open"`
	RateLimitFailOpen       bool `mapstructure:"rate_limit_fail_open"`
	TokenRevocationFailOpen bool `mapstructure:"token_revocation_fail_open"`
	SessionSecurityFailOpen bool `mapstructure:"session_security_fail_open"`

	// IP reputation and geofencing.
	TrustedProxies        []string `mapstructure:"trusted_proxies"`  // CIDRs that bypass all checks
	ExemptIPRanges        []string `mapstructure:"exempt_ip_ranges"` // CIDRs exempt from geo-velocity
	GeofencingEnabled     bool     `mapstructure:"geofencing_enabled"`
	BlockedCountries      []string `mapstructure:"blocked_countries"` // ISO 3166-1 alpha-2
	SensitivePathPrefixes []string `mapstructure:"sensitive_path_prefixes"`

	// Rate limiting. Zero disables a scope.
	GlobalIPDailyLimit   int            `mapstructure:"global_ip_daily_limit"`
	UserHourlyLimit      int            `mapstructure:"user_hourly_limit"`
	AnonymousMinuteLimit int            `mapstructure:"anonymous_minute_limit"`
	EndpointLimits       map[string]int `mapstructure:"endpoint_limits"` // "METHOD /normalized/path" -> limit per window
	EndpointWindowSec    int            `mapstructure:"endpoint_window_sec"`
	ViolationCooldownSec int            `mapstructure:"violation_cooldown_sec"`
	RecordAfterResponse  bool           `mapstructure:"record_after_response"` // count only requests that reached business logic

	// Session security sub-checks.
	SessionSkipPaths            []string `mapstructure:"session_skip_paths"`
	SuspiciousUserAgents        []string `mapstructure:"suspicious_user_agents"`
	TerminateOnDeviceChange     bool     `mapstructure:"terminate_on_device_change"`
	TerminateOnImpossibleTravel bool     `mapstructure:"terminate_on_impossible_travel"`
	MaxTravelSpeedKmh           float64  `mapstructure:"max_travel_speed_kmh"`
	MinTravelIntervalSec        int      `mapstructure:"min_travel_interval_sec"` // grace period after login
	IPMismatchWeight            int      `mapstructure:"ip_mismatch_weight"`
	UAMismatchWeight            int      `mapstructure:"ua_mismatch_weight"`
	SuspiciousRiskThreshold     int      `mapstructure:"suspicious_risk_threshold"`
	TerminateRiskThreshold      int      `mapstructure:"terminate_risk_threshold"`
	TerminateOnHijackRisk       bool     `mapstructure:"terminate_on_hijack_risk"`
	ReauthTimeoutSec            int      `mapstructure:"reauth_timeout_sec"`
	ReauthPathPrefixes          []string `mapstructure:"reauth_path_prefixes"`
	SessionInactivityMin        int      `mapstructure:"session_inactivity_min"` // 0 disables the idle check

	// Attack pattern tracker escalation.
	AttackThresholds       map[string]int `mapstructure:"attack_thresholds"` // attack type -> occurrences before block
	AttackWindowMin        int            `mapstructure:"attack_window_min"` // rolling window for escalation
	AttackBlockDurationMin int            `mapstructure:"attack_block_duration_min"`

	// Background purge of expired blacklist entries and blocks.
	PurgeIntervalMin int `mapstructure:"purge_interval_min"`
}

// RequestTimeout returns the overall per-request deadline.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// CacheTimeout returns the per-call budget for cache operations.
func (c *Config) CacheTimeout() time.Duration {
	return time.Duration(c.CacheTimeoutMs) * time.Millisecond
}

// GeoTimeout returns the per-call budget for geolocation lookups.
func (c *Config) GeoTimeout() time.Duration {
	return time.Duration(c.GeoTimeoutMs) * time.Millisecond
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/toolshare/")
	viper.AddConfigPath("$HOME/.toolshare")
	viper.AddConfigPath(".")

	// Defaults
	viper.SetDefault("port", 8080)
	viper.SetDefault("database_backend", "sqlite")
	viper.SetDefault("database_path", "./toolshare.db")
	viper.SetDefault("postgres_dsn", "")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("allowed_origins", []string{"*"})
	viper.SetDefault("request_timeout_sec", 30)
	viper.SetDefault("shutdown_timeout_sec", 15)
	viper.SetDefault("max_body_bytes", 512*1024)
	viper.SetDefault("auth_jwt_secret", "")
	viper.SetDefault("tracing_endpoint", "")
	viper.SetDefault("tracing_sample_rate", 0.1)

	viper.SetDefault("cache_backend", "memory")
	viper.SetDefault("redis_addr", "localhost:6379")
	viper.SetDefault("redis_password", "")
	viper.SetDefault("redis_db", 0)
	viper.SetDefault("cache_timeout_ms", 250)

	viper.SetDefault("geo_backend", "disabled")
	viper.SetDefault("geo_mmdb_city_path", "")
	viper.SetDefault("geo_mmdb_asn_path", "")
	viper.SetDefault("geo_http_base_url", "")
	viper.SetDefault("geo_timeout_ms", 1500)
	viper.SetDefault("geo_cache_ttl_sec", 3600)
	viper.SetDefault("geo_cache_size", 4096)
	viper.SetDefault("geo_lookup_rate_per_sec", 40.0)
	viper.SetDefault("geo_lookup_burst", 10)

	viper.SetDefault("ip_reputation_enabled", true)
	viper.SetDefault("rate_limit_enabled", true)
	viper.SetDefault("token_revocation_enabled", true)
	viper.SetDefault("session_security_enabled", true)
	viper.SetDefault("ip_reputation_fail_open", true)
	viper.SetDefault("rate_limit_fail_open", true)
	viper.SetDefault("token_revocation_fail_open", true)
	viper.SetDefault("session_security_fail_open", true)

	viper.SetDefault("trusted_proxies", []string{})
	viper.SetDefault("exempt_ip_ranges", []string{})
	viper.SetDefault("geofencing_enabled", false)
	viper.SetDefault("blocked_countries", []string{})
	viper.SetDefault("sensitive_path_prefixes", []string{
		"/api/v1/auth", "/api/v1/payments", "/api/v1/admin",
		"/api/v1/disputes", "/api/v1/users", "/api/v1/settings",
	})

	viper.SetDefault("global_ip_daily_limit", 10000)
	viper.SetDefault("user_hourly_limit", 1000)
	viper.SetDefault("anonymous_minute_limit", 60)
	viper.SetDefault("endpoint_limits", map[string]int{})
	viper.SetDefault("endpoint_window_sec", 60)
	viper.SetDefault("violation_cooldown_sec", 300)
	viper.SetDefault("record_after_response", true)

	viper.SetDefault("session_skip_paths", []string{
		"/api/v1/auth/login", "/api/v1/auth/register", "/api/v1/auth/refresh",
		"/health", "/metrics", "/docs",
	})
	viper.SetDefault("suspicious_user_agents", []string{
		"sqlmap", "nikto", "nmap", "masscan", "hydra", "gobuster", "dirbuster",
	})
	viper.SetDefault("terminate_on_device_change", false)
	viper.SetDefault("terminate_on_impossible_travel", false)
	viper.SetDefault("max_travel_speed_kmh", 900.0)
	viper.SetDefault("min_travel_interval_sec", 300)
	viper.SetDefault("ip_mismatch_weight", 30)
	viper.SetDefault("ua_mismatch_weight", 20)
	viper.SetDefault("suspicious_risk_threshold", 50)
	viper.SetDefault("terminate_risk_threshold", 70)
	viper.SetDefault("terminate_on_hijack_risk", true)
	viper.SetDefault("reauth_timeout_sec", 900)
	viper.SetDefault("reauth_path_prefixes", []string{"/api/v1/payments", "/api/v1/admin", "/api/v1/settings"})
	viper.SetDefault("session_inactivity_min", 1440)

	viper.SetDefault("attack_thresholds", map[string]int{})
	viper.SetDefault("attack_window_min", 60)
	viper.SetDefault("attack_block_duration_min", 30)

	viper.SetDefault("purge_interval_min", 15)

	// Environment variables
	viper.SetEnvPrefix("TOOLSHARE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; using defaults and env vars
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
