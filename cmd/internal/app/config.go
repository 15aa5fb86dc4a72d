package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Security policy:
	// If true, WEFT_TOKEN_HMAC_KEY MUST be set (>= 32 bytes); the broker
	// refuses to start with the insecure dev verifier.
	RequireTokenHMAC bool

	// Raw HMAC key material for websocket credential verification.
	// Empty selects the insecure dev verifier (unless RequireTokenHMAC).
	TokenHMACKey string

	// If true, joins are checked against the room_members table; requires DB.
	RequireMembership bool

	// If false, /metrics is not registered.
	MetricsEnabled bool

	// CORS policy for browser clients hitting the HTTP surface.
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("WEFT_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("WEFT_LOG_LEVEL", "info"),
		LogFormat: EnvString("WEFT_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("WEFT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("WEFT_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("WEFT_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("WEFT_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("WEFT_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("WEFT_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("WEFT_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("WEFT_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("WEFT_READINESS_REQUIRE_DB", false),

		RequireTokenHMAC:  EnvBool("WEFT_REQUIRE_TOKEN_HMAC", false),
		TokenHMACKey:      EnvString("WEFT_TOKEN_HMAC_KEY", ""),
		RequireMembership: EnvBool("WEFT_REQUIRE_MEMBERSHIP", false),

		MetricsEnabled: EnvBool("WEFT_METRICS_ENABLED", true),

		CORSAllowedOrigins:   EnvCSV("WEFT_CORS_ALLOWED_ORIGINS", "http://localhost,http://127.0.0.1:*"),
		CORSAllowCredentials: EnvBool("WEFT_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("WEFT_CORS_MAX_AGE_SECONDS", 600),
	}
}
