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
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int

	// Optional audit database. Sessions never leave process memory.
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// Audit INSERTs run inline with stage responses; keep them bounded.
	DBStatementTimeout time.Duration
	DBMaxConnIdle      time.Duration

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	// Active expiry sweep; 0 leaves expiry to lazy sweeps only.
	SweepInterval time.Duration

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// If true, ENTANGLE_AUDIT_HASH_KEY must be set (>= 32 bytes) so that session
	// digests in logs and audit rows are keyed.
	RequireAuditKey bool

	// Tracing. OTelExporter is "none" (spans are recorded, never exported)
	// or "stdout".
	OTelExporter      string
	OTelServiceName   string
	OTelSamplePercent int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("ENTANGLE_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("ENTANGLE_LOG_LEVEL", "info"),
		LogFormat: EnvString("ENTANGLE_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("ENTANGLE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("ENTANGLE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("ENTANGLE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("ENTANGLE_HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   EnvDuration("ENTANGLE_HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),

		MaxHeaderBytes: EnvInt("ENTANGLE_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("ENTANGLE_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("ENTANGLE_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("ENTANGLE_DB_MIN_CONNS", 0),

		DBStatementTimeout: EnvDuration("ENTANGLE_DB_STATEMENT_TIMEOUT", 2*time.Second),
		DBMaxConnIdle:      EnvDuration("ENTANGLE_DB_MAX_CONN_IDLE", 5*time.Minute),

		ReadinessRequireDB: EnvBool("ENTANGLE_READINESS_REQUIRE_DB", false),

		SweepInterval: EnvDurationOrZero("ENTANGLE_SWEEP_INTERVAL", time.Minute),

		CORSAllowedOrigins:   EnvCSV("ENTANGLE_CORS_ALLOWED_ORIGINS", "http://localhost,http://127.0.0.1,http://localhost:*,http://127.0.0.1:*"),
		CORSAllowCredentials: EnvBool("ENTANGLE_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("ENTANGLE_CORS_MAX_AGE_SECONDS", 600),

		RequireAuditKey: EnvBool("ENTANGLE_REQUIRE_AUDIT_KEY", false),

		OTelExporter:      EnvString("ENTANGLE_OTEL_EXPORTER", "none"),
		OTelServiceName:   EnvString("ENTANGLE_OTEL_SERVICE_NAME", "entangle"),
		OTelSamplePercent: EnvInt("ENTANGLE_OTEL_SAMPLE_PERCENT", 100),
	}
}
