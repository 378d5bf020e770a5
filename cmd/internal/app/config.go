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

	// Empty DatabaseURL selects the in-memory stores.
	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Empty RedisURL keeps delivery process-local.
	RedisURL           string
	RedisChannelPrefix string

	// Empty KafkaBrokers disables the notification event publisher.
	KafkaBrokers           []string
	KafkaNotificationTopic string

	NotifyQueueSize int
	NotifyWorkers   int

	// Per-caller budget for the HTTP fallback write endpoints.
	APIWriteLimit  int
	APIWriteWindow time.Duration

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("APPOCAR_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("APPOCAR_LOG_LEVEL", "info"),
		LogFormat: EnvString("APPOCAR_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("APPOCAR_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("APPOCAR_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("APPOCAR_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("APPOCAR_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("APPOCAR_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("APPOCAR_DATABASE_URL", ""),
		DBSchema:    EnvString("APPOCAR_DB_SCHEMA", "appocar"),
		DBMaxConns:  EnvInt32("APPOCAR_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("APPOCAR_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("APPOCAR_READINESS_REQUIRE_DB", false),

		RedisURL:           EnvString("APPOCAR_REDIS_URL", ""),
		RedisChannelPrefix: EnvString("APPOCAR_REDIS_CHANNEL_PREFIX", "appocar:chat:"),

		KafkaBrokers:           EnvCSV("APPOCAR_KAFKA_BROKERS", ""),
		KafkaNotificationTopic: EnvString("APPOCAR_KAFKA_NOTIFICATION_TOPIC", "appocar.notifications"),

		NotifyQueueSize: EnvInt("APPOCAR_NOTIFY_QUEUE", 1024),
		NotifyWorkers:   EnvInt("APPOCAR_NOTIFY_WORKERS", 2),

		APIWriteLimit:  EnvInt("APPOCAR_API_WRITE_LIMIT", 60),
		APIWriteWindow: EnvDuration("APPOCAR_API_WRITE_WINDOW", time.Minute),

		CORSAllowedOrigins:   EnvCSV("APPOCAR_CORS_ALLOWED_ORIGINS", "http://localhost:*,http://127.0.0.1:*"),
		CORSAllowCredentials: EnvBool("APPOCAR_CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAgeSeconds:    EnvInt("APPOCAR_CORS_MAX_AGE_SECONDS", 600),
	}
}
