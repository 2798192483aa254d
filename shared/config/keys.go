package config

import "strings"

type kind int

const (
	kindString kind = iota
	kindInt
	kindBool
	kindFloat
	kindCSV
)

func (k kind) message() string {
	switch k {
	case kindInt:
		return " must be an integer"
	case kindBool:
		return " must be a boolean"
	case kindFloat:
		return " must be a number"
	case kindCSV:
		return " must be a comma-separated string or array"
	default:
		return " must be a string"
	}
}

// key binds one environment/file key to a Config field.
type key struct {
	name string
	kind kind
	str  func(*Config) *string
	num  func(*Config) *int
	flag func(*Config) *bool
	real func(*Config) *float64
	list func(*Config) *[]string
}

func (k key) apply(cfg *Config, v any) bool {
	switch k.kind {
	case kindInt:
		n, ok := asInt(v)
		if ok {
			*k.num(cfg) = n
		}
		return ok
	case kindBool:
		b, ok := asBool(v)
		if ok {
			*k.flag(cfg) = b
		}
		return ok
	case kindFloat:
		f, ok := asFloat(v)
		if ok {
			*k.real(cfg) = f
		}
		return ok
	case kindCSV:
		l, ok := asCSV(v)
		if ok {
			*k.list(cfg) = l
		}
		return ok
	default:
		s, ok := v.(string)
		if ok {
			*k.str(cfg) = strings.TrimSpace(s)
		}
		return ok
	}
}

func strKey(name string, field func(*Config) *string) key {
	return key{name: name, kind: kindString, str: field}
}

func intKey(name string, field func(*Config) *int) key {
	return key{name: name, kind: kindInt, num: field}
}

func boolKey(name string, field func(*Config) *bool) key {
	return key{name: name, kind: kindBool, flag: field}
}

func floatKey(name string, field func(*Config) *float64) key {
	return key{name: name, kind: kindFloat, real: field}
}

func listKey(name string, field func(*Config) *[]string) key {
	return key{name: name, kind: kindCSV, list: field}
}

var keys = []key{
	strKey("SERVICE_NAME", func(c *Config) *string { return &c.ServiceName }),
	intKey("HTTP_PORT", func(c *Config) *int { return &c.HTTPPort }),
	strKey("LOG_LEVEL", func(c *Config) *string { return &c.LogLevel }),
	intKey("REQUEST_TIMEOUT_MS", func(c *Config) *int { return &c.RequestTimeoutMS }),

	strKey("OIDC_ISSUER", func(c *Config) *string { return &c.OIDCIssuer }),
	strKey("OIDC_AUDIENCE", func(c *Config) *string { return &c.OIDCAudience }),
	strKey("OIDC_JWKS_URL", func(c *Config) *string { return &c.OIDCJWKSURL }),
	intKey("JWKS_CACHE_TTL_SECONDS", func(c *Config) *int { return &c.JWKSTTLSeconds }),
	intKey("JWT_CLOCK_SKEW_SECONDS", func(c *Config) *int { return &c.JWTClockSkewSec }),

	strKey("DEVICE_JWT_SECRET", func(c *Config) *string { return &c.DeviceJWTSecret }),
	intKey("DEVICE_JWT_TTL_HOURS", func(c *Config) *int { return &c.DeviceJWTTTLHours }),
	strKey("DASHBOARD_API_KEY", func(c *Config) *string { return &c.DashboardAPIKey }),

	strKey("APP_SIGNATURE_SECRET", func(c *Config) *string { return &c.AppSignatureSecret }),
	listKey("APP_BUNDLE_IDS", func(c *Config) *[]string { return &c.AppBundleIDs }),
	intKey("ALERT_TTL_HOURS", func(c *Config) *int { return &c.AlertTTLHours }),
	strKey("ALERT_STORE", func(c *Config) *string { return &c.AlertStore }),
	strKey("LOCK_BACKEND", func(c *Config) *string { return &c.LockBackend }),
	intKey("LOCK_TTL_MS", func(c *Config) *int { return &c.LockTTLMS }),
	intKey("LOCK_WAIT_MS", func(c *Config) *int { return &c.LockWaitMS }),
	intKey("NOTIFY_TIMEOUT_MS", func(c *Config) *int { return &c.NotifyTimeoutMS }),

	strKey("DATABASE_URL", func(c *Config) *string { return &c.DatabaseURL }),
	intKey("DB_MAX_CONNS", func(c *Config) *int { return &c.DBMaxConns }),
	intKey("DB_MIN_CONNS", func(c *Config) *int { return &c.DBMinConns }),
	intKey("DB_CONN_MAX_IDLE_SECONDS", func(c *Config) *int { return &c.DBConnMaxIdleSec }),
	intKey("DB_CONN_MAX_LIFETIME_SECONDS", func(c *Config) *int { return &c.DBConnMaxLifeSec }),
	boolKey("DB_AUTO_MIGRATE", func(c *Config) *bool { return &c.DBAutoMigrate }),
	boolKey("AUDIT_ENABLED", func(c *Config) *bool { return &c.AuditEnabled }),

	listKey("KAFKA_BROKERS", func(c *Config) *[]string { return &c.KafkaBrokers }),
	strKey("KAFKA_CLIENT_ID", func(c *Config) *string { return &c.KafkaClientID }),
	strKey("KAFKA_GROUP_ID", func(c *Config) *string { return &c.KafkaGroupID }),
	intKey("KAFKA_RETRY_MAX", func(c *Config) *int { return &c.KafkaRetryMax }),
	intKey("KAFKA_WRITE_TIMEOUT_MS", func(c *Config) *int { return &c.KafkaWriteMS }),

	strKey("REDIS_ADDR", func(c *Config) *string { return &c.RedisAddr }),
	strKey("REDIS_PASSWORD", func(c *Config) *string { return &c.RedisPassword }),
	intKey("REDIS_DB", func(c *Config) *int { return &c.RedisDB }),

	strKey("ASYNQ_REDIS_ADDR", func(c *Config) *string { return &c.AsynqRedisAddr }),
	strKey("ASYNQ_REDIS_PASSWORD", func(c *Config) *string { return &c.AsynqRedisPass }),
	intKey("ASYNQ_REDIS_DB", func(c *Config) *int { return &c.AsynqRedisDB }),
	strKey("ASYNQ_QUEUE", func(c *Config) *string { return &c.AsynqQueue }),
	intKey("ASYNQ_CONCURRENCY", func(c *Config) *int { return &c.AsynqConcurrency }),

	intKey("OUTBOX_SCAN_INTERVAL_SECONDS", func(c *Config) *int { return &c.OutboxScanSec }),
	intKey("OUTBOX_BATCH_SIZE", func(c *Config) *int { return &c.OutboxBatchSize }),
	intKey("OUTBOX_MAX_ATTEMPTS", func(c *Config) *int { return &c.OutboxMaxAttempts }),
	intKey("EXPIRY_SWEEP_SECONDS", func(c *Config) *int { return &c.ExpirySweepSec }),
	intKey("EXPIRY_SWEEP_BATCH", func(c *Config) *int { return &c.ExpirySweepBatch }),

	strKey("INFLUX_URL", func(c *Config) *string { return &c.InfluxURL }),
	strKey("INFLUX_TOKEN", func(c *Config) *string { return &c.InfluxToken }),
	strKey("INFLUX_ORG", func(c *Config) *string { return &c.InfluxOrg }),
	strKey("INFLUX_BUCKET", func(c *Config) *string { return &c.InfluxBucket }),
	intKey("INFLUX_TIMEOUT_MS", func(c *Config) *int { return &c.InfluxTimeoutMS }),

	intKey("WS_HEARTBEAT_SECONDS", func(c *Config) *int { return &c.WSHeartbeatSec }),
	floatKey("RATE_LIMIT_RPS", func(c *Config) *float64 { return &c.RateLimitRPS }),
	intKey("RATE_LIMIT_BURST", func(c *Config) *int { return &c.RateLimitBurst }),
	listKey("CORS_ALLOWED_ORIGINS", func(c *Config) *[]string { return &c.CORSAllowedOrigins }),
	intKey("STATS_CACHE_TTL_SECONDS", func(c *Config) *int { return &c.StatsCacheTTLSec }),
	intKey("DEVICE_CACHE_TTL_SECONDS", func(c *Config) *int { return &c.DeviceCacheTTLSec }),

	boolKey("OTEL_ENABLED", func(c *Config) *bool { return &c.OtelEnabled }),
	strKey("OTEL_EXPORTER_OTLP_ENDPOINT", func(c *Config) *string { return &c.OtelEndpoint }),
	boolKey("OTEL_EXPORTER_OTLP_INSECURE", func(c *Config) *bool { return &c.OtelInsecure }),
	floatKey("OTEL_SAMPLE_RATIO", func(c *Config) *float64 { return &c.OtelSampleRatio }),
}

func lookupKey(name string) (key, bool) {
	for _, k := range keys {
		if k.name == name {
			return k, true
		}
	}
	return key{}, false
}
