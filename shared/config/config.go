package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	LockLocal = "local"
	LockRedis = "redis"

	DefaultAppSecret = "default-app-secret"
)

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	OIDCIssuer      string
	OIDCAudience    string
	OIDCJWKSURL     string
	JWKSTTLSeconds  int
	JWTClockSkewSec int

	DeviceJWTSecret   string
	DeviceJWTTTLHours int
	DashboardAPIKey   string

	AppSignatureSecret string
	AppBundleIDs       []string
	AlertTTLHours      int
	AlertTTL           time.Duration
	AlertStore         string
	LockBackend        string
	LockTTLMS          int
	LockWaitMS         int
	NotifyTimeoutMS    int

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int
	DBAutoMigrate    bool
	AuditEnabled     bool

	KafkaBrokers  []string
	KafkaClientID string
	KafkaGroupID  string
	KafkaRetryMax int
	KafkaWriteMS  int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int

	OutboxScanSec     int
	OutboxBatchSize   int
	OutboxMaxAttempts int
	ExpirySweepSec    int
	ExpirySweepBatch  int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	WSHeartbeatSec     int
	RateLimitRPS       float64
	RateLimitBurst     int
	CORSAllowedOrigins []string
	StatsCacheTTLSec   int
	DeviceCacheTTLSec  int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func defaults(serviceName string, httpPort int) Config {
	return Config{
		ServiceName:      serviceName,
		HTTPPort:         httpPort,
		LogLevel:         "info",
		RequestTimeoutMS: 30000,
		JWKSTTLSeconds:   300,
		JWTClockSkewSec:  60,

		DeviceJWTTTLHours:  720,
		AppSignatureSecret: DefaultAppSecret,
		AppBundleIDs: []string{
			"com.sosemergency.app",
			"com.sosemergency.app.dev",
			"com.sosemergency.app.staging",
		},

		AlertTTLHours:   24,
		AlertStore:      StorePostgres,
		LockBackend:     LockLocal,
		LockTTLMS:       5000,
		LockWaitMS:      2000,
		NotifyTimeoutMS: 2000,

		DBMaxConns:       10,
		DBMinConns:       1,
		DBConnMaxIdleSec: 300,
		DBConnMaxLifeSec: 1800,

		KafkaRetryMax:     5,
		KafkaWriteMS:      5000,
		AsynqQueue:        "default",
		AsynqConcurrency:  10,
		OutboxScanSec:     5,
		OutboxBatchSize:   50,
		OutboxMaxAttempts: 20,
		ExpirySweepSec:    60,
		ExpirySweepBatch:  200,
		InfluxTimeoutMS:   5000,

		WSHeartbeatSec:    30,
		RateLimitRPS:      5,
		RateLimitBurst:    20,
		StatsCacheTTLSec:  10,
		DeviceCacheTTLSec: 60,
		OtelInsecure:      true,
		OtelSampleRatio:   1.0,
	}
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	explicitPath := strings.TrimSpace(os.Getenv("CONFIG_PATH"))

	cfg := defaults(serviceNameDefault, httpPortDefault)
	cfg.Env = envRaw
	cfg.ConfigPath = explicitPath

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if cfg.ConfigPath == "" && cfg.Env != "" {
		if root, ok := findRepoRoot(); ok {
			cfg.ConfigPath = findEnvFile(filepath.Join(root, "configs"), cfg.Env)
		}
	}

	fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, explicitPath != "")
	problems = append(problems, fileProblems...)
	if ok {
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	}

	applyEnv(&cfg, &problems)

	if cfg.OIDCIssuer != "" && cfg.OIDCJWKSURL == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}
	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}

	validate(&cfg, httpPortDefault, &problems)
	return cfg, problems
}

func validate(cfg *Config, httpPortDefault int, problems *[]Problem) {
	def := defaults(cfg.ServiceName, httpPortDefault)
	add := func(field string, msg string) {
		*problems = append(*problems, Problem{Field: field, Message: msg})
	}

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		add("HTTP_PORT", "HTTP_PORT must be 1-65535")
		cfg.HTTPPort = httpPortDefault
	}
	positive := []struct {
		field string
		v     *int
		def   int
	}{
		{"REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS, def.RequestTimeoutMS},
		{"JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds, def.JWKSTTLSeconds},
		{"DEVICE_JWT_TTL_HOURS", &cfg.DeviceJWTTTLHours, def.DeviceJWTTTLHours},
		{"ALERT_TTL_HOURS", &cfg.AlertTTLHours, def.AlertTTLHours},
		{"LOCK_TTL_MS", &cfg.LockTTLMS, def.LockTTLMS},
		{"LOCK_WAIT_MS", &cfg.LockWaitMS, def.LockWaitMS},
		{"NOTIFY_TIMEOUT_MS", &cfg.NotifyTimeoutMS, def.NotifyTimeoutMS},
		{"DB_MAX_CONNS", &cfg.DBMaxConns, def.DBMaxConns},
		{"DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec, def.DBConnMaxIdleSec},
		{"DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec, def.DBConnMaxLifeSec},
		{"KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS, def.KafkaWriteMS},
		{"ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency, def.AsynqConcurrency},
		{"OUTBOX_SCAN_INTERVAL_SECONDS", &cfg.OutboxScanSec, def.OutboxScanSec},
		{"OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize, def.OutboxBatchSize},
		{"OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts, def.OutboxMaxAttempts},
		{"EXPIRY_SWEEP_SECONDS", &cfg.ExpirySweepSec, def.ExpirySweepSec},
		{"EXPIRY_SWEEP_BATCH", &cfg.ExpirySweepBatch, def.ExpirySweepBatch},
		{"INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS, def.InfluxTimeoutMS},
		{"WS_HEARTBEAT_SECONDS", &cfg.WSHeartbeatSec, def.WSHeartbeatSec},
		{"RATE_LIMIT_BURST", &cfg.RateLimitBurst, def.RateLimitBurst},
		{"STATS_CACHE_TTL_SECONDS", &cfg.StatsCacheTTLSec, def.StatsCacheTTLSec},
		{"DEVICE_CACHE_TTL_SECONDS", &cfg.DeviceCacheTTLSec, def.DeviceCacheTTLSec},
	}
	for _, p := range positive {
		if *p.v <= 0 {
			add(p.field, p.field+" must be > 0")
			*p.v = p.def
		}
	}
	nonNegative := []struct {
		field string
		v     *int
		def   int
	}{
		{"JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec, def.JWTClockSkewSec},
		{"DB_MIN_CONNS", &cfg.DBMinConns, def.DBMinConns},
		{"KAFKA_RETRY_MAX", &cfg.KafkaRetryMax, def.KafkaRetryMax},
		{"REDIS_DB", &cfg.RedisDB, def.RedisDB},
		{"ASYNQ_REDIS_DB", &cfg.AsynqRedisDB, def.AsynqRedisDB},
	}
	for _, p := range nonNegative {
		if *p.v < 0 {
			add(p.field, p.field+" must be >= 0")
			*p.v = p.def
		}
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		add("DB_MIN_CONNS", "DB_MIN_CONNS must be <= DB_MAX_CONNS")
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.RateLimitRPS <= 0 {
		add("RATE_LIMIT_RPS", "RATE_LIMIT_RPS must be > 0")
		cfg.RateLimitRPS = def.RateLimitRPS
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		add("OTEL_SAMPLE_RATIO", "OTEL_SAMPLE_RATIO must be 0-1")
		cfg.OtelSampleRatio = def.OtelSampleRatio
	}
	switch cfg.AlertStore {
	case StorePostgres, StoreMemory:
	default:
		add("ALERT_STORE", "ALERT_STORE must be postgres or memory")
		cfg.AlertStore = def.AlertStore
	}
	switch cfg.LockBackend {
	case LockLocal, LockRedis:
	default:
		add("LOCK_BACKEND", "LOCK_BACKEND must be local or redis")
		cfg.LockBackend = def.LockBackend
	}
	if len(cfg.AppBundleIDs) == 0 {
		add("APP_BUNDLE_IDS", "APP_BUNDLE_IDS must not be empty")
		cfg.AppBundleIDs = def.AppBundleIDs
	}
	if strings.EqualFold(cfg.Env, "prod") && cfg.AppSignatureSecret == DefaultAppSecret {
		add("APP_SIGNATURE_SECRET", "APP_SIGNATURE_SECRET must be set in prod")
	}

	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	cfg.AlertTTL = time.Duration(cfg.AlertTTLHours) * time.Hour
}

func (c Config) LockTTL() time.Duration { return time.Duration(c.LockTTLMS) * time.Millisecond }

func (c Config) LockWait() time.Duration { return time.Duration(c.LockWaitMS) * time.Millisecond }

func (c Config) NotifyTimeout() time.Duration {
	return time.Duration(c.NotifyTimeoutMS) * time.Millisecond
}

func (c Config) DeviceTokenTTL() time.Duration {
	return time.Duration(c.DeviceJWTTTLHours) * time.Hour
}

func findRepoRoot() (string, bool) {
	dir, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 8; i++ {
		if fi, err := os.Stat(filepath.Join(dir, "configs")); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func findEnvFile(dir string, env string) string {
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		candidate := filepath.Join(dir, env+ext)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if !explicit {
			return nil, nil, false
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &raw); err != nil {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid yaml: %v", err)}}, false
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
		}
	}
	return raw, nil, true
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		if key == "ENV" {
			if s, ok := v.(string); ok {
				cfg.Env = strings.TrimSpace(s)
			}
			continue
		}
		k, ok := lookupKey(key)
		if !ok {
			continue
		}
		if !k.apply(cfg, v) {
			*problems = append(*problems, Problem{Field: key, Message: key + k.kind.message()})
		}
	}
}

func applyEnv(cfg *Config, problems *[]Problem) {
	for _, k := range keys {
		raw := strings.TrimSpace(os.Getenv(k.name))
		if raw == "" && k.name == "HTTP_PORT" {
			raw = strings.TrimSpace(os.Getenv("PORT"))
		}
		if raw == "" {
			continue
		}
		if !k.apply(cfg, raw) {
			*problems = append(*problems, Problem{Field: k.name, Message: k.name + k.kind.message()})
		}
	}
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case uint64:
		return int(t), true
	case float64:
		return int(t), t == float64(int(t))
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "y":
			return true, true
		case "false", "0", "no", "n":
			return false, true
		}
	}
	return false, false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asCSV(v any) ([]string, bool) {
	switch t := v.(type) {
	case string:
		return parseCSV(t), true
	case []any:
		return parseAnyCSV(t), true
	case []string:
		return parseAnyCSV(toAny(t)), true
	default:
		return nil, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
