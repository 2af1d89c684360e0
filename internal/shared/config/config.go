package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LambdaMaxTryOnTimeout keeps the poll budget under the 30s API Gateway
// integration limit, leaving room for upload and result handling.
const LambdaMaxTryOnTimeout = 25 * time.Second

// DBPool carries DB_* pool overrides. Zero fields keep the pool profile default.
type DBPool struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// Config holds application configuration.
type Config struct {
	Port            string
	Env             string
	LogLevel        string
	CORSAllowOrigin []string
	DatabaseURL     string
	DBPool          DBPool
	JWTSecret       string
	// Lambda is set when running inside AWS Lambda.
	Lambda bool

	LedgerBackend        string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	LedgerDefaultBalance int64
	TierCostStandard     int64
	TierCostHigh         int64

	MaxImageBytes  int64
	MaxDimension   int
	MaxPixels      int64
	ImageQuality   float64
	PollInterval   time.Duration
	TryOnTimeout   time.Duration
	ProviderURL    string
	ProviderAPIKey string
	ReturnBase64   bool
	ResultMirror   bool
	PublicBaseURL  string

	ObjectStoreType string
	LocalStoreDir   string
	AWSRegion       string
	S3Bucket        string
	S3Prefix        string
	SSEKMSKeyID     string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	// Best-effort load of local env files for dev convenience. Variables
	// already present in the environment win.
	for _, path := range []string{".env", "cmd/.env"} {
		_ = godotenv.Load(path)
	}

	env := normalizeEnv(getEnv("ENV", "dev"))
	dbURL := os.Getenv("DATABASE_URL")
	backend := normalizeLedgerBackend(getEnv("LEDGER_BACKEND", ""), dbURL)

	if env == "production" && backend == "memory" {
		log.Printf("LEDGER_BACKEND=memory loses balances on restart; set DATABASE_URL or REDIS_ADDR in production")
	}
	if os.Getenv("PROVIDER_API_KEY") == "" {
		log.Printf("PROVIDER_API_KEY is not set; try-on requests will fail")
	}

	cfg := Config{
		Port:            getEnv("PORT", "8080"),
		Env:             env,
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		CORSAllowOrigin: splitAndTrim(getEnv("CORS_ALLOW_ORIGINS", "http://localhost:5173")),
		DatabaseURL:     dbURL,
		DBPool: DBPool{
			MaxOpenConns:    getInt("DB_MAX_OPEN_CONNS", 0),
			MaxIdleConns:    getInt("DB_MAX_IDLE_CONNS", 0),
			ConnMaxLifetime: getDuration("DB_CONN_MAX_LIFETIME", 0),
			ConnMaxIdleTime: getDuration("DB_CONN_MAX_IDLE_TIME", 0),
			PingTimeout:     getDuration("DB_PING_TIMEOUT", 0),
		},
		JWTSecret: getEnv("JWT_SECRET", ""),
		Lambda:    getEnv("AWS_LAMBDA_FUNCTION_NAME", "") != "",

		LedgerBackend:        backend,
		RedisAddr:            getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:        getEnv("REDIS_PASSWORD", ""),
		RedisDB:              getInt("REDIS_DB", 0),
		LedgerDefaultBalance: getInt64("LEDGER_DEFAULT_BALANCE", 0),
		TierCostStandard:     getInt64("TIER_COST_STANDARD", 10),
		TierCostHigh:         getInt64("TIER_COST_HIGH", 20),

		MaxImageBytes:  getInt64("TRYON_MAX_IMAGE_BYTES", 10<<20),
		MaxDimension:   getInt("TRYON_MAX_DIMENSION", 2000),
		MaxPixels:      getInt64("TRYON_MAX_PIXELS", 50_000_000),
		ImageQuality:   getFloat("TRYON_IMAGE_QUALITY", 0.95),
		PollInterval:   getDuration("TRYON_POLL_INTERVAL", 2*time.Second),
		TryOnTimeout:   getDuration("TRYON_TIMEOUT", 180*time.Second),
		ProviderURL:    getEnv("PROVIDER_BASE_URL", "https://api.fashn.ai/v1"),
		ProviderAPIKey: getEnv("PROVIDER_API_KEY", ""),
		ReturnBase64:   getBool("PROVIDER_RETURN_BASE64", false),
		ResultMirror:   getBool("RESULT_MIRROR", false),
		PublicBaseURL:  strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),

		ObjectStoreType: normalizeStoreType(getEnv("OBJECT_STORE", "local")),
		LocalStoreDir:   getEnv("LOCAL_STORE_DIR", "./data"),
		AWSRegion:       getEnv("AWS_REGION", ""),
		S3Bucket:        getEnv("S3_BUCKET", ""),
		S3Prefix:        getEnv("S3_PREFIX", ""),
		SSEKMSKeyID:     getEnv("SSE_KMS_KEY_ID", ""),
	}
	clampForLambda(&cfg)
	return cfg
}

// clampForLambda bounds the try-on budget when requests arrive through API Gateway.
func clampForLambda(cfg *Config) {
	if !cfg.Lambda || cfg.TryOnTimeout <= LambdaMaxTryOnTimeout {
		return
	}
	log.Printf("TRYON_TIMEOUT=%s exceeds the Lambda request limit, using %s", cfg.TryOnTimeout, LambdaMaxTryOnTimeout)
	cfg.TryOnTimeout = LambdaMaxTryOnTimeout
}

func getEnv(key, def string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return def
}

func getInt(key string, def int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using %d", key, raw, def)
		return def
	}
	return v
}

func getInt64(key string, def int64) int64 {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		log.Printf("invalid %s=%q, using %d", key, raw, def)
		return def
	}
	return v
}

func getFloat(key string, def float64) float64 {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 || v > 1 {
		log.Printf("invalid %s=%q, using %g", key, raw, def)
		return def
	}
	return v
}

// getDuration accepts Go durations ("90s") or bare seconds ("90").
func getDuration(key string, def time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		log.Printf("invalid %s=%q, using %s", key, raw, def)
		return def
	}
	return d
}

func getBool(key string, def bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using %t", key, raw, def)
		return def
	}
	return v
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	default:
		return "dev"
	}
}

func normalizeStoreType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "s3":
		return "s3"
	default:
		return "local"
	}
}

// normalizeLedgerBackend picks postgres when a database is configured and
// no backend was named explicitly.
func normalizeLedgerBackend(raw, dbURL string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "postgres", "pg":
		return "postgres"
	case "redis":
		return "redis"
	case "memory":
		return "memory"
	}
	if dbURL != "" {
		return "postgres"
	}
	return "memory"
}
