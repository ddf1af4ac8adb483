package cfg

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port               string
	Environment        string
	LogLevel           string
	DatabasePath       string
	DatabaseURL        Secret
	DBMaxOpenConns     int
	DBMaxIdleConns     int
	DBQueryTimeout     time.Duration
	RedisURL           string
	RedisTLS           bool
	RedisUsername      string
	RedisPassword      Secret
	RedisServerName    string
	RedisCACert        string
	RedisDevCA         string
	RedisTimeout       time.Duration
	LRUCacheSize       int
	BlobBackend        string
	BlobDir            string
	AWSRegion          string
	S3Bucket           string
	S3PresignTTL       time.Duration
	PublicURL          string
	BlobSigningKey     Secret
	EncryptionKey      Secret
	KeyFromSecrets     bool
	JWTSecret          Secret
	JWTTTL             time.Duration
	Argon2Time         uint32
	Argon2Memory       uint32
	Argon2Parallelism  uint8
	HasherWorkerCount  int
	RateLimit          RateLimitCfg
	TrustedProxies     []string
	Clicks             ClicksCfg
	NatsURL            string
	MetricsUser        string
	MetricsPass        Secret
	ContextTimeout     time.Duration
	AllowedOrigins     []string
	BootstrapTimeout   time.Duration
	MaxConcurrentWrite int
}

type RateLimitCfg struct {
	Requests int
	Window   time.Duration
}

type ClicksCfg struct {
	FlushInterval time.Duration
	BatchSize     int
	Workers       int
	QueueSize     int
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first without overriding variables already set.
func Load() (*Cfg, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, errors.Wrap(err, "load .env")
		}
	}
	c := &Cfg{}
	c.Port = getEnv("PORT", "3000")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.DatabasePath = getEnv("DATABASE_PATH", "psst.db")
	c.DatabaseURL = NewSecret(getEnv("DATABASE_URL", ""))
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	c.RedisServerName = getEnv("REDIS_HOSTNAME", "")
	c.RedisCACert = getEnv("REDIS_TLS_CA_CERT", "")
	c.RedisDevCA = getEnv("REDIS_TLS_DEV_CA", "")
	c.BlobBackend = strings.ToLower(getEnv("BLOB_BACKEND", "fs"))
	c.BlobDir = getEnv("BLOB_DIR", "data/blobs")
	c.AWSRegion = getEnv("AWS_REGION", "")
	c.S3Bucket = getEnv("AWS_S3_BUCKET", "")
	c.PublicURL = getEnv("PUBLIC_URL", "http://localhost:"+c.Port)
	c.BlobSigningKey = NewSecret(getEnv("BLOB_SIGNING_KEY", ""))
	c.EncryptionKey = NewSecret(getEnv("ENCRYPTION_KEY", ""))
	c.KeyFromSecrets = getEnv("ENCRYPTION_KEY_FROM_SECRETS", "false") == "true"
	c.JWTSecret = NewSecret(getEnv("JWT_SECRET", ""))
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.NatsURL = getEnv("NATS_URL", "")
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})

	var err error
	if c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 25); err != nil {
		return nil, err
	}
	if c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 5); err != nil {
		return nil, err
	}
	if c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 3*time.Second); err != nil {
		return nil, err
	}
	if c.LRUCacheSize, err = getInt("LRU_CACHE_SIZE", 1000); err != nil {
		return nil, err
	}
	if c.S3PresignTTL, err = getDuration("S3_PRESIGN_TTL", 15*time.Minute); err != nil {
		return nil, err
	}
	if c.JWTTTL, err = getDuration("JWT_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if c.Argon2Time, err = getUint32("ARGON2_TIME", 3); err != nil {
		return nil, err
	}
	if c.Argon2Memory, err = getUint32("ARGON2_MEMORY", 64*1024); err != nil {
		return nil, err
	}
	p, err := getUint32("ARGON2_PARALLELISM", 2)
	if err != nil {
		return nil, err
	}
	if p > 255 {
		return nil, errors.New("ARGON2_PARALLELISM must be <= 255")
	}
	c.Argon2Parallelism = uint8(p)
	if c.HasherWorkerCount, err = getInt("HASHER_WORKER_COUNT", 4); err != nil {
		return nil, err
	}
	if c.RateLimit.Requests, err = getInt("RATE_LIMIT_REQUESTS", 100); err != nil {
		return nil, err
	}
	if c.RateLimit.Window, err = getDuration("RATE_LIMIT_WINDOW", 15*time.Minute); err != nil {
		return nil, err
	}
	if c.Clicks.FlushInterval, err = getDuration("CLICK_FLUSH_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if c.Clicks.BatchSize, err = getInt("CLICK_FLUSH_BATCH", 100); err != nil {
		return nil, err
	}
	if c.Clicks.Workers, err = getInt("CLICK_WORKERS", 4); err != nil {
		return nil, err
	}
	if c.Clicks.QueueSize, err = getInt("CLICK_QUEUE_SIZE", 10000); err != nil {
		return nil, err
	}
	if c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if c.BootstrapTimeout, err = getDuration("BOOTSTRAP_TIMEOUT", 5*time.Minute); err != nil {
		return nil, err
	}
	if c.MaxConcurrentWrite, err = getInt("MAX_CONCURRENT_WRITES", 200); err != nil {
		return nil, err
	}
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	if c.DatabaseURL.Value() == "" && c.DatabasePath == "" {
		return errors.New("one of DATABASE_URL or DATABASE_PATH is required")
	}
	if u := c.DatabaseURL.Value(); u != "" {
		if !strings.HasPrefix(u, "postgres://") && !strings.HasPrefix(u, "postgresql://") {
			return errors.New("DATABASE_URL must start with postgres:// or postgresql://")
		}
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
		if c.RedisTLS && c.RedisServerName == "" {
			return errors.New("REDIS_HOSTNAME is required when REDIS_TLS=true")
		}
	}
	if c.LRUCacheSize <= 0 {
		return errors.New("LRU_CACHE_SIZE must be positive")
	}
	switch c.BlobBackend {
	case "fs":
		if c.BlobDir == "" {
			return errors.New("BLOB_DIR is required when BLOB_BACKEND=fs")
		}
		if !strings.HasPrefix(c.PublicURL, "http://") && !strings.HasPrefix(c.PublicURL, "https://") {
			return errors.New("PUBLIC_URL must be an http(s) URL when BLOB_BACKEND=fs")
		}
	case "s3":
		if c.S3Bucket == "" || c.AWSRegion == "" {
			return errors.New("AWS_S3_BUCKET and AWS_REGION are required when BLOB_BACKEND=s3")
		}
	default:
		return fmt.Errorf("unknown BLOB_BACKEND %q", c.BlobBackend)
	}
	if !c.KeyFromSecrets && len(c.EncryptionKey.Value()) < 16 {
		return errors.New("ENCRYPTION_KEY must be at least 16 bytes when ENCRYPTION_KEY_FROM_SECRETS=false")
	}
	if len(c.JWTSecret.Value()) < 32 && !c.KeyFromSecrets {
		return errors.New("JWT_SECRET must be at least 32 bytes")
	}
	if c.JWTTTL < time.Minute {
		return errors.New("JWT_TTL must be at least 1 minute")
	}
	if c.Argon2Time < 1 {
		return errors.New("ARGON2_TIME must be >= 1")
	}
	if c.Argon2Memory < 8*1024 {
		return errors.New("ARGON2_MEMORY must be >= 8192")
	}
	if c.Argon2Parallelism < 1 {
		return errors.New("ARGON2_PARALLELISM must be at least 1")
	}
	if c.RateLimit.Requests <= 0 {
		return errors.New("RATE_LIMIT_REQUESTS must be positive")
	}
	if c.RateLimit.Window < time.Second {
		return errors.New("RATE_LIMIT_WINDOW must be at least 1s")
	}
	if c.Clicks.FlushInterval < time.Second {
		return errors.New("CLICK_FLUSH_INTERVAL must be at least 1s")
	}
	if c.Clicks.BatchSize <= 0 || c.Clicks.BatchSize > 1000 {
		return errors.New("CLICK_FLUSH_BATCH must be between 1 and 1000")
	}
	if c.Clicks.Workers <= 0 {
		return errors.New("CLICK_WORKERS must be positive")
	}
	if c.Clicks.QueueSize <= 0 {
		return errors.New("CLICK_QUEUE_SIZE must be positive")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
		}
	}
	if c.NatsURL != "" && !strings.HasPrefix(c.NatsURL, "nats://") && !strings.HasPrefix(c.NatsURL, "tls://") {
		return errors.New("NATS_URL must start with nats:// or tls://")
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required in production")
		}
	}
	return nil
}

func (c *Cfg) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Cfg) Wipe() {
	c.DatabaseURL.Wipe()
	c.RedisPassword.Wipe()
	c.EncryptionKey.Wipe()
	c.JWTSecret.Wipe()
	c.BlobSigningKey.Wipe()
	c.MetricsPass.Wipe()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getUint32(key string, fallback uint32) (uint32, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid uint32 for %s: %w", key, err)
	}
	return uint32(v), nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	var result []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
