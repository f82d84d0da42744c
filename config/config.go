// Package config loads process configuration from the environment, an
// optional .env file and an optional YAML tunables file.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

// Store types accepted in OBJECT_STORE_TYPE and LOCK_STORE_TYPE.
const (
	StoreMemory   = "memory"
	StoreS3       = "s3"
	StoreRedis    = "redis"
	StoreDynamoDB = "dynamodb"
	StoreSupabase = "supabase"
)

const (
	defaultIdleTimeout   = 10 * time.Minute
	defaultLockTTL       = 15 * time.Minute
	defaultCacheTTL      = 30 * time.Minute
	defaultSweepInterval = time.Minute
	defaultRevalidate    = true
	defaultRetryAttempts = 4
	defaultInitialDelay  = 100 * time.Millisecond
	defaultMaxDelay      = 2 * time.Second
)

type SessionConfig struct {
	IdleTimeout      time.Duration
	LockTTL          time.Duration
	CacheTTL         time.Duration
	SweepInterval    time.Duration
	WorkDir          string
	RevalidateCached bool
}

type RetryConfig struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

type ObjectStoreConfig struct {
	Type         string
	Bucket       string
	KeyPrefix    string
	SSE          bool
	KMSKeyID     string
	Endpoint     string
	UsePathStyle bool
	Table        string
}

type LockConfig struct {
	Type      string
	Table     string
	KeyPrefix string
	Endpoint  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type SupabaseConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

type Config struct {
	AppEnv      string
	HTTPAddr    string
	Session     SessionConfig
	Retry       RetryConfig
	ObjectStore ObjectStoreConfig
	Lock        LockConfig
	Redis       RedisConfig
	Supabase    SupabaseConfig
}

// Load builds the configuration. Precedence is defaults, then the YAML file
// named by USERSYNC_CONFIG, then environment variables.
func Load() (*Config, error) {
	l := NewLoader()

	// .env is a local development convenience only.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		l.fail(err)
	}

	tun := l.loadTunablesYAML(os.Getenv("USERSYNC_CONFIG"))

	cfg := &Config{
		AppEnv:   l.getEnvWithDefault("APP_ENV", "development"),
		HTTPAddr: l.getEnvWithDefault("USERSYNC_HTTP_ADDR", ":8080"),
	}
	cfg.Session = l.loadSession(tun)
	cfg.Retry = l.loadRetry(tun)
	cfg.ObjectStore = l.loadObjectStore()
	cfg.Lock = l.loadLock()

	if cfg.Lock.Type == StoreRedis {
		cfg.Redis = RedisConfig{
			Addr:     l.requireEnv("REDIS_ADDR"),
			Password: l.getEnvWithDefault("REDIS_PASSWORD", ""),
			DB:       l.getEnvIntOrDefault("REDIS_DB", 0),
		}
	}
	if cfg.Lock.Type == StoreSupabase || cfg.ObjectStore.Type == StoreSupabase {
		cfg.Supabase = SupabaseConfig{
			URL:     l.requireEnv("SUPABASE_URL"),
			APIKey:  l.requireEnv("SUPABASE_API_KEY"),
			Timeout: l.getEnvDurationOrDefault("SUPABASE_TIMEOUT", 10*time.Second),
		}
	}

	if cfg.Session.LockTTL < cfg.Session.IdleTimeout {
		l.fail(errors.New("USERSYNC_LOCK_TTL must not be shorter than USERSYNC_IDLE_TIMEOUT"))
	}

	if l.HasErrors() {
		return nil, l.Error()
	}
	return cfg, nil
}

func (l *Loader) loadSession(tun *TunablesYAML) SessionConfig {
	y := tun.Session
	idle := l.parseDurationOrDefault("session.idle_timeout", y.IdleTimeout, defaultIdleTimeout)
	lockTTL := l.parseDurationOrDefault("session.lock_ttl", y.LockTTL, defaultLockTTL)
	cacheTTL := l.parseDurationOrDefault("session.cache_ttl", y.CacheTTL, defaultCacheTTL)
	sweep := l.parseDurationOrDefault("session.sweep_interval", y.SweepInterval, defaultSweepInterval)

	workDir := y.WorkDir
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "usersync")
	}
	revalidate := defaultRevalidate
	if y.RevalidateCached != nil {
		revalidate = *y.RevalidateCached
	}

	return SessionConfig{
		IdleTimeout:      l.getEnvDurationOrDefault("USERSYNC_IDLE_TIMEOUT", idle),
		LockTTL:          l.getEnvDurationOrDefault("USERSYNC_LOCK_TTL", lockTTL),
		CacheTTL:         l.getEnvDurationOrDefault("USERSYNC_CACHE_TTL", cacheTTL),
		SweepInterval:    l.getEnvDurationOrDefault("USERSYNC_SWEEP_INTERVAL", sweep),
		WorkDir:          l.getEnvWithDefault("USERSYNC_WORK_DIR", workDir),
		RevalidateCached: l.getEnvBoolOrDefault("USERSYNC_REVALIDATE_CACHED", revalidate),
	}
}

func (l *Loader) loadRetry(tun *TunablesYAML) RetryConfig {
	y := tun.Retry
	attempts := defaultRetryAttempts
	if y.Attempts > 0 {
		attempts = y.Attempts
	}

	rc := RetryConfig{
		Attempts:     l.getEnvIntOrDefault("USERSYNC_RETRY_ATTEMPTS", attempts),
		InitialDelay: l.getEnvDurationOrDefault("USERSYNC_RETRY_INITIAL_DELAY", l.parseDurationOrDefault("retry.initial_delay", y.InitialDelay, defaultInitialDelay)),
		MaxDelay:     l.getEnvDurationOrDefault("USERSYNC_RETRY_MAX_DELAY", l.parseDurationOrDefault("retry.max_delay", y.MaxDelay, defaultMaxDelay)),
	}
	if rc.Attempts < 1 {
		l.fail(errors.New("USERSYNC_RETRY_ATTEMPTS must be at least 1"))
	}
	return rc
}

func (l *Loader) loadObjectStore() ObjectStoreConfig {
	oc := ObjectStoreConfig{
		Type:      l.getEnvWithDefault("OBJECT_STORE_TYPE", StoreMemory),
		KeyPrefix: l.getEnvWithDefault("OBJECT_STORE_KEY_PREFIX", "users/"),
		Table:     l.getEnvWithDefault("SUPABASE_BLOB_TABLE", ""),
	}

	switch oc.Type {
	case StoreMemory, StoreSupabase:
	case StoreS3:
		oc.Bucket = l.requireEnv("S3_BUCKET")
		oc.SSE = l.getEnvBoolOrDefault("S3_SSE", false)
		oc.KMSKeyID = l.getEnvWithDefault("S3_KMS_KEY_ID", "")
		oc.Endpoint = l.getEnvWithDefault("S3_ENDPOINT", "")
		oc.UsePathStyle = l.getEnvBoolOrDefault("S3_USE_PATH_STYLE", false)
	default:
		l.fail(errors.New("invalid OBJECT_STORE_TYPE: " + oc.Type))
	}
	return oc
}

func (l *Loader) loadLock() LockConfig {
	lc := LockConfig{
		Type:      l.getEnvWithDefault("LOCK_STORE_TYPE", StoreMemory),
		KeyPrefix: l.getEnvWithDefault("LOCK_KEY_PREFIX", ""),
		Table:     l.getEnvWithDefault("LOCK_TABLE", ""),
	}

	switch lc.Type {
	case StoreMemory, StoreRedis, StoreSupabase:
	case StoreDynamoDB:
		lc.Table = l.requireEnv("LOCK_TABLE")
		lc.Endpoint = l.getEnvWithDefault("DYNAMODB_ENDPOINT", "")
	default:
		l.fail(errors.New("invalid LOCK_STORE_TYPE: " + lc.Type))
	}
	return lc
}
