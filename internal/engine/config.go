package engine

import (
	"net/http"
	"time"

	"github.com/anatolykoptev/go-kit/env"
)

// Config holds all engine configuration, injected from main.
type Config struct {
	MCPPort              string
	HTTPPort             string
	DatabaseURL          string // postgres; empty = SQLite at SQLitePath
	SQLitePath           string
	RedisURL             string
	CacheTTL             time.Duration // transcript retention window
	CacheMaxEntries      int
	CacheCleanupInterval time.Duration
	AudioMaxBytes        int64
	PageTimeout          time.Duration
	ProviderTimeout      time.Duration
	GPUURL               string
	GPUTimeout           time.Duration
	HeartbeatInterval    time.Duration
	LeaseTimeout         time.Duration
	MaxAttempts          int
	IdleCooldown         time.Duration
	OpenAIAPIKey         string
	OpenAIBaseURL        string
	OpenAISTTModel       string
	CloudflareAccountID  string
	CloudflareAPIToken   string
	CloudflareSTTModel   string
	YTDLPPath            string
	SessionToken         string // po token for the WEB client profile
	WebshareAPIKey       string
	HostRPS              float64
	KnowledgeHookURL     string
	HTTPClient           *http.Client
	BrowserClient        *BrowserClient // nil = plain HTTP page scrape
}

var cfg Config

// Cfg exposes the engine configuration for sub-packages.
// Always points to the current cfg value.
var Cfg = &cfg

// Init initializes the engine with the given configuration.
func Init(c Config) {
	cfg = c
	Cfg = &cfg
}

// ConfigFromEnv reads the configuration from the process environment.
func ConfigFromEnv() Config {
	return Config{
		MCPPort:              env.Str("MCP_PORT", "8893"),
		HTTPPort:             env.Str("HTTP_PORT", "8894"),
		DatabaseURL:          env.Str("DATABASE_URL", ""),
		SQLitePath:           env.Str("SQLITE_PATH", "transcripts.db"),
		RedisURL:             env.Str("REDIS_URL", ""),
		CacheTTL:             env.Duration("CACHE_TTL", 90*24*time.Hour),
		CacheMaxEntries:      env.Int("CACHE_MAX_ENTRIES", 500),
		CacheCleanupInterval: env.Duration("CACHE_CLEANUP_INTERVAL", 5*time.Minute),
		AudioMaxBytes:        int64(env.Int("AUDIO_MAX_BYTES", 25*1024*1024)),
		PageTimeout:          env.Duration("PAGE_TIMEOUT", 15*time.Second),
		ProviderTimeout:      env.Duration("PROVIDER_TIMEOUT", 60*time.Second),
		GPUURL:               env.Str("GPU_URL", ""),
		GPUTimeout:           env.Duration("GPU_TIMEOUT", time.Hour),
		HeartbeatInterval:    env.Duration("HEARTBEAT_INTERVAL", 15*time.Second),
		LeaseTimeout:         env.Duration("LEASE_TIMEOUT", 2*time.Minute),
		MaxAttempts:          env.Int("MAX_ATTEMPTS", 3),
		IdleCooldown:         env.Duration("IDLE_COOLDOWN", 30*time.Second),
		OpenAIAPIKey:         env.Str("OPENAI_API_KEY", ""),
		OpenAIBaseURL:        env.Str("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAISTTModel:       env.Str("OPENAI_STT_MODEL", "whisper-1"),
		CloudflareAccountID:  env.Str("CLOUDFLARE_ACCOUNT_ID", ""),
		CloudflareAPIToken:   env.Str("CLOUDFLARE_API_TOKEN", ""),
		CloudflareSTTModel:   env.Str("CLOUDFLARE_STT_MODEL", "@cf/openai/whisper"),
		YTDLPPath:            env.Str("YTDLP_PATH", "yt-dlp"),
		SessionToken:         env.Str("YT_SESSION_TOKEN", ""),
		WebshareAPIKey:       env.Str("WEBSHARE_API_KEY", ""),
		HostRPS:              env.Float("HOST_RPS", 5),
		KnowledgeHookURL:     env.Str("KNOWLEDGE_HOOK_URL", ""),
		HTTPClient: &http.Client{
			Timeout: 2 * time.Minute, // backstop; stages carry their own deadlines
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     60 * time.Second,
			},
		},
	}
}
