package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Discord Bot
	DiscordToken string

	// Discord OAuth2
	DiscordClientID     string
	DiscordClientSecret string
	DiscordRedirectURI  string

	// Database
	DatabaseURL string

	// Wallet daemon
	LedgerRPCURL string

	// Faucet policy
	AddressPrefix     string
	GrantAmount       uint64
	Window            time.Duration
	WindowCap         uint64
	MaxQueue          int
	SubmitTimeout     time.Duration
	RetryCeiling      int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	ConfirmWait       time.Duration
	MaxAddresses      int

	// Operators (Discord user ids) and where to post fault alerts
	OperatorIDs    []string
	AlertChannelID string

	// Web Server
	WebBind      string
	WebUIBaseURL string

	// Session
	JWTSecret string
}

func Load() (*Config, error) {
	// Load environment variables from .env if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		DiscordToken:        os.Getenv("DISCORD_TOKEN"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		LedgerRPCURL:        os.Getenv("LEDGER_RPC_URL"),
		AddressPrefix:       getEnvDefault("FAUCET_ADDRESS_PREFIX", "lumen"),
		WebBind:             getEnvDefault("WEB_BIND", "0.0.0.0:3000"),
		DiscordClientID:     os.Getenv("DISCORD_CLIENT_ID"),
		DiscordClientSecret: os.Getenv("DISCORD_CLIENT_SECRET"),
		DiscordRedirectURI:  getEnvDefault("DISCORD_REDIRECT_URI", "http://localhost:3000/api/auth/callback"),
		JWTSecret:           getEnvDefault("JWT_SECRET", "dev-only-change-me"),
		OperatorIDs:         splitList(os.Getenv("FAUCET_OPERATOR_IDS")),
		AlertChannelID:      os.Getenv("FAUCET_ALERT_CHANNEL_ID"),
	}

	var err error
	if cfg.GrantAmount, err = getEnvUint("FAUCET_GRANT_AMOUNT", 1_000_000); err != nil {
		return nil, err
	}
	if cfg.Window, err = getEnvDuration("FAUCET_WINDOW", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.WindowCap, err = getEnvUint("FAUCET_WINDOW_CAP", 1_000_000); err != nil {
		return nil, err
	}
	if cfg.MaxQueue, err = getEnvInt("FAUCET_MAX_QUEUE", 100); err != nil {
		return nil, err
	}
	if cfg.SubmitTimeout, err = getEnvDuration("FAUCET_SUBMIT_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RetryCeiling, err = getEnvInt("FAUCET_RETRY_CEILING", 5); err != nil {
		return nil, err
	}
	if cfg.BackoffBase, err = getEnvDuration("FAUCET_BACKOFF_BASE", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.BackoffMultiplier, err = getEnvFloat("FAUCET_BACKOFF_MULTIPLIER", 2); err != nil {
		return nil, err
	}
	if cfg.ConfirmWait, err = getEnvDuration("FAUCET_CONFIRM_WAIT", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.MaxAddresses, err = getEnvInt("FAUCET_MAX_ADDRESSES", 1); err != nil {
		return nil, err
	}

	// Extract base URL from redirect URI
	cfg.WebUIBaseURL = extractBaseURL(cfg.DiscordRedirectURI)

	if cfg.DiscordToken == "" {
		return nil, fmt.Errorf("DISCORD_TOKEN is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.LedgerRPCURL == "" {
		return nil, fmt.Errorf("LEDGER_RPC_URL is required")
	}
	if cfg.GrantAmount == 0 {
		return nil, fmt.Errorf("FAUCET_GRANT_AMOUNT must be non-zero")
	}
	if cfg.GrantAmount > cfg.WindowCap {
		return nil, fmt.Errorf("FAUCET_GRANT_AMOUNT (%d) exceeds FAUCET_WINDOW_CAP (%d)", cfg.GrantAmount, cfg.WindowCap)
	}
	if cfg.BackoffMultiplier < 1 {
		return nil, fmt.Errorf("FAUCET_BACKOFF_MULTIPLIER must be >= 1")
	}
	if cfg.MaxQueue <= 0 {
		return nil, fmt.Errorf("FAUCET_MAX_QUEUE must be positive")
	}
	if cfg.RetryCeiling < 1 {
		return nil, fmt.Errorf("FAUCET_RETRY_CEILING must be at least 1")
	}

	return cfg, nil
}

// IsOperator reports whether the given Discord user id may issue operator
// commands (pause/resume, status).
func (c *Config) IsOperator(userID string) bool {
	for _, id := range c.OperatorIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func getEnvDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvUint(key string, defaultValue uint64) (uint64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an unsigned integer: %w", key, err)
	}
	return n, nil
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}
	return f, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 30s or 24h: %w", key, err)
	}
	return d, nil
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func extractBaseURL(redirectURI string) string {
	// e.g., "http://localhost:3000/api/auth/callback" -> "http://localhost:3000"
	parsed, err := url.Parse(redirectURI)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "http://localhost:3000"
	}

	return fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
}
