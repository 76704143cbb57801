// Package config loads runtime configuration in three layers: a .env file
// when present, an optional YAML file, then process environment overrides.
// Environment always wins so deployments can patch a single knob without
// editing files.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/mintwatch/backend/internal/core"
)

type Config struct {
	Solana    SolanaConfig      `yaml:"solana"`
	Telegram  TelegramConfig    `yaml:"telegram"`
	Sources   SourcesConfig     `yaml:"sources"`
	Alerts    AlertsConfig      `yaml:"alerts"`
	Limits    LimitsConfig      `yaml:"limits"`
	Server    ServerConfig      `yaml:"server"`
	Redis     RedisConfig       `yaml:"redis"`
	Storage   StorageConfig     `yaml:"storage"`
	Log       LogConfig         `yaml:"log"`
	Wallets   WalletsConfig     `yaml:"wallets"`
	Watchlist map[string]string `yaml:"watchlist"`
}

type SolanaConfig struct {
	RPCURL string `yaml:"rpc_url"`
	WSURL  string `yaml:"ws_url"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type SourcesConfig struct {
	RaydiumEnabled        bool    `yaml:"raydium_enabled"`
	PumpFunEnabled        bool    `yaml:"pumpfun_enabled"`
	PumpFunPollIntervalMs int     `yaml:"pumpfun_poll_interval_ms"`
	JupiterEnabled        bool    `yaml:"jupiter_enabled"`
	JupiterPollIntervalMs int     `yaml:"jupiter_poll_interval_ms"`
	MinLiquidityUSD       float64 `yaml:"min_liquidity_usd"`
}

type AlertsConfig struct {
	TokenCooldownMinutes int `yaml:"token_cooldown_minutes"`
	MaxAlertsPerHour     int `yaml:"max_alerts_per_hour"`
	MinRiskScore         int `yaml:"min_risk_score"`
}

type LimitsConfig struct {
	MaxRequestsPerMinute int `yaml:"max_requests_per_minute"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type WalletsConfig struct {
	PollIntervalMs int `yaml:"poll_interval_ms"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file or environment
// overrides anything.
func Default() *Config {
	return &Config{
		Sources: SourcesConfig{
			RaydiumEnabled:        true,
			PumpFunEnabled:        true,
			PumpFunPollIntervalMs: 10000,
			JupiterEnabled:        true,
			JupiterPollIntervalMs: 30000,
			MinLiquidityUSD:       1000,
		},
		Alerts: AlertsConfig{
			TokenCooldownMinutes: 30,
			MaxAlertsPerHour:     20,
		},
		Limits:    LimitsConfig{MaxRequestsPerMinute: 60},
		Server:    ServerConfig{Port: "8080"},
		Storage:   StorageConfig{DataDir: "data"},
		Log:       LogConfig{Level: "info", Format: "text"},
		Wallets:   WalletsConfig{PollIntervalMs: 60000},
		Watchlist: map[string]string{},
	}
}

// Load builds the effective configuration. path names an optional YAML
// file; pass "" to use defaults plus environment only.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, core.Errorf(core.KindConfig, "config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.deriveWSURL()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return yaml.NewDecoder(f).Decode(c)
}

// envParser applies environment overrides and remembers the first parse
// failure so callers get one clear config error.
type envParser struct {
	err error
}

func (p *envParser) str(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (p *envParser) intVal(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" || p.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.err = core.Errorf(core.KindConfig, "invalid %s: %q", key, v)
		return
	}
	*dst = n
}

func (p *envParser) int64Val(key string, dst *int64) {
	v := os.Getenv(key)
	if v == "" || p.err != nil {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.err = core.Errorf(core.KindConfig, "invalid %s: %q", key, v)
		return
	}
	*dst = n
}

func (p *envParser) floatVal(key string, dst *float64) {
	v := os.Getenv(key)
	if v == "" || p.err != nil {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.err = core.Errorf(core.KindConfig, "invalid %s: %q", key, v)
		return
	}
	*dst = f
}

func (p *envParser) boolVal(key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" || p.err != nil {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.err = core.Errorf(core.KindConfig, "invalid %s: %q", key, v)
		return
	}
	*dst = b
}

func (c *Config) applyEnv() error {
	var p envParser

	p.str("SOLANA_RPC_URL", &c.Solana.RPCURL)
	p.str("SOLANA_WS_URL", &c.Solana.WSURL)
	p.str("TELEGRAM_BOT_TOKEN", &c.Telegram.BotToken)
	p.int64Val("TELEGRAM_CHAT_ID", &c.Telegram.ChatID)

	p.boolVal("RAYDIUM_ENABLED", &c.Sources.RaydiumEnabled)
	p.boolVal("PUMPFUN_ENABLED", &c.Sources.PumpFunEnabled)
	p.intVal("PUMPFUN_POLL_INTERVAL", &c.Sources.PumpFunPollIntervalMs)
	p.boolVal("JUPITER_ENABLED", &c.Sources.JupiterEnabled)
	p.intVal("JUPITER_POLL_INTERVAL", &c.Sources.JupiterPollIntervalMs)
	p.floatVal("MIN_LIQUIDITY_USD", &c.Sources.MinLiquidityUSD)

	p.intVal("TOKEN_COOLDOWN_MINUTES", &c.Alerts.TokenCooldownMinutes)
	p.intVal("MAX_ALERTS_PER_HOUR", &c.Alerts.MaxAlertsPerHour)
	p.intVal("MIN_RISK_SCORE", &c.Alerts.MinRiskScore)

	p.intVal("MAX_REQUESTS_PER_MINUTE", &c.Limits.MaxRequestsPerMinute)

	p.intVal("WATCHLIST_POLL_INTERVAL", &c.Wallets.PollIntervalMs)

	p.str("HTTP_PORT", &c.Server.Port)
	p.str("REDIS_ADDR", &c.Redis.Addr)
	p.str("REDIS_PASSWORD", &c.Redis.Password)
	p.intVal("REDIS_DB", &c.Redis.DB)
	p.str("DATA_DIR", &c.Storage.DataDir)
	p.str("LOG_LEVEL", &c.Log.Level)
	p.str("LOG_FORMAT", &c.Log.Format)

	if p.err != nil {
		return p.err
	}

	c.applyWatchlistEnv()
	return nil
}

// applyWatchlistEnv collects WATCHLIST_<LABEL>=<address> variables into the
// wallet watchlist, label lowercased. WATCHLIST_WALLETS takes a plain comma
// list of addresses, each becoming its own label.
func (c *Config) applyWatchlistEnv() {
	if c.Watchlist == nil {
		c.Watchlist = map[string]string{}
	}
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, "WATCHLIST_") {
			continue
		}
		k, v, ok := strings.Cut(kv, "=")
		if !ok || v == "" || k == "WATCHLIST_WALLETS" || k == "WATCHLIST_POLL_INTERVAL" {
			continue
		}
		label := strings.ToLower(strings.TrimPrefix(k, "WATCHLIST_"))
		if label == "" {
			continue
		}
		c.Watchlist[label] = v
	}
	for _, addr := range strings.Split(os.Getenv("WATCHLIST_WALLETS"), ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			c.Watchlist[addr] = addr
		}
	}
}

// deriveWSURL fills the WebSocket endpoint from the RPC endpoint when not
// set explicitly.
func (c *Config) deriveWSURL() {
	if c.Solana.WSURL != "" || c.Solana.RPCURL == "" {
		return
	}
	switch {
	case strings.HasPrefix(c.Solana.RPCURL, "https://"):
		c.Solana.WSURL = "wss://" + strings.TrimPrefix(c.Solana.RPCURL, "https://")
	case strings.HasPrefix(c.Solana.RPCURL, "http://"):
		c.Solana.WSURL = "ws://" + strings.TrimPrefix(c.Solana.RPCURL, "http://")
	}
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	if c.Solana.RPCURL == "" {
		return core.Errorf(core.KindConfig, "SOLANA_RPC_URL is required")
	}
	if c.Alerts.MinRiskScore < 0 || c.Alerts.MinRiskScore > 100 {
		return core.Errorf(core.KindConfig, "MIN_RISK_SCORE must be in [0,100], got %d", c.Alerts.MinRiskScore)
	}
	if c.Alerts.MaxAlertsPerHour <= 0 {
		return core.Errorf(core.KindConfig, "MAX_ALERTS_PER_HOUR must be positive, got %d", c.Alerts.MaxAlertsPerHour)
	}
	if c.Alerts.TokenCooldownMinutes < 0 {
		return core.Errorf(core.KindConfig, "TOKEN_COOLDOWN_MINUTES must not be negative, got %d", c.Alerts.TokenCooldownMinutes)
	}
	if c.Limits.MaxRequestsPerMinute <= 0 {
		return core.Errorf(core.KindConfig, "MAX_REQUESTS_PER_MINUTE must be positive, got %d", c.Limits.MaxRequestsPerMinute)
	}
	if c.Telegram.BotToken != "" && c.Telegram.ChatID == 0 {
		return core.Errorf(core.KindConfig, "TELEGRAM_CHAT_ID is required when TELEGRAM_BOT_TOKEN is set")
	}
	return nil
}

func (s SourcesConfig) PumpFunInterval() time.Duration {
	return time.Duration(s.PumpFunPollIntervalMs) * time.Millisecond
}

func (s SourcesConfig) JupiterInterval() time.Duration {
	return time.Duration(s.JupiterPollIntervalMs) * time.Millisecond
}

func (a AlertsConfig) TokenCooldown() time.Duration {
	return time.Duration(a.TokenCooldownMinutes) * time.Minute
}

func (w WalletsConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMs) * time.Millisecond
}

// DBPath is the SQLite file inside the data directory.
func (s StorageConfig) DBPath() string {
	return filepath.Join(s.DataDir, "mintwatch.db")
}

// PidfilePath is where the running process records its PID.
func (s StorageConfig) PidfilePath() string {
	return filepath.Join(s.DataDir, "mintwatch.pid")
}

// SlogLevel maps the configured level string onto slog.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger installs the process-wide slog handler described by the log
// section.
func (c *Config) SetupLogger() {
	opts := &slog.HandlerOptions{Level: c.Log.SlogLevel()}
	var h slog.Handler
	if strings.EqualFold(c.Log.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

// Redacted renders the config for startup logging with secrets masked.
func (c *Config) Redacted() string {
	token := c.Telegram.BotToken
	if len(token) > 8 {
		token = token[:4] + "..." + token[len(token)-4:]
	}
	return fmt.Sprintf("rpc=%s ws=%s telegram_chat=%d telegram_token=%s sources[raydium=%t pumpfun=%t jupiter=%t] min_liquidity=%.0f cooldown_min=%d max_alerts_hour=%d data_dir=%s",
		c.Solana.RPCURL, c.Solana.WSURL, c.Telegram.ChatID, token,
		c.Sources.RaydiumEnabled, c.Sources.PumpFunEnabled, c.Sources.JupiterEnabled,
		c.Sources.MinLiquidityUSD, c.Alerts.TokenCooldownMinutes, c.Alerts.MaxAlertsPerHour,
		c.Storage.DataDir)
}
