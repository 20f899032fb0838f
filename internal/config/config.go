package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App      AppConfig             `mapstructure:"app"`
	Server   ServerConfig          `mapstructure:"server"`
	Log      LogConfig             `mapstructure:"log"`
	DB       DBConfig              `mapstructure:"db"`
	Cache    CacheConfig           `mapstructure:"cache"`
	Auth     AuthConfig            `mapstructure:"auth"`
	Webhook  WebhookConfig         `mapstructure:"webhook"`
	Service  ServiceConfig         `mapstructure:"service"`
	Fanout   FanoutConfig          `mapstructure:"fanout"`
	Tiers    map[string]TierConfig `mapstructure:"tiers"`
	Dispatch DispatchConfig        `mapstructure:"dispatch"`
	Digest   DigestConfig          `mapstructure:"digest"`
	Channels ChannelsConfig        `mapstructure:"channels"`
	PaaS     PaaSConfig            `mapstructure:"paas"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

// DBConfig with an empty DSN runs the service on the in-memory repository.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
	MigrateAccounts bool          `mapstructure:"migrate_accounts"`
}

type CacheConfig struct {
	Backend        string        `mapstructure:"backend"`
	RedisAddr      string        `mapstructure:"redis_addr"`
	RedisPassword  string        `mapstructure:"redis_password"`
	RedisDB        int           `mapstructure:"redis_db"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type WebhookConfig struct {
	Secret              string            `mapstructure:"secret"`
	ProviderSecrets     map[string]string `mapstructure:"provider_secrets"`
	SupportedTickers    []string          `mapstructure:"supported_tickers"`
	SupportedTimeframes []string          `mapstructure:"supported_timeframes"`
	DefaultTimeframe    string            `mapstructure:"default_timeframe"`
	MaxBodyBytes        int64             `mapstructure:"max_body_bytes"`
}

type ServiceConfig struct {
	AsyncWorkers  int           `mapstructure:"async_workers"`
	AsyncQueue    int           `mapstructure:"async_queue"`
	CatchupSpec   string        `mapstructure:"catchup_spec"`
	CatchupWindow time.Duration `mapstructure:"catchup_window"`
}

type FanoutConfig struct {
	MaxPerTicker     int           `mapstructure:"max_per_ticker"`
	MaxTickers       int           `mapstructure:"max_tickers"`
	OutboxSize       int           `mapstructure:"outbox_size"`
	SendTimeout      time.Duration `mapstructure:"send_timeout"`
	AllowedOrigins   []string      `mapstructure:"allowed_origins"`
	ReadLimitBytes   int64         `mapstructure:"read_limit_bytes"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
}

type TierConfig struct {
	Channels []string `mapstructure:"channels"`
	Realtime bool     `mapstructure:"realtime"`
}

type DispatchConfig struct {
	PollSpec   string                   `mapstructure:"poll_spec"`
	PollLimit  int                      `mapstructure:"poll_limit"`
	StaleAfter time.Duration            `mapstructure:"stale_after"`
	Channels   map[string]ChannelPolicy `mapstructure:"channels"`
}

// ChannelPolicy is the retry/throughput envelope of one delivery channel.
type ChannelPolicy struct {
	Workers         int           `mapstructure:"workers"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	Burst           int           `mapstructure:"burst"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	Jitter          float64       `mapstructure:"jitter"`
	SendTimeout     time.Duration `mapstructure:"send_timeout"`
	BreakerFailures int           `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

type DigestConfig struct {
	DailySpec  string        `mapstructure:"daily_spec"`
	WeeklySpec string        `mapstructure:"weekly_spec"`
	LockTTL    time.Duration `mapstructure:"lock_ttl"`
	MaxSignals int           `mapstructure:"max_signals"`
}

type ChannelsConfig struct {
	Email SMTPConfig     `mapstructure:"email"`
	SMS   SMSConfig      `mapstructure:"sms"`
	Push  PushConfig     `mapstructure:"push"`
	Chat  TelegramConfig `mapstructure:"chat"`
}

type SMTPConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	// Plaintext skips STARTTLS, for local relays only.
	Plaintext bool          `mapstructure:"plaintext"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type SMSConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Endpoint string        `mapstructure:"endpoint"`
	APIKey   string        `mapstructure:"api_key"`
	Sender   string        `mapstructure:"sender"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type PushConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type PaaSConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Agent   string `mapstructure:"agent"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	setDefaults(v)

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("db.migrate_accounts", false)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.idempotency_ttl", "10m")

	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.supported_tickers", []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT", "XRPUSDT", "ADAUSDT", "DOGEUSDT"})
	v.SetDefault("webhook.supported_timeframes", []string{"1m", "5m", "15m", "30m", "1h", "4h", "1d", "1w"})
	v.SetDefault("webhook.default_timeframe", "1h")
	v.SetDefault("webhook.max_body_bytes", 64<<10)

	v.SetDefault("service.async_workers", 4)
	v.SetDefault("service.async_queue", 256)
	v.SetDefault("service.catchup_spec", "@every 1m")
	v.SetDefault("service.catchup_window", "10m")

	v.SetDefault("fanout.max_per_ticker", 10000)
	v.SetDefault("fanout.max_tickers", 32)
	v.SetDefault("fanout.outbox_size", 16)
	v.SetDefault("fanout.send_timeout", "2s")
	v.SetDefault("fanout.read_limit_bytes", 4096)
	v.SetDefault("fanout.heartbeat_timeout", "60s")

	v.SetDefault("tiers", map[string]any{
		"free":    map[string]any{"channels": []string{"email"}, "realtime": false},
		"basic":   map[string]any{"channels": []string{"email", "push"}, "realtime": true},
		"premium": map[string]any{"channels": []string{"email", "push", "chat"}, "realtime": true},
		"pro":     map[string]any{"channels": []string{"email", "sms", "push", "chat"}, "realtime": true},
	})

	v.SetDefault("dispatch.poll_spec", "@every 5s")
	v.SetDefault("dispatch.poll_limit", 200)
	v.SetDefault("dispatch.stale_after", "2m")
	v.SetDefault("dispatch.channels", map[string]any{
		"email": channelDefaults(4, 5, 5),
		"sms":   channelDefaults(2, 3, 2),
		"push":  channelDefaults(4, 4, 20),
		"chat":  channelDefaults(2, 4, 20),
	})

	v.SetDefault("digest.daily_spec", "0 0 8 * * *")
	v.SetDefault("digest.weekly_spec", "0 0 8 * * 1")
	v.SetDefault("digest.lock_ttl", "10m")
	v.SetDefault("digest.max_signals", 200)

	v.SetDefault("channels.sms.timeout", "5s")
	v.SetDefault("channels.email.timeout", "8s")
	v.SetDefault("channels.chat.timeout", "8s")
	v.SetDefault("paas.agent", "signalrelay")
}

func channelDefaults(workers, maxAttempts int, rate float64) map[string]any {
	return map[string]any{
		"workers":          workers,
		"rate_per_second":  rate,
		"burst":            workers,
		"max_attempts":     maxAttempts,
		"base_delay":       "5s",
		"max_delay":        "15m",
		"jitter":           0.2,
		"send_timeout":     "10s",
		"breaker_failures": 5,
		"breaker_cooldown": "30s",
	}
}

func (c *Config) normalize() {
	for i, t := range c.Webhook.SupportedTickers {
		c.Webhook.SupportedTickers[i] = strings.ToUpper(strings.TrimSpace(t))
	}
	for i, tf := range c.Webhook.SupportedTimeframes {
		c.Webhook.SupportedTimeframes[i] = strings.ToLower(strings.TrimSpace(tf))
	}
	tiers := make(map[string]TierConfig, len(c.Tiers))
	for name, t := range c.Tiers {
		tiers[strings.ToLower(strings.TrimSpace(name))] = t
	}
	c.Tiers = tiers
	channels := make(map[string]ChannelPolicy, len(c.Dispatch.Channels))
	for name, p := range c.Dispatch.Channels {
		channels[strings.ToLower(strings.TrimSpace(name))] = p
	}
	c.Dispatch.Channels = channels
}
