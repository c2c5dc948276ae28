package config

import (
	"log"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	Port   int    `envconfig:"PORT" default:"8080"`
	// PublicURL — внешний адрес веб-клиента, на него возвращается OAuth.
	PublicURL string `envconfig:"PUBLIC_URL" default:"http://localhost:8080"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	Supabase struct {
		URL       string `envconfig:"SUPABASE_URL"`
		AnonKey   string `envconfig:"SUPABASE_ANON_KEY"`
		JWTSecret string `envconfig:"SUPABASE_JWT_SECRET"`
	} `envconfig:""`

	Realtime struct {
		Transport   string `envconfig:"REALTIME_TRANSPORT" default:"postgres"`
		PGChannel   string `envconfig:"REALTIME_PG_CHANNEL" default:"chirpnest_changes"`
		RedisPrefix string `envconfig:"REALTIME_REDIS_PREFIX" default:"chirpnest:changes:"`
		RabbitURL   string `envconfig:"RABBITMQ_URL"`
		Exchange    string `envconfig:"REALTIME_EXCHANGE" default:"chirpnest.changes"`
	} `envconfig:""`

	Feed struct {
		PageSize        int    `envconfig:"FEED_PAGE_SIZE" default:"10"`
		UpdatePlacement string `envconfig:"FEED_UPDATE_PLACEMENT" default:"front"`
	} `envconfig:""`

	Session struct {
		Secret      string        `envconfig:"SESSION_SECRET"`
		TTL         time.Duration `envconfig:"SESSION_TTL" default:"720h"`
		IdleTimeout time.Duration `envconfig:"VIEWER_IDLE_TIMEOUT" default:"15m"`
	} `envconfig:""`

	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	// RelaySinks — список транспортов через запятую: redis, amqp.
	RelaySinks string `envconfig:"RELAY_SINKS" default:"redis"`
}

// Sinks разбирает RELAY_SINKS.
func (c AppConfig) Sinks() []string {
	var out []string
	for _, s := range strings.Split(c.RelaySinks, ",") {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	cfg, err := Parse()
	if err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}

// Parse читает конфиг без завершения процесса.
func Parse() (AppConfig, error) {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}
