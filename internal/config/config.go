package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides. RD_REDIS__ADDR maps to redis.addr.
const EnvPrefix = "RD_"

// Config captures all tunable parameters of the dispatch processes.
// Every field has a default so the binaries can run locally against the
// in-memory geo index and store without any setup.
type Config struct {
	HTTP     HTTPConfig     `json:"http"`
	Log      LogConfig      `json:"log"`
	Dispatch DispatchConfig `json:"dispatch"`
	Geo      GeoConfig      `json:"geo"`
	Redis    RedisConfig    `json:"redis"`
	PostGIS  PostGISConfig  `json:"postgis"`
	Postgres PostgresConfig `json:"postgres"`
	Push     PushConfig     `json:"push"`
	ETA      ETAConfig      `json:"eta"`
	Kafka    KafkaConfig    `json:"kafka"`
	AMQP     AMQPConfig     `json:"amqp"`
	Consumer ConsumerConfig `json:"consumer"`
}

type HTTPConfig struct {
	Addr            string        `json:"addr"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `json:"level"`
}

// DispatchConfig tunes the candidate fan-out.
type DispatchConfig struct {
	DefaultRadiusKm   float64       `json:"default_radius_km"`
	DefaultMaxDrivers int           `json:"default_max_drivers"`
	CallTimeout       time.Duration `json:"call_timeout"`
	FanoutLimit       int           `json:"fanout_limit"`
	Currency          string        `json:"currency"`
}

type GeoConfig struct {
	// Backend is one of memory, redis or postgis.
	Backend string `json:"backend"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	GeoKey   string `json:"geo_key"`
}

type PostGISConfig struct {
	// DSN defaults to postgres.dsn when empty.
	DSN string `json:"dsn"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn"`
	RunMigrations bool   `json:"run_migrations"`
}

// PushConfig holds the FCM HTTP v1 settings. The service account is read
// from ServiceAccountFile, or from ServiceAccountJSON when inlined.
type PushConfig struct {
	Endpoint           string        `json:"endpoint"`
	ServiceAccountFile string        `json:"service_account_file"`
	ServiceAccountJSON string        `json:"service_account_json"`
	Timeout            time.Duration `json:"timeout"`
	AndroidChannelID   string        `json:"android_channel_id"`
	ClickAction        string        `json:"click_action"`
	WebIcon            string        `json:"web_icon"`
}

// Enabled reports whether push delivery has credentials configured.
func (p PushConfig) Enabled() bool {
	return p.ServiceAccountFile != "" || p.ServiceAccountJSON != ""
}

type ETAConfig struct {
	OSRMEndpoint string        `json:"osrm_endpoint"`
	SpeedMps     float64       `json:"speed_mps"`
	CacheTTL     time.Duration `json:"cache_ttl"`
}

type KafkaConfig struct {
	// Brokers is a comma separated host:port list.
	Brokers       string `json:"brokers"`
	RequestsTopic string `json:"requests_topic"`
	EventsTopic   string `json:"events_topic"`
	Group         string `json:"group"`
}

// BrokerList splits Brokers into trimmed host:port entries.
func (k KafkaConfig) BrokerList() []string { return splitAndTrim(k.Brokers) }

type AMQPConfig struct {
	URL        string `json:"url"`
	Exchange   string `json:"exchange"`
	Queue      string `json:"queue"`
	RoutingKey string `json:"routing_key"`
}

type ConsumerConfig struct {
	// Source is kafka or amqp.
	Source      string        `json:"source"`
	MetricsAddr string        `json:"metrics_addr"`
	MaxAttempts int           `json:"max_attempts"`
	RetryDelay  time.Duration `json:"retry_delay"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{Level: "info"},
		Dispatch: DispatchConfig{
			DefaultRadiusKm:   10,
			DefaultMaxDrivers: 3,
			CallTimeout:       5 * time.Second,
			FanoutLimit:       8,
			Currency:          "MAD",
		},
		Geo:   GeoConfig{Backend: "memory"},
		Redis: RedisConfig{GeoKey: "drivers_geo"},
		Push: PushConfig{
			Endpoint:         "https://fcm.googleapis.com/v1",
			Timeout:          5 * time.Second,
			AndroidChannelID: "ride_notifications",
			ClickAction:      "FLUTTER_NOTIFICATION_CLICK",
			WebIcon:          "/icons/icon-192x192.png",
		},
		ETA: ETAConfig{SpeedMps: 10, CacheTTL: 5 * time.Minute},
		Kafka: KafkaConfig{
			RequestsTopic: "ride-requests",
			EventsTopic:   "ride-dispatch-events",
			Group:         "ride-dispatch-consumer",
		},
		AMQP: AMQPConfig{
			Exchange:   "ride_topic",
			Queue:      "ride_dispatch",
			RoutingKey: "ride.request.*",
		},
		Consumer: ConsumerConfig{
			Source:      "kafka",
			MetricsAddr: ":2112",
			MaxAttempts: 3,
			RetryDelay:  200 * time.Millisecond,
		},
	}
}

// Load reads the optional config file at path, applies RD_ environment
// overrides on top of the defaults and validates the result.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		var parser koanf.Parser
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return Config{}, fmt.Errorf("unsupported config format: %s", path)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, "__", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("read env: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	if cfg.PostGIS.DSN == "" {
		cfg.PostGIS.DSN = cfg.Postgres.DSN
	}
	return cfg, cfg.Validate()
}

func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Dispatch.DefaultRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.default_radius_km must be > 0"))
	}
	if c.Dispatch.DefaultMaxDrivers < 1 {
		errs = append(errs, fmt.Errorf("dispatch.default_max_drivers must be >= 1"))
	}
	if c.Dispatch.CallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.call_timeout must be > 0"))
	}
	if c.Dispatch.FanoutLimit < 1 {
		errs = append(errs, fmt.Errorf("dispatch.fanout_limit must be >= 1"))
	}
	switch c.Geo.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("redis.addr is required for geo.backend=redis"))
		}
	case "postgis":
		if c.PostGIS.DSN == "" {
			errs = append(errs, fmt.Errorf("postgis.dsn is required for geo.backend=postgis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown geo.backend %q", c.Geo.Backend))
	}
	if c.Push.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("push.timeout must be > 0"))
	}
	switch c.Consumer.Source {
	case "kafka", "amqp":
	default:
		errs = append(errs, fmt.Errorf("unknown consumer.source %q", c.Consumer.Source))
	}
	if c.Consumer.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("consumer.max_attempts must be >= 1"))
	}
	return errors.Join(errs...)
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
