package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Name                   string `mapstructure:"name"`
	Env                    string `mapstructure:"env"`
	Port                   int    `mapstructure:"port"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds"`
	CORSOrigins            string `mapstructure:"cors_origins"`
}

type MongoConfig struct {
	URI                     string `mapstructure:"uri"`
	Database                string `mapstructure:"database"`
	MessagesCollection      string `mapstructure:"messages_collection"`
	ConversationsCollection string `mapstructure:"conversations_collection"`
	RequestsCollection      string `mapstructure:"requests_collection"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type KafkaConfig struct {
	Brokers              []string `mapstructure:"brokers"`
	TopicChatEvents      string   `mapstructure:"topic_chat_events"`
	TopicRequestAssigned string   `mapstructure:"topic_request_assigned"`
	GroupID              string   `mapstructure:"group_id"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type JWTConfig struct {
	Algorithm     string `mapstructure:"alg"`
	HSSecret      string `mapstructure:"secret"`
	PublicKeyPath string `mapstructure:"public_key_path"`
}

type WSConfig struct {
	PingIntervalSeconds  int     `mapstructure:"ping_interval_seconds"`
	PongWaitSeconds      int     `mapstructure:"pong_wait_seconds"`
	WriteDeadlineSeconds int     `mapstructure:"write_deadline_seconds"`
	MaxMessageSizeBytes  int64   `mapstructure:"max_message_size_bytes"`
	EventsPerSecond      float64 `mapstructure:"events_per_second"`
	EventBurst           int     `mapstructure:"event_burst"`
}

type RequestsConfig struct {
	Source             string `mapstructure:"source"` // memory | mongo | http
	BaseURL            string `mapstructure:"base_url"`
	TimeoutSeconds     int    `mapstructure:"timeout_seconds"`
	CacheTTLSeconds    int    `mapstructure:"cache_ttl_seconds"`
	MaxFailures        uint32 `mapstructure:"max_failures"`
	OpenTimeoutSeconds int    `mapstructure:"open_timeout_seconds"`
	// Seed pre-approves assignments for the memory source.
	Seed []SeedAssignment `mapstructure:"seed"`
}

type SeedAssignment struct {
	RequestID   string `mapstructure:"request_id"`
	RequesterID string `mapstructure:"requester_id"`
	VolunteerID string `mapstructure:"volunteer_id"`
}

type ChatConfig struct {
	MaxContentLength int `mapstructure:"max_content_length"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
}

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	NATS      NATSConfig      `mapstructure:"nats"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	WS        WSConfig        `mapstructure:"ws"`
	Requests  RequestsConfig  `mapstructure:"requests"`
	Chat      ChatConfig      `mapstructure:"chat"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// derived
	PingInterval    time.Duration `mapstructure:"-"`
	PongWait        time.Duration `mapstructure:"-"`
	WriteDeadline   time.Duration `mapstructure:"-"`
	ShutdownTimeout time.Duration `mapstructure:"-"`
	RequestsTimeout time.Duration `mapstructure:"-"`
	RequestsTTL     time.Duration `mapstructure:"-"`
}

func (c *Config) Dev() bool {
	return c.App.Env == "development" || c.App.Env == "local"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "assist-chat")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", 8085)
	v.SetDefault("app.shutdown_timeout_seconds", 15)
	v.SetDefault("app.cors_origins", "*")

	v.SetDefault("mongo.uri", "")
	v.SetDefault("mongo.database", "assist")
	v.SetDefault("mongo.messages_collection", "messages")
	v.SetDefault("mongo.conversations_collection", "conversations")
	v.SetDefault("mongo.requests_collection", "requests")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "chat")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic_chat_events", "chat.events")
	v.SetDefault("kafka.topic_request_assigned", "request.assigned")
	v.SetDefault("kafka.group_id", "assist-chat")

	v.SetDefault("nats.url", "")

	v.SetDefault("jwt.alg", "HS256")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.public_key_path", "")

	v.SetDefault("ws.ping_interval_seconds", 25)
	v.SetDefault("ws.pong_wait_seconds", 60)
	v.SetDefault("ws.write_deadline_seconds", 10)
	v.SetDefault("ws.max_message_size_bytes", 65536)
	v.SetDefault("ws.events_per_second", 10)
	v.SetDefault("ws.event_burst", 20)

	v.SetDefault("requests.source", "memory")
	v.SetDefault("requests.base_url", "")
	v.SetDefault("requests.timeout_seconds", 5)
	v.SetDefault("requests.cache_ttl_seconds", 300)
	v.SetDefault("requests.max_failures", 5)
	v.SetDefault("requests.open_timeout_seconds", 30)

	v.SetDefault("chat.max_content_length", 4000)
	v.SetDefault("rate_limit.requests_per_minute", 120)
}

// Load reads the YAML file at path; environment variables such as
// MONGO_URI or JWT_SECRET override matching keys.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}

	c.PingInterval = time.Duration(c.WS.PingIntervalSeconds) * time.Second
	c.PongWait = time.Duration(c.WS.PongWaitSeconds) * time.Second
	c.WriteDeadline = time.Duration(c.WS.WriteDeadlineSeconds) * time.Second
	c.ShutdownTimeout = time.Duration(c.App.ShutdownTimeoutSeconds) * time.Second
	c.RequestsTimeout = time.Duration(c.Requests.TimeoutSeconds) * time.Second
	c.RequestsTTL = time.Duration(c.Requests.CacheTTLSeconds) * time.Second
	return &c, nil
}

func (c *Config) validate() error {
	var errs []error
	switch strings.ToUpper(c.JWT.Algorithm) {
	case "HS256":
		if c.JWT.HSSecret == "" {
			errs = append(errs, errors.New("jwt.secret is required for HS256"))
		}
	case "RS256":
		if c.JWT.PublicKeyPath == "" {
			errs = append(errs, errors.New("jwt.public_key_path is required for RS256"))
		}
	default:
		errs = append(errs, fmt.Errorf("jwt.alg %q is not supported", c.JWT.Algorithm))
	}
	switch c.Requests.Source {
	case "memory":
		if len(c.Kafka.Brokers) == 0 && len(c.Requests.Seed) == 0 {
			errs = append(errs, errors.New("requests.source=memory needs kafka.brokers or requests.seed to approve requests"))
		}
		for i, s := range c.Requests.Seed {
			if s.RequestID == "" || s.RequesterID == "" || s.VolunteerID == "" {
				errs = append(errs, fmt.Errorf("requests.seed[%d] needs request_id, requester_id and volunteer_id", i))
			}
		}
	case "mongo":
		if c.Mongo.URI == "" {
			errs = append(errs, errors.New("requests.source=mongo needs mongo.uri"))
		}
	case "http":
		if c.Requests.BaseURL == "" {
			errs = append(errs, errors.New("requests.source=http needs requests.base_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("requests.source %q is not supported", c.Requests.Source))
	}
	if c.WS.PingIntervalSeconds >= c.WS.PongWaitSeconds {
		errs = append(errs, errors.New("ws.ping_interval_seconds must be below ws.pong_wait_seconds"))
	}
	return errors.Join(errs...)
}
