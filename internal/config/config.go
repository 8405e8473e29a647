// Package config loads the settings of the chat server and the persister
// from the environment. Every setting starts from the owning package's
// Default*Config and is overridden only by a well-formed variable; a
// malformed value keeps the default and logs a warning.
package config

import (
	"errors"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/parley/chat-app/internal/durability"
	"github.com/parley/chat-app/internal/messaging"
	"github.com/parley/chat-app/internal/ws"
)

// ErrMissingSecret is returned when SECRET_KEY is not set.
var ErrMissingSecret = errors.New("config: SECRET_KEY is required")

// ErrMissingDatabaseURL is returned when DATABASE_URL is not set.
var ErrMissingDatabaseURL = errors.New("config: DATABASE_URL is required")

const defaultShutdownTimeout = 15 * time.Second

// Server is the configuration of cmd/wsserver.
type Server struct {
	WS              ws.ServerConfig
	NATS            messaging.NATSConfig
	Publisher       messaging.PublisherConfig
	Producer        durability.ProducerConfig
	RedisAddr       string
	ServerName      string
	SecretKey       string
	ShutdownTimeout time.Duration
}

// Persister is the configuration of cmd/persister.
type Persister struct {
	Consumer        durability.ConsumerConfig
	RedisAddr       string
	DatabaseURL     string
	MetricsAddr     string // serves /metrics, empty to disable
	ShutdownTimeout time.Duration
}

// LoadServer reads the chat server configuration.
func LoadServer() (Server, error) {
	cfg := Server{
		WS:              ws.DefaultServerConfig(),
		NATS:            messaging.DefaultNATSConfig(),
		Publisher:       messaging.DefaultPublisherConfig(),
		Producer:        durability.DefaultProducerConfig(),
		RedisAddr:       "localhost:6379",
		ServerName:      hostname(),
		ShutdownTimeout: defaultShutdownTimeout,
	}

	stringVar(&cfg.WS.ListenAddr, "LISTEN_ADDR")
	positiveInt(&cfg.WS.WorkerPoolSize, "WORKER_POOL_SIZE")
	positiveInt(&cfg.WS.MaxConnections, "MAX_CONNECTIONS")
	duration(&cfg.WS.ReadTimeout, "READ_TIMEOUT")
	duration(&cfg.WS.WriteTimeout, "WRITE_TIMEOUT")

	stringVar(&cfg.NATS.URL, "NATS_URL")
	stringVar(&cfg.RedisAddr, "REDIS_ADDR")
	stringVar(&cfg.ServerName, "SERVER_NAME")
	cfg.NATS.Name = "parley-" + cfg.ServerName

	positiveInt(&cfg.Publisher.Shards, "PUBLISH_SHARDS")
	positiveInt(&cfg.Publisher.QueueSize, "PUBLISH_QUEUE")
	positiveInt(&cfg.Producer.QueueSize, "DURABILITY_QUEUE")
	positiveInt64(&cfg.Producer.MaxLen, "STREAM_MAXLEN")

	positiveInt(&cfg.WS.ChatRule.Limit, "CHAT_RATE_LIMIT")
	duration(&cfg.WS.ChatRule.Window, "CHAT_RATE_WINDOW")
	positiveInt(&cfg.WS.ConnectRule.Limit, "CONNECT_RATE_LIMIT")
	duration(&cfg.ShutdownTimeout, "SHUTDOWN_TIMEOUT")

	cfg.SecretKey = os.Getenv("SECRET_KEY")
	if cfg.SecretKey == "" {
		return cfg, ErrMissingSecret
	}
	return cfg, nil
}

// LoadPersister reads the persister configuration.
func LoadPersister() (Persister, error) {
	cfg := Persister{
		Consumer:        durability.DefaultConsumerConfig(),
		RedisAddr:       "localhost:6379",
		MetricsAddr:     ":9091",
		ShutdownTimeout: defaultShutdownTimeout,
	}

	stringVar(&cfg.RedisAddr, "REDIS_ADDR")
	stringVar(&cfg.Consumer.Group, "CONSUMER_GROUP")
	stringVar(&cfg.Consumer.Name, "CONSUMER_NAME")
	stringVar(&cfg.MetricsAddr, "METRICS_ADDR")
	duration(&cfg.ShutdownTimeout, "SHUTDOWN_TIMEOUT")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return cfg, ErrMissingDatabaseURL
	}
	return cfg, nil
}

func hostname() string {
	name, _ := os.Hostname()
	if name == "" {
		return "ws-1"
	}
	return name
}

func stringVar(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func positiveInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("config: invalid %s=%q, using default %d", key, v, *dst)
		return
	}
	*dst = n
}

func positiveInt64(dst *int64, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		log.Printf("config: invalid %s=%q, using default %d", key, v, *dst)
		return
	}
	*dst = n
}

func duration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("config: invalid %s=%q, using default %s", key, v, *dst)
		return
	}
	*dst = d
}
