package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var ErrMissingConfig = errors.New("missing required configuration")

const (
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"

	TransportHTTP = "http"
	TransportAMQP = "amqp"

	PredicateStatus     = "status"
	PredicateConfigured = "configured"
)

type Config struct {
	Server       ServerConfig   `mapstructure:"server"`
	Store        StoreConfig    `mapstructure:"store"`
	Redis        RedisConfig    `mapstructure:"redis"`
	SQLite       SQLiteConfig   `mapstructure:"sqlite"`
	RabbitMQ     RabbitMQConfig `mapstructure:"rabbitmq"`
	Email        EmailConfig    `mapstructure:"email"`
	Site         SiteConfig     `mapstructure:"site"`
	Services     ServicesConfig `mapstructure:"services"`
	Auth         AuthConfig     `mapstructure:"auth"`
	Job          JobConfig      `mapstructure:"job"`
	MQTT         MQTTConfig     `mapstructure:"mqtt"`
	Log          LogConfig      `mapstructure:"log"`
	MockServices bool           `mapstructure:"mock_services"`
}

type ServerConfig struct {
	Port    string        `mapstructure:"port"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// RabbitMQConfig describes the email queue topology. Messages that failed
// transiently wait RetryDelay on RetryQueue before going back to EmailQueue;
// after MaxAttempts they are parked on FailedQueue.
type RabbitMQConfig struct {
	URL         string        `mapstructure:"url"`
	Exchange    string        `mapstructure:"exchange"`
	EmailQueue  string        `mapstructure:"email_queue"`
	FailedQueue string        `mapstructure:"failed_queue"`
	RetryQueue  string        `mapstructure:"retry_queue"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Prefetch    int           `mapstructure:"prefetch"`
}

type EmailConfig struct {
	Transport  string        `mapstructure:"transport"`
	APIURL     string        `mapstructure:"api_url"`
	ServiceID  string        `mapstructure:"service_id"`
	TemplateID string        `mapstructure:"template_id"`
	PublicKey  string        `mapstructure:"public_key"`
	PrivateKey string        `mapstructure:"private_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Mock       bool          `mapstructure:"mock"`
}

type SiteConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

type ServicesConfig struct {
	UserServiceURL string `mapstructure:"user_service_url"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// JobConfig tunes the notification sweeper. A zero Schedule runs one sweep and exits.
type JobConfig struct {
	Schedule      time.Duration `mapstructure:"schedule"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Concurrency   int           `mapstructure:"concurrency"`
	Predicate     string        `mapstructure:"predicate"`
	Dedupe        bool          `mapstructure:"dedupe"`
	SentMarkerTTL time.Duration `mapstructure:"sent_marker_ttl"`
	PurgeInvalid  bool          `mapstructure:"purge_invalid"`
}

type MQTTConfig struct {
	BrokerURL string `mapstructure:"broker_url"`
	ClientID  string `mapstructure:"client_id"`
	Topic     string `mapstructure:"topic"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	QoS       byte   `mapstructure:"qos"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var defaults = map[string]interface{}{
	"server.port":               "8080",
	"server.timeout":            "10s",
	"store.driver":              StoreRedis,
	"redis.addr":                "",
	"redis.password":            "",
	"redis.db":                  0,
	"sqlite.path":               "",
	"rabbitmq.url":              "",
	"rabbitmq.exchange":         "notifications.direct",
	"rabbitmq.email_queue":      "email.queue",
	"rabbitmq.failed_queue":     "failed.queue",
	"rabbitmq.retry_queue":      "email.retry",
	"rabbitmq.retry_delay":      "30s",
	"rabbitmq.max_attempts":     10,
	"rabbitmq.prefetch":         8,
	"email.transport":           TransportHTTP,
	"email.api_url":             "https://api.emailjs.com/api/v1.0/email/send",
	"email.service_id":          "",
	"email.template_id":         "",
	"email.public_key":          "",
	"email.private_key":         "",
	"email.timeout":             "10s",
	"email.mock":                false,
	"site.base_url":             "",
	"services.user_service_url": "",
	"auth.jwt_secret":           "",
	"job.schedule":              "1m",
	"job.timeout":               "50s",
	"job.concurrency":           8,
	"job.predicate":             PredicateConfigured,
	"job.dedupe":                false,
	"job.sent_marker_ttl":       "24h",
	"job.purge_invalid":         false,
	"mqtt.broker_url":           "",
	"mqtt.client_id":            "vacantcourt-statusbridge",
	"mqtt.topic":                "vacantcourt/facilities/+/courts/+/status",
	"mqtt.username":             "",
	"mqtt.password":             "",
	"mqtt.qos":                  1,
	"log.level":                 "info",
	"log.format":                "json",
	"mock_services":             false,
}

// LoadConfig reads config.yaml (optional), then the environment. Nested keys map
// to env vars with dots replaced by underscores, e.g. EMAIL_PRIVATE_KEY.
func LoadConfig() (*Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Store.Driver = strings.ToLower(strings.TrimSpace(config.Store.Driver))
	config.Email.Transport = strings.ToLower(strings.TrimSpace(config.Email.Transport))
	config.Job.Predicate = strings.ToLower(strings.TrimSpace(config.Job.Predicate))
	config.Site.BaseURL = strings.TrimRight(config.Site.BaseURL, "/")

	return &config, nil
}

type checker struct {
	missing []string
	invalid []string
}

func (c *checker) require(key, value string) {
	if strings.TrimSpace(value) == "" {
		c.missing = append(c.missing, key)
	}
}

func (c *checker) err() error {
	missing := strings.Join(c.missing, ", ")
	invalid := strings.Join(c.invalid, ", ")
	switch {
	case len(c.missing) > 0 && len(c.invalid) > 0:
		return fmt.Errorf("%w: %s; invalid values: %s", ErrMissingConfig, missing, invalid)
	case len(c.missing) > 0:
		return fmt.Errorf("%w: %s", ErrMissingConfig, missing)
	case len(c.invalid) > 0:
		return fmt.Errorf("invalid configuration values: %s", invalid)
	}
	return nil
}

func (c *checker) store(cfg *Config) {
	switch cfg.Store.Driver {
	case StoreRedis:
		c.require("redis.addr", cfg.Redis.Addr)
	case StoreSQLite:
		c.require("sqlite.path", cfg.SQLite.Path)
	default:
		c.invalid = append(c.invalid, "store.driver="+cfg.Store.Driver)
	}
}

func (c *checker) emailAPI(cfg *Config) {
	if cfg.Email.Mock {
		return
	}
	c.require("email.api_url", cfg.Email.APIURL)
	c.require("email.service_id", cfg.Email.ServiceID)
	c.require("email.template_id", cfg.Email.TemplateID)
	c.require("email.public_key", cfg.Email.PublicKey)
	c.require("email.private_key", cfg.Email.PrivateKey)
}

// ValidateForSweeper checks everything the notification sweeper needs before it
// touches the store or the email provider.
func (cfg *Config) ValidateForSweeper() error {
	c := &checker{}
	c.store(cfg)
	c.require("site.base_url", cfg.Site.BaseURL)

	switch cfg.Email.Transport {
	case TransportHTTP:
		c.emailAPI(cfg)
	case TransportAMQP:
		c.require("rabbitmq.url", cfg.RabbitMQ.URL)
		c.require("rabbitmq.email_queue", cfg.RabbitMQ.EmailQueue)
	default:
		c.invalid = append(c.invalid, "email.transport="+cfg.Email.Transport)
	}

	switch cfg.Job.Predicate {
	case PredicateStatus, PredicateConfigured:
	default:
		c.invalid = append(c.invalid, "job.predicate="+cfg.Job.Predicate)
	}
	if cfg.Job.Dedupe && cfg.Store.Driver != StoreRedis {
		c.require("redis.addr", cfg.Redis.Addr)
	}
	return c.err()
}

func (cfg *Config) ValidateForAPI() error {
	c := &checker{}
	c.store(cfg)
	c.require("auth.jwt_secret", cfg.Auth.JWTSecret)
	if !cfg.MockServices {
		c.require("services.user_service_url", cfg.Services.UserServiceURL)
	}
	return c.err()
}

func (cfg *Config) ValidateForMailer() error {
	c := &checker{}
	c.require("rabbitmq.url", cfg.RabbitMQ.URL)
	c.require("rabbitmq.email_queue", cfg.RabbitMQ.EmailQueue)
	c.require("rabbitmq.failed_queue", cfg.RabbitMQ.FailedQueue)
	c.require("rabbitmq.retry_queue", cfg.RabbitMQ.RetryQueue)
	if cfg.RabbitMQ.MaxAttempts < 1 {
		c.invalid = append(c.invalid, fmt.Sprintf("rabbitmq.max_attempts=%d", cfg.RabbitMQ.MaxAttempts))
	}
	c.emailAPI(cfg)
	return c.err()
}

func (cfg *Config) ValidateForStatusBridge() error {
	c := &checker{}
	c.store(cfg)
	c.require("mqtt.broker_url", cfg.MQTT.BrokerURL)
	c.require("mqtt.topic", cfg.MQTT.Topic)
	return c.err()
}
