package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrEmptyHost       = errors.New("broker host is empty")
	ErrInvalidPort     = errors.New("broker port is out of range")
	ErrEmptyClientName = errors.New("client name is empty")
	ErrInvalidTimeout  = errors.New("request timeout must be positive")
)

// Config is the client configuration. Zero values are not usable; start
// from Default or Load.
type Config struct {
	Broker         Broker           `yaml:"broker"`
	Backend        Backend          `yaml:"backend"`
	ClientName     string           `yaml:"client_name"`
	RequestTimeout time.Duration    `yaml:"request_timeout"`
	Exchanges      Exchanges        `yaml:"exchanges"`
	Queues         Queues           `yaml:"queues"`
	EventPrefetch  int              `yaml:"event_prefetch"`
	Reconnect      ReconnectBackoff `yaml:"reconnect"`
}

type Broker struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	VHost    string `yaml:"vhost"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	TLS      bool   `yaml:"tls"`
}

// Backend holds the credentials used by the user service login when the
// caller passes none.
type Backend struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type Exchanges struct {
	Command string `yaml:"command"`
	Reply   string `yaml:"reply"`
	Event   string `yaml:"event"`
}

type Queues struct {
	ReplyPrefix string `yaml:"reply_prefix"`
	EventPrefix string `yaml:"event_prefix"`
}

// ReconnectBackoff controls subscription recovery after a broker side
// channel shutdown. MaxElapsed of zero retries until the subscription is
// closed.
type ReconnectBackoff struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	MaxElapsed time.Duration `yaml:"max_elapsed"`
}

func Default() Config {
	return Config{
		Broker: Broker{
			Port:  5671,
			VHost: "/",
			TLS:   true,
		},
		ClientName:     "EXAMPLE",
		RequestTimeout: 120 * time.Second,
		Exchanges: Exchanges{
			Command: "DMZ",
			Reply:   "PARTNER",
			Event:   "EVENT.APP",
		},
		Queues: Queues{
			ReplyPrefix: "PARTNER.CLIENT.",
			EventPrefix: "PARTNER.EVENTS.",
		},
		EventPrefetch: 1,
		Reconnect: ReconnectBackoff{
			Initial:    200 * time.Millisecond,
			Max:        5 * time.Second,
			Multiplier: 2,
		},
	}
}

// Load reads a YAML file on top of Default and applies LSBL_* environment
// overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("LSBL_BROKER_HOST"); v != "" {
		cfg.Broker.Host = v
	}
	if v := os.Getenv("LSBL_BROKER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LSBL_BROKER_PORT: %w", err)
		}
		cfg.Broker.Port = port
	}
	if v := os.Getenv("LSBL_BROKER_VHOST"); v != "" {
		cfg.Broker.VHost = v
	}
	if v := os.Getenv("LSBL_BROKER_USERNAME"); v != "" {
		cfg.Broker.Username = v
	}
	if v := os.Getenv("LSBL_BROKER_PASSWORD"); v != "" {
		cfg.Broker.Password = v
	}
	if v := os.Getenv("LSBL_CLIENT_NAME"); v != "" {
		cfg.ClientName = v
	}
	if v := os.Getenv("LSBL_BACKEND_USERNAME"); v != "" {
		cfg.Backend.Username = v
	}
	if v := os.Getenv("LSBL_BACKEND_PASSWORD"); v != "" {
		cfg.Backend.Password = v
	}
	return nil
}

func (c Config) Validate() error {
	if c.Broker.Host == "" {
		return ErrEmptyHost
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Broker.Port)
	}
	if c.ClientName == "" {
		return ErrEmptyClientName
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTimeout, c.RequestTimeout)
	}
	return nil
}

// URI returns the AMQP URI of the broker. The vhost is path escaped, so the
// default vhost "/" becomes "%2F".
func (b Broker) URI() string {
	scheme := "amqp"
	if b.TLS {
		scheme = "amqps"
	}
	u := url.URL{
		Scheme: scheme,
		User:   url.UserPassword(b.Username, b.Password),
		Host:   net.JoinHostPort(b.Host, strconv.Itoa(b.Port)),
	}
	return u.String() + "/" + url.PathEscape(b.VHost)
}
