// Package config loads chat client settings from the environment. Command-line
// flags override what is loaded here.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"

	"github.com/whisper/chat-client/internal/transport"
)

// Config is the full client configuration.
type Config struct {
	Endpoint          string        `env:"CHAT_ENDPOINT"           envDefault:"http://localhost:3000"`
	ReconnectAttempts int           `env:"CHAT_RECONNECT_ATTEMPTS" envDefault:"5"`
	ReconnectDelay    time.Duration `env:"CHAT_RECONNECT_DELAY"    envDefault:"1s"`
	DialTimeout       time.Duration `env:"CHAT_DIAL_TIMEOUT"       envDefault:"20s"`
	WriteTimeout      time.Duration `env:"CHAT_WRITE_TIMEOUT"      envDefault:"10s"`
	MaxPending        int           `env:"CHAT_MAX_PENDING"        envDefault:"100"`
	SocketIOPath      string        `env:"CHAT_SOCKETIO_PATH"      envDefault:"/socket.io/"`
	Namespace         string        `env:"CHAT_NAMESPACE"          envDefault:"/"`
	ClientID          string        `env:"CHAT_CLIENT_ID"`
	SubjectPrefix     string        `env:"CHAT_SUBJECT_PREFIX"     envDefault:"assistant"`
	MetricsAddr       string        `env:"CHAT_METRICS_ADDR"`
	LogLevel          string        `env:"CHAT_LOG_LEVEL"          envDefault:"info"`
}

// Load reads the process environment.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	return c, nil
}

// LoadFrom reads the given variables instead of the process environment.
func LoadFrom(environ map[string]string) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	return c, nil
}

// Validate checks the settings that would otherwise fail later and less
// clearly.
func (c Config) Validate() error {
	var errs []error
	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	} else if u, err := url.Parse(c.Endpoint); err != nil || u.Scheme == "" {
		errs = append(errs, fmt.Errorf("endpoint %q is not an absolute URL", c.Endpoint))
	}
	if c.ReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("reconnect attempts must be >= 0, got %d", c.ReconnectAttempts))
	}
	if c.ReconnectDelay < 0 {
		errs = append(errs, fmt.Errorf("reconnect delay must be >= 0, got %s", c.ReconnectDelay))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Transport maps the settings onto a transport configuration.
func (c Config) Transport() transport.Config {
	return transport.Config{
		Endpoint:             c.Endpoint,
		ReconnectionAttempts: c.ReconnectAttempts,
		ReconnectionDelay:    c.ReconnectDelay,
		DialTimeout:          c.DialTimeout,
		WriteTimeout:         c.WriteTimeout,
		MaxPending:           c.MaxPending,
		Path:                 c.SocketIOPath,
		Namespace:            c.Namespace,
		ClientID:             c.ClientID,
		SubjectPrefix:        c.SubjectPrefix,
	}
}
