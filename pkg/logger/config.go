package logger

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Log output formats.
const (
	TextFormat = "text"
	JSONFormat = "json"
)

// DefaultConfig returns the default configuration of logger.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Color:  true,
		Format: TextFormat,
	}
}

// Config is the configuration of logger.
type Config struct {
	Level  string `json:"level"`
	Color  bool   `json:"color"`
	Format string `json:"format"`
}

// Validate returns the problems found in c.
func (c Config) Validate() []error {
	var errs []error
	if _, err := logrus.ParseLevel(c.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Format != TextFormat && c.Format != JSONFormat {
		errs = append(errs, errors.Errorf("log format must be %s or %s, got %q",
			TextFormat, JSONFormat, c.Format))
	}
	return errs
}

// SetLogrus sets logrus globally.
func SetLogrus(c Config) {
	Configure(logrus.StandardLogger(), c)
}

// Configure applies c to l.
func Configure(l *logrus.Logger, c Config) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		panic(fmt.Sprintf("invalid log level: %s", c.Level))
	}

	l.SetLevel(level)
	switch c.Format {
	case JSONFormat:
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			ForceColors:   c.Color,
			DisableColors: !c.Color,
		})
	}
}

// Discard returns a logger that writes nowhere, for tests.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
