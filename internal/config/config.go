// Package config loads settings for the signaller binaries from the environment and
// optional .env files. Command line flags are layered on top by the commands.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Relay holds the relay daemon settings.
type Relay struct {
	Addr           string
	OriginRE       string
	ListenDeadline time.Duration
	PipeDeadline   time.Duration
	MaxMessageSize int64
	MaxMessages    int
	RedisAddr      string
	RedisPrefix    string
	LogLevel       string
	LogFormat      string
}

// MinDeadline is the smallest listen or pipe deadline the relay accepts: one sweep of the
// cleaner plus a second.
const MinDeadline = 6 * time.Second

// RelayFromEnv reads relay settings, falling back to defaults for anything unset or invalid.
func RelayFromEnv() Relay {
	return Relay{
		Addr:           getenv("ADDR", ":8080"),
		OriginRE:       os.Getenv("ORIGIN_RE"),
		ListenDeadline: getDuration("LISTEN_DEADLINE", 60*time.Second),
		PipeDeadline:   getDuration("PIPE_DEADLINE", 10*time.Second),
		MaxMessageSize: int64(getInt("MAX_MESSAGE_SIZE", 1024)),
		MaxMessages:    getInt("MAX_MESSAGES", 8),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPrefix:    getenv("REDIS_PREFIX", "signaller"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		LogFormat:      getenv("LOG_FORMAT", "text"),
	}
}

// Validate checks the settings the relay cannot run without.
func (c Relay) Validate() error {
	if c.ListenDeadline < MinDeadline {
		return fmt.Errorf("listen deadline cannot be less than %s", MinDeadline)
	}
	if c.PipeDeadline < MinDeadline {
		return fmt.Errorf("pipe deadline cannot be less than %s", MinDeadline)
	}
	if c.MaxMessageSize <= 0 {
		return errors.New("max message size must be positive")
	}
	if c.MaxMessages <= 0 {
		return errors.New("max messages must be positive")
	}
	if c.OriginRE != "" {
		if _, err := regexp.Compile(c.OriginRE); err != nil {
			return fmt.Errorf("could not parse origin regex: %w", err)
		}
	}
	return nil
}

// Client holds the CLI client settings.
type Client struct {
	Server    string
	Handle    string
	LogLevel  string
	LogFormat string
}

// ClientFromEnv reads client settings.
func ClientFromEnv() Client {
	return Client{
		Server:    getenv("SIGNALLER_SERVER", "ws://127.0.0.1:8080"),
		Handle:    os.Getenv("SIGNALLER_HANDLE"),
		LogLevel:  getenv("LOG_LEVEL", "info"),
		LogFormat: getenv("LOG_FORMAT", "text"),
	}
}

// SetupLogging configures the standard logrus logger.
func SetupLogging(level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}

// LoadEnv loads .env files from the usual places without overriding variables that are
// already set.
func LoadEnv() {
	paths := []string{
		".env",
		filepath.Join("..", ".env"),
	}
	for _, p := range paths {
		if err := LoadEnvFile(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			logrus.Warnf("env load warning for %s: %v", p, err)
		}
	}
}

// LoadEnvFile reads KEY=VALUE lines from path into the environment. Blank lines and
// lines starting with # are skipped; existing variables win.
func LoadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, val)
		}
	}
	return scanner.Err()
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logrus.Warnf("config: %s=%q is not a number, using %d", key, v, fallback)
		return fallback
	}
	return n
}

// getDuration accepts Go durations ("90s") or a bare number of seconds.
func getDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logrus.Warnf("config: %s=%q is not a duration, using %s", key, v, fallback)
		return fallback
	}
	return d
}
