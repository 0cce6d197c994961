// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
)

// Defaults.
const (
	DefaultAddr               = ":8080"
	DefaultUpstreamURL        = "http://127.0.0.1:8000"
	DefaultStreamURLTemplate  = "ws://127.0.0.1:8000/ws/cameras/%d/detections"
	DefaultRetryDelay         = 3 * time.Second
	DefaultPollInterval       = time.Second
	DefaultPollTimeout        = 800 * time.Millisecond
	DefaultMaxCameras         = 9
	DefaultMaxConcurrentDials = 4
	DefaultSampleInterval     = 100 * time.Millisecond
	DefaultProbeLimit         = 5
)

// Config is the service configuration.
type Config struct {
	Addr              string
	DataDir           string
	DBPath            string
	StaticDir         string
	UpstreamURL       string
	StreamURLTemplate string

	RetryDelay         time.Duration
	PollInterval       time.Duration
	PollTimeout        time.Duration
	MaxCameras         int
	MaxConcurrentDials int
	SampleInterval     time.Duration
	ProbeLimit         int

	LogLevel  zapcore.Level
	LogFormat string
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads the configuration through getenv. Unset variables take
// their defaults; every malformed or out-of-range value is reported.
func LoadFrom(getenv func(string) string) (Config, error) {
	p := parser{getenv: getenv}

	cfg := Config{
		Addr:              p.str("GESTUREOPS_ADDR", DefaultAddr),
		DataDir:           p.str("GESTUREOPS_DATA_DIR", defaultDataDir()),
		StaticDir:         p.str("GESTUREOPS_STATIC_DIR", ""),
		UpstreamURL:       p.str("GESTUREOPS_UPSTREAM_URL", DefaultUpstreamURL),
		StreamURLTemplate: p.str("GESTUREOPS_STREAM_URL_TEMPLATE", DefaultStreamURLTemplate),

		RetryDelay:         p.duration("GESTUREOPS_RETRY_DELAY", DefaultRetryDelay),
		PollInterval:       p.duration("GESTUREOPS_POLL_INTERVAL", DefaultPollInterval),
		PollTimeout:        p.duration("GESTUREOPS_POLL_TIMEOUT", DefaultPollTimeout),
		MaxCameras:         p.integer("GESTUREOPS_MAX_CAMERAS", DefaultMaxCameras),
		MaxConcurrentDials: p.integer("GESTUREOPS_MAX_CONCURRENT_DIALS", DefaultMaxConcurrentDials),
		SampleInterval:     p.duration("GESTUREOPS_SAMPLE_INTERVAL", DefaultSampleInterval),
		ProbeLimit:         p.integer("GESTUREOPS_PROBE_LIMIT", DefaultProbeLimit),

		LogFormat: strings.ToLower(p.str("LOG_FORMAT", "json")),
	}
	cfg.DBPath = p.str("GESTUREOPS_DB_PATH", filepath.Join(cfg.DataDir, "gestureops.db"))

	if lvl := getenv("LOG_LEVEL"); lvl != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(lvl)); err != nil {
			p.err = multierr.Append(p.err, fmt.Errorf("LOG_LEVEL: %w", err))
		}
	} else {
		cfg.LogLevel = zapcore.InfoLevel
	}

	return cfg, multierr.Append(p.err, cfg.Validate())
}

// Validate checks ranges and cross-field constraints.
func (c Config) Validate() error {
	var err error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			err = multierr.Append(err, fmt.Errorf(format, args...))
		}
	}

	check(c.Addr != "", "listen address is required")
	check(c.DBPath != "", "database path is required")
	if u, perr := url.Parse(c.UpstreamURL); perr != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		check(false, "upstream url %q must be an http(s) url", c.UpstreamURL)
	}
	check(strings.Count(c.StreamURLTemplate, "%d") == 1, "stream url template %q must contain exactly one %%d", c.StreamURLTemplate)
	if u, perr := url.Parse(fmt.Sprintf(c.StreamURLTemplate, 1)); perr != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		check(false, "stream url template %q must produce a ws(s) url", c.StreamURLTemplate)
	}

	check(c.RetryDelay >= 500*time.Millisecond && c.RetryDelay <= time.Minute,
		"retry delay %v outside [500ms, 1m]", c.RetryDelay)
	check(c.PollInterval >= 100*time.Millisecond && c.PollInterval <= time.Minute,
		"poll interval %v outside [100ms, 1m]", c.PollInterval)
	check(c.PollTimeout > 0 && c.PollTimeout <= c.PollInterval,
		"poll timeout %v must be positive and at most the poll interval %v", c.PollTimeout, c.PollInterval)
	check(c.MaxCameras >= 1 && c.MaxCameras <= 64, "max cameras %d outside [1, 64]", c.MaxCameras)
	check(c.MaxConcurrentDials >= 1 && c.MaxConcurrentDials <= 64,
		"max concurrent dials %d outside [1, 64]", c.MaxConcurrentDials)
	check(c.SampleInterval >= 0 && c.SampleInterval <= 10*time.Second,
		"sample interval %v outside [0, 10s]", c.SampleInterval)
	check(c.ProbeLimit >= 1 && c.ProbeLimit <= 32, "probe limit %d outside [1, 32]", c.ProbeLimit)
	check(c.LogFormat == "json" || c.LogFormat == "console", "log format %q must be json or console", c.LogFormat)
	return err
}

// StreamURL returns the detection stream URL of a camera.
func (c Config) StreamURL(cameraID int64) string {
	return fmt.Sprintf(c.StreamURLTemplate, cameraID)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gestureops"
	}
	return filepath.Join(home, ".gestureops")
}

type parser struct {
	getenv func(string) string
	err    error
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) integer(key string, def int) int {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.err = multierr.Append(p.err, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.err = multierr.Append(p.err, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}
