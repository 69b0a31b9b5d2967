// Package config loads netinspect settings from defaults, an optional .env
// file, NETINSPECT_* environment variables and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/adamdrake/go_netinspect/internal/capture"
)

// Config holds all settings for the netinspect binary.
type Config struct {
	ProxyAddr string `yaml:"proxyAddr"`
	APIAddr   string `yaml:"apiAddr"`

	// Capture settings, mirrored onto capture.Options.
	MaxRequests     int      `yaml:"maxRequests"`
	RefreshRateMS   int      `yaml:"refreshRate"`
	IgnoredHosts    []string `yaml:"ignoredHosts"`
	IgnoredURLs     []string `yaml:"ignoredUrls"`
	IgnoredPatterns []string `yaml:"ignoredPatterns"`
	ForceEnable     bool     `yaml:"forceEnable"`

	// MaxBodySize caps captured body bytes per request.
	MaxBodySize int64 `yaml:"maxBodySize"`

	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
	LogFile   string `yaml:"logFile"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ProxyAddr:     ":8080",
		APIAddr:       ":8081",
		MaxRequests:   capture.DefaultMaxRequests,
		RefreshRateMS: int(capture.DefaultRefreshRate / time.Millisecond),
		MaxBodySize:   10 * 1024 * 1024,
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// Load builds a Config. path names an optional YAML file applied after the
// environment; an empty path skips it.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := Default()
	cfg.applyEnv()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ProxyAddr = getEnvOrDefault("NETINSPECT_PROXY_ADDR", c.ProxyAddr)
	c.APIAddr = getEnvOrDefault("NETINSPECT_API_ADDR", c.APIAddr)
	c.MaxRequests = getEnvIntOrDefault("NETINSPECT_MAX_REQUESTS", c.MaxRequests)
	c.RefreshRateMS = getEnvIntOrDefault("NETINSPECT_REFRESH_RATE_MS", c.RefreshRateMS)
	c.IgnoredHosts = getEnvListOrDefault("NETINSPECT_IGNORED_HOSTS", c.IgnoredHosts)
	c.IgnoredURLs = getEnvListOrDefault("NETINSPECT_IGNORED_URLS", c.IgnoredURLs)
	c.IgnoredPatterns = getEnvListOrDefault("NETINSPECT_IGNORED_PATTERNS", c.IgnoredPatterns)
	c.ForceEnable = getEnvBoolOrDefault("NETINSPECT_FORCE_ENABLE", c.ForceEnable)
	c.MaxBodySize = int64(getEnvIntOrDefault("NETINSPECT_MAX_BODY_SIZE", int(c.MaxBodySize)))
	c.LogLevel = getEnvOrDefault("NETINSPECT_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnvOrDefault("NETINSPECT_LOG_FORMAT", c.LogFormat)
	c.LogFile = getEnvOrDefault("NETINSPECT_LOG_FILE", c.LogFile)
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate checks the settings that cannot be silently defaulted.
func (c *Config) Validate() error {
	var errs []error
	if c.ProxyAddr == "" {
		errs = append(errs, errors.New("proxy address is required"))
	}
	if c.APIAddr == "" {
		errs = append(errs, errors.New("api address is required"))
	}
	for _, p := range c.IgnoredPatterns {
		if _, err := capture.ParsePattern(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InspectorOptions converts the capture settings. Out-of-range values are
// passed through; the Inspector keeps its previous value for them.
func (c *Config) InspectorOptions() (*capture.Options, error) {
	opts := &capture.Options{
		MaxRequests:  c.MaxRequests,
		RefreshRate:  time.Duration(c.RefreshRateMS) * time.Millisecond,
		IgnoredHosts: c.IgnoredHosts,
		IgnoredURLs:  c.IgnoredURLs,
		ForceEnable:  c.ForceEnable,
	}
	if c.IgnoredPatterns != nil {
		opts.IgnoredPatterns = make([]capture.Pattern, 0, len(c.IgnoredPatterns))
		for _, s := range c.IgnoredPatterns {
			p, err := capture.ParsePattern(s)
			if err != nil {
				return nil, err
			}
			opts.IgnoredPatterns = append(opts.IgnoredPatterns, p)
		}
	}
	return opts, nil
}

func getEnvOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getEnvIntOrDefault(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer in environment, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func getEnvBoolOrDefault(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid boolean in environment, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}

// getEnvListOrDefault splits a comma-separated value.
func getEnvListOrDefault(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
