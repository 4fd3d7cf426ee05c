package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rcourtman/quartermaster/internal/utils"
	"github.com/rs/zerolog/log"
)

const defaultDataDir = "/etc/quartermaster"

// Config holds the service's runtime settings.
type Config struct {
	DataPath string

	// Server
	FrontendHost   string `validate:"required"`
	FrontendPort   int    `validate:"min=1,max=65535"`
	MetricsPort    int    `validate:"min=0,max=65535"` // 0 disables the metrics listener
	AllowedOrigins string
	AllowEmbedding bool

	// Bus
	Bus             string        `validate:"oneof=system session"`
	BusRetries      int           `validate:"min=0,max=20"`
	CallTimeout     time.Duration `validate:"min=1s"`
	RegisterTimeout time.Duration `validate:"min=1s"`
	BreakerFailures uint32        `validate:"min=1"`
	BreakerCooldown time.Duration `validate:"min=1s"`

	// Logging
	LogLevel   string `validate:"oneof=trace debug info warn warning error disabled"`
	LogFormat  string `validate:"oneof=auto json console"`
	LogFile    string
	LogMaxSize int `validate:"min=0"`
	LogMaxAge  int `validate:"min=0"`
	LogBackups int `validate:"min=0"`

	// EnvOverrides records which settings came from the environment.
	EnvOverrides map[string]bool

	// levelPinned is set when LOG_LEVEL came from the process environment
	// rather than a .env file.
	levelPinned bool

	mu sync.RWMutex
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Default returns the settings used when nothing overrides them.
func Default() *Config {
	return &Config{
		DataPath:        defaultDataDir,
		FrontendHost:    "0.0.0.0",
		FrontendPort:    9090,
		MetricsPort:     9091,
		AllowEmbedding:  true,
		Bus:             "system",
		BusRetries:      3,
		CallTimeout:     30 * time.Second,
		RegisterTimeout: 5 * time.Minute,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
		LogLevel:        "info",
		LogFormat:       "auto",
		LogMaxSize:      50,
		LogMaxAge:       14,
		LogBackups:      5,
		EnvOverrides:    make(map[string]bool),
	}
}

// Load reads defaults, then .env files, then the environment.
func Load() (*Config, error) {
	dataDir := defaultDataDir
	if dir := utils.Getenv("QM_DATA_DIR"); dir != "" {
		dataDir = dir
	}

	levelPinned := utils.Getenv("LOG_LEVEL") != ""

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file for deployment overrides")
		}
	}

	// Also try loading from current directory for development
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}

	cfg := Default()
	cfg.DataPath = dataDir
	cfg.levelPinned = levelPinned
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := []struct {
		env   string
		key   string
		dst   *string
		lower bool
	}{
		{"FRONTEND_HOST", "frontendHost", &c.FrontendHost, false},
		{"ALLOWED_ORIGINS", "allowedOrigins", &c.AllowedOrigins, false},
		{"QM_BUS", "bus", &c.Bus, true},
		{"LOG_LEVEL", "logLevel", &c.LogLevel, true},
		{"LOG_FORMAT", "logFormat", &c.LogFormat, true},
		{"LOG_FILE", "logFile", &c.LogFile, false},
	}
	for _, s := range strs {
		v := utils.Getenv(s.env)
		if v == "" {
			continue
		}
		if s.lower {
			v = strings.ToLower(v)
		}
		*s.dst = v
		c.EnvOverrides[s.key] = true
		log.Info().Str("env", s.env).Msg("Applied environment override")
	}

	ints := []struct {
		env string
		key string
		dst *int
	}{
		{"FRONTEND_PORT", "frontendPort", &c.FrontendPort},
		{"METRICS_PORT", "metricsPort", &c.MetricsPort},
		{"QM_BUS_RETRIES", "busRetries", &c.BusRetries},
		{"LOG_MAX_SIZE", "logMaxSize", &c.LogMaxSize},
		{"LOG_MAX_AGE", "logMaxAge", &c.LogMaxAge},
		{"LOG_MAX_BACKUPS", "logBackups", &c.LogBackups},
	}
	for _, i := range ints {
		v := utils.Getenv(i.env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", i.env, err)
		}
		*i.dst = n
		c.EnvOverrides[i.key] = true
	}

	durations := []struct {
		env string
		key string
		dst *time.Duration
	}{
		{"QM_CALL_TIMEOUT", "callTimeout", &c.CallTimeout},
		{"QM_REGISTER_TIMEOUT", "registerTimeout", &c.RegisterTimeout},
		{"QM_BREAKER_COOLDOWN", "breakerCooldown", &c.BreakerCooldown},
	}
	for _, d := range durations {
		v := utils.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.env, err)
		}
		*d.dst = parsed
		c.EnvOverrides[d.key] = true
	}

	if v := utils.Getenv("QM_BREAKER_FAILURES"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("QM_BREAKER_FAILURES: %w", err)
		}
		c.BreakerFailures = uint32(n)
		c.EnvOverrides["breakerFailures"] = true
	}
	if v := utils.Getenv("ALLOW_EMBEDDING"); v != "" {
		c.AllowEmbedding = utils.ParseBool(v)
		c.EnvOverrides["allowEmbedding"] = true
	}
	return nil
}

// parseDuration accepts Go durations and bare whole seconds.
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return getValidator().Struct(c)
}

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

func validateLogLevel(level string) error {
	return getValidator().Var(level, "oneof=trace debug info warn warning error disabled")
}

// OriginList splits AllowedOrigins.
func (c *Config) OriginList() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// EnvPath is the .env file the watcher follows.
func (c *Config) EnvPath() string {
	dir := c.DataPath
	if dir == "" {
		dir = defaultDataDir
	}
	return filepath.Join(dir, ".env")
}

// CurrentLogLevel returns the log level, which can change at runtime.
func (c *Config) CurrentLogLevel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.LogLevel
}

func (c *Config) setLogLevel(level string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.LogLevel == level {
		return false
	}
	c.LogLevel = level
	return true
}
