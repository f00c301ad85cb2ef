package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tokligence/tokligence-canvas/internal/hooks"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/canvas.ini"
	envPrefix        = "CANVAS_"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// Backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"

	ProviderLoopback = "loopback"
	ProviderHTTP     = "http"
)

// DBPool mirrors database/sql pool knobs.
type DBPool struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // minutes
	ConnMaxIdleTime int // minutes
}

// CanvasConfig describes runtime options for canvasd.
type CanvasConfig struct {
	Environment string
	HTTPAddress string
	LogFile     string
	LogLevel    string

	AuthSecret        string
	AuthDisabled      bool
	TrustedUserHeader string
	// FulfilmentSecret guards POST /internal/credits. Empty disables it.
	FulfilmentSecret string

	LedgerBackend string
	LedgerPath    string
	LedgerDSN     string
	RedisURL      string

	StoreBackend      string
	JobStorePath      string
	ArtifactStorePath string
	StoreDSN          string
	Pool              DBPool

	Provider           string
	ProviderBaseURL    string
	ProviderAPIKey     string
	ProviderSubmitPath string
	ProviderPollPath   string
	ProviderTimeout    time.Duration
	LoopbackPolls      int
	SubmitRPS          float64
	SubmitBurst        int

	PollInterval        time.Duration
	PollTimeout         time.Duration
	PollMaxAttempts     int
	Workers             int
	RefundAlertAttempts int
	RetryMaxBackoff     time.Duration
	OrphanGrace         time.Duration

	PricingFile         string
	DefaultImagePrice   int64
	MaxImagesPerRequest int
	MaxPromptLength     int

	RateLimitEnabled bool
	UserRPS          float64
	UserBurst        float64

	Hooks hooks.Config
}

// values resolves keys from the environment first, then the merged INI.
type values struct {
	merged map[string]string
	errs   []error
}

func (v *values) str(key string, fallback ...string) string {
	args := append([]string{os.Getenv(envPrefix + strings.ToUpper(key)), v.merged[key]}, fallback...)
	return strings.TrimSpace(firstNonEmpty(args...))
}

func (v *values) boolean(key string, fallback bool) bool {
	return parseOptionalBool(v.str(key), fallback)
}

func (v *values) integer(key string, fallback int) int {
	raw := v.str(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		v.errs = append(v.errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return fallback
	}
	return n
}

func (v *values) float(key string, fallback float64) float64 {
	raw := v.str(key)
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		v.errs = append(v.errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return fallback
	}
	return f
}

func (v *values) duration(key string, fallback time.Duration) time.Duration {
	raw := v.str(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		v.errs = append(v.errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return fallback
	}
	return d
}

// LoadCanvasConfig reads config/setting.ini, the active environment's
// canvas.ini and CANVAS_* environment overrides, in increasing precedence.
func LoadCanvasConfig(root string) (CanvasConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return CanvasConfig{}, err
	}
	env := firstNonEmpty(os.Getenv(envPrefix+"ENVIRONMENT"), s.Environment)

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, env)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return CanvasConfig{}, err
		}
	}
	merged := make(map[string]string)
	for k, val := range s.Defaults {
		merged[k] = val
	}
	for k, val := range envValues {
		merged[k] = val
	}
	v := &values{merged: merged}

	cfg := CanvasConfig{
		Environment:       env,
		HTTPAddress:       v.str("http_address", ":8080"),
		LogFile:           v.str("log_file"),
		LogLevel:          strings.ToLower(v.str("log_level", "info")),
		AuthSecret:        v.str("auth_secret", "canvas-dev-secret"),
		AuthDisabled:      v.boolean("auth_disabled", false),
		TrustedUserHeader: v.str("trusted_user_header"),
		FulfilmentSecret:  v.str("fulfilment_secret"),

		LedgerBackend: strings.ToLower(v.str("ledger_backend", BackendSQLite)),
		LedgerPath:    v.str("ledger_path", DefaultDataPath("ledger.db")),
		LedgerDSN:     v.str("ledger_dsn"),
		RedisURL:      v.str("redis_url"),

		StoreBackend:      strings.ToLower(v.str("store_backend", BackendSQLite)),
		JobStorePath:      v.str("job_store_path", DefaultDataPath("jobs.db")),
		ArtifactStorePath: v.str("artifact_store_path", DefaultDataPath("artifacts.db")),
		StoreDSN:          v.str("store_dsn"),
		Pool: DBPool{
			MaxOpenConns:    v.integer("db_max_open_conns", 20),
			MaxIdleConns:    v.integer("db_max_idle_conns", 10),
			ConnMaxLifetime: v.integer("db_conn_max_lifetime", 60),
			ConnMaxIdleTime: v.integer("db_conn_max_idle_time", 10),
		},

		Provider:           strings.ToLower(v.str("provider", ProviderLoopback)),
		ProviderBaseURL:    v.str("provider_base_url"),
		ProviderAPIKey:     v.str("provider_api_key"),
		ProviderSubmitPath: v.str("provider_submit_path"),
		ProviderPollPath:   v.str("provider_poll_path"),
		ProviderTimeout:    v.duration("provider_timeout", 30*time.Second),
		LoopbackPolls:      v.integer("loopback_pending_polls", 1),
		SubmitRPS:          v.float("submit_rps", 5),
		SubmitBurst:        v.integer("submit_burst", 10),

		PollInterval:        v.duration("poll_interval", 2*time.Second),
		PollTimeout:         v.duration("poll_timeout", 5*time.Minute),
		PollMaxAttempts:     v.integer("poll_max_attempts", 0),
		Workers:             v.integer("workers", 16),
		RefundAlertAttempts: v.integer("refund_alert_attempts", 8),
		RetryMaxBackoff:     v.duration("retry_max_backoff", 30*time.Second),
		OrphanGrace:         v.duration("orphan_grace", 10*time.Minute),

		PricingFile:         v.str("pricing_file"),
		DefaultImagePrice:   int64(v.integer("default_image_price", 0)),
		MaxImagesPerRequest: v.integer("max_images_per_request", 4),
		MaxPromptLength:     v.integer("max_prompt_length", 4000),

		RateLimitEnabled: v.boolean("ratelimit_enabled", true),
		UserRPS:          v.float("user_rps", 2),
		UserBurst:        v.float("user_burst", 10),
	}

	cfg.Hooks = hooks.Config{
		Enabled:    v.boolean("hooks_enabled", false),
		ScriptPath: v.str("hooks_script_path"),
		ScriptArgs: parseCSV(v.str("hooks_script_args")),
		Env:        parseMap(v.str("hooks_script_env")),
		Timeout:    v.duration("hooks_timeout", 0),
	}

	if len(v.errs) > 0 {
		return CanvasConfig{}, errors.Join(v.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return CanvasConfig{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c CanvasConfig) Validate() error {
	var errs []error
	switch c.LedgerBackend {
	case BackendSQLite:
	case BackendPostgres:
		if c.LedgerDSN == "" {
			errs = append(errs, errors.New("ledger_dsn required for postgres ledger"))
		}
	case BackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("redis_url required for redis ledger"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ledger_backend %q", c.LedgerBackend))
	}
	switch c.StoreBackend {
	case BackendSQLite:
	case BackendPostgres:
		if c.StoreDSN == "" {
			errs = append(errs, errors.New("store_dsn required for postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store_backend %q", c.StoreBackend))
	}
	switch c.Provider {
	case ProviderLoopback:
	case ProviderHTTP:
		if c.ProviderBaseURL == "" {
			errs = append(errs, errors.New("provider_base_url required for http provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}
	if !c.AuthDisabled && c.AuthSecret == "" {
		errs = append(errs, errors.New("auth_secret required unless auth_disabled"))
	}
	if c.MaxImagesPerRequest < 1 {
		errs = append(errs, fmt.Errorf("max_images_per_request must be positive, got %d", c.MaxImagesPerRequest))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.DefaultImagePrice < 0 {
		errs = append(errs, fmt.Errorf("default_image_price must not be negative, got %d", c.DefaultImagePrice))
	}
	if err := c.Hooks.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseCSV(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(input, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseMap(input string) map[string]string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	result := make(map[string]string)
	for _, entry := range strings.Split(input, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key != "" {
			result[key] = strings.TrimSpace(value)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// DefaultDataPath places a database file under ~/.tokligence/canvas.
func DefaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".tokligence", "canvas", name)
}
