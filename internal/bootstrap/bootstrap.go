package bootstrap

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tokligence/tokligence-canvas/internal/config"
)

// InitOptions configures the generated canvasd config files.
type InitOptions struct {
	Root             string
	Environment      string
	HTTPAddress      string
	LedgerBackend    string
	LedgerPath       string
	JobStorePath     string
	ArtifactPath     string
	Provider         string
	ProviderBaseURL  string
	AuthSecret       string
	FulfilmentSecret string
	Force            bool
}

// Init scaffolds config/setting.ini and config/<env>/canvas.ini. Secrets
// left empty are generated.
func Init(opts InitOptions) error {
	if err := applyDefaults(&opts); err != nil {
		return err
	}
	if err := Validate(opts); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(opts.Root, "config", opts.Environment), 0o755); err != nil {
		return err
	}
	settingPath := filepath.Join(opts.Root, "config", "setting.ini")
	if err := writeFile(settingPath, settingTemplate(opts), opts.Force); err != nil {
		return err
	}
	envPath := filepath.Join(opts.Root, "config", opts.Environment, "canvas.ini")
	return writeFile(envPath, canvasTemplate(opts), opts.Force)
}

func applyDefaults(opts *InitOptions) error {
	if strings.TrimSpace(opts.Root) == "" {
		opts.Root = "."
	}
	if strings.TrimSpace(opts.Environment) == "" {
		opts.Environment = "dev"
	}
	if strings.TrimSpace(opts.HTTPAddress) == "" {
		opts.HTTPAddress = ":8080"
	}
	if strings.TrimSpace(opts.LedgerBackend) == "" {
		opts.LedgerBackend = config.BackendSQLite
	}
	if strings.TrimSpace(opts.LedgerPath) == "" {
		opts.LedgerPath = config.DefaultDataPath("ledger.db")
	}
	if strings.TrimSpace(opts.JobStorePath) == "" {
		opts.JobStorePath = config.DefaultDataPath("jobs.db")
	}
	if strings.TrimSpace(opts.ArtifactPath) == "" {
		opts.ArtifactPath = config.DefaultDataPath("artifacts.db")
	}
	if strings.TrimSpace(opts.Provider) == "" {
		opts.Provider = config.ProviderLoopback
	}
	var err error
	if opts.AuthSecret == "" {
		if opts.AuthSecret, err = randomSecret(); err != nil {
			return err
		}
	}
	if opts.FulfilmentSecret == "" {
		if opts.FulfilmentSecret, err = randomSecret(); err != nil {
			return err
		}
	}
	return nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func writeFile(path, contents string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("file already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(contents), 0o600)
}

func settingTemplate(opts InitOptions) string {
	return fmt.Sprintf(`# Tokligence Canvas settings
environment=%s
log_level=info
`, opts.Environment)
}

func canvasTemplate(opts InitOptions) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# canvasd overrides for %s\n", opts.Environment)
	fmt.Fprintf(&b, "http_address=%s\n", opts.HTTPAddress)
	fmt.Fprintf(&b, "log_file=logs/canvasd.log\n")
	fmt.Fprintf(&b, "auth_secret=%s\n", opts.AuthSecret)
	fmt.Fprintf(&b, "fulfilment_secret=%s\n", opts.FulfilmentSecret)
	fmt.Fprintf(&b, "ledger_backend=%s\n", opts.LedgerBackend)
	fmt.Fprintf(&b, "ledger_path=%s\n", opts.LedgerPath)
	fmt.Fprintf(&b, "store_backend=%s\n", config.BackendSQLite)
	fmt.Fprintf(&b, "job_store_path=%s\n", opts.JobStorePath)
	fmt.Fprintf(&b, "artifact_store_path=%s\n", opts.ArtifactPath)
	fmt.Fprintf(&b, "provider=%s\n", opts.Provider)
	if opts.ProviderBaseURL != "" {
		fmt.Fprintf(&b, "provider_base_url=%s\n", opts.ProviderBaseURL)
	}
	b.WriteString("poll_interval=2s\npoll_timeout=5m\nworkers=16\n")
	return b.String()
}

// Validate checks option combinations without touching the filesystem.
func Validate(opts InitOptions) error {
	switch opts.LedgerBackend {
	case "", config.BackendSQLite:
	case config.BackendPostgres, config.BackendRedis:
		return fmt.Errorf("ledger backend %s needs a DSN; edit canvas.ini after init", opts.LedgerBackend)
	default:
		return fmt.Errorf("unknown ledger backend %q", opts.LedgerBackend)
	}
	switch opts.Provider {
	case "", config.ProviderLoopback:
	case config.ProviderHTTP:
		if strings.TrimSpace(opts.ProviderBaseURL) == "" {
			return errors.New("provider base url is required for the http provider")
		}
	default:
		return fmt.Errorf("unknown provider %q", opts.Provider)
	}
	return nil
}
