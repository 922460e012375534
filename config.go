package confine

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/kolkov/confine/internal/config"
	"github.com/kolkov/confine/internal/confine/stackdepot"
	"github.com/kolkov/confine/internal/confine/sticky"
	"github.com/kolkov/confine/internal/observability"
)

// Config is the library configuration. See DefaultConfig for the defaults
// and LoadConfig for the TOML file format.
type Config = config.Config

// ExitPolicy selects what happens to pending values when a goroutine run by
// Go, GoLocked or Run panics.
type ExitPolicy = config.ExitPolicy

// Exit policies.
const (
	ExitLeak    = config.ExitLeak
	ExitDestroy = config.ExitDestroy
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig reads a TOML file on top of DefaultConfig and applies CONFINE_*
// environment overrides.
//
//	log_level      = "info"
//	abnormal_exit  = "leak"
//	sweep_interval = "30s"
//	report         = true
//	capture_stacks = true
func LoadConfig(path string) (Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return Config{}, err
	}
	if err := config.ApplyEnv(&cfg, os.Getenv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

type settings struct {
	cfg      Config
	abnormal sticky.Policy
}

var (
	active atomic.Pointer[settings]

	reportMu  sync.Mutex
	reportOut io.Writer = os.Stderr
)

func init() {
	cfg := config.Default()
	envErr := config.ApplyEnv(&cfg, os.Getenv)
	if envErr == nil {
		envErr = Configure(cfg)
	}
	if envErr != nil {
		_ = Configure(config.Default())
		observability.Logger().Warn().Err(envErr).Msg("ignoring invalid CONFINE_* environment")
	}
}

// Configure validates cfg and makes it the active configuration.
func Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	policy := sticky.PolicyLeak
	if cfg.AbnormalExit == config.ExitDestroy {
		policy = sticky.PolicyDestroy
	}

	observability.ConfigureLogger(os.Stderr, cfg.LogLevel)
	stackdepot.SetEnabled(cfg.CaptureStacks)
	active.Store(&settings{cfg: cfg, abnormal: policy})
	return nil
}

// CurrentConfig returns the active configuration.
func CurrentConfig() Config {
	return active.Load().cfg
}

// SetReportOutput redirects violation reports, which go to stderr by
// default. A nil w restores stderr.
func SetReportOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	reportMu.Lock()
	reportOut = w
	reportMu.Unlock()
}

func emitReport(v *ViolationError) {
	if !active.Load().cfg.Report || v.report == nil {
		return
	}
	reportMu.Lock()
	defer reportMu.Unlock()
	v.report.Format(reportOut)
}

// SetLogger routes library logs into l. Configure replaces it with the
// default console logger again.
func SetLogger(l zerolog.Logger) {
	observability.SetLogger(l)
}

// MetricsRegistry returns the Prometheus registry holding the library
// collectors, for exposure with promhttp.HandlerFor or a Gatherers list.
func MetricsRegistry() *prometheus.Registry {
	return observability.Registry()
}
