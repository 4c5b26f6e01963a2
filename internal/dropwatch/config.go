package dropwatch

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for dropwatch.
type Config struct {
	// DataDir is the root under which zone snapshots live
	// (<DataDir>/zones/<tld>/<YYYYMMDD>.zone[.gz]).
	DataDir string

	// CZDS API access.
	CZDSUsername string
	CZDSPassword string
	CZDSAuthURL  string
	CZDSBaseURL  string

	// DatabaseURL is a pgx connection string. Empty selects the in-memory
	// store, which is suitable for replay and local development only.
	DatabaseURL string

	Workers        int
	CatchupHorizon int
	SnapshotKeep   int

	CycleTimeout          time.Duration
	HTTPConnectTimeout    time.Duration
	HTTPInactivityTimeout time.Duration
	DBBatchTimeout        time.Duration

	MaxRetries int

	// MemoryBudgetLabels is the unique-label count above which the parser
	// spills to external-sort deduplication instead of an in-memory set.
	MemoryBudgetLabels int

	// BatchSize is the number of drop records persisted per transaction.
	BatchSize int

	MetricsAddr string
}

type envLookup func(key string) (string, bool)

// LoadConfig loads configuration from environment variables.
//
// This is the production entry point for loading configuration. All values
// have defaults except the CZDS credentials, which are validated lazily by
// the commands that actually talk to the CZDS API, so that replay-only
// invocations work without them.
//
// For testing, use parseConfigFromMap to provide explicit values without
// touching the process environment.
func LoadConfig() (Config, error) {
	return parseConfigFromLookup(os.LookupEnv)
}

func parseConfigFromMap(env map[string]string) (Config, error) {
	return parseConfigFromLookup(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
}

func parseConfigFromLookup(lookup envLookup) (Config, error) {
	cfg := Config{
		DataDir:               "/var/lib/dropwatch",
		CZDSAuthURL:           "https://account-api.icann.org/api/authenticate",
		CZDSBaseURL:           "https://czds-api.icann.org",
		Workers:               4,
		CatchupHorizon:        7,
		SnapshotKeep:          2,
		CycleTimeout:          2 * time.Hour,
		HTTPConnectTimeout:    10 * time.Second,
		HTTPInactivityTimeout: 60 * time.Second,
		DBBatchTimeout:        30 * time.Second,
		MaxRetries:            3,
		MemoryBudgetLabels:    20_000_000,
		BatchSize:             5000,
		MetricsAddr:           ":9215",
	}

	if v, ok := lookup("DW_DATA_DIR"); ok && v != "" {
		cfg.DataDir = v
	}

	if v, ok := lookup("DW_CZDS_USERNAME"); ok {
		cfg.CZDSUsername = strings.TrimSpace(v)
	}
	if v, ok := lookup("DW_CZDS_PASSWORD"); ok {
		cfg.CZDSPassword = v
	}
	if v, ok := lookup("DW_CZDS_AUTH_URL"); ok && v != "" {
		if !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "https://") {
			return Config{}, fmt.Errorf("DW_CZDS_AUTH_URL: must be an http(s) URL")
		}
		cfg.CZDSAuthURL = v
	}
	if v, ok := lookup("DW_CZDS_BASE_URL"); ok && v != "" {
		if !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "https://") {
			return Config{}, fmt.Errorf("DW_CZDS_BASE_URL: must be an http(s) URL")
		}
		cfg.CZDSBaseURL = strings.TrimSuffix(v, "/")
	}

	if v, ok := lookup("DW_DATABASE_URL"); ok {
		cfg.DatabaseURL = v
	}

	if v, ok := lookup("DW_WORKERS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("DW_WORKERS: %w", err)
		}
		if n <= 0 {
			return Config{}, fmt.Errorf("DW_WORKERS: must be > 0")
		}
		cfg.Workers = n
	}

	if v, ok := lookup("DW_CATCHUP_HORIZON"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("DW_CATCHUP_HORIZON: %w", err)
		}
		if n < 0 {
			return Config{}, fmt.Errorf("DW_CATCHUP_HORIZON: must be >= 0")
		}
		cfg.CatchupHorizon = n
	}

	if v, ok := lookup("DW_SNAPSHOT_KEEP"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("DW_SNAPSHOT_KEEP: %w", err)
		}
		// Two snapshots are the minimum for an adjacent-day diff.
		if n < 2 {
			return Config{}, fmt.Errorf("DW_SNAPSHOT_KEEP: must be >= 2")
		}
		cfg.SnapshotKeep = n
	}

	if v, ok := lookup("DW_CYCLE_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("DW_CYCLE_TIMEOUT: %w", err)
		}
		if d <= 0 {
			return Config{}, fmt.Errorf("DW_CYCLE_TIMEOUT: must be > 0")
		}
		cfg.CycleTimeout = d
	}

	if v, ok := lookup("DW_HTTP_CONNECT_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("DW_HTTP_CONNECT_TIMEOUT: %w", err)
		}
		if d <= 0 {
			return Config{}, fmt.Errorf("DW_HTTP_CONNECT_TIMEOUT: must be > 0")
		}
		cfg.HTTPConnectTimeout = d
	}

	if v, ok := lookup("DW_HTTP_INACTIVITY_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("DW_HTTP_INACTIVITY_TIMEOUT: %w", err)
		}
		if d <= 0 {
			return Config{}, fmt.Errorf("DW_HTTP_INACTIVITY_TIMEOUT: must be > 0")
		}
		cfg.HTTPInactivityTimeout = d
	}

	if v, ok := lookup("DW_DB_BATCH_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("DW_DB_BATCH_TIMEOUT: %w", err)
		}
		if d <= 0 {
			return Config{}, fmt.Errorf("DW_DB_BATCH_TIMEOUT: must be > 0")
		}
		cfg.DBBatchTimeout = d
	}

	if v, ok := lookup("DW_MAX_RETRIES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("DW_MAX_RETRIES: %w", err)
		}
		if n < 0 {
			return Config{}, fmt.Errorf("DW_MAX_RETRIES: must be >= 0")
		}
		cfg.MaxRetries = n
	}

	if v, ok := lookup("DW_MEMORY_BUDGET_LABELS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("DW_MEMORY_BUDGET_LABELS: %w", err)
		}
		if n <= 0 {
			return Config{}, fmt.Errorf("DW_MEMORY_BUDGET_LABELS: must be > 0")
		}
		cfg.MemoryBudgetLabels = n
	}

	if v, ok := lookup("DW_BATCH_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("DW_BATCH_SIZE: %w", err)
		}
		if n <= 0 {
			return Config{}, fmt.Errorf("DW_BATCH_SIZE: must be > 0")
		}
		cfg.BatchSize = n
	}

	if v, ok := lookup("DW_METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}

	return cfg, nil
}

// RequireCredentials reports whether CZDS credentials are configured.
// Commands that talk to the CZDS API call this at startup; replay does not.
func (c Config) RequireCredentials() error {
	if c.CZDSUsername == "" || c.CZDSPassword == "" {
		return &OpError{Kind: KindConfig, Op: "config", Err: fmt.Errorf("DW_CZDS_USERNAME and DW_CZDS_PASSWORD are required")}
	}
	return nil
}
