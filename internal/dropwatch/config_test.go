package dropwatch

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := parseConfigFromMap(nil)
	if err != nil {
		t.Fatalf("parseConfigFromMap: %v", err)
	}

	if got, want := cfg.DataDir, "/var/lib/dropwatch"; got != want {
		t.Errorf("DataDir = %q, want %q", got, want)
	}
	if got, want := cfg.Workers, 4; got != want {
		t.Errorf("Workers = %d, want %d", got, want)
	}
	if got, want := cfg.CatchupHorizon, 7; got != want {
		t.Errorf("CatchupHorizon = %d, want %d", got, want)
	}
	if got, want := cfg.SnapshotKeep, 2; got != want {
		t.Errorf("SnapshotKeep = %d, want %d", got, want)
	}
	if got, want := cfg.CycleTimeout, 2*time.Hour; got != want {
		t.Errorf("CycleTimeout = %v, want %v", got, want)
	}
	if got, want := cfg.HTTPInactivityTimeout, 60*time.Second; got != want {
		t.Errorf("HTTPInactivityTimeout = %v, want %v", got, want)
	}
	if got, want := cfg.BatchSize, 5000; got != want {
		t.Errorf("BatchSize = %d, want %d", got, want)
	}
	if got, want := cfg.MemoryBudgetLabels, 20_000_000; got != want {
		t.Errorf("MemoryBudgetLabels = %d, want %d", got, want)
	}
	if !strings.HasPrefix(cfg.CZDSAuthURL, "https://") {
		t.Errorf("CZDSAuthURL = %q, want https URL", cfg.CZDSAuthURL)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Parallel()

	cfg, err := parseConfigFromMap(map[string]string{
		"DW_DATA_DIR":            "/tmp/dw",
		"DW_WORKERS":             "8",
		"DW_CATCHUP_HORIZON":     "14",
		"DW_SNAPSHOT_KEEP":       "5",
		"DW_CYCLE_TIMEOUT":       "45m",
		"DW_MAX_RETRIES":         "1",
		"DW_BATCH_SIZE":          "100",
		"DW_CZDS_BASE_URL":       "https://example.test/api/",
		"DW_MEMORY_BUDGET_LABELS": "1000",
	})
	if err != nil {
		t.Fatalf("parseConfigFromMap: %v", err)
	}

	if got, want := cfg.DataDir, "/tmp/dw"; got != want {
		t.Errorf("DataDir = %q, want %q", got, want)
	}
	if got, want := cfg.Workers, 8; got != want {
		t.Errorf("Workers = %d, want %d", got, want)
	}
	if got, want := cfg.CatchupHorizon, 14; got != want {
		t.Errorf("CatchupHorizon = %d, want %d", got, want)
	}
	if got, want := cfg.SnapshotKeep, 5; got != want {
		t.Errorf("SnapshotKeep = %d, want %d", got, want)
	}
	if got, want := cfg.CycleTimeout, 45*time.Minute; got != want {
		t.Errorf("CycleTimeout = %v, want %v", got, want)
	}
	if got, want := cfg.MaxRetries, 1; got != want {
		t.Errorf("MaxRetries = %d, want %d", got, want)
	}
	// Trailing slash is trimmed so URL joins stay predictable.
	if got, want := cfg.CZDSBaseURL, "https://example.test/api"; got != want {
		t.Errorf("CZDSBaseURL = %q, want %q", got, want)
	}
	if got, want := cfg.MemoryBudgetLabels, 1000; got != want {
		t.Errorf("MemoryBudgetLabels = %d, want %d", got, want)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		env  map[string]string
	}{
		{"workers not a number", map[string]string{"DW_WORKERS": "many"}},
		{"workers zero", map[string]string{"DW_WORKERS": "0"}},
		{"negative horizon", map[string]string{"DW_CATCHUP_HORIZON": "-1"}},
		{"keep below minimum", map[string]string{"DW_SNAPSHOT_KEEP": "1"}},
		{"bad duration", map[string]string{"DW_CYCLE_TIMEOUT": "2 hours"}},
		{"zero timeout", map[string]string{"DW_HTTP_CONNECT_TIMEOUT": "0s"}},
		{"bad auth url", map[string]string{"DW_CZDS_AUTH_URL": "ftp://icann.example"}},
		{"zero batch", map[string]string{"DW_BATCH_SIZE": "0"}},
		{"zero budget", map[string]string{"DW_MEMORY_BUDGET_LABELS": "0"}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := parseConfigFromMap(tc.env); err == nil {
				t.Fatalf("parseConfigFromMap(%v): want error, got nil", tc.env)
			}
		})
	}
}

func TestRequireCredentials(t *testing.T) {
	t.Parallel()

	cfg, err := parseConfigFromMap(nil)
	if err != nil {
		t.Fatalf("parseConfigFromMap: %v", err)
	}
	err = cfg.RequireCredentials()
	if err == nil {
		t.Fatal("RequireCredentials with no credentials: want error, got nil")
	}
	if got, want := KindOf(err), KindConfig; got != want {
		t.Errorf("KindOf = %v, want %v", got, want)
	}

	cfg, err = parseConfigFromMap(map[string]string{
		"DW_CZDS_USERNAME": "user@example.test",
		"DW_CZDS_PASSWORD": "hunter2",
	})
	if err != nil {
		t.Fatalf("parseConfigFromMap: %v", err)
	}
	if err := cfg.RequireCredentials(); err != nil {
		t.Errorf("RequireCredentials with credentials: %v", err)
	}
}
