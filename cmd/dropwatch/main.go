package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	dropwatch "dropwatch/internal/dropwatch"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	exitOK         = 0
	exitFailure    = 1
	exitConfig     = 2
	exitNoBaseline = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage(os.Stderr)
		return exitConfig
	}

	switch args[0] {
	case "run":
		return cmdRun(args[1:])
	case "ingest":
		return cmdIngest(args[1:])
	case "catch-up":
		return cmdCatchup(args[1:])
	case "replay":
		return cmdReplay(args[1:])
	case "score":
		return cmdScore(args[1:])
	case "-h", "--help", "help":
		usage(os.Stdout)
		return exitOK
	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage(os.Stderr)
		return exitConfig
	}
}

func usage(w *os.File) {
	_, _ = fmt.Fprintf(w, "Usage: %s <command> [flags]\n\n", os.Args[0])
	_, _ = fmt.Fprintf(w, "Commands:\n")
	_, _ = fmt.Fprintf(w, "  run       Start the scheduler: cron-driven daily cycles plus catch-up\n")
	_, _ = fmt.Fprintf(w, "  ingest    Run one cycle for one TLD and date, then exit\n")
	_, _ = fmt.Fprintf(w, "  catch-up  Backfill missed days for all enabled jobs, then exit\n")
	_, _ = fmt.Fprintf(w, "  replay    Re-run detection from local snapshots for one TLD and date\n")
	_, _ = fmt.Fprintf(w, "  score     Print the quality score breakdown for domain names\n\n")
	_, _ = fmt.Fprintf(w, "Environment Variables:\n\n")
	_, _ = fmt.Fprintf(w, "Storage:\n")
	_, _ = fmt.Fprintf(w, "  DW_DATA_DIR\n")
	_, _ = fmt.Fprintf(w, "    Root for zone snapshots (default: /var/lib/dropwatch)\n\n")
	_, _ = fmt.Fprintf(w, "  DW_DATABASE_URL\n")
	_, _ = fmt.Fprintf(w, "    Postgres connection string; unset selects an in-memory store\n")
	_, _ = fmt.Fprintf(w, "    suitable only for replay and local development\n\n")
	_, _ = fmt.Fprintf(w, "CZDS API:\n")
	_, _ = fmt.Fprintf(w, "  DW_CZDS_USERNAME, DW_CZDS_PASSWORD\n")
	_, _ = fmt.Fprintf(w, "    ICANN CZDS account credentials (required by run/ingest/catch-up)\n\n")
	_, _ = fmt.Fprintf(w, "  DW_CZDS_AUTH_URL, DW_CZDS_BASE_URL\n")
	_, _ = fmt.Fprintf(w, "    Override the authentication and API endpoints\n\n")
	_, _ = fmt.Fprintf(w, "Scheduling:\n")
	_, _ = fmt.Fprintf(w, "  DW_WORKERS\n")
	_, _ = fmt.Fprintf(w, "    Concurrent pipeline workers (default: 4)\n\n")
	_, _ = fmt.Fprintf(w, "  DW_CATCHUP_HORIZON\n")
	_, _ = fmt.Fprintf(w, "    Days of missed cycles to backfill on start (default: 7)\n\n")
	_, _ = fmt.Fprintf(w, "  DW_CYCLE_TIMEOUT\n")
	_, _ = fmt.Fprintf(w, "    Per-cycle deadline (default: 2h)\n")
	_, _ = fmt.Fprintf(w, "    Format: Go duration (e.g., 2h, 45m)\n\n")
	_, _ = fmt.Fprintf(w, "  DW_MAX_RETRIES\n")
	_, _ = fmt.Fprintf(w, "    Retries for transiently failed cycles (default: 3)\n\n")
	_, _ = fmt.Fprintf(w, "Downloads:\n")
	_, _ = fmt.Fprintf(w, "  DW_HTTP_CONNECT_TIMEOUT\n")
	_, _ = fmt.Fprintf(w, "    TCP connect timeout for CZDS requests (default: 10s)\n\n")
	_, _ = fmt.Fprintf(w, "  DW_HTTP_INACTIVITY_TIMEOUT\n")
	_, _ = fmt.Fprintf(w, "    Abort a download after this long without data (default: 60s)\n\n")
	_, _ = fmt.Fprintf(w, "Pipeline:\n")
	_, _ = fmt.Fprintf(w, "  DW_MEMORY_BUDGET_LABELS\n")
	_, _ = fmt.Fprintf(w, "    Unique labels held in memory before spilling to disk (default: 20000000)\n\n")
	_, _ = fmt.Fprintf(w, "  DW_BATCH_SIZE\n")
	_, _ = fmt.Fprintf(w, "    Drop records per database batch (default: 5000)\n\n")
	_, _ = fmt.Fprintf(w, "  DW_DB_BATCH_TIMEOUT\n")
	_, _ = fmt.Fprintf(w, "    Deadline for one database batch (default: 30s)\n\n")
	_, _ = fmt.Fprintf(w, "  DW_SNAPSHOT_KEEP\n")
	_, _ = fmt.Fprintf(w, "    Snapshots retained per TLD, minimum 2 (default: 2)\n\n")
	_, _ = fmt.Fprintf(w, "Observability:\n")
	_, _ = fmt.Fprintf(w, "  DW_METRICS_ADDR\n")
	_, _ = fmt.Fprintf(w, "    Prometheus listen address for the run command (default: :9215)\n")
	_, _ = fmt.Fprintf(w, "    Empty disables the metrics endpoint\n")
}

// exitCode maps an error to the process exit code.
func exitCode(err error) int {
	switch dropwatch.KindOf(err) {
	case dropwatch.KindConfig:
		return exitConfig
	case dropwatch.KindMissingBaseline:
		return exitNoBaseline
	default:
		return exitFailure
	}
}

// app bundles the collaborators shared by every command.
type app struct {
	cfg     dropwatch.Config
	logger  *slog.Logger
	metrics *dropwatch.Metrics
	reg     *prometheus.Registry
	store   dropwatch.Store
	zones   *dropwatch.ZoneStore
	czds    *dropwatch.CZDSClient
	coord   *dropwatch.Coordinator
	sched   *dropwatch.Scheduler
}

// setup loads configuration and wires the pipeline. needCreds selects
// whether missing CZDS credentials are a startup failure.
func setup(ctx context.Context, debug, needCreds bool) (*app, int) {
	cfg, err := dropwatch.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return nil, exitConfig
	}

	logger := dropwatch.NewLogger(dropwatch.LoggerOptions{Debug: debug})

	if needCreds {
		if err := cfg.RequireCredentials(); err != nil {
			logger.Error("missing CZDS credentials", "error", err.Error())
			return nil, exitConfig
		}
	}

	reg := prometheus.NewRegistry()
	metrics := dropwatch.NewMetrics(reg)

	zones, err := dropwatch.NewZoneStore(cfg.DataDir, metrics)
	if err != nil {
		logger.Error("zone store init failed", "error", err.Error())
		return nil, exitCode(err)
	}

	var store dropwatch.Store
	if cfg.DatabaseURL != "" {
		pg, err := dropwatch.NewPGStore(ctx, cfg.DatabaseURL, cfg.DBBatchTimeout)
		if err != nil {
			logger.Error("database init failed", "error", err.Error())
			return nil, exitCode(err)
		}
		store = pg
	} else {
		logger.Warn("DW_DATABASE_URL not set, using in-memory store")
		store = dropwatch.NewMemStore()
	}

	czds := dropwatch.NewCZDSClient(cfg, logger, metrics)
	scorer := dropwatch.NewScoreCache(dropwatch.DefaultScorer{}, 1_000_000, metrics)
	notifier := &dropwatch.LogNotifier{Logger: logger}
	coord := dropwatch.NewCoordinator(cfg, czds, zones, store, scorer, notifier, logger, metrics)
	sched := dropwatch.NewScheduler(cfg, store, coord, logger, metrics)

	return &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		reg:     reg,
		store:   store,
		zones:   zones,
		czds:    czds,
		coord:   coord,
		sched:   sched,
	}, exitOK
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	debug := fs.Bool("d", false, "Enable debug logging")
	tlds := fs.String("tlds", "", "Comma-separated TLDs to register as enabled full-cycle jobs")
	schedule := fs.String("schedule", "30 2 * * *", "Cron schedule for jobs registered via -tlds (UTC)")
	_ = fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()

	a, code := setup(ctx, *debug, true)
	if code != exitOK {
		return code
	}
	defer a.store.Close()

	if *tlds != "" {
		for _, tld := range strings.Split(*tlds, ",") {
			tld = strings.ToLower(strings.TrimSpace(tld))
			if tld == "" {
				continue
			}
			if err := a.store.UpsertTLD(ctx, dropwatch.TLD{Name: tld, Active: true}); err != nil {
				a.logger.Error("tld registration failed", "tld", tld, "error", err.Error())
				return exitCode(err)
			}
			if _, err := a.store.UpsertJob(ctx, dropwatch.Job{
				TLD:      tld,
				Kind:     dropwatch.JobFull,
				Schedule: *schedule,
				Enabled:  true,
			}); err != nil {
				a.logger.Error("job registration failed", "tld", tld, "error", err.Error())
				return exitCode(err)
			}
		}
	}

	if a.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{}))
		srv := &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server error", "error", err.Error())
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		a.logger.Info("metrics listening", "addr", a.cfg.MetricsAddr)
	}

	a.logger.Info("starting dropwatch", "data_dir", a.cfg.DataDir)
	if err := a.sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("scheduler stopped", "error", err.Error())
		return exitCode(err)
	}
	a.logger.Info("dropwatch stopped")
	return exitOK
}

func cmdIngest(args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	debug := fs.Bool("d", false, "Enable debug logging")
	date := fs.String("date", "", "Target date YYYY-MM-DD (default: today)")
	kindName := fs.String("kind", "full", "Stages to run: full, ingest (download only), parse, or detect")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(os.Stderr, "usage: dropwatch ingest [-d] [-date YYYY-MM-DD] [-kind KIND] <tld>")
		return exitConfig
	}
	kind, ok := parseJobKind(*kindName)
	if !ok {
		_, _ = fmt.Fprintf(os.Stderr, "invalid kind %q: want full, ingest, parse or detect\n", *kindName)
		return exitConfig
	}
	return runOneShot(*debug, kind != dropwatch.JobDetect, fs.Arg(0), *date, kind)
}

func parseJobKind(s string) (dropwatch.JobKind, bool) {
	switch dropwatch.JobKind(strings.ToLower(s)) {
	case dropwatch.JobFull:
		return dropwatch.JobFull, true
	case dropwatch.JobIngest:
		return dropwatch.JobIngest, true
	case dropwatch.JobParse:
		return dropwatch.JobParse, true
	case dropwatch.JobDetect:
		return dropwatch.JobDetect, true
	default:
		return "", false
	}
}

func cmdReplay(args []string) int {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	debug := fs.Bool("d", false, "Enable debug logging")
	date := fs.String("date", "", "Target date YYYY-MM-DD (default: today)")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(os.Stderr, "usage: dropwatch replay [-d] [-date YYYY-MM-DD] <tld>")
		return exitConfig
	}
	return runOneShot(*debug, false, fs.Arg(0), *date, dropwatch.JobDetect)
}

// runOneShot executes a single cycle outside the scheduler. The exit code
// carries the outcome: a detect-capable cycle against a day with no baseline
// exits 3 so operators can tell it apart from a zero-drop day.
func runOneShot(debug, needCreds bool, tld, date string, kind dropwatch.JobKind) int {
	day := dropwatch.Today()
	if date != "" {
		var err error
		day, err = dropwatch.ParseDate(date)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "invalid date %q: %v\n", date, err)
			return exitConfig
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, code := setup(ctx, debug, needCreds)
	if code != exitOK {
		return code
	}
	defer a.store.Close()

	tld = strings.ToLower(strings.TrimSpace(tld))
	if err := a.store.UpsertTLD(ctx, dropwatch.TLD{Name: tld, Active: true}); err != nil {
		a.logger.Error("tld registration failed", "tld", tld, "error", err.Error())
		return exitCode(err)
	}

	res, err := a.coord.RunCycle(ctx, tld, day, kind)
	if err != nil {
		a.logger.Error("cycle failed",
			"tld", tld, "target_date", day.String(), "kind", string(kind),
			"error_class", dropwatch.KindOf(err).String(), "error", err.Error())
		return exitCode(err)
	}

	a.logger.Info("cycle finished",
		"tld", tld, "target_date", day.String(), "kind", string(kind),
		"bytes_downloaded", res.Stats.BytesDownloaded,
		"labels_parsed", res.Stats.LabelsParsed,
		"drops_detected", res.Stats.DropsDetected,
		"drops_inserted", res.Stats.DropsInserted)

	if res.NoBaseline {
		a.logger.Warn("no baseline snapshot for previous day", "tld", tld, "target_date", day.String())
		return exitNoBaseline
	}
	return exitOK
}

func cmdCatchup(args []string) int {
	fs := flag.NewFlagSet("catch-up", flag.ExitOnError)
	debug := fs.Bool("d", false, "Enable debug logging")
	horizon := fs.Int("horizon", -1, "Days of missed cycles to backfill (default: DW_CATCHUP_HORIZON)")
	_ = fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()

	a, code := setup(ctx, *debug, true)
	if code != exitOK {
		return code
	}
	defer a.store.Close()

	if *horizon >= 0 {
		a.cfg.CatchupHorizon = *horizon
		a.sched = dropwatch.NewScheduler(a.cfg, a.store, a.coord, a.logger, a.metrics)
	}

	if err := a.sched.CatchupOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("catch-up failed", "error", err.Error())
		return exitCode(err)
	}
	return exitOK
}

func cmdScore(args []string) int {
	fs := flag.NewFlagSet("score", flag.ExitOnError)
	_ = fs.Parse(args)

	if fs.NArg() == 0 {
		_, _ = fmt.Fprintln(os.Stderr, "usage: dropwatch score <label.tld> [<label.tld> ...]")
		return exitConfig
	}

	type result struct {
		Domain string                   `json:"domain"`
		Tier   string                   `json:"tier"`
		Score  dropwatch.ScoreBreakdown `json:"score"`
	}

	var out []result
	for _, arg := range fs.Args() {
		name := strings.ToLower(strings.TrimSpace(arg))
		dot := strings.LastIndex(name, ".")
		if dot <= 0 || dot == len(name)-1 {
			_, _ = fmt.Fprintf(os.Stderr, "invalid domain %q: want <label>.<tld>\n", arg)
			return exitConfig
		}
		b := dropwatch.ScoreWithBreakdown(name[:dot], name[dot+1:])
		out = append(out, result{Domain: name, Tier: dropwatch.QualityTier(b.Total), Score: b})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return exitFailure
	}
	return exitOK
}
