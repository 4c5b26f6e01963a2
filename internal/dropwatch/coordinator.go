package dropwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// CycleResult summarizes one completed cycle for run accounting.
type CycleResult struct {
	Stats RunStats
	// NoBaseline is set when detection was requested but no snapshot for
	// the previous day exists; the cycle succeeds with zero drops.
	NoBaseline bool
	// DownloadSkipped is set when the target day's snapshot was already
	// committed and the fetch stage was bypassed.
	DownloadSkipped bool
}

// Coordinator executes the fetch, parse, detect, persist and match stages for
// one (tld, target date, kind) unit of work. It is safe for concurrent use;
// cross-process exclusion comes from the store lease taken per cycle.
type Coordinator struct {
	cfg     Config
	czds    *CZDSClient
	zones   *ZoneStore
	store   Store
	scorer  QualityScorer
	logger  *slog.Logger
	metrics *Metrics
	// notifier receives watchlist match notifications; nil disables them.
	notifier Notifier
}

// NewCoordinator wires a coordinator from its collaborators. scorer and
// notifier may be nil.
func NewCoordinator(cfg Config, czds *CZDSClient, zones *ZoneStore, store Store, scorer QualityScorer, notifier Notifier, logger *slog.Logger, metrics *Metrics) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		czds:     czds,
		zones:    zones,
		store:    store,
		scorer:   scorer,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
	}
}

// stages reports which pipeline stages a job kind runs.
func stages(kind JobKind) (download, parse, detect bool) {
	switch kind {
	case JobIngest:
		return true, false, false
	case JobParse:
		return true, true, false
	case JobDetect:
		return false, true, true
	default: // JobFull
		return true, true, true
	}
}

// RunCycle performs one cycle for (tld, day, kind).
//
// The cycle holds the store lease for its duration; a held lease returns
// ErrLeaseHeld so the caller records a skipped run. Every mutation inside
// the cycle is idempotent, so a crashed cycle can be rerun from the top.
func (c *Coordinator) RunCycle(ctx context.Context, tld string, day Date, kind JobKind) (CycleResult, error) {
	var res CycleResult

	if err := c.store.AcquireLease(ctx, tld, day, kind); err != nil {
		return res, err
	}
	defer func() {
		// Release with a fresh context so a canceled cycle still frees
		// the lease.
		_ = c.store.ReleaseLease(context.WithoutCancel(ctx), tld, day, kind)
	}()

	doDownload, doParse, doDetect := stages(kind)

	if doDownload {
		skipped, n, err := c.fetchSnapshot(ctx, tld, day)
		if err != nil {
			return res, err
		}
		res.DownloadSkipped = skipped
		res.Stats.BytesDownloaded = n
	}

	if !doParse {
		return res, nil
	}

	if !c.zones.Exists(tld, day) {
		return res, &OpError{Kind: KindFatal, Op: "cycle",
			Err: fmt.Errorf("no snapshot for %s/%s", tld, day)}
	}

	if !doDetect {
		// Parse-only: validate the snapshot and count its labels. A
		// structural failure quarantines it just like the detect path.
		todaySet, err := c.parseSnapshot(ctx, tld, day)
		if err != nil {
			return res, err
		}
		res.Stats.LabelsParsed = todaySet.Len()
		_ = todaySet.Close()
		return res, nil
	}

	prev := day.Prev()
	if !c.zones.Exists(tld, prev) {
		// First cycle for this TLD: nothing to diff against. The run
		// succeeds with zero drops and the marker still advances, so
		// tomorrow's cycle has its baseline.
		res.NoBaseline = true
		if err := c.store.SetTLDImportMarker(ctx, tld, day, 0); err != nil {
			return res, err
		}
		c.finishCycle(tld)
		return res, nil
	}

	prevSet, err := c.parseSnapshot(ctx, tld, prev)
	if err != nil {
		return res, err
	}
	defer func() { _ = prevSet.Close() }()

	todaySet, err := c.parseSnapshot(ctx, tld, day)
	if err != nil {
		return res, err
	}
	defer func() { _ = todaySet.Close() }()
	res.Stats.LabelsParsed = todaySet.Len()

	persister := NewDropPersister(c.store, c.cfg.BatchSize, c.logger, c.metrics)
	detector := NewDropDetector(tld, c.scorer, c.logger, c.metrics)
	detected, err := detector.Detect(ctx, prevSet, todaySet, day, func(rec DropRecord) error {
		return persister.Add(ctx, rec)
	})
	if err != nil {
		return res, err
	}
	if err := persister.Flush(ctx); err != nil {
		return res, err
	}
	res.Stats.DropsDetected = detected
	res.Stats.DropsInserted = len(persister.Inserted())

	matcher, err := NewWatchlistMatcher(ctx, c.store, c.notifier, c.logger, c.metrics)
	if err != nil {
		return res, err
	}
	if _, err := matcher.MatchDrops(ctx, persister.Inserted()); err != nil {
		return res, err
	}

	if err := c.store.SetTLDImportMarker(ctx, tld, day, res.Stats.DropsInserted); err != nil {
		return res, err
	}
	c.finishCycle(tld)
	return res, nil
}

// fetchSnapshot downloads and commits the day's zone unless already present.
func (c *Coordinator) fetchSnapshot(ctx context.Context, tld string, day Date) (skipped bool, bytes int64, err error) {
	if c.zones.Exists(tld, day) {
		if c.logger != nil {
			c.logger.Debug("snapshot already committed", "tld", tld, "day", day.String())
		}
		return true, 0, nil
	}

	url, err := c.czds.ResolveZoneURL(ctx, tld)
	if err != nil {
		return false, 0, err
	}
	info, err := c.czds.HeadZone(ctx, url)
	if err != nil {
		return false, 0, err
	}

	handle, err := c.zones.Reserve(tld, day)
	if err != nil {
		if errors.Is(err, ErrSnapshotExists) {
			return true, 0, nil
		}
		return false, 0, err
	}

	n, err := c.czds.DownloadZone(ctx, url, info, handle)
	if err != nil {
		handle.Abort()
		return false, n, err
	}

	// Verify against the advertised length when the server sent one.
	wantSize := int64(-1)
	if info.Size > 0 {
		wantSize = info.Size
	}
	snap, err := handle.Commit(wantSize, "")
	if err != nil {
		return false, n, err
	}
	c.metrics.AddBytesDownloaded(tld, n)
	if c.logger != nil {
		c.logger.Info("snapshot committed",
			"tld", tld, "day", day.String(),
			"bytes", snap.SizeBytes, "sha256", snap.SHA256)
	}
	return false, n, nil
}

// parseSnapshot materializes the label set for one committed snapshot. A
// structural parse failure quarantines the file so the next cycle re-fetches
// instead of re-reading the corrupt bytes.
func (c *Coordinator) parseSnapshot(ctx context.Context, tld string, day Date) (LabelSet, error) {
	r, err := c.zones.Open(tld, day)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	parser := NewZoneParser(tld, c.cfg.MemoryBudgetLabels, c.cfg.DataDir, c.logger, c.metrics)
	set, err := parser.Parse(ctx, r)
	if err != nil {
		if KindOf(err) == KindParser {
			if qerr := c.zones.Quarantine(tld, day); qerr == nil && c.logger != nil {
				c.logger.Error("snapshot quarantined",
					"tld", tld, "day", day.String(), "error", err.Error())
			}
		}
		return nil, err
	}
	return set, nil
}

func (c *Coordinator) finishCycle(tld string) {
	if removed, err := c.zones.Prune(tld, c.cfg.SnapshotKeep); err != nil {
		if c.logger != nil {
			c.logger.Warn("snapshot prune failed", "tld", tld, "error", err.Error())
		}
	} else if removed > 0 && c.logger != nil {
		c.logger.Debug("snapshots pruned", "tld", tld, "removed", removed)
	}
}
