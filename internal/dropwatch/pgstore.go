package dropwatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgUniqueViolation is the Postgres error code for a unique constraint hit.
const pgUniqueViolation = "23505"

// pgSchema is the idempotent bootstrap DDL. Drops are append-only and unique
// on (label, tld, drop_date); leases are a bare unique key, so acquisition is
// one atomic insert.
const pgSchema = `
CREATE TABLE IF NOT EXISTS tlds (
	name             text PRIMARY KEY,
	display_name     text NOT NULL DEFAULT '',
	active           boolean NOT NULL DEFAULT true,
	last_import_date date,
	last_drop_count  integer NOT NULL DEFAULT 0,
	created_at       timestamptz NOT NULL DEFAULT now(),
	updated_at       timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS drops (
	id            bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	label         text NOT NULL,
	tld           text NOT NULL,
	drop_date     date NOT NULL,
	length        integer NOT NULL,
	label_count   integer NOT NULL DEFAULT 1,
	charset       text NOT NULL,
	quality_score integer,
	created_at    timestamptz NOT NULL DEFAULT now(),
	UNIQUE (label, tld, drop_date)
);
CREATE INDEX IF NOT EXISTS drops_tld_date_idx ON drops (tld, drop_date);
CREATE INDEX IF NOT EXISTS drops_date_idx ON drops (drop_date);

CREATE TABLE IF NOT EXISTS jobs (
	id          bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	tld         text NOT NULL,
	kind        text NOT NULL,
	schedule    text NOT NULL,
	enabled     boolean NOT NULL DEFAULT true,
	timeout_s   integer NOT NULL,
	max_retries integer NOT NULL,
	backoff_s   integer NOT NULL,
	UNIQUE (tld, kind)
);

CREATE TABLE IF NOT EXISTS job_runs (
	id          text PRIMARY KEY,
	job_id      bigint NOT NULL DEFAULT 0,
	tld         text NOT NULL,
	target_date date NOT NULL,
	kind        text NOT NULL,
	started_at  timestamptz NOT NULL,
	finished_at timestamptz,
	outcome     text NOT NULL DEFAULT '',
	bytes_downloaded bigint NOT NULL DEFAULT 0,
	labels_parsed    integer NOT NULL DEFAULT 0,
	drops_detected   integer NOT NULL DEFAULT 0,
	drops_inserted   integer NOT NULL DEFAULT 0,
	error_class text NOT NULL DEFAULT '',
	error_msg   text NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS job_runs_tld_kind_idx ON job_runs (tld, kind, target_date);

CREATE TABLE IF NOT EXISTS leases (
	tld         text NOT NULL,
	target_date date NOT NULL,
	kind        text NOT NULL,
	acquired_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (tld, target_date, kind)
);

CREATE TABLE IF NOT EXISTS watchlists (
	id           bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	user_id      bigint NOT NULL,
	name         text NOT NULL,
	active       boolean NOT NULL DEFAULT true,
	pattern_kind text NOT NULL,
	pattern      text NOT NULL,
	unanchored   boolean NOT NULL DEFAULT false,
	min_length   integer NOT NULL DEFAULT 0,
	max_length   integer NOT NULL DEFAULT 0,
	tlds         text[] NOT NULL DEFAULT '{}',
	charsets     text[] NOT NULL DEFAULT '{}',
	min_quality  integer NOT NULL DEFAULT 0,
	deactivated_reason text NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS watchlist_matches (
	watchlist_id bigint NOT NULL,
	drop_id      bigint NOT NULL,
	matched_at   timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (watchlist_id, drop_id)
);
`

// PGStore is the Postgres-backed Store.
type PGStore struct {
	pool         *pgxpool.Pool
	batchTimeout time.Duration
}

// NewPGStore connects to databaseURL, bootstraps the schema, and verifies
// connectivity with a ping. batchTimeout bounds each batched write.
func NewPGStore(ctx context.Context, databaseURL string, batchTimeout time.Duration) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, &OpError{Kind: KindConfig, Op: "pgstore", Err: fmt.Errorf("parse database url: %w", err)}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &OpError{Kind: KindTransient, Op: "pgstore", Err: fmt.Errorf("ping: %w", err)}
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, &OpError{Kind: KindFatal, Op: "pgstore", Err: fmt.Errorf("bootstrap schema: %w", err)}
	}
	return &PGStore{pool: pool, batchTimeout: batchTimeout}, nil
}

func (s *PGStore) batchCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.batchTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.batchTimeout)
}

func (s *PGStore) UpsertTLD(ctx context.Context, t TLD) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tlds (name, display_name, active)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    active = EXCLUDED.active,
		    updated_at = now()`,
		strings.ToLower(t.Name), t.DisplayName, t.Active)
	if err != nil {
		return &OpError{Kind: KindTransient, Op: "pgstore.upsert_tld", Err: err}
	}
	return nil
}

func (s *PGStore) GetTLD(ctx context.Context, name string) (TLD, error) {
	var t TLD
	var lastImport *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT name, display_name, active, last_import_date, last_drop_count, created_at, updated_at
		FROM tlds WHERE name = $1`, strings.ToLower(name)).
		Scan(&t.Name, &t.DisplayName, &t.Active, &lastImport, &t.LastDropCount, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return TLD{}, fmt.Errorf("tld %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return TLD{}, &OpError{Kind: KindTransient, Op: "pgstore.get_tld", Err: err}
	}
	if lastImport != nil {
		t.LastImportDate = DateOf(*lastImport)
	}
	return t, nil
}

func (s *PGStore) ListTLDs(ctx context.Context, activeOnly bool) ([]TLD, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, display_name, active, last_import_date, last_drop_count, created_at, updated_at
		FROM tlds WHERE ($1 = false OR active) ORDER BY name`, activeOnly)
	if err != nil {
		return nil, &OpError{Kind: KindTransient, Op: "pgstore.list_tlds", Err: err}
	}
	defer rows.Close()

	var out []TLD
	for rows.Next() {
		var t TLD
		var lastImport *time.Time
		if err := rows.Scan(&t.Name, &t.DisplayName, &t.Active, &lastImport, &t.LastDropCount, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, &OpError{Kind: KindTransient, Op: "pgstore.list_tlds", Err: err}
		}
		if lastImport != nil {
			t.LastImportDate = DateOf(*lastImport)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, &OpError{Kind: KindTransient, Op: "pgstore.list_tlds", Err: err}
	}
	return out, nil
}

func (s *PGStore) SetTLDImportMarker(ctx context.Context, name string, day Date, dropCount int) error {
	// The marker only moves forward so catch-up replays never regress it.
	_, err := s.pool.Exec(ctx, `
		UPDATE tlds
		SET last_import_date = $2, last_drop_count = $3, updated_at = now()
		WHERE name = $1 AND (last_import_date IS NULL OR last_import_date < $2)`,
		strings.ToLower(name), day.Time(), dropCount)
	if err != nil {
		return &OpError{Kind: KindTransient, Op: "pgstore.import_marker", Err: err}
	}
	return nil
}

func (s *PGStore) InsertDrops(ctx context.Context, records []DropRecord) ([]DropRecord, error) {
	if len(records) == 0 {
		return nil, nil
	}

	bctx, cancel := s.batchCtx(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(`
			INSERT INTO drops (label, tld, drop_date, length, label_count, charset, quality_score)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (label, tld, drop_date) DO NOTHING
			RETURNING id, created_at`,
			r.Label, r.TLD, r.DropDate.Time(), r.Length, r.LabelCount, string(r.Charset), r.QualityScore)
	}

	br := s.pool.SendBatch(bctx, batch)
	defer func() { _ = br.Close() }()

	var inserted []DropRecord
	for _, r := range records {
		rows, err := br.Query()
		if err != nil {
			return inserted, &OpError{Kind: KindTransient, Op: "pgstore.insert_drops", Err: err}
		}
		for rows.Next() {
			if err := rows.Scan(&r.ID, &r.CreatedAt); err != nil {
				rows.Close()
				return inserted, &OpError{Kind: KindTransient, Op: "pgstore.insert_drops", Err: err}
			}
			inserted = append(inserted, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return inserted, &OpError{Kind: KindTransient, Op: "pgstore.insert_drops", Err: err}
		}
	}
	return inserted, nil
}

func (s *PGStore) QueryDrops(ctx context.Context, q DropQuery) (DropPage, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, val any) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if q.TLD != "" {
		add("tld = $%d", strings.ToLower(q.TLD))
	}
	if !q.Date.IsZero() {
		add("drop_date = $%d", q.Date.Time())
	}
	if !q.DateFrom.IsZero() {
		add("drop_date >= $%d", q.DateFrom.Time())
	}
	if !q.DateTo.IsZero() {
		add("drop_date <= $%d", q.DateTo.Time())
	}
	if q.MinLength > 0 {
		add("length >= $%d", q.MinLength)
	}
	if q.MaxLength > 0 {
		add("length <= $%d", q.MaxLength)
	}
	if q.Charset != "" {
		add("charset = $%d", string(q.Charset))
	}
	if q.Substring != "" {
		add("label LIKE $%d", "%"+strings.ToLower(q.Substring)+"%")
	}
	if q.MinQuality > 0 {
		add("quality_score >= $%d", q.MinQuality)
	}

	cond := "true"
	if len(where) > 0 {
		cond = strings.Join(where, " AND ")
	}

	page, size := q.Page, q.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 50
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM drops WHERE "+cond, args...).Scan(&total); err != nil {
		return DropPage{}, &OpError{Kind: KindTransient, Op: "pgstore.query_drops", Err: err}
	}

	args = append(args, size, (page-1)*size)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, label, tld, drop_date, length, label_count, charset, quality_score, created_at
		FROM drops WHERE %s
		ORDER BY drop_date DESC, label
		LIMIT $%d OFFSET $%d`, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return DropPage{}, &OpError{Kind: KindTransient, Op: "pgstore.query_drops", Err: err}
	}
	defer rows.Close()

	out := DropPage{Page: page, PageSize: size, Total: total}
	for rows.Next() {
		var r DropRecord
		var day time.Time
		var charset string
		if err := rows.Scan(&r.ID, &r.Label, &r.TLD, &day, &r.Length, &r.LabelCount, &charset, &r.QualityScore, &r.CreatedAt); err != nil {
			return DropPage{}, &OpError{Kind: KindTransient, Op: "pgstore.query_drops", Err: err}
		}
		r.DropDate = DateOf(day)
		r.Charset = Charset(charset)
		out.Drops = append(out.Drops, r)
	}
	if err := rows.Err(); err != nil {
		return DropPage{}, &OpError{Kind: KindTransient, Op: "pgstore.query_drops", Err: err}
	}
	return out, nil
}

func (s *PGStore) UpsertJob(ctx context.Context, j Job) (Job, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (tld, kind, schedule, enabled, timeout_s, max_retries, backoff_s)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tld, kind) DO UPDATE
		SET schedule = EXCLUDED.schedule,
		    enabled = EXCLUDED.enabled,
		    timeout_s = EXCLUDED.timeout_s,
		    max_retries = EXCLUDED.max_retries,
		    backoff_s = EXCLUDED.backoff_s
		RETURNING id`,
		strings.ToLower(j.TLD), string(j.Kind), j.Schedule, j.Enabled,
		int(j.Timeout.Seconds()), j.MaxRetries, int(j.Backoff.Seconds())).
		Scan(&j.ID)
	if err != nil {
		return Job{}, &OpError{Kind: KindTransient, Op: "pgstore.upsert_job", Err: err}
	}
	j.TLD = strings.ToLower(j.TLD)
	return j, nil
}

func (s *PGStore) ListEnabledJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tld, kind, schedule, enabled, timeout_s, max_retries, backoff_s
		FROM jobs WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, &OpError{Kind: KindTransient, Op: "pgstore.list_jobs", Err: err}
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		var kind string
		var timeoutS, backoffS int
		if err := rows.Scan(&j.ID, &j.TLD, &kind, &j.Schedule, &j.Enabled, &timeoutS, &j.MaxRetries, &backoffS); err != nil {
			return nil, &OpError{Kind: KindTransient, Op: "pgstore.list_jobs", Err: err}
		}
		j.Kind = JobKind(kind)
		j.Timeout = time.Duration(timeoutS) * time.Second
		j.Backoff = time.Duration(backoffS) * time.Second
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, &OpError{Kind: KindTransient, Op: "pgstore.list_jobs", Err: err}
	}
	return out, nil
}

func (s *PGStore) CreateJobRun(ctx context.Context, run JobRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_runs (id, job_id, tld, target_date, kind, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID.String(), run.JobID, run.TLD, run.TargetDate.Time(), string(run.Kind), run.StartedAt)
	if err != nil {
		return &OpError{Kind: KindTransient, Op: "pgstore.create_run", Err: err}
	}
	return nil
}

func (s *PGStore) FinishJobRun(ctx context.Context, run JobRun) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_runs
		SET finished_at = $2, outcome = $3,
		    bytes_downloaded = $4, labels_parsed = $5,
		    drops_detected = $6, drops_inserted = $7,
		    error_class = $8, error_msg = $9
		WHERE id = $1`,
		run.ID.String(), run.FinishedAt, string(run.Outcome),
		run.Stats.BytesDownloaded, run.Stats.LabelsParsed,
		run.Stats.DropsDetected, run.Stats.DropsInserted,
		run.ErrorClass, run.ErrorMsg)
	if err != nil {
		return &OpError{Kind: KindTransient, Op: "pgstore.finish_run", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

func (s *PGStore) LastSuccessDate(ctx context.Context, tld string, kind JobKind) (Date, bool, error) {
	// max() over zero rows yields NULL, hence the pointer scan.
	var day *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT max(target_date) FROM job_runs
		WHERE tld = $1 AND kind = $2 AND outcome = 'success'`,
		strings.ToLower(tld), string(kind)).Scan(&day)
	if errors.Is(err, pgx.ErrNoRows) {
		return Date{}, false, nil
	}
	if err != nil {
		return Date{}, false, &OpError{Kind: KindTransient, Op: "pgstore.last_success", Err: err}
	}
	if day == nil {
		return Date{}, false, nil
	}
	return DateOf(*day), true, nil
}

func (s *PGStore) AcquireLease(ctx context.Context, tld string, day Date, kind JobKind) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO leases (tld, target_date, kind) VALUES ($1, $2, $3)`,
		strings.ToLower(tld), day.Time(), string(kind))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("lease %s/%s/%s: %w", tld, day, kind, ErrLeaseHeld)
		}
		return &OpError{Kind: KindTransient, Op: "pgstore.acquire_lease", Err: err}
	}
	return nil
}

func (s *PGStore) ReleaseLease(ctx context.Context, tld string, day Date, kind JobKind) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM leases WHERE tld = $1 AND target_date = $2 AND kind = $3`,
		strings.ToLower(tld), day.Time(), string(kind))
	if err != nil {
		return &OpError{Kind: KindTransient, Op: "pgstore.release_lease", Err: err}
	}
	return nil
}

func (s *PGStore) UpsertWatchlist(ctx context.Context, w Watchlist) (Watchlist, error) {
	charsets := make([]string, len(w.Charsets))
	for i, c := range w.Charsets {
		charsets[i] = string(c)
	}

	if w.ID == 0 {
		err := s.pool.QueryRow(ctx, `
			INSERT INTO watchlists (user_id, name, active, pattern_kind, pattern, unanchored,
				min_length, max_length, tlds, charsets, min_quality)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id`,
			w.UserID, w.Name, w.Active, string(w.PatternKind), w.Pattern, w.Unanchored,
			w.MinLength, w.MaxLength, w.TLDs, charsets, w.MinQuality).
			Scan(&w.ID)
		if err != nil {
			return Watchlist{}, &OpError{Kind: KindTransient, Op: "pgstore.upsert_watchlist", Err: err}
		}
		return w, nil
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE watchlists
		SET user_id = $2, name = $3, active = $4, pattern_kind = $5, pattern = $6,
		    unanchored = $7, min_length = $8, max_length = $9, tlds = $10,
		    charsets = $11, min_quality = $12
		WHERE id = $1`,
		w.ID, w.UserID, w.Name, w.Active, string(w.PatternKind), w.Pattern,
		w.Unanchored, w.MinLength, w.MaxLength, w.TLDs, charsets, w.MinQuality)
	if err != nil {
		return Watchlist{}, &OpError{Kind: KindTransient, Op: "pgstore.upsert_watchlist", Err: err}
	}
	return w, nil
}

func (s *PGStore) ListActiveWatchlists(ctx context.Context) ([]Watchlist, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, name, active, pattern_kind, pattern, unanchored,
		       min_length, max_length, tlds, charsets, min_quality
		FROM watchlists WHERE active ORDER BY id`)
	if err != nil {
		return nil, &OpError{Kind: KindTransient, Op: "pgstore.list_watchlists", Err: err}
	}
	defer rows.Close()

	var out []Watchlist
	for rows.Next() {
		var w Watchlist
		var kind string
		var charsets []string
		if err := rows.Scan(&w.ID, &w.UserID, &w.Name, &w.Active, &kind, &w.Pattern, &w.Unanchored,
			&w.MinLength, &w.MaxLength, &w.TLDs, &charsets, &w.MinQuality); err != nil {
			return nil, &OpError{Kind: KindTransient, Op: "pgstore.list_watchlists", Err: err}
		}
		w.PatternKind = PatternKind(kind)
		w.Charsets = make([]Charset, len(charsets))
		for i, c := range charsets {
			w.Charsets[i] = Charset(c)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, &OpError{Kind: KindTransient, Op: "pgstore.list_watchlists", Err: err}
	}
	return out, nil
}

func (s *PGStore) DeactivateWatchlist(ctx context.Context, id int64, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE watchlists SET active = false, deactivated_reason = $2 WHERE id = $1`,
		id, reason)
	if err != nil {
		return &OpError{Kind: KindTransient, Op: "pgstore.deactivate_watchlist", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("watchlist %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PGStore) InsertMatches(ctx context.Context, matches []WatchlistMatch) (int, error) {
	if len(matches) == 0 {
		return 0, nil
	}

	bctx, cancel := s.batchCtx(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, m := range matches {
		batch.Queue(`
			INSERT INTO watchlist_matches (watchlist_id, drop_id, matched_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (watchlist_id, drop_id) DO NOTHING`,
			m.WatchlistID, m.DropID, m.MatchedAt)
	}

	br := s.pool.SendBatch(bctx, batch)
	defer func() { _ = br.Close() }()

	inserted := 0
	for range matches {
		tag, err := br.Exec()
		if err != nil {
			return inserted, &OpError{Kind: KindTransient, Op: "pgstore.insert_matches", Err: err}
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func (s *PGStore) Close() { s.pool.Close() }

var _ Store = (*PGStore)(nil)
