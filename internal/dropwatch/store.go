package dropwatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Charset classifies the character composition of an SLD label.
type Charset string

const (
	CharsetLetters    Charset = "letters"
	CharsetNumbers    Charset = "numbers"
	CharsetMixed      Charset = "mixed"
	CharsetHyphenated Charset = "hyphenated"
	CharsetIDN        Charset = "idn"
)

// ClassifyLabel derives the charset class of a label. IDN takes precedence
// over hyphenated since every xn-- label contains hyphens.
func ClassifyLabel(label string) Charset {
	allDigits, allLetters := true, true
	hyphen := false
	for i := 0; i < len(label); i++ {
		c := label[i]
		if c < '0' || c > '9' {
			allDigits = false
		}
		if c < 'a' || c > 'z' {
			allLetters = false
		}
		if c == '-' {
			hyphen = true
		}
	}
	switch {
	case len(label) > 0 && allDigits:
		return CharsetNumbers
	case len(label) > 0 && allLetters:
		return CharsetLetters
	case len(label) >= 4 && label[:4] == "xn--":
		return CharsetIDN
	case hyphen:
		return CharsetHyphenated
	default:
		return CharsetMixed
	}
}

// TLD is one tracked top-level domain, the unit of scheduling.
type TLD struct {
	Name           string
	DisplayName    string
	Active         bool
	LastImportDate Date
	LastDropCount  int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DropRecord is one SLD label present in a TLD's zone on drop_date-1 and
// absent on drop_date. Unique on (label, tld, drop_date); never mutated.
type DropRecord struct {
	ID         int64
	Label      string
	TLD        string
	DropDate   Date
	Length     int
	LabelCount int
	Charset    Charset
	// QualityScore is nil when no scorer was configured or scoring failed.
	QualityScore *int
	CreatedAt    time.Time
}

// JobKind selects which pipeline stages a job executes.
type JobKind string

const (
	JobIngest JobKind = "ingest"
	JobParse  JobKind = "parse"
	JobDetect JobKind = "detect"
	JobFull   JobKind = "full"
)

// Job is a per-TLD cron descriptor.
type Job struct {
	ID         int64
	TLD        string
	Kind       JobKind
	Schedule   string // cron expression
	Enabled    bool
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
}

// Outcome is the terminal state of a job run.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
	OutcomeTimedOut Outcome = "timed_out"
)

// RunStats carries the counters recorded on every finished run.
type RunStats struct {
	BytesDownloaded int64
	LabelsParsed    int
	DropsDetected   int
	DropsInserted   int
}

// JobRun is one append-only execution record.
type JobRun struct {
	ID         uuid.UUID
	JobID      int64
	TLD        string
	TargetDate Date
	Kind       JobKind
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    Outcome
	Stats      RunStats
	ErrorClass string
	ErrorMsg   string
}

// PatternKind selects how a watchlist pattern is evaluated.
type PatternKind string

const (
	PatternGlob     PatternKind = "glob"
	PatternRegex    PatternKind = "regex"
	PatternContains PatternKind = "contains"
	PatternPrefix   PatternKind = "prefix"
	PatternSuffix   PatternKind = "suffix"
)

// Watchlist is one user-defined filter over drops.
type Watchlist struct {
	ID     int64
	UserID int64
	Name   string
	Active bool
	// DeactivatedReason is set when Active is false (e.g. an invalid
	// pattern reported at compile time).
	DeactivatedReason string

	PatternKind PatternKind
	Pattern     string
	// Unanchored applies to regex patterns only; by default they are
	// anchored to the whole label.
	Unanchored bool

	MinLength int // 0 = unset
	MaxLength int // 0 = unset
	// TLDs empty means all TLDs.
	TLDs []string
	// Charsets empty means all charsets.
	Charsets   []Charset
	MinQuality int // 0 = unset
}

// WatchlistMatch links a drop to a watchlist; unique on (watchlist, drop).
type WatchlistMatch struct {
	WatchlistID int64
	DropID      int64
	MatchedAt   time.Time
}

// DropQuery is the read-API filter consumed by out-of-scope frontends.
type DropQuery struct {
	TLD        string
	Date       Date
	DateFrom   Date
	DateTo     Date
	MinLength  int
	MaxLength  int
	Charset    Charset
	Substring  string
	MinQuality int
	Page       int // 1-based
	PageSize   int
}

// DropPage is one page of query results.
type DropPage struct {
	Drops    []DropRecord
	Total    int
	Page     int
	PageSize int
}

// ErrNotFound is returned by store lookups for absent rows.
var ErrNotFound = errors.New("not found")

// Store is the persistence boundary shared by the Postgres and in-memory
// implementations. All mutating calls are idempotent where the data model
// has a unique key.
type Store interface {
	// TLDs.
	UpsertTLD(ctx context.Context, t TLD) error
	GetTLD(ctx context.Context, name string) (TLD, error)
	ListTLDs(ctx context.Context, activeOnly bool) ([]TLD, error)
	// SetTLDImportMarker records a successful cycle: last_import_date and
	// the drop count inserted by that cycle.
	SetTLDImportMarker(ctx context.Context, name string, day Date, dropCount int) error

	// Drops. InsertDrops applies insert-if-not-exists on
	// (label, tld, drop_date) and returns the records actually inserted,
	// with IDs assigned.
	InsertDrops(ctx context.Context, records []DropRecord) ([]DropRecord, error)
	QueryDrops(ctx context.Context, q DropQuery) (DropPage, error)

	// Jobs.
	UpsertJob(ctx context.Context, j Job) (Job, error)
	ListEnabledJobs(ctx context.Context) ([]Job, error)

	// Job runs are append-only; CreateJobRun records the started state and
	// FinishJobRun the terminal transition.
	CreateJobRun(ctx context.Context, run JobRun) error
	FinishJobRun(ctx context.Context, run JobRun) error
	// LastSuccessDate is the most recent target date of a successful run
	// for (tld, kind), used by catch-up. Skipped runs do not count: a skip
	// only records that another holder owned the lease, not that the day's
	// work finished.
	LastSuccessDate(ctx context.Context, tld string, kind JobKind) (Date, bool, error)

	// Lease serializes (tld, date, kind). Acquire is a single atomic
	// insert on the unique key and fails with ErrLeaseHeld.
	AcquireLease(ctx context.Context, tld string, day Date, kind JobKind) error
	ReleaseLease(ctx context.Context, tld string, day Date, kind JobKind) error

	// Watchlists.
	UpsertWatchlist(ctx context.Context, w Watchlist) (Watchlist, error)
	ListActiveWatchlists(ctx context.Context) ([]Watchlist, error)
	// DeactivateWatchlist marks a watchlist inactive with a structured
	// reason (e.g. an invalid pattern).
	DeactivateWatchlist(ctx context.Context, id int64, reason string) error
	// InsertMatches is idempotent on (watchlist_id, drop_id); returns the
	// number of newly inserted matches.
	InsertMatches(ctx context.Context, matches []WatchlistMatch) (int, error)

	Close()
}

// NotificationRequest is handed to the external notifier for delivery.
type NotificationRequest struct {
	UserID      int64
	WatchlistID int64
	Drop        DropRecord
}

// Notifier is the delivery boundary; channel routing and transports are the
// notifier's responsibility.
type Notifier interface {
	Submit(ctx context.Context, req NotificationRequest) error
}

// LogNotifier records notification requests in the structured log. It is the
// in-tree Notifier used when no external transport is wired.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Submit(_ context.Context, req NotificationRequest) error {
	if n.Logger != nil {
		n.Logger.Info("notification requested",
			"user_id", req.UserID,
			"watchlist_id", req.WatchlistID,
			"label", req.Drop.Label,
			"tld", req.Drop.TLD,
			"drop_date", req.Drop.DropDate.String())
	}
	return nil
}

var _ Notifier = (*LogNotifier)(nil)
