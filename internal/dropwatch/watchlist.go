package dropwatch

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"time"
)

// compiledWatchlist is a watchlist with its pattern resolved to a predicate.
type compiledWatchlist struct {
	wl       Watchlist
	charsets map[Charset]struct{}
	match    func(label string) bool
}

// matches applies the cheap predicates first: length, charset and quality
// bounds reject most drops before the pattern runs.
func (c *compiledWatchlist) matches(r DropRecord) bool {
	if c.wl.MinLength > 0 && r.Length < c.wl.MinLength {
		return false
	}
	if c.wl.MaxLength > 0 && r.Length > c.wl.MaxLength {
		return false
	}
	if len(c.charsets) > 0 {
		if _, ok := c.charsets[r.Charset]; !ok {
			return false
		}
	}
	if c.wl.MinQuality > 0 {
		if r.QualityScore == nil || *r.QualityScore < c.wl.MinQuality {
			return false
		}
	}
	return c.match(r.Label)
}

// compilePattern resolves a watchlist pattern into a label predicate.
// Regex patterns are anchored to the whole label unless the watchlist opts
// out. An error means the watchlist must be deactivated, not skipped.
func compilePattern(w Watchlist) (func(string) bool, error) {
	pat := strings.ToLower(w.Pattern)
	switch w.PatternKind {
	case PatternGlob:
		// Validate eagerly; path.Match only reports syntax errors at use.
		if _, err := path.Match(pat, "probe"); err != nil {
			return nil, fmt.Errorf("glob %q: %w", w.Pattern, err)
		}
		return func(label string) bool {
			ok, _ := path.Match(pat, label)
			return ok
		}, nil
	case PatternRegex:
		expr := pat
		if !w.Unanchored {
			expr = "^(?:" + expr + ")$"
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("regex %q: %w", w.Pattern, err)
		}
		return re.MatchString, nil
	case PatternContains:
		return func(label string) bool { return strings.Contains(label, pat) }, nil
	case PatternPrefix:
		return func(label string) bool { return strings.HasPrefix(label, pat) }, nil
	case PatternSuffix:
		return func(label string) bool { return strings.HasSuffix(label, pat) }, nil
	default:
		return nil, fmt.Errorf("unknown pattern kind %q", w.PatternKind)
	}
}

// WatchlistMatcher evaluates active watchlists against newly inserted drops.
// The index is partitioned by TLD so a drop only sees watchlists that can
// match it; watchlists with no TLD filter live in the wildcard partition.
type WatchlistMatcher struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
	metrics  *Metrics

	byTLD    map[string][]*compiledWatchlist
	wildcard []*compiledWatchlist
	active   int
}

// NewWatchlistMatcher loads and compiles the active watchlists. Watchlists
// whose pattern fails to compile are deactivated in the store with the
// compile error as reason rather than silently skipped.
func NewWatchlistMatcher(ctx context.Context, store Store, notifier Notifier, logger *slog.Logger, metrics *Metrics) (*WatchlistMatcher, error) {
	lists, err := store.ListActiveWatchlists(ctx)
	if err != nil {
		return nil, err
	}

	m := &WatchlistMatcher{
		store:    store,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		byTLD:    make(map[string][]*compiledWatchlist),
	}

	for _, w := range lists {
		pred, cerr := compilePattern(w)
		if cerr != nil {
			if logger != nil {
				logger.Warn("deactivating watchlist with invalid pattern",
					"watchlist_id", w.ID, "error", cerr.Error())
			}
			if derr := store.DeactivateWatchlist(ctx, w.ID, cerr.Error()); derr != nil {
				return nil, derr
			}
			continue
		}

		c := &compiledWatchlist{wl: w, match: pred}
		if len(w.Charsets) > 0 {
			c.charsets = make(map[Charset]struct{}, len(w.Charsets))
			for _, cs := range w.Charsets {
				c.charsets[cs] = struct{}{}
			}
		}

		if len(w.TLDs) == 0 {
			m.wildcard = append(m.wildcard, c)
		} else {
			for _, tld := range w.TLDs {
				tld = strings.ToLower(tld)
				m.byTLD[tld] = append(m.byTLD[tld], c)
			}
		}
		m.active++
	}

	metrics.SetWatchlistsActive(m.active)
	return m, nil
}

// Active returns the number of compiled watchlists.
func (m *WatchlistMatcher) Active() int { return m.active }

// MatchDrops evaluates drops against the index and records the resulting
// matches. Callers pass only newly inserted drops, so every recorded match
// is new and its notification is submitted exactly once per insert.
func (m *WatchlistMatcher) MatchDrops(ctx context.Context, drops []DropRecord) (int, error) {
	if m.active == 0 || len(drops) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	var matches []WatchlistMatch
	var notes []NotificationRequest

	record := func(c *compiledWatchlist, d DropRecord) {
		matches = append(matches, WatchlistMatch{
			WatchlistID: c.wl.ID,
			DropID:      d.ID,
			MatchedAt:   now,
		})
		notes = append(notes, NotificationRequest{
			UserID:      c.wl.UserID,
			WatchlistID: c.wl.ID,
			Drop:        d,
		})
	}

	for _, d := range drops {
		for _, c := range m.byTLD[d.TLD] {
			if c.matches(d) {
				record(c, d)
			}
		}
		for _, c := range m.wildcard {
			if c.matches(d) {
				record(c, d)
			}
		}
	}
	if len(matches) == 0 {
		return 0, nil
	}

	inserted, err := m.store.InsertMatches(ctx, matches)
	if err != nil {
		return 0, err
	}
	m.metrics.AddMatchesEmitted(inserted)

	if m.notifier != nil {
		for _, n := range notes {
			if err := m.notifier.Submit(ctx, n); err != nil {
				// Delivery failures must not fail the cycle.
				if m.logger != nil {
					m.logger.Warn("notification submit failed",
						"watchlist_id", n.WatchlistID, "error", err.Error())
				}
			}
		}
	}
	return inserted, nil
}
