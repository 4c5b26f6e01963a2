package dropwatch

import (
	"context"
	"fmt"
	"testing"
)

func TestCompilePattern(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		wl    Watchlist
		label string
		want  bool
	}{
		{"glob match", Watchlist{PatternKind: PatternGlob, Pattern: "shop*"}, "shopping", true},
		{"glob miss", Watchlist{PatternKind: PatternGlob, Pattern: "shop*"}, "workshop", false},
		{"glob single char", Watchlist{PatternKind: PatternGlob, Pattern: "???"}, "abc", true},
		{"glob single char miss", Watchlist{PatternKind: PatternGlob, Pattern: "???"}, "abcd", false},
		{"glob case folded", Watchlist{PatternKind: PatternGlob, Pattern: "SHOP*"}, "shopping", true},
		{"regex anchored match", Watchlist{PatternKind: PatternRegex, Pattern: "[a-z]{3}[0-9]"}, "web3", true},
		{"regex anchored miss", Watchlist{PatternKind: PatternRegex, Pattern: "[a-z]{3}[0-9]"}, "myweb3x", false},
		{"regex unanchored", Watchlist{PatternKind: PatternRegex, Pattern: "web[0-9]", Unanchored: true}, "myweb3x", true},
		{"regex alternation stays anchored", Watchlist{PatternKind: PatternRegex, Pattern: "foo|bar"}, "foobar", false},
		{"contains", Watchlist{PatternKind: PatternContains, Pattern: "coin"}, "bestcoins", true},
		{"contains miss", Watchlist{PatternKind: PatternContains, Pattern: "coin"}, "bitcorn", false},
		{"prefix", Watchlist{PatternKind: PatternPrefix, Pattern: "get"}, "getstuff", true},
		{"prefix miss", Watchlist{PatternKind: PatternPrefix, Pattern: "get"}, "forget", false},
		{"suffix", Watchlist{PatternKind: PatternSuffix, Pattern: "ly"}, "quickly", true},
		{"suffix miss", Watchlist{PatternKind: PatternSuffix, Pattern: "ly"}, "lyric", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pred, err := compilePattern(tc.wl)
			if err != nil {
				t.Fatalf("compilePattern: %v", err)
			}
			if got := pred(tc.label); got != tc.want {
				t.Errorf("match(%q) = %v, want %v", tc.label, got, tc.want)
			}
		})
	}
}

func TestCompilePatternRejectsInvalid(t *testing.T) {
	t.Parallel()

	bad := []Watchlist{
		{PatternKind: PatternRegex, Pattern: "[unclosed"},
		{PatternKind: PatternGlob, Pattern: "[unclosed"},
		{PatternKind: PatternKind("bogus"), Pattern: "x"},
	}
	for _, w := range bad {
		if _, err := compilePattern(w); err == nil {
			t.Errorf("compilePattern(%s %q): want error, got nil", w.PatternKind, w.Pattern)
		}
	}
}

func TestCompiledWatchlistBounds(t *testing.T) {
	t.Parallel()

	base := DropRecord{Label: "shop", TLD: "com", Length: 4, Charset: CharsetLetters, QualityScore: intPtr(60)}
	all := func(string) bool { return true }

	cases := []struct {
		name string
		wl   Watchlist
		rec  func(DropRecord) DropRecord
		want bool
	}{
		{"passes all bounds", Watchlist{MinLength: 3, MaxLength: 6, MinQuality: 50},
			func(r DropRecord) DropRecord { return r }, true},
		{"too short", Watchlist{MinLength: 5},
			func(r DropRecord) DropRecord { return r }, false},
		{"too long", Watchlist{MaxLength: 3},
			func(r DropRecord) DropRecord { return r }, false},
		{"wrong charset", Watchlist{Charsets: []Charset{CharsetNumbers}},
			func(r DropRecord) DropRecord { return r }, false},
		{"charset allowed", Watchlist{Charsets: []Charset{CharsetNumbers, CharsetLetters}},
			func(r DropRecord) DropRecord { return r }, true},
		{"below quality floor", Watchlist{MinQuality: 70},
			func(r DropRecord) DropRecord { return r }, false},
		{"unscored fails quality floor", Watchlist{MinQuality: 1},
			func(r DropRecord) DropRecord { r.QualityScore = nil; return r }, false},
		{"unscored passes without floor", Watchlist{},
			func(r DropRecord) DropRecord { r.QualityScore = nil; return r }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &compiledWatchlist{wl: tc.wl, match: all}
			if len(tc.wl.Charsets) > 0 {
				c.charsets = make(map[Charset]struct{})
				for _, cs := range tc.wl.Charsets {
					c.charsets[cs] = struct{}{}
				}
			}
			if got := c.matches(tc.rec(base)); got != tc.want {
				t.Errorf("matches = %v, want %v", got, tc.want)
			}
		})
	}
}

// recordingNotifier captures submitted notification requests.
type recordingNotifier struct {
	reqs []NotificationRequest
	err  error
}

func (n *recordingNotifier) Submit(_ context.Context, req NotificationRequest) error {
	n.reqs = append(n.reqs, req)
	return n.err
}

func newMatcherFixture(t *testing.T, lists ...Watchlist) (*WatchlistMatcher, *MemStore, *recordingNotifier) {
	t.Helper()
	store := NewMemStore()
	ctx := context.Background()
	for _, w := range lists {
		if _, err := store.UpsertWatchlist(ctx, w); err != nil {
			t.Fatalf("UpsertWatchlist: %v", err)
		}
	}
	notifier := &recordingNotifier{}
	m, err := NewWatchlistMatcher(ctx, store, notifier, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewWatchlistMatcher: %v", err)
	}
	return m, store, notifier
}

func TestMatcherDeactivatesInvalidPattern(t *testing.T) {
	t.Parallel()

	m, store, _ := newMatcherFixture(t,
		Watchlist{UserID: 1, Name: "ok", Active: true, PatternKind: PatternContains, Pattern: "x"},
		Watchlist{UserID: 1, Name: "broken", Active: true, PatternKind: PatternRegex, Pattern: "[bad"},
	)

	if got := m.Active(); got != 1 {
		t.Errorf("Active = %d, want 1", got)
	}
	active, err := store.ListActiveWatchlists(context.Background())
	if err != nil {
		t.Fatalf("ListActiveWatchlists: %v", err)
	}
	if len(active) != 1 || active[0].Name != "ok" {
		t.Errorf("store kept %d active, want only the valid one", len(active))
	}
}

func TestMatcherPartitionsByTLD(t *testing.T) {
	t.Parallel()

	m, store, notifier := newMatcherFixture(t,
		Watchlist{ID: 0, UserID: 1, Name: "com only", Active: true,
			PatternKind: PatternContains, Pattern: "shop", TLDs: []string{"COM"}},
		Watchlist{ID: 0, UserID: 2, Name: "any tld", Active: true,
			PatternKind: PatternContains, Pattern: "shop"},
	)

	ctx := context.Background()
	drops, err := store.InsertDrops(ctx, []DropRecord{
		dropRecord("bigshop", "com", "2026-03-01", t),
		dropRecord("bigshop", "net", "2026-03-01", t),
		dropRecord("unrelated", "com", "2026-03-01", t),
	})
	if err != nil {
		t.Fatalf("InsertDrops: %v", err)
	}

	n, err := m.MatchDrops(ctx, drops)
	if err != nil {
		t.Fatalf("MatchDrops: %v", err)
	}
	// com drop hits both lists, net drop only the wildcard one.
	if n != 3 {
		t.Errorf("matches = %d, want 3", n)
	}
	if len(notifier.reqs) != 3 {
		t.Errorf("notifications = %d, want 3", len(notifier.reqs))
	}

	perUser := map[int64]int{}
	for _, r := range notifier.reqs {
		perUser[r.UserID]++
	}
	if perUser[1] != 1 || perUser[2] != 2 {
		t.Errorf("notifications per user = %v, want user1:1 user2:2", perUser)
	}
}

func TestMatcherRerunRecordsNothingNew(t *testing.T) {
	t.Parallel()

	m, store, _ := newMatcherFixture(t,
		Watchlist{UserID: 1, Name: "all", Active: true, PatternKind: PatternContains, Pattern: ""},
	)

	ctx := context.Background()
	drops, err := store.InsertDrops(ctx, []DropRecord{dropRecord("once", "com", "2026-03-01", t)})
	if err != nil {
		t.Fatalf("InsertDrops: %v", err)
	}

	if n, err := m.MatchDrops(ctx, drops); err != nil || n != 1 {
		t.Fatalf("first MatchDrops = (%d, %v), want (1, nil)", n, err)
	}
	// Replaying the same drops records no additional matches.
	if n, err := m.MatchDrops(ctx, drops); err != nil || n != 0 {
		t.Errorf("second MatchDrops = (%d, %v), want (0, nil)", n, err)
	}
}

func TestMatcherNotifierFailureDoesNotFailCycle(t *testing.T) {
	t.Parallel()

	m, store, notifier := newMatcherFixture(t,
		Watchlist{UserID: 1, Name: "all", Active: true, PatternKind: PatternContains, Pattern: ""},
	)
	notifier.err = fmt.Errorf("smtp down")

	ctx := context.Background()
	drops, err := store.InsertDrops(ctx, []DropRecord{dropRecord("label", "com", "2026-03-01", t)})
	if err != nil {
		t.Fatalf("InsertDrops: %v", err)
	}

	n, err := m.MatchDrops(ctx, drops)
	if err != nil {
		t.Fatalf("MatchDrops with failing notifier: %v", err)
	}
	if n != 1 {
		t.Errorf("matches = %d, want 1", n)
	}
}

func TestMatcherNoActiveWatchlists(t *testing.T) {
	t.Parallel()

	m, _, notifier := newMatcherFixture(t)
	n, err := m.MatchDrops(context.Background(), []DropRecord{dropRecord("x", "com", "2026-03-01", t)})
	if err != nil || n != 0 {
		t.Errorf("MatchDrops = (%d, %v), want (0, nil)", n, err)
	}
	if len(notifier.reqs) != 0 {
		t.Errorf("notifications = %d, want 0", len(notifier.reqs))
	}
}
