package dropwatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func dropRecord(label, tld, day string, t *testing.T) DropRecord {
	t.Helper()
	return DropRecord{
		Label:    label,
		TLD:      tld,
		DropDate: mustDate(t, day),
		Length:   len(label),
		Charset:  ClassifyLabel(label),
	}
}

func TestInsertDropsIsIdempotent(t *testing.T) {
	t.Parallel()

	s := NewMemStore()
	ctx := context.Background()
	recs := []DropRecord{
		dropRecord("alpha", "com", "2026-03-01", t),
		dropRecord("beta", "com", "2026-03-01", t),
	}

	ins, err := s.InsertDrops(ctx, recs)
	if err != nil {
		t.Fatalf("InsertDrops: %v", err)
	}
	if len(ins) != 2 {
		t.Fatalf("inserted %d, want 2", len(ins))
	}
	for _, r := range ins {
		if r.ID == 0 {
			t.Error("inserted record has zero ID")
		}
		if r.CreatedAt.IsZero() {
			t.Error("inserted record has zero CreatedAt")
		}
	}

	// A rerun of the same batch inserts nothing.
	again, err := s.InsertDrops(ctx, recs)
	if err != nil {
		t.Fatalf("InsertDrops rerun: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("rerun inserted %d, want 0", len(again))
	}

	// Same label on a different day is a distinct drop.
	next, err := s.InsertDrops(ctx, []DropRecord{dropRecord("alpha", "com", "2026-03-02", t)})
	if err != nil {
		t.Fatalf("InsertDrops next day: %v", err)
	}
	if len(next) != 1 {
		t.Errorf("next-day insert = %d, want 1", len(next))
	}
}

func TestQueryDropsFilters(t *testing.T) {
	t.Parallel()

	s := NewMemStore()
	ctx := context.Background()
	seed := []DropRecord{
		dropRecord("shop", "com", "2026-03-01", t),
		dropRecord("web3", "com", "2026-03-01", t),
		dropRecord("longdomainname", "com", "2026-03-02", t),
		dropRecord("shop", "net", "2026-03-01", t),
	}
	seed[0].QualityScore = intPtr(80)
	seed[1].QualityScore = intPtr(40)
	if _, err := s.InsertDrops(ctx, seed); err != nil {
		t.Fatalf("InsertDrops: %v", err)
	}

	cases := []struct {
		name string
		q    DropQuery
		want int
	}{
		{"by tld", DropQuery{TLD: "com"}, 3},
		{"by tld case-insensitive", DropQuery{TLD: "COM"}, 3},
		{"by exact date", DropQuery{Date: mustDate(t, "2026-03-01")}, 3},
		{"by range", DropQuery{DateFrom: mustDate(t, "2026-03-02"), DateTo: mustDate(t, "2026-03-02")}, 1},
		{"by min length", DropQuery{MinLength: 5}, 1},
		{"by max length", DropQuery{TLD: "com", MaxLength: 4}, 2},
		{"by charset", DropQuery{Charset: CharsetMixed}, 1},
		{"by substring", DropQuery{Substring: "SHOP"}, 2},
		{"by min quality", DropQuery{MinQuality: 50}, 1},
		{"min quality excludes unscored", DropQuery{MinQuality: 1}, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			page, err := s.QueryDrops(ctx, tc.q)
			if err != nil {
				t.Fatalf("QueryDrops: %v", err)
			}
			if page.Total != tc.want {
				t.Errorf("Total = %d, want %d", page.Total, tc.want)
			}
		})
	}
}

func TestQueryDropsPagination(t *testing.T) {
	t.Parallel()

	s := NewMemStore()
	ctx := context.Background()
	days := []string{"2026-03-01", "2026-03-02", "2026-03-03"}
	for _, d := range days {
		if _, err := s.InsertDrops(ctx, []DropRecord{
			dropRecord("aaa", "com", d, t),
			dropRecord("bbb", "com", d, t),
		}); err != nil {
			t.Fatalf("InsertDrops: %v", err)
		}
	}

	page, err := s.QueryDrops(ctx, DropQuery{Page: 1, PageSize: 4})
	if err != nil {
		t.Fatalf("QueryDrops: %v", err)
	}
	if page.Total != 6 || len(page.Drops) != 4 {
		t.Fatalf("page 1 = %d of %d, want 4 of 6", len(page.Drops), page.Total)
	}
	// Newest day first, labels ascending within a day.
	if page.Drops[0].DropDate.String() != "2026-03-03" || page.Drops[0].Label != "aaa" {
		t.Errorf("first row = %s/%s, want 2026-03-03/aaa",
			page.Drops[0].DropDate, page.Drops[0].Label)
	}

	page2, err := s.QueryDrops(ctx, DropQuery{Page: 2, PageSize: 4})
	if err != nil {
		t.Fatalf("QueryDrops page 2: %v", err)
	}
	if len(page2.Drops) != 2 {
		t.Errorf("page 2 rows = %d, want 2", len(page2.Drops))
	}

	empty, err := s.QueryDrops(ctx, DropQuery{Page: 9, PageSize: 4})
	if err != nil {
		t.Fatalf("QueryDrops past end: %v", err)
	}
	if len(empty.Drops) != 0 || empty.Total != 6 {
		t.Errorf("past-end page = %d rows total %d, want 0 rows total 6", len(empty.Drops), empty.Total)
	}
}

func TestLeaseAcquireReleaseCycle(t *testing.T) {
	t.Parallel()

	s := NewMemStore()
	ctx := context.Background()
	day := mustDate(t, "2026-03-01")

	if err := s.AcquireLease(ctx, "com", day, JobFull); err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if err := s.AcquireLease(ctx, "com", day, JobFull); !errors.Is(err, ErrLeaseHeld) {
		t.Errorf("second acquire = %v, want ErrLeaseHeld", err)
	}

	// Distinct tuples are independent leases.
	if err := s.AcquireLease(ctx, "net", day, JobFull); err != nil {
		t.Errorf("acquire other tld: %v", err)
	}
	if err := s.AcquireLease(ctx, "com", day.AddDays(1), JobFull); err != nil {
		t.Errorf("acquire other day: %v", err)
	}
	if err := s.AcquireLease(ctx, "com", day, JobIngest); err != nil {
		t.Errorf("acquire other kind: %v", err)
	}

	if err := s.ReleaseLease(ctx, "com", day, JobFull); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	if err := s.AcquireLease(ctx, "com", day, JobFull); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
}

func TestLastSuccessDate(t *testing.T) {
	t.Parallel()

	s := NewMemStore()
	ctx := context.Background()

	if _, ok, err := s.LastSuccessDate(ctx, "com", JobFull); err != nil || ok {
		t.Fatalf("LastSuccessDate empty = (%v, %v), want (false, nil)", ok, err)
	}

	add := func(day string, outcome Outcome) {
		run := JobRun{
			ID:         uuid.New(),
			TLD:        "com",
			TargetDate: mustDate(t, day),
			Kind:       JobFull,
			StartedAt:  time.Now(),
		}
		if err := s.CreateJobRun(ctx, run); err != nil {
			t.Fatalf("CreateJobRun: %v", err)
		}
		run.Outcome = outcome
		run.FinishedAt = time.Now()
		if err := s.FinishJobRun(ctx, run); err != nil {
			t.Fatalf("FinishJobRun: %v", err)
		}
	}

	add("2026-03-01", OutcomeSuccess)
	add("2026-03-02", OutcomeSkipped)
	add("2026-03-03", OutcomeFailed)
	add("2026-03-04", OutcomeTimedOut)

	got, ok, err := s.LastSuccessDate(ctx, "com", JobFull)
	if err != nil || !ok {
		t.Fatalf("LastSuccessDate = (%v, %v)", ok, err)
	}
	// Only success advances it: a skipped run means another holder owned
	// the lease, not that the day finished, so catch-up must revisit it.
	if got.String() != "2026-03-01" {
		t.Errorf("LastSuccessDate = %s, want 2026-03-01", got)
	}

	if _, ok, _ := s.LastSuccessDate(ctx, "com", JobIngest); ok {
		t.Error("LastSuccessDate for other kind = true, want false")
	}
}

func TestLastSuccessDateIgnoresSkippedNextToFailed(t *testing.T) {
	t.Parallel()

	s := NewMemStore()
	ctx := context.Background()
	day := mustDate(t, "2026-08-20")

	add := func(outcome Outcome) {
		run := JobRun{
			ID:         uuid.New(),
			TLD:        "dev",
			TargetDate: day,
			Kind:       JobFull,
			StartedAt:  time.Now(),
		}
		if err := s.CreateJobRun(ctx, run); err != nil {
			t.Fatalf("CreateJobRun: %v", err)
		}
		run.Outcome = outcome
		run.FinishedAt = time.Now()
		if err := s.FinishJobRun(ctx, run); err != nil {
			t.Fatalf("FinishJobRun: %v", err)
		}
	}

	// A racing runner records skipped while the lease holder fails the day.
	add(OutcomeFailed)
	add(OutcomeSkipped)

	if _, ok, err := s.LastSuccessDate(ctx, "dev", JobFull); err != nil || ok {
		t.Errorf("LastSuccessDate = (%v, %v), want (false, nil): the day never succeeded", ok, err)
	}
}

func TestImportMarkerOnlyMovesForward(t *testing.T) {
	t.Parallel()

	s := NewMemStore()
	ctx := context.Background()
	if err := s.UpsertTLD(ctx, TLD{Name: "com", Active: true}); err != nil {
		t.Fatalf("UpsertTLD: %v", err)
	}

	if err := s.SetTLDImportMarker(ctx, "com", mustDate(t, "2026-03-05"), 12); err != nil {
		t.Fatalf("SetTLDImportMarker: %v", err)
	}
	// A catch-up replay of an older day must not rewind the marker.
	if err := s.SetTLDImportMarker(ctx, "com", mustDate(t, "2026-03-01"), 99); err != nil {
		t.Fatalf("SetTLDImportMarker older: %v", err)
	}

	got, err := s.GetTLD(ctx, "com")
	if err != nil {
		t.Fatalf("GetTLD: %v", err)
	}
	if got.LastImportDate.String() != "2026-03-05" || got.LastDropCount != 12 {
		t.Errorf("marker = (%s, %d), want (2026-03-05, 12)",
			got.LastImportDate, got.LastDropCount)
	}

	if err := s.SetTLDImportMarker(ctx, "com", mustDate(t, "2026-03-06"), 3); err != nil {
		t.Fatalf("SetTLDImportMarker newer: %v", err)
	}
	got, _ = s.GetTLD(ctx, "com")
	if got.LastImportDate.String() != "2026-03-06" || got.LastDropCount != 3 {
		t.Errorf("marker = (%s, %d), want (2026-03-06, 3)",
			got.LastImportDate, got.LastDropCount)
	}

	if err := s.SetTLDImportMarker(ctx, "nope", mustDate(t, "2026-03-06"), 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("marker for unknown tld = %v, want ErrNotFound", err)
	}
}

func TestUpsertTLDPreservesMarker(t *testing.T) {
	t.Parallel()

	s := NewMemStore()
	ctx := context.Background()
	if err := s.UpsertTLD(ctx, TLD{Name: "COM", Active: true}); err != nil {
		t.Fatalf("UpsertTLD: %v", err)
	}
	if err := s.SetTLDImportMarker(ctx, "com", mustDate(t, "2026-03-01"), 7); err != nil {
		t.Fatalf("SetTLDImportMarker: %v", err)
	}

	// Re-upserting metadata keeps the import history.
	if err := s.UpsertTLD(ctx, TLD{Name: "com", DisplayName: ".com", Active: true}); err != nil {
		t.Fatalf("UpsertTLD again: %v", err)
	}
	got, err := s.GetTLD(ctx, "com")
	if err != nil {
		t.Fatalf("GetTLD: %v", err)
	}
	if got.LastImportDate.String() != "2026-03-01" || got.LastDropCount != 7 {
		t.Errorf("marker lost on upsert: (%s, %d)", got.LastImportDate, got.LastDropCount)
	}
	if got.DisplayName != ".com" {
		t.Errorf("DisplayName = %q, want .com", got.DisplayName)
	}
}

func TestUpsertJobDeduplicatesOnTLDAndKind(t *testing.T) {
	t.Parallel()

	s := NewMemStore()
	ctx := context.Background()

	j1, err := s.UpsertJob(ctx, Job{TLD: "com", Kind: JobFull, Schedule: "30 2 * * *", Enabled: true})
	if err != nil {
		t.Fatalf("UpsertJob: %v", err)
	}
	j2, err := s.UpsertJob(ctx, Job{TLD: "COM", Kind: JobFull, Schedule: "0 3 * * *", Enabled: true})
	if err != nil {
		t.Fatalf("UpsertJob update: %v", err)
	}
	if j1.ID != j2.ID {
		t.Errorf("IDs differ (%d, %d), want same job", j1.ID, j2.ID)
	}

	j3, err := s.UpsertJob(ctx, Job{TLD: "com", Kind: JobIngest, Schedule: "0 1 * * *", Enabled: false})
	if err != nil {
		t.Fatalf("UpsertJob other kind: %v", err)
	}
	if j3.ID == j1.ID {
		t.Error("different kind reused the same job ID")
	}

	jobs, err := s.ListEnabledJobs(ctx)
	if err != nil {
		t.Fatalf("ListEnabledJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("enabled jobs = %d, want 1", len(jobs))
	}
	if jobs[0].Schedule != "0 3 * * *" {
		t.Errorf("Schedule = %q, want the updated expression", jobs[0].Schedule)
	}
}

func TestWatchlistLifecycle(t *testing.T) {
	t.Parallel()

	s := NewMemStore()
	ctx := context.Background()

	w, err := s.UpsertWatchlist(ctx, Watchlist{
		UserID:      1,
		Name:        "short coms",
		Active:      true,
		PatternKind: PatternGlob,
		Pattern:     "???",
		TLDs:        []string{"com"},
	})
	if err != nil {
		t.Fatalf("UpsertWatchlist: %v", err)
	}
	if w.ID == 0 {
		t.Fatal("UpsertWatchlist assigned no ID")
	}

	active, err := s.ListActiveWatchlists(ctx)
	if err != nil {
		t.Fatalf("ListActiveWatchlists: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active = %d, want 1", len(active))
	}

	if err := s.DeactivateWatchlist(ctx, w.ID, "invalid pattern"); err != nil {
		t.Fatalf("DeactivateWatchlist: %v", err)
	}
	active, _ = s.ListActiveWatchlists(ctx)
	if len(active) != 0 {
		t.Errorf("active after deactivate = %d, want 0", len(active))
	}

	s.mu.Lock()
	got := s.watchlists[w.ID]
	s.mu.Unlock()
	if got.Active {
		t.Error("watchlist still active after deactivate")
	}
	if got.DeactivatedReason != "invalid pattern" {
		t.Errorf("DeactivatedReason = %q, want %q", got.DeactivatedReason, "invalid pattern")
	}

	if err := s.DeactivateWatchlist(ctx, 999, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deactivate unknown = %v, want ErrNotFound", err)
	}
}

func TestInsertMatchesDeduplicates(t *testing.T) {
	t.Parallel()

	s := NewMemStore()
	ctx := context.Background()

	n, err := s.InsertMatches(ctx, []WatchlistMatch{
		{WatchlistID: 1, DropID: 10},
		{WatchlistID: 1, DropID: 11},
		{WatchlistID: 2, DropID: 10},
	})
	if err != nil {
		t.Fatalf("InsertMatches: %v", err)
	}
	if n != 3 {
		t.Fatalf("inserted = %d, want 3", n)
	}

	n, err = s.InsertMatches(ctx, []WatchlistMatch{
		{WatchlistID: 1, DropID: 10}, // duplicate
		{WatchlistID: 2, DropID: 11}, // new
	})
	if err != nil {
		t.Fatalf("InsertMatches rerun: %v", err)
	}
	if n != 1 {
		t.Errorf("rerun inserted = %d, want 1", n)
	}
}
