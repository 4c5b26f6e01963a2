package dropwatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is the in-memory Store used when no database URL is configured.
// It holds the full data model behind one mutex; suitable for single-process
// runs and for replaying history into a fresh environment.
type MemStore struct {
	mu sync.Mutex

	tlds    map[string]TLD
	drops   map[string]DropRecord // key: label \x00 tld \x00 date
	dropSeq int64

	jobs   map[int64]Job
	jobSeq int64
	// jobKey dedupes jobs on (tld, kind).
	jobKey map[string]int64

	runs []JobRun

	leases map[string]struct{}

	watchlists map[int64]Watchlist
	wlSeq      int64
	matches    map[string]WatchlistMatch // key: watchlistID \x00 dropID
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		tlds:       make(map[string]TLD),
		drops:      make(map[string]DropRecord),
		jobs:       make(map[int64]Job),
		jobKey:     make(map[string]int64),
		leases:     make(map[string]struct{}),
		watchlists: make(map[int64]Watchlist),
		matches:    make(map[string]WatchlistMatch),
	}
}

func dropKey(label, tld string, day Date) string {
	return label + "\x00" + tld + "\x00" + day.Compact()
}

func leaseKey(tld string, day Date, kind JobKind) string {
	return tld + "\x00" + day.Compact() + "\x00" + string(kind)
}

func (m *MemStore) UpsertTLD(_ context.Context, t TLD) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := strings.ToLower(t.Name)
	now := time.Now().UTC()
	if cur, ok := m.tlds[name]; ok {
		t.CreatedAt = cur.CreatedAt
		t.LastImportDate = cur.LastImportDate
		t.LastDropCount = cur.LastDropCount
	} else {
		t.CreatedAt = now
	}
	t.Name = name
	t.UpdatedAt = now
	m.tlds[name] = t
	return nil
}

func (m *MemStore) GetTLD(_ context.Context, name string) (TLD, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tlds[strings.ToLower(name)]
	if !ok {
		return TLD{}, fmt.Errorf("tld %q: %w", name, ErrNotFound)
	}
	return t, nil
}

func (m *MemStore) ListTLDs(_ context.Context, activeOnly bool) ([]TLD, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]TLD, 0, len(m.tlds))
	for _, t := range m.tlds {
		if activeOnly && !t.Active {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemStore) SetTLDImportMarker(_ context.Context, name string, day Date, dropCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(name)
	t, ok := m.tlds[key]
	if !ok {
		return fmt.Errorf("tld %q: %w", name, ErrNotFound)
	}
	// Catch-up runs replay old dates; the marker only moves forward.
	if t.LastImportDate.IsZero() || day.After(t.LastImportDate) {
		t.LastImportDate = day
		t.LastDropCount = dropCount
	}
	t.UpdatedAt = time.Now().UTC()
	m.tlds[key] = t
	return nil
}

func (m *MemStore) InsertDrops(_ context.Context, records []DropRecord) ([]DropRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var inserted []DropRecord
	now := time.Now().UTC()
	for _, r := range records {
		key := dropKey(r.Label, r.TLD, r.DropDate)
		if _, ok := m.drops[key]; ok {
			continue
		}
		m.dropSeq++
		r.ID = m.dropSeq
		r.CreatedAt = now
		m.drops[key] = r
		inserted = append(inserted, r)
	}
	return inserted, nil
}

func (m *MemStore) QueryDrops(_ context.Context, q DropQuery) (DropPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []DropRecord
	for _, r := range m.drops {
		if !matchDropQuery(r, q) {
			continue
		}
		all = append(all, r)
	}
	// Newest first, then label for a stable order.
	sort.Slice(all, func(i, j int) bool {
		if !all[i].DropDate.Equal(all[j].DropDate) {
			return all[j].DropDate.Before(all[i].DropDate)
		}
		return all[i].Label < all[j].Label
	})

	page, size := q.Page, q.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 50
	}
	start := (page - 1) * size
	if start > len(all) {
		start = len(all)
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}
	return DropPage{Drops: all[start:end], Total: len(all), Page: page, PageSize: size}, nil
}

func matchDropQuery(r DropRecord, q DropQuery) bool {
	if q.TLD != "" && r.TLD != strings.ToLower(q.TLD) {
		return false
	}
	if !q.Date.IsZero() && !r.DropDate.Equal(q.Date) {
		return false
	}
	if !q.DateFrom.IsZero() && r.DropDate.Before(q.DateFrom) {
		return false
	}
	if !q.DateTo.IsZero() && r.DropDate.After(q.DateTo) {
		return false
	}
	if q.MinLength > 0 && r.Length < q.MinLength {
		return false
	}
	if q.MaxLength > 0 && r.Length > q.MaxLength {
		return false
	}
	if q.Charset != "" && r.Charset != q.Charset {
		return false
	}
	if q.Substring != "" && !strings.Contains(r.Label, strings.ToLower(q.Substring)) {
		return false
	}
	if q.MinQuality > 0 && (r.QualityScore == nil || *r.QualityScore < q.MinQuality) {
		return false
	}
	return true
}

func (m *MemStore) UpsertJob(_ context.Context, j Job) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(j.TLD) + "\x00" + string(j.Kind)
	if id, ok := m.jobKey[key]; ok {
		j.ID = id
	} else {
		m.jobSeq++
		j.ID = m.jobSeq
		m.jobKey[key] = j.ID
	}
	j.TLD = strings.ToLower(j.TLD)
	m.jobs[j.ID] = j
	return j, nil
}

func (m *MemStore) ListEnabledJobs(_ context.Context) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Job
	for _, j := range m.jobs {
		if j.Enabled {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) CreateJobRun(_ context.Context, run JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *MemStore) FinishJobRun(_ context.Context, run JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.runs) - 1; i >= 0; i-- {
		if m.runs[i].ID == run.ID {
			m.runs[i] = run
			return nil
		}
	}
	return fmt.Errorf("job run %s: %w", run.ID, ErrNotFound)
}

func (m *MemStore) LastSuccessDate(_ context.Context, tld string, kind JobKind) (Date, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tld = strings.ToLower(tld)
	var best Date
	found := false
	for _, run := range m.runs {
		if run.TLD != tld || run.Kind != kind {
			continue
		}
		if run.Outcome != OutcomeSuccess {
			continue
		}
		if !found || run.TargetDate.After(best) {
			best = run.TargetDate
			found = true
		}
	}
	return best, found, nil
}

func (m *MemStore) AcquireLease(_ context.Context, tld string, day Date, kind JobKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := leaseKey(strings.ToLower(tld), day, kind)
	if _, held := m.leases[key]; held {
		return fmt.Errorf("lease %s/%s/%s: %w", tld, day, kind, ErrLeaseHeld)
	}
	m.leases[key] = struct{}{}
	return nil
}

func (m *MemStore) ReleaseLease(_ context.Context, tld string, day Date, kind JobKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, leaseKey(strings.ToLower(tld), day, kind))
	return nil
}

func (m *MemStore) UpsertWatchlist(_ context.Context, w Watchlist) (Watchlist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w.ID == 0 {
		m.wlSeq++
		w.ID = m.wlSeq
	}
	m.watchlists[w.ID] = w
	return w, nil
}

func (m *MemStore) ListActiveWatchlists(_ context.Context) ([]Watchlist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Watchlist
	for _, w := range m.watchlists {
		if w.Active {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) DeactivateWatchlist(_ context.Context, id int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.watchlists[id]
	if !ok {
		return fmt.Errorf("watchlist %d: %w", id, ErrNotFound)
	}
	w.Active = false
	w.DeactivatedReason = reason
	m.watchlists[id] = w
	return nil
}

func (m *MemStore) InsertMatches(_ context.Context, matches []WatchlistMatch) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := 0
	for _, mt := range matches {
		key := fmt.Sprintf("%d\x00%d", mt.WatchlistID, mt.DropID)
		if _, ok := m.matches[key]; ok {
			continue
		}
		m.matches[key] = mt
		inserted++
	}
	return inserted, nil
}

func (m *MemStore) Close() {}

var _ Store = (*MemStore)(nil)
