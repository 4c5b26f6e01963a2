package dropwatch

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ZoneSnapshot describes one committed daily zone file.
type ZoneSnapshot struct {
	TLD       string
	Day       Date
	Path      string
	SizeBytes int64
	SHA256    string
	FetchedAt time.Time
}

// ZoneStore is the filesystem-backed snapshot store. Snapshots are addressed
// by (tld, date) and laid out as <root>/zones/<tld>/<YYYYMMDD>.zone, with an
// optional .gz suffix for compressed storage.
//
// A snapshot is observable only after Commit: downloads write to a temporary
// file that is atomically renamed into place, so a crash mid-download leaves
// no committed state.
type ZoneStore struct {
	root    string
	metrics *Metrics
}

// NewZoneStore creates the store rooted at dataDir, verifying that the zones
// directory exists and is writable.
func NewZoneStore(dataDir string, metrics *Metrics) (*ZoneStore, error) {
	root := filepath.Join(dataDir, "zones")
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, &OpError{Kind: KindConfig, Op: "zonestore", Err: fmt.Errorf("create zones dir: %w", err)}
	}
	probe := filepath.Join(root, ".writecheck")
	if err := os.WriteFile(probe, nil, 0o640); err != nil {
		return nil, &OpError{Kind: KindConfig, Op: "zonestore", Err: fmt.Errorf("zones dir not writable: %w", err)}
	}
	_ = os.Remove(probe)

	return &ZoneStore{root: root, metrics: metrics}, nil
}

func (s *ZoneStore) tldDir(tld string) string {
	return filepath.Join(s.root, strings.ToLower(tld))
}

func (s *ZoneStore) snapshotPath(tld string, day Date) string {
	return filepath.Join(s.tldDir(tld), day.Compact()+".zone")
}

// Handle is a reserved, uncommitted snapshot slot. Only the coordinator that
// reserved it may write; everything written flows through a SHA-256 digest so
// Commit can verify integrity without re-reading the file.
type Handle struct {
	store *ZoneStore
	tld   string
	day   Date

	tmpPath   string
	finalPath string

	f      *os.File
	digest hash.Hash
	size   int64
}

// Reserve claims the (tld, date) slot for writing. It fails with
// ErrSnapshotExists when a committed snapshot is already present.
func (s *ZoneStore) Reserve(tld string, day Date) (*Handle, error) {
	if s.Exists(tld, day) {
		return nil, fmt.Errorf("reserve %s/%s: %w", tld, day, ErrSnapshotExists)
	}

	dir := s.tldDir(tld)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, &OpError{Kind: KindFatal, Op: "zonestore.reserve", Err: err}
	}

	final := s.snapshotPath(tld, day)
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, &OpError{Kind: KindFatal, Op: "zonestore.reserve", Err: err}
	}

	return &Handle{
		store:     s,
		tld:       tld,
		day:       day,
		tmpPath:   tmp,
		finalPath: final,
		f:         f,
		digest:    sha256.New(),
	}, nil
}

// Write appends bytes to the reserved snapshot.
func (h *Handle) Write(p []byte) (int, error) {
	n, err := h.f.Write(p)
	if n > 0 {
		_, _ = h.digest.Write(p[:n])
		h.size += int64(n)
	}
	if err != nil {
		return n, &OpError{Kind: KindTransient, Op: "zonestore.write", Err: err}
	}
	return n, nil
}

// Size returns the number of bytes written so far. Used for Range resumption
// bookkeeping by the CZDS client.
func (h *Handle) Size() int64 { return h.size }

// SHA256 returns the hex digest of everything written so far.
func (h *Handle) SHA256() string { return hex.EncodeToString(h.digest.Sum(nil)) }

// MarkCompressed records that the bytes being written are gzip-compressed,
// so the snapshot is published with a .gz suffix and decompressed lazily by
// Open.
func (h *Handle) MarkCompressed() {
	if !strings.HasSuffix(h.finalPath, ".gz") {
		h.finalPath += ".gz"
	}
}

// Truncate discards everything written so far, keeping the reservation. Used
// when a resumed download turns out to be against a changed remote file.
func (h *Handle) Truncate() error {
	if err := h.f.Truncate(0); err != nil {
		return &OpError{Kind: KindTransient, Op: "zonestore.truncate", Err: err}
	}
	if _, err := h.f.Seek(0, io.SeekStart); err != nil {
		return &OpError{Kind: KindTransient, Op: "zonestore.truncate", Err: err}
	}
	h.digest = sha256.New()
	h.size = 0
	return nil
}

// Abort releases the reservation and removes the partial file.
func (h *Handle) Abort() {
	_ = h.f.Close()
	_ = os.Remove(h.tmpPath)
}

// Commit atomically publishes the snapshot. When wantSize >= 0 or wantSHA256
// is non-empty, the written data must match or the commit fails and the
// partial file is removed.
func (h *Handle) Commit(wantSize int64, wantSHA256 string) (ZoneSnapshot, error) {
	fail := func(err error) (ZoneSnapshot, error) {
		h.Abort()
		return ZoneSnapshot{}, err
	}

	if wantSize >= 0 && h.size != wantSize {
		return fail(&OpError{Kind: KindTransient, Op: "zonestore.commit",
			Err: fmt.Errorf("size mismatch: wrote %d, want %d", h.size, wantSize)})
	}
	got := h.SHA256()
	if wantSHA256 != "" && !strings.EqualFold(got, wantSHA256) {
		return fail(&OpError{Kind: KindTransient, Op: "zonestore.commit",
			Err: fmt.Errorf("checksum mismatch: got %s, want %s", got, wantSHA256)})
	}

	if err := h.f.Sync(); err != nil {
		return fail(&OpError{Kind: KindTransient, Op: "zonestore.commit", Err: err})
	}
	if err := h.f.Close(); err != nil {
		return fail(&OpError{Kind: KindTransient, Op: "zonestore.commit", Err: err})
	}
	if err := os.Rename(h.tmpPath, h.finalPath); err != nil {
		_ = os.Remove(h.tmpPath)
		return ZoneSnapshot{}, &OpError{Kind: KindFatal, Op: "zonestore.commit", Err: err}
	}

	h.store.updateRetainedMetric(h.tld)

	return ZoneSnapshot{
		TLD:       h.tld,
		Day:       h.day,
		Path:      h.finalPath,
		SizeBytes: h.size,
		SHA256:    got,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// Exists reports whether a committed snapshot is present for (tld, date).
func (s *ZoneStore) Exists(tld string, day Date) bool {
	if _, err := os.Stat(s.snapshotPath(tld, day)); err == nil {
		return true
	}
	if _, err := os.Stat(s.snapshotPath(tld, day) + ".gz"); err == nil {
		return true
	}
	return false
}

// Open returns a byte stream over the snapshot, transparently decompressing
// a .gz-stored file.
func (s *ZoneStore) Open(tld string, day Date) (io.ReadCloser, error) {
	plain := s.snapshotPath(tld, day)
	if f, err := os.Open(plain); err == nil {
		return f, nil
	}

	f, err := os.Open(plain + ".gz")
	if err != nil {
		return nil, &OpError{Kind: KindFatal, Op: "zonestore.open",
			Err: fmt.Errorf("no snapshot for %s/%s", tld, day)}
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, &OpError{Kind: KindParser, Op: "zonestore.open", Err: err}
	}
	return &gzipReadCloser{zr: zr, f: f}, nil
}

type gzipReadCloser struct {
	zr *gzip.Reader
	f  *os.File
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.zr.Read(p) }

func (g *gzipReadCloser) Close() error {
	zerr := g.zr.Close()
	ferr := g.f.Close()
	if zerr != nil {
		return zerr
	}
	return ferr
}

// days returns the committed snapshot dates for a TLD, ascending. Quarantined
// (.bad) and partial (.tmp) files are ignored.
func (s *ZoneStore) days(tld string) ([]Date, error) {
	ents, err := os.ReadDir(s.tldDir(tld))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &OpError{Kind: KindFatal, Op: "zonestore.scan", Err: err}
	}

	var out []Date
	for _, ent := range ents {
		if ent.IsDir() {
			continue
		}
		name := strings.TrimSuffix(ent.Name(), ".gz")
		if !strings.HasSuffix(name, ".zone") {
			continue
		}
		d, err := ParseCompactDate(strings.TrimSuffix(name, ".zone"))
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// LatestBefore returns the most recent committed snapshot date strictly
// before day, if any.
func (s *ZoneStore) LatestBefore(tld string, day Date) (Date, bool) {
	days, err := s.days(tld)
	if err != nil {
		return Date{}, false
	}
	for i := len(days) - 1; i >= 0; i-- {
		if days[i].Before(day) {
			return days[i], true
		}
	}
	return Date{}, false
}

// Prune removes all but the keep most recent snapshots for a TLD. keep is
// clamped to 2, the minimum needed for adjacent-day detection.
func (s *ZoneStore) Prune(tld string, keep int) (int, error) {
	if keep < 2 {
		keep = 2
	}
	days, err := s.days(tld)
	if err != nil {
		return 0, err
	}
	if len(days) <= keep {
		s.updateRetainedMetric(tld)
		return 0, nil
	}

	removed := 0
	for _, d := range days[:len(days)-keep] {
		p := s.snapshotPath(tld, d)
		if err := os.Remove(p); err != nil {
			if err2 := os.Remove(p + ".gz"); err2 != nil {
				return removed, &OpError{Kind: KindFatal, Op: "zonestore.prune", Err: err}
			}
		}
		removed++
	}
	s.updateRetainedMetric(tld)
	return removed, nil
}

// Quarantine renames a structurally corrupt snapshot with a .bad suffix so
// it is no longer visible to Exists/Open but remains on disk for inspection.
func (s *ZoneStore) Quarantine(tld string, day Date) error {
	p := s.snapshotPath(tld, day)
	if err := os.Rename(p, p+".bad"); err == nil {
		s.updateRetainedMetric(tld)
		return nil
	}
	if err := os.Rename(p+".gz", p+".gz.bad"); err != nil {
		return &OpError{Kind: KindFatal, Op: "zonestore.quarantine", Err: err}
	}
	s.updateRetainedMetric(tld)
	return nil
}

func (s *ZoneStore) updateRetainedMetric(tld string) {
	if s.metrics == nil {
		return
	}
	days, err := s.days(tld)
	if err != nil {
		return
	}
	s.metrics.SetSnapshotsRetained(strings.ToLower(tld), len(days))
}
