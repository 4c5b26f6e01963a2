package dropwatch

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
)

// testLogger returns a logger that discards everything; failures assert on
// behavior, not log output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustDate(t *testing.T, s string) Date {
	t.Helper()
	d, err := ParseDate(s)
	if err != nil {
		t.Fatalf("ParseDate(%q): %v", s, err)
	}
	return d
}

// mustCommitSnapshot writes a committed zone snapshot for (tld, day).
func mustCommitSnapshot(t *testing.T, zones *ZoneStore, tld string, day Date, content string) {
	t.Helper()
	h, err := zones.Reserve(tld, day)
	if err != nil {
		t.Fatalf("Reserve(%s, %s): %v", tld, day, err)
	}
	if _, err := h.Write([]byte(content)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := h.Commit(-1, ""); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

// mustParseLabels runs the zone parser over content and returns the set.
func mustParseLabels(t *testing.T, tld, content string) LabelSet {
	t.Helper()
	p := NewZoneParser(tld, 1<<20, t.TempDir(), testLogger(), nil)
	set, err := p.Parse(context.Background(), strings.NewReader(content))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	t.Cleanup(func() { _ = set.Close() })
	return set
}

// collectDiff runs DiffLabels and returns the emitted labels.
func collectDiff(t *testing.T, prev, today LabelSet) []string {
	t.Helper()
	var out []string
	if err := DiffLabels(context.Background(), prev, today, func(label string) error {
		out = append(out, label)
		return nil
	}); err != nil {
		t.Fatalf("DiffLabels: %v", err)
	}
	return out
}

// mustLabelSet builds an in-memory label set from literal labels.
func mustLabelSet(t *testing.T, labels ...string) LabelSet {
	t.Helper()
	b := newLabelSetBuilder(1<<20, t.TempDir())
	for _, l := range labels {
		if err := b.Add(l); err != nil {
			t.Fatalf("Add(%q): %v", l, err)
		}
	}
	set, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { _ = set.Close() })
	return set
}

func intPtr(n int) *int { return &n }
