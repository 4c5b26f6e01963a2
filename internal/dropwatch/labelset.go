package dropwatch

import (
	"bufio"
	"container/heap"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
)

// LabelSet is a materialized set of unique lowercased SLD labels for one
// (tld, date). Implementations are either fully in-memory or spilled to a
// sorted on-disk stream when the set exceeds the memory budget.
type LabelSet interface {
	// Len is the number of unique labels.
	Len() int
	// SortedStream returns the labels in ascending lexicographic byte
	// order, one call to Next per label.
	SortedStream() (LabelStream, error)
	// Close releases any backing files.
	Close() error
}

// LabelStream yields labels until io.EOF.
type LabelStream interface {
	Next() (string, error)
	Close() error
}

// memLabelSet holds the set as a hash set. Authoritative while under budget.
type memLabelSet struct {
	labels map[string]struct{}
}

func (s *memLabelSet) Len() int { return len(s.labels) }

func (s *memLabelSet) contains(label string) bool {
	_, ok := s.labels[label]
	return ok
}

func (s *memLabelSet) SortedStream() (LabelStream, error) {
	sorted := make([]string, 0, len(s.labels))
	for l := range s.labels {
		sorted = append(sorted, l)
	}
	sort.Strings(sorted)
	return &sliceStream{labels: sorted}, nil
}

func (s *memLabelSet) Close() error { return nil }

type sliceStream struct {
	labels []string
	pos    int
}

func (st *sliceStream) Next() (string, error) {
	if st.pos >= len(st.labels) {
		return "", io.EOF
	}
	l := st.labels[st.pos]
	st.pos++
	return l, nil
}

func (st *sliceStream) Close() error { return nil }

// fileLabelSet is a sorted, deduplicated newline-separated label file
// produced by external-sort spilling.
type fileLabelSet struct {
	path  string
	count int
}

func (s *fileLabelSet) Len() int { return s.count }

func (s *fileLabelSet) SortedStream() (LabelStream, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, &OpError{Kind: KindFatal, Op: "labelset.open", Err: err}
	}
	return &fileStream{f: f, sc: bufio.NewScanner(f)}, nil
}

func (s *fileLabelSet) Close() error { return os.Remove(s.path) }

type fileStream struct {
	f  *os.File
	sc *bufio.Scanner
}

func (st *fileStream) Next() (string, error) {
	if !st.sc.Scan() {
		if err := st.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return st.sc.Text(), nil
}

func (st *fileStream) Close() error { return st.f.Close() }

// labelSetBuilder accumulates labels into a hash set and spills sorted runs
// to disk once the set exceeds the memory budget. Build merges the runs into
// a single sorted deduplicated file; if no spill happened the in-memory set
// is returned directly.
type labelSetBuilder struct {
	budget int
	tmpDir string

	mem  map[string]struct{}
	runs []string
}

func newLabelSetBuilder(budget int, tmpDir string) *labelSetBuilder {
	return &labelSetBuilder{
		budget: budget,
		tmpDir: tmpDir,
		mem:    make(map[string]struct{}),
	}
}

func (b *labelSetBuilder) Add(label string) error {
	b.mem[label] = struct{}{}
	if len(b.mem) >= b.budget {
		return b.spill()
	}
	return nil
}

func (b *labelSetBuilder) spill() error {
	run := make([]string, 0, len(b.mem))
	for l := range b.mem {
		run = append(run, l)
	}
	sort.Strings(run)

	f, err := os.CreateTemp(b.tmpDir, "labels-run-*.txt")
	if err != nil {
		return &OpError{Kind: KindFatal, Op: "labelset.spill", Err: err}
	}
	w := bufio.NewWriter(f)
	for _, l := range run {
		if _, err := fmt.Fprintln(w, l); err != nil {
			_ = f.Close()
			return &OpError{Kind: KindTransient, Op: "labelset.spill", Err: err}
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return &OpError{Kind: KindTransient, Op: "labelset.spill", Err: err}
	}
	if err := f.Close(); err != nil {
		return &OpError{Kind: KindTransient, Op: "labelset.spill", Err: err}
	}

	b.runs = append(b.runs, f.Name())
	b.mem = make(map[string]struct{})
	return nil
}

// Build finalizes the set. The builder must not be reused afterwards.
func (b *labelSetBuilder) Build() (LabelSet, error) {
	if len(b.runs) == 0 {
		return &memLabelSet{labels: b.mem}, nil
	}

	// Flush the tail so the merge only deals with sorted runs.
	if len(b.mem) > 0 {
		if err := b.spill(); err != nil {
			return nil, err
		}
	}

	out, err := os.CreateTemp(b.tmpDir, "labels-merged-*.txt")
	if err != nil {
		return nil, &OpError{Kind: KindFatal, Op: "labelset.merge", Err: err}
	}

	count, err := mergeRuns(b.runs, out)
	for _, run := range b.runs {
		_ = os.Remove(run)
	}
	if err != nil {
		_ = out.Close()
		_ = os.Remove(out.Name())
		return nil, err
	}
	if err := out.Close(); err != nil {
		return nil, &OpError{Kind: KindTransient, Op: "labelset.merge", Err: err}
	}

	return &fileLabelSet{path: out.Name(), count: count}, nil
}

// mergeRuns performs a k-way merge of sorted run files into w, dropping
// duplicates, and returns the number of unique labels written.
func mergeRuns(runs []string, w io.Writer) (int, error) {
	h := &streamHeap{}
	var streams []LabelStream
	defer func() {
		for _, s := range streams {
			_ = s.Close()
		}
	}()

	for _, run := range runs {
		f, err := os.Open(run)
		if err != nil {
			return 0, &OpError{Kind: KindFatal, Op: "labelset.merge", Err: err}
		}
		st := &fileStream{f: f, sc: bufio.NewScanner(f)}
		streams = append(streams, st)

		label, err := st.Next()
		if err == io.EOF {
			continue
		}
		if err != nil {
			return 0, &OpError{Kind: KindTransient, Op: "labelset.merge", Err: err}
		}
		heap.Push(h, streamHead{label: label, stream: st})
	}

	bw := bufio.NewWriter(w)
	count := 0
	last := ""
	for h.Len() > 0 {
		head := heap.Pop(h).(streamHead)
		if count == 0 || head.label != last {
			if _, err := fmt.Fprintln(bw, head.label); err != nil {
				return count, &OpError{Kind: KindTransient, Op: "labelset.merge", Err: err}
			}
			last = head.label
			count++
		}

		next, err := head.stream.Next()
		if err == io.EOF {
			continue
		}
		if err != nil {
			return count, &OpError{Kind: KindTransient, Op: "labelset.merge", Err: err}
		}
		heap.Push(h, streamHead{label: next, stream: head.stream})
	}
	if err := bw.Flush(); err != nil {
		return count, &OpError{Kind: KindTransient, Op: "labelset.merge", Err: err}
	}
	return count, nil
}

type streamHead struct {
	label  string
	stream LabelStream
}

type streamHeap []streamHead

func (h streamHeap) Len() int            { return len(h) }
func (h streamHeap) Less(i, j int) bool  { return h[i].label < h[j].label }
func (h streamHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *streamHeap) Push(x any)         { *h = append(*h, x.(streamHead)) }
func (h *streamHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// DiffLabels emits every label in prev that is absent from today, in the
// order natural to the chosen strategy. When both sets are in memory a hash
// difference is used; otherwise both sets are walked as sorted streams with
// a linear two-pointer merge, so neither set is fully resident.
//
// Consumers must not depend on emission order.
func DiffLabels(ctx context.Context, prev, today LabelSet, emit func(label string) error) error {
	mPrev, prevMem := prev.(*memLabelSet)
	mToday, todayMem := today.(*memLabelSet)

	if prevMem && todayMem {
		n := 0
		for label := range mPrev.labels {
			if n%yieldCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					return &OpError{Kind: KindCanceled, Op: "diff", Err: err}
				}
			}
			n++
			if !mToday.contains(label) {
				if err := emit(label); err != nil {
					return err
				}
			}
		}
		return nil
	}

	ps, err := prev.SortedStream()
	if err != nil {
		return err
	}
	defer func() { _ = ps.Close() }()
	ts, err := today.SortedStream()
	if err != nil {
		return err
	}
	defer func() { _ = ts.Close() }()

	pLabel, pErr := ps.Next()
	tLabel, tErr := ts.Next()
	n := 0
	for pErr == nil {
		if n%yieldCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return &OpError{Kind: KindCanceled, Op: "diff", Err: err}
			}
		}
		n++

		switch {
		case tErr == io.EOF || pLabel < tLabel:
			if err := emit(pLabel); err != nil {
				return err
			}
			pLabel, pErr = ps.Next()
		case pLabel == tLabel:
			pLabel, pErr = ps.Next()
			tLabel, tErr = ts.Next()
		default: // pLabel > tLabel
			tLabel, tErr = ts.Next()
		}
		if tErr != nil && tErr != io.EOF {
			return &OpError{Kind: KindTransient, Op: "diff", Err: tErr}
		}
	}
	if pErr != io.EOF {
		return &OpError{Kind: KindTransient, Op: "diff", Err: pErr}
	}
	return nil
}
