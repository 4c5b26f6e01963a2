package dropwatch

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"
)

// DropDetector turns the set difference between two adjacent daily label sets
// into enriched drop records.
type DropDetector struct {
	tld     string
	scorer  QualityScorer
	logger  *slog.Logger
	metrics *Metrics
}

// NewDropDetector builds a detector for one TLD. scorer may be nil, in which
// case records carry no quality score.
func NewDropDetector(tld string, scorer QualityScorer, logger *slog.Logger, metrics *Metrics) *DropDetector {
	return &DropDetector{
		tld:     strings.ToLower(tld),
		scorer:  scorer,
		logger:  logger,
		metrics: metrics,
	}
}

// Detect emits one DropRecord for every label present in prev and absent from
// today, dated day. Returns the number of drops emitted.
//
// Records are enriched inline: length is the rune count of the stored label
// (the xn-- form for IDN labels), label count is always 1 for an SLD directly
// under the TLD, and charset follows ClassifyLabel.
func (d *DropDetector) Detect(ctx context.Context, prev, today LabelSet, day Date, emit func(DropRecord) error) (int, error) {
	detected := 0
	err := DiffLabels(ctx, prev, today, func(label string) error {
		rec := DropRecord{
			Label:      label,
			TLD:        d.tld,
			DropDate:   day,
			Length:     utf8.RuneCountInString(label),
			LabelCount: 1,
			Charset:    ClassifyLabel(label),
		}
		if d.scorer != nil {
			score := d.scorer.Score(label, d.tld)
			rec.QualityScore = &score
		}
		detected++
		return emit(rec)
	})
	if err != nil {
		return detected, err
	}

	d.metrics.AddDropsDetected(d.tld, detected)
	if d.logger != nil {
		d.logger.Info("drops detected",
			"tld", d.tld, "drop_date", day.String(),
			"prev_labels", prev.Len(), "today_labels", today.Len(), "drops", detected)
	}
	return detected, nil
}
