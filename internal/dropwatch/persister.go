package dropwatch

import (
	"context"
	"log/slog"
)

// DropPersister writes detected drops to the store in fixed-size batches.
// Each batch is idempotent on the drop unique key, so a cycle that dies
// between batches can be rerun: already-committed batches insert zero rows
// and the run resumes where it stopped.
type DropPersister struct {
	store     Store
	batchSize int
	logger    *slog.Logger
	metrics   *Metrics

	buf      []DropRecord
	inserted []DropRecord
	seen     int
}

// NewDropPersister builds a persister flushing every batchSize records.
func NewDropPersister(store Store, batchSize int, logger *slog.Logger, metrics *Metrics) *DropPersister {
	if batchSize < 1 {
		batchSize = 1
	}
	return &DropPersister{
		store:     store,
		batchSize: batchSize,
		logger:    logger,
		metrics:   metrics,
		buf:       make([]DropRecord, 0, batchSize),
	}
}

// Add buffers one record, flushing when the batch is full.
func (p *DropPersister) Add(ctx context.Context, rec DropRecord) error {
	p.buf = append(p.buf, rec)
	p.seen++
	if len(p.buf) >= p.batchSize {
		return p.Flush(ctx)
	}
	return nil
}

// Flush commits the buffered batch. Safe to call with an empty buffer.
func (p *DropPersister) Flush(ctx context.Context) error {
	if len(p.buf) == 0 {
		return nil
	}

	ins, err := p.store.InsertDrops(ctx, p.buf)
	if err != nil {
		return err
	}
	p.inserted = append(p.inserted, ins...)
	if len(ins) > 0 {
		p.metrics.AddDropsInserted(ins[0].TLD, len(ins))
	}
	if p.logger != nil && len(ins) < len(p.buf) {
		p.logger.Debug("drop batch partially pre-existing",
			"batch", len(p.buf), "inserted", len(ins))
	}
	p.buf = p.buf[:0]
	return nil
}

// Inserted returns the records actually inserted so far, IDs assigned.
// Re-detected duplicates from a resumed run are excluded.
func (p *DropPersister) Inserted() []DropRecord { return p.inserted }

// Seen returns the total number of records handed to Add.
func (p *DropPersister) Seen() int { return p.seen }
