package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"LoopEngine/internal/observability"
)

// Worker drains the operation-record channel and batch-writes to Postgres.
// It runs independently from the engine: a slow database delays the audit
// trail, never an operation. Records are not dropped — failed flushes retry
// with exponential backoff until they land or the context ends.
type Worker struct {
	writer       *OperationWriter
	inputChan    <-chan OperationRow
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan OperationRow,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Worker {
	return &Worker{
		writer:       NewOperationWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          log.With().Str("component", "persist_worker").Logger(),
	}
}

// Run batches incoming records and flushes when the batch fills or the
// flush timeout expires. Blocks until ctx is cancelled or the channel closes.
func (w *Worker) Run(ctx context.Context) error {
	batch := make([]OperationRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					w.log.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case row, ok := <-w.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := w.flush(context.Background(), batch); err != nil {
						w.log.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}

			batch = append(batch, row)
			if w.metrics != nil {
				w.metrics.SetChannelMetrics("persist", len(w.inputChan), cap(w.inputChan))
			}
			if len(batch) >= w.batchSize {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or the context is cancelled, in which case one last flush runs with a
// background context so the batch is not lost on shutdown.
func (w *Worker) flushWithRetry(ctx context.Context, rows []OperationRow) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().Int("attempt", attempt).Dur("backoff", backoff).
				Int("rows", len(rows)).Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), rows); err != nil {
					w.log.Error().Err(err).Msg("flush on shutdown failed")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		if err := w.flush(ctx, rows); err == nil {
			if attempt > 0 {
				w.log.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return
		}

		if w.metrics != nil {
			w.metrics.PersistRetry.Inc()
		}
	}
}

func (w *Worker) flush(ctx context.Context, rows []OperationRow) error {
	start := time.Now()

	if err := w.writer.WriteBatch(ctx, rows); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_batch").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(rows)))
		w.metrics.PersistRowsWritten.Add(float64(len(rows)))
	}
	return nil
}

// Writer exposes the underlying writer for queries.
func (w *Worker) Writer() *OperationWriter {
	return w.writer
}
