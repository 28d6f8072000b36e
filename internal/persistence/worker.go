package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"OptionLedger/internal/observability"
)

// Output mirrors core.Output in row form to avoid an import cycle.
// The orchestrator (cmd/optionledger) bridges between the two.
type Output struct {
	EventRow      EventRow
	JournalRows   []JournalRow
	SettlementRow *SettlementRow
}

// Worker drains the persist channel and batch-writes to Postgres. This
// goroutine runs independently from the engine. The persist channel uses
// BLOCKING sends from the engine, so if this worker falls behind, the
// engine stalls — guaranteeing no event is lost.
type Worker struct {
	writer       *EventLogWriter
	inputChan    <-chan Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		writer:       NewEventLogWriter(db, batchSize, flushTimeout),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

// Run starts the persistence loop. It batches incoming outputs and
// flushes either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled.
func (pw *Worker) Run(ctx context.Context) error {
	eventBatch := make([]EventRow, 0, pw.batchSize)
	journalBatch := make([]JournalRow, 0, pw.batchSize*3) // ~3 journals per redemption
	settlementBatch := make([]SettlementRow, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flushAll := func(flushCtx context.Context, retry bool) {
		if len(eventBatch) == 0 {
			return
		}
		var err error
		if retry {
			err = pw.flushWithRetry(flushCtx, eventBatch, journalBatch, settlementBatch)
		} else {
			err = pw.flush(flushCtx, eventBatch, journalBatch, settlementBatch)
		}
		if err != nil {
			log.Printf("ERROR: flush failed: %v", err)
		}
		eventBatch = eventBatch[:0]
		journalBatch = journalBatch[:0]
		settlementBatch = settlementBatch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining with a fresh context
			flushAll(context.Background(), false)
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				flushAll(context.Background(), false)
				return nil
			}

			eventBatch = append(eventBatch, output.EventRow)
			journalBatch = append(journalBatch, output.JournalRows...)
			if output.SettlementRow != nil {
				settlementBatch = append(settlementBatch, *output.SettlementRow)
			}

			if len(eventBatch) >= pw.batchSize {
				flushAll(ctx, true)
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flushAll(ctx, true)
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry attempts to flush with exponential backoff. The worker
// never drops events: it retries until the write succeeds or the context
// is cancelled, then makes one final attempt on a background context.
func (pw *Worker) flushWithRetry(ctx context.Context, events []EventRow, journals []JournalRow, settlements []SettlementRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: persistence retry attempt %d (backoff=%v, events=%d)",
				attempt, backoff, len(events))
			select {
			case <-ctx.Done():
				finalErr := pw.flush(context.Background(), events, journals, settlements)
				if finalErr != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, events, journals, settlements)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return nil
		}

		if pw.metrics != nil {
			pw.metrics.PersistRetry.Inc()
			pw.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (pw *Worker) flush(ctx context.Context, events []EventRow, journals []JournalRow, settlements []SettlementRow) error {
	start := time.Now()

	// Events, journals and settlements land in a single transaction
	tx, err := pw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_events").Inc()
		}
		return err
	}

	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_journals").Inc()
		}
		return err
	}

	if err := pw.writer.WriteSettlementBatch(ctx, tx, settlements); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_settlements").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		if len(events) > 0 {
			pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
		}
	}

	return nil
}

// GetWriter returns the underlying writer.
func (pw *Worker) GetWriter() *EventLogWriter {
	return pw.writer
}
