package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"BatchLedger/internal/core"
	"BatchLedger/internal/observability"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains committed outputs from the runner, batch-writes
// them to Postgres and then hands their effects to custody.
// The runner sends to it with a blocking send, so if this worker falls
// behind the engine stalls and nothing is lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	input        <-chan *core.Output
	custody      core.Custody
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger

	lastSequence atomic.Int64
}

// WorkerConfig wires a PersistenceWorker. Custody may be nil.
type WorkerConfig struct {
	BatchSize    int
	FlushTimeout time.Duration
	Custody      core.Custody
	Metrics      *observability.Metrics
	Logger       zerolog.Logger
}

func NewPersistenceWorker(db *sql.DB, input <-chan *core.Output, cfg WorkerConfig) *PersistenceWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Millisecond
	}
	return &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(db),
		input:        input,
		custody:      cfg.Custody,
		batchSize:    cfg.BatchSize,
		flushTimeout: cfg.FlushTimeout,
		metrics:      cfg.Metrics,
		log:          cfg.Logger,
	}
}

// SetLastSequence seeds the persisted high-water mark after recovery.
func (pw *PersistenceWorker) SetLastSequence(seq int64) {
	pw.lastSequence.Store(seq)
}

// LastSequence is the highest command sequence known to be durable.
func (pw *PersistenceWorker) LastSequence() int64 {
	return pw.lastSequence.Load()
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or input is closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	pending := make([]*core.Output, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if len(pending) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, pending); err != nil {
			pw.log.Error().Err(err).Int("commands", len(pending)).Msg("persistence flush failed")
		}
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background())
			return ctx.Err()

		case out, ok := <-pw.input:
			if !ok {
				flush(context.Background())
				return nil
			}
			pending = append(pending, out)
			if len(pending) >= pw.batchSize {
				flush(ctx)
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last attempt is made without it.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, outputs []*core.Output) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("commands", len(outputs)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), outputs); err != nil {
					return fmt.Errorf("final flush on shutdown: %w", err)
				}
				pw.forwardEffects(context.Background(), outputs)
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
		}

		err := pw.flush(ctx, outputs)
		if err == nil {
			if attempt > 0 {
				pw.log.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			pw.forwardEffects(ctx, outputs)
			return nil
		}
		pw.log.Error().Err(err).Msg("persistence flush")
		pw.countError("retry")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, outputs []*core.Output) error {
	start := time.Now()

	commands := make([]CommandRow, 0, len(outputs))
	var events []EventRow
	var journals []JournalRow
	for _, out := range outputs {
		cmd, evts, jrnls, err := RowsFromOutput(out)
		if err != nil {
			pw.countError("encode")
			return err
		}
		commands = append(commands, cmd)
		events = append(events, evts...)
		journals = append(journals, jrnls...)
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteCommandBatch(ctx, tx, commands); err != nil {
		pw.countError("write_commands")
		return fmt.Errorf("write commands: %w", err)
	}
	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.countError("write_events")
		return fmt.Errorf("write events: %w", err)
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		pw.countError("write_journals")
		return fmt.Errorf("write journals: %w", err)
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	last := outputs[len(outputs)-1].Sequence
	pw.lastSequence.Store(last)

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(commands)))
		pw.metrics.PersistCommandsWritten.Add(float64(len(commands)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		pw.metrics.PersistLastSequence.Set(float64(last))
		for _, out := range outputs {
			if !out.AppliedAt.IsZero() {
				pw.metrics.ApplyToPersist.Observe(time.Since(out.AppliedAt).Seconds())
			}
		}
	}
	return nil
}

// forwardEffects hands effects to custody in command order. A failure is
// logged; the effects stay in event_log.commands for reconciliation.
func (pw *PersistenceWorker) forwardEffects(ctx context.Context, outputs []*core.Output) {
	if pw.custody == nil {
		return
	}
	for _, out := range outputs {
		if len(out.Effects) == 0 {
			continue
		}
		if err := pw.custody.Execute(ctx, out.Sequence, out.Effects); err != nil {
			pw.log.Error().
				Err(err).
				Int64("sequence", out.Sequence).
				Int("effects", len(out.Effects)).
				Msg("custody forward failed")
			pw.countError("custody")
		}
	}
}

func (pw *PersistenceWorker) countError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
