package core

import (
	"context"
	"fmt"
	"time"

	"BatchLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Runner serializes every mutation through one goroutine. Ingestion from
// NATS and gRPC submits commands here; committed outputs go to the persist
// channel (blocking, so persistence backpressure stalls the runner and
// nothing is lost) and to the publish channel (non-blocking, drops counted).
type Runner struct {
	engine  *Engine
	dedup   *DedupChecker
	submit  chan submission
	persist chan<- *Output
	publish chan<- *Output
	metrics *observability.Metrics
	log     zerolog.Logger
}

type submission struct {
	ctx      context.Context
	source   string
	cmd      Command
	received time.Time
	reply    chan result
}

type result struct {
	out *Output
	err error
}

// RunnerConfig wires a Runner. Publish may be nil.
type RunnerConfig struct {
	QueueSize int
	Dedup     *DedupChecker
	Persist   chan<- *Output
	Publish   chan<- *Output
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
}

func NewRunner(engine *Engine, cfg RunnerConfig) *Runner {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &Runner{
		engine:  engine,
		dedup:   cfg.Dedup,
		submit:  make(chan submission, cfg.QueueSize),
		persist: cfg.Persist,
		publish: cfg.Publish,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
	}
}

// Submit queues a command and waits for its result. source labels the
// ingestion path in metrics ("nats", "grpc").
func (r *Runner) Submit(ctx context.Context, source string, cmd Command) (*Output, error) {
	reply := make(chan result, 1)
	s := submission{ctx: ctx, source: source, cmd: cmd, received: time.Now(), reply: reply}

	select {
	case r.submit <- s:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-reply:
		return res.out, res.err
	case <-ctx.Done():
		// The command may still commit; the caller only stops waiting.
		return nil, ctx.Err()
	}
}

// Run processes submissions until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-r.submit:
			out, err := r.apply(ctx, s)
			s.reply <- result{out: out, err: err}
		}
	}
}

func (r *Runner) apply(ctx context.Context, s submission) (*Output, error) {
	if r.metrics != nil {
		r.metrics.SetChannelMetrics("submit", len(r.submit), cap(r.submit))
	}
	if r.dedup != nil && r.dedup.IsDuplicate(s.ctx, s.cmd) {
		r.log.Info().
			Str("kind", string(s.cmd.Kind)).
			Str("dedup_key", s.cmd.DedupKey()).
			Msg("duplicate command skipped")
		return nil, wrapError(s.cmd.Kind, OpNone, -1, r.engine.TxCounter(),
			fmt.Errorf("%w: %s", ErrDuplicateCommand, s.cmd.DedupKey()))
	}

	out, err := r.engine.Apply(s.cmd)
	if err != nil {
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.IngestToApply.WithLabelValues(s.source).Observe(time.Since(s.received).Seconds())
	}
	if r.dedup != nil {
		r.dedup.MarkProcessed(s.cmd)
	}

	if err := r.forward(ctx, out); err != nil {
		// Committed in memory but not handed to persistence; only happens
		// on shutdown, and the command is re-applied from the source.
		return out, err
	}
	return out, nil
}

func (r *Runner) forward(ctx context.Context, out *Output) error {
	if r.persist != nil {
		select {
		case r.persist <- out:
		default:
			if r.metrics != nil {
				r.metrics.PersistBackpressure.Inc()
			}
			select {
			case r.persist <- out:
			case <-ctx.Done():
				return fmt.Errorf("persist output %d: %w", out.Sequence, ctx.Err())
			}
		}
	}

	if r.publish != nil {
		select {
		case r.publish <- out:
		default:
			if r.metrics != nil {
				r.metrics.PublishDrops.Inc()
			}
		}
	}
	return nil
}
