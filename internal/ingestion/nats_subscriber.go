package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"BatchLedger/internal/core"
	"BatchLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Submitter is the serialized entry point into the engine. *core.Runner
// implements it.
type Submitter interface {
	Submit(ctx context.Context, source string, cmd core.Command) (*core.Output, error)
}

// SubjectConfig binds a JetStream subject to the command kind its messages
// decode into. Caller is the identity the stream's publishers act as; NATS
// account permissions decide who may publish there.
type SubjectConfig struct {
	Subject      string
	Kind         core.CommandKind
	Caller       common.Address
	ConsumerName string
	StreamName   string
}

const (
	BatchStream   = "BATCHLEDGER_BATCHES"
	DepositStream = "BATCHLEDGER_DEPOSITS"
)

// DefaultSubjects returns the sequencer batch feed and the custody deposit
// feed. Batches are applied as sequencer and deposits as custodian.
func DefaultSubjects(sequencer, custodian common.Address) []SubjectConfig {
	return []SubjectConfig{
		{Subject: "batchledger.batches.>", Kind: core.CommandBatch, Caller: sequencer, ConsumerName: "ledger-batches", StreamName: BatchStream},
		{Subject: "batchledger.deposits.>", Kind: core.CommandDeposit, Caller: custodian, ConsumerName: "ledger-deposits", StreamName: DepositStream},
	}
}

// NATSSubscriber consumes command messages from JetStream and submits them
// to the runner. Batches must apply in publish order, so every consumer is
// limited to one in-flight message.
type NATSSubscriber struct {
	js        jetstream.JetStream
	submitter Submitter
	metrics   *observability.Metrics
	log       zerolog.Logger
	consumers []jetstream.ConsumeContext
}

func NewNATSSubscriber(js jetstream.JetStream, submitter Submitter, metrics *observability.Metrics, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		submitter: submitter,
		metrics:   metrics,
		log:       logger,
	}
}

// Subscribe creates durable consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		cfg := cfg
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			MaxAckPending: 1,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
			ns.Handle(ctx, cfg, msg)
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumeCtx)
		ns.log.Info().
			Str("subject", cfg.Subject).
			Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}
	return nil
}

// Handle decodes and submits one message, then settles it:
//   - applied or duplicate: Ack
//   - undecodable or rejected by the engine: Term, redelivery cannot help
//   - shutdown or timeout: Nak, so it is redelivered after restart
func (ns *NATSSubscriber) Handle(ctx context.Context, cfg SubjectConfig, msg jetstream.Msg) {
	if ns.metrics != nil {
		if meta, err := msg.Metadata(); err == nil {
			ns.metrics.NATSPullLatency.WithLabelValues(cfg.StreamName).Observe(time.Since(meta.Timestamp).Seconds())
		}
	}

	cmd, err := ParseCommand(cfg.Kind, cfg.Caller, msg.Data())
	if err != nil {
		ns.log.Error().Err(err).Str("subject", msg.Subject()).Msg("dropping undecodable message")
		ns.settle(msg.Term, msg.Subject())
		return
	}

	out, err := ns.submitter.Submit(ctx, "nats", cmd)
	switch {
	case err == nil:
		ns.log.Debug().
			Int64("sequence", out.Sequence).
			Str("batch_id", out.BatchID.String()).
			Int("soft_failures", out.SoftFailures).
			Msg("command applied")
		ns.settle(msg.Ack, msg.Subject())

	case errors.Is(err, core.ErrDuplicateCommand):
		ns.settle(msg.Ack, msg.Subject())

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		ns.settle(msg.Nak, msg.Subject())

	default:
		ns.log.Warn().
			Err(err).
			Str("subject", msg.Subject()).
			Str("kind", core.KindOf(err).String()).
			Msg("command rejected")
		ns.settle(msg.Term, msg.Subject())
	}
}

func (ns *NATSSubscriber) settle(fn func() error, subject string) {
	if err := fn(); err != nil {
		ns.log.Warn().Err(err).Str("subject", subject).Msg("settle message")
	}
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// EnsureStreams creates the inbound and outbound streams if they don't
// exist. Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{Name: BatchStream, Subjects: []string{"batchledger.batches.>"}},
		{Name: DepositStream, Subjects: []string{"batchledger.deposits.>"}},
		{Name: EventStream, Subjects: []string{eventSubjectPrefix + ">"}},
		{Name: CustodyStream, Subjects: []string{custodySubjectPrefix + ">"}},
	}

	for _, cfg := range streams {
		cfg.Storage = jetstream.FileStorage
		cfg.Retention = jetstream.LimitsPolicy
		cfg.MaxAge = 72 * time.Hour
		cfg.Replicas = 1
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("batchledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
