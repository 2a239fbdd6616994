package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"BatchLedger/internal/core"
	"BatchLedger/internal/event"
	"BatchLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	EventStream   = "BATCHLEDGER_EVENTS"
	CustodyStream = "BATCHLEDGER_CUSTODY"

	eventSubjectPrefix   = "batchledger.events."
	custodySubjectPrefix = "batchledger.custody."
)

// publisher is the slice of jetstream.JetStream the publishers use.
type publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// PublishedEvent is the outbound wire form of an event envelope.
type PublishedEvent struct {
	Sequence  int64           `json:"sequence"`
	BatchID   string          `json:"batch_id"`
	TxID      uint32          `json:"tx_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	StateHash hexutil.Bytes   `json:"state_hash"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventPublisher fans committed events out to NATS for downstream
// consumers. Subjects follow the pattern batchledger.events.{event_type}.
// Publishing is best effort: the event log in Postgres is authoritative.
type EventPublisher struct {
	js      publisher
	input   <-chan *core.Output
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewEventPublisher(js publisher, input <-chan *core.Output, metrics *observability.Metrics, logger zerolog.Logger) *EventPublisher {
	return &EventPublisher{js: js, input: input, metrics: metrics, log: logger}
}

// Run publishes until ctx is cancelled or input is closed.
func (p *EventPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-p.input:
			if !ok {
				return nil
			}
			for _, env := range out.Envelopes {
				if err := p.publish(ctx, env); err != nil {
					p.log.Warn().
						Err(err).
						Int64("sequence", env.Sequence).
						Str("event_type", env.EventType.String()).
						Msg("outbound publish failed")
					if p.metrics != nil {
						p.metrics.PublishErrors.WithLabelValues(EventStream).Inc()
					}
				}
			}
		}
	}
}

func (p *EventPublisher) publish(ctx context.Context, env *event.EventEnvelope) error {
	msg := PublishedEvent{
		Sequence:  env.Sequence,
		BatchID:   env.BatchID.String(),
		TxID:      env.TxID,
		EventType: env.EventType.String(),
		Payload:   env.Payload,
		StateHash: env.StateHash[:],
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Envelope sequences are unique per event, so JetStream drops
	// republished duplicates after a restart.
	msgID := fmt.Sprintf("event-%d", env.Sequence)
	if _, err := p.js.Publish(ctx, eventSubjectPrefix+msg.EventType, data, jetstream.WithMsgID(msgID)); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.EventsPublished.WithLabelValues(msg.EventType).Inc()
	}
	return nil
}

// CustodyPublisher implements core.Custody by publishing each effect as a
// custody instruction on batchledger.custody.{kind}. The custody service
// moves the tokens and acknowledges out of band.
type CustodyPublisher struct {
	js      publisher
	metrics *observability.Metrics
}

func NewCustodyPublisher(js publisher, metrics *observability.Metrics) *CustodyPublisher {
	return &CustodyPublisher{js: js, metrics: metrics}
}

// Execute publishes effects in order and stops at the first failure. The
// message id is the command sequence and effect index, so a retried flush
// is deduplicated by the stream.
func (c *CustodyPublisher) Execute(ctx context.Context, seq int64, effects []core.Effect) error {
	for i, eff := range effects {
		data, err := json.Marshal(eff)
		if err != nil {
			return fmt.Errorf("marshal effect %d: %w", i, err)
		}
		msgID := fmt.Sprintf("effect-%d-%d", seq, i)
		if _, err := c.js.Publish(ctx, custodySubjectPrefix+string(eff.Kind), data, jetstream.WithMsgID(msgID)); err != nil {
			if c.metrics != nil {
				c.metrics.PublishErrors.WithLabelValues(CustodyStream).Inc()
			}
			return fmt.Errorf("publish effect %d (tx %d): %w", i, eff.TxID, err)
		}
		if c.metrics != nil {
			c.metrics.EffectsPublished.WithLabelValues(string(eff.Kind)).Inc()
		}
	}
	return nil
}
