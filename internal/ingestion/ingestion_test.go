package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"BatchLedger/internal/core"
	"BatchLedger/internal/ingestion"
	"BatchLedger/internal/observability"
	"BatchLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test doubles ---

// fakeMsg settles in memory. The embedded interface is nil; only the
// methods the subscriber calls are implemented.
type fakeMsg struct {
	jetstream.Msg
	subject string
	data    []byte
	settled string
}

func (m *fakeMsg) Subject() string { return m.subject }
func (m *fakeMsg) Data() []byte    { return m.data }
func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{Timestamp: time.Now().Add(-time.Millisecond)}, nil
}
func (m *fakeMsg) Ack() error  { m.settled = "ack"; return nil }
func (m *fakeMsg) Nak() error  { m.settled = "nak"; return nil }
func (m *fakeMsg) Term() error { m.settled = "term"; return nil }

type submitFunc func(ctx context.Context, source string, cmd core.Command) (*core.Output, error)

func (f submitFunc) Submit(ctx context.Context, source string, cmd core.Command) (*core.Output, error) {
	return f(ctx, source, cmd)
}

type published struct {
	subject string
	data    []byte
}

type fakeJetStream struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakeJetStream) Publish(_ context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return &jetstream.PubAck{Stream: "test", Sequence: uint64(len(f.msgs))}, nil
}

func depositSubject() ingestion.SubjectConfig {
	return ingestion.DefaultSubjects(testutil.Sequencer, testutil.Custodian)[1]
}

// startRunner runs a real engine behind a runner for the test's lifetime.
func startRunner(t *testing.T, publish chan<- *core.Output) (*core.Runner, *core.Engine) {
	t.Helper()
	engine := testutil.NewEngine(t, core.Dependencies{})
	runner := core.NewRunner(engine, core.RunnerConfig{
		Dedup:   core.NewDedupChecker(100, nil, nil),
		Publish: publish,
		Logger:  zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go runner.Run(ctx)
	return runner, engine
}

// ===== Test: Subscriber settlement =====

func TestHandle_DepositAppliedThenDuplicateAcked(t *testing.T) {
	runner, engine := startRunner(t, nil)
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	sub := ingestion.NewNATSSubscriber(nil, runner, metrics, zerolog.Nop())
	cfg := depositSubject()

	first := &fakeMsg{subject: "batchledger.deposits.usdc", data: depositJSON("10000000", "0xfeed:1")}
	sub.Handle(context.Background(), cfg, first)
	assert.Equal(t, "ack", first.settled)
	assert.Equal(t, "10000000000000000000", engine.Balance(alice, testutil.USDC).String())

	again := &fakeMsg{subject: "batchledger.deposits.usdc", data: depositJSON("10000000", "0xfeed:1")}
	sub.Handle(context.Background(), cfg, again)
	assert.Equal(t, "ack", again.settled)
	assert.Equal(t, "10000000000000000000", engine.Balance(alice, testutil.USDC).String())

	assert.Equal(t, 1, promtest.CollectAndCount(metrics.NATSPullLatency))
}

func TestHandle_TermsUndecodableAndRejected(t *testing.T) {
	runner, _ := startRunner(t, nil)
	sub := ingestion.NewNATSSubscriber(nil, runner, nil, zerolog.Nop())

	bad := &fakeMsg{subject: "batchledger.deposits.x", data: []byte(`{"oops":1}`)}
	sub.Handle(context.Background(), depositSubject(), bad)
	assert.Equal(t, "term", bad.settled)

	// Applied as an arbitrary caller, the deposit lacks the custodian role.
	cfg := depositSubject()
	cfg.Caller = testutil.Treasury
	rejected := &fakeMsg{subject: "batchledger.deposits.x", data: depositJSON("1", "0xfeed:2")}
	sub.Handle(context.Background(), cfg, rejected)
	assert.Equal(t, "term", rejected.settled)
}

func TestHandle_NaksOnShutdown(t *testing.T) {
	sub := ingestion.NewNATSSubscriber(nil, submitFunc(func(ctx context.Context, _ string, _ core.Command) (*core.Output, error) {
		return nil, fmt.Errorf("submit: %w", context.Canceled)
	}), nil, zerolog.Nop())

	msg := &fakeMsg{subject: "batchledger.deposits.x", data: depositJSON("1", "0xfeed:3")}
	sub.Handle(context.Background(), depositSubject(), msg)
	assert.Equal(t, "nak", msg.settled)
}

func TestHandle_BatchFromSequencer(t *testing.T) {
	runner, engine := startRunner(t, nil)
	sub := ingestion.NewNATSSubscriber(nil, runner, nil, zerolog.Nop())

	key := testutil.KeyFromSeed(t, "alice")
	_, err := engine.Apply(testutil.DepositCommand(key.Address, testutil.USDC, 10_000_000, 9))
	require.NoError(t, err)

	w := &core.Withdraw{Account: key.Address, Asset: testutil.USDC, Amount: testutil.E18(4), Nonce: 1}
	testutil.SignWithdraw(t, engine.Domain(), key, w)
	records := testutil.Records(t, 0, w)
	payload, err := json.Marshal(map[string][]hexutil.Bytes{"records": {records[0]}})
	require.NoError(t, err)

	msg := &fakeMsg{subject: "batchledger.batches.main", data: payload}
	sub.Handle(context.Background(), ingestion.DefaultSubjects(testutil.Sequencer, testutil.Custodian)[0], msg)
	assert.Equal(t, "ack", msg.settled)
	assert.Equal(t, uint32(1), engine.TxCounter())
	assert.Equal(t, testutil.E18(6).String(), engine.Balance(key.Address, testutil.USDC).String())
}

// ===== Test: Outbound publishing =====

func TestEventPublisher_PublishesEnvelopes(t *testing.T) {
	publish := make(chan *core.Output, 4)
	runner, _ := startRunner(t, publish)

	_, err := runner.Submit(context.Background(), "test", testutil.DepositCommand(alice, testutil.USDC, 5_000_000, 1))
	require.NoError(t, err)
	close(publish)

	js := &fakeJetStream{}
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	require.NoError(t, ingestion.NewEventPublisher(js, publish, metrics, zerolog.Nop()).Run(context.Background()))

	require.Len(t, js.msgs, 1)
	assert.Equal(t, "batchledger.events.Deposited", js.msgs[0].subject)

	var evt ingestion.PublishedEvent
	require.NoError(t, json.Unmarshal(js.msgs[0].data, &evt))
	assert.Equal(t, "Deposited", evt.EventType)
	assert.Equal(t, int64(1), evt.Sequence)
	assert.Len(t, evt.StateHash, 32)
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.EventsPublished.WithLabelValues("Deposited")))
}

func TestEventPublisher_CountsFailures(t *testing.T) {
	publish := make(chan *core.Output, 4)
	runner, _ := startRunner(t, publish)
	_, err := runner.Submit(context.Background(), "test", testutil.DepositCommand(alice, testutil.USDC, 5_000_000, 1))
	require.NoError(t, err)
	close(publish)

	js := &fakeJetStream{err: errors.New("no responders")}
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	require.NoError(t, ingestion.NewEventPublisher(js, publish, metrics, zerolog.Nop()).Run(context.Background()))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.PublishErrors.WithLabelValues(ingestion.EventStream)))
}

func TestCustodyPublisher_Execute(t *testing.T) {
	js := &fakeJetStream{}
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	custody := ingestion.NewCustodyPublisher(js, metrics)

	effects := []core.Effect{
		{Kind: core.EffectTransfer, TxID: 4, Asset: testutil.USDC, To: alice, Amount: testutil.E18(1)},
		{Kind: core.EffectFeeReset, TxID: 5, Source: "perp", FeeKind: "trading"},
	}
	require.NoError(t, custody.Execute(context.Background(), 12, effects))

	require.Len(t, js.msgs, 2)
	assert.Equal(t, "batchledger.custody.transfer", js.msgs[0].subject)
	assert.Equal(t, "batchledger.custody.fee_reset", js.msgs[1].subject)

	var got core.Effect
	require.NoError(t, json.Unmarshal(js.msgs[0].data, &got))
	assert.Equal(t, alice, got.To)
	assert.Equal(t, 0, testutil.E18(1).Cmp(got.Amount))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.EffectsPublished.WithLabelValues("transfer")))
}

func TestCustodyPublisher_StopsAtFirstFailure(t *testing.T) {
	js := &fakeJetStream{err: errors.New("timeout")}
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	custody := ingestion.NewCustodyPublisher(js, metrics)

	err := custody.Execute(context.Background(), 1, []core.Effect{{Kind: core.EffectTransfer, Asset: testutil.USDC}})
	require.Error(t, err)
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.PublishErrors.WithLabelValues(ingestion.CustodyStream)))
}

// ===== Test: gRPC ingest =====

func TestGRPCIngestService_Deposit(t *testing.T) {
	runner, engine := startRunner(t, nil)
	svc := ingestion.NewGRPCIngestService(runner, time.Second)

	res, err := svc.Deposit(context.Background(), testutil.Custodian, depositJSON("2500000", "0xgrpc:1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Sequence)
	assert.Equal(t, 1, res.Events)
	assert.Len(t, res.StateHash, 32)
	assert.Equal(t, "2500000000000000000", engine.Balance(alice, testutil.USDC).String())

	_, err = svc.Deposit(context.Background(), testutil.Custodian, depositJSON("2500000", "0xgrpc:1"))
	assert.ErrorIs(t, err, core.ErrDuplicateCommand)

	_, err = svc.SubmitBatch(context.Background(), testutil.Sequencer, []byte(`{"records":[]}`))
	assert.ErrorIs(t, err, ingestion.ErrInvalidPayload)
}

func TestGRPCIngestService_BatchNeedsSequencer(t *testing.T) {
	runner, engine := startRunner(t, nil)
	svc := ingestion.NewGRPCIngestService(runner, time.Second)

	records := testutil.Records(t, 0, &core.DepositInsuranceFund{Asset: testutil.USDC, Amount: testutil.E18(1)})
	payload, err := json.Marshal(map[string][]hexutil.Bytes{"records": {records[0]}})
	require.NoError(t, err)

	_, err = svc.SubmitBatch(context.Background(), testutil.Admin, payload)
	assert.ErrorIs(t, err, core.ErrMissingRole)
	assert.Equal(t, uint32(0), engine.TxCounter())

	res, err := svc.SubmitBatch(context.Background(), testutil.Sequencer, payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), res.NextTxID)
	assert.Equal(t, testutil.E18(1).String(), engine.InsuranceFund(testutil.USDC).String())
}
