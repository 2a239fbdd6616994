package ingestion

import (
	"context"
	"time"

	"BatchLedger/internal/core"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// GRPCIngestService submits commands arriving over gRPC and the HTTP
// gateway: custody deposits, signer handshakes and admin operations.
// Sequencer batches normally arrive over NATS; the batch endpoint exists
// for manual injection.
type GRPCIngestService struct {
	submitter Submitter
	timeout   time.Duration
}

// SubmitResult summarizes a committed command for the caller.
type SubmitResult struct {
	Sequence     int64         `json:"sequence"`
	BatchID      string        `json:"batch_id"`
	FirstTxID    uint32        `json:"first_tx_id"`
	NextTxID     uint32        `json:"next_tx_id"`
	Events       int           `json:"events"`
	SoftFailures int           `json:"soft_failures"`
	StateHash    hexutil.Bytes `json:"state_hash"`
}

func NewGRPCIngestService(submitter Submitter, timeout time.Duration) *GRPCIngestService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GRPCIngestService{submitter: submitter, timeout: timeout}
}

// Submit decodes payload as a command of kind and waits for it to commit.
// caller is the authenticated identity of the request.
func (s *GRPCIngestService) Submit(ctx context.Context, kind core.CommandKind, caller common.Address, payload []byte) (*SubmitResult, error) {
	cmd, err := ParseCommand(kind, caller, payload)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.submitter.Submit(ctx, "grpc", cmd)
	if err != nil {
		return nil, err
	}
	return resultFromOutput(out), nil
}

// SubmitBatch injects a batch of encoded records; caller must hold the
// sequencer role.
func (s *GRPCIngestService) SubmitBatch(ctx context.Context, caller common.Address, payload []byte) (*SubmitResult, error) {
	return s.Submit(ctx, core.CommandBatch, caller, payload)
}

// Deposit reports a custody deposit; caller must hold the custodian role.
func (s *GRPCIngestService) Deposit(ctx context.Context, caller common.Address, payload []byte) (*SubmitResult, error) {
	return s.Submit(ctx, core.CommandDeposit, caller, payload)
}

func resultFromOutput(out *core.Output) *SubmitResult {
	return &SubmitResult{
		Sequence:     out.Sequence,
		BatchID:      out.BatchID.String(),
		FirstTxID:    out.FirstTxID,
		NextTxID:     out.NextTxID,
		Events:       len(out.Events),
		SoftFailures: out.SoftFailures,
		StateHash:    out.StateHash[:],
	}
}
