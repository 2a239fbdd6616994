package query

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"BatchLedger/internal/core"
	"BatchLedger/internal/fee"
	fpmath "BatchLedger/internal/math"
	"BatchLedger/internal/observability"
	"BatchLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnavailable     = errors.New("unavailable")
)

// Reader is the read side of the engine. *core.Engine implements it.
type Reader interface {
	Balance(account, asset common.Address) *big.Int
	Position(account common.Address, product uint8) (size, quote *big.Int, err error)
	TotalBalance(asset common.Address) *big.Int
	InsuranceFund(asset common.Address) *big.Int
	FeePool(kind state.FeeKind, asset common.Address) *big.Int
	IsSigningWallet(account, signer common.Address) bool
	TxCounter() uint32
	TxIDRejections() (stale, gaps int64)
	Flags() core.Flags
	Funding(product uint8) (uint64, *big.Int)
	StateHash() [32]byte
	Sequence() int64
	CheckConservation() error
	Markets() *state.MarketRegistry
}

// Config wires optional collaborators. A nil DB disables the history and
// integrity queries.
type Config struct {
	DB          *sql.DB
	Oracle      fee.PriceOracle
	AltFeeAsset common.Address
	Persisted   func() int64
	Metrics     *observability.Metrics
}

// QueryService answers reads from live engine state, and history from the
// Postgres event log. Every state response carries as_of_sequence, the
// last command applied when it was read.
type QueryService struct {
	engine    Reader
	db        *sql.DB
	oracle    fee.PriceOracle
	altAsset  common.Address
	persisted func() int64
	metrics   *observability.Metrics
}

func NewQueryService(engine Reader, cfg Config) *QueryService {
	return &QueryService{
		engine:    engine,
		db:        cfg.DB,
		oracle:    cfg.Oracle,
		altAsset:  cfg.AltFeeAsset,
		persisted: cfg.Persisted,
		metrics:   cfg.Metrics,
	}
}

// GetPosition returns an account's position and the product's funding state.
func (qs *QueryService) GetPosition(ctx context.Context, account common.Address, product uint8) (resp *PositionResponse, err error) {
	defer qs.track("position", time.Now(), &err)

	p, err := qs.engine.Markets().Product(product)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	size, quote, err := qs.engine.Position(account, product)
	if err != nil {
		return nil, err
	}
	fundingID, cumulative := qs.engine.Funding(product)

	return &PositionResponse{
		Account:           account.Hex(),
		Product:           product,
		Symbol:            p.Symbol,
		SettlementAsset:   p.SettlementAsset.Hex(),
		Size:              fpmath.FormatX18(size),
		Quote:             fpmath.FormatX18(quote),
		FundingRateID:     fundingID,
		CumulativeFunding: fpmath.FormatX18(cumulative),
		AsOfSequence:      qs.engine.Sequence(),
	}, nil
}

func (qs *QueryService) GetSigner(ctx context.Context, account, signer common.Address) (resp *SignerResponse, err error) {
	defer qs.track("signer", time.Now(), &err)

	return &SignerResponse{
		Account:         account.Hex(),
		Signer:          signer.Hex(),
		IsSigningWallet: qs.engine.IsSigningWallet(account, signer),
	}, nil
}

// GetStatus reports sequence, tx counter, state hash and feature flags.
func (qs *QueryService) GetStatus(ctx context.Context) (resp *StatusResponse, err error) {
	defer qs.track("status", time.Now(), &err)

	hash := qs.engine.StateHash()
	flags := qs.engine.Flags()
	stale, gaps := qs.engine.TxIDRejections()
	resp = &StatusResponse{
		Sequence:           qs.engine.Sequence(),
		TxCounter:          qs.engine.TxCounter(),
		StaleTxIDs:         stale,
		TxIDGaps:           gaps,
		StateHash:          "0x" + hex.EncodeToString(hash[:]),
		Paused:             flags.Paused,
		DepositsEnabled:    flags.DepositsEnabled,
		WithdrawalsEnabled: flags.WithdrawalsEnabled,
	}
	if qs.persisted != nil {
		resp.PersistedSequence = qs.persisted()
	}
	return resp, nil
}

// GetJournalHistory returns journal lines touching an account, newest
// first. beforeSeq pages backwards by command sequence.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	account common.Address,
	limit int,
	beforeSeq *int64,
) (entries []JournalHistoryEntry, err error) {
	defer qs.track("journal_history", time.Now(), &err)

	if qs.db == nil {
		return nil, fmt.Errorf("%w: no database configured", ErrUnavailable)
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	accountPrefix := fmt.Sprintf("user:%s:%%", account.Hex())

	query := `
		SELECT command_seq, entry, tx_id, debit_account, credit_account, amount::TEXT, journal_type
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []any{accountPrefix}
	argIdx := 2

	if beforeSeq != nil {
		query += fmt.Sprintf(" AND command_seq < $%d", argIdx)
		args = append(args, *beforeSeq)
		argIdx++
	}

	query += " ORDER BY command_seq DESC, entry DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e JournalHistoryEntry
		var amount string
		if err := rows.Scan(
			&e.CommandSeq, &e.Entry, &e.TxID,
			&e.DebitAccount, &e.CreditAccount, &amount, &e.JournalType,
		); err != nil {
			return nil, err
		}
		v, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return nil, fmt.Errorf("journal %d/%d: bad amount %q", e.CommandSeq, e.Entry, amount)
		}
		e.Amount = fpmath.FormatX18(v)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks ledger conservation in memory, the command log for
// sequence gaps, and the latest persisted state hash against the engine's.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer qs.track("verify_integrity", time.Now(), &err)

	report = &IntegrityReport{}
	if err := qs.engine.CheckConservation(); err != nil {
		report.ConservationError = err.Error()
	}

	if qs.db != nil {
		rows, err := qs.db.QueryContext(ctx, `
			SELECT c.sequence
			FROM event_log.commands c
			WHERE c.sequence > 1
			  AND NOT EXISTS (SELECT 1 FROM event_log.commands p WHERE p.sequence = c.sequence - 1)
			ORDER BY c.sequence
			LIMIT 10
		`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var seq int64
			if err := rows.Scan(&seq); err != nil {
				return nil, err
			}
			report.SequenceGaps = append(report.SequenceGaps, seq)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}

		var seq int64
		var hash []byte
		err = qs.db.QueryRowContext(ctx, `
			SELECT sequence, state_hash FROM event_log.commands ORDER BY sequence DESC LIMIT 1
		`).Scan(&seq, &hash)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, err
		case seq == qs.engine.Sequence():
			current := qs.engine.StateHash()
			report.StateHashMismatch = !bytes.Equal(hash, current[:])
		}
	}

	report.IsHealthy = report.ConservationError == "" &&
		len(report.SequenceGaps) == 0 &&
		!report.StateHashMismatch
	return report, nil
}

func (qs *QueryService) track(endpoint string, start time.Time, errp *error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case *errp == nil:
	case errors.Is(*errp, ErrNotFound):
		status = "not_found"
	case errors.Is(*errp, ErrInvalidArgument):
		status = "invalid"
	default:
		status = "error"
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}
