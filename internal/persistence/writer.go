package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"BatchLedger/internal/core"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// maxRowsPerInsert keeps multi-row INSERTs under Postgres' 65535 bind
// parameter limit for the widest table.
const maxRowsPerInsert = 1000

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes commands, events and journals to the event_log
// schema using multi-row INSERTs. Every insert is idempotent on its primary
// key so a retried flush never duplicates rows.
type EventLogWriter struct {
	db *sql.DB
}

// CommandRow is a row in event_log.commands.
type CommandRow struct {
	Sequence     int64
	BatchID      uuid.UUID
	Kind         string
	Caller       string
	DedupKey     *string
	Records      pq.ByteaArray
	Payload      []byte // JSON-encoded core.Command without records
	Effects      []byte // JSON-encoded []core.Effect
	FirstTxID    uint32
	NextTxID     uint32
	SoftFailures int
	StateHash    []byte
	CreatedAt    time.Time
}

// EventRow is a row in event_log.events.
type EventRow struct {
	Sequence   int64
	CommandSeq int64
	BatchID    uuid.UUID
	TxID       uint32
	EventType  string
	Payload    []byte
	StateHash  []byte
}

// JournalRow is a row in event_log.journal. Amount is a decimal integer
// string in 18-decimal fixed point.
type JournalRow struct {
	CommandSeq    int64
	Entry         int
	TxID          uint32
	DebitAccount  string
	CreditAccount string
	Amount        string
	JournalType   string
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RowsFromOutput converts a committed engine output into log rows.
func RowsFromOutput(out *core.Output) (CommandRow, []EventRow, []JournalRow, error) {
	cmd := out.Command
	records := cmd.Records
	cmd.Records = nil
	payload, err := json.Marshal(cmd)
	if err != nil {
		return CommandRow{}, nil, nil, fmt.Errorf("marshal command %d: %w", out.Sequence, err)
	}
	effects := out.Effects
	if effects == nil {
		effects = []core.Effect{}
	}
	effectsJSON, err := json.Marshal(effects)
	if err != nil {
		return CommandRow{}, nil, nil, fmt.Errorf("marshal effects %d: %w", out.Sequence, err)
	}

	row := CommandRow{
		Sequence:     out.Sequence,
		BatchID:      out.BatchID,
		Kind:         string(cmd.Kind),
		Caller:       cmd.Caller.Hex(),
		Records:      pq.ByteaArray(records),
		Payload:      payload,
		Effects:      effectsJSON,
		FirstTxID:    out.FirstTxID,
		NextTxID:     out.NextTxID,
		SoftFailures: out.SoftFailures,
		StateHash:    append([]byte(nil), out.StateHash[:]...),
		CreatedAt:    time.Now().UTC(),
	}
	if key := cmd.DedupKey(); key != "" {
		row.DedupKey = &key
	}

	events := make([]EventRow, 0, len(out.Envelopes))
	for _, env := range out.Envelopes {
		events = append(events, EventRow{
			Sequence:   env.Sequence,
			CommandSeq: out.Sequence,
			BatchID:    env.BatchID,
			TxID:       env.TxID,
			EventType:  env.EventType.String(),
			Payload:    env.Payload,
			StateHash:  append([]byte(nil), env.StateHash[:]...),
		})
	}

	journals := make([]JournalRow, 0, len(out.Journals))
	for i, j := range out.Journals {
		journals = append(journals, JournalRow{
			CommandSeq:    out.Sequence,
			Entry:         i,
			TxID:          j.TxID,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Amount:        j.Amount.String(),
			JournalType:   j.JournalType.String(),
		})
	}
	return row, events, journals, nil
}

// WriteCommandBatch inserts command rows.
func (w *EventLogWriter) WriteCommandBatch(ctx context.Context, ex execer, rows []CommandRow) error {
	const prefix = `INSERT INTO event_log.commands
		(sequence, batch_id, kind, caller, dedup_key, records, payload, effects, first_tx_id, next_tx_id, soft_failures, state_hash, created_at)
		VALUES `
	return insertRows(ctx, ex, prefix, " ON CONFLICT (sequence) DO NOTHING", 13, len(rows), func(i int) []any {
		r := rows[i]
		return []any{
			r.Sequence, r.BatchID, r.Kind, r.Caller, r.DedupKey, r.Records, string(r.Payload), string(r.Effects),
			int64(r.FirstTxID), int64(r.NextTxID), r.SoftFailures, r.StateHash, r.CreatedAt,
		}
	})
}

// WriteEventBatch inserts event rows.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, rows []EventRow) error {
	const prefix = `INSERT INTO event_log.events
		(sequence, command_seq, batch_id, tx_id, event_type, payload, state_hash)
		VALUES `
	return insertRows(ctx, ex, prefix, " ON CONFLICT (sequence) DO NOTHING", 7, len(rows), func(i int) []any {
		r := rows[i]
		return []any{r.Sequence, r.CommandSeq, r.BatchID, int64(r.TxID), r.EventType, string(r.Payload), r.StateHash}
	})
}

// WriteJournalBatch inserts journal rows.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, rows []JournalRow) error {
	const prefix = `INSERT INTO event_log.journal
		(command_seq, entry, tx_id, debit_account, credit_account, amount, journal_type)
		VALUES `
	return insertRows(ctx, ex, prefix, " ON CONFLICT (command_seq, entry) DO NOTHING", 7, len(rows), func(i int) []any {
		r := rows[i]
		return []any{r.CommandSeq, r.Entry, int64(r.TxID), r.DebitAccount, r.CreditAccount, r.Amount, r.JournalType}
	})
}

// insertRows issues one multi-row INSERT per chunk of at most
// maxRowsPerInsert rows. JSONB values must be passed as strings; pq sends
// []byte as bytea.
func insertRows(ctx context.Context, ex execer, prefix, suffix string, cols, n int, rowArgs func(i int) []any) error {
	for start := 0; start < n; start += maxRowsPerInsert {
		end := min(start+maxRowsPerInsert, n)

		var sb strings.Builder
		sb.WriteString(prefix)
		args := make([]any, 0, (end-start)*cols)
		for i := start; i < end; i++ {
			if i > start {
				sb.WriteString(", ")
			}
			sb.WriteByte('(')
			for c := 0; c < cols; c++ {
				if c > 0 {
					sb.WriteString(", ")
				}
				fmt.Fprintf(&sb, "$%d", len(args)+c+1)
			}
			sb.WriteByte(')')
			args = append(args, rowArgs(i)...)
		}
		sb.WriteString(suffix)

		if _, err := ex.ExecContext(ctx, sb.String(), args...); err != nil {
			return err
		}
	}
	return nil
}
