package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"BatchLedger/internal/core"
	"BatchLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// snapshotFormatVersion 1: JSON-encoded core.SnapshotState.
const snapshotFormatVersion = 1

// SnapshotManager creates and loads state snapshots and reads the command
// log back for replay.
type SnapshotManager struct {
	db      *sql.DB
	metrics *observability.Metrics
	log     zerolog.Logger
}

// StoredCommand is a command read back from event_log.commands.
type StoredCommand struct {
	Sequence  int64
	StateHash []byte
	Command   core.Command
}

// SnapshotSource is the engine as seen by the snapshot loop.
type SnapshotSource interface {
	CreateSnapshotState() *core.SnapshotState
}

func NewSnapshotManager(db *sql.DB, metrics *observability.Metrics, logger zerolog.Logger) *SnapshotManager {
	return &SnapshotManager{db: db, metrics: metrics, log: logger}
}

// SaveSnapshot persists a snapshot. It is marked verified when its state
// hash matches the command log at the same sequence.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState) error {
	start := time.Now()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6,
			EXISTS (SELECT 1 FROM event_log.commands WHERE sequence = $2 AND state_hash = $4),
			NOW())
		ON CONFLICT (sequence) DO UPDATE
			SET data = EXCLUDED.data, state_hash = EXCLUDED.state_hash,
			    size_bytes = EXCLUDED.size_bytes, verified = EXCLUDED.verified
	`, uuid.New(), snap.Sequence, string(data), snap.StateHash.Bytes(), snapshotFormatVersion, len(data))
	if err != nil {
		return fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}

	if sm.metrics != nil {
		sm.metrics.SnapshotTaken.Inc()
		sm.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		sm.metrics.SnapshotSizeBytes.Set(float64(len(data)))
		sm.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	return nil
}

// LoadLatestSnapshot returns the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	var (
		data    []byte
		version int
	)
	err := sm.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if version != snapshotFormatVersion {
		return nil, fmt.Errorf("snapshot format version %d not supported", version)
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// LoadCommandsFrom returns up to limit commands with sequence > after, in
// order.
func (sm *SnapshotManager) LoadCommandsFrom(ctx context.Context, after int64, limit int) ([]StoredCommand, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, payload, records, state_hash
		FROM event_log.commands
		WHERE sequence > $1
		ORDER BY sequence ASC
		LIMIT $2
	`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredCommand
	for rows.Next() {
		var (
			sc      StoredCommand
			payload []byte
			records pq.ByteaArray
		)
		if err := rows.Scan(&sc.Sequence, &payload, &records, &sc.StateHash); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &sc.Command); err != nil {
			return nil, fmt.Errorf("unmarshal command %d: %w", sc.Sequence, err)
		}
		sc.Command.Records = records
		out = append(out, sc)
	}
	return out, rows.Err()
}

// LatestSequence returns the highest persisted command sequence.
func (sm *SnapshotManager) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.commands`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

// Run snapshots src every interval. A snapshot is only written once the
// command it reflects has been persisted, so recovery never starts from a
// state the command log cannot reach.
func (sm *SnapshotManager) Run(ctx context.Context, interval time.Duration, src SnapshotSource, persisted func() int64) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		snap := src.CreateSnapshotState()
		if snap.Sequence == 0 || snap.Sequence == last {
			continue
		}
		if snap.Sequence > persisted() {
			sm.log.Debug().Int64("sequence", snap.Sequence).Msg("snapshot deferred until persisted")
			continue
		}
		if err := sm.SaveSnapshot(ctx, snap); err != nil {
			sm.log.Error().Err(err).Int64("sequence", snap.Sequence).Msg("snapshot failed")
			continue
		}
		last = snap.Sequence
		sm.log.Info().Int64("sequence", snap.Sequence).Msg("snapshot saved")
	}
}

// Recover restores the latest verified snapshot into engine and replays every
// later command through Engine.Apply, checking each replayed state hash
// against the log. It returns the dedup keys of replayed commands for LRU
// warming. engine must be fresh.
func Recover(ctx context.Context, sm *SnapshotManager, engine *core.Engine, batchSize int) ([]string, error) {
	start := time.Now()

	snap, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	var from int64
	if snap != nil {
		if err := engine.RestoreFromSnapshot(snap); err != nil {
			return nil, fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		from = snap.Sequence
		sm.log.Info().Int64("sequence", from).Msg("snapshot restored")
	}

	var keys []string
	replayed := 0
	for {
		batch, err := sm.LoadCommandsFrom(ctx, from, batchSize)
		if err != nil {
			return nil, fmt.Errorf("load commands after %d: %w", from, err)
		}
		if len(batch) == 0 {
			break
		}
		for _, sc := range batch {
			out, err := engine.Apply(sc.Command)
			if err != nil {
				return nil, fmt.Errorf("replay command %d: %w", sc.Sequence, err)
			}
			if out.Sequence != sc.Sequence {
				return nil, fmt.Errorf("replay command %d produced sequence %d", sc.Sequence, out.Sequence)
			}
			if !bytes.Equal(out.StateHash[:], sc.StateHash) {
				return nil, fmt.Errorf("replay command %d: state hash %x, log has %x", sc.Sequence, out.StateHash, sc.StateHash)
			}
			if key := sc.Command.DedupKey(); key != "" {
				keys = append(keys, string(sc.Command.Kind)+":"+key)
			}
			from = sc.Sequence
			replayed++
		}
		if sm.metrics != nil {
			sm.metrics.ReplayCommands.Add(float64(len(batch)))
		}
	}

	if sm.metrics != nil {
		sm.metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	sm.log.Info().
		Int("replayed", replayed).
		Int64("sequence", engine.Sequence()).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return keys, nil
}
