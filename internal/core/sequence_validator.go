package core

import (
	"fmt"
	"math"

	"BatchLedger/internal/ledger"
)

// TxSequencer enforces the global transaction counter. Every batch record must
// carry the current value; the counter then advances by one whether the item
// succeeds or soft-fails.
// Not thread-safe: only accessed under the engine lock.
type TxSequencer struct {
	next    uint32
	undo    ledger.UndoRecorder
	metrics *SequenceMetrics
}

func NewTxSequencer() *TxSequencer {
	return &TxSequencer{metrics: NewSequenceMetrics()}
}

func (s *TxSequencer) SetRecorder(r ledger.UndoRecorder) {
	s.undo = r
}

// Expect checks txID against the counter and advances it.
func (s *TxSequencer) Expect(txID uint32) error {
	if txID != s.next {
		if txID < s.next {
			s.metrics.RecordStale()
		} else {
			s.metrics.RecordGap()
		}
		return fmt.Errorf("%w: expected %d, got %d", ErrTxIDMismatch, s.next, txID)
	}
	if s.next == math.MaxUint32 {
		return fmt.Errorf("%w at %d", ErrCounterExhausted, s.next)
	}

	prev := s.next
	s.next++
	if s.undo != nil {
		s.undo.Record(func() { s.next = prev })
	}
	return nil
}

// Current returns the tx id the next record must carry.
func (s *TxSequencer) Current() uint32 {
	return s.next
}

// Restore sets the counter (used during snapshot recovery).
func (s *TxSequencer) Restore(next uint32) {
	s.next = next
}

func (s *TxSequencer) Metrics() *SequenceMetrics {
	return s.metrics
}

// --- Metrics ---

// SequenceMetrics counts rejected tx ids.
// Not thread-safe: only accessed under the engine lock.
type SequenceMetrics struct {
	stale int64 // tx id below the counter (replayed record)
	gaps  int64 // tx id above the counter (missing records)
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{}
}

func (m *SequenceMetrics) RecordStale() { m.stale++ }
func (m *SequenceMetrics) RecordGap()   { m.gaps++ }

func (m *SequenceMetrics) Stale() int64 { return m.stale }
func (m *SequenceMetrics) Gaps() int64  { return m.gaps }
