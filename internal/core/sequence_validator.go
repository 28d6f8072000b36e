package core

import (
	"fmt"

	"OptionLedger/internal/observability"
)

// SequenceValidator validates source sequences per partition.
// Not thread-safe — only accessed from the single-threaded engine.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *SequenceMetrics
	prom            *observability.Metrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         NewSequenceMetrics(),
	}
}

// SetPromMetrics attaches the Prometheus registry. Startup wiring only.
func (sv *SequenceValidator) SetPromMetrics(m *observability.Metrics) {
	sv.prom = m
}

// ValidateSequence checks source sequence ordering for request and
// administrative partitions. Gaps and reordering are hard errors here.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	idempotencyKey string,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		if isDuplicate {
			// Already processed, expected replay
			return nil
		}
		sv.metrics.RecordOutOfOrder(partition)
		if sv.prom != nil {
			sv.prom.EventOutOfOrder.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("out-of-order event: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	sv.metrics.RecordGap(partition, expected, sourceSequence)
	if sv.prom != nil {
		sv.prom.EventSequenceGap.WithLabelValues(partition).Inc()
	}
	return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
		partition, expected, sourceSequence)
}

// ValidatePairSequence validates reserve syncs from the feed relay.
// The relay samples an external pool, so gaps are tolerated and stale
// syncs are silently ignored.
func (sv *SequenceValidator) ValidatePairSequence(
	pairID string,
	syncSequence int64,
) error {
	partition := fmt.Sprintf("pair:%s", pairID)

	expected := sv.expectedNextSeq[partition]

	if syncSequence <= expected {
		// Stale - silently ignore (idempotent)
		return errStaleSync
	}

	if syncSequence > expected+1 {
		sv.metrics.RecordPairGap(pairID, expected, syncSequence)
		if sv.prom != nil {
			sv.prom.EventSequenceGap.WithLabelValues(partition).Inc()
		}
		// Continue processing - sync gaps are tolerable
	}

	sv.expectedNextSeq[partition] = syncSequence + 1

	return nil
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// SetExpectedSequence initializes expected sequence (used during recovery)
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// Export copies the per-partition cursors for snapshot capture.
func (sv *SequenceValidator) Export() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for partition, seq := range sv.expectedNextSeq {
		out[partition] = seq
	}
	return out
}

// --- Metrics ---

// SequenceMetrics tracks sequence validation stats.
// Not thread-safe — only accessed from the single-threaded engine.
type SequenceMetrics struct {
	gaps       map[string]int64 // partition -> gap count
	outOfOrder map[string]int64 // partition -> out-of-order count
	pairGaps   map[string]int64 // pair_id -> sync gap count
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:       make(map[string]int64),
		outOfOrder: make(map[string]int64),
		pairGaps:   make(map[string]int64),
	}
}

func (m *SequenceMetrics) RecordGap(partition string, expected, got int64) {
	m.gaps[partition]++
}

func (m *SequenceMetrics) RecordOutOfOrder(partition string) {
	m.outOfOrder[partition]++
}

func (m *SequenceMetrics) RecordPairGap(pairID string, expected, got int64) {
	m.pairGaps[pairID]++
}

func (m *SequenceMetrics) GetGaps(partition string) int64 {
	return m.gaps[partition]
}

func (m *SequenceMetrics) GetOutOfOrder(partition string) int64 {
	return m.outOfOrder[partition]
}

func (m *SequenceMetrics) GetPairGaps(pairID string) int64 {
	return m.pairGaps[pairID]
}
