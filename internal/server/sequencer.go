package server

import (
	"context"
	"database/sql"
	"sync"
)

// SourceSequencer allocates edge source sequences for events minted by
// the HTTP API. The engine validates source sequences strictly per
// partition, so the allocator must be seeded from the event log on
// startup before any request is accepted.
type SourceSequencer struct {
	mu   sync.Mutex
	next map[string]int64
}

func NewSourceSequencer() *SourceSequencer {
	return &SourceSequencer{next: make(map[string]int64)}
}

// Next returns the next source sequence for a partition and advances it.
func (s *SourceSequencer) Next(partition string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.next[partition]
	s.next[partition] = seq + 1
	return seq
}

// Seed sets the next sequence for a partition, keeping the larger of
// the current and proposed values so replays cannot move it backwards.
func (s *SourceSequencer) Seed(partition string, next int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next > s.next[partition] {
		s.next[partition] = next
	}
}

// SeedFromEventLog primes the allocator from persisted events: for each
// partition the next source sequence is one past the highest recorded.
func (s *SourceSequencer) SeedFromEventLog(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `
		SELECT COALESCE(ref, 'global'), MAX(source_sequence)
		FROM event_log.events
		GROUP BY COALESCE(ref, 'global')
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var partition string
		var maxSeq int64
		if err := rows.Scan(&partition, &maxSeq); err != nil {
			return err
		}
		s.Seed(partition, maxSeq+1)
	}
	return rows.Err()
}
