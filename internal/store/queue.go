package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tonimelisma/notesync/internal/queue"
)

const (
	sqlLoadQueueEntries = `SELECT seq, op, correlation_id, provisional, in_flight,
		attempts, enqueued_at
		FROM queue_entries WHERE account = ? ORDER BY seq`

	sqlLoadQueueState = `SELECT next_seq, delay_ns, delayed_until, paused
		FROM queue_state WHERE account = ?`

	sqlClearQueueEntries = `DELETE FROM queue_entries WHERE account = ?`

	sqlInsertQueueEntry = `INSERT INTO queue_entries
		(account, seq, op_kind, op, correlation_id, provisional, in_flight,
		 attempts, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlUpsertQueueState = `INSERT INTO queue_state
		(account, next_seq, delay_ns, delayed_until, paused, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET
		 next_seq = excluded.next_seq,
		 delay_ns = excluded.delay_ns,
		 delayed_until = excluded.delayed_until,
		 paused = excluded.paused,
		 updated_at = excluded.updated_at`
)

// LoadQueue returns the persisted queue of an account. An account that was
// never saved has an empty queue.
func (s *Store) LoadQueue(ctx context.Context, account string) (queue.State, error) {
	var (
		st      queue.State
		delayNs int64
		paused  int
	)

	err := s.db.QueryRowContext(ctx, sqlLoadQueueState, account).
		Scan(&st.NextSeq, &delayNs, &st.DelayedUntil, &paused)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return queue.State{}, fmt.Errorf("store: loading queue state for %s: %w", account, err)
	}

	st.Delay = time.Duration(delayNs)
	st.Paused = paused != 0

	rows, err := s.db.QueryContext(ctx, sqlLoadQueueEntries, account)
	if err != nil {
		return queue.State{}, fmt.Errorf("store: loading queue entries for %s: %w", account, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e                     queue.Entry
			opJSON                string
			provisional, inFlight int
		)

		if err := rows.Scan(&e.Seq, &opJSON, &e.CorrelationID, &provisional, &inFlight,
			&e.Attempts, &e.EnqueuedAt); err != nil {
			return queue.State{}, fmt.Errorf("store: scanning queue entry: %w", err)
		}

		op, err := queue.UnmarshalOp([]byte(opJSON))
		if err != nil {
			return queue.State{}, fmt.Errorf("store: queue entry %d: %w", e.Seq, err)
		}

		e.Op = op
		e.Provisional = provisional != 0
		e.InFlight = inFlight != 0
		st.Entries = append(st.Entries, e)
	}

	if err := rows.Err(); err != nil {
		return queue.State{}, fmt.Errorf("store: iterating queue entries: %w", err)
	}

	return st, nil
}

// SaveQueue replaces the account's persisted queue with st in one
// transaction.
func (s *Store) SaveQueue(ctx context.Context, account string, st queue.State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning queue transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, sqlClearQueueEntries, account); err != nil {
		return fmt.Errorf("store: clearing queue for %s: %w", account, err)
	}

	for i := range st.Entries {
		e := &st.Entries[i]

		opJSON, err := queue.MarshalOp(e.Op)
		if err != nil {
			return fmt.Errorf("store: queue entry %d: %w", e.Seq, err)
		}

		if _, err := tx.ExecContext(ctx, sqlInsertQueueEntry,
			account, e.Seq, e.Op.Kind().String(), string(opJSON), e.CorrelationID,
			boolInt(e.Provisional), boolInt(e.InFlight), e.Attempts, e.EnqueuedAt,
		); err != nil {
			return fmt.Errorf("store: writing queue entry %d: %w", e.Seq, err)
		}
	}

	if _, err := tx.ExecContext(ctx, sqlUpsertQueueState,
		account, st.NextSeq, int64(st.Delay), st.DelayedUntil, boolInt(st.Paused),
		s.nowFunc().UnixNano(),
	); err != nil {
		return fmt.Errorf("store: writing queue state for %s: %w", account, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing queue for %s: %w", account, err)
	}

	return nil
}
