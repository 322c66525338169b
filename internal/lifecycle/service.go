// Package lifecycle tracks which workers are alive, what they are doing,
// and reaps the dead ones.
package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hskwon/stampede/internal/clock"
	"github.com/hskwon/stampede/internal/lock"
	"github.com/hskwon/stampede/internal/models"
	"github.com/hskwon/stampede/internal/storage"
	"github.com/hskwon/stampede/internal/traderr"
)

// Service mediates all access to the worker_processes table.
type Service struct {
	store  storage.Store
	locks  *lock.Service
	clock  clock.Clock
	logger *logrus.Logger
}

// NewService creates a lifecycle service. The lock service is needed so
// reaping a stale worker can release its locks in the same transaction.
func NewService(store storage.Store, locks *lock.Service, clk clock.Clock, logger *logrus.Logger) *Service {
	return &Service{store: store, locks: locks, clock: clk, logger: logger}
}

// Start registers the worker in status IDLE. Re-registering a worker id is
// allowed only while the previous incarnation is TERMINATED; a live
// duplicate is rejected.
func (s *Service) Start(ctx context.Context, workerID string) (*models.WorkerProcess, error) {
	now := s.clock.Now()
	ts := storage.FormatTime(now)

	res, err := s.store.ExecContext(ctx, `
		INSERT INTO worker_processes (worker_id, status, current_symbol, started_at, last_heartbeat_at, created_at, updated_at)
		VALUES (?, 'IDLE', NULL, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
		    status            = 'IDLE',
		    current_symbol    = NULL,
		    started_at        = excluded.started_at,
		    last_heartbeat_at = excluded.last_heartbeat_at,
		    updated_at        = excluded.updated_at
		WHERE worker_processes.status = 'TERMINATED'`,
		workerID, ts, ts, ts, ts)
	if err != nil {
		return nil, &traderr.StoreError{Op: "lifecycle.start", Err: err}
	}
	// The conditional upsert writes nothing when a live incarnation holds
	// the row. Timestamps carry second resolution, so the row itself cannot
	// distinguish a same-second duplicate; the write count can.
	n, err := res.RowsAffected()
	if err != nil {
		return nil, &traderr.StoreError{Op: "lifecycle.start", Err: err}
	}
	if n == 0 {
		return nil, fmt.Errorf("worker %s is already registered and not terminated", workerID)
	}

	return s.Get(ctx, workerID)
}

// Transition moves the worker to newStatus, enforcing the state graph.
// Transitions to HOLDING must carry the symbol; transitions away clear it.
func (s *Service) Transition(ctx context.Context, workerID string, newStatus models.WorkerStatus, currentSymbol string) error {
	if err := models.ValidateWorkerState(newStatus, currentSymbol); err != nil {
		return err
	}

	return s.store.WithTx(ctx, func(tx storage.Querier) error {
		wp, err := s.getIn(ctx, tx, workerID)
		if err != nil {
			return err
		}
		if !models.ValidWorkerTransition(wp.Status, newStatus) {
			return fmt.Errorf("illegal worker transition %s -> %s for %s", wp.Status, newStatus, workerID)
		}

		var symbol any
		if currentSymbol != "" {
			symbol = currentSymbol
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE worker_processes SET status = ?, current_symbol = ?, updated_at = ?
			 WHERE worker_id = ?`,
			string(newStatus), symbol, storage.FormatTime(s.clock.Now()), workerID)
		if err != nil {
			return &traderr.StoreError{Op: "lifecycle.transition", Err: err}
		}
		return nil
	})
}

// Heartbeat refreshes last_heartbeat_at; it has no state effect.
func (s *Service) Heartbeat(ctx context.Context, workerID string) error {
	now := storage.FormatTime(s.clock.Now())
	res, err := s.store.ExecContext(ctx,
		`UPDATE worker_processes SET last_heartbeat_at = ?, updated_at = ? WHERE worker_id = ?`,
		now, now, workerID)
	if err != nil {
		return &traderr.StoreError{Op: "lifecycle.heartbeat", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("heartbeat: worker %s not registered", workerID)
	}
	return nil
}

// Stop transitions the worker to TERMINATED and clears its symbol.
func (s *Service) Stop(ctx context.Context, workerID string) error {
	return s.Transition(ctx, workerID, models.WorkerTerminated, "")
}

// CleanupStaleWorkers reaps every worker whose heartbeat is older than
// threshold: its locks are released first, then the worker is marked
// TERMINATED, both in one transaction. Idempotent and safe to run from many
// workers concurrently. Returns the number of workers reaped.
func (s *Service) CleanupStaleWorkers(ctx context.Context, threshold time.Duration) (int, error) {
	now := s.clock.Now()
	cutoff := storage.FormatTime(now.Add(-threshold))

	rows, err := s.store.QueryContext(ctx,
		`SELECT worker_id FROM worker_processes
		 WHERE last_heartbeat_at < ? AND status != 'TERMINATED'`, cutoff)
	if err != nil {
		return 0, &traderr.StoreError{Op: "lifecycle.cleanup_stale", Err: err}
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, &traderr.StoreError{Op: "lifecycle.cleanup_stale", Err: err}
		}
		stale = append(stale, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, &traderr.StoreError{Op: "lifecycle.cleanup_stale", Err: err}
	}

	reaped := 0
	for _, workerID := range stale {
		err := s.store.WithTx(ctx, func(tx storage.Querier) error {
			released, err := s.locks.ExpireWorkerLocks(ctx, tx, workerID)
			if err != nil {
				return err
			}
			// Guard against a heartbeat that landed between the scan
			// and this transaction.
			res, err := tx.ExecContext(ctx,
				`UPDATE worker_processes
				 SET status = 'TERMINATED', current_symbol = NULL, updated_at = ?
				 WHERE worker_id = ? AND last_heartbeat_at < ? AND status != 'TERMINATED'`,
				storage.FormatTime(now), workerID, cutoff)
			if err != nil {
				return &traderr.StoreError{Op: "lifecycle.cleanup_stale", Err: err}
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return errWorkerRevived
			}
			s.logger.WithFields(logrus.Fields{
				"worker_id": workerID, "locks_released": released,
			}).Warn("reaped stale worker")
			return nil
		})
		if errors.Is(err, errWorkerRevived) {
			continue
		}
		if err != nil {
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}

var errWorkerRevived = errors.New("worker heartbeat revived during reap")

// Get returns the worker row.
func (s *Service) Get(ctx context.Context, workerID string) (*models.WorkerProcess, error) {
	return s.getIn(ctx, s.store, workerID)
}

func (s *Service) getIn(ctx context.Context, q storage.Querier, workerID string) (*models.WorkerProcess, error) {
	row := q.QueryRowContext(ctx, `
		SELECT worker_id, status, current_symbol, started_at, last_heartbeat_at, created_at, updated_at
		FROM worker_processes WHERE worker_id = ?`, workerID)

	var wp models.WorkerProcess
	var symbol sql.NullString
	var started, heartbeat, created, updated, status string
	err := row.Scan(&wp.WorkerID, &status, &symbol, &started, &heartbeat, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worker %s not registered", workerID)
	}
	if err != nil {
		return nil, &traderr.StoreError{Op: "lifecycle.get", Err: err}
	}

	wp.Status = models.WorkerStatus(status)
	wp.CurrentSymbol = symbol.String
	if wp.StartedAt, err = storage.ParseTime(started); err != nil {
		return nil, err
	}
	if wp.LastHeartbeatAt, err = storage.ParseTime(heartbeat); err != nil {
		return nil, err
	}
	if wp.CreatedAt, err = storage.ParseTime(created); err != nil {
		return nil, err
	}
	if wp.UpdatedAt, err = storage.ParseTime(updated); err != nil {
		return nil, err
	}
	return &wp, nil
}
