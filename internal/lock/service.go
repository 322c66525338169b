// Package lock implements the distributed symbol-lock service. At any
// instant at most one worker holds each symbol; crashed holders are
// recovered by TTL expiry with no manual intervention.
//
// Cross-process correctness relies entirely on the store's atomic
// conditional upsert against UNIQUE(symbol). No in-process mutex can
// substitute for it.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hskwon/stampede/internal/clock"
	"github.com/hskwon/stampede/internal/models"
	"github.com/hskwon/stampede/internal/storage"
	"github.com/hskwon/stampede/internal/traderr"
)

// Service mediates all access to the stock_locks table.
type Service struct {
	store  storage.Store
	clock  clock.Clock
	logger *logrus.Logger
}

// NewService creates a lock service.
func NewService(store storage.Store, clk clock.Clock, logger *logrus.Logger) *Service {
	return &Service{store: store, clock: clk, logger: logger}
}

// acquireStmt inserts a fresh ACTIVE row, or takes over the existing row
// only when it is EXPIRED or already ours. A foreign ACTIVE row is left
// untouched; the post-read decides who won. Whichever insert commits first
// wins the tie.
const acquireStmt = `
INSERT INTO stock_locks (symbol, id, worker_id, acquired_at, expires_at, heartbeat_at, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, 'ACTIVE', ?, ?)
ON CONFLICT(symbol) DO UPDATE SET
    id           = excluded.id,
    worker_id    = excluded.worker_id,
    acquired_at  = excluded.acquired_at,
    expires_at   = excluded.expires_at,
    heartbeat_at = excluded.heartbeat_at,
    status       = 'ACTIVE',
    updated_at   = excluded.updated_at
WHERE stock_locks.status = 'EXPIRED' OR stock_locks.worker_id = excluded.worker_id`

// Acquire attempts to take exclusive ownership of symbol for ttl.
// Re-acquiring a symbol the worker already holds is idempotent and renews
// the TTL. A symbol owned by another worker yields ErrLockAcquisition;
// callers pick a different candidate rather than retrying.
func (s *Service) Acquire(ctx context.Context, symbol, workerID string, ttl time.Duration) (*models.StockLock, error) {
	now := s.clock.Now()

	// Best-effort expiry of a stale holder so the upsert can take over.
	if _, err := s.cleanupSymbol(ctx, symbol, now); err != nil {
		s.logger.WithError(err).WithField("symbol", symbol).Warn("pre-acquire cleanup failed")
	}

	ts := storage.FormatTime(now)
	_, err := s.store.ExecContext(ctx, acquireStmt,
		symbol, uuid.New().String(), workerID,
		ts, storage.FormatTime(now.Add(ttl)), ts, ts, ts)
	if err != nil {
		return nil, &traderr.StoreError{Op: "lock.acquire", Err: err}
	}

	lk, err := s.GetLock(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if lk == nil || !lk.OwnedBy(workerID) {
		return nil, fmt.Errorf("acquire %s for %s: %w", symbol, workerID, traderr.ErrLockAcquisition)
	}
	return lk, nil
}

// Release transitions the worker's ACTIVE lock to EXPIRED. Releasing a lock
// the worker does not hold is not an error: it is ignored and logged.
func (s *Service) Release(ctx context.Context, symbol, workerID string) (bool, error) {
	now := storage.FormatTime(s.clock.Now())
	res, err := s.store.ExecContext(ctx,
		`UPDATE stock_locks SET status = 'EXPIRED', updated_at = ?
		 WHERE symbol = ? AND worker_id = ? AND status = 'ACTIVE'`,
		now, symbol, workerID)
	if err != nil {
		return false, &traderr.StoreError{Op: "lock.release", Err: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		s.logger.WithFields(logrus.Fields{
			"symbol": symbol, "worker_id": workerID,
		}).Warn("release of a lock not held by this worker, ignoring")
		return false, nil
	}
	return true, nil
}

// Renew extends the lock's TTL and refreshes its heartbeat, but only while
// it is still ACTIVE, owned, and unexpired.
func (s *Service) Renew(ctx context.Context, symbol, workerID string, ttl time.Duration) (*models.StockLock, error) {
	now := s.clock.Now()

	lk, err := s.GetLock(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if lk == nil || lk.Status != models.LockActive || lk.WorkerID != workerID {
		return nil, fmt.Errorf("renew %s for %s: %w", symbol, workerID, traderr.ErrLockNotFound)
	}
	if lk.Expired(now) {
		// The holder has been preempted; make the row reflect that.
		if _, cerr := s.cleanupSymbol(ctx, symbol, now); cerr != nil {
			s.logger.WithError(cerr).WithField("symbol", symbol).Warn("marking expired lock failed")
		}
		return nil, fmt.Errorf("renew %s for %s: %w", symbol, workerID, traderr.ErrLockExpired)
	}

	res, err := s.store.ExecContext(ctx,
		`UPDATE stock_locks SET expires_at = ?, heartbeat_at = ?, updated_at = ?
		 WHERE symbol = ? AND worker_id = ? AND status = 'ACTIVE' AND expires_at >= ?`,
		storage.FormatTime(now.Add(ttl)), storage.FormatTime(now), storage.FormatTime(now),
		symbol, workerID, storage.FormatTime(now))
	if err != nil {
		return nil, &traderr.StoreError{Op: "lock.renew", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("renew %s for %s: %w", symbol, workerID, traderr.ErrLockExpired)
	}
	return s.GetLock(ctx, symbol)
}

// Heartbeat updates heartbeat_at only; it does not extend the TTL. Returns
// false when the lock is not actively held by the worker.
func (s *Service) Heartbeat(ctx context.Context, symbol, workerID string) (bool, error) {
	now := storage.FormatTime(s.clock.Now())
	res, err := s.store.ExecContext(ctx,
		`UPDATE stock_locks SET heartbeat_at = ?, updated_at = ?
		 WHERE symbol = ? AND worker_id = ? AND status = 'ACTIVE'`,
		now, now, symbol, workerID)
	if err != nil {
		return false, &traderr.StoreError{Op: "lock.heartbeat", Err: err}
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CleanupExpired marks every ACTIVE lock whose TTL lapsed as EXPIRED and
// returns the count. A single conditional UPDATE, safe to run concurrently
// from any number of workers.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	now := s.clock.Now()
	res, err := s.store.ExecContext(ctx,
		`UPDATE stock_locks SET status = 'EXPIRED', updated_at = ?
		 WHERE status = 'ACTIVE' AND expires_at < ?`,
		storage.FormatTime(now), storage.FormatTime(now))
	if err != nil {
		return 0, &traderr.StoreError{Op: "lock.cleanup_expired", Err: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ExpireWorkerLocks marks every ACTIVE lock owned by workerID as EXPIRED.
// The stale-worker sweeper calls this inside its own transaction by passing
// q; a nil q runs against the service's store.
func (s *Service) ExpireWorkerLocks(ctx context.Context, q storage.Querier, workerID string) (int64, error) {
	if q == nil {
		q = s.store
	}
	res, err := q.ExecContext(ctx,
		`UPDATE stock_locks SET status = 'EXPIRED', updated_at = ?
		 WHERE worker_id = ? AND status = 'ACTIVE'`,
		storage.FormatTime(s.clock.Now()), workerID)
	if err != nil {
		return 0, &traderr.StoreError{Op: "lock.expire_worker_locks", Err: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Service) cleanupSymbol(ctx context.Context, symbol string, now time.Time) (int64, error) {
	res, err := s.store.ExecContext(ctx,
		`UPDATE stock_locks SET status = 'EXPIRED', updated_at = ?
		 WHERE symbol = ? AND status = 'ACTIVE' AND expires_at < ?`,
		storage.FormatTime(now), symbol, storage.FormatTime(now))
	if err != nil {
		return 0, &traderr.StoreError{Op: "lock.cleanup_symbol", Err: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const lockColumns = `symbol, id, worker_id, acquired_at, expires_at, heartbeat_at, status, created_at, updated_at`

// GetLock returns the lock row for symbol, or nil when none exists.
func (s *Service) GetLock(ctx context.Context, symbol string) (*models.StockLock, error) {
	row := s.store.QueryRowContext(ctx,
		`SELECT `+lockColumns+` FROM stock_locks WHERE symbol = ?`, symbol)
	lk, err := scanLock(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &traderr.StoreError{Op: "lock.get", Err: err}
	}
	return lk, nil
}

// ListActiveLocks returns every ACTIVE lock.
func (s *Service) ListActiveLocks(ctx context.Context) ([]models.StockLock, error) {
	rows, err := s.store.QueryContext(ctx,
		`SELECT `+lockColumns+` FROM stock_locks WHERE status = 'ACTIVE' ORDER BY symbol`)
	if err != nil {
		return nil, &traderr.StoreError{Op: "lock.list_active", Err: err}
	}
	defer rows.Close()

	var out []models.StockLock
	for rows.Next() {
		lk, err := scanLock(rows.Scan)
		if err != nil {
			return nil, &traderr.StoreError{Op: "lock.list_active", Err: err}
		}
		out = append(out, *lk)
	}
	return out, rows.Err()
}

func scanLock(scan func(dest ...any) error) (*models.StockLock, error) {
	var lk models.StockLock
	var acquired, expires, heartbeat, created, updated, status string
	if err := scan(&lk.Symbol, &lk.ID, &lk.WorkerID, &acquired, &expires, &heartbeat, &status, &created, &updated); err != nil {
		return nil, err
	}
	lk.Status = models.LockStatus(status)
	var err error
	if lk.AcquiredAt, err = storage.ParseTime(acquired); err != nil {
		return nil, err
	}
	if lk.ExpiresAt, err = storage.ParseTime(expires); err != nil {
		return nil, err
	}
	if lk.HeartbeatAt, err = storage.ParseTime(heartbeat); err != nil {
		return nil, err
	}
	if lk.CreatedAt, err = storage.ParseTime(created); err != nil {
		return nil, err
	}
	if lk.UpdatedAt, err = storage.ParseTime(updated); err != nil {
		return nil, err
	}
	return &lk, nil
}
