package models

import "time"

// LockStatus is the state of a symbol ownership record.
type LockStatus string

const (
	LockActive  LockStatus = "ACTIVE"
	LockExpired LockStatus = "EXPIRED"
)

// StockLock is an exclusive ownership record for a symbol. The store enforces
// UNIQUE(symbol), which is what makes acquisition linearizable across worker
// processes. Rows are never deleted; EXPIRED rows are overwritten on
// re-acquire.
type StockLock struct {
	ID          string
	Symbol      string
	WorkerID    string
	AcquiredAt  time.Time
	ExpiresAt   time.Time
	HeartbeatAt time.Time
	Status      LockStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Expired reports whether the lock's TTL has lapsed at the given instant.
func (l *StockLock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// OwnedBy reports whether the lock is actively held by the given worker.
func (l *StockLock) OwnedBy(workerID string) bool {
	return l.Status == LockActive && l.WorkerID == workerID
}
