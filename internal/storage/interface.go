// Package storage provides the transactional store port and its SQLite
// implementation.
package storage

import (
	"context"
	"database/sql"
)

// Querier is the read/write surface shared by the store and transactions,
// so service code can run the same statements inside or outside a
// transaction. Parameter binding uses positional `?` markers; the adapter
// normalizes dialect-specific placeholders.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the minimal transactional contract the services consume.
//
// Implementations must be safe for concurrent use: services call these
// methods from the event loop, the fill consumer, and the sweeper without
// additional synchronization.
type Store interface {
	Querier

	// WithTx runs fn inside a transaction, committing on nil and rolling
	// back on error. Transactions are short by policy; no service holds
	// one across a broker call.
	WithTx(ctx context.Context, fn func(tx Querier) error) error

	Close() error
}

// Compile-time checks.
var (
	_ Store   = (*SQLite)(nil)
	_ Querier = (*sql.Tx)(nil)
)
