package storage

// schema defines the five logical tables. Timestamps are stored as RFC 3339
// UTC strings with second resolution; prices and PnL are stored as decimal
// strings with four fractional digits.
const schema = `
CREATE TABLE IF NOT EXISTS orders (
    order_id        TEXT PRIMARY KEY,
    broker_order_id TEXT NOT NULL DEFAULT '',
    idempotency_key TEXT NOT NULL UNIQUE,
    worker_id       TEXT NOT NULL,
    symbol          TEXT NOT NULL,
    side            TEXT NOT NULL,
    order_type      TEXT NOT NULL,
    qty             INTEGER NOT NULL CHECK (qty > 0),
    price           TEXT,
    status          TEXT NOT NULL,
    filled_qty      INTEGER NOT NULL DEFAULT 0 CHECK (filled_qty <= qty),
    avg_fill_price  TEXT NOT NULL DEFAULT '0',
    reason          TEXT NOT NULL DEFAULT '',
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_worker ON orders(worker_id, status);

CREATE INDEX IF NOT EXISTS idx_orders_broker_id ON orders(broker_order_id);

CREATE TABLE IF NOT EXISTS fills (
    seq            INTEGER PRIMARY KEY AUTOINCREMENT,
    fill_id        TEXT NOT NULL UNIQUE,
    broker_fill_id TEXT NOT NULL UNIQUE,
    order_id       TEXT NOT NULL REFERENCES orders(order_id),
    symbol         TEXT NOT NULL,
    side           TEXT NOT NULL,
    qty            INTEGER NOT NULL CHECK (qty > 0),
    price          TEXT NOT NULL,
    fill_time      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id);

CREATE INDEX IF NOT EXISTS idx_fills_symbol_time ON fills(symbol, fill_time);

CREATE TABLE IF NOT EXISTS stock_locks (
    symbol       TEXT PRIMARY KEY,
    id           TEXT NOT NULL,
    worker_id    TEXT NOT NULL,
    acquired_at  TEXT NOT NULL,
    expires_at   TEXT NOT NULL,
    heartbeat_at TEXT NOT NULL,
    status       TEXT NOT NULL,
    created_at   TEXT NOT NULL,
    updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS worker_processes (
    worker_id         TEXT PRIMARY KEY,
    status            TEXT NOT NULL,
    current_symbol    TEXT,
    started_at        TEXT NOT NULL,
    last_heartbeat_at TEXT NOT NULL,
    created_at        TEXT NOT NULL,
    updated_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_summaries (
    worker_id      TEXT NOT NULL,
    summary_date   TEXT NOT NULL,
    total_trades   INTEGER NOT NULL,
    winning_trades INTEGER NOT NULL,
    losing_trades  INTEGER NOT NULL,
    gross_profit   TEXT NOT NULL,
    gross_loss     TEXT NOT NULL,
    net_pnl        TEXT NOT NULL,
    unrealized_pnl TEXT NOT NULL,
    max_drawdown   TEXT NOT NULL,
    win_rate       REAL NOT NULL,
    profit_factor  REAL NOT NULL,
    created_at     TEXT NOT NULL,
    updated_at     TEXT NOT NULL,
    UNIQUE (worker_id, summary_date)
);
`
