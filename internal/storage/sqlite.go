package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mscarn/dunder_verticals/internal/models"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
    id                        TEXT PRIMARY KEY,
    proposal_id               TEXT NOT NULL,
    symbol                    TEXT NOT NULL,
    expiration                TEXT NOT NULL,
    strategy                  TEXT NOT NULL,
    short_strike              REAL NOT NULL,
    long_strike               REAL NOT NULL,
    width                     INTEGER NOT NULL,
    quantity                  INTEGER NOT NULL,
    entry_price               REAL NOT NULL,
    exit_price                REAL,
    max_profit                REAL NOT NULL DEFAULT 0,
    max_loss                  REAL NOT NULL DEFAULT 0,
    realized_pnl              REAL,
    max_seen_profit_fraction  REAL NOT NULL DEFAULT 0,
    iv_entry                  REAL NOT NULL DEFAULT 0,
    status                    TEXT NOT NULL,
    exit_reason               TEXT NOT NULL DEFAULT '',
    broker_order_id_open      TEXT NOT NULL DEFAULT '',
    broker_order_id_close     TEXT NOT NULL DEFAULT '',
    opened_at                 TEXT,
    closed_at                 TEXT,
    created_at                TEXT NOT NULL,
    updated_at                TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS proposals (
    id               TEXT PRIMARY KEY,
    symbol           TEXT NOT NULL,
    expiration       TEXT NOT NULL,
    short_strike     REAL NOT NULL,
    long_strike      REAL NOT NULL,
    width            INTEGER NOT NULL,
    quantity         INTEGER NOT NULL,
    strategy         TEXT NOT NULL,
    credit_target    REAL NOT NULL,
    score            REAL NOT NULL,
    component_scores TEXT NOT NULL DEFAULT '{}',
    status           TEXT NOT NULL,
    kind             TEXT NOT NULL,
    linked_trade_id  TEXT NOT NULL DEFAULT '',
    created_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
    id                 TEXT PRIMARY KEY,
    proposal_id        TEXT NOT NULL,
    trade_id           TEXT NOT NULL DEFAULT '',
    side               TEXT NOT NULL,
    client_order_id    TEXT NOT NULL UNIQUE,
    broker_order_id    TEXT NOT NULL DEFAULT '',
    status             TEXT NOT NULL,
    avg_fill_price     REAL,
    filled_quantity    REAL,
    remaining_quantity REAL,
    snapshot_id        TEXT NOT NULL DEFAULT '',
    created_at         TEXT NOT NULL,
    updated_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
    id             TEXT PRIMARY KEY,
    account_id     TEXT NOT NULL,
    as_of          TEXT NOT NULL,
    position_count INTEGER NOT NULL DEFAULT 0,
    order_count    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS portfolio_positions (
    symbol                  TEXT NOT NULL,
    expiration              TEXT NOT NULL,
    option_type             TEXT NOT NULL,
    strike                  REAL NOT NULL,
    side                    TEXT NOT NULL,
    quantity                INTEGER NOT NULL,
    cost_basis_per_contract REAL,
    bid                     REAL,
    ask                     REAL,
    last                    REAL,
    snapshot_id             TEXT NOT NULL,
    updated_at              TEXT NOT NULL,
    PRIMARY KEY (symbol, expiration, option_type, strike, side)
);

CREATE TABLE IF NOT EXISTS account_balances (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    snapshot_id        TEXT NOT NULL,
    cash               REAL NOT NULL,
    buying_power       REAL NOT NULL,
    equity             REAL NOT NULL,
    margin_requirement REAL NOT NULL,
    created_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS risk_state (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS broker_events (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    operation     TEXT NOT NULL,
    symbol        TEXT NOT NULL DEFAULT '',
    expiration    TEXT NOT NULL DEFAULT '',
    order_id      TEXT NOT NULL DEFAULT '',
    status_code   INTEGER NOT NULL DEFAULT 0,
    ok            INTEGER NOT NULL DEFAULT 0,
    duration_ms   INTEGER NOT NULL DEFAULT 0,
    mode          TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    strategy      TEXT NOT NULL DEFAULT '',
    created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS system_logs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    log_type   TEXT NOT NULL,
    message    TEXT NOT NULL,
    details    TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_status     ON trades(status);
CREATE INDEX IF NOT EXISTS idx_proposals_status  ON proposals(status);
CREATE INDEX IF NOT EXISTS idx_orders_broker_id  ON orders(broker_order_id);
CREATE INDEX IF NOT EXISTS idx_orders_status     ON orders(status);
CREATE INDEX IF NOT EXISTS idx_events_created    ON broker_events(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_logs_type_created ON system_logs(log_type, created_at DESC);
`

// SQLiteStore implements Interface using SQLite (pure Go, no CGo).
type SQLiteStore struct {
	db *sql.DB
}

var _ Interface = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at the given path and
// applies the schema. Use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStore: open %q: %w", path, err)
	}
	// SQLite is single-writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStore: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- time encoding helpers ---

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// --- trades ---

const tradeColumns = `id, proposal_id, symbol, expiration, strategy, short_strike, long_strike,
	width, quantity, entry_price, exit_price, max_profit, max_loss, realized_pnl,
	max_seen_profit_fraction, iv_entry, status, exit_reason, broker_order_id_open,
	broker_order_id_close, opened_at, closed_at, created_at, updated_at`

// CreateTrade inserts a new trade row.
func (s *SQLiteStore) CreateTrade(ctx context.Context, t *models.Trade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (`+tradeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProposalID, t.Symbol, t.Expiration, string(t.Strategy), t.ShortStrike, t.LongStrike,
		t.Width, t.Quantity, t.EntryPrice, t.ExitPrice, t.MaxProfit, t.MaxLoss, t.RealizedPnL,
		t.MaxSeenProfitFraction, t.IVEntry, string(t.Status), t.ExitReason, t.BrokerOrderIDOpen,
		t.BrokerOrderIDClose, fmtTimePtr(t.OpenedAt), fmtTimePtr(t.ClosedAt),
		fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("storage.CreateTrade %s: %w", t.ID, err)
	}
	return nil
}

func scanTrade(row interface{ Scan(...any) error }) (*models.Trade, error) {
	var t models.Trade
	var strategy, status string
	var openedAt, closedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&t.ID, &t.ProposalID, &t.Symbol, &t.Expiration, &strategy, &t.ShortStrike, &t.LongStrike,
		&t.Width, &t.Quantity, &t.EntryPrice, &t.ExitPrice, &t.MaxProfit, &t.MaxLoss, &t.RealizedPnL,
		&t.MaxSeenProfitFraction, &t.IVEntry, &status, &t.ExitReason, &t.BrokerOrderIDOpen,
		&t.BrokerOrderIDClose, &openedAt, &closedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Strategy = models.Strategy(strategy)
	t.Status = models.TradeStatus(status)
	t.OpenedAt = parseTimePtr(openedAt)
	t.ClosedAt = parseTimePtr(closedAt)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// GetTrade returns a trade by id, or ErrNotFound.
func (s *SQLiteStore) GetTrade(ctx context.Context, id string) (*models.Trade, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage.GetTrade %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage.GetTrade %s: %w", id, err)
	}
	return t, nil
}

// GetTradeByProposalID returns the trade created from a proposal, or ErrNotFound.
func (s *SQLiteStore) GetTradeByProposalID(ctx context.Context, proposalID string) (*models.Trade, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE proposal_id = ?`, proposalID)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage.GetTradeByProposalID %s: %w", proposalID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage.GetTradeByProposalID %s: %w", proposalID, err)
	}
	return t, nil
}

// ListTradesByStatus returns trades in any of the given statuses, oldest first.
func (s *SQLiteStore) ListTradesByStatus(ctx context.Context, statuses ...models.TradeStatus) ([]models.Trade, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE status IN (`
	args := make([]any, 0, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, string(st))
	}
	query += `) ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.ListTradesByStatus: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListTradesByStatus: scan: %w", err)
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

// UpdateTrade overwrites all mutable trade fields.
func (s *SQLiteStore) UpdateTrade(ctx context.Context, t *models.Trade) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE trades SET
			entry_price = ?, exit_price = ?, max_profit = ?, max_loss = ?, realized_pnl = ?,
			max_seen_profit_fraction = ?, iv_entry = ?, status = ?, exit_reason = ?,
			broker_order_id_open = ?, broker_order_id_close = ?,
			opened_at = ?, closed_at = ?, updated_at = ?
		WHERE id = ?`,
		t.EntryPrice, t.ExitPrice, t.MaxProfit, t.MaxLoss, t.RealizedPnL,
		t.MaxSeenProfitFraction, t.IVEntry, string(t.Status), t.ExitReason,
		t.BrokerOrderIDOpen, t.BrokerOrderIDClose,
		fmtTimePtr(t.OpenedAt), fmtTimePtr(t.ClosedAt), fmtTime(t.UpdatedAt),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("storage.UpdateTrade %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage.UpdateTrade %s: %w", t.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("storage.UpdateTrade %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

// --- proposals ---

const proposalColumns = `id, symbol, expiration, short_strike, long_strike, width, quantity,
	strategy, credit_target, score, component_scores, status, kind, linked_trade_id, created_at`

// CreateProposal inserts a new proposal row.
func (s *SQLiteStore) CreateProposal(ctx context.Context, p *models.Proposal) error {
	scores, err := json.Marshal(p.ComponentScores)
	if err != nil {
		return fmt.Errorf("storage.CreateProposal %s: marshal scores: %w", p.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO proposals (`+proposalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Symbol, p.Expiration, p.ShortStrike, p.LongStrike, p.Width, p.Quantity,
		string(p.Strategy), p.CreditTarget, p.Score, string(scores), string(p.Status),
		string(p.Kind), p.LinkedTradeID, fmtTime(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("storage.CreateProposal %s: %w", p.ID, err)
	}
	return nil
}

func scanProposal(row interface{ Scan(...any) error }) (*models.Proposal, error) {
	var p models.Proposal
	var strategy, status, kind, scores, createdAt string

	err := row.Scan(
		&p.ID, &p.Symbol, &p.Expiration, &p.ShortStrike, &p.LongStrike, &p.Width, &p.Quantity,
		&strategy, &p.CreditTarget, &p.Score, &scores, &status, &kind, &p.LinkedTradeID, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	p.Strategy = models.Strategy(strategy)
	p.Status = models.ProposalStatus(status)
	p.Kind = models.ProposalKind(kind)
	p.CreatedAt = parseTime(createdAt)
	if err := json.Unmarshal([]byte(scores), &p.ComponentScores); err != nil {
		return nil, fmt.Errorf("unmarshal component scores: %w", err)
	}
	return &p, nil
}

// GetProposal returns a proposal by id, or ErrNotFound.
func (s *SQLiteStore) GetProposal(ctx context.Context, id string) (*models.Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage.GetProposal %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage.GetProposal %s: %w", id, err)
	}
	return p, nil
}

// ListProposalsByStatus returns proposals in the given status, newest first.
func (s *SQLiteStore) ListProposalsByStatus(ctx context.Context, status models.ProposalStatus) ([]models.Proposal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE status = ? ORDER BY created_at DESC`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("storage.ListProposalsByStatus: %w", err)
	}
	defer rows.Close()

	var proposals []models.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListProposalsByStatus: scan: %w", err)
		}
		proposals = append(proposals, *p)
	}
	return proposals, rows.Err()
}

// UpdateProposalStatus moves a proposal to a new lifecycle status.
func (s *SQLiteStore) UpdateProposalStatus(ctx context.Context, id string, status models.ProposalStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE proposals SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("storage.UpdateProposalStatus %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage.UpdateProposalStatus %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("storage.UpdateProposalStatus %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- orders ---

const orderColumns = `id, proposal_id, trade_id, side, client_order_id, broker_order_id,
	status, avg_fill_price, filled_quantity, remaining_quantity, snapshot_id, created_at, updated_at`

// CreateOrder inserts a new order row. The UNIQUE constraint on
// client_order_id rejects duplicate placement records.
func (s *SQLiteStore) CreateOrder(ctx context.Context, o *models.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.ProposalID, o.TradeID, string(o.Side), o.ClientOrderID, o.BrokerOrderID,
		string(o.Status), o.AvgFillPrice, o.FilledQuantity, o.RemainingQuantity, o.SnapshotID,
		fmtTime(o.CreatedAt), fmtTime(o.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("storage.CreateOrder %s: %w", o.ClientOrderID, err)
	}
	return nil
}

func scanOrder(row interface{ Scan(...any) error }) (*models.Order, error) {
	var o models.Order
	var side, status, createdAt, updatedAt string

	err := row.Scan(
		&o.ID, &o.ProposalID, &o.TradeID, &side, &o.ClientOrderID, &o.BrokerOrderID,
		&status, &o.AvgFillPrice, &o.FilledQuantity, &o.RemainingQuantity, &o.SnapshotID,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Side = models.OrderSide(side)
	o.Status = models.OrderStatus(status)
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)
	return &o, nil
}

// GetOrderByClientOrderID returns the order with the given client order id.
func (s *SQLiteStore) GetOrderByClientOrderID(ctx context.Context, clientOrderID string) (*models.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE client_order_id = ?`, clientOrderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage.GetOrderByClientOrderID %s: %w", clientOrderID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage.GetOrderByClientOrderID %s: %w", clientOrderID, err)
	}
	return o, nil
}

// GetOrderByBrokerOrderID returns the order with the given broker order id.
func (s *SQLiteStore) GetOrderByBrokerOrderID(ctx context.Context, brokerOrderID string) (*models.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE broker_order_id = ? AND broker_order_id != ''`, brokerOrderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage.GetOrderByBrokerOrderID %s: %w", brokerOrderID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage.GetOrderByBrokerOrderID %s: %w", brokerOrderID, err)
	}
	return o, nil
}

// ListOpenOrders returns orders not yet in a terminal status, oldest first.
func (s *SQLiteStore) ListOpenOrders(ctx context.Context) ([]models.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status NOT IN (?, ?, ?)
		ORDER BY created_at ASC`,
		string(models.OrderFilled), string(models.OrderCancelled), string(models.OrderRejected))
	if err != nil {
		return nil, fmt.Errorf("storage.ListOpenOrders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListOpenOrders: scan: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// UpdateOrder persists fill fields and status, enforcing monotonic status
// advancement. An update that keeps the same status only refreshes fill data.
func (s *SQLiteStore) UpdateOrder(ctx context.Context, o *models.Order) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.UpdateOrder %s: begin tx: %w", o.ClientOrderID, err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM orders WHERE client_order_id = ?`, o.ClientOrderID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("storage.UpdateOrder %s: %w", o.ClientOrderID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("storage.UpdateOrder %s: %w", o.ClientOrderID, err)
	}

	currentStatus := models.OrderStatus(current)
	if currentStatus != o.Status && !currentStatus.CanAdvance(o.Status) {
		return fmt.Errorf("storage.UpdateOrder %s: %s -> %s: %w",
			o.ClientOrderID, currentStatus, o.Status, ErrOrderStatusRegression)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET
			trade_id = ?, broker_order_id = ?, status = ?, avg_fill_price = ?,
			filled_quantity = ?, remaining_quantity = ?, snapshot_id = ?, updated_at = ?
		WHERE client_order_id = ?`,
		o.TradeID, o.BrokerOrderID, string(o.Status), o.AvgFillPrice,
		o.FilledQuantity, o.RemainingQuantity, o.SnapshotID, fmtTime(o.UpdatedAt),
		o.ClientOrderID,
	)
	if err != nil {
		return fmt.Errorf("storage.UpdateOrder %s: %w", o.ClientOrderID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.UpdateOrder %s: commit: %w", o.ClientOrderID, err)
	}
	return nil
}

// --- snapshots, positions, balances ---

// CreateSnapshot inserts a snapshot header row.
func (s *SQLiteStore) CreateSnapshot(ctx context.Context, snap *models.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, account_id, as_of, position_count, order_count)
		VALUES (?, ?, ?, ?, ?)`,
		snap.ID, snap.AccountID, fmtTime(snap.AsOf), snap.PositionCount, snap.OrderCount,
	)
	if err != nil {
		return fmt.Errorf("storage.CreateSnapshot %s: %w", snap.ID, err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot header with its balances.
func (s *SQLiteStore) LatestSnapshot(ctx context.Context) (*models.Snapshot, error) {
	var snap models.Snapshot
	var asOf string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, as_of, position_count, order_count
		FROM snapshots ORDER BY as_of DESC LIMIT 1`).
		Scan(&snap.ID, &snap.AccountID, &asOf, &snap.PositionCount, &snap.OrderCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage.LatestSnapshot: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage.LatestSnapshot: %w", err)
	}
	snap.AsOf = parseTime(asOf)

	if b, err := s.LatestBalances(ctx); err == nil {
		snap.Balances = *b
	}
	return &snap, nil
}

// ReplacePositions upserts the given positions stamped with snapshotID, then
// removes rows the broker no longer reports.
func (s *SQLiteStore) ReplacePositions(ctx context.Context, snapshotID string, positions []models.PortfolioPosition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.ReplacePositions: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO portfolio_positions
			(symbol, expiration, option_type, strike, side, quantity,
			 cost_basis_per_contract, bid, ask, last, snapshot_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, expiration, option_type, strike, side) DO UPDATE SET
			quantity                = excluded.quantity,
			cost_basis_per_contract = excluded.cost_basis_per_contract,
			bid                     = excluded.bid,
			ask                     = excluded.ask,
			last                    = excluded.last,
			snapshot_id             = excluded.snapshot_id,
			updated_at              = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("storage.ReplacePositions: prepare: %w", err)
	}
	defer stmt.Close()

	for _, p := range positions {
		if _, err := stmt.ExecContext(ctx,
			p.Key.Symbol, p.Key.Expiration, string(p.Key.OptionType), p.Key.Strike, string(p.Key.Side),
			p.Quantity, p.CostBasisPerContract, p.Bid, p.Ask, p.Last, snapshotID, fmtTime(p.UpdatedAt),
		); err != nil {
			return fmt.Errorf("storage.ReplacePositions: upsert %s: %w", p.Key, err)
		}
	}

	// Everything still held carries the new snapshot id; the rest is gone.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM portfolio_positions WHERE snapshot_id != ?`, snapshotID); err != nil {
		return fmt.Errorf("storage.ReplacePositions: delete stale: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.ReplacePositions: commit: %w", err)
	}
	return nil
}

// ListPositions returns all currently held positions.
func (s *SQLiteStore) ListPositions(ctx context.Context) ([]models.PortfolioPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, expiration, option_type, strike, side, quantity,
		       cost_basis_per_contract, bid, ask, last, snapshot_id, updated_at
		FROM portfolio_positions
		ORDER BY symbol, expiration, strike`)
	if err != nil {
		return nil, fmt.Errorf("storage.ListPositions: %w", err)
	}
	defer rows.Close()

	var positions []models.PortfolioPosition
	for rows.Next() {
		var p models.PortfolioPosition
		var optionType, side, updatedAt string
		if err := rows.Scan(
			&p.Key.Symbol, &p.Key.Expiration, &optionType, &p.Key.Strike, &side, &p.Quantity,
			&p.CostBasisPerContract, &p.Bid, &p.Ask, &p.Last, &p.SnapshotID, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage.ListPositions: scan: %w", err)
		}
		p.Key.OptionType = models.OptionType(optionType)
		p.Key.Side = models.PositionSide(side)
		p.UpdatedAt = parseTime(updatedAt)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// SaveBalances appends one balance row stamped with the snapshot id.
func (s *SQLiteStore) SaveBalances(ctx context.Context, snapshotID string, b models.Balances) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account_balances (snapshot_id, cash, buying_power, equity, margin_requirement, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		snapshotID, b.Cash, b.BuyingPower, b.Equity, b.MarginRequirement, fmtTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveBalances: %w", err)
	}
	return nil
}

// LatestBalances returns the most recently saved balance row.
func (s *SQLiteStore) LatestBalances(ctx context.Context) (*models.Balances, error) {
	var b models.Balances
	err := s.db.QueryRowContext(ctx, `
		SELECT cash, buying_power, equity, margin_requirement
		FROM account_balances ORDER BY id DESC LIMIT 1`).
		Scan(&b.Cash, &b.BuyingPower, &b.Equity, &b.MarginRequirement)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage.LatestBalances: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage.LatestBalances: %w", err)
	}
	return &b, nil
}

// --- settings and risk state ---

func (s *SQLiteStore) kvGet(ctx context.Context, table, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM `+table+` WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("storage: get %s %q: %w", table, key, err)
	}
	return value, nil
}

func (s *SQLiteStore) kvSet(ctx context.Context, table, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+table+` (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("storage: set %s %q: %w", table, key, err)
	}
	return nil
}

func (s *SQLiteStore) kvDelete(ctx context.Context, table, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("storage: delete %s %q: %w", table, key, err)
	}
	return nil
}

// GetSetting returns the setting value, or "" when unset.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	return s.kvGet(ctx, "settings", key)
}

// SetSetting upserts a setting.
func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	return s.kvSet(ctx, "settings", key, value)
}

// DeleteSetting removes a setting.
func (s *SQLiteStore) DeleteSetting(ctx context.Context, key string) error {
	return s.kvDelete(ctx, "settings", key)
}

// GetRiskValue returns the risk state value, or "" when unset.
func (s *SQLiteStore) GetRiskValue(ctx context.Context, key string) (string, error) {
	return s.kvGet(ctx, "risk_state", key)
}

// SetRiskValue upserts a risk state value.
func (s *SQLiteStore) SetRiskValue(ctx context.Context, key, value string) error {
	return s.kvSet(ctx, "risk_state", key, value)
}

// DeleteRiskValue removes a risk state value.
func (s *SQLiteStore) DeleteRiskValue(ctx context.Context, key string) error {
	return s.kvDelete(ctx, "risk_state", key)
}

// --- audit tables ---

// AppendBrokerEvent writes one broker interaction record.
func (s *SQLiteStore) AppendBrokerEvent(ctx context.Context, e *models.BrokerEvent) error {
	ok := 0
	if e.OK {
		ok = 1
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO broker_events
			(operation, symbol, expiration, order_id, status_code, ok, duration_ms, mode, error_message, strategy, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Operation, e.Symbol, e.Expiration, e.OrderID, e.StatusCode, ok, e.DurationMs,
		string(e.Mode), e.ErrorMessage, string(e.Strategy), fmtTime(created),
	)
	if err != nil {
		return fmt.Errorf("storage.AppendBrokerEvent: %w", err)
	}
	return nil
}

// ListBrokerEvents returns the newest broker events up to limit.
func (s *SQLiteStore) ListBrokerEvents(ctx context.Context, limit int) ([]models.BrokerEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation, symbol, expiration, order_id, status_code, ok, duration_ms, mode, error_message, strategy, created_at
		FROM broker_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.ListBrokerEvents: %w", err)
	}
	defer rows.Close()

	var events []models.BrokerEvent
	for rows.Next() {
		var e models.BrokerEvent
		var ok int
		var mode, strategy, createdAt string
		if err := rows.Scan(&e.ID, &e.Operation, &e.Symbol, &e.Expiration, &e.OrderID,
			&e.StatusCode, &ok, &e.DurationMs, &mode, &e.ErrorMessage, &strategy, &createdAt); err != nil {
			return nil, fmt.Errorf("storage.ListBrokerEvents: scan: %w", err)
		}
		e.OK = ok == 1
		e.Mode = models.TradingMode(mode)
		e.Strategy = models.Strategy(strategy)
		e.CreatedAt = parseTime(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// AppendSystemLog writes one structured log record.
func (s *SQLiteStore) AppendSystemLog(ctx context.Context, l *models.SystemLog) error {
	created := l.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_logs (log_type, message, details, created_at)
		VALUES (?, ?, ?, ?)`,
		l.LogType, l.Message, l.Details, fmtTime(created),
	)
	if err != nil {
		return fmt.Errorf("storage.AppendSystemLog: %w", err)
	}
	return nil
}

// ListSystemLogs returns the newest logs of a type (or all types when
// logType is empty) up to limit.
func (s *SQLiteStore) ListSystemLogs(ctx context.Context, logType string, limit int) ([]models.SystemLog, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, log_type, message, details, created_at FROM system_logs`
	args := []any{}
	if logType != "" {
		query += ` WHERE log_type = ?`
		args = append(args, logType)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.ListSystemLogs: %w", err)
	}
	defer rows.Close()

	var logs []models.SystemLog
	for rows.Next() {
		var l models.SystemLog
		var createdAt string
		if err := rows.Scan(&l.ID, &l.LogType, &l.Message, &l.Details, &createdAt); err != nil {
			return nil, fmt.Errorf("storage.ListSystemLogs: scan: %w", err)
		}
		l.CreatedAt = parseTime(createdAt)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
