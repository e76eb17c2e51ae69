package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/paygate/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS payments (
	id         TEXT PRIMARY KEY,
	caller_id  TEXT NOT NULL,
	endpoint   TEXT NOT NULL,
	amount_usd REAL NOT NULL,
	nonce      TEXT,
	status     TEXT NOT NULL DEFAULT 'confirmed',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS decisions (
	id         TEXT PRIMARY KEY,
	caller_id  TEXT NOT NULL,
	endpoint   TEXT NOT NULL,
	price_usd  REAL NOT NULL,
	allow      INTEGER NOT NULL,
	decision   TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS receipts (
	id            TEXT PRIMARY KEY,
	call_id       TEXT NOT NULL,
	payment_ref   TEXT,
	amount_usd    REAL NOT NULL,
	asset         TEXT NOT NULL,
	chain_id      INTEGER NOT NULL,
	seller        TEXT NOT NULL,
	buyer         TEXT NOT NULL,
	nonce         TEXT NOT NULL,
	expiry        DATETIME NOT NULL,
	signature     TEXT NOT NULL,
	request_hash  TEXT NOT NULL,
	response_hash TEXT NOT NULL,
	verified      INTEGER NOT NULL,
	created_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS nonces (
	nonce      TEXT PRIMARY KEY,
	expires_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_payments_caller_created ON payments(caller_id, created_at);
CREATE INDEX IF NOT EXISTS idx_decisions_caller_created ON decisions(caller_id, created_at);
CREATE INDEX IF NOT EXISTS idx_receipts_buyer ON receipts(buyer);
CREATE INDEX IF NOT EXISTS idx_nonces_expires_at ON nonces(expires_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SpendContext(ctx context.Context, callerID string) (model.SpendContext, error) {
	now := time.Now().UTC()
	sc := model.SpendContext{CallerID: callerID, AsOf: now}

	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_usd), 0), COUNT(*) FROM payments WHERE caller_id = ? AND created_at > ?`,
		callerID, now.Add(-DailyWindow),
	)
	if err := row.Scan(&sc.DailySpentUSD, &sc.DailyCallCount); err != nil {
		return sc, eris.Wrap(err, "sqlite: daily spend")
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_usd), 0) FROM payments WHERE caller_id = ? AND created_at > ?`,
		callerID, now.Add(-WeeklyWindow),
	)
	if err := row.Scan(&sc.WeeklySpentUSD); err != nil {
		return sc, eris.Wrap(err, "sqlite: weekly spend")
	}
	return sc, nil
}

func (s *SQLiteStore) RecordDecision(ctx context.Context, req model.PaymentRequest, d model.PolicyDecision) (*model.DecisionRecord, error) {
	rec := &model.DecisionRecord{
		ID:        uuid.New().String(),
		CallerID:  req.CallerID,
		Endpoint:  req.Endpoint,
		PriceUSD:  req.PriceUSD,
		Decision:  d,
		CreatedAt: time.Now().UTC(),
	}

	decisionJSON, err := json.Marshal(d)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal decision")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, caller_id, endpoint, price_usd, allow, decision, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CallerID, rec.Endpoint, rec.PriceUSD, boolToInt(d.Allow), string(decisionJSON), rec.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert decision")
	}
	return rec, nil
}

func (s *SQLiteStore) RecordPayment(ctx context.Context, callerID, endpoint, nonce string, amountUSD float64) (*model.PaymentRecord, error) {
	rec := &model.PaymentRecord{
		ID:        uuid.New().String(),
		CallerID:  callerID,
		Endpoint:  endpoint,
		AmountUSD: amountUSD,
		Nonce:     nonce,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payments (id, caller_id, endpoint, amount_usd, nonce, status, created_at) VALUES (?, ?, ?, ?, ?, 'confirmed', ?)`,
		rec.ID, rec.CallerID, rec.Endpoint, rec.AmountUSD, rec.Nonce, rec.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert payment")
	}
	return rec, nil
}

func (s *SQLiteStore) Reserve(ctx context.Context, callerID, endpoint string, amountUSD float64) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payments (id, caller_id, endpoint, amount_usd, status, created_at) VALUES (?, ?, ?, ?, 'pending', ?)`,
		id, callerID, endpoint, amountUSD, time.Now().UTC(),
	)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: insert reservation")
	}
	return id, nil
}

func (s *SQLiteStore) Commit(ctx context.Context, reservationID, nonce string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET status = 'confirmed', nonce = ? WHERE id = ? AND status = 'pending'`,
		nonce, reservationID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: commit reservation %s", reservationID)
	}
	return checkRowsAffected(res, "reservation", reservationID)
}

func (s *SQLiteStore) Release(ctx context.Context, reservationID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM payments WHERE id = ? AND status = 'pending'`,
		reservationID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: release reservation %s", reservationID)
	}
	return checkRowsAffected(res, "reservation", reservationID)
}

func (s *SQLiteStore) ListDecisions(ctx context.Context, filter DecisionFilter) ([]model.DecisionRecord, error) {
	query := `SELECT id, caller_id, endpoint, price_usd, decision, created_at FROM decisions WHERE 1=1`
	var args []any

	if filter.CallerID != "" {
		query += ` AND caller_id = ?`
		args = append(args, filter.CallerID)
	}
	if filter.AllowOnly {
		query += ` AND allow = 1`
	} else if filter.DenyOnly {
		query += ` AND allow = 0`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list decisions")
	}
	defer rows.Close()

	var recs []model.DecisionRecord
	for rows.Next() {
		var rec model.DecisionRecord
		var decisionJSON string
		if err := rows.Scan(&rec.ID, &rec.CallerID, &rec.Endpoint, &rec.PriceUSD, &decisionJSON, &rec.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan decision")
		}
		if err := json.Unmarshal([]byte(decisionJSON), &rec.Decision); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal decision")
		}
		recs = append(recs, rec)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: list decisions iterate")
}

// ReserveNonce marks a nonce spent via conditional upsert: the insert wins,
// or the update wins only when the existing reservation has expired. Either
// way the check-and-set is a single atomic statement.
func (s *SQLiteStore) ReserveNonce(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO nonces (nonce, expires_at) VALUES (?, ?)
		 ON CONFLICT(nonce) DO UPDATE SET expires_at = excluded.expires_at
		 WHERE nonces.expires_at <= ?`,
		nonce, now.Add(ttl), now,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: reserve nonce")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: reserve nonce rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) PurgeExpiredNonces(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM nonces WHERE expires_at <= ?`, time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: purge nonces")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) SaveReceipt(ctx context.Context, r model.Receipt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO receipts (id, call_id, payment_ref, amount_usd, asset, chain_id, seller, buyer, nonce, expiry,
		   signature, request_hash, response_hash, verified, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CallID, r.PaymentRef, r.AmountUSD, r.Asset, r.ChainID, r.Seller, r.Buyer, r.Nonce, r.Expiry,
		r.Signature, r.RequestHash, r.ResponseHash, boolToInt(r.Verified), r.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert receipt")
}

func (s *SQLiteStore) GetReceipt(ctx context.Context, id string) (*model.Receipt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, call_id, payment_ref, amount_usd, asset, chain_id, seller, buyer, nonce, expiry,
		   signature, request_hash, response_hash, verified, created_at
		 FROM receipts WHERE id = ?`, id,
	)
	return scanReceipt(row)
}

func (s *SQLiteStore) ListReceipts(ctx context.Context, filter ReceiptFilter) ([]model.Receipt, error) {
	query := `SELECT id, call_id, payment_ref, amount_usd, asset, chain_id, seller, buyer, nonce, expiry,
	   signature, request_hash, response_hash, verified, created_at FROM receipts WHERE 1=1`
	var args []any

	if filter.Buyer != "" {
		query += ` AND buyer = ?`
		args = append(args, filter.Buyer)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list receipts")
	}
	defer rows.Close()

	var receipts []model.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, *r)
	}
	return receipts, eris.Wrap(rows.Err(), "sqlite: list receipts iterate")
}

// helpers

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanReceipt(row scannable) (*model.Receipt, error) {
	var r model.Receipt
	var verified int

	err := row.Scan(&r.ID, &r.CallID, &r.PaymentRef, &r.AmountUSD, &r.Asset, &r.ChainID, &r.Seller, &r.Buyer,
		&r.Nonce, &r.Expiry, &r.Signature, &r.RequestHash, &r.ResponseHash, &verified, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("receipt not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan receipt")
	}
	r.Verified = verified != 0
	return &r, nil
}
