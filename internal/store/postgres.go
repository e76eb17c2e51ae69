package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/paygate/internal/db"
	"github.com/sells-group/paygate/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for the
// hot per-request path (spend reads and nonce reservation).
var preparedStatements = map[string]string{
	"daily_spend":    `SELECT COALESCE(SUM(amount_usd), 0), COUNT(*) FROM payments WHERE caller_id = $1 AND created_at > $2`,
	"weekly_spend":   `SELECT COALESCE(SUM(amount_usd), 0) FROM payments WHERE caller_id = $1 AND created_at > $2`,
	"insert_payment": `INSERT INTO payments (id, caller_id, endpoint, amount_usd, nonce, status, created_at) VALUES ($1, $2, $3, $4, $5, 'confirmed', $6)`,
	"reserve_nonce": `INSERT INTO nonces (nonce, expires_at) VALUES ($1, $2)
		ON CONFLICT (nonce) DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE nonces.expires_at <= $3`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool; used by tests with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS payments (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	caller_id  TEXT NOT NULL,
	endpoint   TEXT NOT NULL,
	amount_usd DOUBLE PRECISION NOT NULL,
	nonce      TEXT,
	status     TEXT NOT NULL DEFAULT 'confirmed',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS decisions (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	caller_id  TEXT NOT NULL,
	endpoint   TEXT NOT NULL,
	price_usd  DOUBLE PRECISION NOT NULL,
	allow      BOOLEAN NOT NULL,
	decision   JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS receipts (
	id            TEXT PRIMARY KEY,
	call_id       TEXT NOT NULL,
	payment_ref   TEXT,
	amount_usd    DOUBLE PRECISION NOT NULL,
	asset         TEXT NOT NULL,
	chain_id      BIGINT NOT NULL,
	seller        TEXT NOT NULL,
	buyer         TEXT NOT NULL,
	nonce         TEXT NOT NULL,
	expiry        TIMESTAMPTZ NOT NULL,
	signature     TEXT NOT NULL,
	request_hash  TEXT NOT NULL,
	response_hash TEXT NOT NULL,
	verified      BOOLEAN NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS nonces (
	nonce      TEXT PRIMARY KEY,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_payments_caller_created ON payments(caller_id, created_at);
CREATE INDEX IF NOT EXISTS idx_decisions_caller_created ON decisions(caller_id, created_at);
CREATE INDEX IF NOT EXISTS idx_receipts_buyer ON receipts(buyer);
CREATE INDEX IF NOT EXISTS idx_nonces_expires_at ON nonces(expires_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) SpendContext(ctx context.Context, callerID string) (model.SpendContext, error) {
	now := time.Now().UTC()
	sc := model.SpendContext{CallerID: callerID, AsOf: now}

	row := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_usd), 0), COUNT(*) FROM payments WHERE caller_id = $1 AND created_at > $2`,
		callerID, now.Add(-DailyWindow),
	)
	if err := row.Scan(&sc.DailySpentUSD, &sc.DailyCallCount); err != nil {
		return sc, eris.Wrap(err, "postgres: daily spend")
	}

	row = s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_usd), 0) FROM payments WHERE caller_id = $1 AND created_at > $2`,
		callerID, now.Add(-WeeklyWindow),
	)
	if err := row.Scan(&sc.WeeklySpentUSD); err != nil {
		return sc, eris.Wrap(err, "postgres: weekly spend")
	}
	return sc, nil
}

func (s *PostgresStore) RecordDecision(ctx context.Context, req model.PaymentRequest, d model.PolicyDecision) (*model.DecisionRecord, error) {
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
		return nil, eris.Wrap(err, "postgres: marshal decision")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO decisions (id, caller_id, endpoint, price_usd, allow, decision, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.CallerID, rec.Endpoint, rec.PriceUSD, d.Allow, decisionJSON, rec.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert decision")
	}
	return rec, nil
}

func (s *PostgresStore) RecordPayment(ctx context.Context, callerID, endpoint, nonce string, amountUSD float64) (*model.PaymentRecord, error) {
	rec := &model.PaymentRecord{
		ID:        uuid.New().String(),
		CallerID:  callerID,
		Endpoint:  endpoint,
		AmountUSD: amountUSD,
		Nonce:     nonce,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO payments (id, caller_id, endpoint, amount_usd, nonce, status, created_at) VALUES ($1, $2, $3, $4, $5, 'confirmed', $6)`,
		rec.ID, rec.CallerID, rec.Endpoint, rec.AmountUSD, rec.Nonce, rec.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert payment")
	}
	return rec, nil
}

func (s *PostgresStore) Reserve(ctx context.Context, callerID, endpoint string, amountUSD float64) (string, error) {
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO payments (id, caller_id, endpoint, amount_usd, status, created_at) VALUES ($1, $2, $3, $4, 'pending', $5)`,
		id, callerID, endpoint, amountUSD, time.Now().UTC(),
	)
	if err != nil {
		return "", eris.Wrap(err, "postgres: insert reservation")
	}
	return id, nil
}

func (s *PostgresStore) Commit(ctx context.Context, reservationID, nonce string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payments SET status = 'confirmed', nonce = $1 WHERE id = $2 AND status = 'pending'`,
		nonce, reservationID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: commit reservation %s", reservationID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("reservation not found: %s", reservationID)
	}
	return nil
}

func (s *PostgresStore) Release(ctx context.Context, reservationID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM payments WHERE id = $1 AND status = 'pending'`,
		reservationID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: release reservation %s", reservationID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("reservation not found: %s", reservationID)
	}
	return nil
}

func (s *PostgresStore) ListDecisions(ctx context.Context, filter DecisionFilter) ([]model.DecisionRecord, error) {
	query := `SELECT id, caller_id, endpoint, price_usd, decision, created_at FROM decisions WHERE 1=1`
	var args []any

	if filter.CallerID != "" {
		args = append(args, filter.CallerID)
		query += ` AND caller_id = $1`
	}
	if filter.AllowOnly {
		query += ` AND allow`
	} else if filter.DenyOnly {
		query += ` AND NOT allow`
	}
	args = append(args, limitOrDefault(filter.Limit))
	query += ` ORDER BY created_at DESC LIMIT $` + itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list decisions")
	}
	defer rows.Close()

	var recs []model.DecisionRecord
	for rows.Next() {
		var rec model.DecisionRecord
		var decisionJSON []byte
		if err := rows.Scan(&rec.ID, &rec.CallerID, &rec.Endpoint, &rec.PriceUSD, &decisionJSON, &rec.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan decision")
		}
		if err := json.Unmarshal(decisionJSON, &rec.Decision); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal decision")
		}
		recs = append(recs, rec)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: list decisions iterate")
}

func (s *PostgresStore) ReserveNonce(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO nonces (nonce, expires_at) VALUES ($1, $2)
		 ON CONFLICT (nonce) DO UPDATE SET expires_at = EXCLUDED.expires_at
		 WHERE nonces.expires_at <= $3`,
		nonce, now.Add(ttl), now,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: reserve nonce")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) PurgeExpiredNonces(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM nonces WHERE expires_at <= $1`, time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: purge nonces")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) SaveReceipt(ctx context.Context, r model.Receipt) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO receipts (id, call_id, payment_ref, amount_usd, asset, chain_id, seller, buyer, nonce, expiry,
		   signature, request_hash, response_hash, verified, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.CallID, r.PaymentRef, r.AmountUSD, r.Asset, r.ChainID, r.Seller, r.Buyer, r.Nonce, r.Expiry,
		r.Signature, r.RequestHash, r.ResponseHash, r.Verified, r.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert receipt")
}

func (s *PostgresStore) GetReceipt(ctx context.Context, id string) (*model.Receipt, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, call_id, payment_ref, amount_usd, asset, chain_id, seller, buyer, nonce, expiry,
		   signature, request_hash, response_hash, verified, created_at
		 FROM receipts WHERE id = $1`, id,
	)

	var r model.Receipt
	err := row.Scan(&r.ID, &r.CallID, &r.PaymentRef, &r.AmountUSD, &r.Asset, &r.ChainID, &r.Seller, &r.Buyer,
		&r.Nonce, &r.Expiry, &r.Signature, &r.RequestHash, &r.ResponseHash, &r.Verified, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.New("receipt not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan receipt")
	}
	return &r, nil
}

func (s *PostgresStore) ListReceipts(ctx context.Context, filter ReceiptFilter) ([]model.Receipt, error) {
	query := `SELECT id, call_id, payment_ref, amount_usd, asset, chain_id, seller, buyer, nonce, expiry,
	   signature, request_hash, response_hash, verified, created_at FROM receipts WHERE 1=1`
	var args []any

	if filter.Buyer != "" {
		args = append(args, filter.Buyer)
		query += ` AND buyer = $1`
	}
	args = append(args, limitOrDefault(filter.Limit))
	query += ` ORDER BY created_at DESC LIMIT $` + itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list receipts")
	}
	defer rows.Close()

	var receipts []model.Receipt
	for rows.Next() {
		var r model.Receipt
		if err := rows.Scan(&r.ID, &r.CallID, &r.PaymentRef, &r.AmountUSD, &r.Asset, &r.ChainID, &r.Seller, &r.Buyer,
			&r.Nonce, &r.Expiry, &r.Signature, &r.RequestHash, &r.ResponseHash, &r.Verified, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan receipt")
		}
		receipts = append(receipts, r)
	}
	return receipts, eris.Wrap(rows.Err(), "postgres: list receipts iterate")
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
