package entstore

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const reapInterval = 5 * time.Minute

// SQLiteStore is the default entitlement store, backed by a single-file
// SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the entitlement database in dir.
func NewSQLiteStore(dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create entitlement store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "entitlements.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open entitlement db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entitlements (
		tenant_id          TEXT NOT NULL,
		product_id         TEXT NOT NULL,
		user_id            TEXT NOT NULL,
		has_access         INTEGER NOT NULL DEFAULT 0,
		subscription_id    TEXT NOT NULL DEFAULT '',
		plan_code          TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL DEFAULT '',
		current_period_end INTEGER,
		user_email         TEXT NOT NULL DEFAULT '',
		expires_at         INTEGER NOT NULL,
		updated_at         INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, product_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_entitlements_expires ON entitlements(expires_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init entitlement schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get retrieves the row for (tenant, product, user). Returns (nil, nil) when
// absent. Expired rows are returned as-is; the caller checks freshness.
func (s *SQLiteStore) Get(ctx context.Context, tenantID, productID, userID string) (*Row, error) {
	row := s.db.QueryRowContext(ctx, `SELECT
		tenant_id, product_id, user_id, has_access,
		subscription_id, plan_code, status, current_period_end, user_email,
		expires_at, updated_at
		FROM entitlements WHERE tenant_id = ? AND product_id = ? AND user_id = ?`,
		tenantID, productID, userID)

	var r Row
	var hasAccess int
	var periodEnd sql.NullInt64
	var expiresAt, updatedAt int64
	err := row.Scan(
		&r.TenantID, &r.ProductID, &r.UserID, &hasAccess,
		&r.SubscriptionID, &r.PlanCode, &r.Status, &periodEnd, &r.UserEmail,
		&expiresAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan entitlement: %w", err)
	}

	r.HasAccess = hasAccess != 0
	if periodEnd.Valid {
		ts := time.Unix(periodEnd.Int64, 0).UTC()
		r.CurrentPeriodEnd = &ts
	}
	r.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	r.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &r, nil
}

// Put fully replaces the row for its key.
func (s *SQLiteStore) Put(ctx context.Context, row *Row) error {
	if row == nil {
		return fmt.Errorf("entitlement row is nil")
	}
	row.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entitlements (
			tenant_id, product_id, user_id, has_access,
			subscription_id, plan_code, status, current_period_end, user_email,
			expires_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, product_id, user_id) DO UPDATE SET
			has_access = excluded.has_access,
			subscription_id = excluded.subscription_id,
			plan_code = excluded.plan_code,
			status = excluded.status,
			current_period_end = excluded.current_period_end,
			user_email = excluded.user_email,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		row.TenantID, row.ProductID, row.UserID, boolToInt(row.HasAccess),
		row.SubscriptionID, row.PlanCode, row.Status, nullableTimeUnix(row.CurrentPeriodEnd), row.UserEmail,
		row.ExpiresAt.Unix(), row.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("put entitlement: %w", err)
	}
	return nil
}

// Run reaps expired rows until ctx is cancelled. Reaping is housekeeping
// only; correctness never depends on it because readers check expires_at.
func (s *SQLiteStore) Run(ctx context.Context) {
	log.Info().Msg("Entitlement store reaper started")

	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Entitlement store reaper stopped")
			return
		case <-ticker.C:
			s.reap(ctx)
		}
	}
}

func (s *SQLiteStore) reap(ctx context.Context) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entitlements WHERE expires_at < ?`, time.Now().UTC().Unix())
	if err != nil {
		log.Error().Err(err).Msg("Entitlement reaper: delete failed")
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Debug().Int64("rows", n).Msg("Entitlement reaper: removed expired rows")
	}
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
