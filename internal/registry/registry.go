package registry

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Registry provides CRUD operations for tenants, products, API keys, and the
// webhook event audit table, backed by SQLite.
type Registry struct {
	db *sql.DB
}

// New opens (or creates) the registry database in dir.
func New(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	dbPath := filepath.Join(dir, "registry.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	r := &Registry{db: db}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenants (
		id                    TEXT PRIMARY KEY,
		name                  TEXT NOT NULL DEFAULT '',
		email                 TEXT NOT NULL DEFAULT '',
		stripe_api_key        TEXT NOT NULL DEFAULT '',
		stripe_webhook_secret TEXT NOT NULL DEFAULT '',
		created_at            INTEGER NOT NULL,
		updated_at            INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS products (
		tenant_id  TEXT NOT NULL,
		id         TEXT NOT NULL,
		name       TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);
	CREATE TABLE IF NOT EXISTS api_keys (
		secret_hash  TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		product_id   TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL,
		last_used_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_api_keys_tenant ON api_keys(tenant_id);
	CREATE TABLE IF NOT EXISTS webhook_events (
		tenant_id    TEXT NOT NULL,
		event_id     TEXT NOT NULL,
		event_type   TEXT NOT NULL DEFAULT '',
		processed_at INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, event_id)
	);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("init registry schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (r *Registry) Ping() error {
	return r.db.Ping()
}

// Close closes the underlying database connection.
func (r *Registry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CreateTenant inserts a new tenant record.
func (r *Registry) CreateTenant(t *Tenant) error {
	if t == nil {
		return fmt.Errorf("tenant is nil")
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := r.db.Exec(`
		INSERT INTO tenants (id, name, email, stripe_api_key, stripe_webhook_secret, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Email, t.StripeAPIKey, t.StripeWebhookSecret,
		t.CreatedAt.Unix(), t.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

// GetTenant retrieves a tenant by ID. Returns (nil, nil) when absent.
func (r *Registry) GetTenant(id string) (*Tenant, error) {
	row := r.db.QueryRow(`SELECT id, name, email, stripe_api_key, stripe_webhook_secret, created_at, updated_at
		FROM tenants WHERE id = ?`, id)
	return scanTenant(row)
}

// UpdateTenant modifies an existing tenant record.
func (r *Registry) UpdateTenant(t *Tenant) error {
	if t == nil {
		return fmt.Errorf("tenant is nil")
	}
	t.UpdatedAt = time.Now().UTC()

	res, err := r.db.Exec(`
		UPDATE tenants SET name = ?, email = ?, stripe_api_key = ?, stripe_webhook_secret = ?, updated_at = ?
		WHERE id = ?`,
		t.Name, t.Email, t.StripeAPIKey, t.StripeWebhookSecret, t.UpdatedAt.Unix(), t.ID,
	)
	if err != nil {
		return fmt.Errorf("update tenant: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("tenant %q not found", t.ID)
	}
	return nil
}

// ListTenants returns all tenants, newest first.
func (r *Registry) ListTenants() ([]*Tenant, error) {
	rows, err := r.db.Query(`SELECT id, name, email, stripe_api_key, stripe_webhook_secret, created_at, updated_at
		FROM tenants ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// CreateProduct inserts a new product under a tenant.
func (r *Registry) CreateProduct(p *Product) error {
	if p == nil {
		return fmt.Errorf("product is nil")
	}
	if !ValidProductID(p.ID) {
		return fmt.Errorf("invalid product id %q", p.ID)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(`INSERT INTO products (tenant_id, id, name, created_at) VALUES (?, ?, ?, ?)`,
		p.TenantID, p.ID, p.Name, p.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("create product: %w", err)
	}
	return nil
}

// GetProduct retrieves a product by tenant and product ID. Returns (nil, nil)
// when absent.
func (r *Registry) GetProduct(tenantID, productID string) (*Product, error) {
	row := r.db.QueryRow(`SELECT tenant_id, id, name, created_at FROM products WHERE tenant_id = ? AND id = ?`,
		tenantID, productID)
	var p Product
	var createdAt int64
	if err := row.Scan(&p.TenantID, &p.ID, &p.Name, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan product: %w", err)
	}
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &p, nil
}

// ListProducts returns all products under a tenant.
func (r *Registry) ListProducts(tenantID string) ([]*Product, error) {
	rows, err := r.db.Query(`SELECT tenant_id, id, name, created_at FROM products WHERE tenant_id = ? ORDER BY created_at DESC`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var products []*Product
	for rows.Next() {
		var p Product
		var createdAt int64
		if err := rows.Scan(&p.TenantID, &p.ID, &p.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		p.CreatedAt = time.Unix(createdAt, 0).UTC()
		products = append(products, &p)
	}
	return products, rows.Err()
}

// IssueAPIKey creates a new API key scoped to a tenant (and optionally a
// product) and returns the plaintext secret. The secret is not recoverable
// afterward; only its hash is stored.
func (r *Registry) IssueAPIKey(tenantID, productID string) (string, error) {
	secret, err := GenerateAPIKeySecret()
	if err != nil {
		return "", err
	}
	_, err = r.db.Exec(`INSERT INTO api_keys (secret_hash, tenant_id, product_id, created_at) VALUES (?, ?, ?, ?)`,
		hashSecret(secret), tenantID, productID, time.Now().UTC().Unix())
	if err != nil {
		return "", fmt.Errorf("issue api key: %w", err)
	}
	return secret, nil
}

// ResolveAPIKey looks up an API key by its plaintext secret and returns its
// scope. Returns (nil, nil) for unknown secrets.
func (r *Registry) ResolveAPIKey(secret string) (*APIKey, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, nil
	}
	hash := hashSecret(secret)
	row := r.db.QueryRow(`SELECT tenant_id, product_id, created_at, last_used_at FROM api_keys WHERE secret_hash = ?`, hash)

	var k APIKey
	var createdAt int64
	var lastUsed sql.NullInt64
	if err := row.Scan(&k.TenantID, &k.ProductID, &createdAt, &lastUsed); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan api key: %w", err)
	}
	k.CreatedAt = time.Unix(createdAt, 0).UTC()
	if lastUsed.Valid {
		ts := time.Unix(lastUsed.Int64, 0).UTC()
		k.LastUsedAt = &ts
	}

	_, _ = r.db.Exec(`UPDATE api_keys SET last_used_at = ? WHERE secret_hash = ?`, time.Now().UTC().Unix(), hash)
	return &k, nil
}

// HasProcessedEvent reports whether a webhook event has already been processed
// for the tenant. Used to short-circuit duplicate deliveries.
func (r *Registry) HasProcessedEvent(tenantID, eventID string) (bool, error) {
	row := r.db.QueryRow(`SELECT 1 FROM webhook_events WHERE tenant_id = ? AND event_id = ?`, tenantID, eventID)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("lookup webhook event: %w", err)
	}
	return true, nil
}

// RecordProcessedEvent writes the audit record for a successfully processed
// webhook event. A concurrent duplicate insert is not an error.
func (r *Registry) RecordProcessedEvent(tenantID, eventID, eventType string) error {
	_, err := r.db.Exec(`INSERT OR IGNORE INTO webhook_events (tenant_id, event_id, event_type, processed_at)
		VALUES (?, ?, ?, ?)`,
		tenantID, eventID, eventType, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("record webhook event: %w", err)
	}
	return nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTenant(s scanner) (*Tenant, error) {
	var t Tenant
	var createdAt, updatedAt int64
	err := s.Scan(&t.ID, &t.Name, &t.Email, &t.StripeAPIKey, &t.StripeWebhookSecret, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &t, nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
