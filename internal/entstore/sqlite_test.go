package entstore

import (
	"context"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	end := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	row := &Row{
		TenantID:         "t-1",
		ProductID:        "blog",
		UserID:           "u-1",
		HasAccess:        true,
		SubscriptionID:   "sub_1",
		PlanCode:         "pro",
		Status:           "active",
		CurrentPeriodEnd: &end,
		UserEmail:        "u@example.com",
		ExpiresAt:        time.Now().Add(5 * time.Minute).Truncate(time.Second).UTC(),
	}
	if err := s.Put(ctx, row); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, "t-1", "blog", "u-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil for an existing row")
	}
	if !got.HasAccess || got.SubscriptionID != "sub_1" || got.PlanCode != "pro" || got.Status != "active" {
		t.Fatalf("row = %+v", got)
	}
	if got.CurrentPeriodEnd == nil || !got.CurrentPeriodEnd.Equal(end) {
		t.Fatalf("CurrentPeriodEnd = %v, want %v", got.CurrentPeriodEnd, end)
	}
	if !got.ExpiresAt.Equal(row.ExpiresAt) {
		t.Fatalf("ExpiresAt = %v, want %v", got.ExpiresAt, row.ExpiresAt)
	}
}

func TestSQLiteStoreMiss(t *testing.T) {
	s := newTestSQLiteStore(t)
	got, err := s.Get(context.Background(), "t-1", "blog", "nobody")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected (nil, nil) miss, got %+v", got)
	}
}

func TestSQLiteStoreOverwrite(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	first := &Row{
		TenantID: "t-1", ProductID: "blog", UserID: "u-1",
		HasAccess: true, SubscriptionID: "sub_1", Status: "active",
		ExpiresAt: time.Now().Add(5 * time.Minute).UTC(),
	}
	if err := s.Put(ctx, first); err != nil {
		t.Fatalf("Put first: %v", err)
	}

	// Last writer wins: the deny fully replaces the grant.
	second := &Row{
		TenantID: "t-1", ProductID: "blog", UserID: "u-1",
		HasAccess: false, Status: "canceled",
		ExpiresAt: time.Now().Add(time.Minute).UTC(),
	}
	if err := s.Put(ctx, second); err != nil {
		t.Fatalf("Put second: %v", err)
	}

	got, err := s.Get(ctx, "t-1", "blog", "u-1")
	if err != nil || got == nil {
		t.Fatalf("Get: %v, %v", got, err)
	}
	if got.HasAccess || got.Status != "canceled" || got.SubscriptionID != "" {
		t.Fatalf("overwrite left stale fields: %+v", got)
	}
}

func TestSQLiteStoreReturnsExpiredRows(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	expired := &Row{
		TenantID: "t-1", ProductID: "blog", UserID: "u-1",
		HasAccess: true,
		ExpiresAt: time.Now().Add(-time.Hour).UTC(),
	}
	if err := s.Put(ctx, expired); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, "t-1", "blog", "u-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expired rows are returned as-is until reaped")
	}
	if got.Fresh(time.Now()) {
		t.Fatal("expired row must not report fresh")
	}
}

func TestSQLiteStoreReap(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	expired := &Row{
		TenantID: "t-1", ProductID: "blog", UserID: "gone",
		ExpiresAt: time.Now().Add(-time.Hour).UTC(),
	}
	live := &Row{
		TenantID: "t-1", ProductID: "blog", UserID: "here",
		HasAccess: true,
		ExpiresAt: time.Now().Add(time.Hour).UTC(),
	}
	if err := s.Put(ctx, expired); err != nil {
		t.Fatalf("Put expired: %v", err)
	}
	if err := s.Put(ctx, live); err != nil {
		t.Fatalf("Put live: %v", err)
	}

	s.reap(ctx)

	if got, _ := s.Get(ctx, "t-1", "blog", "gone"); got != nil {
		t.Fatalf("reap left expired row: %+v", got)
	}
	if got, _ := s.Get(ctx, "t-1", "blog", "here"); got == nil {
		t.Fatal("reap removed a live row")
	}
}

func TestRowFresh(t *testing.T) {
	now := time.Now()
	var nilRow *Row
	if nilRow.Fresh(now) {
		t.Fatal("nil row must not be fresh")
	}
	if (&Row{ExpiresAt: now.Add(-time.Second)}).Fresh(now) {
		t.Fatal("past expiry must not be fresh")
	}
	if !(&Row{ExpiresAt: now.Add(time.Second)}).Fresh(now) {
		t.Fatal("future expiry must be fresh")
	}
	if (&Row{ExpiresAt: now}).Fresh(now) {
		t.Fatal("the boundary instant is already stale")
	}
}
