//go:build integration

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docgate-service/internal/model"
)

func TestPostgresAPIKeyArchiveIntegration(t *testing.T) {
	ctx := context.Background()
	pg := setupIntegrationStore(t)

	created := time.Now().UTC().Truncate(time.Microsecond)
	key := &model.APIKey{
		ID:          uuid.NewString(),
		KeyHash:     "hash-" + uuid.NewString(),
		Owner:       "integration-owner",
		Role:        model.RolePremium,
		Class:       model.KeyClassTemporary,
		CreatedAt:   created,
		ExpiresAt:   model.KeyClassTemporary.ExpiresAt(created),
		Active:      true,
		Description: "integration key",
		IPAllowList: []string{"10.0.0.1", "10.0.0.2"},
	}

	if err := pg.ArchiveAPIKey(ctx, key); err != nil {
		t.Fatalf("archive api key: %v", err)
	}
	if err := pg.ArchiveAPIKey(ctx, key); err != nil {
		t.Fatalf("archive is idempotent, got: %v", err)
	}

	got, err := pg.GetArchivedAPIKey(ctx, key.ID)
	if err != nil {
		t.Fatalf("get archived key: %v", err)
	}
	if got.Role != model.RolePremium {
		t.Fatalf("unexpected role: got %s want %s", got.Role, model.RolePremium)
	}
	if len(got.IPAllowList) != 2 {
		t.Fatalf("unexpected allow list: %v", got.IPAllowList)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(*key.ExpiresAt) {
		t.Fatalf("unexpected expires_at: got %v want %v", got.ExpiresAt, key.ExpiresAt)
	}

	if err := pg.MarkAPIKeyRevoked(ctx, key.ID, time.Now()); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	got, err = pg.GetArchivedAPIKey(ctx, key.ID)
	if err != nil {
		t.Fatalf("get revoked key: %v", err)
	}
	if got.Active {
		t.Fatal("expected archived key to be inactive after revoke")
	}

	if err := pg.MarkAPIKeyRevoked(ctx, "missing", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := pg.GetArchivedAPIKey(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresAdmissionEventsIntegration(t *testing.T) {
	ctx := context.Background()
	pg := setupIntegrationStore(t)

	retry := 30
	events := []*model.AdmissionEvent{
		{Kind: model.EventDenied, Identity: "user:a", ClientIP: "10.0.0.1", Reason: string(model.ReasonRateLimitExceeded), RetryAfter: &retry},
		{Kind: model.EventAuthFailed, ClientIP: "10.0.0.2", Reason: "invalid API key"},
		{Kind: model.EventDenied, Identity: "user:b", ClientIP: "10.0.0.1", Reason: string(model.ReasonIPBlocked)},
	}
	for _, e := range events {
		if err := pg.CreateAdmissionEvent(ctx, e); err != nil {
			t.Fatalf("create event: %v", err)
		}
		if e.ID == uuid.Nil {
			t.Fatal("expected generated event ID")
		}
	}

	denied := model.EventDenied
	list, total, err := pg.ListAdmissionEvents(ctx, EventFilters{Kind: &denied})
	if err != nil {
		t.Fatalf("list denied: %v", err)
	}
	if total != 2 || len(list) != 2 {
		t.Fatalf("unexpected denied count: total=%d len=%d", total, len(list))
	}

	list, total, err = pg.ListAdmissionEvents(ctx, EventFilters{ClientIP: "10.0.0.2"})
	if err != nil {
		t.Fatalf("list by ip: %v", err)
	}
	if total != 1 || list[0].Reason != "invalid API key" || list[0].Identity != "" {
		t.Fatalf("unexpected events by ip: total=%d first=%+v", total, list[0])
	}

	list, total, err = pg.ListAdmissionEvents(ctx, EventFilters{Page: 2, PerPage: 2})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if total != 3 || len(list) != 1 {
		t.Fatalf("unexpected pagination: total=%d len=%d", total, len(list))
	}
}

func setupIntegrationStore(t *testing.T) *Postgres {
	t.Helper()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	migrationsDir := repoMigrationsDir(t)
	m, err := migrate.New("file://"+migrationsDir, databaseURL)
	if err != nil {
		t.Fatalf("init migrate: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		t.Fatalf("apply migrations: %v", err)
	}
	if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
		t.Fatalf("close migrator: source=%v database=%v", srcErr, dbErr)
	}

	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("ping pg: %v", err)
	}

	if _, err := pool.Exec(context.Background(), `TRUNCATE TABLE admission_events, api_keys`); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}

	return NewPostgres(pool)
}

func repoMigrationsDir(t *testing.T) string {
	t.Helper()

	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("failed to resolve test file path")
	}
	root := filepath.Clean(filepath.Join(filepath.Dir(filename), "..", ".."))
	return filepath.Join(root, "migrations")
}
