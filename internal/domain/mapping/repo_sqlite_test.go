package mapping

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kamdental/extref/internal/domain/registry"
	"github.com/kamdental/extref/internal/platform/db"
)

// backend opens a mapping repository whose registry already holds codes.
type backend func(t *testing.T, codes ...string) Repository

func memoryBackend(t *testing.T, codes ...string) Repository {
	regRepo := registry.NewMemoryRepository()
	seed(t, regRepo, codes)
	return NewMemoryRepository(RegistryChecker(regRepo))
}

func sqliteBackend(t *testing.T, codes ...string) Repository {
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "mapping.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	seed(t, registry.NewSQLiteRepo(conn), codes)
	return NewSQLiteRepo(conn)
}

func seed(t *testing.T, repo registry.Repository, codes []string) {
	t.Helper()
	for _, code := range codes {
		e := &registry.StableEntity{EntityType: registry.EntityClinic, StableCode: code, CurrentInternalID: code + "-id"}
		if err := repo.Create(context.Background(), e); err != nil {
			t.Fatalf("seed %s: %v", code, err)
		}
	}
}

func TestRepositoryContract(t *testing.T) {
	for name, open := range map[string]backend{"memory": memoryBackend, "sqlite": sqliteBackend} {
		t.Run(name, func(t *testing.T) {
			repo := open(t, "KAMDENTAL_HUMBLE", "KAMDENTAL_KATY")
			ctx := context.Background()
			verified := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

			m := &ExternalMapping{
				SystemName: "dentist_sync", ExternalID: "HUMBLE_CLINIC", EntityType: registry.EntityClinic,
				StableCode: "KAMDENTAL_HUMBLE", InternalID: "A", LastVerifiedAt: verified,
			}
			if err := repo.Upsert(ctx, m); err != nil {
				t.Fatalf("Upsert() error: %v", err)
			}
			if m.ID == uuid.Nil {
				t.Fatal("expected Upsert to fill the id")
			}

			orphan := &ExternalMapping{
				SystemName: "dentist_sync", ExternalID: "GHOST", EntityType: registry.EntityClinic,
				StableCode: "NEVER_ISSUED", InternalID: "Z", LastVerifiedAt: verified,
			}
			if err := repo.Upsert(ctx, orphan); !errors.Is(err, ErrBindTargetNotFound) {
				t.Errorf("expected ErrBindTargetNotFound for an unknown code, got %v", err)
			}

			got, err := repo.GetByKey(ctx, m.Key())
			if err != nil {
				t.Fatalf("GetByKey() error: %v", err)
			}
			if got.InternalID != "A" || !got.LastVerifiedAt.Equal(verified) || got.Unresolved {
				t.Errorf("unexpected row %+v", got)
			}

			if err := repo.MarkUnresolved(ctx, m.ID, "KAMDENTAL_HUMBLE", "stable code not found"); err != nil {
				t.Fatalf("MarkUnresolved() error: %v", err)
			}
			got, _ = repo.GetByKey(ctx, m.Key())
			if !got.Unresolved || got.InternalID != "A" || got.UnresolvedReason == nil {
				t.Errorf("expected flagged row keeping its id, got %+v", got)
			}

			later := verified.Add(time.Hour)
			if err := repo.MarkVerified(ctx, m.ID, "KAMDENTAL_HUMBLE", "B", later); err != nil {
				t.Fatalf("MarkVerified() error: %v", err)
			}
			got, _ = repo.GetByKey(ctx, m.Key())
			if got.Unresolved || got.InternalID != "B" || !got.LastVerifiedAt.Equal(later) {
				t.Errorf("expected repaired row, got %+v", got)
			}

			if err := repo.MarkVerified(ctx, m.ID, "KAMDENTAL_KATY", "K", later); !errors.Is(err, ErrConcurrentChange) {
				t.Errorf("expected ErrConcurrentChange for a stale code, got %v", err)
			}

			second := &ExternalMapping{
				SystemName: "billing_sync", ExternalID: "KATY", EntityType: registry.EntityClinic,
				StableCode: "KAMDENTAL_KATY", InternalID: "K", LastVerifiedAt: verified,
			}
			if err := repo.Upsert(ctx, second); err != nil {
				t.Fatal(err)
			}

			all, err := repo.ListBatch(ctx, "", uuid.Nil, 10)
			if err != nil || len(all) != 2 {
				t.Fatalf("ListBatch() = %d rows, %v", len(all), err)
			}
			if all[0].ID.String() > all[1].ID.String() {
				t.Error("expected batch ordered by id")
			}
			rest, _ := repo.ListBatch(ctx, "", all[0].ID, 10)
			if len(rest) != 1 || rest[0].ID != all[1].ID {
				t.Errorf("expected keyset continuation to return the second row")
			}
			scoped, _ := repo.ListBatch(ctx, "billing_sync", uuid.Nil, 10)
			if len(scoped) != 1 || scoped[0].SystemName != "billing_sync" {
				t.Errorf("expected system scoped batch, got %d rows", len(scoped))
			}

			items, total, err := repo.List(ctx, ListFilter{SystemName: "dentist_sync"}, 10, 0)
			if err != nil || total != 1 || len(items) != 1 {
				t.Errorf("List() = %d/%d, %v", len(items), total, err)
			}

			if err := repo.Decommission(ctx, m.Key()); err != nil {
				t.Fatalf("Decommission() error: %v", err)
			}
			if _, err := repo.GetByKey(ctx, m.Key()); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected decommissioned row to be hidden, got %v", err)
			}
			if err := repo.MarkVerified(ctx, m.ID, "KAMDENTAL_HUMBLE", "C", later); !errors.Is(err, ErrConcurrentChange) {
				t.Errorf("expected decommissioned row to be skipped by reconciliation, got %v", err)
			}

			revived := &ExternalMapping{
				SystemName: "dentist_sync", ExternalID: "HUMBLE_CLINIC", EntityType: registry.EntityClinic,
				StableCode: "KAMDENTAL_HUMBLE", InternalID: "B", LastVerifiedAt: later,
			}
			if err := repo.Upsert(ctx, revived); err != nil {
				t.Fatal(err)
			}
			if revived.ID != m.ID {
				t.Error("expected revival to keep the original row id")
			}
		})
	}
}
