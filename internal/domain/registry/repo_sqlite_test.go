package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/kamdental/extref/internal/platform/db"
)

func newSQLiteRepo(t *testing.T) Repository {
	t.Helper()
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewSQLiteRepo(conn)
}

// Both process-local backends must agree on the repository contract.
func TestRepositoryContract(t *testing.T) {
	backends := map[string]func(t *testing.T) Repository{
		"memory": func(*testing.T) Repository { return NewMemoryRepository() },
		"sqlite": newSQLiteRepo,
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()
			humble := "Humble"

			e := &StableEntity{EntityType: EntityClinic, StableCode: "KAMDENTAL_HUMBLE", CurrentInternalID: "A", DisplayName: &humble}
			if err := repo.Create(ctx, e); err != nil {
				t.Fatalf("Create() error: %v", err)
			}
			dup := &StableEntity{EntityType: EntityClinic, StableCode: "KAMDENTAL_HUMBLE", CurrentInternalID: "Z"}
			if err := repo.Create(ctx, dup); !errors.Is(err, ErrCodeTaken) {
				t.Errorf("expected ErrCodeTaken, got %v", err)
			}

			got, err := repo.GetByCode(ctx, EntityClinic, "KAMDENTAL_HUMBLE")
			if err != nil {
				t.Fatalf("GetByCode() error: %v", err)
			}
			if got.ID != e.ID || got.CurrentInternalID != "A" || got.DisplayName == nil || *got.DisplayName != "Humble" {
				t.Errorf("unexpected entity %+v", got)
			}

			byID, err := repo.GetLiveByInternalID(ctx, EntityClinic, "A")
			if err != nil || byID.StableCode != "KAMDENTAL_HUMBLE" {
				t.Errorf("GetLiveByInternalID() = %v, %v", byID, err)
			}

			if err := repo.UpdateInternalID(ctx, EntityClinic, "KAMDENTAL_HUMBLE", "B"); err != nil {
				t.Fatalf("UpdateInternalID() error: %v", err)
			}
			if _, err := repo.GetLiveByInternalID(ctx, EntityClinic, "A"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected old id to be gone, got %v", err)
			}

			if err := repo.Decommission(ctx, EntityClinic, "KAMDENTAL_HUMBLE"); err != nil {
				t.Fatalf("Decommission() error: %v", err)
			}
			if err := repo.UpdateInternalID(ctx, EntityClinic, "KAMDENTAL_HUMBLE", "C"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound updating a decommissioned code, got %v", err)
			}
			retired, err := repo.GetByCode(ctx, EntityClinic, "KAMDENTAL_HUMBLE")
			if err != nil || retired.Live() {
				t.Errorf("expected decommissioned row to remain readable, got %v, %v", retired, err)
			}

			if _, err := repo.GetByCode(ctx, EntityProvider, "KAMDENTAL_HUMBLE"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}

			for _, code := range []string{"PROV_A", "PROV_B", "PROV_C"} {
				if err := repo.Create(ctx, &StableEntity{EntityType: EntityProvider, StableCode: code, CurrentInternalID: code}); err != nil {
					t.Fatal(err)
				}
			}
			page, err := repo.ListLive(ctx, Cursor{EntityType: EntityProvider, StableCode: "PROV_A"}, 10)
			if err != nil {
				t.Fatalf("ListLive() error: %v", err)
			}
			if len(page) != 2 || page[0].StableCode != "PROV_B" {
				t.Errorf("unexpected keyset page %v", page)
			}

			items, total, err := repo.List(ctx, ListFilter{IncludeDecommissioned: true}, 2, 1)
			if err != nil {
				t.Fatalf("List() error: %v", err)
			}
			if total != 4 || len(items) != 2 || items[0].StableCode != "PROV_A" {
				t.Errorf("unexpected list page total=%d items=%d", total, len(items))
			}
		})
	}
}
