package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamdental/extref/internal/domain/mapping"
	"github.com/kamdental/extref/internal/domain/registry"
	"github.com/kamdental/extref/internal/platform/db"
	"github.com/kamdental/extref/internal/platform/lock"
	"github.com/kamdental/extref/internal/platform/telemetry"
)

type fixture struct {
	codes    *registry.Service
	source   *registry.MemorySource
	mappings *mapping.Service
	repo     mapping.Repository
	runs     RunRepository
	locker   *lock.Local
	deps     Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	regRepo := registry.NewMemoryRepository()
	codes := registry.NewService(regRepo, zerolog.Nop())
	metrics := telemetry.NewMetrics()
	repo := mapping.NewMemoryRepository(mapping.RegistryChecker(regRepo))
	mappings := mapping.NewService(repo, codes, metrics, zerolog.Nop())
	f := &fixture{
		codes:    codes,
		source:   registry.NewMemorySource(),
		mappings: mappings,
		repo:     repo,
		runs:     NewMemoryRepository(),
		locker:   lock.NewLocal(),
	}
	f.deps = Deps{
		Registry:  codes,
		Source:    f.source,
		Resolver:  mappings,
		Mappings:  repo,
		Runs:      f.runs,
		Locker:    f.locker,
		Metrics:   metrics,
		BatchSize: 5,
	}
	return f
}

func (f *fixture) job() *Job {
	return NewJob(f.deps, zerolog.Nop())
}

// entity registers code with internal id in both the registry and the
// simulated primary store.
func (f *fixture) entity(t *testing.T, et registry.EntityType, code, id string) {
	t.Helper()
	_, _, err := f.codes.AssignCode(context.Background(), registry.AssignRequest{EntityType: et, InternalID: id, Code: code})
	require.NoError(t, err)
	f.source.Set(et, code, id)
}

func (f *fixture) bind(t *testing.T, system, externalID string, et registry.EntityType, code string) {
	t.Helper()
	_, err := f.mappings.Bind(context.Background(), mapping.BindRequest{
		Key:        mapping.Key{SystemName: system, ExternalID: mapping.ExternalID(externalID), EntityType: et},
		StableCode: code,
	})
	require.NoError(t, err)
}

var humbleKey = mapping.Key{SystemName: "dentist_sync", ExternalID: "HUMBLE_CLINIC", EntityType: registry.EntityClinic}

func TestRun_ReseedRepairsMapping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.entity(t, registry.EntityClinic, "KAMDENTAL_HUMBLE", "A")
	f.bind(t, "dentist_sync", "HUMBLE_CLINIC", registry.EntityClinic, "KAMDENTAL_HUMBLE")

	f.source.Set(registry.EntityClinic, "KAMDENTAL_HUMBLE", "B")

	sum, err := f.job().Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, sum.Status)
	assert.Equal(t, 1, sum.RegistryRepaired)
	assert.Equal(t, 1, sum.Scanned)
	assert.Equal(t, 1, sum.Repaired)
	assert.Equal(t, 0, sum.Unresolved)
	assert.Empty(t, sum.UnresolvedRows)

	id, err := f.mappings.ResolveByExternalRef(ctx, humbleKey)
	require.NoError(t, err)
	assert.Equal(t, "B", id)
}

func TestRun_RegistryRebindWithoutSource(t *testing.T) {
	f := newFixture(t)
	f.deps.Source = nil
	ctx := context.Background()
	f.entity(t, registry.EntityClinic, "KAMDENTAL_HUMBLE", "A")
	f.bind(t, "dentist_sync", "HUMBLE_CLINIC", registry.EntityClinic, "KAMDENTAL_HUMBLE")

	_, err := f.codes.Rebind(ctx, registry.EntityClinic, "KAMDENTAL_HUMBLE", "B")
	require.NoError(t, err)

	sum, err := f.job().Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, sum.RegistryRepaired)
	assert.Equal(t, 1, sum.Repaired)

	id, err := f.mappings.ResolveByExternalRef(ctx, humbleKey)
	require.NoError(t, err)
	assert.Equal(t, "B", id)
}

func TestRun_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.entity(t, registry.EntityClinic, "KAMDENTAL_HUMBLE", "A")
	f.entity(t, registry.EntityClinic, "KAMDENTAL_KATY", "K")
	f.bind(t, "dentist_sync", "HUMBLE_CLINIC", registry.EntityClinic, "KAMDENTAL_HUMBLE")
	f.bind(t, "dentist_sync", "KATY_CLINIC", registry.EntityClinic, "KAMDENTAL_KATY")
	f.source.Reseed(func(_ registry.EntityType, _, old string) string { return old + "-2" })

	first, err := f.job().Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, first.Repaired)

	second, err := f.job().Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, second.Repaired)
	assert.Equal(t, 0, second.RegistryRepaired)
	assert.Equal(t, 2, second.Unchanged)
	assert.Equal(t, StatusCompleted, second.Status)
}

func TestRun_PartialUnresolved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.entity(t, registry.EntityClinic, "KAMDENTAL_HUMBLE", "A")
	f.entity(t, registry.EntityProvider, "PROV_CHINYERE_ENIH", "P1")
	f.bind(t, "dentist_sync", "HUMBLE_CLINIC", registry.EntityClinic, "KAMDENTAL_HUMBLE")
	f.bind(t, "production_sheets", "Dr Chinyere Enih Production", registry.EntityProvider, "PROV_CHINYERE_ENIH")

	require.NoError(t, f.codes.Decommission(ctx, registry.EntityProvider, "PROV_CHINYERE_ENIH"))
	f.source.Delete(registry.EntityProvider, "PROV_CHINYERE_ENIH")
	f.source.Set(registry.EntityClinic, "KAMDENTAL_HUMBLE", "B")

	sum, err := f.job().Run(ctx, Options{})
	require.NoError(t, err, "unresolved rows must not fail the run")
	assert.Equal(t, StatusPartial, sum.Status)
	assert.Equal(t, 2, sum.Scanned)
	assert.Equal(t, 1, sum.Repaired)
	assert.Equal(t, 1, sum.Unresolved)
	require.Len(t, sum.UnresolvedRows, 1)
	row := sum.UnresolvedRows[0]
	assert.Equal(t, "production_sheets", row.SystemName)
	assert.Equal(t, "Dr Chinyere Enih Production", row.ExternalID)
	assert.Equal(t, "P1", row.InternalID, "unresolved rows keep their last known id")
	assert.Contains(t, sum.String(), "unresolved: production_sheets/provider/Dr Chinyere Enih Production")

	_, err = f.mappings.ResolveByExternalRef(ctx, mapping.Key{
		SystemName: "production_sheets", ExternalID: "Dr Chinyere Enih Production", EntityType: registry.EntityProvider,
	})
	assert.ErrorIs(t, err, mapping.ErrUnresolved)

	again, err := f.job().Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Repaired)
	assert.Equal(t, 1, again.Unresolved)
}

func TestRun_ScopedToSystem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.entity(t, registry.EntityClinic, "KAMDENTAL_HUMBLE", "A")
	f.bind(t, "dentist_sync", "HUMBLE_CLINIC", registry.EntityClinic, "KAMDENTAL_HUMBLE")
	f.bind(t, "payroll", "HUMBLE", registry.EntityClinic, "KAMDENTAL_HUMBLE")
	f.source.Set(registry.EntityClinic, "KAMDENTAL_HUMBLE", "B")

	sum, err := f.job().Run(ctx, Options{SystemName: "payroll"})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Scanned)
	assert.Equal(t, 1, sum.Repaired)

	id, err := f.mappings.ResolveByExternalRef(ctx, humbleKey)
	require.NoError(t, err)
	assert.Equal(t, "A", id, "other systems are left for their own run")
}

func TestRun_ReseedRecoveryAcrossBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const n = 23
	for i := 0; i < n; i++ {
		code := fmt.Sprintf("CLINIC_%02d", i)
		f.entity(t, registry.EntityClinic, code, fmt.Sprintf("old-%d", i))
		f.bind(t, "dentist_sync", fmt.Sprintf("ext-%d", i), registry.EntityClinic, code)
	}
	f.source.Reseed(func(_ registry.EntityType, code, _ string) string { return "new-" + code })

	sum, err := f.job().Run(ctx, Options{BatchSize: 4})
	require.NoError(t, err)
	assert.Equal(t, n, sum.RegistryRepaired)
	assert.Equal(t, n, sum.Scanned)
	assert.Equal(t, n, sum.Repaired)

	for i := 0; i < n; i++ {
		id, err := f.mappings.ResolveByExternalRef(ctx, mapping.Key{
			SystemName: "dentist_sync", ExternalID: mapping.ExternalID(fmt.Sprintf("ext-%d", i)), EntityType: registry.EntityClinic,
		})
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("new-CLINIC_%02d", i), id)
	}
}

func TestRun_AlreadyRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lease, err := f.locker.Obtain(ctx, LockKey, DefaultLockTTL)
	require.NoError(t, err)

	sum, err := f.job().Run(ctx, Options{})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Nil(t, sum)

	require.NoError(t, lease.Release(ctx))
	_, err = f.job().Run(ctx, Options{})
	assert.NoError(t, err)
}

func TestRun_RegistryMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.entity(t, registry.EntityLocation, "LOC_ANNEX", "L1")
	f.bind(t, "dentist_sync", "Annex", registry.EntityLocation, "LOC_ANNEX")
	f.source.Delete(registry.EntityLocation, "LOC_ANNEX")

	sum, err := f.job().Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"location/LOC_ANNEX"}, sum.RegistryMissing)
	assert.Equal(t, StatusPartial, sum.Status)
	assert.Equal(t, 0, sum.Unchanged)
	assert.Equal(t, 1, sum.Unresolved)
	require.Len(t, sum.UnresolvedRows, 1)
	assert.Equal(t, "L1", sum.UnresolvedRows[0].InternalID)

	_, err = f.codes.CurrentID(ctx, registry.EntityLocation, "LOC_ANNEX")
	assert.ErrorIs(t, err, registry.ErrNotFound)
	_, err = f.mappings.ResolveByCode(ctx, registry.EntityLocation, "LOC_ANNEX")
	assert.ErrorIs(t, err, registry.ErrNotFound)
	_, err = f.mappings.ResolveByExternalRef(ctx, mapping.Key{
		SystemName: "dentist_sync", ExternalID: "Annex", EntityType: registry.EntityLocation,
	})
	assert.ErrorIs(t, err, mapping.ErrUnresolved)
}

func TestRun_RestoredRecordIsRebound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.entity(t, registry.EntityLocation, "LOC_ANNEX", "L1")
	f.bind(t, "dentist_sync", "Annex", registry.EntityLocation, "LOC_ANNEX")
	f.source.Delete(registry.EntityLocation, "LOC_ANNEX")
	_, err := f.job().Run(ctx, Options{})
	require.NoError(t, err)

	f.source.Set(registry.EntityLocation, "LOC_ANNEX", "L9")
	sum, err := f.job().Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, sum.Status)
	assert.Equal(t, 1, sum.RegistryRepaired)
	assert.Equal(t, 1, sum.Repaired)

	id, err := f.mappings.ResolveByExternalRef(ctx, mapping.Key{
		SystemName: "dentist_sync", ExternalID: "Annex", EntityType: registry.EntityLocation,
	})
	require.NoError(t, err)
	assert.Equal(t, "L9", id)
}

// cancellingResolver cancels the run after a fixed number of lookups.
type cancellingResolver struct {
	Resolver
	cancel context.CancelFunc
	after  int
	calls  int
}

func (r *cancellingResolver) ResolveByCode(ctx context.Context, t registry.EntityType, code string) (string, error) {
	r.calls++
	if r.calls == r.after {
		r.cancel()
	}
	return r.Resolver.ResolveByCode(ctx, t, code)
}

func TestRun_InterruptedRunKeepsProgress(t *testing.T) {
	f := newFixture(t)
	f.deps.Source = nil
	bg := context.Background()
	for i := 0; i < 12; i++ {
		code := fmt.Sprintf("CLINIC_%02d", i)
		f.entity(t, registry.EntityClinic, code, "old")
		f.bind(t, "dentist_sync", code, registry.EntityClinic, code)
		_, err := f.codes.Rebind(bg, registry.EntityClinic, code, "new")
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(bg)
	defer cancel()
	f.deps.Resolver = &cancellingResolver{Resolver: f.mappings, cancel: cancel, after: 3}

	sum, err := f.job().Run(ctx, Options{})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, sum)
	assert.Equal(t, StatusInterrupted, sum.Status)
	assert.Equal(t, 3, sum.Repaired)

	f.deps.Resolver = f.mappings
	rerun, err := f.job().Run(bg, Options{})
	require.NoError(t, err)
	assert.Equal(t, 9, rerun.Repaired)
	assert.Equal(t, 3, rerun.Unchanged)

	runs, total, err := f.runs.List(bg, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	statuses := []Status{runs[0].Status, runs[1].Status}
	assert.ElementsMatch(t, []Status{StatusInterrupted, StatusCompleted}, statuses)
}

type failingResolver struct{}

func (failingResolver) ResolveByCode(context.Context, registry.EntityType, string) (string, error) {
	return "", errors.New("registry unavailable")
}

func TestRun_ResolverErrorCountsAsFailed(t *testing.T) {
	f := newFixture(t)
	f.entity(t, registry.EntityClinic, "KAMDENTAL_HUMBLE", "A")
	f.bind(t, "dentist_sync", "HUMBLE_CLINIC", registry.EntityClinic, "KAMDENTAL_HUMBLE")
	f.deps.Resolver = failingResolver{}

	sum, err := f.job().Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, StatusPartial, sum.Status)
}

// rebindingResolver rebinds the mapping to another code mid-run, as a
// concurrent bind from a sync agent would.
type rebindingResolver struct {
	Resolver
	rebind func()
}

func (r *rebindingResolver) ResolveByCode(ctx context.Context, t registry.EntityType, code string) (string, error) {
	id, err := r.Resolver.ResolveByCode(ctx, t, code)
	r.rebind()
	return id, err
}

func TestRun_ConcurrentBindWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.entity(t, registry.EntityClinic, "KAMDENTAL_HUMBLE", "A")
	f.entity(t, registry.EntityClinic, "KAMDENTAL_KATY", "K")
	f.bind(t, "dentist_sync", "HUMBLE_CLINIC", registry.EntityClinic, "KAMDENTAL_HUMBLE")
	f.deps.Resolver = &rebindingResolver{Resolver: f.mappings, rebind: func() {
		f.bind(t, "dentist_sync", "HUMBLE_CLINIC", registry.EntityClinic, "KAMDENTAL_KATY")
	}}

	sum, err := f.job().Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)

	id, err := f.mappings.ResolveByExternalRef(ctx, humbleKey)
	require.NoError(t, err)
	assert.Equal(t, "K", id)
}

func TestRunRepository_SQLite(t *testing.T) {
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	f := newFixture(t)
	f.deps.Runs = NewSQLiteRepo(conn)
	f.entity(t, registry.EntityClinic, "KAMDENTAL_HUMBLE", "A")
	f.entity(t, registry.EntityClinic, "KAMDENTAL_GONE", "G")
	f.bind(t, "dentist_sync", "HUMBLE_CLINIC", registry.EntityClinic, "KAMDENTAL_HUMBLE")
	f.bind(t, "dentist_sync", "GONE_CLINIC", registry.EntityClinic, "KAMDENTAL_GONE")
	require.NoError(t, f.codes.Decommission(context.Background(), registry.EntityClinic, "KAMDENTAL_GONE"))

	sum, err := f.job().Run(context.Background(), Options{SystemName: "dentist_sync"})
	require.NoError(t, err)

	got, err := f.deps.Runs.Get(context.Background(), sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, sum.Status, got.Status)
	assert.Equal(t, "dentist_sync", got.SystemName)
	assert.Equal(t, sum.Unresolved, got.Unresolved)
	assert.Equal(t, sum.UnresolvedRows, got.UnresolvedRows)
	require.NotNil(t, got.FinishedAt)

	items, total, err := f.deps.Runs.List(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, items, 1)
}
