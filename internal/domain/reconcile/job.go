package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kamdental/extref/internal/domain/mapping"
	"github.com/kamdental/extref/internal/domain/registry"
	"github.com/kamdental/extref/internal/platform/lock"
	"github.com/kamdental/extref/internal/platform/telemetry"
)

// LockKey is the job's single-instance lock.
const LockKey = "extref:reconcile"

const (
	DefaultBatchSize = 500
	DefaultLockTTL   = 10 * time.Minute
)

// Registry is the registry surface the job reads and repairs.
// *registry.Service satisfies it.
type Registry interface {
	ListLive(ctx context.Context, after registry.Cursor, limit int) ([]*registry.StableEntity, error)
	Rebind(ctx context.Context, t registry.EntityType, code, internalID string) (string, error)
	Detach(ctx context.Context, t registry.EntityType, code string) (string, error)
}

// Resolver re-derives a mapping's internal id from its stable code.
// *mapping.Service satisfies it.
type Resolver interface {
	ResolveByCode(ctx context.Context, t registry.EntityType, code string) (string, error)
}

type Deps struct {
	Registry Registry
	// Source is the primary entity store. Nil skips the registry refresh.
	Source   registry.Source
	Resolver Resolver
	Mappings mapping.Repository
	// Runs records run history. Nil keeps no history.
	Runs      RunRepository
	Locker    lock.Locker
	Metrics   *telemetry.Metrics
	BatchSize int
	LockTTL   time.Duration
}

type Job struct {
	deps   Deps
	logger zerolog.Logger
	now    func() time.Time
}

func NewJob(deps Deps, logger zerolog.Logger) *Job {
	if deps.BatchSize <= 0 {
		deps.BatchSize = DefaultBatchSize
	}
	if deps.LockTTL <= 0 {
		deps.LockTTL = DefaultLockTTL
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocal()
	}
	return &Job{
		deps:   deps,
		logger: logger.With().Str("component", "reconcile").Logger(),
		now:    time.Now,
	}
}

// Run executes one reconciliation pass. The returned summary is non-nil
// whenever the lock was obtained, including for interrupted and failed
// runs; the error then explains why the run stopped early. Rows are
// written one at a time, so an interrupted run keeps its repairs and a
// re-run picks up the rest.
func (j *Job) Run(ctx context.Context, opts Options) (*Summary, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = j.deps.BatchSize
	}

	lease, err := j.deps.Locker.Obtain(ctx, LockKey, j.deps.LockTTL)
	if errors.Is(err, lock.ErrNotObtained) {
		return nil, ErrAlreadyRunning
	}
	if err != nil {
		return nil, fmt.Errorf("obtain reconcile lock: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			j.logger.Warn().Err(err).Msg("release reconcile lock")
		}
	}()

	sum := &Summary{
		RunID:           uuid.New(),
		SystemName:      opts.SystemName,
		Status:          StatusRunning,
		StartedAt:       j.now().UTC(),
		RegistryMissing: []string{},
		UnresolvedRows:  []UnresolvedRow{},
	}
	log := j.logger.With().Str("run_id", sum.RunID.String()).Logger()
	if j.deps.Runs != nil {
		if err := j.deps.Runs.Create(ctx, sum); err != nil {
			return nil, err
		}
	}
	log.Info().Str("system", opts.SystemName).Int("batch_size", opts.BatchSize).Msg("reconciliation started")

	runErr := j.run(ctx, lease, opts, sum, log)
	j.finish(ctx, sum, runErr)

	ev := log.Info()
	if sum.Status == StatusFailed || sum.Status == StatusInterrupted {
		ev = log.Error().Err(runErr)
	}
	ev.Str("status", string(sum.Status)).
		Int("scanned", sum.Scanned).
		Int("repaired", sum.Repaired).
		Int("unchanged", sum.Unchanged).
		Int("unresolved", sum.Unresolved).
		Int("failed", sum.Failed).
		Int("skipped", sum.Skipped).
		Int("registry_repaired", sum.RegistryRepaired).
		Int("registry_missing", len(sum.RegistryMissing)).
		Msg("reconciliation finished")
	return sum, runErr
}

func (j *Job) finish(ctx context.Context, sum *Summary, runErr error) {
	finished := j.now().UTC()
	sum.FinishedAt = &finished
	sum.sortRows()

	switch {
	case runErr == nil && sum.Unresolved == 0 && sum.Failed == 0 && len(sum.RegistryMissing) == 0:
		sum.Status = StatusCompleted
	case runErr == nil:
		sum.Status = StatusPartial
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		sum.Status = StatusInterrupted
		sum.Error = runErr.Error()
	default:
		sum.Status = StatusFailed
		sum.Error = runErr.Error()
	}
	j.deps.Metrics.ReconcileRun(string(sum.Status), finished)

	if j.deps.Runs != nil {
		if err := j.deps.Runs.Finish(context.WithoutCancel(ctx), sum); err != nil {
			j.logger.Error().Err(err).Str("run_id", sum.RunID.String()).Msg("persist reconcile run")
		}
	}
}

func (j *Job) run(ctx context.Context, lease lock.Lease, opts Options, sum *Summary, log zerolog.Logger) error {
	if j.deps.Source != nil && !opts.SkipRegistryRefresh {
		if err := j.refreshRegistry(ctx, lease, opts.BatchSize, sum, log); err != nil {
			return err
		}
	}
	return j.reconcileMappings(ctx, lease, opts, sum, log)
}

// refreshRegistry brings every live code's current id in line with the
// primary store. Codes the store no longer knows are reported and detached
// from their dead id so nothing resolves to it; decommissioning stays an
// explicit operator action.
func (j *Job) refreshRegistry(ctx context.Context, lease lock.Lease, size int, sum *Summary, log zerolog.Logger) error {
	var after registry.Cursor
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := j.deps.Registry.ListLive(ctx, after, size)
		if err != nil {
			return fmt.Errorf("list stable entities: %w", err)
		}
		for _, e := range page {
			id, err := j.deps.Source.LiveID(ctx, e.EntityType, e.StableCode)
			if errors.Is(err, registry.ErrNotFound) {
				sum.RegistryMissing = append(sum.RegistryMissing, string(e.EntityType)+"/"+e.StableCode)
				prev, err := j.deps.Registry.Detach(ctx, e.EntityType, e.StableCode)
				if err != nil {
					return fmt.Errorf("detach %s %s: %w", e.EntityType, e.StableCode, err)
				}
				log.Warn().Str("entity_type", string(e.EntityType)).Str("stable_code", e.StableCode).
					Str("old_id", prev).Msg("stable code missing from primary store")
				continue
			}
			if err != nil {
				return fmt.Errorf("source lookup %s %s: %w", e.EntityType, e.StableCode, err)
			}
			if id == e.CurrentInternalID {
				continue
			}
			prev, err := j.deps.Registry.Rebind(ctx, e.EntityType, e.StableCode, id)
			if err != nil {
				return fmt.Errorf("rebind %s %s: %w", e.EntityType, e.StableCode, err)
			}
			sum.RegistryRepaired++
			log.Info().Str("entity_type", string(e.EntityType)).Str("stable_code", e.StableCode).
				Str("old_id", prev).Str("new_id", id).Msg("registry drift repaired")
		}
		if len(page) < size {
			return nil
		}
		last := page[len(page)-1]
		after = registry.Cursor{EntityType: last.EntityType, StableCode: last.StableCode}
		if err := lease.Refresh(ctx, j.deps.LockTTL); err != nil {
			return fmt.Errorf("refresh reconcile lock: %w", err)
		}
	}
}

func (j *Job) reconcileMappings(ctx context.Context, lease lock.Lease, opts Options, sum *Summary, log zerolog.Logger) error {
	after := uuid.Nil
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := j.deps.Mappings.ListBatch(ctx, opts.SystemName, after, opts.BatchSize)
		if err != nil {
			return fmt.Errorf("list mappings: %w", err)
		}
		for _, m := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			sum.Scanned++
			outcome := j.reconcileRow(ctx, m, sum, log)
			j.deps.Metrics.ReconcileRow(outcome)
		}
		if len(batch) < opts.BatchSize {
			return nil
		}
		after = batch[len(batch)-1].ID
		if err := lease.Refresh(ctx, j.deps.LockTTL); err != nil {
			return fmt.Errorf("refresh reconcile lock: %w", err)
		}
	}
}

// reconcileRow re-derives m's internal id from its stored stable code and
// persists the outcome. Writes are conditional on the stable code so a
// concurrent bind to a different code wins.
func (j *Job) reconcileRow(ctx context.Context, m *mapping.ExternalMapping, sum *Summary, log zerolog.Logger) string {
	rowLog := log.With().Str("key", m.Key().String()).Str("stable_code", m.StableCode).Logger()

	id, err := j.deps.Resolver.ResolveByCode(ctx, m.EntityType, m.StableCode)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		reason := fmt.Sprintf("stable code %s no longer resolves", m.StableCode)
		if !m.Unresolved || m.UnresolvedReason == nil || *m.UnresolvedReason != reason {
			if werr := j.deps.Mappings.MarkUnresolved(ctx, m.ID, m.StableCode, reason); werr != nil {
				return j.writeFailed(sum, rowLog, werr)
			}
		}
		sum.Unresolved++
		sum.UnresolvedRows = append(sum.UnresolvedRows, UnresolvedRow{
			SystemName: m.SystemName,
			ExternalID: string(m.ExternalID),
			EntityType: m.EntityType,
			StableCode: m.StableCode,
			InternalID: m.InternalID,
			Reason:     reason,
		})
		rowLog.Warn().Str("internal_id", m.InternalID).Msg("mapping unresolved")
		return RowUnresolved

	case err != nil:
		sum.Failed++
		rowLog.Error().Err(err).Msg("resolve stable code")
		return RowFailed
	}

	if werr := j.deps.Mappings.MarkVerified(ctx, m.ID, m.StableCode, id, j.now().UTC()); werr != nil {
		return j.writeFailed(sum, rowLog, werr)
	}
	if id == m.InternalID && !m.Unresolved {
		sum.Unchanged++
		return RowUnchanged
	}
	sum.Repaired++
	rowLog.Info().Str("old_id", m.InternalID).Str("new_id", id).Msg("drift repaired")
	return RowRepaired
}

func (j *Job) writeFailed(sum *Summary, log zerolog.Logger, err error) string {
	if errors.Is(err, mapping.ErrConcurrentChange) {
		sum.Skipped++
		log.Info().Msg("mapping changed during reconciliation, skipped")
		return RowSkipped
	}
	sum.Failed++
	log.Error().Err(err).Msg("persist reconciliation outcome")
	return RowFailed
}
