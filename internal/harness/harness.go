// Package harness replays scripted disruption scenarios against the
// in-process registry, resolution service and reconciliation job, and
// produces a deterministic report suitable for golden comparison.
//
// A scenario seeds stable entities and mappings, then runs steps such as
// reseeding the primary store, corrupting cached ids or decommissioning a
// code, followed by reconciliation and assertions over resolvability.
package harness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kamdental/extref/internal/domain/detection"
	"github.com/kamdental/extref/internal/domain/mapping"
	"github.com/kamdental/extref/internal/domain/reconcile"
	"github.com/kamdental/extref/internal/domain/registry"
	"github.com/kamdental/extref/internal/platform/lock"
)

const defaultBatchSize = 100

// env is the wired system under test for one scenario run.
type env struct {
	scenario *Scenario
	regRepo  registry.Repository
	codes    *registry.Service
	source   *registry.MemorySource
	mapRepo  mapping.Repository
	mappings *mapping.Service
	detector *detection.Service
	job      *reconcile.Job

	last    *reconcile.Summary
	reseeds int
}

// Run executes s and returns its report. Assertion failures are recorded in
// the report; the error is reserved for scenarios that cannot be executed.
func Run(ctx context.Context, s *Scenario, logger zerolog.Logger) (*Report, error) {
	if err := validateScenario(s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	e, err := setup(ctx, s, logger)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: setup: %w", s.Name, err)
	}

	rep := &Report{Scenario: s.Name}
	for i, st := range s.Steps {
		sr, err := e.step(ctx, st)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: step %d (%s): %w", s.Name, i+1, st.Action, err)
		}
		sr.Index = i + 1
		sr.Action = st.Action
		rep.Steps = append(rep.Steps, sr)
	}
	return rep, nil
}

func setup(ctx context.Context, s *Scenario, logger zerolog.Logger) (*env, error) {
	e := &env{scenario: s}
	e.regRepo = registry.NewMemoryRepository()
	e.source = registry.NewMemorySource()
	e.codes = registry.NewService(e.regRepo, logger).WithSource(e.source)
	e.mapRepo = mapping.NewMemoryRepository(mapping.RegistryChecker(e.regRepo))
	e.mappings = mapping.NewService(e.mapRepo, e.codes, nil, logger)

	batch := s.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	e.job = reconcile.NewJob(reconcile.Deps{
		Registry:  e.codes,
		Source:    e.source,
		Resolver:  e.mappings,
		Mappings:  e.mapRepo,
		Runs:      reconcile.NewMemoryRepository(),
		Locker:    lock.NewLocal(),
		BatchSize: batch,
	}, logger)

	for _, seed := range s.Entities {
		t, _ := registry.ParseEntityType(seed.Type)
		ent, _, err := e.codes.AssignCode(ctx, registry.AssignRequest{
			EntityType: t,
			InternalID: seed.InternalID,
			Code:       seed.Code,
			Name:       seed.Name,
		})
		if err != nil {
			return nil, fmt.Errorf("entity %s/%s: %w", seed.Type, seed.Code, err)
		}
		e.source.Set(t, ent.StableCode, seed.InternalID)
	}

	for _, seed := range s.Mappings {
		if _, err := e.mappings.Bind(ctx, mapping.BindRequest{
			Key: mapping.Key{
				SystemName: seed.System,
				ExternalID: mapping.ExternalID(seed.ExternalID),
				EntityType: registry.EntityType(seed.Type),
			},
			StableCode: seed.Code,
		}); err != nil {
			return nil, fmt.Errorf("mapping %s/%s/%s: %w", seed.System, seed.Type, seed.ExternalID, err)
		}
	}

	if s.Patterns != nil {
		set, err := detection.NewPatternSet(s.Patterns.Version, s.Patterns.Patterns)
		if err != nil {
			return nil, err
		}
		if err := set.Validate(); err != nil {
			return nil, err
		}
		holder := detection.NewHolder(nil)
		holder.Store(set)
		e.detector = detection.NewService(holder, nil, e.mappings, nil, logger)
	}
	return e, nil
}

func (e *env) step(ctx context.Context, st Step) (StepReport, error) {
	switch st.Action {
	case StepReseed:
		return e.reseed(st), nil
	case StepCorruptMappings:
		return e.corrupt(ctx, st)
	case StepDecommission:
		t, code, _ := parseRef(st.Entity)
		if err := e.codes.Decommission(ctx, t, code); err != nil {
			return StepReport{}, err
		}
		e.source.Delete(t, code)
		return StepReport{Detail: string(t) + "/" + code}, nil
	case StepHardDelete:
		t, code, _ := parseRef(st.Entity)
		e.source.Delete(t, code)
		return StepReport{Detail: string(t) + "/" + code + " removed from primary store"}, nil
	case StepBind:
		return e.bind(ctx, st)
	case StepReconcile:
		return e.reconcile(ctx, st)
	case StepAssertResolvable:
		return e.assertResolvable(ctx, st)
	case StepAssertSummary:
		return e.assertSummary(st), nil
	case StepDetect:
		return e.detect(ctx, st)
	}
	return StepReport{}, fmt.Errorf("unknown action %q", st.Action)
}

func (e *env) reseed(st Step) StepReport {
	e.reseeds++
	n := e.source.Reseed(func(t registry.EntityType, code, old string) string {
		if id, ok := st.IDs[string(t)+"/"+code]; ok {
			return id
		}
		return fmt.Sprintf("%s-%d", old, e.reseeds)
	})
	return StepReport{Detail: fmt.Sprintf("%d records rewritten", n)}
}

// corrupt overwrites the cached internal id of every live mapping in scope,
// leaving stable codes intact.
func (e *env) corrupt(ctx context.Context, st Step) (StepReport, error) {
	rows, err := e.liveMappings(ctx, st.System)
	if err != nil {
		return StepReport{}, err
	}
	for _, m := range rows {
		if err := e.mapRepo.MarkVerified(ctx, m.ID, m.StableCode, "corrupt:"+m.InternalID, m.LastVerifiedAt); err != nil {
			return StepReport{}, err
		}
	}
	return StepReport{Detail: fmt.Sprintf("%d mappings corrupted", len(rows))}, nil
}

func (e *env) bind(ctx context.Context, st Step) (StepReport, error) {
	k := mapping.Key{
		SystemName: st.System,
		ExternalID: mapping.ExternalID(st.ExternalID),
		EntityType: registry.EntityType(st.Type),
	}
	m, err := e.mappings.Bind(ctx, mapping.BindRequest{Key: k, StableCode: st.Code})
	if errors.Is(err, mapping.ErrBindTargetNotFound) {
		sr := StepReport{Detail: fmt.Sprintf("%s -> %s rejected", k, registry.NormalizeCode(st.Code))}
		if st.Expect == nil || st.Expect.Outcome != "not_found" {
			sr.Failures = append(sr.Failures, "bind rejected: stable code does not resolve")
		}
		return sr, nil
	}
	if err != nil {
		return StepReport{}, err
	}
	sr := StepReport{Detail: fmt.Sprintf("%s -> %s (%s)", m.Key(), m.StableCode, m.InternalID)}
	if st.Expect != nil && st.Expect.Outcome == "not_found" {
		sr.Failures = append(sr.Failures, "bind succeeded, want rejection")
	}
	return sr, nil
}

func (e *env) reconcile(ctx context.Context, st Step) (StepReport, error) {
	sum, err := e.job.Run(ctx, reconcile.Options{
		SystemName:          st.System,
		BatchSize:           st.BatchSize,
		SkipRegistryRefresh: st.SkipRegistryRefresh,
	})
	if sum == nil {
		return StepReport{}, err
	}
	e.last = sum

	sr := StepReport{Detail: fmt.Sprintf(
		"%s scanned=%d repaired=%d unchanged=%d unresolved=%d failed=%d skipped=%d registry_repaired=%d registry_missing=%d",
		sum.Status, sum.Scanned, sum.Repaired, sum.Unchanged, sum.Unresolved, sum.Failed, sum.Skipped,
		sum.RegistryRepaired, len(sum.RegistryMissing))}
	for _, code := range sum.RegistryMissing {
		sr.Notes = append(sr.Notes, "missing: "+code)
	}
	for _, row := range sum.UnresolvedRows {
		sr.Notes = append(sr.Notes, "unresolved: "+row.String())
	}
	if err != nil {
		sr.Failures = append(sr.Failures, "run stopped: "+err.Error())
	}
	return sr, nil
}

// truth is the id a mapping should resolve to: the primary store's record
// for a live code. ok is false when the mapping should be unresolved.
func (e *env) truth(ctx context.Context, m *mapping.ExternalMapping) (string, bool) {
	if _, err := e.codes.CurrentID(ctx, m.EntityType, m.StableCode); err != nil {
		return "", false
	}
	id, err := e.source.LiveID(ctx, m.EntityType, m.StableCode)
	if err != nil {
		return "", false
	}
	return id, true
}

func (e *env) assertResolvable(ctx context.Context, st Step) (StepReport, error) {
	rows, err := e.liveMappings(ctx, "")
	if err != nil {
		return StepReport{}, err
	}

	var sr StepReport
	var resolved, stale int
	unresolved := []string{}
	for _, m := range rows {
		want, ok := e.truth(ctx, m)
		got, gerr := e.mappings.ResolveByExternalRef(ctx, m.Key())
		switch {
		case ok && gerr == nil && got == want:
			resolved++
		case !ok && errors.Is(gerr, mapping.ErrUnresolved):
			unresolved = append(unresolved, m.Key().String())
			sr.Notes = append(sr.Notes, "unresolved: "+m.Key().String())
		default:
			stale++
			if gerr != nil {
				got = "error"
			}
			if !ok {
				want = "unresolved"
			}
			sr.Notes = append(sr.Notes, fmt.Sprintf("stale: %s got=%s want=%s", m.Key(), got, want))
		}
	}
	sr.Detail = fmt.Sprintf("mappings=%d resolved=%d unresolved=%d stale=%d", len(rows), resolved, len(unresolved), stale)

	wantStale := 0
	if st.Expect != nil && st.Expect.Stale != nil {
		wantStale = *st.Expect.Stale
	}
	if stale != wantStale {
		sr.Failures = append(sr.Failures, fmt.Sprintf("stale = %d, want %d", stale, wantStale))
	}
	if st.Expect != nil && st.Expect.UnresolvedKeys != nil {
		want := append([]string(nil), st.Expect.UnresolvedKeys...)
		sort.Strings(want)
		if strings.Join(want, ",") != strings.Join(unresolved, ",") {
			sr.Failures = append(sr.Failures, fmt.Sprintf("unresolved = [%s], want [%s]",
				strings.Join(unresolved, " "), strings.Join(want, " ")))
		}
	}
	return sr, nil
}

func (e *env) assertSummary(st Step) StepReport {
	if e.last == nil {
		return StepReport{Detail: "failed", Failures: []string{"no reconcile run to check"}}
	}
	x, sum := st.Expect, e.last

	var sr StepReport
	if x.Status != "" && x.Status != string(sum.Status) {
		sr.Failures = append(sr.Failures, fmt.Sprintf("status = %s, want %s", sum.Status, x.Status))
	}
	checks := []struct {
		name string
		want *int
		got  int
	}{
		{"scanned", x.Scanned, sum.Scanned},
		{"repaired", x.Repaired, sum.Repaired},
		{"unchanged", x.Unchanged, sum.Unchanged},
		{"unresolved", x.Unresolved, sum.Unresolved},
		{"failed", x.Failed, sum.Failed},
		{"registry_repaired", x.RegistryRepaired, sum.RegistryRepaired},
	}
	for _, c := range checks {
		if c.want != nil && *c.want != c.got {
			sr.Failures = append(sr.Failures, fmt.Sprintf("%s = %d, want %d", c.name, c.got, *c.want))
		}
	}
	sr.Detail = "ok"
	if len(sr.Failures) > 0 {
		sr.Detail = "failed"
	}
	return sr
}

func (e *env) detect(ctx context.Context, st Step) (StepReport, error) {
	d, err := e.detector.DetectAndResolve(ctx, detection.DetectRequest{
		CandidateName: st.Name,
		Bind:          st.Bind,
		SystemName:    st.System,
		ExternalID:    st.ExternalID,
	})

	var sr StepReport
	outcome := "resolved"
	switch {
	case errors.Is(err, detection.ErrUnresolved):
		outcome = "unresolved"
		sr.Detail = fmt.Sprintf("%q unresolved", st.Name)
	case errors.Is(err, registry.ErrNotFound):
		outcome = "not_found"
		sr.Detail = fmt.Sprintf("%q detected a code that does not resolve", st.Name)
	case err != nil:
		return StepReport{}, err
	default:
		sr.Detail = fmt.Sprintf("%q -> %s/%s via %s confidence=%.1f internal_id=%s",
			st.Name, d.EntityType, d.StableCode, d.MatchedPattern, d.Confidence, d.InternalID)
		if d.Mapping != nil {
			sr.Notes = append(sr.Notes, "bound: "+d.Mapping.Key().String())
		}
	}

	x := st.Expect
	if x == nil {
		return sr, nil
	}
	if x.Outcome != "" && x.Outcome != outcome {
		sr.Failures = append(sr.Failures, fmt.Sprintf("outcome = %s, want %s", outcome, x.Outcome))
	}
	if d != nil {
		if x.Code != "" && registry.NormalizeCode(x.Code) != d.StableCode {
			sr.Failures = append(sr.Failures, fmt.Sprintf("code = %s, want %s", d.StableCode, x.Code))
		}
		if x.InternalID != "" && x.InternalID != d.InternalID {
			sr.Failures = append(sr.Failures, fmt.Sprintf("internal_id = %s, want %s", d.InternalID, x.InternalID))
		}
	}
	return sr, nil
}

// liveMappings returns every live mapping in scope, ordered by key.
func (e *env) liveMappings(ctx context.Context, system string) ([]*mapping.ExternalMapping, error) {
	const page = 500
	var out []*mapping.ExternalMapping
	for offset := 0; ; offset += page {
		rows, total, err := e.mappings.List(ctx, mapping.ListFilter{SystemName: system}, page, offset)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
		if offset+page >= total {
			return out, nil
		}
	}
}
