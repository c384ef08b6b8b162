package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dvtools/dvbulk/internal/dataverse"
	"github.com/dvtools/dvbulk/internal/debug"
	"github.com/dvtools/dvbulk/internal/executor"
	"github.com/dvtools/dvbulk/internal/planner"
	"github.com/dvtools/dvbulk/internal/types"
)

// ImportMode selects the write operation used for every record.
type ImportMode int

const (
	ModeCreate ImportMode = iota
	ModeUpdate
	ModeUpsert
)

func (m ImportMode) String() string {
	switch m {
	case ModeCreate:
		return "create"
	case ModeUpdate:
		return "update"
	case ModeUpsert:
		return "upsert"
	default:
		return "unknown"
	}
}

// ownerFieldNames is the owner/by-user attribute family handled by user
// mapping and owner stripping.
var ownerFieldNames = map[string]bool{
	"ownerid":            true,
	"createdby":          true,
	"modifiedby":         true,
	"createdonbehalfby":  true,
	"modifiedonbehalfby": true,
}

// ImportOptions configures one Import run.
type ImportOptions struct {
	Mode ImportMode

	// DisablePlugins forces plugin bypass for every entity, overriding the
	// per-entity schema flag.
	DisablePlugins bool

	// StripOwnerFields removes the owner/by-user fields before submission.
	StripOwnerFields bool

	// UserMapping rewrites systemuser references from source ids to target
	// ids. References that remain unmapped are stripped.
	UserMapping map[uuid.UUID]uuid.UUID

	// DryRun walks the whole pipeline without any remote write.
	DryRun bool

	ContinueOnError bool
	BypassFlows     bool
	BatchSize       int

	// TierConcurrency caps how many entities of one tier import in parallel.
	// 0 means the default of 4.
	TierConcurrency int

	// UpsertKeys maps entity logical name to its alternate-key fields for
	// ModeUpsert. Entities without an entry match on the primary id.
	UpsertKeys map[string][]string
}

// DefaultImportOptions returns the bulk-load defaults.
func DefaultImportOptions() ImportOptions {
	return ImportOptions{
		Mode:            ModeCreate,
		ContinueOnError: true,
		TierConcurrency: 4,
	}
}

// Import writes the data set into the target environment: dependency tiers
// first, then the deferred-field pass, then the association pass. Successful
// records are never rolled back; cancellation and aborts report partial
// counts.
func (e *Engine) Import(ctx context.Context, data *types.MigrationData, opts ImportOptions) (*types.MigrationResult, error) {
	if data == nil || data.Schema == nil {
		return nil, fmt.Errorf("engine: import needs a data set with a schema")
	}
	if opts.TierConcurrency <= 0 {
		opts.TierConcurrency = 4
	}

	start := time.Now()
	plan := planner.BuildPlan(data.Schema)
	res := &types.MigrationResult{Success: true, TotalRecords: data.TotalRecords()}
	var mu sync.Mutex

	merge := func(er *executor.Result) {
		if er == nil {
			return
		}
		mu.Lock()
		res.SuccessCount += er.SuccessCount
		res.FailureCount += er.FailureCount
		res.CreatedCount += er.CreatedCount
		res.UpdatedCount += er.UpdatedCount
		res.SkippedCount += er.SkippedCount
		res.Errors = append(res.Errors, er.Errors...)
		if er.Cancelled {
			res.Cancelled = true
		}
		mu.Unlock()
	}

	e.emit(types.ProgressEvent{
		Phase:   types.PhaseAnalyzing,
		Total:   res.TotalRecords,
		Message: fmt.Sprintf("%d entities in %d tiers, %d deferred fields", len(data.Schema.Entities), len(plan.Tiers), len(plan.DeferredFields)),
	})

	runErr := e.runTiers(ctx, data, plan, opts, merge)
	if runErr == nil && !res.Cancelled {
		runErr = e.deferredPass(ctx, data, plan, opts, merge)
	}
	if runErr == nil && !res.Cancelled {
		runErr = e.associationPass(ctx, data, opts, merge)
	}

	res.Duration = time.Since(start)
	if ctx.Err() != nil || dataverse.Classify(runErr) == dataverse.KindCancelled {
		res.Cancelled = true
		runErr = nil
	}
	res.Success = runErr == nil && res.FailureCount == 0 && !res.Cancelled

	phase := types.PhaseComplete
	msg := ""
	if runErr != nil {
		phase = types.PhaseError
		msg = runErr.Error()
	}
	e.emit(types.ProgressEvent{
		Phase:        phase,
		Current:      res.SuccessCount + res.FailureCount,
		Total:        res.TotalRecords,
		SuccessCount: res.SuccessCount,
		FailureCount: res.FailureCount,
		Message:      msg,
		ErrorSamples: res.Errors,
	})

	if runErr != nil {
		return res, fmt.Errorf("engine: import: %w", runErr)
	}
	return res, nil
}

func (e *Engine) runTiers(ctx context.Context, data *types.MigrationData, plan *planner.Plan, opts ImportOptions, merge func(*executor.Result)) error {
	for _, tier := range plan.Tiers {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opts.TierConcurrency)

		for _, name := range tier.Entities {
			records := recordsFor(data, name)
			if len(records) == 0 {
				continue
			}
			es := data.Schema.Entity(name)
			name, tierIdx := name, tier.Index
			g.Go(func() error {
				return e.importEntity(gctx, name, tierIdx, es, records, plan, opts, merge)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (e *Engine) importEntity(ctx context.Context, entity string, tierIdx int, es *types.EntitySchema, records []*types.Record, plan *planner.Plan, opts ImportOptions, merge func(*executor.Result)) error {
	if opts.DryRun {
		debug.Logf("engine: dry run, skipping %d %s records\n", len(records), entity)
		merge(&executor.Result{SuccessCount: len(records), SkippedCount: len(records)})
		e.emit(types.ProgressEvent{
			Phase: types.PhaseImporting, Entity: entity, TierIndex: tierIdx,
			Current: len(records), Total: len(records), SuccessCount: len(records),
			Message: "dry run",
		})
		return nil
	}

	policy := e.policyFor(es, opts)
	// the producer must unblock when Execute aborts early
	ctx, cancelProducer := context.WithCancel(ctx)
	defer cancelProducer()

	ops := make(chan *types.Operation, 2*policy.BatchSize)
	go func() {
		defer close(ops)
		for _, rec := range records {
			op := e.buildWriteOp(rec, es, plan, opts)
			select {
			case <-ctx.Done():
				return
			case ops <- op:
			}
		}
	}()

	er, err := e.exec.Execute(ctx, executor.Job{
		Phase:     types.PhaseImporting,
		Entity:    entity,
		TierIndex: tierIdx,
		Total:     len(records),
		Ops:       ops,
	}, policy)
	merge(er)
	return err
}

// buildWriteOp prepares one record and wraps it in the mode's operation.
func (e *Engine) buildWriteOp(rec *types.Record, es *types.EntitySchema, plan *planner.Plan, opts ImportOptions) *types.Operation {
	prepared := prepareRecord(rec, es, plan, opts)
	op := &types.Operation{
		Entity: rec.Entity,
		RowRef: rec.ID.String(),
		Record: prepared,
	}
	switch opts.Mode {
	case ModeUpdate:
		op.Kind = types.OpUpdate
	case ModeUpsert:
		op.Kind = types.OpUpsert
		op.KeyFields = opts.UpsertKeys[strings.ToLower(rec.Entity)]
	default:
		op.Kind = types.OpCreate
	}
	return op
}

// prepareRecord clones the record and applies the submission policy:
// deferred fields and export-only fields are removed, user references are
// mapped or stripped.
func prepareRecord(rec *types.Record, es *types.EntitySchema, plan *planner.Plan, opts ImportOptions) *types.Record {
	out := rec.Clone()
	for _, name := range rec.Fields() {
		lower := strings.ToLower(name)

		if plan.IsDeferred(rec.Entity, name) {
			out.Delete(name)
			continue
		}
		if es != nil {
			if fs := es.Field(name); fs != nil && fs.ExcludeFromWrite {
				out.Delete(name)
				continue
			}
		}

		v, _ := out.Get(name)
		if v.Kind == types.KindRef && strings.EqualFold(v.Ref.Entity, "systemuser") {
			if mapped, ok := opts.UserMapping[v.Ref.ID]; ok {
				v.Ref.ID = mapped
				v.Ref.DisplayName = ""
				out.Set(name, v)
				continue
			}
			if opts.StripOwnerFields || (opts.UserMapping != nil && ownerFieldNames[lower]) {
				out.Delete(name)
				continue
			}
		}
		if opts.StripOwnerFields && ownerFieldNames[lower] {
			out.Delete(name)
		}
	}
	return out
}

// deferredPass applies the planned (entity, field) updates: primary key plus
// the one deferred field per operation.
func (e *Engine) deferredPass(ctx context.Context, data *types.MigrationData, plan *planner.Plan, opts ImportOptions, merge func(*executor.Result)) error {
	for _, df := range plan.DeferredFields {
		records := recordsFor(data, df.Entity)
		es := data.Schema.Entity(df.Entity)

		var pending []*types.Operation
		for _, rec := range records {
			if _, ok := rec.Get(df.Field); !ok {
				continue
			}
			proj := rec.Project(es.PrimaryIDField, df.Field)
			pending = append(pending, &types.Operation{
				Kind:   types.OpUpdate,
				Entity: rec.Entity,
				RowRef: rec.ID.String(),
				Record: proj,
			})
		}
		if len(pending) == 0 {
			continue
		}
		if opts.DryRun {
			merge(&executor.Result{SuccessCount: len(pending), SkippedCount: len(pending)})
			continue
		}

		er, err := e.exec.Execute(ctx, executor.Job{
			Phase:  types.PhaseDeferredFields,
			Entity: df.Entity,
			Total:  len(pending),
			Ops:    executor.FromSlice(pending),
		}, e.policyFor(es, opts))
		merge(er)
		if err != nil {
			return err
		}
		if er != nil && er.Cancelled {
			return nil
		}
	}
	return nil
}

// associationPass replays the N:N memberships, one Associate per unique
// (relationship, source, target) triple.
func (e *Engine) associationPass(ctx context.Context, data *types.MigrationData, opts ImportOptions, merge func(*executor.Result)) error {
	seen := make(map[string]bool)
	var pending []*types.Operation
	for _, entity := range data.Entities() {
		for _, a := range data.Associations[entity] {
			for _, target := range a.TargetIDs {
				key := a.RelationshipName + "|" + a.SourceID.String() + "|" + target.String()
				if seen[key] {
					continue
				}
				seen[key] = true
				pending = append(pending, &types.Operation{
					Kind:         types.OpAssociate,
					Entity:       a.SourceEntity,
					RowRef:       a.SourceID.String(),
					Relationship: a.RelationshipName,
					SourceID:     a.SourceID,
					TargetEntity: a.TargetEntity,
					TargetID:     target,
				})
			}
		}
	}
	if len(pending) == 0 {
		return nil
	}
	if opts.DryRun {
		merge(&executor.Result{SuccessCount: len(pending), SkippedCount: len(pending)})
		return nil
	}

	er, err := e.exec.Execute(ctx, executor.Job{
		Phase: types.PhaseRelationships,
		Total: len(pending),
		Ops:   executor.FromSlice(pending),
	}, e.policyFor(nil, opts))
	merge(er)
	return err
}

// policyFor derives the executor policy for one entity, honoring the
// plugin-bypass override.
func (e *Engine) policyFor(es *types.EntitySchema, opts ImportOptions) executor.Policy {
	p := executor.DefaultPolicy()
	if opts.BatchSize > 0 {
		p.BatchSize = opts.BatchSize
	}
	p.ContinueOnError = opts.ContinueOnError
	p.BypassFlows = opts.BypassFlows
	if opts.DisablePlugins || (es != nil && es.DisablePlugins) {
		p.BypassPlugins = dataverse.BypassSync
	}
	return p
}

// recordsFor resolves the record list case-insensitively, matching the
// schema's entity name handling.
func recordsFor(data *types.MigrationData, entity string) []*types.Record {
	if recs, ok := data.EntityRecords[entity]; ok {
		return recs
	}
	for name, recs := range data.EntityRecords {
		if strings.EqualFold(name, entity) {
			return recs
		}
	}
	return nil
}
