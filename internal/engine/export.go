package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dvtools/dvbulk/internal/dataverse"
	"github.com/dvtools/dvbulk/internal/planner"
	"github.com/dvtools/dvbulk/internal/types"
)

// defaultExportPageSize is the records-per-page default for export queries.
const defaultExportPageSize = 5000

// ExportOptions configures one Export run.
type ExportOptions struct {
	// PageSize overrides the query page size. 0 means the default.
	PageSize int
}

// Export pulls all records and N:N memberships for the schema's entities.
// Entities are processed in dependency order for stable progress reporting;
// export itself does not require it. A failed entity aborts the export.
func (e *Engine) Export(ctx context.Context, schema *types.Schema, opts ExportOptions) (*types.MigrationData, error) {
	if schema == nil || len(schema.Entities) == 0 {
		return nil, fmt.Errorf("engine: export needs a non-empty schema")
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultExportPageSize
	}

	data := types.NewMigrationData(schema)
	plan := planner.BuildPlan(schema)

	for _, tier := range plan.Tiers {
		for _, name := range tier.Entities {
			if err := e.exportEntity(ctx, schema.Entity(name), pageSize, data); err != nil {
				e.emit(types.ProgressEvent{Phase: types.PhaseError, Entity: name, Message: err.Error()})
				return nil, fmt.Errorf("engine: export %s: %w", name, err)
			}
		}
	}
	return data, nil
}

func (e *Engine) exportEntity(ctx context.Context, es *types.EntitySchema, pageSize int, data *types.MigrationData) error {
	fields := make([]string, len(es.Fields))
	for i, f := range es.Fields {
		fields[i] = f.Name
	}

	var (
		ids   []uuid.UUID
		token string
		total = -1
	)
	for {
		var page *dataverse.RecordPage
		err := e.query(ctx, func(client dataverse.Client) error {
			var qerr error
			page, qerr = client.QueryRecords(ctx, dataverse.QueryPage{
				Entity:      es.LogicalName,
				Fields:      fields,
				Filter:      es.FetchFilter,
				PageSize:    pageSize,
				PagingToken: token,
			})
			return qerr
		})
		if err != nil {
			return err
		}

		for _, rec := range page.Records {
			data.EntityRecords[es.LogicalName] = append(data.EntityRecords[es.LogicalName], rec)
			ids = append(ids, rec.ID)
		}
		if page.TotalCount >= 0 {
			total = page.TotalCount
		}
		e.emit(types.ProgressEvent{
			Phase:        types.PhaseExporting,
			Entity:       es.LogicalName,
			Current:      len(data.EntityRecords[es.LogicalName]),
			Total:        total,
			SuccessCount: len(data.EntityRecords[es.LogicalName]),
		})

		token = page.PagingToken
		if token == "" {
			break
		}
	}

	for _, rel := range es.ManyToManyRelationships() {
		if len(ids) == 0 {
			continue
		}
		var assocs []*types.ManyToManyAssociation
		err := e.query(ctx, func(client dataverse.Client) error {
			var qerr error
			assocs, qerr = client.QueryAssociations(ctx, rel.Name, es.LogicalName, ids)
			return qerr
		})
		if err != nil {
			return fmt.Errorf("relationship %s: %w", rel.Name, err)
		}
		for _, a := range assocs {
			if a.TargetEntity == "" {
				a.TargetEntity = rel.TargetEntity
			}
			if a.TargetIDField == "" {
				a.TargetIDField = rel.TargetEntityPrimaryKey
			}
			data.Associations[es.LogicalName] = append(data.Associations[es.LogicalName], a)
		}
		e.emit(types.ProgressEvent{
			Phase:        types.PhaseExporting,
			Entity:       es.LogicalName,
			Relationship: rel.Name,
			Current:      len(data.Associations[es.LogicalName]),
			Total:        -1,
		})
	}
	return nil
}
