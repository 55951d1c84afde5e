package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/ehrsync/internal/domain/record"
	"github.com/ehr/ehrsync/internal/engine/fieldpath"
	"github.com/ehr/ehrsync/internal/engine/transform"
	"github.com/ehr/ehrsync/internal/provider"
)

// outbound pushes canonical records whose revision moved past their link.
// Transformation runs in strict mode: a record that does not map cleanly is
// reported and skipped, never pushed partially.
func (x *Executor) outbound(ctx context.Context, r *jobRun, c *transform.Compiled) error {
	entity := strings.ToLower(c.Set.EntityType)

	if id := r.job.Scope.ResourceID; id != "" {
		ok, err := x.nextBatch(ctx, r)
		if err != nil || !ok {
			return err
		}
		link, err := x.records.GetLink(ctx, r.conn.ID, entity, id)
		if errors.Is(err, record.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		rec, err := x.records.Get(ctx, link.RecordID)
		if errors.Is(err, record.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return x.push(ctx, r, c, entity, rec)
	}

	offset := 0
	for {
		ok, err := x.nextBatch(ctx, r)
		if err != nil || !ok {
			return err
		}
		recs, total, err := x.records.List(ctx, entity, x.settings.BatchSize, offset)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if err := x.push(ctx, r, c, entity, rec); err != nil {
				return err
			}
		}
		offset += len(recs)
		if len(recs) == 0 || offset >= total {
			return nil
		}
	}
}

// push sends one record when it is ahead of its link. Only job-fatal errors
// are returned; anything else becomes a sync error on the job.
func (x *Executor) push(ctx context.Context, r *jobRun, c *transform.Compiled, entity string, rec *record.Record) error {
	link, err := x.records.GetLinkByRecord(ctx, r.conn.ID, rec.ID)
	if errors.Is(err, record.ErrNotFound) {
		link = nil
	} else if err != nil {
		return err
	}
	if link != nil && link.CanonicalRevision == rec.Revision {
		return nil
	}
	if !inPatientScope(r, entity, rec, link) {
		return nil
	}

	providerID := ""
	if link != nil {
		providerID = link.ProviderID
		pending, err := x.pendingConflict(ctx, r, entity, providerID)
		if err != nil {
			return err
		}
		if pending != nil {
			x.logger.Debug().Str("job_id", r.job.ID.String()).Str("record_id", rec.ID.String()).
				Str("conflict_id", pending.ID.String()).Msg("record awaits review, not pushing")
			return nil
		}
	}

	if rec.Deleted {
		if link == nil {
			return nil
		}
		// Providers expose no delete; the link catches up so the tombstone
		// is not revisited.
		next := *link
		next.CanonicalRevision = rec.Revision
		next.SyncedAt = x.now().UTC()
		if err := x.records.UpsertLink(ctx, &next); err != nil {
			return err
		}
		r.count(outcomeUnchanged)
		return nil
	}

	res, err := x.transforms.Transform(transform.Outbound, c, rec.Data, transform.Strict)
	if err != nil {
		x.recordError(ctx, r, rec.ID.String(), err, map[string]any{"entity_type": entity, "direction": "outbound"})
		r.job.Result.Processed++
		return nil
	}
	id, err := r.adapter.PushEntity(ctx, entity, providerID, res.Record)
	if err != nil {
		if jobFatal(err) {
			return err
		}
		x.recordError(ctx, r, rec.ID.String(), err, map[string]any{"entity_type": entity, "provider_id": providerID})
		r.job.Result.Processed++
		return nil
	}

	next := &record.Link{
		ConnectionID:      r.conn.ID,
		EntityType:        entity,
		ProviderID:        id,
		RecordID:          rec.ID,
		CanonicalRevision: rec.Revision,
		Snapshot:          fieldpath.Clone(rec.Data),
		SyncedAt:          x.now().UTC(),
	}
	next.ProviderRevision = x.providerRevision(ctx, r, entity, id)
	if err := x.records.UpsertLink(ctx, next); err != nil {
		return err
	}
	r.job.Result.Processed++
	r.job.Result.Pushed++
	return nil
}

// providerRevision reads back the revision the provider assigned to a pushed
// record so the next inbound pass does not mistake the push for an upstream
// change. An unknown revision is empty.
func (x *Executor) providerRevision(ctx context.Context, r *jobRun, entity, id string) string {
	page, err := r.adapter.FetchEntities(ctx, provider.FetchRequest{EntityType: entity, ResourceID: id})
	if err != nil || len(page.Entities) == 0 || page.Entities[0].Deleted {
		x.logger.Debug().Err(err).Str("job_id", r.job.ID.String()).Str("provider_id", id).Msg("pushed record revision unknown")
		return ""
	}
	return page.Entities[0].Revision
}

func inPatientScope(r *jobRun, entity string, rec *record.Record, link *record.Link) bool {
	pid := r.job.Scope.PatientID
	if pid == "" {
		return true
	}
	if entity == "patient" {
		return link != nil && link.ProviderID == pid
	}
	v, ok := fieldpath.Get(rec.Data, "patient")
	return ok && fmt.Sprint(v) == pid
}
