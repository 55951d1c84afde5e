package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ehrsync/internal/domain/conflict"
	"github.com/ehr/ehrsync/internal/domain/record"
	"github.com/ehr/ehrsync/internal/engine/fieldpath"
	"github.com/ehr/ehrsync/internal/engine/resolve"
	"github.com/ehr/ehrsync/internal/engine/syncerr"
	"github.com/ehr/ehrsync/internal/engine/transform"
	"github.com/ehr/ehrsync/internal/provider"
)

// maxWriteAttempts bounds how often one record is re-read after losing a
// revision-checked write.
const maxWriteAttempts = 3

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeCreated
	outcomeUpdated
	outcomeConflicted
)

func (r *jobRun) count(o outcome) {
	res := &r.job.Result
	res.Processed++
	switch o {
	case outcomeCreated:
		res.Created++
	case outcomeUpdated:
		res.Updated++
	case outcomeConflicted:
		res.Conflicted++
	default:
		res.Unchanged++
	}
}

// inbound pulls one entity type from the provider page by page and merges
// it into the canonical store.
func (x *Executor) inbound(ctx context.Context, r *jobRun, c *transform.Compiled, since *time.Time) error {
	entity := strings.ToLower(c.Set.EntityType)
	req := provider.FetchRequest{
		EntityType: entity,
		ResourceID: r.job.Scope.ResourceID,
		PatientID:  r.job.Scope.PatientID,
		Since:      since,
		PageSize:   x.settings.BatchSize,
	}
	for {
		ok, err := x.nextBatch(ctx, r)
		if err != nil || !ok {
			return err
		}
		page, err := r.adapter.FetchEntities(ctx, req)
		if err != nil {
			return err
		}
		if err := x.inboundPage(ctx, r, c, entity, page.Entities); err != nil {
			return err
		}
		if page.NextPageToken == "" || req.ResourceID != "" {
			return nil
		}
		req.PageToken = page.NextPageToken
	}
}

func (x *Executor) inboundPage(ctx context.Context, r *jobRun, c *transform.Compiled, entity string, ents []provider.Entity) error {
	var live []fieldpath.Record
	index := make([]int, len(ents))
	for i, e := range ents {
		index[i] = -1
		if !e.Deleted {
			index[i] = len(live)
			live = append(live, e.Data)
		}
	}
	batch := x.transforms.TransformBatch(transform.Inbound, c, live, transform.Lenient)

	for i, ent := range ents {
		var data fieldpath.Record
		if j := index[i]; j >= 0 {
			item := batch.Items[j]
			if item.Err != nil {
				if syncerr.Is(item.Err, syncerr.SchemaMismatch) {
					o, err := x.schemaConflict(ctx, r, c, entity, ent, item.Record, item.Err)
					if err != nil {
						if jobFatal(err) {
							return err
						}
						x.recordError(ctx, r, ent.ID, err, nil)
						r.job.Result.Processed++
						continue
					}
					r.count(o)
					continue
				}
				x.recordError(ctx, r, ent.ID, item.Err, nil)
				r.job.Result.Processed++
				continue
			}
			if len(item.Warnings) > 0 {
				x.logger.Warn().
					Str("job_id", r.job.ID.String()).
					Str("record_id", ent.ID).
					Int("warnings", len(item.Warnings)).
					Msg("record transformed with warnings")
			}
			data = item.Record
			if _, err := x.identityOf(r, c, ent, data); err != nil {
				x.recordError(ctx, r, ent.ID, err, map[string]any{"warnings": item.Warnings})
				r.job.Result.Processed++
				continue
			}
		}

		o, err := x.mergeInbound(ctx, r, c, entity, ent, data)
		if err != nil {
			if jobFatal(err) {
				return err
			}
			x.recordError(ctx, r, ent.ID, err, nil)
			r.job.Result.Processed++
			continue
		}
		r.count(o)
	}
	return nil
}

// identityOf returns the value that matches a provider record to a canonical
// record. Rule sets without an identity path fall back to the provider id,
// which only matches within one provider.
func (x *Executor) identityOf(r *jobRun, c *transform.Compiled, ent provider.Entity, data fieldpath.Record) (string, error) {
	path := c.Identity()
	if path == "" {
		return r.conn.Provider + ":" + ent.ID, nil
	}
	v, ok := fieldpath.Get(data, path)
	if !ok || v == nil || fmt.Sprint(v) == "" {
		return "", syncerr.New(syncerr.TransformationError, "record has no value at identity path %q", path).WithRecord(ent.ID)
	}
	return fmt.Sprint(v), nil
}

func incomingVersion(ent provider.Entity, data fieldpath.Record, now time.Time) resolve.Version {
	v := resolve.Version{Value: data, Revision: ent.Revision, ModifiedAt: ent.ModifiedAt, Deleted: ent.Deleted}
	if v.ModifiedAt.IsZero() {
		v.ModifiedAt = now
	}
	return v
}

// mergeInbound reconciles one provider record with the canonical store. A
// lost revision race re-reads and starts over.
func (x *Executor) mergeInbound(ctx context.Context, r *jobRun, c *transform.Compiled, entity string, ent provider.Entity, data fieldpath.Record) (outcome, error) {
	incoming := incomingVersion(ent, data, x.now().UTC())
	var err error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		var o outcome
		o, err = x.reconcile(ctx, r, c, entity, ent, incoming)
		if !errors.Is(err, record.ErrRevisionMismatch) {
			return o, err
		}
		x.logger.Debug().Str("job_id", r.job.ID.String()).Str("record_id", ent.ID).Int("attempt", attempt+1).Msg("revision race, re-reading record")
	}
	return 0, err
}

func (x *Executor) reconcile(ctx context.Context, r *jobRun, c *transform.Compiled, entity string, ent provider.Entity, incoming resolve.Version) (outcome, error) {
	link, err := x.records.GetLink(ctx, r.conn.ID, entity, ent.ID)
	if errors.Is(err, record.ErrNotFound) {
		link = nil
	} else if err != nil {
		return 0, err
	}

	var rec *record.Record
	if link != nil {
		rec, err = x.records.Get(ctx, link.RecordID)
		if errors.Is(err, record.ErrNotFound) {
			rec, link = nil, nil
		} else if err != nil {
			return 0, err
		}
	}
	identity := ""
	if rec == nil && !incoming.Deleted {
		identity, err = x.identityOf(r, c, ent, incoming.Value)
		if err != nil {
			return 0, err
		}
		rec, err = x.records.FindByIdentity(ctx, entity, identity)
		if errors.Is(err, record.ErrNotFound) {
			rec = nil
		} else if err != nil {
			return 0, err
		}
	}

	if rec == nil {
		if incoming.Deleted {
			return outcomeUnchanged, nil
		}
		rec = &record.Record{EntityType: entity, Identity: identity, Data: incoming.Value, ModifiedAt: incoming.ModifiedAt}
		if err := x.records.Insert(ctx, rec); err != nil {
			if errors.Is(err, record.ErrDuplicateIdentity) {
				// Another job inserted it first; re-read through the retry loop.
				return 0, syncerr.Wrap(record.ErrRevisionMismatch, syncerr.RevisionMismatch, err.Error())
			}
			return 0, err
		}
		return outcomeCreated, x.link(ctx, r, entity, ent.ID, rec.ID, rec.Revision, incoming)
	}

	det := resolve.Detect(link.Base(), rec.Version(), incoming)
	switch {
	case det.Conflict:
		return x.conflict(ctx, r, entity, ent.ID, link, rec, incoming, det)
	case det.Changed == resolve.SideIncoming:
		if rec.Deleted == incoming.Deleted && (incoming.Deleted || len(det.Changes) == 0) {
			return outcomeUnchanged, x.link(ctx, r, entity, ent.ID, rec.ID, rec.Revision, incoming)
		}
		if err := x.write(ctx, rec, incoming.Value, incoming.Deleted, incoming.ModifiedAt); err != nil {
			return 0, err
		}
		return outcomeUpdated, x.link(ctx, r, entity, ent.ID, rec.ID, rec.Revision, incoming)
	case det.Changed == resolve.SideBoth:
		// Both sides arrived at the same value.
		return outcomeUnchanged, x.link(ctx, r, entity, ent.ID, rec.ID, rec.Revision, incoming)
	}
	// Nothing new upstream; canonical-only changes go out on the outbound pass.
	return outcomeUnchanged, nil
}

// write stores value on rec with a revision check and advances rec.
func (x *Executor) write(ctx context.Context, rec *record.Record, value fieldpath.Record, deleted bool, modifiedAt time.Time) error {
	next := *rec
	if !deleted || value != nil {
		next.Data = value
	}
	next.Deleted = deleted
	next.ModifiedAt = modifiedAt
	if err := x.records.UpdateIfRevision(ctx, &next, rec.Revision); err != nil {
		return err
	}
	*rec = next
	return nil
}

func (x *Executor) link(ctx context.Context, r *jobRun, entity, providerID string, recordID uuid.UUID, canonicalRevision int64, incoming resolve.Version) error {
	return x.records.UpsertLink(ctx, &record.Link{
		ConnectionID:      r.conn.ID,
		EntityType:        entity,
		ProviderID:        providerID,
		RecordID:          recordID,
		CanonicalRevision: canonicalRevision,
		ProviderRevision:  incoming.Revision,
		Snapshot:          fieldpath.Clone(incoming.Value),
		SyncedAt:          x.now().UTC(),
	})
}

// pendingConflict returns the unresolved conflict already open for a
// provider record, if any.
func (x *Executor) pendingConflict(ctx context.Context, r *jobRun, entity, providerID string) (*conflict.Conflict, error) {
	open, _, err := x.conflicts.List(ctx, conflict.Filter{
		Status:       conflict.StatusUnresolved,
		ConnectionID: &r.conn.ID,
		EntityType:   entity,
		ProviderID:   providerID,
	}, 1, 0)
	if err != nil || len(open) == 0 {
		return nil, err
	}
	return open[0], nil
}

// conflict resolves a divergence with the configured strategy. Automatic
// resolutions are written before the conflict is stored so a lost race
// re-detects against the new canonical revision.
func (x *Executor) conflict(ctx context.Context, r *jobRun, entity, providerID string, link *record.Link, rec *record.Record, incoming resolve.Version, det resolve.Detection) (outcome, error) {
	pending, err := x.pendingConflict(ctx, r, entity, providerID)
	if err != nil {
		return 0, err
	}
	if pending != nil && pending.Incoming.Revision == incoming.Revision {
		return outcomeConflicted, nil
	}

	rc := resolve.Conflict{
		EntityType: entity,
		Type:       det.Type,
		Base:       link.Base(),
		Canonical:  rec.Version(),
		Incoming:   incoming,
		Changes:    det.Changes,
	}
	strategy := x.policy.StrategyFor(entity, resolve.Strategy(r.conn.DefaultStrategy))
	res, err := x.resolver.Resolve(rc, strategy)
	if err != nil {
		return 0, syncerr.Wrap(err, syncerr.Internal, "resolve conflict")
	}

	if !res.Manual {
		switch res.Winner {
		case resolve.SideCanonical:
			// The provider value is now known; the canonical revision stays
			// behind so the outbound pass pushes the winner.
			if err := x.link(ctx, r, entity, providerID, rec.ID, link.CanonicalRevision, incoming); err != nil {
				return 0, err
			}
		default:
			modified := time.Time{}
			if res.Winner == resolve.SideIncoming {
				modified = incoming.ModifiedAt
			}
			if err := x.write(ctx, rec, res.Value, res.Deleted, modified); err != nil {
				return 0, err
			}
			canonRev := link.CanonicalRevision
			if res.Deleted == incoming.Deleted && fieldpath.Equal(res.Value, incoming.Value) {
				canonRev = rec.Revision
			}
			if err := x.link(ctx, r, entity, providerID, rec.ID, canonRev, incoming); err != nil {
				return 0, err
			}
		}
	}

	stored := conflict.New(r.conn.ID, &rec.ID, providerID, rc)
	stored.JobID = &r.job.ID
	if pending != nil {
		stored.PriorConflictID = &pending.ID
	}
	if err := x.conflicts.Record(ctx, stored, res); err != nil {
		return 0, err
	}
	x.logger.Info().
		Str("job_id", r.job.ID.String()).
		Str("record_id", rec.ID.String()).
		Str("type", string(rc.Type)).
		Str("severity", string(res.Severity)).
		Bool("manual", res.Manual).
		Msg("conflict detected")
	return outcomeConflicted, nil
}

// schemaConflict escalates a record whose transformed value violates the
// entity schema to manual review. The conflict carries the transformed
// record as its incoming side and the provider payload as context. A
// provider revision that was already reconciled is not raised again.
func (x *Executor) schemaConflict(ctx context.Context, r *jobRun, c *transform.Compiled, entity string, ent provider.Entity, partial fieldpath.Record, cause error) (outcome, error) {
	pending, err := x.pendingConflict(ctx, r, entity, ent.ID)
	if err != nil {
		return 0, err
	}
	if partial == nil {
		partial = fieldpath.Record{}
	}
	incoming := incomingVersion(ent, partial, x.now().UTC())
	if pending != nil && pending.Incoming.Revision == incoming.Revision && fieldpath.Equal(pending.Incoming.Value, incoming.Value) {
		return outcomeConflicted, nil
	}

	rc := resolve.Conflict{EntityType: entity, Type: resolve.SchemaMismatch, Incoming: incoming}
	var recordID *uuid.UUID
	link, err := x.records.GetLink(ctx, r.conn.ID, entity, ent.ID)
	switch {
	case err == nil:
		if link.ProviderRevision == incoming.Revision && fieldpath.Equal(link.Snapshot, incoming.Value) {
			return outcomeUnchanged, nil
		}
		rc.Base = link.Base()
		if rec, gerr := x.records.Get(ctx, link.RecordID); gerr == nil {
			rc.Canonical = rec.Version()
			recordID = &rec.ID
		}
	case !errors.Is(err, record.ErrNotFound):
		return 0, err
	}
	rc.Changes = fieldpath.Diff(rc.Canonical.Value, incoming.Value)

	res, err := x.resolver.Resolve(rc, resolve.Manual)
	if err != nil {
		return 0, syncerr.Wrap(err, syncerr.Internal, "resolve conflict")
	}
	res.Reason = cause.Error()
	stored := conflict.New(r.conn.ID, recordID, ent.ID, rc)
	stored.JobID = &r.job.ID
	stored.ProviderData = fieldpath.Clone(ent.Data)
	if recordID == nil {
		// Without an identity the conflict can only be rejected.
		stored.Identity, _ = x.identityOf(r, c, ent, partial)
	}
	if pending != nil {
		stored.PriorConflictID = &pending.ID
	}
	if err := x.conflicts.Record(ctx, stored, res); err != nil {
		return 0, err
	}
	x.logger.Info().
		Str("job_id", r.job.ID.String()).
		Str("record_id", ent.ID).
		Str("type", string(rc.Type)).
		Msg("schema mismatch sent to review")
	return outcomeConflicted, nil
}
