package conflict

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ehrsync/internal/domain/record"
	"github.com/ehr/ehrsync/internal/engine/fieldpath"
	"github.com/ehr/ehrsync/internal/engine/resolve"
	"github.com/ehr/ehrsync/internal/platform/events"
	"github.com/ehr/ehrsync/internal/platform/queue"
)

// applyPayload is the conflict-lane message that writes a manual
// resolution into the canonical store.
type applyPayload struct {
	ConflictID uuid.UUID `json:"conflict_id"`
}

type Service struct {
	repo      Repository
	records   record.Repository
	broker    queue.Broker
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, records record.Repository, broker queue.Broker, publisher events.Publisher, logger zerolog.Logger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		repo:      repo,
		records:   records,
		broker:    broker,
		publisher: publisher,
		logger:    logger.With().Str("component", "conflict").Logger(),
		now:       time.Now,
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Conflict, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Conflict, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}

// Record persists a detected conflict with the engine's resolution. An
// automatic resolution is stored as auto-resolved; the caller applies it.
func (s *Service) Record(ctx context.Context, c *Conflict, res *resolve.Resolution) error {
	if res != nil {
		c.Severity = res.Severity
		c.Strategy = string(res.Strategy)
		c.Reason = res.Reason
		if !res.Manual {
			now := s.now().UTC()
			c.Status = StatusAutoResolved
			c.Winner = res.Winner
			c.ResolvedValue = res.Value
			c.ResolvedDeleted = res.Deleted
			c.ResolvedBy = ResolverSystem
			c.ResolvedAt = &now
			c.Applied = true
		}
	}
	if c.Status == "" {
		c.Status = StatusUnresolved
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return fmt.Errorf("store conflict: %w", err)
	}
	s.publish(ctx, events.ConflictDetected, c)
	if c.Status == StatusAutoResolved {
		s.publish(ctx, events.ConflictResolved, c)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, typ string, c *Conflict) {
	jobID := ""
	if c.JobID != nil {
		jobID = c.JobID.String()
	}
	ev := events.New(typ, jobID, c.ConnectionID.String(), string(c.Status), map[string]any{
		"conflict_id": c.ID,
		"entity_type": c.EntityType,
		"provider_id": c.ProviderID,
		"type":        c.Type,
		"severity":    c.Severity,
	})
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("event", typ).Msg("publish conflict event")
	}
}

// Resolve records a reviewer's decision and queues its application. A
// conflict that is already resolved stays untouched: the decision lands on a
// new conflict referencing it.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, d Decision, resolver string) (*Conflict, error) {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	winner, value, deleted, err := d.outcome(c)
	if err != nil {
		return nil, err
	}
	if c.RecordID == nil && c.Identity == "" && keeps(value, deleted) {
		return nil, ErrNoRecord
	}
	if c.Resolved() {
		next := c.Successor(nil)
		if err := s.repo.Create(ctx, next); err != nil {
			return nil, fmt.Errorf("store successor conflict: %w", err)
		}
		c = next
	}

	now := s.now().UTC()
	if resolver == "" {
		resolver = "unknown"
	}
	c.Status = StatusManuallyResolved
	c.Strategy = string(resolve.Manual)
	c.Winner = winner
	c.ResolvedValue = value
	c.ResolvedDeleted = deleted
	c.Reason = d.Reason
	c.ResolvedBy = resolver
	c.ResolvedAt = &now
	if err := s.repo.MarkResolved(ctx, c); err != nil {
		if errors.Is(err, ErrAlreadyResolved) {
			// Lost a race with another reviewer; retry on a successor.
			return s.Resolve(ctx, c.ID, d, resolver)
		}
		return nil, err
	}

	msg, err := queue.NewMessage(queue.LaneConflict, queue.PriorityHigh, applyPayload{ConflictID: c.ID})
	if err != nil {
		return nil, err
	}
	if _, err := s.broker.Enqueue(ctx, msg); err != nil {
		return nil, fmt.Errorf("enqueue conflict apply: %w", err)
	}
	s.logger.Info().Str("conflict_id", c.ID.String()).Str("choice", string(d.Choice)).
		Str("resolved_by", resolver).Msg("conflict resolved")
	return c, nil
}

// HandleApply is the conflict-lane handler. It writes a manual resolution
// through the revision-checked update path. When the canonical record moved
// since the conflict was detected, the resolution is not applied and a new
// unresolved conflict against the current record takes its place.
func (s *Service) HandleApply(ctx context.Context, m *queue.Message) error {
	var p applyPayload
	if err := m.Decode(&p); err != nil {
		return fmt.Errorf("decode conflict apply: %w", err)
	}
	c, err := s.repo.GetByID(ctx, p.ConflictID)
	if err != nil {
		return err
	}
	if c.Status != StatusManuallyResolved || c.Applied {
		return nil
	}
	if c.RecordID == nil {
		return s.create(ctx, c)
	}
	rec, err := s.records.Get(ctx, *c.RecordID)
	if err != nil {
		return fmt.Errorf("load record %s: %w", *c.RecordID, err)
	}
	expected, err := strconv.ParseInt(c.Canonical.Revision, 10, 64)
	if err != nil {
		return fmt.Errorf("conflict %s: bad canonical revision %q", c.ID, c.Canonical.Revision)
	}
	if rec.Revision != expected {
		return s.supersede(ctx, c, rec)
	}

	before := rec.Revision
	rec.Data = c.ResolvedValue
	if c.ResolvedDeleted && rec.Data == nil {
		rec.Data = fieldpath.Clone(c.Canonical.Value)
	}
	rec.Deleted = c.ResolvedDeleted
	rec.ModifiedAt = s.now().UTC()
	if err := s.records.UpdateIfRevision(ctx, rec, expected); err != nil {
		if errors.Is(err, record.ErrRevisionMismatch) {
			cur, gerr := s.records.Get(ctx, *c.RecordID)
			if gerr != nil {
				return gerr
			}
			return s.supersede(ctx, c, cur)
		}
		return err
	}
	return s.applied(ctx, c, rec, before)
}

// create applies a resolution for a provider record that never reached the
// canonical store. A decision that keeps nothing leaves the store untouched.
func (s *Service) create(ctx context.Context, c *Conflict) error {
	if !keeps(c.ResolvedValue, c.ResolvedDeleted) {
		return s.applied(ctx, c, nil, 0)
	}
	if c.Identity == "" {
		return fmt.Errorf("conflict %s: %w", c.ID, ErrNoRecord)
	}
	rec := &record.Record{
		EntityType: c.EntityType,
		Identity:   c.Identity,
		Data:       fieldpath.Clone(c.ResolvedValue),
		ModifiedAt: s.now().UTC(),
	}
	if err := s.records.Insert(ctx, rec); err != nil {
		if errors.Is(err, record.ErrDuplicateIdentity) {
			cur, gerr := s.records.FindByIdentity(ctx, c.EntityType, c.Identity)
			if gerr != nil {
				return gerr
			}
			return s.supersede(ctx, c, cur)
		}
		return fmt.Errorf("insert record: %w", err)
	}
	return s.applied(ctx, c, rec, 0)
}

// applied links the provider record to rec and marks c applied. The provider
// still holds the incoming value, so when the decision kept something else
// the link stays at before and the next outbound pass pushes the record.
func (s *Service) applied(ctx context.Context, c *Conflict, rec *record.Record, before int64) error {
	if rec != nil {
		link := &record.Link{
			ConnectionID:      c.ConnectionID,
			EntityType:        c.EntityType,
			ProviderID:        c.ProviderID,
			RecordID:          rec.ID,
			CanonicalRevision: before,
			ProviderRevision:  c.Incoming.Revision,
			Snapshot:          fieldpath.Clone(c.Incoming.Value),
		}
		if c.ResolvedDeleted == c.Incoming.Deleted && fieldpath.Equal(c.ResolvedValue, c.Incoming.Value) {
			link.CanonicalRevision = rec.Revision
		}
		if err := s.records.UpsertLink(ctx, link); err != nil {
			return fmt.Errorf("update sync link: %w", err)
		}
	}
	if err := s.repo.MarkApplied(ctx, c.ID); err != nil {
		return err
	}
	s.publish(ctx, events.ConflictResolved, c)
	ev := s.logger.Info().Str("conflict_id", c.ID.String())
	if rec != nil {
		ev = ev.Str("record_id", rec.ID.String()).Int64("revision", rec.Revision)
	}
	ev.Msg("conflict resolution applied")
	return nil
}

// keeps reports whether a decision leaves a value to store.
func keeps(value fieldpath.Record, deleted bool) bool {
	return value != nil && !deleted
}

func (s *Service) supersede(ctx context.Context, c *Conflict, current *record.Record) error {
	v := current.Version()
	next := c.Successor(&v)
	next.RecordID = &current.ID
	if err := s.repo.Create(ctx, next); err != nil {
		return fmt.Errorf("store successor conflict: %w", err)
	}
	s.logger.Warn().Str("conflict_id", c.ID.String()).Str("successor_id", next.ID.String()).
		Msg("canonical record changed before resolution was applied")
	s.publish(ctx, events.ConflictDetected, next)
	return nil
}
