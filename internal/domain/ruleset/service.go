package ruleset

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ehrsync/internal/engine/syncerr"
	"github.com/ehr/ehrsync/internal/engine/transform"
	"github.com/ehr/ehrsync/internal/platform/events"
	"github.com/ehr/ehrsync/internal/platform/queue"
)

type validatePayload struct {
	RuleSetID uuid.UUID `json:"rule_set_id"`
}

type Service struct {
	store     Store
	engine    *transform.Engine
	registry  *transform.Registry
	broker    queue.Broker
	publisher events.Publisher
	logger    zerolog.Logger
}

func NewService(store Store, engine *transform.Engine, registry *transform.Registry, broker queue.Broker, publisher events.Publisher, logger zerolog.Logger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		store:     store,
		engine:    engine,
		registry:  registry,
		broker:    broker,
		publisher: publisher,
		logger:    logger.With().Str("component", "ruleset").Logger(),
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*RuleSetModel, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, provider string, limit, offset int) ([]*RuleSetModel, int, error) {
	return s.store.List(ctx, provider, limit, offset)
}

// Submit parses a YAML or JSON rule-set document, stores it pending and
// queues its validation.
func (s *Service) Submit(ctx context.Context, data []byte, submittedBy string) (*RuleSetModel, error) {
	rs, err := transform.Parse(data)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(rs.Provider) == "" || strings.TrimSpace(rs.EntityType) == "" {
		return nil, syncerr.New(syncerr.InvalidRuleSet, "provider and entity_type are required")
	}
	m, err := NewModel(rs, submittedBy)
	if err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, m); err != nil {
		return nil, fmt.Errorf("store rule set: %w", err)
	}
	msg, err := queue.NewMessage(queue.LaneTransform, queue.PriorityNormal, validatePayload{RuleSetID: m.ID})
	if err != nil {
		return nil, err
	}
	if _, err := s.broker.Enqueue(ctx, msg); err != nil {
		return nil, fmt.Errorf("enqueue rule set validation: %w", err)
	}
	return m, nil
}

// HandleValidate is the transform-lane handler. A rule set that compiles
// becomes active and replaces the previous active set for its provider and
// entity type; one that does not is marked invalid with the compile error.
func (s *Service) HandleValidate(ctx context.Context, msg *queue.Message) error {
	var p validatePayload
	if err := msg.Decode(&p); err != nil {
		return fmt.Errorf("decode rule set validation: %w", err)
	}
	m, err := s.store.Get(ctx, p.RuleSetID)
	if err != nil {
		return err
	}
	if m.Status != StatusPending {
		return nil
	}
	log := s.logger.With().Str("rule_set_id", m.ID.String()).Str("provider", m.Provider).
		Str("entity_type", m.EntityType).Logger()

	compiled, err := s.compile(m)
	if err != nil {
		if serr := s.store.SetStatus(ctx, m.ID, StatusInvalid, err.Error()); serr != nil {
			return serr
		}
		log.Warn().Err(err).Msg("rule set rejected")
		s.publish(ctx, events.RuleSetRejected, m, err.Error())
		return nil
	}

	active, err := s.store.Active(ctx)
	if err != nil {
		return err
	}
	for _, prev := range active {
		if prev.ID != m.ID && sameKey(prev, m) {
			if err := s.store.SetStatus(ctx, prev.ID, StatusSuperseded, ""); err != nil {
				return err
			}
		}
	}
	if err := s.store.SetStatus(ctx, m.ID, StatusActive, ""); err != nil {
		return err
	}
	s.registry.Put(transform.SourceDB, compiled)
	log.Info().Int("version", m.Version).Msg("rule set activated")
	s.publish(ctx, events.RuleSetActivated, m, "")
	return nil
}

func (s *Service) compile(m *RuleSetModel) (*transform.Compiled, error) {
	rs, err := m.RuleSet()
	if err != nil {
		return nil, syncerr.Wrap(err, syncerr.InvalidRuleSet, "decode stored rule set")
	}
	return s.engine.Compile(rs)
}

func sameKey(a, b *RuleSetModel) bool {
	return strings.EqualFold(a.Provider, b.Provider) && strings.EqualFold(a.EntityType, b.EntityType)
}

func (s *Service) publish(ctx context.Context, typ string, m *RuleSetModel, reason string) {
	ev := events.New(typ, "", "", string(m.Status), map[string]any{
		"rule_set_id": m.ID,
		"provider":    m.Provider,
		"entity_type": m.EntityType,
		"version":     m.Version,
		"error":       reason,
	})
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("event", typ).Msg("publish rule set event")
	}
}

// LoadActive installs every stored active rule set into the registry. Sets
// that no longer compile are marked invalid and skipped.
func (s *Service) LoadActive(ctx context.Context) (int, error) {
	active, err := s.store.Active(ctx)
	if err != nil {
		return 0, err
	}
	var loaded []*transform.Compiled
	for _, m := range active {
		compiled, err := s.compile(m)
		if err != nil {
			s.logger.Error().Err(err).Str("rule_set_id", m.ID.String()).Msg("stored rule set no longer compiles")
			_ = s.store.SetStatus(ctx, m.ID, StatusInvalid, err.Error())
			continue
		}
		loaded = append(loaded, compiled)
	}
	s.registry.ReplaceSource(transform.SourceDB, loaded)
	return len(loaded), nil
}
