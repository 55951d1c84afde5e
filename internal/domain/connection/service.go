package connection

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ehrsync/internal/engine/resolve"
	"github.com/ehr/ehrsync/internal/engine/syncerr"
	"github.com/ehr/ehrsync/internal/provider"
)

const redactedSecret = "********"

type Service struct {
	repo      Repository
	providers *provider.Registry
	now       func() time.Time
}

func NewService(repo Repository, providers *provider.Registry) *Service {
	return &Service{repo: repo, providers: providers, now: time.Now}
}

func (s *Service) validate(c *Connection) error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}
	if c.Status == "" {
		c.Status = StatusActive
	}
	if !c.Status.Valid() {
		return fmt.Errorf("invalid status: %s", c.Status)
	}
	if c.DefaultStrategy != "" {
		if _, err := resolve.ParseStrategy(c.DefaultStrategy); err != nil {
			return err
		}
	}
	kind := c.AdapterKind()
	for _, k := range s.providers.Kinds() {
		if k == kind {
			c.Adapter = kind
			return nil
		}
	}
	return fmt.Errorf("unknown adapter: %s", c.Adapter)
}

func (s *Service) Create(ctx context.Context, c *Connection) error {
	if err := s.validate(c); err != nil {
		return err
	}
	return s.repo.Create(ctx, c)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Connection, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Connection, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// Update replaces the editable fields of a connection. A blank or redacted
// secret keeps the stored one.
func (s *Service) Update(ctx context.Context, c *Connection) error {
	existing, err := s.repo.GetByID(ctx, c.ID)
	if err != nil {
		return err
	}
	if c.ClientSecret == "" || c.ClientSecret == redactedSecret {
		c.ClientSecret = existing.ClientSecret
	}
	c.LastTestedAt = existing.LastTestedAt
	c.LastError = existing.LastError
	if err := s.validate(c); err != nil {
		return err
	}
	return s.repo.Update(ctx, c)
}

// Active returns the connection when it accepts jobs.
func (s *Service) Active(ctx context.Context, id uuid.UUID) (*Connection, error) {
	c, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, syncerr.New(syncerr.ConnectionInactive, "connection %s does not exist", id)
	}
	if err != nil {
		return nil, err
	}
	if c.Status != StatusActive {
		return nil, syncerr.New(syncerr.ConnectionInactive, "connection %s is %s", id, c.Status)
	}
	return c, nil
}

// Adapter opens the provider adapter of c.
func (s *Service) Adapter(c *Connection) (provider.Adapter, error) {
	a, err := s.providers.Open(c.AdapterKind(), c.ProviderConfig())
	if err != nil {
		return nil, syncerr.Wrap(err, syncerr.ProviderError, "open adapter")
	}
	return a, nil
}

// Test checks the provider is reachable. A failure moves an active
// connection to error; a success restores an errored one.
func (s *Service) Test(ctx context.Context, id uuid.UUID) (*Connection, error) {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	testErr := func() error {
		a, err := s.Adapter(c)
		if err != nil {
			return err
		}
		if _, err := a.Authenticate(ctx); err != nil {
			return err
		}
		return a.TestConnection(ctx)
	}()

	now := s.now().UTC()
	c.LastTestedAt = &now
	if testErr != nil {
		msg := testErr.Error()
		c.LastError = &msg
		if c.Status == StatusActive {
			c.Status = StatusError
		}
	} else {
		c.LastError = nil
		if c.Status == StatusError {
			c.Status = StatusActive
		}
	}
	if err := s.repo.Update(ctx, c); err != nil {
		return nil, err
	}
	return c, testErr
}
