package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ehrsync/internal/engine/syncerr"
	"github.com/ehr/ehrsync/internal/platform/backoff"
	"github.com/ehr/ehrsync/internal/platform/events"
	"github.com/ehr/ehrsync/internal/platform/queue"
	"github.com/ehr/ehrsync/internal/platform/worker"
)

// TriggerRequest asks the orchestrator for a webhook-triggered sync.
type TriggerRequest struct {
	SubscriptionID uuid.UUID
	ConnectionID   uuid.UUID
	EventType      string
	EventID        string
	EntityType     string
	ResourceID     string
	PatientID      string
}

// JobTrigger creates sync jobs for accepted inbound events.
type JobTrigger interface {
	TriggerWebhookSync(ctx context.Context, req TriggerRequest) (uuid.UUID, error)
}

// InboundEvent is the body providers post to the inbound endpoint.
type InboundEvent struct {
	ID           string    `json:"id"`
	Event        string    `json:"event"`
	ResourceType string    `json:"resource_type,omitempty"`
	ResourceID   string    `json:"resource_id,omitempty"`
	PatientID    string    `json:"patient_id,omitempty"`
	OccurredAt   time.Time `json:"occurred_at,omitempty"`
}

// Receipt is the outcome of an accepted inbound event.
type Receipt struct {
	Event string    `json:"event"`
	JobID uuid.UUID `json:"job_id"`
}

// Options are the dispatcher defaults applied to subscriptions that do not
// set their own.
type Options struct {
	Algorithm   string
	MaxAttempts int
	Timeout     time.Duration
	SecretGrace time.Duration
}

// Dispatcher verifies inbound provider events and delivers outbound
// notifications through the webhook lane.
type Dispatcher struct {
	store   Store
	broker  queue.Broker
	retry   backoff.Policy
	client  *http.Client
	trigger JobTrigger
	opts    Options
	logger  zerolog.Logger
	now     func() time.Time
}

func NewDispatcher(store Store, broker queue.Broker, retry backoff.Policy, trigger JobTrigger, opts Options, logger zerolog.Logger) *Dispatcher {
	if opts.Algorithm == "" {
		opts.Algorithm = AlgorithmSHA256
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Dispatcher{
		store:   store,
		broker:  broker,
		retry:   retry,
		client:  &http.Client{},
		trigger: trigger,
		opts:    opts,
		logger:  logger.With().Str("component", "webhook").Logger(),
		now:     time.Now,
	}
}

// SetTrigger wires the orchestrator after construction.
func (d *Dispatcher) SetTrigger(t JobTrigger) { d.trigger = t }

// SetHTTPClient replaces the client used for outbound deliveries.
func (d *Dispatcher) SetHTTPClient(c *http.Client) { d.client = c }

// validateWebhookURL checks that the URL is an absolute http(s) URL.
func validateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

func (d *Dispatcher) validate(s *Subscription) error {
	if s.ConnectionID == uuid.Nil {
		return syncerr.New(syncerr.InvalidScope, "connection_id is required")
	}
	if s.URL != "" {
		if err := validateWebhookURL(s.URL); err != nil {
			return syncerr.Wrap(err, syncerr.InvalidScope, "subscription url")
		}
	}
	if s.Algorithm == "" {
		s.Algorithm = d.opts.Algorithm
	}
	if _, _, err := hasher(s.Algorithm); err != nil {
		return syncerr.Wrap(err, syncerr.InvalidScope, "subscription algorithm")
	}
	for _, p := range s.Events {
		if !validPattern(p) {
			return syncerr.New(syncerr.UnknownEvent, "unknown event pattern %q", p)
		}
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = d.opts.MaxAttempts
	}
	if s.TimeoutSeconds < 0 {
		s.TimeoutSeconds = 0
	}
	return nil
}

// Register creates a subscription. A missing secret is generated.
func (d *Dispatcher) Register(ctx context.Context, s *Subscription) error {
	if err := d.validate(s); err != nil {
		return err
	}
	if s.Secret == "" {
		secret, err := generateSecret()
		if err != nil {
			return err
		}
		s.Secret = secret
	}
	s.Enabled = true
	return d.store.Create(ctx, s)
}

func (d *Dispatcher) Get(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return d.store.Get(ctx, id)
}

func (d *Dispatcher) List(ctx context.Context, connectionID *uuid.UUID) ([]*Subscription, error) {
	return d.store.List(ctx, connectionID)
}

// Update replaces the mutable fields of a subscription. The secret only
// changes through RotateSecret.
func (d *Dispatcher) Update(ctx context.Context, s *Subscription) error {
	existing, err := d.store.Get(ctx, s.ID)
	if err != nil {
		return err
	}
	s.ConnectionID = existing.ConnectionID
	if err := d.validate(s); err != nil {
		return err
	}
	s.Secret = existing.Secret
	s.PreviousSecret = existing.PreviousSecret
	s.SecretRotatedAt = existing.SecretRotatedAt
	s.CreatedAt = existing.CreatedAt
	return d.store.Update(ctx, s)
}

func (d *Dispatcher) Delete(ctx context.Context, id uuid.UUID) error {
	return d.store.Delete(ctx, id)
}

// RotateSecret replaces the shared secret. The previous secret keeps
// verifying inbound events for the configured grace period.
func (d *Dispatcher) RotateSecret(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	s, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}
	now := d.now().UTC()
	s.PreviousSecret = s.Secret
	s.Secret = secret
	s.SecretRotatedAt = &now
	if err := d.store.Update(ctx, s); err != nil {
		return nil, err
	}
	d.logger.Info().Str("subscription_id", id.String()).Msg("webhook secret rotated")
	return s, nil
}

func (d *Dispatcher) Deliveries(ctx context.Context, id uuid.UUID, limit int) ([]*Delivery, error) {
	if _, err := d.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return d.store.ListDeliveries(ctx, id, limit)
}

func (d *Dispatcher) record(ctx context.Context, del *Delivery) {
	if err := d.store.RecordDelivery(ctx, del); err != nil {
		d.logger.Error().Err(err).Str("subscription_id", del.SubscriptionID.String()).Msg("record webhook delivery")
	}
}

// Receive verifies and accepts one inbound provider event. The signature is
// checked over the raw bytes before anything is parsed; a rejected payload
// is logged and goes no further.
func (d *Dispatcher) Receive(ctx context.Context, subscriptionID uuid.UUID, raw []byte, signature string) (*Receipt, error) {
	start := d.now()
	sub, err := d.store.Get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	del := &Delivery{
		SubscriptionID: sub.ID,
		Direction:      Inbound,
		PayloadDigest:  payloadDigest(raw),
		Attempt:        1,
	}
	finish := func(outcome Outcome, status int, cause error) {
		del.Outcome = outcome
		del.StatusCode = status
		if cause != nil {
			del.Error = cause.Error()
		}
		del.DurationMS = d.now().Sub(start).Milliseconds()
		d.record(ctx, del)
	}

	valid := sub.Enabled && verifySubscription(sub, raw, signature, d.opts.SecretGrace, d.now())
	del.SignatureValid = &valid
	if !valid {
		err := syncerr.New(syncerr.SignatureInvalid, "signature verification failed for subscription %s", sub.ID)
		finish(OutcomeSignatureInvalid, http.StatusUnauthorized, err)
		d.logger.Warn().Str("subscription_id", sub.ID.String()).Msg("inbound webhook rejected: invalid signature")
		return nil, err
	}

	var in InboundEvent
	if err := json.Unmarshal(raw, &in); err != nil {
		err = syncerr.Wrap(err, syncerr.UnknownEvent, "decode inbound event")
		finish(OutcomeUnknownEvent, http.StatusUnprocessableEntity, err)
		return nil, err
	}
	del.EventID = in.ID
	del.EventType = in.Event
	event, entity, _, ok := NormalizeEvent(in.Event)
	if !ok || !sub.Subscribed(event) {
		err := syncerr.New(syncerr.UnknownEvent, "event %q is not accepted by subscription %s", in.Event, sub.ID)
		finish(OutcomeUnknownEvent, http.StatusUnprocessableEntity, err)
		d.logger.Warn().Str("subscription_id", sub.ID.String()).Str("event", in.Event).Msg("inbound webhook rejected: unknown event")
		return nil, err
	}
	del.EventType = event

	if d.trigger == nil {
		err := syncerr.New(syncerr.Internal, "no job trigger configured")
		finish(OutcomeRejected, http.StatusServiceUnavailable, err)
		return nil, err
	}
	jobID, err := d.trigger.TriggerWebhookSync(ctx, TriggerRequest{
		SubscriptionID: sub.ID,
		ConnectionID:   sub.ConnectionID,
		EventType:      event,
		EventID:        in.ID,
		EntityType:     entity,
		ResourceID:     in.ResourceID,
		PatientID:      in.PatientID,
	})
	if err != nil {
		finish(OutcomeRejected, http.StatusConflict, err)
		return nil, err
	}
	del.JobID = &jobID
	finish(OutcomeAccepted, http.StatusAccepted, nil)
	d.logger.Info().
		Str("subscription_id", sub.ID.String()).
		Str("event", event).
		Str("job_id", jobID.String()).
		Msg("inbound webhook accepted")
	return &Receipt{Event: event, JobID: jobID}, nil
}

// deliveryPayload is the webhook-lane message body.
type deliveryPayload struct {
	SubscriptionID uuid.UUID       `json:"subscription_id"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	Body           json.RawMessage `json:"body"`
}

// Envelope is the JSON body posted to subscriber endpoints.
type Envelope struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Dispatch enqueues one outbound delivery to a subscription.
func (d *Dispatcher) Dispatch(ctx context.Context, subscriptionID uuid.UUID, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	return d.enqueue(ctx, subscriptionID, Envelope{
		ID:        uuid.NewString(),
		Event:     eventType,
		Timestamp: d.now().UTC(),
		Data:      data,
	})
}

func (d *Dispatcher) enqueue(ctx context.Context, subscriptionID uuid.UUID, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode webhook envelope: %w", err)
	}
	m, err := queue.NewMessage(queue.LaneWebhook, queue.PriorityNormal, deliveryPayload{
		SubscriptionID: subscriptionID,
		EventID:        env.ID,
		EventType:      env.Event,
		Body:           body,
	})
	if err != nil {
		return err
	}
	_, err = d.broker.Enqueue(ctx, m)
	return err
}

// DispatchEvent fans an event out to every enabled subscription of the
// connection whose patterns match it. Subscriptions without a URL only
// receive and are skipped.
func (d *Dispatcher) DispatchEvent(ctx context.Context, connectionID uuid.UUID, eventType string, payload any) (int, error) {
	subs, err := d.store.List(ctx, &connectionID)
	if err != nil {
		return 0, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode webhook payload: %w", err)
	}
	env := Envelope{ID: uuid.NewString(), Event: eventType, Timestamp: d.now().UTC(), Data: data}
	n := 0
	var errs []error
	for _, s := range subs {
		if !s.Enabled || s.URL == "" || !s.Subscribed(eventType) {
			continue
		}
		if err := d.enqueue(ctx, s.ID, env); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// Publish implements events.Publisher. Job terminal events and conflict
// detections become outbound webhooks for the job's connection.
func (d *Dispatcher) Publish(ctx context.Context, ev events.Event) error {
	if !outboundEvents[ev.Type] || ev.ConnectionID == "" {
		return nil
	}
	connID, err := uuid.Parse(ev.ConnectionID)
	if err != nil {
		return nil
	}
	_, err = d.DispatchEvent(ctx, connID, ev.Type, ev)
	return err
}

// Deliver is the webhook-lane handler. It signs at delivery time so a
// rotated secret takes effect for queued messages, and reports failures
// back to the pool for redelivery until the attempt ceiling is reached.
func (d *Dispatcher) Deliver(ctx context.Context, m *queue.Message) error {
	var p deliveryPayload
	if err := m.Decode(&p); err != nil {
		return fmt.Errorf("decode delivery: %w", err)
	}
	sub, err := d.store.Get(ctx, p.SubscriptionID)
	if errors.Is(err, ErrNotFound) {
		d.logger.Warn().Str("subscription_id", p.SubscriptionID.String()).Msg("dropping delivery for deleted subscription")
		return nil
	}
	if err != nil {
		return worker.RetryAfter(d.retry.Delay(m.Attempt, 0), err)
	}
	if !sub.Enabled || sub.URL == "" {
		return nil
	}

	attempt := m.Attempt + 1
	maxAttempts := sub.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.opts.MaxAttempts
	}
	del := &Delivery{
		SubscriptionID: sub.ID,
		Direction:      Outbound,
		EventType:      p.EventType,
		EventID:        p.EventID,
		PayloadDigest:  payloadDigest(p.Body),
		Attempt:        attempt,
	}
	status, sendErr := d.send(ctx, sub, p, del)
	del.StatusCode = status
	if sendErr == nil {
		del.Outcome = OutcomeDelivered
		d.record(ctx, del)
		return nil
	}

	del.Error = sendErr.Error()
	log := d.logger.Warn().
		Err(sendErr).
		Str("subscription_id", sub.ID.String()).
		Str("event", p.EventType).
		Int("attempt", attempt)
	if attempt >= maxAttempts {
		del.Outcome = OutcomeExhausted
		d.record(ctx, del)
		log.Msg("webhook delivery exhausted")
		return nil
	}
	del.Outcome = OutcomeFailed
	d.record(ctx, del)
	delay := d.retry.Delay(m.Attempt, syncerr.RetryAfter(sendErr))
	log.Dur("retry_in", delay).Msg("webhook delivery failed")
	return worker.RetryAfter(delay, sendErr)
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, p deliveryPayload, del *Delivery) (int, error) {
	sig, err := Sign(sub.Algorithm, sub.Secret, p.Body)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, sub.timeout(d.opts.Timeout))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(p.Body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", sig)
	req.Header.Set("X-Webhook-ID", p.EventID)
	req.Header.Set("X-Webhook-Event", p.EventType)
	req.Header.Set("X-Webhook-Timestamp", fmt.Sprintf("%d", d.now().Unix()))

	start := d.now()
	resp, err := d.client.Do(req)
	del.DurationMS = d.now().Sub(start).Milliseconds()
	if err != nil {
		return 0, syncerr.Wrap(err, syncerr.NetworkTimeout, "deliver webhook")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e := syncerr.New(syncerr.ProviderError, "endpoint returned %d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests {
			e = syncerr.New(syncerr.RateLimited, "endpoint returned %d", resp.StatusCode)
		}
		return resp.StatusCode, e
	}
	return resp.StatusCode, nil
}
