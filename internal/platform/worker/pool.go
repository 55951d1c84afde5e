// Package worker runs bounded pools of goroutines that consume queue lanes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ehrsync/internal/platform/queue"
)

// Handler processes one message. Returning nil acks it; returning an error
// built with RetryAfter nacks it for redelivery; any other error is logged
// and the message is acked, since redelivering it would fail the same way.
type Handler func(ctx context.Context, m *queue.Message) error

type retryError struct {
	delay time.Duration
	err   error
}

func (e *retryError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("retry after %s", e.delay)
	}
	return fmt.Sprintf("retry after %s: %v", e.delay, e.err)
}

func (e *retryError) Unwrap() error { return e.err }

// RetryAfter asks the pool to redeliver the message after delay.
func RetryAfter(delay time.Duration, err error) error {
	return &retryError{delay: delay, err: err}
}

// RetryDelay reports whether err requests redelivery, and after how long.
func RetryDelay(err error) (time.Duration, bool) {
	var re *retryError
	if errors.As(err, &re) {
		return re.delay, true
	}
	return 0, false
}

type lane struct {
	name        queue.Lane
	concurrency int
	handler     Handler
}

// Pool consumes lanes of a broker, each with its own concurrency ceiling.
type Pool struct {
	broker queue.Broker
	logger zerolog.Logger
	lanes  []lane

	// ErrorBackoff is the pause after a failed Dequeue.
	ErrorBackoff time.Duration

	wg sync.WaitGroup
}

// NewPool creates a pool for broker.
func NewPool(broker queue.Broker, logger zerolog.Logger) *Pool {
	return &Pool{
		broker:       broker,
		logger:       logger.With().Str("component", "worker").Logger(),
		ErrorBackoff: time.Second,
	}
}

// Handle registers h for lane with the given number of goroutines.
// It must be called before Run.
func (p *Pool) Handle(l queue.Lane, concurrency int, h Handler) {
	if concurrency < 1 {
		concurrency = 1
	}
	p.lanes = append(p.lanes, lane{name: l, concurrency: concurrency, handler: h})
}

// Run starts every registered lane and blocks until ctx is cancelled and
// all in-flight handlers have returned.
func (p *Pool) Run(ctx context.Context) error {
	if len(p.lanes) == 0 {
		return errors.New("worker: no lanes registered")
	}
	for _, l := range p.lanes {
		p.logger.Info().Str("lane", string(l.name)).Int("concurrency", l.concurrency).Msg("starting lane")
		for i := 0; i < l.concurrency; i++ {
			p.wg.Add(1)
			go p.loop(ctx, l)
		}
	}
	<-ctx.Done()
	p.wg.Wait()
	return nil
}

func (p *Pool) loop(ctx context.Context, l lane) {
	defer p.wg.Done()
	for {
		m, err := p.broker.Dequeue(ctx, l.name)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			p.logger.Error().Err(err).Str("lane", string(l.name)).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.ErrorBackoff):
			}
			continue
		}
		p.process(ctx, l, m)
	}
}

func (p *Pool) process(ctx context.Context, l lane, m *queue.Message) {
	start := time.Now()
	err := p.invoke(ctx, l.handler, m)

	// Ack and Nack must survive shutdown so the lease is settled.
	settleCtx := context.WithoutCancel(ctx)
	log := p.logger.With().
		Str("lane", string(l.name)).
		Str("message_id", m.ID).
		Int("attempt", m.Attempt).
		Dur("duration", time.Since(start)).
		Logger()

	if delay, ok := RetryDelay(err); ok {
		log.Warn().Err(errors.Unwrap(err)).Dur("delay", delay).Msg("message requeued")
		if nerr := p.broker.Nack(settleCtx, l.name, m.ID, delay); nerr != nil {
			log.Error().Err(nerr).Msg("nack failed")
		}
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("message failed")
	} else {
		log.Debug().Msg("message processed")
	}
	if aerr := p.broker.Ack(settleCtx, l.name, m.ID); aerr != nil {
		log.Error().Err(aerr).Msg("ack failed")
	}
}

func (p *Pool) invoke(ctx context.Context, h Handler, m *queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, m)
}
