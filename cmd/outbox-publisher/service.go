package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/creditledger-backend/pkg/config"
	"github.com/angelmondragon/creditledger-backend/pkg/db/models"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
	"github.com/angelmondragon/creditledger-backend/pkg/outbox"
	"github.com/angelmondragon/creditledger-backend/pkg/outbox/registry"
)

const (
	defaultBatchSize    = 50
	defaultPollInterval = 500 * time.Millisecond
	defaultMaxAttempts  = 10
	batchPublishTimeout = 15 * time.Second
	maxBackoff          = 10 * time.Second
	jitterWindow        = 250 * time.Millisecond
)

type terminalReason string

const (
	reasonNonRetryable terminalReason = "non_retryable"
	reasonMaxAttempts  terminalReason = "max_attempts"
)

var jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type pubSubClient interface {
	Ping(context.Context) error
	Publisher(name string) *gcppubsub.Publisher
}

type outboxRepository interface {
	FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error
}

type registryResolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
}

type publisherFactory func(topic string) publisher

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
	Stop()
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type ServiceParams struct {
	Config           *config.Config
	Logger           *logger.Logger
	DB               dbClient
	PubSub           pubSubClient
	Repository       outboxRepository
	Registry         registryResolver
	PublisherFactory publisherFactory
}

// Service drains outbox_events to Pub/Sub. Each batch is claimed inside one
// transaction, every row in it is handed to Pub/Sub before any result is
// awaited, and each row is then marked published, failed, or terminal.
type Service struct {
	logg             *logger.Logger
	db               dbClient
	repo             outboxRepository
	pubsub           pubSubClient
	registry         registryResolver
	publisherFactory publisherFactory
	publishers       map[string]publisher
	batchSize        int
	maxAttempts      int
	pollInterval     time.Duration
}

// inflight is a row whose publish has been started but not yet settled.
type inflight struct {
	event    models.OutboxEvent
	resolved *registry.ResolvedEvent
	fields   map[string]any
	result   publishResult
	err      error
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Config == nil:
		return nil, errors.New("config is required")
	case params.Logger == nil:
		return nil, errors.New("logger is required")
	case params.DB == nil:
		return nil, errors.New("database client is required")
	case params.PubSub == nil:
		return nil, errors.New("pubsub client is required")
	case params.Repository == nil:
		return nil, errors.New("outbox repository is required")
	case params.Registry == nil:
		return nil, errors.New("event registry is required")
	}

	factory := params.PublisherFactory
	if factory == nil {
		factory = func(topic string) publisher {
			return newGCPPublisher(params.PubSub.Publisher(topic))
		}
	}

	outboxCfg := params.Config.Outbox
	batch := outboxCfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	poll := time.Duration(outboxCfg.PollIntervalMS) * time.Millisecond
	if poll <= 0 {
		poll = defaultPollInterval
	}
	maxAttempts := outboxCfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	return &Service{
		logg:             params.Logger,
		db:               params.DB,
		repo:             params.Repository,
		pubsub:           params.PubSub,
		registry:         params.Registry,
		publisherFactory: factory,
		publishers:       map[string]publisher{},
		batchSize:        batch,
		maxAttempts:      maxAttempts,
		pollInterval:     poll,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	for name, ping := range map[string]func(context.Context) error{
		"database": s.db.Ping,
		"pubsub":   s.pubsub.Ping,
	} {
		if err := ping(ctx); err != nil {
			s.logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
			return fmt.Errorf("%s ping failed: %w", name, err)
		}
	}
	return nil
}

// Run polls until ctx is canceled. Empty polls sleep for the poll interval;
// failing batches back off exponentially up to maxBackoff.
func (s *Service) Run(ctx context.Context) error {
	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}
	defer s.stopPublishers()

	backoff := s.pollInterval
	for {
		if err := ctx.Err(); err != nil {
			s.logg.Info(ctx, "outbox publisher context canceled")
			return err
		}

		processed, err := s.processBatch(ctx)
		switch {
		case err != nil:
			s.logg.Error(ctx, "outbox publisher batch error", err)
			backoff = nextBackoff(backoff, s.pollInterval, maxBackoff)
			if err := sleep(ctx, withJitter(backoff)); err != nil {
				return err
			}
		case processed:
			backoff = s.pollInterval
		default:
			backoff = s.pollInterval
			if err := sleep(ctx, withJitter(s.pollInterval)); err != nil {
				return err
			}
		}
	}
}

func (s *Service) processBatch(ctx context.Context) (bool, error) {
	processed := false
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		events, err := s.repo.FetchUnpublishedForPublish(tx, s.batchSize, s.maxAttempts)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		processed = true

		publishCtx, cancel := context.WithTimeout(ctx, batchPublishTimeout)
		defer cancel()

		pending := make([]inflight, 0, len(events))
		for _, event := range events {
			resolved, err := s.registry.Resolve(event)
			if err != nil {
				if markErr := s.handleTerminal(ctx, tx, event, reasonNonRetryable, err, s.eventFields(event, outbox.PayloadEnvelope{}, "")); markErr != nil {
					return markErr
				}
				continue
			}
			item := inflight{
				event:    event,
				resolved: resolved,
				fields:   s.eventFields(event, resolved.Envelope, resolved.Descriptor.Topic),
			}
			item.result, item.err = s.startPublish(publishCtx, event, resolved)
			pending = append(pending, item)
		}

		for _, item := range pending {
			err := item.err
			if err == nil {
				_, err = item.result.Get(publishCtx)
			}
			if err := s.settle(ctx, tx, item, err); err != nil {
				return err
			}
		}
		return nil
	})
	return processed, err
}

// settle records the outcome of one publish on its row.
func (s *Service) settle(ctx context.Context, tx *gorm.DB, item inflight, publishErr error) error {
	event := item.event
	if publishErr == nil {
		if err := s.repo.MarkPublishedTx(tx, event.ID); err != nil {
			return fmt.Errorf("mark published %s: %w", event.ID, err)
		}
		s.logg.Info(s.logg.WithFields(ctx, item.fields), "outbox event published")
		return nil
	}

	if registry.IsPermanent(publishErr) {
		return s.handleTerminal(ctx, tx, event, reasonNonRetryable, publishErr, item.fields)
	}

	item.fields["attempt_count"] = event.AttemptCount + 1
	if event.NextAttemptExhausts(s.maxAttempts) {
		return s.handleTerminal(ctx, tx, event, reasonMaxAttempts, fmt.Errorf("max publish attempts reached: %w", publishErr), item.fields)
	}

	logCtx := s.logg.WithFields(ctx, item.fields)
	s.logg.Warn(s.logg.WithField(logCtx, "error", publishErr.Error()), "outbox publish failed")
	if err := s.repo.MarkFailedTx(tx, event.ID, publishErr); err != nil {
		return fmt.Errorf("mark failure %s: %w", event.ID, err)
	}
	return nil
}

// handleTerminal parks a row that will never publish. Downstream consumers
// then miss a ledger fact, so it is logged as critical.
func (s *Service) handleTerminal(ctx context.Context, tx *gorm.DB, event models.OutboxEvent, reason terminalReason, err error, fields map[string]any) error {
	fields["terminal_reason"] = reason
	s.logg.Critical(s.logg.WithFields(ctx, fields), "outbox event will not be retried", err)

	if markErr := s.repo.MarkTerminalTx(tx, event.ID, err, s.maxAttempts); markErr != nil {
		return fmt.Errorf("mark terminal %s: %w", event.ID, markErr)
	}
	return nil
}

func (s *Service) startPublish(ctx context.Context, event models.OutboxEvent, resolved *registry.ResolvedEvent) (publishResult, error) {
	topic := resolved.Descriptor.Topic
	pub := s.publisherFor(topic)
	if pub == nil {
		return nil, registry.Permanent(fmt.Errorf("publisher not configured for topic %s", topic))
	}
	result := pub.Publish(ctx, &gcppubsub.Message{
		Data:       event.Payload,
		Attributes: messageAttributes(event, resolved.Envelope),
	})
	if result == nil {
		return nil, registry.Permanent(fmt.Errorf("publisher returned nil for topic %s", topic))
	}
	return result, nil
}

// publisherFor reuses one publisher per topic so Pub/Sub can batch across
// polls.
func (s *Service) publisherFor(topic string) publisher {
	if pub, ok := s.publishers[topic]; ok {
		return pub
	}
	pub := s.publisherFactory(topic)
	if pub != nil {
		s.publishers[topic] = pub
	}
	return pub
}

func (s *Service) stopPublishers() {
	for topic, pub := range s.publishers {
		pub.Stop()
		delete(s.publishers, topic)
	}
}

// messageAttributes lets subscribers filter and dedupe without decoding the
// body.
func messageAttributes(event models.OutboxEvent, envelope outbox.PayloadEnvelope) map[string]string {
	attrs := map[string]string{
		"event_id":         envelope.EventID,
		"event_type":       string(event.EventType),
		"aggregate_type":   string(event.AggregateType),
		"aggregate_id":     event.AggregateID.String(),
		"created_at":       event.CreatedAt.Format(time.RFC3339Nano),
		"envelope_version": strconv.Itoa(envelope.Version),
	}
	if envelope.Actor != nil && envelope.Actor.UserID != "" {
		attrs["user_id"] = envelope.Actor.UserID
	}
	return attrs
}

func (s *Service) eventFields(event models.OutboxEvent, envelope outbox.PayloadEnvelope, topic string) map[string]any {
	fields := map[string]any{
		"outbox_id":      event.ID.String(),
		"event_type":     event.EventType,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID.String(),
		"attempt_count":  event.AttemptCount,
		"age_ms":         event.Age(time.Now()).Milliseconds(),
	}
	if envelope.EventID != "" {
		fields["event_id"] = envelope.EventID
		fields["occurred_at"] = envelope.OccurredAt.Format(time.RFC3339Nano)
	}
	if topic != "" {
		fields["topic"] = topic
	}
	if event.LastError != nil {
		fields["last_error"] = *event.LastError
	}
	return fields
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	if next := current * 2; next < max {
		return next
	}
	return max
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + time.Duration(jitterSource.Int63n(int64(jitterWindow)))
}

type gcpPublisher struct {
	pub *gcppubsub.Publisher
}

func newGCPPublisher(p *gcppubsub.Publisher) publisher {
	if p == nil {
		return nil
	}
	return &gcpPublisher{pub: p}
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	return p.pub.Publish(ctx, msg)
}

func (p *gcpPublisher) Stop() {
	p.pub.Stop()
}
