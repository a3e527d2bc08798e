package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gobill/gobill/pkg/gobill"
)

const (
	headerContentType   = "Content-Type"
	headerWebhookID     = "X-Webhook-ID"
	headerEventType     = "X-Event-Type"
	headerCorrelationID = "X-Correlation-ID"

	contentTypeJSON = "application/json"

	// maxStoredBody bounds how much of a response body is kept on the record.
	maxStoredBody = 4 * 1024
)

// EngineConfig holds webhook delivery engine configuration.
type EngineConfig struct {
	// MaxAttempts is the number of delivery attempts before a record goes
	// terminally failed (default: 8).
	MaxAttempts int

	// DedupWindow is how far back the duplicate check looks for an existing
	// delivery to the same endpoint with the same (event id, event type)
	// (default: 24h).
	DedupWindow time.Duration

	// RequestTimeout bounds one HTTP call; a timeout is a retryable failure
	// (default: 10s).
	RequestTimeout time.Duration

	// Workers bounds concurrent deliveries per sweep (default: 8).
	Workers int

	// SweepBatchSize bounds how many deliveries one sweep run loads
	// (default: 200).
	SweepBatchSize int

	// RetentionDelivered is how long delivered records are kept (default: 7d).
	RetentionDelivered time.Duration

	// RetentionFailed is how long failed records are kept (default: 30d).
	RetentionFailed time.Duration

	// Backoff controls retry spacing.
	Backoff BackoffConfig

	// Breaker controls per-endpoint circuit breaking.
	Breaker BreakerConfig

	// Client is the HTTP client used for deliveries (default: http.DefaultClient
	// with RequestTimeout applied per call).
	Client *http.Client

	// Logger is used for structured logging (default: NoopLogger).
	Logger gobill.Logger

	// Metrics tracks delivery outcomes (default: NoopMetrics).
	Metrics Metrics

	// Now returns the current time; tests override it.
	Now func() time.Time
}

// DefaultEngineConfig returns an EngineConfig with sensible defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxAttempts:        8,
		DedupWindow:        24 * time.Hour,
		RequestTimeout:     10 * time.Second,
		Workers:            8,
		SweepBatchSize:     200,
		RetentionDelivered: 7 * 24 * time.Hour,
		RetentionFailed:    30 * 24 * time.Hour,
		Backoff:            DefaultBackoffConfig(),
		Breaker:            DefaultBreakerConfig(),
	}
}

// Engine delivers outbound event payloads with bounded retry and failure
// isolation. A failing endpoint trips its own circuit breaker and never
// starves deliveries headed elsewhere.
type Engine struct {
	store    DeliveryStore
	config   EngineConfig
	client   *http.Client
	breakers *BreakerRegistry
	logger   gobill.Logger
	metrics  Metrics
	now      func() time.Time
}

// NewEngine creates a webhook delivery engine.
func NewEngine(store DeliveryStore, config EngineConfig) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("delivery store is required")
	}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 8
	}
	if config.DedupWindow <= 0 {
		config.DedupWindow = 24 * time.Hour
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	if config.Workers <= 0 {
		config.Workers = 8
	}
	if config.SweepBatchSize <= 0 {
		config.SweepBatchSize = 200
	}
	if config.RetentionDelivered <= 0 {
		config.RetentionDelivered = 7 * 24 * time.Hour
	}
	if config.RetentionFailed <= 0 {
		config.RetentionFailed = 30 * 24 * time.Hour
	}
	if config.Backoff.InitialDelay <= 0 {
		config.Backoff = DefaultBackoffConfig()
	}
	if config.Breaker == (BreakerConfig{}) {
		config.Breaker = DefaultBreakerConfig()
	}
	if config.Client == nil {
		config.Client = &http.Client{}
	}
	if config.Logger == nil {
		config.Logger = &gobill.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}

	metrics := config.Metrics
	breakers := NewBreakerRegistry(config.Breaker, func(endpoint string, state BreakerState) {
		metrics.RecordCircuitStateChange(endpoint, string(state))
	})

	return &Engine{
		store:    store,
		config:   config,
		client:   config.Client,
		breakers: breakers,
		logger:   config.Logger,
		metrics:  config.Metrics,
		now:      config.Now,
	}, nil
}

// Enqueue records a delivery for the event and endpoint. An existing
// delivery to the same endpoint with the same (event id, event type) inside
// the dedup window short-circuits: the existing record is returned with
// ErrDuplicateEvent. The same event fanning out to other endpoints is not a
// duplicate.
func (e *Engine) Enqueue(ctx context.Context, endpoint string, event *Event, headers map[string]string) (*Delivery, error) {
	if !event.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, event.Type)
	}

	now := e.now()
	existing, err := e.store.FindDeliveryForEvent(ctx, endpoint, event.ID, event.Type, now.Add(-e.config.DedupWindow))
	if err != nil {
		return nil, err
	}
	if existing != nil {
		e.metrics.RecordDuplicateSuppressed(event.Type)
		e.logger.Debug("duplicate event suppressed",
			gobill.Field{Key: "event_id", Value: event.ID},
			gobill.Field{Key: "event_type", Value: string(event.Type)})
		return existing, ErrDuplicateEvent
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshalling event: %w", err)
	}

	d := &Delivery{
		ID:            uuid.NewString(),
		Endpoint:      endpoint,
		Method:        http.MethodPost,
		EventID:       event.ID,
		EventType:     event.Type,
		Payload:       payload,
		Headers:       headers,
		CorrelationID: uuid.NewString(),
		Status:        DeliveryPending,
		MaxAttempts:   e.config.MaxAttempts,
		ScheduledAt:   now,
		NextAttemptAt: &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.SaveDelivery(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Deliver runs one delivery attempt for the record, applying circuit
// breaking, response classification and backoff. When the endpoint's breaker
// is open the record is rescheduled without a network call and Deliver
// returns ErrCircuitOpen.
func (e *Engine) Deliver(ctx context.Context, deliveryID string) error {
	d, err := e.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return err
	}
	if d.Status.Terminal() {
		return nil
	}

	now := e.now()

	// Open breaker: reschedule at the computed backoff without consuming a
	// network call against the broken endpoint. The attempt counter is left
	// alone; a skipped call never spends retry budget.
	if !e.breakers.Allow(d.Endpoint) {
		next := now.Add(e.config.Backoff.Delay(d.Attempts))
		d.Status = DeliveryRetrying
		d.NextAttemptAt = &next
		d.UpdatedAt = now
		e.logger.Debug("circuit open, delivery rescheduled",
			gobill.Field{Key: "delivery_id", Value: d.ID},
			gobill.Field{Key: "endpoint", Value: d.Endpoint})
		if err := e.store.SaveDelivery(ctx, d); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrCircuitOpen, d.Endpoint)
	}

	d.Status = DeliveryProcessing
	d.UpdatedAt = now
	if err := e.store.SaveDelivery(ctx, d); err != nil {
		return err
	}

	code, body, err := e.post(ctx, d)
	d.Attempts++
	d.LastCode = code
	d.LastBody = body
	now = e.now()
	d.UpdatedAt = now

	switch classify(code, err) {
	case outcomeDelivered:
		d.Status = DeliveryDelivered
		d.NextAttemptAt = nil
		e.breakers.Success(d.Endpoint)
		e.metrics.RecordDeliverySuccess(d.Endpoint, d.EventType, d.Attempts)
		e.logger.Info("webhook delivered",
			gobill.Field{Key: "delivery_id", Value: d.ID},
			gobill.Field{Key: "endpoint", Value: d.Endpoint},
			gobill.Field{Key: "attempt", Value: d.Attempts})

	case outcomeRejected:
		// The receiver refuses the payload; retrying will not help.
		d.Status = DeliveryFailed
		d.NextAttemptAt = nil
		e.breakers.Failure(d.Endpoint)
		e.metrics.RecordDeliveryFailure(d.Endpoint, d.EventType, code, true)
		e.logger.Warn("webhook rejected by receiver",
			gobill.Field{Key: "delivery_id", Value: d.ID},
			gobill.Field{Key: "endpoint", Value: d.Endpoint},
			gobill.Field{Key: "status_code", Value: code})

	case outcomeRetryable:
		e.breakers.Failure(d.Endpoint)
		if d.Attempts >= d.MaxAttempts {
			d.Status = DeliveryFailed
			d.NextAttemptAt = nil
			e.metrics.RecordDeliveryFailure(d.Endpoint, d.EventType, code, true)
			e.logger.Warn("webhook delivery attempts exhausted",
				gobill.Field{Key: "delivery_id", Value: d.ID},
				gobill.Field{Key: "endpoint", Value: d.Endpoint},
				gobill.Field{Key: "attempts", Value: d.Attempts})
		} else {
			next := now.Add(e.config.Backoff.Delay(d.Attempts - 1))
			d.Status = DeliveryRetrying
			d.NextAttemptAt = &next
			e.metrics.RecordDeliveryFailure(d.Endpoint, d.EventType, code, false)
		}
	}

	return e.store.SaveDelivery(ctx, d)
}

// post issues the HTTP call for one delivery attempt.
func (e *Engine) post(ctx context.Context, d *Delivery) (int, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	defer cancel()

	method := d.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(reqCtx, method, d.Endpoint, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, "", err
	}

	req.Header.Set(headerContentType, contentTypeJSON)
	req.Header.Set(headerWebhookID, d.ID)
	req.Header.Set(headerEventType, string(d.EventType))
	req.Header.Set(headerCorrelationID, d.CorrelationID)
	for k, v := range d.Headers {
		req.Header.Set(k, v)
	}

	started := e.now()
	resp, err := e.client.Do(req)
	e.metrics.RecordDeliveryDuration(d.Endpoint, e.now().Sub(started))
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxStoredBody))
	return resp.StatusCode, string(body), nil
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeRejected
	outcomeRetryable
)

// classify maps an HTTP result onto the delivery outcome: 2xx delivered,
// 4xx other than 429 terminally rejected, everything else (429, 5xx,
// transport and timeout failures) retryable.
func classify(code int, err error) outcome {
	if err != nil {
		return outcomeRetryable
	}
	switch {
	case code >= 200 && code < 300:
		return outcomeDelivered
	case code >= 400 && code < 500 && code != http.StatusTooManyRequests:
		return outcomeRejected
	default:
		return outcomeRetryable
	}
}

// RunRetries delivers every record whose next attempt has come due.
// Safe to re-trigger before a previous run finishes.
func (e *Engine) RunRetries(ctx context.Context) error {
	ready, err := e.store.ListDeliveriesReady(ctx, e.now(), e.config.SweepBatchSize)
	if err != nil {
		return fmt.Errorf("listing ready deliveries: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Workers)
	for _, d := range ready {
		g.Go(func() error {
			err := e.Deliver(gctx, d.ID)
			if err != nil && !errors.Is(err, ErrCircuitOpen) {
				e.logger.Error("delivery attempt failed",
					gobill.Field{Key: "delivery_id", Value: d.ID},
					gobill.Field{Key: "error", Value: err.Error()})
			}
			return nil
		})
	}
	return g.Wait()
}

// RunCleanup prunes terminal records past their retention windows.
func (e *Engine) RunCleanup(ctx context.Context) error {
	now := e.now()
	removed, err := e.store.DeleteTerminalBefore(ctx,
		now.Add(-e.config.RetentionDelivered),
		now.Add(-e.config.RetentionFailed))
	if err != nil {
		return fmt.Errorf("pruning deliveries: %w", err)
	}
	if removed > 0 {
		e.logger.Info("pruned delivery records", gobill.Field{Key: "removed", Value: removed})
	}
	return nil
}

// BreakerState exposes the breaker state for an endpoint, for operational
// introspection.
func (e *Engine) BreakerState(endpoint string) BreakerState {
	return e.breakers.State(endpoint)
}
