// Package memory provides an in-memory storage implementation for testing
// and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gobill/gobill/pkg/gobill"
	"github.com/gobill/gobill/pkg/webhook"
)

// Storage is an in-memory implementation of gobill.Storage and
// webhook.DeliveryStore. Every read and write copies, so callers can never
// alias internal state.
type Storage struct {
	mu            sync.RWMutex
	plans         map[string]*gobill.Plan
	subscriptions map[string]*gobill.Subscription
	invoices      map[string]*gobill.Invoice
	deliveries    map[string]*webhook.Delivery

	lockMu   sync.Mutex
	subLocks map[string]*sync.Mutex
}

// NewStorage creates an empty in-memory storage.
func NewStorage() *Storage {
	return &Storage{
		plans:         make(map[string]*gobill.Plan),
		subscriptions: make(map[string]*gobill.Subscription),
		invoices:      make(map[string]*gobill.Invoice),
		deliveries:    make(map[string]*webhook.Delivery),
		subLocks:      make(map[string]*sync.Mutex),
	}
}

func (s *Storage) GetPlan(ctx context.Context, code string) (*gobill.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plan, ok := s.plans[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", gobill.ErrPlanNotFound, code)
	}
	return copyPlan(plan), nil
}

func (s *Storage) SavePlan(ctx context.Context, plan *gobill.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.plans[plan.Code] = copyPlan(plan)
	return nil
}

func (s *Storage) GetSubscription(ctx context.Context, id string) (*gobill.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", gobill.ErrSubscriptionNotFound, id)
	}
	return copySubscription(sub), nil
}

func (s *Storage) SaveSubscription(ctx context.Context, sub *gobill.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscriptions[sub.ID] = copySubscription(sub)
	return nil
}

func (s *Storage) ListSubscriptionsDue(ctx context.Context, cutoff time.Time, limit int) ([]*gobill.Subscription, error) {
	return s.listSubscriptions(limit, func(sub *gobill.Subscription) bool {
		// Trialing subscriptions carry a NextBillingDate but no period yet;
		// they belong to the trial-ending sweep, not this one.
		return (sub.Status == gobill.StatusActive || sub.Status == gobill.StatusPastDue) &&
			!sub.CurrentPeriodStart.IsZero() &&
			sub.NextBillingDate != nil && !sub.NextBillingDate.After(cutoff)
	})
}

func (s *Storage) ListSubscriptionsByStatus(ctx context.Context, status gobill.SubscriptionStatus, limit int) ([]*gobill.Subscription, error) {
	return s.listSubscriptions(limit, func(sub *gobill.Subscription) bool {
		return sub.Status == status
	})
}

func (s *Storage) ListTrialsEnding(ctx context.Context, cutoff time.Time, limit int) ([]*gobill.Subscription, error) {
	return s.listSubscriptions(limit, func(sub *gobill.Subscription) bool {
		return sub.Status == gobill.StatusActive &&
			sub.TrialEnd != nil && !sub.TrialEnd.After(cutoff) &&
			sub.CurrentPeriodStart.IsZero()
	})
}

func (s *Storage) ListPendingChangesDue(ctx context.Context, cutoff time.Time, limit int) ([]*gobill.Subscription, error) {
	return s.listSubscriptions(limit, func(sub *gobill.Subscription) bool {
		return sub.PendingChange != nil && !sub.PendingChange.EffectiveAt.After(cutoff)
	})
}

func (s *Storage) CountActiveSubscriptionsForPlan(ctx context.Context, planCode string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, sub := range s.subscriptions {
		if sub.PlanCode != planCode {
			continue
		}
		switch sub.Status {
		case gobill.StatusCancelled, gobill.StatusExpired:
		default:
			count++
		}
	}
	return count, nil
}

func (s *Storage) listSubscriptions(limit int, match func(*gobill.Subscription) bool) ([]*gobill.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*gobill.Subscription
	for _, sub := range s.subscriptions {
		if match(sub) {
			result = append(result, copySubscription(sub))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Storage) GetInvoice(ctx context.Context, id string) (*gobill.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", gobill.ErrInvoiceNotFound, id)
	}
	return copyInvoice(inv), nil
}

func (s *Storage) SaveInvoice(ctx context.Context, inv *gobill.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// At most one non-cancelled invoice per (subscription, period), matching
	// the partial unique index the Postgres backend enforces.
	if inv.Status != gobill.InvoiceCancelled {
		for _, other := range s.invoices {
			if other.ID != inv.ID && other.SubscriptionID == inv.SubscriptionID &&
				other.Status != gobill.InvoiceCancelled &&
				other.PeriodStart.Equal(inv.PeriodStart) && other.PeriodEnd.Equal(inv.PeriodEnd) {
				return fmt.Errorf("%w: subscription %s, period %s to %s",
					gobill.ErrInvoiceExists, inv.SubscriptionID,
					inv.PeriodStart.Format(time.RFC3339), inv.PeriodEnd.Format(time.RFC3339))
			}
		}
	}

	s.invoices[inv.ID] = copyInvoice(inv)
	return nil
}

func (s *Storage) FindInvoiceForPeriod(ctx context.Context, subscriptionID string, periodStart, periodEnd time.Time) (*gobill.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inv := range s.invoices {
		if inv.SubscriptionID == subscriptionID &&
			inv.Status != gobill.InvoiceCancelled &&
			inv.PeriodStart.Equal(periodStart) && inv.PeriodEnd.Equal(periodEnd) {
			return copyInvoice(inv), nil
		}
	}
	return nil, nil
}

func (s *Storage) ListInvoicesDueForRetry(ctx context.Context, cutoff time.Time, maxAttempts int, limit int) ([]*gobill.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*gobill.Invoice
	for _, inv := range s.invoices {
		if inv.Status == gobill.InvoiceFailed &&
			inv.AttemptCount < maxAttempts &&
			inv.NextPaymentAttempt != nil && !inv.NextPaymentAttempt.After(cutoff) {
			result = append(result, copyInvoice(inv))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].NextPaymentAttempt.Before(*result[j].NextPaymentAttempt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Storage) LatestInvoice(ctx context.Context, subscriptionID string) (*gobill.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *gobill.Invoice
	for _, inv := range s.invoices {
		if inv.SubscriptionID != subscriptionID {
			continue
		}
		if latest == nil || inv.CreatedAt.After(latest.CreatedAt) {
			latest = inv
		}
	}
	if latest == nil {
		return nil, nil
	}
	return copyInvoice(latest), nil
}

// WithSubscriptionLock serializes work per subscription with an in-process
// mutex. Only safe for single-instance deployments; fleets use the Postgres
// advisory lock implementation.
func (s *Storage) WithSubscriptionLock(ctx context.Context, subscriptionID string, fn func(ctx context.Context) error) error {
	s.lockMu.Lock()
	lock, ok := s.subLocks[subscriptionID]
	if !ok {
		lock = &sync.Mutex{}
		s.subLocks[subscriptionID] = lock
	}
	s.lockMu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

func (s *Storage) SaveDelivery(ctx context.Context, d *webhook.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deliveries[d.ID] = copyDelivery(d)
	return nil
}

func (s *Storage) GetDelivery(ctx context.Context, id string) (*webhook.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deliveries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", webhook.ErrDeliveryNotFound, id)
	}
	return copyDelivery(d), nil
}

func (s *Storage) FindDeliveryForEvent(ctx context.Context, endpoint, eventID string, eventType webhook.EventType, since time.Time) (*webhook.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest *webhook.Delivery
	for _, d := range s.deliveries {
		if d.Endpoint == endpoint && d.EventID == eventID && d.EventType == eventType && !d.CreatedAt.Before(since) {
			if newest == nil || d.CreatedAt.After(newest.CreatedAt) {
				newest = d
			}
		}
	}
	if newest == nil {
		return nil, nil
	}
	return copyDelivery(newest), nil
}

func (s *Storage) ListDeliveriesReady(ctx context.Context, cutoff time.Time, limit int) ([]*webhook.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*webhook.Delivery
	for _, d := range s.deliveries {
		if d.Status.Terminal() || d.Status == webhook.DeliveryProcessing {
			continue
		}
		if d.NextAttemptAt != nil && !d.NextAttemptAt.After(cutoff) {
			result = append(result, copyDelivery(d))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].NextAttemptAt.Before(*result[j].NextAttemptAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Storage) DeleteTerminalBefore(ctx context.Context, deliveredBefore, failedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, d := range s.deliveries {
		switch d.Status {
		case webhook.DeliveryDelivered:
			if d.UpdatedAt.Before(deliveredBefore) {
				delete(s.deliveries, id)
				removed++
			}
		case webhook.DeliveryFailed:
			if d.UpdatedAt.Before(failedBefore) {
				delete(s.deliveries, id)
				removed++
			}
		}
	}
	return removed, nil
}

func copyPlan(p *gobill.Plan) *gobill.Plan {
	c := *p
	return &c
}

func copySubscription(s *gobill.Subscription) *gobill.Subscription {
	c := *s
	c.TrialStart = copyTime(s.TrialStart)
	c.TrialEnd = copyTime(s.TrialEnd)
	c.NextBillingDate = copyTime(s.NextBillingDate)
	c.CancelledAt = copyTime(s.CancelledAt)
	if s.PendingChange != nil {
		pc := *s.PendingChange
		c.PendingChange = &pc
	}
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func copyInvoice(i *gobill.Invoice) *gobill.Invoice {
	c := *i
	c.NextPaymentAttempt = copyTime(i.NextPaymentAttempt)
	return &c
}

func copyDelivery(d *webhook.Delivery) *webhook.Delivery {
	c := *d
	c.NextAttemptAt = copyTime(d.NextAttemptAt)
	if d.Payload != nil {
		c.Payload = append([]byte(nil), d.Payload...)
	}
	if d.Headers != nil {
		c.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			c.Headers[k] = v
		}
	}
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
