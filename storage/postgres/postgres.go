// Package postgres provides a PostgreSQL storage implementation backed by
// pgx. WithSubscriptionLock uses transaction-scoped advisory locks, so two
// billing sweeps on different instances can never process the same
// subscription concurrently.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gobill/gobill/pkg/gobill"
	"github.com/gobill/gobill/pkg/webhook"
)

// Storage is a PostgreSQL implementation of gobill.Storage and
// webhook.DeliveryStore.
type Storage struct {
	pool *pgxpool.Pool
}

// NewStorage creates a PostgreSQL storage over an existing connection pool.
func NewStorage(pool *pgxpool.Pool) *Storage {
	return &Storage{pool: pool}
}

// Connect opens a pool for the DSN and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*Storage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", gobill.ErrStorageUnavailable, err)
	}
	return &Storage{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *Storage) Close() {
	s.pool.Close()
}

// Schema is the DDL for all tables this storage uses. Callers apply it
// through their migration tooling; EnsureSchema applies it directly for
// tests and small deployments.
const Schema = `
CREATE TABLE IF NOT EXISTS plans (
	code        TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	amount      NUMERIC(20,4) NOT NULL,
	currency    TEXT NOT NULL,
	interval_unit  TEXT NOT NULL,
	interval_count INT  NOT NULL,
	trial_days  INT NOT NULL DEFAULT 0,
	setup_fee   NUMERIC(20,4) NOT NULL DEFAULT 0,
	active      BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id             TEXT PRIMARY KEY,
	customer_id    TEXT NOT NULL,
	plan_code      TEXT NOT NULL,
	payment_method TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	current_period_start TIMESTAMPTZ,
	current_period_end   TIMESTAMPTZ,
	trial_start    TIMESTAMPTZ,
	trial_end      TIMESTAMPTZ,
	next_billing_date TIMESTAMPTZ,
	billing_cycle_anchor TIMESTAMPTZ,
	cancelled_at   TIMESTAMPTZ,
	cancel_reason  TEXT NOT NULL DEFAULT '',
	change_kind    TEXT,
	change_effective_at TIMESTAMPTZ,
	change_new_plan_code TEXT,
	change_reason  TEXT,
	metadata       JSONB,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_due
	ON subscriptions (next_billing_date) WHERE status IN ('active', 'past_due');
CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions (status);
CREATE INDEX IF NOT EXISTS idx_subscriptions_change_due
	ON subscriptions (change_effective_at) WHERE change_kind IS NOT NULL;

CREATE TABLE IF NOT EXISTS invoices (
	id              TEXT PRIMARY KEY,
	subscription_id TEXT NOT NULL,
	customer_id     TEXT NOT NULL,
	amount          NUMERIC(20,4) NOT NULL,
	currency        TEXT NOT NULL,
	status          TEXT NOT NULL,
	period_start    TIMESTAMPTZ NOT NULL,
	period_end      TIMESTAMPTZ NOT NULL,
	due_at          TIMESTAMPTZ NOT NULL,
	attempt_count   INT NOT NULL DEFAULT 0,
	next_payment_attempt TIMESTAMPTZ,
	charge_ref      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_period
	ON invoices (subscription_id, period_start, period_end)
	WHERE status <> 'cancelled';
CREATE INDEX IF NOT EXISTS idx_invoices_retry
	ON invoices (next_payment_attempt) WHERE status = 'failed';

CREATE TABLE IF NOT EXISTS webhook_deliveries (
	id             TEXT PRIMARY KEY,
	endpoint       TEXT NOT NULL,
	method         TEXT NOT NULL DEFAULT 'POST',
	event_id       TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        BYTEA NOT NULL,
	headers        JSONB,
	correlation_id TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	attempts       INT NOT NULL DEFAULT 0,
	max_attempts   INT NOT NULL,
	scheduled_at   TIMESTAMPTZ NOT NULL,
	next_attempt_at TIMESTAMPTZ,
	last_code      INT NOT NULL DEFAULT 0,
	last_body      TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deliveries_event
	ON webhook_deliveries (endpoint, event_id, event_type, created_at);
CREATE INDEX IF NOT EXISTS idx_deliveries_ready
	ON webhook_deliveries (next_attempt_at)
	WHERE status NOT IN ('delivered', 'failed', 'processing');
`

// EnsureSchema applies the schema DDL.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *Storage) GetPlan(ctx context.Context, code string) (*gobill.Plan, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT code, name, amount::text, currency, interval_unit, interval_count,
		       trial_days, setup_fee::text, active, created_at, updated_at
		FROM plans WHERE code = $1`, code)

	var p gobill.Plan
	var amount, setupFee string
	var unit string
	err := row.Scan(&p.Code, &p.Name, &amount, &p.Currency, &unit,
		&p.Interval.Count, &p.TrialDays, &setupFee, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", gobill.ErrPlanNotFound, code)
	}
	if err != nil {
		return nil, err
	}
	p.Interval.Unit = gobill.IntervalUnit(unit)
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parsing plan amount: %w", err)
	}
	if p.SetupFee, err = decimal.NewFromString(setupFee); err != nil {
		return nil, fmt.Errorf("parsing setup fee: %w", err)
	}
	return &p, nil
}

func (s *Storage) SavePlan(ctx context.Context, plan *gobill.Plan) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO plans (code, name, amount, currency, interval_unit, interval_count,
		                   trial_days, setup_fee, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name, amount = EXCLUDED.amount,
			currency = EXCLUDED.currency, interval_unit = EXCLUDED.interval_unit,
			interval_count = EXCLUDED.interval_count, trial_days = EXCLUDED.trial_days,
			setup_fee = EXCLUDED.setup_fee, active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		plan.Code, plan.Name, plan.Amount.String(), plan.Currency,
		string(plan.Interval.Unit), plan.Interval.Count, plan.TrialDays,
		plan.SetupFee.String(), plan.Active, plan.CreatedAt, plan.UpdatedAt)
	return err
}

const subscriptionColumns = `id, customer_id, plan_code, payment_method, status,
	current_period_start, current_period_end, trial_start, trial_end,
	next_billing_date, billing_cycle_anchor, cancelled_at, cancel_reason,
	change_kind, change_effective_at, change_new_plan_code, change_reason,
	metadata, created_at, updated_at`

func scanSubscription(row pgx.Row) (*gobill.Subscription, error) {
	var sub gobill.Subscription
	var periodStart, periodEnd, anchor *time.Time
	var changeKind, changeNewPlan, changeReason *string
	var changeEffective *time.Time
	err := row.Scan(&sub.ID, &sub.CustomerID, &sub.PlanCode, &sub.PaymentMethod,
		&sub.Status, &periodStart, &periodEnd, &sub.TrialStart, &sub.TrialEnd,
		&sub.NextBillingDate, &anchor, &sub.CancelledAt, &sub.CancelReason,
		&changeKind, &changeEffective, &changeNewPlan, &changeReason,
		&sub.Metadata, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if periodStart != nil {
		sub.CurrentPeriodStart = *periodStart
	}
	if periodEnd != nil {
		sub.CurrentPeriodEnd = *periodEnd
	}
	if anchor != nil {
		sub.BillingCycleAnchor = *anchor
	}
	if changeKind != nil {
		sub.PendingChange = &gobill.PendingChange{Kind: gobill.ChangeKind(*changeKind)}
		if changeEffective != nil {
			sub.PendingChange.EffectiveAt = *changeEffective
		}
		if changeNewPlan != nil {
			sub.PendingChange.NewPlanCode = *changeNewPlan
		}
		if changeReason != nil {
			sub.PendingChange.Reason = *changeReason
		}
	}
	return &sub, nil
}

func (s *Storage) GetSubscription(ctx context.Context, id string) (*gobill.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", gobill.ErrSubscriptionNotFound, id)
	}
	return sub, err
}

func (s *Storage) SaveSubscription(ctx context.Context, sub *gobill.Subscription) error {
	var changeKind, changeNewPlan, changeReason *string
	var changeEffective *time.Time
	if sub.PendingChange != nil {
		kind := string(sub.PendingChange.Kind)
		changeKind = &kind
		changeEffective = &sub.PendingChange.EffectiveAt
		if sub.PendingChange.NewPlanCode != "" {
			changeNewPlan = &sub.PendingChange.NewPlanCode
		}
		if sub.PendingChange.Reason != "" {
			changeReason = &sub.PendingChange.Reason
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		ON CONFLICT (id) DO UPDATE SET
			customer_id = EXCLUDED.customer_id, plan_code = EXCLUDED.plan_code,
			payment_method = EXCLUDED.payment_method, status = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			trial_start = EXCLUDED.trial_start, trial_end = EXCLUDED.trial_end,
			next_billing_date = EXCLUDED.next_billing_date,
			billing_cycle_anchor = EXCLUDED.billing_cycle_anchor,
			cancelled_at = EXCLUDED.cancelled_at, cancel_reason = EXCLUDED.cancel_reason,
			change_kind = EXCLUDED.change_kind,
			change_effective_at = EXCLUDED.change_effective_at,
			change_new_plan_code = EXCLUDED.change_new_plan_code,
			change_reason = EXCLUDED.change_reason,
			metadata = EXCLUDED.metadata, updated_at = EXCLUDED.updated_at`,
		sub.ID, sub.CustomerID, sub.PlanCode, sub.PaymentMethod, string(sub.Status),
		nullableTime(sub.CurrentPeriodStart), nullableTime(sub.CurrentPeriodEnd),
		sub.TrialStart, sub.TrialEnd, sub.NextBillingDate,
		nullableTime(sub.BillingCycleAnchor), sub.CancelledAt, sub.CancelReason,
		changeKind, changeEffective, changeNewPlan, changeReason,
		sub.Metadata, sub.CreatedAt, sub.UpdatedAt)
	return err
}

func (s *Storage) querySubscriptions(ctx context.Context, query string, args ...interface{}) ([]*gobill.Subscription, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*gobill.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	return result, rows.Err()
}

func (s *Storage) ListSubscriptionsDue(ctx context.Context, cutoff time.Time, limit int) ([]*gobill.Subscription, error) {
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status IN ('active', 'past_due') AND next_billing_date <= $1
		  AND current_period_start IS NOT NULL
		ORDER BY next_billing_date LIMIT $2`, cutoff, limit)
}

func (s *Storage) ListSubscriptionsByStatus(ctx context.Context, status gobill.SubscriptionStatus, limit int) ([]*gobill.Subscription, error) {
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = $1 ORDER BY created_at LIMIT $2`, string(status), limit)
}

func (s *Storage) ListTrialsEnding(ctx context.Context, cutoff time.Time, limit int) ([]*gobill.Subscription, error) {
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = 'active' AND trial_end <= $1 AND current_period_start IS NULL
		ORDER BY trial_end LIMIT $2`, cutoff, limit)
}

func (s *Storage) ListPendingChangesDue(ctx context.Context, cutoff time.Time, limit int) ([]*gobill.Subscription, error) {
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE change_kind IS NOT NULL AND change_effective_at <= $1
		ORDER BY change_effective_at LIMIT $2`, cutoff, limit)
}

func (s *Storage) CountActiveSubscriptionsForPlan(ctx context.Context, planCode string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM subscriptions
		WHERE plan_code = $1 AND status NOT IN ('cancelled', 'expired')`,
		planCode).Scan(&count)
	return count, err
}

const invoiceColumns = `id, subscription_id, customer_id, amount, currency, status,
	period_start, period_end, due_at, attempt_count, next_payment_attempt,
	charge_ref, created_at, updated_at`

// invoiceSelectColumns casts the numeric amount to text for scanning.
const invoiceSelectColumns = `id, subscription_id, customer_id, amount::text, currency, status,
	period_start, period_end, due_at, attempt_count, next_payment_attempt,
	charge_ref, created_at, updated_at`

func scanInvoice(row pgx.Row) (*gobill.Invoice, error) {
	var inv gobill.Invoice
	var amount string
	err := row.Scan(&inv.ID, &inv.SubscriptionID, &inv.CustomerID, &amount,
		&inv.Currency, &inv.Status, &inv.PeriodStart, &inv.PeriodEnd, &inv.DueAt,
		&inv.AttemptCount, &inv.NextPaymentAttempt, &inv.ChargeRef,
		&inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if inv.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parsing invoice amount: %w", err)
	}
	return &inv, nil
}

func (s *Storage) GetInvoice(ctx context.Context, id string) (*gobill.Invoice, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+invoiceSelectColumns+` FROM invoices WHERE id = $1`, id)
	inv, err := scanInvoice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", gobill.ErrInvoiceNotFound, id)
	}
	return inv, err
}

func (s *Storage) SaveInvoice(ctx context.Context, inv *gobill.Invoice) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, attempt_count = EXCLUDED.attempt_count,
			next_payment_attempt = EXCLUDED.next_payment_attempt,
			charge_ref = EXCLUDED.charge_ref, updated_at = EXCLUDED.updated_at`,
		inv.ID, inv.SubscriptionID, inv.CustomerID, inv.Amount.String(),
		inv.Currency, string(inv.Status), inv.PeriodStart, inv.PeriodEnd,
		inv.DueAt, inv.AttemptCount, inv.NextPaymentAttempt, inv.ChargeRef,
		inv.CreatedAt, inv.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "idx_invoices_period" {
		return fmt.Errorf("%w: subscription %s", gobill.ErrInvoiceExists, inv.SubscriptionID)
	}
	return err
}

func (s *Storage) FindInvoiceForPeriod(ctx context.Context, subscriptionID string, periodStart, periodEnd time.Time) (*gobill.Invoice, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+invoiceSelectColumns+` FROM invoices
		WHERE subscription_id = $1 AND period_start = $2 AND period_end = $3
		  AND status <> 'cancelled'
		LIMIT 1`, subscriptionID, periodStart, periodEnd)
	inv, err := scanInvoice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return inv, err
}

func (s *Storage) ListInvoicesDueForRetry(ctx context.Context, cutoff time.Time, maxAttempts int, limit int) ([]*gobill.Invoice, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+invoiceSelectColumns+` FROM invoices
		WHERE status = 'failed' AND attempt_count < $1 AND next_payment_attempt <= $2
		ORDER BY next_payment_attempt LIMIT $3`, maxAttempts, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*gobill.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inv)
	}
	return result, rows.Err()
}

func (s *Storage) LatestInvoice(ctx context.Context, subscriptionID string) (*gobill.Invoice, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+invoiceSelectColumns+` FROM invoices
		WHERE subscription_id = $1 ORDER BY created_at DESC LIMIT 1`, subscriptionID)
	inv, err := scanInvoice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return inv, err
}

// WithSubscriptionLock runs fn inside a transaction holding
// pg_advisory_xact_lock on a hash of the subscription id. The lock releases
// automatically at commit or rollback.
func (s *Storage) WithSubscriptionLock(ctx context.Context, subscriptionID string, fn func(ctx context.Context) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", gobill.ErrStorageUnavailable, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey(subscriptionID)); err != nil {
		return fmt.Errorf("acquiring subscription lock: %w", err)
	}
	if err := fn(ctx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// lockKey maps a subscription id onto the bigint advisory lock keyspace.
func lockKey(subscriptionID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(subscriptionID))
	return int64(h.Sum64())
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Storage) SaveDelivery(ctx context.Context, d *webhook.Delivery) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_deliveries (id, endpoint, method, event_id, event_type,
			payload, headers, correlation_id, status, attempts, max_attempts,
			scheduled_at, next_attempt_at, last_code, last_body, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, attempts = EXCLUDED.attempts,
			next_attempt_at = EXCLUDED.next_attempt_at,
			last_code = EXCLUDED.last_code, last_body = EXCLUDED.last_body,
			updated_at = EXCLUDED.updated_at`,
		d.ID, d.Endpoint, d.Method, d.EventID, string(d.EventType), d.Payload,
		d.Headers, d.CorrelationID, string(d.Status), d.Attempts, d.MaxAttempts,
		d.ScheduledAt, d.NextAttemptAt, d.LastCode, d.LastBody,
		d.CreatedAt, d.UpdatedAt)
	return err
}

const deliveryColumns = `id, endpoint, method, event_id, event_type, payload,
	headers, correlation_id, status, attempts, max_attempts, scheduled_at,
	next_attempt_at, last_code, last_body, created_at, updated_at`

func scanDelivery(row pgx.Row) (*webhook.Delivery, error) {
	var d webhook.Delivery
	err := row.Scan(&d.ID, &d.Endpoint, &d.Method, &d.EventID, &d.EventType,
		&d.Payload, &d.Headers, &d.CorrelationID, &d.Status, &d.Attempts,
		&d.MaxAttempts, &d.ScheduledAt, &d.NextAttemptAt, &d.LastCode,
		&d.LastBody, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Storage) GetDelivery(ctx context.Context, id string) (*webhook.Delivery, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", webhook.ErrDeliveryNotFound, id)
	}
	return d, err
}

func (s *Storage) FindDeliveryForEvent(ctx context.Context, endpoint, eventID string, eventType webhook.EventType, since time.Time) (*webhook.Delivery, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE endpoint = $1 AND event_id = $2 AND event_type = $3 AND created_at >= $4
		ORDER BY created_at DESC LIMIT 1`, endpoint, eventID, string(eventType), since)
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

func (s *Storage) ListDeliveriesReady(ctx context.Context, cutoff time.Time, limit int) ([]*webhook.Delivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE status NOT IN ('delivered', 'failed', 'processing')
		  AND next_attempt_at <= $1
		ORDER BY next_attempt_at LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*webhook.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (s *Storage) DeleteTerminalBefore(ctx context.Context, deliveredBefore, failedBefore time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM webhook_deliveries
		WHERE (status = 'delivered' AND updated_at < $1)
		   OR (status = 'failed' AND updated_at < $2)`,
		deliveredBefore, failedBefore)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
