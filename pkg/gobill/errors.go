package gobill

import "errors"

var (
	// ErrInvalidPlan is returned for plan definitions that fail validation
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrPlanNotFound is returned when a referenced plan does not exist
	ErrPlanNotFound = errors.New("plan not found")

	// ErrPlanInactive is returned when subscribing to a deactivated plan
	ErrPlanInactive = errors.New("plan is inactive")

	// ErrPlanIntervalLocked is returned when changing the interval of a plan
	// that active subscriptions still reference
	ErrPlanIntervalLocked = errors.New("plan interval is locked by active subscriptions")

	// ErrSubscriptionNotFound is returned when a subscription does not exist
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrInvoiceNotFound is returned when an invoice does not exist
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrInvalidTransition is returned for illegal subscription state transitions
	ErrInvalidTransition = errors.New("invalid subscription state transition")

	// ErrInvoiceExists is returned when a non-cancelled invoice already covers
	// the requested (subscription, period) pair
	ErrInvoiceExists = errors.New("invoice already exists for period")

	// ErrInvalidProration is returned when proration inputs fail validation
	ErrInvalidProration = errors.New("invalid proration")

	// ErrStorageUnavailable is returned when no storage backend is configured
	ErrStorageUnavailable = errors.New("storage unavailable")
)
