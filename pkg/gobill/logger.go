package gobill

// Field is one key/value pair on a structured log line.
type Field struct {
	Key   string
	Value interface{}
}

// ErrField builds the conventional error field.
func ErrField(err error) Field {
	return Field{Key: "error", Value: err.Error()}
}

// SubscriptionFields returns the fields identifying a subscription in
// billing logs.
func SubscriptionFields(sub *Subscription) []Field {
	return []Field{
		{Key: "subscription_id", Value: sub.ID},
		{Key: "plan_code", Value: sub.PlanCode},
		{Key: "status", Value: string(sub.Status)},
	}
}

// InvoiceFields returns the fields identifying an invoice and its
// subscription in billing logs.
func InvoiceFields(inv *Invoice) []Field {
	return []Field{
		{Key: "subscription_id", Value: inv.SubscriptionID},
		{Key: "invoice_id", Value: inv.ID},
		{Key: "amount", Value: inv.Amount.String()},
		{Key: "attempt", Value: inv.AttemptCount},
	}
}

// Logger receives structured billing logs. The engine logs settlement,
// dunning and sweep outcomes through this interface; the zerolog adapter
// under logger/zerolog is the production implementation.
type Logger interface {
	// Debug logs a debug message with fields.
	Debug(msg string, fields ...Field)

	// Info logs an info message with fields.
	Info(msg string, fields ...Field)

	// Warn logs a warning message with fields.
	Warn(msg string, fields ...Field)

	// Error logs an error message with fields.
	Error(msg string, fields ...Field)
}

// NoopLogger discards everything. It is the default when no Logger is
// configured.
type NoopLogger struct{}

func (n *NoopLogger) Debug(msg string, fields ...Field) {}
func (n *NoopLogger) Info(msg string, fields ...Field)  {}
func (n *NoopLogger) Warn(msg string, fields ...Field)  {}
func (n *NoopLogger) Error(msg string, fields ...Field) {}
