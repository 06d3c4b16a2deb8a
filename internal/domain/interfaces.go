package domain

import (
	"context"
)

// Channel is the notification delivery contract. The engine is agnostic to
// how a medium actually delivers; an implementation returns a receipt on
// success or an error carrying the failure reason.
type Channel interface {
	Kind() ChannelKind
	Deliver(ctx context.Context, alert *Alert, recipients []string) (*DeliveryReceipt, error)
}

// AlertArchive persists terminated alerts. Persistence is best-effort from
// the alert engine's perspective; failures are logged, never fatal.
type AlertArchive interface {
	SaveAlert(ctx context.Context, alert *Alert) error
	GetAlert(ctx context.Context, alertID string) (*Alert, error)
	ListAlerts(ctx context.Context, patientID string, limit int) ([]*Alert, error)
	Close() error
}

// EventSink receives fire-and-forget engine events. Implementations must not
// block the caller.
type EventSink interface {
	RecordValidation(outcome *ValidationOutcome)
	RecordCorrelation(outcome *ClinicalValidationOutcome)
	RecordAlert(alert *Alert)
	RecordEscalation(alert *Alert)
	RecordAcknowledgment(alert *Alert)
	RecordDelivery(record NotificationRecord)
}
