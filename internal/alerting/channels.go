package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/labqc/labqc-server/internal/domain"
)

// Transport performs the actual delivery for a channel. The engine treats it
// as opaque: email/SMS/pager/EMR/chat gateways are external collaborators
// plugged in at wiring time. LogTransport is the default.
type Transport func(ctx context.Context, kind domain.ChannelKind, subject, body string, recipients []string) error

// LogTransport records the handoff without an external gateway attached
func LogTransport(logger *logrus.Logger) Transport {
	return func(_ context.Context, kind domain.ChannelKind, subject, _ string, recipients []string) error {
		logger.WithFields(logrus.Fields{
			"channel":    kind,
			"subject":    subject,
			"recipients": recipients,
		}).Info("Notification handed to transport")
		return nil
	}
}

// mediumChannel is the shared implementation behind the five media: it
// formats the alert for its medium and hands off to the transport.
type mediumChannel struct {
	kind      domain.ChannelKind
	transport Transport
	format    func(alert *domain.Alert) (subject, body string)
}

func (m *mediumChannel) Kind() domain.ChannelKind {
	return m.kind
}

func (m *mediumChannel) Deliver(ctx context.Context, alert *domain.Alert, recipients []string) (*domain.DeliveryReceipt, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%s: no recipients", m.kind)
	}
	subject, body := m.format(alert)
	if err := m.transport(ctx, m.kind, subject, body, recipients); err != nil {
		return nil, fmt.Errorf("%s delivery: %w", m.kind, err)
	}
	return &domain.DeliveryReceipt{
		DeliveryID: uuid.NewString(),
		Channel:    m.kind,
		Timestamp:  time.Now(),
	}, nil
}

// NewEmailChannel creates the email medium
func NewEmailChannel(transport Transport) domain.Channel {
	return &mediumChannel{
		kind:      domain.ChannelEmail,
		transport: transport,
		format: func(a *domain.Alert) (string, string) {
			subject := fmt.Sprintf("[%s] Lab QC alert: %s for patient %s", a.Level, a.TestID, a.PatientID)
			body := fmt.Sprintf("%s\n\nTest: %s\nValue: %.4g %s\nRaised: %s\nAlert ID: %s",
				a.Message, a.TestID, a.Value, a.Unit, a.CreatedAt.Format(time.RFC3339), a.AlertID)
			return subject, body
		},
	}
}

// NewSMSChannel creates the SMS medium; bodies are kept terse
func NewSMSChannel(transport Transport) domain.Channel {
	return &mediumChannel{
		kind:      domain.ChannelSMS,
		transport: transport,
		format: func(a *domain.Alert) (string, string) {
			msg := fmt.Sprintf("%s alert %s: %s %.4g %s (patient %s)", a.Level, shortID(a.AlertID), a.TestID, a.Value, a.Unit, a.PatientID)
			return msg, msg
		},
	}
}

// NewPagerChannel creates the pager medium, the paging-class path used for
// emergency escalation
func NewPagerChannel(transport Transport) domain.Channel {
	return &mediumChannel{
		kind:      domain.ChannelPager,
		transport: transport,
		format: func(a *domain.Alert) (string, string) {
			msg := fmt.Sprintf("LABQC %s %s %.4g %s PT %s", a.Level, a.TestID, a.Value, a.Unit, a.PatientID)
			return msg, msg
		},
	}
}

// NewEMRChannel creates the EMR-flag medium
func NewEMRChannel(transport Transport) domain.Channel {
	return &mediumChannel{
		kind:      domain.ChannelEMR,
		transport: transport,
		format: func(a *domain.Alert) (string, string) {
			subject := fmt.Sprintf("qc-flag/%s", a.AlertID)
			body := fmt.Sprintf("%s|%s|%s|%.4g|%s", a.Level, a.TestID, a.PatientID, a.Value, a.Unit)
			return subject, body
		},
	}
}

// NewChatChannel creates the chat-message medium
func NewChatChannel(transport Transport) domain.Channel {
	return &mediumChannel{
		kind:      domain.ChannelChat,
		transport: transport,
		format: func(a *domain.Alert) (string, string) {
			subject := fmt.Sprintf("Lab QC %s alert", a.Level)
			body := fmt.Sprintf(":rotating_light: *%s* %s = %.4g %s for patient %s: %s",
				a.Level, a.TestID, a.Value, a.Unit, a.PatientID, a.Message)
			return subject, body
		},
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// BreakerChannel wraps a channel in a circuit breaker so a persistently
// failing gateway is skipped quickly instead of burning the per-channel
// timeout on every dispatch.
type BreakerChannel struct {
	inner   domain.Channel
	breaker *gobreaker.CircuitBreaker
}

// WithBreaker wraps a channel with circuit-breaking delivery
func WithBreaker(inner domain.Channel, logger *logrus.Logger) *BreakerChannel {
	settings := gobreaker.Settings{
		Name:        string(inner.Kind()),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"channel": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Notification channel breaker state changed")
		},
	}
	return &BreakerChannel{inner: inner, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (b *BreakerChannel) Kind() domain.ChannelKind {
	return b.inner.Kind()
}

func (b *BreakerChannel) Deliver(ctx context.Context, alert *domain.Alert, recipients []string) (*domain.DeliveryReceipt, error) {
	receipt, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.Deliver(ctx, alert, recipients)
	})
	if err != nil {
		return nil, err
	}
	return receipt.(*domain.DeliveryReceipt), nil
}

// DefaultChannels builds the five media over one transport, each wrapped in
// a circuit breaker.
func DefaultChannels(logger *logrus.Logger, transport Transport) map[domain.ChannelKind]domain.Channel {
	if transport == nil {
		transport = LogTransport(logger)
	}
	channels := []domain.Channel{
		NewEmailChannel(transport),
		NewSMSChannel(transport),
		NewPagerChannel(transport),
		NewEMRChannel(transport),
		NewChatChannel(transport),
	}
	out := make(map[domain.ChannelKind]domain.Channel, len(channels))
	for _, ch := range channels {
		out[ch.Kind()] = WithBreaker(ch, logger)
	}
	return out
}
