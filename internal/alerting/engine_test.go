package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/labqc/labqc-server/internal/domain"
)

// fakeChannel records deliveries and can be switched into failure mode
type fakeChannel struct {
	kind domain.ChannelKind

	mu         sync.Mutex
	fail       bool
	recipients [][]string
}

func (f *fakeChannel) Kind() domain.ChannelKind { return f.kind }

func (f *fakeChannel) Deliver(_ context.Context, _ *domain.Alert, recipients []string) (*domain.DeliveryReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("gateway unreachable")
	}
	f.recipients = append(f.recipients, recipients)
	return &domain.DeliveryReceipt{
		DeliveryID: "d-" + string(f.kind),
		Channel:    f.kind,
		Timestamp:  time.Now(),
	}, nil
}

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recipients)
}

func (f *fakeChannel) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

// fastPolicies compresses the policy timings so lifecycle tests run in
// milliseconds instead of hospital time.
func fastPolicies(escalation time.Duration) map[domain.AlertLevel]domain.EscalationPolicy {
	policies := DefaultPolicies()
	for level, p := range policies {
		p.NotificationDelay = 0
		if level != domain.LevelPanic {
			p.EscalationTime = escalation
		}
		policies[level] = p
	}
	return policies
}

func newTestEngine(t *testing.T, escalation time.Duration) (*Engine, map[domain.ChannelKind]*fakeChannel, *logtest.Hook) {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	fakes := map[domain.ChannelKind]*fakeChannel{}
	channels := map[domain.ChannelKind]domain.Channel{}
	for _, kind := range []domain.ChannelKind{domain.ChannelEmail, domain.ChannelSMS, domain.ChannelPager, domain.ChannelEMR, domain.ChannelChat} {
		f := &fakeChannel{kind: kind}
		fakes[kind] = f
		channels[kind] = f
	}

	config := EngineConfig{
		ChannelTimeout:    time.Second,
		EmergencyChannels: []domain.ChannelKind{domain.ChannelPager, domain.ChannelChat},
		DispatchRate:      rate.Inf,
		DispatchBurst:     1,
		MaxHistory:        10,
	}
	engine, err := NewEngine(logger, config, fastPolicies(escalation), channels)
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return engine, fakes, hook
}

func glucoseResult() domain.TestResult {
	return domain.TestResult{
		TestID:    "glucose",
		PatientID: "PT-1001",
		Value:     1.8,
		Unit:      "mmol/L",
		Timestamp: time.Now(),
	}
}

func qcCode(t *testing.T, err error) string {
	t.Helper()
	var qcErr *domain.QCError
	require.ErrorAs(t, err, &qcErr)
	return qcErr.Code
}

func TestEngine_RaiseAlertRejectsUnknownLevel(t *testing.T) {
	engine, _, _ := newTestEngine(t, time.Hour)
	_, err := engine.RaiseAlert("urgent", glucoseResult(), "validator", "boom")
	require.Error(t, err)
	assert.Equal(t, domain.ErrInvalidInput, qcCode(t, err))
}

func TestEngine_WarningDispatchesToPrimary(t *testing.T) {
	engine, fakes, _ := newTestEngine(t, time.Hour)

	alert, err := engine.RaiseAlert(domain.LevelWarning, glucoseResult(), "validator", "range check failed")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, alert.Status)
	assert.NotEmpty(t, alert.AlertID)

	require.Eventually(t, func() bool {
		return fakes[domain.ChannelEmail].count() == 1 && fakes[domain.ChannelEMR].count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Only the warning policy's channels were used.
	assert.Zero(t, fakes[domain.ChannelSMS].count())
	assert.Zero(t, fakes[domain.ChannelPager].count())

	got, ok := engine.GetAlert(alert.AlertID)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		got, _ = engine.GetAlert(alert.AlertID)
		return len(got.Notifications) == 2
	}, 2*time.Second, 10*time.Millisecond)
	for _, record := range got.Notifications {
		assert.True(t, record.Success)
		assert.NotEmpty(t, record.DeliveryID)
	}
}

func TestEngine_AcknowledgeCancelsEscalation(t *testing.T) {
	engine, _, _ := newTestEngine(t, 150*time.Millisecond)

	alert, err := engine.RaiseAlert(domain.LevelCritical, glucoseResult(), "validator", "critical low")
	require.NoError(t, err)

	acked, err := engine.Acknowledge(context.Background(), alert.AlertID, "dr-smith")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAcknowledged, acked.Status)
	assert.Equal(t, "dr-smith", acked.AcknowledgedBy)
	require.NotNil(t, acked.AcknowledgedAt)
	require.NotNil(t, acked.ResponseTime)
	assert.Zero(t, acked.EscalationLevel)

	// Wait past the escalation deadline: the acknowledged alert must not
	// escalate.
	time.Sleep(300 * time.Millisecond)
	got, ok := engine.GetAlert(alert.AlertID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusAcknowledged, got.Status)
	assert.Zero(t, got.EscalationLevel)

	// Retired from the active set into history.
	assert.Empty(t, engine.ActiveAlerts())
	require.Len(t, engine.History(), 1)
	assert.Equal(t, alert.AlertID, engine.History()[0].AlertID)
}

func TestEngine_UnacknowledgedAlertEscalates(t *testing.T) {
	engine, fakes, _ := newTestEngine(t, 80*time.Millisecond)

	alert, err := engine.RaiseAlert(domain.LevelCritical, glucoseResult(), "validator", "critical low")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, ok := engine.GetAlert(alert.AlertID)
		return ok && got.Status == domain.StatusEscalated && got.EscalationLevel >= 1
	}, 2*time.Second, 10*time.Millisecond)

	// Escalation dispatched a second round on the same channels.
	require.Eventually(t, func() bool {
		return fakes[domain.ChannelEmail].count() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	// Acknowledgment still lands after escalation.
	acked, err := engine.Acknowledge(context.Background(), alert.AlertID, "charge-nurse")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAcknowledged, acked.Status)
	assert.GreaterOrEqual(t, acked.EscalationLevel, 1)
}

func TestEngine_AcknowledgeErrors(t *testing.T) {
	engine, _, _ := newTestEngine(t, time.Hour)

	_, err := engine.Acknowledge(context.Background(), "no-such-alert", "dr-smith")
	assert.Equal(t, domain.ErrAlertNotFound, qcCode(t, err))

	alert, err := engine.RaiseAlert(domain.LevelInfo, glucoseResult(), "validator", "precision mismatch")
	require.NoError(t, err)

	_, err = engine.Acknowledge(context.Background(), alert.AlertID, "dr-smith")
	require.NoError(t, err)

	_, err = engine.Acknowledge(context.Background(), alert.AlertID, "dr-jones")
	assert.Equal(t, domain.ErrAlreadyAcked, qcCode(t, err))
}

func TestEngine_PanicTakesEmergencyPathImmediately(t *testing.T) {
	engine, fakes, _ := newTestEngine(t, time.Hour)

	alert, err := engine.RaiseAlert(domain.LevelPanic, glucoseResult(), "validator", "life-threatening glucose")
	require.NoError(t, err)

	// Emergency path pages without waiting for any delay or timer.
	require.Eventually(t, func() bool {
		return fakes[domain.ChannelPager].count() >= 1 && fakes[domain.ChannelChat].count() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	// The primary dispatch runs in parallel across all panic channels.
	require.Eventually(t, func() bool {
		return fakes[domain.ChannelEmail].count() >= 1 && fakes[domain.ChannelSMS].count() >= 1 && fakes[domain.ChannelEMR].count() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	got, ok := engine.GetAlert(alert.AlertID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusEscalated, got.Status)
	assert.GreaterOrEqual(t, got.EscalationLevel, 1)
}

func TestEngine_PanicAllChannelsFailedLogsCriticalIncident(t *testing.T) {
	engine, fakes, hook := newTestEngine(t, time.Hour)
	for _, f := range fakes {
		f.setFail(true)
	}

	alert, err := engine.RaiseAlert(domain.LevelPanic, glucoseResult(), "validator", "life-threatening glucose")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, entry := range hook.AllEntries() {
			if entry.Level == logrus.ErrorLevel && entry.Message == "CRITICAL INCIDENT: panic alert failed all notification channels" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	got, ok := engine.GetAlert(alert.AlertID)
	require.True(t, ok)
	require.NotEmpty(t, got.Notifications)
	for _, record := range got.Notifications {
		assert.False(t, record.Success)
		assert.NotEmpty(t, record.Error)
	}
}

func TestEngine_UnconfiguredChannelRecordsFailure(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	policies := fastPolicies(time.Hour)
	// Only email is wired; the warning policy also wants the EMR flag.
	email := &fakeChannel{kind: domain.ChannelEmail}
	channels := map[domain.ChannelKind]domain.Channel{domain.ChannelEmail: email}

	engine, err := NewEngine(logger, EngineConfig{DispatchRate: rate.Inf, DispatchBurst: 1}, policies, channels)
	require.NoError(t, err)
	defer engine.Close()

	alert, err := engine.RaiseAlert(domain.LevelWarning, glucoseResult(), "validator", "range check failed")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, ok := engine.GetAlert(alert.AlertID)
		return ok && len(got.Notifications) == 2
	}, 2*time.Second, 10*time.Millisecond)

	got, _ := engine.GetAlert(alert.AlertID)
	byChannel := map[domain.ChannelKind]domain.NotificationRecord{}
	for _, record := range got.Notifications {
		byChannel[record.Channel] = record
	}
	assert.True(t, byChannel[domain.ChannelEmail].Success)
	assert.False(t, byChannel[domain.ChannelEMR].Success)
	assert.Equal(t, "channel not configured", byChannel[domain.ChannelEMR].Error)
}

func TestEngine_SnapshotsAreIsolated(t *testing.T) {
	engine, _, _ := newTestEngine(t, time.Hour)

	alert, err := engine.RaiseAlert(domain.LevelInfo, glucoseResult(), "validator", "precision mismatch")
	require.NoError(t, err)

	alert.Message = "mutated"
	got, ok := engine.GetAlert(alert.AlertID)
	require.True(t, ok)
	assert.Equal(t, "precision mismatch", got.Message)
}

func TestEngine_CloseIsIdempotentAndStopsEscalation(t *testing.T) {
	engine, fakes, _ := newTestEngine(t, 150*time.Millisecond)

	_, err := engine.RaiseAlert(domain.LevelCritical, glucoseResult(), "range", "glucose critically low")
	require.NoError(t, err)

	// Wait for the initial dispatch so the escalation timer is armed, then
	// close while the timer is pending.
	require.Eventually(t, func() bool {
		return fakes[domain.ChannelEmail].count() > 0
	}, time.Second, 5*time.Millisecond)

	engine.Close()
	engine.Close()

	// Any timer callback firing after Close must back off without
	// dispatching or escalating.
	dispatched := fakes[domain.ChannelEmail].count()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, dispatched, fakes[domain.ChannelEmail].count())

	alerts := engine.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Zero(t, alerts[0].EscalationLevel)
}

func TestEngine_RaiseAfterCloseDoesNotDispatch(t *testing.T) {
	engine, fakes, _ := newTestEngine(t, 0)
	engine.Close()

	alert, err := engine.RaiseAlert(domain.LevelPanic, glucoseResult(), "range", "glucose below panic threshold")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, alert.Status)

	time.Sleep(20 * time.Millisecond)
	for kind, fake := range fakes {
		assert.Zero(t, fake.count(), "channel %s must stay silent after close", kind)
	}
}
