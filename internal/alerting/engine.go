package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/labqc/labqc-server/internal/domain"
)

// EngineConfig tunes the alert engine
type EngineConfig struct {
	// ChannelTimeout bounds each individual delivery attempt; a timeout is a
	// failed outcome, not a crash.
	ChannelTimeout time.Duration
	// EmergencyChannels are the paging-class media used for the panic-level
	// immediate escalation path.
	EmergencyChannels []domain.ChannelKind
	// DispatchRate throttles repeated dispatches of the same alert. Panic
	// alerts bypass the limiter.
	DispatchRate  rate.Limit
	DispatchBurst int
	// MaxHistory caps retained terminated alerts held in memory
	MaxHistory int
}

// DefaultEngineConfig returns engine defaults
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ChannelTimeout:    10 * time.Second,
		EmergencyChannels: []domain.ChannelKind{domain.ChannelPager, domain.ChannelChat},
		DispatchRate:      rate.Every(30 * time.Second),
		DispatchBurst:     2,
		MaxHistory:        1000,
	}
}

// alertState pairs an alert with its escalation timer. All transitions go
// through the state mutex so an acknowledgment and a firing timer can never
// double-process the same transition.
type alertState struct {
	mu      sync.Mutex
	alert   *domain.Alert
	policy  domain.EscalationPolicy
	timer   *time.Timer
	limiter *rate.Limiter
}

// Engine owns the alert lifecycle: creation, per-policy notification
// dispatch, timer-driven escalation, acknowledgment, and archival.
type Engine struct {
	logger   *logrus.Logger
	config   EngineConfig
	policies map[domain.AlertLevel]domain.EscalationPolicy
	channels map[domain.ChannelKind]domain.Channel

	mu      sync.RWMutex
	alerts  map[string]*alertState
	history []domain.Alert

	sinks   []domain.EventSink
	archive domain.AlertArchive

	// lifecycle gates wg.Add against Close: a timer callback firing during
	// shutdown must not register new work once the final wait has started.
	lifecycle sync.Mutex
	stopped   bool
	wg        sync.WaitGroup
	closed    chan struct{}
}

// NewEngine creates the alert and escalation engine
func NewEngine(logger *logrus.Logger, config EngineConfig, policies map[domain.AlertLevel]domain.EscalationPolicy, channels map[domain.ChannelKind]domain.Channel) (*Engine, error) {
	if config.ChannelTimeout == 0 {
		config.ChannelTimeout = 10 * time.Second
	}
	if config.MaxHistory == 0 {
		config.MaxHistory = 1000
	}
	if len(config.EmergencyChannels) == 0 {
		config.EmergencyChannels = []domain.ChannelKind{domain.ChannelPager, domain.ChannelChat}
	}
	if config.DispatchRate == 0 {
		config.DispatchRate = rate.Every(30 * time.Second)
	}
	if config.DispatchBurst == 0 {
		config.DispatchBurst = 2
	}
	if policies == nil {
		policies = DefaultPolicies()
	}
	if err := ValidatePolicies(policies); err != nil {
		return nil, err
	}

	return &Engine{
		logger:   logger,
		config:   config,
		policies: policies,
		channels: channels,
		alerts:   make(map[string]*alertState),
		closed:   make(chan struct{}),
	}, nil
}

// AddSink registers an event sink. Sinks receive fire-and-forget lifecycle
// events and must not block.
func (e *Engine) AddSink(sink domain.EventSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, sink)
}

// SetArchive attaches the best-effort alert archive
func (e *Engine) SetArchive(archive domain.AlertArchive) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.archive = archive
}

// RaiseAlert materializes an alert and starts its notification and
// escalation schedule. The returned alert is a snapshot.
func (e *Engine) RaiseAlert(level domain.AlertLevel, result domain.TestResult, source, message string) (*domain.Alert, error) {
	if !level.Valid() {
		return nil, domain.NewQCError(domain.ErrInvalidInput, fmt.Sprintf("unknown alert level %q", level), "")
	}
	policy := e.policies[level]

	alert := &domain.Alert{
		AlertID:   uuid.NewString(),
		Level:     level,
		TestID:    result.TestID,
		PatientID: result.PatientID,
		Value:     result.Value,
		Unit:      result.Unit,
		Source:    source,
		Message:   message,
		Status:    domain.StatusActive,
		CreatedAt: time.Now(),
	}

	st := &alertState{
		alert:   alert,
		policy:  policy,
		limiter: rate.NewLimiter(e.config.DispatchRate, e.config.DispatchBurst),
	}

	e.mu.Lock()
	e.alerts[alert.AlertID] = st
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"alert_id":   alert.AlertID,
		"level":      level,
		"test_id":    result.TestID,
		"patient_id": result.PatientID,
		"source":     source,
	}).Info("Alert raised")

	e.emit(func(s domain.EventSink) { s.RecordAlert(e.snapshot(st)) })

	// Panic has no timer-driven escalation: the emergency path runs at
	// creation, in parallel with the primary dispatch.
	if level == domain.LevelPanic && e.begin() {
		go func() {
			defer e.wg.Done()
			e.escalateImmediately(st)
		}()
	}

	if e.begin() {
		go func() {
			defer e.wg.Done()
			e.runInitialDispatch(st)
		}()
	}

	return e.snapshot(st), nil
}

// begin registers one in-flight dispatch with the engine lifecycle. It
// returns false once Close has started; callers skip the work instead of
// racing the final wait.
func (e *Engine) begin() bool {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.stopped {
		return false
	}
	e.wg.Add(1)
	return true
}

// Acknowledge terminates an alert: records the responder and response time,
// cancels any pending escalation timer, and archives the alert.
func (e *Engine) Acknowledge(ctx context.Context, alertID, actor string) (*domain.Alert, error) {
	e.mu.RLock()
	st, ok := e.alerts[alertID]
	if !ok {
		// Retired alerts were already acknowledged.
		for i := range e.history {
			if e.history[i].AlertID == alertID {
				e.mu.RUnlock()
				return nil, domain.NewQCError(domain.ErrAlreadyAcked, fmt.Sprintf("alert %q already acknowledged", alertID), "")
			}
		}
		e.mu.RUnlock()
		return nil, domain.NewQCError(domain.ErrAlertNotFound, fmt.Sprintf("alert %q not found", alertID), "")
	}
	e.mu.RUnlock()

	st.mu.Lock()
	if st.alert.Status == domain.StatusAcknowledged {
		st.mu.Unlock()
		return nil, domain.NewQCError(domain.ErrAlreadyAcked, fmt.Sprintf("alert %q already acknowledged", alertID), "")
	}

	now := time.Now()
	response := now.Sub(st.alert.CreatedAt)
	st.alert.Status = domain.StatusAcknowledged
	st.alert.AcknowledgedBy = actor
	st.alert.AcknowledgedAt = &now
	st.alert.ResponseTime = &response
	if st.timer != nil {
		// Stop is best-effort: a timer that already fired is re-checking the
		// status under this mutex and will observe the acknowledgment.
		st.timer.Stop()
		st.timer = nil
	}
	st.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"alert_id":      alertID,
		"actor":         actor,
		"response_time": response,
	}).Info("Alert acknowledged")

	snap := e.snapshot(st)
	e.emit(func(s domain.EventSink) { s.RecordAcknowledgment(snap) })
	e.archiveAlert(ctx, snap)
	e.retire(snap)

	return snap, nil
}

// GetAlert returns a snapshot of an active or retained alert
func (e *Engine) GetAlert(alertID string) (*domain.Alert, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if st, ok := e.alerts[alertID]; ok {
		return e.snapshot(st), true
	}
	for i := range e.history {
		if e.history[i].AlertID == alertID {
			a := e.history[i]
			return &a, true
		}
	}
	return nil, false
}

// ActiveAlerts returns snapshots of all non-acknowledged alerts
func (e *Engine) ActiveAlerts() []*domain.Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*domain.Alert, 0, len(e.alerts))
	for _, st := range e.alerts {
		out = append(out, e.snapshot(st))
	}
	return out
}

// History returns retained terminated alerts, newest last
func (e *Engine) History() []domain.Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.Alert, len(e.history))
	copy(out, e.history)
	return out
}

// Close cancels pending timers and waits for in-flight dispatches. It is
// idempotent; late timer callbacks observe the stopped state and back off.
func (e *Engine) Close() {
	e.lifecycle.Lock()
	if e.stopped {
		e.lifecycle.Unlock()
		return
	}
	e.stopped = true
	e.lifecycle.Unlock()

	close(e.closed)
	e.mu.RLock()
	for _, st := range e.alerts {
		st.mu.Lock()
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		st.mu.Unlock()
	}
	e.mu.RUnlock()
	e.wg.Wait()
}

// runInitialDispatch waits the policy's notification delay, dispatches to
// primary recipients, and arms the escalation timer when the policy has one.
func (e *Engine) runInitialDispatch(st *alertState) {
	if st.policy.NotificationDelay > 0 {
		select {
		case <-time.After(st.policy.NotificationDelay):
		case <-e.closed:
			return
		}
	}

	st.mu.Lock()
	if st.alert.Status == domain.StatusAcknowledged {
		// Acknowledged during the delay window; nothing to send.
		st.mu.Unlock()
		return
	}
	st.mu.Unlock()

	e.dispatch(st, st.policy.Channels, st.policy.Recipients.Primary, false)

	if st.policy.EscalationTime > 0 {
		e.armEscalation(st)
	}
}

// armEscalation schedules the next escalation wake-up. The timer callback
// and Acknowledge race on st.mu; whichever transition is observed first
// wins, and the loser backs off.
func (e *Engine) armEscalation(st *alertState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.alert.Status == domain.StatusAcknowledged {
		return
	}
	st.timer = time.AfterFunc(st.policy.EscalationTime, func() {
		e.escalate(st)
	})
}

// escalate performs one timer-driven escalation step and re-arms the timer.
// The callback runs on the timer's goroutine, so it registers with the
// lifecycle first; Close waits for any step already past that point.
func (e *Engine) escalate(st *alertState) {
	if !e.begin() {
		return
	}
	defer e.wg.Done()

	st.mu.Lock()
	if st.alert.Status == domain.StatusAcknowledged {
		// Acknowledgment won the race.
		st.mu.Unlock()
		return
	}
	st.alert.Status = domain.StatusEscalated
	st.alert.EscalationLevel++
	level := st.alert.EscalationLevel
	st.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"alert_id":         st.alert.AlertID,
		"escalation_level": level,
	}).Warn("Alert escalated: unacknowledged past policy deadline")

	snap := e.snapshot(st)
	e.emit(func(s domain.EventSink) { s.RecordEscalation(snap) })

	e.dispatch(st, st.policy.Channels, st.policy.Recipients.Escalation, false)
	e.armEscalation(st)
}

// escalateImmediately runs the panic path: simultaneous dispatch to
// emergency recipients over paging-class channels plus the policy's symbolic
// emergency actions, independent of the normal delayed path.
func (e *Engine) escalateImmediately(st *alertState) {
	st.mu.Lock()
	st.alert.Status = domain.StatusEscalated
	st.alert.EscalationLevel++
	st.mu.Unlock()

	for _, action := range st.policy.Actions {
		e.logger.WithFields(logrus.Fields{
			"alert_id": st.alert.AlertID,
			"action":   action,
		}).Warn("Executing emergency protocol action")
	}

	snap := e.snapshot(st)
	e.emit(func(s domain.EventSink) { s.RecordEscalation(snap) })

	e.dispatch(st, e.config.EmergencyChannels, st.policy.Recipients.Emergency, true)
}

// dispatch fans out to every requested channel concurrently against one
// recipient list. Each attempt has its own timeout and outcome; one
// channel's failure never blocks another's attempt. The call returns once
// every attempt completed or timed out.
func (e *Engine) dispatch(st *alertState, kinds []domain.ChannelKind, recipients []string, emergency bool) {
	if !emergency && st.alert.Level != domain.LevelPanic && !st.limiter.Allow() {
		e.logger.WithField("alert_id", st.alert.AlertID).Debug("Dispatch suppressed by rate limiter")
		return
	}

	snap := e.snapshot(st)

	var wg sync.WaitGroup
	records := make(chan domain.NotificationRecord, len(kinds))

	for _, kind := range kinds {
		channel, ok := e.channels[kind]
		if !ok {
			e.logger.WithField("channel", kind).Warn("Notification channel not configured")
			records <- domain.NotificationRecord{
				Channel:    kind,
				Recipients: recipients,
				Success:    false,
				Error:      "channel not configured",
				Timestamp:  time.Now(),
			}
			continue
		}

		wg.Add(1)
		go func(ch domain.Channel) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), e.config.ChannelTimeout)
			defer cancel()

			record := domain.NotificationRecord{
				Channel:    ch.Kind(),
				Recipients: recipients,
				Timestamp:  time.Now(),
			}
			receipt, err := ch.Deliver(ctx, snap, recipients)
			if err != nil {
				record.Success = false
				record.Error = err.Error()
				e.logger.WithError(err).WithFields(logrus.Fields{
					"alert_id": snap.AlertID,
					"channel":  ch.Kind(),
				}).Error("Notification delivery failed")
			} else {
				record.Success = true
				record.DeliveryID = receipt.DeliveryID
			}
			records <- record
		}(channel)
	}

	wg.Wait()
	close(records)

	allFailed := true
	st.mu.Lock()
	for record := range records {
		st.alert.Notifications = append(st.alert.Notifications, record)
		if record.Success {
			allFailed = false
		}
		rec := record
		e.emit(func(s domain.EventSink) { s.RecordDelivery(rec) })
	}
	st.mu.Unlock()

	// A panic alert nobody could be reached for is itself a critical
	// incident and must be visible even with every gateway down.
	if allFailed && len(kinds) > 0 && snap.Level == domain.LevelPanic {
		e.logger.WithFields(logrus.Fields{
			"alert_id":   snap.AlertID,
			"patient_id": snap.PatientID,
			"test_id":    snap.TestID,
		}).Error("CRITICAL INCIDENT: panic alert failed all notification channels")
	}
}

// retire moves a terminated alert from the active map into bounded history
func (e *Engine) retire(alert *domain.Alert) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.alerts, alert.AlertID)
	e.history = append(e.history, *alert)
	if len(e.history) > e.config.MaxHistory {
		e.history = e.history[len(e.history)-e.config.MaxHistory:]
	}
}

func (e *Engine) archiveAlert(ctx context.Context, alert *domain.Alert) {
	e.mu.RLock()
	archive := e.archive
	e.mu.RUnlock()
	if archive == nil {
		return
	}
	if err := archive.SaveAlert(ctx, alert); err != nil {
		e.logger.WithError(err).WithField("alert_id", alert.AlertID).Error("Failed to archive alert")
	}
}

// snapshot copies the alert under its lock so callers never observe a
// half-applied transition
func (e *Engine) snapshot(st *alertState) *domain.Alert {
	st.mu.Lock()
	defer st.mu.Unlock()
	cp := *st.alert
	cp.Notifications = append([]domain.NotificationRecord(nil), st.alert.Notifications...)
	return &cp
}

func (e *Engine) emit(fn func(domain.EventSink)) {
	e.mu.RLock()
	sinks := e.sinks
	e.mu.RUnlock()
	for _, s := range sinks {
		fn(s)
	}
}
