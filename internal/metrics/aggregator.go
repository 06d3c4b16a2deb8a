package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/labqc/labqc-server/internal/domain"
)

const (
	// defaultRetention bounds how long day buckets are kept
	defaultRetention = 90 * 24 * time.Hour
	// defaultBuffer sizes the event channel; recording is non-blocking and
	// events overflowing the buffer are dropped with a counter.
	defaultBuffer = 4096
)

// Thresholds drive the recommendation generator
type Thresholds struct {
	MinValidationRate  float64       // below this, flag validation quality
	MinComplianceRate  float64       // below this, flag policy compliance
	MaxSevereAlertsDay int64         // critical+panic per 24h before flagging
	ResponseTimeTarget time.Duration // p95 response time budget
}

// DefaultThresholds returns the standard recommendation thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinValidationRate:  0.95,
		MinComplianceRate:  0.98,
		MaxSevereAlertsDay: 5,
		ResponseTimeTarget: 15 * time.Minute,
	}
}

type eventKind int

const (
	evValidation eventKind = iota
	evCorrelation
	evAlert
	evEscalation
	evAck
	evDelivery
)

type event struct {
	kind       eventKind
	at         time.Time
	passed     bool
	level      domain.AlertLevel
	response   time.Duration
	processing time.Duration
}

// Aggregator consumes engine lifecycle events off a buffered channel and
// maintains day-bucketed quality snapshots. It implements
// domain.EventSink; the Record methods never block the caller.
type Aggregator struct {
	logger     *logrus.Logger
	thresholds Thresholds
	retention  time.Duration

	events  chan event
	dropped int64

	mu       sync.RWMutex
	days     map[string]*domain.QualityMetricsSnapshot
	alertLog []domain.Alert

	done chan struct{}
	wg   sync.WaitGroup
}

// NewAggregator starts the consumer goroutine
func NewAggregator(logger *logrus.Logger, thresholds Thresholds) *Aggregator {
	a := &Aggregator{
		logger:     logger,
		thresholds: thresholds,
		retention:  defaultRetention,
		events:     make(chan event, defaultBuffer),
		days:       make(map[string]*domain.QualityMetricsSnapshot),
		done:       make(chan struct{}),
	}
	a.wg.Add(1)
	go a.consume()
	return a
}

// Close drains pending events and stops the consumer
func (a *Aggregator) Close() {
	close(a.done)
	a.wg.Wait()
}

// RecordValidation implements domain.EventSink
func (a *Aggregator) RecordValidation(outcome *domain.ValidationOutcome) {
	a.offer(event{
		kind:       evValidation,
		at:         outcome.Timestamp,
		passed:     outcome.OverallValid,
		processing: outcome.ProcessingDuration,
	})
}

// RecordCorrelation implements domain.EventSink
func (a *Aggregator) RecordCorrelation(outcome *domain.ClinicalValidationOutcome) {
	a.offer(event{kind: evCorrelation, at: outcome.Timestamp, passed: outcome.OverallValid})
}

// RecordAlert implements domain.EventSink
func (a *Aggregator) RecordAlert(alert *domain.Alert) {
	a.offer(event{kind: evAlert, at: alert.CreatedAt, level: alert.Level})
	a.mu.Lock()
	a.alertLog = append(a.alertLog, *alert)
	a.mu.Unlock()
}

// RecordEscalation implements domain.EventSink
func (a *Aggregator) RecordEscalation(alert *domain.Alert) {
	a.offer(event{kind: evEscalation, at: time.Now(), level: alert.Level})
	a.updateAlertLog(alert)
}

// RecordAcknowledgment implements domain.EventSink
func (a *Aggregator) RecordAcknowledgment(alert *domain.Alert) {
	ev := event{kind: evAck, at: time.Now(), level: alert.Level}
	if alert.ResponseTime != nil {
		ev.response = *alert.ResponseTime
	}
	a.offer(ev)
	a.updateAlertLog(alert)
}

// RecordDelivery implements domain.EventSink
func (a *Aggregator) RecordDelivery(record domain.NotificationRecord) {
	a.offer(event{kind: evDelivery, at: record.Timestamp, passed: record.Success})
}

func (a *Aggregator) offer(ev event) {
	select {
	case a.events <- ev:
	default:
		a.mu.Lock()
		a.dropped++
		a.mu.Unlock()
	}
}

func (a *Aggregator) updateAlertLog(alert *domain.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.alertLog {
		if a.alertLog[i].AlertID == alert.AlertID {
			a.alertLog[i] = *alert
			return
		}
	}
}

func (a *Aggregator) consume() {
	defer a.wg.Done()
	prune := time.NewTicker(time.Hour)
	defer prune.Stop()
	for {
		select {
		case ev := <-a.events:
			a.apply(ev)
		case <-prune.C:
			a.prune(time.Now())
		case <-a.done:
			// Drain whatever is buffered before exiting.
			for {
				select {
				case ev := <-a.events:
					a.apply(ev)
				default:
					return
				}
			}
		}
	}
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (a *Aggregator) bucket(t time.Time) *domain.QualityMetricsSnapshot {
	key := dayKey(t)
	if snap, ok := a.days[key]; ok {
		return snap
	}
	day := t.UTC().Truncate(24 * time.Hour)
	snap := &domain.QualityMetricsSnapshot{
		Day:           day,
		AlertsByLevel: make(map[domain.AlertLevel]int64),
	}
	a.days[key] = snap
	return snap
}

func (a *Aggregator) apply(ev event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ev.at.IsZero() {
		ev.at = time.Now()
	}
	snap := a.bucket(ev.at)
	switch ev.kind {
	case evValidation:
		snap.ValidationsTotal++
		if ev.passed {
			snap.ValidationsPassed++
		}
		if ev.processing > 0 {
			snap.ProcessingTimes = append(snap.ProcessingTimes, ev.processing)
		}
	case evCorrelation:
		snap.CorrelationsTotal++
		if ev.passed {
			snap.CorrelationsPassed++
		}
	case evAlert:
		snap.AlertsByLevel[ev.level]++
	case evEscalation:
		snap.Escalations++
	case evAck:
		snap.Acknowledged++
		if ev.response > 0 {
			snap.ResponseTimes = append(snap.ResponseTimes, ev.response)
		}
	case evDelivery:
		if !ev.passed {
			snap.DeliveryFailures++
		}
	}
}

// prune drops buckets and alert log entries older than the retention window
func (a *Aggregator) prune(now time.Time) {
	cutoff := now.Add(-a.retention)
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, snap := range a.days {
		if snap.Day.Before(cutoff.UTC().Truncate(24 * time.Hour)) {
			delete(a.days, key)
		}
	}
	kept := a.alertLog[:0]
	for _, alert := range a.alertLog {
		if !alert.CreatedAt.Before(cutoff) {
			kept = append(kept, alert)
		}
	}
	a.alertLog = kept
}

// TimeframeDuration converts a reporting timeframe to its window length
func TimeframeDuration(tf domain.Timeframe) (time.Duration, error) {
	switch tf {
	case domain.TimeframeHour:
		return time.Hour, nil
	case domain.TimeframeDay:
		return 24 * time.Hour, nil
	case domain.TimeframeWeek:
		return 7 * 24 * time.Hour, nil
	case domain.TimeframeMonth:
		return 30 * 24 * time.Hour, nil
	default:
		return 0, domain.NewQCError(domain.ErrInvalidTimeframe, fmt.Sprintf("unknown timeframe %q", tf), "")
	}
}

// QualityMetrics computes the aggregate view over a timeframe
func (a *Aggregator) QualityMetrics(tf domain.Timeframe) (*domain.QualityMetrics, error) {
	window, err := TimeframeDuration(tf)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	cutoff := now.Add(-window)

	a.mu.RLock()
	defer a.mu.RUnlock()

	total := domain.QualityMetricsSnapshot{AlertsByLevel: make(map[domain.AlertLevel]int64)}
	for _, snap := range a.days {
		// Day buckets that start before the cutoff may still hold in-window
		// events; include any bucket whose day overlaps the window.
		if snap.Day.Add(24 * time.Hour).Before(cutoff) {
			continue
		}
		total.ValidationsTotal += snap.ValidationsTotal
		total.ValidationsPassed += snap.ValidationsPassed
		total.CorrelationsTotal += snap.CorrelationsTotal
		total.CorrelationsPassed += snap.CorrelationsPassed
		total.Escalations += snap.Escalations
		total.Acknowledged += snap.Acknowledged
		total.DeliveryFailures += snap.DeliveryFailures
		for level, n := range snap.AlertsByLevel {
			total.AlertsByLevel[level] += n
		}
		total.ResponseTimes = append(total.ResponseTimes, snap.ResponseTimes...)
		total.ProcessingTimes = append(total.ProcessingTimes, snap.ProcessingTimes...)
	}

	m := &domain.QualityMetrics{
		Timeframe:        tf,
		ValidationsTotal: total.ValidationsTotal,
		AlertsByLevel:    total.AlertsByLevel,
		DeliveryFailures: total.DeliveryFailures,
		GeneratedAt:      now,
	}
	if total.ValidationsTotal > 0 {
		m.ValidationSuccessRate = float64(total.ValidationsPassed) / float64(total.ValidationsTotal)
	} else {
		m.ValidationSuccessRate = 1.0
	}
	if total.CorrelationsTotal > 0 {
		m.CorrelationRate = float64(total.CorrelationsPassed) / float64(total.CorrelationsTotal)
	} else {
		m.CorrelationRate = 1.0
	}
	var alertsTotal int64
	for _, n := range total.AlertsByLevel {
		alertsTotal += n
	}
	if alertsTotal > 0 {
		m.EscalationRate = float64(total.Escalations) / float64(alertsTotal)
	}
	m.ComplianceScore = complianceScore(alertsTotal, total.Acknowledged, total.Escalations)
	m.ResponseTimeP50 = durationPercentile(total.ResponseTimes, 0.50)
	m.ResponseTimeP95 = durationPercentile(total.ResponseTimes, 0.95)
	m.ProcessingTimeP95 = durationPercentile(total.ProcessingTimes, 0.95)
	m.QualityScore = qualityScore(m, total.AlertsByLevel)
	return m, nil
}

// Trend returns the day-by-day quality series for a timeframe, oldest
// first. Each point is one day bucket overlapping the window.
func (a *Aggregator) Trend(tf domain.Timeframe) ([]domain.TrendPoint, error) {
	window, err := TimeframeDuration(tf)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-window)

	a.mu.RLock()
	defer a.mu.RUnlock()

	var points []domain.TrendPoint
	for _, snap := range a.days {
		if snap.Day.Add(24 * time.Hour).Before(cutoff) {
			continue
		}
		points = append(points, trendPoint(snap))
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Day.Before(points[j].Day) })
	return points, nil
}

// trendPoint condenses one day bucket into its trend view, scoring the day
// with the same weights the aggregate quality score uses
func trendPoint(snap *domain.QualityMetricsSnapshot) domain.TrendPoint {
	p := domain.TrendPoint{
		Day:                   snap.Day,
		ValidationsTotal:      snap.ValidationsTotal,
		ValidationSuccessRate: 1.0,
		CorrelationRate:       1.0,
		Escalations:           snap.Escalations,
	}
	if snap.ValidationsTotal > 0 {
		p.ValidationSuccessRate = float64(snap.ValidationsPassed) / float64(snap.ValidationsTotal)
	}
	if snap.CorrelationsTotal > 0 {
		p.CorrelationRate = float64(snap.CorrelationsPassed) / float64(snap.CorrelationsTotal)
	}
	for _, n := range snap.AlertsByLevel {
		p.AlertsTotal += n
	}
	day := &domain.QualityMetrics{
		ValidationSuccessRate: p.ValidationSuccessRate,
		CorrelationRate:       p.CorrelationRate,
		ComplianceScore:       complianceScore(p.AlertsTotal, snap.Acknowledged, snap.Escalations),
	}
	p.QualityScore = qualityScore(day, snap.AlertsByLevel)
	return p
}

// complianceScore measures how well alert handling followed policy:
// acknowledged alerts raise it, escalations (missed deadlines) lower it.
func complianceScore(alerts, acked, escalations int64) float64 {
	if alerts == 0 {
		return 1.0
	}
	score := float64(acked)/float64(alerts) - 0.5*float64(escalations)/float64(alerts)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// qualityScore folds the rates and alert burden into one 0-100 score.
// It is strictly non-increasing in the number of panic and critical alerts.
func qualityScore(m *domain.QualityMetrics, byLevel map[domain.AlertLevel]int64) float64 {
	score := 100.0 * (0.45*m.ValidationSuccessRate + 0.25*m.CorrelationRate + 0.30*m.ComplianceScore)
	score -= 5.0 * float64(byLevel[domain.LevelPanic])
	score -= 2.0 * float64(byLevel[domain.LevelCritical])
	score -= 0.5 * float64(byLevel[domain.LevelWarning])
	if score < 0 {
		return 0
	}
	return score
}

func durationPercentile(values []time.Duration, p float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// Recommendations inspects the last-24h metrics and produces prioritized
// remediation guidance
func (a *Aggregator) Recommendations() ([]domain.Recommendation, error) {
	m, err := a.QualityMetrics(domain.TimeframeDay)
	if err != nil {
		return nil, err
	}
	var recs []domain.Recommendation
	severe := m.AlertsByLevel[domain.LevelPanic] + m.AlertsByLevel[domain.LevelCritical]
	if severe > a.thresholds.MaxSevereAlertsDay {
		recs = append(recs, domain.Recommendation{
			Priority: 1,
			Category: "alert_burden",
			Message:  fmt.Sprintf("%d critical/panic alerts in the last 24h exceeds the %d threshold; review instrument calibration and pre-analytical handling", severe, a.thresholds.MaxSevereAlertsDay),
		})
	}
	if m.ValidationSuccessRate < a.thresholds.MinValidationRate {
		recs = append(recs, domain.Recommendation{
			Priority: 2,
			Category: "validation",
			Message:  fmt.Sprintf("validation success rate %.1f%% is below the %.0f%% target; audit recent failing checks for unit and transcription errors", m.ValidationSuccessRate*100, a.thresholds.MinValidationRate*100),
		})
	}
	if m.ComplianceScore < a.thresholds.MinComplianceRate {
		recs = append(recs, domain.Recommendation{
			Priority: 3,
			Category: "compliance",
			Message:  fmt.Sprintf("alert handling compliance %.1f%% is below the %.0f%% target; unacknowledged or escalated alerts need staffing review", m.ComplianceScore*100, a.thresholds.MinComplianceRate*100),
		})
	}
	if a.thresholds.ResponseTimeTarget > 0 && m.ResponseTimeP95 > a.thresholds.ResponseTimeTarget {
		recs = append(recs, domain.Recommendation{
			Priority: 4,
			Category: "response_time",
			Message:  fmt.Sprintf("p95 alert response time %s exceeds the %s target", m.ResponseTimeP95, a.thresholds.ResponseTimeTarget),
		})
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Priority < recs[j].Priority })
	return recs, nil
}

// AlertStatistics summarizes alerts raised in a timeframe
func (a *Aggregator) AlertStatistics(tf domain.Timeframe) (*domain.AlertStatistics, error) {
	window, err := TimeframeDuration(tf)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	cutoff := now.Add(-window)

	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := &domain.AlertStatistics{
		Timeframe:   tf,
		ByLevel:     make(map[domain.AlertLevel]int64),
		ByStatus:    make(map[domain.AlertStatus]int64),
		GeneratedAt: now,
	}
	var responseSum time.Duration
	var responseN int64
	for _, alert := range a.alertLog {
		if alert.CreatedAt.Before(cutoff) {
			continue
		}
		stats.Total++
		stats.ByLevel[alert.Level]++
		stats.ByStatus[alert.Status]++
		if alert.EscalationLevel > 0 {
			stats.Escalations++
		}
		if alert.ResponseTime != nil {
			responseSum += *alert.ResponseTime
			responseN++
		}
	}
	if responseN > 0 {
		stats.AvgResponseTime = responseSum / time.Duration(responseN)
	}
	return stats, nil
}

// DroppedEvents reports how many events overflowed the buffer
func (a *Aggregator) DroppedEvents() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dropped
}
