package domain

import (
	"time"
)

// Catalog Models

// LimitBound is an optional low/high pair for one biological limit tier.
// A nil side means the tier is unbounded in that direction.
type LimitBound struct {
	Low  *float64 `json:"low,omitempty"`
	High *float64 `json:"high,omitempty"`
}

// Defined reports whether at least one side of the bound is set
func (b LimitBound) Defined() bool {
	return b.Low != nil || b.High != nil
}

// Contains reports whether v lies inside the bound (inclusive of nil sides)
func (b LimitBound) Contains(v float64) bool {
	if b.Low != nil && v < *b.Low {
		return false
	}
	if b.High != nil && v > *b.High {
		return false
	}
	return true
}

// BiologicalLimits holds the four nested severity tiers for one unit.
// Absolute is the widest tier; panic the innermost.
type BiologicalLimits struct {
	Absolute      LimitBound `json:"absolute"`
	Physiological LimitBound `json:"physiological"`
	Critical      LimitBound `json:"critical"`
	Panic         LimitBound `json:"panic"`
}

// AlternativeUnit declares a reportable unit other than the primary one
type AlternativeUnit struct {
	Unit             string  `json:"unit"`
	ConversionFactor float64 `json:"conversion_factor"` // multiply to get primary unit
	Precision        int     `json:"precision"`         // required decimal digits
}

// TestDefinition is the immutable catalog entry for a single laboratory test
type TestDefinition struct {
	TestID               string                      `json:"test_id"`
	Name                 string                      `json:"name"`
	LOINCCode            string                      `json:"loinc_code"`
	PrimaryUnit          string                      `json:"primary_unit"`
	PrimaryPrecision     int                         `json:"primary_precision"`
	AlternativeUnits     []AlternativeUnit           `json:"alternative_units,omitempty"`
	ReferenceRange       LimitBound                  `json:"reference_range"`
	Limits               map[string]BiologicalLimits `json:"limits"` // keyed by unit
	ClinicalSignificance string                      `json:"clinical_significance,omitempty"`
	Panels               []string                    `json:"panels,omitempty"`
}

// Input Models

// TestResult is a single discrete result entering the engine
type TestResult struct {
	TestID    string    `json:"test_id"`
	PatientID string    `json:"patient_id"`
	Value     float64   `json:"value"`
	RawValue  string    `json:"raw_value,omitempty"` // as reported, preserves decimal digits
	Unit      string    `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
}

// Validation Models

// CheckResult is the verdict of one independent validation check
type CheckResult struct {
	Check   CheckType         `json:"check"`
	Valid   bool              `json:"valid"`
	Level   AlertLevel        `json:"level,omitempty"` // severity implied by a failure
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// ValidationOutcome is the full verdict for one TestResult
type ValidationOutcome struct {
	Result             TestResult             `json:"result"`
	OverallValid       bool                   `json:"overall_valid"`
	Error              *QCError               `json:"error,omitempty"` // configuration errors only
	Unit               CheckResult            `json:"unit_check"`
	Range              CheckResult            `json:"range_check"`
	Coding             CheckResult            `json:"coding_check"`
	Precision          CheckResult            `json:"precision_check"`
	CrossReference     CheckResult            `json:"cross_reference_check"`
	Suggestions        []CorrectionSuggestion `json:"suggestions,omitempty"`
	ProcessingDuration time.Duration          `json:"processing_duration"`
	Timestamp          time.Time              `json:"timestamp"`
}

// Checks returns the five check results in evaluation order
func (o *ValidationOutcome) Checks() []CheckResult {
	return []CheckResult{o.Unit, o.Range, o.Coding, o.Precision, o.CrossReference}
}

// FailedChecks returns only the checks that did not pass
func (o *ValidationOutcome) FailedChecks() []CheckResult {
	var failed []CheckResult
	for _, c := range o.Checks() {
		if !c.Valid {
			failed = append(failed, c)
		}
	}
	return failed
}

// CorrectionSuggestion proposes a unit or value correction for a failed result
type CorrectionSuggestion struct {
	Kind           string  `json:"kind"` // "unit" or "value"
	SuggestedUnit  string  `json:"suggested_unit,omitempty"`
	SuggestedValue float64 `json:"suggested_value"`
	Confidence     float64 `json:"confidence"`
	Rationale      string  `json:"rationale"`
}

// Anomaly Models

// DetectionResult is the verdict of one anomaly sub-detection
type DetectionResult struct {
	Name      string   `json:"name"`
	Triggered bool     `json:"triggered"`
	Score     float64  `json:"score"`
	Evidence  string   `json:"evidence,omitempty"`
	Methods   []string `json:"methods,omitempty"` // which statistical tests agreed
}

// AnomalyReport aggregates the four anomaly sub-detections for one result
type AnomalyReport struct {
	TestID          string          `json:"test_id"`
	PatientID       string          `json:"patient_id"`
	AnomalyDetected bool            `json:"anomaly_detected"`
	Outlier         DetectionResult `json:"outlier"`
	Trend           DetectionResult `json:"trend"`
	Pattern         DetectionResult `json:"pattern"`
	Temporal        DetectionResult `json:"temporal"`
	RiskScore       float64         `json:"risk_score"`
	Severity        AlertLevel      `json:"severity"`
	Message         string          `json:"message,omitempty"`
	Recommendations []string        `json:"recommendations,omitempty"`
	HistorySize     int             `json:"history_size"`
}

// Correlation Models

// CorrelationRuleResult is the verdict of one clinical correlation rule
type CorrelationRuleResult struct {
	RuleID    string     `json:"rule_id"`
	Name      string     `json:"name"`
	Evaluated bool       `json:"evaluated"` // false when required tests were absent
	Valid     bool       `json:"valid"`
	Level     AlertLevel `json:"level,omitempty"`
	Message   string     `json:"message"`
}

// ClinicalValidationOutcome is the verdict across all evaluable correlation rules
type ClinicalValidationOutcome struct {
	PatientID    string                  `json:"patient_id"`
	OverallValid bool                    `json:"overall_valid"`
	Rules        []CorrelationRuleResult `json:"rules"`
	Timestamp    time.Time               `json:"timestamp"`
}

// Alert Models

// NotificationRecord captures one delivery attempt to one channel
type NotificationRecord struct {
	Channel    ChannelKind `json:"channel"`
	Recipients []string    `json:"recipients"`
	Success    bool        `json:"success"`
	DeliveryID string      `json:"delivery_id,omitempty"`
	Error      string      `json:"error,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Alert is a materialized quality-control alert with its full lifecycle state
type Alert struct {
	AlertID         string               `json:"alert_id"`
	Level           AlertLevel           `json:"level"`
	TestID          string               `json:"test_id"`
	PatientID       string               `json:"patient_id"`
	Value           float64              `json:"value"`
	Unit            string               `json:"unit"`
	Source          string               `json:"source"` // originating check or detector
	Message         string               `json:"message"`
	Status          AlertStatus          `json:"status"`
	EscalationLevel int                  `json:"escalation_level"`
	CreatedAt       time.Time            `json:"created_at"`
	AcknowledgedBy  string               `json:"acknowledged_by,omitempty"`
	AcknowledgedAt  *time.Time           `json:"acknowledged_at,omitempty"`
	ResponseTime    *time.Duration       `json:"response_time,omitempty"`
	Notifications   []NotificationRecord `json:"notifications_sent,omitempty"`
}

// Recipients groups the three recipient tiers an escalation policy addresses
type Recipients struct {
	Primary    []string `json:"primary"`
	Escalation []string `json:"escalation"`
	Emergency  []string `json:"emergency"`
}

// EscalationPolicy is the static per-severity alerting configuration.
// A zero EscalationTime means the level never auto-escalates on a timer;
// panic instead takes the immediate emergency path at creation.
type EscalationPolicy struct {
	Level              AlertLevel    `json:"level"`
	NotificationDelay  time.Duration `json:"notification_delay"`
	Channels           []ChannelKind `json:"channels"`
	Recipients         Recipients    `json:"recipients"`
	ResponseTimeTarget time.Duration `json:"response_time_target"`
	EscalationTime     time.Duration `json:"escalation_time,omitempty"`
	Actions            []string      `json:"actions,omitempty"`
}

// DeliveryReceipt is returned by a notification channel on success
type DeliveryReceipt struct {
	DeliveryID string      `json:"delivery_id"`
	Channel    ChannelKind `json:"channel"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Metrics Models

// QualityMetricsSnapshot is one day-bucketed aggregate of engine outcomes
type QualityMetricsSnapshot struct {
	Day                time.Time            `json:"day"`
	ValidationsTotal   int64                `json:"validations_total"`
	ValidationsPassed  int64                `json:"validations_passed"`
	CorrelationsTotal  int64                `json:"correlations_total"`
	CorrelationsPassed int64                `json:"correlations_passed"`
	AlertsByLevel      map[AlertLevel]int64 `json:"alerts_by_level"`
	Escalations        int64                `json:"escalations"`
	Acknowledged       int64                `json:"acknowledged"`
	DeliveryFailures   int64                `json:"delivery_failures"`
	ResponseTimes      []time.Duration      `json:"-"`
	ProcessingTimes    []time.Duration      `json:"-"`
}

// QualityMetrics is the computed view over a timeframe
type QualityMetrics struct {
	Timeframe             Timeframe            `json:"timeframe"`
	ValidationsTotal      int64                `json:"validations_total"`
	ValidationSuccessRate float64              `json:"validation_success_rate"`
	ComplianceScore       float64              `json:"compliance_score"`
	CorrelationRate       float64              `json:"correlation_success_rate"`
	AlertsByLevel         map[AlertLevel]int64 `json:"alerts_by_level"`
	EscalationRate        float64              `json:"escalation_rate"`
	DeliveryFailures      int64                `json:"delivery_failures"`
	ResponseTimeP50       time.Duration        `json:"response_time_p50"`
	ResponseTimeP95       time.Duration        `json:"response_time_p95"`
	ProcessingTimeP95     time.Duration        `json:"processing_time_p95"`
	QualityScore          float64              `json:"quality_score"`
	GeneratedAt           time.Time            `json:"generated_at"`
}

// TrendPoint is one day of the quality trend series
type TrendPoint struct {
	Day                   time.Time `json:"day"`
	ValidationsTotal      int64     `json:"validations_total"`
	ValidationSuccessRate float64   `json:"validation_success_rate"`
	CorrelationRate       float64   `json:"correlation_success_rate"`
	AlertsTotal           int64     `json:"alerts_total"`
	Escalations           int64     `json:"escalations"`
	QualityScore          float64   `json:"quality_score"`
}

// Recommendation is a prioritized, human-readable quality recommendation
type Recommendation struct {
	Priority int    `json:"priority"` // 1 is most urgent
	Category string `json:"category"`
	Message  string `json:"message"`
}

// AlertStatistics is the reporting view over alerts in a timeframe
type AlertStatistics struct {
	Timeframe       Timeframe             `json:"timeframe"`
	Total           int64                 `json:"total"`
	ByLevel         map[AlertLevel]int64  `json:"by_level"`
	ByStatus        map[AlertStatus]int64 `json:"by_status"`
	Escalations     int64                 `json:"escalations"`
	AvgResponseTime time.Duration         `json:"avg_response_time"`
	GeneratedAt     time.Time             `json:"generated_at"`
}
