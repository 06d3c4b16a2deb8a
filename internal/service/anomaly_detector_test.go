package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labqc/labqc-server/internal/domain"
)

func testDetector() *AnomalyDetector {
	return NewAnomalyDetector(testLogger(), DefaultDetectorConfig())
}

// series builds a chronological history ending one hour before now, spaced
// a day apart so rate-of-change stays negligible for stable values.
func series(testID string, values ...float64) []domain.TestResult {
	base := time.Now().Add(-time.Duration(len(values)) * 24 * time.Hour)
	out := make([]domain.TestResult, len(values))
	for i, v := range values {
		out[i] = domain.TestResult{
			TestID:    testID,
			PatientID: "patient-1",
			Value:     v,
			Unit:      "mmol/L",
			Timestamp: base.Add(time.Duration(i) * 24 * time.Hour),
		}
	}
	return out
}

func TestDetectAnomalies_InsufficientHistory(t *testing.T) {
	d := testDetector()

	report := d.DetectAnomalies(result("glucose", 5.0, "mmol/L"), nil)

	assert.False(t, report.AnomalyDetected)
	assert.Equal(t, domain.LevelInfo, report.Severity)
	assert.Zero(t, report.RiskScore)
	assert.Contains(t, report.Message, "insufficient history")
	assert.NotEmpty(t, report.Recommendations)
}

func TestDetectAnomalies_StableHistoryNoAnomaly(t *testing.T) {
	d := testDetector()
	history := series("glucose", 5.0, 5.2, 5.1, 4.9, 5.3, 5.0, 5.2, 5.1, 5.0, 5.2)

	report := d.DetectAnomalies(result("glucose", 5.1, "mmol/L"), history)

	assert.False(t, report.AnomalyDetected)
	assert.Equal(t, "no anomaly detected", report.Message)
}

func TestDetectOutliers_ThreeMethodsAgree(t *testing.T) {
	d := testDetector()
	history := series("glucose", 5.0, 5.2, 5.1, 4.9, 5.3, 5.0, 5.2, 5.1)

	report := d.DetectAnomalies(result("glucose", 20.0, "mmol/L"), history)

	assert.True(t, report.AnomalyDetected)
	assert.True(t, report.Outlier.Triggered)
	assert.Len(t, report.Outlier.Methods, 3)
	assert.Contains(t, report.Outlier.Methods, "three_sigma")
	assert.Contains(t, report.Outlier.Methods, "iqr_fence")
	assert.Contains(t, report.Outlier.Methods, "modified_z")
	// Multiple methods agreeing escalates to critical.
	assert.Equal(t, domain.LevelCritical, report.Severity)
}

func TestDetectTrend_DeltaCheck(t *testing.T) {
	d := testDetector()
	// Sodium has a 10% delta threshold.
	history := series("sodium", 140, 141)

	report := d.DetectAnomalies(result("sodium", 160, "mmol/L"), history)

	assert.True(t, report.Trend.Triggered)
	assert.Contains(t, report.Trend.Methods, "delta_check")
}

func TestDetectTrend_WithinThreshold(t *testing.T) {
	d := testDetector()
	history := series("sodium", 140, 141)

	report := d.DetectAnomalies(result("sodium", 143, "mmol/L"), history)

	assert.False(t, report.Trend.Triggered)
}

func TestDetectTrend_RateOfChange(t *testing.T) {
	d := testDetector()
	now := time.Now()
	// Two results one hour apart, then a 60% jump thirty minutes later.
	history := []domain.TestResult{
		{TestID: "glucose", PatientID: "p", Value: 5.0, Timestamp: now.Add(-90 * time.Minute)},
		{TestID: "glucose", PatientID: "p", Value: 5.1, Timestamp: now.Add(-30 * time.Minute)},
	}

	r := result("glucose", 8.0, "mmol/L")
	r.Timestamp = now
	report := d.DetectAnomalies(r, history)

	assert.True(t, report.Trend.Triggered)
	assert.Contains(t, report.Trend.Methods, "rate_of_change")
}

func TestDetectPattern_StuckValue(t *testing.T) {
	d := testDetector()
	history := series("glucose", 5.1, 6.2, 5.5, 5.5, 5.5)

	report := d.DetectAnomalies(result("glucose", 5.5, "mmol/L"), history)

	assert.True(t, report.Pattern.Triggered)
	assert.Contains(t, report.Pattern.Methods, "stuck_value")
}

func TestDetectPattern_ConflictingSimultaneous(t *testing.T) {
	d := testDetector()
	ts := time.Now()
	history := []domain.TestResult{
		{TestID: "glucose", PatientID: "p", Value: 5.0, Timestamp: ts},
	}

	r := result("glucose", 9.0, "mmol/L")
	r.Timestamp = ts
	report := d.DetectAnomalies(r, history)

	assert.True(t, report.Pattern.Triggered)
	assert.Contains(t, report.Pattern.Methods, "conflicting_simultaneous")
}

func TestDetectTemporal_HourOfDayProfile(t *testing.T) {
	d := testDetector()

	// Twelve fasting morning draws around 5 mmol/L.
	base := time.Date(2026, 1, 1, 7, 0, 0, 0, time.UTC)
	values := []float64{5.0, 5.1, 4.9, 5.2, 5.0, 5.1, 5.0, 4.8, 5.2, 5.1, 5.0, 4.9}
	history := make([]domain.TestResult, len(values))
	for i, v := range values {
		history[i] = domain.TestResult{
			TestID: "glucose", PatientID: "p", Value: v,
			Timestamp: base.AddDate(0, 0, i),
		}
	}

	// A 7.5 at the same time of day is >3 sigma off the morning profile
	// while still inside the physiological range.
	r := result("glucose", 7.5, "mmol/L")
	r.Timestamp = base.AddDate(0, 0, len(values))
	report := d.DetectAnomalies(r, history)

	assert.True(t, report.Temporal.Triggered)
	assert.Contains(t, report.Temporal.Methods, "hour_of_day")
}

func TestDetectAnomalies_RiskScoreGrowsWithAgreement(t *testing.T) {
	d := testDetector()
	history := series("glucose", 5.0, 5.2, 5.1, 4.9, 5.3, 5.0)

	mild := d.DetectAnomalies(result("glucose", 7.0, "mmol/L"), history)
	severe := d.DetectAnomalies(result("glucose", 25.0, "mmol/L"), history)

	assert.GreaterOrEqual(t, severe.RiskScore, mild.RiskScore)
	require.True(t, severe.AnomalyDetected)
	assert.GreaterOrEqual(t, severe.Severity.Rank(), domain.LevelWarning.Rank())
}

func TestDetectAnomalies_HistoryOrderIndependent(t *testing.T) {
	d := testDetector()
	history := series("sodium", 140, 141, 139, 142, 140)

	shuffled := []domain.TestResult{history[3], history[0], history[4], history[1], history[2]}

	a := d.DetectAnomalies(result("sodium", 141, "mmol/L"), history)
	b := d.DetectAnomalies(result("sodium", 141, "mmol/L"), shuffled)

	assert.Equal(t, a.AnomalyDetected, b.AnomalyDetected)
	assert.InDelta(t, a.RiskScore, b.RiskScore, 1e-12)
}

func TestDetectAnomalies_RecommendationsKeyedToDetections(t *testing.T) {
	d := testDetector()
	history := series("glucose", 5.0, 5.2, 5.1, 4.9, 5.3, 5.0, 5.2, 5.1)

	report := d.DetectAnomalies(result("glucose", 20.0, "mmol/L"), history)

	require.True(t, report.Outlier.Triggered)
	found := false
	for _, rec := range report.Recommendations {
		if rec == "Confirm result by repeat analysis; value is a statistical outlier against patient history." {
			found = true
		}
	}
	assert.True(t, found)
}
