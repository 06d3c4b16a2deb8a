package service

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/labqc/labqc-server/internal/domain"
)

// Minimum history lengths per sub-detection. Shorter histories yield a valid
// low-confidence report, never an error.
const (
	minHistoryOutlier  = 5
	minHistoryTrend    = 2
	minHistoryTemporal = 10
)

// madScale is the consistency constant relating MAD to the standard
// deviation of a normal distribution
const madScale = 0.6745

// modifiedZThreshold flags modified z-scores beyond this magnitude
const modifiedZThreshold = 3.5

// DetectorConfig tunes anomaly detection
type DetectorConfig struct {
	// DeltaThresholds maps testID to the maximum plausible relative change
	// from the immediately preceding result. Tests without an entry use
	// DefaultDeltaThreshold.
	DeltaThresholds       map[string]float64
	DefaultDeltaThreshold float64
	// MaxRatePerHour is the maximum plausible relative change per hour over
	// the recent window
	MaxRatePerHour float64
	// CyclicalTests lists tests with a known circadian pattern, making the
	// hour-of-day profile check meaningful
	CyclicalTests map[string]bool
	// StuckRunLength is how many consecutive identical values suggest an
	// instrument reporting a stuck result
	StuckRunLength int
}

// DefaultDetectorConfig returns detection defaults
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		DeltaThresholds: map[string]float64{
			"sodium":     0.10, // tightly regulated analyte
			"potassium":  0.25,
			"creatinine": 0.50,
			"hemoglobin": 0.25,
		},
		DefaultDeltaThreshold: 0.60,
		MaxRatePerHour:        0.30,
		CyclicalTests: map[string]bool{
			"glucose": true,
			"tsh":     true,
		},
		StuckRunLength: 4,
	}
}

// AnomalyDetector flags statistical anomalies in a result against the
// patient's own history for the same test. Pure computation, no suspension
// points.
type AnomalyDetector struct {
	logger *logrus.Logger
	config DetectorConfig
}

// NewAnomalyDetector creates an anomaly detector
func NewAnomalyDetector(logger *logrus.Logger, config DetectorConfig) *AnomalyDetector {
	if config.DefaultDeltaThreshold == 0 {
		config.DefaultDeltaThreshold = 0.60
	}
	if config.MaxRatePerHour == 0 {
		config.MaxRatePerHour = 0.30
	}
	if config.StuckRunLength == 0 {
		config.StuckRunLength = 4
	}
	return &AnomalyDetector{logger: logger, config: config}
}

// DetectAnomalies runs the four sub-detections over the patient's history
// for this test. History is sorted chronologically before analysis; the
// current result must not already be part of it.
func (d *AnomalyDetector) DetectAnomalies(result domain.TestResult, history []domain.TestResult) *domain.AnomalyReport {
	report := &domain.AnomalyReport{
		TestID:      result.TestID,
		PatientID:   result.PatientID,
		HistorySize: len(history),
		Severity:    domain.LevelInfo,
	}

	sorted := make([]domain.TestResult, len(history))
	copy(sorted, history)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	report.Outlier = d.detectOutliers(result, sorted)
	report.Trend = d.detectTrend(result, sorted)
	report.Pattern = d.detectPattern(result, sorted)
	report.Temporal = d.detectTemporal(result, sorted)

	report.AnomalyDetected = report.Outlier.Triggered || report.Trend.Triggered ||
		report.Pattern.Triggered || report.Temporal.Triggered

	report.RiskScore = 0.40*report.Outlier.Score +
		0.25*report.Trend.Score +
		0.15*report.Pattern.Score +
		0.20*report.Temporal.Score

	if report.AnomalyDetected {
		report.Severity = domain.LevelWarning
		// Two or more independent statistical methods agreeing escalates.
		if len(report.Outlier.Methods) >= 2 || report.RiskScore >= 0.7 {
			report.Severity = domain.LevelCritical
		}
		report.Message = "statistical anomaly against patient history"
	} else if len(history) < minHistoryOutlier {
		report.Message = fmt.Sprintf("insufficient history (%d results) for confident anomaly detection", len(history))
	} else {
		report.Message = "no anomaly detected"
	}

	report.Recommendations = d.recommendations(report)

	d.logger.WithFields(logrus.Fields{
		"test_id":    result.TestID,
		"patient_id": result.PatientID,
		"anomaly":    report.AnomalyDetected,
		"risk_score": report.RiskScore,
	}).Debug("Anomaly detection complete")

	return report
}

// detectOutliers runs three independent statistical tests against the same
// history: three-sigma, IQR fence, and modified z-score (median/MAD).
func (d *AnomalyDetector) detectOutliers(result domain.TestResult, history []domain.TestResult) domain.DetectionResult {
	out := domain.DetectionResult{Name: "outlier"}
	if len(history) < minHistoryOutlier {
		out.Evidence = fmt.Sprintf("requires at least %d historical results, have %d", minHistoryOutlier, len(history))
		return out
	}

	values := make([]float64, len(history))
	for i, h := range history {
		values[i] = h.Value
	}

	var methods []string

	mean, std := meanStd(values)
	if std > 0 {
		z := math.Abs(result.Value-mean) / std
		if z > 3 {
			methods = append(methods, "three_sigma")
		}
	}

	q1, q3 := quartiles(values)
	iqr := q3 - q1
	if result.Value < q1-1.5*iqr || result.Value > q3+1.5*iqr {
		methods = append(methods, "iqr_fence")
	}

	med := median(values)
	mad := medianAbsoluteDeviation(values, med)
	if mad > 0 {
		mz := madScale * math.Abs(result.Value-med) / mad
		if mz > modifiedZThreshold {
			methods = append(methods, "modified_z")
		}
	}

	out.Methods = methods
	out.Triggered = len(methods) > 0
	if out.Triggered {
		out.Score = float64(len(methods)) / 3
		out.Evidence = fmt.Sprintf("flagged by %d of 3 methods against mean %.4g", len(methods), mean)
	}
	return out
}

// detectTrend applies a delta check against the immediately preceding
// chronological result plus a rate-of-change estimate over the recent window
func (d *AnomalyDetector) detectTrend(result domain.TestResult, history []domain.TestResult) domain.DetectionResult {
	out := domain.DetectionResult{Name: "trend"}
	if len(history) < minHistoryTrend {
		out.Evidence = fmt.Sprintf("requires at least %d historical results, have %d", minHistoryTrend, len(history))
		return out
	}

	threshold, ok := d.config.DeltaThresholds[result.TestID]
	if !ok {
		threshold = d.config.DefaultDeltaThreshold
	}

	prev := history[len(history)-1]
	var deltaFired, rateFired bool

	if prev.Value != 0 {
		delta := math.Abs(result.Value-prev.Value) / math.Abs(prev.Value)
		if delta > threshold {
			deltaFired = true
			out.Evidence = fmt.Sprintf("delta check: %.0f%% change from preceding %.4g exceeds %.0f%%",
				delta*100, prev.Value, threshold*100)
			out.Score = math.Min(delta/threshold/2, 1)
		}
	}

	// Rate of change over the most recent window of up to five results.
	window := history
	if len(window) > 5 {
		window = window[len(window)-5:]
	}
	first := window[0]
	hours := result.Timestamp.Sub(first.Timestamp).Hours()
	if hours > 0 && first.Value != 0 {
		rate := math.Abs(result.Value-first.Value) / math.Abs(first.Value) / hours
		if rate > d.config.MaxRatePerHour {
			rateFired = true
			evidence := fmt.Sprintf("rate of change %.0f%%/h exceeds %.0f%%/h", rate*100, d.config.MaxRatePerHour*100)
			if out.Evidence != "" {
				out.Evidence += "; " + evidence
			} else {
				out.Evidence = evidence
			}
			out.Score = math.Max(out.Score, math.Min(rate/d.config.MaxRatePerHour/2, 1))
		}
	}

	out.Triggered = deltaFired || rateFired
	if deltaFired {
		out.Methods = append(out.Methods, "delta_check")
	}
	if rateFired {
		out.Methods = append(out.Methods, "rate_of_change")
	}
	return out
}

// detectPattern checks for result patterns a single-value range check cannot
// see: stuck instrument runs, conflicting simultaneous values, and deviation
// from a known cyclical profile.
func (d *AnomalyDetector) detectPattern(result domain.TestResult, history []domain.TestResult) domain.DetectionResult {
	out := domain.DetectionResult{Name: "pattern"}
	if len(history) == 0 {
		return out
	}

	// Stuck-value run: the incoming value extends a run of identical results.
	run := 1
	for i := len(history) - 1; i >= 0 && history[i].Value == result.Value; i-- {
		run++
	}
	if run >= d.config.StuckRunLength {
		out.Triggered = true
		out.Methods = append(out.Methods, "stuck_value")
		out.Evidence = fmt.Sprintf("value %.4g repeated %d times consecutively", result.Value, run)
		out.Score = 0.8
	}

	// Conflicting simultaneous result: same timestamp, materially different
	// value is a biologically impossible combination.
	for _, h := range history {
		if h.Timestamp.Equal(result.Timestamp) && h.Value != result.Value {
			out.Triggered = true
			out.Methods = append(out.Methods, "conflicting_simultaneous")
			out.Evidence = fmt.Sprintf("conflicting value %.4g reported at the same instant", h.Value)
			out.Score = math.Max(out.Score, 1)
		}
	}

	// Known cyclical tests are compared against same-phase history below in
	// the temporal detection; here only note the expectation exists.
	if d.config.CyclicalTests[result.TestID] && len(out.Methods) == 0 {
		out.Evidence = "test has a known circadian pattern; see temporal analysis"
	}
	return out
}

// detectTemporal profiles history by hour-of-day block and flags values
// anomalous only relative to the same block. Requires ten points.
func (d *AnomalyDetector) detectTemporal(result domain.TestResult, history []domain.TestResult) domain.DetectionResult {
	out := domain.DetectionResult{Name: "temporal"}
	if len(history) < minHistoryTemporal {
		out.Evidence = fmt.Sprintf("requires at least %d historical results, have %d", minHistoryTemporal, len(history))
		return out
	}

	block := hourBlock(result.Timestamp)
	var sameBlock []float64
	for _, h := range history {
		if hourBlock(h.Timestamp) == block {
			sameBlock = append(sameBlock, h.Value)
		}
	}
	if len(sameBlock) < 3 {
		out.Evidence = "too few same-time-of-day observations"
		return out
	}

	mean, std := meanStd(sameBlock)
	if std == 0 {
		return out
	}
	z := math.Abs(result.Value-mean) / std
	if z > 3 {
		out.Triggered = true
		out.Methods = append(out.Methods, "hour_of_day")
		out.Score = math.Min(z/6, 1)
		out.Evidence = fmt.Sprintf("value deviates %.1f sigma from the %02d:00-%02d:00 profile", z, block*6, block*6+6)
	}
	return out
}

// recommendations produces generated text keyed to which detections fired
func (d *AnomalyDetector) recommendations(report *domain.AnomalyReport) []string {
	var recs []string
	if report.Outlier.Triggered {
		recs = append(recs, "Confirm result by repeat analysis; value is a statistical outlier against patient history.")
	}
	if report.Trend.Triggered {
		recs = append(recs, "Review the preceding result and sample identity; implausible change since last measurement.")
	}
	if report.Pattern.Triggered {
		recs = append(recs, "Inspect the analyzer and sample handling; result pattern suggests an instrument or entry issue.")
	}
	if report.Temporal.Triggered {
		recs = append(recs, "Check collection time documentation; value is unusual for this time of day.")
	}
	if !report.AnomalyDetected && report.HistorySize < minHistoryOutlier {
		recs = append(recs, "Accumulate more patient history to enable statistical anomaly detection.")
	}
	return recs
}

// hourBlock buckets a timestamp into one of four six-hour blocks
func hourBlock(t time.Time) int {
	return t.Hour() / 6
}

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func medianAbsoluteDeviation(values []float64, med float64) float64 {
	devs := make([]float64, len(values))
	for i, v := range values {
		devs[i] = math.Abs(v - med)
	}
	return median(devs)
}

// quartiles returns Q1 and Q3 by linear interpolation
func quartiles(values []float64) (float64, float64) {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return percentileSorted(sorted, 0.25), percentileSorted(sorted, 0.75)
}

func percentileSorted(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
