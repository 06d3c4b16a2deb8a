package metrics

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/labqc/labqc-server/internal/domain"
)

// QualityReport packages the metrics, alert statistics, and recommendations
// for one timeframe
type QualityReport struct {
	Timeframe       domain.Timeframe        `json:"timeframe"`
	Metrics         *domain.QualityMetrics  `json:"metrics"`
	AlertStatistics *domain.AlertStatistics `json:"alert_statistics"`
	Recommendations []domain.Recommendation `json:"recommendations"`
	GeneratedAt     time.Time               `json:"generated_at"`
}

// DashboardExport is the flat view consumed by external dashboards
type DashboardExport struct {
	Metrics      map[domain.Timeframe]*domain.QualityMetrics `json:"metrics"`
	ActiveLevels map[domain.AlertLevel]int64                 `json:"active_alerts_by_level"`
	Trend        []domain.TrendPoint                         `json:"trend"`
	GeneratedAt  time.Time                                   `json:"generated_at"`
}

// GenerateQualityReport builds and serializes the quality report
func (a *Aggregator) GenerateQualityReport(tf domain.Timeframe, format domain.ExportFormat) ([]byte, error) {
	m, err := a.QualityMetrics(tf)
	if err != nil {
		return nil, err
	}
	stats, err := a.AlertStatistics(tf)
	if err != nil {
		return nil, err
	}
	recs, err := a.Recommendations()
	if err != nil {
		return nil, err
	}
	report := &QualityReport{
		Timeframe:       tf,
		Metrics:         m,
		AlertStatistics: stats,
		Recommendations: recs,
		GeneratedAt:     time.Now(),
	}

	switch format {
	case domain.FormatJSON:
		return json.MarshalIndent(report, "", "  ")
	case domain.FormatCSV:
		return reportCSV(report)
	case domain.FormatMarkdown:
		return reportMarkdown(report), nil
	default:
		return nil, domain.NewQCError(domain.ErrInvalidFormat, fmt.Sprintf("unknown export format %q", format), "")
	}
}

// ExportDashboardData serializes metrics for every timeframe at once
func (a *Aggregator) ExportDashboardData(format domain.ExportFormat) ([]byte, error) {
	export := &DashboardExport{
		Metrics:      make(map[domain.Timeframe]*domain.QualityMetrics),
		ActiveLevels: make(map[domain.AlertLevel]int64),
		GeneratedAt:  time.Now(),
	}
	for _, tf := range []domain.Timeframe{domain.TimeframeHour, domain.TimeframeDay, domain.TimeframeWeek, domain.TimeframeMonth} {
		m, err := a.QualityMetrics(tf)
		if err != nil {
			return nil, err
		}
		export.Metrics[tf] = m
	}

	trend, err := a.Trend(domain.TimeframeWeek)
	if err != nil {
		return nil, err
	}
	export.Trend = trend

	a.mu.RLock()
	for _, alert := range a.alertLog {
		if alert.Status != domain.StatusAcknowledged {
			export.ActiveLevels[alert.Level]++
		}
	}
	a.mu.RUnlock()

	switch format {
	case domain.FormatJSON:
		return json.MarshalIndent(export, "", "  ")
	case domain.FormatCSV:
		return dashboardCSV(export)
	case domain.FormatMarkdown:
		return dashboardMarkdown(export), nil
	default:
		return nil, domain.NewQCError(domain.ErrInvalidFormat, fmt.Sprintf("unknown export format %q", format), "")
	}
}

func reportCSV(r *QualityReport) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	rows := [][]string{
		{"metric", "value"},
		{"timeframe", string(r.Timeframe)},
		{"validations_total", strconv.FormatInt(r.Metrics.ValidationsTotal, 10)},
		{"validation_success_rate", formatRate(r.Metrics.ValidationSuccessRate)},
		{"correlation_success_rate", formatRate(r.Metrics.CorrelationRate)},
		{"compliance_score", formatRate(r.Metrics.ComplianceScore)},
		{"escalation_rate", formatRate(r.Metrics.EscalationRate)},
		{"delivery_failures", strconv.FormatInt(r.Metrics.DeliveryFailures, 10)},
		{"response_time_p50", r.Metrics.ResponseTimeP50.String()},
		{"response_time_p95", r.Metrics.ResponseTimeP95.String()},
		{"processing_time_p95", r.Metrics.ProcessingTimeP95.String()},
		{"quality_score", strconv.FormatFloat(r.Metrics.QualityScore, 'f', 1, 64)},
		{"alerts_total", strconv.FormatInt(r.AlertStatistics.Total, 10)},
	}
	for _, level := range []domain.AlertLevel{domain.LevelInfo, domain.LevelWarning, domain.LevelCritical, domain.LevelPanic} {
		rows = append(rows, []string{"alerts_" + string(level), strconv.FormatInt(r.Metrics.AlertsByLevel[level], 10)})
	}
	for i, rec := range r.Recommendations {
		rows = append(rows, []string{fmt.Sprintf("recommendation_%d", i+1), rec.Message})
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func reportMarkdown(r *QualityReport) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# Quality Report (%s)\n\n", r.Timeframe)
	fmt.Fprintf(&buf, "Generated: %s\n\n", r.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&buf, "**Quality score: %.1f / 100**\n\n", r.Metrics.QualityScore)
	buf.WriteString("| Metric | Value |\n|---|---|\n")
	fmt.Fprintf(&buf, "| Validations | %d |\n", r.Metrics.ValidationsTotal)
	fmt.Fprintf(&buf, "| Validation success rate | %s |\n", formatRate(r.Metrics.ValidationSuccessRate))
	fmt.Fprintf(&buf, "| Correlation success rate | %s |\n", formatRate(r.Metrics.CorrelationRate))
	fmt.Fprintf(&buf, "| Compliance score | %s |\n", formatRate(r.Metrics.ComplianceScore))
	fmt.Fprintf(&buf, "| Escalation rate | %s |\n", formatRate(r.Metrics.EscalationRate))
	fmt.Fprintf(&buf, "| Delivery failures | %d |\n", r.Metrics.DeliveryFailures)
	fmt.Fprintf(&buf, "| Response time p50 / p95 | %s / %s |\n", r.Metrics.ResponseTimeP50, r.Metrics.ResponseTimeP95)
	fmt.Fprintf(&buf, "| Processing time p95 | %s |\n", r.Metrics.ProcessingTimeP95)

	buf.WriteString("\n## Alerts\n\n| Level | Count |\n|---|---|\n")
	for _, level := range []domain.AlertLevel{domain.LevelInfo, domain.LevelWarning, domain.LevelCritical, domain.LevelPanic} {
		fmt.Fprintf(&buf, "| %s | %d |\n", level, r.Metrics.AlertsByLevel[level])
	}
	fmt.Fprintf(&buf, "\nTotal alerts: %d, escalations: %d, average response time: %s\n",
		r.AlertStatistics.Total, r.AlertStatistics.Escalations, r.AlertStatistics.AvgResponseTime)

	if len(r.Recommendations) > 0 {
		buf.WriteString("\n## Recommendations\n\n")
		for _, rec := range r.Recommendations {
			fmt.Fprintf(&buf, "%d. **%s**: %s\n", rec.Priority, rec.Category, rec.Message)
		}
	}
	return buf.Bytes()
}

func dashboardCSV(d *DashboardExport) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	rows := [][]string{{"timeframe", "validations", "validation_rate", "correlation_rate", "compliance", "quality_score", "delivery_failures"}}
	for _, tf := range []domain.Timeframe{domain.TimeframeHour, domain.TimeframeDay, domain.TimeframeWeek, domain.TimeframeMonth} {
		m := d.Metrics[tf]
		if m == nil {
			continue
		}
		rows = append(rows, []string{
			string(tf),
			strconv.FormatInt(m.ValidationsTotal, 10),
			formatRate(m.ValidationSuccessRate),
			formatRate(m.CorrelationRate),
			formatRate(m.ComplianceScore),
			strconv.FormatFloat(m.QualityScore, 'f', 1, 64),
			strconv.FormatInt(m.DeliveryFailures, 10),
		})
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func dashboardMarkdown(d *DashboardExport) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# Dashboard Export\n\nGenerated: %s\n\n", d.GeneratedAt.Format(time.RFC3339))
	buf.WriteString("| Timeframe | Validations | Validation rate | Quality score |\n|---|---|---|---|\n")
	for _, tf := range []domain.Timeframe{domain.TimeframeHour, domain.TimeframeDay, domain.TimeframeWeek, domain.TimeframeMonth} {
		m := d.Metrics[tf]
		if m == nil {
			continue
		}
		fmt.Fprintf(&buf, "| %s | %d | %s | %.1f |\n", tf, m.ValidationsTotal, formatRate(m.ValidationSuccessRate), m.QualityScore)
	}
	buf.WriteString("\n## Active alerts\n\n| Level | Count |\n|---|---|\n")
	for _, level := range []domain.AlertLevel{domain.LevelInfo, domain.LevelWarning, domain.LevelCritical, domain.LevelPanic} {
		fmt.Fprintf(&buf, "| %s | %d |\n", level, d.ActiveLevels[level])
	}
	return buf.Bytes()
}

func formatRate(r float64) string {
	return strconv.FormatFloat(r*100, 'f', 1, 64) + "%"
}
