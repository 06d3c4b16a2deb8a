package metrics

import (
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labqc/labqc-server/internal/domain"
)

func reportAggregator(t *testing.T) *Aggregator {
	t.Helper()
	return drained(t, func(a *Aggregator) {
		a.RecordValidation(validation(true, 3*time.Millisecond))
		a.RecordValidation(validation(false, 5*time.Millisecond))
		a.RecordAlert(alertAt(domain.LevelCritical, time.Now()))
		a.RecordAlert(alertAt(domain.LevelWarning, time.Now()))
	})
}

func TestGenerateQualityReport_JSON(t *testing.T) {
	a := reportAggregator(t)

	data, err := a.GenerateQualityReport(domain.TimeframeDay, domain.FormatJSON)
	require.NoError(t, err)

	var report QualityReport
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, domain.TimeframeDay, report.Timeframe)
	require.NotNil(t, report.Metrics)
	assert.Equal(t, int64(2), report.Metrics.ValidationsTotal)
	assert.InDelta(t, 0.5, report.Metrics.ValidationSuccessRate, 1e-9)
	require.NotNil(t, report.AlertStatistics)
	assert.Equal(t, int64(2), report.AlertStatistics.Total)
	assert.False(t, report.GeneratedAt.IsZero())
}

func TestGenerateQualityReport_CSV(t *testing.T) {
	a := reportAggregator(t)

	data, err := a.GenerateQualityReport(domain.TimeframeDay, domain.FormatCSV)
	require.NoError(t, err)

	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, []string{"metric", "value"}, records[0])

	byMetric := map[string]string{}
	for _, row := range records[1:] {
		require.Len(t, row, 2)
		byMetric[row[0]] = row[1]
	}
	assert.Equal(t, "24h", byMetric["timeframe"])
	assert.Equal(t, "2", byMetric["validations_total"])
	assert.Equal(t, "50.0%", byMetric["validation_success_rate"])
	assert.Equal(t, "1", byMetric["alerts_critical"])
	assert.Equal(t, "1", byMetric["alerts_warning"])
	assert.Equal(t, "0", byMetric["alerts_panic"])
}

func TestGenerateQualityReport_Markdown(t *testing.T) {
	a := reportAggregator(t)

	data, err := a.GenerateQualityReport(domain.TimeframeWeek, domain.FormatMarkdown)
	require.NoError(t, err)

	text := string(data)
	assert.Contains(t, text, "# Quality Report (7d)")
	assert.Contains(t, text, "Quality score:")
	assert.Contains(t, text, "| Validation success rate | 50.0% |")
	assert.Contains(t, text, "## Alerts")
}

func TestGenerateQualityReport_UnknownFormat(t *testing.T) {
	a := reportAggregator(t)
	_, err := a.GenerateQualityReport(domain.TimeframeDay, domain.ExportFormat("xml"))
	require.Error(t, err)
	var qcErr *domain.QCError
	require.ErrorAs(t, err, &qcErr)
	assert.Equal(t, domain.ErrInvalidFormat, qcErr.Code)
}

func TestGenerateQualityReport_InvalidTimeframe(t *testing.T) {
	a := reportAggregator(t)
	_, err := a.GenerateQualityReport(domain.Timeframe("90d"), domain.FormatJSON)
	require.Error(t, err)
}

func TestExportDashboardData_JSON(t *testing.T) {
	a := reportAggregator(t)

	data, err := a.ExportDashboardData(domain.FormatJSON)
	require.NoError(t, err)

	var export DashboardExport
	require.NoError(t, json.Unmarshal(data, &export))
	require.Len(t, export.Metrics, 4)
	for _, tf := range []domain.Timeframe{domain.TimeframeHour, domain.TimeframeDay, domain.TimeframeWeek, domain.TimeframeMonth} {
		require.Contains(t, export.Metrics, tf)
	}
	// Neither alert was acknowledged, so both count as active.
	assert.Equal(t, int64(1), export.ActiveLevels[domain.LevelCritical])
	assert.Equal(t, int64(1), export.ActiveLevels[domain.LevelWarning])

	// The export carries the week trend series.
	require.NotEmpty(t, export.Trend)
	assert.False(t, export.Trend[0].Day.IsZero())
}

func TestExportDashboardData_CSV(t *testing.T) {
	a := reportAggregator(t)

	data, err := a.ExportDashboardData(domain.FormatCSV)
	require.NoError(t, err)

	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	// Header plus one row per timeframe.
	require.Len(t, records, 5)
	assert.Equal(t, "timeframe", records[0][0])
	assert.Equal(t, "1h", records[1][0])
	assert.Equal(t, "30d", records[4][0])
}

func TestExportDashboardData_Markdown(t *testing.T) {
	a := reportAggregator(t)

	data, err := a.ExportDashboardData(domain.FormatMarkdown)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "# Dashboard Export")
	assert.Contains(t, text, "## Active alerts")
	assert.Contains(t, text, "| critical | 1 |")
}

func TestExportDashboardData_UnknownFormat(t *testing.T) {
	a := reportAggregator(t)
	_, err := a.ExportDashboardData(domain.ExportFormat("pdf"))
	require.Error(t, err)
}
