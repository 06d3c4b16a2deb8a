package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/labqc/labqc-server/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// resultRequest is the submission payload for a single laboratory result
type resultRequest struct {
	TestID    string     `json:"test_id" binding:"required"`
	PatientID string     `json:"patient_id" binding:"required"`
	Value     float64    `json:"value"`
	RawValue  string     `json:"raw_value"`
	Unit      string     `json:"unit" binding:"required"`
	Timestamp *time.Time `json:"timestamp"`
}

func (r *resultRequest) toDomain() domain.TestResult {
	ts := time.Now()
	if r.Timestamp != nil {
		ts = *r.Timestamp
	}
	return domain.TestResult{
		TestID:    r.TestID,
		PatientID: r.PatientID,
		Value:     r.Value,
		RawValue:  r.RawValue,
		Unit:      r.Unit,
		Timestamp: ts,
	}
}

// handleSubmitResult enqueues a result for asynchronous pipeline processing
func (s *Server) handleSubmitResult(c *gin.Context) {
	var req resultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := req.toDomain()
	if err := s.deps.Pipeline.Submit(c.Request.Context(), result); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":     "accepted",
		"test_id":    result.TestID,
		"patient_id": result.PatientID,
	})
}

// handleValidateResult runs the five validation checks synchronously
func (s *Server) handleValidateResult(c *gin.Context) {
	var req resultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome := s.deps.Validator.Validate(req.toDomain())
	c.JSON(http.StatusOK, outcome)
}

// handleDetectAnomalies runs anomaly detection against stored history
func (s *Server) handleDetectAnomalies(c *gin.Context) {
	var req resultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := req.toDomain()
	prior := s.deps.History.Series(result.PatientID, result.TestID)
	report := s.deps.Detector.DetectAnomalies(result, prior)
	c.JSON(http.StatusOK, report)
}

// correlationRequest carries a set of same-patient results for clinical
// cross-validation
type correlationRequest struct {
	Results []resultRequest `json:"results" binding:"required,min=1"`
}

// handleValidateCorrelations evaluates the clinical correlation rules.
// Violated rules raise alerts and the verdict feeds the quality metrics,
// same as results flowing through the asynchronous pipeline.
func (s *Server) handleValidateCorrelations(c *gin.Context) {
	var req correlationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results := make([]domain.TestResult, 0, len(req.Results))
	for i := range req.Results {
		results = append(results, req.Results[i].toDomain())
	}

	outcome := s.deps.Pipeline.ValidateCorrelations(c.Request.Context(), results)
	c.JSON(http.StatusOK, outcome)
}

// handleListAlerts returns active alerts, or archived ones with ?scope=archived
func (s *Server) handleListAlerts(c *gin.Context) {
	if c.Query("scope") == "archived" {
		if s.deps.Archive == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "alert archive is not configured"})
			return
		}
		alerts, err := s.deps.Archive.ListAlerts(c.Request.Context(), c.Query("patient_id"), 100)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
		return
	}

	alerts := s.deps.Engine.ActiveAlerts()
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

// handleAcknowledgeAlert acknowledges an active alert
func (s *Server) handleAcknowledgeAlert(c *gin.Context) {
	var req struct {
		Actor string `json:"actor" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	alert, err := s.deps.Engine.Acknowledge(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		var qcErr *domain.QCError
		if errors.As(err, &qcErr) {
			switch qcErr.Code {
			case domain.ErrAlertNotFound:
				c.JSON(http.StatusNotFound, gin.H{"error": qcErr.Message})
				return
			case domain.ErrAlreadyAcked:
				c.JSON(http.StatusConflict, gin.H{"error": qcErr.Message})
				return
			}
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, alert)
}

// handleAlertStatistics returns alert statistics for a timeframe
func (s *Server) handleAlertStatistics(c *gin.Context) {
	tf := domain.Timeframe(c.DefaultQuery("timeframe", string(domain.TimeframeDay)))
	stats, err := s.deps.Aggregator.AlertStatistics(tf)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleQualityMetrics returns quality metrics for a timeframe
func (s *Server) handleQualityMetrics(c *gin.Context) {
	tf := domain.Timeframe(c.DefaultQuery("timeframe", string(domain.TimeframeDay)))
	m, err := s.deps.Aggregator.QualityMetrics(tf)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, m)
}

// handleQualityTrend returns the day-by-day quality series for a timeframe
func (s *Server) handleQualityTrend(c *gin.Context) {
	tf := domain.Timeframe(c.DefaultQuery("timeframe", string(domain.TimeframeWeek)))
	points, err := s.deps.Aggregator.Trend(tf)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"timeframe": tf,
		"points":    points,
		"count":     len(points),
	})
}

// handleQualityReport serializes the full quality report
func (s *Server) handleQualityReport(c *gin.Context) {
	tf := domain.Timeframe(c.DefaultQuery("timeframe", string(domain.TimeframeDay)))
	format := domain.ExportFormat(c.DefaultQuery("format", string(domain.FormatJSON)))

	data, err := s.deps.Aggregator.GenerateQualityReport(tf, format)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, contentType(format), data)
}

// handleDashboardExport serializes the dashboard view
func (s *Server) handleDashboardExport(c *gin.Context) {
	format := domain.ExportFormat(c.DefaultQuery("format", string(domain.FormatJSON)))

	data, err := s.deps.Aggregator.ExportDashboardData(format)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, contentType(format), data)
}

// handleAlertStream upgrades the connection and attaches it to the hub
func (s *Server) handleAlertStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	s.deps.Hub.attach(conn)
}

func contentType(format domain.ExportFormat) string {
	switch format {
	case domain.FormatCSV:
		return "text/csv; charset=utf-8"
	case domain.FormatMarkdown:
		return "text/markdown; charset=utf-8"
	default:
		return "application/json; charset=utf-8"
	}
}
