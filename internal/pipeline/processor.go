package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/labqc/labqc-server/internal/alerting"
	"github.com/labqc/labqc-server/internal/domain"
	"github.com/labqc/labqc-server/internal/history"
	"github.com/labqc/labqc-server/internal/service"
)

// Config tunes the processing pool
type Config struct {
	Workers   int
	QueueSize int
}

// DefaultConfig returns the standard pool sizing
func DefaultConfig() Config {
	return Config{Workers: 8, QueueSize: 256}
}

// Processor is the concurrent result-processing pool. Results are sharded
// to workers by a hash of (patientID, testID), so each patient/test stream
// is handled by exactly one worker and stays in submission order while
// distinct streams run in parallel.
type Processor struct {
	logger     *logrus.Logger
	validator  *service.Validator
	detector   *service.AnomalyDetector
	correlator *service.ClinicalCorrelator
	history    *history.Store
	engine     *alerting.Engine
	sink       domain.EventSink

	queues  []chan domain.TestResult
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// New builds and starts the pool
func New(
	logger *logrus.Logger,
	config Config,
	validator *service.Validator,
	detector *service.AnomalyDetector,
	correlator *service.ClinicalCorrelator,
	hist *history.Store,
	engine *alerting.Engine,
	sink domain.EventSink,
) *Processor {
	if config.Workers <= 0 {
		config.Workers = 8
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	p := &Processor{
		logger:     logger,
		validator:  validator,
		detector:   detector,
		correlator: correlator,
		history:    hist,
		engine:     engine,
		sink:       sink,
		queues:     make([]chan domain.TestResult, config.Workers),
	}
	for i := range p.queues {
		p.queues[i] = make(chan domain.TestResult, config.QueueSize)
		p.wg.Add(1)
		go p.worker(i)
	}
	logger.WithFields(logrus.Fields{
		"workers":    config.Workers,
		"queue_size": config.QueueSize,
	}).Info("Result processing pipeline started")
	return p
}

// Submit enqueues a result for asynchronous processing. It blocks when the
// stream's queue is full, applying backpressure to the producer.
func (p *Processor) Submit(ctx context.Context, result domain.TestResult) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return domain.NewQCError(domain.ErrInvalidInput, "pipeline is shut down", "")
	}
	p.mu.Unlock()

	select {
	case p.queues[p.shard(result)] <- result:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops intake and drains every queue before returning
func (p *Processor) Shutdown() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	for _, q := range p.queues {
		close(q)
	}
	p.wg.Wait()
	p.logger.Info("Result processing pipeline drained")
}

// ValidateCorrelations evaluates the clinical correlation rules against a
// set of same-patient results and feeds the verdict into the rest of the
// engine: the outcome is recorded with the event sink, and every violated
// rule raises an alert at the rule's declared severity.
func (p *Processor) ValidateCorrelations(ctx context.Context, results []domain.TestResult) *domain.ClinicalValidationOutcome {
	outcome := p.correlator.ValidateClinicalLogic(ctx, results)
	if p.sink != nil {
		p.sink.RecordCorrelation(outcome)
	}

	for _, rule := range outcome.Rules {
		if !rule.Evaluated || rule.Valid {
			continue
		}
		level := rule.Level
		if !level.Valid() {
			level = domain.LevelWarning
		}
		result := representative(results, p.correlator.RuleTests(rule.RuleID))
		if _, err := p.engine.RaiseAlert(level, result, rule.RuleID, rule.Message); err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"rule":       rule.RuleID,
				"patient_id": outcome.PatientID,
			}).Error("Failed to raise correlation alert")
		}
	}
	return outcome
}

// representative picks the alert-bearing result for a violated rule: the
// latest input belonging to the rule's test set, or the first input when
// none match.
func representative(results []domain.TestResult, tests []string) domain.TestResult {
	involved := make(map[string]bool, len(tests))
	for _, t := range tests {
		involved[t] = true
	}
	var picked domain.TestResult
	var found bool
	for _, r := range results {
		if !involved[r.TestID] {
			continue
		}
		if !found || r.Timestamp.After(picked.Timestamp) {
			picked = r
			found = true
		}
	}
	if !found && len(results) > 0 {
		return results[0]
	}
	return picked
}

func (p *Processor) shard(result domain.TestResult) int {
	h := fnv.New32a()
	h.Write([]byte(result.PatientID))
	h.Write([]byte{'|'})
	h.Write([]byte(result.TestID))
	return int(h.Sum32() % uint32(len(p.queues)))
}

func (p *Processor) worker(id int) {
	defer p.wg.Done()
	for result := range p.queues[id] {
		p.process(result)
	}
}

// process runs one result through the full pipeline stage by stage. History
// is read before this result is appended so the detectors compare against
// prior observations only.
func (p *Processor) process(result domain.TestResult) {
	prior := p.history.Series(result.PatientID, result.TestID)

	outcome := p.validator.Validate(result)
	if p.sink != nil {
		p.sink.RecordValidation(outcome)
	}
	p.raiseCheckAlerts(outcome)

	report := p.detector.DetectAnomalies(result, prior)
	if report.AnomalyDetected {
		if _, err := p.engine.RaiseAlert(report.Severity, result, "anomaly_detector", report.Message); err != nil {
			p.logger.WithError(err).WithField("test_id", result.TestID).Error("Failed to raise anomaly alert")
		}
	}

	p.history.Append(result)

	p.logger.WithFields(logrus.Fields{
		"test_id":    result.TestID,
		"patient_id": result.PatientID,
		"valid":      outcome.OverallValid,
		"anomaly":    report.AnomalyDetected,
		"risk_score": report.RiskScore,
	}).Debug("Result processed")
}

// raiseCheckAlerts raises one alert per failed check at the severity the
// check reported
func (p *Processor) raiseCheckAlerts(outcome *domain.ValidationOutcome) {
	if outcome.OverallValid {
		return
	}
	if outcome.Error != nil {
		if _, err := p.engine.RaiseAlert(domain.LevelWarning, outcome.Result, "validator", outcome.Error.Message); err != nil {
			p.logger.WithError(err).Error("Failed to raise configuration alert")
		}
		return
	}
	for _, check := range outcome.FailedChecks() {
		level := check.Level
		if !level.Valid() {
			level = domain.LevelWarning
		}
		msg := fmt.Sprintf("%s check failed: %s", check.Check, check.Message)
		if _, err := p.engine.RaiseAlert(level, outcome.Result, string(check.Check), msg); err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"test_id": outcome.Result.TestID,
				"check":   check.Check,
			}).Error("Failed to raise validation alert")
		}
	}
}
