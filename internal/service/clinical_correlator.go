package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/labqc/labqc-server/internal/catalog"
	"github.com/labqc/labqc-server/internal/domain"
)

// Cross-test tolerances
const (
	// hba1cTolerance is the maximum disagreement, in A1c percent points,
	// between measured HbA1c and the A1c estimated from average glucose
	hba1cTolerance = 1.0
	// anionGapLow/High bracket the acceptable sodium - (potassium + chloride) gap
	anionGapLow  = 8.0
	anionGapHigh = 16.0
	// friedewaldTolerance is the acceptable gap, mmol/L, between measured
	// and calculated LDL
	friedewaldTolerance = 0.8
)

// CorrelationRule is one immutable cross-test rule declared at startup
type CorrelationRule struct {
	ID       string
	Name     string
	Tests    []string // all must be present for the rule to fire
	Severity domain.AlertLevel
	Evaluate func(ctx context.Context, values map[string]float64) (bool, string)
}

// ClinicalCorrelator applies cross-test physiological and disease-panel
// rules to a set of simultaneous results for one patient.
type ClinicalCorrelator struct {
	logger  *logrus.Logger
	catalog *catalog.Catalog
	rules   map[string]*CorrelationRule
	byTest  map[string][]string // testID -> rule IDs
}

// NewClinicalCorrelator creates a correlator with the built-in rule set
func NewClinicalCorrelator(logger *logrus.Logger, cat *catalog.Catalog) *ClinicalCorrelator {
	c := &ClinicalCorrelator{
		logger:  logger,
		catalog: cat,
		rules:   make(map[string]*CorrelationRule),
		byTest:  make(map[string][]string),
	}
	c.initializeRules()
	return c
}

// InvolvesTest reports whether any correlation rule references the test
func (c *ClinicalCorrelator) InvolvesTest(testID string) bool {
	return len(c.byTest[testID]) > 0
}

// RuleTests returns the test set a registered rule evaluates
func (c *ClinicalCorrelator) RuleTests(ruleID string) []string {
	rule, ok := c.rules[ruleID]
	if !ok {
		return nil
	}
	return rule.Tests
}

// Rules returns the registered rule IDs
func (c *ClinicalCorrelator) Rules() []string {
	ids := make([]string, 0, len(c.rules))
	for id := range c.rules {
		ids = append(ids, id)
	}
	return ids
}

// ValidateClinicalLogic evaluates every rule whose full test set is present
// in the input. Partial panels are skipped, not failed; overall validity is
// the conjunction of the rules actually evaluated.
func (c *ClinicalCorrelator) ValidateClinicalLogic(ctx context.Context, results []domain.TestResult) *domain.ClinicalValidationOutcome {
	outcome := &domain.ClinicalValidationOutcome{
		OverallValid: true,
		Timestamp:    time.Now(),
	}
	if len(results) > 0 {
		outcome.PatientID = results[0].PatientID
	}

	values := c.primaryUnitValues(results)

	for _, rule := range c.rules {
		rr := domain.CorrelationRuleResult{
			RuleID: rule.ID,
			Name:   rule.Name,
			Level:  rule.Severity,
		}

		if !hasAll(values, rule.Tests) {
			rr.Evaluated = false
			rr.Valid = true
			rr.Message = "skipped: required tests not all present"
			outcome.Rules = append(outcome.Rules, rr)
			continue
		}

		ok, msg := rule.Evaluate(ctx, values)
		rr.Evaluated = true
		rr.Valid = ok
		rr.Message = msg
		if !ok {
			outcome.OverallValid = false
			c.logger.WithFields(logrus.Fields{
				"rule":       rule.ID,
				"patient_id": outcome.PatientID,
				"severity":   rule.Severity,
			}).Warn("Clinical correlation rule violated")
		}
		outcome.Rules = append(outcome.Rules, rr)
	}

	return outcome
}

// primaryUnitValues converts every result to its test's primary unit and
// keeps the latest value per test.
func (c *ClinicalCorrelator) primaryUnitValues(results []domain.TestResult) map[string]float64 {
	values := make(map[string]float64)
	seen := make(map[string]time.Time)

	for _, r := range results {
		def, ok := c.catalog.Lookup(r.TestID)
		if !ok {
			continue
		}
		v := r.Value
		if r.Unit != def.PrimaryUnit {
			converted, err := c.catalog.ConvertValue(r.TestID, r.Value, r.Unit, def.PrimaryUnit)
			if err != nil {
				continue
			}
			v = converted
		}
		if ts, dup := seen[r.TestID]; dup && ts.After(r.Timestamp) {
			continue
		}
		values[r.TestID] = v
		seen[r.TestID] = r.Timestamp
	}
	return values
}

// initializeRules registers the immutable rule set
func (c *ClinicalCorrelator) initializeRules() {
	c.addRule(&CorrelationRule{
		ID:       "glucose_hba1c_consistency",
		Name:     "Glucose consistent with HbA1c",
		Tests:    []string{"glucose", "hba1c"},
		Severity: domain.LevelWarning,
		Evaluate: func(_ context.Context, v map[string]float64) (bool, string) {
			// Estimated A1c from average glucose (mmol/L): eAG = 1.59*A1c - 2.59.
			estimated := (v["glucose"] + 2.59) / 1.59
			diff := math.Abs(estimated - v["hba1c"])
			if diff > hba1cTolerance {
				return false, fmt.Sprintf("glucose %.1f mmol/L implies A1c %.1f%%, measured %.1f%% (tolerance %.1f%%)",
					v["glucose"], estimated, v["hba1c"], hba1cTolerance)
			}
			return true, fmt.Sprintf("glucose and HbA1c agree within %.1f%%", hba1cTolerance)
		},
	})

	c.addRule(&CorrelationRule{
		ID:       "anion_gap",
		Name:     "Electrolyte anion gap",
		Tests:    []string{"sodium", "potassium", "chloride"},
		Severity: domain.LevelCritical,
		Evaluate: func(_ context.Context, v map[string]float64) (bool, string) {
			gap := v["sodium"] - (v["potassium"] + v["chloride"])
			if gap < anionGapLow || gap > anionGapHigh {
				return false, fmt.Sprintf("anion gap %.1f mmol/L outside %.0f-%.0f", gap, anionGapLow, anionGapHigh)
			}
			return true, fmt.Sprintf("anion gap %.1f mmol/L within %.0f-%.0f", gap, anionGapLow, anionGapHigh)
		},
	})

	c.addRule(&CorrelationRule{
		ID:       "potassium_hemolysis",
		Name:     "Potassium hemolysis plausibility",
		Tests:    []string{"potassium", "sodium"},
		Severity: domain.LevelWarning,
		Evaluate: func(_ context.Context, v map[string]float64) (bool, string) {
			// Marked hyperkalemia with normal sodium is the classic in-vitro
			// hemolysis signature.
			if v["potassium"] >= 6.0 && v["sodium"] >= 135 && v["sodium"] <= 145 {
				return false, fmt.Sprintf("potassium %.1f mmol/L with normal sodium suggests hemolyzed sample", v["potassium"])
			}
			return true, "no hemolysis signature"
		},
	})

	c.addRule(&CorrelationRule{
		ID:       "diabetes_panel_consistency",
		Name:     "Diabetes panel internal consistency",
		Tests:    c.panelTests("diabetes", []string{"glucose", "hba1c"}),
		Severity: domain.LevelWarning,
		Evaluate: func(_ context.Context, v map[string]float64) (bool, string) {
			// Acute severe hyperglycemia against a normal three-month average
			// warrants sample verification rather than a diagnosis.
			if v["glucose"] >= 13.9 && v["hba1c"] < 6.5 {
				return false, fmt.Sprintf("glucose %.1f mmol/L with HbA1c %.1f%% below diabetic threshold; verify sample", v["glucose"], v["hba1c"])
			}
			return true, "diabetes panel internally consistent"
		},
	})

	c.addRule(&CorrelationRule{
		ID:       "lipid_panel_friedewald",
		Name:     "Lipid panel Friedewald consistency",
		Tests:    c.panelTests("lipid", []string{"cholesterol_total", "hdl", "ldl", "triglycerides"}),
		Severity: domain.LevelWarning,
		Evaluate: func(_ context.Context, v map[string]float64) (bool, string) {
			// Friedewald estimate (mmol/L), valid below TG 4.5 mmol/L.
			if v["triglycerides"] >= 4.5 {
				return true, "Friedewald not applicable above 4.5 mmol/L triglycerides"
			}
			calculated := v["cholesterol_total"] - v["hdl"] - v["triglycerides"]/2.2
			diff := math.Abs(calculated - v["ldl"])
			if diff > friedewaldTolerance {
				return false, fmt.Sprintf("reported LDL %.2f vs calculated %.2f mmol/L (tolerance %.1f)", v["ldl"], calculated, friedewaldTolerance)
			}
			return true, "lipid panel internally consistent"
		},
	})

	c.logger.WithField("rule_count", len(c.rules)).Info("Initialized clinical correlation rules")
}

// panelTests resolves a named panel's membership from the catalog, falling
// back to the given defaults when the catalog does not declare the panel
func (c *ClinicalCorrelator) panelTests(panel string, fallback []string) []string {
	if members := c.catalog.PanelMembers(panel); len(members) > 0 {
		return members
	}
	return fallback
}

func (c *ClinicalCorrelator) addRule(rule *CorrelationRule) {
	c.rules[rule.ID] = rule
	for _, t := range rule.Tests {
		c.byTest[t] = append(c.byTest[t], rule.ID)
	}
}

func hasAll(values map[string]float64, tests []string) bool {
	for _, t := range tests {
		if _, ok := values[t]; !ok {
			return false
		}
	}
	return true
}
