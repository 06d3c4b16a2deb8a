package service

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/labqc/labqc-server/internal/catalog"
	"github.com/labqc/labqc-server/internal/domain"
)

// loincPattern is the numeric-dash-numeric shape of a LOINC code
var loincPattern = regexp.MustCompile(`^\d{1,5}-\d$`)

// precisionTolerance is the number of decimal digits a reported value may
// exceed the catalog's declared precision by before the precision check fails
const precisionTolerance = 1

// ValidatorConfig tunes validation behavior
type ValidatorConfig struct {
	// AbsoluteBreachLevel is the alert level assigned when a value breaches
	// the absolute (physically impossible) bound of a test that declares no
	// critical tier. An impossible value is urgent even without a critical
	// tier, so the default is critical.
	AbsoluteBreachLevel domain.AlertLevel
}

// Validator is the validation engine: five independent checks over a single
// test result against the catalog.
type Validator struct {
	logger    *logrus.Logger
	catalog   *catalog.Catalog
	suggester *CorrectionSuggester
	rules     CorrelationIndex
	config    ValidatorConfig
}

// CorrelationIndex answers whether a test participates in any clinical
// correlation rule. The correlator implements it.
type CorrelationIndex interface {
	InvolvesTest(testID string) bool
}

// NewValidator creates a validation engine
func NewValidator(logger *logrus.Logger, cat *catalog.Catalog, suggester *CorrectionSuggester, rules CorrelationIndex, config ValidatorConfig) *Validator {
	if !config.AbsoluteBreachLevel.Valid() {
		config.AbsoluteBreachLevel = domain.LevelCritical
	}
	return &Validator{
		logger:    logger,
		catalog:   cat,
		suggester: suggester,
		rules:     rules,
		config:    config,
	}
}

// Validate runs all five checks against one result. Bad data never yields a
// Go error; an unknown test produces an invalid outcome carrying a
// configuration error.
func (v *Validator) Validate(result domain.TestResult) *domain.ValidationOutcome {
	start := time.Now()

	outcome := &domain.ValidationOutcome{
		Result:    result,
		Timestamp: start,
	}

	def, ok := v.catalog.Lookup(result.TestID)
	if !ok {
		outcome.OverallValid = false
		outcome.Error = domain.NewQCError(domain.ErrUnknownTest,
			fmt.Sprintf("test %q is not in the catalog", result.TestID), "")
		outcome.ProcessingDuration = time.Since(start)
		v.logger.WithFields(logrus.Fields{
			"test_id":    result.TestID,
			"patient_id": result.PatientID,
		}).Warn("Validation rejected unknown test")
		return outcome
	}

	outcome.Unit = v.checkUnit(def, result)
	outcome.Range = v.checkRange(def, result)
	outcome.Coding = v.checkCoding(def)
	outcome.Precision = v.checkPrecision(def, result)
	outcome.CrossReference = v.checkCrossReference(def)

	outcome.OverallValid = true
	for _, c := range outcome.Checks() {
		if !c.Valid {
			outcome.OverallValid = false
			break
		}
	}

	if !outcome.OverallValid && v.suggester != nil {
		outcome.Suggestions = v.suggester.Suggest(outcome)
	}

	outcome.ProcessingDuration = time.Since(start)

	v.logger.WithFields(logrus.Fields{
		"test_id":    result.TestID,
		"patient_id": result.PatientID,
		"valid":      outcome.OverallValid,
		"duration":   outcome.ProcessingDuration,
	}).Debug("Validated result")

	return outcome
}

// checkUnit verifies the reported unit is the primary or a declared
// alternative. On failure the valid unit list is attached for the suggester.
func (v *Validator) checkUnit(def *domain.TestDefinition, result domain.TestResult) domain.CheckResult {
	valid := v.catalog.ValidUnits(def.TestID)
	for _, u := range valid {
		if result.Unit == u {
			return domain.CheckResult{
				Check:   domain.CheckUnit,
				Valid:   true,
				Message: fmt.Sprintf("unit %q accepted", result.Unit),
			}
		}
	}
	return domain.CheckResult{
		Check:   domain.CheckUnit,
		Valid:   false,
		Level:   domain.LevelWarning,
		Message: fmt.Sprintf("unit %q is not valid for %s", result.Unit, def.TestID),
		Details: map[string]string{"valid_units": strings.Join(valid, ",")},
	}
}

// checkRange evaluates the biological limit tiers outermost to innermost.
// The assigned alert level is the innermost tier violated: a panic breach is
// always panic, an absolute breach without a defined critical tier falls
// back to the configured AbsoluteBreachLevel, and a purely physiological
// breach is a warning.
func (v *Validator) checkRange(def *domain.TestDefinition, result domain.TestResult) domain.CheckResult {
	limits, limitUnit, err := v.catalog.LimitsFor(def.TestID, result.Unit)
	if err != nil {
		return domain.CheckResult{
			Check:   domain.CheckRange,
			Valid:   false,
			Level:   domain.LevelInfo,
			Message: fmt.Sprintf("range not evaluated: %v", err),
		}
	}

	value := result.Value
	if result.Unit != limitUnit {
		converted, err := v.catalog.ConvertValue(def.TestID, result.Value, result.Unit, limitUnit)
		if err != nil {
			return domain.CheckResult{
				Check:   domain.CheckRange,
				Valid:   false,
				Level:   domain.LevelInfo,
				Message: fmt.Sprintf("range not evaluated: %v", err),
			}
		}
		value = converted
	}

	level, tier := v.rangeLevel(limits, value)
	if level == "" {
		return domain.CheckResult{
			Check:   domain.CheckRange,
			Valid:   true,
			Message: fmt.Sprintf("%.4g %s within physiological limits", value, limitUnit),
		}
	}

	return domain.CheckResult{
		Check:   domain.CheckRange,
		Valid:   false,
		Level:   level,
		Message: fmt.Sprintf("%.4g %s breaches the %s limit", value, limitUnit, tier),
		Details: map[string]string{"tier": string(tier), "evaluated_unit": limitUnit},
	}
}

// rangeLevel returns the alert level and breached tier for a value, or empty
// strings when the value sits inside the physiological range.
func (v *Validator) rangeLevel(limits domain.BiologicalLimits, value float64) (domain.AlertLevel, domain.LimitTier) {
	if limits.Panic.Defined() && !limits.Panic.Contains(value) {
		return domain.LevelPanic, domain.TierPanic
	}
	if limits.Absolute.Defined() && !limits.Absolute.Contains(value) {
		// Impossible value with no panic tier to catch it first.
		if limits.Critical.Defined() {
			return domain.LevelCritical, domain.TierAbsolute
		}
		return v.config.AbsoluteBreachLevel, domain.TierAbsolute
	}
	if limits.Critical.Defined() && !limits.Critical.Contains(value) {
		return domain.LevelCritical, domain.TierCritical
	}
	if limits.Physiological.Defined() && !limits.Physiological.Contains(value) {
		return domain.LevelWarning, domain.TierPhysiological
	}
	return "", ""
}

// checkCoding verifies the registered LOINC code shape. The authoritative
// code registry lookup is an external collaborator; here only the format and
// catalog registration are checked.
func (v *Validator) checkCoding(def *domain.TestDefinition) domain.CheckResult {
	if !loincPattern.MatchString(def.LOINCCode) {
		return domain.CheckResult{
			Check:   domain.CheckCoding,
			Valid:   false,
			Level:   domain.LevelInfo,
			Message: fmt.Sprintf("LOINC code %q is malformed", def.LOINCCode),
		}
	}
	return domain.CheckResult{
		Check:   domain.CheckCoding,
		Valid:   true,
		Message: fmt.Sprintf("LOINC code %s registered", def.LOINCCode),
	}
}

// checkPrecision compares the reported decimal digit count against the
// catalog's declared precision for the reported unit, with one digit of
// tolerance.
func (v *Validator) checkPrecision(def *domain.TestDefinition, result domain.TestResult) domain.CheckResult {
	declared, err := v.catalog.PrecisionFor(def.TestID, result.Unit)
	if err != nil {
		// Unknown unit is the unit check's finding, not a precision failure.
		return domain.CheckResult{
			Check:   domain.CheckPrecision,
			Valid:   true,
			Message: "precision not evaluated for unknown unit",
		}
	}

	reported := decimalDigits(result)
	if reported > declared+precisionTolerance {
		return domain.CheckResult{
			Check:   domain.CheckPrecision,
			Valid:   false,
			Level:   domain.LevelInfo,
			Message: fmt.Sprintf("reported %d decimal digits, expected at most %d", reported, declared+precisionTolerance),
			Details: map[string]string{
				"reported_digits": strconv.Itoa(reported),
				"declared":        strconv.Itoa(declared),
			},
		}
	}
	return domain.CheckResult{
		Check:   domain.CheckPrecision,
		Valid:   true,
		Message: fmt.Sprintf("%d decimal digits within declared precision", reported),
	}
}

// checkCrossReference defers to the correlator when the test participates in
// any multi-test rule, since a single result cannot resolve those alone.
func (v *Validator) checkCrossReference(def *domain.TestDefinition) domain.CheckResult {
	if v.rules != nil && v.rules.InvolvesTest(def.TestID) {
		return domain.CheckResult{
			Check:   domain.CheckCrossReference,
			Valid:   true,
			Message: "deferred: requires sibling results for clinical correlation",
			Details: map[string]string{"deferred": "true"},
		}
	}
	return domain.CheckResult{
		Check:   domain.CheckCrossReference,
		Valid:   true,
		Message: "no correlation rules reference this test",
	}
}

// decimalDigits counts the decimal digits of the reported value, preferring
// the raw string when the producer supplied one ("3.80" carries two decimal
// digits even though the float prints as 3.8).
func decimalDigits(result domain.TestResult) int {
	raw := result.RawValue
	if raw == "" {
		raw = strconv.FormatFloat(result.Value, 'f', -1, 64)
	}
	if i := strings.IndexByte(raw, '.'); i >= 0 {
		return len(raw) - i - 1
	}
	return 0
}
