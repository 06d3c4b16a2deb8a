package service

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labqc/labqc-server/internal/catalog"
	"github.com/labqc/labqc-server/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New(testLogger(), catalog.DefaultDefinitions())
	require.NoError(t, err)
	return cat
}

func testValidator(t *testing.T) *Validator {
	t.Helper()
	cat := testCatalog(t)
	correlator := NewClinicalCorrelator(testLogger(), cat)
	suggester := NewCorrectionSuggester(testLogger(), cat)
	return NewValidator(testLogger(), cat, suggester, correlator, ValidatorConfig{})
}

func result(testID string, value float64, unit string) domain.TestResult {
	return domain.TestResult{
		TestID:    testID,
		PatientID: "patient-1",
		Value:     value,
		Unit:      unit,
		Timestamp: time.Now(),
	}
}

func TestValidate_NormalResultPassesAllChecks(t *testing.T) {
	v := testValidator(t)

	outcome := v.Validate(result("glucose", 5.2, "mmol/L"))

	assert.True(t, outcome.OverallValid)
	assert.Nil(t, outcome.Error)
	for _, check := range outcome.Checks() {
		assert.True(t, check.Valid, "check %s should pass", check.Check)
	}
	assert.Empty(t, outcome.Suggestions)
	assert.Greater(t, outcome.ProcessingDuration, time.Duration(0))
}

func TestValidate_UnknownTest(t *testing.T) {
	v := testValidator(t)

	outcome := v.Validate(result("unobtainium", 1.0, "mmol/L"))

	assert.False(t, outcome.OverallValid)
	require.NotNil(t, outcome.Error)
	assert.Equal(t, domain.ErrUnknownTest, outcome.Error.Code)
}

func TestValidate_InvalidUnit(t *testing.T) {
	v := testValidator(t)

	outcome := v.Validate(result("glucose", 5.2, "mol/L"))

	assert.False(t, outcome.OverallValid)
	assert.False(t, outcome.Unit.Valid)
	assert.Equal(t, domain.LevelWarning, outcome.Unit.Level)
	assert.Contains(t, outcome.Unit.Details["valid_units"], "mmol/L")
}

func TestValidate_RangeLevels(t *testing.T) {
	v := testValidator(t)

	tests := []struct {
		name      string
		value     float64
		wantValid bool
		wantLevel domain.AlertLevel
		wantTier  string
	}{
		{"inside physiological", 5.0, true, "", ""},
		{"physiological breach is warning", 8.5, false, domain.LevelWarning, "physiological"},
		{"critical breach", 23.0, false, domain.LevelCritical, "critical"},
		{"panic breach low", 2.0, false, domain.LevelPanic, "panic"},
		{"panic breach high", 30.0, false, domain.LevelPanic, "panic"},
		// 60 breaches both the panic and absolute tiers; the innermost
		// (most severe) tier wins.
		{"absolute breach is still panic", 60.0, false, domain.LevelPanic, "panic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := v.Validate(result("glucose", tt.value, "mmol/L"))
			assert.Equal(t, tt.wantValid, outcome.Range.Valid)
			if !tt.wantValid {
				assert.Equal(t, tt.wantLevel, outcome.Range.Level)
				assert.Equal(t, tt.wantTier, outcome.Range.Details["tier"])
			}
		})
	}
}

func TestValidate_AbsoluteBreachWithoutCriticalTier(t *testing.T) {
	// Cholesterol declares no panic or critical tier; an impossible value
	// falls back to the configured breach level.
	v := testValidator(t)

	outcome := v.Validate(result("cholesterol_total", 40.0, "mmol/L"))

	assert.False(t, outcome.Range.Valid)
	assert.Equal(t, domain.LevelCritical, outcome.Range.Level)
	assert.Equal(t, "absolute", outcome.Range.Details["tier"])
}

func TestValidate_ConfigurableAbsoluteBreachLevel(t *testing.T) {
	cat := testCatalog(t)
	v := NewValidator(testLogger(), cat, nil, nil, ValidatorConfig{
		AbsoluteBreachLevel: domain.LevelPanic,
	})

	outcome := v.Validate(result("cholesterol_total", 40.0, "mmol/L"))

	assert.Equal(t, domain.LevelPanic, outcome.Range.Level)
}

func TestValidate_AlternativeUnitConversion(t *testing.T) {
	v := testValidator(t)

	// 95 mg/dL glucose is 5.27 mmol/L, inside the physiological range.
	outcome := v.Validate(result("glucose", 95, "mg/dL"))
	assert.True(t, outcome.Unit.Valid)
	assert.True(t, outcome.Range.Valid)

	// 600 mg/dL is 33.3 mmol/L, a panic value.
	outcome = v.Validate(result("glucose", 600, "mg/dL"))
	assert.False(t, outcome.Range.Valid)
	assert.Equal(t, domain.LevelPanic, outcome.Range.Level)
	assert.Equal(t, "mmol/L", outcome.Range.Details["evaluated_unit"])
}

func TestValidate_PrecisionTolerance(t *testing.T) {
	v := testValidator(t)

	tests := []struct {
		name      string
		raw       string
		wantValid bool
	}{
		{"declared precision", "5.2", true},
		{"one extra digit tolerated", "5.23", true},
		{"two extra digits fail", "5.234", false},
		{"integer is fine", "5", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := result("glucose", 5.2, "mmol/L")
			r.RawValue = tt.raw
			outcome := v.Validate(r)
			assert.Equal(t, tt.wantValid, outcome.Precision.Valid)
		})
	}
}

func TestValidate_PrecisionPrefersRawValue(t *testing.T) {
	v := testValidator(t)

	// Without a raw value the float 5.2345 exceeds precision 1+1.
	r := result("glucose", 5.2345, "mmol/L")
	outcome := v.Validate(r)
	assert.False(t, outcome.Precision.Valid)
}

func TestValidate_CrossReferenceDeferred(t *testing.T) {
	v := testValidator(t)

	// Glucose participates in correlation rules, so the check defers.
	outcome := v.Validate(result("glucose", 5.2, "mmol/L"))
	assert.True(t, outcome.CrossReference.Valid)
	assert.Equal(t, "true", outcome.CrossReference.Details["deferred"])

	// TSH participates in no rule.
	outcome = v.Validate(result("tsh", 2.1, "mIU/L"))
	assert.True(t, outcome.CrossReference.Valid)
	assert.Empty(t, outcome.CrossReference.Details["deferred"])
}

func TestValidate_FailedOutcomeCarriesSuggestions(t *testing.T) {
	v := testValidator(t)

	// 38.0 potassium is a classic dropped-decimal entry of 3.80.
	r := result("potassium", 38.0, "mmol/L")
	r.RawValue = "38.0"
	outcome := v.Validate(r)

	assert.False(t, outcome.OverallValid)
	require.NotEmpty(t, outcome.Suggestions)

	found := false
	for _, s := range outcome.Suggestions {
		if s.Kind == "value" && s.SuggestedValue > 3.79 && s.SuggestedValue < 3.81 {
			found = true
			// The decimal shift hypothesis outranks transpositions.
			assert.GreaterOrEqual(t, s.Confidence, 0.8)
		}
	}
	assert.True(t, found, "expected a 3.8 decimal-shift suggestion")
}
