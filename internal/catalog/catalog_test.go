package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labqc/labqc-server/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestNew_DefaultDefinitions(t *testing.T) {
	cat, err := New(testLogger(), DefaultDefinitions())
	require.NoError(t, err)
	require.NotNil(t, cat)

	assert.Len(t, cat.TestIDs(), 12)

	def, ok := cat.Lookup("glucose")
	require.True(t, ok)
	assert.Equal(t, "2345-7", def.LOINCCode)
	assert.Equal(t, "mmol/L", def.PrimaryUnit)
}

func TestNew_RejectsDuplicateIDs(t *testing.T) {
	defs := DefaultDefinitions()
	defs = append(defs, defs[0])

	_, err := New(testLogger(), defs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate test id")
}

func TestNew_RejectsBrokenTierNesting(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.TestDefinition)
	}{
		{
			name: "critical wider than panic",
			mutate: func(def *domain.TestDefinition) {
				limits := def.Limits["mmol/L"]
				limits.Critical = bound(ptr(1.0), ptr(30))
				def.Limits["mmol/L"] = limits
			},
		},
		{
			name: "physiological wider than critical",
			mutate: func(def *domain.TestDefinition) {
				limits := def.Limits["mmol/L"]
				limits.Physiological = bound(ptr(2.0), ptr(25))
				def.Limits["mmol/L"] = limits
			},
		},
		{
			name: "panic wider than absolute",
			mutate: func(def *domain.TestDefinition) {
				limits := def.Limits["mmol/L"]
				limits.Panic = bound(ptr(-1.0), ptr(60))
				def.Limits["mmol/L"] = limits
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defs := DefaultDefinitions()
			for i := range defs {
				if defs[i].TestID == "glucose" {
					tt.mutate(&defs[i])
				}
			}
			_, err := New(testLogger(), defs)
			assert.Error(t, err)
		})
	}
}

func TestNew_RequiresAbsoluteTier(t *testing.T) {
	defs := []domain.TestDefinition{{
		TestID:      "custom",
		Name:        "Custom",
		LOINCCode:   "1234-5",
		PrimaryUnit: "mmol/L",
		Limits: map[string]domain.BiologicalLimits{
			"mmol/L": {Physiological: bound(ptr(1.0), ptr(2.0))},
		},
	}}

	_, err := New(testLogger(), defs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absolute tier is required")
}

func TestConvertValue(t *testing.T) {
	cat, err := New(testLogger(), DefaultDefinitions())
	require.NoError(t, err)

	tests := []struct {
		name     string
		testID   string
		value    float64
		from, to string
		want     float64
	}{
		{"glucose mg/dL to mmol/L", "glucose", 100, "mg/dL", "mmol/L", 5.55},
		{"glucose mmol/L to mg/dL", "glucose", 5.55, "mmol/L", "mg/dL", 100},
		{"same unit is identity", "glucose", 7.2, "mmol/L", "mmol/L", 7.2},
		{"creatinine mg/dL to umol/L", "creatinine", 1.0, "mg/dL", "umol/L", 88.4},
		{"hemoglobin g/dL to g/L", "hemoglobin", 14.5, "g/dL", "g/L", 145},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cat.ConvertValue(tt.testID, tt.value, tt.from, tt.to)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 0.01)
		})
	}
}

func TestConvertValue_RoundTrip(t *testing.T) {
	cat, err := New(testLogger(), DefaultDefinitions())
	require.NoError(t, err)

	original := 6.4
	there, err := cat.ConvertValue("glucose", original, "mmol/L", "mg/dL")
	require.NoError(t, err)
	back, err := cat.ConvertValue("glucose", there, "mg/dL", "mmol/L")
	require.NoError(t, err)

	assert.InDelta(t, original, back, 1e-9)
}

func TestConvertValue_UnknownUnit(t *testing.T) {
	cat, err := New(testLogger(), DefaultDefinitions())
	require.NoError(t, err)

	_, err = cat.ConvertValue("glucose", 5.0, "mol/L", "mmol/L")
	assert.Error(t, err)

	_, err = cat.ConvertValue("nope", 5.0, "mmol/L", "mg/dL")
	assert.Error(t, err)
}

func TestLimitsFor_PrefersReportedUnit(t *testing.T) {
	cat, err := New(testLogger(), DefaultDefinitions())
	require.NoError(t, err)

	// Glucose declares limits in mmol/L only, so a mg/dL report falls back
	// to the primary unit.
	limits, unit, err := cat.LimitsFor("glucose", "mg/dL")
	require.NoError(t, err)
	assert.Equal(t, "mmol/L", unit)
	assert.True(t, limits.Panic.Defined())

	_, unit, err = cat.LimitsFor("glucose", "mmol/L")
	require.NoError(t, err)
	assert.Equal(t, "mmol/L", unit)
}

func TestValidUnits(t *testing.T) {
	cat, err := New(testLogger(), DefaultDefinitions())
	require.NoError(t, err)

	assert.Equal(t, []string{"mmol/L", "mg/dL"}, cat.ValidUnits("glucose"))
	assert.Equal(t, []string{"%"}, cat.ValidUnits("hba1c"))
	assert.Nil(t, cat.ValidUnits("nope"))
}

func TestPrecisionFor(t *testing.T) {
	cat, err := New(testLogger(), DefaultDefinitions())
	require.NoError(t, err)

	p, err := cat.PrecisionFor("glucose", "mmol/L")
	require.NoError(t, err)
	assert.Equal(t, 1, p)

	p, err = cat.PrecisionFor("glucose", "mg/dL")
	require.NoError(t, err)
	assert.Equal(t, 0, p)

	_, err = cat.PrecisionFor("glucose", "mol/L")
	assert.Error(t, err)
}

func TestPanels(t *testing.T) {
	cat, err := New(testLogger(), DefaultDefinitions())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"glucose", "hba1c"}, cat.PanelMembers("diabetes"))
	assert.ElementsMatch(t, []string{"sodium", "potassium", "chloride"}, cat.PanelMembers("electrolytes"))
	assert.Contains(t, cat.PanelsFor("glucose"), "diabetes")
	assert.Empty(t, cat.PanelMembers("nope"))
}

func TestLoadFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "catalog.json")

	content := `[{
		"test_id": "glucose",
		"name": "Glucose",
		"loinc_code": "2345-7",
		"primary_unit": "mmol/L",
		"primary_precision": 1,
		"limits": {
			"mmol/L": {
				"absolute": {"low": 0, "high": 55},
				"panic": {"low": 2.2, "high": 27.8},
				"critical": {"low": 2.8, "high": 22.2},
				"physiological": {"low": 3.0, "high": 7.8}
			}
		}
	}]`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cat, err := LoadFile(testLogger(), path)
	require.NoError(t, err)
	_, ok := cat.Lookup("glucose")
	assert.True(t, ok)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(testLogger(), "/nonexistent/catalog.json")
	assert.Error(t, err)
}
