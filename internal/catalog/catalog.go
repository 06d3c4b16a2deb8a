package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/labqc/labqc-server/internal/domain"
)

// Catalog is the immutable in-memory test definition store. It is populated
// once at startup and read-only thereafter, so lookups need no locking.
type Catalog struct {
	logger *logrus.Logger
	tests  map[string]*domain.TestDefinition
	panels map[string][]string // panel name -> member test IDs
}

// New builds a catalog from the given definitions. Every definition is
// validated; a single malformed entry fails the whole load.
func New(logger *logrus.Logger, defs []domain.TestDefinition) (*Catalog, error) {
	c := &Catalog{
		logger: logger,
		tests:  make(map[string]*domain.TestDefinition, len(defs)),
		panels: make(map[string][]string),
	}

	for i := range defs {
		def := defs[i]
		if err := validateDefinition(&def); err != nil {
			return nil, fmt.Errorf("catalog entry %q: %w", def.TestID, err)
		}
		if _, dup := c.tests[def.TestID]; dup {
			return nil, fmt.Errorf("catalog entry %q: duplicate test id", def.TestID)
		}
		c.tests[def.TestID] = &def
		for _, panel := range def.Panels {
			c.panels[panel] = append(c.panels[panel], def.TestID)
		}
	}

	logger.WithFields(logrus.Fields{
		"tests":  len(c.tests),
		"panels": len(c.panels),
	}).Info("Test catalog loaded")

	return c, nil
}

// LoadFile builds a catalog from a JSON document holding an array of
// test definitions.
func LoadFile(logger *logrus.Logger, path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog file: %w", err)
	}

	var defs []domain.TestDefinition
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parsing catalog file: %w", err)
	}

	return New(logger, defs)
}

// Lookup returns the definition for a test ID
func (c *Catalog) Lookup(testID string) (*domain.TestDefinition, bool) {
	def, ok := c.tests[testID]
	return def, ok
}

// TestIDs returns all known test IDs in sorted order
func (c *Catalog) TestIDs() []string {
	ids := make([]string, 0, len(c.tests))
	for id := range c.tests {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidUnits returns the primary unit followed by all alternative units
func (c *Catalog) ValidUnits(testID string) []string {
	def, ok := c.tests[testID]
	if !ok {
		return nil
	}
	units := []string{def.PrimaryUnit}
	for _, alt := range def.AlternativeUnits {
		units = append(units, alt.Unit)
	}
	return units
}

// PrecisionFor returns the declared decimal precision for a unit
func (c *Catalog) PrecisionFor(testID, unit string) (int, error) {
	def, ok := c.tests[testID]
	if !ok {
		return 0, fmt.Errorf("unknown test %q", testID)
	}
	if unit == def.PrimaryUnit {
		return def.PrimaryPrecision, nil
	}
	for _, alt := range def.AlternativeUnits {
		if alt.Unit == unit {
			return alt.Precision, nil
		}
	}
	return 0, fmt.Errorf("unknown unit %q for test %q", unit, testID)
}

// ConvertValue converts a value between any two declared units of a test.
// Conversion goes through the primary unit using the declared factors.
func (c *Catalog) ConvertValue(testID string, value float64, fromUnit, toUnit string) (float64, error) {
	def, ok := c.tests[testID]
	if !ok {
		return 0, fmt.Errorf("unknown test %q", testID)
	}
	if fromUnit == toUnit {
		return value, nil
	}

	inPrimary := value
	if fromUnit != def.PrimaryUnit {
		factor, err := conversionFactor(def, fromUnit)
		if err != nil {
			return 0, err
		}
		inPrimary = value * factor
	}
	if toUnit == def.PrimaryUnit {
		return inPrimary, nil
	}

	factor, err := conversionFactor(def, toUnit)
	if err != nil {
		return 0, err
	}
	return inPrimary / factor, nil
}

// LimitsFor returns the biological limit tiers applicable to a reported
// unit. When the catalog declares limits for that unit directly they are
// used as-is; otherwise the primary unit's limits apply and the caller must
// convert the value to the returned unit before comparing.
func (c *Catalog) LimitsFor(testID, unit string) (domain.BiologicalLimits, string, error) {
	def, ok := c.tests[testID]
	if !ok {
		return domain.BiologicalLimits{}, "", fmt.Errorf("unknown test %q", testID)
	}
	if limits, ok := def.Limits[unit]; ok {
		return limits, unit, nil
	}
	limits, ok := def.Limits[def.PrimaryUnit]
	if !ok {
		return domain.BiologicalLimits{}, "", fmt.Errorf("no limits declared for test %q", testID)
	}
	return limits, def.PrimaryUnit, nil
}

// PanelsFor returns the panels a test participates in
func (c *Catalog) PanelsFor(testID string) []string {
	def, ok := c.tests[testID]
	if !ok {
		return nil
	}
	return def.Panels
}

// PanelMembers returns the test IDs a named panel requires
func (c *Catalog) PanelMembers(panel string) []string {
	return c.panels[panel]
}

func conversionFactor(def *domain.TestDefinition, unit string) (float64, error) {
	for _, alt := range def.AlternativeUnits {
		if alt.Unit == unit {
			if alt.ConversionFactor == 0 {
				return 0, fmt.Errorf("zero conversion factor for unit %q", unit)
			}
			return alt.ConversionFactor, nil
		}
	}
	return 0, fmt.Errorf("unknown unit %q for test %q", unit, def.TestID)
}

// validateDefinition enforces the catalog field contract, including the
// tier nesting invariant: physiological within critical within panic within
// absolute, interval-wise, so a more severe tier is always breached no
// earlier than a less severe one.
func validateDefinition(def *domain.TestDefinition) error {
	if def.TestID == "" {
		return domain.NewValidationError("test_id", "must not be empty", def.TestID)
	}
	if def.PrimaryUnit == "" {
		return domain.NewValidationError("primary_unit", "must not be empty", def.PrimaryUnit)
	}
	if def.LOINCCode == "" {
		return domain.NewValidationError("loinc_code", "must not be empty", def.LOINCCode)
	}
	if def.PrimaryPrecision < 0 {
		return domain.NewValidationError("primary_precision", "must not be negative", def.PrimaryPrecision)
	}
	for _, alt := range def.AlternativeUnits {
		if alt.Unit == "" || alt.Unit == def.PrimaryUnit {
			return domain.NewValidationError("alternative_units", "unit must be distinct and non-empty", alt.Unit)
		}
		if alt.ConversionFactor <= 0 {
			return domain.NewValidationError("alternative_units", "conversion factor must be positive", alt.ConversionFactor)
		}
		if alt.Precision < 0 {
			return domain.NewValidationError("alternative_units", "precision must not be negative", alt.Precision)
		}
	}
	if len(def.Limits) == 0 {
		return domain.NewValidationError("limits", "at least one unit's limits are required", nil)
	}
	for unit, limits := range def.Limits {
		if !limits.Absolute.Defined() {
			return domain.NewValidationError("limits", fmt.Sprintf("unit %q: absolute tier is required", unit), nil)
		}
		if err := checkNesting(limits); err != nil {
			return domain.NewValidationError("limits", fmt.Sprintf("unit %q: %v", unit, err), nil)
		}
	}
	return nil
}

// checkNesting verifies inner.Low >= outer.Low and inner.High <= outer.High
// for every adjacent defined tier pair, outermost first:
// absolute contains panic contains critical contains physiological.
func checkNesting(l domain.BiologicalLimits) error {
	ordered := []struct {
		name  string
		bound domain.LimitBound
	}{
		{"absolute", l.Absolute},
		{"panic", l.Panic},
		{"critical", l.Critical},
		{"physiological", l.Physiological},
	}

	outer := ordered[0]
	for _, inner := range ordered[1:] {
		if !inner.bound.Defined() {
			continue
		}
		if inner.bound.Low != nil && outer.bound.Low != nil && *inner.bound.Low < *outer.bound.Low {
			return fmt.Errorf("%s low %.4g outside %s low %.4g", inner.name, *inner.bound.Low, outer.name, *outer.bound.Low)
		}
		if inner.bound.High != nil && outer.bound.High != nil && *inner.bound.High > *outer.bound.High {
			return fmt.Errorf("%s high %.4g outside %s high %.4g", inner.name, *inner.bound.High, outer.name, *outer.bound.High)
		}
		outer = inner
	}
	return nil
}
