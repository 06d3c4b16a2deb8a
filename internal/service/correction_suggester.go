package service

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/labqc/labqc-server/internal/catalog"
	"github.com/labqc/labqc-server/internal/domain"
)

// decimalShifts are the value-correction hypotheses tried against a failed
// range check, most common transcription slips first
var decimalShifts = []struct {
	factor     float64
	confidence float64
}{
	{0.1, 0.85},
	{10, 0.75},
	{0.01, 0.6},
	{100, 0.5},
}

// CorrectionSuggester proposes unit and value corrections for failed
// validation outcomes. Suggestions are advisory only, never auto-applied.
type CorrectionSuggester struct {
	logger  *logrus.Logger
	catalog *catalog.Catalog
}

// NewCorrectionSuggester creates a correction suggester backed by the catalog
func NewCorrectionSuggester(logger *logrus.Logger, cat *catalog.Catalog) *CorrectionSuggester {
	return &CorrectionSuggester{logger: logger, catalog: cat}
}

// Suggest inspects a failed outcome and proposes corrections: a unit search
// when the unit check failed, decimal-shift and digit-transposition
// hypotheses when the range check failed. Results are ranked by confidence.
func (s *CorrectionSuggester) Suggest(outcome *domain.ValidationOutcome) []domain.CorrectionSuggestion {
	def, ok := s.catalog.Lookup(outcome.Result.TestID)
	if !ok {
		return nil
	}

	var suggestions []domain.CorrectionSuggestion
	if !outcome.Unit.Valid {
		suggestions = append(suggestions, s.suggestUnits(def, outcome.Result)...)
	}
	if !outcome.Range.Valid {
		suggestions = append(suggestions, s.suggestValues(def, outcome.Result)...)
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].Confidence > suggestions[j].Confidence
	})

	if len(suggestions) > 0 {
		s.logger.WithFields(logrus.Fields{
			"test_id":     outcome.Result.TestID,
			"suggestions": len(suggestions),
		}).Debug("Generated correction suggestions")
	}
	return suggestions
}

// suggestUnits tries every declared unit of the test and keeps conversions
// whose value lands inside the physiological range for that unit.
func (s *CorrectionSuggester) suggestUnits(def *domain.TestDefinition, result domain.TestResult) []domain.CorrectionSuggestion {
	var out []domain.CorrectionSuggestion

	for _, unit := range s.catalog.ValidUnits(def.TestID) {
		// The reported unit is unknown, so candidate units are tried by
		// reinterpreting the reported number as-is in each declared unit.
		if !s.inPhysiologicalRange(def, result.Value, unit) {
			continue
		}
		confidence := 0.5
		if similarUnit(result.Unit, unit) {
			confidence = 0.85
		}
		out = append(out, domain.CorrectionSuggestion{
			Kind:           "unit",
			SuggestedUnit:  unit,
			SuggestedValue: result.Value,
			Confidence:     confidence,
			Rationale:      fmt.Sprintf("value %.4g is physiologically plausible when read as %s", result.Value, unit),
		})
	}
	return out
}

// suggestValues tests decimal-shift and adjacent-digit-transposition
// hypotheses, keeping any that land inside the physiological range.
func (s *CorrectionSuggester) suggestValues(def *domain.TestDefinition, result domain.TestResult) []domain.CorrectionSuggestion {
	unit := result.Unit
	if _, err := s.catalog.PrecisionFor(def.TestID, unit); err != nil {
		unit = def.PrimaryUnit
	}

	var out []domain.CorrectionSuggestion
	for _, shift := range decimalShifts {
		candidate := result.Value * shift.factor
		if !s.inPhysiologicalRange(def, candidate, unit) {
			continue
		}
		out = append(out, domain.CorrectionSuggestion{
			Kind:           "value",
			SuggestedUnit:  unit,
			SuggestedValue: candidate,
			Confidence:     shift.confidence,
			Rationale:      fmt.Sprintf("decimal shift: %.4g x %g = %.4g lands in the physiological range", result.Value, shift.factor, candidate),
		})
	}

	for _, candidate := range transpositions(result) {
		if candidate == result.Value || !s.inPhysiologicalRange(def, candidate, unit) {
			continue
		}
		out = append(out, domain.CorrectionSuggestion{
			Kind:           "value",
			SuggestedUnit:  unit,
			SuggestedValue: candidate,
			Confidence:     0.4,
			Rationale:      fmt.Sprintf("digit transposition: %.4g may have been entered for %.4g", result.Value, candidate),
		})
	}
	return out
}

// inPhysiologicalRange converts the candidate to the unit whose limits are
// declared and tests it against the physiological tier (falling back to the
// absolute tier when no physiological tier exists).
func (s *CorrectionSuggester) inPhysiologicalRange(def *domain.TestDefinition, value float64, unit string) bool {
	limits, limitUnit, err := s.catalog.LimitsFor(def.TestID, unit)
	if err != nil {
		return false
	}
	evaluated := value
	if unit != limitUnit {
		converted, err := s.catalog.ConvertValue(def.TestID, value, unit, limitUnit)
		if err != nil {
			return false
		}
		evaluated = converted
	}
	if limits.Physiological.Defined() {
		return limits.Physiological.Contains(evaluated)
	}
	return limits.Absolute.Contains(evaluated)
}

// transpositions generates values produced by swapping each adjacent digit
// pair of the reported value
func transpositions(result domain.TestResult) []float64 {
	raw := result.RawValue
	if raw == "" {
		raw = strconv.FormatFloat(result.Value, 'f', -1, 64)
	}

	var out []float64
	runes := []rune(raw)
	for i := 0; i < len(runes)-1; i++ {
		if !isDigit(runes[i]) || !isDigit(runes[i+1]) {
			continue
		}
		swapped := strings.Builder{}
		for j, r := range runes {
			switch j {
			case i:
				swapped.WriteRune(runes[i+1])
			case i + 1:
				swapped.WriteRune(runes[i])
			default:
				swapped.WriteRune(r)
			}
		}
		if v, err := strconv.ParseFloat(swapped.String(), 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

// similarUnit is a cheap lexical heuristic: units sharing a normalized form
// (case and separators ignored) are likely transcription variants.
func similarUnit(a, b string) bool {
	normalize := func(s string) string {
		s = strings.ToLower(s)
		s = strings.NewReplacer("/", "", " ", "", "-", "").Replace(s)
		return s
	}
	return normalize(a) == normalize(b)
}
