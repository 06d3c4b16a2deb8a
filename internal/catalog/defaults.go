package catalog

import (
	"github.com/labqc/labqc-server/internal/domain"
)

// ptr is a helper to create pointers to float64 literals
func ptr(f float64) *float64 {
	return &f
}

func bound(low, high *float64) domain.LimitBound {
	return domain.LimitBound{Low: low, High: high}
}

// DefaultDefinitions returns the built-in test catalog. Values are adult
// reference intervals; sites override them with a catalog file.
func DefaultDefinitions() []domain.TestDefinition {
	return []domain.TestDefinition{
		{
			TestID:           "glucose",
			Name:             "Glucose, fasting",
			LOINCCode:        "2345-7",
			PrimaryUnit:      "mmol/L",
			PrimaryPrecision: 1,
			AlternativeUnits: []domain.AlternativeUnit{
				{Unit: "mg/dL", ConversionFactor: 0.0555, Precision: 0},
			},
			ReferenceRange: bound(ptr(3.9), ptr(5.5)),
			Limits: map[string]domain.BiologicalLimits{
				"mmol/L": {
					Absolute:      bound(ptr(0), ptr(55)),
					Panic:         bound(ptr(2.2), ptr(27.8)),
					Critical:      bound(ptr(2.8), ptr(22.2)),
					Physiological: bound(ptr(3.0), ptr(7.8)),
				},
			},
			ClinicalSignificance: "Primary marker for glucose homeostasis and diabetes screening.",
			Panels:               []string{"diabetes"},
		},
		{
			TestID:           "hba1c",
			Name:             "Hemoglobin A1c",
			LOINCCode:        "4548-4",
			PrimaryUnit:      "%",
			PrimaryPrecision: 1,
			ReferenceRange:   bound(ptr(4.0), ptr(5.6)),
			Limits: map[string]domain.BiologicalLimits{
				"%": {
					Absolute:      bound(ptr(2), ptr(25)),
					Critical:      bound(ptr(3.0), ptr(18)),
					Physiological: bound(ptr(3.5), ptr(15)),
				},
			},
			ClinicalSignificance: "Three-month average glycemia; diagnostic for diabetes at 6.5%.",
			Panels:               []string{"diabetes"},
		},
		{
			TestID:           "sodium",
			Name:             "Sodium",
			LOINCCode:        "2951-2",
			PrimaryUnit:      "mmol/L",
			PrimaryPrecision: 0,
			ReferenceRange:   bound(ptr(136), ptr(145)),
			Limits: map[string]domain.BiologicalLimits{
				"mmol/L": {
					Absolute:      bound(ptr(80), ptr(200)),
					Panic:         bound(ptr(115), ptr(165)),
					Critical:      bound(ptr(120), ptr(160)),
					Physiological: bound(ptr(125), ptr(155)),
				},
			},
			ClinicalSignificance: "Principal extracellular cation; disturbances drive neurologic risk.",
			Panels:               []string{"electrolytes"},
		},
		{
			TestID:           "potassium",
			Name:             "Potassium",
			LOINCCode:        "2823-3",
			PrimaryUnit:      "mmol/L",
			PrimaryPrecision: 1,
			ReferenceRange:   bound(ptr(3.5), ptr(5.1)),
			Limits: map[string]domain.BiologicalLimits{
				"mmol/L": {
					Absolute:      bound(ptr(0), ptr(15)),
					Panic:         bound(ptr(2.2), ptr(7.0)),
					Critical:      bound(ptr(2.5), ptr(6.5)),
					Physiological: bound(ptr(2.8), ptr(6.2)),
				},
			},
			ClinicalSignificance: "Cardiac arrhythmia risk at both extremes.",
			Panels:               []string{"electrolytes"},
		},
		{
			TestID:           "chloride",
			Name:             "Chloride",
			LOINCCode:        "2075-0",
			PrimaryUnit:      "mmol/L",
			PrimaryPrecision: 0,
			ReferenceRange:   bound(ptr(98), ptr(107)),
			Limits: map[string]domain.BiologicalLimits{
				"mmol/L": {
					Absolute:      bound(ptr(50), ptr(160)),
					Panic:         bound(ptr(65), ptr(145)),
					Critical:      bound(ptr(75), ptr(135)),
					Physiological: bound(ptr(85), ptr(125)),
				},
			},
			ClinicalSignificance: "Acid-base status; interpreted with sodium and bicarbonate.",
			Panels:               []string{"electrolytes"},
		},
		{
			TestID:           "creatinine",
			Name:             "Creatinine",
			LOINCCode:        "2160-0",
			PrimaryUnit:      "umol/L",
			PrimaryPrecision: 0,
			AlternativeUnits: []domain.AlternativeUnit{
				{Unit: "mg/dL", ConversionFactor: 88.4, Precision: 2},
			},
			ReferenceRange: bound(ptr(60), ptr(110)),
			Limits: map[string]domain.BiologicalLimits{
				"umol/L": {
					Absolute:      bound(ptr(0), ptr(5000)),
					Panic:         bound(ptr(10), ptr(1000)),
					Critical:      bound(ptr(20), ptr(600)),
					Physiological: bound(ptr(30), ptr(300)),
				},
			},
			ClinicalSignificance: "Renal function marker; interpret against baseline.",
		},
		{
			TestID:           "hemoglobin",
			Name:             "Hemoglobin",
			LOINCCode:        "718-7",
			PrimaryUnit:      "g/L",
			PrimaryPrecision: 0,
			AlternativeUnits: []domain.AlternativeUnit{
				{Unit: "g/dL", ConversionFactor: 10, Precision: 1},
			},
			ReferenceRange: bound(ptr(120), ptr(160)),
			Limits: map[string]domain.BiologicalLimits{
				"g/L": {
					Absolute:      bound(ptr(0), ptr(300)),
					Panic:         bound(ptr(40), ptr(250)),
					Critical:      bound(ptr(50), ptr(230)),
					Physiological: bound(ptr(70), ptr(200)),
				},
			},
			ClinicalSignificance: "Oxygen-carrying capacity; transfusion decisions below panic low.",
		},
		{
			TestID:           "cholesterol_total",
			Name:             "Cholesterol, total",
			LOINCCode:        "2093-3",
			PrimaryUnit:      "mmol/L",
			PrimaryPrecision: 2,
			AlternativeUnits: []domain.AlternativeUnit{
				{Unit: "mg/dL", ConversionFactor: 0.0259, Precision: 0},
			},
			ReferenceRange: bound(ptr(2.5), ptr(5.2)),
			Limits: map[string]domain.BiologicalLimits{
				"mmol/L": {
					Absolute:      bound(ptr(0), ptr(30)),
					Physiological: bound(ptr(1.0), ptr(15)),
				},
			},
			ClinicalSignificance: "Cardiovascular risk stratification.",
			Panels:               []string{"lipid"},
		},
		{
			TestID:           "hdl",
			Name:             "HDL cholesterol",
			LOINCCode:        "2085-9",
			PrimaryUnit:      "mmol/L",
			PrimaryPrecision: 2,
			AlternativeUnits: []domain.AlternativeUnit{
				{Unit: "mg/dL", ConversionFactor: 0.0259, Precision: 0},
			},
			ReferenceRange: bound(ptr(1.0), ptr(2.5)),
			Limits: map[string]domain.BiologicalLimits{
				"mmol/L": {
					Absolute:      bound(ptr(0), ptr(10)),
					Physiological: bound(ptr(0.3), ptr(5)),
				},
			},
			Panels: []string{"lipid"},
		},
		{
			TestID:           "ldl",
			Name:             "LDL cholesterol, calculated",
			LOINCCode:        "13457-7",
			PrimaryUnit:      "mmol/L",
			PrimaryPrecision: 2,
			AlternativeUnits: []domain.AlternativeUnit{
				{Unit: "mg/dL", ConversionFactor: 0.0259, Precision: 0},
			},
			ReferenceRange: bound(ptr(1.0), ptr(3.4)),
			Limits: map[string]domain.BiologicalLimits{
				"mmol/L": {
					Absolute:      bound(ptr(0), ptr(20)),
					Physiological: bound(ptr(0.3), ptr(10)),
				},
			},
			Panels: []string{"lipid"},
		},
		{
			TestID:           "triglycerides",
			Name:             "Triglycerides",
			LOINCCode:        "2571-8",
			PrimaryUnit:      "mmol/L",
			PrimaryPrecision: 2,
			AlternativeUnits: []domain.AlternativeUnit{
				{Unit: "mg/dL", ConversionFactor: 0.0113, Precision: 0},
			},
			ReferenceRange: bound(ptr(0.4), ptr(1.7)),
			Limits: map[string]domain.BiologicalLimits{
				"mmol/L": {
					Absolute:      bound(ptr(0), ptr(100)),
					Critical:      bound(ptr(0.05), ptr(25)),
					Physiological: bound(ptr(0.1), ptr(10)),
				},
			},
			ClinicalSignificance: "Pancreatitis risk above 11 mmol/L.",
			Panels:               []string{"lipid"},
		},
		{
			TestID:           "tsh",
			Name:             "Thyroid stimulating hormone",
			LOINCCode:        "3016-3",
			PrimaryUnit:      "mIU/L",
			PrimaryPrecision: 2,
			ReferenceRange:   bound(ptr(0.4), ptr(4.0)),
			Limits: map[string]domain.BiologicalLimits{
				"mIU/L": {
					Absolute:      bound(ptr(0), ptr(500)),
					Critical:      bound(ptr(0.005), ptr(150)),
					Physiological: bound(ptr(0.01), ptr(100)),
				},
			},
			ClinicalSignificance: "First-line thyroid function screen.",
		},
	}
}
