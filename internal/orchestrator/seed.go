package orchestrator

import (
	"github.com/rs/zerolog/log"

	"github.com/tagsense/tagsense/internal/models"
)

func ptr[T any](v T) *T { return &v }

// seedPatterns installs the built-in equipment archetypes on first boot.
// Operator feedback takes the confidences from there.
func (o *Orchestrator) seedPatterns() error {
	existing, err := o.meta.ListActivePatterns()
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	confidence := o.cfg.Feedback.InitialConfidence
	seeds := []models.Pattern{
		{
			Name:       "Air Handling Unit",
			Confidence: confidence,
			Active:     true,
			System:     true,
			Roles: []models.PatternRole{
				{Name: "Supply Air Temperature", Regexes: []string{`sat\b`, `supply.*(air )?temp`, `discharge.*temp`},
					TypicalUnit: "degF", TypicalMin: ptr(45.0), TypicalMax: ptr(75.0), Required: true, SortOrder: 0},
				{Name: "Return Air Temperature", Regexes: []string{`rat\b`, `return.*(air )?temp`},
					TypicalUnit: "degF", TypicalMin: ptr(65.0), TypicalMax: ptr(80.0), Required: true, SortOrder: 1},
				{Name: "Mixed Air Temperature", Regexes: []string{`mat\b`, `mixed.*(air )?temp`},
					TypicalUnit: "degF", TypicalMin: ptr(50.0), TypicalMax: ptr(80.0), SortOrder: 2},
				{Name: "Supply Fan Status", Regexes: []string{`fan.*status`, `sf_status`, `sfst`}, SortOrder: 3},
				{Name: "Duct Static Pressure", Regexes: []string{`duct.*press`, `static.*press`, `dsp\b`},
					TypicalUnit: "inwc", TypicalMin: ptr(0.0), TypicalMax: ptr(4.0), SortOrder: 4},
			},
		},
		{
			Name:       "Chilled Water Pump",
			Confidence: confidence,
			Active:     true,
			System:     true,
			Roles: []models.PatternRole{
				{Name: "Pump Status", Regexes: []string{`pump.*status`, `chwp.*st`}, Required: true, SortOrder: 0},
				{Name: "Pump Speed", Regexes: []string{`pump.*speed`, `chwp.*spd`, `vfd.*speed`},
					TypicalUnit: "%", TypicalMin: ptr(0.0), TypicalMax: ptr(100.0), Required: true, SortOrder: 1},
				{Name: "Differential Pressure", Regexes: []string{`diff.*press`, `dp\b`},
					TypicalUnit: "psi", TypicalMin: ptr(0.0), TypicalMax: ptr(30.0), SortOrder: 2},
			},
		},
		{
			Name:       "VAV Terminal Unit",
			Confidence: confidence,
			Active:     true,
			System:     true,
			Roles: []models.PatternRole{
				{Name: "Zone Temperature", Regexes: []string{`zone.*temp`, `zn.?t\b`, `room.*temp`},
					TypicalUnit: "degF", TypicalMin: ptr(65.0), TypicalMax: ptr(80.0), Required: true, SortOrder: 0},
				{Name: "Airflow", Regexes: []string{`airflow`, `air.*flow`, `cfm`},
					TypicalUnit: "cfm", TypicalMin: ptr(0.0), TypicalMax: ptr(2000.0), Required: true, SortOrder: 1},
				{Name: "Damper Position", Regexes: []string{`damper`, `dmpr`},
					TypicalUnit: "%", TypicalMin: ptr(0.0), TypicalMax: ptr(100.0), SortOrder: 2},
			},
		},
	}

	for i := range seeds {
		if err := o.meta.CreatePattern(&seeds[i]); err != nil {
			return err
		}
	}
	log.Info().Int("patterns", len(seeds)).Float64("confidence", confidence).Msg("Seeded pattern library")
	return nil
}
