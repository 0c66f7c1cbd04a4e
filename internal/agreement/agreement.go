// Package agreement measures how closely annotators agree on the scalar
// fields of a task, and classifies pairs and annotators against the
// configured thresholds. Like the aggregator it is pure and never fails on
// malformed input.
package agreement

import (
	"tallyline/internal/consensus"
	"tallyline/internal/domain"
	"tallyline/internal/schema"
)

// Classification thresholds. A pair at or above High is eligible for
// auto-consensus; below Moderate it needs mandatory review.
const (
	HighThreshold     = 90.0
	ModerateThreshold = 75.0

	improvementCut = 50.0
)

// DefaultSampleFloor is the minimum number of scored pairs before an
// annotator gets a band other than no_data.
const DefaultSampleFloor = 3

const (
	BandHigh     = "high"
	BandModerate = "moderate"
	BandLow      = "low"
	BandNoData   = "no_data"
)

const (
	AnnotatorExcellent   = "excellent"
	AnnotatorGood        = "good"
	AnnotatorImprovement = "needs_improvement"
	AnnotatorTraining    = "needs_training"
	AnnotatorNoData      = "no_data"
)

// Compute returns per-field and overall agreement for one pair. Rates are
// percentages in [0,100]; a missing answer counts against agreement, while
// fields nobody answered are excluded from the average. An empty input set
// yields a no_data report, never an error.
func Compute(subs []domain.Submission, form schema.TaskForm) domain.AgreementReport {
	report := domain.AgreementReport{PerField: map[string]float64{}, Band: BandNoData}
	report.Annotators = len(subs)
	for _, s := range subs {
		if s.Overridden {
			report.Overridden++
		}
	}
	if len(subs) == 0 {
		return report
	}
	formCount := 0
	for _, s := range subs {
		if len(s.Forms) > formCount {
			formCount = len(s.Forms)
		}
	}

	sums := map[string]float64{}
	counts := map[string]int{}
	for idx := 0; idx < formCount; idx++ {
		for _, f := range form.ScalarFields() {
			_, votes, ok := consensus.ScalarWinner(subs, f.ID, idx)
			if !ok {
				continue
			}
			sums[f.ID] += float64(votes) / float64(len(subs)) * 100
			counts[f.ID]++
		}
	}
	if len(sums) == 0 {
		return report
	}
	total := 0.0
	for id, sum := range sums {
		rate := sum / float64(counts[id])
		report.PerField[id] = rate
		total += rate
	}
	report.Overall = total / float64(len(report.PerField))
	report.Band = Classify(report.Overall)
	return report
}

// Classify maps an overall rate onto the pair bands.
func Classify(rate float64) string {
	switch {
	case rate >= HighThreshold:
		return BandHigh
	case rate >= ModerateThreshold:
		return BandModerate
	default:
		return BandLow
	}
}

// AnnotatorRates scores each organic annotator of one pair: the share of
// answered scalar fields where their value matches the majority. Majorities
// are computed over every submission, overrides included, because the
// corrected data is the operative data; overridden annotators themselves
// are not scored on content they did not author.
func AnnotatorRates(subs []domain.Submission, form schema.TaskForm) map[string]float64 {
	formCount := 0
	for _, s := range subs {
		if len(s.Forms) > formCount {
			formCount = len(s.Forms)
		}
	}
	type cell struct {
		idx int
		id  string
		win string
	}
	var cells []cell
	for idx := 0; idx < formCount; idx++ {
		for _, f := range form.ScalarFields() {
			win, _, ok := consensus.ScalarWinner(subs, f.ID, idx)
			if ok {
				cells = append(cells, cell{idx: idx, id: f.ID, win: win})
			}
		}
	}
	if len(cells) == 0 {
		return map[string]float64{}
	}
	rates := make(map[string]float64)
	for _, s := range subs {
		if s.Overridden {
			continue
		}
		matches := 0
		for _, c := range cells {
			if c.idx < len(s.Forms) {
				if v, ok := s.Forms[c.idx][c.id]; ok && v.Scalar == c.win {
					matches++
				}
			}
		}
		rates[s.UserID] = float64(matches) / float64(len(cells)) * 100
	}
	return rates
}

// ClassifyAnnotator bands an annotator's average rate; fewer scored pairs
// than the floor yields no_data.
func ClassifyAnnotator(avgRate float64, samples, floor int) string {
	if floor <= 0 {
		floor = DefaultSampleFloor
	}
	if samples < floor {
		return AnnotatorNoData
	}
	switch {
	case avgRate >= HighThreshold:
		return AnnotatorExcellent
	case avgRate >= ModerateThreshold:
		return AnnotatorGood
	case avgRate >= improvementCut:
		return AnnotatorImprovement
	default:
		return AnnotatorTraining
	}
}
