package agreement_test

import (
	"testing"

	"tallyline/internal/agreement"
	"tallyline/internal/domain"
	"tallyline/internal/schema"
)

func triageForm() schema.TaskForm {
	return schema.TaskForm{
		TaskID:             1,
		Name:               "triage",
		RequiredAnnotators: 3,
		Fields: []schema.Field{
			{ID: "relevance", Kind: schema.KindChoice, Options: []string{"Relevant", "Irrelevant"}},
			{ID: "clarity", Kind: schema.KindChoice, Options: []string{"Clear", "Unclear"}},
			{ID: "notes", Kind: schema.KindFreeText},
		},
	}
}

func scalarSub(user string, fields map[string]string) domain.Submission {
	form := domain.FormSubmission{}
	for id, v := range fields {
		form[id] = domain.ScalarValue(v, "")
	}
	return domain.Submission{UserID: user, Forms: []domain.FormSubmission{form}}
}

func near(got, want float64) bool {
	diff := got - want
	return diff > -0.01 && diff < 0.01
}

func TestComputeUnanimous(t *testing.T) {
	subs := []domain.Submission{
		scalarSub("alice", map[string]string{"relevance": "Relevant", "clarity": "Clear"}),
		scalarSub("bob", map[string]string{"relevance": "Relevant", "clarity": "Clear"}),
		scalarSub("carol", map[string]string{"relevance": "Relevant", "clarity": "Clear"}),
	}
	report := agreement.Compute(subs, triageForm())
	if report.Overall != 100 || report.Band != agreement.BandHigh {
		t.Fatalf("report %+v", report)
	}
	if len(report.PerField) != 2 || report.PerField["relevance"] != 100 || report.PerField["clarity"] != 100 {
		t.Fatalf("per field %v", report.PerField)
	}
	if report.Annotators != 3 || report.Overridden != 0 {
		t.Fatalf("counts %d/%d", report.Annotators, report.Overridden)
	}
}

func TestComputeSplitVote(t *testing.T) {
	subs := []domain.Submission{
		scalarSub("alice", map[string]string{"relevance": "Relevant", "clarity": "Clear"}),
		scalarSub("bob", map[string]string{"relevance": "Relevant", "clarity": "Clear"}),
		scalarSub("carol", map[string]string{"relevance": "Irrelevant", "clarity": "Clear"}),
	}
	report := agreement.Compute(subs, triageForm())
	if !near(report.PerField["relevance"], 66.67) {
		t.Fatalf("relevance %f", report.PerField["relevance"])
	}
	if report.PerField["clarity"] != 100 {
		t.Fatalf("clarity %f", report.PerField["clarity"])
	}
	if !near(report.Overall, 83.33) || report.Band != agreement.BandModerate {
		t.Fatalf("overall %f band %s", report.Overall, report.Band)
	}
}

func TestComputeMissingAnswerCountsAgainst(t *testing.T) {
	subs := []domain.Submission{
		scalarSub("alice", map[string]string{"relevance": "Relevant", "clarity": "Clear"}),
		scalarSub("bob", map[string]string{"relevance": "Relevant"}),
		scalarSub("carol", map[string]string{"relevance": "Relevant"}),
	}
	report := agreement.Compute(subs, triageForm())
	if !near(report.PerField["clarity"], 33.33) {
		t.Fatalf("clarity %f", report.PerField["clarity"])
	}
	if !near(report.Overall, 66.67) || report.Band != agreement.BandLow {
		t.Fatalf("overall %f band %s", report.Overall, report.Band)
	}
}

func TestComputeExcludesUnansweredFields(t *testing.T) {
	subs := []domain.Submission{
		scalarSub("alice", map[string]string{"relevance": "Relevant"}),
		scalarSub("bob", map[string]string{"relevance": "Relevant"}),
	}
	report := agreement.Compute(subs, triageForm())
	if len(report.PerField) != 1 {
		t.Fatalf("per field %v", report.PerField)
	}
	if report.Overall != 100 || report.Band != agreement.BandHigh {
		t.Fatalf("overall %f band %s", report.Overall, report.Band)
	}
}

func TestComputeNoData(t *testing.T) {
	report := agreement.Compute(nil, triageForm())
	if report.Band != agreement.BandNoData || report.Annotators != 0 || report.Overall != 0 {
		t.Fatalf("report %+v", report)
	}

	textOnly := domain.Submission{
		UserID: "dave",
		Forms:  []domain.FormSubmission{{"notes": domain.TextValue("free text only")}},
	}
	report = agreement.Compute([]domain.Submission{textOnly}, triageForm())
	if report.Band != agreement.BandNoData || report.Annotators != 1 {
		t.Fatalf("report %+v", report)
	}

	overridden := scalarSub("erin", map[string]string{"relevance": "Relevant"})
	overridden.Overridden = true
	report = agreement.Compute([]domain.Submission{overridden}, triageForm())
	if report.Overridden != 1 {
		t.Fatalf("overridden %d", report.Overridden)
	}
}

func TestComputeAveragesAcrossForms(t *testing.T) {
	form := schema.TaskForm{
		TaskID:             3,
		Name:               "grading",
		RequiredAnnotators: 2,
		MultiForm:          true,
		Fields: []schema.Field{
			{ID: "grade", Kind: schema.KindChoice, Options: []string{"A", "B"}},
		},
	}
	subs := []domain.Submission{
		{UserID: "alice", Forms: []domain.FormSubmission{
			{"grade": domain.ScalarValue("A", "")},
			{"grade": domain.ScalarValue("A", "")},
		}},
		{UserID: "bob", Forms: []domain.FormSubmission{
			{"grade": domain.ScalarValue("A", "")},
			{"grade": domain.ScalarValue("B", "")},
		}},
	}
	report := agreement.Compute(subs, form)
	if report.PerField["grade"] != 75 {
		t.Fatalf("grade %f", report.PerField["grade"])
	}
	if report.Overall != 75 || report.Band != agreement.BandModerate {
		t.Fatalf("overall %f band %s", report.Overall, report.Band)
	}
}

func TestClassifyBoundaries(t *testing.T) {
	cases := []struct {
		rate float64
		want string
	}{
		{100, agreement.BandHigh},
		{90, agreement.BandHigh},
		{89.99, agreement.BandModerate},
		{75, agreement.BandModerate},
		{74.99, agreement.BandLow},
		{0, agreement.BandLow},
	}
	for _, tc := range cases {
		if got := agreement.Classify(tc.rate); got != tc.want {
			t.Fatalf("classify %f: got %s, want %s", tc.rate, got, tc.want)
		}
	}
}

func TestAnnotatorRatesSkipOverridden(t *testing.T) {
	alice := scalarSub("alice", map[string]string{"relevance": "Relevant"})
	alice.Overridden = true
	subs := []domain.Submission{
		alice,
		scalarSub("bob", map[string]string{"relevance": "Relevant"}),
		scalarSub("carol", map[string]string{"relevance": "Irrelevant"}),
		{UserID: "dave", Forms: []domain.FormSubmission{{}}},
	}
	rates := agreement.AnnotatorRates(subs, triageForm())
	if _, scored := rates["alice"]; scored {
		t.Fatalf("overridden annotator scored: %v", rates)
	}
	if rates["bob"] != 100 {
		t.Fatalf("bob %f", rates["bob"])
	}
	if rates["carol"] != 0 {
		t.Fatalf("carol %f", rates["carol"])
	}
	if rates["dave"] != 0 {
		t.Fatalf("dave %f", rates["dave"])
	}
}

func TestAnnotatorRatesEmpty(t *testing.T) {
	if rates := agreement.AnnotatorRates(nil, triageForm()); len(rates) != 0 {
		t.Fatalf("rates %v", rates)
	}
}

func TestClassifyAnnotator(t *testing.T) {
	cases := []struct {
		rate    float64
		samples int
		floor   int
		want    string
	}{
		{95, 3, 3, agreement.AnnotatorExcellent},
		{90, 3, 3, agreement.AnnotatorExcellent},
		{80, 3, 3, agreement.AnnotatorGood},
		{75, 3, 3, agreement.AnnotatorGood},
		{60, 3, 3, agreement.AnnotatorImprovement},
		{50, 3, 3, agreement.AnnotatorImprovement},
		{49.99, 3, 3, agreement.AnnotatorTraining},
		{95, 2, 3, agreement.AnnotatorNoData},
		{95, 2, 0, agreement.AnnotatorNoData},
		{95, 3, 0, agreement.AnnotatorExcellent},
		{95, 1, 1, agreement.AnnotatorExcellent},
	}
	for _, tc := range cases {
		if got := agreement.ClassifyAnnotator(tc.rate, tc.samples, tc.floor); got != tc.want {
			t.Fatalf("classify %f/%d/%d: got %s, want %s", tc.rate, tc.samples, tc.floor, got, tc.want)
		}
	}
}
