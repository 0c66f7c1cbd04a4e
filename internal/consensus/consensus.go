// Package consensus merges N decoded annotations for one (discussion, task)
// into a single candidate record. All functions are pure: callers supply
// submissions in submission-timestamp order and persist results themselves.
package consensus

import (
	"encoding/json"

	"tallyline/internal/domain"
	"tallyline/internal/schema"
)

// Result is a candidate consensus. Forms holds one aggregated form per
// submitted form index; Flattened holds the list-valued top-level fields a
// multi-form task additionally exposes. MissingData marks an empty input
// set, which yields an empty candidate rather than an error.
type Result struct {
	Forms       []domain.FormSubmission
	Flattened   domain.FormSubmission
	MissingData bool
}

// WireMap renders the candidate in the annotation wire format: a single
// form lies flat, multiple forms nest under "forms" with the flattened
// fields beside them.
func (r Result) WireMap() map[string]any {
	m := domain.EncodeForms(r.Forms)
	for id, v := range r.Flattened {
		switch v.Kind {
		case domain.ValueClaimGroups:
			groups := make([]any, 0, len(v.Groups))
			for _, g := range v.Groups {
				claims := make([]any, 0, len(g))
				for _, c := range g {
					claims = append(claims, map[string]any{"claim": c.Claim, "weight": c.Weight})
				}
				groups = append(groups, claims)
			}
			m[id] = groups
		}
	}
	return m
}

// WireJSON is WireMap marshalled to a JSON string. Map marshalling sorts
// keys, so identical inputs produce identical bytes.
func (r Result) WireJSON() (string, error) {
	b, err := json.Marshal(r.WireMap())
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// FromForms wraps already-decoded forms as a Result, re-deriving the
// flattened fields. Manual consensus edits pass through here so the
// flattened view always matches the forms.
func FromForms(forms []domain.FormSubmission, form schema.TaskForm) Result {
	out := Result{Forms: forms}
	if len(forms) == 0 {
		out.Forms = []domain.FormSubmission{{}}
		out.MissingData = true
		return out
	}
	if len(forms) > 1 {
		out.Flattened = flatten(forms, form)
	}
	return out
}

// Aggregate computes one consensus value per schema field. Scalar values
// are assumed canonical (booleans already normalized by the decoder).
func Aggregate(subs []domain.Submission, form schema.TaskForm) Result {
	if len(subs) == 0 {
		return Result{Forms: []domain.FormSubmission{{}}, MissingData: true}
	}
	formCount := 0
	for _, s := range subs {
		if len(s.Forms) > formCount {
			formCount = len(s.Forms)
		}
	}
	if formCount == 0 {
		return Result{Forms: []domain.FormSubmission{{}}, MissingData: true}
	}

	out := Result{}
	for idx := 0; idx < formCount; idx++ {
		out.Forms = append(out.Forms, aggregateForm(subs, form, idx))
	}
	if formCount > 1 {
		out.Flattened = flatten(out.Forms, form)
	}
	return out
}

func aggregateForm(subs []domain.Submission, form schema.TaskForm, idx int) domain.FormSubmission {
	agg := make(domain.FormSubmission)
	for _, f := range form.Fields {
		switch f.Kind {
		case schema.KindChoice, schema.KindBooleanChoice:
			if v, ok := majority(subs, f.ID, idx); ok {
				agg[f.ID] = v
			}
		case schema.KindFreeText:
			if v, ok := firstText(subs, f.ID, idx); ok {
				agg[f.ID] = v
			}
		case schema.KindClaimList:
			if claims, ok := unionClaims(subs, f.ID, idx); ok {
				agg[f.ID] = domain.ClaimsValue(claims)
			}
		case schema.KindDocList:
			if docs, ok := unionDocs(subs, f.ID, idx); ok {
				agg[f.ID] = domain.DocsValue(docs)
			}
		case schema.KindLinkList:
			if links, ok := unionLinks(subs, f.ID, idx); ok {
				agg[f.ID] = domain.LinksValue(links)
			}
		}
	}
	return agg
}

// ScalarWinner returns the majority scalar for a field at a form index and
// the number of submissions that chose it. Ties go to the value seen first
// in submission order; the order is supplied by the caller and must be
// submission-timestamp order, never arrival order.
func ScalarWinner(subs []domain.Submission, fieldID string, idx int) (string, int, bool) {
	counts := map[string]int{}
	var order []string
	for _, s := range subs {
		v, ok := fieldAt(s, fieldID, idx)
		if !ok || v.Kind != domain.ValueScalar || v.Scalar == "" {
			continue
		}
		if _, seen := counts[v.Scalar]; !seen {
			order = append(order, v.Scalar)
		}
		counts[v.Scalar]++
	}
	if len(order) == 0 {
		return "", 0, false
	}
	winner := order[0]
	for _, v := range order[1:] {
		if counts[v] > counts[winner] {
			winner = v
		}
	}
	return winner, counts[winner], true
}

// majority is ScalarWinner plus the winner's justification: the first
// non-empty remarks among submissions that chose the winning value.
func majority(subs []domain.Submission, fieldID string, idx int) (domain.FieldValue, bool) {
	winner, _, ok := ScalarWinner(subs, fieldID, idx)
	if !ok {
		return domain.FieldValue{}, false
	}
	remarks := ""
	for _, s := range subs {
		v, ok := fieldAt(s, fieldID, idx)
		if !ok || v.Scalar != winner {
			continue
		}
		if v.Remarks != "" {
			remarks = v.Remarks
			break
		}
	}
	return domain.ScalarValue(winner, remarks), true
}

func firstText(subs []domain.Submission, fieldID string, idx int) (domain.FieldValue, bool) {
	for _, s := range subs {
		v, ok := fieldAt(s, fieldID, idx)
		if ok && v.Kind == domain.ValueText && v.Text != "" {
			return domain.TextValue(v.Text), true
		}
	}
	return domain.FieldValue{}, false
}

// unionClaims keeps every claim verbatim, duplicates included; coverage
// beats wording.
func unionClaims(subs []domain.Submission, fieldID string, idx int) ([]domain.Claim, bool) {
	var out []domain.Claim
	found := false
	for _, s := range subs {
		v, ok := fieldAt(s, fieldID, idx)
		if !ok || v.Kind != domain.ValueClaims {
			continue
		}
		found = true
		out = append(out, v.Claims...)
	}
	return out, found
}

func unionDocs(subs []domain.Submission, fieldID string, idx int) ([]domain.DocEntry, bool) {
	type key struct{ link, para string }
	seen := map[key]bool{}
	var out []domain.DocEntry
	found := false
	for _, s := range subs {
		v, ok := fieldAt(s, fieldID, idx)
		if !ok || v.Kind != domain.ValueDocs {
			continue
		}
		found = true
		for _, d := range v.Docs {
			k := key{d.Link, d.Paragraph}
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, d)
		}
	}
	return out, found
}

func unionLinks(subs []domain.Submission, fieldID string, idx int) ([]string, bool) {
	seen := map[string]bool{}
	var out []string
	found := false
	for _, s := range subs {
		v, ok := fieldAt(s, fieldID, idx)
		if !ok || v.Kind != domain.ValueLinks {
			continue
		}
		found = true
		for _, l := range v.Links {
			if seen[l] {
				continue
			}
			seen[l] = true
			out = append(out, l)
		}
	}
	return out, found
}

// flatten produces the list-valued top-level fields for multi-form
// aggregates: each claim-list field becomes a list of per-form claim
// arrays, in form order.
func flatten(forms []domain.FormSubmission, form schema.TaskForm) domain.FormSubmission {
	flat := make(domain.FormSubmission)
	for _, f := range form.Fields {
		if f.Kind != schema.KindClaimList {
			continue
		}
		groups := make([][]domain.Claim, 0, len(forms))
		present := false
		for _, agg := range forms {
			v, ok := agg[f.ID]
			if ok && v.Kind == domain.ValueClaims {
				groups = append(groups, v.Claims)
				present = true
			} else {
				groups = append(groups, nil)
			}
		}
		if present {
			flat[f.ID] = domain.GroupsValue(groups)
		}
	}
	return flat
}

func fieldAt(s domain.Submission, fieldID string, idx int) (domain.FieldValue, bool) {
	if idx >= len(s.Forms) {
		return domain.FieldValue{}, false
	}
	v, ok := s.Forms[idx][fieldID]
	return v, ok
}
