package domain

import "encoding/json"

// ValueKind tags the variant carried by a FieldValue.
type ValueKind string

const (
	ValueScalar      ValueKind = "scalar"
	ValueText        ValueKind = "text"
	ValueClaims      ValueKind = "claims"
	ValueDocs        ValueKind = "docs"
	ValueLinks       ValueKind = "links"
	ValueClaimGroups ValueKind = "claim_groups"
)

// CoreWeight marks a core claim in a weighted claim list.
const CoreWeight = 3

type Claim struct {
	Claim  string `json:"claim"`
	Weight int    `json:"weight" minimum:"1" maximum:"3"`
}

type DocEntry struct {
	Link      string `json:"link"`
	Paragraph string `json:"paragraph"`
}

// FieldValue is the tagged union of every value shape an annotation field
// can carry. Exactly the variant named by Kind is populated; ClaimGroups
// only appears in aggregated consensus data for multi-form tasks.
type FieldValue struct {
	Kind    ValueKind  `json:"kind"`
	Scalar  string     `json:"scalar,omitempty"`
	Remarks string     `json:"remarks,omitempty"`
	Text    string     `json:"text,omitempty"`
	Claims  []Claim    `json:"claims,omitempty"`
	Docs    []DocEntry `json:"docs,omitempty"`
	Links   []string   `json:"links,omitempty"`
	Groups  [][]Claim  `json:"groups,omitempty"`
}

func ScalarValue(v, remarks string) FieldValue {
	return FieldValue{Kind: ValueScalar, Scalar: v, Remarks: remarks}
}

func TextValue(v string) FieldValue { return FieldValue{Kind: ValueText, Text: v} }

func ClaimsValue(claims []Claim) FieldValue {
	return FieldValue{Kind: ValueClaims, Claims: claims}
}

func DocsValue(docs []DocEntry) FieldValue { return FieldValue{Kind: ValueDocs, Docs: docs} }

func LinksValue(links []string) FieldValue { return FieldValue{Kind: ValueLinks, Links: links} }

func GroupsValue(groups [][]Claim) FieldValue {
	return FieldValue{Kind: ValueClaimGroups, Groups: groups}
}

// CanonicalBool maps a boolean onto the canonical choice strings used by
// boolean-choice fields, so tallies never mix true and "Yes".
func CanonicalBool(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}

// FormSubmission is one form's field values keyed by field id.
type FormSubmission map[string]FieldValue

// Wire format: a choice or free-text field stores its value under its own
// key, a choice justification under <field>_text, a claim list under its
// own key as [{claim,weight}], a doc list under <field>_data, a link list
// under its own key as [string]. Multi-form data nests under "forms".

const (
	TextKeySuffix = "_text"
	DocKeySuffix  = "_data"
)

func (f FormSubmission) wireMap() map[string]any {
	m := make(map[string]any, len(f))
	for id, v := range f {
		switch v.Kind {
		case ValueScalar:
			m[id] = v.Scalar
			if v.Remarks != "" {
				m[id+TextKeySuffix] = v.Remarks
			}
		case ValueText:
			m[id] = v.Text
		case ValueClaims:
			m[id] = claimMaps(v.Claims)
		case ValueDocs:
			docs := make([]any, 0, len(v.Docs))
			for _, d := range v.Docs {
				docs = append(docs, map[string]any{"link": d.Link, "paragraph": d.Paragraph})
			}
			m[id+DocKeySuffix] = docs
		case ValueLinks:
			links := make([]any, 0, len(v.Links))
			for _, l := range v.Links {
				links = append(links, l)
			}
			m[id] = links
		case ValueClaimGroups:
			groups := make([]any, 0, len(v.Groups))
			for _, g := range v.Groups {
				groups = append(groups, claimMaps(g))
			}
			m[id] = groups
		}
	}
	return m
}

func claimMaps(claims []Claim) []any {
	out := make([]any, 0, len(claims))
	for _, c := range claims {
		out = append(out, map[string]any{"claim": c.Claim, "weight": c.Weight})
	}
	return out
}

// EncodeForms renders submissions in the wire format: a single form is
// stored flat, multiple forms nest under "forms".
func EncodeForms(forms []FormSubmission) map[string]any {
	switch len(forms) {
	case 0:
		return map[string]any{}
	case 1:
		return forms[0].wireMap()
	default:
		list := make([]any, 0, len(forms))
		for _, f := range forms {
			list = append(list, f.wireMap())
		}
		return map[string]any{"forms": list}
	}
}

// MarshalForms is EncodeForms to a JSON string. encoding/json sorts map
// keys, so identical forms always produce identical bytes.
func MarshalForms(forms []FormSubmission) (string, error) {
	b, err := json.Marshal(EncodeForms(forms))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
