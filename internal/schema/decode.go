package schema

import (
	"encoding/json"
	"fmt"

	"tallyline/internal/domain"
)

// Issue records one value the decoder could not map onto the schema.
// Issues never abort a decode; the caller logs them and the value is
// excluded from tallies.
type Issue struct {
	Field  string `json:"field"`
	Detail string `json:"detail"`
}

// DecodeJSON decodes wire-format annotation data for a task. Unknown keys
// and mistyped values become issues; everything decodable is kept.
func (c *Catalog) DecodeJSON(taskID int, data string) ([]domain.FormSubmission, []Issue) {
	var m map[string]any
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, []Issue{{Field: "data", Detail: "not a JSON object"}}
	}
	return c.DecodeData(taskID, m)
}

// DecodeData decodes an already-parsed wire map. A "forms" array yields one
// FormSubmission per element; otherwise the map is a single form.
func (c *Catalog) DecodeData(taskID int, m map[string]any) ([]domain.FormSubmission, []Issue) {
	form, ok := c.Form(taskID)
	if !ok {
		return nil, []Issue{{Field: "task", Detail: fmt.Sprintf("unknown task %d", taskID)}}
	}
	if raw, present := m["forms"]; present {
		list, ok := raw.([]any)
		if !ok {
			return nil, []Issue{{Field: "forms", Detail: "forms must be an array"}}
		}
		var out []domain.FormSubmission
		var issues []Issue
		for i, el := range list {
			fm, ok := el.(map[string]any)
			if !ok {
				issues = append(issues, Issue{Field: fmt.Sprintf("forms[%d]", i), Detail: "not an object"})
				continue
			}
			sub, is := c.decodeForm(form, fm)
			out = append(out, sub)
			issues = append(issues, is...)
		}
		return out, issues
	}
	sub, issues := c.decodeForm(form, m)
	return []domain.FormSubmission{sub}, issues
}

func (c *Catalog) decodeForm(form TaskForm, m map[string]any) (domain.FormSubmission, []Issue) {
	sub := make(domain.FormSubmission)
	var issues []Issue
	consumed := make(map[string]bool, len(m))
	miss := func(field, detail string) {
		issues = append(issues, Issue{Field: field, Detail: detail})
	}

	for _, f := range form.Fields {
		switch f.Kind {
		case KindChoice, KindBooleanChoice:
			textKey := f.ID + domain.TextKeySuffix
			remarks := ""
			if raw, present := m[textKey]; present {
				consumed[textKey] = true
				if s, ok := raw.(string); ok {
					remarks = s
				} else if raw != nil {
					miss(textKey, "justification must be a string")
				}
			}
			raw, present := m[f.ID]
			if present {
				consumed[f.ID] = true
			}
			if !present || raw == nil {
				continue
			}
			switch t := raw.(type) {
			case string:
				if t != "" {
					sub[f.ID] = domain.ScalarValue(t, remarks)
				}
			case bool:
				sub[f.ID] = domain.ScalarValue(domain.CanonicalBool(t), remarks)
			default:
				miss(f.ID, fmt.Sprintf("expected a string option, got %T", raw))
			}
		case KindFreeText:
			raw, present := m[f.ID]
			if present {
				consumed[f.ID] = true
			}
			if !present || raw == nil {
				continue
			}
			s, ok := raw.(string)
			if !ok {
				miss(f.ID, fmt.Sprintf("expected text, got %T", raw))
				continue
			}
			if s != "" {
				sub[f.ID] = domain.TextValue(s)
			}
		case KindClaimList:
			raw, present := m[f.ID]
			if present {
				consumed[f.ID] = true
			}
			if !present || raw == nil {
				continue
			}
			list, ok := raw.([]any)
			if !ok {
				miss(f.ID, "expected a claim array")
				continue
			}
			// Aggregated multi-form consensus stores a list of per-form
			// claim arrays under the same key.
			if len(list) > 0 {
				if _, grouped := list[0].([]any); grouped {
					groups := make([][]domain.Claim, 0, len(list))
					for i, el := range list {
						inner, ok := el.([]any)
						if !ok {
							miss(f.ID, fmt.Sprintf("group %d is not an array", i))
							continue
						}
						claims, is := decodeClaims(f.ID, inner)
						issues = append(issues, is...)
						groups = append(groups, claims)
					}
					sub[f.ID] = domain.GroupsValue(groups)
					continue
				}
			}
			claims, is := decodeClaims(f.ID, list)
			issues = append(issues, is...)
			sub[f.ID] = domain.ClaimsValue(claims)
		case KindDocList:
			dataKey := f.ID + domain.DocKeySuffix
			raw, present := m[dataKey]
			if present {
				consumed[dataKey] = true
			}
			if !present || raw == nil {
				continue
			}
			list, ok := raw.([]any)
			if !ok {
				miss(dataKey, "expected a document array")
				continue
			}
			docs := make([]domain.DocEntry, 0, len(list))
			for i, el := range list {
				em, ok := el.(map[string]any)
				if !ok {
					miss(dataKey, fmt.Sprintf("entry %d is not an object", i))
					continue
				}
				link, _ := em["link"].(string)
				para, _ := em["paragraph"].(string)
				docs = append(docs, domain.DocEntry{Link: link, Paragraph: para})
			}
			sub[f.ID] = domain.DocsValue(docs)
		case KindLinkList:
			raw, present := m[f.ID]
			if present {
				consumed[f.ID] = true
			}
			if !present || raw == nil {
				continue
			}
			list, ok := raw.([]any)
			if !ok {
				miss(f.ID, "expected a link array")
				continue
			}
			links := make([]string, 0, len(list))
			for i, el := range list {
				s, ok := el.(string)
				if !ok {
					miss(f.ID, fmt.Sprintf("link %d is not a string", i))
					continue
				}
				links = append(links, s)
			}
			sub[f.ID] = domain.LinksValue(links)
		}
	}

	for key := range m {
		if !consumed[key] && key != "forms" {
			miss(key, "unknown field")
		}
	}
	return sub, issues
}

func decodeClaims(fieldID string, list []any) ([]domain.Claim, []Issue) {
	claims := make([]domain.Claim, 0, len(list))
	var issues []Issue
	for i, el := range list {
		em, ok := el.(map[string]any)
		if !ok {
			issues = append(issues, Issue{Field: fieldID, Detail: fmt.Sprintf("claim %d is not an object", i)})
			continue
		}
		text, _ := em["claim"].(string)
		w, ok := intValue(em["weight"])
		if !ok {
			issues = append(issues, Issue{Field: fieldID, Detail: fmt.Sprintf("claim %d has a non-integer weight", i)})
			continue
		}
		claims = append(claims, domain.Claim{Claim: text, Weight: w})
	}
	return claims, issues
}

func intValue(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		if t != float64(int(t)) {
			return 0, false
		}
		return int(t), true
	case int:
		return t, true
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
