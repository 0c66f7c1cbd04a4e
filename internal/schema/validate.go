package schema

import (
	"fmt"
	"strings"

	"tallyline/internal/domain"
)

// FieldError is one human-readable validation failure attached to a field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError carries every field error found in one submission, so a
// caller can surface them all at once.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "validation failed: " + e.Errors[0].Error()
	}
	return fmt.Sprintf("validation failed: %d field errors", len(e.Errors))
}

// AsError wraps the field errors, or returns nil when there are none.
func AsError(errs []FieldError) error {
	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Errors: errs}
}

// CleanForms drops empty claims and fully empty doc entries before
// validation and persistence. Claims are compared after trimming.
func CleanForms(forms []domain.FormSubmission) []domain.FormSubmission {
	out := make([]domain.FormSubmission, 0, len(forms))
	for _, form := range forms {
		cleaned := make(domain.FormSubmission, len(form))
		for id, v := range form {
			switch v.Kind {
			case domain.ValueClaims:
				kept := make([]domain.Claim, 0, len(v.Claims))
				for _, c := range v.Claims {
					if strings.TrimSpace(c.Claim) == "" {
						continue
					}
					kept = append(kept, c)
				}
				v.Claims = kept
			case domain.ValueDocs:
				kept := make([]domain.DocEntry, 0, len(v.Docs))
				for _, d := range v.Docs {
					if strings.TrimSpace(d.Link) == "" && strings.TrimSpace(d.Paragraph) == "" {
						continue
					}
					kept = append(kept, d)
				}
				v.Docs = kept
			}
			cleaned[id] = v
		}
		out = append(out, cleaned)
	}
	return out
}

// ValidateValue checks a single field value against the task's schema.
func (c *Catalog) ValidateValue(taskID int, fieldID string, v domain.FieldValue) []FieldError {
	form, ok := c.Form(taskID)
	if !ok {
		return []FieldError{{Field: fieldID, Message: fmt.Sprintf("unknown task %d", taskID)}}
	}
	field, ok := form.Field(fieldID)
	if !ok {
		return []FieldError{{Field: fieldID, Message: fmt.Sprintf("not part of task %d", taskID)}}
	}
	return c.validateField(field, v)
}

// ValidateSubmission checks every field of every form. It returns a
// *ValidationError listing all failures, or nil.
func (c *Catalog) ValidateSubmission(taskID int, forms []domain.FormSubmission) error {
	form, ok := c.Form(taskID)
	if !ok {
		return AsError([]FieldError{{Field: "task", Message: fmt.Sprintf("unknown task %d", taskID)}})
	}
	if len(forms) == 0 {
		return AsError([]FieldError{{Field: "forms", Message: "submission is empty"}})
	}
	if len(forms) > 1 && !form.MultiForm {
		return AsError([]FieldError{{Field: "forms", Message: fmt.Sprintf("task %d accepts a single form", taskID)}})
	}
	var errs []FieldError
	for _, sub := range forms {
		for id, v := range sub {
			field, known := form.Field(id)
			if !known {
				errs = append(errs, FieldError{Field: id, Message: fmt.Sprintf("not part of task %d", taskID)})
				continue
			}
			errs = append(errs, c.validateField(field, v)...)
		}
		for _, f := range form.Fields {
			if f.Kind != KindFreeText || !f.RequireComplete {
				continue
			}
			if v, present := sub[f.ID]; !present || strings.TrimSpace(v.Text) == "" {
				errs = append(errs, FieldError{Field: f.ID, Message: "answer is required"})
			}
		}
	}
	return AsError(errs)
}

func (c *Catalog) validateField(f Field, v domain.FieldValue) []FieldError {
	expect, _ := f.Kind.ValueKind()
	if v.Kind != expect && !(f.Kind == KindClaimList && v.Kind == domain.ValueClaimGroups) {
		return []FieldError{{Field: f.ID, Message: fmt.Sprintf("expected a %s value", expect)}}
	}
	var errs []FieldError
	add := func(msg string) { errs = append(errs, FieldError{Field: f.ID, Message: msg}) }

	switch f.Kind {
	case KindChoice, KindBooleanChoice:
		if v.Scalar == "" {
			break
		}
		if !contains(f.Options, v.Scalar) {
			add(fmt.Sprintf("select one of: %s", strings.Join(f.Options, ", ")))
		}
		if f.RequiresRemarks && len(strings.TrimSpace(v.Remarks)) < f.MinRemarks {
			add(fmt.Sprintf("requires a justification of at least %d characters", f.MinRemarks))
		}
	case KindFreeText:
		if f.RequireComplete && len(strings.TrimSpace(v.Text)) < f.MinLength {
			add(fmt.Sprintf("answer must be at least %d characters", f.MinLength))
		}
	case KindClaimList:
		groups := v.Groups
		if v.Kind == domain.ValueClaims {
			groups = [][]domain.Claim{v.Claims}
		}
		for _, claims := range groups {
			errs = append(errs, validateClaims(f.ID, claims)...)
		}
	case KindDocList:
		for _, d := range v.Docs {
			link := strings.TrimSpace(d.Link)
			para := strings.TrimSpace(d.Paragraph)
			if link == "" {
				if para != "" {
					add("supporting paragraph needs a document link")
				}
				continue
			}
			if len(para) < MinParagraphLen {
				add(fmt.Sprintf("a linked document needs a supporting paragraph of at least %d characters", MinParagraphLen))
			}
			if c.LinkPrefix != "" && !strings.HasPrefix(link, c.LinkPrefix) {
				add(fmt.Sprintf("link must start with %s", c.LinkPrefix))
			}
		}
	case KindLinkList:
		for _, l := range v.Links {
			link := strings.TrimSpace(l)
			if link == "" {
				add("empty link")
				continue
			}
			if c.LinkPrefix != "" && !strings.HasPrefix(link, c.LinkPrefix) {
				add(fmt.Sprintf("link must start with %s", c.LinkPrefix))
			}
		}
	}
	return errs
}

func validateClaims(fieldID string, claims []domain.Claim) []FieldError {
	var errs []FieldError
	add := func(msg string) { errs = append(errs, FieldError{Field: fieldID, Message: msg}) }
	if len(claims) == 0 {
		return errs
	}
	core := false
	for _, cl := range claims {
		text := strings.TrimSpace(cl.Claim)
		if text == "" {
			continue
		}
		if len(text) < MinClaimLen {
			add(fmt.Sprintf("claim %q must be at least %d characters", text, MinClaimLen))
		}
		if cl.Weight < 1 || cl.Weight > domain.CoreWeight {
			add(fmt.Sprintf("claim weight must be between 1 and %d", domain.CoreWeight))
		}
		if cl.Weight == domain.CoreWeight {
			core = true
		}
	}
	if !core {
		add(fmt.Sprintf("needs at least one core claim (weight %d)", domain.CoreWeight))
	}
	return errs
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
