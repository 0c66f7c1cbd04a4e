// Package schema holds the per-task form catalog: which fields a task asks
// for, what kind of value each field carries, and the validation rules that
// gate every annotation or consensus write.
package schema

import (
	"fmt"
	"sort"

	"tallyline/internal/domain"
)

type FieldKind string

const (
	KindChoice        FieldKind = "choice"
	KindBooleanChoice FieldKind = "boolean_choice"
	KindFreeText      FieldKind = "free_text"
	KindClaimList     FieldKind = "claim_list"
	KindDocList       FieldKind = "doc_list"
	KindLinkList      FieldKind = "link_list"
)

// Rule thresholds fixed across all catalogs.
const (
	MinClaimLen     = 5
	MinParagraphLen = 10

	minRemarksFloor = 5
	minRemarksCeil  = 20
	minTextFloor    = 10
	minTextCeil     = 20
)

var kinds = map[FieldKind]domain.ValueKind{
	KindChoice:        domain.ValueScalar,
	KindBooleanChoice: domain.ValueScalar,
	KindFreeText:      domain.ValueText,
	KindClaimList:     domain.ValueClaims,
	KindDocList:       domain.ValueDocs,
	KindLinkList:      domain.ValueLinks,
}

// ValueKind returns the FieldValue variant a field of this kind expects.
func (k FieldKind) ValueKind() (domain.ValueKind, bool) {
	v, ok := kinds[k]
	return v, ok
}

// Field describes one answerable field of a task form.
type Field struct {
	ID              string    `yaml:"id" json:"id"`
	Label           string    `yaml:"label,omitempty" json:"label,omitempty"`
	Kind            FieldKind `yaml:"kind" json:"kind" enum:"choice,boolean_choice,free_text,claim_list,doc_list,link_list"`
	Options         []string  `yaml:"options,omitempty" json:"options,omitempty"`
	RequiresRemarks bool      `yaml:"requires_remarks,omitempty" json:"requires_remarks,omitempty"`
	MinRemarks      int       `yaml:"min_remarks,omitempty" json:"min_remarks,omitempty"`
	RequireComplete bool      `yaml:"require_complete,omitempty" json:"require_complete,omitempty"`
	MinLength       int       `yaml:"min_length,omitempty" json:"min_length,omitempty"`
}

// TaskForm is the immutable schema of one pipeline task.
type TaskForm struct {
	TaskID             int     `yaml:"task" json:"task"`
	Name               string  `yaml:"name" json:"name"`
	RequiredAnnotators int     `yaml:"required_annotators" json:"required_annotators"`
	MultiForm          bool    `yaml:"multi_form,omitempty" json:"multi_form,omitempty"`
	Fields             []Field `yaml:"fields" json:"fields"`
}

// Field looks up a field by id.
func (t TaskForm) Field(id string) (Field, bool) {
	for _, f := range t.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// ScalarFields returns the choice and boolean-choice fields, the only kinds
// with majority-vote semantics.
func (t TaskForm) ScalarFields() []Field {
	var out []Field
	for _, f := range t.Fields {
		if f.Kind == KindChoice || f.Kind == KindBooleanChoice {
			out = append(out, f)
		}
	}
	return out
}

// Catalog is the full, read-only form catalog plus the link path prefix
// doc and image links must carry.
type Catalog struct {
	LinkPrefix string
	tasks      map[int]TaskForm
}

// NewCatalog validates the forms and builds the catalog. Boolean-choice
// fields default to Yes/No options; remark and text minimums are clamped
// into their allowed ranges when unset.
func NewCatalog(forms []TaskForm, linkPrefix string) (*Catalog, error) {
	if len(forms) == 0 {
		return nil, fmt.Errorf("forms catalog is empty")
	}
	tasks := make(map[int]TaskForm, len(forms))
	for _, form := range forms {
		if form.TaskID < 1 {
			return nil, fmt.Errorf("form %q has invalid task id %d", form.Name, form.TaskID)
		}
		if _, dup := tasks[form.TaskID]; dup {
			return nil, fmt.Errorf("duplicate form for task %d", form.TaskID)
		}
		if form.RequiredAnnotators < 1 {
			return nil, fmt.Errorf("task %d requires a positive annotator count", form.TaskID)
		}
		seen := map[string]bool{}
		fields := make([]Field, 0, len(form.Fields))
		for _, f := range form.Fields {
			if f.ID == "" {
				return nil, fmt.Errorf("task %d has a field with no id", form.TaskID)
			}
			if seen[f.ID] {
				return nil, fmt.Errorf("task %d declares field %s twice", form.TaskID, f.ID)
			}
			seen[f.ID] = true
			if _, ok := f.Kind.ValueKind(); !ok {
				return nil, fmt.Errorf("task %d field %s has unknown kind %q", form.TaskID, f.ID, f.Kind)
			}
			switch f.Kind {
			case KindChoice:
				if len(f.Options) == 0 {
					return nil, fmt.Errorf("task %d choice field %s has no options", form.TaskID, f.ID)
				}
			case KindBooleanChoice:
				if len(f.Options) == 0 {
					f.Options = []string{domain.CanonicalBool(true), domain.CanonicalBool(false)}
				}
			}
			f.MinRemarks = clamp(f.MinRemarks, minRemarksFloor, minRemarksCeil)
			f.MinLength = clamp(f.MinLength, minTextFloor, minTextCeil)
			fields = append(fields, f)
		}
		form.Fields = fields
		tasks[form.TaskID] = form
	}
	return &Catalog{LinkPrefix: linkPrefix, tasks: tasks}, nil
}

func clamp(v, floor, ceil int) int {
	if v < floor {
		return floor
	}
	if v > ceil {
		return ceil
	}
	return v
}

// Form returns the form for a task id.
func (c *Catalog) Form(taskID int) (TaskForm, bool) {
	t, ok := c.tasks[taskID]
	return t, ok
}

// TaskIDs returns the configured task ids in pipeline order.
func (c *Catalog) TaskIDs() []int {
	ids := make([]int, 0, len(c.tasks))
	for id := range c.tasks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// LastTask returns the final task id of the pipeline.
func (c *Catalog) LastTask() int {
	ids := c.TaskIDs()
	return ids[len(ids)-1]
}

// RequiredAnnotators returns the annotator count a task must reach, 0 for
// unknown tasks.
func (c *Catalog) RequiredAnnotators(taskID int) int {
	t, ok := c.tasks[taskID]
	if !ok {
		return 0
	}
	return t.RequiredAnnotators
}
