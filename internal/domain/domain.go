package domain

type Discussion struct {
	ID         string `json:"id"`
	Repository string `json:"repository"`
	Title      string `json:"title,omitempty"`
	URL        string `json:"url,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type TaskState struct {
	DiscussionID string     `json:"discussion_id"`
	TaskID       int        `json:"task_id" minimum:"1" maximum:"3"`
	Status       TaskStatus `json:"status" enum:"locked,unlocked,completed,rework,blocked,ready_for_next"`
	PriorStatus  *string    `json:"prior_status,omitempty"`
	UpdatedAt    string     `json:"updated_at" format:"date-time"`
}

// TaskOverview is a TaskState plus the projections the workflow rules read.
type TaskOverview struct {
	TaskState
	AnnotatorCount int `json:"annotator_count"`
	RequiredCount  int `json:"required_count"`
	ActiveFlags    int `json:"active_flags"`
}

type RawAnnotation struct {
	DiscussionID string  `json:"discussion_id"`
	UserID       string  `json:"user_id"`
	TaskID       int     `json:"task_id"`
	DataJSON     string  `json:"data_json"`
	SubmittedAt  string  `json:"submitted_at" format:"date-time"`
	OverriddenBy *string `json:"overridden_by,omitempty"`
	OverriddenAt *string `json:"overridden_at,omitempty" format:"date-time"`
}

func (a RawAnnotation) Overridden() bool { return a.OverriddenBy != nil }

type ConsensusAnnotation struct {
	DiscussionID        string  `json:"discussion_id"`
	TaskID              int     `json:"task_id"`
	DataJSON            string  `json:"data_json"`
	Stars               *int    `json:"stars,omitempty" minimum:"1" maximum:"5"`
	Comment             *string `json:"comment,omitempty"`
	CreatedBy           string  `json:"created_by"`
	OverriddenByPodLead bool    `json:"overridden_by_pod_lead"`
	UpdatedAt           string  `json:"updated_at" format:"date-time"`
}

type Flag struct {
	ID           string  `json:"id"`
	DiscussionID string  `json:"discussion_id"`
	TaskID       int     `json:"task_id"`
	FlaggedBy    string  `json:"flagged_by"`
	Reason       string  `json:"reason"`
	Status       string  `json:"status" enum:"active,resolved"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	ResolvedBy   *string `json:"resolved_by,omitempty"`
	ResolvedAt   *string `json:"resolved_at,omitempty" format:"date-time"`
}

const (
	FlagActive   = "active"
	FlagResolved = "resolved"
)

type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	DiscussionID string `json:"discussion_id,omitempty"`
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id,omitempty"`
	ActorID      string `json:"actor_id"`
	Payload      string `json:"payload_json"`
}

type Actor struct {
	ID        string   `json:"id"`
	Roles     []string `json:"roles,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Submission is a raw annotation decoded against the task's form catalog.
// Pure components (aggregation, agreement) consume these snapshots only.
type Submission struct {
	UserID      string
	SubmittedAt string
	Overridden  bool
	Forms       []FormSubmission
}

// AgreementReport holds per-field and overall agreement for one task pair.
type AgreementReport struct {
	DiscussionID string             `json:"discussion_id"`
	TaskID       int                `json:"task_id"`
	PerField     map[string]float64 `json:"per_field"`
	Overall      float64            `json:"overall"`
	Annotators   int                `json:"annotators"`
	Overridden   int                `json:"overridden"`
	Band         string             `json:"band" enum:"high,moderate,low,no_data"`
}

// AnnotatorStats aggregates one annotator's agreement across all their
// submitted pairs.
type AnnotatorStats struct {
	UserID      string  `json:"user_id"`
	Annotations int     `json:"annotations"`
	Overridden  int     `json:"overridden"`
	AvgRate     float64 `json:"avg_rate"`
	Band        string  `json:"band" enum:"excellent,good,needs_improvement,needs_training,no_data"`
}

// Candidate identifies one (discussion, task) pair surfaced by the
// unlock-candidate evaluation.
type Candidate struct {
	DiscussionID   string   `json:"discussion_id"`
	TaskID         int      `json:"task_id"`
	AnnotatorCount int      `json:"annotator_count"`
	RequiredCount  int      `json:"required_count"`
	Agreement      *float64 `json:"agreement,omitempty"`
}

type UnlockCandidates struct {
	ReadyForConsensus []Candidate `json:"ready_for_consensus"`
	ReadyForUnlock    []Candidate `json:"ready_for_unlock"`
}

// ItemResult is the per-item outcome of a bulk operation.
type ItemResult struct {
	DiscussionID string `json:"discussion_id"`
	TaskID       int    `json:"task_id"`
	Outcome      string `json:"outcome" enum:"ok,skipped,failed"`
	Reason       string `json:"reason,omitempty"`
}

const (
	OutcomeOK      = "ok"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

type BulkSummary struct {
	Successful int          `json:"successful"`
	Skipped    int          `json:"skipped"`
	Failed     int          `json:"failed"`
	Items      []ItemResult `json:"items"`
}

func (s *BulkSummary) Add(item ItemResult) {
	switch item.Outcome {
	case OutcomeOK:
		s.Successful++
	case OutcomeSkipped:
		s.Skipped++
	default:
		s.Failed++
	}
	s.Items = append(s.Items, item)
}
