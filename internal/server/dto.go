package server

import (
	"encoding/json"

	"tallyline/internal/domain"
	"tallyline/internal/engine"
	"tallyline/internal/schema"
)

// Request payloads

type ImportDiscussionsRequest struct {
	Items []ImportItem `json:"items"`
}

type ImportItem struct {
	ID         string `json:"id"`
	Repository string `json:"repository,omitempty"`
	Title      string `json:"title,omitempty"`
	URL        string `json:"url,omitempty"`
}

type SubmitAnnotationRequest struct {
	UserID string         `json:"user_id,omitempty"`
	Data   map[string]any `json:"data"`
}

type OverrideAnnotationRequest struct {
	Data map[string]any `json:"data"`
}

type SaveConsensusRequest struct {
	Data    map[string]any `json:"data,omitempty"`
	Stars   *int           `json:"stars,omitempty" minimum:"1" maximum:"5"`
	Comment *string        `json:"comment,omitempty"`
	Force   bool           `json:"force,omitempty"`
}

type AutoConsensusRequest struct {
	TaskID    int     `json:"task_id,omitempty" minimum:"0"`
	Threshold float64 `json:"threshold,omitempty" minimum:"0" maximum:"100"`
	DryRun    bool    `json:"dry_run,omitempty"`
}

type SetStatusRequest struct {
	Status string `json:"status" enum:"locked,unlocked,completed,rework,blocked,ready_for_next"`
	Force  bool   `json:"force,omitempty"`
}

type BulkStatusRequest struct {
	DiscussionIDs []string `json:"discussion_ids"`
	TaskID        int      `json:"task_id" minimum:"1"`
	Status        string   `json:"status" enum:"locked,unlocked,completed,rework,blocked,ready_for_next"`
	Force         bool     `json:"force,omitempty"`
}

type AddFlagRequest struct {
	Reason string `json:"reason"`
}

type GrantRoleRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type TaskOverviewResponse struct {
	TaskID         int     `json:"task_id"`
	Status         string  `json:"status" enum:"locked,unlocked,completed,rework,blocked,ready_for_next"`
	PriorStatus    *string `json:"prior_status,omitempty"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
	AnnotatorCount int     `json:"annotator_count"`
	RequiredCount  int     `json:"required_count"`
	ActiveFlags    int     `json:"active_flags"`
}

type DiscussionResponse struct {
	ID         string                 `json:"id"`
	Repository string                 `json:"repository"`
	Title      string                 `json:"title,omitempty"`
	URL        string                 `json:"url,omitempty"`
	CreatedAt  string                 `json:"created_at" format:"date-time"`
	Tasks      []TaskOverviewResponse `json:"tasks,omitempty"`
}

type AnnotationResponse struct {
	DiscussionID string         `json:"discussion_id"`
	UserID       string         `json:"user_id"`
	TaskID       int            `json:"task_id"`
	Data         map[string]any `json:"data"`
	SubmittedAt  string         `json:"submitted_at" format:"date-time"`
	OverriddenBy *string        `json:"overridden_by,omitempty"`
	OverriddenAt *string        `json:"overridden_at,omitempty" format:"date-time"`
}

type ConsensusResponse struct {
	DiscussionID        string         `json:"discussion_id"`
	TaskID              int            `json:"task_id"`
	Data                map[string]any `json:"data"`
	Stars               *int           `json:"stars,omitempty" minimum:"1" maximum:"5"`
	Comment             *string        `json:"comment,omitempty"`
	CreatedBy           string         `json:"created_by"`
	OverriddenByPodLead bool           `json:"overridden_by_pod_lead"`
	UpdatedAt           string         `json:"updated_at" format:"date-time"`
}

type ProposalResponse struct {
	Consensus   ConsensusResponse      `json:"consensus"`
	Existing    bool                   `json:"existing"`
	MissingData bool                   `json:"missing_data,omitempty"`
	Agreement   domain.AgreementReport `json:"agreement"`
}

type TaskStateResponse struct {
	DiscussionID string  `json:"discussion_id"`
	TaskID       int     `json:"task_id"`
	Status       string  `json:"status" enum:"locked,unlocked,completed,rework,blocked,ready_for_next"`
	PriorStatus  *string `json:"prior_status,omitempty"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts" format:"date-time"`
	Type         string         `json:"type"`
	DiscussionID string         `json:"discussion_id,omitempty"`
	EntityKind   string         `json:"entity_kind"`
	EntityID     string         `json:"entity_id,omitempty"`
	ActorID      string         `json:"actor_id"`
	Payload      map[string]any `json:"payload"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKeyCreatedResponse struct {
	APIKeyResponse
	Key string `json:"key"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Source      string   `json:"source,omitempty"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type paginatedDiscussions struct {
	Items      []DiscussionResponse `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

// Conversion helpers

func discussionResponse(d domain.Discussion, tasks []domain.TaskOverview) DiscussionResponse {
	res := DiscussionResponse{
		ID:         d.ID,
		Repository: d.Repository,
		Title:      d.Title,
		URL:        d.URL,
		CreatedAt:  d.CreatedAt,
	}
	for _, t := range tasks {
		res.Tasks = append(res.Tasks, TaskOverviewResponse{
			TaskID:         t.TaskID,
			Status:         string(t.Status),
			PriorStatus:    t.PriorStatus,
			UpdatedAt:      t.UpdatedAt,
			AnnotatorCount: t.AnnotatorCount,
			RequiredCount:  t.RequiredCount,
			ActiveFlags:    t.ActiveFlags,
		})
	}
	return res
}

func annotationResponse(a domain.RawAnnotation) AnnotationResponse {
	return AnnotationResponse{
		DiscussionID: a.DiscussionID,
		UserID:       a.UserID,
		TaskID:       a.TaskID,
		Data:         decodeJSONMap(a.DataJSON),
		SubmittedAt:  a.SubmittedAt,
		OverriddenBy: a.OverriddenBy,
		OverriddenAt: a.OverriddenAt,
	}
}

func consensusResponse(c domain.ConsensusAnnotation) ConsensusResponse {
	return ConsensusResponse{
		DiscussionID:        c.DiscussionID,
		TaskID:              c.TaskID,
		Data:                decodeJSONMap(c.DataJSON),
		Stars:               c.Stars,
		Comment:             c.Comment,
		CreatedBy:           c.CreatedBy,
		OverriddenByPodLead: c.OverriddenByPodLead,
		UpdatedAt:           c.UpdatedAt,
	}
}

func proposalResponse(p engine.Proposal) ProposalResponse {
	return ProposalResponse{
		Consensus:   consensusResponse(p.Consensus),
		Existing:    p.Existing,
		MissingData: p.MissingData,
		Agreement:   p.Agreement,
	}
}

func taskStateResponse(ts domain.TaskState) TaskStateResponse {
	return TaskStateResponse{
		DiscussionID: ts.DiscussionID,
		TaskID:       ts.TaskID,
		Status:       string(ts.Status),
		PriorStatus:  ts.PriorStatus,
		UpdatedAt:    ts.UpdatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:           e.ID,
		TS:           e.TS,
		Type:         e.Type,
		DiscussionID: e.DiscussionID,
		EntityKind:   e.EntityKind,
		EntityID:     e.EntityID,
		ActorID:      e.ActorID,
		Payload:      decodeJSONMap(e.Payload),
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}

func fieldErrorDetails(ve *schema.ValidationError) map[string]any {
	errs := make([]map[string]string, 0, len(ve.Errors))
	for _, fe := range ve.Errors {
		errs = append(errs, map[string]string{"field": fe.Field, "message": fe.Message})
	}
	return map[string]any{"errors": errs}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}
