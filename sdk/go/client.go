package tallylinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Tallyline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Discussion represents the API discussion model.
type Discussion struct {
	ID         string         `json:"id"`
	Repository string         `json:"repository"`
	Title      string         `json:"title,omitempty"`
	URL        string         `json:"url,omitempty"`
	CreatedAt  string         `json:"created_at"`
	Tasks      []TaskOverview `json:"tasks,omitempty"`
}

// TaskOverview is a task state with its annotator and flag counts.
type TaskOverview struct {
	TaskID         int    `json:"task_id"`
	Status         string `json:"status"`
	PriorStatus    string `json:"prior_status,omitempty"`
	UpdatedAt      string `json:"updated_at"`
	AnnotatorCount int    `json:"annotator_count"`
	RequiredCount  int    `json:"required_count"`
	ActiveFlags    int    `json:"active_flags"`
}

// TaskState is the bare workflow state returned by status changes.
type TaskState struct {
	DiscussionID string `json:"discussion_id"`
	TaskID       int    `json:"task_id"`
	Status       string `json:"status"`
	PriorStatus  string `json:"prior_status,omitempty"`
	UpdatedAt    string `json:"updated_at"`
}

// Annotation represents one annotator's submission (partial).
type Annotation struct {
	DiscussionID string         `json:"discussion_id"`
	UserID       string         `json:"user_id"`
	TaskID       int            `json:"task_id"`
	Data         map[string]any `json:"data"`
	SubmittedAt  string         `json:"submitted_at"`
	OverriddenBy string         `json:"overridden_by,omitempty"`
	OverriddenAt string         `json:"overridden_at,omitempty"`
}

// Consensus represents the saved consensus for a discussion task.
type Consensus struct {
	DiscussionID        string         `json:"discussion_id"`
	TaskID              int            `json:"task_id"`
	Data                map[string]any `json:"data"`
	Stars               *int           `json:"stars,omitempty"`
	Comment             string         `json:"comment,omitempty"`
	CreatedBy           string         `json:"created_by"`
	OverriddenByPodLead bool           `json:"overridden_by_pod_lead"`
	UpdatedAt           string         `json:"updated_at"`
}

// Proposal is a computed consensus preview plus its agreement report.
type Proposal struct {
	Consensus   Consensus       `json:"consensus"`
	Existing    bool            `json:"existing"`
	MissingData bool            `json:"missing_data"`
	Agreement   AgreementReport `json:"agreement"`
}

// AgreementReport holds per-field and overall agreement rates.
type AgreementReport struct {
	DiscussionID string             `json:"discussion_id"`
	TaskID       int                `json:"task_id"`
	PerField     map[string]float64 `json:"per_field"`
	Overall      float64            `json:"overall"`
	Annotators   int                `json:"annotators"`
	Overridden   int                `json:"overridden"`
	Band         string             `json:"band"`
}

// AnnotatorStats grades one annotator across the batch.
type AnnotatorStats struct {
	UserID      string  `json:"user_id"`
	Annotations int     `json:"annotations"`
	Overridden  int     `json:"overridden"`
	AvgRate     float64 `json:"avg_rate"`
	Band        string  `json:"band"`
}

// Flag represents a blocking flag on a task.
type Flag struct {
	ID           string `json:"id"`
	DiscussionID string `json:"discussion_id"`
	TaskID       int    `json:"task_id"`
	FlaggedBy    string `json:"flagged_by"`
	Reason       string `json:"reason"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
	ResolvedBy   string `json:"resolved_by,omitempty"`
	ResolvedAt   string `json:"resolved_at,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts"`
	Type         string         `json:"type"`
	DiscussionID string         `json:"discussion_id,omitempty"`
	EntityKind   string         `json:"entity_kind"`
	EntityID     string         `json:"entity_id,omitempty"`
	ActorID      string         `json:"actor_id"`
	Payload      map[string]any `json:"payload"`
}

// ItemResult is the per-item outcome of a bulk operation.
type ItemResult struct {
	DiscussionID string `json:"discussion_id"`
	TaskID       int    `json:"task_id"`
	Outcome      string `json:"outcome"`
	Reason       string `json:"reason,omitempty"`
}

// BulkSummary reports a bulk operation.
type BulkSummary struct {
	Successful int          `json:"successful"`
	Skipped    int          `json:"skipped"`
	Failed     int          `json:"failed"`
	Items      []ItemResult `json:"items"`
}

// WhoAmI reports the authenticated actor.
type WhoAmI struct {
	ActorID     string   `json:"actor_id"`
	Source      string   `json:"source"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// ImportItem is one discussion to import.
type ImportItem struct {
	ID         string `json:"id"`
	Repository string `json:"repository,omitempty"`
	Title      string `json:"title,omitempty"`
	URL        string `json:"url,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedDiscussions wraps list responses with cursors.
type PaginatedDiscussions struct {
	Items      []Discussion `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// ImportDiscussions imports a batch of discussions.
func (c *Client) ImportDiscussions(ctx context.Context, items []ImportItem) (BulkSummary, error) {
	body := map[string]any{"items": items}
	var resp BulkSummary
	err := c.do(ctx, http.MethodPost, c.apiPath("discussions"), body, &resp)
	return resp, err
}

// Discussions returns a page of discussions.
func (c *Client) Discussions(ctx context.Context, limit int, cursor string) (PaginatedDiscussions, error) {
	endpoint := c.apiPath("discussions")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedDiscussions
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Discussion fetches one discussion with its task states.
func (c *Client) Discussion(ctx context.Context, id string) (Discussion, error) {
	var resp Discussion
	err := c.do(ctx, http.MethodGet, c.apiPath("discussions/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// SubmitAnnotation stores an annotator's answers for a task. userID may be
// empty to submit as the authenticated actor.
func (c *Client) SubmitAnnotation(ctx context.Context, discussionID string, taskID int, userID string, data map[string]any) (Annotation, error) {
	body := map[string]any{"data": data}
	if userID != "" {
		body["user_id"] = userID
	}
	var resp Annotation
	err := c.do(ctx, http.MethodPut, c.taskPath(discussionID, taskID, "annotations"), body, &resp)
	return resp, err
}

// Annotations lists all submissions for a task.
func (c *Client) Annotations(ctx context.Context, discussionID string, taskID int) ([]Annotation, error) {
	var resp []Annotation
	err := c.do(ctx, http.MethodGet, c.taskPath(discussionID, taskID, "annotations"), nil, &resp)
	return resp, err
}

// OverrideAnnotation replaces a user's submission on pod-lead authority.
func (c *Client) OverrideAnnotation(ctx context.Context, discussionID string, taskID int, userID string, data map[string]any) (Annotation, error) {
	body := map[string]any{"data": data}
	var resp Annotation
	endpoint := c.taskPath(discussionID, taskID, "annotations/"+url.PathEscape(userID)+"/override")
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Consensus fetches the stored consensus for a task.
func (c *Client) Consensus(ctx context.Context, discussionID string, taskID int) (Consensus, error) {
	var resp Consensus
	err := c.do(ctx, http.MethodGet, c.taskPath(discussionID, taskID, "consensus"), nil, &resp)
	return resp, err
}

// ProposeConsensus computes a consensus preview without saving it.
func (c *Client) ProposeConsensus(ctx context.Context, discussionID string, taskID int) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodGet, c.taskPath(discussionID, taskID, "consensus/proposal"), nil, &resp)
	return resp, err
}

// SaveConsensus saves consensus. A nil data map aggregates from submissions;
// a non-nil map stores the pod lead's answer verbatim.
func (c *Client) SaveConsensus(ctx context.Context, discussionID string, taskID int, data map[string]any, stars *int, comment string, force bool) (Consensus, error) {
	body := map[string]any{"force": force}
	if data != nil {
		body["data"] = data
	}
	if stars != nil {
		body["stars"] = *stars
	}
	if comment != "" {
		body["comment"] = comment
	}
	var resp Consensus
	err := c.do(ctx, http.MethodPut, c.taskPath(discussionID, taskID, "consensus"), body, &resp)
	return resp, err
}

// AutoConsensus sweeps eligible pairs and creates consensus for each.
func (c *Client) AutoConsensus(ctx context.Context, taskID int, threshold float64, dryRun bool) (BulkSummary, error) {
	body := map[string]any{"dry_run": dryRun}
	if taskID > 0 {
		body["task_id"] = taskID
	}
	if threshold > 0 {
		body["threshold"] = threshold
	}
	var resp BulkSummary
	err := c.do(ctx, http.MethodPost, c.apiPath("consensus/auto"), body, &resp)
	return resp, err
}

// Agreement fetches the agreement report for a task.
func (c *Client) Agreement(ctx context.Context, discussionID string, taskID int) (AgreementReport, error) {
	var resp AgreementReport
	err := c.do(ctx, http.MethodGet, c.taskPath(discussionID, taskID, "agreement"), nil, &resp)
	return resp, err
}

// AnnotatorReport grades every annotator across the batch.
func (c *Client) AnnotatorReport(ctx context.Context) ([]AnnotatorStats, error) {
	var resp []AnnotatorStats
	err := c.do(ctx, http.MethodGet, c.apiPath("reports/annotators"), nil, &resp)
	return resp, err
}

// SetTaskStatus moves a task to the given status.
func (c *Client) SetTaskStatus(ctx context.Context, discussionID string, taskID int, status string, force bool) (TaskState, error) {
	body := map[string]any{"status": status, "force": force}
	var resp TaskState
	err := c.do(ctx, http.MethodPost, c.taskPath(discussionID, taskID, "status"), body, &resp)
	return resp, err
}

// UnlockNext finishes a completed task and unlocks its successor.
func (c *Client) UnlockNext(ctx context.Context, discussionID string, taskID int) (TaskState, error) {
	var resp TaskState
	err := c.do(ctx, http.MethodPost, c.taskPath(discussionID, taskID, "unlock-next"), map[string]any{}, &resp)
	return resp, err
}

// AddFlag blocks a task with a reason.
func (c *Client) AddFlag(ctx context.Context, discussionID string, taskID int, reason string) (Flag, error) {
	body := map[string]any{"reason": reason}
	var resp Flag
	err := c.do(ctx, http.MethodPost, c.taskPath(discussionID, taskID, "flags"), body, &resp)
	return resp, err
}

// ResolveFlag resolves a flag by id.
func (c *Client) ResolveFlag(ctx context.Context, flagID string) (Flag, error) {
	var resp Flag
	endpoint := c.apiPath("flags/" + url.PathEscape(flagID) + "/resolve")
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, discussionID string, limit int) ([]Event, error) {
	endpoint := c.apiPath("events")
	params := url.Values{}
	if discussionID != "" {
		params.Set("discussion_id", discussionID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Me returns the authenticated actor's roles and permissions.
func (c *Client) Me(ctx context.Context) (WhoAmI, error) {
	var resp WhoAmI
	err := c.do(ctx, http.MethodGet, c.apiPath("me"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) taskPath(discussionID string, taskID int, p string) string {
	return c.apiPath(fmt.Sprintf("discussions/%s/tasks/%d/%s", url.PathEscape(discussionID), taskID, strings.TrimLeft(p, "/")))
}

func (c *Client) apiPath(p string) string {
	return "v0/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
