// Package engine implements the annotation workflow: submissions,
// consensus aggregation, agreement scoring and task state transitions.
// Every mutating operation runs in its own transaction with its event
// appended before commit.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tallyline/internal/config"
	"tallyline/internal/domain"
	"tallyline/internal/engine/auth"
	"tallyline/internal/events"
	"tallyline/internal/schema"
	"tallyline/internal/store"
)

// ConflictError refuses an operation that would clobber or contradict
// existing state, such as regenerating an existing consensus or submitting
// to a task that is not accepting work.
type ConflictError struct {
	Msg string
}

func (e ConflictError) Error() string { return e.Msg }

// ErrNoAnnotations reports an aggregation attempt with nothing to
// aggregate. Callers treat it as a per-item outcome, not a fault.
var ErrNoAnnotations = errors.New("no annotations to aggregate")

type Engine struct {
	DB      *sql.DB
	Store   store.Store
	Events  events.Writer
	Auth    auth.Service
	Config  *config.Config
	Catalog *schema.Catalog
	Log     *zap.Logger
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config, log *zap.Logger) (Engine, error) {
	cat, err := cfg.Catalog()
	if err != nil {
		return Engine{}, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	st := store.Store{DB: db}
	return Engine{
		DB:      db,
		Store:   st,
		Events:  events.Writer{DB: db},
		Auth:    auth.Service{Store: st, Roles: cfg.RolePermissions()},
		Config:  cfg,
		Catalog: cat,
		Log:     log,
		Now:     time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC() string {
	return e.now().UTC().Format(time.RFC3339)
}

// DiscussionImport is one discussion to register along with its task rows.
type DiscussionImport struct {
	ID         string `json:"id"`
	Repository string `json:"repository,omitempty"`
	Title      string `json:"title,omitempty"`
	URL        string `json:"url,omitempty"`
}

// ImportDiscussions registers discussions and seeds their task states: the
// first task opens unlocked, the rest locked. Items are isolated; one bad
// discussion never aborts the batch.
func (e Engine) ImportDiscussions(ctx context.Context, items []DiscussionImport, actorID string) (domain.BulkSummary, error) {
	var summary domain.BulkSummary
	if err := e.Auth.Require(ctx, nil, actorID, config.PermDiscussionImport); err != nil {
		return summary, err
	}
	taskIDs := e.Catalog.TaskIDs()
	firstTask := 0
	if len(taskIDs) > 0 {
		firstTask = taskIDs[0]
	}
	for _, item := range items {
		if item.ID == "" {
			summary.Add(domain.ItemResult{Outcome: domain.OutcomeFailed, Reason: "id required"})
			continue
		}
		repoName := item.Repository
		if repoName == "" {
			repoName = e.Config.Batch.Repository
		}
		err := e.importOne(ctx, domain.Discussion{
			ID:         item.ID,
			Repository: repoName,
			Title:      item.Title,
			URL:        item.URL,
			CreatedAt:  e.nowRFC(),
		}, taskIDs, firstTask, actorID)
		if err != nil {
			summary.Add(domain.ItemResult{DiscussionID: item.ID, Outcome: domain.OutcomeFailed, Reason: err.Error()})
			continue
		}
		summary.Add(domain.ItemResult{DiscussionID: item.ID, Outcome: domain.OutcomeOK})
	}
	return summary, nil
}

func (e Engine) importOne(ctx context.Context, d domain.Discussion, taskIDs []int, firstTask int, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Store.InsertDiscussion(ctx, tx, d); err != nil {
		return fmt.Errorf("insert discussion: %w", err)
	}
	now := e.nowRFC()
	for _, taskID := range taskIDs {
		status := domain.StatusLocked
		if taskID == firstTask {
			status = domain.StatusUnlocked
		}
		ts := domain.TaskState{DiscussionID: d.ID, TaskID: taskID, Status: status, UpdatedAt: now}
		if err := e.Store.InsertTaskState(ctx, tx, ts); err != nil {
			return fmt.Errorf("insert task state: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, "discussion.imported", d.ID, "discussion", d.ID, actorID, events.EventPayload{"repository": d.Repository}); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteDiscussion removes a discussion and everything hanging off it.
func (e Engine) DeleteDiscussion(ctx context.Context, discussionID, actorID string) error {
	if err := e.Auth.Require(ctx, nil, actorID, config.PermDiscussionDelete); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Store.DeleteDiscussion(ctx, tx, discussionID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "discussion.deleted", discussionID, "discussion", discussionID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// GetDiscussion returns a discussion with its task overviews.
func (e Engine) GetDiscussion(ctx context.Context, discussionID string) (domain.Discussion, []domain.TaskOverview, error) {
	d, err := e.Store.GetDiscussion(ctx, discussionID)
	if err != nil {
		return domain.Discussion{}, nil, err
	}
	states, err := e.Store.ListTaskStates(ctx, discussionID)
	if err != nil {
		return domain.Discussion{}, nil, err
	}
	overviews := make([]domain.TaskOverview, 0, len(states))
	for _, ts := range states {
		count, err := e.Store.CountAnnotators(ctx, discussionID, ts.TaskID)
		if err != nil {
			return domain.Discussion{}, nil, err
		}
		flags, err := e.Store.ActiveFlagCount(ctx, discussionID, ts.TaskID)
		if err != nil {
			return domain.Discussion{}, nil, err
		}
		overviews = append(overviews, domain.TaskOverview{
			TaskState:      ts,
			AnnotatorCount: count,
			RequiredCount:  e.Catalog.RequiredAnnotators(ts.TaskID),
			ActiveFlags:    flags,
		})
	}
	return d, overviews, nil
}

// ListDiscussions returns discussions matching the filters.
func (e Engine) ListDiscussions(ctx context.Context, f store.DiscussionFilters) ([]domain.Discussion, error) {
	return e.Store.ListDiscussions(ctx, f)
}

// decodeStrict decodes and validates an incoming payload, mapping decode
// issues onto field errors so the caller sees every problem at once.
func (e Engine) decodeStrict(taskID int, data map[string]any) ([]domain.FormSubmission, string, error) {
	forms, issues := e.Catalog.DecodeData(taskID, data)
	if len(issues) > 0 {
		errs := make([]schema.FieldError, 0, len(issues))
		for _, is := range issues {
			errs = append(errs, schema.FieldError{Field: is.Field, Message: is.Detail})
		}
		return nil, "", schema.AsError(errs)
	}
	forms = schema.CleanForms(forms)
	if err := e.Catalog.ValidateSubmission(taskID, forms); err != nil {
		return nil, "", err
	}
	dataJSON, err := domain.MarshalForms(forms)
	if err != nil {
		return nil, "", fmt.Errorf("encode annotation: %w", err)
	}
	return forms, dataJSON, nil
}

// SubmitOptions are parameters for one annotator's submission.
type SubmitOptions struct {
	DiscussionID string
	TaskID       int
	UserID       string
	Data         map[string]any
	ActorID      string
}

// SubmitAnnotation validates and stores one annotator's work. A
// resubmission by the same annotator replaces their previous one. The task
// must currently accept submissions.
func (e Engine) SubmitAnnotation(ctx context.Context, opts SubmitOptions) (domain.RawAnnotation, error) {
	if opts.DiscussionID == "" {
		return domain.RawAnnotation{}, errors.New("discussion is required")
	}
	if opts.UserID == "" {
		opts.UserID = opts.ActorID
	}
	if opts.UserID == "" {
		return domain.RawAnnotation{}, errors.New("user is required")
	}
	if err := e.Auth.Require(ctx, nil, opts.ActorID, config.PermAnnotationSubmit); err != nil {
		return domain.RawAnnotation{}, err
	}
	if _, ok := e.Catalog.Form(opts.TaskID); !ok {
		return domain.RawAnnotation{}, fmt.Errorf("unknown task %d", opts.TaskID)
	}
	_, dataJSON, err := e.decodeStrict(opts.TaskID, opts.Data)
	if err != nil {
		return domain.RawAnnotation{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RawAnnotation{}, err
	}
	defer tx.Rollback()

	state, err := e.Store.GetTaskStateTx(ctx, tx, opts.DiscussionID, opts.TaskID)
	if err != nil {
		return domain.RawAnnotation{}, err
	}
	if !state.Status.AcceptsSubmissions() {
		return domain.RawAnnotation{}, ConflictError{Msg: fmt.Sprintf("task %d is %s and not accepting submissions", opts.TaskID, state.Status)}
	}

	a := domain.RawAnnotation{
		DiscussionID: opts.DiscussionID,
		UserID:       opts.UserID,
		TaskID:       opts.TaskID,
		DataJSON:     dataJSON,
		SubmittedAt:  e.nowRFC(),
	}
	if err := e.Store.EnsureActor(ctx, tx, opts.UserID, a.SubmittedAt); err != nil {
		return domain.RawAnnotation{}, err
	}
	if err := e.Store.SaveAnnotationTx(ctx, tx, a); err != nil {
		return domain.RawAnnotation{}, fmt.Errorf("save annotation: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "annotation.submitted", opts.DiscussionID, "annotation", opts.UserID, opts.ActorID, events.EventPayload{"task": opts.TaskID}); err != nil {
		return domain.RawAnnotation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RawAnnotation{}, err
	}
	return a, nil
}

// OverrideOptions are parameters for replacing an annotator's submission.
type OverrideOptions struct {
	DiscussionID string
	TaskID       int
	UserID       string
	Data         map[string]any
	ActorID      string
}

// OverrideAnnotation replaces an annotator's stored payload on a pod
// lead's authority. The row keeps its author and submission time; who
// overrode it and when is recorded alongside.
func (e Engine) OverrideAnnotation(ctx context.Context, opts OverrideOptions) (domain.RawAnnotation, error) {
	if opts.UserID == "" {
		return domain.RawAnnotation{}, errors.New("user is required")
	}
	if err := e.Auth.Require(ctx, nil, opts.ActorID, config.PermOverride); err != nil {
		return domain.RawAnnotation{}, err
	}
	_, dataJSON, err := e.decodeStrict(opts.TaskID, opts.Data)
	if err != nil {
		return domain.RawAnnotation{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RawAnnotation{}, err
	}
	defer tx.Rollback()
	now := e.nowRFC()
	if err := e.Store.OverrideAnnotationTx(ctx, tx, opts.DiscussionID, opts.UserID, opts.TaskID, dataJSON, opts.ActorID, now); err != nil {
		return domain.RawAnnotation{}, err
	}
	if err := e.Events.Append(ctx, tx, "annotation.overridden", opts.DiscussionID, "annotation", opts.UserID, opts.ActorID, events.EventPayload{"task": opts.TaskID}); err != nil {
		return domain.RawAnnotation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RawAnnotation{}, err
	}
	return e.Store.GetUserAnnotation(ctx, opts.DiscussionID, opts.UserID, opts.TaskID)
}

// GetUserAnnotation returns one annotator's submission for a task.
func (e Engine) GetUserAnnotation(ctx context.Context, discussionID, userID string, taskID int, actorID string) (domain.RawAnnotation, error) {
	if err := e.Auth.Require(ctx, nil, actorID, config.PermAnnotationRead); err != nil {
		return domain.RawAnnotation{}, err
	}
	return e.Store.GetUserAnnotation(ctx, discussionID, userID, taskID)
}

// AnnotationsForTask returns every submission for a pair in
// submission-time order.
func (e Engine) AnnotationsForTask(ctx context.Context, discussionID string, taskID int, actorID string) ([]domain.RawAnnotation, error) {
	if err := e.Auth.Require(ctx, nil, actorID, config.PermAnnotationRead); err != nil {
		return nil, err
	}
	return e.Store.AnnotationsForTask(ctx, discussionID, taskID)
}

// submissions decodes stored annotations into snapshots for the pure
// aggregation and agreement code. Undecodable fields are logged and
// excluded rather than failing the computation.
func (e Engine) submissions(ctx context.Context, tx *sql.Tx, discussionID string, taskID int) ([]domain.Submission, error) {
	var rows []domain.RawAnnotation
	var err error
	if tx != nil {
		rows, err = e.Store.AnnotationsForTaskTx(ctx, tx, discussionID, taskID)
	} else {
		rows, err = e.Store.AnnotationsForTask(ctx, discussionID, taskID)
	}
	if err != nil {
		return nil, err
	}
	subs := make([]domain.Submission, 0, len(rows))
	for _, row := range rows {
		forms, issues := e.Catalog.DecodeJSON(taskID, row.DataJSON)
		for _, is := range issues {
			e.Log.Warn("excluding undecodable annotation field",
				zap.String("discussion", discussionID),
				zap.Int("task", taskID),
				zap.String("user", row.UserID),
				zap.String("field", is.Field),
				zap.String("detail", is.Detail))
		}
		subs = append(subs, domain.Submission{
			UserID:      row.UserID,
			SubmittedAt: row.SubmittedAt,
			Overridden:  row.Overridden(),
			Forms:       forms,
		})
	}
	return subs, nil
}
