package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"tallyline/internal/agreement"
	"tallyline/internal/config"
	"tallyline/internal/consensus"
	"tallyline/internal/domain"
	"tallyline/internal/events"
	"tallyline/internal/schema"
	"tallyline/internal/store"
)

// GetConsensus returns the stored consensus annotation for a pair.
func (e Engine) GetConsensus(ctx context.Context, discussionID string, taskID int, actorID string) (domain.ConsensusAnnotation, error) {
	if err := e.Auth.Require(ctx, nil, actorID, config.PermAnnotationRead); err != nil {
		return domain.ConsensusAnnotation{}, err
	}
	return e.Store.GetConsensus(ctx, discussionID, taskID)
}

// Proposal is a consensus candidate computed without writing anything.
// Existing means a stored consensus was returned unmodified instead of a
// fresh aggregate. MissingData marks an empty candidate built from zero
// submissions.
type Proposal struct {
	Consensus   domain.ConsensusAnnotation `json:"consensus"`
	Existing    bool                       `json:"existing"`
	MissingData bool                       `json:"missing_data,omitempty"`
	Agreement   domain.AgreementReport     `json:"agreement"`
}

// ProposeConsensus aggregates current submissions into a candidate. A pair
// that already has a consensus gets that row back untouched; aggregation
// never overwrites.
func (e Engine) ProposeConsensus(ctx context.Context, discussionID string, taskID int, actorID string) (Proposal, error) {
	if err := e.Auth.Require(ctx, nil, actorID, config.PermAnnotationRead); err != nil {
		return Proposal{}, err
	}
	form, ok := e.Catalog.Form(taskID)
	if !ok {
		return Proposal{}, fmt.Errorf("unknown task %d", taskID)
	}
	subs, err := e.submissions(ctx, nil, discussionID, taskID)
	if err != nil {
		return Proposal{}, err
	}
	rep := agreement.Compute(subs, form)
	rep.DiscussionID = discussionID
	rep.TaskID = taskID

	existing, err := e.Store.GetConsensus(ctx, discussionID, taskID)
	if err == nil {
		return Proposal{Consensus: existing, Existing: true, Agreement: rep}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Proposal{}, err
	}

	res := consensus.Aggregate(subs, form)
	wire, err := res.WireJSON()
	if err != nil {
		return Proposal{}, fmt.Errorf("encode consensus: %w", err)
	}
	return Proposal{
		Consensus: domain.ConsensusAnnotation{
			DiscussionID: discussionID,
			TaskID:       taskID,
			DataJSON:     wire,
			CreatedBy:    actorID,
			UpdatedAt:    e.nowRFC(),
		},
		MissingData: res.MissingData,
		Agreement:   rep,
	}, nil
}

// ConsensusOptions are parameters for saving a consensus annotation. A nil
// Data aggregates current submissions; a payload saves the pod lead's own
// result and marks the row overridden.
type ConsensusOptions struct {
	DiscussionID string
	TaskID       int
	Data         map[string]any
	Stars        *int
	Comment      *string
	Force        bool
	ActorID      string
}

// SaveConsensus stores the consensus for a pair, replacing any previous
// row. Regenerating from submissions over an existing consensus is refused
// unless forced; an explicit payload always replaces. When the completion
// gates pass the task moves to completed in the same transaction.
func (e Engine) SaveConsensus(ctx context.Context, opts ConsensusOptions) (domain.ConsensusAnnotation, error) {
	if err := e.Auth.Require(ctx, nil, opts.ActorID, config.PermConsensusSave); err != nil {
		return domain.ConsensusAnnotation{}, err
	}
	form, ok := e.Catalog.Form(opts.TaskID)
	if !ok {
		return domain.ConsensusAnnotation{}, fmt.Errorf("unknown task %d", opts.TaskID)
	}
	if opts.Stars != nil && (*opts.Stars < 1 || *opts.Stars > 5) {
		return domain.ConsensusAnnotation{}, schema.AsError([]schema.FieldError{{Field: "stars", Message: "stars must be between 1 and 5"}})
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ConsensusAnnotation{}, err
	}
	defer tx.Rollback()

	state, err := e.Store.GetTaskStateTx(ctx, tx, opts.DiscussionID, opts.TaskID)
	if err != nil {
		return domain.ConsensusAnnotation{}, err
	}
	switch state.Status {
	case domain.StatusLocked, domain.StatusBlocked:
		return domain.ConsensusAnnotation{}, ConflictError{Msg: fmt.Sprintf("task %d is %s; consensus cannot be saved", opts.TaskID, state.Status)}
	}

	_, getErr := e.Store.GetConsensusTx(ctx, tx, opts.DiscussionID, opts.TaskID)
	exists := getErr == nil
	if getErr != nil && !errors.Is(getErr, store.ErrNotFound) {
		return domain.ConsensusAnnotation{}, getErr
	}

	c := domain.ConsensusAnnotation{
		DiscussionID: opts.DiscussionID,
		TaskID:       opts.TaskID,
		Stars:        opts.Stars,
		Comment:      opts.Comment,
		CreatedBy:    opts.ActorID,
		UpdatedAt:    e.nowRFC(),
	}
	mode := "aggregate"
	subs, err := e.submissions(ctx, tx, opts.DiscussionID, opts.TaskID)
	if err != nil {
		return domain.ConsensusAnnotation{}, err
	}
	if opts.Data == nil {
		if exists && !opts.Force {
			return domain.ConsensusAnnotation{}, ConflictError{Msg: "consensus already exists; pass force to regenerate"}
		}
		if len(subs) == 0 {
			return domain.ConsensusAnnotation{}, ErrNoAnnotations
		}
		res := consensus.Aggregate(subs, form)
		if res.MissingData {
			return domain.ConsensusAnnotation{}, ErrNoAnnotations
		}
		if err := e.Catalog.ValidateSubmission(opts.TaskID, res.Forms); err != nil {
			return domain.ConsensusAnnotation{}, err
		}
		c.DataJSON, err = res.WireJSON()
		if err != nil {
			return domain.ConsensusAnnotation{}, fmt.Errorf("encode consensus: %w", err)
		}
	} else {
		mode = "manual"
		forms, _, err := e.decodeStrict(opts.TaskID, opts.Data)
		if err != nil {
			return domain.ConsensusAnnotation{}, err
		}
		res := consensus.FromForms(forms, form)
		c.DataJSON, err = res.WireJSON()
		if err != nil {
			return domain.ConsensusAnnotation{}, fmt.Errorf("encode consensus: %w", err)
		}
		c.OverriddenByPodLead = true
	}

	if err := e.Store.SaveConsensusTx(ctx, tx, c); err != nil {
		return domain.ConsensusAnnotation{}, fmt.Errorf("save consensus: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "consensus.saved", opts.DiscussionID, "consensus", fmt.Sprintf("%s/%d", opts.DiscussionID, opts.TaskID), opts.ActorID, events.EventPayload{"task": opts.TaskID, "mode": mode}); err != nil {
		return domain.ConsensusAnnotation{}, err
	}
	if _, err := e.completeIfReady(ctx, tx, state, form, subs, e.Config.Threshold(), opts.ActorID); err != nil {
		return domain.ConsensusAnnotation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ConsensusAnnotation{}, err
	}
	return c, nil
}

// completeIfReady moves a task to completed when the gates hold: enough
// annotators, consensus saved in this transaction, agreement at or above
// the threshold, and a legal transition from the current status.
func (e Engine) completeIfReady(ctx context.Context, tx *sql.Tx, state domain.TaskState, form schema.TaskForm, subs []domain.Submission, threshold float64, actorID string) (bool, error) {
	if !state.Status.CanTransitionTo(domain.StatusCompleted) {
		return false, nil
	}
	if len(subs) < form.RequiredAnnotators {
		return false, nil
	}
	rep := agreement.Compute(subs, form)
	if rep.Overall < threshold {
		return false, nil
	}
	if err := e.Store.UpdateTaskStatusTx(ctx, tx, state.DiscussionID, state.TaskID, domain.StatusCompleted, nil, e.nowRFC()); err != nil {
		return false, err
	}
	err := e.Events.Append(ctx, tx, "task.status_changed", state.DiscussionID, "task", fmt.Sprintf("%s/%d", state.DiscussionID, state.TaskID), actorID,
		events.EventPayload{"task": state.TaskID, "from": string(state.Status), "to": string(domain.StatusCompleted)})
	if err != nil {
		return false, err
	}
	return true, nil
}

// AutoConsensusOptions are parameters for the auto-consensus sweep.
type AutoConsensusOptions struct {
	TaskID    int
	Threshold float64
	DryRun    bool
	ActorID   string
}

// AutoCreateConsensus sweeps pairs that are accepting work and creates
// consensus for every one whose gates pass. Pairs with a full annotator
// count but agreement below the threshold are routed to rework. Items are
// isolated: a failure records an outcome and the sweep moves on.
func (e Engine) AutoCreateConsensus(ctx context.Context, opts AutoConsensusOptions) (domain.BulkSummary, error) {
	var summary domain.BulkSummary
	if err := e.Auth.Require(ctx, nil, opts.ActorID, config.PermConsensusSave); err != nil {
		return summary, err
	}
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = e.Config.Threshold()
	}
	if threshold < 0 || threshold > 100 {
		return summary, schema.AsError([]schema.FieldError{{Field: "threshold", Message: "threshold must be within 0-100"}})
	}
	var pairs []domain.TaskState
	for _, status := range []domain.TaskStatus{domain.StatusUnlocked, domain.StatusRework} {
		batch, err := e.Store.PairsByStatus(ctx, opts.TaskID, status)
		if err != nil {
			return summary, err
		}
		pairs = append(pairs, batch...)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].DiscussionID != pairs[j].DiscussionID {
			return pairs[i].DiscussionID < pairs[j].DiscussionID
		}
		return pairs[i].TaskID < pairs[j].TaskID
	})
	for _, pair := range pairs {
		summary.Add(e.autoOne(ctx, pair, threshold, opts.DryRun, opts.ActorID))
	}
	return summary, nil
}

func (e Engine) autoOne(ctx context.Context, pair domain.TaskState, threshold float64, dryRun bool, actorID string) domain.ItemResult {
	item := domain.ItemResult{DiscussionID: pair.DiscussionID, TaskID: pair.TaskID}
	form, ok := e.Catalog.Form(pair.TaskID)
	if !ok {
		item.Outcome = domain.OutcomeFailed
		item.Reason = fmt.Sprintf("unknown task %d", pair.TaskID)
		return item
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		item.Outcome = domain.OutcomeFailed
		item.Reason = err.Error()
		return item
	}
	defer tx.Rollback()

	if _, err := e.Store.GetConsensusTx(ctx, tx, pair.DiscussionID, pair.TaskID); err == nil {
		item.Outcome = domain.OutcomeSkipped
		item.Reason = "consensus already exists"
		return item
	} else if !errors.Is(err, store.ErrNotFound) {
		item.Outcome = domain.OutcomeFailed
		item.Reason = err.Error()
		return item
	}

	subs, err := e.submissions(ctx, tx, pair.DiscussionID, pair.TaskID)
	if err != nil {
		item.Outcome = domain.OutcomeFailed
		item.Reason = err.Error()
		return item
	}
	if len(subs) < form.RequiredAnnotators {
		item.Outcome = domain.OutcomeSkipped
		item.Reason = fmt.Sprintf("annotators %d of %d", len(subs), form.RequiredAnnotators)
		return item
	}
	rep := agreement.Compute(subs, form)
	if rep.Overall < threshold {
		item.Outcome = domain.OutcomeSkipped
		item.Reason = fmt.Sprintf("agreement %.1f below threshold %.1f", rep.Overall, threshold)
		if dryRun || !pair.Status.CanTransitionTo(domain.StatusRework) {
			return item
		}
		// Enough annotators but they disagree: the pair goes back for
		// resubmission rather than waiting in unlocked forever.
		if err := e.Store.UpdateTaskStatusTx(ctx, tx, pair.DiscussionID, pair.TaskID, domain.StatusRework, nil, e.nowRFC()); err != nil {
			item.Outcome = domain.OutcomeFailed
			item.Reason = err.Error()
			return item
		}
		if err := e.Events.Append(ctx, tx, "task.status_changed", pair.DiscussionID, "task", fmt.Sprintf("%s/%d", pair.DiscussionID, pair.TaskID), actorID,
			events.EventPayload{"task": pair.TaskID, "from": string(pair.Status), "to": string(domain.StatusRework), "reason": "agreement below threshold"}); err != nil {
			item.Outcome = domain.OutcomeFailed
			item.Reason = err.Error()
			return item
		}
		if err := tx.Commit(); err != nil {
			item.Outcome = domain.OutcomeFailed
			item.Reason = err.Error()
			return item
		}
		item.Reason += "; routed to rework"
		return item
	}
	res := consensus.Aggregate(subs, form)
	if res.MissingData {
		item.Outcome = domain.OutcomeFailed
		item.Reason = "no aggregatable data"
		return item
	}
	if err := e.Catalog.ValidateSubmission(pair.TaskID, res.Forms); err != nil {
		item.Outcome = domain.OutcomeFailed
		item.Reason = err.Error()
		return item
	}
	if dryRun {
		item.Outcome = domain.OutcomeOK
		return item
	}

	wire, err := res.WireJSON()
	if err != nil {
		item.Outcome = domain.OutcomeFailed
		item.Reason = err.Error()
		return item
	}
	c := domain.ConsensusAnnotation{
		DiscussionID: pair.DiscussionID,
		TaskID:       pair.TaskID,
		DataJSON:     wire,
		CreatedBy:    actorID,
		UpdatedAt:    e.nowRFC(),
	}
	if err := e.Store.SaveConsensusTx(ctx, tx, c); err != nil {
		item.Outcome = domain.OutcomeFailed
		item.Reason = err.Error()
		return item
	}
	if err := e.Events.Append(ctx, tx, "consensus.saved", pair.DiscussionID, "consensus", fmt.Sprintf("%s/%d", pair.DiscussionID, pair.TaskID), actorID, events.EventPayload{"task": pair.TaskID, "mode": "auto"}); err != nil {
		item.Outcome = domain.OutcomeFailed
		item.Reason = err.Error()
		return item
	}
	if _, err := e.completeIfReady(ctx, tx, pair, form, subs, threshold, actorID); err != nil {
		item.Outcome = domain.OutcomeFailed
		item.Reason = err.Error()
		return item
	}
	if err := tx.Commit(); err != nil {
		item.Outcome = domain.OutcomeFailed
		item.Reason = err.Error()
		return item
	}
	item.Outcome = domain.OutcomeOK
	return item
}

// AgreementReport computes the agreement report for one pair.
func (e Engine) AgreementReport(ctx context.Context, discussionID string, taskID int, actorID string) (domain.AgreementReport, error) {
	if err := e.Auth.Require(ctx, nil, actorID, config.PermAnnotationRead); err != nil {
		return domain.AgreementReport{}, err
	}
	form, ok := e.Catalog.Form(taskID)
	if !ok {
		return domain.AgreementReport{}, fmt.Errorf("unknown task %d", taskID)
	}
	if _, err := e.Store.GetTaskState(ctx, discussionID, taskID); err != nil {
		return domain.AgreementReport{}, err
	}
	subs, err := e.submissions(ctx, nil, discussionID, taskID)
	if err != nil {
		return domain.AgreementReport{}, err
	}
	rep := agreement.Compute(subs, form)
	rep.DiscussionID = discussionID
	rep.TaskID = taskID
	return rep, nil
}

// AnnotatorReport scores every annotator across all their submitted pairs.
func (e Engine) AnnotatorReport(ctx context.Context, actorID string) ([]domain.AnnotatorStats, error) {
	if err := e.Auth.Require(ctx, nil, actorID, config.PermAnnotationRead); err != nil {
		return nil, err
	}
	pairs, err := e.Store.AnnotatedPairs(ctx)
	if err != nil {
		return nil, err
	}
	type acc struct {
		annotations int
		overridden  int
		sum         float64
		samples     int
	}
	totals := map[string]*acc{}
	grab := func(user string) *acc {
		a, ok := totals[user]
		if !ok {
			a = &acc{}
			totals[user] = a
		}
		return a
	}
	for _, pair := range pairs {
		form, ok := e.Catalog.Form(pair.TaskID)
		if !ok {
			continue
		}
		subs, err := e.submissions(ctx, nil, pair.DiscussionID, pair.TaskID)
		if err != nil {
			return nil, err
		}
		for _, s := range subs {
			a := grab(s.UserID)
			a.annotations++
			if s.Overridden {
				a.overridden++
			}
		}
		for user, rate := range agreement.AnnotatorRates(subs, form) {
			a := grab(user)
			a.sum += rate
			a.samples++
		}
	}
	floor := e.Config.Workflow.AnnotatorFloor
	out := make([]domain.AnnotatorStats, 0, len(totals))
	for user, a := range totals {
		stats := domain.AnnotatorStats{
			UserID:      user,
			Annotations: a.annotations,
			Overridden:  a.overridden,
		}
		if a.samples > 0 {
			stats.AvgRate = a.sum / float64(a.samples)
		}
		stats.Band = agreement.ClassifyAnnotator(stats.AvgRate, a.samples, floor)
		out = append(out, stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
