package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"tallyline/internal/agreement"
	"tallyline/internal/config"
	"tallyline/internal/domain"
	"tallyline/internal/events"
	"tallyline/internal/store"
)

// StatusOptions are parameters for a direct task status change.
type StatusOptions struct {
	DiscussionID string
	TaskID       int
	Status       domain.TaskStatus
	Force        bool
	ActorID      string
}

// SetTaskStatus moves a task to the given status. Illegal transitions and
// unmet gates are refused unless forced. Setting the current status again
// is a no-op.
func (e Engine) SetTaskStatus(ctx context.Context, opts StatusOptions) (domain.TaskState, error) {
	if err := e.Auth.Require(ctx, nil, opts.ActorID, config.PermWorkflowStatus); err != nil {
		return domain.TaskState{}, err
	}
	return e.setStatusOne(ctx, opts)
}

func (e Engine) setStatusOne(ctx context.Context, opts StatusOptions) (domain.TaskState, error) {
	if !opts.Status.Valid() {
		return domain.TaskState{}, fmt.Errorf("unknown status %q", opts.Status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskState{}, err
	}
	defer tx.Rollback()

	state, err := e.Store.GetTaskStateTx(ctx, tx, opts.DiscussionID, opts.TaskID)
	if err != nil {
		return domain.TaskState{}, err
	}
	if state.Status == opts.Status {
		return state, nil
	}
	if !state.Status.CanTransitionTo(opts.Status) && !opts.Force {
		return domain.TaskState{}, ConflictError{Msg: fmt.Sprintf("illegal transition %s -> %s", state.Status, opts.Status)}
	}
	if !opts.Force {
		if err := e.checkStatusGates(ctx, tx, state, opts.Status); err != nil {
			return domain.TaskState{}, err
		}
	}
	updated, err := e.transitionTx(ctx, tx, state, opts.Status, opts.ActorID)
	if err != nil {
		return domain.TaskState{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskState{}, err
	}
	return updated, nil
}

// checkStatusGates enforces the entry conditions a forced change may
// bypass: completed needs consensus, full coverage and agreement at the
// threshold; unlocked needs the predecessor finished; blocked needs an
// active flag.
func (e Engine) checkStatusGates(ctx context.Context, tx *sql.Tx, state domain.TaskState, target domain.TaskStatus) error {
	switch target {
	case domain.StatusCompleted:
		form, ok := e.Catalog.Form(state.TaskID)
		if !ok {
			return fmt.Errorf("unknown task %d", state.TaskID)
		}
		if _, err := e.Store.GetConsensusTx(ctx, tx, state.DiscussionID, state.TaskID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ConflictError{Msg: "completion requires a consensus annotation"}
			}
			return err
		}
		subs, err := e.submissions(ctx, tx, state.DiscussionID, state.TaskID)
		if err != nil {
			return err
		}
		if len(subs) < form.RequiredAnnotators {
			return ConflictError{Msg: fmt.Sprintf("completion requires %d annotators, have %d", form.RequiredAnnotators, len(subs))}
		}
		rep := agreement.Compute(subs, form)
		if rep.Overall < e.Config.Threshold() {
			return ConflictError{Msg: fmt.Sprintf("agreement %.1f below threshold %.1f", rep.Overall, e.Config.Threshold())}
		}
	case domain.StatusUnlocked:
		if state.Status != domain.StatusLocked {
			return nil
		}
		prev, ok := e.predecessor(state.TaskID)
		if !ok {
			return nil
		}
		prevState, err := e.Store.GetTaskStateTx(ctx, tx, state.DiscussionID, prev)
		if err != nil {
			return err
		}
		if prevState.Status != domain.StatusReadyForNext {
			return ConflictError{Msg: fmt.Sprintf("task %d is %s; finish it before unlocking task %d", prev, prevState.Status, state.TaskID)}
		}
	case domain.StatusBlocked:
		n, err := e.Store.ActiveFlagCountTx(ctx, tx, state.DiscussionID, state.TaskID)
		if err != nil {
			return err
		}
		if n == 0 {
			return ConflictError{Msg: "blocking requires an active flag"}
		}
	}
	return nil
}

// transitionTx writes the status change and its event. Entering blocked
// records the current status for the later restore; every other move
// clears it. Reaching ready_for_next unlocks the successor task.
func (e Engine) transitionTx(ctx context.Context, tx *sql.Tx, state domain.TaskState, target domain.TaskStatus, actorID string) (domain.TaskState, error) {
	var prior *string
	if target == domain.StatusBlocked {
		p := string(state.Status)
		prior = &p
	}
	now := e.nowRFC()
	if err := e.Store.UpdateTaskStatusTx(ctx, tx, state.DiscussionID, state.TaskID, target, prior, now); err != nil {
		return domain.TaskState{}, err
	}
	err := e.Events.Append(ctx, tx, "task.status_changed", state.DiscussionID, "task", fmt.Sprintf("%s/%d", state.DiscussionID, state.TaskID), actorID,
		events.EventPayload{"task": state.TaskID, "from": string(state.Status), "to": string(target)})
	if err != nil {
		return domain.TaskState{}, err
	}
	if target == domain.StatusReadyForNext {
		if next, ok := e.successor(state.TaskID); ok {
			nextState, err := e.Store.GetTaskStateTx(ctx, tx, state.DiscussionID, next)
			if err != nil {
				return domain.TaskState{}, err
			}
			if nextState.Status == domain.StatusLocked {
				if err := e.Store.UpdateTaskStatusTx(ctx, tx, state.DiscussionID, next, domain.StatusUnlocked, nil, now); err != nil {
					return domain.TaskState{}, err
				}
				err = e.Events.Append(ctx, tx, "task.status_changed", state.DiscussionID, "task", fmt.Sprintf("%s/%d", state.DiscussionID, next), actorID,
					events.EventPayload{"task": next, "from": string(domain.StatusLocked), "to": string(domain.StatusUnlocked)})
				if err != nil {
					return domain.TaskState{}, err
				}
			}
		}
	}
	return domain.TaskState{
		DiscussionID: state.DiscussionID,
		TaskID:       state.TaskID,
		Status:       target,
		PriorStatus:  prior,
		UpdatedAt:    now,
	}, nil
}

func (e Engine) predecessor(taskID int) (int, bool) {
	ids := e.Catalog.TaskIDs()
	for i, id := range ids {
		if id == taskID && i > 0 {
			return ids[i-1], true
		}
	}
	return 0, false
}

func (e Engine) successor(taskID int) (int, bool) {
	ids := e.Catalog.TaskIDs()
	for i, id := range ids {
		if id == taskID && i+1 < len(ids) {
			return ids[i+1], true
		}
	}
	return 0, false
}

// UnlockNext marks a completed task ready_for_next, which unlocks the
// successor task in the same transaction.
func (e Engine) UnlockNext(ctx context.Context, discussionID string, taskID int, actorID string) (domain.TaskState, error) {
	if err := e.Auth.Require(ctx, nil, actorID, config.PermWorkflowUnlock); err != nil {
		return domain.TaskState{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskState{}, err
	}
	defer tx.Rollback()
	state, err := e.Store.GetTaskStateTx(ctx, tx, discussionID, taskID)
	if err != nil {
		return domain.TaskState{}, err
	}
	if !state.Status.CanTransitionTo(domain.StatusReadyForNext) {
		return domain.TaskState{}, ConflictError{Msg: fmt.Sprintf("task %d is %s; only completed tasks unlock the next one", taskID, state.Status)}
	}
	updated, err := e.transitionTx(ctx, tx, state, domain.StatusReadyForNext, actorID)
	if err != nil {
		return domain.TaskState{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskState{}, err
	}
	return updated, nil
}

// BulkStatusOptions are parameters for a bulk status change.
type BulkStatusOptions struct {
	DiscussionIDs []string
	TaskID        int
	Status        domain.TaskStatus
	Force         bool
	ActorID       string
}

// BulkSetTaskStatus applies one status change across discussions. Items
// are isolated; a refused or failed item records its outcome and the rest
// proceed.
func (e Engine) BulkSetTaskStatus(ctx context.Context, opts BulkStatusOptions) (domain.BulkSummary, error) {
	var summary domain.BulkSummary
	if err := e.Auth.Require(ctx, nil, opts.ActorID, config.PermWorkflowBulk); err != nil {
		return summary, err
	}
	for _, discussionID := range opts.DiscussionIDs {
		item := domain.ItemResult{DiscussionID: discussionID, TaskID: opts.TaskID}
		state, err := e.Store.GetTaskState(ctx, discussionID, opts.TaskID)
		if err == nil && state.Status == opts.Status {
			item.Outcome = domain.OutcomeSkipped
			item.Reason = fmt.Sprintf("already %s", opts.Status)
			summary.Add(item)
			continue
		}
		_, err = e.setStatusOne(ctx, StatusOptions{
			DiscussionID: discussionID,
			TaskID:       opts.TaskID,
			Status:       opts.Status,
			Force:        opts.Force,
			ActorID:      opts.ActorID,
		})
		if err != nil {
			item.Outcome = domain.OutcomeFailed
			item.Reason = err.Error()
			summary.Add(item)
			continue
		}
		item.Outcome = domain.OutcomeOK
		summary.Add(item)
	}
	return summary, nil
}

// EvaluateUnlockCandidates surveys a task across all discussions:
// pairs with full coverage and no consensus yet, and completed pairs
// waiting for an explicit unlock.
func (e Engine) EvaluateUnlockCandidates(ctx context.Context, taskID int, actorID string) (domain.UnlockCandidates, error) {
	var out domain.UnlockCandidates
	if err := e.Auth.Require(ctx, nil, actorID, config.PermWorkflowUnlock); err != nil {
		return out, err
	}
	var open []domain.TaskState
	for _, status := range []domain.TaskStatus{domain.StatusUnlocked, domain.StatusRework} {
		batch, err := e.Store.PairsByStatus(ctx, taskID, status)
		if err != nil {
			return out, err
		}
		open = append(open, batch...)
	}
	for _, pair := range open {
		form, ok := e.Catalog.Form(pair.TaskID)
		if !ok {
			continue
		}
		count, err := e.Store.CountAnnotators(ctx, pair.DiscussionID, pair.TaskID)
		if err != nil {
			return out, err
		}
		if count < form.RequiredAnnotators {
			continue
		}
		if _, err := e.Store.GetConsensus(ctx, pair.DiscussionID, pair.TaskID); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return out, err
		}
		subs, err := e.submissions(ctx, nil, pair.DiscussionID, pair.TaskID)
		if err != nil {
			return out, err
		}
		rep := agreement.Compute(subs, form)
		overall := rep.Overall
		out.ReadyForConsensus = append(out.ReadyForConsensus, domain.Candidate{
			DiscussionID:   pair.DiscussionID,
			TaskID:         pair.TaskID,
			AnnotatorCount: count,
			RequiredCount:  form.RequiredAnnotators,
			Agreement:      &overall,
		})
	}
	done, err := e.Store.PairsByStatus(ctx, taskID, domain.StatusCompleted)
	if err != nil {
		return out, err
	}
	for _, pair := range done {
		form, ok := e.Catalog.Form(pair.TaskID)
		if !ok {
			continue
		}
		count, err := e.Store.CountAnnotators(ctx, pair.DiscussionID, pair.TaskID)
		if err != nil {
			return out, err
		}
		out.ReadyForUnlock = append(out.ReadyForUnlock, domain.Candidate{
			DiscussionID:   pair.DiscussionID,
			TaskID:         pair.TaskID,
			AnnotatorCount: count,
			RequiredCount:  form.RequiredAnnotators,
		})
	}
	return out, nil
}

// FlagOptions are parameters for raising a flag.
type FlagOptions struct {
	DiscussionID string
	TaskID       int
	Reason       string
	ActorID      string
}

// FlagTask raises a flag on a pair and blocks the task, remembering the
// status it held so resolution can restore it.
func (e Engine) FlagTask(ctx context.Context, opts FlagOptions) (domain.Flag, error) {
	if opts.Reason == "" {
		return domain.Flag{}, errors.New("reason is required")
	}
	if err := e.Auth.Require(ctx, nil, opts.ActorID, config.PermFlagAdd); err != nil {
		return domain.Flag{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Flag{}, err
	}
	defer tx.Rollback()

	state, err := e.Store.GetTaskStateTx(ctx, tx, opts.DiscussionID, opts.TaskID)
	if err != nil {
		return domain.Flag{}, err
	}
	f := domain.Flag{
		ID:           uuid.New().String(),
		DiscussionID: opts.DiscussionID,
		TaskID:       opts.TaskID,
		FlaggedBy:    opts.ActorID,
		Reason:       opts.Reason,
		Status:       domain.FlagActive,
		CreatedAt:    e.nowRFC(),
	}
	if err := e.Store.InsertFlagTx(ctx, tx, f); err != nil {
		return domain.Flag{}, fmt.Errorf("insert flag: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "flag.added", opts.DiscussionID, "flag", f.ID, opts.ActorID, events.EventPayload{"task": opts.TaskID, "reason": opts.Reason}); err != nil {
		return domain.Flag{}, err
	}
	if state.Status != domain.StatusBlocked {
		if _, err := e.transitionTx(ctx, tx, state, domain.StatusBlocked, opts.ActorID); err != nil {
			return domain.Flag{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Flag{}, err
	}
	return f, nil
}

// ResolveFlag marks a flag resolved. When it was the last active flag on
// the pair the task returns to the status it held before blocking.
func (e Engine) ResolveFlag(ctx context.Context, flagID, actorID string) (domain.Flag, error) {
	if err := e.Auth.Require(ctx, nil, actorID, config.PermFlagResolve); err != nil {
		return domain.Flag{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Flag{}, err
	}
	defer tx.Rollback()

	f, err := e.Store.GetFlagTx(ctx, tx, flagID)
	if err != nil {
		return domain.Flag{}, err
	}
	if f.Status != domain.FlagActive {
		return domain.Flag{}, ConflictError{Msg: fmt.Sprintf("flag %s is already resolved", flagID)}
	}
	now := e.nowRFC()
	if err := e.Store.ResolveFlagTx(ctx, tx, flagID, actorID, now); err != nil {
		return domain.Flag{}, err
	}
	if err := e.Events.Append(ctx, tx, "flag.resolved", f.DiscussionID, "flag", f.ID, actorID, events.EventPayload{"task": f.TaskID}); err != nil {
		return domain.Flag{}, err
	}
	remaining, err := e.Store.ActiveFlagCountTx(ctx, tx, f.DiscussionID, f.TaskID)
	if err != nil {
		return domain.Flag{}, err
	}
	if remaining == 0 {
		state, err := e.Store.GetTaskStateTx(ctx, tx, f.DiscussionID, f.TaskID)
		if err != nil {
			return domain.Flag{}, err
		}
		if state.Status == domain.StatusBlocked {
			restore := domain.StatusUnlocked
			if state.PriorStatus != nil && domain.TaskStatus(*state.PriorStatus).Valid() {
				restore = domain.TaskStatus(*state.PriorStatus)
			}
			if _, err := e.transitionTx(ctx, tx, state, restore, actorID); err != nil {
				return domain.Flag{}, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Flag{}, err
	}
	return e.Store.GetFlag(ctx, flagID)
}

// ListFlags returns flags matching the filters.
func (e Engine) ListFlags(ctx context.Context, f store.FlagFilters, actorID string) ([]domain.Flag, error) {
	if err := e.Auth.Require(ctx, nil, actorID, config.PermAnnotationRead); err != nil {
		return nil, err
	}
	return e.Store.ListFlags(ctx, f)
}

// ListEvents returns recent events, optionally scoped to one discussion.
func (e Engine) ListEvents(ctx context.Context, discussionID string, limit int, actorID string) ([]domain.Event, error) {
	if err := e.Auth.Require(ctx, nil, actorID, config.PermEventsRead); err != nil {
		return nil, err
	}
	return e.Store.ListEvents(ctx, discussionID, limit)
}
