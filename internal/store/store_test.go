package store_test

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"tallyline/internal/db"
	"tallyline/internal/domain"
	"tallyline/internal/events"
	"tallyline/internal/migrate"
	"tallyline/internal/store"
)

var ctx = context.Background()

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.Store{DB: conn}
}

// inTx runs fn in a committed transaction and fails the test on any error.
func inTx(t *testing.T, s store.Store, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := s.DB.Begin()
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		t.Fatalf("tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// txErr runs fn in a transaction that is always rolled back and returns
// whatever fn returned, for asserting store errors.
func txErr(t *testing.T, s store.Store, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := s.DB.Begin()
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()
	return fn(tx)
}

func seedDiscussion(t *testing.T, s store.Store, id, createdAt string) {
	t.Helper()
	inTx(t, s, func(tx *sql.Tx) error {
		d := domain.Discussion{
			ID:         id,
			Repository: "acme/engine",
			Title:      "Race in pool shutdown",
			URL:        "https://github.com/acme/engine/discussions/77",
			CreatedAt:  createdAt,
		}
		if err := s.InsertDiscussion(ctx, tx, d); err != nil {
			return err
		}
		for task := 1; task <= 3; task++ {
			status := domain.StatusLocked
			if task == 1 {
				status = domain.StatusUnlocked
			}
			st := domain.TaskState{DiscussionID: id, TaskID: task, Status: status, UpdatedAt: createdAt}
			if err := s.InsertTaskState(ctx, tx, st); err != nil {
				return err
			}
		}
		return nil
	})
}

func saveAnnotation(t *testing.T, s store.Store, discussionID, userID string, taskID int, dataJSON, submittedAt string) {
	t.Helper()
	inTx(t, s, func(tx *sql.Tx) error {
		return s.SaveAnnotationTx(ctx, tx, domain.RawAnnotation{
			DiscussionID: discussionID,
			UserID:       userID,
			TaskID:       taskID,
			DataJSON:     dataJSON,
			SubmittedAt:  submittedAt,
		})
	})
}

func discussionIDs(ds []domain.Discussion) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}

func flagIDs(fs []domain.Flag) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.ID
	}
	return out
}

func TestDiscussionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	seedDiscussion(t, s, "disc-1", "2024-05-01T10:00:00Z")

	d, err := s.GetDiscussion(ctx, "disc-1")
	if err != nil {
		t.Fatalf("get discussion: %v", err)
	}
	if d.Repository != "acme/engine" || d.Title != "Race in pool shutdown" {
		t.Fatalf("unexpected discussion %+v", d)
	}
	if d.URL != "https://github.com/acme/engine/discussions/77" || d.CreatedAt != "2024-05-01T10:00:00Z" {
		t.Fatalf("unexpected discussion %+v", d)
	}

	if _, err := s.GetDiscussion(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteDiscussionCascades(t *testing.T) {
	s := newTestStore(t)
	seedDiscussion(t, s, "disc-1", "2024-05-01T10:00:00Z")
	saveAnnotation(t, s, "disc-1", "alice", 1, `{"relevance":"Relevant"}`, "2024-05-01T11:00:00Z")

	inTx(t, s, func(tx *sql.Tx) error { return s.DeleteDiscussion(ctx, tx, "disc-1") })

	if _, err := s.GetDiscussion(ctx, "disc-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("discussion survived delete: %v", err)
	}
	if _, err := s.GetTaskState(ctx, "disc-1", 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("task state survived delete: %v", err)
	}
	if _, err := s.GetUserAnnotation(ctx, "disc-1", "alice", 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("annotation survived delete: %v", err)
	}

	err := txErr(t, s, func(tx *sql.Tx) error { return s.DeleteDiscussion(ctx, tx, "disc-1") })
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second delete: expected ErrNotFound, got %v", err)
	}
}

func TestListDiscussionsCursor(t *testing.T) {
	s := newTestStore(t)
	seedDiscussion(t, s, "disc-a", "2024-05-01T10:00:00Z")
	seedDiscussion(t, s, "disc-b", "2024-05-01T11:00:00Z")
	seedDiscussion(t, s, "disc-c", "2024-05-01T11:00:00Z")

	all, err := s.ListDiscussions(ctx, store.DiscussionFilters{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	// Newest first, id breaks the created_at tie between b and c.
	if got := discussionIDs(all); !reflect.DeepEqual(got, []string{"disc-c", "disc-b", "disc-a"}) {
		t.Fatalf("unexpected order %v", got)
	}

	page, err := s.ListDiscussions(ctx, store.DiscussionFilters{Limit: 2})
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if got := discussionIDs(page); !reflect.DeepEqual(got, []string{"disc-c", "disc-b"}) {
		t.Fatalf("unexpected first page %v", got)
	}

	rest, err := s.ListDiscussions(ctx, store.DiscussionFilters{
		Limit:           2,
		CursorCreatedAt: page[1].CreatedAt,
		CursorID:        page[1].ID,
	})
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if got := discussionIDs(rest); !reflect.DeepEqual(got, []string{"disc-a"}) {
		t.Fatalf("unexpected second page %v", got)
	}
}

func TestListDiscussionsFilters(t *testing.T) {
	s := newTestStore(t)
	seedDiscussion(t, s, "disc-a", "2024-05-01T10:00:00Z")
	seedDiscussion(t, s, "disc-b", "2024-05-01T11:00:00Z")

	byRepo, err := s.ListDiscussions(ctx, store.DiscussionFilters{Repository: "acme/engine"})
	if err != nil {
		t.Fatalf("filter by repository: %v", err)
	}
	if len(byRepo) != 2 {
		t.Fatalf("expected 2 discussions, got %d", len(byRepo))
	}
	none, err := s.ListDiscussions(ctx, store.DiscussionFilters{Repository: "other/repo"})
	if err != nil {
		t.Fatalf("filter by unknown repository: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no discussions, got %d", len(none))
	}

	unlocked, err := s.ListDiscussions(ctx, store.DiscussionFilters{TaskID: 1, Status: "unlocked"})
	if err != nil {
		t.Fatalf("filter by task status: %v", err)
	}
	if len(unlocked) != 2 {
		t.Fatalf("expected both discussions unlocked on task 1, got %d", len(unlocked))
	}

	prior := "locked"
	inTx(t, s, func(tx *sql.Tx) error {
		return s.UpdateTaskStatusTx(ctx, tx, "disc-a", 2, domain.StatusUnlocked, &prior, "2024-05-01T12:00:00Z")
	})
	second, err := s.ListDiscussions(ctx, store.DiscussionFilters{TaskID: 2, Status: "unlocked"})
	if err != nil {
		t.Fatalf("filter by task 2 status: %v", err)
	}
	if got := discussionIDs(second); !reflect.DeepEqual(got, []string{"disc-a"}) {
		t.Fatalf("unexpected task 2 matches %v", got)
	}
}

func TestTaskStateUpdates(t *testing.T) {
	s := newTestStore(t)
	seedDiscussion(t, s, "disc-1", "2024-05-01T10:00:00Z")

	ts, err := s.GetTaskState(ctx, "disc-1", 1)
	if err != nil {
		t.Fatalf("get task state: %v", err)
	}
	if ts.Status != domain.StatusUnlocked || ts.PriorStatus != nil {
		t.Fatalf("unexpected initial state %+v", ts)
	}

	prior := "unlocked"
	inTx(t, s, func(tx *sql.Tx) error {
		return s.UpdateTaskStatusTx(ctx, tx, "disc-1", 1, domain.StatusRework, &prior, "2024-05-01T12:00:00Z")
	})
	ts, err = s.GetTaskState(ctx, "disc-1", 1)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if ts.Status != domain.StatusRework || ts.PriorStatus == nil || *ts.PriorStatus != "unlocked" {
		t.Fatalf("unexpected updated state %+v", ts)
	}
	if ts.UpdatedAt != "2024-05-01T12:00:00Z" {
		t.Fatalf("updated_at not written: %q", ts.UpdatedAt)
	}

	// A nil prior clears the column.
	inTx(t, s, func(tx *sql.Tx) error {
		return s.UpdateTaskStatusTx(ctx, tx, "disc-1", 1, domain.StatusUnlocked, nil, "2024-05-01T13:00:00Z")
	})
	ts, err = s.GetTaskState(ctx, "disc-1", 1)
	if err != nil {
		t.Fatalf("get after clear: %v", err)
	}
	if ts.PriorStatus != nil {
		t.Fatalf("prior status not cleared: %+v", ts)
	}

	err = txErr(t, s, func(tx *sql.Tx) error {
		return s.UpdateTaskStatusTx(ctx, tx, "disc-1", 9, domain.StatusBlocked, nil, "2024-05-01T13:00:00Z")
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("update of unknown task: expected ErrNotFound, got %v", err)
	}

	states, err := s.ListTaskStates(ctx, "disc-1")
	if err != nil {
		t.Fatalf("list task states: %v", err)
	}
	if len(states) != 3 {
		t.Fatalf("expected 3 task states, got %d", len(states))
	}
	for i, st := range states {
		if st.TaskID != i+1 {
			t.Fatalf("states out of task order: %+v", states)
		}
	}

	locked, err := s.PairsByStatus(ctx, 0, domain.StatusLocked)
	if err != nil {
		t.Fatalf("pairs by status: %v", err)
	}
	if len(locked) != 2 {
		t.Fatalf("expected tasks 2 and 3 locked, got %+v", locked)
	}
	onlyTask2, err := s.PairsByStatus(ctx, 2, domain.StatusLocked)
	if err != nil {
		t.Fatalf("pairs by status for task 2: %v", err)
	}
	if len(onlyTask2) != 1 || onlyTask2[0].TaskID != 2 {
		t.Fatalf("unexpected task 2 pairs %+v", onlyTask2)
	}
}

func TestStatusCountsAcrossBatch(t *testing.T) {
	s := newTestStore(t)
	seedDiscussion(t, s, "disc-1", "2024-05-01T10:00:00Z")
	seedDiscussion(t, s, "disc-2", "2024-05-01T11:00:00Z")

	counts, err := s.CountTaskStatuses(ctx)
	if err != nil {
		t.Fatalf("count task statuses: %v", err)
	}
	want := []store.StatusCount{
		{TaskID: 1, Status: "unlocked", Count: 2},
		{TaskID: 2, Status: "locked", Count: 2},
		{TaskID: 3, Status: "locked", Count: 2},
	}
	if !reflect.DeepEqual(counts, want) {
		t.Fatalf("unexpected counts %+v", counts)
	}

	n, err := s.CountDiscussions(ctx)
	if err != nil {
		t.Fatalf("count discussions: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 discussions, got %d", n)
	}
}

func TestAnnotationUpsertAndOverride(t *testing.T) {
	s := newTestStore(t)
	seedDiscussion(t, s, "disc-1", "2024-05-01T10:00:00Z")
	saveAnnotation(t, s, "disc-1", "alice", 1, `{"relevance":"Relevant"}`, "2024-05-01T11:00:00Z")

	a, err := s.GetUserAnnotation(ctx, "disc-1", "alice", 1)
	if err != nil {
		t.Fatalf("get annotation: %v", err)
	}
	if a.DataJSON != `{"relevance":"Relevant"}` || a.Overridden() {
		t.Fatalf("unexpected annotation %+v", a)
	}

	inTx(t, s, func(tx *sql.Tx) error {
		return s.OverrideAnnotationTx(ctx, tx, "disc-1", "alice", 1,
			`{"relevance":"Irrelevant"}`, "lead", "2024-05-01T12:00:00Z")
	})
	a, err = s.GetUserAnnotation(ctx, "disc-1", "alice", 1)
	if err != nil {
		t.Fatalf("get after override: %v", err)
	}
	if !a.Overridden() || *a.OverriddenBy != "lead" || a.OverriddenAt == nil {
		t.Fatalf("override not recorded %+v", a)
	}
	if a.DataJSON != `{"relevance":"Irrelevant"}` {
		t.Fatalf("override data not written: %s", a.DataJSON)
	}

	// A resubmission replaces the row and clears the override marker.
	saveAnnotation(t, s, "disc-1", "alice", 1, `{"relevance":"Relevant"}`, "2024-05-01T13:00:00Z")
	a, err = s.GetUserAnnotation(ctx, "disc-1", "alice", 1)
	if err != nil {
		t.Fatalf("get after resubmit: %v", err)
	}
	if a.Overridden() || a.OverriddenAt != nil {
		t.Fatalf("resubmit kept override marker %+v", a)
	}
	if a.SubmittedAt != "2024-05-01T13:00:00Z" {
		t.Fatalf("resubmit kept old timestamp %q", a.SubmittedAt)
	}

	err = txErr(t, s, func(tx *sql.Tx) error {
		return s.OverrideAnnotationTx(ctx, tx, "disc-1", "bob", 1, `{}`, "lead", "2024-05-01T12:00:00Z")
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("override of missing annotation: expected ErrNotFound, got %v", err)
	}
}

func TestAnnotationsForTaskOrder(t *testing.T) {
	s := newTestStore(t)
	seedDiscussion(t, s, "disc-1", "2024-05-01T10:00:00Z")
	saveAnnotation(t, s, "disc-1", "bob", 1, `{}`, "2024-05-01T11:00:00Z")
	saveAnnotation(t, s, "disc-1", "alice", 1, `{}`, "2024-05-01T11:00:00Z")
	saveAnnotation(t, s, "disc-1", "carol", 1, `{}`, "2024-05-01T10:30:00Z")

	anns, err := s.AnnotationsForTask(ctx, "disc-1", 1)
	if err != nil {
		t.Fatalf("annotations for task: %v", err)
	}
	// Ordered by submitted_at, then user_id for equal timestamps.
	var users []string
	for _, a := range anns {
		users = append(users, a.UserID)
	}
	if !reflect.DeepEqual(users, []string{"carol", "alice", "bob"}) {
		t.Fatalf("unexpected order %v", users)
	}

	n, err := s.CountAnnotators(ctx, "disc-1", 1)
	if err != nil {
		t.Fatalf("count annotators: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 annotators, got %d", n)
	}
	if n, _ := s.CountAnnotators(ctx, "disc-1", 2); n != 0 {
		t.Fatalf("expected no annotators on task 2, got %d", n)
	}

	saveAnnotation(t, s, "disc-1", "alice", 2, `{}`, "2024-05-01T12:00:00Z")
	pairs, err := s.AnnotatedPairs(ctx)
	if err != nil {
		t.Fatalf("annotated pairs: %v", err)
	}
	want := []store.TaskRef{
		{DiscussionID: "disc-1", TaskID: 1},
		{DiscussionID: "disc-1", TaskID: 2},
	}
	if !reflect.DeepEqual(pairs, want) {
		t.Fatalf("unexpected pairs %+v", pairs)
	}
}

func TestConsensusUpsert(t *testing.T) {
	s := newTestStore(t)
	seedDiscussion(t, s, "disc-1", "2024-05-01T10:00:00Z")

	if _, err := s.GetConsensus(ctx, "disc-1", 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before save, got %v", err)
	}

	stars := 4
	comment := "tight agreement"
	inTx(t, s, func(tx *sql.Tx) error {
		return s.SaveConsensusTx(ctx, tx, domain.ConsensusAnnotation{
			DiscussionID: "disc-1",
			TaskID:       1,
			DataJSON:     `{"relevance":"Relevant"}`,
			Stars:        &stars,
			Comment:      &comment,
			CreatedBy:    "lead",
			UpdatedAt:    "2024-05-01T12:00:00Z",
		})
	})
	c, err := s.GetConsensus(ctx, "disc-1", 1)
	if err != nil {
		t.Fatalf("get consensus: %v", err)
	}
	if c.DataJSON != `{"relevance":"Relevant"}` || c.CreatedBy != "lead" {
		t.Fatalf("unexpected consensus %+v", c)
	}
	if c.Stars == nil || *c.Stars != 4 || c.Comment == nil || *c.Comment != "tight agreement" {
		t.Fatalf("stars or comment lost %+v", c)
	}
	if c.OverriddenByPodLead {
		t.Fatalf("unexpected pod lead marker %+v", c)
	}

	// Saving again replaces the row in place.
	inTx(t, s, func(tx *sql.Tx) error {
		return s.SaveConsensusTx(ctx, tx, domain.ConsensusAnnotation{
			DiscussionID:        "disc-1",
			TaskID:              1,
			DataJSON:            `{"relevance":"Irrelevant"}`,
			CreatedBy:           "lead2",
			OverriddenByPodLead: true,
			UpdatedAt:           "2024-05-01T13:00:00Z",
		})
	})
	c, err = s.GetConsensus(ctx, "disc-1", 1)
	if err != nil {
		t.Fatalf("get replaced consensus: %v", err)
	}
	if c.Stars != nil || c.Comment != nil {
		t.Fatalf("replacement kept old stars or comment %+v", c)
	}
	if !c.OverriddenByPodLead || c.CreatedBy != "lead2" || c.UpdatedAt != "2024-05-01T13:00:00Z" {
		t.Fatalf("replacement not applied %+v", c)
	}
}

func TestFlagResolveOnlyActive(t *testing.T) {
	s := newTestStore(t)
	seedDiscussion(t, s, "disc-1", "2024-05-01T10:00:00Z")

	inTx(t, s, func(tx *sql.Tx) error {
		return s.InsertFlagTx(ctx, tx, domain.Flag{
			ID:           "flag-1",
			DiscussionID: "disc-1",
			TaskID:       1,
			FlaggedBy:    "alice",
			Reason:       "thread is truncated",
			Status:       domain.FlagActive,
			CreatedAt:    "2024-05-01T11:00:00Z",
		})
	})
	f, err := s.GetFlag(ctx, "flag-1")
	if err != nil {
		t.Fatalf("get flag: %v", err)
	}
	if f.Status != domain.FlagActive || f.ResolvedBy != nil {
		t.Fatalf("unexpected flag %+v", f)
	}
	if n, _ := s.ActiveFlagCount(ctx, "disc-1", 1); n != 1 {
		t.Fatalf("expected 1 active flag, got %d", n)
	}

	inTx(t, s, func(tx *sql.Tx) error {
		return s.ResolveFlagTx(ctx, tx, "flag-1", "lead", "2024-05-01T12:00:00Z")
	})
	f, err = s.GetFlag(ctx, "flag-1")
	if err != nil {
		t.Fatalf("get resolved flag: %v", err)
	}
	if f.Status != domain.FlagResolved || f.ResolvedBy == nil || *f.ResolvedBy != "lead" || f.ResolvedAt == nil {
		t.Fatalf("resolution not recorded %+v", f)
	}
	if n, _ := s.ActiveFlagCount(ctx, "disc-1", 1); n != 0 {
		t.Fatalf("expected no active flags, got %d", n)
	}

	// Only active flags resolve; a second attempt finds nothing.
	err = txErr(t, s, func(tx *sql.Tx) error {
		return s.ResolveFlagTx(ctx, tx, "flag-1", "lead", "2024-05-01T13:00:00Z")
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second resolve: expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetFlag(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown flag, got %v", err)
	}
}

func TestListFlagsFilters(t *testing.T) {
	s := newTestStore(t)
	seedDiscussion(t, s, "disc-1", "2024-05-01T10:00:00Z")
	seedDiscussion(t, s, "disc-2", "2024-05-01T10:00:00Z")

	add := func(id, discussionID string, taskID int, createdAt string) {
		inTx(t, s, func(tx *sql.Tx) error {
			return s.InsertFlagTx(ctx, tx, domain.Flag{
				ID:           id,
				DiscussionID: discussionID,
				TaskID:       taskID,
				FlaggedBy:    "alice",
				Reason:       "needs review",
				Status:       domain.FlagActive,
				CreatedAt:    createdAt,
			})
		})
	}
	add("flag-1", "disc-1", 1, "2024-05-01T11:00:00Z")
	add("flag-2", "disc-1", 2, "2024-05-01T12:00:00Z")
	add("flag-3", "disc-2", 1, "2024-05-01T13:00:00Z")
	inTx(t, s, func(tx *sql.Tx) error {
		return s.ResolveFlagTx(ctx, tx, "flag-1", "lead", "2024-05-01T14:00:00Z")
	})

	all, err := s.ListFlags(ctx, store.FlagFilters{})
	if err != nil {
		t.Fatalf("list flags: %v", err)
	}
	if got := flagIDs(all); !reflect.DeepEqual(got, []string{"flag-3", "flag-2", "flag-1"}) {
		t.Fatalf("unexpected order %v", got)
	}

	active, err := s.ListFlags(ctx, store.FlagFilters{Status: domain.FlagActive})
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if got := flagIDs(active); !reflect.DeepEqual(got, []string{"flag-3", "flag-2"}) {
		t.Fatalf("unexpected active flags %v", got)
	}

	byDisc, err := s.ListFlags(ctx, store.FlagFilters{DiscussionID: "disc-1"})
	if err != nil {
		t.Fatalf("list by discussion: %v", err)
	}
	if got := flagIDs(byDisc); !reflect.DeepEqual(got, []string{"flag-2", "flag-1"}) {
		t.Fatalf("unexpected discussion flags %v", got)
	}

	byTask, err := s.ListFlags(ctx, store.FlagFilters{TaskID: 1, Status: domain.FlagActive})
	if err != nil {
		t.Fatalf("list by task: %v", err)
	}
	if got := flagIDs(byTask); !reflect.DeepEqual(got, []string{"flag-3"}) {
		t.Fatalf("unexpected task flags %v", got)
	}

	limited, err := s.ListFlags(ctx, store.FlagFilters{Limit: 1})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if got := flagIDs(limited); !reflect.DeepEqual(got, []string{"flag-3"}) {
		t.Fatalf("unexpected limited flags %v", got)
	}
}

func TestActorsAndRoles(t *testing.T) {
	s := newTestStore(t)

	inTx(t, s, func(tx *sql.Tx) error {
		if err := s.EnsureActor(ctx, tx, "alice", "2024-05-01T10:00:00Z"); err != nil {
			return err
		}
		// Second ensure is a no-op.
		if err := s.EnsureActor(ctx, tx, "alice", "2024-05-01T11:00:00Z"); err != nil {
			return err
		}
		if err := s.AssignRole(ctx, tx, "alice", "admin", "system", "2024-05-01T10:00:00Z"); err != nil {
			return err
		}
		if err := s.AssignRole(ctx, tx, "alice", "admin", "system", "2024-05-01T10:00:00Z"); err != nil {
			return err
		}
		if err := s.AssignRole(ctx, tx, "alice", "annotator", "system", "2024-05-01T10:00:00Z"); err != nil {
			return err
		}
		return s.EnsureActor(ctx, tx, "bob", "2024-05-01T10:00:00Z")
	})

	roles, err := s.ActorRoles(ctx, "alice")
	if err != nil {
		t.Fatalf("actor roles: %v", err)
	}
	if !reflect.DeepEqual(roles, []string{"admin", "annotator"}) {
		t.Fatalf("unexpected roles %v", roles)
	}
	if roles, _ := s.ActorRoles(ctx, "nobody"); len(roles) != 0 {
		t.Fatalf("expected no roles for unknown actor, got %v", roles)
	}

	actors, err := s.ListActors(ctx)
	if err != nil {
		t.Fatalf("list actors: %v", err)
	}
	if len(actors) != 2 || actors[0].ID != "alice" || actors[1].ID != "bob" {
		t.Fatalf("unexpected actors %+v", actors)
	}
	if !reflect.DeepEqual(actors[0].Roles, []string{"admin", "annotator"}) {
		t.Fatalf("alice roles not grouped %+v", actors[0])
	}
	if len(actors[1].Roles) != 0 {
		t.Fatalf("bob should have no roles %+v", actors[1])
	}

	inTx(t, s, func(tx *sql.Tx) error { return s.RevokeRole(ctx, tx, "alice", "admin") })
	roles, err = s.ActorRoles(ctx, "alice")
	if err != nil {
		t.Fatalf("roles after revoke: %v", err)
	}
	if !reflect.DeepEqual(roles, []string{"annotator"}) {
		t.Fatalf("revoke not applied %v", roles)
	}
	// Revoking an unassigned role is a no-op.
	inTx(t, s, func(tx *sql.Tx) error { return s.RevokeRole(ctx, tx, "alice", "pod_lead") })

	err = txErr(t, s, func(tx *sql.Tx) error { return s.EnsureActor(ctx, tx, "", "2024-05-01T10:00:00Z") })
	if err == nil || !strings.Contains(err.Error(), "actor_id") {
		t.Fatalf("expected actor_id error, got %v", err)
	}
}

func TestAPIKeyStorage(t *testing.T) {
	s := newTestStore(t)

	h := store.HashAPIKey("tl_secret_key")
	if h != store.HashAPIKey("  tl_secret_key  ") {
		t.Fatalf("hash should ignore surrounding whitespace")
	}
	if len(h) != 64 {
		t.Fatalf("expected hex sha256 digest, got %q", h)
	}
	if h == store.HashAPIKey("tl_other_key") {
		t.Fatalf("distinct keys must not collide")
	}

	inTx(t, s, func(tx *sql.Tx) error {
		if err := s.EnsureActor(ctx, tx, "alice", "2024-05-01T10:00:00Z"); err != nil {
			return err
		}
		return s.InsertAPIKey(ctx, tx, domain.APIKey{
			ID:        "key-1",
			ActorID:   "alice",
			Name:      "ci",
			KeyHash:   h,
			CreatedAt: "2024-05-01T10:00:00Z",
		})
	})

	k, err := s.GetAPIKeyByHash(ctx, h)
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if k.ID != "key-1" || k.ActorID != "alice" || k.Name != "ci" {
		t.Fatalf("unexpected key %+v", k)
	}
	if _, err := s.GetAPIKeyByHash(ctx, store.HashAPIKey("nope")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown hash, got %v", err)
	}

	for _, tc := range []struct {
		name string
		key  domain.APIKey
		want string
	}{
		{"missing id", domain.APIKey{ActorID: "alice", KeyHash: "x"}, "id required"},
		{"missing actor", domain.APIKey{ID: "k", KeyHash: "x"}, "actor_id required"},
		{"missing hash", domain.APIKey{ID: "k", ActorID: "alice"}, "key_hash required"},
	} {
		err := txErr(t, s, func(tx *sql.Tx) error { return s.InsertAPIKey(ctx, tx, tc.key) })
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected %q, got %v", tc.name, tc.want, err)
		}
	}

	inTx(t, s, func(tx *sql.Tx) error {
		return s.InsertAPIKey(ctx, tx, domain.APIKey{
			ID:        "key-2",
			ActorID:   "alice",
			Name:      "laptop",
			KeyHash:   store.HashAPIKey("tl_other_key"),
			CreatedAt: "2024-05-01T11:00:00Z",
		})
	})
	keys, err := s.ListAPIKeys(ctx, "alice")
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) != 2 || keys[0].ID != "key-2" || keys[1].ID != "key-1" {
		t.Fatalf("unexpected keys %+v", keys)
	}
	if keys, _ := s.ListAPIKeys(ctx, "bob"); len(keys) != 0 {
		t.Fatalf("expected no keys for bob, got %+v", keys)
	}

	inTx(t, s, func(tx *sql.Tx) error { return s.DeleteAPIKeyTx(ctx, tx, "key-1") })
	keys, err = s.ListAPIKeys(ctx, "alice")
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(keys) != 1 || keys[0].ID != "key-2" {
		t.Fatalf("delete not applied %+v", keys)
	}
	err = txErr(t, s, func(tx *sql.Tx) error { return s.DeleteAPIKeyTx(ctx, tx, "key-1") })
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second delete: expected ErrNotFound, got %v", err)
	}
}

func TestEventLogAppendAndRead(t *testing.T) {
	s := newTestStore(t)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	w := events.Writer{DB: s.DB, Now: func() time.Time { return fixed }}

	inTx(t, s, func(tx *sql.Tx) error {
		if err := w.Append(ctx, tx, "discussion.imported", "disc-1", "discussion", "disc-1", "tester",
			events.EventPayload{"repository": "acme/engine"}); err != nil {
			return err
		}
		if err := w.Append(ctx, tx, "annotation.submitted", "disc-1", "annotation", "disc-1:1:alice", "alice", nil); err != nil {
			return err
		}
		return w.Append(ctx, tx, "role.granted", "", "actor", "bob", "admin-cli",
			events.EventPayload{"role": "admin"})
	})

	latest, err := s.LatestEventID(ctx)
	if err != nil {
		t.Fatalf("latest event id: %v", err)
	}
	if latest != 3 {
		t.Fatalf("expected 3 events, got id %d", latest)
	}

	evs, err := s.EventsAfter(ctx, 0, 10)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("expected 3 events, got %d", len(evs))
	}
	if evs[0].Type != "discussion.imported" || evs[2].Type != "role.granted" {
		t.Fatalf("events out of append order %+v", evs)
	}
	if evs[0].TS != "2024-05-01T12:00:00Z" {
		t.Fatalf("timestamp not fixed clock: %q", evs[0].TS)
	}
	if !strings.Contains(evs[0].Payload, "acme/engine") {
		t.Fatalf("payload lost: %s", evs[0].Payload)
	}
	if evs[1].Payload != "{}" {
		t.Fatalf("nil payload should store as empty object, got %s", evs[1].Payload)
	}
	if evs[2].DiscussionID != "" {
		t.Fatalf("actor event should have no discussion, got %q", evs[2].DiscussionID)
	}

	tail, err := s.EventsAfter(ctx, 2, 10)
	if err != nil {
		t.Fatalf("events after 2: %v", err)
	}
	if len(tail) != 1 || tail[0].Type != "role.granted" {
		t.Fatalf("unexpected tail %+v", tail)
	}

	list, err := s.ListEvents(ctx, "", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(list) != 3 || list[0].Type != "role.granted" {
		t.Fatalf("expected newest first, got %+v", list)
	}

	byDisc, err := s.ListEvents(ctx, "disc-1", 10)
	if err != nil {
		t.Fatalf("list by discussion: %v", err)
	}
	if len(byDisc) != 2 || byDisc[0].Type != "annotation.submitted" {
		t.Fatalf("unexpected discussion events %+v", byDisc)
	}
	if byDisc[0].ActorID != "alice" {
		t.Fatalf("actor lost: %+v", byDisc[0])
	}

	limited, err := s.ListEvents(ctx, "disc-1", 1)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit not applied: %+v", limited)
	}
}
