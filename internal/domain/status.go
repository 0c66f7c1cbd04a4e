package domain

type TaskStatus string

const (
	StatusLocked       TaskStatus = "locked"
	StatusUnlocked     TaskStatus = "unlocked"
	StatusCompleted    TaskStatus = "completed"
	StatusRework       TaskStatus = "rework"
	StatusBlocked      TaskStatus = "blocked"
	StatusReadyForNext TaskStatus = "ready_for_next"
)

// transitions lists the legal successors of each status. Any status may be
// blocked by an active flag; blocked restores to the prior status when the
// last flag is resolved, so every non-blocked status is a legal successor.
var transitions = map[TaskStatus][]TaskStatus{
	StatusLocked:       {StatusUnlocked, StatusBlocked},
	StatusUnlocked:     {StatusCompleted, StatusRework, StatusBlocked},
	StatusCompleted:    {StatusReadyForNext, StatusRework, StatusBlocked},
	StatusRework:       {StatusCompleted, StatusUnlocked, StatusBlocked},
	StatusReadyForNext: {StatusBlocked},
	StatusBlocked:      {StatusLocked, StatusUnlocked, StatusCompleted, StatusRework, StatusReadyForNext},
}

func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	for _, t := range transitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// AcceptsSubmissions reports whether annotators may write raw annotations.
func (s TaskStatus) AcceptsSubmissions() bool {
	return s == StatusUnlocked || s == StatusRework
}

func (s TaskStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func ParseTaskStatus(v string) (TaskStatus, bool) {
	s := TaskStatus(v)
	return s, s.Valid()
}

func TaskStatuses() []TaskStatus {
	return []TaskStatus{
		StatusLocked,
		StatusUnlocked,
		StatusCompleted,
		StatusRework,
		StatusBlocked,
		StatusReadyForNext,
	}
}
