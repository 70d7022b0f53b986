// Package model defines the durable entities shared by every component of
// the coordination engine: tasks, dependencies, workers, file marks, and
// the event rows that back time accounting and pub/sub.
package model

import "time"

// Task is the unit of work tracked by the engine. Status and Phase are
// plain strings validated against the effective workflow.Config rather than
// a fixed Go enum, since states and phases are configuration-defined.
type Task struct {
	ID          string
	Title       string
	Description string

	Priority int
	Tags     []string

	NeededTags []string
	WantedTags []string

	Status string
	Phase  string

	WorkerID  string
	ClaimedAt *time.Time

	Points         *int
	TimeEstimateMs *int64
	TimeActualMs   int64

	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time

	CurrentThought string

	CostUSD float64
	Metrics [8]int64

	DeletedAt     *time.Time
	DeletedBy     string
	DeletedReason string
}

// IsClaimed reports whether the task currently has an owner.
func (t *Task) IsClaimed() bool {
	return t.WorkerID != ""
}

// IsDeleted reports whether the task has been soft-deleted.
func (t *Task) IsDeleted() bool {
	return t.DeletedAt != nil
}

// HasTag reports whether the task's tag set contains tag.
func (t *Task) HasTag(tag string) bool {
	for _, v := range t.Tags {
		if v == tag {
			return true
		}
	}
	return false
}

// DepType identifies the semantics of a Dependency edge.
type DepType string

// BlockKind describes how a dependency type gates progress on the "to" task.
type BlockKind string

const (
	// BlockStart prevents claim until the "from" task is terminal-success.
	BlockStart BlockKind = "start"
	// BlockCompletion prevents leaving the working state until "from" is terminal.
	BlockCompletion BlockKind = "completion"
	// BlockNone is purely informational and never gates a transition.
	BlockNone BlockKind = "none"
)

// Dependency is a typed edge between two tasks. The triple (From, To, Type)
// is the primary key.
type Dependency struct {
	From string
	To   string
	Type DepType
}

// Worker is an ephemeral agent session.
type Worker struct {
	ID                string
	Tags              []string
	MaxClaims         int
	RegisteredAt      time.Time
	LastHeartbeat     time.Time
	LastClaimSequence int64
}

// HasTag reports whether the worker's tag set contains tag.
func (w *Worker) HasTag(tag string) bool {
	for _, v := range w.Tags {
		if v == tag {
			return true
		}
	}
	return false
}

// SatisfiesAffinity reports whether the worker has all of needed and, if
// wanted is non-empty, at least one of wanted.
func (w *Worker) SatisfiesAffinity(needed, wanted []string) (ok bool, missingNeeded []string) {
	for _, tag := range needed {
		if !w.HasTag(tag) {
			missingNeeded = append(missingNeeded, tag)
		}
	}
	if len(missingNeeded) > 0 {
		return false, missingNeeded
	}
	if len(wanted) == 0 {
		return true, nil
	}
	for _, tag := range wanted {
		if w.HasTag(tag) {
			return true, nil
		}
	}
	return false, nil
}

// FileMark is an advisory single-owner lock on a file path.
type FileMark struct {
	FilePath string
	WorkerID string
	Reason   string
	TaskID   string
	LockedAt time.Time
}

// TaskEvent is an append-only row recording a status/phase transition interval.
type TaskEvent struct {
	ID            int64
	TaskID        string
	WorkerID      string
	Status        string
	Phase         string
	Reason        string
	Timestamp     time.Time
	EndTimestamp  *time.Time
}

// FileEventKind distinguishes claim from release rows in the file event log.
type FileEventKind string

const (
	FileEventClaimed  FileEventKind = "claimed"
	FileEventReleased FileEventKind = "released"
)

// FileEvent is an append-only row recording a file-mark claim or release.
type FileEvent struct {
	ID           int64
	FilePath     string
	WorkerID     string
	Event        FileEventKind
	Reason       string
	Timestamp    time.Time
	EndTimestamp *time.Time
	ClaimID      int64
}

// TargetType identifies what kind of entity a Subscription watches.
type TargetType string

const (
	TargetTask   TargetType = "task"
	TargetFile   TargetType = "file"
	TargetWorker TargetType = "worker"
)

// Subscription records that a worker wants to be notified of events on a target.
type Subscription struct {
	ID         string
	WorkerID   string
	TargetType TargetType
	TargetID   string
	CreatedAt  time.Time
}

// InboxMessage is a queued notification for a subscriber.
type InboxMessage struct {
	ID             int64
	SubscriptionID string
	WorkerID       string
	TargetType     TargetType
	TargetID       string
	EventSummary   string
	CreatedAt      time.Time
	ReadAt         *time.Time
}

// Attachment is the minimal slice of attachment state the gate evaluator
// needs: presence of a given type on a task. Attachment storage itself is
// out of scope; the engine only tracks type presence.
type Attachment struct {
	TaskID         string
	AttachmentType string
	CreatedAt      time.Time
}
