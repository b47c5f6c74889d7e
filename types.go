package tasksync

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

// ConfigError reports a problem that prevents a connection attempt from being
// made at all (bad base URL, credential provider failure). Config errors are
// never retried automatically.
type ConfigError struct {
	Op  string
	Err error
}

func (e *ConfigError) Error() string {
	return "config: " + e.Op + ": " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// StatusError is returned when the stream endpoint answers with anything
// other than 200 OK.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stream returned HTTP %d", e.StatusCode)
}

// DecodeError describes a single event that could not be decoded.
type DecodeError struct {
	Type EventType
	Err  error
}

func (e *DecodeError) Error() string {
	return "decode " + string(e.Type) + ": " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ============================================================================
// Domain Types
// ============================================================================

// Task is a single to-do item as carried by the event stream.
type Task struct {
	ID          string     `json:"id"`
	ListID      string     `json:"listId,omitempty"`
	Title       string     `json:"title"`
	Notes       string     `json:"notes,omitempty"`
	Completed   bool       `json:"completed"`
	Priority    int        `json:"priority,omitempty"`
	Position    float64    `json:"position,omitempty"`
	AssigneeID  string     `json:"assigneeId,omitempty"`
	CreatedBy   string     `json:"createdBy,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// TaskList groups tasks.
type TaskList struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color,omitempty"`
	OwnerID   string    `json:"ownerId,omitempty"`
	MemberIDs []string  `json:"memberIds,omitempty"`
	Position  float64   `json:"position,omitempty"`
	Archived  bool      `json:"archived,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Comment is attached to a task. Mentions are embedded in Text as
// "(<userId>)".
type Comment struct {
	ID         string     `json:"id"`
	AuthorID   string     `json:"authorId"`
	AuthorName string     `json:"authorName,omitempty"`
	Text       string     `json:"text"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  *time.Time `json:"updatedAt,omitempty"`
}

// MyTasksPreferences controls the "my tasks" view.
type MyTasksPreferences struct {
	SortBy        string   `json:"sortBy,omitempty"`
	GroupBy       string   `json:"groupBy,omitempty"`
	ShowCompleted bool     `json:"showCompleted"`
	HiddenListIDs []string `json:"hiddenListIds,omitempty"`
}

type UserSettings struct {
	DisplayName          string `json:"displayName,omitempty"`
	Timezone             string `json:"timezone,omitempty"`
	WeekStartsOn         int    `json:"weekStartsOn,omitempty"`
	NotificationsEnabled bool   `json:"notificationsEnabled"`
	MentionNotifications bool   `json:"mentionNotifications"`
}

// normalize puts every timestamp in UTC so decoded values compare equal
// regardless of the offset the server used.
func (t *Task) normalize() {
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	t.DueDate = utcPtr(t.DueDate)
	t.CompletedAt = utcPtr(t.CompletedAt)
}

func (l *TaskList) normalize() {
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
}

func (c *Comment) normalize() {
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = utcPtr(c.UpdatedAt)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// ============================================================================
// Wire Envelope
// ============================================================================

// EventType is the tag carried by every frame.
type EventType string

const (
	EventTaskCreated               EventType = "task_created"
	EventTaskUpdated               EventType = "task_updated"
	EventTaskDeleted               EventType = "task_deleted"
	EventListCreated               EventType = "list_created"
	EventListUpdated               EventType = "list_updated"
	EventListDeleted               EventType = "list_deleted"
	EventCommentAdded              EventType = "comment_added"
	EventCommentCreated            EventType = "comment_created" // alias of comment_added
	EventCommentUpdated            EventType = "comment_updated"
	EventCommentDeleted            EventType = "comment_deleted"
	EventMyTasksPreferencesUpdated EventType = "my_tasks_preferences_updated"
	EventUserSettingsUpdated       EventType = "user_settings_updated"
	EventConnected                 EventType = "connected"
	EventPing                      EventType = "ping"
)

// Known reports whether t belongs to the closed set of event types.
func (t EventType) Known() bool {
	switch t {
	case EventTaskCreated, EventTaskUpdated, EventTaskDeleted,
		EventListCreated, EventListUpdated, EventListDeleted,
		EventCommentAdded, EventCommentCreated, EventCommentUpdated, EventCommentDeleted,
		EventMyTasksPreferencesUpdated, EventUserSettingsUpdated,
		EventConnected, EventPing:
		return true
	}
	return false
}

// Envelope is one parsed frame before its payload is decoded.
type Envelope struct {
	Type    EventType
	Payload json.RawMessage
}

// ============================================================================
// Events
// ============================================================================

// Event is the closed set of decoded stream events. The concrete types below
// are the only implementations.
type Event interface {
	EventType() EventType
	isEvent()
}

type TaskCreated struct{ Task Task }
type TaskUpdated struct{ Task Task }
type TaskDeleted struct{ ID string }

type ListCreated struct{ List TaskList }
type ListUpdated struct{ List TaskList }
type ListDeleted struct{ ID string }

type CommentAdded struct {
	TaskID  string
	Comment Comment
}

type CommentUpdated struct {
	TaskID  string
	Comment Comment
}

type CommentDeleted struct {
	TaskID    string
	CommentID string
}

type MyTasksPreferencesUpdated struct{ Preferences MyTasksPreferences }
type UserSettingsUpdated struct{ Settings UserSettings }

// KeepAlive covers connected and ping frames. It is never dispatched.
type KeepAlive struct{ Type EventType }

func (TaskCreated) EventType() EventType               { return EventTaskCreated }
func (TaskUpdated) EventType() EventType               { return EventTaskUpdated }
func (TaskDeleted) EventType() EventType               { return EventTaskDeleted }
func (ListCreated) EventType() EventType               { return EventListCreated }
func (ListUpdated) EventType() EventType               { return EventListUpdated }
func (ListDeleted) EventType() EventType               { return EventListDeleted }
func (CommentAdded) EventType() EventType              { return EventCommentAdded }
func (CommentUpdated) EventType() EventType            { return EventCommentUpdated }
func (CommentDeleted) EventType() EventType            { return EventCommentDeleted }
func (MyTasksPreferencesUpdated) EventType() EventType { return EventMyTasksPreferencesUpdated }
func (UserSettingsUpdated) EventType() EventType       { return EventUserSettingsUpdated }
func (k KeepAlive) EventType() EventType               { return k.Type }

func (TaskCreated) isEvent()               {}
func (TaskUpdated) isEvent()               {}
func (TaskDeleted) isEvent()               {}
func (ListCreated) isEvent()               {}
func (ListUpdated) isEvent()               {}
func (ListDeleted) isEvent()               {}
func (CommentAdded) isEvent()              {}
func (CommentUpdated) isEvent()            {}
func (CommentDeleted) isEvent()            {}
func (MyTasksPreferencesUpdated) isEvent() {}
func (UserSettingsUpdated) isEvent()       {}
func (KeepAlive) isEvent()                 {}

// ============================================================================
// Connection State
// ============================================================================

// Phase is the coarse state of a Stream.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseStreaming    Phase = "streaming"
	PhaseBackoff      Phase = "backoff"
)

// ConnectionState is a snapshot of the supervisor. Attempt and Deadline are
// only set while backing off.
type ConnectionState struct {
	Phase    Phase
	Attempt  int
	Deadline time.Time
}

func (s ConnectionState) String() string {
	if s.Phase == PhaseBackoff {
		return fmt.Sprintf("%s(attempt=%d, until=%s)", s.Phase, s.Attempt, s.Deadline.Format(time.RFC3339))
	}
	return string(s.Phase)
}
