package tasksync

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// CurrentUser reports who is signed in. ok is false when nobody is.
type CurrentUser interface {
	CurrentUserID() (id string, ok bool)
}

// TaskLookup finds a task by id in whatever the application caches locally.
type TaskLookup interface {
	LookupTask(id string) (Task, bool)
}

// Notification is a local notification request.
type Notification struct {
	Title    string
	Body     string
	Metadata map[string]string
}

// NotificationScheduler posts local notifications.
type NotificationScheduler interface {
	Schedule(ctx context.Context, n Notification) error
}

// CurrentUserFunc adapts a function to CurrentUser.
type CurrentUserFunc func() (string, bool)

func (f CurrentUserFunc) CurrentUserID() (string, bool) { return f() }

// NotificationFunc adapts a function to NotificationScheduler.
type NotificationFunc func(ctx context.Context, n Notification) error

func (f NotificationFunc) Schedule(ctx context.Context, n Notification) error { return f(ctx, n) }

const (
	NotifyReasonMention  = "mention"
	NotifyReasonAssignee = "assignee"
)

// CommentNotifier decides whether a newly added comment deserves a local
// notification for the current user.
type CommentNotifier struct {
	user      CurrentUser
	tasks     TaskLookup
	scheduler NotificationScheduler
	log       zerolog.Logger
}

// NewCommentNotifier builds the rule. tasks may be nil, in which case only
// mentions trigger a notification.
func NewCommentNotifier(user CurrentUser, tasks TaskLookup, scheduler NotificationScheduler, log zerolog.Logger) *CommentNotifier {
	return &CommentNotifier{
		user:      user,
		tasks:     tasks,
		scheduler: scheduler,
		log:       log.With().Str("component", "notifier").Logger(),
	}
}

// Evaluate applies the rule to one comment and schedules at most one
// notification. It reports whether one was scheduled.
func (n *CommentNotifier) Evaluate(ctx context.Context, taskID string, c Comment) bool {
	if n == nil || n.user == nil || n.scheduler == nil {
		return false
	}
	me, ok := n.user.CurrentUserID()
	if !ok || me == "" || c.AuthorID == me {
		return false
	}

	var (
		task  Task
		found bool
	)
	if n.tasks != nil {
		task, found = n.tasks.LookupTask(taskID)
	}

	note := Notification{
		Body: c.Text,
		Metadata: map[string]string{
			"taskId":    taskID,
			"commentId": c.ID,
		},
	}
	switch {
	case strings.Contains(c.Text, "("+me+")"):
		note.Title = authorLabel(c) + " mentioned you"
		note.Metadata["reason"] = NotifyReasonMention
	case found && task.AssigneeID == me:
		note.Title = "New comment on " + task.Title
		note.Metadata["reason"] = NotifyReasonAssignee
	default:
		return false
	}

	if err := n.scheduler.Schedule(ctx, note); err != nil {
		n.log.Warn().Err(err).Str("task", taskID).Str("comment", c.ID).Msg("schedule notification")
		return false
	}
	n.log.Debug().Str("task", taskID).Str("comment", c.ID).Str("reason", note.Metadata["reason"]).Msg("notification scheduled")
	return true
}

func authorLabel(c Comment) string {
	if c.AuthorName != "" {
		return c.AuthorName
	}
	return "Someone"
}
