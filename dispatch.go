package tasksync

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Unsubscribe removes a revocable subscription. Calling it more than once is
// harmless.
type Unsubscribe func()

type revocable[F any] struct {
	id string
	fn F
}

func removeByID[F any](subs []revocable[F], id string) []revocable[F] {
	for i, s := range subs {
		if s.id == id {
			out := make([]revocable[F], 0, len(subs)-1)
			out = append(out, subs[:i]...)
			return append(out, subs[i+1:]...)
		}
	}
	return subs
}

func callbacks[F any](subs []revocable[F]) []F {
	out := make([]F, len(subs))
	for i, s := range subs {
		out[i] = s.fn
	}
	return out
}

// ============================================================================
// Dispatcher
// ============================================================================

// Dispatcher fans decoded events out to registered callbacks. Task, list,
// preference and settings subscriptions are permanent; comment subscriptions
// return an Unsubscribe.
//
// All methods are safe for concurrent use. Callbacks run outside the lock in
// registration order, so a callback may register or unsubscribe without
// deadlocking.
type Dispatcher struct {
	log      zerolog.Logger
	notifier *CommentNotifier

	mu               sync.RWMutex
	onAny            []func(Event)
	onTaskCreated    []func(Task)
	onTaskUpdated    []func(Task)
	onTaskDeleted    []func(id string)
	onListCreated    []func(TaskList)
	onListUpdated    []func(TaskList)
	onListDeleted    []func(id string)
	onCommentAdded   []revocable[func(Comment, string)]
	onCommentUpdated []revocable[func(Comment, string)]
	onCommentDeleted []revocable[func(commentID, taskID string)]
	onPreferences    []func(MyTasksPreferences)
	onSettings       []func(UserSettings)
}

// NewDispatcher creates an empty dispatcher. notifier may be nil.
func NewDispatcher(log zerolog.Logger, notifier *CommentNotifier) *Dispatcher {
	return &Dispatcher{
		log:      log.With().Str("component", "dispatcher").Logger(),
		notifier: notifier,
	}
}

// OnAny registers a callback invoked for every dispatched event, before the
// typed callbacks.
func (d *Dispatcher) OnAny(h func(Event)) {
	d.mu.Lock()
	d.onAny = append(d.onAny, h)
	d.mu.Unlock()
}

// OnTaskCreated registers a handler for created tasks.
func (d *Dispatcher) OnTaskCreated(h func(Task)) {
	d.mu.Lock()
	d.onTaskCreated = append(d.onTaskCreated, h)
	d.mu.Unlock()
}

// OnTaskUpdated registers a handler for updated tasks.
func (d *Dispatcher) OnTaskUpdated(h func(Task)) {
	d.mu.Lock()
	d.onTaskUpdated = append(d.onTaskUpdated, h)
	d.mu.Unlock()
}

// OnTaskDeleted registers a handler receiving deleted task ids.
func (d *Dispatcher) OnTaskDeleted(h func(id string)) {
	d.mu.Lock()
	d.onTaskDeleted = append(d.onTaskDeleted, h)
	d.mu.Unlock()
}

// OnListCreated registers a handler for created lists.
func (d *Dispatcher) OnListCreated(h func(TaskList)) {
	d.mu.Lock()
	d.onListCreated = append(d.onListCreated, h)
	d.mu.Unlock()
}

// OnListUpdated registers a handler for updated lists.
func (d *Dispatcher) OnListUpdated(h func(TaskList)) {
	d.mu.Lock()
	d.onListUpdated = append(d.onListUpdated, h)
	d.mu.Unlock()
}

// OnListDeleted registers a handler receiving deleted list ids.
func (d *Dispatcher) OnListDeleted(h func(id string)) {
	d.mu.Lock()
	d.onListDeleted = append(d.onListDeleted, h)
	d.mu.Unlock()
}

func (d *Dispatcher) OnMyTasksPreferencesUpdated(h func(MyTasksPreferences)) {
	d.mu.Lock()
	d.onPreferences = append(d.onPreferences, h)
	d.mu.Unlock()
}

func (d *Dispatcher) OnUserSettingsUpdated(h func(UserSettings)) {
	d.mu.Lock()
	d.onSettings = append(d.onSettings, h)
	d.mu.Unlock()
}

// OnCommentAdded registers h for new comments. h receives the comment and the
// id of its task.
func (d *Dispatcher) OnCommentAdded(h func(c Comment, taskID string)) Unsubscribe {
	id := uuid.NewString()
	d.mu.Lock()
	d.onCommentAdded = append(d.onCommentAdded, revocable[func(Comment, string)]{id: id, fn: h})
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		d.onCommentAdded = removeByID(d.onCommentAdded, id)
		d.mu.Unlock()
	}
}

// OnCommentUpdated registers h for edited comments.
func (d *Dispatcher) OnCommentUpdated(h func(c Comment, taskID string)) Unsubscribe {
	id := uuid.NewString()
	d.mu.Lock()
	d.onCommentUpdated = append(d.onCommentUpdated, revocable[func(Comment, string)]{id: id, fn: h})
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		d.onCommentUpdated = removeByID(d.onCommentUpdated, id)
		d.mu.Unlock()
	}
}

// OnCommentDeleted registers h for deleted comments.
func (d *Dispatcher) OnCommentDeleted(h func(commentID, taskID string)) Unsubscribe {
	id := uuid.NewString()
	d.mu.Lock()
	d.onCommentDeleted = append(d.onCommentDeleted, revocable[func(string, string)]{id: id, fn: h})
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		d.onCommentDeleted = removeByID(d.onCommentDeleted, id)
		d.mu.Unlock()
	}
}

// Close drops every subscription.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onAny = nil
	d.onTaskCreated = nil
	d.onTaskUpdated = nil
	d.onTaskDeleted = nil
	d.onListCreated = nil
	d.onListUpdated = nil
	d.onListDeleted = nil
	d.onCommentAdded = nil
	d.onCommentUpdated = nil
	d.onCommentDeleted = nil
	d.onPreferences = nil
	d.onSettings = nil
}

// Dispatch delivers ev to every callback currently registered for its type.
// It returns after all of them ran. KeepAlive events are ignored.
func (d *Dispatcher) Dispatch(ev Event) {
	if _, ok := ev.(KeepAlive); ok || ev == nil {
		return
	}

	d.mu.RLock()
	anyHandlers := append([]func(Event){}, d.onAny...)
	d.mu.RUnlock()
	for _, h := range anyHandlers {
		d.invoke(ev.EventType(), func() { h(ev) })
	}

	switch ev := ev.(type) {
	case TaskCreated:
		fanOut(d, ev.EventType(), &d.onTaskCreated, ev.Task)
	case TaskUpdated:
		fanOut(d, ev.EventType(), &d.onTaskUpdated, ev.Task)
	case TaskDeleted:
		fanOut(d, ev.EventType(), &d.onTaskDeleted, ev.ID)
	case ListCreated:
		fanOut(d, ev.EventType(), &d.onListCreated, ev.List)
	case ListUpdated:
		fanOut(d, ev.EventType(), &d.onListUpdated, ev.List)
	case ListDeleted:
		fanOut(d, ev.EventType(), &d.onListDeleted, ev.ID)
	case MyTasksPreferencesUpdated:
		fanOut(d, ev.EventType(), &d.onPreferences, ev.Preferences)
	case UserSettingsUpdated:
		fanOut(d, ev.EventType(), &d.onSettings, ev.Settings)

	case CommentAdded:
		d.mu.RLock()
		handlers := callbacks(d.onCommentAdded)
		d.mu.RUnlock()
		for _, h := range handlers {
			d.invoke(ev.EventType(), func() { h(ev.Comment, ev.TaskID) })
		}
		// Once per event, independent of how many subscribers ran.
		d.invoke(ev.EventType(), func() { d.notifier.Evaluate(context.Background(), ev.TaskID, ev.Comment) })
	case CommentUpdated:
		d.mu.RLock()
		handlers := callbacks(d.onCommentUpdated)
		d.mu.RUnlock()
		for _, h := range handlers {
			d.invoke(ev.EventType(), func() { h(ev.Comment, ev.TaskID) })
		}
	case CommentDeleted:
		d.mu.RLock()
		handlers := callbacks(d.onCommentDeleted)
		d.mu.RUnlock()
		for _, h := range handlers {
			d.invoke(ev.EventType(), func() { h(ev.CommentID, ev.TaskID) })
		}
	}
}

func fanOut[T any](d *Dispatcher, typ EventType, list *[]func(T), v T) {
	d.mu.RLock()
	handlers := append([]func(T){}, (*list)...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.invoke(typ, func() { h(v) })
	}
}

// invoke runs one callback. A panicking callback is logged and does not stop
// delivery to the others.
func (d *Dispatcher) invoke(typ EventType, fn func()) {
	safeCall(d.log, string(typ), fn)
}

func safeCall(log zerolog.Logger, label string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("type", label).
				Str("panic", fmt.Sprint(r)).
				Bytes("stack", debug.Stack()).
				Msg("subscriber panicked")
		}
	}()
	fn()
}
