package tasksync

import (
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// TaskCache
// ============================================================================

// TaskCache is a goroutine-safe in-memory view of tasks and lists kept up to
// date from the event stream. It implements TaskLookup, which is what the
// comment notification rule uses to find a task's assignee.
type TaskCache struct {
	log zerolog.Logger

	mu          sync.RWMutex
	tasks       map[string]Task
	lists       map[string]TaskList
	preferences *MyTasksPreferences
	settings    *UserSettings
}

// NewTaskCache creates an empty cache.
func NewTaskCache(log zerolog.Logger) *TaskCache {
	return &TaskCache{
		log:   log.With().Str("component", "cache").Logger(),
		tasks: make(map[string]Task),
		lists: make(map[string]TaskList),
	}
}

// Attach subscribes the cache to every task, list, preference and settings
// event on d. Attach it before anything that reads the cache from a later
// subscriber, since subscribers run in registration order.
func (c *TaskCache) Attach(d *Dispatcher) {
	d.OnTaskCreated(c.PutTask)
	d.OnTaskUpdated(c.PutTask)
	d.OnTaskDeleted(c.DeleteTask)
	d.OnListCreated(c.PutList)
	d.OnListUpdated(c.PutList)
	d.OnListDeleted(c.DeleteList)
	d.OnMyTasksPreferencesUpdated(func(p MyTasksPreferences) {
		c.mu.Lock()
		c.preferences = &p
		c.mu.Unlock()
	})
	d.OnUserSettingsUpdated(func(s UserSettings) {
		c.mu.Lock()
		c.settings = &s
		c.mu.Unlock()
	})
}

// ── Tasks ────────────────────────────────────────────────

func (c *TaskCache) PutTask(t Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks[t.ID] = t
}

func (c *TaskCache) DeleteTask(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tasks, id)
}

func (c *TaskCache) LookupTask(id string) (Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tasks[id]
	return t, ok
}

// Tasks returns the tasks of one list ordered by position. An empty listID
// returns every task.
func (c *TaskCache) Tasks(listID string) []Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var result []Task
	for _, t := range c.tasks {
		if listID == "" || t.ListID == listID {
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Position != result[j].Position {
			return result[i].Position < result[j].Position
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// AssignedTo returns the open tasks assigned to userID.
func (c *TaskCache) AssignedTo(userID string) []Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var result []Task
	for _, t := range c.tasks {
		if t.AssigneeID == userID && !t.Completed {
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// SearchTasks matches query case-insensitively against titles and notes.
func (c *TaskCache) SearchTasks(query string, limit int) []Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q := strings.ToLower(query)
	var results []Task
	for _, t := range c.tasks {
		if strings.Contains(strings.ToLower(t.Title), q) || strings.Contains(strings.ToLower(t.Notes), q) {
			results = append(results, t)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// ── Lists ────────────────────────────────────────────────

func (c *TaskCache) PutList(l TaskList) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lists[l.ID] = l
}

// DeleteList removes the list and the tasks that belonged to it.
func (c *TaskCache) DeleteList(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lists, id)
	removed := 0
	for tid, t := range c.tasks {
		if t.ListID == id {
			delete(c.tasks, tid)
			removed++
		}
	}
	if removed > 0 {
		c.log.Debug().Str("list", id).Int("tasks", removed).Msg("dropped tasks of deleted list")
	}
}

func (c *TaskCache) List(id string) (TaskList, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.lists[id]
	return l, ok
}

// Lists returns the non-archived lists ordered by position.
func (c *TaskCache) Lists() []TaskList {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var result []TaskList
	for _, l := range c.lists {
		if !l.Archived {
			result = append(result, l)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Position != result[j].Position {
			return result[i].Position < result[j].Position
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// ── Preferences ──────────────────────────────────────────

func (c *TaskCache) Preferences() (MyTasksPreferences, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.preferences == nil {
		return MyTasksPreferences{}, false
	}
	return *c.preferences, true
}

func (c *TaskCache) Settings() (UserSettings, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.settings == nil {
		return UserSettings{}, false
	}
	return *c.settings, true
}
