// ABOUTME: Per-cycle task queue: typed tasks, ordering policy, and mid-cycle mutation
// ABOUTME: Maintenance first, then sync tasks by unread, recent-before-backfill, insertion

package scheduler

import (
	"fmt"
	"sort"

	"github.com/2389/thoth/internal/store"
	"github.com/2389/thoth/internal/syncstate"
)

// Kind is the type of a task.
type Kind string

const (
	KindCheckServers       Kind = "check_servers"
	KindDiscoverChannels   Kind = "discover_channels"
	KindCheckNotifications Kind = "check_notifications"
	KindLoginPending       Kind = "login_pending"
	KindSyncChannel        Kind = "sync_channel"
)

// Task is one unit of work in a cycle.
type Task struct {
	Kind   Kind
	Source string

	// Set for sync_channel tasks.
	ChannelID   int64
	ChannelName string
	ChannelURL  string
	State       syncstate.State // snapshot loaded when the task was planned
	Unread      bool

	seq int
}

func (t Task) String() string {
	if t.Kind == KindSyncChannel {
		return fmt.Sprintf("%s[%s/%s]", t.Kind, t.Source, t.ChannelName)
	}
	return fmt.Sprintf("%s[%s]", t.Kind, t.Source)
}

func (t Task) phase() int {
	if t.Kind == KindSyncChannel {
		return 1
	}
	return 0
}

// ChannelPlan is a channel to sync this cycle.
type ChannelPlan struct {
	ID    int64
	Name  string
	URL   string
	State syncstate.State
}

// SourcePlan describes one enabled source at the start of a cycle.
type SourcePlan struct {
	Name         string
	AuthPending  bool
	AutoDiscover bool
	Channels     []ChannelPlan
}

// Queue is rebuilt every cycle and never persisted. It is drained by a single
// goroutine; tasks may push work or reprioritize the pending tail.
type Queue struct {
	tasks   []Task
	next    int
	seq     int
	skipped map[string]bool
}

// Build creates the queue for one cycle. Sources are visited in the given
// order. A source waiting for login gets a single login_pending task.
func Build(plans []SourcePlan) *Queue {
	q := &Queue{skipped: make(map[string]bool)}

	for _, p := range plans {
		if p.AuthPending {
			q.append(Task{Kind: KindLoginPending, Source: p.Name})
			continue
		}
		q.append(Task{Kind: KindCheckServers, Source: p.Name})
		if p.AutoDiscover {
			q.append(Task{Kind: KindDiscoverChannels, Source: p.Name})
		}
		q.append(Task{Kind: KindCheckNotifications, Source: p.Name})
	}

	for _, p := range plans {
		if p.AuthPending {
			continue
		}
		for _, ch := range p.Channels {
			q.append(SyncTask(p.Name, ch))
		}
	}

	q.sortPending()
	return q
}

// SyncTask builds a sync_channel task for a planned channel.
func SyncTask(source string, ch ChannelPlan) Task {
	return Task{
		Kind:        KindSyncChannel,
		Source:      source,
		ChannelID:   ch.ID,
		ChannelName: ch.Name,
		ChannelURL:  ch.URL,
		State:       ch.State,
	}
}

func (q *Queue) append(t Task) {
	t.seq = q.seq
	q.seq++
	q.tasks = append(q.tasks, t)
}

// Push adds a task to the pending tail and re-sorts it. A sync task for a
// channel that is already pending or done this cycle is ignored.
func (q *Queue) Push(t Task) bool {
	if t.Kind == KindSyncChannel && q.HasChannel(t.ChannelID) {
		return false
	}
	q.append(t)
	q.sortPending()
	return true
}

// HasChannel reports whether a sync task for the channel was ever queued
// this cycle, pending or already run.
func (q *Queue) HasChannel(channelID int64) bool {
	for _, t := range q.tasks {
		if t.Kind == KindSyncChannel && t.ChannelID == channelID {
			return true
		}
	}
	return false
}

// MarkUnread flags pending sync tasks of source whose URL is in urls and
// moves them ahead of the rest. It returns the number of tasks flagged.
func (q *Queue) MarkUnread(source string, urls []string) int {
	set := make(map[string]bool, len(urls))
	for _, u := range urls {
		set[u] = true
	}

	n := 0
	for i := q.next; i < len(q.tasks); i++ {
		t := &q.tasks[i]
		if t.Kind == KindSyncChannel && t.Source == source && !t.Unread && set[t.ChannelURL] {
			t.Unread = true
			n++
		}
	}
	if n > 0 {
		q.sortPending()
	}
	return n
}

// SkipSource drops every remaining task of a source for this cycle.
func (q *Queue) SkipSource(source string) {
	q.skipped[source] = true
}

// Skipped reports whether a source was skipped.
func (q *Queue) Skipped(source string) bool {
	return q.skipped[source]
}

// Len returns the number of tasks not yet taken.
func (q *Queue) Len() int {
	return len(q.tasks) - q.next
}

// Pending returns a copy of the tasks not yet taken, in execution order.
func (q *Queue) Pending() []Task {
	return append([]Task(nil), q.tasks[q.next:]...)
}

func (q *Queue) pop() (Task, bool) {
	if q.next >= len(q.tasks) {
		return Task{}, false
	}
	t := q.tasks[q.next]
	q.next++
	return t, true
}

func (q *Queue) sortPending() {
	tail := q.tasks[q.next:]
	sort.SliceStable(tail, func(i, j int) bool {
		return less(tail[i], tail[j])
	})
}

func less(a, b Task) bool {
	if a.phase() != b.phase() {
		return a.phase() < b.phase()
	}
	if a.Kind == KindSyncChannel {
		if a.Unread != b.Unread {
			return a.Unread
		}
		ar, br := isRecent(a), isRecent(b)
		if ar != br {
			return ar
		}
	}
	return a.seq < b.seq
}

func isRecent(t Task) bool {
	return t.State.Mode != store.ModeBackfill
}
