package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/basket/taskinbox/internal/task"
)

// ActivityItem is one status change seen between two refreshes.
type ActivityItem struct {
	TaskID  string
	Icon    string
	Message string
	At      time.Time
}

// ActivityFeed keeps the most recent status changes for the dashboard.
type ActivityFeed struct {
	mu        sync.Mutex
	items     []ActivityItem
	collapsed bool
	maxItems  int
}

func NewActivityFeed() *ActivityFeed {
	return &ActivityFeed{maxItems: 10}
}

func (f *ActivityFeed) Add(item ActivityItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
	if len(f.items) > f.maxItems {
		f.items = f.items[len(f.items)-f.maxItems:]
	}
}

// Observe records the differences between two snapshots of the inbox and
// returns how many items were added.
func (f *ActivityFeed) Observe(prev, next []task.Task, now time.Time) int {
	before := make(map[string]task.Task, len(prev))
	for _, t := range prev {
		before[t.TaskID] = t
	}
	added := 0
	for _, t := range next {
		old, seen := before[t.TaskID]
		delete(before, t.TaskID)
		switch {
		case !seen:
			f.Add(ActivityItem{TaskID: t.TaskID, Icon: "+", Message: fmt.Sprintf("%s started: %s", t.TaskID, t.Title), At: now})
		case old.Status != t.Status:
			msg := fmt.Sprintf("%s %s → %s", t.TaskID, old.Status, t.Status)
			if r := Reason(t); r != "" {
				msg += " (" + r + ")"
			}
			f.Add(ActivityItem{TaskID: t.TaskID, Icon: StatusIcon(t.Status), Message: msg, At: now})
		case old.AttentionReason != t.AttentionReason && t.Status == task.StatusNeedsAttention:
			f.Add(ActivityItem{TaskID: t.TaskID, Icon: StatusIcon(t.Status), Message: fmt.Sprintf("%s: %s", t.TaskID, t.AttentionReason), At: now})
		default:
			continue
		}
		added++
	}
	for id := range before {
		f.Add(ActivityItem{TaskID: id, Icon: "-", Message: id + " removed", At: now})
		added++
	}
	return added
}

func (f *ActivityFeed) Toggle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collapsed = !f.collapsed
}

func (f *ActivityFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// CleanupOld drops items older than maxAge at now.
func (f *ActivityFeed) CleanupOld(now time.Time, maxAge time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.items[:0]
	removed := 0
	for _, it := range f.items {
		if now.Sub(it.At) >= maxAge {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	f.items = kept
	return removed
}

func (f *ActivityFeed) View(now time.Time) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) == 0 {
		return ""
	}
	if f.collapsed {
		return dimStyle.Render(fmt.Sprintf("── %d recent changes (a to expand) ──", len(f.items))) + "\n"
	}

	var out strings.Builder
	out.WriteString(dimStyle.Render("── Recent changes (a to collapse) ──") + "\n")
	for i := len(f.items) - 1; i >= 0; i-- {
		it := f.items[i]
		ago := dimStyle.Render(FormatAge(now.Sub(it.At)) + " ago")
		out.WriteString(fmt.Sprintf("%s %s %s\n", it.Icon, it.Message, ago))
	}
	return out.String()
}
