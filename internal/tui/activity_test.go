package tui

import (
	"strings"
	"testing"
	"time"

	"github.com/basket/taskinbox/internal/task"
)

func TestActivityFeed_AddAndLen(t *testing.T) {
	f := NewActivityFeed()
	if f.Len() != 0 {
		t.Fatal("new feed should be empty")
	}
	f.Add(ActivityItem{TaskID: "1", Icon: "+", Message: "test", At: testNow})
	if f.Len() != 1 {
		t.Fatal("len should be 1")
	}
}

func TestActivityFeed_MaxItems(t *testing.T) {
	f := NewActivityFeed()
	f.maxItems = 3
	for i := 0; i < 5; i++ {
		f.Add(ActivityItem{TaskID: string(rune('a' + i)), At: testNow})
	}
	if f.Len() != 3 {
		t.Fatalf("expected 3, got %d", f.Len())
	}
	if f.items[0].TaskID != "c" {
		t.Fatalf("expected oldest items dropped, first is %q", f.items[0].TaskID)
	}
}

func TestActivityFeed_Observe(t *testing.T) {
	f := NewActivityFeed()
	prev := []task.Task{
		sampleTask("same", task.StatusRunning),
		sampleTask("moved", task.StatusRunning),
		sampleTask("gone", task.StatusCompleted),
	}
	moved := sampleTask("moved", task.StatusNeedsAttention)
	moved.AttentionReason = "Waiting for input"
	next := []task.Task{
		sampleTask("same", task.StatusRunning),
		moved,
		sampleTask("new", task.StatusRunning),
	}

	if n := f.Observe(prev, next, testNow); n != 3 {
		t.Fatalf("expected 3 changes, got %d", n)
	}
	view := f.View(testNow)
	for _, want := range []string{"moved running → needs_attention (Waiting for input)", "new started", "gone removed"} {
		if !strings.Contains(view, want) {
			t.Errorf("expected %q in feed:\n%s", want, view)
		}
	}
	if strings.Contains(view, "same") {
		t.Errorf("unchanged task reported:\n%s", view)
	}
}

func TestActivityFeed_CleanupOld(t *testing.T) {
	f := NewActivityFeed()
	f.Add(ActivityItem{TaskID: "old", At: testNow.Add(-2 * time.Minute)})
	f.Add(ActivityItem{TaskID: "fresh", At: testNow})
	if removed := f.CleanupOld(testNow, 30*time.Second); removed != 1 {
		t.Fatalf("removed %d", removed)
	}
	if f.Len() != 1 {
		t.Fatalf("expected 1 item left, got %d", f.Len())
	}
}

func TestActivityFeed_Toggle(t *testing.T) {
	f := NewActivityFeed()
	f.Add(ActivityItem{TaskID: "x", Icon: "+", Message: "x started", At: testNow})
	if !strings.Contains(f.View(testNow), "x started") {
		t.Fatal("expanded feed should list items")
	}
	f.Toggle()
	view := f.View(testNow)
	if strings.Contains(view, "x started") || !strings.Contains(view, "1 recent changes") {
		t.Fatalf("collapsed feed should only summarise, got %q", view)
	}
}

func TestActivityFeed_EmptyView(t *testing.T) {
	if v := NewActivityFeed().View(testNow); v != "" {
		t.Fatalf("expected empty view, got %q", v)
	}
}
