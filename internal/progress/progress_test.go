package progress

import "testing"

func TestTrackerMonotonic(t *testing.T) {
	tr := NewTracker()

	tr.Report("run", 20, "parsing")
	tr.Report("run", 60, "grading")
	tr.Report("run", 40, "stale report")

	u, ok := tr.Get("run")
	if !ok {
		t.Fatal("expected progress for run")
	}
	if u.Percentage != 60 {
		t.Errorf("percentage = %v, want 60 (backward report must be dropped)", u.Percentage)
	}
	if u.Message != "grading" {
		t.Errorf("message = %q, want %q", u.Message, "grading")
	}
}

func TestTrackerEqualPercentageUpdatesMessage(t *testing.T) {
	tr := NewTracker()
	tr.Report("run", 20, "first")
	tr.Report("run", 20, "second")

	u, _ := tr.Get("run")
	if u.Message != "second" {
		t.Errorf("message = %q, want %q", u.Message, "second")
	}
}

func TestTrackerOnUpdate(t *testing.T) {
	tr := NewTracker()
	var got []Update
	tr.OnUpdate = func(id string, u Update) {
		got = append(got, u)
	}

	tr.Report("run", 10, "a")
	tr.Report("run", 5, "dropped")
	tr.Report("run", 50, "b")

	if len(got) != 2 {
		t.Fatalf("expected 2 accepted updates, got %d", len(got))
	}
	if got[1].Percentage != 50 {
		t.Errorf("last update percentage = %v, want 50", got[1].Percentage)
	}
}

func TestTrackerForget(t *testing.T) {
	tr := NewTracker()
	tr.Report("run", 100, "done")
	tr.Forget("run")
	if _, ok := tr.Get("run"); ok {
		t.Error("expected no progress after Forget")
	}
}
