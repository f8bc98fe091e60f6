package cron

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-warden/internal/persistence"
	"github.com/basket/go-warden/internal/workitem"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gowarden.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// putDoneGoal persists a scheduled goal that has completed its last run.
func putDoneGoal(t *testing.T, store *persistence.Store, id, schedule string) {
	t.Helper()
	ctx := context.Background()
	goal := workitem.WorkItem{
		ID:          id,
		Type:        workitem.TypeGoal,
		Briefing:    "send the weekly digest",
		ScopeID:     "scope-a",
		Schedule:    schedule,
		SpawnPolicy: &workitem.SpawnPolicy{Type: workitem.TypeTask},
	}
	if err := store.PutWorkItem(ctx, goal); err != nil {
		t.Fatalf("put goal: %v", err)
	}
	for _, step := range []workitem.Status{workitem.StatusRunning, workitem.StatusDone} {
		from := workitem.StatusPending
		if step == workitem.StatusDone {
			from = workitem.StatusRunning
		}
		if _, err := store.TransitionWorkItem(ctx, id, []workitem.Status{from}, step); err != nil {
			t.Fatalf("advance goal to %s: %v", step, err)
		}
	}
}

func itemStatus(t *testing.T, store *persistence.Store, id string) workitem.Status {
	t.Helper()
	w, err := store.GetWorkItem(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return w.Status
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, time.March, 3, 7, 30, 0, 0, time.UTC)

	next, err := NextRunTime("0 8 * * *", after)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2026, time.March, 3, 8, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}

	// 07:30 is already past today's 07:00 slot.
	next, err = NextRunTime("0 7 * * *", after)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want = time.Date(2026, time.March, 4, 7, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("expected rollover to next day, got %v", next)
	}

	if _, err := NextRunTime("not a cron", after); err == nil {
		t.Error("expected malformed expression to error")
	}
	// Only plain 5-field expressions are accepted.
	if _, err := NextRunTime("@daily", after); err == nil {
		t.Error("expected descriptor expression to be rejected")
	}
	if _, err := NextRunTime("0 0 8 * * *", after); err == nil {
		t.Error("expected 6-field expression to be rejected")
	}
}

func TestScheduler_FiresDueGoal(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	s := NewScheduler(Config{Store: store, Interval: time.Hour})

	putDoneGoal(t, store, "goal-1", "* * * * *")
	if err := store.SetGoalSchedule(ctx, "goal-1", time.Now().UTC().Add(-time.Minute)); err != nil {
		t.Fatalf("set schedule: %v", err)
	}

	s.tick(ctx)

	if got := itemStatus(t, store, "goal-1"); got != workitem.StatusPending {
		t.Fatalf("expected goal re-entered pending, got %s", got)
	}

	// Firing recorded a future next_run_at, so it is no longer due.
	due, err := store.DueGoals(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("due goals: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("expected goal rescheduled after firing, got %+v", due)
	}
}

func TestScheduler_SkipsGoalsNotDue(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	s := NewScheduler(Config{Store: store, Interval: time.Hour})

	putDoneGoal(t, store, "goal-1", "0 8 * * *")
	if err := store.SetGoalSchedule(ctx, "goal-1", time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatalf("set schedule: %v", err)
	}

	s.tick(ctx)

	if got := itemStatus(t, store, "goal-1"); got != workitem.StatusDone {
		t.Errorf("expected undue goal untouched, got %s", got)
	}
}

func TestScheduler_LeavesActiveGoalsAlone(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	s := NewScheduler(Config{Store: store, Interval: time.Hour})

	// Due by schedule, but still mid-run: re-entry must wait for completion.
	putDoneGoal(t, store, "goal-1", "* * * * *")
	if _, err := store.TransitionWorkItem(ctx, "goal-1",
		[]workitem.Status{workitem.StatusDone}, workitem.StatusPending); err != nil {
		t.Fatalf("reset goal: %v", err)
	}
	if _, err := store.TransitionWorkItem(ctx, "goal-1",
		[]workitem.Status{workitem.StatusPending}, workitem.StatusRunning); err != nil {
		t.Fatalf("start goal: %v", err)
	}
	if err := store.SetGoalSchedule(ctx, "goal-1", time.Now().UTC().Add(-time.Minute)); err != nil {
		t.Fatalf("set schedule: %v", err)
	}

	s.tick(ctx)

	if got := itemStatus(t, store, "goal-1"); got != workitem.StatusRunning {
		t.Errorf("expected running goal untouched, got %s", got)
	}
}

func TestScheduler_ArmRecordsFirstRun(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	s := NewScheduler(Config{Store: store})

	putDoneGoal(t, store, "goal-1", "0 8 * * *")
	if err := s.Arm(ctx, "goal-1", "0 8 * * *", time.Now().UTC().Add(-24*time.Hour)); err != nil {
		t.Fatalf("arm: %v", err)
	}

	due, err := store.DueGoals(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("due goals: %v", err)
	}
	if len(due) != 1 || due[0].ID != "goal-1" {
		t.Errorf("expected armed goal due, got %+v", due)
	}

	if err := s.Arm(ctx, "goal-1", "nope", time.Now()); err == nil {
		t.Error("expected malformed schedule to error")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	s := NewScheduler(Config{Store: store, Interval: 10 * time.Millisecond})

	putDoneGoal(t, store, "goal-1", "* * * * *")
	if err := store.SetGoalSchedule(ctx, "goal-1", time.Now().UTC().Add(-time.Minute)); err != nil {
		t.Fatalf("set schedule: %v", err)
	}

	s.Start(ctx)
	defer s.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if itemStatus(t, store, "goal-1") == workitem.StatusPending {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected running scheduler to fire the due goal")
}
