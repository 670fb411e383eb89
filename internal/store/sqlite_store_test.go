package store

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/soma-tiles/rma/internal/expr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "db", "runs.sqlite"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRun(id, batch string) *Run {
	return &Run{
		ID:        id,
		Batch:     batch,
		Params:    RunParams{Batch: batch, Design: "toy", Arrays: []string{"a.txt", "b.txt"}, Summarizer: "plm"},
		CreatedAt: time.Now(),
	}
}

func TestStore_RunLifecycle(t *testing.T) {
	s := newTestStore(t)

	run := testRun("r1", "liver")
	if err := s.CreateRun(run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.Status != RunStatusQueued || run.ParamsHash == "" {
		t.Fatalf("expected queued run with params hash, got %+v", run)
	}

	if started, err := s.UpdateRunStarted("r1"); err != nil || !started {
		t.Fatalf("UpdateRunStarted: %v %v", started, err)
	}
	if err := s.UpdateRunProgress("r1", "normalize", 3, 4); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetRun("r1")
	if err != nil || got == nil {
		t.Fatalf("GetRun: %v %v", got, err)
	}
	if got.Status != RunStatusRunning || got.StartedAt == nil {
		t.Fatalf("expected running with start time, got %+v", got)
	}
	if got.Progress != (RunProgress{Phase: "normalize", Done: 3, Total: 4}) {
		t.Fatalf("unexpected progress %+v", got.Progress)
	}
	if got.Params.Design != "toy" || len(got.Params.Arrays) != 2 {
		t.Fatalf("params not round-tripped: %+v", got.Params)
	}

	if err := s.UpdateRunStatus("r1", RunStatusFailed, "boom"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetRun("r1")
	if got.Status != RunStatusFailed || got.Error != "boom" || got.FinishedAt == nil {
		t.Fatalf("expected failed run, got %+v", got)
	}

	missing, err := s.GetRun("nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for missing run, got %v %v", missing, err)
	}
}

func TestStore_StartAndCancelOnlyQueued(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"a", "b"} {
		if err := s.CreateRun(testRun(id, "liver")); err != nil {
			t.Fatal(err)
		}
	}

	if ok, err := s.CancelQueuedRun("a", "cancelled before start"); err != nil || !ok {
		t.Fatalf("CancelQueuedRun: %v %v", ok, err)
	}
	if started, err := s.UpdateRunStarted("a"); err != nil || started {
		t.Fatalf("cancelled run must not start: %v %v", started, err)
	}
	got, _ := s.GetRun("a")
	if got.Status != RunStatusCancelled || got.StartedAt != nil || got.FinishedAt == nil {
		t.Fatalf("expected cancelled run, got %+v", got)
	}

	if started, err := s.UpdateRunStarted("b"); err != nil || !started {
		t.Fatalf("UpdateRunStarted: %v %v", started, err)
	}
	if ok, err := s.CancelQueuedRun("b", "late"); err != nil || ok {
		t.Fatalf("running run must not be cancelled as queued: %v %v", ok, err)
	}
	got, _ = s.GetRun("b")
	if got.Status != RunStatusRunning {
		t.Fatalf("expected running run, got %+v", got)
	}
}

func TestStore_Expressions(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateRun(testRun("r1", "liver")); err != nil {
		t.Fatal(err)
	}

	table := expr.NewTable([]string{"ps1", "ps2"}, []string{"a", "b"}, true)
	table.Values[0] = []float64{7.5, 8.25}
	table.Values[1] = []float64{3, 4}
	table.SE[0] = []float64{0.1, 0.2}
	table.SE[1] = []float64{expr.Undefined, expr.Undefined}

	if err := s.InsertExpressions("r1", table); err != nil {
		t.Fatalf("InsertExpressions: %v", err)
	}
	got, err := s.LoadTable("r1", true)
	if err != nil {
		t.Fatalf("LoadTable: %v", err)
	}
	if len(got.Probesets) != 2 || got.Probesets[1] != "ps2" || got.Arrays[1] != "b" {
		t.Fatalf("unexpected names %v %v", got.Probesets, got.Arrays)
	}
	if got.Values[0][1] != 8.25 || got.Values[1][0] != 3 {
		t.Fatalf("unexpected values %v", got.Values)
	}
	if got.SE[0][0] != 0.1 || !math.IsNaN(got.SE[1][1]) {
		t.Fatalf("unexpected SE %v", got.SE)
	}

	run, _ := s.GetRun("r1")
	if run.Probesets != 2 {
		t.Fatalf("expected probeset count 2, got %d", run.Probesets)
	}

	// Reinserting replaces the previous table.
	if err := s.InsertExpressions("r1", table); err != nil {
		t.Fatalf("reinsert: %v", err)
	}
	if _, err := s.LoadTable("r1", false); err != nil {
		t.Fatalf("LoadTable after reinsert: %v", err)
	}
}

func TestStore_LatestCompletedRun(t *testing.T) {
	s := newTestStore(t)

	first := testRun("r1", "liver")
	second := testRun("r2", "liver")
	other := testRun("r3", "liver")
	other.Params.Summarizer = "median_polish"
	for _, r := range []*Run{first, second, other} {
		if err := s.CreateRun(r); err != nil {
			t.Fatal(err)
		}
	}
	if first.ParamsHash != second.ParamsHash || first.ParamsHash == other.ParamsHash {
		t.Fatalf("params hash should depend only on params")
	}

	got, err := s.LatestCompletedRun("liver", first.ParamsHash)
	if err != nil || got != nil {
		t.Fatalf("expected no completed run, got %v %v", got, err)
	}

	s.UpdateRunStatus("r1", RunStatusCompleted, "")
	time.Sleep(2 * time.Millisecond)
	s.UpdateRunStatus("r2", RunStatusCompleted, "")
	s.UpdateRunStatus("r3", RunStatusCompleted, "")

	got, err = s.LatestCompletedRun("liver", first.ParamsHash)
	if err != nil || got == nil {
		t.Fatalf("LatestCompletedRun: %v %v", got, err)
	}
	if got.ID != "r2" {
		t.Fatalf("expected newest run r2, got %s", got.ID)
	}
}

func TestStore_Recovery(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"q1", "q2", "running"} {
		if err := s.CreateRun(testRun(id, "liver")); err != nil {
			t.Fatal(err)
		}
	}
	s.UpdateRunStarted("running")

	n, err := s.MarkRunningAsFailed("interrupted")
	if err != nil || n != 1 {
		t.Fatalf("MarkRunningAsFailed: %d %v", n, err)
	}
	run, _ := s.GetRun("running")
	if run.Status != RunStatusFailed || run.Error != "interrupted" {
		t.Fatalf("expected interrupted failure, got %+v", run)
	}

	queued, err := s.ListQueuedRuns()
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 2 {
		t.Fatalf("expected 2 queued runs, got %d", len(queued))
	}

	all, err := s.ListRuns(0)
	if err != nil || len(all) != 3 {
		t.Fatalf("ListRuns: %d %v", len(all), err)
	}
}

func TestStore_DeleteAndExpire(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"old", "new"} {
		if err := s.CreateRun(testRun(id, "liver")); err != nil {
			t.Fatal(err)
		}
		table := expr.NewTable([]string{"ps"}, []string{"a"}, false)
		if err := s.InsertExpressions(id, table); err != nil {
			t.Fatal(err)
		}
	}
	s.UpdateRunStatus("old", RunStatusCompleted, "")
	past := formatTime(time.Now().AddDate(0, 0, -40))
	if _, err := s.db.Exec("UPDATE rma_runs SET finished_at = ? WHERE run_id = ?", past, "old"); err != nil {
		t.Fatal(err)
	}

	n, err := s.DeleteExpiredRuns(30)
	if err != nil || n != 1 {
		t.Fatalf("DeleteExpiredRuns: %d %v", n, err)
	}
	if run, _ := s.GetRun("old"); run != nil {
		t.Fatalf("expected expired run to be deleted")
	}

	if err := s.DeleteRun("new"); err != nil {
		t.Fatal(err)
	}
	var cells int
	s.db.QueryRow("SELECT COUNT(*) FROM rma_expressions").Scan(&cells)
	if cells != 0 {
		t.Fatalf("expected no expression rows, got %d", cells)
	}
}
