package service

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/soma-tiles/rma/internal/cache"
	"github.com/soma-tiles/rma/internal/config"
	"github.com/soma-tiles/rma/internal/intensity"
	"github.com/soma-tiles/rma/internal/layout"
	"github.com/soma-tiles/rma/internal/metrics"
	"github.com/soma-tiles/rma/internal/render"
	"github.com/soma-tiles/rma/internal/runner"
	"github.com/soma-tiles/rma/internal/store"
)

// writeDesign writes a rows×cols text layout with nsets probesets of
// probesPer probes each.
func writeDesign(t *testing.T, dir, design string, rows, cols, nsets, probesPer int) {
	t.Helper()
	var clf, pgf strings.Builder
	fmt.Fprintf(&clf, "#%%rows=%d\n#%%cols=%d\n", rows, cols)
	for loc := 0; loc < rows*cols; loc++ {
		fmt.Fprintf(&clf, "p%d\t%d\t%d\n", loc, loc%cols, loc/cols)
	}
	loc := 0
	for s := 0; s < nsets; s++ {
		ids := make([]string, probesPer)
		for i := range ids {
			ids[i] = fmt.Sprintf("p%d", loc)
			loc++
		}
		fmt.Fprintf(&pgf, "set%d\t%s\n", s, strings.Join(ids, ","))
	}
	if err := os.WriteFile(filepath.Join(dir, design+".clf"), []byte(clf.String()), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, design+".pgf"), []byte(pgf.String()), 0644); err != nil {
		t.Fatal(err)
	}
}

// writeArrays writes n arrays, alternating text and RMAF files.
func writeArrays(t *testing.T, dir string, n, locations int) []string {
	t.Helper()
	rng := rand.New(rand.NewSource(11))
	paths := make([]string, n)
	for a := 0; a < n; a++ {
		values := make([]float64, locations)
		for i := range values {
			values[i] = 80 + 15*rng.NormFloat64()
			if i%3 != 0 {
				values[i] += rng.ExpFloat64() * 300
			}
			if values[i] < 1 {
				values[i] = 1
			}
		}
		if a%2 == 0 {
			paths[a] = filepath.Join(dir, fmt.Sprintf("chip%d.txt", a))
			var sb strings.Builder
			for _, v := range values {
				fmt.Fprintf(&sb, "%g\n", v)
			}
			if err := os.WriteFile(paths[a], []byte(sb.String()), 0644); err != nil {
				t.Fatal(err)
			}
			continue
		}
		paths[a] = filepath.Join(dir, fmt.Sprintf("chip%d.rmaf", a))
		f, err := os.Create(paths[a])
		if err != nil {
			t.Fatal(err)
		}
		if err := intensity.WriteRMAF(f, values); err != nil {
			t.Fatal(err)
		}
		f.Close()
	}
	return paths
}

func newTestService(t *testing.T) (*BatchService, *config.Config, *metrics.Collector) {
	t.Helper()
	dir := t.TempDir()
	layoutDir := filepath.Join(dir, "layouts")
	if err := os.MkdirAll(layoutDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeDesign(t, layoutDir, "toy", 6, 10, 12, 5)

	cfg := config.DefaultConfig()
	cfg.Matrix.MaxCols = 2
	cfg.Matrix.MaxRows = 16
	cfg.Matrix.TempDir = filepath.Join(dir, "tmp")
	cfg.Matrix.Codec = "zstd"
	cfg.Matrix.MemoryLimitMB = 1
	cfg.Pipeline.DensityPoints = 1024
	cfg.Layout.Dir = layoutDir
	cfg.Output.Dir = filepath.Join(dir, "out")
	cfg.Output.RenderQC = true
	cfg.Batches = []config.BatchConfig{{
		Name:   "liver",
		Design: "toy",
		Arrays: writeArrays(t, dir, 4, 60),
	}}

	cm, err := cache.NewManager(cache.Config{BlobCacheSizeMB: 1, LayoutCacheSize: 2})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	t.Cleanup(func() { cm.Close() })

	col := metrics.New()
	svc := NewBatchService(BatchServiceConfig{
		Config:    cfg,
		Layouts:   layout.NewProvider(layoutDir, cm),
		BlobCache: cm,
		Renderer:  render.NewBoxplotRenderer(render.Config{Width: 320, Height: 200}),
		Metrics:   col,
	})
	return svc, cfg, col
}

func TestBatchService_ExecuteAndExport(t *testing.T) {
	svc, cfg, _ := newTestService(t)
	run := &store.Run{ID: "r1", Batch: "liver", Params: svc.Params(cfg.Batches[0])}

	var phases []string
	progress := func(phase string, done, total int) {
		if len(phases) == 0 || phases[len(phases)-1] != phase {
			phases = append(phases, phase)
		}
	}
	table, err := svc.Execute(context.Background(), run, progress)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(table.Probesets) != 12 || len(table.Arrays) != 4 || !table.HasSE() {
		t.Fatalf("unexpected table shape %dx%d (se=%v)", len(table.Probesets), len(table.Arrays), table.HasSE())
	}
	if table.Arrays[1] != "chip1" {
		t.Fatalf("expected array names from file names, got %v", table.Arrays)
	}
	want := []string{"load", "normalize", "background", "summarize"}
	if strings.Join(phases, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected phases %v", phases)
	}

	for _, name := range []string{"liver_raw_qc.png", "liver_processed_qc.png"} {
		if _, err := os.Stat(filepath.Join(cfg.Output.Dir, name)); err != nil {
			t.Fatalf("expected QC plot %s: %v", name, err)
		}
	}

	paths, err := svc.Export(run, table)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected expression and SE files, got %v", paths)
	}
	data, err := os.ReadFile(paths[0])
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 13 || !strings.HasPrefix(lines[1], "set0\t") {
		t.Fatalf("unexpected expression file:\n%s", data)
	}
}

func TestBatchService_UnknownDesign(t *testing.T) {
	svc, cfg, _ := newTestService(t)
	params := svc.Params(cfg.Batches[0])
	params.Design = "missing"
	_, err := svc.Execute(context.Background(), &store.Run{ID: "r", Params: params}, nil)
	if err == nil || !strings.Contains(err.Error(), "design not found") {
		t.Fatalf("expected missing design error, got %v", err)
	}
}

func TestBatchService_WithRunner(t *testing.T) {
	svc, cfg, col := newTestService(t)
	st, err := store.NewStore(filepath.Join(t.TempDir(), "runs.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	m := runner.NewManager(runner.Config{Reuse: true}, st, svc.Execute, nil)
	m.SetObserver(col)
	m.Start()
	defer m.Stop()

	run, err := m.Submit(svc.Params(cfg.Batches[0]))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	done, err := m.Wait(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != store.RunStatusCompleted {
		t.Fatalf("expected completed run, got %s: %s", done.Status, done.Error)
	}
	if done.Progress.Phase != "summarize" || done.Probesets != 12 {
		t.Fatalf("unexpected run record %+v", done)
	}

	stored, err := st.LoadTable(run.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Export(done, stored); err != nil {
		t.Fatal(err)
	}

	again, err := m.Submit(svc.Params(cfg.Batches[0]))
	if err != nil || again.ID != run.ID {
		t.Fatalf("expected reuse of %s, got %v %v", run.ID, again, err)
	}
}

func TestBatchService_ChangedInputsAreRecomputed(t *testing.T) {
	svc, cfg, _ := newTestService(t)
	st, err := store.NewStore(filepath.Join(t.TempDir(), "runs.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	m := runner.NewManager(runner.Config{Reuse: true}, st, svc.Execute, nil)
	m.Start()
	defer m.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch := cfg.Batches[0]
	before := svc.Params(batch)
	first, err := m.Submit(before)
	if err != nil {
		t.Fatal(err)
	}
	if done, err := m.Wait(ctx, first.ID); err != nil || done.Status != store.RunStatusCompleted {
		t.Fatalf("first run did not complete: %+v %v", done, err)
	}

	// Rescanning an array rewrites its file.
	f, err := os.OpenFile(batch.Arrays[0], os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("# rescanned\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	after := svc.Params(batch)
	if after.Hash() == before.Hash() {
		t.Fatalf("changed array file must change the run hash")
	}
	second, err := m.Submit(after)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID == first.ID {
		t.Fatalf("changed inputs must not reuse run %s", first.ID)
	}
	if done, err := m.Wait(ctx, second.ID); err != nil || done.Status != store.RunStatusCompleted {
		t.Fatalf("second run did not complete: %+v %v", done, err)
	}
}
