package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Brownie44l1/lnr-test/internal/catalog"
	"github.com/Brownie44l1/lnr-test/internal/options"
)

func TestNewLoggerLevel(t *testing.T) {
	ctx := context.Background()
	if !newLogger("debug").Enabled(ctx, slog.LevelDebug) {
		t.Error("debug level should enable debug logs")
	}
	if newLogger("warn").Enabled(ctx, slog.LevelInfo) {
		t.Error("warn level should hide info logs")
	}
	if !newLogger("bogus").Enabled(ctx, slog.LevelInfo) {
		t.Error("unknown level should fall back to info")
	}
}

func TestOpenCatalog(t *testing.T) {
	ctx := context.Background()
	webDir := t.TempDir()
	run := catalog.NewRun("reflection", "test", "latest")

	store, err := openCatalog(ctx, &options.Options{Catalog: "json"}, webDir, run)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if _, err := os.Stat(filepath.Join(webDir, "frames.json")); err != nil {
		t.Fatalf("json catalog should create frames.json: %v", err)
	}

	store, err = openCatalog(ctx, &options.Options{Catalog: "none"}, webDir, run)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := store.(catalog.Nop); !ok {
		t.Fatalf("catalog none gave %T", store)
	}
}

func TestRunFailsWithoutFrames(t *testing.T) {
	opt := &options.Options{
		Dataroot:       t.TempDir(),
		ResultsDir:     t.TempDir(),
		CheckpointsDir: t.TempDir(),
		Name:           "reflection",
		Phase:          "test",
		Epoch:          "latest",
		NumTest:        5,
		Catalog:        "none",
	}
	if err := run(context.Background(), opt, newLogger("error")); err == nil {
		t.Fatal("expected error for an empty dataroot")
	}
	if opt.BatchSize != 1 || opt.NumThreads != 0 || !opt.SerialBatches || opt.DisplayID != -1 {
		t.Fatalf("test overrides not applied: %+v", opt)
	}
}

func TestLogSimilar(t *testing.T) {
	ctx := context.Background()
	store, err := catalog.NewFileStorage(t.TempDir(), catalog.NewRun("reflection", "test", "latest"))
	if err != nil {
		t.Fatal(err)
	}
	for i, cov := range []float32{0.2, 0.9, 0.25} {
		frame := catalog.Frame{
			Index:  i,
			Path:   filepath.Join("rgb", "frame.png"),
			Layers: []catalog.LayerStat{{Name: "rgba_l0", Coverage: cov}},
		}
		if err := store.AddFrame(ctx, frame); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	if err := logSimilar(ctx, store, 0, 1, logger); err != nil {
		t.Fatalf("logSimilar: %v", err)
	}
	out := buf.String()
	if strings.Count(out, "similar frame") != 1 || !strings.Contains(out, "index=2") {
		t.Fatalf("unexpected log output:\n%s", out)
	}

	if err := logSimilar(ctx, store, 7, 1, logger); !errors.Is(err, catalog.ErrFrameNotFound) {
		t.Fatalf("unknown frame: err = %v", err)
	}

	buf.Reset()
	if err := logSimilar(ctx, catalog.Nop{}, 0, 1, logger); err != nil {
		t.Fatalf("nop catalog: %v", err)
	}
	if !strings.Contains(buf.String(), "does not support") {
		t.Fatalf("expected a warning for the nop catalog, got:\n%s", buf.String())
	}
}
