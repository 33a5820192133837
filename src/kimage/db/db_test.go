package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/bitswalk/kimage/src/kimage/db/migrations"
)

func newTestDB(t *testing.T, persistPath string) *Database {
	t.Helper()
	d, err := New(context.Background(), Config{PersistPath: persistPath, LoadOnStart: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return d
}

func TestNew_AppliesMigrations(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t, "")
	defer d.Shutdown()

	runner := migrations.NewRunner(d.DB())
	version, err := runner.CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("CurrentVersion() error = %v", err)
	}
	if want := len(migrations.All()); version != want {
		t.Errorf("CurrentVersion() = %d, want %d", version, want)
	}

	pending, err := runner.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() error = %v", err)
	}
	if pending != 0 {
		t.Errorf("PendingCount() = %d, want 0", pending)
	}

	// A second run has nothing to do.
	if err := runner.Run(ctx); err != nil {
		t.Errorf("Run() second time error = %v", err)
	}
}

func TestSettings(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t, "")
	defer d.Shutdown()

	if _, err := d.GetSetting(ctx, "missing"); err != sql.ErrNoRows {
		t.Errorf("GetSetting(missing) error = %v, want sql.ErrNoRows", err)
	}

	if err := d.SetSetting(ctx, "toolchain.bin_dir", "/opt/cross/bin"); err != nil {
		t.Fatalf("SetSetting() error = %v", err)
	}
	if err := d.SetSetting(ctx, "toolchain.bin_dir", "/usr/local/cross/bin"); err != nil {
		t.Fatalf("SetSetting() overwrite error = %v", err)
	}

	got, err := d.GetSetting(ctx, "toolchain.bin_dir")
	if err != nil {
		t.Fatalf("GetSetting() error = %v", err)
	}
	if got != "/usr/local/cross/bin" {
		t.Errorf("GetSetting() = %q, want overwritten value", got)
	}

	all, err := d.GetAllSettings(ctx)
	if err != nil {
		t.Fatalf("GetAllSettings() error = %v", err)
	}
	if len(all) != 1 {
		t.Errorf("GetAllSettings() returned %d entries, want 1", len(all))
	}
}

func TestSettingsStore(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t, "")
	defer d.Shutdown()

	store := NewSettingsStore(d)
	if _, ok, err := store.Get(ctx, "PATH"); err != nil || ok {
		t.Errorf("Get(PATH) = ok %v, err %v; want unset", ok, err)
	}
	if err := store.Set(ctx, "PATH", "/opt/cross/bin"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	v, ok, err := store.Get(ctx, "PATH")
	if err != nil || !ok || v != "/opt/cross/bin" {
		t.Errorf("Get(PATH) = %q, %v, %v", v, ok, err)
	}
	if err := store.Commit(ctx); err != nil {
		t.Errorf("Commit() error = %v", err)
	}
}

func TestRunRepository(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t, "")
	defer d.Shutdown()

	repo := NewRunRepository(d)

	ok := &BuildRun{Command: "build", Arch: "riscv64", Board: "rvqemu", Mode: "debug"}
	if err := repo.Create(ctx, ok); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if ok.ID == "" {
		t.Fatal("Create() did not assign an ID")
	}
	if err := repo.RecordStage(ctx, ok.ID, StageRecord{Stage: "compile", Status: "ok", DurationMs: 1200}); err != nil {
		t.Fatalf("RecordStage() error = %v", err)
	}
	if err := repo.RecordStage(ctx, ok.ID, StageRecord{Stage: "extract", Status: "ok", DurationMs: 3}); err != nil {
		t.Fatalf("RecordStage() error = %v", err)
	}
	if err := repo.MarkSucceeded(ctx, ok.ID, "/out/riscv64/rvqemu/kernel.bin", 4096, "/out/fs.img", 12, 1); err != nil {
		t.Fatalf("MarkSucceeded() error = %v", err)
	}

	bad := &BuildRun{Command: "build", Arch: "loongarch64", Board: "laqemu", Mode: "release"}
	if err := repo.Create(ctx, bad); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.MarkFailed(ctx, bad.ID, "compile", "linker error"); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}

	got, err := repo.GetByID(ctx, ok.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Status != RunStatusSucceeded || got.RawSize != 4096 || got.CopiedCount != 12 || got.WarningCount != 1 {
		t.Errorf("GetByID() = %+v", got)
	}
	if got.FinishedAt == nil {
		t.Error("GetByID() FinishedAt is nil for a finished run")
	}

	failed, err := repo.GetByID(ctx, bad.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if failed.Status != RunStatusFailed || failed.ErrorStage != "compile" || failed.ErrorMessage != "linker error" {
		t.Errorf("failed run = %+v", failed)
	}

	if _, err := repo.GetByID(ctx, "nope"); err != sql.ErrNoRows {
		t.Errorf("GetByID(nope) error = %v, want sql.ErrNoRows", err)
	}

	stages, err := repo.Stages(ctx, ok.ID)
	if err != nil {
		t.Fatalf("Stages() error = %v", err)
	}
	if len(stages) != 2 || stages[0].Stage != "compile" || stages[1].Stage != "extract" {
		t.Errorf("Stages() = %+v", stages)
	}

	all, err := repo.List(ctx, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("List() returned %d runs, want 2", len(all))
	}
	if all[0].ID != bad.ID {
		t.Errorf("List()[0] = %s, want most recent run %s", all[0].ID, bad.ID)
	}

	limited, err := repo.List(ctx, 1)
	if err != nil {
		t.Fatalf("List(1) error = %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("List(1) returned %d runs", len(limited))
	}
}

func TestPersistRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "kimage.db")

	d := newTestDB(t, path)
	if err := d.SetSetting(ctx, "last_board", "la2k1000"); err != nil {
		t.Fatalf("SetSetting() error = %v", err)
	}
	run := &BuildRun{Command: "image", Arch: "loongarch64", Board: "la2k1000", Mode: "debug"}
	if err := NewRunRepository(d).Create(ctx, run); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := d.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	// Shutdown is idempotent.
	if err := d.Shutdown(); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}

	reopened := newTestDB(t, path)
	defer reopened.Shutdown()

	v, err := reopened.GetSetting(ctx, "last_board")
	if err != nil || v != "la2k1000" {
		t.Errorf("GetSetting() after reload = %q, %v", v, err)
	}
	got, err := NewRunRepository(reopened).GetByID(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetByID() after reload error = %v", err)
	}
	if got.Board != "la2k1000" {
		t.Errorf("reloaded run board = %q", got.Board)
	}
}
