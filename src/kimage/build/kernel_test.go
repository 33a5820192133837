package build

import (
	"bytes"
	"context"
	"debug/elf"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bitswalk/kimage/src/common/errors"
	"github.com/bitswalk/kimage/src/kimage/image"
	"github.com/spf13/afero"
)

type runCall struct {
	name string
	args []string
	dir  string
}

// fakeRunner stands in for cargo. On success it links a small kernel at
// exe when exe is set.
type fakeRunner struct {
	t      *testing.T
	calls  []runCall
	exe    string
	stderr string
	fail   bool
}

func (f *fakeRunner) Run(ctx context.Context, name string, args []string, opts RunOpts) error {
	f.calls = append(f.calls, runCall{name: name, args: args, dir: opts.Dir})
	if f.stderr != "" && opts.Stderr != nil {
		io.WriteString(opts.Stderr, f.stderr)
	}
	if f.fail {
		return &ExitError{Command: name, Code: 101, Stderr: f.stderr}
	}
	if f.exe != "" {
		writeELF(f.t, f.exe, elf.ET_EXEC, []segment{
			{typ: elf.PT_LOAD, paddr: 0x80200000, data: bytes.Repeat([]byte{0x73}, 64)},
		})
	}
	return nil
}

// fakeCargo creates an executable placeholder for the cargo binary
func fakeCargo(t *testing.T) ToolchainConfig {
	t.Helper()
	bin := t.TempDir()
	cargo := filepath.Join(bin, "cargo")
	if err := os.WriteFile(cargo, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return ToolchainConfig{Cargo: cargo, BinDir: bin}
}

func resolveRVQemu(t *testing.T, kernel, out string) Params {
	t.Helper()
	r := NewResolver(ResolverConfig{KernelDir: kernel, OutputDir: out})
	p, err := r.Resolve(NewBuildTarget(ArchRISCV64, "rvqemu", ModeRelease))
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	return p
}

func TestCompileArgs(t *testing.T) {
	p := Params{
		Target:   NewBuildTarget(ArchLoongArch64, "laqemu", ModeDebug),
		Triple:   "loongarch64-unknown-none",
		Features: []string{"board_laqemu", "loongarch"},
	}
	got := strings.Join(CompileArgs(p), "|")
	want := "build|--target|loongarch64-unknown-none|--features|board_laqemu loongarch"
	if got != want {
		t.Errorf("CompileArgs() = %q, want %q", got, want)
	}

	p.Target = NewBuildTarget(ArchLoongArch64, "laqemu", ModeRelease)
	if !strings.Contains(strings.Join(CompileArgs(p), " "), "--release") {
		t.Error("release builds must pass --release")
	}
}

func TestCompile_Success(t *testing.T) {
	kernel := newKernelTree(t)
	p := resolveRVQemu(t, kernel, t.TempDir())
	runner := &fakeRunner{t: t, exe: p.ExecutablePath}
	tc := fakeCargo(t)
	b := NewKernelBuilder(KernelConfig{KernelDir: kernel, Toolchain: tc}, runner)

	exe, err := b.Compile(context.Background(), p)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	if exe != p.ExecutablePath {
		t.Errorf("Compile() = %q, want %q", exe, p.ExecutablePath)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("expected one toolchain call, got %d", len(runner.calls))
	}
	call := runner.calls[0]
	if call.name != tc.Cargo || call.dir != kernel {
		t.Errorf("ran %s in %s, want %s in %s", call.name, call.dir, tc.Cargo, kernel)
	}
	if call.args[0] != "build" {
		t.Errorf("args = %v", call.args)
	}
}

func TestCompile_ToolchainFailureCarriesStderr(t *testing.T) {
	kernel := newKernelTree(t)
	p := resolveRVQemu(t, kernel, t.TempDir())
	stderr := "error[E0425]: cannot find value `SBI_CONSOLE` in this scope"
	runner := &fakeRunner{t: t, fail: true, stderr: stderr}
	b := NewKernelBuilder(KernelConfig{KernelDir: kernel, Toolchain: fakeCargo(t)}, runner)

	_, err := b.Compile(context.Background(), p)
	if !errors.Is(err, errors.ErrToolchain) {
		t.Fatalf("expected ErrToolchain, got %v", err)
	}
	if !strings.Contains(err.Error(), stderr) {
		t.Errorf("error does not carry the toolchain stderr: %v", err)
	}
}

func TestCompile_NoExecutableProduced(t *testing.T) {
	kernel := newKernelTree(t)
	p := resolveRVQemu(t, kernel, t.TempDir())
	b := NewKernelBuilder(KernelConfig{KernelDir: kernel, Toolchain: fakeCargo(t)}, &fakeRunner{t: t})

	if _, err := b.Compile(context.Background(), p); !errors.Is(err, errors.ErrToolchain) {
		t.Errorf("expected ErrToolchain, got %v", err)
	}
}

func TestCompile_MissingCargo(t *testing.T) {
	kernel := newKernelTree(t)
	p := resolveRVQemu(t, kernel, t.TempDir())
	tc := ToolchainConfig{Cargo: filepath.Join(t.TempDir(), "cargo")}
	b := NewKernelBuilder(KernelConfig{KernelDir: kernel, Toolchain: tc}, &fakeRunner{t: t})

	if _, err := b.Compile(context.Background(), p); !errors.Is(err, errors.ErrToolchainMissing) {
		t.Errorf("expected ErrToolchainMissing, got %v", err)
	}
}

func TestDeploy_Atomic(t *testing.T) {
	dir := t.TempDir()
	raw := filepath.Join(dir, "kernel.bin")
	if err := os.WriteFile(raw, []byte("raw kernel"), 0644); err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(dir, "deploy", "kernel-qemu")
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dest, []byte("previous"), 0644); err != nil {
		t.Fatal(err)
	}

	b := NewKernelBuilder(KernelConfig{}, &fakeRunner{t: t})
	if err := b.Deploy(KernelArtifact{RawBinaryPath: raw}, dest); err != nil {
		t.Fatalf("Deploy() error: %v", err)
	}
	got, _ := os.ReadFile(dest)
	if string(got) != "raw kernel" {
		t.Errorf("deployed content = %q", got)
	}
	entries, _ := os.ReadDir(filepath.Dir(dest))
	if len(entries) != 1 {
		t.Errorf("deploy directory holds %d entries, want 1", len(entries))
	}

	if err := b.Deploy(KernelArtifact{RawBinaryPath: filepath.Join(dir, "nope")}, dest); !errors.Is(err, errors.ErrExtraction) {
		t.Errorf("expected ErrExtraction for a missing raw binary, got %v", err)
	}
	got, _ = os.ReadFile(dest)
	if string(got) != "raw kernel" {
		t.Error("failed deploy modified the destination")
	}
}

func TestClean(t *testing.T) {
	kernel := t.TempDir()
	runner := &fakeRunner{t: t}
	b := NewKernelBuilder(KernelConfig{KernelDir: kernel, Toolchain: fakeCargo(t)}, runner)

	if err := b.Clean(context.Background()); err != nil {
		t.Fatalf("Clean() error: %v", err)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("runner called %d times, want 1", len(runner.calls))
	}
	call := runner.calls[0]
	if strings.Join(call.args, " ") != "clean" || call.dir != kernel {
		t.Errorf("Clean() ran %v in %s", call.args, call.dir)
	}

	failing := NewKernelBuilder(KernelConfig{KernelDir: kernel, Toolchain: fakeCargo(t)},
		&fakeRunner{t: t, fail: true, stderr: "error: could not remove target"})
	err := failing.Clean(context.Background())
	if !errors.Is(err, errors.ErrToolchain) {
		t.Fatalf("expected ErrToolchain, got %v", err)
	}
	if !strings.Contains(err.Error(), "could not remove target") {
		t.Errorf("error does not carry stderr: %v", err)
	}
}

func TestToolchainConfig_Environ(t *testing.T) {
	tc := ToolchainConfig{BinDir: "/opt/cross/bin", Env: map[string]string{"RUSTFLAGS": "-Cforce-frame-pointers=yes"}}
	env := tc.Environ()

	var path, flags string
	for _, kv := range env {
		switch {
		case strings.HasPrefix(kv, "PATH="):
			path = kv
		case strings.HasPrefix(kv, "RUSTFLAGS="):
			flags = kv
		}
	}
	if !strings.HasPrefix(path, "PATH=/opt/cross/bin") {
		t.Errorf("PATH = %q, want the bin dir first", path)
	}
	if flags != "RUSTFLAGS=-Cforce-frame-pointers=yes" {
		t.Errorf("RUSTFLAGS = %q", flags)
	}
}

func TestValidateToolchain(t *testing.T) {
	tc := fakeCargo(t)
	missing := ValidateToolchain(tc, "definitely-not-a-real-tool")
	if len(missing) == 0 || missing[len(missing)-1] != "definitely-not-a-real-tool" {
		t.Errorf("missing = %v", missing)
	}
	for _, m := range missing {
		if m == tc.Cargo {
			t.Error("configured cargo reported missing")
		}
	}
}

func TestExecRunner_CapturesStderr(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := NewExecRunner(nil)
	err := r.Run(context.Background(), "sh", []string{"-c", "echo linker failed >&2; exit 3"}, RunOpts{})

	exitErr, ok := err.(*ExitError)
	if !ok {
		t.Fatalf("expected *ExitError, got %T: %v", err, err)
	}
	if exitErr.Code != 3 || exitErr.Stderr != "linker failed" {
		t.Errorf("ExitError = %+v", exitErr)
	}
}

type recordingObserver struct {
	started  []StageName
	finished []string
}

func (o *recordingObserver) StageStarted(name StageName) {
	o.started = append(o.started, name)
}

func (o *recordingObserver) StageFinished(name StageName, took time.Duration, err error) {
	o.finished = append(o.finished, fmt.Sprintf("%s:%v", name, err == nil))
}

func TestPipeline_FullBuild(t *testing.T) {
	kernel := newKernelTree(t)
	out := t.TempDir()
	r := NewResolver(ResolverConfig{KernelDir: kernel, OutputDir: out})
	target := NewBuildTarget(ArchRISCV64, "rvqemu", ModeRelease)
	p, err := r.Resolve(target)
	if err != nil {
		t.Fatal(err)
	}

	b := NewKernelBuilder(KernelConfig{KernelDir: kernel, Toolchain: fakeCargo(t)}, &fakeRunner{t: t, exe: p.ExecutablePath})
	memFs := afero.NewMemMapFs()
	if err := afero.WriteFile(memFs, "/testsuite/getpid", []byte("getpid"), 0755); err != nil {
		t.Fatal(err)
	}
	a := image.NewAssembler(memFs, image.DefaultConfig())

	obs := &recordingObserver{}
	var lastPercent int
	pipeline := NewPipeline(DefaultStages(r, b, a)...).
		WithObserver(obs).
		WithProgress(func(percent int, message string) { lastPercent = percent })

	rc := &RunContext{
		Target:     target,
		DeployPath: filepath.Join(out, "kernel-qemu"),
		ImageInput: image.Input{ImagePath: "/fs.img", TestSuiteDir: "/testsuite"},
	}
	if err := pipeline.Run(context.Background(), rc); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if rc.Artifact.RawSize != 64 {
		t.Errorf("RawSize = %d, want 64", rc.Artifact.RawSize)
	}
	if _, err := os.Stat(rc.DeployPath); err != nil {
		t.Errorf("raw binary not deployed: %v", err)
	}
	if rc.Report == nil || len(rc.Report.Copied) != 1 {
		t.Errorf("unexpected report: %+v", rc.Report)
	}
	if len(obs.started) != 6 || obs.finished[5] != "assemble:true" {
		t.Errorf("observer saw %v / %v", obs.started, obs.finished)
	}
	if lastPercent != 100 {
		t.Errorf("final progress = %d, want 100", lastPercent)
	}
}

func TestPipeline_FatalErrorNamesStageAndTarget(t *testing.T) {
	kernel := newKernelTree(t)
	r := NewResolver(ResolverConfig{KernelDir: kernel, OutputDir: t.TempDir()})
	b := NewKernelBuilder(KernelConfig{KernelDir: kernel, Toolchain: fakeCargo(t)}, &fakeRunner{t: t, fail: true, stderr: "boom"})

	target := NewBuildTarget(ArchRISCV64, "rvqemu", ModeRelease)
	err := NewPipeline(KernelStages(r, b)...).Run(context.Background(), &RunContext{Target: target})

	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected *StageError, got %v", err)
	}
	if stageErr.Stage != StageCompile {
		t.Errorf("Stage = %s, want compile", stageErr.Stage)
	}
	if !strings.Contains(err.Error(), target.String()) {
		t.Errorf("error does not name the target: %v", err)
	}
	if !errors.Is(err, errors.ErrToolchain) {
		t.Errorf("expected the cause to be ErrToolchain, got %v", err)
	}
}

func TestPipeline_UnknownBoardStopsAtResolve(t *testing.T) {
	r := NewResolver(ResolverConfig{KernelDir: newKernelTree(t)})
	runner := &fakeRunner{t: t}
	b := NewKernelBuilder(KernelConfig{Toolchain: fakeCargo(t)}, runner)

	err := NewPipeline(KernelStages(r, b)...).Run(context.Background(), &RunContext{
		Target: NewBuildTarget(ArchRISCV64, "nonexistent", ModeDebug),
	})
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageResolve {
		t.Fatalf("expected a resolve StageError, got %v", err)
	}
	if len(runner.calls) != 0 {
		t.Error("toolchain invoked after a resolve failure")
	}
}
