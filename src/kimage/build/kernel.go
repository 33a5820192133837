package build

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bitswalk/kimage/src/common/errors"
	"github.com/bitswalk/kimage/src/common/paths"
)

// KernelConfig holds configuration for the kernel builder
type KernelConfig struct {
	KernelDir string
	Toolchain ToolchainConfig
	Output    io.Writer // receives toolchain output; nil discards it
}

// KernelBuilder compiles the kernel and turns the linked executable into a
// loader-ready raw binary
type KernelBuilder struct {
	cfg    KernelConfig
	runner Runner
}

// NewKernelBuilder creates a kernel builder. A nil runner runs commands on
// the host.
func NewKernelBuilder(cfg KernelConfig, runner Runner) *KernelBuilder {
	if runner == nil {
		runner = NewExecRunner(nil)
	}
	return &KernelBuilder{cfg: cfg, runner: runner}
}

// CompileArgs returns the cargo arguments building p
func CompileArgs(p Params) []string {
	args := []string{"build", "--target", p.Triple}
	if p.Target.Mode() == ModeRelease {
		args = append(args, "--release")
	}
	if len(p.Features) > 0 {
		args = append(args, "--features", strings.Join(p.Features, " "))
	}
	return args
}

// Compile builds the kernel for p and returns the path of the linked
// executable. Toolchain failures carry the toolchain's stderr verbatim.
func (b *KernelBuilder) Compile(ctx context.Context, p Params) (string, error) {
	cargo, err := b.cfg.Toolchain.CargoPath()
	if err != nil {
		return "", err
	}

	var stderr bytes.Buffer
	errOut := io.Writer(&stderr)
	if b.cfg.Output != nil {
		errOut = io.MultiWriter(&stderr, b.cfg.Output)
	}

	args := CompileArgs(p)
	log.Info("Compiling kernel", "target", p.Target.String(), "triple", p.Triple, "features", strings.Join(p.Features, " "))

	err = b.runner.Run(ctx, cargo, args, RunOpts{
		Dir:    b.cfg.KernelDir,
		Env:    b.cfg.Toolchain.Environ(),
		Stdout: b.cfg.Output,
		Stderr: errOut,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", errors.ErrToolchain.WithMessagef("cargo %s failed for %s:\n%s", strings.Join(args, " "), p.Target, msg).WithCause(err)
	}

	if !paths.IsFile(p.ExecutablePath) {
		return "", errors.ErrToolchain.WithMessagef("build for %s produced no executable at %s", p.Target, p.ExecutablePath)
	}
	return p.ExecutablePath, nil
}

// Extract writes the raw binary of the executable built for p
func (b *KernelBuilder) Extract(p Params) (KernelArtifact, error) {
	return ExtractRawBinary(p.ExecutablePath, p.RawBinaryPath)
}

// Deploy copies the raw binary to dest through a temporary file and a
// rename, so dest is either the previous binary or the new one.
func (b *KernelBuilder) Deploy(art KernelArtifact, dest string) error {
	if dest == "" {
		return nil
	}
	if err := paths.CopyFileAtomic(art.RawBinaryPath, dest, 0644); err != nil {
		if os.IsNotExist(err) {
			return errors.ErrExtraction.WithMessagef("raw binary %s does not exist", art.RawBinaryPath).WithCause(err)
		}
		return errors.ErrIO.WithMessagef("failed to deploy %s to %s", art.RawBinaryPath, dest).WithCause(err)
	}
	log.Info("Deployed kernel", "src", art.RawBinaryPath, "dst", dest)
	return nil
}

// Clean removes the kernel build outputs
func (b *KernelBuilder) Clean(ctx context.Context) error {
	cargo, err := b.cfg.Toolchain.CargoPath()
	if err != nil {
		return err
	}
	var stderr bytes.Buffer
	err = b.runner.Run(ctx, cargo, []string{"clean"}, RunOpts{
		Dir:    b.cfg.KernelDir,
		Env:    b.cfg.Toolchain.Environ(),
		Stdout: b.cfg.Output,
		Stderr: &stderr,
	})
	if err != nil {
		return errors.ErrToolchain.WithMessagef("cargo clean failed:\n%s", strings.TrimSpace(stderr.String())).WithCause(err)
	}
	return nil
}

func formatAddr(a uint64) string {
	return fmt.Sprintf("%#x", a)
}
