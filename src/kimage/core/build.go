package core

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/bitswalk/kimage/src/common/cli"
	"github.com/bitswalk/kimage/src/common/errors"
	"github.com/bitswalk/kimage/src/kimage/build"
	"github.com/bitswalk/kimage/src/kimage/db"
	"github.com/bitswalk/kimage/src/kimage/output"
	"github.com/spf13/cobra"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the kernel and assemble the filesystem image",
	Long: `Resolves the build target, activates the board's linker script, compiles
the kernel, extracts the raw binary and assembles the FAT32 image. Missing
user programs are reported after the run; any other failure aborts it.`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Assemble the filesystem image only",
	Args:  cobra.NoArgs,
	RunE:  runImage,
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove kernel build outputs, the raw binary and the image",
	Args:  cobra.NoArgs,
	RunE:  runClean,
}

func init() {
	buildCmd.Flags().Bool("no-image", false, "Skip filesystem image assembly")
	buildCmd.Flags().String("deploy", "", "Also copy the raw binary to this path")
	_ = cli.BindFlag(buildCmd, "deploy", "build.deploy_path")
}

func runBuild(cmd *cobra.Command, args []string) error {
	resolver, err := newResolver()
	if err != nil {
		return err
	}
	target, err := buildTarget(resolver)
	if err != nil {
		return err
	}

	input, err := imageInput(resolver, target)
	if err != nil {
		return err
	}
	rc := &build.RunContext{
		Target:     target,
		DeployPath: cli.GetExpandedString("build.deploy_path"),
		ImageInput: input,
	}
	if noImage, _ := cmd.Flags().GetBool("no-image"); noImage {
		rc.ImageInput.ImagePath = ""
	}

	stages := build.DefaultStages(resolver, newKernelBuilder(cmd.ErrOrStderr()), newAssembler())
	return executePipeline(cmd, "build", rc, stages)
}

func runImage(cmd *cobra.Command, args []string) error {
	resolver, err := newResolver()
	if err != nil {
		return err
	}
	target, err := buildTarget(resolver)
	if err != nil {
		return err
	}

	input, err := imageInput(resolver, target)
	if err != nil {
		return err
	}
	rc := &build.RunContext{Target: target, ImageInput: input}
	if rc.ImageInput.ImagePath == "" {
		return errors.ErrConfig.WithMessage("image.path is not set")
	}

	stages := []build.Stage{build.NewAssembleStage(newAssembler())}
	return executePipeline(cmd, "image", rc, stages)
}

// executePipeline runs stages, records the run and prints the summary
func executePipeline(cmd *cobra.Command, command string, rc *build.RunContext, stages []build.Stage) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	database, err := openDatabase(ctx)
	if err != nil {
		log.Warn("Run history unavailable", "error", err)
	} else {
		defer func() {
			if err := database.Shutdown(); err != nil {
				log.Warn("Failed to save run history", "error", err)
			}
		}()
	}

	rec := newRunRecorder(ctx, database, command, rc.Target)
	pipeline := build.NewPipeline(stages...).WithObserver(rec).WithProgress(func(percent int, message string) {
		if message != "" {
			log.Debug(message, "progress", percent)
		}
	})

	log.Info("Starting run", "command", command, "target", rc.Target.String(), "stages", len(stages))
	start := time.Now()
	runErr := pipeline.Run(ctx, rc)
	rec.finish(rc, runErr)

	if runErr != nil {
		return runErr
	}
	printSummary(cmd.OutOrStdout(), rc, time.Since(start))
	return nil
}

func printSummary(w io.Writer, rc *build.RunContext, took time.Duration) {
	if format() == output.FormatJSON {
		_ = output.PrintJSON(w, summaryJSON(rc))
		return
	}

	fmt.Fprintf(w, "%s done in %s\n", rc.Target, output.Duration(took))
	if rc.Artifact.RawBinaryPath != "" {
		fmt.Fprintf(w, "kernel %s (%s)\n", rc.Artifact.RawBinaryPath, output.Size(rc.Artifact.RawSize))
	}
	if rc.DeployPath != "" && rc.Artifact.RawBinaryPath != "" {
		fmt.Fprintf(w, "deployed to %s\n", rc.DeployPath)
	}
	if rc.Report != nil {
		fmt.Fprint(w, rc.Report.Summary())
	}
}

type summary struct {
	Target    string   `json:"target"`
	RawBinary string   `json:"raw_binary,omitempty"`
	RawSize   int64    `json:"raw_size,omitempty"`
	Image     string   `json:"image,omitempty"`
	Copied    []string `json:"copied,omitempty"`
	Skipped   []string `json:"skipped,omitempty"`
}

func summaryJSON(rc *build.RunContext) summary {
	s := summary{
		Target:    rc.Target.String(),
		RawBinary: rc.Artifact.RawBinaryPath,
		RawSize:   rc.Artifact.RawSize,
	}
	if rc.Report != nil {
		if rc.Report.Image != nil {
			s.Image = rc.Report.Image.Path
		}
		for _, e := range rc.Report.Copied {
			s.Copied = append(s.Copied, e.ImagePath)
		}
		for _, w := range rc.Report.Warnings {
			s.Skipped = append(s.Skipped, w.Name)
		}
	}
	return s
}

func runClean(cmd *cobra.Command, args []string) error {
	resolver, err := newResolver()
	if err != nil {
		return err
	}
	target, err := buildTarget(resolver)
	if err != nil {
		return err
	}

	if err := newKernelBuilder(cmd.ErrOrStderr()).Clean(cmd.Context()); err != nil {
		return err
	}

	var remove []string
	if params, err := resolver.Resolve(target); err == nil {
		remove = append(remove, params.RawBinaryPath)
	} else {
		log.Warn("Cannot locate the raw binary", "target", target.String(), "error", err)
	}
	remove = append(remove, cli.GetExpandedString("image.path"))

	for _, p := range remove {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.ErrIO.WithMessagef("failed to remove %s", p).WithCause(err)
		}
		log.Info("Removed", "path", p)
	}
	return nil
}

// runRecorder stores the run and its stages in the run history. Recording
// failures are logged and never fail the run.
type runRecorder struct {
	ctx   context.Context
	repo  *db.RunRepository
	runID string
}

func newRunRecorder(ctx context.Context, database *db.Database, command string, target build.BuildTarget) *runRecorder {
	// Outcomes of cancelled runs are still recorded.
	rec := &runRecorder{ctx: context.WithoutCancel(ctx)}
	if database == nil {
		return rec
	}

	run := &db.BuildRun{
		Command:  command,
		Arch:     string(target.Arch()),
		Board:    target.Board(),
		Mode:     string(target.Mode()),
		Features: strings.Join(target.Features(), ","),
	}
	repo := db.NewRunRepository(database)
	if err := repo.Create(rec.ctx, run); err != nil {
		log.Warn("Failed to record run", "error", err)
		return rec
	}
	rec.repo = repo
	rec.runID = run.ID
	log.Debug("Recording run", "id", run.ID)
	return rec
}

func (r *runRecorder) StageStarted(name build.StageName) {
	log.Info("Stage started", "stage", name)
}

func (r *runRecorder) StageFinished(name build.StageName, took time.Duration, err error) {
	status := "ok"
	msg := ""
	switch {
	case err != nil && errors.IsFatal(err):
		status = "failed"
		msg = err.Error()
	case err != nil:
		status = "warning"
		msg = err.Error()
	}
	log.Info("Stage finished", "stage", name, "status", status, "took", output.Duration(took))

	if r.repo == nil {
		return
	}
	rec := db.StageRecord{Stage: string(name), Status: status, DurationMs: took.Milliseconds(), ErrorMessage: msg}
	if err := r.repo.RecordStage(r.ctx, r.runID, rec); err != nil {
		log.Warn("Failed to record stage", "stage", name, "error", err)
	}
}

func (r *runRecorder) finish(rc *build.RunContext, runErr error) {
	if r.repo == nil {
		return
	}

	var err error
	if runErr != nil {
		stage := ""
		var se *build.StageError
		if errors.As(runErr, &se) {
			stage = string(se.Stage)
		}
		err = r.repo.MarkFailed(r.ctx, r.runID, stage, runErr.Error())
	} else {
		imagePath, copied, warnings := "", 0, 0
		if rc.Report != nil {
			if rc.Report.Image != nil {
				imagePath = rc.Report.Image.Path
			}
			copied = len(rc.Report.Copied)
			warnings = len(rc.Report.Warnings)
		}
		err = r.repo.MarkSucceeded(r.ctx, r.runID, rc.Artifact.RawBinaryPath, rc.Artifact.RawSize, imagePath, copied, warnings)
	}
	if err != nil {
		log.Warn("Failed to finish run record", "id", r.runID, "error", err)
	}
}
