package build

import (
	"context"
	"fmt"
	"time"

	"github.com/bitswalk/kimage/src/common/errors"
	"github.com/bitswalk/kimage/src/kimage/image"
)

// StageName identifies a pipeline stage
type StageName string

const (
	StageResolve  StageName = "resolve"
	StageActivate StageName = "activate"
	StageCompile  StageName = "compile"
	StageExtract  StageName = "extract"
	StageDeploy   StageName = "deploy"
	StageAssemble StageName = "assemble"
)

// Stage defines the interface for a single build pipeline stage
type Stage interface {
	// Name returns the stage name
	Name() StageName

	// Validate checks whether this stage can run given the current context
	Validate(ctx context.Context, rc *RunContext) error

	// Execute runs the stage, updating progress via the callback
	Execute(ctx context.Context, rc *RunContext, progress ProgressFunc) error
}

// ProgressFunc reports stage progress (0-100) with an optional message
type ProgressFunc func(percent int, message string)

// RunContext carries the value records passed from stage to stage
type RunContext struct {
	Target     BuildTarget
	DeployPath string      // optional destination of the raw binary
	ImageInput image.Input // image assembly sources; empty ImagePath skips assembly

	// Populated by the stages
	Params   Params
	Artifact KernelArtifact
	Report   *image.Report
}

// StageError reports a fatal failure, naming the stage and the target
type StageError struct {
	Stage  StageName
	Target BuildTarget
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed for %s: %v", e.Stage, e.Target, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Observer is notified as stages start and finish
type Observer interface {
	StageStarted(name StageName)
	StageFinished(name StageName, took time.Duration, err error)
}

// Pipeline runs stages in order and stops at the first fatal error
type Pipeline struct {
	stages   []Stage
	observer Observer
	progress ProgressFunc
}

// NewPipeline creates a pipeline running stages in order
func NewPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// WithObserver sets the stage observer
func (p *Pipeline) WithObserver(o Observer) *Pipeline {
	p.observer = o
	return p
}

// WithProgress sets the overall progress callback
func (p *Pipeline) WithProgress(fn ProgressFunc) *Pipeline {
	p.progress = fn
	return p
}

// Stages returns the stage names in execution order
func (p *Pipeline) Stages() []StageName {
	names := make([]StageName, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Run executes every stage. A fatal error aborts the run and is returned
// as a *StageError.
func (p *Pipeline) Run(ctx context.Context, rc *RunContext) error {
	for i, stage := range p.stages {
		name := stage.Name()
		if err := ctx.Err(); err != nil {
			return &StageError{Stage: name, Target: rc.Target, Err: err}
		}

		if p.observer != nil {
			p.observer.StageStarted(name)
		}
		start := time.Now()

		err := stage.Validate(ctx, rc)
		if err == nil {
			progress := func(percent int, message string) {
				if p.progress != nil {
					p.progress((i*100+percent)/len(p.stages), message)
				}
			}
			err = stage.Execute(ctx, rc, progress)
		}

		if p.observer != nil {
			p.observer.StageFinished(name, time.Since(start), err)
		}
		if err != nil && errors.IsFatal(err) {
			log.Error("Stage failed", "stage", name, "target", rc.Target.String(), "error", err)
			return &StageError{Stage: name, Target: rc.Target, Err: err}
		}
		if err != nil {
			log.Warn("Stage reported a warning", "stage", name, "error", err)
		}
		log.Debug("Stage completed", "stage", name, "took", time.Since(start))
	}
	return nil
}

// ResolveStage turns the target into build parameters
type ResolveStage struct {
	resolver *Resolver
}

// NewResolveStage creates a resolve stage
func NewResolveStage(r *Resolver) *ResolveStage {
	return &ResolveStage{resolver: r}
}

func (s *ResolveStage) Name() StageName { return StageResolve }

func (s *ResolveStage) Validate(ctx context.Context, rc *RunContext) error {
	if rc.Target.Board() == "" {
		return errors.ErrConfig.WithMessage("no board selected")
	}
	return nil
}

func (s *ResolveStage) Execute(ctx context.Context, rc *RunContext, progress ProgressFunc) error {
	params, err := s.resolver.Resolve(rc.Target)
	if err != nil {
		return err
	}
	rc.Params = params
	progress(100, "Resolved "+params.Triple)
	return nil
}

// ActivateStage installs the board's linker script
type ActivateStage struct {
	resolver *Resolver
}

// NewActivateStage creates an activate stage
func NewActivateStage(r *Resolver) *ActivateStage {
	return &ActivateStage{resolver: r}
}

func (s *ActivateStage) Name() StageName { return StageActivate }

func (s *ActivateStage) Validate(ctx context.Context, rc *RunContext) error {
	return requireParams(rc)
}

func (s *ActivateStage) Execute(ctx context.Context, rc *RunContext, progress ProgressFunc) error {
	return s.resolver.Activate(rc.Params)
}

// CompileStage builds the kernel executable
type CompileStage struct {
	builder *KernelBuilder
}

// NewCompileStage creates a compile stage
func NewCompileStage(b *KernelBuilder) *CompileStage {
	return &CompileStage{builder: b}
}

func (s *CompileStage) Name() StageName { return StageCompile }

func (s *CompileStage) Validate(ctx context.Context, rc *RunContext) error {
	if err := requireParams(rc); err != nil {
		return err
	}
	_, err := s.builder.cfg.Toolchain.CargoPath()
	return err
}

func (s *CompileStage) Execute(ctx context.Context, rc *RunContext, progress ProgressFunc) error {
	progress(0, "Compiling "+rc.Target.String())
	exe, err := s.builder.Compile(ctx, rc.Params)
	if err != nil {
		return err
	}
	rc.Artifact.ExecutablePath = exe
	progress(100, "Linked "+exe)
	return nil
}

// ExtractStage produces the raw kernel binary
type ExtractStage struct {
	builder *KernelBuilder
}

// NewExtractStage creates an extract stage
func NewExtractStage(b *KernelBuilder) *ExtractStage {
	return &ExtractStage{builder: b}
}

func (s *ExtractStage) Name() StageName { return StageExtract }

func (s *ExtractStage) Validate(ctx context.Context, rc *RunContext) error {
	return requireParams(rc)
}

func (s *ExtractStage) Execute(ctx context.Context, rc *RunContext, progress ProgressFunc) error {
	art, err := s.builder.Extract(rc.Params)
	if err != nil {
		return err
	}
	rc.Artifact = art
	progress(100, "Wrote "+art.RawBinaryPath)
	return nil
}

// DeployStage copies the raw binary to its well-known location
type DeployStage struct {
	builder *KernelBuilder
}

// NewDeployStage creates a deploy stage
func NewDeployStage(b *KernelBuilder) *DeployStage {
	return &DeployStage{builder: b}
}

func (s *DeployStage) Name() StageName { return StageDeploy }

func (s *DeployStage) Validate(ctx context.Context, rc *RunContext) error {
	if rc.DeployPath != "" && rc.Artifact.RawBinaryPath == "" {
		return errors.ErrExtraction.WithMessage("no raw binary to deploy")
	}
	return nil
}

func (s *DeployStage) Execute(ctx context.Context, rc *RunContext, progress ProgressFunc) error {
	return s.builder.Deploy(rc.Artifact, rc.DeployPath)
}

// AssembleStage builds the filesystem image
type AssembleStage struct {
	assembler *image.Assembler
}

// NewAssembleStage creates an assemble stage
func NewAssembleStage(a *image.Assembler) *AssembleStage {
	return &AssembleStage{assembler: a}
}

func (s *AssembleStage) Name() StageName { return StageAssemble }

func (s *AssembleStage) Validate(ctx context.Context, rc *RunContext) error {
	return nil
}

func (s *AssembleStage) Execute(ctx context.Context, rc *RunContext, progress ProgressFunc) error {
	if rc.ImageInput.ImagePath == "" {
		return nil
	}
	progress(0, "Assembling "+rc.ImageInput.ImagePath)
	report, err := s.assembler.Assemble(ctx, rc.ImageInput)
	if err != nil {
		return err
	}
	rc.Report = report
	progress(100, fmt.Sprintf("Copied %d files", len(report.Copied)))
	return nil
}

func requireParams(rc *RunContext) error {
	if rc.Params.Triple == "" {
		return errors.ErrConfig.WithMessagef("target %s has not been resolved", rc.Target)
	}
	return nil
}

// KernelStages returns the stages building and extracting the kernel
func KernelStages(r *Resolver, b *KernelBuilder) []Stage {
	return []Stage{
		NewResolveStage(r),
		NewActivateStage(r),
		NewCompileStage(b),
		NewExtractStage(b),
		NewDeployStage(b),
	}
}

// DefaultStages returns the full build: kernel stages followed by image
// assembly
func DefaultStages(r *Resolver, b *KernelBuilder, a *image.Assembler) []Stage {
	return append(KernelStages(r, b), NewAssembleStage(a))
}
