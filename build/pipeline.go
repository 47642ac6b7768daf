// Package build runs the image pipeline: copy the image, open and
// initialize its root filesystem, apply the definition's actions, build the
// optional mirror, repack and create the new image.
//
// Stages run strictly in order and the first failure stops the run. The
// working tree is left on disk after a failure so it can be inspected.
package build

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hnhdigital-os/ubuntu-iso-builder/action"
	"github.com/hnhdigital-os/ubuntu-iso-builder/builddb"
	"github.com/hnhdigital-os/ubuntu-iso-builder/config"
	"github.com/hnhdigital-os/ubuntu-iso-builder/iso"
	"github.com/hnhdigital-os/ubuntu-iso-builder/lifecycle"
	"github.com/hnhdigital-os/ubuntu-iso-builder/log"
	"github.com/hnhdigital-os/ubuntu-iso-builder/mirror"
	"github.com/hnhdigital-os/ubuntu-iso-builder/mount"
	"github.com/hnhdigital-os/ubuntu-iso-builder/process"
	"github.com/hnhdigital-os/ubuntu-iso-builder/publish"
	"github.com/hnhdigital-os/ubuntu-iso-builder/telemetry"
	"github.com/hnhdigital-os/ubuntu-iso-builder/workspace"
)

// StageRecorder receives stage outcomes, e.g. the per-build log files.
type StageRecorder interface {
	StageStarted(stage string)
	StageSucceeded(stage string, duration time.Duration)
	StageFailed(stage string, err error)
	WriteSummary(total, succeeded, failed int, duration time.Duration)
}

// Options configure a Pipeline.
type Options struct {
	Config     *config.Config
	Definition *config.Definition

	// DefinitionPath is recorded with the build and hashed into its inputs.
	DefinitionPath string
	// OverridePath is the document merged over the definition, if any.
	OverridePath string

	Tree  workspace.Tree
	Level int    // 1 full build, 2 stop after fs-init
	Only  string // run a single stage
	Force bool   // replace an existing output image

	Fs      afero.Fs
	Runner  process.Runner
	Mounts  *mount.Manager
	Logger  log.LibraryLogger
	Results StageRecorder
	UI      BuildUI

	DB        *builddb.DB        // optional build history
	Publisher *publish.Publisher // optional upload of the created image
}

// StageResult is the outcome of one stage.
type StageResult struct {
	Name     string
	Duration time.Duration
	LogPath  string
	Err      error
}

// Result summarizes a run.
type Result struct {
	RunID  string
	Stages []StageResult
	Output string // created image
	Object string // published object
}

// StageError reports the stage a run stopped at.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Pipeline runs the stages of one build definition against one working
// tree.
type Pipeline struct {
	opts   Options
	fs     afero.Fs
	tree   workspace.Tree
	image  string
	logger log.LibraryLogger
	ui     BuildUI

	lifecycle *lifecycle.Lifecycle
	mirror    *mirror.Synchronizer
	imager    *iso.Imager

	output string
	object string
}

// New wires the components of a pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Definition == nil {
		return nil, fmt.Errorf("%w: no definition", config.ErrInvalidDefinition)
	}
	if opts.Level == 0 {
		opts.Level = 1
	}
	if opts.Level != 1 && opts.Level != 2 {
		return nil, fmt.Errorf("invalid level %d: must be 1 or 2", opts.Level)
	}
	if opts.Logger == nil {
		opts.Logger = log.NoOpLogger{}
	}
	if opts.UI == nil {
		opts.UI = NewStdoutUI(nil)
	}
	if opts.Config == nil {
		defaults := config.Defaults()
		opts.Config = &defaults
	}

	cfg := opts.Config
	image := opts.Definition.ISO.Source
	if !filepath.IsAbs(image) {
		image = filepath.Join(opts.Tree.Cwd, image)
	}

	p := &Pipeline{
		opts:   opts,
		fs:     opts.Fs,
		tree:   opts.Tree,
		image:  image,
		logger: opts.Logger,
		ui:     opts.UI,
	}

	dispatcher := action.NewDispatcher(action.Options{
		Fs:           opts.Fs,
		Runner:       opts.Runner,
		Tree:         opts.Tree,
		Repositories: opts.Definition.Repositories,
		Logger:       opts.Logger,
		Timeout:      cfg.CommandTimeout,
	})
	p.lifecycle = lifecycle.New(lifecycle.Options{
		Fs:         opts.Fs,
		Runner:     opts.Runner,
		Mounts:     opts.Mounts,
		Tree:       opts.Tree,
		Dispatcher: dispatcher,
		Logger:     opts.Logger,
		BlockSize:  cfg.SquashfsBlockSize,
		Timeout:    cfg.CommandTimeout,
	})
	p.mirror = mirror.New(mirror.Options{
		Fs:      opts.Fs,
		Runner:  opts.Runner,
		Mounts:  opts.Mounts,
		Tree:    opts.Tree,
		Logger:  opts.Logger,
		Timeout: cfg.CommandTimeout,
	})
	p.imager = iso.New(iso.Options{
		Fs:      opts.Fs,
		Runner:  opts.Runner,
		Mounts:  opts.Mounts,
		Tree:    opts.Tree,
		Logger:  opts.Logger,
		Timeout: cfg.CommandTimeout,
	})
	return p, nil
}

// Image returns the resolved source image path.
func (p *Pipeline) Image() string {
	return p.image
}

// Inputs lists the files a build is made from.
func (p *Pipeline) Inputs() []string {
	inputs := []string{
		p.tree.Staged("install"),
		p.tree.Staged("replace"),
		p.tree.Staged("scripts"),
	}
	for _, path := range []string{p.opts.DefinitionPath, p.opts.OverridePath} {
		if path != "" {
			inputs = append(inputs, path)
		}
	}
	return inputs
}

// InputCRC checksums the inputs. The source image contributes its size and
// modification time rather than its contents.
func (p *Pipeline) InputCRC() (uint32, error) {
	crc, err := builddb.ComputeInputCRC(p.fs, p.Inputs()...)
	if err != nil {
		return 0, err
	}
	return builddb.AddFileStamps(p.fs, crc, p.image)
}

// Run executes the stages in order and stops at the first failure, which is
// returned as a *StageError.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	stages, err := p.Stages()
	if err != nil {
		return nil, err
	}

	result := &Result{RunID: uuid.NewString()}
	ctx, span := telemetry.GetTracer().Start(ctx, "build.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", result.RunID),
		attribute.String("image", p.image),
		attribute.Int("level", p.opts.Level),
	)

	if err := p.startRecord(result.RunID); err != nil {
		p.logger.Warn("build history unavailable: %v", err)
	}

	if err := p.ui.Start(); err != nil {
		return result, err
	}
	defer p.ui.Stop()

	start := time.Now()
	var runErr error
	for i, stage := range stages {
		sr := p.runStage(ctx, result.RunID, i+1, len(stages), stage)
		result.Stages = append(result.Stages, sr)
		if sr.Err != nil {
			runErr = &StageError{Stage: stage.Name, Err: sr.Err}
			p.diagnose(sr)
			break
		}
	}

	succeeded := len(result.Stages)
	failed := 0
	if runErr != nil {
		succeeded--
		failed = 1
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	} else if p.opts.Only == "" && p.opts.Level == 1 {
		if err := p.imager.Unmount(ctx); err != nil {
			p.logger.Warn("unmount %s: %v", p.tree.MountPath, err)
		}
	}
	if p.opts.Results != nil {
		p.opts.Results.WriteSummary(len(stages), succeeded, failed, time.Since(start))
	}

	result.Output = p.output
	result.Object = p.object
	p.finishRecord(result.RunID, runErr)
	return result, runErr
}

func (p *Pipeline) runStage(ctx context.Context, runID string, seq, total int, stage Stage) StageResult {
	ctx, span := telemetry.GetTracer().Start(ctx, "build.stage")
	defer span.End()
	span.SetAttributes(attribute.String("stage", stage.Name))

	p.ui.StageStarted(seq, total, stage.Name)
	if p.opts.Results != nil {
		p.opts.Results.StageStarted(stage.Name)
	}

	sl := log.NewStageLogger(p.opts.Config, seq, stage.Name)
	defer sl.Close()
	sl.WriteHeader(runID)

	rec := &builddb.StageRecord{
		Seq:       seq,
		Name:      stage.Name,
		Status:    builddb.StatusRunning,
		LogPath:   sl.Path(),
		StartTime: time.Now(),
	}
	p.putStage(runID, rec)

	start := time.Now()
	err := stage.Run(process.WithTranscript(ctx, sl))
	duration := time.Since(start)

	rec.EndTime = time.Now()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		sl.WriteFailure(duration, err.Error())
		rec.Status = builddb.StatusFailed
		rec.Error = err.Error()
		if p.opts.Results != nil {
			p.opts.Results.StageFailed(stage.Name, err)
		}
	} else {
		sl.WriteSuccess(duration)
		rec.Status = builddb.StatusSuccess
		if p.opts.Results != nil {
			p.opts.Results.StageSucceeded(stage.Name, duration)
		}
	}
	p.putStage(runID, rec)
	p.ui.StageFinished(stage.Name, duration, err)

	return StageResult{Name: stage.Name, Duration: duration, LogPath: sl.Path(), Err: err}
}

// diagnose prints what the user needs to pick up after a failed stage.
func (p *Pipeline) diagnose(sr StageResult) {
	var ce *process.CommandError
	if errors.As(sr.Err, &ce) {
		p.ui.LogEvent(fmt.Sprintf("Command: %s", ce.Command))
		if ce.Output != "" {
			p.ui.LogEvent(ce.Output)
		}
	}
	p.ui.LogEvent(fmt.Sprintf("Stage log: %s", sr.LogPath))

	if ok, _ := afero.DirExists(p.fs, p.tree.FsPath); ok {
		p.ui.LogEvent(fmt.Sprintf("The working tree was left at %s (%s).", p.tree.FsPath, p.lifecycle.State()))
	}
}

func (p *Pipeline) startRecord(runID string) error {
	if p.opts.DB == nil {
		return nil
	}
	crc, err := p.InputCRC()
	if err != nil {
		p.logger.Warn("input checksum: %v", err)
	}
	return p.opts.DB.SaveRecord(&builddb.BuildRecord{
		UUID:       runID,
		Image:      p.image,
		Definition: p.opts.DefinitionPath,
		Level:      p.opts.Level,
		InputCRC:   crc,
		Status:     builddb.StatusRunning,
		StartTime:  time.Now(),
	})
}

func (p *Pipeline) finishRecord(runID string, runErr error) {
	if p.opts.DB == nil {
		return
	}
	status, msg := builddb.StatusSuccess, ""
	if runErr != nil {
		status, msg = builddb.StatusFailed, runErr.Error()
	}
	if err := p.opts.DB.FinishBuild(runID, status, p.output, msg, time.Now()); err != nil {
		p.logger.Warn("record build %s: %v", runID, err)
	}
}

func (p *Pipeline) putStage(runID string, rec *builddb.StageRecord) {
	if p.opts.DB == nil {
		return
	}
	if err := p.opts.DB.PutStage(runID, rec); err != nil {
		p.logger.Warn("record stage %s: %v", rec.Name, err)
	}
}
