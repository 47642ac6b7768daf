package service

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/afero"

	"github.com/hnhdigital-os/ubuntu-iso-builder/build"
	"github.com/hnhdigital-os/ubuntu-iso-builder/config"
	"github.com/hnhdigital-os/ubuntu-iso-builder/lifecycle"
	"github.com/hnhdigital-os/ubuntu-iso-builder/publish"
	"github.com/hnhdigital-os/ubuntu-iso-builder/workspace"
)

// Build loads a build definition and runs the pipeline for it.
//
// The build process includes:
//  1. Loading and merging the definition
//  2. Skipping the build when its inputs are unchanged since the last
//     successful build of the same image and that image still exists
//  3. Running the stages, recording each one in the build database
//
// A cleanup function tearing down the working tree is registered with
// SetActiveCleanup for the duration of the run so a signal handler can
// release the mounts.
func (s *Service) Build(ctx context.Context, opts BuildOptions) (*BuildResult, error) {
	startTime := time.Now()

	def, err := config.LoadDefinition(s.fs, opts.DefinitionPath, opts.OverridePath)
	if err != nil {
		return nil, err
	}

	cwd := opts.Cwd
	if cwd == "" {
		cwd = s.cfg.WorkDir
	}
	tree := workspace.New(cwd, def.ISO.Source).With(opts.Overrides)

	level := opts.Level
	if level == 0 {
		level = 1
	}

	pipelineOpts := build.Options{
		Config:         s.cfg,
		Definition:     def,
		DefinitionPath: opts.DefinitionPath,
		OverridePath:   opts.OverridePath,
		Tree:           tree,
		Level:          level,
		Only:           opts.Only,
		Force:          opts.Force,
		Fs:             s.fs,
		Runner:         s.runner,
		Mounts:         s.mounts,
		Logger:         s.logger,
		Results:        s.logger,
		UI:             build.NewStdoutUI(opts.Out),
		DB:             s.db,
	}

	if def.ISO.Bucket != "" && level == 1 {
		store := opts.Store
		if store == nil {
			gcs, err := publish.NewGCS(ctx, def.ISO.Bucket, s.cfg.Publish.CredentialsFile)
			if err != nil {
				return nil, err
			}
			defer gcs.Close()
			store = gcs
		}
		pipelineOpts.Publisher = publish.New(publish.Options{
			Fs:       s.fs,
			Store:    store,
			Logger:   s.logger,
			Compress: true,
		})
	}

	pipeline, err := build.New(pipelineOpts)
	if err != nil {
		return nil, err
	}

	if level == 1 && opts.Only == "" && !opts.Force {
		if out, ok := s.upToDate(pipeline); ok {
			s.logger.Info("Inputs of %s unchanged since the last build, %s is up to date", pipeline.Image(), out)
			return &BuildResult{Output: out, UpToDate: true, Duration: time.Since(startTime)}, nil
		}
	}

	lc := lifecycle.New(lifecycle.Options{
		Fs:     s.fs,
		Runner: s.runner,
		Mounts: s.mounts,
		Tree:   tree,
		Logger: s.logger,
	})
	s.SetActiveCleanup(func() {
		if err := lc.Cleanup(context.Background(), false); err != nil {
			s.logger.Warn("cleanup of %s: %v", tree.FsPath, err)
		}
	})
	defer s.ClearActiveCleanup()

	res, err := pipeline.Run(ctx)
	if res == nil {
		return nil, err
	}

	result := &BuildResult{
		RunID:    res.RunID,
		Stages:   res.Stages,
		Output:   res.Output,
		Object:   res.Object,
		Duration: time.Since(startTime),
	}
	if err != nil {
		return result, fmt.Errorf("build failed: %w", err)
	}
	return result, nil
}

// upToDate reports whether the last successful build of the pipeline's
// image used the same inputs and its output still exists.
func (s *Service) upToDate(p *build.Pipeline) (string, bool) {
	latest, err := s.db.LatestFor(p.Image())
	if err != nil || latest == nil || latest.Output == "" {
		return "", false
	}
	crc, err := p.InputCRC()
	if err != nil {
		return "", false
	}
	changed, err := s.db.InputsChanged(p.Image(), crc)
	if err != nil || changed {
		return "", false
	}
	if ok, _ := afero.Exists(s.fs, latest.Output); !ok {
		return "", false
	}
	return latest.Output, true
}
