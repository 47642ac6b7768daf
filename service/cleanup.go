package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/hnhdigital-os/ubuntu-iso-builder/lifecycle"
	"github.com/hnhdigital-os/ubuntu-iso-builder/workspace"
)

// Cleanup tears down stale working trees and image mounts left in the work
// directory, e.g. by an interrupted build.
//
// Every "<image>.fs" directory is uninitialized and its mounts released;
// with opts.DeleteTrees the tree is removed as well. Every live
// "<image>.mount" is unmounted. Failures are collected and do not stop the
// remaining trees.
func (s *Service) Cleanup(ctx context.Context, opts CleanupOptions) (*CleanupResult, error) {
	result := &CleanupResult{
		Errors: make([]error, 0),
	}

	trees, err := s.GetWorkTrees()
	if err != nil {
		return nil, err
	}

	for _, tree := range trees {
		lc := lifecycle.New(lifecycle.Options{
			Fs:     s.fs,
			Runner: s.runner,
			Mounts: s.mounts,
			Tree:   tree,
			Logger: s.logger,
		})
		if err := lc.Cleanup(ctx, opts.DeleteTrees); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("failed to cleanup %s: %w", tree.FsPath, err))
			s.logger.Warn("Failed to cleanup %s: %v", tree.FsPath, err)
			continue
		}
		result.TreesCleaned++
		s.logger.Info("Cleaned up %s", tree.FsPath)
	}

	mounts, err := afero.Glob(s.fs, filepath.Join(s.cfg.WorkDir, "*.mount"))
	if err != nil {
		return nil, fmt.Errorf("failed to read work directory: %w", err)
	}
	var live []string
	for _, target := range mounts {
		if s.mounts.IsMounted(target) {
			live = append(live, target)
		}
	}
	errs := s.mounts.UnmountAll(ctx, live)
	result.Errors = append(result.Errors, errs...)
	result.MountsReleased = len(live) - len(errs)

	if len(trees) == 0 && result.MountsReleased == 0 {
		s.logger.Info("Nothing to clean up")
	}

	return result, nil
}

// GetWorkTrees returns the working trees present in the work directory.
func (s *Service) GetWorkTrees() ([]workspace.Tree, error) {
	matches, err := afero.Glob(s.fs, filepath.Join(s.cfg.WorkDir, "*.fs"))
	if err != nil {
		return nil, fmt.Errorf("failed to read work directory: %w", err)
	}

	trees := make([]workspace.Tree, 0, len(matches))
	for _, path := range matches {
		if ok, _ := afero.DirExists(s.fs, path); !ok {
			continue
		}
		image := strings.TrimSuffix(filepath.Base(path), ".fs")
		trees = append(trees, workspace.New(s.cfg.WorkDir, image))
	}
	return trees, nil
}
