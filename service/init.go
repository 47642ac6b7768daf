package service

import (
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/hnhdigital-os/ubuntu-iso-builder/process"
)

var lookPath = exec.LookPath

// hostTools are run on the build host rather than inside a tree.
var hostTools = []string{"mount", "umount", "rsync", "unsquashfs", "mksquashfs", "mkisofs"}

// Initialize sets up the isobuilder environment for the first time.
//
// The initialization process includes:
//  1. Creating the work, logs and image output directories
//  2. Creating the staging directories read by deb-install, replace-file
//     and run-scripts
//  3. Verifying the build database
//  4. Checking that the host tools the pipeline runs are installed
//
// Missing tools are reported, not treated as errors.
func (s *Service) Initialize(opts InitOptions) (*InitResult, error) {
	result := &InitResult{
		DirsCreated: make([]string, 0),
		Warnings:    make([]string, 0),
	}

	cwd := opts.Cwd
	if cwd == "" {
		cwd = s.cfg.WorkDir
	}

	dirs := []struct {
		label string
		path  string
	}{
		{"Work", s.cfg.WorkDir},
		{"Logs", s.cfg.LogsPath},
		{"Images", filepath.Join(cwd, "build")},
		{"Packages", filepath.Join(cwd, "install")},
		{"Replacements", filepath.Join(cwd, "replace")},
		{"Scripts", filepath.Join(cwd, "scripts")},
	}
	for _, d := range dirs {
		if d.path == "" {
			continue
		}
		if err := s.fs.MkdirAll(d.path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory (%s): %w", d.label, d.path, err)
		}
		result.DirsCreated = append(result.DirsCreated, d.path)
		s.logger.Info("Created %s: %s", d.label, d.path)
	}

	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	result.DatabaseInitialized = true
	s.logger.Info("Database initialized: %s", s.cfg.Database.Path)

	tools := append([]string(nil), hostTools...)
	if s.cfg.ChrootBackend == string(process.IsolationNspawn) {
		tools = append(tools, "systemd-nspawn")
	} else {
		tools = append(tools, "chroot")
	}
	for _, tool := range tools {
		if _, err := s.lookPath(tool); err != nil {
			result.ToolsMissing = append(result.ToolsMissing, tool)
		}
	}
	if len(result.ToolsMissing) > 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("Host tools not found: %v (builds will fail until they are installed)", result.ToolsMissing))
	}

	return result, nil
}
