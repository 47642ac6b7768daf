package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/hnhdigital-os/ubuntu-iso-builder/builddb"
	"github.com/hnhdigital-os/ubuntu-iso-builder/config"
	"github.com/hnhdigital-os/ubuntu-iso-builder/iso"
	"github.com/hnhdigital-os/ubuntu-iso-builder/process"
	"github.com/hnhdigital-os/ubuntu-iso-builder/workspace"
)

const (
	mountTable = "/proc/self/mounts"
	image      = "/isos/ubuntu.iso"
	definition = "/work/build.yml"
)

// ==================== Test Helpers ====================

type testEnv struct {
	svc    *Service
	fs     afero.Fs
	runner *process.MockRunner
	cfg    *config.Config
}

// newTestService creates a service over an in-memory filesystem with a mock
// runner that fakes mount(8), umount(8), file writes and the image tools.
// The logs and database live in a temporary directory.
func newTestService(t *testing.T) *testEnv {
	t.Helper()

	tmpDir := t.TempDir()
	cfg := config.Defaults()
	cfg.WorkDir = "/work"
	cfg.LogsPath = filepath.Join(tmpDir, "logs")
	cfg.MountTable = mountTable
	cfg.CommandTimeout = time.Minute
	cfg.Database.Path = filepath.Join(tmpDir, "builds.db")

	env := &testEnv{
		fs:     afero.NewMemMapFs(),
		runner: process.NewMockRunner(),
		cfg:    &cfg,
	}
	env.write(t, mountTable, "")
	env.write(t, image, "iso9660")
	env.write(t, "/work/ubuntu.iso.mount/"+workspace.PayloadPath, "squashfs")
	env.write(t, definition, "iso:\n  source: "+image+"\n  output: custom.iso\npackages:\n  install: [curl]\n")

	env.runner.On("mount", func(cmd *process.Command) (*process.Result, error) {
		n := len(cmd.Args)
		env.setMounted(t, cmd.Args[n-2], cmd.Args[n-1], true)
		return &process.Result{}, nil
	})
	env.runner.On("umount", func(cmd *process.Command) (*process.Result, error) {
		env.setMounted(t, "", cmd.Args[len(cmd.Args)-1], false)
		return &process.Result{}, nil
	})
	env.runner.On("dd", process.WriteInto(env.fs))
	env.runner.On("rm", process.RemoveFrom(env.fs))
	env.runner.On("rsync", func(cmd *process.Command) (*process.Result, error) {
		dst := cmd.Args[len(cmd.Args)-1]
		return &process.Result{}, afero.WriteFile(env.fs, dst+"/casper/vmlinuz", []byte("kernel"), 0644)
	})
	env.runner.On("unsquashfs", func(cmd *process.Command) (*process.Result, error) {
		return &process.Result{}, env.fs.MkdirAll(cmd.Args[1]+"/tmp", 0755)
	})
	env.runner.On("mksquashfs", func(cmd *process.Command) (*process.Result, error) {
		return &process.Result{}, afero.WriteFile(env.fs, cmd.Args[1], []byte("repacked"), 0644)
	})
	env.runner.On("mkisofs", func(cmd *process.Command) (*process.Result, error) {
		return &process.Result{}, afero.WriteFile(env.fs, cmd.Args[len(cmd.Args)-2], []byte("bootable"), 0644)
	})

	svc, err := NewService(env.cfg, WithFs(env.fs), WithRunner(env.runner))
	if err != nil {
		t.Fatalf("NewService() failed: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	env.svc = svc
	return env
}

func (e *testEnv) write(t *testing.T, path, data string) {
	t.Helper()
	if err := afero.WriteFile(e.fs, path, []byte(data), 0644); err != nil {
		t.Fatalf("WriteFile(%s) failed: %v", path, err)
	}
}

func (e *testEnv) exists(path string) bool {
	ok, _ := afero.Exists(e.fs, path)
	return ok
}

func (e *testEnv) setMounted(t *testing.T, source, target string, mounted bool) {
	t.Helper()
	data, err := afero.ReadFile(e.fs, mountTable)
	if err != nil {
		t.Fatalf("ReadFile(mount table) failed: %v", err)
	}

	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" || strings.Fields(line)[1] == target {
			continue
		}
		lines = append(lines, line)
	}
	if mounted {
		lines = append(lines, fmt.Sprintf("%s %s none rw 0 0", source, target))
	}
	e.write(t, mountTable, strings.Join(lines, "\n")+"\n")
}

// ==================== Tests ====================

func TestNewService(t *testing.T) {
	env := newTestService(t)

	if env.svc.Config() != env.cfg {
		t.Error("Service config not set correctly")
	}
	if env.svc.Logger() == nil {
		t.Error("Service logger is nil")
	}
	if env.svc.Database() == nil {
		t.Error("Service database is nil")
	}
	if env.svc.Runner() != env.runner {
		t.Error("Service runner is not the injected one")
	}
	if _, err := os.Stat(filepath.Join(env.cfg.LogsPath, "00_last_results.log")); err != nil {
		t.Errorf("results log not created: %v", err)
	}
}

func TestNewService_InvalidDatabasePath(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := config.Defaults()
	cfg.LogsPath = filepath.Join(tmpDir, "logs")
	cfg.Database.Path = "/invalid/nonexistent/path/build.db"

	svc, err := NewService(&cfg, WithRunner(process.NewMockRunner()))
	if err == nil {
		svc.Close()
		t.Fatal("Expected error for invalid database path, got nil")
	}
}

func TestNewService_UnknownBackend(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := config.Defaults()
	cfg.LogsPath = filepath.Join(tmpDir, "logs")
	cfg.Database.Path = filepath.Join(tmpDir, "build.db")
	cfg.ChrootBackend = "jail"

	svc, err := NewService(&cfg)
	if err == nil {
		svc.Close()
		t.Fatal("Expected error for unknown chroot backend, got nil")
	}
	var ub *process.ErrUnknownBackend
	if !errors.As(err, &ub) {
		t.Errorf("error = %v, want ErrUnknownBackend", err)
	}
}

func TestInitialize(t *testing.T) {
	env := newTestService(t)
	env.svc.lookPath = func(name string) (string, error) {
		if name == "mkisofs" {
			return "", errors.New("not found")
		}
		return "/usr/bin/" + name, nil
	}

	result, err := env.svc.Initialize(InitOptions{})
	if err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	for _, dir := range []string{"/work/build", "/work/install", "/work/replace", "/work/scripts"} {
		if ok, _ := afero.DirExists(env.fs, dir); !ok {
			t.Errorf("directory %s not created", dir)
		}
	}
	if !result.DatabaseInitialized {
		t.Error("DatabaseInitialized = false")
	}
	if len(result.ToolsMissing) != 1 || result.ToolsMissing[0] != "mkisofs" {
		t.Errorf("ToolsMissing = %v, want [mkisofs]", result.ToolsMissing)
	}
	if len(result.Warnings) != 1 {
		t.Errorf("Warnings = %v, want one", result.Warnings)
	}
}

func TestBuild_Level2(t *testing.T) {
	env := newTestService(t)
	out := &bytes.Buffer{}

	result, err := env.svc.Build(context.Background(), BuildOptions{
		DefinitionPath: definition,
		Level:          2,
		Out:            out,
	})
	if err != nil {
		t.Fatalf("Build() failed: %v\n%s", err, out)
	}
	if len(result.Stages) != 3 {
		t.Errorf("ran %d stages, want 3", len(result.Stages))
	}
	if !env.exists("/work/ubuntu.iso.fs/" + workspace.MarkerName) {
		t.Error("tree not initialized")
	}
	if env.svc.GetActiveCleanup() != nil {
		t.Error("active cleanup not cleared after the build")
	}

	status, err := env.svc.GetStatus(StatusOptions{RunID: result.RunID})
	if err != nil {
		t.Fatalf("GetStatus() failed: %v", err)
	}
	if len(status.Builds) != 1 || len(status.Builds[0].Stages) != 3 {
		t.Fatalf("GetStatus() = %+v", status.Builds)
	}
	if got := status.Builds[0].Record.Status; got != builddb.StatusSuccess {
		t.Errorf("build status = %s, want success", got)
	}
	if status.DatabaseSize == 0 {
		t.Error("DatabaseSize = 0")
	}
}

func TestBuild_SkipsUnchangedInputs(t *testing.T) {
	env := newTestService(t)
	override := "/work/override.yml"
	env.write(t, override, "packages:\n  install: [curl]\n")
	opts := BuildOptions{DefinitionPath: definition, OverridePath: override, Out: &bytes.Buffer{}}

	first, err := env.svc.Build(context.Background(), opts)
	if err != nil {
		t.Fatalf("first Build() failed: %v", err)
	}
	if first.UpToDate || first.Output != "/work/build/custom.iso" {
		t.Fatalf("first Build() = %+v", first)
	}

	calls := env.runner.CallCount()
	second, err := env.svc.Build(context.Background(), opts)
	if err != nil {
		t.Fatalf("second Build() failed: %v", err)
	}
	if !second.UpToDate || second.Output != first.Output {
		t.Errorf("second Build() = %+v, want up to date", second)
	}
	if env.runner.CallCount() != calls {
		t.Error("up to date build ran commands")
	}

	env.write(t, override, "iso:\n  output: custom-git.iso\npackages:\n  install: [curl, git]\n")
	rebuilt, err := env.svc.Build(context.Background(), opts)
	if err != nil {
		t.Fatalf("Build() after override change failed: %v", err)
	}
	if rebuilt.UpToDate || rebuilt.Output != "/work/build/custom-git.iso" {
		t.Errorf("Build() after override change = %+v, want a new build", rebuilt)
	}
	if !env.runner.Ran("apt-get -y -f install curl git") {
		t.Error("override packages were not installed")
	}

	// a respun source image with unchanged build files is rebuilt as well
	respun := time.Now().Add(time.Hour)
	if err := env.fs.Chtimes(image, respun, respun); err != nil {
		t.Fatal(err)
	}
	calls = env.runner.CallCount()
	_, err = env.svc.Build(context.Background(), opts)
	if !errors.Is(err, iso.ErrOutputExists) {
		t.Errorf("Build() after image change error = %v, want %v", err, iso.ErrOutputExists)
	}
	if env.runner.CallCount() == calls {
		t.Error("Build() after image change ran nothing")
	}

	env.write(t, "/work/scripts/setup.sh", "#!/bin/sh\n")
	opts.Force = true
	third, err := env.svc.Build(context.Background(), opts)
	if err != nil {
		t.Fatalf("forced Build() failed: %v", err)
	}
	if third.UpToDate {
		t.Error("forced Build() reported up to date")
	}
}

func TestBuild_Failure(t *testing.T) {
	env := newTestService(t)
	env.runner.OnArgs("apt-get", []string{"-y", "-f", "install"}, process.ExitCode(100))

	result, err := env.svc.Build(context.Background(), BuildOptions{DefinitionPath: definition, Out: &bytes.Buffer{}})
	if err == nil {
		t.Fatal("Build() succeeded, want failure")
	}
	if code, ok := process.IsCommandFailure(err); !ok || code != 100 {
		t.Errorf("IsCommandFailure() = %d, %v", code, ok)
	}
	if result == nil || result.RunID == "" {
		t.Fatalf("Build() result = %+v", result)
	}

	rec, err := env.svc.Database().GetRecord(result.RunID)
	if err != nil {
		t.Fatalf("GetRecord() failed: %v", err)
	}
	if rec.Status != builddb.StatusFailed {
		t.Errorf("record status = %s, want failed", rec.Status)
	}
}

func TestBuild_MissingDefinition(t *testing.T) {
	env := newTestService(t)

	if _, err := env.svc.Build(context.Background(), BuildOptions{DefinitionPath: "/work/missing.yml"}); err == nil {
		t.Error("Build() with a missing definition succeeded")
	}
}

func TestCleanup(t *testing.T) {
	env := newTestService(t)
	env.write(t, "/work/a.iso.fs/chroot-init", "2024-05-01 09:30:00")
	env.write(t, "/work/a.iso.fs/etc/os-release", "NAME=Ubuntu\n")
	env.setMounted(t, "proc", "/work/a.iso.fs/proc", true)
	env.setMounted(t, "/isos/a.iso", "/work/a.iso.mount", true)
	for _, dir := range []string{"/work/a.iso.mount", "/work/b.iso.mount"} {
		if err := env.fs.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}

	result, err := env.svc.Cleanup(context.Background(), CleanupOptions{DeleteTrees: true})
	if err != nil {
		t.Fatalf("Cleanup() failed: %v", err)
	}
	if result.TreesCleaned != 1 {
		t.Errorf("TreesCleaned = %d, want 1", result.TreesCleaned)
	}
	if result.MountsReleased != 1 {
		t.Errorf("MountsReleased = %d, want 1", result.MountsReleased)
	}
	if len(result.Errors) != 0 {
		t.Errorf("Errors = %v", result.Errors)
	}
	if env.exists("/work/a.iso.fs") {
		t.Error("tree not deleted")
	}
	if env.svc.Mounts().IsMounted("/work/a.iso.mount") {
		t.Error("image mount not released")
	}
}

func TestCleanup_Nothing(t *testing.T) {
	env := newTestService(t)

	result, err := env.svc.Cleanup(context.Background(), CleanupOptions{})
	if err != nil {
		t.Fatalf("Cleanup() failed: %v", err)
	}
	if result.TreesCleaned != 0 || result.MountsReleased != 0 {
		t.Errorf("Cleanup() = %+v, want nothing cleaned", result)
	}
}

func TestActiveCleanup(t *testing.T) {
	env := newTestService(t)

	if env.svc.GetActiveCleanup() != nil {
		t.Fatal("GetActiveCleanup() != nil before any build")
	}
	called := false
	env.svc.SetActiveCleanup(func() { called = true })
	env.svc.GetActiveCleanup()()
	if !called {
		t.Error("stored cleanup not returned")
	}
	env.svc.ClearActiveCleanup()
	if env.svc.GetActiveCleanup() != nil {
		t.Error("ClearActiveCleanup() did not clear")
	}
}

func TestDatabaseMaintenance(t *testing.T) {
	env := newTestService(t)

	if !env.svc.DatabaseExists() {
		t.Fatal("DatabaseExists() = false")
	}
	backup, err := env.svc.BackupDatabase()
	if err != nil {
		t.Fatalf("BackupDatabase() failed: %v", err)
	}
	if _, err := os.Stat(backup); err != nil {
		t.Errorf("backup not written: %v", err)
	}

	result, err := env.svc.ResetDatabase()
	if err != nil {
		t.Fatalf("ResetDatabase() failed: %v", err)
	}
	if !result.DatabaseRemoved || len(result.FilesRemoved) != 2 {
		t.Errorf("ResetDatabase() = %+v", result)
	}
	if env.svc.DatabaseExists() {
		t.Error("database still exists")
	}
	if _, err := env.svc.GetStatus(StatusOptions{}); err == nil {
		t.Error("GetStatus() after reset succeeded")
	}
}
