package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hnhdigital-os/ubuntu-iso-builder/action"
	"github.com/hnhdigital-os/ubuntu-iso-builder/builddb"
	"github.com/hnhdigital-os/ubuntu-iso-builder/config"
	"github.com/hnhdigital-os/ubuntu-iso-builder/log"
	"github.com/hnhdigital-os/ubuntu-iso-builder/mount"
	"github.com/hnhdigital-os/ubuntu-iso-builder/process"
	"github.com/hnhdigital-os/ubuntu-iso-builder/workspace"
)

const (
	mountTable = "/proc/self/mounts"
	image      = "/isos/ubuntu.iso"
)

type fixture struct {
	fs     afero.Fs
	runner *process.MockRunner
	tree   workspace.Tree
	cfg    *config.Config
	out    *bytes.Buffer
	logger *log.MemoryLogger
}

// newFixture fakes the host tools over an in-memory filesystem: mount and
// umount maintain the mount table, rsync lays out a source tree, dd and rm
// act on the filesystem, the squashfs tools and mkisofs write their outputs.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		fs:     afero.NewMemMapFs(),
		runner: process.NewMockRunner(),
		tree:   workspace.New("/work", image),
		out:    &bytes.Buffer{},
		logger: log.NewMemoryLogger(),
	}
	cfg := config.Defaults()
	cfg.WorkDir = "/work"
	cfg.LogsPath = t.TempDir()
	cfg.CommandTimeout = time.Minute
	f.cfg = &cfg

	write := func(path, data string) {
		require.NoError(t, afero.WriteFile(f.fs, path, []byte(data), 0644))
	}
	write(mountTable, "")
	write(image, "iso9660")
	write(f.tree.MountPath+"/"+workspace.PayloadPath, "squashfs")
	write("/work/scripts/setup.sh", "#!/bin/sh\n")

	f.runner.On("mount", func(cmd *process.Command) (*process.Result, error) {
		n := len(cmd.Args)
		f.setMounted(t, cmd.Args[n-2], cmd.Args[n-1], true)
		return &process.Result{}, nil
	})
	f.runner.On("umount", func(cmd *process.Command) (*process.Result, error) {
		f.setMounted(t, "", cmd.Args[len(cmd.Args)-1], false)
		return &process.Result{}, nil
	})
	f.runner.On("rsync", func(cmd *process.Command) (*process.Result, error) {
		dst := cmd.Args[len(cmd.Args)-1]
		for _, name := range []string{"isolinux/isolinux.bin", "casper/vmlinuz", "README.diskdefines"} {
			if err := afero.WriteFile(f.fs, dst+"/"+name, []byte(name), 0644); err != nil {
				return nil, err
			}
		}
		return &process.Result{}, nil
	})
	f.runner.On("unsquashfs", func(cmd *process.Command) (*process.Result, error) {
		dest := cmd.Args[1]
		for _, dir := range []string{"tmp", "etc", "dev", "proc", "sys"} {
			if err := f.fs.MkdirAll(dest+"/"+dir, 0755); err != nil {
				return nil, err
			}
		}
		return &process.Result{}, afero.WriteFile(f.fs, dest+"/etc/os-release", []byte("NAME=Ubuntu\n"), 0644)
	})
	f.runner.On("dd", process.WriteInto(f.fs))
	f.runner.On("rm", process.RemoveFrom(f.fs))
	f.runner.On("dpkg-query", process.Stdout("curl 7.81.0\n"))
	f.runner.On("mksquashfs", func(cmd *process.Command) (*process.Result, error) {
		return &process.Result{}, afero.WriteFile(f.fs, cmd.Args[1], []byte("repacked"), 0644)
	})
	f.runner.On("mkisofs", func(cmd *process.Command) (*process.Result, error) {
		return &process.Result{}, afero.WriteFile(f.fs, cmd.Args[len(cmd.Args)-2], []byte("bootable"), 0644)
	})
	return f
}

func (f *fixture) setMounted(t *testing.T, source, target string, mounted bool) {
	t.Helper()
	data, err := afero.ReadFile(f.fs, mountTable)
	require.NoError(t, err)

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
	require.NoError(t, afero.WriteFile(f.fs, mountTable, []byte(strings.Join(lines, "\n")+"\n"), 0444))
}

func (f *fixture) mounts() *mount.Manager {
	return mount.NewManager(f.runner, f.fs, mount.Config{MountTable: mountTable, Retries: 1})
}

func (f *fixture) pipeline(t *testing.T, def *config.Definition, mutate func(*Options)) *Pipeline {
	t.Helper()
	opts := Options{
		Config:     f.cfg,
		Definition: def,
		Tree:       f.tree,
		Level:      1,
		Fs:         f.fs,
		Runner:     f.runner,
		Mounts:     f.mounts(),
		Logger:     f.logger,
		UI:         NewStdoutUI(f.out),
	}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := New(opts)
	require.NoError(t, err)
	return p
}

func definition() *config.Definition {
	return &config.Definition{
		ISO:      config.ISODefinition{Source: image, Output: "custom.iso", Label: "Custom"},
		Packages: config.PackageSet{Install: []string{"curl"}},
		Scripts:  []string{"setup.sh"},
	}
}

func stageNames(stages []Stage) []string {
	names := make([]string, 0, len(stages))
	for _, s := range stages {
		names = append(names, s.Name)
	}
	return names
}

func processed(out string) []string {
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if name, ok := strings.CutPrefix(line, "Processing "); ok {
			names = append(names, name)
		}
	}
	return names
}

func TestRun_EndToEnd(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, definition(), nil)

	res, err := p.Run(context.Background())
	require.NoError(t, err)

	want := []string{"iso-copy", "fs-open", "fs-init", "install-package", "run-scripts", "fs-close", "iso-create"}
	if diff := cmp.Diff(want, processed(f.out.String())); diff != "" {
		t.Errorf("stage order mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, res.Stages, len(want))
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, "/work/build/custom.iso", res.Output)

	assert.True(t, f.runner.Ran("apt-get -y -f install curl"))
	assert.True(t, f.runner.Ran("/host/scripts/setup.sh"))

	exists := func(path string) bool {
		ok, _ := afero.Exists(f.fs, path)
		return ok
	}
	assert.True(t, exists("/work/build/custom.iso"))
	assert.False(t, exists(f.tree.FsPath), "working tree removed by fs-close")
	assert.False(t, exists(f.tree.SourcePath), "source tree removed after create")

	mounted, err := f.mounts().MountsUnder("/work")
	require.NoError(t, err)
	assert.Empty(t, mounted)

	for _, s := range res.Stages {
		assert.FileExists(t, s.LogPath)
	}
}

func TestRun_FailureStopsPipeline(t *testing.T) {
	f := newFixture(t)
	f.runner.OnArgs("apt-get", []string{"-y", "-f", "install"}, func(*process.Command) (*process.Result, error) {
		return &process.Result{ExitCode: 100, Stderr: "E: Unable to locate package curl"}, nil
	})
	p := f.pipeline(t, definition(), nil)

	res, err := p.Run(context.Background())
	require.Error(t, err)

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "install-package", se.Stage)
	code, ok := process.IsCommandFailure(err)
	assert.True(t, ok)
	assert.Equal(t, 100, code)

	want := []string{"iso-copy", "fs-open", "fs-init", "install-package"}
	if diff := cmp.Diff(want, processed(f.out.String())); diff != "" {
		t.Errorf("stage order mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, res.Stages, 4)
	assert.Empty(t, res.Output)

	assert.False(t, f.runner.Ran("/host/scripts/setup.sh"))
	assert.Empty(t, f.runner.Find("mksquashfs"))
	assert.Empty(t, f.runner.Find("mkisofs"))

	ok, _ = afero.Exists(f.fs, f.tree.MarkerPath())
	assert.True(t, ok, "initialized tree left for inspection")
	assert.Contains(t, f.out.String(), "E: Unable to locate package curl")
	assert.Contains(t, f.out.String(), "The working tree was left at /work/ubuntu.iso.fs (initialized).")
}

func TestStages_Level2(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, definition(), func(o *Options) { o.Level = 2 })

	stages, err := p.Stages()
	require.NoError(t, err)
	assert.Equal(t, []string{"iso-copy", "fs-open", "fs-init"}, stageNames(stages))

	_, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, f.tree.Initialized(f.fs))
	assert.True(t, f.mounts().IsMounted(f.tree.MountPath), "image stays mounted for manual work")
}

func TestStages_Definition(t *testing.T) {
	f := newFixture(t)
	def := &config.Definition{
		ISO:          config.ISODefinition{Source: "ubuntu.iso", Bucket: "images"},
		Upgrade:      true,
		Repositories: []string{"ppa:git-core/ppa"},
		Packages:     config.PackageSet{Purge: []string{"thunderbird", "rhythmbox"}},
		DebFiles:     []string{"a.deb", "b.deb"},
		ReplaceFiles: []string{"etc/motd"},
		TextReplace:  []config.TextReplacement{{Path: "/etc/issue", Find: "Ubuntu", Replace: "Custom"}},
		Mirror: config.MirrorDefinition{
			Enabled:  true,
			Packages: []string{"nginx"},
			KeyFile:  "mirror.key",
		},
	}
	p := f.pipeline(t, def, nil)

	stages, err := p.Stages()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"iso-copy", "fs-open", "fs-init",
		"add-apt-repo", "upgrade-software", "purge-package", "deb-install", "replace-file", "text-replace",
		"mirror-download", "mirror-copy", "mirror-compile", "mirror-configure",
		"fs-close", "iso-create",
	}, stageNames(stages), "no publish stage without a publisher")

	assert.Equal(t, "/work/ubuntu.iso", p.Image())
	assert.Equal(t, []string{"thunderbird,rhythmbox"}, p.actionData(action.PurgePackage))
	assert.Equal(t, []string{"a.deb", "b.deb"}, p.actionData(action.DebInstall))
	assert.Equal(t, []string{""}, p.actionData(action.UpgradeSoftware))

	data := p.actionData(action.TextReplace)
	require.Len(t, data, 1)
	r, err := action.ParseReplacement(data[0])
	require.NoError(t, err)
	assert.Equal(t, action.Replacement{Path: "/etc/issue", Find: "Ubuntu", Replace: "Custom"}, r)
}

func TestStages_InstallAddsRepositories(t *testing.T) {
	f := newFixture(t)
	def := definition()
	def.Repositories = []string{"ppa:git-core/ppa"}
	p := f.pipeline(t, def, nil)

	stages, err := p.Stages()
	require.NoError(t, err)
	assert.NotContains(t, stageNames(stages), "add-apt-repo")
}

func TestStages_Only(t *testing.T) {
	f := newFixture(t)

	p := f.pipeline(t, definition(), func(o *Options) { o.Only = "mirror-copy" })
	stages, err := p.Stages()
	require.NoError(t, err)
	assert.Equal(t, []string{"mirror-copy"}, stageNames(stages))

	p = f.pipeline(t, definition(), func(o *Options) { o.Only = "iso-modify" })
	_, err = p.Stages()
	var use *UnknownStageError
	require.True(t, errors.As(err, &use))
	assert.Contains(t, use.Known, "install-package")
	assert.Contains(t, use.Known, "iso-publish")
}

func TestRun_OnlyRequiresInitializedTree(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, definition(), func(o *Options) { o.Only = "install-package" })

	_, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not initialized")
	assert.Empty(t, f.runner.Find("apt-get"))
}

func TestRun_RecordsHistory(t *testing.T) {
	f := newFixture(t)
	db, err := builddb.OpenDB(t.TempDir() + "/builds.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	p := f.pipeline(t, definition(), func(o *Options) { o.DB = db })
	res, err := p.Run(context.Background())
	require.NoError(t, err)

	rec, err := db.GetRecord(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, builddb.StatusSuccess, rec.Status)
	assert.Equal(t, image, rec.Image)
	assert.Equal(t, "/work/build/custom.iso", rec.Output)

	stages, err := db.ListStages(res.RunID)
	require.NoError(t, err)
	require.Len(t, stages, 7)
	for _, s := range stages {
		assert.Equal(t, builddb.StatusSuccess, s.Status, s.Name)
	}

	latest, err := db.LatestFor(image)
	require.NoError(t, err)
	assert.Equal(t, res.RunID, latest.UUID)

	crc, err := p.InputCRC()
	require.NoError(t, err)
	assert.Equal(t, crc, rec.InputCRC)
}

func TestInputCRC(t *testing.T) {
	f := newFixture(t)
	write := func(path, data string) {
		require.NoError(t, afero.WriteFile(f.fs, path, []byte(data), 0644))
	}
	write("/work/build.yml", "iso:\n  source: /isos/ubuntu.iso\n")
	write("/work/override.yml", "packages:\n  install: [curl]\n")

	p := f.pipeline(t, definition(), func(o *Options) {
		o.DefinitionPath = "/work/build.yml"
		o.OverridePath = "/work/override.yml"
	})
	assert.Equal(t, []string{
		"/work/install", "/work/replace", "/work/scripts", "/work/build.yml", "/work/override.yml",
	}, p.Inputs())

	first, err := p.InputCRC()
	require.NoError(t, err)

	write("/work/override.yml", "packages:\n  install: [curl, git, vim]\n")
	second, err := p.InputCRC()
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "override change")

	respun := time.Now().Add(time.Hour)
	require.NoError(t, f.fs.Chtimes(image, respun, respun))
	third, err := p.InputCRC()
	require.NoError(t, err)
	assert.NotEqual(t, second, third, "source image change")
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New(Options{Definition: definition(), Level: 3})
	assert.Error(t, err)

	_, err = New(Options{Level: 1})
	assert.True(t, errors.Is(err, config.ErrInvalidDefinition))
}
