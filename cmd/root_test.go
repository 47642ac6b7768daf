package cmd

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hnhdigital-os/ubuntu-iso-builder/lifecycle"
	"github.com/hnhdigital-os/ubuntu-iso-builder/process"
	"github.com/hnhdigital-os/ubuntu-iso-builder/workspace"
)

func findCommand(t *testing.T, path ...string) *cobra.Command {
	t.Helper()
	cmd, rest, err := rootCmd.Find(path)
	require.NoError(t, err)
	require.Empty(t, rest, "command %v not found", path)
	return cmd
}

func TestCommandTree(t *testing.T) {
	commands := [][]string{
		{"build"},
		{"fs", "open"}, {"fs", "init"}, {"fs", "run-action"}, {"fs", "uninit"},
		{"fs", "close"}, {"fs", "cleanup"}, {"fs", "state"},
		{"mirror", "download"}, {"mirror", "copy"}, {"mirror", "compile"}, {"mirror", "configure"},
		{"iso", "mount"}, {"iso", "copy"}, {"iso", "create"}, {"iso", "unmount"}, {"iso", "publish"},
		{"status"}, {"cleanup"}, {"init"}, {"logs"}, {"monitor"},
		{"reset-db"}, {"backup-db"}, {"version"},
	}
	for _, path := range commands {
		cmd := findCommand(t, path...)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestTreeFlags(t *testing.T) {
	var tf treeFlags
	fs := tf.flagSet()
	require.NoError(t, fs.Parse([]string{
		"--cwd", "/builds",
		"--fs-path", "/scratch/root",
		"--mirror-path", "/cache/mirror",
	}))

	opts := tf.options("ubuntu.iso", []string{"ppa:x/y"})
	assert.Equal(t, "/builds", opts.Cwd)
	assert.Equal(t, "ubuntu.iso", opts.Image)
	assert.Equal(t, []string{"ppa:x/y"}, opts.Repositories)
	assert.Equal(t, workspace.Overrides{FsPath: "/scratch/root", MirrorPath: "/cache/mirror"}, opts.Overrides)
}

func TestTreeCommandsHaveOwnFlags(t *testing.T) {
	open := findCommand(t, "fs", "open")
	closeCmd := findCommand(t, "fs", "close")

	require.NoError(t, open.Flags().Set("fs-path", "/a"))
	assert.Equal(t, "", closeCmd.Flags().Lookup("fs-path").Value.String())
}

func TestArgs(t *testing.T) {
	tests := []struct {
		path []string
		args []string
		ok   bool
	}{
		{[]string{"build"}, []string{"build.yml"}, true},
		{[]string{"build"}, nil, false},
		{[]string{"fs", "run-action"}, []string{"ubuntu.iso", "install-package"}, true},
		{[]string{"fs", "run-action"}, []string{"ubuntu.iso", "install-package", "curl"}, true},
		{[]string{"fs", "run-action"}, []string{"ubuntu.iso"}, false},
		{[]string{"mirror", "download"}, []string{"ubuntu.iso"}, false},
		{[]string{"mirror", "configure"}, []string{"ubuntu.iso", "key.asc"}, true},
		{[]string{"status"}, []string{"a", "b"}, false},
	}
	for _, tt := range tests {
		cmd := findCommand(t, tt.path...)
		err := cmd.Args(cmd, tt.args)
		if tt.ok {
			assert.NoError(t, err, "%v %v", tt.path, tt.args)
		} else {
			assert.Error(t, err, "%v %v", tt.path, tt.args)
		}
	}
}

func TestStateLine(t *testing.T) {
	fs := afero.NewMemMapFs()
	tree := workspace.New("/work", "/isos/ubuntu.iso")
	lc := lifecycle.New(lifecycle.Options{Fs: fs, Runner: process.NewMockRunner(), Tree: tree})

	assert.Equal(t, "/work/ubuntu.iso.fs: absent", stateLine(lc))

	require.NoError(t, fs.MkdirAll(tree.FsPath, 0755))
	assert.Equal(t, "/work/ubuntu.iso.fs: extracted", stateLine(lc))

	require.NoError(t, afero.WriteFile(fs, tree.MarkerPath(), []byte("2024-05-01 09:30:00"), 0644))
	assert.Equal(t, "/work/ubuntu.iso.fs: initialized since 2024-05-01 09:30:00", stateLine(lc))
}
