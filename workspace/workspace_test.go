package workspace

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hnhdigital-os/ubuntu-iso-builder/mount"
)

func TestNew(t *testing.T) {
	tree := New("/work", "/isos/ubuntu-22.04-desktop-amd64.iso")

	assert.Equal(t, Tree{
		Cwd:        "/work",
		SourcePath: "/work/ubuntu-22.04-desktop-amd64.iso.src",
		MountPath:  "/work/ubuntu-22.04-desktop-amd64.iso.mount",
		FsPath:     "/work/ubuntu-22.04-desktop-amd64.iso.fs",
		MirrorPath: "/work/ubuntu-22.04-desktop-amd64.iso.mirror",
	}, tree)

	assert.Equal(t, "/work/ubuntu-22.04-desktop-amd64.iso.fs/chroot-init", tree.MarkerPath())
	assert.Equal(t, "/work/ubuntu-22.04-desktop-amd64.iso.src/casper/filesystem.squashfs", tree.Source(PayloadPath))
	assert.Equal(t, "/work/ubuntu-22.04-desktop-amd64.iso.fs/local-mirror", tree.LocalMirror())
	assert.Equal(t, "/work/scripts/setup.sh", tree.Staged("scripts", "setup.sh"))
}

func TestTree_With(t *testing.T) {
	tree := New("/work", "a.iso").With(Overrides{FsPath: "/scratch/a.fs"})

	assert.Equal(t, "/scratch/a.fs", tree.FsPath)
	assert.Equal(t, "/work/a.iso.src", tree.SourcePath)
	assert.Equal(t, "/work/a.iso.mirror", tree.MirrorPath)
}

func TestTree_Initialized(t *testing.T) {
	fs := afero.NewMemMapFs()
	tree := New("/work", "a.iso")

	assert.False(t, tree.Initialized(fs))

	stamp := time.Date(2024, 3, 1, 12, 30, 0, 0, time.Local)
	require.NoError(t, afero.WriteFile(fs, tree.MarkerPath(), []byte(stamp.Format(MarkerTimestamp)), 0644))

	assert.True(t, tree.Initialized(fs))
	got, err := tree.InitializedAt(fs)
	require.NoError(t, err)
	assert.True(t, stamp.Equal(got))
}

func TestTree_Mounts(t *testing.T) {
	tree := New("/work", "a.iso")

	mounts := tree.ChrootMounts()
	require.Len(t, mounts, 5)
	assert.Equal(t, "/work/a.iso.fs/dev", mounts[0].Target)
	assert.Equal(t, mount.KindBind, mounts[0].Options.Kind)
	assert.Equal(t, "devpts", mounts[1].Options.FSType)
	assert.Equal(t, "/work", mounts[4].Source)
	assert.Equal(t, "/work/a.iso.fs/host", mounts[4].Target)

	mm := tree.MirrorMount()
	assert.Equal(t, "/work/a.iso.mirror", mm.Source)
	assert.Equal(t, "/work/a.iso.fs/mirror-files", mm.Target)

	targets := tree.TeardownTargets()
	// nested mounts come before their parents
	pts, dev := -1, -1
	for i, target := range targets {
		switch target {
		case "/work/a.iso.fs/dev/pts":
			pts = i
		case "/work/a.iso.fs/dev":
			dev = i
		}
	}
	assert.True(t, pts >= 0 && dev > pts)
}
