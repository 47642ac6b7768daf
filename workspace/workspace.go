// Package workspace derives the on-disk layout of a build from the source
// image name.
//
// For an image "ubuntu.iso" built in /work the layout is:
//
//	/work/ubuntu.iso.mount   read-only loop mount of the image
//	/work/ubuntu.iso.src     copied image contents, repacked payload goes here
//	/work/ubuntu.iso.fs      extracted root filesystem, the chroot target
//	/work/ubuntu.iso.mirror  persistent package artifact cache
//
// Nothing here is persisted; every invocation re-derives the same paths.
package workspace

import (
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/hnhdigital-os/ubuntu-iso-builder/mount"
)

// Fixed locations inside the trees.
const (
	PayloadPath  = "casper/filesystem.squashfs"
	ManifestPath = "casper/filesystem.manifest"
	SizePath     = "casper/filesystem.size"
	PoolPath     = "pool/main"

	MarkerName      = "chroot-init"
	HostDir         = "host"
	MirrorFilesDir  = "mirror-files"
	LocalMirrorDir  = "local-mirror"
	MarkerTimestamp = "2006-01-02 15:04:05"
)

// Tree holds the paths of one build.
type Tree struct {
	Cwd        string
	SourcePath string
	MountPath  string
	FsPath     string
	MirrorPath string
}

// New derives a Tree for the image at source, relative to cwd.
func New(cwd, source string) Tree {
	base := filepath.Join(cwd, filepath.Base(source))
	return Tree{
		Cwd:        cwd,
		SourcePath: base + ".src",
		MountPath:  base + ".mount",
		FsPath:     base + ".fs",
		MirrorPath: base + ".mirror",
	}
}

// Overrides replaces derived paths with explicitly given ones. Empty
// fields keep the derived value.
type Overrides struct {
	SourcePath string
	MountPath  string
	FsPath     string
	MirrorPath string
}

// With returns a copy of t with non-empty overrides applied.
func (t Tree) With(o Overrides) Tree {
	if o.SourcePath != "" {
		t.SourcePath = o.SourcePath
	}
	if o.MountPath != "" {
		t.MountPath = o.MountPath
	}
	if o.FsPath != "" {
		t.FsPath = o.FsPath
	}
	if o.MirrorPath != "" {
		t.MirrorPath = o.MirrorPath
	}
	return t
}

// Fs returns a path inside the working tree.
func (t Tree) Fs(elem ...string) string {
	return filepath.Join(append([]string{t.FsPath}, elem...)...)
}

// Source returns a path inside the copied source tree.
func (t Tree) Source(elem ...string) string {
	return filepath.Join(append([]string{t.SourcePath}, elem...)...)
}

// Staged returns a host-side staging path below cwd (install/, replace/,
// scripts/).
func (t Tree) Staged(elem ...string) string {
	return filepath.Join(append([]string{t.Cwd}, elem...)...)
}

// MarkerPath is the chroot marker file.
func (t Tree) MarkerPath() string {
	return t.Fs(MarkerName)
}

// LocalMirror is the repository directory inside the working tree.
func (t Tree) LocalMirror() string {
	return t.Fs(LocalMirrorDir)
}

// Initialized reports whether the chroot marker exists.
func (t Tree) Initialized(fs afero.Fs) bool {
	ok, err := afero.Exists(fs, t.MarkerPath())
	return err == nil && ok
}

// InitializedAt returns the time recorded in the marker.
func (t Tree) InitializedAt(fs afero.Fs) (time.Time, error) {
	data, err := afero.ReadFile(fs, t.MarkerPath())
	if err != nil {
		return time.Time{}, err
	}
	return time.ParseInLocation(MarkerTimestamp, string(data), time.Local)
}

// ChrootMounts returns the mounts an initialized tree carries, in mount
// order. Unmount in reverse.
func (t Tree) ChrootMounts() []mount.Record {
	return []mount.Record{
		{Source: "/dev", Target: t.Fs("dev"), Options: mount.Options{Kind: mount.KindBind}},
		{Source: "devpts", Target: t.Fs("dev", "pts"), Options: mount.Options{Kind: mount.KindVirtual, FSType: "devpts"}},
		{Source: "proc", Target: t.Fs("proc"), Options: mount.Options{Kind: mount.KindVirtual, FSType: "proc"}},
		{Source: "sysfs", Target: t.Fs("sys"), Options: mount.Options{Kind: mount.KindVirtual, FSType: "sysfs"}},
		{Source: t.Cwd, Target: t.Fs(HostDir), Options: mount.Options{Kind: mount.KindBind}},
	}
}

// MirrorMount is the bind of the artifact cache into the working tree.
func (t Tree) MirrorMount() mount.Record {
	return mount.Record{
		Source:     t.MirrorPath,
		Target:     t.Fs(MirrorFilesDir),
		Options:    mount.Options{Kind: mount.KindBind},
		BestEffort: true,
	}
}

// TeardownTargets lists every mount point that may exist below FsPath, in
// safe unmount order.
func (t Tree) TeardownTargets() []string {
	return []string{
		t.Fs(MirrorFilesDir),
		t.Fs(HostDir),
		t.Fs("dev", "pts"),
		t.Fs("dev"),
		t.Fs("sys"),
		t.Fs("proc"),
	}
}
