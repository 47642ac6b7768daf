package cmd

import (
	"github.com/spf13/pflag"

	"github.com/hnhdigital-os/ubuntu-iso-builder/service"
	"github.com/hnhdigital-os/ubuntu-iso-builder/workspace"
)

// treeFlags holds the flags locating a working tree. Every command acting on
// a tree gets its own set.
type treeFlags struct {
	cwd       string
	overrides workspace.Overrides
}

func (t *treeFlags) flagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("tree", pflag.ContinueOnError)
	fs.StringVar(&t.cwd, "cwd", "", "directory the working tree lives in (default: work directory)")
	fs.StringVar(&t.overrides.SourcePath, "source-path", "", "override the copied image tree")
	fs.StringVar(&t.overrides.MountPath, "mount-path", "", "override the image mount point")
	fs.StringVar(&t.overrides.FsPath, "fs-path", "", "override the extracted root filesystem")
	fs.StringVar(&t.overrides.MirrorPath, "mirror-path", "", "override the package mirror cache")
	return fs
}

func (t *treeFlags) options(image string, repos []string) service.TreeOptions {
	return service.TreeOptions{
		Image:        image,
		Cwd:          t.cwd,
		Overrides:    t.overrides,
		Repositories: repos,
	}
}
