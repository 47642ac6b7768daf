// Package action runs named modification actions inside an initialized
// working tree.
//
// The set of actions is closed. Each Kind maps to a handler in a static
// table; every command a handler issues runs chrooted into the tree with a
// fixed package-manager environment, and multi-command handlers stop at the
// first failure. Nothing is rolled back.
//
// Staged host files are read from the build directory, which the chroot sees
// at /host:
//
//	<cwd>/install/<file.deb>   deb-install
//	<cwd>/replace/<path>       replace-file
//	<cwd>/scripts/<script>     run-scripts
package action

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/hnhdigital-os/ubuntu-iso-builder/log"
	"github.com/hnhdigital-os/ubuntu-iso-builder/process"
	"github.com/hnhdigital-os/ubuntu-iso-builder/workspace"
)

// Kind names an action.
type Kind string

const (
	AddAptRepo      Kind = "add-apt-repo"
	UpgradeSoftware Kind = "upgrade-software"
	PurgePackage    Kind = "purge-package"
	InstallPackage  Kind = "install-package"
	DebInstall      Kind = "deb-install"
	ReplaceFile     Kind = "replace-file"
	RunScripts      Kind = "run-scripts"
	TextReplace     Kind = "text-replace"
)

// Kinds returns every action in the order a build applies them.
func Kinds() []Kind {
	return []Kind{
		AddAptRepo,
		UpgradeSoftware,
		PurgePackage,
		InstallPackage,
		DebInstall,
		ReplaceFile,
		RunScripts,
		TextReplace,
	}
}

// ParseKind validates an action name.
func ParseKind(name string) (Kind, error) {
	k := Kind(name)
	if _, ok := handlers[k]; !ok {
		return "", &UnknownActionError{Name: name}
	}
	return k, nil
}

type handler func(d *Dispatcher, ctx context.Context, data string) error

var handlers = map[Kind]handler{
	AddAptRepo:      (*Dispatcher).addAptRepo,
	UpgradeSoftware: (*Dispatcher).upgradeSoftware,
	PurgePackage:    (*Dispatcher).purgePackage,
	InstallPackage:  (*Dispatcher).installPackage,
	DebInstall:      (*Dispatcher).debInstall,
	ReplaceFile:     (*Dispatcher).replaceFile,
	RunScripts:      (*Dispatcher).runScripts,
	TextReplace:     (*Dispatcher).textReplace,
}

// Options configure a Dispatcher.
type Options struct {
	Fs     afero.Fs
	Runner process.Runner
	Tree   workspace.Tree

	// Repositories are added before every install-package.
	Repositories []string

	Logger log.LibraryLogger

	// Timeout bounds each command. Zero means no timeout.
	Timeout time.Duration
}

// Dispatcher maps action names to command sequences.
type Dispatcher struct {
	fs      afero.Fs
	runner  process.Runner
	tree    workspace.Tree
	repos   []string
	logger  log.LibraryLogger
	timeout time.Duration
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = log.NoOpLogger{}
	}
	return &Dispatcher{
		fs:      opts.Fs,
		runner:  opts.Runner,
		tree:    opts.Tree,
		repos:   opts.Repositories,
		logger:  logger,
		timeout: opts.Timeout,
	}
}

// Dispatch runs the named action with its data.
//
// The caller is responsible for the tree being initialized.
func (d *Dispatcher) Dispatch(ctx context.Context, name, data string) error {
	kind, err := ParseKind(name)
	if err != nil {
		return err
	}

	d.logger.Info("Running %s", kind)
	if err := handlers[kind](d, ctx, data); err != nil {
		return fmt.Errorf("%s: %w", kind, err)
	}
	return nil
}

// chroot runs commands in order inside the tree, stopping at the first
// failure.
func (d *Dispatcher) chroot(ctx context.Context, cmds ...[]string) error {
	for _, argv := range cmds {
		_, err := process.Exec(ctx, d.runner, &process.Command{
			Program: argv[0],
			Args:    argv[1:],
			Chroot:  d.tree.FsPath,
			Env:     process.ChrootEnv(),
			Sudo:    true,
			Timeout: d.timeout,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// staged checks that a host-side staged file exists below dir.
func (d *Dispatcher) staged(dir, rel string) (string, error) {
	path, err := within(d.tree.Staged(dir), rel)
	if err != nil {
		return "", err
	}
	if ok, _ := afero.Exists(d.fs, path); !ok {
		return "", fmt.Errorf("%s: %w", path, ErrFileNotFound)
	}
	return path, nil
}

// within joins rel onto root, refusing results outside root.
func within(root, rel string) (string, error) {
	joined := filepath.Join(root, rel)
	up, err := filepath.Rel(root, joined)
	if err != nil || up == ".." || strings.HasPrefix(up, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", rel, ErrPathEscapes)
	}
	return joined, nil
}
