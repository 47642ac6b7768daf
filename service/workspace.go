package service

import (
	"context"
	"path/filepath"

	"github.com/hnhdigital-os/ubuntu-iso-builder/action"
	"github.com/hnhdigital-os/ubuntu-iso-builder/iso"
	"github.com/hnhdigital-os/ubuntu-iso-builder/lifecycle"
	"github.com/hnhdigital-os/ubuntu-iso-builder/mirror"
	"github.com/hnhdigital-os/ubuntu-iso-builder/publish"
	"github.com/hnhdigital-os/ubuntu-iso-builder/workspace"
)

// TreeOptions select the working tree a single operation acts on.
type TreeOptions struct {
	Image        string // source image the tree is derived from
	Cwd          string // defaults to the work directory
	Overrides    workspace.Overrides
	Repositories []string // added by install-package
}

// Workspace bundles the components acting on one working tree.
type Workspace struct {
	Tree      workspace.Tree
	Image     string // absolute source image path
	Lifecycle *lifecycle.Lifecycle
	Mirror    *mirror.Synchronizer
	Imager    *iso.Imager
}

// Workspace wires the lifecycle, mirror and image components for the tree
// derived from opts. Used by the commands that run one step at a time.
func (s *Service) Workspace(opts TreeOptions) *Workspace {
	cwd := opts.Cwd
	if cwd == "" {
		cwd = s.cfg.WorkDir
	}
	image := opts.Image
	if image != "" && !filepath.IsAbs(image) {
		image = filepath.Join(cwd, image)
	}
	tree := workspace.New(cwd, image).With(opts.Overrides)

	dispatcher := action.NewDispatcher(action.Options{
		Fs:           s.fs,
		Runner:       s.runner,
		Tree:         tree,
		Repositories: opts.Repositories,
		Logger:       s.logger,
		Timeout:      s.cfg.CommandTimeout,
	})

	return &Workspace{
		Tree:  tree,
		Image: image,
		Lifecycle: lifecycle.New(lifecycle.Options{
			Fs:         s.fs,
			Runner:     s.runner,
			Mounts:     s.mounts,
			Tree:       tree,
			Dispatcher: dispatcher,
			Logger:     s.logger,
			BlockSize:  s.cfg.SquashfsBlockSize,
			Timeout:    s.cfg.CommandTimeout,
		}),
		Mirror: mirror.New(mirror.Options{
			Fs:      s.fs,
			Runner:  s.runner,
			Mounts:  s.mounts,
			Tree:    tree,
			Logger:  s.logger,
			Timeout: s.cfg.CommandTimeout,
		}),
		Imager: iso.New(iso.Options{
			Fs:      s.fs,
			Runner:  s.runner,
			Mounts:  s.mounts,
			Tree:    tree,
			Logger:  s.logger,
			Timeout: s.cfg.CommandTimeout,
		}),
	}
}

// PublishOptions contains options for Publish.
type PublishOptions struct {
	Bucket   string
	Prefix   string
	Compress bool
	Store    publish.Store // defaults to the GCS bucket
}

// Publish uploads a local image and returns the object name.
func (s *Service) Publish(ctx context.Context, local string, opts PublishOptions) (string, error) {
	store := opts.Store
	if store == nil {
		gcs, err := publish.NewGCS(ctx, opts.Bucket, s.cfg.Publish.CredentialsFile)
		if err != nil {
			return "", err
		}
		defer gcs.Close()
		store = gcs
	}
	p := publish.New(publish.Options{
		Fs:       s.fs,
		Store:    store,
		Logger:   s.logger,
		Prefix:   opts.Prefix,
		Compress: opts.Compress,
	})
	return p.Publish(ctx, local)
}
