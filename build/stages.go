package build

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hnhdigital-os/ubuntu-iso-builder/action"
	"github.com/hnhdigital-os/ubuntu-iso-builder/config"
	"github.com/hnhdigital-os/ubuntu-iso-builder/iso"
	"github.com/hnhdigital-os/ubuntu-iso-builder/mirror"
)

// Stage names outside the action set.
const (
	StageISOCopy         = "iso-copy"
	StageFsOpen          = "fs-open"
	StageFsInit          = "fs-init"
	StageMirrorDownload  = "mirror-download"
	StageMirrorCopy      = "mirror-copy"
	StageMirrorCompile   = "mirror-compile"
	StageMirrorConfigure = "mirror-configure"
	StageFsClose         = "fs-close"
	StageISOCreate       = "iso-create"
	StageISOPublish      = "iso-publish"
)

// Stage is one fail-fast step of the pipeline.
type Stage struct {
	Name string
	Run  func(ctx context.Context) error
}

// UnknownStageError is returned when a single stage is requested that the
// pipeline does not have.
type UnknownStageError struct {
	Name  string
	Known []string
}

func (e *UnknownStageError) Error() string {
	return fmt.Sprintf("unknown stage %q (known: %s)", e.Name, strings.Join(e.Known, ", "))
}

// Stages returns the stages a run executes, in order.
//
// Level 1 is the full build. Level 2 stops after the tree is initialized so
// it can be modified by hand. With Only set, just that stage is returned.
func (p *Pipeline) Stages() ([]Stage, error) {
	if p.opts.Only != "" {
		for _, s := range p.catalogue(true) {
			if s.Name == p.opts.Only {
				return []Stage{s}, nil
			}
		}
		var known []string
		for _, s := range p.catalogue(true) {
			known = append(known, s.Name)
		}
		sort.Strings(known)
		return nil, &UnknownStageError{Name: p.opts.Only, Known: known}
	}

	all := p.catalogue(false)
	if p.opts.Level == 2 {
		return all[:3], nil
	}
	return all, nil
}

// catalogue lists the level 1 stages. Unless full is set, stages without
// anything to do for the definition are left out.
func (p *Pipeline) catalogue(full bool) []Stage {
	def := p.opts.Definition

	stages := []Stage{
		{StageISOCopy, func(ctx context.Context) error {
			return p.imager.Copy(ctx, p.image)
		}},
		{StageFsOpen, p.lifecycle.Open},
		{StageFsInit, p.lifecycle.Init},
	}

	for _, kind := range action.Kinds() {
		kind := kind
		data := p.actionData(kind)
		if len(data) == 0 && !full {
			continue
		}
		stages = append(stages, Stage{string(kind), func(ctx context.Context) error {
			if len(data) == 0 {
				return p.lifecycle.RunAction(ctx, string(kind), "")
			}
			for _, d := range data {
				if err := p.lifecycle.RunAction(ctx, string(kind), d); err != nil {
					return err
				}
			}
			return nil
		}})
	}

	if def.Mirror.Enabled || full {
		stages = append(stages,
			Stage{StageMirrorDownload, p.mirrorDownload},
			Stage{StageMirrorCopy, func(context.Context) error {
				return p.mirror.CopyMirror()
			}},
			Stage{StageMirrorCompile, func(ctx context.Context) error {
				return p.mirror.CompileMirror(ctx, releaseFor(def.Mirror.Release), mirror.Signing{
					Key:        def.Mirror.Signing.Key,
					Passphrase: def.Mirror.Signing.Passphrase,
				})
			}},
		)
		if def.Mirror.KeyFile != "" || full {
			stages = append(stages, Stage{StageMirrorConfigure, func(ctx context.Context) error {
				return p.mirror.ConfigureMirror(ctx, def.Mirror.KeyFile)
			}})
		}
	}

	stages = append(stages,
		Stage{StageFsClose, p.lifecycle.Close},
		Stage{StageISOCreate, p.create},
	)
	if (def.ISO.Bucket != "" && p.opts.Publisher != nil) || full {
		stages = append(stages, Stage{StageISOPublish, p.publish})
	}
	return stages
}

// actionData returns one data string per invocation of kind. Actions taking
// lists get a single comma separated invocation; file actions run once per
// file.
func (p *Pipeline) actionData(kind action.Kind) []string {
	def := p.opts.Definition
	join := func(items []string) []string {
		if len(items) == 0 {
			return nil
		}
		return []string{strings.Join(items, ",")}
	}

	switch kind {
	case action.AddAptRepo:
		// install-package adds them itself
		if len(def.Packages.Install) > 0 {
			return nil
		}
		return join(def.Repositories)
	case action.UpgradeSoftware:
		if def.Upgrade {
			return []string{""}
		}
	case action.PurgePackage:
		return join(def.Packages.Purge)
	case action.InstallPackage:
		return join(def.Packages.Install)
	case action.DebInstall:
		return def.DebFiles
	case action.ReplaceFile:
		return def.ReplaceFiles
	case action.RunScripts:
		return join(def.Scripts)
	case action.TextReplace:
		var data []string
		for _, r := range def.TextReplace {
			data = append(data, action.Replacement{Path: r.Path, Find: r.Find, Replace: r.Replace}.Encode())
		}
		return data
	}
	return nil
}

func (p *Pipeline) mirrorDownload(ctx context.Context) error {
	if err := p.mirror.Prepare(ctx); err != nil {
		return err
	}
	report, err := p.mirror.Download(ctx, p.opts.Definition.Mirror.Packages)
	if report != nil {
		p.logger.Info("Mirror: %d resolved, %d downloaded, %d cached, %d evicted",
			len(report.Resolved), len(report.Downloaded), len(report.Skipped), len(report.Evicted))
	}
	return err
}

func (p *Pipeline) create(ctx context.Context) error {
	def := p.opts.Definition
	out, err := p.imager.Create(ctx, iso.CreateOptions{
		Output: p.outputName(),
		Label:  def.ISO.Label,
		Force:  p.opts.Force,
		Keep:   def.ISO.Keep,
	})
	if err != nil {
		return err
	}
	p.output = out
	return nil
}

func (p *Pipeline) publish(ctx context.Context) error {
	if p.opts.Publisher == nil {
		return fmt.Errorf("%s: no publisher configured", StageISOPublish)
	}
	local := p.output
	if local == "" {
		local = p.imager.OutputPath(p.outputName())
	}
	object, err := p.opts.Publisher.Publish(ctx, local)
	if err != nil {
		return err
	}
	p.object = object
	return nil
}

func (p *Pipeline) outputName() string {
	if out := p.opts.Definition.ISO.Output; out != "" {
		return out
	}
	return iso.DefaultOutput(p.image)
}

func releaseFor(r config.ReleaseDefinition) mirror.Release {
	return mirror.Release{
		Origin:        r.Origin,
		Label:         r.Label,
		Suite:         r.Suite,
		Version:       r.Version,
		Codename:      r.Codename,
		Architectures: r.Architectures,
		Components:    r.Components,
		Description:   r.Description,
	}
}
