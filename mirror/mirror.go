// Package mirror maintains a local, signed package repository built from
// packages resolved inside the working tree.
//
// Artifacts are cached per image in MirrorPath, which is bind mounted into
// the tree at /mirror-files so apt-get download can write to it from inside
// the chroot. The cache holds at most one artifact per package name: a
// download only happens when the available candidate version differs from
// the cached one, and the stale file is evicted first.
//
// Typical sequence:
//
//	sync := mirror.New(opts)
//	if err := sync.Prepare(ctx); err != nil { ... }
//	if _, err := sync.Download(ctx, []string{"php8.1-cli"}); err != nil { ... }
//	if err := sync.CopyMirror(); err != nil { ... }
//	if err := sync.CompileMirror(ctx, release, signing); err != nil { ... }
//	if err := sync.ConfigureMirror(ctx, "mirror.key"); err != nil { ... }
package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hnhdigital-os/ubuntu-iso-builder/log"
	"github.com/hnhdigital-os/ubuntu-iso-builder/mount"
	"github.com/hnhdigital-os/ubuntu-iso-builder/process"
	"github.com/hnhdigital-os/ubuntu-iso-builder/telemetry"
	"github.com/hnhdigital-os/ubuntu-iso-builder/util"
	"github.com/hnhdigital-os/ubuntu-iso-builder/workspace"
)

// Sentinel errors.
var (
	ErrNoPackages     = errors.New("no packages provided")
	ErrMissingKey     = errors.New("mirror key not provided")
	ErrKeyNotFound    = errors.New("mirror key not found")
	ErrLookupFailed   = errors.New("candidate version lookup failed")
	ErrDownloadFailed = errors.New("package download failed")
)

// Options configure a Synchronizer.
type Options struct {
	Fs     afero.Fs
	Runner process.Runner
	Mounts *mount.Manager
	Tree   workspace.Tree
	Logger log.LibraryLogger

	// Timeout bounds index refreshes and lookups. Dependency resolution and
	// downloads never time out.
	Timeout time.Duration
}

// Synchronizer builds the local mirror of one working tree.
type Synchronizer struct {
	fs      afero.Fs
	runner  process.Runner
	mounts  *mount.Manager
	tree    workspace.Tree
	logger  log.LibraryLogger
	timeout time.Duration
}

// New creates a Synchronizer.
func New(opts Options) *Synchronizer {
	logger := opts.Logger
	if logger == nil {
		logger = log.NoOpLogger{}
	}
	return &Synchronizer{
		fs:      opts.Fs,
		runner:  opts.Runner,
		mounts:  opts.Mounts,
		tree:    opts.Tree,
		logger:  logger,
		timeout: opts.Timeout,
	}
}

// Prepare creates the artifact cache and binds it into the tree.
func (s *Synchronizer) Prepare(ctx context.Context) error {
	if err := s.fs.MkdirAll(s.tree.MirrorPath, 0755); err != nil {
		return fmt.Errorf("create mirror cache: %w", err)
	}
	if err := s.fs.Chmod(s.tree.MirrorPath, os.ModeSticky|0777); err != nil {
		return fmt.Errorf("chmod mirror cache: %w", err)
	}

	rec := s.tree.MirrorMount()
	if s.mounts.IsMounted(rec.Target) {
		return nil
	}
	if err := s.mounts.EnsureTarget(rec.Target); err != nil {
		return err
	}
	return s.mounts.Mount(ctx, rec.Source, rec.Target, rec.Options)
}

// DownloadReport summarizes a Download.
type DownloadReport struct {
	Resolved   []string // dependency closure, in resolution order
	Skipped    []string // cached at the candidate version
	Evicted    []string // stale artifact paths removed
	Downloaded []string
	Virtual    []string // no installable candidate
	Failed     []string
}

// Download resolves the dependency closure of names and brings the cache up
// to date with the candidate version of every package in it.
//
// A package whose download fails does not stop the others; all failures are
// returned together.
func (s *Synchronizer) Download(ctx context.Context, names []string) (*DownloadReport, error) {
	ctx, span := telemetry.GetTracer().Start(ctx, "mirror.download")
	defer span.End()

	report := &DownloadReport{}
	if len(names) == 0 {
		return report, ErrNoPackages
	}

	if _, err := s.chroot(ctx, s.timeout, "", "apt-get", "update"); err != nil {
		return report, fmt.Errorf("refresh package index: %w", err)
	}

	res, err := s.chroot(ctx, 0, "", "apt-rdepends", names...)
	if err != nil {
		return report, fmt.Errorf("resolve dependencies: %w", err)
	}
	report.Resolved = parseDependencies(res.Stdout)
	span.SetAttributes(attribute.Int("packages", len(report.Resolved)))
	s.logger.Info("Resolved %d packages from %s", len(report.Resolved), strings.Join(names, ", "))

	var errs []error
	for _, pkg := range report.Resolved {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		fetch, err := s.reconcile(ctx, pkg, report)
		if err != nil {
			return report, err
		}
		if !fetch {
			continue
		}

		if _, err := s.chroot(ctx, 0, "/"+workspace.MirrorFilesDir, "apt-get", "download", pkg); err != nil {
			s.logger.Error("download %s: %v", pkg, err)
			report.Failed = append(report.Failed, pkg)
			errs = append(errs, fmt.Errorf("%s: %w", pkg, err))
			continue
		}
		report.Downloaded = append(report.Downloaded, pkg)
	}

	if len(errs) > 0 {
		return report, fmt.Errorf("%w: %w", ErrDownloadFailed, errors.Join(errs...))
	}
	return report, nil
}

// reconcile compares the cache with the candidate version of pkg, evicting
// stale artifacts, and reports whether pkg needs downloading.
func (s *Synchronizer) reconcile(ctx context.Context, pkg string, report *DownloadReport) (bool, error) {
	candidate, err := s.candidate(ctx, pkg)
	if err != nil {
		// treated as not cached: nothing is evicted, apt-get download decides
		s.logger.Warn("%s: %v, downloading anyway", pkg, err)
		return true, nil
	}
	if candidate == "(none)" {
		s.logger.Debug("%s: no candidate, skipping virtual package", pkg)
		report.Virtual = append(report.Virtual, pkg)
		return false, nil
	}

	cached, err := s.cached(pkg)
	if err != nil {
		return false, err
	}

	hit := false
	for _, a := range cached {
		if a.Version == candidate {
			hit = true
			continue
		}
		// the cache dir is sticky and artifacts are owned by the chroot's root
		if err := process.RemoveFile(ctx, s.runner, a.Path, s.timeout); err != nil {
			return false, fmt.Errorf("evict %s: %w", a.Path, err)
		}
		s.logger.Debug("evicted %s (%s, candidate %s)", a.Path, a.Version, candidate)
		report.Evicted = append(report.Evicted, a.Path)
	}

	if hit {
		s.logger.Debug("%s %s already cached", pkg, candidate)
		report.Skipped = append(report.Skipped, pkg)
		return false, nil
	}
	return true, nil
}

// candidate returns the version apt would install for pkg.
func (s *Synchronizer) candidate(ctx context.Context, pkg string) (string, error) {
	res, err := s.runner.Run(ctx, &process.Command{
		Program: "apt-cache",
		Args:    []string{"policy", pkg},
		Chroot:  s.tree.FsPath,
		Env:     process.ChrootEnv(),
		Sudo:    true,
		Timeout: s.timeout,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%w: apt-cache exited with code %d", ErrLookupFailed, res.ExitCode)
	}

	v, ok := parseCandidate(res.Stdout)
	if !ok {
		return "", fmt.Errorf("%w: no candidate line", ErrLookupFailed)
	}
	return v, nil
}

// cached lists the artifacts of pkg in the cache.
func (s *Synchronizer) cached(pkg string) ([]Artifact, error) {
	all, err := s.Artifacts()
	if err != nil {
		return nil, err
	}
	var out []Artifact
	for _, a := range all {
		if a.Name == pkg {
			out = append(out, a)
		}
	}
	return out, nil
}

// Artifacts lists every artifact in the cache.
func (s *Synchronizer) Artifacts() ([]Artifact, error) {
	entries, err := afero.ReadDir(s.fs, s.tree.MirrorPath)
	if err != nil {
		return nil, fmt.Errorf("read mirror cache: %w", err)
	}

	var out []Artifact
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if a, ok := ParseArtifact(filepath.Join(s.tree.MirrorPath, e.Name())); ok {
			out = append(out, a)
		}
	}
	return out, nil
}

// parseDependencies keeps the package lines of apt-rdepends output. Indented
// lines describe dependency edges.
func parseDependencies(out string) []string {
	var pkgs []string
	for _, line := range strings.Split(out, "\n") {
		if line == "" || strings.HasPrefix(line, " ") {
			continue
		}
		pkgs = append(pkgs, strings.TrimSpace(line))
	}
	return util.Dedupe(pkgs)
}

func parseCandidate(out string) (string, bool) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "Candidate:"); ok {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

func (s *Synchronizer) chroot(ctx context.Context, timeout time.Duration, dir, program string, args ...string) (*process.Result, error) {
	return process.Exec(ctx, s.runner, &process.Command{
		Program: program,
		Args:    args,
		Dir:     dir,
		Chroot:  s.tree.FsPath,
		Env:     process.ChrootEnv(),
		Sudo:    true,
		Timeout: timeout,
	})
}

// ConfigureMirror points the tree's package sources at the local mirror and
// trusts its signing key. The sources entry is only added once.
func (s *Synchronizer) ConfigureMirror(ctx context.Context, keyFile string) error {
	keyFile = strings.TrimPrefix(strings.TrimSpace(keyFile), "/")
	if keyFile == "" {
		return ErrMissingKey
	}
	if ok, _ := afero.Exists(s.fs, s.tree.Staged(keyFile)); !ok {
		return fmt.Errorf("%s: %w", s.tree.Staged(keyFile), ErrKeyNotFound)
	}

	sources := s.tree.Fs("etc", "apt", "sources.list")
	contents, err := afero.ReadFile(s.fs, sources)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if !strings.Contains(strings.ToLower(string(contents)), workspace.LocalMirrorDir) {
		contents = append(contents, []byte("\ndeb file:///"+workspace.LocalMirrorDir+" ./\n")...)
		if err := process.WriteFile(ctx, s.runner, sources, contents, s.timeout); err != nil {
			return fmt.Errorf("update %s: %w", sources, err)
		}
	}

	_, err = s.chroot(ctx, s.timeout, "", "apt-key", "add", filepath.Join("/", workspace.HostDir, keyFile))
	return err
}
