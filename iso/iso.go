// Package iso handles the bootable image around the working tree: loop
// mounting the source image, copying its contents into the source tree and
// writing the finished image.
package iso

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/hnhdigital-os/ubuntu-iso-builder/log"
	"github.com/hnhdigital-os/ubuntu-iso-builder/mount"
	"github.com/hnhdigital-os/ubuntu-iso-builder/process"
	"github.com/hnhdigital-os/ubuntu-iso-builder/telemetry"
	"github.com/hnhdigital-os/ubuntu-iso-builder/workspace"
)

// Sentinel errors.
var (
	ErrImageNotFound  = errors.New("image not found")
	ErrAlreadyMounted = errors.New("image already mounted")
	ErrMissingSource  = errors.New("source tree does not exist")
	ErrOutputExists   = errors.New("output image already exists")
)

// ChecksumFile is the checksum list written to the root of the image.
const ChecksumFile = "md5sum.txt"

// Options configure an Imager.
type Options struct {
	Fs      afero.Fs
	Runner  process.Runner
	Mounts  *mount.Manager
	Tree    workspace.Tree
	Logger  log.LibraryLogger
	Timeout time.Duration

	// Workers bounds concurrent checksum computation. Defaults to the
	// number of CPUs.
	Workers int
}

// Imager works on the image side of one working tree.
type Imager struct {
	fs      afero.Fs
	runner  process.Runner
	mounts  *mount.Manager
	tree    workspace.Tree
	logger  log.LibraryLogger
	timeout time.Duration
	workers int
}

// New creates an Imager.
func New(opts Options) *Imager {
	i := &Imager{
		fs:      opts.Fs,
		runner:  opts.Runner,
		mounts:  opts.Mounts,
		tree:    opts.Tree,
		logger:  opts.Logger,
		timeout: opts.Timeout,
		workers: opts.Workers,
	}
	if i.logger == nil {
		i.logger = log.NoOpLogger{}
	}
	if i.workers <= 0 {
		i.workers = runtime.NumCPU()
	}
	return i
}

// Mount loop mounts image read-only at MountPath. A live mount is an error
// unless force is set, in which case it is replaced.
func (i *Imager) Mount(ctx context.Context, image string, force bool) error {
	if ok, _ := afero.Exists(i.fs, image); !ok {
		return fmt.Errorf("%s: %w", image, ErrImageNotFound)
	}

	target := i.tree.MountPath
	if i.mounts.IsMounted(target) {
		if !force {
			return fmt.Errorf("%s: %w", target, ErrAlreadyMounted)
		}
		if err := i.mounts.Unmount(ctx, target); err != nil {
			return err
		}
	}
	if err := i.mounts.EnsureTarget(target); err != nil {
		return err
	}

	i.logger.Info("Mounting %s at %s", image, target)
	return i.mounts.Mount(ctx, image, target, mount.Options{Kind: mount.KindLoop, ReadOnly: true})
}

// Unmount releases the image mount. Unmounting an image that is not mounted
// succeeds.
func (i *Imager) Unmount(ctx context.Context) error {
	return i.mounts.Unmount(ctx, i.tree.MountPath)
}

// Copy mounts image and copies everything except the filesystem payload into
// a fresh source tree.
func (i *Imager) Copy(ctx context.Context, image string) error {
	ctx, span := telemetry.GetTracer().Start(ctx, "iso.copy")
	defer span.End()

	if err := i.Mount(ctx, image, true); err != nil {
		return err
	}

	src := i.tree.SourcePath
	if err := i.removeAll(ctx, src); err != nil {
		return fmt.Errorf("reset %s: %w", src, err)
	}
	if err := i.fs.MkdirAll(src, 0755); err != nil {
		return err
	}

	i.logger.Info("Copying %s to %s", i.tree.MountPath, src)
	if err := i.host(ctx, "rsync", "-a", "--exclude=/"+workspace.PayloadPath, i.tree.MountPath+"/", src); err != nil {
		return err
	}
	// files come off a read-only medium
	return i.host(ctx, "chmod", "-R", "755", src)
}

// CreateOptions control Create.
type CreateOptions struct {
	// Output is the image path. A bare file name is placed in
	// <cwd>/build.
	Output string
	Label  string
	Force  bool // replace an existing output
	Keep   bool // keep the source tree afterwards
}

// DefaultOutput names the image created from image when no output is given.
func DefaultOutput(image string) string {
	base := filepath.Base(image)
	return strings.TrimSuffix(base, filepath.Ext(base)) + "-custom.iso"
}

// OutputPath resolves where Create writes the image.
func (i *Imager) OutputPath(output string) string {
	if !strings.Contains(output, "/") {
		return filepath.Join(i.tree.Cwd, "build", output)
	}
	return output
}

// Create writes filesystem.size and md5sum.txt into the source tree and
// builds the bootable image from it. It returns the path written.
func (i *Imager) Create(ctx context.Context, opts CreateOptions) (string, error) {
	ctx, span := telemetry.GetTracer().Start(ctx, "iso.create")
	defer span.End()

	src := i.tree.SourcePath
	if ok, _ := afero.DirExists(i.fs, src); !ok {
		return "", fmt.Errorf("%s: %w", src, ErrMissingSource)
	}

	out := i.OutputPath(opts.Output)
	span.SetAttributes(attribute.String("output", out))
	if err := i.fs.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return "", err
	}
	if ok, _ := afero.Exists(i.fs, out); ok {
		if !opts.Force {
			return "", fmt.Errorf("%s: %w, use --force to replace it", out, ErrOutputExists)
		}
		if err := i.fs.Remove(out); err != nil {
			return "", err
		}
	}

	if err := i.writeSize(ctx); err != nil {
		return "", fmt.Errorf("write %s: %w", workspace.SizePath, err)
	}
	if err := i.writeChecksums(ctx); err != nil {
		return "", fmt.Errorf("write %s: %w", ChecksumFile, err)
	}

	i.logger.Info("Creating %s", out)
	err := i.host(ctx, "mkisofs", "-r", "-quiet", "-V", opts.Label,
		"-cache-inodes",
		"-J", "-l", "-b", "isolinux/isolinux.bin",
		"-c", "isolinux/boot.cat", "-no-emul-boot",
		"-boot-load-size", "4", "-boot-info-table",
		"-input-charset", "utf-8",
		"-o", out, src)
	if err != nil {
		return "", err
	}

	if !opts.Keep {
		if err := i.removeAll(ctx, src); err != nil {
			return out, fmt.Errorf("remove %s: %w", src, err)
		}
	}

	i.logger.Info("%s created.", out)
	return out, nil
}

// SourceSize is the value recorded in casper/filesystem.size: the sum of
// regular file sizes in the source tree, payload included.
func (i *Imager) SourceSize() (datasize.ByteSize, error) {
	var total uint64
	err := afero.Walk(i.fs, i.tree.SourcePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() && !strings.HasSuffix(path, workspace.SizePath) {
			total += uint64(info.Size())
		}
		return nil
	})
	return datasize.ByteSize(total), err
}

func (i *Imager) writeSize(ctx context.Context) error {
	size, err := i.SourceSize()
	if err != nil {
		return err
	}
	i.logger.Debug("source tree holds %s", size.HumanReadable())

	path := i.tree.Source(workspace.SizePath)
	if err := i.host(ctx, "mkdir", "-p", filepath.Dir(path)); err != nil {
		return err
	}
	return process.WriteFile(ctx, i.runner, path, []byte(strconv.FormatUint(size.Bytes(), 10)+"\n"), i.timeout)
}

// skipChecksum reports whether rel is left out of md5sum.txt. Boot loader
// files are rewritten by mkisofs.
func skipChecksum(rel string) bool {
	if rel == ChecksumFile {
		return true
	}
	for _, dir := range strings.Split(filepath.Dir(rel), string(filepath.Separator)) {
		if dir == "isolinux" || dir == "EFI" {
			return true
		}
	}
	return false
}

// Checksums returns md5sum.txt lines ("<md5>  ./<path>") for the source tree,
// sorted by path.
func (i *Imager) Checksums(ctx context.Context) ([]string, error) {
	src := i.tree.SourcePath

	var files []string
	err := afero.Walk(i.fs, src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if !skipChecksum(rel) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	lines := make([]string, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(i.workers)
	for n, rel := range files {
		n, rel := n, rel
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sum, err := md5File(i.fs, filepath.Join(src, rel))
			if err != nil {
				return fmt.Errorf("%s: %w", rel, err)
			}
			lines[n] = sum + "  ./" + filepath.ToSlash(rel)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (i *Imager) writeChecksums(ctx context.Context) error {
	lines, err := i.Checksums(ctx)
	if err != nil {
		return err
	}
	data := strings.Join(lines, "\n")
	if data != "" {
		data += "\n"
	}
	return process.WriteFile(ctx, i.runner, i.tree.Source(ChecksumFile), []byte(data), i.timeout)
}

func md5File(fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// removeAll deletes a tree that may hold root-owned files.
func (i *Imager) removeAll(ctx context.Context, path string) error {
	if ok, _ := afero.Exists(i.fs, path); !ok {
		return nil
	}
	if err := i.host(ctx, "rm", "-rf", path); err != nil {
		return err
	}
	return i.fs.RemoveAll(path)
}

func (i *Imager) host(ctx context.Context, program string, args ...string) error {
	_, err := process.Exec(ctx, i.runner, &process.Command{
		Program: program,
		Args:    args,
		Sudo:    true,
		Timeout: i.timeout,
	})
	return err
}
