package mirror

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"

	"github.com/hnhdigital-os/ubuntu-iso-builder/process"
	"github.com/hnhdigital-os/ubuntu-iso-builder/workspace"
)

// Release holds the metadata written into the Release file.
type Release struct {
	Origin        string
	Label         string
	Suite         string
	Version       string
	Codename      string
	Architectures string
	Components    string
	Description   string
}

// Signing selects the key used to sign the Release file.
type Signing struct {
	Key        string
	Passphrase string
}

// CopyMirror rebuilds FsPath/local-mirror from the cache using a pool
// layout: <prefix>/<name>/<file>.
func (s *Synchronizer) CopyMirror() error {
	local := s.tree.LocalMirror()
	if err := s.fs.RemoveAll(local); err != nil {
		return fmt.Errorf("reset %s: %w", local, err)
	}
	if err := s.fs.MkdirAll(local, 0755); err != nil {
		return err
	}

	artifacts, err := s.Artifacts()
	if err != nil {
		return err
	}

	for _, a := range artifacts {
		dir := filepath.Join(local, PoolPrefix(a.Name), a.Name)
		if err := s.fs.MkdirAll(dir, 0755); err != nil {
			return err
		}
		if err := s.chmodAdd(dir, 0555); err != nil {
			return err
		}

		dst := filepath.Join(dir, filepath.Base(a.Path))
		if err := copyFile(s.fs, a.Path, dst); err != nil {
			return fmt.Errorf("copy %s: %w", a.Path, err)
		}
		if err := s.chmodAdd(dst, 0444); err != nil {
			return err
		}
	}

	s.logger.Info("Copied %d packages to %s", len(artifacts), local)
	return nil
}

func (s *Synchronizer) chmodAdd(path string, bits os.FileMode) error {
	info, err := s.fs.Stat(path)
	if err != nil {
		return err
	}
	return s.fs.Chmod(path, info.Mode().Perm()|bits)
}

func copyFile(fs afero.Fs, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// CompileMirror turns local-mirror into a signed repository: files already
// shipped in the image pool are dropped, then Packages, Packages.gz,
// Release and Release.gpg are regenerated.
func (s *Synchronizer) CompileMirror(ctx context.Context, rel Release, sign Signing) error {
	local := s.tree.LocalMirror()
	if ok, _ := afero.DirExists(s.fs, local); !ok {
		return fmt.Errorf("%s does not exist, copy the mirror first", local)
	}

	removed, err := s.removePoolDuplicates(local, s.tree.Source(workspace.PoolPath))
	if err != nil {
		return fmt.Errorf("deduplicate against pool: %w", err)
	}
	s.logger.Info("Removed %d packages already in the image pool", removed)

	if err := pruneEmptyDirs(s.fs, local); err != nil {
		return fmt.Errorf("prune %s: %w", local, err)
	}

	if err := s.writePackages(ctx, local); err != nil {
		return err
	}
	if err := s.writeRelease(ctx, local, rel); err != nil {
		return err
	}
	return s.sign(ctx, local, sign)
}

// removePoolDuplicates deletes files under local that are byte-identical to
// a file under pool. Sizes are compared first; hashes are only computed for
// size collisions.
func (s *Synchronizer) removePoolDuplicates(local, pool string) (int, error) {
	bySize := make(map[int64][]string)
	if ok, _ := afero.DirExists(s.fs, pool); ok {
		err := afero.Walk(s.fs, pool, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.Mode().IsRegular() {
				bySize[info.Size()] = append(bySize[info.Size()], path)
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	if len(bySize) == 0 {
		return 0, nil
	}

	hashes := make(map[string][]byte)
	hashOf := func(path string) ([]byte, error) {
		if h, ok := hashes[path]; ok {
			return h, nil
		}
		h, err := fileHash(s.fs, path)
		if err != nil {
			return nil, err
		}
		hashes[path] = h
		return h, nil
	}

	var dupes []string
	err := afero.Walk(s.fs, local, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		candidates := bySize[info.Size()]
		if !info.Mode().IsRegular() || len(candidates) == 0 {
			return nil
		}

		h, err := hashOf(path)
		if err != nil {
			return err
		}
		for _, c := range candidates {
			ph, err := hashOf(c)
			if err != nil {
				return err
			}
			if bytes.Equal(h, ph) {
				s.logger.Debug("%s duplicates %s", path, c)
				dupes = append(dupes, path)
				break
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, path := range dupes {
		if err := s.fs.Remove(path); err != nil {
			return 0, err
		}
	}
	return len(dupes), nil
}

func fileHash(fs afero.Fs, path string) ([]byte, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// pruneEmptyDirs removes empty directories below root, deepest first. root
// itself is kept.
func pruneEmptyDirs(fs afero.Fs, root string) error {
	var dirs []string
	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		empty, err := afero.IsEmpty(fs, dir)
		if err != nil {
			return err
		}
		if empty {
			if err := fs.Remove(dir); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Synchronizer) writePackages(ctx context.Context, local string) error {
	res, err := process.Exec(ctx, s.runner, &process.Command{
		Program: "apt-ftparchive",
		Args:    []string{"packages", local},
		Timeout: s.timeout,
	})
	if err != nil {
		return fmt.Errorf("generate Packages: %w", err)
	}

	// the chroot sees the repository at /local-mirror; entries must be
	// relative to it
	packages := []byte(strings.ReplaceAll(res.Stdout, local+"/", ""))
	if err := afero.WriteFile(s.fs, filepath.Join(local, "Packages"), packages, 0644); err != nil {
		return err
	}

	f, err := s.fs.OpenFile(filepath.Join(local, "Packages.gz"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(f)
	if _, err := zw.Write(packages); err != nil {
		f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReleaseConfig renders the apt-ftparchive configuration for rel.
func ReleaseConfig(rel Release) string {
	components := rel.Components
	if components == "" {
		components = "main"
	}

	fields := []struct{ key, value string }{
		{"Origin", rel.Origin},
		{"Label", rel.Label},
		{"Suite", rel.Suite},
		{"Version", rel.Version},
		{"Codename", rel.Codename},
		{"Architectures", rel.Architectures},
		{"Components", components},
		{"Description", rel.Description},
	}

	var b strings.Builder
	for _, f := range fields {
		fmt.Fprintf(&b, "APT::FTPArchive::Release::%s %q;\n", f.key, f.value)
	}
	return b.String()
}

func (s *Synchronizer) writeRelease(ctx context.Context, local string, rel Release) error {
	conf, err := afero.TempFile(s.fs, "", "release-conf")
	if err != nil {
		return err
	}
	defer s.fs.Remove(conf.Name())

	if _, err := conf.WriteString(ReleaseConfig(rel)); err != nil {
		conf.Close()
		return err
	}
	if err := conf.Close(); err != nil {
		return err
	}

	// a stale Release or signature must not end up hashed into the new one
	for _, name := range []string{"Release", "Release.gpg"} {
		if err := s.fs.Remove(filepath.Join(local, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	res, err := process.Exec(ctx, s.runner, &process.Command{
		Program: "apt-ftparchive",
		Args:    []string{"-c", conf.Name(), "release", local},
		Timeout: s.timeout,
	})
	if err != nil {
		return fmt.Errorf("generate Release: %w", err)
	}
	return afero.WriteFile(s.fs, filepath.Join(local, "Release"), []byte(res.Stdout), 0644)
}

func (s *Synchronizer) sign(ctx context.Context, local string, sign Signing) error {
	if sign.Key == "" {
		s.logger.Warn("No signing key configured, Release is left unsigned.")
		return nil
	}

	_, err := process.Exec(ctx, s.runner, &process.Command{
		Program: "gpg",
		Args: []string{
			"--batch", "--yes",
			"--pinentry-mode", "loopback",
			"--passphrase-fd", "0",
			"--default-key", sign.Key,
			"--output", filepath.Join(local, "Release.gpg"),
			"-ba", filepath.Join(local, "Release"),
		},
		Stdin:   strings.NewReader(sign.Passphrase + "\n"),
		Timeout: s.timeout,
	})
	if err != nil {
		return fmt.Errorf("sign Release: %w", err)
	}
	return nil
}
