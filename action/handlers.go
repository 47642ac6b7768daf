package action

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
	"github.com/tailscale/hujson"

	"github.com/hnhdigital-os/ubuntu-iso-builder/process"
	"github.com/hnhdigital-os/ubuntu-iso-builder/util"
)

func (d *Dispatcher) addAptRepo(ctx context.Context, data string) error {
	repos := util.SplitList(data)
	if len(repos) == 0 {
		d.logger.Warn("No apt repositories provided.")
		return nil
	}
	return d.addRepos(ctx, repos)
}

func (d *Dispatcher) addRepos(ctx context.Context, repos []string) error {
	cmds := make([][]string, 0, len(repos))
	for _, repo := range repos {
		cmds = append(cmds, []string{"add-apt-repository", "-y", repo})
	}
	return d.chroot(ctx, cmds...)
}

func (d *Dispatcher) upgradeSoftware(ctx context.Context, _ string) error {
	return d.chroot(ctx,
		[]string{"apt-get", "update"},
		[]string{"apt-get", "-y", "upgrade", "--download-only", "--allow-unauthenticated"},
	)
}

func (d *Dispatcher) installPackage(ctx context.Context, data string) error {
	names := util.SplitList(data)
	if len(names) == 0 {
		return fmt.Errorf("no packages provided: %w", ErrActionDataMissing)
	}

	if len(d.repos) > 0 {
		if err := d.addRepos(ctx, d.repos); err != nil {
			return err
		}
	}

	return d.chroot(ctx,
		[]string{"apt-get", "update"},
		append([]string{"apt-get", "-y", "-f", "install"}, names...),
	)
}

func (d *Dispatcher) purgePackage(ctx context.Context, data string) error {
	names := util.SplitList(data)
	if len(names) == 0 {
		return fmt.Errorf("no packages provided: %w", ErrActionDataMissing)
	}
	return d.chroot(ctx, append([]string{"apt-get", "-y", "purge"}, names...))
}

func (d *Dispatcher) debInstall(ctx context.Context, data string) error {
	file := strings.TrimSpace(data)
	if file == "" {
		return fmt.Errorf("no package file provided: %w", ErrActionDataMissing)
	}
	if _, err := d.staged("install", file); err != nil {
		return err
	}

	dst := path.Join("/usr/src", path.Base(file))
	return d.chroot(ctx,
		[]string{"cp", path.Join("/host/install", file), dst},
		[]string{"gdebi", "-n", dst},
	)
}

func (d *Dispatcher) replaceFile(ctx context.Context, data string) error {
	rel := strings.TrimPrefix(strings.TrimSpace(data), "/")
	if rel == "" {
		return fmt.Errorf("no path provided: %w", ErrActionDataMissing)
	}
	if _, err := d.staged("replace", rel); err != nil {
		return err
	}

	dst := "/" + rel
	return d.chroot(ctx,
		[]string{"mkdir", "-p", path.Dir(dst)},
		[]string{"cp", "-f", path.Join("/host/replace", rel), dst},
	)
}

func (d *Dispatcher) runScripts(ctx context.Context, data string) error {
	scripts := util.SplitList(data)
	if len(scripts) == 0 {
		return fmt.Errorf("no scripts provided: %w", ErrActionDataMissing)
	}

	// every script must be staged before the first one runs
	cmds := make([][]string, 0, len(scripts))
	for _, s := range scripts {
		hostPath, err := d.staged("scripts", s)
		if err != nil {
			return err
		}
		info, err := d.fs.Stat(hostPath)
		if err != nil {
			return err
		}
		if err := d.fs.Chmod(hostPath, info.Mode()|0111); err != nil {
			return fmt.Errorf("chmod %s: %w", hostPath, err)
		}
		cmds = append(cmds, []string{path.Join("/host/scripts", s)})
	}
	return d.chroot(ctx, cmds...)
}

// Replacement is the data of a text-replace action.
type Replacement struct {
	Path    string `json:"path"`
	Find    string `json:"find"`
	Replace string `json:"replace"`
}

// ParseReplacement decodes text-replace data. Comments and trailing commas
// are accepted.
func ParseReplacement(data string) (Replacement, error) {
	var r Replacement
	std, err := hujson.Standardize([]byte(data))
	if err != nil {
		return r, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	if err := json.Unmarshal(std, &r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return r, nil
}

// Encode renders r as action data.
func (r Replacement) Encode() string {
	out, _ := json.Marshal(r)
	return string(out)
}

func (d *Dispatcher) textReplace(ctx context.Context, data string) error {
	if strings.TrimSpace(data) == "" {
		return fmt.Errorf("no find/replace provided: %w", ErrActionDataMissing)
	}

	r, err := ParseReplacement(data)
	if err != nil {
		return err
	}
	if r.Find == "" {
		return fmt.Errorf("find value must not be empty: %w", ErrActionDataMissing)
	}
	if strings.TrimPrefix(r.Path, "/") == "" {
		return fmt.Errorf("no path provided: %w", ErrActionDataMissing)
	}

	target, err := within(d.tree.FsPath, r.Path)
	if err != nil {
		return err
	}
	contents, err := afero.ReadFile(d.fs, target)
	if os.IsNotExist(err) {
		return fmt.Errorf("%s: %w", target, ErrFileNotFound)
	}
	if err != nil {
		return err
	}

	updated := strings.ReplaceAll(string(contents), "%%"+r.Find+"%%", r.Replace)
	if updated == string(contents) {
		d.logger.Debug("text-replace %s: no change", r.Path)
		return nil
	}

	// written from inside the chroot so links in the tree resolve against it
	_, err = process.Exec(ctx, d.runner, &process.Command{
		Program: "dd",
		Args:    []string{"of=" + path.Join("/", r.Path), "status=none"},
		Stdin:   strings.NewReader(updated),
		Chroot:  d.tree.FsPath,
		Sudo:    true,
		Timeout: d.timeout,
	})
	return err
}
