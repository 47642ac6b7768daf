package config

import (
	"errors"
	"fmt"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// ErrInvalidDefinition is returned when a build definition is missing a
// value the pipeline cannot run without.
var ErrInvalidDefinition = errors.New("invalid build definition")

// Definition is a resolved build definition: what goes into the image.
type Definition struct {
	ISO          ISODefinition     `yaml:"iso"`
	Upgrade      bool              `yaml:"upgrade"`
	Repositories []string          `yaml:"apt-repos"`
	Packages     PackageSet        `yaml:"packages"`
	DebFiles     []string          `yaml:"deb-files"`
	ReplaceFiles []string          `yaml:"replace-files"`
	Scripts      []string          `yaml:"chroot-scripts"`
	TextReplace  []TextReplacement `yaml:"text-replace"`
	Mirror       MirrorDefinition  `yaml:"mirror"`
}

type ISODefinition struct {
	Source string `yaml:"source"`
	Output string `yaml:"output"`
	Label  string `yaml:"label"`
	Bucket string `yaml:"bucket"` // optional GCS bucket for the finished image
	Keep   bool   `yaml:"keep"`   // keep the .src tree after creating the image
}

type PackageSet struct {
	Install []string `yaml:"install"`
	Purge   []string `yaml:"purge"`
}

// TextReplacement is one %%find%% substitution inside the chroot.
type TextReplacement struct {
	Path    string `yaml:"path" json:"path"`
	Find    string `yaml:"find" json:"find"`
	Replace string `yaml:"replace" json:"replace"`
}

type MirrorDefinition struct {
	Enabled  bool              `yaml:"enabled"`
	Packages []string          `yaml:"packages"`
	KeyFile  string            `yaml:"key-file"`
	Signing  SigningDefinition `yaml:"gpg"`
	Release  ReleaseDefinition `yaml:"release"`
}

type SigningDefinition struct {
	Key        string `yaml:"key"`
	Passphrase string `yaml:"passphrase"`
}

// ReleaseDefinition holds the fields written into the mirror's Release file.
type ReleaseDefinition struct {
	Origin        string `yaml:"origin"`
	Label         string `yaml:"label"`
	Suite         string `yaml:"suite"`
	Version       string `yaml:"version"`
	Codename      string `yaml:"codename"`
	Architectures string `yaml:"architectures"`
	Components    string `yaml:"components"`
	Description   string `yaml:"description"`
}

// LoadDefinition reads the base definition at path, merges the optional
// override document onto it and decodes the result.
func LoadDefinition(fs afero.Fs, path, overridePath string) (*Definition, error) {
	base, err := readDocument(fs, path)
	if err != nil {
		return nil, err
	}

	if overridePath != "" {
		override, err := readDocument(fs, overridePath)
		if err != nil {
			return nil, err
		}
		base = MergeDocuments(base, override)
	}

	return DecodeDefinition(base)
}

// DecodeDefinition converts a merged document into a Definition and applies
// defaults.
func DecodeDefinition(doc map[string]any) (*Definition, error) {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode definition: %w", err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to decode definition: %w", err)
	}

	if def.ISO.Source == "" {
		return nil, fmt.Errorf("%w: iso.source is required", ErrInvalidDefinition)
	}
	if def.ISO.Label == "" {
		def.ISO.Label = "Ubuntu Custom"
	}
	if def.Mirror.Release.Components == "" {
		def.Mirror.Release.Components = "main"
	}
	if def.Mirror.Enabled && len(def.Mirror.Packages) == 0 {
		return nil, fmt.Errorf("%w: mirror.packages is empty", ErrInvalidDefinition)
	}

	return &def, nil
}

func readDocument(fs afero.Fs, path string) (map[string]any, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition %s: %w", path, err)
	}

	doc := make(map[string]any)
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse definition %s: %w", path, err)
	}
	return doc, nil
}

// MergeDocuments deep-merges override onto base and returns the result.
// Later keys win; nested maps merge recursively; every other value,
// including lists, is replaced wholesale. Neither input is modified.
func MergeDocuments(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}

	for k, v := range override {
		overrideMap, ok := v.(map[string]any)
		if !ok {
			out[k] = v
			continue
		}
		if baseMap, ok := out[k].(map[string]any); ok {
			out[k] = MergeDocuments(baseMap, overrideMap)
			continue
		}
		out[k] = MergeDocuments(nil, overrideMap)
	}

	return out
}
