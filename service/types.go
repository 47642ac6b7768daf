package service

import (
	"io"
	"time"

	"github.com/hnhdigital-os/ubuntu-iso-builder/build"
	"github.com/hnhdigital-os/ubuntu-iso-builder/builddb"
	"github.com/hnhdigital-os/ubuntu-iso-builder/publish"
	"github.com/hnhdigital-os/ubuntu-iso-builder/workspace"
)

// BuildOptions contains options for the Build service.
type BuildOptions struct {
	DefinitionPath string // build definition (YAML)
	OverridePath   string // optional document merged over the definition
	Cwd            string // build directory, defaults to the work directory
	Overrides      workspace.Overrides

	Level int    // 1 full build, 2 stop after fs-init
	Only  string // run a single stage
	Force bool   // rebuild unchanged inputs, replace an existing image

	Out   io.Writer     // progress output, defaults to stdout
	Store publish.Store // upload target, defaults to GCS when a bucket is set
}

// BuildResult contains the results of a build operation.
type BuildResult struct {
	RunID    string
	Stages   []build.StageResult
	Output   string        // created image
	Object   string        // published object
	UpToDate bool          // inputs unchanged since the last successful build
	Duration time.Duration // total build duration
}

// InitOptions contains options for the Initialize service.
type InitOptions struct {
	Cwd string // build directory to lay out, defaults to the work directory
}

// InitResult contains the results of an initialization operation.
type InitResult struct {
	DirsCreated         []string // directories created or verified
	DatabaseInitialized bool
	ToolsMissing        []string // host tools not found in PATH
	Warnings            []string // non-fatal warnings
}

// StatusOptions contains options for the GetStatus service.
type StatusOptions struct {
	RunID string // a single build; empty lists recent builds
	Limit int    // number of recent builds, zero for all
}

// BuildStatus is one build with its stages.
type BuildStatus struct {
	Record builddb.BuildRecord
	Stages []builddb.StageRecord
}

// StatusResult contains the results of a status query.
type StatusResult struct {
	Builds       []BuildStatus
	Active       []builddb.BuildRecord // builds that never finished
	DatabaseSize int64                 // size of the build database in bytes
}

// CleanupOptions contains options for the Cleanup service.
type CleanupOptions struct {
	DeleteTrees bool // remove working trees after tearing them down
}

// CleanupResult contains the results of a cleanup operation.
type CleanupResult struct {
	TreesCleaned   int     // working trees torn down
	MountsReleased int     // image mounts released
	Errors         []error // non-fatal errors encountered
}
