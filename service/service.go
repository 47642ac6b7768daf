// Package service provides reusable business logic for isobuilder
// operations.
//
// The service layer sits between the CLI (cmd) and the library packages
// (lifecycle, action, mirror, iso, build, builddb), providing a clean
// separation of concerns:
//
//   - CLI layer (cmd/): handles user interaction, prompts, formatting, arg parsing
//   - Service layer (service/): owns shared resources and wires the libraries
//   - Library layer: performs the work with no terminal coupling
//
// All service methods report through the LibraryLogger interface.
package service

import (
	"fmt"
	"sync"

	"github.com/spf13/afero"

	"github.com/hnhdigital-os/ubuntu-iso-builder/builddb"
	"github.com/hnhdigital-os/ubuntu-iso-builder/config"
	"github.com/hnhdigital-os/ubuntu-iso-builder/log"
	"github.com/hnhdigital-os/ubuntu-iso-builder/mount"
	"github.com/hnhdigital-os/ubuntu-iso-builder/process"
)

// Service coordinates business logic across isobuilder subsystems.
//
// It manages the lifecycle of shared resources (logger, database, command
// runner, mount manager) and provides high-level operations for builds,
// status queries and maintenance.
//
// Usage:
//
//	cfg, _ := config.LoadConfig("", "default")
//	svc, err := service.NewService(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//
//	result, err := svc.Build(ctx, service.BuildOptions{
//	    DefinitionPath: "build.yml",
//	    Level:          1,
//	})
type Service struct {
	cfg    *config.Config
	fs     afero.Fs
	runner process.Runner
	mounts *mount.Manager
	logger *log.Logger
	db     *builddb.DB

	lookPath func(string) (string, error)

	activeCleanup func() // tears down the tree of the active build
	cleanupMu     sync.Mutex
}

// Option customizes a Service.
type Option func(*Service)

// WithFs replaces the filesystem the service works on.
func WithFs(fs afero.Fs) Option {
	return func(s *Service) { s.fs = fs }
}

// WithRunner replaces the runner external commands go through.
func WithRunner(r process.Runner) Option {
	return func(s *Service) { s.runner = r }
}

// NewService creates a new Service instance with the given configuration.
//
// It initializes the logger, opens the build database and selects the
// command runner named by cfg.ChrootBackend. The caller is responsible for
// calling Close() to release resources (typically via defer).
func NewService(cfg *config.Config, opts ...Option) (*Service, error) {
	s := &Service{cfg: cfg, lookPath: lookPath}
	for _, opt := range opts {
		opt(s)
	}
	if s.fs == nil {
		s.fs = afero.NewOsFs()
	}

	logger, err := log.NewLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	s.logger = logger

	if s.runner == nil {
		runner, err := process.New(cfg.ChrootBackend, process.Options{
			UseSudo:    cfg.UseSudo,
			Transcript: logger.OutputWriter(),
			Logger:     logger,
		})
		if err != nil {
			logger.Close()
			return nil, err
		}
		s.runner = runner
	}

	s.mounts = mount.NewManager(s.runner, s.fs, mount.Config{
		MountTable: cfg.MountTable,
		Sudo:       cfg.UseSudo,
		Direct:     cfg.DirectUmount,
		Logger:     logger,
	})

	db, err := builddb.OpenDB(cfg.Database.Path)
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("failed to open build database: %w", err)
	}
	s.db = db

	return s, nil
}

// Close releases resources held by the service (logger, database).
//
// Note: This does NOT tear down the tree of an active build. Signal
// handlers call GetActiveCleanup for that.
func (s *Service) Close() error {
	var errs []error

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}
	}

	if s.logger != nil {
		s.logger.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("service close errors: %v", errs)
	}

	return nil
}

// Config returns the service's configuration.
func (s *Service) Config() *config.Config {
	return s.cfg
}

// Logger returns the service's logger.
func (s *Service) Logger() *log.Logger {
	return s.logger
}

// Database returns the service's build database.
func (s *Service) Database() *builddb.DB {
	return s.db
}

// Fs returns the filesystem the service works on.
func (s *Service) Fs() afero.Fs {
	return s.fs
}

// Runner returns the runner external commands go through.
func (s *Service) Runner() process.Runner {
	return s.runner
}

// Mounts returns the service's mount manager.
func (s *Service) Mounts() *mount.Manager {
	return s.mounts
}

// SetActiveCleanup stores the cleanup function for the active build.
func (s *Service) SetActiveCleanup(cleanup func()) {
	s.cleanupMu.Lock()
	s.activeCleanup = cleanup
	s.cleanupMu.Unlock()
}

// GetActiveCleanup returns the cleanup function for the active build.
// Returns nil if no build is active.
// This is called by signal handlers to tear down on interruption.
func (s *Service) GetActiveCleanup() func() {
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()
	return s.activeCleanup
}

// ClearActiveCleanup removes the stored cleanup function.
func (s *Service) ClearActiveCleanup() {
	s.cleanupMu.Lock()
	s.activeCleanup = nil
	s.cleanupMu.Unlock()
}
