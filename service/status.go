package service

import (
	"fmt"
	"os"
)

// GetStatus retrieves build history from the database.
//
// With opts.RunID set only that build is returned; otherwise the most
// recent opts.Limit builds. Builds that never finished, for example because
// the process was killed, are listed in Active either way.
func (s *Service) GetStatus(opts StatusOptions) (*StatusResult, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	result := &StatusResult{
		Builds: make([]BuildStatus, 0),
	}

	if opts.RunID != "" {
		status, err := s.GetBuildStatus(opts.RunID)
		if err != nil {
			return nil, err
		}
		result.Builds = append(result.Builds, *status)
	} else {
		records, err := s.db.ListBuilds(opts.Limit)
		if err != nil {
			return nil, fmt.Errorf("failed to list builds: %w", err)
		}
		for _, rec := range records {
			stages, err := s.db.ListStages(rec.UUID)
			if err != nil {
				return nil, fmt.Errorf("failed to list stages of %s: %w", rec.UUID, err)
			}
			result.Builds = append(result.Builds, BuildStatus{Record: rec, Stages: stages})
		}
	}

	active, err := s.db.ActiveBuilds()
	if err != nil {
		return nil, fmt.Errorf("failed to list active builds: %w", err)
	}
	result.Active = active

	if info, err := os.Stat(s.cfg.Database.Path); err == nil {
		result.DatabaseSize = info.Size()
	}

	return result, nil
}

// GetBuildStatus returns a single build with its stages.
func (s *Service) GetBuildStatus(runID string) (*BuildStatus, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	rec, err := s.db.GetRecord(runID)
	if err != nil {
		return nil, err
	}
	stages, err := s.db.ListStages(runID)
	if err != nil {
		return nil, err
	}
	return &BuildStatus{Record: *rec, Stages: stages}, nil
}
