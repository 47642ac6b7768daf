package service

import (
	"fmt"
	"os"
)

// DatabaseResult contains the results of a database operation.
type DatabaseResult struct {
	DatabaseRemoved bool     // Whether the database was removed
	FilesRemoved    []string // List of files that were removed
}

// ResetDatabase removes the build database and its backup.
//
// This is a destructive operation that deletes all build history. The
// caller is responsible for confirming it with the user.
func (s *Service) ResetDatabase() (*DatabaseResult, error) {
	result := &DatabaseResult{
		FilesRemoved: make([]string, 0),
	}

	dbPath := s.cfg.Database.Path
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return result, nil
	}

	// Close the database connection before removing
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return nil, fmt.Errorf("failed to close database before reset: %w", err)
		}
		s.db = nil
	}

	if err := os.Remove(dbPath); err != nil {
		return nil, fmt.Errorf("failed to remove database: %w", err)
	}
	result.DatabaseRemoved = true
	result.FilesRemoved = append(result.FilesRemoved, dbPath)
	s.logger.Info("Build database removed: %s", dbPath)

	backupFile := s.backupPath()
	if _, err := os.Stat(backupFile); err == nil {
		if err := os.Remove(backupFile); err == nil {
			result.FilesRemoved = append(result.FilesRemoved, backupFile)
			s.logger.Info("Database backup removed: %s", backupFile)
		}
	}

	return result, nil
}

// DatabaseExists checks if the build database file exists.
func (s *Service) DatabaseExists() bool {
	_, err := os.Stat(s.cfg.Database.Path)
	return err == nil
}

// GetDatabasePath returns the path to the build database.
func (s *Service) GetDatabasePath() string {
	return s.cfg.Database.Path
}

// BackupDatabase writes a copy of the build database next to it.
func (s *Service) BackupDatabase() (string, error) {
	if s.db == nil {
		return "", fmt.Errorf("database not initialized")
	}

	backupPath := s.backupPath()
	if err := s.db.Backup(backupPath); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}

	s.logger.Info("Database backed up to: %s", backupPath)
	return backupPath, nil
}

func (s *Service) backupPath() string {
	return s.cfg.Database.Path + ".backup"
}
