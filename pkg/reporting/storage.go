package reporting

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Storage handles persistence of suite reports
type Storage struct {
	outputDir string
	keepLastN int
	logger    *Logger
}

// NewStorage creates a new storage instance
func NewStorage(outputDir string, keepLastN int, logger *Logger) (*Storage, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	return &Storage{
		outputDir: outputDir,
		keepLastN: keepLastN,
		logger:    logger,
	}, nil
}

// SaveReport saves a suite report to a JSON file
func (s *Storage) SaveReport(report *SuiteReport) (string, error) {
	timestamp := report.StartTime.Format("20060102-150405")
	filename := fmt.Sprintf("suite-%s-%s.json", timestamp, report.SuiteID)
	path := filepath.Join(s.outputDir, filename)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write report file: %w", err)
	}

	s.logger.Info("Suite report saved", "path", path)

	if s.keepLastN > 0 {
		if err := s.cleanupOldReports(); err != nil {
			s.logger.Warn("Failed to cleanup old reports", "error", err)
		}
	}

	return path, nil
}

// LoadReport loads a suite report from a JSON file
func (s *Storage) LoadReport(path string) (*SuiteReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report file: %w", err)
	}

	var report SuiteReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report: %w", err)
	}

	return &report, nil
}

// cleanupOldReports removes all but the newest keepLastN report files
func (s *Storage) cleanupOldReports() error {
	entries, err := os.ReadDir(s.outputDir)
	if err != nil {
		return fmt.Errorf("failed to read output directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		names = append(names, entry.Name())
	}

	if len(names) <= s.keepLastN {
		return nil
	}

	// Filenames embed the start timestamp, so lexical order is age order.
	sort.Strings(names)
	for _, name := range names[:len(names)-s.keepLastN] {
		path := filepath.Join(s.outputDir, name)
		if err := os.Remove(path); err != nil {
			s.logger.Warn("Failed to remove old report", "path", path, "error", err)
			continue
		}
		s.logger.Debug("Removed old report", "path", path)
	}

	return nil
}
