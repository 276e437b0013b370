package netfilter

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Breadcrumb records the rules a running test has installed so a later
// start can clean up after a crash. It exists on disk only while rules
// are installed.
type Breadcrumb struct {
	SuiteID   string    `yaml:"suite_id"`
	PID       int       `yaml:"pid"`
	CreatedAt time.Time `yaml:"created_at"`
	Rules     []Rule    `yaml:"rules"`
}

// WriteBreadcrumb persists the breadcrumb, replacing any previous one.
func WriteBreadcrumb(path string, bc *Breadcrumb) error {
	data, err := yaml.Marshal(bc)
	if err != nil {
		return fmt.Errorf("marshal breadcrumb: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write breadcrumb: %w", err)
	}
	return nil
}

// ReadBreadcrumb loads a breadcrumb; a missing file yields (nil, nil).
func ReadBreadcrumb(path string) (*Breadcrumb, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read breadcrumb: %w", err)
	}
	var bc Breadcrumb
	if err := yaml.Unmarshal(data, &bc); err != nil {
		return nil, fmt.Errorf("parse breadcrumb: %w", err)
	}
	return &bc, nil
}

// RemoveBreadcrumb deletes the breadcrumb; missing files are fine.
func RemoveBreadcrumb(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove breadcrumb: %w", err)
	}
	return nil
}
