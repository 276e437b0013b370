// Package engine orchestrates suite execution: for every concrete test
// it installs the diversion rules, opens the per-direction queues,
// spawns the user command, drives intercepted packets through the
// pipelines, and tears everything down on every exit path.
package engine

import (
	"fmt"

	"github.com/jihwankim/packet-mangler/pkg/config"
)

// SetupError marks a failure while preparing a test (rule install,
// queue open, command spawn). The test is recorded as setup-error and
// the suite moves on.
type SetupError struct {
	Err error
}

func (e *SetupError) Error() string { return fmt.Sprintf("setup: %v", e.Err) }
func (e *SetupError) Unwrap() error { return e.Err }

// RuleController is the diversion-rule surface the engine drives.
// Satisfied by *netfilter.Controller; tests substitute a fake.
type RuleController interface {
	Install(rules []config.RuleConfig) error
	Uninstall() error
	SweepStale() error
}
