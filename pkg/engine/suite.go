package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jihwankim/packet-mangler/pkg/config"
	"github.com/jihwankim/packet-mangler/pkg/monitoring"
	"github.com/jihwankim/packet-mangler/pkg/nfqueue"
	"github.com/jihwankim/packet-mangler/pkg/plan"
	"github.com/jihwankim/packet-mangler/pkg/reporting"
)

// SuiteOptions configures a suite run.
type SuiteOptions struct {
	ConfigPath string
	SuiteID    string // generated when empty
	Seed       int64
	From       int
	To         int // inclusive; negative means the last test
	Log        *reporting.Logger
	Driver     nfqueue.Driver
	Injector   nfqueue.Injector
	Controller RuleController
}

// Suite runs the expanded test plan sequentially: each test exclusively
// owns the kernel diversion rules for its queue numbers.
type Suite struct {
	cfg     *config.Config
	tests   []*plan.Test
	opts    SuiteOptions
	suiteID string
}

// NewSuite expands the configuration and prepares a suite.
func NewSuite(cfg *config.Config, opts SuiteOptions) (*Suite, error) {
	if err := plan.Check(cfg); err != nil {
		return nil, err
	}
	tests, err := plan.Expand(cfg)
	if err != nil {
		return nil, err
	}
	suiteID := opts.SuiteID
	if suiteID == "" {
		suiteID = uuid.NewString()[:8]
	}
	return &Suite{
		cfg:     cfg,
		tests:   tests,
		opts:    opts,
		suiteID: suiteID,
	}, nil
}

// SuiteID returns the short identifier tagging this run's rules,
// breadcrumb, and report.
func (s *Suite) SuiteID() string { return s.suiteID }

// Tests exposes the expanded plan, e.g. for dry runs.
func (s *Suite) Tests() []*plan.Test { return s.tests }

// window returns the [from, to] slice of the plan selected by the
// options, validating bounds.
func (s *Suite) window() ([]*plan.Test, error) {
	from, to := s.opts.From, s.opts.To
	if to < 0 {
		to = len(s.tests) - 1
	}
	if from < 0 || from > to || to >= len(s.tests) {
		return nil, fmt.Errorf("test window [%d,%d] outside plan of %d test(s)", from, to, len(s.tests))
	}
	return s.tests[from : to+1], nil
}

// Run sweeps stale rules, executes the selected window one test at a
// time, and returns the suite report. The error return is non-nil only
// for internal failures that aborted the run.
func (s *Suite) Run(ctx context.Context) (*reporting.SuiteReport, error) {
	log := s.opts.Log
	agg := reporting.NewAggregator()
	report := &reporting.SuiteReport{
		SuiteID:    s.suiteID,
		ConfigPath: s.opts.ConfigPath,
		Seed:       s.opts.Seed,
		StartTime:  time.Now(),
	}

	window, err := s.window()
	if err != nil {
		return nil, err
	}

	// A crashed previous run may have left rules behind; sweep before
	// the first install.
	if err := s.opts.Controller.SweepStale(); err != nil {
		log.Warn("stale rule sweep incomplete", "error", err)
	}

	var internalErr error
	for _, t := range window {
		if ctx.Err() != nil {
			log.Info("suite cancelled", "next_test", t.Index)
			break
		}

		rt := NewRuntime(t, log, s.opts.Driver, s.opts.Injector, s.opts.Controller, s.opts.Seed)
		res, err := rt.Run(ctx)
		agg.Add(res)
		monitoring.TestsTotal.WithLabelValues(string(res.Status)).Inc()
		log.Info("test finished", "test", res.Index, "status", string(res.Status), "exit", res.ExitStatus)

		if err != nil {
			// Invariant violation: teardown already ran, abort the rest.
			internalErr = err
			break
		}
		if res.Status == reporting.StatusCancelled {
			break
		}
	}

	report.EndTime = time.Now()
	report.Results = agg.Results()
	report.Summary = agg.Summarize()
	return report, internalErr
}
