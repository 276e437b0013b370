package netfilter

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coreos/go-iptables/iptables"

	"github.com/jihwankim/packet-mangler/pkg/config"
	"github.com/jihwankim/packet-mangler/pkg/reporting"
)

// backend is the iptables surface the controller needs. Satisfied by
// *iptables.IPTables; tests substitute a fake.
type backend interface {
	Append(table, chain string, args ...string) error
	Delete(table, chain string, args ...string) error
	List(table, chain string) ([]string, error)
}

const filterTable = "filter"

// Controller owns the diversion rules of the active test. It installs
// rules in declaration order, removes them in reverse install order,
// and keeps an on-disk breadcrumb so a crashed run can be swept up by
// the next start.
type Controller struct {
	v4, v6    backend
	log       *reporting.Logger
	crumbPath string
	suiteID   string
	installed []Rule
}

// New builds a controller over the real iptables and ip6tables
// backends.
func New(log *reporting.Logger, crumbPath, suiteID string) (*Controller, error) {
	v4, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("open iptables: %w", err)
	}
	v6, err := iptables.NewWithProtocol(iptables.ProtocolIPv6)
	if err != nil {
		return nil, fmt.Errorf("open ip6tables: %w", err)
	}
	return NewWithBackends(v4, v6, log, crumbPath, suiteID), nil
}

// NewWithBackends builds a controller over explicit backends.
func NewWithBackends(v4, v6 backend, log *reporting.Logger, crumbPath, suiteID string) *Controller {
	return &Controller{v4: v4, v6: v6, log: log, crumbPath: crumbPath, suiteID: suiteID}
}

func (c *Controller) backendFor(f Family) backend {
	if f == FamilyV4 {
		return c.v4
	}
	return c.v6
}

// Install applies the concrete rules for one test. On failure the
// already-installed prefix is rolled back before returning.
func (c *Controller) Install(rcs []config.RuleConfig) error {
	rules := []Rule{}
	for _, rc := range rcs {
		rules = append(rules, BuildRules(rc, c.suiteID)...)
	}

	// Write-ahead: record intent before touching the kernel so a crash
	// mid-install is still sweepable.
	bc := &Breadcrumb{
		SuiteID:   c.suiteID,
		PID:       os.Getpid(),
		CreatedAt: time.Now(),
		Rules:     rules,
	}
	if err := WriteBreadcrumb(c.crumbPath, bc); err != nil {
		return err
	}

	for _, r := range rules {
		c.log.Debug("installing diversion rule", "family", r.Family.String(), "chain", r.Chain, "args", strings.Join(r.Args, " "))
		if err := c.backendFor(r.Family).Append(filterTable, r.Chain, r.Args...); err != nil {
			installErr := fmt.Errorf("install rule %s: %w", r, err)
			if rbErr := c.Uninstall(); rbErr != nil {
				c.log.Warn("rollback after failed install left rules behind", "error", rbErr)
			}
			return installErr
		}
		c.installed = append(c.installed, r)
	}
	return nil
}

// Uninstall removes exactly the rules this controller installed, in
// reverse install order, then drops the breadcrumb. Removal continues
// past individual failures so one stuck rule cannot strand the rest.
func (c *Controller) Uninstall() error {
	var firstErr error
	for i := len(c.installed) - 1; i >= 0; i-- {
		r := c.installed[i]
		if err := c.backendFor(r.Family).Delete(filterTable, r.Chain, r.Args...); err != nil {
			c.log.Warn("failed to remove diversion rule", "rule", r.String(), "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("remove rule %s: %w", r, err)
			}
		}
	}
	c.installed = nil
	if firstErr == nil {
		if err := RemoveBreadcrumb(c.crumbPath); err != nil {
			firstErr = err
		}
	}
	return firstErr
}

// SweepStale removes every rule in the kernel tables carrying this
// system's comment marker, regardless of which run installed it, then
// clears any leftover breadcrumb. Safe to call when nothing is stale;
// calling it twice in a row is a no-op the second time.
func (c *Controller) SweepStale() error {
	if bc, err := ReadBreadcrumb(c.crumbPath); err != nil {
		c.log.Warn("unreadable breadcrumb, relying on marker sweep", "error", err)
	} else if bc != nil {
		c.log.Info("found breadcrumb from previous run", "suite", bc.SuiteID, "pid", bc.PID, "rules", len(bc.Rules))
	}

	swept := 0
	for _, fam := range []Family{FamilyV4, FamilyV6} {
		be := c.backendFor(fam)
		for _, chain := range []string{ChainOutput, ChainInput} {
			specs, err := be.List(filterTable, chain)
			if err != nil {
				c.log.Warn("cannot list chain for sweep", "family", fam.String(), "chain", chain, "error", err)
				continue
			}
			for _, spec := range specs {
				if !strings.Contains(spec, "--comment "+marker) && !strings.Contains(spec, "--comment \""+marker) {
					continue
				}
				args := ruleSpecArgs(spec, chain)
				if args == nil {
					continue
				}
				if err := be.Delete(filterTable, chain, args...); err != nil {
					c.log.Warn("failed to sweep stale rule", "family", fam.String(), "chain", chain, "error", err)
					continue
				}
				swept++
			}
		}
	}
	if swept > 0 {
		c.log.Info("swept stale diversion rules", "count", swept)
	}
	return RemoveBreadcrumb(c.crumbPath)
}

// ruleSpecArgs converts an iptables-save style listing ("-A CHAIN
// <args>") back into the argument list Delete expects. Our rules never
// contain quoted whitespace, so field splitting is exact; anything
// unexpected is skipped rather than guessed at.
func ruleSpecArgs(spec, chain string) []string {
	fields := strings.Fields(spec)
	if len(fields) < 3 || fields[0] != "-A" || fields[1] != chain {
		return nil
	}
	args := fields[2:]
	for i, a := range args {
		args[i] = strings.Trim(a, "\"")
	}
	return args
}
