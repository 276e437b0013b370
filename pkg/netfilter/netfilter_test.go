package netfilter_test

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jihwankim/packet-mangler/pkg/config"
	"github.com/jihwankim/packet-mangler/pkg/netfilter"
	"github.com/jihwankim/packet-mangler/pkg/reporting"
)

func boolp(b bool) *bool { return &b }

// fakeIPT records appends and deletes and serves List from its state.
type fakeIPT struct {
	rules      map[string][]string // chain -> rule specs
	appended   []string
	deleted    []string
	failAppend int // fail the nth append (1-based), 0 = never
	appendN    int
}

func newFakeIPT() *fakeIPT {
	return &fakeIPT{rules: map[string][]string{}}
}

func spec(chain string, args []string) string {
	return "-A " + chain + " " + strings.Join(args, " ")
}

func (f *fakeIPT) Append(table, chain string, args ...string) error {
	f.appendN++
	if f.failAppend != 0 && f.appendN == f.failAppend {
		return errors.New("injected append failure")
	}
	s := spec(chain, args)
	f.rules[chain] = append(f.rules[chain], s)
	f.appended = append(f.appended, s)
	return nil
}

func (f *fakeIPT) Delete(table, chain string, args ...string) error {
	s := spec(chain, args)
	for i, have := range f.rules[chain] {
		if have == s {
			f.rules[chain] = append(f.rules[chain][:i], f.rules[chain][i+1:]...)
			f.deleted = append(f.deleted, s)
			return nil
		}
	}
	return fmt.Errorf("no such rule: %s", s)
}

func (f *fakeIPT) List(table, chain string) ([]string, error) {
	out := []string{"-P " + chain + " ACCEPT"}
	return append(out, f.rules[chain]...), nil
}

func (f *fakeIPT) count() int {
	n := 0
	for _, rs := range f.rules {
		n += len(rs)
	}
	return n
}

func TestBuildRulesShape(t *testing.T) {
	rc := config.RuleConfig{QNum: 4, Proto: "tcp", Port: "443", Host: "192.0.2.1", Host6: "2001:db8::1"}
	rules := netfilter.BuildRules(rc, "s1")
	// 2 directions x 2 families.
	require.Len(t, rules, 4)

	var outV4 netfilter.Rule
	for _, r := range rules {
		if r.Chain == netfilter.ChainOutput && r.Family == netfilter.FamilyV4 {
			outV4 = r
		}
	}
	joined := strings.Join(outV4.Args, " ")
	assert.Contains(t, joined, "-p tcp")
	assert.Contains(t, joined, "-d 192.0.2.1")
	assert.Contains(t, joined, "--dport 443")
	assert.Contains(t, joined, "--queue-num 4")
	assert.Contains(t, joined, "--comment packet-mangler:s1")

	for _, r := range rules {
		joined := strings.Join(r.Args, " ")
		if r.Chain == netfilter.ChainInput {
			assert.Contains(t, joined, "--queue-num 5", "input diverts to qnum+1")
			assert.Contains(t, joined, "--sport 443")
		}
		if r.Family == netfilter.FamilyV6 {
			assert.Contains(t, joined, "2001:db8::1")
		}
	}
}

func TestBuildRulesHonoursToggles(t *testing.T) {
	rc := config.RuleConfig{QNum: 0, OutputChain: boolp(false), IPv6: boolp(false)}
	rules := netfilter.BuildRules(rc, "s1")
	require.Len(t, rules, 1)
	assert.Equal(t, netfilter.ChainInput, rules[0].Chain)
	assert.Equal(t, netfilter.FamilyV4, rules[0].Family)
}

func TestQueuePairs(t *testing.T) {
	out, in := netfilter.QueuePairs([]config.RuleConfig{
		{QNum: 0},
		{QNum: 2, InputChain: boolp(false)},
		{QNum: 0}, // duplicate collapses
	})
	assert.Equal(t, []uint16{0, 2}, out)
	assert.Equal(t, []uint16{1}, in)
}

func TestInstallUninstall(t *testing.T) {
	v4, v6 := newFakeIPT(), newFakeIPT()
	crumb := filepath.Join(t.TempDir(), "rules.yaml")
	log := reporting.Nop()
	c := netfilter.NewWithBackends(v4, v6, log, crumb, "s1")

	rcs := []config.RuleConfig{{QNum: 0}, {QNum: 2}}
	require.NoError(t, c.Install(rcs))
	assert.Equal(t, 4, v4.count())
	assert.Equal(t, 4, v6.count())

	// Breadcrumb exists while rules are installed.
	bc, err := netfilter.ReadBreadcrumb(crumb)
	require.NoError(t, err)
	require.NotNil(t, bc)
	assert.Equal(t, "s1", bc.SuiteID)
	assert.Len(t, bc.Rules, 8)

	require.NoError(t, c.Uninstall())
	assert.Zero(t, v4.count())
	assert.Zero(t, v6.count())

	// Removal happens in reverse install order.
	for i := range v4.deleted {
		assert.Equal(t, v4.appended[len(v4.appended)-1-i], v4.deleted[i])
	}

	bc, err = netfilter.ReadBreadcrumb(crumb)
	require.NoError(t, err)
	assert.Nil(t, bc, "breadcrumb removed on clean teardown")
}

func TestInstallRollsBackOnFailure(t *testing.T) {
	v4, v6 := newFakeIPT(), newFakeIPT()
	v4.failAppend = 3
	crumb := filepath.Join(t.TempDir(), "rules.yaml")
	c := netfilter.NewWithBackends(v4, v6, reporting.Nop(), crumb, "s1")

	err := c.Install([]config.RuleConfig{{QNum: 0, IPv6: boolp(false)}, {QNum: 2, IPv6: boolp(false)}})
	require.Error(t, err)
	assert.Zero(t, v4.count(), "partial install must be rolled back")
}

func TestSweepStaleIsIdempotent(t *testing.T) {
	v4, v6 := newFakeIPT(), newFakeIPT()
	crumb := filepath.Join(t.TempDir(), "rules.yaml")

	// A previous run left its rules and breadcrumb behind.
	stale := netfilter.NewWithBackends(v4, v6, reporting.Nop(), crumb, "old")
	require.NoError(t, stale.Install([]config.RuleConfig{{QNum: 0}}))

	// A foreign rule must survive the sweep.
	require.NoError(t, v4.Append("filter", "OUTPUT", "-p", "tcp", "-j", "ACCEPT"))

	c := netfilter.NewWithBackends(v4, v6, reporting.Nop(), crumb, "new")
	require.NoError(t, c.SweepStale())
	assert.Equal(t, 1, v4.count(), "only marker-tagged rules are swept")
	assert.Zero(t, v6.count())

	bc, err := netfilter.ReadBreadcrumb(crumb)
	require.NoError(t, err)
	assert.Nil(t, bc)

	// Sweeping again changes nothing.
	before4, before6 := v4.count(), v6.count()
	require.NoError(t, c.SweepStale())
	assert.Equal(t, before4, v4.count())
	assert.Equal(t, before6, v6.count())
}

func TestBreadcrumbRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crumb.yaml")

	bc, err := netfilter.ReadBreadcrumb(path)
	require.NoError(t, err)
	assert.Nil(t, bc)

	want := &netfilter.Breadcrumb{
		SuiteID: "abc",
		PID:     1234,
		Rules: []netfilter.Rule{
			{Family: netfilter.FamilyV4, Chain: "OUTPUT", Args: []string{"-j", "NFQUEUE"}},
		},
	}
	require.NoError(t, netfilter.WriteBreadcrumb(path, want))

	got, err := netfilter.ReadBreadcrumb(path)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.SuiteID, got.SuiteID)
	assert.Equal(t, want.PID, got.PID)
	assert.Equal(t, want.Rules, got.Rules)

	require.NoError(t, netfilter.RemoveBreadcrumb(path))
	require.NoError(t, netfilter.RemoveBreadcrumb(path))
}
