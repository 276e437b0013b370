// Package netfilter installs and removes the kernel diversion rules
// that deliver a test's packets to its userspace queues.
package netfilter

import (
	"fmt"
	"strconv"

	"github.com/jihwankim/packet-mangler/pkg/config"
	"github.com/jihwankim/packet-mangler/pkg/nfqueue"
)

// marker tags every rule this system installs so a later start can
// sweep leftovers from a crashed run.
const marker = "packet-mangler"

// Family selects the IP protocol an iptables backend speaks.
type Family int

const (
	FamilyV4 Family = iota
	FamilyV6
)

func (f Family) String() string {
	if f == FamilyV4 {
		return "v4"
	}
	return "v6"
}

// Chain names used for the two directions.
const (
	ChainOutput = "OUTPUT"
	ChainInput  = "INPUT"
)

// Rule is one concrete iptables rule ready to install: the protocol
// family, the chain, and the full match/target argument list.
type Rule struct {
	Family Family   `yaml:"family"`
	Chain  string   `yaml:"chain"`
	Args   []string `yaml:"args"`
}

func (r Rule) String() string {
	return fmt.Sprintf("%s %s %v", r.Family, r.Chain, r.Args)
}

// BuildRules translates one configured diversion selector into concrete
// rules. The OUTPUT chain diverts to the configured (even) queue
// number and matches the destination host; the INPUT chain diverts to
// queue number+1 and matches the source host.
func BuildRules(rc config.RuleConfig, suiteID string) []Rule {
	var rules []Rule

	type dir struct {
		chain   string
		qnum    uint16
		hostArg string
	}
	dirs := []dir{}
	if rc.OutputEnabled() {
		dirs = append(dirs, dir{chain: ChainOutput, qnum: rc.QNum, hostArg: "-d"})
	}
	if rc.InputEnabled() {
		dirs = append(dirs, dir{chain: ChainInput, qnum: rc.QNum + 1, hostArg: "-s"})
	}

	type fam struct {
		family Family
		host   string
	}
	fams := []fam{}
	if rc.V4Enabled() {
		fams = append(fams, fam{family: FamilyV4, host: rc.Host})
	}
	if rc.V6Enabled() {
		fams = append(fams, fam{family: FamilyV6, host: rc.Host6})
	}

	for _, d := range dirs {
		for _, f := range fams {
			args := []string{}
			if rc.Proto != "" {
				args = append(args, "-p", rc.Proto)
			}
			if f.host != "" {
				args = append(args, d.hostArg, f.host)
			}
			if rc.Port != "" && rc.Proto != "" {
				portArg := "--dport"
				if d.chain == ChainInput {
					portArg = "--sport"
				}
				args = append(args, portArg, rc.Port)
			}
			// Re-injected packets carry the injector mark and must not
			// be diverted a second time.
			args = append(args,
				"-m", "mark", "!", "--mark", fmt.Sprintf("0x%x", nfqueue.InjectMark),
				"-m", "comment", "--comment", marker+":"+suiteID,
				"-j", "NFQUEUE", "--queue-num", strconv.Itoa(int(d.qnum)),
			)
			rules = append(rules, Rule{Family: f.family, Chain: d.chain, Args: args})
		}
	}
	return rules
}

// QueuePairs returns the (direction, queue number) assignments a rule
// set uses: even numbers for output, odd for input.
func QueuePairs(rcs []config.RuleConfig) (output, input []uint16) {
	seenOut := map[uint16]bool{}
	seenIn := map[uint16]bool{}
	for _, rc := range rcs {
		if rc.OutputEnabled() && !seenOut[rc.QNum] {
			seenOut[rc.QNum] = true
			output = append(output, rc.QNum)
		}
		if rc.InputEnabled() && !seenIn[rc.QNum+1] {
			seenIn[rc.QNum+1] = true
			input = append(input, rc.QNum+1)
		}
	}
	return output, input
}
