// Package firewall turns tracked services into the managed packet-filter chain.
//
// The chain is always rebuilt from scratch: Build is a pure function of the
// services and local ranges, and Render emits a complete iptables-restore script
// that flushes the chain before writing it.
package firewall

import (
	"fmt"
	"sort"
	"strings"

	"github.com/itskum47/hostforge/hostd/inventory"
)

// DefaultChain is the name of the managed chain.
const DefaultChain = "HOSTFORGE"

// Rule accepts one protocol/port, optionally from a single source network.
type Rule struct {
	ServiceID string
	Protocol  string
	Port      int
	// Source is empty for accept-from-anywhere.
	Source string
}

// Ruleset is the full content of the managed chain.
type Ruleset struct {
	Chain string
	Rules []Rule
}

// Build computes the accept rules for services. LocalOnly services accept from their
// own allowed ranges when set, otherwise from ranges. Blocked services get no rule.
// The result is sorted and deduplicated, so equal inputs give equal rulesets.
func Build(chain string, services []inventory.TrackedService, ranges []string) Ruleset {
	if chain == "" {
		chain = DefaultChain
	}
	local := normalize(ranges)

	seen := make(map[Rule]bool)
	var rules []Rule
	add := func(r Rule) {
		if !seen[r] {
			seen[r] = true
			rules = append(rules, r)
		}
	}

	for _, svc := range services {
		for _, p := range svc.Ports {
			proto := strings.ToLower(p.Protocol)
			if proto == "" {
				proto = "tcp"
			}
			switch svc.Policy {
			case inventory.PolicyAllowAll:
				add(Rule{ServiceID: svc.ID, Protocol: proto, Port: p.Port})
			case inventory.PolicyLocalOnly:
				sources := local
				if len(p.AllowedRanges) > 0 {
					sources = normalize(p.AllowedRanges)
				}
				for _, src := range sources {
					add(Rule{ServiceID: svc.ID, Protocol: proto, Port: p.Port, Source: src})
				}
			}
		}
	}

	sort.Slice(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.ServiceID != b.ServiceID {
			return a.ServiceID < b.ServiceID
		}
		if a.Port != b.Port {
			return a.Port < b.Port
		}
		if a.Protocol != b.Protocol {
			return a.Protocol < b.Protocol
		}
		return a.Source < b.Source
	})
	return Ruleset{Chain: chain, Rules: rules}
}

// Args returns the iptables arguments appending r to chain.
func (r Rule) Args(chain string) []string {
	args := []string{"-A", chain, "-p", r.Protocol}
	if r.Source != "" {
		args = append(args, "-s", r.Source)
	}
	args = append(args, "-m", r.Protocol, "--dport", fmt.Sprint(r.Port),
		"-m", "comment", "--comment", r.ServiceID, "-j", "ACCEPT")
	return args
}

// Render returns an iptables-restore script for the filter table. Applied with
// --noflush it replaces only the managed chain.
func (rs Ruleset) Render() string {
	var b strings.Builder
	b.WriteString("*filter\n")
	fmt.Fprintf(&b, ":%s - [0:0]\n", rs.Chain)
	fmt.Fprintf(&b, "-F %s\n", rs.Chain)
	for _, r := range rs.Rules {
		args := r.Args(rs.Chain)
		for i, a := range args {
			if i > 0 {
				b.WriteByte(' ')
			}
			if strings.ContainsAny(a, " \t\"") {
				a = fmt.Sprintf("%q", a)
			}
			b.WriteString(a)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "-A %s -j RETURN\n", rs.Chain)
	b.WriteString("COMMIT\n")
	return b.String()
}

func normalize(ranges []string) []string {
	out := append([]string(nil), ranges...)
	sort.Strings(out)
	n := 0
	for i, r := range out {
		if r == "" || (i > 0 && r == out[i-1]) {
			continue
		}
		out[n] = r
		n++
	}
	return out[:n]
}
