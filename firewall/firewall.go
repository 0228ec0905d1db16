// Package firewall evaluates per-client tool-call rules: glob-style allow/
// deny/ask matching over upstream server id, tool name, and argument paths,
// modeled on CirtusX-ctrl-ai-v1's gobwas/glob rule matcher.
package firewall

import (
	"fmt"
	"sync"

	"github.com/gobwas/glob"
)

// Decision is the outcome of evaluating a tool call against a rule set.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
	Ask   Decision = "ask"
)

// Rule is one ordered entry in a rule set. The first rule whose Server and
// Tool globs both match the call wins; an empty glob matches everything.
type Rule struct {
	Server   string   `json:"server"`
	Tool     string   `json:"tool"`
	Decision Decision `json:"decision"`
	// ArgPaths, if set, further restricts the rule to calls whose argument
	// map contains every listed key (existence only, no value match). Each
	// entry is looked up as a literal top-level key; dots are not split.
	ArgPaths []string `json:"arg_paths,omitempty"`
}

type compiledRule struct {
	server   glob.Glob
	tool     glob.Glob
	decision Decision
	argPaths []string
}

// RuleSet is a compiled, ordered list of Rules a Client references by id.
type RuleSet struct {
	mu    sync.RWMutex
	rules []compiledRule
}

// Compile builds a RuleSet from the Config Store's raw Rule list. Rules are
// evaluated in the order given, first match wins; a RuleSet with no
// matching rule defaults to Deny, a fail-closed posture.
func Compile(rules []Rule) (*RuleSet, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		sg, err := glob.Compile(orStar(r.Server))
		if err != nil {
			return nil, fmt.Errorf("firewall: rule %d: bad server glob %q: %w", i, r.Server, err)
		}
		tg, err := glob.Compile(orStar(r.Tool))
		if err != nil {
			return nil, fmt.Errorf("firewall: rule %d: bad tool glob %q: %w", i, r.Tool, err)
		}
		compiled = append(compiled, compiledRule{
			server:   sg,
			tool:     tg,
			decision: r.Decision,
			argPaths: r.ArgPaths,
		})
	}
	return &RuleSet{rules: compiled}, nil
}

func orStar(pattern string) string {
	if pattern == "" {
		return "*"
	}
	return pattern
}

// Evaluate returns the Decision for a namespaced tool call. args is the
// flattened top-level argument map (nested paths aren't walked — see Rule.ArgPaths).
func (s *RuleSet) Evaluate(serverID, toolName string, args map[string]any) Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.rules {
		if !r.server.Match(serverID) || !r.tool.Match(toolName) {
			continue
		}
		if !hasAllPaths(args, r.argPaths) {
			continue
		}
		return r.decision
	}
	return Deny
}

func hasAllPaths(args map[string]any, paths []string) bool {
	for _, p := range paths {
		if _, ok := args[p]; !ok {
			return false
		}
	}
	return true
}
