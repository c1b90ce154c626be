/*
File Name:  firewall.go
Author:     dpc contributors

Context Firewall: parses a node's .dpc_access INI rules file and
answers can_access/can_request_inference queries used to filter
PersonalContext/device-context documents and gate compute sharing
before anything crosses the wire to a peer.
*/

package firewall

import (
	"strings"

	"github.com/go-ini/ini"
)

// Decision is the outcome of evaluating a rule atom.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

// DocKind distinguishes the two document types rules can govern.
type DocKind string

const (
	KindPersonal DocKind = "personal.json"
	KindDevice   DocKind = "device_context.json"
)

type ruleAtom struct {
	kind     DocKind
	segments []string // dotted path pattern, split on '.'
	decision Decision
}

// ComputeRules is the parsed [compute] section.
type ComputeRules struct {
	Enabled       bool
	AllowNodes    []string
	AllowGroups   []string
	AllowedModels []string
}

// AccessRules is a node's complete parsed .dpc_access document.
type AccessRules struct {
	nodeGroups map[string][]string // group -> member node ids
	groupOf    map[string][]string // node id -> groups it belongs to

	nodeRules  map[string][]ruleAtom
	groupRules map[string][]ruleAtom
	hubRules   []ruleAtom

	Compute ComputeRules
}

// Parse reads an INI document (as produced by go-ini/ini) into AccessRules.
func Parse(source []byte) (*AccessRules, error) {
	f, err := ini.Load(source)
	if err != nil {
		return nil, err
	}

	rules := &AccessRules{
		nodeGroups: make(map[string][]string),
		groupOf:    make(map[string][]string),
		nodeRules:  make(map[string][]ruleAtom),
		groupRules: make(map[string][]ruleAtom),
	}

	for _, sec := range f.Sections() {
		name := sec.Name()
		switch {
		case name == "DEFAULT":
			continue
		case name == "node_groups":
			for _, key := range sec.Keys() {
				groupName := key.Name()
				members := splitCSV(key.String())
				rules.nodeGroups[groupName] = members
				for _, m := range members {
					rules.groupOf[m] = append(rules.groupOf[m], groupName)
				}
			}
		case name == "hub":
			rules.hubRules = parseRuleAtoms(sec)
		case name == "compute":
			rules.Compute = ComputeRules{
				Enabled:       sec.Key("enabled").MustBool(false),
				AllowNodes:    splitCSV(sec.Key("allow_nodes").String()),
				AllowGroups:   splitCSV(sec.Key("allow_groups").String()),
				AllowedModels: splitCSV(sec.Key("allowed_models").String()),
			}
		case strings.HasPrefix(name, "node:"):
			nodeID := strings.TrimPrefix(name, "node:")
			rules.nodeRules[nodeID] = parseRuleAtoms(sec)
		case strings.HasPrefix(name, "group:"):
			groupName := strings.TrimPrefix(name, "group:")
			rules.groupRules[groupName] = parseRuleAtoms(sec)
		}
	}

	return rules, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseRuleAtoms reads every "kind:dotted.path = allow|deny" line in a
// node/group/hub section.
func parseRuleAtoms(sec *ini.Section) []ruleAtom {
	var atoms []ruleAtom
	for _, key := range sec.Keys() {
		kindPath := key.Name()
		kind, path, ok := splitKindPath(kindPath)
		if !ok {
			continue
		}
		decision := Decision(strings.ToLower(strings.TrimSpace(key.String())))
		if decision != Allow && decision != Deny {
			continue
		}
		atoms = append(atoms, ruleAtom{kind: kind, segments: strings.Split(path, "."), decision: decision})
	}
	return atoms
}

func splitKindPath(s string) (DocKind, string, bool) {
	idx := strings.Index(s, ":")
	if idx < 0 {
		return "", "", false
	}
	kind := DocKind(s[:idx])
	if kind != KindPersonal && kind != KindDevice {
		return "", "", false
	}
	return kind, s[idx+1:], true
}

// groupsOf returns the groups nodeID belongs to.
func (r *AccessRules) groupsOf(nodeID string) []string {
	return r.groupOf[nodeID]
}

// matchSegments checks a dotted path against a pattern's segments. '*'
// matches exactly one segment; if the pattern's final segment is '*',
// it additionally matches any number (including zero) of remaining
// path segments beyond that point (a trailing ".*" descendant match).
func matchSegments(pattern, path []string) bool {
	for i, p := range pattern {
		if p == "*" && i == len(pattern)-1 {
			return true // trailing wildcard: matches this and everything deeper
		}
		if i >= len(path) {
			return false
		}
		if p != "*" && p != path[i] {
			return false
		}
	}
	return len(path) == len(pattern)
}

// matchingDecision scans atoms for the strongest applicable decision
// for (kind, path): deny beats allow when both match.
func matchingDecision(atoms []ruleAtom, kind DocKind, pathSegments []string) (Decision, bool) {
	found := false
	best := Allow
	for _, a := range atoms {
		if a.kind != kind {
			continue
		}
		if !matchSegments(a.segments, pathSegments) {
			continue
		}
		found = true
		if a.decision == Deny {
			best = Deny
		}
	}
	return best, found
}

// CanAccess decides whether requester may read "<kind>:<dottedPath>".
// isHub marks the requester as the Hub, so the [hub] section applies.
func (r *AccessRules) CanAccess(requester string, isHub bool, kind DocKind, dottedPath string) Decision {
	segments := strings.Split(dottedPath, ".")

	if atoms, ok := r.nodeRules[requester]; ok {
		if d, found := matchingDecision(atoms, kind, segments); found {
			return d
		}
	}

	groups := r.groupsOf(requester)
	if len(groups) > 0 {
		groupFound := false
		groupDecision := Allow
		for _, g := range groups {
			if d, found := matchingDecision(r.groupRules[g], kind, segments); found {
				groupFound = true
				if d == Deny {
					groupDecision = Deny
				}
			}
		}
		if groupFound {
			return groupDecision
		}
	}

	if isHub {
		if d, found := matchingDecision(r.hubRules, kind, segments); found {
			return d
		}
	}

	return Deny
}

// CanRequestInference implements §4.10's compute-sharing check.
func (r *AccessRules) CanRequestInference(peer string, model string) bool {
	if !r.Compute.Enabled {
		return false
	}
	allowed := contains(r.Compute.AllowNodes, peer)
	if !allowed {
		for _, g := range r.groupsOf(peer) {
			if contains(r.Compute.AllowGroups, g) {
				allowed = true
				break
			}
		}
	}
	if !allowed {
		return false
	}
	if model == "" {
		return true
	}
	return contains(r.Compute.AllowedModels, model)
}

// AvailableModelsForPeer intersects allModels with the peer's allowed
// model set, empty if the peer cannot request inference at all.
func (r *AccessRules) AvailableModelsForPeer(peer string, allModels []string) []string {
	if !r.CanRequestInference(peer, "") {
		return nil
	}
	var out []string
	for _, m := range allModels {
		if contains(r.Compute.AllowedModels, m) {
			out = append(out, m)
		}
	}
	return out
}

func contains(list []string, target string) bool {
	for _, s := range list {
		if s == target {
			return true
		}
	}
	return false
}
