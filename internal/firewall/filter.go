/*
File Name:  filter.go
Author:     dpc contributors

Document filtering: prunes a parsed JSON document down to the subtrees
a given peer is allowed to see, per §4.10. Denial is indistinguishable
from absence — there is no error path here, only a smaller document.
*/

package firewall

import "strings"

// FilterDocument prunes doc (already unmarshaled into Go's generic JSON
// representation: map[string]interface{}, []interface{}, and scalars)
// to the subtrees requester is allowed to read.
func (r *AccessRules) FilterDocument(requester string, isHub bool, kind DocKind, doc map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for key, val := range doc {
		path := []string{key}
		if pruned, keep := r.pruneValue(requester, isHub, kind, path, val); keep {
			out[key] = pruned
		}
	}
	return out
}

func (r *AccessRules) pruneValue(requester string, isHub bool, kind DocKind, path []string, value interface{}) (interface{}, bool) {
	switch v := value.(type) {
	case map[string]interface{}:
		pruned := make(map[string]interface{})
		for key, child := range v {
			childPath := append(append([]string{}, path...), key)
			if cv, keep := r.pruneValue(requester, isHub, kind, childPath, child); keep {
				pruned[key] = cv
			}
		}
		if len(pruned) > 0 {
			return pruned, true
		}
		return pruned, r.explicitlyAllowed(requester, isHub, kind, path)

	case []interface{}:
		var pruned []interface{}
		for _, item := range v {
			if cv, keep := r.pruneValue(requester, isHub, kind, path, item); keep {
				pruned = append(pruned, cv)
			}
		}
		if len(pruned) > 0 {
			return pruned, true
		}
		return pruned, r.explicitlyAllowed(requester, isHub, kind, path)

	default:
		return v, r.CanAccess(requester, isHub, kind, strings.Join(path, ".")) == Allow
	}
}

// explicitlyAllowed reports whether there is an explicit allow rule
// matching path (used to decide whether an emptied-out object/array
// survives pruning).
func (r *AccessRules) explicitlyAllowed(requester string, isHub bool, kind DocKind, path []string) bool {
	return r.CanAccess(requester, isHub, kind, strings.Join(path, ".")) == Allow
}
