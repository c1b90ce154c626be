package firewall

import "testing"

const sampleRules = `
[node_groups]
trusted = node-a,node-b
family = node-c

[node:node-a]
personal.json:profile.* = allow
personal.json:knowledge.secret.* = deny

[group:trusted]
personal.json:knowledge.* = allow

[group:family]
personal.json:knowledge.* = deny

[hub]
personal.json:profile.name = allow

[compute]
enabled = true
allow_nodes = node-a
allow_groups = trusted
allowed_models = llama3,mistral
`

func mustParse(t *testing.T) *AccessRules {
	t.Helper()
	r, err := Parse([]byte(sampleRules))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestSpecificNodeRuleBeatsGroupRule(t *testing.T) {
	r := mustParse(t)
	// node-a has its own section denying knowledge.secret.*, which should
	// apply even though node-a is also in group "trusted" which allows
	// knowledge.* broadly -- node-specific rules are evaluated first and,
	// once any rule in that scope matches, group rules are not consulted.
	got := r.CanAccess("node-a", false, KindPersonal, "knowledge.secret.topic")
	if got != Deny {
		t.Fatalf("got %v, want deny", got)
	}
}

func TestGroupRuleAppliesWhenNoNodeSpecificRuleMatches(t *testing.T) {
	r := mustParse(t)
	got := r.CanAccess("node-b", false, KindPersonal, "knowledge.general")
	if got != Allow {
		t.Fatalf("got %v, want allow via group:trusted", got)
	}
}

func TestDenyBeatsAllowAtEqualSpecificity(t *testing.T) {
	rules := `
[node_groups]
both = node-x

[group:both]
personal.json:a.* = allow
personal.json:a.b = deny
`
	r, err := Parse([]byte(rules))
	if err != nil {
		t.Fatal(err)
	}
	got := r.CanAccess("node-x", false, KindPersonal, "a.b")
	if got != Deny {
		t.Fatalf("got %v, want deny (deny beats allow at equal specificity)", got)
	}
}

func TestDefaultDenyOnNoMatchingRule(t *testing.T) {
	r := mustParse(t)
	got := r.CanAccess("node-z", false, KindPersonal, "profile.name")
	if got != Deny {
		t.Fatalf("got %v, want default deny", got)
	}
}

func TestHubSectionAppliesOnlyWhenRequesterIsHub(t *testing.T) {
	r := mustParse(t)
	got := r.CanAccess("hub-server", true, KindPersonal, "profile.name")
	if got != Allow {
		t.Fatalf("got %v, want allow via [hub]", got)
	}

	got2 := r.CanAccess("hub-server", false, KindPersonal, "profile.name")
	if got2 != Deny {
		t.Fatalf("got %v, want deny when isHub=false", got2)
	}
}

func TestTrailingWildcardMatchesDescendants(t *testing.T) {
	r := mustParse(t)
	got := r.CanAccess("node-a", false, KindPersonal, "profile.name.nested.deep")
	if got != Allow {
		t.Fatalf("got %v, want allow via trailing profile.* wildcard", got)
	}
}

func TestCanRequestInference(t *testing.T) {
	r := mustParse(t)
	if !r.CanRequestInference("node-a", "llama3") {
		t.Fatal("node-a should be allowed to request llama3")
	}
	if r.CanRequestInference("node-a", "gpt4") {
		t.Fatal("node-a should not be allowed to request an unlisted model")
	}
	if !r.CanRequestInference("node-b", "mistral") {
		t.Fatal("node-b should inherit compute access via group:trusted")
	}
	if r.CanRequestInference("node-z", "llama3") {
		t.Fatal("unlisted node should be denied")
	}
}

func TestAvailableModelsForPeer(t *testing.T) {
	r := mustParse(t)
	models := r.AvailableModelsForPeer("node-a", []string{"llama3", "mistral", "gpt4"})
	if len(models) != 2 {
		t.Fatalf("got %v", models)
	}

	none := r.AvailableModelsForPeer("node-z", []string{"llama3"})
	if len(none) != 0 {
		t.Fatalf("expected no models for disallowed peer, got %v", none)
	}
}

func TestFilterDocumentPrunesDeniedSubtrees(t *testing.T) {
	r := mustParse(t)
	doc := map[string]interface{}{
		"profile": map[string]interface{}{
			"name": "Alice",
			"bio":  "likes go",
		},
		"knowledge": map[string]interface{}{
			"secret": map[string]interface{}{
				"topic": "classified",
			},
			"general": "public info",
		},
	}

	filtered := r.FilterDocument("node-a", false, KindPersonal, doc)

	profile, ok := filtered["profile"].(map[string]interface{})
	if !ok || profile["name"] != "Alice" {
		t.Fatalf("expected profile.* to survive, got %#v", filtered["profile"])
	}

	knowledge, ok := filtered["knowledge"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected knowledge to survive partially, got %#v", filtered["knowledge"])
	}
	if _, denied := knowledge["secret"]; denied {
		t.Fatal("knowledge.secret.* should have been pruned for node-a")
	}
}
