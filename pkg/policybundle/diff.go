package policybundle

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/amacisaac222/toolgate/pkg/models"
)

// Diff is the structural comparison of two bundles for `/v1/policy/diff`
// (§4.10), extended with the risk-headline notes the original CanopyIQ
// implementation computed (app/policies/diff.py) — human-readable summaries
// of the changes most likely to matter to a reviewer.
type Diff struct {
	Added          []RuleChange `json:"added"`
	Removed        []RuleChange `json:"removed"`
	Modified       []RuleModification `json:"modified"`
	DefaultsFrom   string       `json:"defaults_from"`
	DefaultsTo     string       `json:"defaults_to"`
	RiskHeadline   []string     `json:"risk_headline"`
}

type RuleChange struct {
	ID   string     `json:"id"`
	Rule models.Rule `json:"rule"`
}

type FieldChange struct {
	Field string `json:"field"`
	From  any    `json:"from"`
	To    any    `json:"to"`
}

type RuleModification struct {
	ID      string        `json:"id"`
	Before  models.Rule   `json:"before"`
	After   models.Rule   `json:"after"`
	Changes []FieldChange `json:"changes"`
}

func ruleKey(r models.Rule) string {
	name := r.Name
	if name == "" {
		name = "_unnamed_"
	}
	match := r.Match
	if match == "" {
		match = "*"
	}
	return match + "/" + name
}

func indexRules(doc models.BundleDoc) map[string]models.Rule {
	idx := make(map[string]models.Rule, len(doc.Rules))
	for _, r := range doc.Rules {
		idx[ruleKey(r)] = r
	}
	return idx
}

// Compare computes the structural diff between two bundles, a and b, where
// b is the proposed (newer) version.
func Compare(a, b models.BundleDoc) Diff {
	ia, ib := indexRules(a), indexRules(b)

	var addedKeys, removedKeys, commonKeys []string
	for k := range ib {
		if _, ok := ia[k]; !ok {
			addedKeys = append(addedKeys, k)
		}
	}
	for k := range ia {
		if _, ok := ib[k]; !ok {
			removedKeys = append(removedKeys, k)
		} else {
			commonKeys = append(commonKeys, k)
		}
	}
	sort.Strings(addedKeys)
	sort.Strings(removedKeys)
	sort.Strings(commonKeys)

	d := Diff{DefaultsFrom: a.Defaults.Decision, DefaultsTo: b.Defaults.Decision}
	for _, k := range addedKeys {
		d.Added = append(d.Added, RuleChange{ID: k, Rule: ib[k]})
	}
	for _, k := range removedKeys {
		d.Removed = append(d.Removed, RuleChange{ID: k, Rule: ia[k]})
	}
	for _, k := range commonKeys {
		ra, rb := ia[k], ib[k]
		changes := ruleChanges(ra, rb)
		if len(changes) == 0 {
			continue
		}
		d.Modified = append(d.Modified, RuleModification{ID: k, Before: ra, After: rb, Changes: changes})
	}
	d.RiskHeadline = riskHeadline(d, ib)
	return d
}

func ruleChanges(a, b models.Rule) []FieldChange {
	var out []FieldChange
	if a.Match != b.Match {
		out = append(out, FieldChange{Field: "match", From: a.Match, To: b.Match})
	}
	if !reflect.DeepEqual(a.Where, b.Where) {
		out = append(out, FieldChange{Field: "where", From: a.Where, To: b.Where})
	}
	if a.Action != b.Action {
		out = append(out, FieldChange{Field: "action", From: a.Action, To: b.Action})
	}
	if a.RequiredApprovals != b.RequiredApprovals {
		out = append(out, FieldChange{Field: "required_approvals", From: a.RequiredApprovals, To: b.RequiredApprovals})
	}
	if a.Reason != b.Reason {
		out = append(out, FieldChange{Field: "reason", From: a.Reason, To: b.Reason})
	}
	return out
}

func riskHeadline(d Diff, ib map[string]models.Rule) []string {
	var notes []string
	for _, a := range d.Added {
		switch ib[a.ID].Action {
		case models.DecisionAllow:
			notes = append(notes, fmt.Sprintf("New allow: %s", a.ID))
		case models.DecisionApproval:
			notes = append(notes, fmt.Sprintf("New approval flow: %s", a.ID))
		}
	}
	for _, m := range d.Modified {
		if m.Before.Action != m.After.Action {
			notes = append(notes, fmt.Sprintf("Action change %s: %s → %s", m.ID, m.Before.Action, m.After.Action))
		}
		if !reflect.DeepEqual(m.Before.Where["host_in"], m.After.Where["host_in"]) {
			notes = append(notes, fmt.Sprintf("Changed host_in: %s", m.ID))
		}
		if m.Before.RequiredApprovals != m.After.RequiredApprovals {
			notes = append(notes, fmt.Sprintf("Approval quorum change %s: %d → %d", m.ID, m.Before.RequiredApprovals, m.After.RequiredApprovals))
		}
	}
	if len(notes) == 0 {
		notes = append(notes, "No high-risk changes detected.")
	}
	return notes
}
