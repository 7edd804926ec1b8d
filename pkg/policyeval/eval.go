// Package policyeval implements the policy evaluator (spec component C2):
// first-match rule evaluation over a closed predicate DSL, producing a
// Decision with a full trace of every rule attempted.
package policyeval

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/amacisaac222/toolgate/pkg/models"
	"github.com/amacisaac222/toolgate/pkg/policybundle"
)

// Evaluate matches a ToolCall against a compiled bundle and returns a
// Decision. Exact-name rules are tried before glob rules (Open Question 1);
// within each tier, file order applies. Malformed arguments never abort
// evaluation — they surface as a failing predicate with an explanatory
// message (§4.2 Errors).
func Evaluate(call models.ToolCall, bundle *policybundle.Compiled) models.Decision {
	args := decodeArgs(call.Arguments)

	var trace []models.TraceStep
	tryRule := func(r policybundle.CompiledRule) (models.Decision, bool) {
		ok, explain := matchWhere(r.Where, args)
		trace = append(trace, models.TraceStep{Rule: r.Name, Matched: ok, Explain: explain})
		if !ok {
			return models.Decision{}, false
		}
		return models.Decision{
			Outcome:           r.Action,
			RuleName:          r.Name,
			Reason:            r.Reason,
			RequiredApprovals: r.RequiredApprovals,
			ApproverGroup:     r.ApproverGroup,
			Trace:             trace,
		}, true
	}

	for _, r := range bundle.ExactByTool[call.Tool] {
		if d, matched := tryRule(r); matched {
			return d
		}
	}
	for _, r := range bundle.Glob {
		if !strings.HasPrefix(call.Tool, r.GlobPrefix) {
			trace = append(trace, models.TraceStep{Rule: r.Name, Matched: false})
			continue
		}
		if d, matched := tryRule(r); matched {
			return d
		}
	}

	trace = append(trace, models.TraceStep{
		Rule:    "__default__",
		Matched: true,
		Explain: []models.PredicateLog{{OK: true, Msg: "no rules matched"}},
	})
	return models.Decision{
		Outcome:           bundle.DefaultDecision,
		RuleName:          "__default__",
		Reason:            "No matching rule found",
		RequiredApprovals: 1,
		Trace:             trace,
	}
}

func decodeArgs(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{}
	}
	return m
}

// matchWhere evaluates every predicate in a rule's where clause (implicit
// AND). It returns as soon as one predicate fails, matching the original
// engine's short-circuit behavior, with every predicate tried appended to
// the explain log up to and including the failing one.
func matchWhere(where map[string]any, args map[string]any) (bool, []models.PredicateLog) {
	if len(where) == 0 {
		return true, nil
	}
	var explain []models.PredicateLog
	ok := func(msg string) {
		explain = append(explain, models.PredicateLog{OK: true, Msg: msg})
	}
	fail := func(msg string) (bool, []models.PredicateLog) {
		explain = append(explain, models.PredicateLog{OK: false, Msg: msg})
		return false, explain
	}

	if v, present := where["host_in"]; present {
		host := extractHost(stringArg(args, "url"))
		allow := toStringSet(v)
		if !allow[host] {
			return fail(fmt.Sprintf("host '%s' not in allowlist", host))
		}
		ok(fmt.Sprintf("host '%s' allowed", host))
	}

	if v, present := where["host_not_in"]; present {
		host := extractHost(stringArg(args, "url"))
		deny := toStringSet(v)
		if deny[host] {
			return fail(fmt.Sprintf("host '%s' is in denylist", host))
		}
		ok(fmt.Sprintf("host '%s' not denied", host))
	}

	if v, present := where["method"]; present {
		want := fmt.Sprintf("%v", v)
		got := stringArg(args, "method")
		if got != want {
			return fail(fmt.Sprintf("method %q != %q", got, want))
		}
		ok(fmt.Sprintf("method %q matches", got))
	}

	if v, present := where["body_bytes_over"]; present {
		threshold := toFloat(v)
		sz := bodyBytes(args)
		if float64(sz) <= threshold {
			return fail(fmt.Sprintf("body size %d <= threshold %v", sz, v))
		}
		ok(fmt.Sprintf("body %d exceeds threshold %v", sz, v))
	}

	if v, present := where["path_under"]; present {
		path := stringArg(args, "path")
		prefixes := toStringSlice(v)
		if !hasAnyPrefix(path, prefixes) {
			return fail("path is outside permitted prefixes")
		}
		ok("path under permitted prefix")
	}

	if v, present := where["path_not_under"]; present {
		path := stringArg(args, "path")
		prefixes := toStringSlice(v)
		if hasAnyPrefix(path, prefixes) {
			return fail(fmt.Sprintf("path '%s' is under a restricted prefix", path))
		}
		ok(fmt.Sprintf("path '%s' is outside restricted prefixes", path))
	}

	if v, present := where["estimated_cost_usd_over"]; present {
		threshold := toFloat(v)
		cost := toFloat(args["estimated_cost_usd"])
		if cost <= threshold {
			return fail(fmt.Sprintf("estimated_cost_usd %v <= %v", cost, threshold))
		}
		ok(fmt.Sprintf("estimated cost %v exceeds threshold %v", cost, threshold))
	}

	for _, field := range []string{"provider", "resource", "action"} {
		v, present := where[field]
		if !present {
			continue
		}
		want := fmt.Sprintf("%v", v)
		got := stringArg(args, field)
		if got != want {
			return fail(fmt.Sprintf("%s %q != %q", field, got, want))
		}
		ok(fmt.Sprintf("%s %q matches", field, got))
	}

	return true, explain
}

func extractHost(url string) string {
	if url == "" {
		return ""
	}
	if idx := strings.Index(url, "://"); idx >= 0 {
		rest := url[idx+3:]
		if slash := strings.Index(rest, "/"); slash >= 0 {
			return rest[:slash]
		}
		return rest
	}
	if slash := strings.Index(url, "/"); slash >= 0 {
		return url[:slash]
	}
	return url
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func stringArg(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func bodyBytes(args map[string]any) int {
	v, ok := args["body"]
	if !ok {
		return 0
	}
	if s, ok := v.(string); ok {
		// matches the reference trace implementation: JSON-encoded length
		// of the body value, not the raw string length.
		encoded, _ := json.Marshal(s)
		return len(encoded)
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(encoded)
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case json.Number:
		f, _ := t.Float64()
		return f
	case string:
		var f float64
		fmt.Sscanf(t, "%g", &f)
		return f
	default:
		return 0
	}
}

func toStringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, fmt.Sprintf("%v", e))
		}
		return out
	default:
		return nil
	}
}

func toStringSet(v any) map[string]bool {
	set := map[string]bool{}
	for _, s := range toStringSlice(v) {
		set[s] = true
	}
	return set
}
