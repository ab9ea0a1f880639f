// Package planlint validates externally supplied step plans. A plan must
// describe what to do, never what the answer is: argument keys that carry
// precomputed outputs and all-numeric list arguments are rejected.
package planlint

import (
	"fmt"
	"regexp"
	"strings"
)

// ForbiddenArgKeys are argument names that imply a precomputed result
// embedded in the plan.
var ForbiddenArgKeys = []string{"result", "results"}

var numericString = regexp.MustCompile(`^-?\d+(?:\.\d+)?$`)

// Result is the outcome of linting one plan.
type Result struct {
	OK     bool
	Issues []string
}

// Lint validates a raw plan decoded from JSON. It never fails hard: every
// violation becomes one issue string.
//
// Each step must be an object with a non-blank string "action" and an object
// "args". Args may reference symbols and expressions freely; single numeric
// strings are allowed, lists consisting entirely of numeric values are not.
func Lint(steps any) Result {
	list, ok := steps.([]any)
	if !ok || len(list) == 0 {
		return Result{Issues: []string{"plan-steps-missing-or-empty"}}
	}

	var issues []string
	for i, raw := range list {
		step, ok := raw.(map[string]any)
		if !ok {
			issues = append(issues, fmt.Sprintf("step-%d:not-a-dict", i+1))
			continue
		}
		action, _ := step["action"].(string)
		if strings.TrimSpace(action) == "" {
			issues = append(issues, fmt.Sprintf("step-%d:missing-action", i+1))
		}
		args, ok := step["args"].(map[string]any)
		if !ok {
			issues = append(issues, fmt.Sprintf("step-%d:missing-args-object", i+1))
			continue
		}
		for _, k := range ForbiddenArgKeys {
			if _, present := args[k]; present {
				issues = append(issues, fmt.Sprintf("step-%d:arg-forbidden:%s", i+1, k))
			}
		}
		for k, v := range args {
			if vals, isList := v.([]any); isList && len(vals) > 0 && allNumeric(vals) {
				issues = append(issues, fmt.Sprintf("step-%d:arg-numeric-list:%s", i+1, k))
			}
		}
	}
	return Result{OK: len(issues) == 0, Issues: issues}
}

// LintSteps lints a typed plan as produced by the reasoning stage.
func LintSteps(steps []map[string]any) Result {
	raw := make([]any, len(steps))
	for i, s := range steps {
		raw[i] = s
	}
	return Lint(raw)
}

func allNumeric(list []any) bool {
	for _, v := range list {
		if !numLike(v) {
			return false
		}
	}
	return true
}

func numLike(v any) bool {
	switch t := v.(type) {
	case int, int64, float64:
		return true
	case string:
		return numericString.MatchString(strings.TrimSpace(t))
	}
	return false
}
