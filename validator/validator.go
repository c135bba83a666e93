// Copyright 2026 The SafeExec Authors
// SPDX-License-Identifier: Apache-2.0

package validator

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var rulesYAML []byte

// Violation is one rule match in a submitted snippet.
type Violation struct {
	// RuleID identifies the rule that fired.
	RuleID string

	// Description is the rule's human-readable explanation.
	Description string

	// Line is the 1-based line number of the match.
	Line int

	// Snippet is the original (unstripped) text of the matching line.
	Snippet string
}

type rule struct {
	ID          string `yaml:"id"`
	Pattern     string `yaml:"pattern"`
	Description string `yaml:"description"`
	Raw         bool   `yaml:"raw"`

	matcher *regexp.Regexp
}

type ruleGroup struct {
	Name  string `yaml:"name"`
	Rules []rule `yaml:"rules"`
}

type ruleFile struct {
	Groups []ruleGroup `yaml:"groups"`
}

// rules is the flattened, ordered rule table. The embedded table is a
// build-time asset; a parse or compile failure is a programming error,
// not a runtime condition.
var rules = loadRules()

func loadRules() []rule {
	var parsed ruleFile
	if err := yaml.Unmarshal(rulesYAML, &parsed); err != nil {
		panic(fmt.Sprintf("validator: parsing embedded rule table: %v", err))
	}
	var flattened []rule
	for _, group := range parsed.Groups {
		for _, entry := range group.Rules {
			entry.matcher = regexp.MustCompile(entry.Pattern)
			flattened = append(flattened, entry)
		}
	}
	if len(flattened) == 0 {
		panic("validator: embedded rule table is empty")
	}
	return flattened
}

// Validate checks a snippet against the rule table and returns every
// violation, ordered by rule index then line number. An empty result
// means the snippet is accepted. Validate never fails: the decision
// depends only on the code text and the fixed rule table.
func Validate(code string) []Violation {
	originalLines := strings.Split(code, "\n")
	strippedLines := strings.Split(Strip(code), "\n")

	var violations []Violation
	for _, entry := range rules {
		lines := strippedLines
		if entry.Raw {
			lines = originalLines
		}
		for index, line := range lines {
			if entry.matcher.MatchString(line) {
				violations = append(violations, Violation{
					RuleID:      entry.ID,
					Description: entry.Description,
					Line:        index + 1,
					Snippet:     originalLines[index],
				})
			}
		}
	}
	return violations
}

// Report formats a violation list for return to the client. The text
// opens with a count, then one entry per violation with its rule id,
// line number, description, and the original snippet line.
func Report(violations []Violation) string {
	var report strings.Builder
	fmt.Fprintf(&report, "Code validation failed: %d violation(s)\n", len(violations))
	for _, violation := range violations {
		fmt.Fprintf(&report, "[%s] Line %d: %s\n    %s\n",
			violation.RuleID, violation.Line, violation.Description,
			strings.TrimSpace(violation.Snippet))
	}
	return report.String()
}
