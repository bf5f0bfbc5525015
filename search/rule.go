package search

import (
	"fmt"
	"strings"
)

//go:generate go tool stringer -type=Rule -trimprefix=Rule -output=rule_string.go

// Rule decides whether a repeated probe counts as a flip.
type Rule uint8

const (
	// RuleAny reports a flip if any repetition flipped.
	RuleAny Rule = iota
	// RuleMajority reports a flip if more than half of the repetitions flipped.
	RuleMajority
)

func ParseRule(s string) (Rule, error) {
	switch strings.ToLower(s) {
	case "", "any":
		return RuleAny, nil
	case "majority":
		return RuleMajority, nil
	}
	return 0, fmt.Errorf("unknown rule %q (want any or majority)", s)
}

func (r *Rule) UnmarshalText(text []byte) (err error) {
	*r, err = ParseRule(string(text))
	return err
}

func (r Rule) MarshalText() ([]byte, error) { return []byte(strings.ToLower(r.String())), nil }

// decided returns the outcome of a probe once enough repetitions ran.
func (r Rule) decided(flips, runs, repeats int) (flipped, done bool) {
	switch r {
	case RuleMajority:
		need := repeats/2 + 1
		if flips >= need {
			return true, true
		}
		if runs-flips > repeats-need {
			return false, true
		}
		return false, runs >= repeats
	default:
		if flips > 0 {
			return true, true
		}
		return false, runs >= repeats
	}
}
