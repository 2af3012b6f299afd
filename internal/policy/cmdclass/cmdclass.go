// Package cmdclass classifies raw terminal commands into named risk
// classes via an ordered list of pattern rules — the first matching
// pattern wins, mirroring how the domain decider's trie picks the most
// specific match but for line-oriented shell text instead of hostnames.
package cmdclass

import "regexp"

// Rule is one ordered (pattern, class) entry. Pattern is matched against
// the full command line.
type Rule struct {
	Pattern *regexp.Regexp
	Class   string
}

// Classifier holds the compiled ordered rule list for one policy version.
type Classifier struct {
	rules []Rule
}

// Compile builds a Classifier from (pattern-source, class) pairs, in the
// order they should be tried.
func Compile(specs [][2]string) (*Classifier, error) {
	rules := make([]Rule, 0, len(specs))
	for _, spec := range specs {
		re, err := regexp.Compile(spec[0])
		if err != nil {
			return nil, err
		}
		rules = append(rules, Rule{Pattern: re, Class: spec[1]})
	}
	return &Classifier{rules: rules}, nil
}

// Classify returns the class of the first matching rule, or ("", false)
// if no rule matches — the terminal decider allows unclassified commands.
func (c *Classifier) Classify(command string) (class string, ok bool) {
	for _, r := range c.rules {
		if r.Pattern.MatchString(command) {
			return r.Class, true
		}
	}
	return "", false
}

// DefaultRules is the baseline rule set grounded in common destructive /
// privilege-escalating shell patterns; the policy compiler uses it for
// every snapshot, and policy data does not change it.
var DefaultRules = [][2]string{
	{`\brm\s+-rf\b`, "destructive"},
	{`\bsudo\b`, "privileged"},
	{`\bsu\b`, "privileged"},
	{`\bcurl\b.*\|\s*sh\b`, "destructive"},
	{`\bwget\b.*\|\s*sh\b`, "destructive"},
	{`\bdd\s+if=`, "destructive"},
	{`\bmkfs\b`, "destructive"},
	{`\bchmod\s+777\b`, "risky"},
	{`\bssh\b`, "risky"},
}
