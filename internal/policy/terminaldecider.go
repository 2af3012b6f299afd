package policy

import (
	"github.com/childguard/daemon/internal/domain"
	"github.com/childguard/daemon/internal/policy/cmdclass"
)

// TerminalDecider maps a pre-classified command risk class to a verdict
// per the profile's terminal rule. The classifier itself is shared across
// profiles (the rule patterns are global, not policy data) and compiled
// once by the Compiler.
type TerminalDecider struct {
	enabled           bool
	blockClasses      map[string]bool
	approvalClasses   map[string]bool
}

func compileTerminalDecider(r domain.TerminalRule) TerminalDecider {
	block := make(map[string]bool, len(r.BlockClasses))
	for _, c := range r.BlockClasses {
		block[c] = true
	}
	approval := make(map[string]bool, len(r.ApprovalRequiredClasses))
	for _, c := range r.ApprovalRequiredClasses {
		approval[c] = true
	}
	return TerminalDecider{enabled: r.Enabled, blockClasses: block, approvalClasses: approval}
}

// Decide maps a risk class to a verdict: blocked classes are refused
// outright, approval-required classes defer, and an unclassified command
// (or terminal monitoring disabled) is allowed.
func (d TerminalDecider) Decide(class string, classified bool) (verdict domain.Verdict, reason string) {
	if !d.enabled {
		return domain.VerdictAllow, ""
	}
	if !classified {
		return domain.VerdictAllow, ""
	}
	if d.blockClasses[class] {
		return domain.VerdictBlock, "command-class-" + class
	}
	if d.approvalClasses[class] {
		return domain.VerdictDeferToApproval, "command-class-" + class
	}
	return domain.VerdictAllow, ""
}

// defaultClassifier is the single shared command classifier instance;
// every Snapshot references the same one since its rules are not
// per-policy data (see compileTerminalDecider).
var defaultClassifier *cmdclass.Classifier

func init() {
	c, err := cmdclass.Compile(cmdclass.DefaultRules)
	if err != nil {
		panic("policy: default command classifier rules failed to compile: " + err.Error())
	}
	defaultClassifier = c
}
