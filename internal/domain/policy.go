package domain

import (
	"fmt"

	"github.com/childguard/daemon/internal/clock"
)

// RuleMode is shared by the application and web rules.
type RuleMode string

const (
	ModeAllowlist RuleMode = "allowlist"
	ModeBlocklist RuleMode = "blocklist"
)

// ScreenBudget is the per-day cap on active seconds, plus a weekend bonus
// and the set of categories exempt from the cap.
type ScreenBudget struct {
	DailyCapMinutes   int
	WeekendBonusMinutes int
	ExemptCategories  []string
}

// AppRule governs application-launch decisions.
type AppRule struct {
	Mode            RuleMode
	ExplicitApps    []string
	Categories      []string
	ApprovalsEnabled bool
}

// WebRule governs web-navigation decisions.
type WebRule struct {
	Mode             RuleMode
	ExplicitDomains  []string
	Categories       []string
	EnforceSafeSearch bool
}

// TerminalRule governs terminal-command decisions.
type TerminalRule struct {
	Enabled             bool
	BlockClasses        []string
	ApprovalRequiredClasses []string
}

// Policy is the full set of enforcement rules bound to a profile at a
// given version. A newer version fully supersedes older versions — there
// is no per-field merging.
type Policy struct {
	ProfileID string
	Version   int64
	Budget    ScreenBudget
	Windows   []clock.TimeWindow
	Apps      AppRule
	Web       WebRule
	Terminal  TerminalRule
}

// Validate checks the within-version consistency invariant: no key may be
// both explicitly allowed and explicitly blocked within the same rule.
func (p *Policy) Validate() error {
	if p.Version <= 0 {
		return fmt.Errorf("policy version must be positive, got %d", p.Version)
	}
	if err := validateExplicitSet(p.Apps.Mode, p.Apps.ExplicitApps); err != nil {
		return fmt.Errorf("app rule: %w", err)
	}
	if err := validateExplicitSet(p.Web.Mode, p.Web.ExplicitDomains); err != nil {
		return fmt.Errorf("web rule: %w", err)
	}
	seen := make(map[string]bool, len(p.Terminal.BlockClasses))
	for _, c := range p.Terminal.BlockClasses {
		seen[c] = true
	}
	for _, c := range p.Terminal.ApprovalRequiredClasses {
		if seen[c] {
			return fmt.Errorf("terminal rule: class %q is both blocked and approval-required", c)
		}
	}
	return nil
}

func validateExplicitSet(mode RuleMode, explicit []string) error {
	// A single explicit set cannot encode "allow and block the same key"
	// by construction (it is one list under one mode); the invariant this
	// guards against arises once admin tooling merges allow/block lists
	// before calling Validate, so we defend against duplicate entries
	// that would otherwise silently collapse in the compiled hash set.
	seen := make(map[string]bool, len(explicit))
	for _, e := range explicit {
		if seen[e] {
			return fmt.Errorf("duplicate explicit entry %q", e)
		}
		seen[e] = true
	}
	if mode != ModeAllowlist && mode != ModeBlocklist {
		return fmt.Errorf("unknown mode %q", mode)
	}
	return nil
}
