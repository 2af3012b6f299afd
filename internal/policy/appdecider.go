package policy

import (
	"github.com/childguard/daemon/internal/domain"
)

// AppDecider evaluates an application-launch key against the compiled
// allow/block set, falling back to approval or block on an unknown app
// in allowlist mode.
type AppDecider struct {
	mode             domain.RuleMode
	explicit         map[string]bool
	categories       map[string]bool
	approvalsEnabled bool
}

func compileAppDecider(r domain.AppRule) AppDecider {
	explicit := make(map[string]bool, len(r.ExplicitApps))
	for _, a := range r.ExplicitApps {
		explicit[a] = true
	}
	categories := make(map[string]bool, len(r.Categories))
	for _, c := range r.Categories {
		categories[c] = true
	}
	return AppDecider{mode: r.Mode, explicit: explicit, categories: categories, approvalsEnabled: r.ApprovalsEnabled}
}

// Decide resolves appKey (with an optional category hint, resolved by the
// caller from an app catalog out of this package's scope) to Allow or
// Block; in allowlist mode an unlisted app gets DeferToApproval when
// ApprovalsEnabled is set and Block otherwise.
func (d AppDecider) Decide(appKey, category string) (verdict domain.Verdict, reason string) {
	explicit := d.explicit[appKey]
	inCategory := category != "" && d.categories[category]

	switch d.mode {
	case domain.ModeBlocklist:
		if explicit || inCategory {
			return domain.VerdictBlock, "app-blocklisted"
		}
		return domain.VerdictAllow, ""
	case domain.ModeAllowlist:
		if explicit || inCategory {
			return domain.VerdictAllow, ""
		}
		if d.approvalsEnabled {
			return domain.VerdictDeferToApproval, "app-not-in-allowlist"
		}
		return domain.VerdictBlock, "app-not-in-allowlist"
	default:
		return domain.VerdictBlock, "unknown-rule-mode"
	}
}
