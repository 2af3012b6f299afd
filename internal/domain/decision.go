package domain

import "fmt"

// DecisionKind names the question a decision answers.
type DecisionKind string

const (
	DecisionApplicationLaunch    DecisionKind = "application-launch"
	DecisionWebNavigation        DecisionKind = "web-navigation"
	DecisionTerminalCommand      DecisionKind = "terminal-command"
	DecisionSessionLivenessCheck DecisionKind = "session-liveness-check"
)

// DecisionKey identifies the subject a decision was made about, and is
// also the engine's decision-cache and singleflight key.
type DecisionKey struct {
	ProfileID string
	Kind      DecisionKind
	Subject   string // app key, domain, or command class; empty for liveness checks
	Category  string // caller-supplied category hint for WebNavigation; ignored otherwise
	Interface string // caller-supplied originating interface name; only consulted for WebNavigation's tailscale-exempt bypass
}

func (k DecisionKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", k.ProfileID, k.Kind, k.Subject, k.Category, k.Interface)
}

// Verdict is the outcome of evaluating a DecisionKey against the compiled
// policy, budget state and active exceptions.
type Verdict string

const (
	VerdictAllow            Verdict = "allow"
	VerdictAllowWithWarning Verdict = "allow-with-warning"
	VerdictBlock            Verdict = "block"
	VerdictDeferToApproval  Verdict = "defer-to-approval"
)

// Decision is the cacheable result of evaluating a DecisionKey at a point
// in time, plus the reason surfaced to the notification channel and admin
// API.
type Decision struct {
	Key         DecisionKey
	Verdict     Verdict
	Reason      string
	PolicyVer   int64
	DecidedAt   int64  // unix nanos, monotonic source — cache staleness check
	RewriteHint string // set when enforce-safe-search matched a known search engine domain
}

// IsTerminal reports whether the verdict should be remembered instead of
// re-evaluated on the next otherwise-identical request within the cache's
// TTL. DeferToApproval is never cached: an outstanding approval request
// must be re-checked every time until it resolves.
func (d Decision) IsTerminal() bool { return d.Verdict != VerdictDeferToApproval }
