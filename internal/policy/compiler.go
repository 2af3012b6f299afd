package policy

import (
	"github.com/childguard/daemon/internal/domain"
)

// Compiler turns a validated domain.Policy into an immutable Snapshot.
// It holds no per-profile state of its own; the registry is what tracks
// "current snapshot per profile".
type Compiler struct{}

// NewCompiler constructs a Compiler. It is stateless and safe for
// concurrent use; a single instance is shared by every profile.
func NewCompiler() *Compiler { return &Compiler{} }

// Compile validates p (delegating field-level consistency to
// domain.Policy.Validate) and builds its Snapshot. A policy that fails to
// compile is rejected with the underlying error (PolicyInvalid or
// PolicyTooLarge); the caller is expected to retain the previously
// published Snapshot on error, per spec.md §4.4.
func (c *Compiler) Compile(p *domain.Policy) (*Snapshot, error) {
	if err := p.Validate(); err != nil {
		return nil, wrapPolicyInvalid(err)
	}

	domains, err := compileDomainDecider(p.Web)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		ProfileID:  p.ProfileID,
		Version:    p.Version,
		Budget:     compileBudget(p.Budget),
		Windows:    compileWindowMatcher(p.Windows),
		Apps:       compileAppDecider(p.Apps),
		Domains:    domains,
		Terminal:   compileTerminalDecider(p.Terminal),
		Classifier: defaultClassifier,
	}, nil
}
