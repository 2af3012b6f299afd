// Package policy compiles a profile's declarative Policy into the fast
// read-only evaluation structures the engine consults per decision: a
// screen-time budget, a pre-split window matcher, and allow/block
// deciders for applications, web domains, and terminal commands.
package policy

import (
	"sync/atomic"

	"github.com/childguard/daemon/internal/domain"
	"github.com/childguard/daemon/internal/policy/cmdclass"
)

// Snapshot is one immutable, reference-counted compiled policy version.
// Readers Acquire a reference before evaluating against it and Release it
// when done; the compiler never mutates a published Snapshot in place —
// a new version is always a new Snapshot swapped in by the registry.
type Snapshot struct {
	ProfileID string
	Version   int64

	Budget     Budget
	Windows    WindowMatcher
	Apps       AppDecider
	Domains    DomainDecider
	Terminal   TerminalDecider
	Classifier *cmdclass.Classifier

	refs int32
}

// Acquire increments the reference count and returns the same snapshot,
// for callers that hold onto it across a suspension point (e.g. a cache
// lookup that outlives the current tick).
func (s *Snapshot) Acquire() *Snapshot {
	atomic.AddInt32(&s.refs, 1)
	return s
}

// Release decrements the reference count. Snapshots carry no unmanaged
// resources, so Release exists to keep the in-flight-reader count
// observable (surfaced via RefCount for tests/metrics) rather than to
// free anything explicitly — the Go garbage collector reclaims the
// Snapshot once the registry's pointer and every acquired reference are
// gone, matching spec.md's "previous snapshot retained as long as any
// in-flight evaluation references it" without a manual free.
func (s *Snapshot) Release() {
	atomic.AddInt32(&s.refs, -1)
}

// RefCount reports the current number of outstanding acquisitions,
// excluding the registry's own implicit hold.
func (s *Snapshot) RefCount() int32 {
	return atomic.LoadInt32(&s.refs)
}

// ClassifyCommand resolves a raw command line to a risk class using the
// shared classifier, and reports whether it was classified at all.
func (s *Snapshot) ClassifyCommand(command string) (class string, classified bool) {
	return s.Classifier.Classify(command)
}

// DecideApp, DecideDomain and DecideTerminal are thin
// named forwards so callers evaluating a DecisionKey never need to know
// about the sub-decider types directly.

func (s *Snapshot) DecideApp(appKey, category string) (domain.Verdict, string) {
	return s.Apps.Decide(appKey, category)
}

func (s *Snapshot) DecideDomain(host, category string) (domain.Verdict, string, string) {
	return s.Domains.Decide(host, category)
}

func (s *Snapshot) DecideTerminal(command string) (domain.Verdict, string) {
	class, ok := s.ClassifyCommand(command)
	return s.Terminal.Decide(class, ok)
}
