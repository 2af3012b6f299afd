// Package domain holds the core entities of the enforcement subsystem:
// profiles, policies, sessions, activity, events, exceptions and
// decisions. These are data-and-behavior types only — no infrastructure
// concerns (storage, transport) live here, matching the teacher's own
// domain-entity separation.
package domain

import "time"

// AgeBand tags a profile's age bracket; policy UIs and default rule sets
// key off it, though the core itself treats it as opaque.
type AgeBand string

const (
	AgeEarly  AgeBand = "early"
	AgeMiddle AgeBand = "middle"
	AgeTeen   AgeBand = "teen"
)

// ProfileState is a profile's lifecycle state.
type ProfileState string

const (
	ProfileActive   ProfileState = "active"
	ProfileDisabled ProfileState = "disabled"
	ProfileArchived ProfileState = "archived"
)

// ReservedSystemUser is the identity that never resolves to a profile.
const ReservedSystemUser = "parent"

// Profile is a child identity bound to exactly one system user.
type Profile struct {
	ID         string
	Name       string
	AgeBand    AgeBand
	SystemUser string
	State      ProfileState
	CreatedAt  time.Time
}

// IsActive reports whether decisions should be evaluated for this profile
// at all.
func (p *Profile) IsActive() bool { return p.State == ProfileActive }
