package resource

import (
	"encoding/json"
	"fmt"
)

// Status is the per-record lifecycle state.
type Status string

const (
	// StatusUninitialized marks a record discovered through dependency expansion.
	StatusUninitialized Status = "uninitialized"

	// StatusPending marks a record whose reference is known but not yet fetched.
	StatusPending Status = "pending"

	// StatusUpgrade marks an installed record that a newer record in another table supersedes.
	StatusUpgrade Status = "upgrade"

	// StatusInstalled marks a record that has been fetched and validated.
	StatusInstalled Status = "installed"

	// StatusDeleted marks a record no longer referenced by the profile.
	StatusDeleted Status = "deleted"
)

// IsTerminal reports whether the record needs no further resolution.
func (s Status) IsTerminal() bool {
	return s == StatusInstalled || s == StatusDeleted
}

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusUninitialized, StatusPending, StatusUpgrade, StatusInstalled, StatusDeleted:
		return nil
	default:
		return fmt.Errorf("invalid record status: %s", s)
	}
}

// CanTransitionTo reports whether SetStatus may move a record from s to next.
// INSTALLED -> UPGRADE is not covered here; it needs the newer record and
// goes through Table.MarkUpgrade.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next || next == StatusDeleted {
		return true
	}
	switch s {
	case StatusUninitialized:
		return next == StatusPending
	case StatusPending:
		return next == StatusInstalled
	case StatusUpgrade:
		return next == StatusInstalled
	default:
		return false
	}
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := Status(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// Identity names one of the three persisted tables.
type Identity string

const (
	// IdentityGlobal is the live, currently running resource set.
	IdentityGlobal Identity = "global"

	// IdentityUpgrade is scratch space for staging a candidate.
	IdentityUpgrade Identity = "upgrade"

	// IdentityRecovery is the undo log used during the commit swap.
	IdentityRecovery Identity = "recovery"
)

// Identities lists every table identity in a stable order.
var Identities = []Identity{IdentityGlobal, IdentityUpgrade, IdentityRecovery}

// Validate checks if the identity is valid.
func (i Identity) Validate() error {
	switch i {
	case IdentityGlobal, IdentityUpgrade, IdentityRecovery:
		return nil
	default:
		return fmt.Errorf("invalid table identity: %s", i)
	}
}

// ParseIdentity converts a string to an Identity.
func ParseIdentity(s string) (Identity, error) {
	id := Identity(s)
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

// Readiness summarizes whether every record in a table reached a terminal state.
type Readiness string

const (
	// ReadinessNone means the table is empty.
	ReadinessNone Readiness = "none"

	// ReadinessPartial means staging started but some records are unresolved.
	ReadinessPartial Readiness = "partial"

	// ReadinessUpgradeReady means the table is a complete candidate.
	ReadinessUpgradeReady Readiness = "upgrade_ready"
)

// Kind describes what a resource is. It is informational only.
type Kind string

const (
	// KindProfile is the app profile, the root of the reference graph.
	KindProfile Kind = "profile"

	// KindSuite groups forms.
	KindSuite Kind = "suite"

	// KindForm is a single form definition.
	KindForm Kind = "form"

	// KindMedia is a binary asset such as an image.
	KindMedia Kind = "media"

	// KindOther is anything the manifest does not classify.
	KindOther Kind = "other"
)

// Validate checks if the kind is valid.
func (k Kind) Validate() error {
	switch k {
	case KindProfile, KindSuite, KindForm, KindMedia, KindOther:
		return nil
	default:
		return fmt.Errorf("invalid resource kind: %s", k)
	}
}
