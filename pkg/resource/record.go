// Package resource defines resource records, resource tables and the
// state machine that governs them.
//
// A Table holds records keyed by id and is the unit of atomic replacement.
// Three table identities exist: GLOBAL (the live set), UPGRADE (staging
// scratch space) and RECOVERY (the commit undo log).
package resource

import (
	"fmt"

	"github.com/tiendc/go-deepcopy"
)

// ProfileID is the id of the root resource describing the application.
const ProfileID = "application-profile"

// VersionRange is a platform compatibility requirement.
// Min and Max are semantic versions; either may be empty.
type VersionRange struct {
	// Code identifies the requirement (for example "platform" or "major").
	Code string `json:"code" yaml:"code"`

	// Min is the lowest compatible platform version, inclusive.
	Min string `json:"min,omitempty" yaml:"min,omitempty"`

	// Max is the highest compatible platform version, inclusive.
	Max string `json:"max,omitempty" yaml:"max,omitempty"`
}

// String returns the range as a constraint expression.
func (r VersionRange) String() string {
	switch {
	case r.Min != "" && r.Max != "":
		return fmt.Sprintf(">= %s, <= %s", r.Min, r.Max)
	case r.Min != "":
		return ">= " + r.Min
	case r.Max != "":
		return "<= " + r.Max
	default:
		return "*"
	}
}

// Record describes one installable unit.
type Record struct {
	// ID is unique within a table.
	ID string `json:"id"`

	// Version increases monotonically per id across upgrades.
	Version int `json:"version"`

	// Status is the lifecycle state.
	Status Status `json:"status"`

	// Kind is informational.
	Kind Kind `json:"kind,omitempty"`

	// References are locators for the payload, tried in order.
	References []string `json:"references,omitempty"`

	// Requirements is the optional platform compatibility range.
	Requirements *VersionRange `json:"requirements,omitempty"`

	// Children are ids of resources referenced by this payload.
	Children []string `json:"children,omitempty"`

	// Digest is the hex xxhash64 of the payload bytes.
	Digest string `json:"digest,omitempty"`

	// AppID is the application unique id. Set on the profile only.
	AppID string `json:"app_id,omitempty"`

	// AuthReference is the canonical profile location. Set on the profile only.
	AuthReference string `json:"auth_reference,omitempty"`
}

// NewRecord creates an uninitialized record.
func NewRecord(id string, version int, refs ...string) Record {
	return Record{
		ID:         id,
		Version:    version,
		Status:     StatusUninitialized,
		Kind:       KindOther,
		References: refs,
	}
}

// IsNewer reports whether r is strictly newer than other.
func (r Record) IsNewer(other Record) bool {
	return r.Version > other.Version
}

// Validate checks the record fields.
func (r Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("record id is required")
	}
	if r.Version < 0 {
		return fmt.Errorf("record %s has negative version %d", r.ID, r.Version)
	}
	if err := r.Status.Validate(); err != nil {
		return fmt.Errorf("record %s: %w", r.ID, err)
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	var out Record
	if err := deepcopy.Copy(&out, &r); err != nil {
		// Record holds only plain data; a copy failure is a programming error.
		panic(fmt.Sprintf("failed to copy record %s: %v", r.ID, err))
	}
	return out
}
