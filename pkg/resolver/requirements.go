package resolver

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/openfroyo/appstage/pkg/engine"
	"github.com/openfroyo/appstage/pkg/resource"
)

// CompatibilityChecker checks declared requirements against the platform version.
type CompatibilityChecker struct {
	Platform *semver.Version
}

// NewCompatibilityChecker parses version as the running platform version.
func NewCompatibilityChecker(version string) (*CompatibilityChecker, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("invalid platform version %q: %w", version, err)
	}
	return &CompatibilityChecker{Platform: v}, nil
}

// CheckRequirements implements engine.CompatibilityChecker. It returns a
// *engine.RequirementsError for the first record the platform does not satisfy.
func (c *CompatibilityChecker) CheckRequirements(records []resource.Record) error {
	for _, rec := range records {
		req := rec.Requirements
		if req == nil || (req.Min == "" && req.Max == "") {
			continue
		}

		constraint, err := semver.NewConstraint(req.String())
		if err != nil {
			return engine.NewInvalidPayloadError(rec.ID, fmt.Errorf("requirement %s: %w", req.Code, err))
		}
		if constraint.Check(c.Platform) {
			continue
		}

		return &engine.RequirementsError{
			Resource:  rec.ID,
			Code:      req.Code,
			Required:  req.String(),
			Available: c.Platform.String(),
			IsMajor:   c.majorMismatch(req),
		}
	}
	return nil
}

// majorMismatch reports whether the violated bound lies in another major version.
func (c *CompatibilityChecker) majorMismatch(req *resource.VersionRange) bool {
	if req.Min != "" {
		if lo, err := semver.NewVersion(req.Min); err == nil && c.Platform.LessThan(lo) {
			return lo.Major() != c.Platform.Major()
		}
	}
	if req.Max != "" {
		if hi, err := semver.NewVersion(req.Max); err == nil && c.Platform.GreaterThan(hi) {
			return hi.Major() != c.Platform.Major()
		}
	}
	return false
}
