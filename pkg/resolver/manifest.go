package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/appstage/pkg/config"
	"github.com/openfroyo/appstage/pkg/resource"
)

// Manifest is the decoded form of a resource payload.
type Manifest struct {
	ID            string                 `yaml:"id" validate:"required"`
	Version       int                    `yaml:"version" validate:"gte=0"`
	Kind          resource.Kind          `yaml:"kind,omitempty" validate:"omitempty,oneof=profile suite form media other"`
	AppID         string                 `yaml:"app_id,omitempty" validate:"required_if=Kind profile"`
	AuthReference string                 `yaml:"auth_reference,omitempty" validate:"omitempty,url"`
	Requirements  *resource.VersionRange `yaml:"requirements,omitempty"`
	Resources     []ChildRef             `yaml:"resources,omitempty" validate:"dive"`
	Content       yaml.Node              `yaml:"content,omitempty"`
}

// ChildRef declares a resource referenced by a manifest.
type ChildRef struct {
	ID         string        `yaml:"id" validate:"required"`
	Version    int           `yaml:"version" validate:"gte=0"`
	Kind       resource.Kind `yaml:"kind,omitempty" validate:"omitempty,oneof=profile suite form media other"`
	References []string      `yaml:"references" validate:"min=1,dive,required"`
}

// ManifestDecoder decodes and validates manifests.
type ManifestDecoder struct {
	schemas  *config.SchemaRegistry
	validate *validator.Validate
}

// NewManifestDecoder returns a decoder that checks manifests against the
// registry's manifest schema. A nil registry gets the built-in schemas.
func NewManifestDecoder(schemas *config.SchemaRegistry) *ManifestDecoder {
	if schemas == nil {
		schemas = config.NewSchemaRegistry()
	}
	return &ManifestDecoder{
		schemas:  schemas,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Decode parses data as a single YAML document and validates its structure,
// field constraints and requirement versions.
func (d *ManifestDecoder) Decode(ctx context.Context, data []byte) (*Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("empty payload")
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := d.schemas.ValidateAgainstSchema(ctx, config.SchemaManifest, doc); err != nil {
		return nil, err
	}

	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if err := dec.Decode(new(yaml.Node)); !errors.Is(err, io.EOF) {
		return nil, errors.New("payload holds more than one document")
	}

	if m.Kind == "" {
		m.Kind = resource.KindOther
	}
	if err := d.validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if err := validateRange(m.Requirements); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(m.Resources))
	for _, c := range m.Resources {
		if c.ID == m.ID || c.ID == resource.ProfileID {
			return nil, fmt.Errorf("resource %s references itself or the profile", c.ID)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("resource %s is declared twice", c.ID)
		}
		seen[c.ID] = true
	}
	return &m, nil
}

// validateRange checks that the bounds of r are semantic versions and ordered.
func validateRange(r *resource.VersionRange) error {
	if r == nil {
		return nil
	}

	var lo, hi *semver.Version
	var err error
	if r.Min != "" {
		if lo, err = semver.NewVersion(r.Min); err != nil {
			return fmt.Errorf("requirement %s: invalid min %q: %w", r.Code, r.Min, err)
		}
	}
	if r.Max != "" {
		if hi, err = semver.NewVersion(r.Max); err != nil {
			return fmt.Errorf("requirement %s: invalid max %q: %w", r.Code, r.Max, err)
		}
	}
	if lo != nil && hi != nil && lo.GreaterThan(hi) {
		return fmt.Errorf("requirement %s: min %s is above max %s", r.Code, r.Min, r.Max)
	}
	return nil
}

// Record builds the resolved record for rec from the manifest.
func (m *Manifest) Record(rec resource.Record, digest string) resource.Record {
	out := rec.Clone()
	out.Version = m.Version
	out.Status = resource.StatusUninitialized
	out.Kind = m.Kind
	out.Digest = digest
	out.Requirements = nil
	if m.Requirements != nil {
		r := *m.Requirements
		out.Requirements = &r
	}
	out.AppID = m.AppID
	out.AuthReference = m.AuthReference

	out.Children = make([]string, 0, len(m.Resources))
	for _, c := range m.Resources {
		out.Children = append(out.Children, c.ID)
	}
	return out
}

// Children returns the declared resources as uninitialized records.
func (m *Manifest) Children() []resource.Record {
	out := make([]resource.Record, 0, len(m.Resources))
	for _, c := range m.Resources {
		child := resource.NewRecord(c.ID, c.Version, c.References...)
		if c.Kind != "" {
			child.Kind = c.Kind
		}
		out = append(out, child)
	}
	return out
}

// String summarizes the manifest for logs.
func (m *Manifest) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s@%d (%s)", m.ID, m.Version, m.Kind)
	if len(m.Resources) > 0 {
		fmt.Fprintf(&b, " +%d resources", len(m.Resources))
	}
	return b.String()
}
