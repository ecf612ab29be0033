// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package seed loads declarative gatekeeper state (permissions, roles,
// grants, flags and cohorts) from YAML and applies it idempotently.
package seed

import (
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/holomush/gatekeeper/pkg/errutil"
)

// SupportedVersions is the constraint a document's version must satisfy.
const SupportedVersions = "^1"

// Document is a seed file.
type Document struct {
	Version     string              `yaml:"version" json:"version" jsonschema:"pattern=^[0-9]+\\.[0-9]+\\.[0-9]+$,description=Seed format version (semver)"`
	Permissions []Permission        `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	Roles       []Role              `yaml:"roles,omitempty" json:"roles,omitempty"`
	Grants      []Grant             `yaml:"grants,omitempty" json:"grants,omitempty"`
	Flags       []Flag              `yaml:"flags,omitempty" json:"flags,omitempty"`
	Cohorts     map[string][]string `yaml:"cohorts,omitempty" json:"cohorts,omitempty" jsonschema:"description=Cohort name to member user ids"`
}

// Permission registers a catalog entry.
type Permission struct {
	Resource    string `yaml:"resource" json:"resource" jsonschema:"minLength=1"`
	Action      string `yaml:"action" json:"action" jsonschema:"minLength=1"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Role declares a role by name.
type Role struct {
	Name        string   `yaml:"name" json:"name" jsonschema:"minLength=1"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Permissions []string `yaml:"permissions" json:"permissions"`
	System      bool     `yaml:"system,omitempty" json:"system,omitempty"`
}

// Grant assigns a role, referenced by name, to a user.
type Grant struct {
	User      string     `yaml:"user" json:"user" jsonschema:"minLength=1"`
	Role      string     `yaml:"role" json:"role" jsonschema:"minLength=1"`
	ExpiresAt *time.Time `yaml:"expires_at,omitempty" json:"expires_at,omitempty"`
}

// Flag declares a feature flag.
type Flag struct {
	Name              string   `yaml:"name" json:"name" jsonschema:"minLength=1"`
	Description       string   `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled           bool     `yaml:"enabled" json:"enabled"`
	RolloutPercentage int      `yaml:"rollout_percentage,omitempty" json:"rollout_percentage,omitempty" jsonschema:"minimum=0,maximum=100"`
	TargetUsers       []string `yaml:"target_users,omitempty" json:"target_users,omitempty"`
	TargetRoles       []string `yaml:"target_roles,omitempty" json:"target_roles,omitempty"`
	TargetCohorts     []string `yaml:"target_cohorts,omitempty" json:"target_cohorts,omitempty"`
}

// Parse validates data against the seed schema, decodes it and checks the
// format version.
func Parse(data []byte) (*Document, error) {
	if err := ValidateSchema(data); err != nil {
		return nil, err
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, oops.In("seed").Code(errutil.CodeInvalidRequest).Wrapf(err, "invalid YAML")
	}
	if err := doc.checkVersion(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Load reads and parses the seed file at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, oops.In("seed").With("path", path).Wrapf(err, "read seed file")
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, oops.In("seed").With("path", path).Wrap(err)
	}
	return doc, nil
}

func (d *Document) checkVersion() error {
	v, err := semver.StrictNewVersion(d.Version)
	if err != nil {
		return oops.In("seed").Code(errutil.CodeInvalidRequest).
			With("version", d.Version).
			Wrapf(err, "seed version must be semver")
	}
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return oops.In("seed").Wrap(err)
	}
	if !constraint.Check(v) {
		return oops.In("seed").Code(errutil.CodeInvalidRequest).
			With("version", d.Version).
			With("supported", SupportedVersions).
			Errorf("unsupported seed version %s", d.Version)
	}
	return nil
}
