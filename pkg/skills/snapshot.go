// Package skills decides whether an agent may use the skills an action
// requests, against an explicit, content-addressed policy snapshot.
package skills

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/gatekeeper/pkg/canonicalize"
	"github.com/Mindburn-Labs/gatekeeper/pkg/fault"
)

// SupportedSchema is the snapshot schema_version constraint this build reads.
const SupportedSchema = "~1"

// Status of a skill in a snapshot.
type Status string

const (
	StatusActive       Status = "active"
	StatusExperimental Status = "experimental"
	StatusDisabled     Status = "disabled"
	StatusRevoked      Status = "revoked"
)

// Skill is one entry of the snapshot.
type Skill struct {
	Status  Status `json:"status" yaml:"status"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
}

// Rule is a CEL expression that, when true, turns an ALLOW into
// APPROVAL_REQUIRED. Rules see `skills` (list of string), `command` and
// `domain` (string).
type Rule struct {
	Name   string `json:"name" yaml:"name"`
	When   string `json:"when" yaml:"when"`
	Detail string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Snapshot is the skill policy in force for a decision. Its SHA256 is what an
// approval is bound to.
type Snapshot struct {
	SchemaVersion string           `json:"schema_version" yaml:"schema_version"`
	Skills        map[string]Skill `json:"skills" yaml:"skills"`
	EscalateWhen  []Rule           `json:"escalate_when,omitempty" yaml:"escalate_when,omitempty"`
}

// SHA256 returns the hex SHA-256 of the snapshot's canonical JSON.
func (s *Snapshot) SHA256() (string, error) {
	if s == nil {
		return "", fmt.Errorf("skills: nil snapshot")
	}
	h, err := canonicalize.CanonicalHash(s)
	if err != nil {
		return "", fmt.Errorf("skills: hash snapshot: %w", err)
	}
	return h, nil
}

// Validate checks the schema version and every status value.
func (s *Snapshot) Validate() error {
	v, err := semver.NewVersion(s.SchemaVersion)
	if err != nil {
		return fmt.Errorf("%w: skills snapshot schema_version %q: %v", fault.ErrCorruptedState, s.SchemaVersion, err)
	}
	c, err := semver.NewConstraint(SupportedSchema)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: skills snapshot schema_version %s does not satisfy %s", fault.ErrCorruptedState, s.SchemaVersion, SupportedSchema)
	}
	for id, sk := range s.Skills {
		switch sk.Status {
		case StatusActive, StatusExperimental, StatusDisabled, StatusRevoked:
		default:
			return fmt.Errorf("%w: skill %q has unknown status %q", fault.ErrCorruptedState, id, sk.Status)
		}
	}
	return nil
}

// Load reads a snapshot from a .json, .yaml or .yml lock file.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("skills: read %s: %w", path, err)
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".json"))
}

// Parse decodes and validates a snapshot.
func Parse(data []byte, isJSON bool) (*Snapshot, error) {
	var snap Snapshot
	if isJSON {
		err := json.Unmarshal(data, &snap)
		if err != nil {
			return nil, fmt.Errorf("%w: skills snapshot: %v", fault.ErrCorruptedState, err)
		}
	} else if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: skills snapshot: %v", fault.ErrCorruptedState, err)
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return &snap, nil
}
