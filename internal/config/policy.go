package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/ryanuber/go-glob"
)

// Policy selects files within a batch run and overrides processing
// behavior for them. Patterns are matched with glob semantics against
// the slash-separated path relative to the batch root.
type Policy struct {
	ID      string   `yaml:"id"`
	Paths   []string `yaml:"paths"`
	Exclude []string `yaml:"exclude,omitempty"`

	// Skip excludes matched files from processing entirely.
	Skip bool `yaml:"skip,omitempty"`

	// Overrides. Nil pointers leave the base configuration untouched.
	PreserveTimestamps *bool `yaml:"preserve_timestamps,omitempty"`
	DeleteSource       *bool `yaml:"delete_source,omitempty"`
	MaxFileSize        int64 `yaml:"max_file_size,omitempty"`
}

// ValidatePolicies validates a policy list. IDs must be present and
// unique, and every policy needs at least one path pattern.
func ValidatePolicies(policies []Policy) error {
	seen := make(map[string]bool, len(policies))
	for i := range policies {
		p := &policies[i]
		if p.ID == "" {
			return fmt.Errorf("policies[%d]: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate policy id: %s", p.ID)
		}
		seen[p.ID] = true
		if len(p.Paths) == 0 {
			return fmt.Errorf("policy %s must specify at least one path pattern", p.ID)
		}
		if p.MaxFileSize < 0 {
			return fmt.Errorf("policy %s: max_file_size cannot be negative", p.ID)
		}
	}
	return nil
}

// PolicyManager matches relative file paths against a policy list.
type PolicyManager struct {
	policies []Policy
	mu       sync.RWMutex
}

// NewPolicyManager creates a policy manager for the given policies.
func NewPolicyManager(policies []Policy) *PolicyManager {
	pm := &PolicyManager{}
	pm.Reload(policies)
	return pm
}

// Reload replaces the policy list, for use on configuration reload.
func (pm *PolicyManager) Reload(policies []Policy) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.policies = make([]Policy, len(policies))
	copy(pm.policies, policies)
}

// Match returns the first policy whose path patterns match relPath and
// whose exclude patterns do not. Returns nil when no policy applies.
func (pm *PolicyManager) Match(relPath string) *Policy {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	candidate := filepath.ToSlash(relPath)
	for i := range pm.policies {
		p := &pm.policies[i]
		if !matchAny(p.Paths, candidate) {
			continue
		}
		if matchAny(p.Exclude, candidate) {
			continue
		}
		return p
	}
	return nil
}

// ShouldSkip reports whether relPath is excluded from processing by the
// first matching policy.
func (pm *PolicyManager) ShouldSkip(relPath string) bool {
	p := pm.Match(relPath)
	return p != nil && p.Skip
}

func matchAny(patterns []string, candidate string) bool {
	for _, pattern := range patterns {
		if glob.Glob(pattern, candidate) {
			return true
		}
	}
	return false
}

// ApplyToProcessing applies the policy's overrides to a copy of the
// base processing configuration.
func (p *Policy) ApplyToProcessing(base ProcessingConfig) ProcessingConfig {
	merged := base
	if p.PreserveTimestamps != nil {
		merged.PreserveTimestamps = *p.PreserveTimestamps
	}
	if p.DeleteSource != nil {
		merged.DeleteSource = *p.DeleteSource
	}
	if p.MaxFileSize > 0 {
		merged.MaxFileSize = p.MaxFileSize
	}
	return merged
}
