package plugin

import (
	"fmt"
	"slices"
)

// IsolationStrategy enforces a policy around a plugin's lifetime.
type IsolationStrategy interface {
	Validate(info Info, policy IsolationPolicy) error
	Prepare(info Info) error
	Cleanup(info Info) error
}

// CapabilityCheck only validates requested capabilities against the policy.
type CapabilityCheck struct{}

// Validate rejects denied capabilities, and when an allow list exists,
// anything not on it. A plugin that requests capabilities needs a policy.
func (CapabilityCheck) Validate(info Info, policy IsolationPolicy) error {
	if len(info.Capabilities) == 0 {
		return nil
	}
	if policy.empty() {
		return fmt.Errorf("plugin %s requests capabilities but no policy is configured", info.ID)
	}
	for _, c := range info.Capabilities {
		if slices.Contains(policy.DeniedCapabilities, c) {
			return fmt.Errorf("capability %s is denied for plugin %s", c, info.ID)
		}
		if len(policy.AllowedCapabilities) > 0 && !slices.Contains(policy.AllowedCapabilities, c) {
			return fmt.Errorf("capability %s is not permitted for plugin %s", c, info.ID)
		}
	}
	return nil
}

// Prepare implements IsolationStrategy.
func (CapabilityCheck) Prepare(Info) error { return nil }

// Cleanup implements IsolationStrategy.
func (CapabilityCheck) Cleanup(Info) error { return nil }

// MergePolicies overlays a plugin policy on the defaults, field by field.
func MergePolicies(defaults IsolationPolicy, override *IsolationPolicy) IsolationPolicy {
	if override == nil {
		return defaults
	}
	merged := *override
	if len(merged.AllowedCapabilities) == 0 {
		merged.AllowedCapabilities = defaults.AllowedCapabilities
	}
	if len(merged.DeniedCapabilities) == 0 {
		merged.DeniedCapabilities = defaults.DeniedCapabilities
	}
	return merged
}
