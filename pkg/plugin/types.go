package plugin

// Type is the functional category of a plugin.
type Type string

const (
	// TypeSkill plugins contribute task handlers to the skill registry.
	TypeSkill Type = "skill"
)

// Capability names a host facility a plugin asks to use.
type Capability string

const (
	CapabilityFilesystem Capability = "filesystem"
	CapabilityNetwork    Capability = "network"
	CapabilityExecution  Capability = "execution"
	// CapabilityChain grants access to the chain clients exposed as resources.
	CapabilityChain Capability = "chain"
)

// Info is the static description a plugin reports about itself.
type Info struct {
	ID           string
	Name         string
	Description  string
	Version      string
	Category     Type
	Capabilities []Capability
}

// State is the lifecycle position of a plugin instance.
type State string

const (
	StateRegistered State = "registered"
	StateStarted    State = "started"
	StateStopped    State = "stopped"
)
